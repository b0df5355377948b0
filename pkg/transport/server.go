package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/cuemby/mscluster/pkg/metrics"
	"github.com/cuemby/mscluster/pkg/types"
)

// ServeHTTP implements the cluster service endpoint. A DELIVER_PDU request is
// acknowledged as soon as the PDU is queued; processing happens on a worker.
// Responses skip the queue and are handed to the waiting caller directly.
// An unknown method is answered 400; a PDU that fails to decode is answered 500.
func (t *Transport) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	defer func() {
		if p := recover(); p != nil {
			t.logger.Error().Interface("panic", p).Str("remote", r.RemoteAddr).Msg("Cluster service handler panicked")
			http.Error(w, "internal error", http.StatusInternalServerError)
		}
	}()

	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := r.ParseForm(); err != nil {
		t.reject(w, r, "", fmt.Errorf("%w: %v", ErrMalformedPdu, err))
		return
	}

	switch method := parseMethod(r.PostForm); method {
	case types.MethodPing:
		t.handlePing(w, r)
	case types.MethodDeliverPdu:
		t.handleDeliver(w, r)
	default:
		t.logger.Error().Int("method", int(method)).Str("raw", r.PostForm.Get(fieldMethod)).Str("remote", r.RemoteAddr).Msg("Unknown cluster service method")
		http.Error(w, "bad request", http.StatusBadRequest)
	}
}

func (t *Transport) handlePing(w http.ResponseWriter, r *http.Request) {
	caller := r.PostForm.Get(fieldCallingPeer)
	if caller == "" {
		t.reject(w, r, "ping", fmt.Errorf("%w: ping without %s", ErrMalformedPdu, fieldCallingPeer))
		return
	}
	if t.closed() {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}

	t.logger.Debug().Str("peer", caller).Msg("Ping received")
	t.observe(r.Context(), caller)
	writeSuccess(w)
}

func (t *Transport) handleDeliver(w http.ResponseWriter, r *http.Request) {
	pdu, err := DecodePdu(r.PostForm)
	if err != nil {
		t.reject(w, r, "deliver", err)
		return
	}
	if pdu.DestPeer != t.cfg.Self {
		t.reject(w, r, pdu.Type.String(), fmt.Errorf("%w: addressed to %s", ErrMalformedPdu, pdu.DestPeer))
		return
	}

	select {
	case <-t.stopCh:
		metrics.PDUsReceived.WithLabelValues(pdu.Type.String(), "unavailable").Inc()
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	default:
	}

	// A worker may itself be blocked in Call waiting for this response
	if pdu.Type == types.PduTypeResponse {
		t.observe(r.Context(), pdu.SourcePeer)
		t.complete(pdu)
		metrics.PDUsReceived.WithLabelValues(pdu.Type.String(), "accepted").Inc()
		writeSuccess(w)
		return
	}

	select {
	case t.queue <- pdu:
	case <-t.stopCh:
		metrics.PDUsReceived.WithLabelValues(pdu.Type.String(), "unavailable").Inc()
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	case <-r.Context().Done():
		return
	}

	metrics.PDUsReceived.WithLabelValues(pdu.Type.String(), "accepted").Inc()
	writeSuccess(w)
}

func (t *Transport) reject(w http.ResponseWriter, r *http.Request, kind string, err error) {
	t.logger.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("Rejected cluster service request")
	if kind != "" {
		metrics.PDUsReceived.WithLabelValues(kind, "rejected").Inc()
	}
	http.Error(w, err.Error(), http.StatusInternalServerError)
}

func writeSuccess(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(successBody))
}

func (t *Transport) worker() {
	defer t.wg.Done()
	for {
		select {
		case pdu := <-t.queue:
			t.process(pdu)
		case <-t.stopCh:
			return
		}
	}
}

// process handles one inbound Request or Message PDU
func (t *Transport) process(pdu *types.ClusterServicePdu) {
	logger := t.logger.With().
		Str("peer", pdu.SourcePeer).
		Uint64("seq", pdu.SequenceID).
		Str("type", pdu.Type.String()).
		Logger()

	t.observe(t.ctx, pdu.SourcePeer)

	switch pdu.Type {
	case types.PduTypeRequest:
		result, err := t.dispatch(t.ctx, pdu)
		resp := &types.ClusterServicePdu{
			SequenceID:    t.nextSeq(),
			AckSequenceID: pdu.SequenceID,
			SourcePeer:    t.cfg.Self,
			DestPeer:      pdu.SourcePeer,
			AgentID:       pdu.AgentID,
			Dispatcher:    pdu.Dispatcher,
			Package:       result,
			StopOnError:   pdu.StopOnError,
			Type:          types.PduTypeResponse,
		}
		if err != nil {
			resp.Error = err.Error()
		}
		if err := t.send(t.ctx, resp); err != nil {
			logger.Warn().Err(err).Msg("Failed to deliver response")
		}

	case types.PduTypeMessage:
		if _, err := t.dispatch(t.ctx, pdu); err != nil {
			logger.Warn().Err(err).Msg("Message dispatch failed")
		}
	}
}

// dispatch runs the PDU's dispatcher, turning panics into errors
func (t *Transport) dispatch(ctx context.Context, pdu *types.ClusterServicePdu) (result string, err error) {
	if pdu.Dispatcher == "" {
		pdu.Dispatcher = t.cfg.DefaultDispatcher
	}
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("dispatcher panicked: %v", p)
		}
		if err != nil {
			metrics.DispatchErrors.WithLabelValues(pdu.Dispatcher).Inc()
		}
	}()
	return t.cfg.Dispatcher.Dispatch(ctx, pdu)
}

// complete hands a response to the request waiting for it
func (t *Transport) complete(resp *types.ClusterServicePdu) {
	t.mu.Lock()
	req, ok := t.pending[resp.AckSequenceID]
	if ok && req.peer == resp.SourcePeer {
		delete(t.pending, resp.AckSequenceID)
	}
	t.mu.Unlock()

	switch {
	case !ok:
		t.logger.Debug().
			Str("peer", resp.SourcePeer).
			Uint64("ack_seq", resp.AckSequenceID).
			Msg("Discarding response with no pending request")
	case req.peer != resp.SourcePeer:
		t.logger.Warn().
			Str("peer", resp.SourcePeer).
			Str("expected_peer", req.peer).
			Uint64("ack_seq", resp.AckSequenceID).
			Msg("Discarding response from unexpected peer")
	default:
		req.ch <- resp
	}
}

func (t *Transport) observe(ctx context.Context, peer string) {
	if t.cfg.Observer == nil || peer == t.cfg.Self {
		return
	}
	t.cfg.Observer.ObservePeer(ctx, peer)
}

// isUnavailable reports whether err means the peer could not be reached
func isUnavailable(err error) bool {
	return errors.Is(err, ErrPeerUnavailable)
}
