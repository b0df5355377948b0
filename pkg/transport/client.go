package transport

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cuemby/mscluster/pkg/metrics"
	"github.com/cuemby/mscluster/pkg/types"
	"golang.org/x/sync/errgroup"
)

// Call describes a synchronous remote execution
type Call struct {
	Peer        string
	AgentID     int64
	Dispatcher  string // empty selects the default dispatcher
	Payload     string
	StopOnError bool
	Timeout     time.Duration // zero selects the transport's request timeout
}

// DeliveryResult reports the outcome of delivering a broadcast to one peer
type DeliveryResult struct {
	Peer string
	Err  error
}

// Execute runs payload on peer through the default dispatcher and waits for the result
func (t *Transport) Execute(ctx context.Context, peer string, agentID int64, payload string, stopOnError bool) (string, error) {
	return t.Call(ctx, Call{
		Peer:        peer,
		AgentID:     agentID,
		Payload:     payload,
		StopOnError: stopOnError,
	})
}

// Call sends a Request PDU and waits for the matching Response PDU.
// The timeout covers both delivering the request and waiting for the response.
// On timeout the request is abandoned locally; the peer may still run it.
func (t *Transport) Call(ctx context.Context, c Call) (string, error) {
	if c.Dispatcher == "" {
		c.Dispatcher = t.cfg.DefaultDispatcher
	}
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = t.cfg.RequestTimeout
	}
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.ExecuteDuration, c.Dispatcher)

	callCtx, cancel := t.clock.WithTimeout(ctx, timeout)
	defer cancel()

	seq := t.nextSeq()
	req := &pendingRequest{peer: c.Peer, ch: make(chan *types.ClusterServicePdu, 1)}

	t.mu.Lock()
	if t.closed() {
		t.mu.Unlock()
		return "", ErrTransportClosed
	}
	t.pending[seq] = req
	t.mu.Unlock()
	metrics.PendingRequests.Inc()

	defer func() {
		t.mu.Lock()
		delete(t.pending, seq)
		t.mu.Unlock()
		metrics.PendingRequests.Dec()
	}()

	pdu := &types.ClusterServicePdu{
		SequenceID:  seq,
		SourcePeer:  t.cfg.Self,
		DestPeer:    c.Peer,
		AgentID:     c.AgentID,
		Dispatcher:  c.Dispatcher,
		Package:     c.Payload,
		StopOnError: c.StopOnError,
		Type:        types.PduTypeRequest,
	}
	if err := t.send(callCtx, pdu); err != nil {
		if ctx.Err() == nil && callCtx.Err() != nil {
			return "", t.timedOut(c.Peer, seq, timeout)
		}
		return "", err
	}

	select {
	case resp := <-req.ch:
		if resp.Error != "" {
			return "", &RemoteError{Peer: c.Peer, Dispatcher: c.Dispatcher, Message: resp.Error}
		}
		return resp.Package, nil
	case <-callCtx.Done():
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", t.timedOut(c.Peer, seq, timeout)
	case <-t.stopCh:
		return "", ErrTransportClosed
	}
}

func (t *Transport) timedOut(peer string, seq uint64, timeout time.Duration) error {
	t.logger.Warn().
		Str("peer", peer).
		Uint64("seq", seq).
		Dur("timeout", timeout).
		Msg("Request timed out, abandoning")
	return fmt.Errorf("%w: peer %s seq %d after %s", ErrRequestTimeout, peer, seq, timeout)
}

// Broadcast sends a Message PDU to every live peer except this one.
// Deliveries run concurrently; a failed delivery is reported in its result and
// does not affect the others.
func (t *Transport) Broadcast(ctx context.Context, agentID int64, payload string) []DeliveryResult {
	peers, err := t.cfg.Resolver.LivePeers(ctx)
	if err != nil {
		t.logger.Error().Err(err).Msg("Failed to list peers for broadcast")
		return nil
	}

	var targets []string
	for _, p := range peers {
		if name := p.PeerName(); name != t.cfg.Self {
			targets = append(targets, name)
		}
	}

	results := make([]DeliveryResult, len(targets))
	var g errgroup.Group
	g.SetLimit(t.cfg.Workers)
	for i, peer := range targets {
		g.Go(func() error {
			pdu := &types.ClusterServicePdu{
				SequenceID: t.nextSeq(),
				SourcePeer: t.cfg.Self,
				DestPeer:   peer,
				AgentID:    agentID,
				Dispatcher: t.cfg.DefaultDispatcher,
				Package:    payload,
				Type:       types.PduTypeMessage,
			}
			results[i] = DeliveryResult{Peer: peer, Err: t.send(ctx, pdu)}
			if results[i].Err != nil {
				t.logger.Warn().Err(results[i].Err).Str("peer", peer).Msg("Broadcast delivery failed")
			}
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// Ping checks that peer's cluster service answers
func (t *Transport) Ping(ctx context.Context, peer string) error {
	node, err := t.cfg.Resolver.ResolvePeer(ctx, peer)
	if err != nil {
		return err
	}
	return t.PingNode(ctx, node)
}

// PingNode pings node directly without consulting the resolver, so that a
// node whose heartbeat went stale can still be probed before it is marked Down
func (t *Transport) PingNode(ctx context.Context, node *types.ManagementServerNode) error {
	ctx, cancel := context.WithTimeout(ctx, t.cfg.PingTimeout)
	defer cancel()
	return t.post(ctx, node.PeerName(), node.ServiceAddr(), pingForm(t.cfg.Self))
}

// send resolves pdu.DestPeer and posts the PDU to it
func (t *Transport) send(ctx context.Context, pdu *types.ClusterServicePdu) error {
	node, err := t.cfg.Resolver.ResolvePeer(ctx, pdu.DestPeer)
	if err == nil {
		err = t.post(ctx, pdu.DestPeer, node.ServiceAddr(), EncodePdu(pdu))
	}

	result := "ok"
	if err != nil {
		result = "error"
		if isUnavailable(err) {
			result = "unavailable"
		}
	}
	metrics.PDUsSent.WithLabelValues(pdu.Type.String(), result).Inc()
	return err
}

// post delivers a cluster service form and checks for the success body
func (t *Transport) post(ctx context.Context, peer, addr string, form url.Values) error {
	target := (&url.URL{Scheme: "http", Host: addr, Path: ServicePath}).String()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := t.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %s at %s: %v", ErrPeerUnavailable, peer, addr, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return fmt.Errorf("%w: %s: reading response: %v", ErrPeerUnavailable, peer, err)
	}

	switch {
	case resp.StatusCode == http.StatusServiceUnavailable:
		return fmt.Errorf("%w: %s is shutting down", ErrPeerUnavailable, peer)
	case resp.StatusCode != http.StatusOK:
		return fmt.Errorf("peer %s rejected pdu: %s: %s", peer, resp.Status, strings.TrimSpace(string(body)))
	case strings.TrimSpace(string(body)) != successBody:
		return fmt.Errorf("peer %s returned unexpected body %q", peer, body)
	}
	return nil
}
