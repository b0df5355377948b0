package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/cuemby/mscluster/pkg/dispatch"
	"github.com/cuemby/mscluster/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTransport(t *testing.T, observer PeerObserver) *Transport {
	tr, err := New(Config{
		Self:       "2",
		Resolver:   newStaticResolver(),
		Dispatcher: dispatch.NewRegistry(),
		Observer:   observer,
		Workers:    1,
		QueueSize:  4,
	})
	require.NoError(t, err)
	return tr
}

func post(t *testing.T, h http.Handler, form url.Values) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, ServicePath, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func requestForm() url.Values {
	return EncodePdu(&types.ClusterServicePdu{
		SequenceID: 3,
		SourcePeer: "1",
		DestPeer:   "2",
		AgentID:    11,
		Package:    "payload",
		Type:       types.PduTypeRequest,
	})
}

func TestServeHTTP_Deliver(t *testing.T) {
	tr := newTestTransport(t, nil)

	w := post(t, tr, requestForm())
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "true", w.Body.String())

	require.Len(t, tr.queue, 1)
	pdu := <-tr.queue
	assert.Equal(t, uint64(3), pdu.SequenceID)
	assert.Equal(t, "payload", pdu.Package)
}

func TestServeHTTP_Rejects(t *testing.T) {
	tr := newTestTransport(t, nil)

	tests := []struct {
		name     string
		mutate   func(form url.Values)
		wantCode int
		wantBody string
	}{
		{"unknown method", func(f url.Values) { f.Set("method", "9") }, http.StatusBadRequest, "bad request"},
		{"non numeric method", func(f url.Values) { f.Set("method", "DELIVER") }, http.StatusBadRequest, "bad request"},
		{"bad sequence", func(f url.Values) { f.Set("pduSeq", "-1") }, http.StatusInternalServerError, "pduSeq"},
		{"bad agent id", func(f url.Values) { f.Set("agentId", "host") }, http.StatusInternalServerError, "agentId"},
		{"bad pdu type", func(f url.Values) { f.Set("pduType", "3") }, http.StatusInternalServerError, "unknown pdu type"},
		{"missing source", func(f url.Values) { f.Del("sourcePeer") }, http.StatusInternalServerError, "source and destination"},
		{"misrouted", func(f url.Values) { f.Set("destPeer", "5") }, http.StatusInternalServerError, "addressed to 5"},
		{"response without ack", func(f url.Values) { f.Set("pduType", "2") }, http.StatusInternalServerError, "response without"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			form := requestForm()
			tt.mutate(form)

			w := post(t, tr, form)
			assert.Equal(t, tt.wantCode, w.Code)
			assert.Contains(t, w.Body.String(), tt.wantBody)
		})
	}
	assert.Empty(t, tr.queue, "rejected PDUs are never queued")
}

func TestServeHTTP_MethodNotAllowed(t *testing.T) {
	tr := newTestTransport(t, nil)

	w := httptest.NewRecorder()
	tr.ServeHTTP(w, httptest.NewRequest(http.MethodGet, ServicePath, nil))
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestServeHTTP_Ping(t *testing.T) {
	var observed []string
	tr := newTestTransport(t, observerFunc(func(ctx context.Context, peer string) {
		observed = append(observed, peer)
	}))

	w := post(t, tr, pingForm("1"))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "true", w.Body.String())
	assert.Equal(t, []string{"1"}, observed)

	form := pingForm("")
	w = post(t, tr, form)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestServeHTTP_ResponseBypassesQueue(t *testing.T) {
	tr := newTestTransport(t, nil)

	// Fill the queue so that only a response can get through
	for len(tr.queue) < cap(tr.queue) {
		tr.queue <- &types.ClusterServicePdu{Type: types.PduTypeMessage}
	}

	req := &pendingRequest{peer: "1", ch: make(chan *types.ClusterServicePdu, 1)}
	tr.mu.Lock()
	tr.pending[7] = req
	tr.mu.Unlock()

	w := post(t, tr, EncodePdu(&types.ClusterServicePdu{
		SequenceID:    1,
		AckSequenceID: 7,
		SourcePeer:    "1",
		DestPeer:      "2",
		Package:       "done",
		Type:          types.PduTypeResponse,
	}))
	assert.Equal(t, http.StatusOK, w.Code)

	select {
	case resp := <-req.ch:
		assert.Equal(t, "done", resp.Package)
	default:
		t.Fatal("response was not handed to the pending request")
	}
}

func TestServeHTTP_RecoversPanics(t *testing.T) {
	tr := newTestTransport(t, observerFunc(func(ctx context.Context, peer string) {
		panic("observer bug")
	}))

	var w *httptest.ResponseRecorder
	require.NotPanics(t, func() {
		w = post(t, tr, pingForm("1"))
	})
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestServeHTTP_ShuttingDown(t *testing.T) {
	tr := newTestTransport(t, nil)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, tr.Stop(ctx))

	w := post(t, tr, requestForm())
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	w = post(t, tr, pingForm("1"))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}
