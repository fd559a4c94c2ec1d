package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/xzmcp/gateway/internal/config"
	"github.com/xzmcp/gateway/internal/jsonrpc"
)

// fakeSSEBackend serves the classic MCP SSE dialect: a GET opens a stream
// that first announces a POST endpoint, then relays one "message" event per
// POSTed JSON-RPC request, echoing back its id.
type fakeSSEBackend struct {
	mux          *http.ServeMux
	flusherReady chan http.Flusher
	messages     chan []byte
	lastAuth     string
}

func newFakeSSEBackend() *fakeSSEBackend {
	f := &fakeSSEBackend{
		mux:          http.NewServeMux(),
		flusherReady: make(chan http.Flusher, 1),
		messages:     make(chan []byte, 8),
	}
	f.mux.HandleFunc("/sse", f.handleStream)
	f.mux.HandleFunc("/messages", f.handlePost)
	return f
}

func (f *fakeSSEBackend) handleStream(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream")
	flusher := w.(http.Flusher)
	fmt.Fprintf(w, "event: endpoint\ndata: /messages\n\n")
	flusher.Flush()

	for {
		select {
		case msg := <-f.messages:
			fmt.Fprintf(w, "event: message\ndata: %s\n\n", msg)
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

func (f *fakeSSEBackend) handlePost(w http.ResponseWriter, r *http.Request) {
	f.lastAuth = r.Header.Get("Authorization")
	var req jsonrpc.Request
	body, _ := io.ReadAll(r.Body)
	_ = json.Unmarshal(body, &req)

	if !req.IsNotification() {
		resp, _ := jsonrpc.NewResultResponse(req.ID, map[string]bool{"ok": true})
		b, _ := json.Marshal(resp)
		f.messages <- b
	}
	w.WriteHeader(http.StatusAccepted)
}

func TestSSETransportRequestResponseRoundTrip(t *testing.T) {
	backend := newFakeSSEBackend()
	srv := httptest.NewServer(backend.mux)
	defer srv.Close()

	cfg, err := config.Normalize("sse", config.RawBackendConfig{URL: srv.URL + "/sse"}, "")
	require.NoError(t, err)

	tr := NewSSETransport(cfg, "", nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, tr.Connect(ctx))
	defer func() { _ = tr.Close() }()

	resp, err := tr.Request(ctx, "ping", nil)
	require.NoError(t, err)
	var out map[string]bool
	require.NoError(t, resp.DecodeResult(&out))
	require.True(t, out["ok"])
}

func TestSSETransportModelScopeAuthHeaderPrecedence(t *testing.T) {
	backend := newFakeSSEBackend()
	srv := httptest.NewServer(backend.mux)
	defer srv.Close()

	cfg, err := config.Normalize("ms", config.RawBackendConfig{URL: srv.URL + "/sse"}, "")
	require.NoError(t, err)
	// Force the ModelScope flag for this unit test regardless of host.
	cfg.SSE.ModelScopeAuth = true

	tr := NewSSETransport(cfg, "resolved-token", nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, tr.Connect(ctx))
	defer func() { _ = tr.Close() }()

	_, err = tr.Request(ctx, "ping", nil)
	require.NoError(t, err)
	require.Equal(t, "Bearer resolved-token", backend.lastAuth)
}

func TestSSETransportMissingAuthFailsConnect(t *testing.T) {
	cfg := &config.BackendConfig{
		Name:      "ms",
		Transport: config.TransportSSE,
		SSE:       &config.SSEConfig{URL: "http://example.com/sse", ModelScopeAuth: true},
		Timeout:   time.Second,
	}
	tr := NewSSETransport(cfg, "", nil)
	err := tr.Connect(context.Background())
	require.Error(t, err)
}
