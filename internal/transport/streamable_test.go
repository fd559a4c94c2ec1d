package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/xzmcp/gateway/internal/config"
	"github.com/xzmcp/gateway/internal/jsonrpc"
)

func TestStreamableHTTPTransportSingleLineResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req jsonrpc.Request
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &req))

		resp, _ := jsonrpc.NewResultResponse(req.ID, map[string]bool{"ok": true})
		b, _ := json.Marshal(resp)
		_, _ = w.Write(b)
	}))
	defer srv.Close()

	cfg, err := config.Normalize("http", config.RawBackendConfig{URL: srv.URL}, "")
	require.NoError(t, err)
	tr := NewStreamableHTTPTransport(cfg, nil)

	resp, err := tr.Request(context.Background(), "ping", nil)
	require.NoError(t, err)
	var out map[string]bool
	require.NoError(t, resp.DecodeResult(&out))
	require.True(t, out["ok"])
}

func TestStreamableHTTPTransportChainedNotificationsThenResult(t *testing.T) {
	var notified []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req jsonrpc.Request
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &req))

		progress, _ := jsonrpc.NewNotification("progress", map[string]int{"pct": 50})
		progressBytes, _ := json.Marshal(progress)
		resp, _ := jsonrpc.NewResultResponse(req.ID, map[string]bool{"ok": true})
		finalBytes, _ := json.Marshal(resp)

		fmt.Fprintf(w, "%s\n%s\n", progressBytes, finalBytes)
	}))
	defer srv.Close()

	cfg, err := config.Normalize("http", config.RawBackendConfig{URL: srv.URL}, "")
	require.NoError(t, err)
	tr := NewStreamableHTTPTransport(cfg, func(method string, params json.RawMessage) {
		notified = append(notified, method)
	})

	resp, err := tr.Request(context.Background(), "tools/call", nil)
	require.NoError(t, err)
	require.Nil(t, resp.Error)
	require.Equal(t, []string{"progress"}, notified)
}

func TestStreamableHTTPTransportErrorStatusCode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	cfg, err := config.Normalize("http", config.RawBackendConfig{URL: srv.URL}, "")
	require.NoError(t, err)
	tr := NewStreamableHTTPTransport(cfg, nil)

	_, err = tr.Request(context.Background(), "ping", nil)
	require.Error(t, err)
}
