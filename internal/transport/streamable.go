package transport

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/xzmcp/gateway/internal/config"
	"github.com/xzmcp/gateway/internal/jsonrpc"
	"github.com/xzmcp/gateway/pkg/xiaozhi"
)

// StreamableHTTPTransport dials a backend over plain Streamable HTTP: no
// persistent connection, one POST per request, whose body is either a
// single JSON-RPC message or a newline-delimited chain for streamed results
// (spec §6). Only the final line is treated as the authoritative response;
// earlier lines are surfaced as notifications.
type StreamableHTTPTransport struct {
	cfg      *config.BackendConfig
	onNotify NotificationHandler
	client   *http.Client
}

// NewStreamableHTTPTransport builds a Streamable HTTP transport.
func NewStreamableHTTPTransport(cfg *config.BackendConfig, onNotify NotificationHandler) *StreamableHTTPTransport {
	return &StreamableHTTPTransport{cfg: cfg, onNotify: onNotify, client: &http.Client{}}
}

func (t *StreamableHTTPTransport) Info() Info {
	return Info{BackendName: t.cfg.Name, Kind: config.TransportStreamableHTTP}
}

// Connect is a no-op: there is no persistent connection to establish.
func (t *StreamableHTTPTransport) Connect(ctx context.Context) error { return nil }

// Close is a no-op: each request owns its own HTTP round trip.
func (t *StreamableHTTPTransport) Close() error { return nil }

func (t *StreamableHTTPTransport) Request(ctx context.Context, method string, params any) (*jsonrpc.Response, error) {
	id := jsonrpc.NewStringID(method)
	req, err := jsonrpc.NewRequest(id, method, params)
	if err != nil {
		return nil, err
	}
	lines, err := t.do(ctx, req)
	if err != nil {
		return nil, err
	}
	if len(lines) == 0 {
		return nil, xiaozhi.NewTransportError(xiaozhi.TransportProtocolError, method, fmt.Errorf("empty response body"))
	}

	for _, line := range lines[:len(lines)-1] {
		t.emitIfNotification(line)
	}
	final := lines[len(lines)-1]
	var resp jsonrpc.Response
	if err := json.Unmarshal(final, &resp); err != nil {
		return nil, xiaozhi.NewTransportError(xiaozhi.TransportProtocolError, method, err)
	}
	return &resp, nil
}

func (t *StreamableHTTPTransport) Notify(ctx context.Context, method string, params any) error {
	req, err := jsonrpc.NewNotification(method, params)
	if err != nil {
		return err
	}
	_, err = t.do(ctx, req)
	return err
}

func (t *StreamableHTTPTransport) do(ctx context.Context, req *jsonrpc.Request) ([][]byte, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.cfg.StreamableHTTP.URL, bytes.NewReader(body))
	if err != nil {
		return nil, xiaozhi.NewTransportError(xiaozhi.TransportConnectFailed, "build request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	for k, v := range t.cfg.Headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := t.client.Do(httpReq)
	if err != nil {
		return nil, xiaozhi.NewTransportError(xiaozhi.TransportConnectFailed, "post", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 300 {
		return nil, xiaozhi.NewTransportError(xiaozhi.TransportProtocolError, "post",
			fmt.Errorf("unexpected status %d", resp.StatusCode))
	}
	if req.IsNotification() {
		return nil, nil
	}

	var lines [][]byte
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		lines = append(lines, append([]byte(nil), line...))
	}
	if err := scanner.Err(); err != nil {
		return nil, xiaozhi.NewTransportError(xiaozhi.TransportProtocolError, "read body", err)
	}
	return lines, nil
}

func (t *StreamableHTTPTransport) emitIfNotification(line []byte) {
	var probe struct {
		Method *string `json:"method"`
	}
	if err := json.Unmarshal(line, &probe); err != nil || probe.Method == nil {
		return
	}
	var req jsonrpc.Request
	if err := json.Unmarshal(line, &req); err == nil && t.onNotify != nil {
		t.onNotify(req.Method, req.Params)
	}
}
