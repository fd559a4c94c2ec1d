package transport

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/xzmcp/gateway/internal/config"
	"github.com/xzmcp/gateway/internal/jsonrpc"
	"github.com/xzmcp/gateway/pkg/xiaozhi"
)

// SSETransport dials a backend tool server that speaks MCP's classic
// HTTP+SSE dialect: a GET to the SSE URL opens a long-lived event stream,
// whose first "endpoint" event names the URL requests are POSTed to;
// responses and notifications arrive as "message" events on that same
// stream (spec §4.2/§6).
type SSETransport struct {
	cfg           *config.BackendConfig
	bearerToken   string
	onNotify      NotificationHandler
	client        *http.Client
	pending       *pendingRequests

	mu          sync.Mutex
	postURL     string
	endpointSet chan struct{}
	done        chan struct{}
	cancel      context.CancelFunc
	closeOnce   sync.Once
}

// NewSSETransport builds an SSE transport. bearerToken is the resolved
// ModelScope auth token (empty when the backend doesn't require one).
func NewSSETransport(cfg *config.BackendConfig, bearerToken string, onNotify NotificationHandler) *SSETransport {
	return &SSETransport{
		cfg:         cfg,
		bearerToken: bearerToken,
		onNotify:    onNotify,
		client:      &http.Client{},
		pending:     newPendingRequests(),
		endpointSet: make(chan struct{}),
		done:        make(chan struct{}),
	}
}

func (t *SSETransport) Info() Info {
	return Info{BackendName: t.cfg.Name, Kind: config.TransportSSE}
}

// Connect opens the SSE stream and blocks until the "endpoint" event arrives
// (or ctx is done), so Request can be called immediately after it returns.
func (t *SSETransport) Connect(ctx context.Context) error {
	if t.cfg.SSE.ModelScopeAuth && strings.TrimSpace(t.bearerToken) == "" {
		return fmt.Errorf("%w: missing modelscope auth for backend %q", xiaozhi.ErrInvalidConfig, t.cfg.Name)
	}

	streamCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	t.cancel = cancel

	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, t.cfg.SSE.URL, nil)
	if err != nil {
		cancel()
		return xiaozhi.NewTransportError(xiaozhi.TransportConnectFailed, "build request", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	t.applyAuthHeaders(req)

	resp, err := t.client.Do(req)
	if err != nil {
		cancel()
		return xiaozhi.NewTransportError(xiaozhi.TransportConnectFailed, "open stream", err)
	}
	if resp.StatusCode != http.StatusOK {
		cancel()
		_ = resp.Body.Close()
		return xiaozhi.NewTransportError(xiaozhi.TransportConnectFailed, "open stream",
			fmt.Errorf("unexpected status %d", resp.StatusCode))
	}

	go t.readLoop(resp.Body)

	connectCtx, connectCancel := context.WithTimeout(ctx, t.cfg.Timeout)
	defer connectCancel()
	select {
	case <-t.endpointSet:
		return nil
	case <-connectCtx.Done():
		return xiaozhi.NewTransportError(xiaozhi.TransportTimeout, "await endpoint event", connectCtx.Err())
	case <-t.done:
		return xiaozhi.NewTransportError(xiaozhi.TransportClosed, "await endpoint event", nil)
	}
}

func (t *SSETransport) applyAuthHeaders(req *http.Request) {
	for k, v := range t.cfg.Headers {
		req.Header.Set(k, v)
	}
	if t.cfg.SSE.ModelScopeAuth && req.Header.Get("Authorization") == "" {
		req.Header.Set("Authorization", "Bearer "+t.bearerToken)
	}
}

// readLoop parses the SSE event stream: blank-line-delimited records of
// "event: <name>" and "data: <payload>" lines.
func (t *SSETransport) readLoop(body io.ReadCloser) {
	defer close(t.done)
	defer func() { _ = body.Close() }()
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	var event string
	var data bytes.Buffer
	flush := func() {
		defer func() { event = ""; data.Reset() }()
		payload := data.String()
		if payload == "" {
			return
		}
		switch event {
		case "endpoint":
			t.setPostURL(payload)
		default:
			t.handleMessage([]byte(payload))
		}
	}

	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			flush()
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		}
	}
	flush()
}

func (t *SSETransport) setPostURL(raw string) {
	t.mu.Lock()
	already := t.postURL != ""
	if !already {
		if strings.HasPrefix(raw, "http://") || strings.HasPrefix(raw, "https://") {
			t.postURL = raw
		} else {
			t.postURL = resolveRelative(t.cfg.SSE.URL, raw)
		}
	}
	t.mu.Unlock()
	if !already {
		close(t.endpointSet)
	}
}

func resolveRelative(base, ref string) string {
	idx := strings.Index(base, "://")
	if idx < 0 {
		return ref
	}
	schemeHostEnd := strings.Index(base[idx+3:], "/")
	if schemeHostEnd < 0 {
		return base + ref
	}
	origin := base[:idx+3+schemeHostEnd]
	if strings.HasPrefix(ref, "/") {
		return origin + ref
	}
	return origin + "/" + ref
}

func (t *SSETransport) handleMessage(payload []byte) {
	var probe struct {
		Method *string `json:"method"`
	}
	if err := json.Unmarshal(payload, &probe); err != nil {
		return
	}
	if probe.Method != nil {
		var req jsonrpc.Request
		if err := json.Unmarshal(payload, &req); err == nil && t.onNotify != nil {
			t.onNotify(req.Method, req.Params)
		}
		return
	}
	var resp jsonrpc.Response
	if err := json.Unmarshal(payload, &resp); err != nil {
		return
	}
	t.pending.deliver(&resp)
}

func (t *SSETransport) Request(ctx context.Context, method string, params any) (*jsonrpc.Response, error) {
	id, waiter, err := t.pending.register()
	if err != nil {
		return nil, err
	}
	req, err := jsonrpc.NewRequest(id, method, params)
	if err != nil {
		t.pending.forget(id)
		return nil, err
	}
	if err := t.post(ctx, req); err != nil {
		t.pending.forget(id)
		return nil, err
	}
	select {
	case resp := <-waiter:
		return resp, nil
	case <-ctx.Done():
		t.pending.forget(id)
		return nil, xiaozhi.NewTransportError(xiaozhi.TransportTimeout, fmt.Sprintf("request %s", method), ctx.Err())
	case <-t.done:
		return nil, xiaozhi.NewTransportError(xiaozhi.TransportClosed, fmt.Sprintf("request %s", method), nil)
	}
}

func (t *SSETransport) Notify(ctx context.Context, method string, params any) error {
	req, err := jsonrpc.NewNotification(method, params)
	if err != nil {
		return err
	}
	return t.post(ctx, req)
}

func (t *SSETransport) post(ctx context.Context, req *jsonrpc.Request) error {
	t.mu.Lock()
	url := t.postURL
	t.mu.Unlock()
	if url == "" {
		return xiaozhi.NewTransportError(xiaozhi.TransportProtocolError, "post", fmt.Errorf("endpoint not yet announced"))
	}

	body, err := json.Marshal(req)
	if err != nil {
		return err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return xiaozhi.NewTransportError(xiaozhi.TransportConnectFailed, "build post", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	t.applyAuthHeaders(httpReq)

	resp, err := t.client.Do(httpReq)
	if err != nil {
		return xiaozhi.NewTransportError(xiaozhi.TransportConnectFailed, "post", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 300 {
		return xiaozhi.NewTransportError(xiaozhi.TransportProtocolError, "post",
			fmt.Errorf("unexpected status %d", resp.StatusCode))
	}
	return nil
}

// Close cancels the SSE stream and wakes every outstanding waiter.
func (t *SSETransport) Close() error {
	t.closeOnce.Do(func() {
		t.pending.closeAll()
		if t.cancel != nil {
			t.cancel()
		}
	})
	return nil
}
