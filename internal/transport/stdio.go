package transport

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"

	"github.com/xzmcp/gateway/internal/config"
	"github.com/xzmcp/gateway/internal/jsonrpc"
	"github.com/xzmcp/gateway/pkg/xiaozhi"
)

// StdioTransport dials a backend tool server as a child process, speaking
// newline-delimited JSON-RPC 2.0 over its stdin/stdout (spec §4.2/§6).
type StdioTransport struct {
	cfg      *config.BackendConfig
	onNotify NotificationHandler

	writeMu sync.Mutex
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	box     *containerStdio

	pending *pendingRequests
	done    chan struct{}

	closeOnce sync.Once
}

// NewStdioTransport builds a Stdio transport from a normalized backend config.
func NewStdioTransport(cfg *config.BackendConfig, onNotify NotificationHandler) *StdioTransport {
	return &StdioTransport{
		cfg:      cfg,
		onNotify: onNotify,
		pending:  newPendingRequests(),
		done:     make(chan struct{}),
	}
}

func (t *StdioTransport) Info() Info {
	return Info{BackendName: t.cfg.Name, Kind: config.TransportStdio}
}

// Connect spawns the child process (or, when BackendConfig.Stdio.Container
// is set, a Docker container) and starts the stdout read loop. The child's
// lifetime is owned by Close, not by ctx: Connect's context only bounds the
// spawn itself.
func (t *StdioTransport) Connect(ctx context.Context) error {
	if t.cfg.Stdio.Container != nil {
		box, err := startContainerStdio(ctx, t.cfg)
		if err != nil {
			return err
		}
		t.box = box
		t.stdin = box.Stdin
		go t.readLoop(box.Stdout)
		return nil
	}

	cmd := exec.Command(t.cfg.Stdio.Command, t.cfg.Stdio.Args...)
	cmd.Dir = t.cfg.Stdio.WorkDir
	cmd.Env = mergeEnv(os.Environ(), t.cfg.Stdio.Env)
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return xiaozhi.NewTransportError(xiaozhi.TransportConnectFailed, "stdin pipe", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return xiaozhi.NewTransportError(xiaozhi.TransportConnectFailed, "stdout pipe", err)
	}

	if err := cmd.Start(); err != nil {
		return xiaozhi.NewTransportError(xiaozhi.TransportConnectFailed, "start", err)
	}

	t.cmd = cmd
	t.stdin = stdin

	go t.readLoop(stdout)
	return nil
}

func mergeEnv(base []string, overlay map[string]string) []string {
	if len(overlay) == 0 {
		return base
	}
	out := make([]string, len(base), len(base)+len(overlay))
	copy(out, base)
	for k, v := range overlay {
		out = append(out, k+"="+v)
	}
	return out
}

func (t *StdioTransport) readLoop(stdout io.ReadCloser) {
	defer close(t.done)
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		t.dispatchLine(line)
	}
}

func (t *StdioTransport) dispatchLine(line []byte) {
	var probe struct {
		Method *string `json:"method"`
	}
	if err := json.Unmarshal(line, &probe); err != nil {
		return
	}
	if probe.Method != nil {
		var req jsonrpc.Request
		if err := json.Unmarshal(line, &req); err == nil && t.onNotify != nil {
			t.onNotify(req.Method, req.Params)
		}
		return
	}
	var resp jsonrpc.Response
	if err := json.Unmarshal(line, &resp); err != nil {
		return
	}
	t.pending.deliver(&resp)
}

func (t *StdioTransport) writeLine(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if t.stdin == nil {
		return xiaozhi.NewTransportError(xiaozhi.TransportClosed, "write", nil)
	}
	if _, err := t.stdin.Write(append(b, '\n')); err != nil {
		return xiaozhi.NewTransportError(xiaozhi.TransportClosed, "write", err)
	}
	return nil
}

func (t *StdioTransport) Request(ctx context.Context, method string, params any) (*jsonrpc.Response, error) {
	id, waiter, err := t.pending.register()
	if err != nil {
		return nil, err
	}
	req, err := jsonrpc.NewRequest(id, method, params)
	if err != nil {
		t.pending.forget(id)
		return nil, err
	}
	if err := t.writeLine(req); err != nil {
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

func (t *StdioTransport) Notify(ctx context.Context, method string, params any) error {
	req, err := jsonrpc.NewNotification(method, params)
	if err != nil {
		return err
	}
	return t.writeLine(req)
}

// Close terminates the child process and wakes every outstanding waiter.
// Idempotent; a killed child's exit error is expected and swallowed.
func (t *StdioTransport) Close() error {
	t.closeOnce.Do(func() {
		t.pending.closeAll()
		if t.box != nil {
			_ = t.box.Close()
			return
		}
		if t.stdin != nil {
			_ = t.stdin.Close()
		}
		if t.cmd != nil && t.cmd.Process != nil {
			_ = t.cmd.Process.Kill()
			_ = t.cmd.Wait()
		}
	})
	return nil
}
