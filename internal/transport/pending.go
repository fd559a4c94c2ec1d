package transport

import (
	"sync"
	"sync/atomic"

	"github.com/xzmcp/gateway/internal/jsonrpc"
	"github.com/xzmcp/gateway/pkg/xiaozhi"
)

// pendingRequests correlates outstanding JSON-RPC requests to their eventual
// response by id (spec §5: "request/response pairs are correlated strictly
// by JSON-RPC id; responses may arrive out of request order"). Shared by the
// Stdio and SSE transports, whose responses arrive asynchronously on a
// separate read loop from the one issuing requests.
type pendingRequests struct {
	mu      sync.Mutex
	waiters map[string]chan *jsonrpc.Response
	nextID  atomic.Int64
	closed  bool
}

func newPendingRequests() *pendingRequests {
	return &pendingRequests{waiters: make(map[string]chan *jsonrpc.Response)}
}

// register allocates a fresh id and a buffered waiter channel for it.
func (p *pendingRequests) register() (jsonrpc.ID, chan *jsonrpc.Response, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return jsonrpc.ID{}, nil, xiaozhi.NewTransportError(xiaozhi.TransportClosed, "register", nil)
	}
	id := jsonrpc.NewIntID(p.nextID.Add(1))
	ch := make(chan *jsonrpc.Response, 1)
	p.waiters[id.String()] = ch
	return id, ch, nil
}

// deliver routes a response to its waiter, if one is still registered.
// Unknown/stale ids (already timed out, or a duplicate delivery) are dropped.
func (p *pendingRequests) deliver(resp *jsonrpc.Response) {
	p.mu.Lock()
	ch, ok := p.waiters[resp.ID.String()]
	if ok {
		delete(p.waiters, resp.ID.String())
	}
	p.mu.Unlock()
	if ok {
		ch <- resp
	}
}

// forget removes a waiter without delivering to it (timeout/cancellation path).
func (p *pendingRequests) forget(id jsonrpc.ID) {
	p.mu.Lock()
	delete(p.waiters, id.String())
	p.mu.Unlock()
}

// closeAll marks the correlator closed and drops every outstanding waiter
// without sending to it; each blocked Request then returns a
// TransportError{Kind: Closed} once its transport's read loop ends.
// Idempotent: a second call is a no-op.
func (p *pendingRequests) closeAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	p.waiters = make(map[string]chan *jsonrpc.Response)
}
