package upstream

import (
	"context"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/require"

	"github.com/xzmcp/gateway/internal/config"
)

func TestInitializeFiltersPlaceholderDuplicateAndBlankEndpoints(t *testing.T) {
	m := New(testHandler(t), config.ConnectionConfig{}, nil, nil)
	m.Initialize([]string{
		"wss://a.example.com/mcp",
		"wss://a.example.com/mcp",
		"  ",
		"wss://<请填写你的端点>/mcp",
		"wss://b.example.com/mcp",
	})

	stats := m.Status()
	require.Equal(t, 2, stats.Total)
}

func TestSelectBestConnectionReturnsErrorWhenNoneHealthy(t *testing.T) {
	m := New(testHandler(t), config.ConnectionConfig{}, nil, nil)
	m.Initialize([]string{"wss://a.example.com", "wss://b.example.com"})

	_, err := m.SelectBestConnection()
	require.ErrorIs(t, err, ErrNoHealthyConnection)
}

func TestSelectBestConnectionRoundRobinCyclesThroughHealthy(t *testing.T) {
	srv1 := startPeerServer(t, func(conn *websocket.Conn) { <-conn.CloseRead(context.Background()).Done() })
	srv2 := startPeerServer(t, func(conn *websocket.Conn) { <-conn.CloseRead(context.Background()).Done() })

	m := New(testHandler(t), config.ConnectionConfig{LoadBalanceStrategy: "round-robin"}, nil, nil)
	m.Initialize([]string{wsURL(srv1), wsURL(srv2)})
	results := m.Connect(context.Background())
	for ep, err := range results {
		require.NoError(t, err, ep)
	}

	first, err := m.SelectBestConnection()
	require.NoError(t, err)
	second, err := m.SelectBestConnection()
	require.NoError(t, err)
	third, err := m.SelectBestConnection()
	require.NoError(t, err)

	require.NotEqual(t, first.Endpoint(), second.Endpoint())
	require.Equal(t, first.Endpoint(), third.Endpoint())
}

func TestSelectBestConnectionLeastInflightPrefersIdleConnection(t *testing.T) {
	// srv1 never answers so requests through it stay inflight; srv2 is sent
	// no request at all, so least-inflight must prefer it.
	srv1 := startPeerServer(t, func(conn *websocket.Conn) {
		ctx := context.Background()
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				return
			}
		}
	})
	srv2 := startPeerServer(t, func(conn *websocket.Conn) { <-conn.CloseRead(context.Background()).Done() })

	m := New(testHandler(t), config.ConnectionConfig{LoadBalanceStrategy: "least-inflight"}, nil, nil)
	m.Initialize([]string{wsURL(srv1), wsURL(srv2)})
	results := m.Connect(context.Background())
	for ep, err := range results {
		require.NoError(t, err, ep)
	}

	m.mu.RLock()
	busy := m.connections[wsURL(srv1)]
	idle := m.connections[wsURL(srv2)]
	m.mu.RUnlock()

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_, _ = busy.SendRequest(ctx, "ping", map[string]any{}, 0)
	}()
	require.Eventually(t, func() bool { return busy.InflightCount() == 1 }, time.Second, 10*time.Millisecond)

	best, err := m.SelectBestConnection()
	require.NoError(t, err)
	require.Equal(t, idle.Endpoint(), best.Endpoint())
}

func TestStatusReportsAggregateHealthyCount(t *testing.T) {
	srv := startPeerServer(t, func(conn *websocket.Conn) { <-conn.CloseRead(context.Background()).Done() })

	m := New(testHandler(t), config.ConnectionConfig{}, nil, nil)
	m.Initialize([]string{wsURL(srv), "ws://127.0.0.1:1/mcp"})
	m.Connect(context.Background())

	stats := m.Status()
	require.Equal(t, 2, stats.Total)
	require.Equal(t, 1, stats.Healthy)
}

func TestResumeRejectsConnectionNotInFailedState(t *testing.T) {
	srv := startPeerServer(t, func(conn *websocket.Conn) { <-conn.CloseRead(context.Background()).Done() })

	m := New(testHandler(t), config.ConnectionConfig{}, nil, nil)
	m.Initialize([]string{wsURL(srv)})
	m.Connect(context.Background())

	err := m.Resume(wsURL(srv))
	require.Error(t, err)
}

func TestResumeRejectsUnknownEndpoint(t *testing.T) {
	m := New(testHandler(t), config.ConnectionConfig{}, nil, nil)
	err := m.Resume("wss://not-registered.example.com")
	require.Error(t, err)
}

func TestShutdownClosesAllConnectionsWithinGraceWindow(t *testing.T) {
	srv := startPeerServer(t, func(conn *websocket.Conn) { <-conn.CloseRead(context.Background()).Done() })

	m := New(testHandler(t), config.ConnectionConfig{}, nil, nil)
	m.Initialize([]string{wsURL(srv)})
	m.Connect(context.Background())

	start := time.Now()
	m.Shutdown(context.Background())
	require.Less(t, time.Since(start), 3*time.Second)

	for _, c := range m.connections {
		require.Equal(t, StateClosed, c.State())
	}
}
