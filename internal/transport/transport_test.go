package transport

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/xzmcp/gateway/internal/config"
)

func TestNewDispatchesByTransportKind(t *testing.T) {
	stdioCfg, err := config.Normalize("echo", config.RawBackendConfig{Command: "cat"}, "")
	require.NoError(t, err)
	tr, err := New(stdioCfg, "", nil)
	require.NoError(t, err)
	require.IsType(t, &StdioTransport{}, tr)

	sseCfg, err := config.Normalize("sse", config.RawBackendConfig{URL: "http://example.com/mcp/sse"}, "")
	require.NoError(t, err)
	tr, err = New(sseCfg, "", nil)
	require.NoError(t, err)
	require.IsType(t, &SSETransport{}, tr)

	httpCfg, err := config.Normalize("http", config.RawBackendConfig{URL: "http://example.com/mcp"}, "")
	require.NoError(t, err)
	tr, err = New(httpCfg, "", nil)
	require.NoError(t, err)
	require.IsType(t, &StreamableHTTPTransport{}, tr)
}

func TestNewRejectsUnknownKind(t *testing.T) {
	cfg := &config.BackendConfig{Name: "broken", Transport: "bogus"}
	_, err := New(cfg, "", nil)
	require.Error(t, err)
}
