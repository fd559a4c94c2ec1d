package config

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestInferTransportExplicitWins(t *testing.T) {
	raw := RawBackendConfig{Transport: "sse", Command: "python", URL: "http://x/streamableHttp"}
	kind, err := InferTransport(raw)
	require.NoError(t, err)
	require.Equal(t, TransportSSE, kind)
}

// TestInferTransportByURLSuffix covers spec scenario S2: URL path decides
// SSE vs StreamableHTTP, and the check is case/slash sensitive.
func TestInferTransportByURLSuffix(t *testing.T) {
	cases := []struct {
		name string
		url  string
		want TransportKind
	}{
		{"sse suffix", "https://example.com/mcp/sse", TransportSSE},
		{"no suffix", "https://example.com/mcp", TransportStreamableHTTP},
		{"trailing slash defeats sse match", "https://example.com/mcp/sse/", TransportStreamableHTTP},
		{"case sensitive", "https://example.com/mcp/SSE", TransportStreamableHTTP},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			kind, err := InferTransport(RawBackendConfig{URL: c.url})
			require.NoError(t, err)
			require.Equal(t, c.want, kind)
		})
	}
}

func TestInferTransportCommandImpliesStdio(t *testing.T) {
	kind, err := InferTransport(RawBackendConfig{Command: "node"})
	require.NoError(t, err)
	require.Equal(t, TransportStdio, kind)
}

func TestInferTransportRejectsUnparseableURL(t *testing.T) {
	_, err := InferTransport(RawBackendConfig{URL: "not-a-url"})
	require.Error(t, err)
}

// TestStdioScriptPathResolutionIsIdempotent covers spec scenario S1: a
// relative script arg gets resolved to an absolute path, and re-normalizing
// an already-resolved config leaves it unchanged.
func TestStdioScriptPathResolutionIsIdempotent(t *testing.T) {
	raw := RawBackendConfig{Command: "node", Args: []string{"server.js", "--flag"}}

	first, err := Normalize("fs", raw, "/srv/backends/fs")
	require.NoError(t, err)
	require.Equal(t, "/srv/backends/fs/server.js", first.Stdio.Args[0])
	require.Equal(t, "--flag", first.Stdio.Args[1])

	rawAgain := RawBackendConfig{Command: "node", Args: first.Stdio.Args}
	second, err := Normalize("fs", rawAgain, "/srv/backends/fs")
	require.NoError(t, err)
	require.Equal(t, first.Stdio.Args, second.Stdio.Args)
}

func TestNormalizeStdioRequiresCommand(t *testing.T) {
	_, err := Normalize("broken", RawBackendConfig{Transport: "stdio"}, "")
	require.Error(t, err)
}

func TestNormalizeSSEDetectsModelScope(t *testing.T) {
	cfg, err := Normalize("ms", RawBackendConfig{URL: "https://api.modelscope.cn/mcp/sse"}, "")
	require.NoError(t, err)
	require.Equal(t, TransportSSE, cfg.Transport)
	require.True(t, cfg.SSE.ModelScopeAuth)
}

func TestNormalizeBatchFailsOnFirstInvalidEntryByName(t *testing.T) {
	raws := map[string]RawBackendConfig{
		"b-ok": {Command: "node"},
		"a-bad": {Transport: "stdio"},
	}
	_, err := NormalizeBatch(raws, "")
	require.Error(t, err)
	require.Contains(t, err.Error(), "a-bad")
}

func TestDescribeFormatsEachTransport(t *testing.T) {
	stdio, err := Normalize("fs", RawBackendConfig{Command: "/usr/bin/python3"}, "")
	require.NoError(t, err)
	require.Equal(t, "Stdio (python3)", Describe(stdio))

	sse, err := Normalize("ms", RawBackendConfig{URL: "https://api.modelscope.cn/mcp/sse"}, "")
	require.NoError(t, err)
	require.Contains(t, Describe(sse), "ModelScope")

	http, err := Normalize("http", RawBackendConfig{URL: "https://example.com/mcp"}, "")
	require.NoError(t, err)
	require.Equal(t, "StreamableHTTP (https://example.com/mcp)", Describe(http))
}

func TestResolveModelScopeAPIKeyPrecedence(t *testing.T) {
	cfg := &BackendConfig{
		Name:    "ms",
		Headers: map[string]string{"Authorization": "Bearer header-key"},
		APIKey:  "service-key",
	}
	key, err := ResolveModelScopeAPIKey(cfg, "global-key")
	require.NoError(t, err)
	require.Equal(t, "header-key", key)

	cfg.Headers = nil
	key, err = ResolveModelScopeAPIKey(cfg, "global-key")
	require.NoError(t, err)
	require.Equal(t, "service-key", key)

	cfg.APIKey = ""
	key, err = ResolveModelScopeAPIKey(cfg, "global-key")
	require.NoError(t, err)
	require.Equal(t, "global-key", key)

	_, err = ResolveModelScopeAPIKey(&BackendConfig{Name: "none"}, "")
	require.Error(t, err)
}
