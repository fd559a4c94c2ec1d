package mcphandler

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/xzmcp/gateway/internal/backend"
	"github.com/xzmcp/gateway/internal/config"
	"github.com/xzmcp/gateway/internal/jsonrpc"
	"github.com/xzmcp/gateway/internal/registry"
	"github.com/xzmcp/gateway/internal/toolrouter"
)

const echoServerScript = `while IFS= read -r line; do
  id=$(printf '%s' "$line" | sed -n 's/.*"id":\([0-9]*\).*/\1/p')
  case "$line" in
    *'"method":"tools/list"'*)
      printf '{"jsonrpc":"2.0","id":%s,"result":{"tools":[{"name":"add","description":"adds"}]}}\n' "$id"
      ;;
    *'"method":"tools/call"'*)
      printf '{"jsonrpc":"2.0","id":%s,"result":{"content":[{"type":"text","text":"4"}]}}\n' "$id"
      ;;
    *)
      printf '{"jsonrpc":"2.0","id":%s,"result":{}}\n' "$id"
      ;;
  esac
done`

func newRouter(t *testing.T) *toolrouter.Router {
	t.Helper()
	cfg, err := config.Normalize("calc", config.RawBackendConfig{
		Command: "/bin/sh",
		Args:    []string{"-c", echoServerScript},
	}, "")
	require.NoError(t, err)
	svc := backend.New(cfg, "", nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, svc.Connect(ctx))
	t.Cleanup(func() { _ = svc.Disconnect("teardown") })

	reg := registry.New()
	reg.AddService(svc)

	r := toolrouter.New(reg, nil, nil)
	r.Refresh()
	return r
}

func req(t *testing.T, id int64, method string, params any) *jsonrpc.Request {
	t.Helper()
	r, err := jsonrpc.NewRequest(jsonrpc.NewIntID(id), method, params)
	require.NoError(t, err)
	return r
}

func TestHandleInitialize(t *testing.T) {
	h := New(newRouter(t), ServerInfo{Name: "xzgateway", Version: "0.1.0"}, nil)
	resp := h.Handle(context.Background(), req(t, 1, "initialize", map[string]any{}))
	require.NotNil(t, resp)
	require.Nil(t, resp.Error)

	var result initializeResult
	require.NoError(t, json.Unmarshal(resp.Result, &result))
	require.Equal(t, ProtocolVersion, result.ProtocolVersion)
	require.Equal(t, "xzgateway", result.ServerInfo["name"])
}

func TestHandlePing(t *testing.T) {
	h := New(newRouter(t), ServerInfo{}, nil)
	resp := h.Handle(context.Background(), req(t, 2, "ping", nil))
	require.NotNil(t, resp)
	require.Nil(t, resp.Error)
}

func TestHandleToolsList(t *testing.T) {
	h := New(newRouter(t), ServerInfo{}, nil)
	resp := h.Handle(context.Background(), req(t, 3, "tools/list", nil))
	require.NotNil(t, resp)
	require.Nil(t, resp.Error)

	var result toolsListResult
	require.NoError(t, json.Unmarshal(resp.Result, &result))
	require.Len(t, result.Tools, 1)
	require.Equal(t, "calc_xzcli_add", result.Tools[0].Name)
}

func TestHandleToolsCallSuccess(t *testing.T) {
	h := New(newRouter(t), ServerInfo{}, nil)
	resp := h.Handle(context.Background(), req(t, 4, "tools/call", toolsCallParams{
		Name:      "calc_xzcli_add",
		Arguments: map[string]any{"a": 1, "b": 3},
	}))
	require.NotNil(t, resp)
	require.Nil(t, resp.Error)
}

func TestHandleToolsCallUnknownToolReturnsMethodNotFound(t *testing.T) {
	h := New(newRouter(t), ServerInfo{}, nil)
	resp := h.Handle(context.Background(), req(t, 5, "tools/call", toolsCallParams{Name: "nope"}))
	require.NotNil(t, resp)
	require.NotNil(t, resp.Error)
	require.Equal(t, jsonrpc.CodeMethodNotFound, resp.Error.Code)
}

func TestHandleToolsCallMissingNameReturnsInvalidParams(t *testing.T) {
	h := New(newRouter(t), ServerInfo{}, nil)
	resp := h.Handle(context.Background(), req(t, 6, "tools/call", map[string]any{}))
	require.NotNil(t, resp)
	require.NotNil(t, resp.Error)
	require.Equal(t, jsonrpc.CodeInvalidParams, resp.Error.Code)
}

func TestHandleUnknownMethodReturnsMethodNotFound(t *testing.T) {
	h := New(newRouter(t), ServerInfo{}, nil)
	resp := h.Handle(context.Background(), req(t, 7, "bogus/method", nil))
	require.NotNil(t, resp)
	require.NotNil(t, resp.Error)
	require.Equal(t, jsonrpc.CodeMethodNotFound, resp.Error.Code)
}

func TestHandleNotificationReturnsNilResponse(t *testing.T) {
	h := New(newRouter(t), ServerInfo{}, nil)
	n, err := jsonrpc.NewNotification("notifications/initialized", nil)
	require.NoError(t, err)
	resp := h.Handle(context.Background(), n)
	require.Nil(t, resp)
}
