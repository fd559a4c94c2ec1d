package registry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/xzmcp/gateway/internal/backend"
	"github.com/xzmcp/gateway/internal/config"
)

const echoServerScript = `while IFS= read -r line; do
  id=$(printf '%s' "$line" | sed -n 's/.*"id":\([0-9]*\).*/\1/p')
  case "$line" in
    *'"method":"tools/list"'*)
      printf '{"jsonrpc":"2.0","id":%s,"result":{"tools":[{"name":"add"}]}}\n' "$id"
      ;;
    *)
      printf '{"jsonrpc":"2.0","id":%s,"result":{}}\n' "$id"
      ;;
  esac
done`

func newConnectedService(t *testing.T, name string) *backend.Service {
	t.Helper()
	cfg, err := config.Normalize(name, config.RawBackendConfig{
		Command: "/bin/sh",
		Args:    []string{"-c", echoServerScript},
	}, "")
	require.NoError(t, err)
	svc := backend.New(cfg, "", nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, svc.Connect(ctx))
	return svc
}

func TestRegistryConfigsAreIndependentOfServices(t *testing.T) {
	r := New()
	cfg, err := config.Normalize("calc", config.RawBackendConfig{Command: "node"}, "")
	require.NoError(t, err)

	r.AddConfig(cfg)

	_, hasCfg := r.Config("calc")
	require.True(t, hasCfg)
	_, hasSvc := r.Service("calc")
	require.False(t, hasSvc, "a config can exist without a started service")
}

func TestRegistryConnectedServicesSortedAndFiltered(t *testing.T) {
	r := New()
	calc := newConnectedService(t, "calc")
	defer func() { _ = calc.Disconnect("teardown") }()
	timeSvc := newConnectedService(t, "time")
	defer func() { _ = timeSvc.Disconnect("teardown") }()

	idleCfg, err := config.Normalize("never-started", config.RawBackendConfig{Command: "node"}, "")
	require.NoError(t, err)
	idle := backend.New(idleCfg, "", nil)

	r.AddService(calc)
	r.AddService(timeSvc)
	r.AddService(idle)

	require.Equal(t, []string{"calc", "time"}, r.ConnectedServices())
}

func TestRegistryToolsOfServiceEmptyWhenNotConnected(t *testing.T) {
	r := New()
	cfg, err := config.Normalize("calc", config.RawBackendConfig{Command: "node"}, "")
	require.NoError(t, err)
	svc := backend.New(cfg, "", nil)
	r.AddService(svc)

	require.Empty(t, r.ToolsOfService("calc"))
	require.Nil(t, r.ToolsOfService("unknown"))
}

func TestRegistryFailedServices(t *testing.T) {
	r := New()
	cfg, err := config.Normalize("broken", config.RawBackendConfig{Command: "/nonexistent/binary"}, "")
	require.NoError(t, err)
	svc := backend.New(cfg, "", nil)
	_ = svc.Connect(context.Background())
	r.AddService(svc)

	require.Equal(t, []string{"broken"}, r.FailedServices())
}

func TestRegistryRemoveServiceAndConfig(t *testing.T) {
	r := New()
	cfg, err := config.Normalize("calc", config.RawBackendConfig{Command: "node"}, "")
	require.NoError(t, err)
	svc := backend.New(cfg, "", nil)

	r.AddConfig(cfg)
	r.AddService(svc)

	r.RemoveService("calc")
	_, ok := r.Service("calc")
	require.False(t, ok)

	r.RemoveConfig("calc")
	_, ok = r.Config("calc")
	require.False(t, ok)
}
