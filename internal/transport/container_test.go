package transport

import (
	"context"
	"os"
	"testing"

	"github.com/docker/docker/client"
	"github.com/stretchr/testify/require"
	"github.com/xzmcp/gateway/internal/config"
)

// TestContainerStdioRequiresReachableDaemon is a smoke test for the
// container-backed Stdio path. It runs only when XZGATEWAY_DOCKER_TESTS is
// set, so the suite stays runnable on hosts without Docker installed, and
// then fails if no Docker daemon is reachable.
func TestContainerStdioRequiresReachableDaemon(t *testing.T) {
	if os.Getenv("XZGATEWAY_DOCKER_TESTS") == "" {
		t.Skip("set XZGATEWAY_DOCKER_TESTS=1 to run against a local docker daemon")
	}

	docker, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	require.NoError(t, err)
	defer func() { _ = docker.Close() }()
	_, err = docker.Ping(context.Background())
	require.NoError(t, err, "docker daemon must be reachable for this test")

	cfg, err := config.Normalize("boxed", config.RawBackendConfig{
		Command: "cat",
		Container: &config.ContainerConfig{Image: "alpine:3", AutoRemove: true},
	}, "")
	require.NoError(t, err)

	tr := NewStdioTransport(cfg, nil)
	require.NoError(t, tr.Connect(context.Background()))
	defer func() { _ = tr.Close() }()
}
