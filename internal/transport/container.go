package transport

import (
	"context"
	"io"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/xzmcp/gateway/internal/config"
	"github.com/xzmcp/gateway/pkg/xiaozhi"
)

// containerStdio launches a Stdio backend inside a Docker container instead
// of a bare host process, attaching to its stdio streams for the lifetime of
// the connection. Adapted from the teacher's internal/runtime/docker/client.go
// lifecycle (create → start → defer remove), but attaches for a persistent
// pipe instead of running to completion and collecting logs.
//
// Docker multiplexes stdout/stderr over the single attach connection with an
// 8-byte frame header even when only one stream is attached, so Stdout is a
// demultiplexed pipe fed by a stdcopy.StdCopy goroutine rather than the raw
// connection.
type containerStdio struct {
	docker      *client.Client
	containerID string
	Stdin       io.WriteCloser
	Stdout      io.ReadCloser
	rawConn     io.Closer
}

func startContainerStdio(ctx context.Context, cfg *config.BackendConfig) (*containerStdio, error) {
	c := cfg.Stdio.Container
	docker, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, xiaozhi.NewTransportError(xiaozhi.TransportConnectFailed, "docker client", err)
	}

	cmd := append([]string{cfg.Stdio.Command}, cfg.Stdio.Args...)
	env := make([]string, 0, len(cfg.Stdio.Env))
	for k, v := range cfg.Stdio.Env {
		env = append(env, k+"="+v)
	}

	resp, err := docker.ContainerCreate(ctx, &container.Config{
		Image:        c.Image,
		Cmd:          cmd,
		Env:          env,
		WorkingDir:   c.WorkDir,
		OpenStdin:    true,
		AttachStdin:  true,
		AttachStdout: true,
		StdinOnce:    true,
		Tty:          false,
	}, &container.HostConfig{AutoRemove: c.AutoRemove}, nil, nil, "")
	if err != nil {
		_ = docker.Close()
		return nil, xiaozhi.NewTransportError(xiaozhi.TransportConnectFailed, "create container", err)
	}

	hijacked, err := docker.ContainerAttach(ctx, resp.ID, container.AttachOptions{
		Stream: true, Stdin: true, Stdout: true,
	})
	if err != nil {
		_ = docker.Close()
		return nil, xiaozhi.NewTransportError(xiaozhi.TransportConnectFailed, "attach container", err)
	}

	if err := docker.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		hijacked.Close()
		_ = docker.Close()
		return nil, xiaozhi.NewTransportError(xiaozhi.TransportConnectFailed, "start container", err)
	}

	stdoutReader, stdoutWriter := io.Pipe()
	go func() {
		_, err := stdcopy.StdCopy(stdoutWriter, io.Discard, hijacked.Reader)
		_ = stdoutWriter.CloseWithError(err)
	}()

	return &containerStdio{
		docker:      docker,
		containerID: resp.ID,
		Stdin:       hijacked.Conn,
		Stdout:      stdoutReader,
		rawConn:     hijacked.Conn,
	}, nil
}

func (c *containerStdio) Close() error {
	_ = c.rawConn.Close()
	removeCtx := context.Background()
	_ = c.docker.ContainerRemove(removeCtx, c.containerID, container.RemoveOptions{Force: true})
	return c.docker.Close()
}
