package customtool

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
)

// WazeroInlineRunner executes inline custom tools as precompiled WASI
// modules, adapted from the teacher's internal/runtime/wasm/client.go:
// compile-instantiate-run-close per call, with a shared runtime and an
// optional compilation cache so repeated calls to the same script don't
// recompile it every time. Args are passed as a JSON document on stdin;
// the tool's stdout is returned verbatim as the result text.
//
// Unlike the teacher's client, there is no filesystem mount support: inline
// tools here are pure argument-in/text-out transforms, not general sandboxed
// processes, so WASI's directory-mount surface has no caller and is dropped.
type WazeroInlineRunner struct {
	runtime wazero.Runtime

	mu     sync.Mutex
	closed bool
}

// DefaultMaxMemoryPages caps an inline script's WASM linear memory at 16MB
// (256 * 64KB pages), matching the teacher client's default.
const DefaultMaxMemoryPages = 256

// NewWazeroInlineRunner builds a runner with a shared compilation cache.
func NewWazeroInlineRunner(ctx context.Context) *WazeroInlineRunner {
	cache := wazero.NewCompilationCache()
	cfg := wazero.NewRuntimeConfig().
		WithMemoryLimitPages(DefaultMaxMemoryPages).
		WithCloseOnContextDone(true).
		WithCompilationCache(cache)
	rt := wazero.NewRuntimeWithConfig(ctx, cfg)
	return &WazeroInlineRunner{runtime: rt}
}

// Run compiles (or reuses a cached compile of) the WASM module at
// scriptPath, feeds args as a JSON document on stdin, and returns stdout.
// A non-zero exit or a trap surfaces as an error; the caller (customtool's
// Registry.CallTool) turns that into an isError:true ToolCallResult rather
// than a protocol failure.
func (r *WazeroInlineRunner) Run(ctx context.Context, scriptPath string, args map[string]any) (string, error) {
	r.mu.Lock()
	closed := r.closed
	r.mu.Unlock()
	if closed {
		return "", fmt.Errorf("inline runner is closed")
	}

	// #nosec G304 -- scriptPath is operator-configured, not user input.
	module, err := os.ReadFile(scriptPath)
	if err != nil {
		return "", fmt.Errorf("read inline script %q: %w", scriptPath, err)
	}

	r.mu.Lock()
	if r.runtime.Module(wasi_snapshot_preview1.ModuleName) == nil {
		if _, err := wasi_snapshot_preview1.Instantiate(ctx, r.runtime); err != nil {
			r.mu.Unlock()
			return "", fmt.Errorf("instantiate WASI: %w", err)
		}
	}
	r.mu.Unlock()

	compiled, err := r.runtime.CompileModule(ctx, module)
	if err != nil {
		return "", fmt.Errorf("compile inline script %q: %w", scriptPath, err)
	}
	defer func() { _ = compiled.Close(ctx) }()

	stdin, err := json.Marshal(args)
	if err != nil {
		return "", fmt.Errorf("marshal inline tool args: %w", err)
	}

	var stdout, stderr bytes.Buffer
	modCfg := wazero.NewModuleConfig().
		WithStdin(bytes.NewReader(stdin)).
		WithStdout(&stdout).
		WithStderr(&stderr).
		WithStartFunctions("_start")

	mod, err := r.runtime.InstantiateModule(ctx, compiled, modCfg)
	if err != nil {
		if ctx.Err() != nil {
			return stdout.String(), ctx.Err()
		}
		return stdout.String(), fmt.Errorf("run inline script %q: %w: %s", scriptPath, err, stderr.String())
	}
	_ = mod.Close(ctx)

	return stdout.String(), nil
}

// Close releases the shared wazero runtime. Idempotent.
func (r *WazeroInlineRunner) Close(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()
	return r.runtime.Close(ctx)
}

// timeoutRun is a small helper kept for call sites that want a bounded
// inline execution without threading a context through every caller.
func timeoutRun(r *WazeroInlineRunner, scriptPath string, args map[string]any, timeout time.Duration) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return r.Run(ctx, scriptPath, args)
}
