package copilot

import (
	"bufio"
	"context"
	"errors"
	"io"
	"iter"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"pkt.systems/pslog"
)

// Transport carries JSON-RPC messages to and from the language server.
type Transport interface {
	// Connect establishes the connection. Must be called before Write or
	// ReadMessages.
	Connect(ctx context.Context) error

	// Write sends one message. Writes are serialized internally.
	Write(ctx context.Context, msg *RPCMessage) error

	// ReadMessages returns an iterator over inbound messages. Framing and
	// parse errors are yielded as errors; the iterator stops on EOF.
	ReadMessages(ctx context.Context) iter.Seq2[*RPCMessage, error]

	// Close terminates the connection. Idempotent.
	Close() error

	// IsAlive reports whether the server side is still running.
	IsAlive() bool
}

// StdioTransport speaks Content-Length framed JSON-RPC with a language
// server subprocess over stdin/stdout.
type StdioTransport struct {
	runner ServerRunner
	args   []string
	env    []string
	cwd    string

	stdin  writeCloser
	stdout readCloser
	reader *bufio.Reader
	closed atomic.Bool
	mu     sync.Mutex
	log    pslog.Logger
}

type writeCloser interface {
	Write(p []byte) (int, error)
	Close() error
}

type readCloser interface {
	Read(p []byte) (int, error)
	Close() error
}

// NewStdioTransport creates a transport over the given runner.
//
// The server is started with extraArgs appended after the mandatory
// "--stdio" flag. The transport is not connected until Connect is called.
func NewStdioTransport(runner ServerRunner, opts *Options) *StdioTransport {
	env := os.Environ()
	for k, v := range opts.Env {
		env = append(env, k+"="+v)
	}
	if proxy := opts.proxyEnv(); proxy != nil {
		env = append(env, proxy...)
	}

	return &StdioTransport{
		runner: runner,
		args:   append([]string{"--stdio"}, opts.ServerArgs...),
		env:    env,
		cwd:    opts.Cwd,
		log:    opts.logger().With("component", "transport"),
	}
}

// Connect spawns the server subprocess and wires up the pipes. Stderr is
// drained into the logger on a background goroutine.
func (t *StdioTransport) Connect(ctx context.Context) error {
	if t.closed.Load() {
		return &ErrTransportClosed{}
	}

	stdin, stdout, stderr, err := t.runner.Start(ctx, t.args, t.env, t.cwd)
	if err != nil {
		return &ErrServerFailed{Cause: err}
	}

	t.stdin = stdin
	t.stdout = stdout
	t.reader = bufio.NewReader(stdout)

	go func() {
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			t.log.Debug("server stderr", "line", scanner.Text())
		}
	}()

	return nil
}

// Write sends one framed message to the server.
//
// Writes are serialized via a mutex so frames never interleave. The write
// itself runs on a goroutine so a stalled pipe cannot outlive the context.
func (t *StdioTransport) Write(ctx context.Context, msg *RPCMessage) error {
	if t.closed.Load() {
		return &ErrTransportClosed{}
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	done := make(chan error, 1)
	go func() {
		done <- writeRPCMessage(t.stdin, msg)
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-done:
		return err
	}
}

// ReadMessages returns an iterator over framed messages from server stdout.
//
// The iterator stops when the server exits or the context is canceled.
// Malformed frames are yielded as errors and reading continues only if the
// stream is still framed; a framing error is terminal.
func (t *StdioTransport) ReadMessages(ctx context.Context) iter.Seq2[*RPCMessage, error] {
	return func(yield func(*RPCMessage, error) bool) {
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}

			msg, err := readRPCMessage(t.reader)
			if err != nil {
				// Clean EOF is a normal server exit, not a frame error.
				if !errors.Is(err, io.EOF) && !t.closed.Load() {
					yield(nil, err)
				}
				return
			}

			if !yield(msg, nil) {
				return
			}
		}
	}
}

// Close terminates the server subprocess and cleans up resources.
//
// Close attempts a graceful shutdown by closing stdin, which signals the
// server to exit. If the process doesn't exit within a timeout, it is
// killed.
func (t *StdioTransport) Close() error {
	if !t.closed.CompareAndSwap(false, true) {
		return nil // Already closed
	}

	if t.stdin != nil {
		t.stdin.Close()
	}

	if t.runner != nil {
		done := make(chan error, 1)
		go func() {
			done <- t.runner.Wait()
		}()

		select {
		case <-done:
		case <-time.After(5 * time.Second):
			_ = t.runner.Kill()
		}
	}

	if t.stdout != nil {
		t.stdout.Close()
	}

	return nil
}

// IsAlive returns true if the server subprocess is still running.
func (t *StdioTransport) IsAlive() bool {
	if t.closed.Load() {
		return false
	}
	if t.runner == nil {
		return false
	}
	return t.runner.IsAlive()
}
