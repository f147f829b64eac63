package copilot

import (
	"context"
	"fmt"
	"io"
	"os/exec"
)

// ServerRunner abstracts over language server subprocess execution.
//
// The standard implementation spawns the installed binary; tests swap in a
// mock runner backed by in-memory pipes.
type ServerRunner interface {
	// Start spawns the subprocess with the given arguments and environment.
	// Returns stdin, stdout, stderr pipes.
	Start(ctx context.Context, args []string, env []string, cwd string) (
		stdin io.WriteCloser,
		stdout io.ReadCloser,
		stderr io.ReadCloser,
		err error,
	)

	// Wait blocks until the subprocess exits and returns the exit error.
	Wait() error

	// Kill forcefully terminates the subprocess.
	Kill() error

	// IsAlive returns true if the subprocess is still running.
	IsAlive() bool
}

// LocalServerRunner executes the language server as a local subprocess.
type LocalServerRunner struct {
	binPath string
	cmd     *exec.Cmd
}

// NewLocalServerRunner creates a runner for the installed server binary.
func NewLocalServerRunner(binPath string) *LocalServerRunner {
	return &LocalServerRunner{
		binPath: binPath,
	}
}

// Start spawns the server subprocess.
//
// We use exec.Command instead of exec.CommandContext to avoid the stdout
// pipe being closed while the read pump is still draining it. Callers use
// Kill() when the context is canceled.
func (r *LocalServerRunner) Start(
	ctx context.Context,
	args []string,
	env []string,
	cwd string,
) (io.WriteCloser, io.ReadCloser, io.ReadCloser, error) {
	r.cmd = exec.Command(r.binPath, args...)
	r.cmd.Env = env
	r.cmd.Dir = cwd

	stdin, err := r.cmd.StdinPipe()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}

	stdout, err := r.cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return nil, nil, nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}

	stderr, err := r.cmd.StderrPipe()
	if err != nil {
		stdin.Close()
		stdout.Close()
		return nil, nil, nil, fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	if err := r.cmd.Start(); err != nil {
		stdin.Close()
		stdout.Close()
		stderr.Close()
		return nil, nil, nil, fmt.Errorf("failed to start subprocess: %w", err)
	}

	return stdin, stdout, stderr, nil
}

// Wait blocks until the subprocess exits.
func (r *LocalServerRunner) Wait() error {
	if r.cmd == nil || r.cmd.Process == nil {
		return fmt.Errorf("subprocess not started")
	}
	return r.cmd.Wait()
}

// Kill forcefully terminates the subprocess.
func (r *LocalServerRunner) Kill() error {
	if r.cmd == nil || r.cmd.Process == nil {
		return nil
	}
	return r.cmd.Process.Kill()
}

// IsAlive returns true if the subprocess is still running.
func (r *LocalServerRunner) IsAlive() bool {
	if r.cmd == nil || r.cmd.Process == nil {
		return false
	}
	return r.cmd.ProcessState == nil
}

// MockServerRunner simulates a language server subprocess for testing.
//
// It provides in-memory pipes so tests can inject server messages and
// inspect client requests without spawning a real process.
type MockServerRunner struct {
	StdinPipe  *MockPipe
	StdoutPipe *MockPipe
	StderrPipe *MockPipe

	started bool
	exited  bool
	exitErr error
}

// NewMockServerRunner creates a mock runner for testing.
func NewMockServerRunner() *MockServerRunner {
	return &MockServerRunner{
		StdinPipe:  NewMockPipe(),
		StdoutPipe: NewMockPipe(),
		StderrPipe: NewMockPipe(),
	}
}

// Start simulates subprocess startup.
func (m *MockServerRunner) Start(
	ctx context.Context,
	args []string,
	env []string,
	cwd string,
) (io.WriteCloser, io.ReadCloser, io.ReadCloser, error) {
	m.started = true
	return m.StdinPipe, m.StdoutPipe, m.StderrPipe, nil
}

// Wait simulates waiting for subprocess exit.
func (m *MockServerRunner) Wait() error {
	return m.exitErr
}

// Kill simulates killing the subprocess.
func (m *MockServerRunner) Kill() error {
	m.exited = true
	return nil
}

// IsAlive returns subprocess status.
func (m *MockServerRunner) IsAlive() bool {
	return m.started && !m.exited
}

// Exit signals subprocess termination (for test control).
func (m *MockServerRunner) Exit(err error) {
	m.exited = true
	m.exitErr = err
	m.StdinPipe.Close()
	m.StdoutPipe.Close()
	m.StderrPipe.Close()
}

// MockPipe simulates an in-memory pipe for testing.
type MockPipe struct {
	reader *io.PipeReader
	writer *io.PipeWriter
}

// NewMockPipe creates a mock pipe using io.Pipe.
func NewMockPipe() *MockPipe {
	r, w := io.Pipe()
	return &MockPipe{
		reader: r,
		writer: w,
	}
}

// Read implements io.Reader for the read side of the pipe.
func (p *MockPipe) Read(data []byte) (int, error) {
	return p.reader.Read(data)
}

// Write implements io.Writer for the write side of the pipe.
func (p *MockPipe) Write(data []byte) (int, error) {
	return p.writer.Write(data)
}

// Close closes the pipe.
func (p *MockPipe) Close() error {
	p.writer.Close()
	p.reader.Close()
	return nil
}

// CloseWrite closes only the write side (useful for signaling EOF).
func (p *MockPipe) CloseWrite() error {
	return p.writer.Close()
}
