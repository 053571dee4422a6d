package executor

import (
	"context"
	"os"
	"os/exec"
	"sync"
	"time"
)

// waitDelay bounds how long a cancelled command may keep its pipes open.
const waitDelay = 5 * time.Second

// CommandExecutor is an interface for executing system commands
type CommandExecutor interface {
	// Execute runs a command with the given name and arguments
	Execute(ctx context.Context, name string, args ...string) ([]byte, error)

	// ExecuteIn runs a command inside dir with extra environment entries
	// (KEY=VALUE) appended to the process environment.
	ExecuteIn(ctx context.Context, dir string, env []string, name string, args ...string) ([]byte, error)

	// LookPath searches for an executable in the directories named by the PATH
	LookPath(file string) (string, error)
}

// SystemExecutor implements CommandExecutor using os/exec
type SystemExecutor struct{}

// NewSystemExecutor creates a new SystemExecutor
func NewSystemExecutor() *SystemExecutor {
	return &SystemExecutor{}
}

// Execute runs a command and returns combined output
func (e *SystemExecutor) Execute(ctx context.Context, name string, args ...string) ([]byte, error) {
	return e.ExecuteIn(ctx, "", nil, name, args...)
}

// ExecuteIn runs a command in dir and returns combined output.
func (e *SystemExecutor) ExecuteIn(ctx context.Context, dir string, env []string, name string, args ...string) ([]byte, error) {
	//nolint:gosec // G204: command names come from fixed call sites
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	cmd.WaitDelay = waitDelay
	if len(env) > 0 {
		cmd.Env = append(os.Environ(), env...)
	}
	return cmd.CombinedOutput()
}

// LookPath searches for an executable
func (e *SystemExecutor) LookPath(file string) (string, error) {
	return exec.LookPath(file)
}

// MockExecutor is a mock implementation for testing. It is safe for
// concurrent use.
type MockExecutor struct {
	ExecuteFunc  func(name string, args ...string) ([]byte, error)
	LookPathFunc func(file string) (string, error)
	Calls        []CommandCall

	mu sync.Mutex
}

// CommandCall records a command execution for verification
type CommandCall struct {
	Name string
	Args []string
	Dir  string
	Env  []string
}

// Execute calls the mock function
func (m *MockExecutor) Execute(ctx context.Context, name string, args ...string) ([]byte, error) {
	return m.ExecuteIn(ctx, "", nil, name, args...)
}

// ExecuteIn records dir and env, then calls the mock function.
func (m *MockExecutor) ExecuteIn(ctx context.Context, dir string, env []string, name string, args ...string) ([]byte, error) {
	m.mu.Lock()
	m.Calls = append(m.Calls, CommandCall{Name: name, Args: args, Dir: dir, Env: env})
	fn := m.ExecuteFunc
	m.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if fn != nil {
		return fn(name, args...)
	}
	return []byte(""), nil
}

// LookPath calls the mock function
func (m *MockExecutor) LookPath(file string) (string, error) {
	if m.LookPathFunc != nil {
		return m.LookPathFunc(file)
	}
	return "/usr/bin/" + file, nil
}

// Recorded returns a copy of the recorded calls.
func (m *MockExecutor) Recorded() []CommandCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]CommandCall, len(m.Calls))
	copy(out, m.Calls)
	return out
}

// CalledWith reports whether any recorded call ran name with a first
// argument equal to arg0 (or any arguments when arg0 is empty).
func (m *MockExecutor) CalledWith(name, arg0 string) bool {
	for _, c := range m.Recorded() {
		if c.Name != name {
			continue
		}
		if arg0 == "" || (len(c.Args) > 0 && c.Args[0] == arg0) {
			return true
		}
	}
	return false
}
