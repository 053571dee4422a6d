package executor

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func TestSystemExecutor_Execute(t *testing.T) {
	exec := NewSystemExecutor()
	ctx := context.Background()

	t.Run("echo command", func(t *testing.T) {
		output, err := exec.Execute(ctx, "echo", "hello")
		if err != nil {
			t.Fatalf("Execute failed: %v", err)
		}
		if string(output) != "hello\n" {
			t.Errorf("expected 'hello\\n', got '%s'", string(output))
		}
	})

	t.Run("nonexistent command", func(t *testing.T) {
		_, err := exec.Execute(ctx, "nonexistent-command-xyz-12345")
		if err == nil {
			t.Error("expected error for nonexistent command")
		}
	})

	t.Run("cancelled context", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		_, err := exec.Execute(cctx, "sleep", "5")
		if err == nil {
			t.Error("expected error for cancelled context")
		}
	})
}

func TestSystemExecutor_ExecuteIn(t *testing.T) {
	exec := NewSystemExecutor()
	dir := t.TempDir()

	output, err := exec.ExecuteIn(context.Background(), dir, []string{"SITECTL_TEST_VAR=ok"}, "sh", "-c", "pwd; echo $SITECTL_TEST_VAR")
	if err != nil {
		t.Fatalf("ExecuteIn failed: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(output)), "\n")
	if len(lines) != 2 {
		t.Fatalf("unexpected output: %q", output)
	}
	if !strings.HasSuffix(lines[0], strings.TrimPrefix(dir, "/private")) {
		t.Errorf("working dir = %q, want %q", lines[0], dir)
	}
	if lines[1] != "ok" {
		t.Errorf("env var = %q, want ok", lines[1])
	}
}

func TestSystemExecutor_LookPath(t *testing.T) {
	exec := NewSystemExecutor()

	t.Run("find sh", func(t *testing.T) {
		path, err := exec.LookPath("sh")
		if err != nil {
			t.Fatalf("LookPath failed: %v", err)
		}
		if path == "" {
			t.Error("expected non-empty path")
		}
	})

	t.Run("nonexistent command", func(t *testing.T) {
		_, err := exec.LookPath("nonexistent-command-xyz-12345")
		if err == nil {
			t.Error("expected error for nonexistent command")
		}
	})
}

func TestMockExecutor_Execute(t *testing.T) {
	ctx := context.Background()

	t.Run("default behavior", func(t *testing.T) {
		mock := &MockExecutor{}
		output, err := mock.Execute(ctx, "test", "arg1", "arg2")
		if err != nil {
			t.Errorf("unexpected error: %v", err)
		}
		if string(output) != "" {
			t.Errorf("expected empty output, got '%s'", string(output))
		}
		if len(mock.Calls) != 1 {
			t.Errorf("expected 1 call, got %d", len(mock.Calls))
		}
		if mock.Calls[0].Name != "test" {
			t.Errorf("expected command 'test', got '%s'", mock.Calls[0].Name)
		}
	})

	t.Run("custom function", func(t *testing.T) {
		mock := &MockExecutor{
			ExecuteFunc: func(name string, args ...string) ([]byte, error) {
				return []byte("mocked output"), nil
			},
		}
		output, err := mock.Execute(ctx, "test")
		if err != nil {
			t.Errorf("unexpected error: %v", err)
		}
		if string(output) != "mocked output" {
			t.Errorf("expected 'mocked output', got '%s'", string(output))
		}
	})

	t.Run("error case", func(t *testing.T) {
		mock := &MockExecutor{
			ExecuteFunc: func(name string, args ...string) ([]byte, error) {
				return []byte("error output"), errors.New("mock error")
			},
		}
		output, err := mock.Execute(ctx, "test")
		if err == nil {
			t.Error("expected error")
		}
		if string(output) != "error output" {
			t.Errorf("expected 'error output', got '%s'", string(output))
		}
	})

	t.Run("records dir and env", func(t *testing.T) {
		mock := &MockExecutor{}
		_, _ = mock.ExecuteIn(ctx, "/srv/app", []string{"A=1"}, "npm", "install")
		calls := mock.Recorded()
		if len(calls) != 1 || calls[0].Dir != "/srv/app" || calls[0].Env[0] != "A=1" {
			t.Errorf("unexpected recorded call: %+v", calls)
		}
		if !mock.CalledWith("npm", "install") {
			t.Error("CalledWith(npm, install) = false")
		}
		if mock.CalledWith("npm", "ci") {
			t.Error("CalledWith(npm, ci) = true")
		}
	})

	t.Run("cancelled context", func(t *testing.T) {
		mock := &MockExecutor{}
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		if _, err := mock.Execute(cctx, "test"); !errors.Is(err, context.Canceled) {
			t.Errorf("expected context.Canceled, got %v", err)
		}
	})
}

func TestMockExecutor_LookPath(t *testing.T) {
	t.Run("default behavior", func(t *testing.T) {
		mock := &MockExecutor{}
		path, err := mock.LookPath("certbot")
		if err != nil {
			t.Errorf("unexpected error: %v", err)
		}
		if path != "/usr/bin/certbot" {
			t.Errorf("expected '/usr/bin/certbot', got '%s'", path)
		}
	})

	t.Run("custom function", func(t *testing.T) {
		mock := &MockExecutor{
			LookPathFunc: func(file string) (string, error) {
				if file == "certbot" {
					return "/usr/local/bin/certbot", nil
				}
				return "", errors.New("not found")
			},
		}

		path, err := mock.LookPath("certbot")
		if err != nil {
			t.Errorf("unexpected error: %v", err)
		}
		if path != "/usr/local/bin/certbot" {
			t.Errorf("expected '/usr/local/bin/certbot', got '%s'", path)
		}

		_, err = mock.LookPath("unknown")
		if err == nil {
			t.Error("expected error for unknown command")
		}
	})
}
