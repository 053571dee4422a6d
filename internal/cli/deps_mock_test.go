package cli

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/ksyq12/sitectl/internal/config"
	"github.com/ksyq12/sitectl/internal/deploy"
	"github.com/ksyq12/sitectl/internal/driver"
	"github.com/ksyq12/sitectl/internal/errors"
	"github.com/ksyq12/sitectl/internal/executor"
	"github.com/ksyq12/sitectl/internal/input"
	"github.com/ksyq12/sitectl/internal/orchestrator"
	"github.com/ksyq12/sitectl/internal/output"
	"github.com/ksyq12/sitectl/internal/ssl"
)

// MockConfigLoader is a test double for ConfigLoader
type MockConfigLoader struct {
	Cfg     *config.Config
	LoadErr error
}

func (m *MockConfigLoader) Load() (*config.Config, error) {
	if m.LoadErr != nil {
		return nil, m.LoadErr
	}
	if m.Cfg == nil {
		m.Cfg = config.New()
	}
	return m.Cfg, nil
}

// MockEngineFactory is a test double for EngineFactory. It returns
// Engine as is, so state survives across commands of one test.
type MockEngineFactory struct {
	Engine *orchestrator.Orchestrator
	Err    error
	Calls  int
}

func (m *MockEngineFactory) Create(cfg *config.Config, exec executor.CommandExecutor) (*orchestrator.Orchestrator, error) {
	m.Calls++
	if m.Err != nil {
		return nil, m.Err
	}
	if m.Engine == nil {
		return nil, errors.New(errors.ErrCodeInternal, "no engine configured")
	}
	return m.Engine, nil
}

// MockRootChecker is a test double for RootChecker
type MockRootChecker struct {
	IsRoot bool
	Calls  int
}

func (m *MockRootChecker) RequireRoot() error {
	m.Calls++
	if !m.IsRoot {
		return errors.ErrRootRequired
	}
	return nil
}

// MockPackages answers installed checks from a set keyed by component
// and version, e.g. "php-fpm8.1".
type MockPackages struct {
	mu        sync.Mutex
	Installed map[string]bool
}

func (m *MockPackages) IsInstalled(ctx context.Context, component, version string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Installed[component+version], nil
}

// MockDependenciesBuilder helps create mock dependencies for tests
type MockDependenciesBuilder struct {
	deps *Dependencies
}

// NewMockDeps creates a new MockDependenciesBuilder with sensible defaults
func NewMockDeps() *MockDependenciesBuilder {
	return &MockDependenciesBuilder{
		deps: &Dependencies{
			ConfigLoader:  &MockConfigLoader{Cfg: config.New()},
			EngineFactory: &MockEngineFactory{},
			RootChecker:   &MockRootChecker{IsRoot: true},
			StdinReader:   input.NewStringReader("y\n"),
			Executor:      &executor.MockExecutor{},
		},
	}
}

// WithConfig sets the config for the mock
func (b *MockDependenciesBuilder) WithConfig(cfg *config.Config) *MockDependenciesBuilder {
	b.deps.ConfigLoader = &MockConfigLoader{Cfg: cfg}
	return b
}

// WithEngine sets the orchestrator returned by the engine factory
func (b *MockDependenciesBuilder) WithEngine(o *orchestrator.Orchestrator) *MockDependenciesBuilder {
	b.deps.EngineFactory = &MockEngineFactory{Engine: o}
	return b
}

// WithRootAccess sets whether root access is available
func (b *MockDependenciesBuilder) WithRootAccess(isRoot bool) *MockDependenciesBuilder {
	b.deps.RootChecker = &MockRootChecker{IsRoot: isRoot}
	return b
}

// WithStdinInput sets the stdin input for the mock
func (b *MockDependenciesBuilder) WithStdinInput(in string) *MockDependenciesBuilder {
	b.deps.StdinReader = input.NewStringReader(in)
	return b
}

// WithExecutor sets the command executor
func (b *MockDependenciesBuilder) WithExecutor(exec executor.CommandExecutor) *MockDependenciesBuilder {
	b.deps.Executor = exec
	return b
}

// Build returns the configured Dependencies
func (b *MockDependenciesBuilder) Build() *Dependencies {
	return b.deps
}

// TestHelper runs commands against a real orchestrator whose web server,
// PHP-FPM and package checks are mocked. All state lives in a temp dir.
type TestHelper struct {
	T      *testing.T
	Root   string
	Cfg    *config.Config
	Engine *orchestrator.Orchestrator
	Web    *driver.MockDriver
	PHP    *driver.MockPoolDriver
	Exec   *executor.MockExecutor
	Certs  *ssl.Manager
	Rooter *MockRootChecker

	out *bytes.Buffer
}

// NewTestHelper installs mock dependencies for the duration of t and
// captures everything the output package prints.
func NewTestHelper(t *testing.T) *TestHelper {
	t.Helper()
	root := t.TempDir()

	cfg := config.New()
	cfg.StateDir = filepath.Join(root, "state")
	cfg.WebRoot = filepath.Join(root, "www")
	cfg.WebUser = ""
	cfg.SSL.CertDir = filepath.Join(root, "certs")
	cfg.SSL.ChallengeRoot = filepath.Join(root, "acme")
	cfg.SSL.SkipReach = true
	cfg.Nginx.Available = filepath.Join(root, "nginx", "sites-available")
	cfg.Nginx.Enabled = filepath.Join(root, "nginx", "sites-enabled")
	cfg.PHP.Root = filepath.Join(root, "php-root")
	for _, v := range []string{"8.1", "8.3"} {
		if err := os.MkdirAll(filepath.Join(cfg.PHP.Root, v, "fpm"), 0755); err != nil {
			t.Fatal(err)
		}
	}
	for _, dir := range []string{cfg.StateDir, cfg.WebRoot, cfg.Nginx.Available, cfg.Nginx.Enabled} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			t.Fatal(err)
		}
	}

	h := &TestHelper{
		T:      t,
		Root:   root,
		Cfg:    cfg,
		Web:    driver.NewMockDriver("nginx", cfg.Nginx.Available, cfg.Nginx.Enabled),
		PHP:    driver.NewMockPoolDriver(filepath.Join(root, "php")),
		Exec:   &executor.MockExecutor{},
		Rooter: &MockRootChecker{IsRoot: true},
		out:    &bytes.Buffer{},
	}
	h.Certs = ssl.NewManager(cfg, h.Exec)
	h.Engine = orchestrator.New(cfg, orchestrator.Deps{
		Web: h.Web,
		PHP: h.PHP,
		Packages: &MockPackages{Installed: map[string]bool{
			"php-fpm8.1": true,
			"php-fpm8.3": true,
		}},
		Certs:    h.Certs,
		Pipeline: deploy.NewPipeline(cfg, h.Exec, deploy.NewEnvCredentialStore(func(string) string { return "" })),
	})

	old := deps
	deps = &Dependencies{
		ConfigLoader:  &MockConfigLoader{Cfg: cfg},
		EngineFactory: &MockEngineFactory{Engine: h.Engine},
		RootChecker:   h.Rooter,
		StdinReader:   input.NewStringReader(""),
		Executor:      h.Exec,
	}
	restore := output.SetOutput(h.out)
	oldJSON := jsonOutput
	t.Cleanup(func() {
		deps = old
		restore()
		jsonOutput = oldJSON
	})
	return h
}

// SetRootAccess sets whether root access is available
func (h *TestHelper) SetRootAccess(isRoot bool) {
	h.Rooter.IsRoot = isRoot
}

// SetStdinInput sets the stdin input
func (h *TestHelper) SetStdinInput(in string) {
	deps.StdinReader = input.NewStringReader(in)
}

// SetJSON toggles --json for the rest of the test.
func (h *TestHelper) SetJSON(on bool) {
	jsonOutput = on
}

// Output returns everything printed so far and resets the buffer.
func (h *TestHelper) Output() string {
	s := h.out.String()
	h.out.Reset()
	return s
}

// CreateSite creates a site through the orchestrator, bypassing the CLI.
func (h *TestHelper) CreateSite(p orchestrator.CreateParams) {
	h.T.Helper()
	if _, err := h.Engine.Create(context.Background(), p); err != nil {
		h.T.Fatalf("create %s: %v", p.Domain, err)
	}
	h.Output()
}
