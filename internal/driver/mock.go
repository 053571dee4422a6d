package driver

import (
	"context"
	"os"
	"path/filepath"
	"sync"

	"github.com/ksyq12/sitectl/internal/store"
)

// MockDriver is a test double for the Driver interface. It computes real
// paths under its directories so store writes land in a temp tree.
type MockDriver struct {
	name  string
	paths Paths

	// Function mocks - set these to customize behavior
	ListFunc      func() ([]string, error)
	IsEnabledFunc func(domain string) (bool, error)
	ValidateFunc  func(ctx context.Context) error
	ReloadFunc    func(ctx context.Context) error
	IsActiveFunc  func(ctx context.Context) (bool, error)

	// ValidateStagedFunc checks the candidate files; ValidateFunc is
	// used when it is nil
	ValidateStagedFunc func(ctx context.Context, files map[string]store.File) error

	// Call tracking - check these to verify interactions
	ListCalls      int
	IsEnabledCalls []string
	ValidateCalls  int
	ReloadCalls    int
	Staged         []map[string]store.File

	mu sync.Mutex
}

// NewMockDriver creates a new MockDriver with default no-op implementations
func NewMockDriver(name, availableDir, enabledDir string) *MockDriver {
	return &MockDriver{
		name: name,
		paths: Paths{
			Available: availableDir,
			Enabled:   enabledDir,
		},
		IsEnabledCalls: make([]string, 0),
	}
}

// Name returns the driver name
func (m *MockDriver) Name() string {
	return m.name
}

// Paths returns the configured paths
func (m *MockDriver) Paths() Paths {
	return m.paths
}

// VhostPath returns the config file path for domain.
func (m *MockDriver) VhostPath(domain string) string {
	return filepath.Join(m.paths.Available, domain+confExt)
}

// VhostFiles mirrors NginxDriver.VhostFiles.
func (m *MockDriver) VhostFiles(domain, content string) map[string]store.File {
	files := map[string]store.File{m.VhostPath(domain): store.Regular(content)}
	if m.paths.Enabled != "" && m.paths.Enabled != m.paths.Available {
		files[filepath.Join(m.paths.Enabled, domain+confExt)] = store.Symlink(m.VhostPath(domain))
	}
	return files
}

// RemovalFiles mirrors NginxDriver.RemovalFiles.
func (m *MockDriver) RemovalFiles(domain string) map[string]store.File {
	files := map[string]store.File{m.VhostPath(domain): store.Removed()}
	if m.paths.Enabled != "" && m.paths.Enabled != m.paths.Available {
		files[filepath.Join(m.paths.Enabled, domain+confExt)] = store.Removed()
	}
	return files
}

// List records the call and invokes the mock function if set
func (m *MockDriver) List() ([]string, error) {
	m.mu.Lock()
	m.ListCalls++
	m.mu.Unlock()
	if m.ListFunc != nil {
		return m.ListFunc()
	}
	return []string{}, nil
}

// IsEnabled records the call and invokes the mock function if set.
// Otherwise it reports whether the enabled link exists.
func (m *MockDriver) IsEnabled(domain string) (bool, error) {
	m.mu.Lock()
	m.IsEnabledCalls = append(m.IsEnabledCalls, domain)
	m.mu.Unlock()
	if m.IsEnabledFunc != nil {
		return m.IsEnabledFunc(domain)
	}
	_, err := os.Lstat(filepath.Join(m.paths.Enabled, domain+confExt))
	return err == nil, nil
}

// Validate records the call and invokes the mock function if set
func (m *MockDriver) Validate(ctx context.Context) error {
	m.mu.Lock()
	m.ValidateCalls++
	m.mu.Unlock()
	if m.ValidateFunc != nil {
		return m.ValidateFunc(ctx)
	}
	return nil
}

// ValidateStaged records the call and the candidate files, then invokes
// ValidateStagedFunc or ValidateFunc if set. Counted as a validation.
func (m *MockDriver) ValidateStaged(ctx context.Context, files map[string]store.File) error {
	m.mu.Lock()
	m.ValidateCalls++
	m.Staged = append(m.Staged, files)
	m.mu.Unlock()
	if m.ValidateStagedFunc != nil {
		return m.ValidateStagedFunc(ctx, files)
	}
	if m.ValidateFunc != nil {
		return m.ValidateFunc(ctx)
	}
	return nil
}

// Reload records the call and invokes the mock function if set
func (m *MockDriver) Reload(ctx context.Context) error {
	m.mu.Lock()
	m.ReloadCalls++
	m.mu.Unlock()
	if m.ReloadFunc != nil {
		return m.ReloadFunc(ctx)
	}
	return nil
}

// IsActive invokes the mock function if set; active by default.
func (m *MockDriver) IsActive(ctx context.Context) (bool, error) {
	if m.IsActiveFunc != nil {
		return m.IsActiveFunc(ctx)
	}
	return true, nil
}

// Counts returns the validate and reload call counts.
func (m *MockDriver) Counts() (validate, reload int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ValidateCalls, m.ReloadCalls
}

// Reset clears all call tracking
func (m *MockDriver) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.IsEnabledCalls = make([]string, 0)
	m.ListCalls = 0
	m.ValidateCalls = 0
	m.ReloadCalls = 0
	m.Staged = nil
}

// MockPoolDriver is a test double for PoolDriver.
type MockPoolDriver struct {
	dir string

	ValidateFunc func(ctx context.Context, version string) error
	ReloadFunc   func(ctx context.Context, version string) error
	IsActiveFunc func(ctx context.Context, version string) (bool, error)

	ValidateCalls []string
	ReloadCalls   []string

	mu sync.Mutex
}

// NewMockPoolDriver creates a MockPoolDriver keeping pools under dir.
func NewMockPoolDriver(dir string) *MockPoolDriver {
	return &MockPoolDriver{dir: dir}
}

// PoolName returns domain.
func (m *MockPoolDriver) PoolName(domain string) string { return domain }

// PoolPath returns dir/<version>/<domain>.conf.
func (m *MockPoolDriver) PoolPath(version, domain string) string {
	return filepath.Join(m.dir, version, domain+".conf")
}

// SocketPath returns a socket path under /run/php.
func (m *MockPoolDriver) SocketPath(version, domain string) string {
	return "/run/php/php" + version + "-fpm-" + domain + ".sock"
}

// Validate records the call and invokes the mock function if set
func (m *MockPoolDriver) Validate(ctx context.Context, version string) error {
	m.mu.Lock()
	m.ValidateCalls = append(m.ValidateCalls, version)
	m.mu.Unlock()
	if m.ValidateFunc != nil {
		return m.ValidateFunc(ctx, version)
	}
	return nil
}

// ValidateStaged is Validate for the mock; files are not inspected.
func (m *MockPoolDriver) ValidateStaged(ctx context.Context, version string, files map[string]store.File) error {
	return m.Validate(ctx, version)
}

// Reload records the call and invokes the mock function if set
func (m *MockPoolDriver) Reload(ctx context.Context, version string) error {
	m.mu.Lock()
	m.ReloadCalls = append(m.ReloadCalls, version)
	m.mu.Unlock()
	if m.ReloadFunc != nil {
		return m.ReloadFunc(ctx, version)
	}
	return nil
}

// IsActive invokes the mock function if set; active by default.
func (m *MockPoolDriver) IsActive(ctx context.Context, version string) (bool, error) {
	if m.IsActiveFunc != nil {
		return m.IsActiveFunc(ctx, version)
	}
	return true, nil
}

// Reloads returns a copy of the versions reloaded so far.
func (m *MockPoolDriver) Reloads() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.ReloadCalls...)
}
