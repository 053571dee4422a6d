package driver

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/cenkalti/backoff/v4"

	"github.com/ksyq12/sitectl/internal/errors"
	"github.com/ksyq12/sitectl/internal/executor"
	"github.com/ksyq12/sitectl/internal/logger"
	"github.com/ksyq12/sitectl/internal/store"
)

const confExt = ".conf"

// NginxDriver implements the Driver interface for Nginx
type NginxDriver struct {
	paths Paths
	unit  string
	conf  string
	exec  executor.CommandExecutor

	// reloadMu serializes reloads host-wide
	reloadMu sync.Mutex
	backOff  func() backoff.BackOff
}

// NewNginx creates a new Nginx driver with default paths
func NewNginx() *NginxDriver {
	return NewNginxWithPaths("/etc/nginx/sites-available", "/etc/nginx/sites-enabled")
}

// NewNginxWithPaths creates a new Nginx driver with custom paths
func NewNginxWithPaths(available, enabled string) *NginxDriver {
	return NewNginxWithExecutor(available, enabled, executor.NewSystemExecutor())
}

// NewNginxWithExecutor creates a new Nginx driver with custom paths and executor (for testing)
func NewNginxWithExecutor(available, enabled string, exec executor.CommandExecutor) *NginxDriver {
	return &NginxDriver{
		paths: Paths{
			Available: available,
			Enabled:   enabled,
		},
		unit:    "nginx",
		conf:    "/etc/nginx/nginx.conf",
		exec:    exec,
		backOff: defaultBackOff,
	}
}

// SetUnit overrides the systemd unit name.
func (n *NginxDriver) SetUnit(unit string) {
	if unit != "" {
		n.unit = unit
	}
}

// SetConf overrides the main config file.
func (n *NginxDriver) SetConf(conf string) {
	if conf != "" {
		n.conf = conf
	}
}

// Name returns the driver name
func (n *NginxDriver) Name() string {
	return "nginx"
}

// Paths returns the config paths
func (n *NginxDriver) Paths() Paths {
	return n.paths
}

// VhostPath returns the config file path for domain.
func (n *NginxDriver) VhostPath(domain string) string {
	return filepath.Join(n.paths.Available, domain+confExt)
}

// EnabledPath returns the enable symlink for domain, or "" when the
// layout has no separate enabled directory.
func (n *NginxDriver) EnabledPath(domain string) string {
	if n.paths.Enabled == "" || n.paths.Enabled == n.paths.Available {
		return ""
	}
	return filepath.Join(n.paths.Enabled, domain+confExt)
}

// VhostFiles returns the config file and its enable symlink.
func (n *NginxDriver) VhostFiles(domain, content string) map[string]store.File {
	files := map[string]store.File{
		n.VhostPath(domain): store.Regular(content),
	}
	if link := n.EnabledPath(domain); link != "" {
		files[link] = store.Symlink(n.VhostPath(domain))
	}
	return files
}

// RemovalFiles returns entries removing the config file and symlink.
func (n *NginxDriver) RemovalFiles(domain string) map[string]store.File {
	files := map[string]store.File{
		n.VhostPath(domain): store.Removed(),
	}
	if link := n.EnabledPath(domain); link != "" {
		files[link] = store.Removed()
	}
	return files
}

// List returns all vhost domains from sites-available
func (n *NginxDriver) List() ([]string, error) {
	entries, err := os.ReadDir(n.paths.Available)
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("failed to read sites-available: %w", err)
	}

	domains := make([]string, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, confExt) {
			continue
		}
		domains = append(domains, strings.TrimSuffix(name, confExt))
	}
	return domains, nil
}

// IsEnabled checks if a vhost is enabled
func (n *NginxDriver) IsEnabled(domain string) (bool, error) {
	target := n.EnabledPath(domain)
	if target == "" {
		target = n.VhostPath(domain)
	}
	_, err := os.Lstat(target)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check vhost status: %w", err)
	}
	return true, nil
}

// Validate runs nginx -t against the live tree. A config error is
// returned as a SYNTAX error carrying nginx's output; anything else is
// retried a few times first.
func (n *NginxDriver) Validate(ctx context.Context) error {
	return n.check(ctx, "-t")
}

// ValidateStaged runs nginx -t against a copy of the config tree with
// files applied. The live tree is not touched.
func (n *NginxDriver) ValidateStaged(ctx context.Context, files map[string]store.File) error {
	tree, err := stageTree([]string{filepath.Dir(n.conf), n.paths.Available, n.paths.Enabled}, files)
	if err != nil {
		return errors.Wrap(errors.ErrCodeInternal, "failed to stage nginx config", err)
	}
	defer tree.Remove()
	return n.check(ctx, "-t", "-c", tree.path(n.conf))
}

func (n *NginxDriver) check(ctx context.Context, args ...string) error {
	return retryCheck(ctx, n.backOff, func() error {
		output, err := n.exec.Execute(ctx, "nginx", args...)
		if err == nil {
			return nil
		}
		out := strings.TrimSpace(string(output))
		if strings.Contains(out, "[emerg]") || strings.Contains(out, "test failed") {
			return backoff.Permanent(errors.Wrap(errors.ErrCodeSyntax, "nginx config test failed", fmt.Errorf("%s", out)))
		}
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		logger.Debug("nginx -t did not complete, retrying: %v", err)
		return errors.Wrap(errors.ErrCodeSyntax, "nginx config test did not complete", err)
	})
}

// Reload reloads nginx gracefully. When both systemctl and the nginx
// signal fail, the returned RELOAD error records whether nginx is still
// running the previous config.
func (n *NginxDriver) Reload(ctx context.Context) error {
	n.reloadMu.Lock()
	defer n.reloadMu.Unlock()

	output, err := n.exec.Execute(ctx, "systemctl", "reload", n.unit)
	if err == nil {
		return nil
	}
	logger.Debug("systemctl reload %s failed: %s", n.unit, strings.TrimSpace(string(output)))

	// Try nginx -s reload as fallback
	output, err = n.exec.Execute(ctx, "nginx", "-s", "reload")
	if err == nil {
		return nil
	}

	cause := fmt.Errorf("%s", strings.TrimSpace(string(output)))
	active, aerr := n.IsActive(ctx)
	if aerr != nil {
		logger.Warn("could not determine nginx state after failed reload: %v", aerr)
	}
	return errors.Reload("nginx", !active, cause)
}

// IsActive reports whether the nginx unit is running.
func (n *NginxDriver) IsActive(ctx context.Context) (bool, error) {
	return isActive(ctx, n.exec.Execute, n.unit)
}
