package driver

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"github.com/cenkalti/backoff/v4"

	"github.com/ksyq12/sitectl/internal/errors"
	"github.com/ksyq12/sitectl/internal/executor"
	"github.com/ksyq12/sitectl/internal/logger"
	"github.com/ksyq12/sitectl/internal/platform"
	"github.com/ksyq12/sitectl/internal/store"
)

// PHPFPMDriver manages per-site pools across PHP-FPM versions.
type PHPFPMDriver struct {
	// poolDir and socket are fmt patterns: poolDir takes the version,
	// socket takes the version and the pool name
	poolDir string
	socket  string
	exec    executor.CommandExecutor

	reloadMu sync.Mutex
	backOff  func() backoff.BackOff
}

// NewPHPFPM creates a PHP-FPM driver with the Debian layout.
func NewPHPFPM() *PHPFPMDriver {
	return NewPHPFPMWithExecutor("/etc/php/%s/fpm/pool.d", "/run/php/php%s-fpm-%s.sock", executor.NewSystemExecutor())
}

// NewPHPFPMWithExecutor creates a PHP-FPM driver with custom patterns and executor.
func NewPHPFPMWithExecutor(poolDir, socket string, exec executor.CommandExecutor) *PHPFPMDriver {
	return &PHPFPMDriver{
		poolDir: poolDir,
		socket:  socket,
		exec:    exec,
		backOff: defaultBackOff,
	}
}

// PoolName returns the pool name for domain.
func (p *PHPFPMDriver) PoolName(domain string) string {
	return domain
}

// PoolPath returns the pool config path for domain under version.
func (p *PHPFPMDriver) PoolPath(version, domain string) string {
	return filepath.Join(fmt.Sprintf(p.poolDir, version), p.PoolName(domain)+".conf")
}

// SocketPath returns the pool's listen socket.
func (p *PHPFPMDriver) SocketPath(version, domain string) string {
	return fmt.Sprintf(p.socket, version, p.PoolName(domain))
}

// Unit returns the systemd unit for version.
func Unit(version string) string {
	return "php" + version + "-fpm"
}

// Binary returns the php-fpm binary for version.
func Binary(version string) string {
	return "php-fpm" + version
}

// Validate runs php-fpm<version> -t.
func (p *PHPFPMDriver) Validate(ctx context.Context, version string) error {
	if !platform.ValidPHPVersion(version) {
		return errors.Validationf("invalid php version %q", version)
	}
	return p.check(ctx, version, "-t")
}

// ValidateStaged runs php-fpm<version> -t against a copy of the version's
// fpm directory with files applied. The main config is expected next to
// pool.d, as on Debian.
func (p *PHPFPMDriver) ValidateStaged(ctx context.Context, version string, files map[string]store.File) error {
	if !platform.ValidPHPVersion(version) {
		return errors.Validationf("invalid php version %q", version)
	}
	root := filepath.Dir(fmt.Sprintf(p.poolDir, version))
	tree, err := stageTree([]string{root}, files)
	if err != nil {
		return errors.Wrap(errors.ErrCodeInternal, "failed to stage "+Binary(version)+" config", err)
	}
	defer tree.Remove()
	return p.check(ctx, version, "-t", "-y", tree.path(filepath.Join(root, "php-fpm.conf")))
}

func (p *PHPFPMDriver) check(ctx context.Context, version string, args ...string) error {
	return retryCheck(ctx, p.backOff, func() error {
		output, err := p.exec.Execute(ctx, Binary(version), args...)
		if err == nil {
			return nil
		}
		out := strings.TrimSpace(string(output))
		if strings.Contains(out, "ERROR") || strings.Contains(out, "failed") {
			return backoff.Permanent(errors.Wrap(errors.ErrCodeSyntax, Binary(version)+" config test failed", fmt.Errorf("%s", out)))
		}
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		logger.Debug("%s -t did not complete, retrying: %v", Binary(version), err)
		return errors.Wrap(errors.ErrCodeSyntax, Binary(version)+" config test did not complete", err)
	})
}

// Reload gracefully reloads the PHP-FPM master for version.
func (p *PHPFPMDriver) Reload(ctx context.Context, version string) error {
	if !platform.ValidPHPVersion(version) {
		return errors.Validationf("invalid php version %q", version)
	}

	p.reloadMu.Lock()
	defer p.reloadMu.Unlock()

	unit := Unit(version)
	output, err := p.exec.Execute(ctx, "systemctl", "reload", unit)
	if err == nil {
		return nil
	}

	cause := fmt.Errorf("%s", strings.TrimSpace(string(output)))
	active, aerr := p.IsActive(ctx, version)
	if aerr != nil {
		logger.Warn("could not determine %s state after failed reload: %v", unit, aerr)
	}
	return errors.Reload(unit, !active, cause)
}

// IsActive reports whether the PHP-FPM unit for version is running.
func (p *PHPFPMDriver) IsActive(ctx context.Context, version string) (bool, error) {
	return isActive(ctx, p.exec.Execute, Unit(version))
}
