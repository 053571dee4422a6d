package driver

import (
	"context"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/ksyq12/sitectl/internal/store"
)

// Driver is the interface the webserver driver implements.
type Driver interface {
	// Name returns the driver name
	Name() string

	// Paths returns the driver's config paths
	Paths() Paths

	// VhostFiles returns the store entries that install the vhost for
	// domain with content (config file plus enable link)
	VhostFiles(domain, content string) map[string]store.File

	// RemovalFiles returns the store entries that remove the vhost
	RemovalFiles(domain string) map[string]store.File

	// List returns the domains that have a config file
	List() ([]string, error)

	// IsEnabled checks if a vhost is enabled
	IsEnabled(domain string) (bool, error)

	// Validate runs the service's own dry-run check on the on-disk tree
	Validate(ctx context.Context) error

	// ValidateStaged runs the dry-run check on a private copy of the
	// config tree with files applied, leaving the live tree alone
	ValidateStaged(ctx context.Context, files map[string]store.File) error

	// Reload gracefully reloads the service
	Reload(ctx context.Context) error

	// IsActive reports whether the service unit is running
	IsActive(ctx context.Context) (bool, error)
}

// PoolDriver is the interface the PHP-FPM driver implements. Every call
// is scoped to one PHP version, since each version runs its own master.
type PoolDriver interface {
	PoolName(domain string) string
	PoolPath(version, domain string) string
	SocketPath(version, domain string) string
	Validate(ctx context.Context, version string) error
	ValidateStaged(ctx context.Context, version string, files map[string]store.File) error
	Reload(ctx context.Context, version string) error
	IsActive(ctx context.Context, version string) (bool, error)
}

// Paths contains the web server config directory paths
type Paths struct {
	Available string // config available directory
	Enabled   string // config enabled directory
}

// defaultBackOff bounds retries of a dry-run check.
func defaultBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxInterval = 2 * time.Second
	return backoff.WithMaxRetries(b, 2)
}

// retryCheck runs check until it succeeds, returns a permanent error or
// the retry budget runs out.
func retryCheck(ctx context.Context, policy func() backoff.BackOff, check func() error) error {
	return backoff.Retry(check, backoff.WithContext(policy(), ctx))
}

// isActive runs systemctl is-active for unit.
func isActive(ctx context.Context, run func(ctx context.Context, name string, args ...string) ([]byte, error), unit string) (bool, error) {
	out, err := run(ctx, "systemctl", "is-active", unit)
	state := strings.TrimSpace(string(out))
	if state == "active" || state == "reloading" {
		return true, nil
	}
	if err != nil && state == "" {
		return false, err
	}
	return false, nil
}
