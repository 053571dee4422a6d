package ssl

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/go-acme/lego/v4/certcrypto"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/ksyq12/sitectl/internal/config"
	"github.com/ksyq12/sitectl/internal/errors"
	"github.com/ksyq12/sitectl/internal/executor"
	"github.com/ksyq12/sitectl/internal/lockfile"
	"github.com/ksyq12/sitectl/internal/logger"
	"github.com/ksyq12/sitectl/internal/store"
)

// Manager issues, tracks and renews certificates. It is independent of
// the site lifecycle: sites mark certificates as referenced, and a
// referenced certificate cannot be deleted.
type Manager struct {
	certDir      string
	grace        time.Duration
	retryBackoff time.Duration
	concurrency  int
	skipReach    bool

	registry *registry
	issuers  map[Method]Issuer
	checker  ReachChecker
	limiter  *rate.Limiter
	now      func() time.Time

	// stateDir holds the per-domain issuance locks
	stateDir string
}

// NewManager creates a Manager with the issuers described by cfg.
func NewManager(cfg *config.Config, exec executor.CommandExecutor) *Manager {
	sc := cfg.SSL
	m := &Manager{
		certDir:      sc.CertDir,
		grace:        sc.Grace(),
		retryBackoff: sc.RetryBackoff,
		concurrency:  sc.Concurrency,
		skipReach:    sc.SkipReach,
		registry:     newRegistry(cfg.StateDir),
		issuers: map[Method]Issuer{
			MethodACME:       NewACMEIssuer(sc.Directory, sc.Email, cfg.StateDir, sc.ChallengeRoot),
			MethodCertbot:    NewCertbotIssuer(exec, sc.Email, sc.ChallengeRoot),
			MethodSelfSigned: NewSelfSignedIssuer(),
		},
		checker:  NewHTTPReachChecker(sc.ChallengeRoot, sc.ReachTimeout),
		limiter:  rate.NewLimiter(rate.Every(time.Minute/time.Duration(max(sc.RatePerMinute, 1))), 1),
		now:      time.Now,
		stateDir: cfg.StateDir,
	}
	if m.concurrency < 1 {
		m.concurrency = 1
	}
	return m
}

// SetIssuer replaces the issuer for method.
func (m *Manager) SetIssuer(method Method, is Issuer) {
	m.issuers[method] = is
}

// SetReachChecker replaces the pre-flight checker.
func (m *Manager) SetReachChecker(p ReachChecker) {
	m.checker = p
}

// SetClock replaces the time source.
func (m *Manager) SetClock(now func() time.Time) {
	m.now = now
}

// Paths returns where the certificate for domain is installed.
func (m *Manager) Paths(domain string) (certPath, keyPath string) {
	dir := filepath.Join(m.certDir, domain)
	return filepath.Join(dir, "fullchain.pem"), filepath.Join(dir, "privkey.pem")
}

// Get returns the certificate record for domain, with expiry applied.
func (m *Manager) Get(domain string) (*Certificate, error) {
	c, ok, err := m.registry.get(domain)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errors.WrapDomain(errors.ErrCodeNotFound, domain, "no certificate on file", nil)
	}
	m.applyExpiry(c)
	return c, nil
}

// List returns all certificate records, with expiry applied.
func (m *Manager) List() ([]*Certificate, error) {
	certs, err := m.registry.list()
	if err != nil {
		return nil, err
	}
	for _, c := range certs {
		m.applyExpiry(c)
	}
	return certs, nil
}

func (m *Manager) applyExpiry(c *Certificate) {
	if c.Expired(m.now()) {
		c.State = StateExpired
	}
}

func (m *Manager) begin(domain string) (func(), error) {
	l, err := lockfile.TryAcquire(lockfile.Path(m.stateDir, "cert", domain))
	if errors.Is(err, lockfile.ErrLocked) {
		return nil, errors.Busy(domain)
	}
	if err != nil {
		return nil, errors.WrapDomain(errors.ErrCodeInternal, domain, "failed to lock certificate", err)
	}
	return func() { _ = l.Release() }, nil
}

// Issue obtains a certificate for domain with method and installs it
// under the cert directory. An existing certificate stays installed if
// issuance fails.
func (m *Manager) Issue(ctx context.Context, domain string, method Method) (*Certificate, error) {
	issuer, ok := m.issuers[method]
	if !ok {
		return nil, errors.Validationf("unknown ssl method %q", method)
	}
	done, err := m.begin(domain)
	if err != nil {
		return nil, err
	}
	defer done()

	prev, err := m.registry.update(domain, func(c *Certificate) {
		if !c.Installed() {
			c.State = StatePending
			c.Method = method
		}
	})
	if err != nil {
		return nil, err
	}

	cert, err := m.obtain(ctx, domain, method, issuer)
	if err != nil {
		_, uerr := m.registry.update(domain, func(c *Certificate) {
			c.LastError = err.Error()
			if !c.Installed() {
				c.State = StateNone
			}
		})
		if uerr != nil {
			logger.Warn("failed to record issuance failure for %s: %v", domain, uerr)
		}
		return nil, err
	}

	return m.registry.update(domain, func(c *Certificate) {
		referenced := c.Referenced
		*c = *cert
		c.Referenced = referenced || prev.Referenced
	})
}

// obtain runs the pre-flight check and the issuer, then installs the
// bundle. It does not touch the registry.
func (m *Manager) obtain(ctx context.Context, domain string, method Method, issuer Issuer) (*Certificate, error) {
	if method != MethodSelfSigned {
		if !m.skipReach && m.checker != nil {
			if err := m.checker.Check(ctx, domain); err != nil {
				return nil, err
			}
		}
		if err := m.limiter.Wait(ctx); err != nil {
			return nil, errors.WrapDomain(errors.ErrCodeIssuance, domain, "issuance cancelled", err)
		}
	}

	logger.Info("Issuing %s certificate for %s", method, domain)
	bundle, err := issuer.Issue(ctx, domain)
	if err != nil {
		var se *errors.SiteError
		if !errors.As(err, &se) {
			err = errors.WrapDomain(errors.ErrCodeIssuance, domain, "issuance failed", err)
		}
		return nil, err
	}
	return m.install(domain, method, bundle)
}

func (m *Manager) install(domain string, method Method, bundle *Bundle) (*Certificate, error) {
	parsed, err := certcrypto.ParsePEMCertificate(bundle.Cert)
	if err != nil {
		return nil, errors.WrapDomain(errors.ErrCodeIssuance, domain, "issued certificate is not valid PEM", err)
	}
	if _, err := certcrypto.ParsePEMPrivateKey(bundle.Key); err != nil {
		return nil, errors.WrapDomain(errors.ErrCodeIssuance, domain, "issued key is not valid PEM", err)
	}

	certPath, keyPath := m.Paths(domain)
	// key first, so the pair on disk never has a new cert with an old key
	if err := store.WriteAtomic(keyPath, bundle.Key, 0600); err != nil {
		return nil, errors.WrapDomain(errors.ErrCodeIssuance, domain, "failed to install key", err)
	}
	if err := store.WriteAtomic(certPath, bundle.Cert, 0644); err != nil {
		return nil, errors.WrapDomain(errors.ErrCodeIssuance, domain, "failed to install certificate", err)
	}

	return &Certificate{
		Domain:   domain,
		Method:   method,
		CertPath: certPath,
		KeyPath:  keyPath,
		IssuedAt: m.now(),
		NotAfter: parsed.NotAfter,
		State:    StateActive,
		Trusted:  method != MethodSelfSigned,
	}, nil
}

// RenewIfDue renews the certificate for domain when it is inside the
// grace window. A failed renewal keeps the installed certificate, marks
// it renewal_failed and schedules the next attempt one backoff interval
// later. It reports whether a renewal happened.
func (m *Manager) RenewIfDue(ctx context.Context, domain string) (bool, error) {
	c, ok, err := m.registry.get(domain)
	if err != nil {
		return false, err
	}
	if !ok || !c.Installed() {
		return false, errors.WrapDomain(errors.ErrCodeNotFound, domain, "no certificate on file", nil)
	}

	now := m.now()
	if !c.Due(now, m.grace) {
		return false, nil
	}
	if c.State == StateRenewalFailed && now.Before(c.NextRetry) {
		logger.Debug("renewal of %s deferred until %s", domain, c.NextRetry.Format(time.RFC3339))
		return false, nil
	}

	issuer, ok := m.issuers[c.Method]
	if !ok {
		return false, errors.Validationf("unknown ssl method %q", c.Method)
	}
	done, err := m.begin(domain)
	if err != nil {
		return false, err
	}
	defer done()

	fresh, err := m.obtain(ctx, domain, c.Method, issuer)
	if err != nil {
		_, uerr := m.registry.update(domain, func(rec *Certificate) {
			rec.LastError = err.Error()
			rec.State = StateRenewalFailed
			rec.NextRetry = now.Add(m.retryBackoff)
			if rec.Expired(now) {
				rec.State = StateExpired
			}
		})
		if uerr != nil {
			logger.Warn("failed to record renewal failure for %s: %v", domain, uerr)
		}
		logger.Warn("Renewal of %s failed, next attempt after %s: %v", domain, now.Add(m.retryBackoff).Format(time.RFC3339), err)
		return false, err
	}

	_, err = m.registry.update(domain, func(rec *Certificate) {
		referenced := rec.Referenced
		*rec = *fresh
		rec.Referenced = referenced
	})
	if err != nil {
		return false, err
	}
	logger.Info("Renewed certificate for %s, valid until %s", domain, fresh.NotAfter.Format(time.RFC3339))
	return true, nil
}

// RenewResult is the outcome of one renewal inside RenewAll.
type RenewResult struct {
	Domain  string
	Renewed bool
	Err     error
}

// RenewAll runs RenewIfDue for every certificate with bounded
// concurrency. Individual failures are reported in the results.
func (m *Manager) RenewAll(ctx context.Context) ([]RenewResult, error) {
	certs, err := m.registry.list()
	if err != nil {
		return nil, err
	}

	results := make([]RenewResult, len(certs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.concurrency)

	for i, c := range certs {
		i := i
		domain := c.Domain
		results[i].Domain = domain
		if !c.Installed() {
			continue
		}
		g.Go(func() error {
			renewed, err := m.RenewIfDue(gctx, domain)
			results[i].Renewed = renewed
			results[i].Err = err
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return results, err
	}
	return results, ctx.Err()
}

// Reference marks the certificate for domain as used by a site.
func (m *Manager) Reference(domain string) error {
	_, err := m.registry.update(domain, func(c *Certificate) { c.Referenced = true })
	return err
}

// Release drops the site's reference to the certificate.
func (m *Manager) Release(domain string) error {
	if _, ok, err := m.registry.get(domain); err != nil || !ok {
		return err
	}
	_, err := m.registry.update(domain, func(c *Certificate) { c.Referenced = false })
	return err
}

// Delete removes the certificate files and record. It is refused while a
// site references the certificate.
func (m *Manager) Delete(ctx context.Context, domain string) error {
	c, ok, err := m.registry.get(domain)
	if err != nil || !ok {
		return err
	}
	if c.Referenced {
		return errors.WrapDomain(errors.ErrCodeConflict, domain, "certificate is referenced by a site", nil)
	}

	if r, ok := m.issuers[c.Method].(Remover); ok && c.Installed() {
		if err := r.Remove(ctx, domain); err != nil {
			logger.Warn("failed to remove %s certificate copy for %s: %v", c.Method, domain, err)
		}
	}
	if err := os.RemoveAll(filepath.Join(m.certDir, domain)); err != nil {
		return errors.WrapDomain(errors.ErrCodeInternal, domain, "failed to remove certificate files", err)
	}
	return m.registry.remove(domain)
}
