package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/ksyq12/sitectl/internal/config"
	"github.com/ksyq12/sitectl/internal/deploy"
	"github.com/ksyq12/sitectl/internal/driver"
	"github.com/ksyq12/sitectl/internal/errors"
	"github.com/ksyq12/sitectl/internal/executor"
	"github.com/ksyq12/sitectl/internal/lockfile"
	"github.com/ksyq12/sitectl/internal/logger"
	"github.com/ksyq12/sitectl/internal/platform"
	"github.com/ksyq12/sitectl/internal/site"
	"github.com/ksyq12/sitectl/internal/ssl"
	"github.com/ksyq12/sitectl/internal/store"
)

// PackageChecker answers whether a runtime is installed on the host.
type PackageChecker interface {
	IsInstalled(ctx context.Context, component, version string) (bool, error)
}

// Deps are the collaborators an Orchestrator drives.
type Deps struct {
	Web      driver.Driver
	PHP      driver.PoolDriver
	Packages PackageChecker
	Certs    *ssl.Manager
	Pipeline *deploy.Pipeline
	Store    *store.Store
	Sites    *site.Registry
}

// DepsFromConfig wires the production collaborators for cfg.
func DepsFromConfig(cfg *config.Config, exec executor.CommandExecutor) Deps {
	web := driver.NewNginxWithExecutor(cfg.Nginx.Available, cfg.Nginx.Enabled, exec)
	web.SetUnit(cfg.Nginx.Unit)
	web.SetConf(cfg.Nginx.Conf)
	return Deps{
		Web:      web,
		PHP:      driver.NewPHPFPMWithExecutor(cfg.PHP.PoolDir, cfg.PHP.Socket, exec),
		Packages: platform.NewInspector(exec, cfg.PHP.Root),
		Certs:    ssl.NewManager(cfg, exec),
		Pipeline: deploy.NewPipeline(cfg, exec, deploy.NewEnvCredentialStore(cfg.Secret)),
		Store:    store.New(cfg.StateDir),
		Sites:    site.NewRegistry(cfg.StateDir),
	}
}

// Orchestrator sequences template rendering, config store writes,
// validation, reloads, certificates and deployments for sites as single
// transactions.
//
// Mutating operations on one domain are serialized with a try-lock: a
// second operation on a busy domain fails with a CONFLICT error. The
// write, validate and reload sequence runs under a host-wide lock because
// nginx -t checks the whole on-disk tree and reloads must not race. Both
// locks are lock files under the state directory and therefore hold
// across concurrent sitectl processes.
type Orchestrator struct {
	cfg      *config.Config
	web      driver.Driver
	php      driver.PoolDriver
	packages PackageChecker
	certs    *ssl.Manager
	pipeline *deploy.Pipeline
	store    *store.Store
	sites    *site.Registry
	now      func() time.Time
}

// New creates an Orchestrator.
func New(cfg *config.Config, deps Deps) *Orchestrator {
	if deps.Store == nil {
		deps.Store = store.New(cfg.StateDir)
	}
	if deps.Sites == nil {
		deps.Sites = site.NewRegistry(cfg.StateDir)
	}
	return &Orchestrator{
		cfg:      cfg,
		web:      deps.Web,
		php:      deps.PHP,
		packages: deps.Packages,
		certs:    deps.Certs,
		pipeline: deps.Pipeline,
		store:    deps.Store,
		sites:    deps.Sites,
		now:      time.Now,
	}
}

func (o *Orchestrator) siteLockPath(domain string) string {
	return lockfile.Path(o.cfg.StateDir, "site", domain)
}

// tryLock claims domain for one operation or fails with CONFLICT.
func (o *Orchestrator) tryLock(domain string) (func(), error) {
	l, err := lockfile.TryAcquire(o.siteLockPath(domain))
	if errors.Is(err, lockfile.ErrLocked) {
		return nil, errors.Busy(domain)
	}
	if err != nil {
		return nil, errors.WrapDomain(errors.ErrCodeInternal, domain, "failed to lock site", err)
	}
	return func() { _ = l.Release() }, nil
}

// waitLock claims domain, waiting for the current holder. Used to record
// the outcome of work that ran outside the lock.
func (o *Orchestrator) waitLock(ctx context.Context, domain string) (func(), error) {
	l, err := lockfile.Acquire(ctx, o.siteLockPath(domain))
	if err != nil {
		return nil, err
	}
	return func() { _ = l.Release() }, nil
}

// lockApply enters the host-wide critical section around write, validate
// and reload.
func (o *Orchestrator) lockApply(ctx context.Context) (func(), error) {
	l, err := lockfile.Acquire(ctx, lockfile.Path(o.cfg.StateDir, "apply", ""))
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeInternal, "failed to enter the apply section", err)
	}
	return func() { _ = l.Release() }, nil
}

// Get returns the site for domain. A certificate that has expired since
// the last operation is reported as expired.
func (o *Orchestrator) Get(domain string) (*site.Site, error) {
	s, err := o.sites.Get(domain)
	if err != nil {
		return nil, err
	}
	o.refreshSSL(s)
	return s, nil
}

// List returns all sites sorted by domain.
func (o *Orchestrator) List() ([]*site.Site, error) {
	sites, err := o.sites.List()
	if err != nil {
		return nil, err
	}
	for _, s := range sites {
		o.refreshSSL(s)
	}
	return sites, nil
}

func (o *Orchestrator) refreshSSL(s *site.Site) {
	if s.SSLState != site.SSLActive && s.SSLState != site.SSLRenewalFailed {
		return
	}
	c, err := o.certs.Get(s.Domain)
	if err == nil && c.State == ssl.StateExpired {
		s.SSLState = site.SSLExpired
	}
}

// Snapshots returns the config history of domain, oldest first.
func (o *Orchestrator) Snapshots(domain string) ([]*store.Snapshot, error) {
	if _, err := o.sites.Get(domain); err != nil {
		return nil, err
	}
	return o.store.List(domain)
}

// Deployments returns the recorded deployment runs of domain.
func (o *Orchestrator) Deployments(domain string) ([]*deploy.Run, error) {
	if _, err := o.sites.Get(domain); err != nil {
		return nil, err
	}
	return o.pipeline.History().List(domain)
}

// Certificates returns every certificate on file.
func (o *Orchestrator) Certificates() ([]*ssl.Certificate, error) {
	return o.certs.List()
}

// PruneSnapshots drops config snapshots of domain beyond the newest keep.
// keep <= 0 uses the configured retention.
func (o *Orchestrator) PruneSnapshots(domain string, keep int) (int, error) {
	unlock, err := o.tryLock(domain)
	if err != nil {
		return 0, err
	}
	defer unlock()

	if _, err := o.sites.Get(domain); err != nil {
		return 0, err
	}
	if keep <= 0 {
		keep = o.cfg.Store.KeepSnapshots
	}
	removed, err := o.store.Prune(domain, keep)
	if err != nil {
		return 0, err
	}
	if removed > 0 {
		logger.Info("Pruned %d snapshot(s) of %s", removed, domain)
	}
	return removed, nil
}

// Recovery is what Recover repaired.
type Recovery struct {
	// Reconciled are domains whose interrupted config write was undone.
	Reconciled []string `json:"reconciled"`
	// Failed are sites left in a transitional state, now marked failed.
	Failed []string `json:"recovered"`
}

// Recover repairs what an interrupted process left behind. Config writes
// that never reached HEAD are undone and the affected services reloaded,
// then sites left in a transitional state are marked failed. Domains an
// operation currently holds are skipped.
func (o *Orchestrator) Recover(ctx context.Context) (*Recovery, error) {
	out := &Recovery{}
	if err := o.reconcile(ctx, out); err != nil {
		return out, err
	}

	sites, err := o.sites.List()
	if err != nil {
		return out, err
	}
	for _, s := range sites {
		if !s.Status.Transitional() {
			continue
		}
		unlock, err := o.tryLock(s.Domain)
		if err != nil {
			continue
		}
		s.LastError = fmt.Sprintf("interrupted while %s", s.Status)
		s.Status = site.StatusFailed
		s.UpdatedAt = o.now()
		err = o.sites.Put(s)
		unlock()
		if err != nil {
			return out, err
		}
		logger.WarnFields("site left in transitional state marked failed", map[string]interface{}{
			"domain": s.Domain,
			"error":  s.LastError,
		})
		out.Failed = append(out.Failed, s.Domain)
	}
	return out, nil
}

// reconcile undoes unfinished config writes inside the apply section, so
// no live write can be mistaken for an interrupted one.
func (o *Orchestrator) reconcile(ctx context.Context, out *Recovery) error {
	pending, err := o.store.Pending()
	if err != nil || len(pending) == 0 {
		return err
	}
	unlockApply, err := o.lockApply(ctx)
	if err != nil {
		return err
	}
	defer unlockApply()

	var touched []*site.Site
	for _, domain := range pending {
		unlock, err := o.tryLock(domain)
		if err != nil {
			continue
		}
		found, err := o.store.Reconcile(domain)
		unlock()
		if err != nil {
			return err
		}
		if !found {
			continue
		}
		out.Reconciled = append(out.Reconciled, domain)
		if s, err := o.sites.Get(domain); err == nil {
			touched = append(touched, s)
		}
	}
	if len(out.Reconciled) == 0 {
		return nil
	}
	return o.reload(ctx, phpVersions(touched...))
}
