package orchestrator

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/ksyq12/sitectl/internal/deploy"
	"github.com/ksyq12/sitectl/internal/errors"
	"github.com/ksyq12/sitectl/internal/logger"
	"github.com/ksyq12/sitectl/internal/site"
)

func (o *Orchestrator) appURL(s *site.Site) string {
	if s.SSLState == site.SSLActive {
		return "https://" + s.Domain
	}
	return "http://" + s.Domain
}

// Deploy runs the deployment pipeline for an existing site. The pipeline
// runs outside the domain lock so a second deployment is rejected by the
// pipeline itself with DEPLOYMENT_IN_PROGRESS; the outcome is recorded on
// the site afterwards. A failed run leaves the site active.
func (o *Orchestrator) Deploy(ctx context.Context, domain string, p DeployParams) (*deploy.Run, error) {
	if err := checkParams(&p); err != nil {
		return nil, err
	}
	s, err := o.sites.Get(domain)
	if err != nil {
		return nil, err
	}
	if s.Status != site.StatusActive {
		return nil, errors.WrapDomain(errors.ErrCodeConflict, domain, fmt.Sprintf("site is %s", s.Status), nil)
	}
	if s.ProxyPass != "" {
		return nil, errors.Validationf("site %s proxies to %s and takes no deployments", domain, s.ProxyPass)
	}

	req := deploy.Request{Domain: domain, Source: s.Source, AppURL: o.appURL(s)}
	if p.Source != nil {
		req.Source = *p.Source
	}
	if p.Framework != nil {
		req.Framework = *p.Framework
	}
	if req.Source.Kind == "" || req.Source.Kind == site.SourceNone {
		return nil, errors.Validationf("site %s has no deployment source", domain)
	}

	run, runErr := o.pipeline.Deploy(ctx, req)
	if run == nil {
		return nil, runErr
	}

	// the switch may have committed; record it even if ctx is done
	unlock, err := o.waitLock(context.WithoutCancel(ctx), domain)
	if err != nil {
		return run, err
	}
	defer unlock()
	return o.recordDeployment(ctx, domain, req.Source, run, runErr)
}

// deployLocked runs the pipeline for s while the caller holds the lock.
func (o *Orchestrator) deployLocked(ctx context.Context, s *site.Site, req deploy.Request) (*deploy.Run, error) {
	if s.ProxyPass != "" {
		return nil, nil
	}
	req.AppURL = o.appURL(s)
	run, runErr := o.pipeline.Deploy(ctx, req)
	if run == nil {
		return nil, runErr
	}
	return o.recordDeployment(ctx, s.Domain, req.Source, run, runErr)
}

// recordDeployment stores the outcome of run on the site. A successful
// run whose public directory differs from what the vhost serves gets the
// vhost re-applied.
func (o *Orchestrator) recordDeployment(ctx context.Context, domain string, src site.Source, run *deploy.Run, runErr error) (*deploy.Run, error) {
	s, err := o.sites.Get(domain)
	if err != nil {
		return run, err
	}
	s.LastDeployment = run.Summary()
	s.UpdatedAt = o.now()

	if runErr != nil {
		if err := o.sites.Put(s); err != nil {
			logger.Error("failed to record deployment of %s: %v", domain, err)
		}
		return run, runErr
	}

	s.Source = src
	next := s.Clone()
	next.Framework = run.Framework
	next.PublicDir = run.PublicDir
	if next.ServeRoot() != s.ServeRoot() {
		if err := o.reapply(context.WithoutCancel(ctx), s, next); err != nil {
			return run, err
		}
	}
	next.LastError = ""
	if err := o.sites.Put(next); err != nil {
		return run, err
	}
	return run, nil
}

// reapply renders next and makes it live, updating next's config version.
// On failure prev is recorded with the error, or marked failed if the
// error is fatal.
func (o *Orchestrator) reapply(ctx context.Context, prev, next *site.Site) error {
	files, err := o.render(prev, next)
	if err == nil {
		var c *change
		if c, err = o.writeChange(next.Domain, phpVersions(prev, next), files, next); err == nil {
			var version int
			if version, err = o.apply(ctx, c); err == nil {
				next.ConfigVersion = version
				logger.InfoFields("vhost re-applied for new document root", map[string]interface{}{
					"domain":  next.Domain,
					"root":    next.ServeRoot(),
					"version": version,
				})
				return nil
			}
		}
	}
	if errors.Is(err, errors.ErrFatalService) {
		return o.markFailed(prev, err)
	}
	prev.LastError = fmt.Sprintf("vhost still serves %s: %v", prev.ServeRoot(), err)
	if perr := o.sites.Put(prev); perr != nil {
		logger.Error("failed to record error of %s: %v", prev.Domain, perr)
	}
	return err
}

// RollbackDeployment switches the site back to its previous release. The
// vhost follows if the previous release serves from another directory.
func (o *Orchestrator) RollbackDeployment(ctx context.Context, domain string) (string, error) {
	unlock, err := o.tryLock(domain)
	if err != nil {
		return "", err
	}
	defer unlock()

	s, err := o.sites.Get(domain)
	if err != nil {
		return "", err
	}
	release, err := o.pipeline.Rollback(domain)
	if err != nil {
		return "", err
	}

	framework := deploy.Detect(release)
	next := s.Clone()
	next.Framework = framework
	next.PublicDir = deploy.PublicDir(framework, release)
	next.LastDeployment = &site.DeploymentSummary{
		ID:        filepath.Base(release),
		Outcome:   "rolled_back",
		Framework: framework,
		Release:   release,
		At:        o.now(),
	}
	next.UpdatedAt = o.now()
	if next.ServeRoot() != s.ServeRoot() {
		if err := o.reapply(ctx, s, next); err != nil {
			return release, err
		}
	}
	if err := o.sites.Put(next); err != nil {
		return release, err
	}
	return release, nil
}
