package orchestrator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/ksyq12/sitectl/internal/deploy"
	"github.com/ksyq12/sitectl/internal/errors"
	"github.com/ksyq12/sitectl/internal/logger"
	"github.com/ksyq12/sitectl/internal/platform"
	"github.com/ksyq12/sitectl/internal/site"
	"github.com/ksyq12/sitectl/internal/ssl"
	"github.com/ksyq12/sitectl/internal/template"
)

// checkPHP verifies that version is configured and its php-fpm package
// is installed. It runs before anything is written.
func (o *Orchestrator) checkPHP(ctx context.Context, version string) error {
	if version == "" || version == site.PHPNone {
		return nil
	}
	if !platform.ValidPHPVersion(version) || !o.cfg.SupportsPHP(version) {
		return errors.Validationf("unsupported PHP version %q (supported: %s)",
			version, strings.Join(o.cfg.PHP.Versions, ", "))
	}
	ok, err := o.packages.IsInstalled(ctx, platform.ComponentPHPFPM, version)
	if err != nil {
		return errors.Wrap(errors.ErrCodeInternal, "failed to query installed packages", err)
	}
	if !ok {
		return errors.Validationf("PHP-FPM %s is not installed", version)
	}
	return nil
}

// Create provisions a new site: vhost and pool go live in one
// transaction, then the optional certificate and deployment run. A
// failure of those optional steps is recorded on the site, which stays
// active.
func (o *Orchestrator) Create(ctx context.Context, p CreateParams) (*site.Site, error) {
	if err := p.validate(); err != nil {
		return nil, err
	}
	unlock, err := o.tryLock(p.Domain)
	if err != nil {
		return nil, err
	}
	defer unlock()

	existing, err := o.sites.Get(p.Domain)
	switch {
	case err == nil && existing.Status != site.StatusFailed:
		return nil, errors.AlreadyExists(p.Domain)
	case err != nil && !errors.Is(err, errors.ErrNotFound):
		return nil, err
	}

	if p.PHPVersion == "" {
		p.PHPVersion = o.cfg.DefaultPHP
	}
	if err := o.checkPHP(ctx, p.PHPVersion); err != nil {
		return nil, err
	}
	if p.Source.Kind == "" {
		p.Source.Kind = site.SourceNone
	}
	declared := p.Framework
	if p.Framework == "" {
		p.Framework = site.FrameworkStatic
	}

	now := o.now()
	s := &site.Site{
		Domain:       p.Domain,
		DocumentRoot: o.pipeline.DocumentRoot(p.Domain),
		PHPVersion:   p.PHPVersion,
		SSLState:     site.SSLNone,
		Source:       p.Source,
		Framework:    p.Framework,
		PublicDir:    p.Framework.PublicDir(),
		ProxyPass:    p.ProxyPass,
		Status:       site.StatusCreating,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if existing != nil {
		s.CreatedAt = existing.CreatedAt
	}

	files, err := o.render(existing, s)
	if err != nil {
		return nil, err
	}
	if err := o.sites.Put(s); err != nil {
		return nil, err
	}

	fresh := false
	if cur, _ := o.pipeline.Current(s.Domain); cur == "" {
		fresh = true
		if err := o.placeholder(ctx, s.Domain); err != nil {
			o.forget(s, existing, fresh)
			return nil, errors.WrapDomain(errors.ErrCodeInternal, s.Domain, "failed to create document root", err)
		}
	}

	c, err := o.writeChange(s.Domain, phpVersions(existing, s), files, s)
	if err != nil {
		o.forget(s, existing, fresh)
		return nil, err
	}
	version, err := o.apply(ctx, c)
	if err != nil {
		if errors.Is(err, errors.ErrFatalService) {
			return nil, o.markFailed(s, err)
		}
		o.forget(s, existing, fresh)
		return nil, err
	}

	s.ConfigVersion = version
	s.Status = site.StatusActive
	s.LastError = ""
	s.UpdatedAt = o.now()
	if err := o.sites.Put(s); err != nil {
		return nil, err
	}
	logger.InfoFields("site created", map[string]interface{}{
		"domain":  s.Domain,
		"php":     s.PHPVersion,
		"version": version,
	})
	o.autoPrune(s.Domain)

	if p.SSL != "" {
		_ = o.issue(ctx, s, ssl.Method(p.SSL))
	}
	if p.Deploy && s.Source.Kind != site.SourceNone {
		_, _ = o.deployLocked(ctx, s, deploy.Request{Domain: s.Domain, Source: s.Source, Framework: declared})
	}
	return o.sites.Get(s.Domain)
}

// forget undoes the bookkeeping of a create that never went live.
func (o *Orchestrator) forget(s, existing *site.Site, fresh bool) {
	if existing != nil {
		_ = o.sites.Put(existing)
	} else {
		_ = o.sites.Delete(s.Domain)
		if err := o.store.Purge(s.Domain); err != nil {
			logger.Warn("failed to purge snapshots of %s: %v", s.Domain, err)
		}
	}
	if fresh {
		if err := o.removeBase(s.Domain); err != nil {
			logger.Warn("failed to remove %s: %v", o.pipeline.BaseDir(s.Domain), err)
		}
	}
}

// markFailed records a fatal service error on s.
func (o *Orchestrator) markFailed(s *site.Site, cause error) error {
	s.Status = site.StatusFailed
	s.LastError = cause.Error()
	s.UpdatedAt = o.now()
	if err := o.sites.Put(s); err != nil {
		logger.Error("failed to record failed state of %s: %v", s.Domain, err)
	}
	logger.ErrorFields("site marked failed", map[string]interface{}{
		"domain": s.Domain,
		"error":  cause.Error(),
	})
	return cause
}

func (o *Orchestrator) placeholder(ctx context.Context, domain string) error {
	index, err := template.Render(template.SitePlaceholder, map[string]string{"Domain": domain})
	if err != nil {
		return err
	}
	_, err = o.pipeline.Init(ctx, domain, []byte(index))
	return err
}

func (o *Orchestrator) autoPrune(domain string) {
	if _, err := o.store.Prune(domain, o.cfg.Store.KeepSnapshots); err != nil {
		logger.Warn("failed to prune snapshots of %s: %v", domain, err)
	}
}

// Update changes the parameters of an active site. Only the parts that
// depend on the changed fields are re-rendered; the transactional
// envelope is the same as Create.
func (o *Orchestrator) Update(ctx context.Context, domain string, p UpdateParams) (*site.Site, error) {
	if err := p.validate(); err != nil {
		return nil, err
	}
	if p.empty() {
		return nil, errors.Validation("nothing to update")
	}
	unlock, err := o.tryLock(domain)
	if err != nil {
		return nil, err
	}
	defer unlock()

	cur, err := o.sites.Get(domain)
	if err != nil {
		return nil, err
	}
	if cur.Status != site.StatusActive {
		return nil, errors.WrapDomain(errors.ErrCodeConflict, domain,
			fmt.Sprintf("site is %s; only delete or a fresh create are allowed", cur.Status), nil)
	}

	next := cur.Clone()
	var declared site.Framework
	var method ssl.Method
	disableSSL := false
	if p.PHPVersion != nil {
		if err := o.checkPHP(ctx, *p.PHPVersion); err != nil {
			return nil, err
		}
		next.PHPVersion = *p.PHPVersion
	}
	if p.ProxyPass != nil {
		if *p.ProxyPass != "" {
			if err := checker.Var(*p.ProxyPass, "url,startswith=http"); err != nil {
				return nil, errors.Validationf("invalid proxy_pass %q", *p.ProxyPass)
			}
		}
		next.ProxyPass = *p.ProxyPass
	}
	if p.Source != nil {
		next.Source = *p.Source
		if next.Source.Kind == "" {
			next.Source.Kind = site.SourceNone
		}
	}
	if p.Framework != nil {
		declared = *p.Framework
		next.Framework = *p.Framework
		next.PublicDir = next.Framework.PublicDir()
	}
	if next.ProxyPass != "" && next.Source.Kind != "" && next.Source.Kind != site.SourceNone {
		return nil, errors.Validation("a proxied site cannot also take deployments")
	}
	if p.SSL != nil {
		if *p.SSL == "none" {
			disableSSL = cur.SSLState != site.SSLNone
			next.SSLState = site.SSLNone
			next.SSLMethod = ""
			next.SSLError = ""
		} else if m := ssl.Method(*p.SSL); m != ssl.Method(cur.SSLMethod) || cur.SSLState != site.SSLActive {
			method = m
		}
	}

	files, err := o.render(cur, next)
	if err != nil {
		return nil, err
	}

	updating := cur.Clone()
	updating.Status = site.StatusUpdating
	updating.UpdatedAt = o.now()
	if err := o.sites.Put(updating); err != nil {
		return nil, err
	}

	c, err := o.writeChange(domain, phpVersions(cur, next), files, next)
	if err != nil {
		_ = o.sites.Put(cur)
		return nil, err
	}
	version, err := o.apply(ctx, c)
	if err != nil {
		if errors.Is(err, errors.ErrFatalService) {
			return nil, o.markFailed(next, err)
		}
		cur.LastError = err.Error()
		cur.UpdatedAt = o.now()
		_ = o.sites.Put(cur)
		return nil, err
	}

	next.ConfigVersion = version
	next.Status = site.StatusActive
	next.LastError = ""
	next.UpdatedAt = o.now()
	if err := o.sites.Put(next); err != nil {
		return nil, err
	}
	logger.InfoFields("site updated", map[string]interface{}{
		"domain":  domain,
		"version": version,
	})
	o.autoPrune(domain)

	if disableSSL {
		if err := o.certs.Release(domain); err != nil {
			logger.Warn("failed to release certificate of %s: %v", domain, err)
		}
	}
	if method != "" {
		_ = o.issue(ctx, next, method)
	}
	if p.Deploy && next.Source.Kind != site.SourceNone {
		_, _ = o.deployLocked(ctx, next, deploy.Request{Domain: domain, Source: next.Source, Framework: declared})
	}
	return o.sites.Get(domain)
}

// Delete takes the site offline with a validated reload of the config
// removal, then releases its certificate and removes its files, snapshots
// and history. It cannot be undone.
func (o *Orchestrator) Delete(ctx context.Context, domain string) error {
	unlock, err := o.tryLock(domain)
	if err != nil {
		return err
	}
	defer unlock()

	cur, err := o.sites.Get(domain)
	if err != nil {
		return err
	}
	release, err := o.reserveDeployments(domain)
	if err != nil {
		return err
	}
	defer release()

	prevStatus := cur.Status
	cur.Status = site.StatusDeleting
	cur.UpdatedAt = o.now()
	if err := o.sites.Put(cur); err != nil {
		return err
	}

	c, err := o.writeChange(domain, phpVersions(cur), o.removal(cur), nil)
	if err != nil {
		cur.Status = prevStatus
		_ = o.sites.Put(cur)
		return err
	}
	if _, err := o.apply(ctx, c); err != nil {
		if errors.Is(err, errors.ErrFatalService) {
			return o.markFailed(cur, err)
		}
		cur.Status = prevStatus
		cur.LastError = err.Error()
		_ = o.sites.Put(cur)
		return err
	}

	// past this point the site is offline; cleanup failures are logged
	if err := o.certs.Release(domain); err != nil {
		logger.Warn("failed to release certificate of %s: %v", domain, err)
	} else if err := o.certs.Delete(ctx, domain); err != nil {
		logger.Warn("failed to delete certificate of %s: %v", domain, err)
	}
	if err := o.removeBase(domain); err != nil {
		logger.Warn("failed to remove %s: %v", o.pipeline.BaseDir(domain), err)
	}
	if err := o.store.Purge(domain); err != nil {
		logger.Warn("%v", err)
	}
	if err := o.pipeline.History().Purge(domain); err != nil {
		logger.Warn("failed to purge deployment history of %s: %v", domain, err)
	}
	if err := o.sites.Delete(domain); err != nil {
		return err
	}
	logger.InfoFields("site deleted", map[string]interface{}{"domain": domain})
	return nil
}

// reserveDeployments keeps the pipeline off domain while its release
// tree or history is moved or removed. A running deployment is a
// CONFLICT.
func (o *Orchestrator) reserveDeployments(domain string) (func(), error) {
	release, err := o.pipeline.Reserve(domain)
	if errors.Is(err, errors.ErrDeploymentInProgress) {
		return nil, errors.WrapDomain(errors.ErrCodeConflict, domain, "a deployment is running", err)
	}
	return release, err
}

// removeBase removes <web_root>/<domain>, refusing anything that does not
// resolve to a direct child of the web root.
func (o *Orchestrator) removeBase(domain string) error {
	base := filepath.Clean(o.pipeline.BaseDir(domain))
	root := filepath.Clean(o.cfg.WebRoot)
	if filepath.Dir(base) != root || base == root || domain == "" || strings.Contains(domain, "/") {
		return fmt.Errorf("refusing to remove %s outside %s", base, root)
	}
	return os.RemoveAll(base)
}

// Rename moves a site to a new domain: files, snapshots and history move
// with it, and the old vhost and pool are replaced by the new ones in one
// transaction. The certificate of the old domain is released and must be
// re-issued for the new name.
func (o *Orchestrator) Rename(ctx context.Context, oldDomain, newDomain string) (*site.Site, error) {
	newDomain = strings.ToLower(strings.TrimSpace(newDomain))
	if err := checkDomain(newDomain); err != nil {
		return nil, err
	}
	if oldDomain == newDomain {
		return nil, errors.Validation("new domain equals the current one")
	}
	unlockOld, err := o.tryLock(oldDomain)
	if err != nil {
		return nil, err
	}
	defer unlockOld()
	unlockNew, err := o.tryLock(newDomain)
	if err != nil {
		return nil, err
	}
	defer unlockNew()

	cur, err := o.sites.Get(oldDomain)
	if err != nil {
		return nil, err
	}
	if cur.Status != site.StatusActive {
		return nil, errors.WrapDomain(errors.ErrCodeConflict, oldDomain, fmt.Sprintf("site is %s", cur.Status), nil)
	}
	release, err := o.reserveDeployments(oldDomain)
	if err != nil {
		return nil, err
	}
	defer release()
	if ok, err := o.sites.Exists(newDomain); err != nil {
		return nil, err
	} else if ok {
		return nil, errors.AlreadyExists(newDomain)
	}
	if _, err := os.Lstat(o.pipeline.BaseDir(newDomain)); err == nil {
		return nil, errors.WrapDomain(errors.ErrCodeConflict, newDomain, "document root directory already exists", nil)
	}

	next := cur.Clone()
	next.Domain = newDomain
	next.DocumentRoot = o.pipeline.DocumentRoot(newDomain)
	next.SSLState = site.SSLNone
	next.SSLMethod = ""
	next.SSLError = ""

	files, err := o.render(cur, next)
	if err != nil {
		return nil, err
	}

	oldBase, newBase := o.pipeline.BaseDir(oldDomain), o.pipeline.BaseDir(newDomain)
	moves := []struct {
		do, undo func() error
	}{
		{func() error { return renameIfExists(oldBase, newBase) }, func() error { return renameIfExists(newBase, oldBase) }},
		{func() error { return o.store.Rename(oldDomain, newDomain) }, func() error { return o.store.Rename(newDomain, oldDomain) }},
		{func() error { return o.pipeline.History().Rename(oldDomain, newDomain) }, func() error { return o.pipeline.History().Rename(newDomain, oldDomain) }},
	}
	done := 0
	revert := func() {
		for i := done - 1; i >= 0; i-- {
			if err := moves[i].undo(); err != nil {
				logger.Error("failed to revert rename of %s: %v", oldDomain, err)
			}
		}
	}
	for _, m := range moves {
		if err := m.do(); err != nil {
			revert()
			return nil, errors.WrapDomain(errors.ErrCodeInternal, oldDomain, "failed to move site files", err)
		}
		done++
	}

	c, err := o.writeChange(newDomain, phpVersions(cur, next), files, next)
	if err != nil {
		revert()
		return nil, err
	}
	version, err := o.apply(ctx, c)
	if err != nil {
		revert()
		if errors.Is(err, errors.ErrFatalService) {
			return nil, o.markFailed(cur, err)
		}
		return nil, err
	}

	next.ConfigVersion = version
	next.UpdatedAt = o.now()
	if err := o.sites.Rename(oldDomain, next); err != nil {
		return nil, err
	}
	if cur.SSLState != site.SSLNone {
		if err := o.certs.Release(oldDomain); err != nil {
			logger.Warn("failed to release certificate of %s: %v", oldDomain, err)
		} else if err := o.certs.Delete(ctx, oldDomain); err != nil {
			logger.Warn("failed to delete certificate of %s: %v", oldDomain, err)
		}
	}
	logger.InfoFields("site renamed", map[string]interface{}{
		"from":    oldDomain,
		"to":      newDomain,
		"version": version,
	})
	return next, nil
}

func renameIfExists(from, to string) error {
	if _, err := os.Lstat(from); os.IsNotExist(err) {
		return nil
	}
	return os.Rename(from, to)
}

// RollbackConfig makes the config files of snapshot version live again
// as a new version, and restores the site fields they were rendered
// from. HEAD only moves forward, so files a later version added (a pool
// of another PHP version, for example) are tracked as removed by the new
// version. If the restored config does not validate or reload, the
// current one stays.
func (o *Orchestrator) RollbackConfig(ctx context.Context, domain string, version int) (*site.Site, error) {
	unlock, err := o.tryLock(domain)
	if err != nil {
		return nil, err
	}
	defer unlock()

	cur, err := o.sites.Get(domain)
	if err != nil {
		return nil, err
	}
	snap, err := o.store.Get(domain, version)
	if err != nil {
		return nil, err
	}
	rec, ok := parseRecord(snap.Record)
	if !ok {
		return nil, errors.Validationf("snapshot %d of %s does not describe a site config; delete the site instead", version, domain)
	}
	if rec.Domain != domain {
		return nil, errors.Validationf("snapshot %d was written for %s before the site was renamed", version, rec.Domain)
	}
	if rec.PHPVersion != cur.PHPVersion {
		if err := o.checkPHP(ctx, rec.PHPVersion); err != nil {
			return nil, err
		}
	}

	restored := cur.Clone()
	restored.PHPVersion = rec.PHPVersion
	restored.Framework = rec.Framework
	restored.PublicDir = rec.PublicDir
	restored.ProxyPass = rec.ProxyPass
	restored.Disabled = rec.Disabled
	reference, release := false, false
	switch {
	case rec.SSL && !referencesCert(cur):
		c, err := o.certs.Get(domain)
		if err != nil || !c.Installed() {
			return nil, errors.Validationf("snapshot %d serves TLS but %s has no installed certificate", version, domain)
		}
		restored.SSLState = site.SSLActive
		if c.State == ssl.StateExpired {
			restored.SSLState = site.SSLExpired
		}
		restored.SSLMethod = string(c.Method)
		reference = true
	case !rec.SSL && referencesCert(cur):
		restored.SSLState = site.SSLNone
		restored.SSLMethod = ""
		restored.SSLError = ""
		release = true
	}

	files, err := o.store.StateAt(domain, version)
	if err != nil {
		return nil, err
	}
	c, err := o.writeChange(domain, phpVersions(cur, restored), files, restored)
	if err != nil {
		return nil, err
	}
	newVersion, err := o.apply(ctx, c)
	if err != nil {
		if errors.Is(err, errors.ErrFatalService) {
			return nil, o.markFailed(cur, err)
		}
		return nil, err
	}
	logger.InfoFields("config rolled back", map[string]interface{}{
		"domain":   domain,
		"from":     cur.ConfigVersion,
		"restored": version,
		"version":  newVersion,
	})

	if reference {
		if err := o.certs.Reference(domain); err != nil {
			logger.Warn("failed to reference certificate of %s: %v", domain, err)
		}
	}
	if release {
		if err := o.certs.Release(domain); err != nil {
			logger.Warn("failed to release certificate of %s: %v", domain, err)
		}
	}

	restored.ConfigVersion = newVersion
	restored.Status = site.StatusActive
	restored.LastError = ""
	restored.UpdatedAt = o.now()
	if err := o.sites.Put(restored); err != nil {
		return nil, err
	}
	o.autoPrune(domain)
	return restored, nil
}

// Enable links the vhost of a disabled site back into the enabled
// directory.
func (o *Orchestrator) Enable(ctx context.Context, domain string) (*site.Site, error) {
	return o.setDisabled(ctx, domain, false)
}

// Disable takes a site offline by removing its enable link. The vhost,
// pool, releases and certificate stay in place.
func (o *Orchestrator) Disable(ctx context.Context, domain string) (*site.Site, error) {
	return o.setDisabled(ctx, domain, true)
}

func (o *Orchestrator) setDisabled(ctx context.Context, domain string, disabled bool) (*site.Site, error) {
	unlock, err := o.tryLock(domain)
	if err != nil {
		return nil, err
	}
	defer unlock()

	cur, err := o.sites.Get(domain)
	if err != nil {
		return nil, err
	}
	if cur.Status != site.StatusActive {
		return nil, errors.WrapDomain(errors.ErrCodeConflict, domain, fmt.Sprintf("site is %s", cur.Status), nil)
	}
	if cur.Disabled == disabled {
		return cur, nil
	}
	linked := false
	for _, f := range o.web.VhostFiles(domain, "") {
		linked = linked || f.Link != ""
	}
	if !linked {
		return nil, errors.Validationf("%s serves every vhost it finds; there is no enable link to remove", o.web.Name())
	}

	next := cur.Clone()
	next.Disabled = disabled
	files, err := o.render(cur, next)
	if err != nil {
		return nil, err
	}
	c, err := o.writeChange(domain, phpVersions(cur), files, next)
	if err != nil {
		return nil, err
	}
	version, err := o.apply(ctx, c)
	if err != nil {
		if errors.Is(err, errors.ErrFatalService) {
			return nil, o.markFailed(cur, err)
		}
		return nil, err
	}

	next.ConfigVersion = version
	next.UpdatedAt = o.now()
	if err := o.sites.Put(next); err != nil {
		return nil, err
	}
	logger.InfoFields("site availability changed", map[string]interface{}{
		"domain":   domain,
		"disabled": disabled,
		"version":  version,
	})
	o.autoPrune(domain)
	return next, nil
}
