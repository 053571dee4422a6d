package orchestrator

import (
	"context"
	"slices"

	"gopkg.in/yaml.v3"

	"github.com/ksyq12/sitectl/internal/errors"
	"github.com/ksyq12/sitectl/internal/logger"
	"github.com/ksyq12/sitectl/internal/site"
	"github.com/ksyq12/sitectl/internal/store"
	"github.com/ksyq12/sitectl/internal/template"
)

// render produces the store entries that bring next live. prev is the
// site as it is on disk now, nil for a new site; files it owned that next
// no longer needs are removed.
func (o *Orchestrator) render(prev, next *site.Site) (map[string]store.File, error) {
	params := map[string]string{
		"Domain":        next.Domain,
		"Root":          next.ServeRoot(),
		"ChallengeRoot": o.cfg.SSL.ChallengeRoot,
	}
	if next.UsesPHP() {
		params["PHPSocket"] = o.php.SocketPath(next.PHPVersion, next.Domain)
	}
	if next.ProxyPass != "" {
		params["ProxyPass"] = next.ProxyPass
	}
	if next.SSLState == site.SSLActive || next.SSLState == site.SSLRenewalFailed || next.SSLState == site.SSLExpired {
		params["SSLCert"], params["SSLKey"] = o.certs.Paths(next.Domain)
	}

	vhost, err := template.Render(template.NginxVhost, params)
	if err != nil {
		return nil, err
	}
	files := o.web.VhostFiles(next.Domain, vhost)
	if next.Disabled {
		for p, f := range files {
			if f.Link != "" {
				files[p] = store.Removed()
			}
		}
	}

	if next.UsesPHP() {
		pool, err := template.Render(template.PHPFPMPool, map[string]string{
			"Domain":     next.Domain,
			"Pool":       o.php.PoolName(next.Domain),
			"User":       o.webUser(),
			"Socket":     o.php.SocketPath(next.PHPVersion, next.Domain),
			"Root":       next.BaseDir(),
			"PHPVersion": next.PHPVersion,
		})
		if err != nil {
			return nil, err
		}
		files[o.php.PoolPath(next.PHPVersion, next.Domain)] = store.Regular(pool)
	}

	if prev != nil {
		if prev.Domain != next.Domain {
			for p, f := range o.web.RemovalFiles(prev.Domain) {
				files[p] = f
			}
		}
		if prev.UsesPHP() {
			old := o.php.PoolPath(prev.PHPVersion, prev.Domain)
			if _, kept := files[old]; !kept {
				files[old] = store.Removed()
			}
		}
	}
	return files, nil
}

// removal returns the store entries that take s offline.
func (o *Orchestrator) removal(s *site.Site) map[string]store.File {
	files := o.web.RemovalFiles(s.Domain)
	if s.UsesPHP() {
		files[o.php.PoolPath(s.PHPVersion, s.Domain)] = store.Removed()
	}
	return files
}

func (o *Orchestrator) webUser() string {
	if o.cfg.WebUser != "" {
		return o.cfg.WebUser
	}
	return "www-data"
}

// phpVersions returns the distinct PHP versions whose pools the sites
// touch, in a stable order.
func phpVersions(sites ...*site.Site) []string {
	var versions []string
	for _, s := range sites {
		if s != nil && s.UsesPHP() && !slices.Contains(versions, s.PHPVersion) {
			versions = append(versions, s.PHPVersion)
		}
	}
	slices.Sort(versions)
	return versions
}

// configRecord is what one config version was rendered from. It is kept
// with the snapshot so a config rollback can restore the site fields that
// match the restored files.
type configRecord struct {
	Domain     string         `yaml:"domain"`
	PHPVersion string         `yaml:"php_version"`
	Framework  site.Framework `yaml:"framework"`
	PublicDir  string         `yaml:"public_dir,omitempty"`
	ProxyPass  string         `yaml:"proxy_pass,omitempty"`
	SSL        bool           `yaml:"ssl,omitempty"`
	Disabled   bool           `yaml:"disabled,omitempty"`
}

func recordOf(s *site.Site) string {
	if s == nil {
		return ""
	}
	raw, err := yaml.Marshal(configRecord{
		Domain:     s.Domain,
		PHPVersion: s.PHPVersion,
		Framework:  s.Framework,
		PublicDir:  s.PublicDir,
		ProxyPass:  s.ProxyPass,
		SSL:        referencesCert(s),
		Disabled:   s.Disabled,
	})
	if err != nil {
		return ""
	}
	return string(raw)
}

func parseRecord(raw string) (*configRecord, bool) {
	if raw == "" {
		return nil, false
	}
	var rec configRecord
	if err := yaml.Unmarshal([]byte(raw), &rec); err != nil || rec.Domain == "" {
		return nil, false
	}
	return &rec, true
}

// change is one config transaction: files move domain to the state of
// next, undo restores the version that was applied before.
type change struct {
	domain   string
	versions []string
	files    map[string]store.File
	record   string
	undo     func() error
}

// writeChange is the change that writes files for next through the
// config store. next is nil for a removal.
func (o *Orchestrator) writeChange(domain string, versions []string, files map[string]store.File, next *site.Site) (*change, error) {
	head, _, err := o.store.Head(domain)
	if err != nil {
		return nil, err
	}
	return &change{
		domain:   domain,
		versions: versions,
		files:    files,
		record:   recordOf(next),
		undo:     func() error { return o.store.Rollback(domain, head) },
	}, nil
}

// apply runs c inside the host-wide critical section: dry-run every
// affected service against a staged copy of its config with c's files in
// place, write, then reload php-fpm pools before nginx.
//
// A failed dry-run writes nothing and is reported as VALIDATION wrapping
// the SYNTAX error. A failed reload undoes the write and reloads again so
// the services pick the known-good config back up; if the failed reload
// left the live state undefined, or the second reload fails too, the
// result is FATAL_SERVICE.
func (o *Orchestrator) apply(ctx context.Context, c *change) (int, error) {
	unlock, err := o.lockApply(ctx)
	if err != nil {
		return 0, err
	}
	defer unlock()

	if err := o.validate(ctx, c); err != nil {
		if errors.Is(err, errors.ErrSyntax) {
			return 0, errors.WrapDomain(errors.ErrCodeValidation, c.domain, "rendered config rejected", err)
		}
		return 0, err
	}

	version, err := o.store.WriteRecord(c.domain, c.files, c.record)
	if err != nil {
		return 0, err
	}

	if err := o.reload(ctx, c.versions); err != nil {
		logger.ErrorFields("reload failed, rolling back", map[string]interface{}{
			"domain":  c.domain,
			"version": version,
			"error":   err.Error(),
		})
		rbErr := o.undo(c)
		if rbErr == nil {
			// the context may be what failed the first reload
			rbErr = o.reload(context.WithoutCancel(ctx), c.versions)
		}
		if rbErr != nil {
			return 0, errors.WrapDomain(errors.ErrCodeFatalService, c.domain,
				"re-applying the previous config failed, operator action required", rbErr)
		}
		if errors.IsUndefinedReload(err) {
			return 0, errors.WrapDomain(errors.ErrCodeFatalService, c.domain,
				"live config was left undefined by a failed reload", err)
		}
		return 0, err
	}
	return version, nil
}

func (o *Orchestrator) undo(c *change) error {
	head, _, _ := o.store.Head(c.domain)
	if err := c.undo(); err != nil {
		logger.ErrorFields("config rollback failed", map[string]interface{}{
			"domain": c.domain,
			"error":  err.Error(),
		})
		return err
	}
	restored, _, _ := o.store.Head(c.domain)
	logger.WarnFields("config rolled back", map[string]interface{}{
		"domain": c.domain,
		"from":   head,
		"to":     restored,
	})
	return nil
}

// validate dry-runs nginx and each affected php-fpm version against
// staged copies of their config trees with c's files applied.
func (o *Orchestrator) validate(ctx context.Context, c *change) error {
	if err := o.web.ValidateStaged(ctx, c.files); err != nil {
		return err
	}
	for _, v := range c.versions {
		if err := o.php.ValidateStaged(ctx, v, c.files); err != nil {
			return err
		}
	}
	return nil
}

// reload reloads the pools first so a vhost never points at a socket
// that does not exist yet.
func (o *Orchestrator) reload(ctx context.Context, versions []string) error {
	for _, v := range versions {
		if err := o.php.Reload(ctx, v); err != nil {
			return err
		}
	}
	return o.web.Reload(ctx)
}

// reloadWeb validates and reloads nginx without a config change, after
// certificate files were replaced in place.
func (o *Orchestrator) reloadWeb(ctx context.Context) error {
	unlock, err := o.lockApply(ctx)
	if err != nil {
		return err
	}
	defer unlock()
	if err := o.web.Validate(ctx); err != nil {
		return err
	}
	return o.web.Reload(ctx)
}
