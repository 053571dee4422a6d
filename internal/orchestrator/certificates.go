package orchestrator

import (
	"context"
	"fmt"

	"github.com/ksyq12/sitectl/internal/errors"
	"github.com/ksyq12/sitectl/internal/logger"
	"github.com/ksyq12/sitectl/internal/site"
	"github.com/ksyq12/sitectl/internal/ssl"
)

// referencesCert reports whether the rendered vhost of s points at its
// certificate files.
func referencesCert(s *site.Site) bool {
	switch s.SSLState {
	case site.SSLActive, site.SSLRenewalFailed, site.SSLExpired:
		return true
	}
	return false
}

// issue obtains a certificate for s and switches its vhost to TLS. The
// caller holds the domain lock. Failures downgrade the ssl state of s,
// never its status, unless the reload turns fatal.
func (o *Orchestrator) issue(ctx context.Context, s *site.Site, method ssl.Method) error {
	prevState := s.SSLState
	s.SSLMethod = string(method)
	s.SSLError = ""
	if !referencesCert(s) {
		s.SSLState = site.SSLPending
	}
	if err := o.sites.Put(s); err != nil {
		return err
	}

	fail := func(err error) error {
		s.SSLError = err.Error()
		if referencesCert(&site.Site{SSLState: prevState}) {
			s.SSLState = prevState
		} else {
			s.SSLState = site.SSLNone
		}
		s.UpdatedAt = o.now()
		if perr := o.sites.Put(s); perr != nil {
			logger.Error("failed to record ssl state of %s: %v", s.Domain, perr)
		}
		logger.WarnFields("certificate issuance failed", map[string]interface{}{
			"domain": s.Domain,
			"method": string(method),
			"code":   string(errors.CodeOf(err)),
			"error":  err.Error(),
		})
		return err
	}

	cert, err := o.certs.Issue(ctx, s.Domain, method)
	if err != nil {
		return fail(err)
	}
	if err := o.certs.Reference(s.Domain); err != nil {
		return fail(err)
	}

	if referencesCert(&site.Site{SSLState: prevState}) {
		// same paths, new files: a reload picks them up
		if err := o.reloadWeb(ctx); err != nil {
			return fail(err)
		}
	} else {
		next := s.Clone()
		next.SSLState = site.SSLActive
		files, err := o.render(s, next)
		if err != nil {
			_ = o.certs.Release(s.Domain)
			return fail(err)
		}
		c, err := o.writeChange(s.Domain, phpVersions(s), files, next)
		if err != nil {
			_ = o.certs.Release(s.Domain)
			return fail(err)
		}
		version, err := o.apply(ctx, c)
		if err != nil {
			_ = o.certs.Release(s.Domain)
			if errors.Is(err, errors.ErrFatalService) {
				s.SSLState = site.SSLNone
				return o.markFailed(s, err)
			}
			return fail(err)
		}
		s.ConfigVersion = version
	}

	s.SSLState = site.SSLActive
	s.SSLError = ""
	if !cert.Trusted {
		s.SSLError = "self-signed certificate, browsers will not trust it"
	}
	s.UpdatedAt = o.now()
	if err := o.sites.Put(s); err != nil {
		return err
	}
	logger.InfoFields("certificate installed", map[string]interface{}{
		"domain":    s.Domain,
		"method":    string(method),
		"not_after": cert.NotAfter.Format("2006-01-02"),
	})
	return nil
}

// IssueCertificate issues (or re-issues) a certificate for an active
// site. An empty method uses the configured default.
func (o *Orchestrator) IssueCertificate(ctx context.Context, domain string, method string) (*site.Site, error) {
	if method == "" {
		method = o.cfg.SSL.Method
	}
	m, err := ssl.ParseMethod(method)
	if err != nil {
		return nil, err
	}
	unlock, err := o.tryLock(domain)
	if err != nil {
		return nil, err
	}
	defer unlock()

	s, err := o.sites.Get(domain)
	if err != nil {
		return nil, err
	}
	if s.Status != site.StatusActive {
		return nil, errors.WrapDomain(errors.ErrCodeConflict, domain, fmt.Sprintf("site is %s", s.Status), nil)
	}
	if err := o.issue(ctx, s, m); err != nil {
		return s, err
	}
	return s, nil
}

// RenewCertificates renews every due certificate, reloads nginx once if
// any file changed and mirrors the resulting states onto the sites.
func (o *Orchestrator) RenewCertificates(ctx context.Context) ([]ssl.RenewResult, error) {
	results, err := o.certs.RenewAll(ctx)

	renewed := false
	for _, r := range results {
		renewed = renewed || r.Renewed
	}
	if renewed {
		if rerr := o.reloadWeb(ctx); rerr != nil {
			logger.Error("reload after certificate renewal failed: %v", rerr)
			if err == nil {
				err = rerr
			}
		}
	}

	for _, r := range results {
		o.recordRenewal(r)
	}
	return results, err
}

func (o *Orchestrator) recordRenewal(r ssl.RenewResult) {
	unlock, err := o.tryLock(r.Domain)
	if err != nil {
		logger.Debug("skipping ssl state update of busy site %s", r.Domain)
		return
	}
	defer unlock()

	s, err := o.sites.Get(r.Domain)
	if err != nil {
		return
	}
	c, err := o.certs.Get(r.Domain)
	if err != nil {
		return
	}
	switch c.State {
	case ssl.StateActive, ssl.StateRenewalFailed, ssl.StateExpired:
		if !referencesCert(s) {
			return
		}
		s.SSLState = site.SSLState(c.State)
	default:
		return
	}
	s.SSLError = ""
	if r.Err != nil {
		s.SSLError = r.Err.Error()
	}
	s.UpdatedAt = o.now()
	if err := o.sites.Put(s); err != nil {
		logger.Warn("failed to record ssl state of %s: %v", s.Domain, err)
	}
}
