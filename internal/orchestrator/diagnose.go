package orchestrator

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/ksyq12/sitectl/internal/site"
	"github.com/ksyq12/sitectl/internal/ssl"
)

// Check statuses.
const (
	CheckOK    = "success"
	CheckWarn  = "warning"
	CheckError = "error"
)

// Check is a single diagnostic result.
type Check struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

// SiteHealth groups the checks of one site.
type SiteHealth struct {
	Domain string      `json:"domain"`
	Status site.Status `json:"status"`
	Checks []Check     `json:"checks"`
}

// Health is the result of Diagnose.
type Health struct {
	Services []Check      `json:"services"`
	Sites    []SiteHealth `json:"sites"`
}

// Worst returns the most severe status in checks.
func Worst(checks []Check) string {
	worst := CheckOK
	for _, c := range checks {
		switch {
		case c.Status == CheckError:
			return CheckError
		case c.Status == CheckWarn:
			worst = CheckWarn
		}
	}
	return worst
}

// Diagnose checks the managed services and every site without changing
// anything.
func (o *Orchestrator) Diagnose(ctx context.Context) (*Health, error) {
	sites, err := o.List()
	if err != nil {
		return nil, err
	}
	h := &Health{Services: o.serviceChecks(ctx, sites)}
	for _, s := range sites {
		h.Sites = append(h.Sites, SiteHealth{
			Domain: s.Domain,
			Status: s.Status,
			Checks: o.siteChecks(s),
		})
	}
	return h, nil
}

func (o *Orchestrator) serviceChecks(ctx context.Context, sites []*site.Site) []Check {
	var checks []Check
	name := o.web.Name()

	if err := o.web.Validate(ctx); err != nil {
		checks = append(checks, Check{CheckError, fmt.Sprintf("%s config test failed: %v", name, err)})
	} else {
		checks = append(checks, Check{CheckOK, name + " config syntax OK"})
	}
	if active, err := o.web.IsActive(ctx); err != nil || !active {
		checks = append(checks, Check{CheckError, name + " is not running"})
	} else {
		checks = append(checks, Check{CheckOK, name + " is running"})
	}

	for _, v := range phpVersions(sites...) {
		if active, err := o.php.IsActive(ctx, v); err != nil || !active {
			checks = append(checks, Check{CheckError, fmt.Sprintf("PHP-FPM %s is not running", v)})
		} else {
			checks = append(checks, Check{CheckOK, fmt.Sprintf("PHP-FPM %s is running", v)})
		}
	}
	return checks
}

func (o *Orchestrator) siteChecks(s *site.Site) []Check {
	var checks []Check
	add := func(status, format string, args ...interface{}) {
		checks = append(checks, Check{status, fmt.Sprintf(format, args...)})
	}

	switch {
	case s.Status == site.StatusFailed:
		add(CheckError, "failed: %s", s.LastError)
	case s.Status.Transitional():
		add(CheckWarn, "operation in progress (%s)", s.Status)
	case s.LastError != "":
		add(CheckWarn, "last operation failed: %s", s.LastError)
	}

	enabled, err := o.web.IsEnabled(s.Domain)
	switch {
	case s.Disabled && err == nil && enabled:
		add(CheckWarn, "site is disabled but its vhost is enabled")
	case s.Disabled:
		add(CheckWarn, "site is disabled")
	case err != nil || !enabled:
		add(CheckError, "vhost is not enabled")
	}
	if s.ProxyPass == "" {
		if _, err := os.Stat(s.ServeRoot()); err != nil {
			add(CheckWarn, "document root %s is missing", s.ServeRoot())
		}
	}

	if referencesCert(s) || s.SSLState == site.SSLPending {
		o.certChecks(s, add)
	}

	if d := s.LastDeployment; d != nil && d.Outcome == "failed" {
		add(CheckWarn, "last deployment %s failed: %s", d.ID, d.Error)
	}

	if len(checks) == 0 {
		add(CheckOK, "ok")
	}
	return checks
}

func (o *Orchestrator) certChecks(s *site.Site, add func(status, format string, args ...interface{})) {
	c, err := o.certs.Get(s.Domain)
	if err != nil {
		add(CheckError, "certificate record missing")
		return
	}
	switch c.State {
	case ssl.StateExpired:
		add(CheckError, "certificate expired on %s", c.NotAfter.Format(time.DateOnly))
		return
	case ssl.StateRenewalFailed:
		add(CheckWarn, "certificate renewal failed: %s", c.LastError)
	case ssl.StatePending:
		add(CheckWarn, "certificate issuance pending")
		return
	}
	if c.Installed() {
		if _, err := os.Stat(c.CertPath); err != nil {
			add(CheckError, "certificate file %s is missing", c.CertPath)
		}
		if left := time.Until(c.NotAfter); left < o.cfg.SSL.Grace() {
			add(CheckWarn, "certificate expires in %d days", int(left.Hours()/24))
		}
	}
	if !c.Trusted {
		add(CheckWarn, "self-signed certificate")
	}
}
