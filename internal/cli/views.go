package cli

import (
	"time"

	"github.com/ksyq12/sitectl/internal/deploy"
	"github.com/ksyq12/sitectl/internal/site"
	"github.com/ksyq12/sitectl/internal/ssl"
	"github.com/ksyq12/sitectl/internal/store"
)

type sourceView struct {
	Kind          string `json:"kind"`
	RepoURL       string `json:"repo_url,omitempty"`
	Branch        string `json:"branch,omitempty"`
	Ref           string `json:"ref,omitempty"`
	CredentialRef string `json:"credential_ref,omitempty"`
	ArchivePath   string `json:"archive_path,omitempty"`
}

type deploymentView struct {
	ID        string    `json:"id"`
	Outcome   string    `json:"outcome"`
	Code      string    `json:"code,omitempty"`
	Error     string    `json:"error,omitempty"`
	Framework string    `json:"framework,omitempty"`
	Release   string    `json:"release,omitempty"`
	At        time.Time `json:"at"`
}

type siteView struct {
	Domain         string          `json:"domain"`
	Status         string          `json:"status"`
	DocumentRoot   string          `json:"document_root"`
	ServeRoot      string          `json:"serve_root"`
	PHPVersion     string          `json:"php_version"`
	Framework      string          `json:"framework"`
	ProxyPass      string          `json:"proxy_pass,omitempty"`
	Disabled       bool            `json:"disabled,omitempty"`
	SSLState       string          `json:"ssl_state"`
	SSLMethod      string          `json:"ssl_method,omitempty"`
	SSLError       string          `json:"ssl_error,omitempty"`
	Source         sourceView      `json:"source"`
	ConfigVersion  int             `json:"config_version"`
	LastError      string          `json:"last_error,omitempty"`
	LastDeployment *deploymentView `json:"last_deployment,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

func newSiteView(s *site.Site) siteView {
	v := siteView{
		Domain:       s.Domain,
		Status:       string(s.Status),
		DocumentRoot: s.DocumentRoot,
		ServeRoot:    s.ServeRoot(),
		PHPVersion:   s.PHPVersion,
		Framework:    string(s.Framework),
		ProxyPass:    s.ProxyPass,
		Disabled:     s.Disabled,
		SSLState:     string(s.SSLState),
		SSLMethod:    s.SSLMethod,
		SSLError:     s.SSLError,
		Source: sourceView{
			Kind:          string(s.Source.Kind),
			RepoURL:       s.Source.RepoURL,
			Branch:        s.Source.Branch,
			Ref:           s.Source.Ref,
			CredentialRef: s.Source.CredentialRef,
			ArchivePath:   s.Source.ArchivePath,
		},
		ConfigVersion: s.ConfigVersion,
		LastError:     s.LastError,
		CreatedAt:     s.CreatedAt,
		UpdatedAt:     s.UpdatedAt,
	}
	if d := s.LastDeployment; d != nil {
		v.LastDeployment = &deploymentView{
			ID:        d.ID,
			Outcome:   d.Outcome,
			Code:      d.Code,
			Error:     d.Error,
			Framework: string(d.Framework),
			Release:   d.Release,
			At:        d.At,
		}
	}
	return v
}

type runView struct {
	ID          string    `json:"id"`
	Domain      string    `json:"domain"`
	Outcome     string    `json:"outcome"`
	Stage       string    `json:"stage"`
	Code        string    `json:"code,omitempty"`
	Error       string    `json:"error,omitempty"`
	Framework   string    `json:"framework,omitempty"`
	PublicDir   string    `json:"public_dir,omitempty"`
	ReleasePath string    `json:"release_path,omitempty"`
	StartedAt   time.Time `json:"started_at"`
	DurationMS  int64     `json:"duration_ms"`
	Log         string    `json:"log,omitempty"`
}

func newRunView(r *deploy.Run, withLog bool) runView {
	v := runView{
		ID:          r.ID,
		Domain:      r.Domain,
		Outcome:     string(r.Outcome),
		Stage:       string(r.Stage),
		Code:        r.Code,
		Error:       r.Error,
		Framework:   string(r.Framework),
		PublicDir:   r.PublicDir,
		ReleasePath: r.ReleasePath,
		StartedAt:   r.StartedAt,
		DurationMS:  r.Duration().Milliseconds(),
	}
	if withLog {
		v.Log = r.Log
	}
	return v
}

type certView struct {
	Domain     string    `json:"domain"`
	Method     string    `json:"method"`
	State      string    `json:"state"`
	Trusted    bool      `json:"trusted"`
	Referenced bool      `json:"referenced"`
	NotAfter   time.Time `json:"not_after,omitempty"`
	DaysLeft   int       `json:"days_left"`
	LastError  string    `json:"last_error,omitempty"`
}

func newCertView(c *ssl.Certificate, now time.Time) certView {
	v := certView{
		Domain:     c.Domain,
		Method:     string(c.Method),
		State:      string(c.State),
		Trusted:    c.Trusted,
		Referenced: c.Referenced,
		NotAfter:   c.NotAfter,
		LastError:  c.LastError,
	}
	if c.Installed() {
		v.DaysLeft = int(c.NotAfter.Sub(now).Hours() / 24)
	}
	return v
}

type snapshotView struct {
	Version   int       `json:"version"`
	Parent    int       `json:"parent"`
	Paths     []string  `json:"paths"`
	CreatedAt time.Time `json:"created_at"`
	Head      bool      `json:"head"`
}

func newSnapshotView(s *store.Snapshot, head int) snapshotView {
	return snapshotView{
		Version:   s.Version,
		Parent:    s.Parent,
		Paths:     s.Paths(),
		CreatedAt: s.CreatedAt,
		Head:      s.Version == head,
	}
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
