// Package site defines the Site entity and its on-disk registry.
package site

import (
	"path/filepath"
	"time"
)

// Status is the lifecycle state of a site.
type Status string

// Site lifecycle states. A site that is not in the registry is absent.
const (
	StatusCreating Status = "creating"
	StatusActive   Status = "active"
	StatusUpdating Status = "updating"
	StatusDeleting Status = "deleting"
	StatusFailed   Status = "failed"
)

// Transitional reports whether s is only valid while an operation runs.
func (s Status) Transitional() bool {
	return s == StatusCreating || s == StatusUpdating || s == StatusDeleting
}

// SSLState is the certificate state as seen by a site.
type SSLState string

// SSL states.
const (
	SSLNone          SSLState = "none"
	SSLPending       SSLState = "pending"
	SSLActive        SSLState = "active"
	SSLExpired       SSLState = "expired"
	SSLRenewalFailed SSLState = "renewal_failed"
)

// Framework is the application framework deployed on a site.
type Framework string

// Supported frameworks. Anything unrecognized is served as static.
const (
	FrameworkStatic    Framework = "static"
	FrameworkLaravel   Framework = "laravel"
	FrameworkSymfony   Framework = "symfony"
	FrameworkWordPress Framework = "wordpress"
	FrameworkDjango    Framework = "django"
	FrameworkFlask     Framework = "flask"
	FrameworkNodeJS    Framework = "nodejs"
)

// Frameworks returns all supported frameworks.
func Frameworks() []Framework {
	return []Framework{
		FrameworkStatic, FrameworkLaravel, FrameworkSymfony, FrameworkWordPress,
		FrameworkDjango, FrameworkFlask, FrameworkNodeJS,
	}
}

// IsValidFramework checks if f is a supported framework.
func IsValidFramework(f Framework) bool {
	for _, valid := range Frameworks() {
		if f == valid {
			return true
		}
	}
	return false
}

// PublicDir is the directory, relative to the release, that nginx serves
// for f by default.
func (f Framework) PublicDir() string {
	switch f {
	case FrameworkLaravel, FrameworkSymfony:
		return "public"
	default:
		return ""
	}
}

// SourceKind is where a site's code comes from.
type SourceKind string

// Source kinds.
const (
	SourceNone   SourceKind = "none"
	SourceGitHub SourceKind = "github"
	SourceManual SourceKind = "manual"
)

// PHPNone marks a static site without a PHP-FPM pool.
const PHPNone = "none"

// Source describes a deployment source. CredentialRef names a secret in
// the credential store; the secret itself is never stored here.
type Source struct {
	Kind          SourceKind `yaml:"kind" validate:"omitempty,oneof=none github manual"`
	RepoURL       string     `yaml:"repo_url,omitempty" validate:"required_if=Kind github,omitempty,url"`
	Branch        string     `yaml:"branch,omitempty" validate:"omitempty,max=255,excludesall= ;&$0x7C\\"`
	Ref           string     `yaml:"ref,omitempty" validate:"omitempty,max=255,excludesall= ;&$0x7C\\"`
	CredentialRef string     `yaml:"credential_ref,omitempty" validate:"omitempty,max=128"`
	ArchivePath   string     `yaml:"archive_path,omitempty" validate:"required_if=Kind manual,omitempty,startswith=/"`
}

// DeploymentSummary is the outcome of the last deployment run.
type DeploymentSummary struct {
	ID        string    `yaml:"id"`
	Outcome   string    `yaml:"outcome"`
	Error     string    `yaml:"error,omitempty"`
	Code      string    `yaml:"code,omitempty"`
	Framework Framework `yaml:"framework,omitempty"`
	Release   string    `yaml:"release,omitempty"`
	At        time.Time `yaml:"at"`
}

// Site represents a hosted site.
type Site struct {
	Domain         string             `yaml:"domain"`
	DocumentRoot   string             `yaml:"document_root"`
	PHPVersion     string             `yaml:"php_version"`
	SSLState       SSLState           `yaml:"ssl_state"`
	SSLMethod      string             `yaml:"ssl_method,omitempty"`
	SSLError       string             `yaml:"ssl_error,omitempty"`
	Source         Source             `yaml:"source"`
	Framework      Framework          `yaml:"framework"`
	PublicDir      string             `yaml:"public_dir,omitempty"`
	ProxyPass      string             `yaml:"proxy_pass,omitempty"`
	Disabled       bool               `yaml:"disabled,omitempty"`
	Status         Status             `yaml:"status"`
	ConfigVersion  int                `yaml:"config_version"`
	LastDeployment *DeploymentSummary `yaml:"last_deployment,omitempty"`
	LastError      string             `yaml:"last_error,omitempty"`
	CreatedAt      time.Time          `yaml:"created_at"`
	UpdatedAt      time.Time          `yaml:"updated_at"`
}

// UsesPHP reports whether the site is bound to a PHP-FPM pool.
func (s *Site) UsesPHP() bool {
	return s.PHPVersion != "" && s.PHPVersion != PHPNone
}

// BaseDir returns the directory holding releases and the current link.
func (s *Site) BaseDir() string {
	return filepath.Dir(s.DocumentRoot)
}

// ServeRoot is the directory nginx serves for the site.
func (s *Site) ServeRoot() string {
	if s.PublicDir != "" && s.PublicDir != "." {
		return filepath.Join(s.DocumentRoot, s.PublicDir)
	}
	return s.DocumentRoot
}

// Clone returns a deep copy of s.
func (s *Site) Clone() *Site {
	c := *s
	if s.LastDeployment != nil {
		d := *s.LastDeployment
		c.LastDeployment = &d
	}
	return &c
}
