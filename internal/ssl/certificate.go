package ssl

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ksyq12/sitectl/internal/errors"
	"github.com/ksyq12/sitectl/internal/lockfile"
	"github.com/ksyq12/sitectl/internal/store"
)

// Method is how a certificate is obtained.
type Method string

// Issuance methods.
const (
	MethodACME       Method = "acme"
	MethodCertbot    Method = "certbot"
	MethodSelfSigned Method = "self_signed"
)

// ParseMethod validates a method name.
func ParseMethod(s string) (Method, error) {
	switch m := Method(s); m {
	case MethodACME, MethodCertbot, MethodSelfSigned:
		return m, nil
	}
	return "", errors.Validationf("unknown ssl method %q (acme, certbot, self_signed)", s)
}

// State is the certificate lifecycle state.
type State string

// Certificate states.
const (
	StateNone          State = "none"
	StatePending       State = "pending"
	StateActive        State = "active"
	StateRenewalFailed State = "renewal_failed"
	StateExpired       State = "expired"
)

// Certificate is one domain's certificate record.
type Certificate struct {
	Domain     string    `yaml:"domain"`
	Method     Method    `yaml:"method"`
	CertPath   string    `yaml:"cert_path,omitempty"`
	KeyPath    string    `yaml:"key_path,omitempty"`
	IssuedAt   time.Time `yaml:"issued_at,omitempty"`
	NotAfter   time.Time `yaml:"not_after,omitempty"`
	State      State     `yaml:"state"`
	Trusted    bool      `yaml:"trusted"`
	Referenced bool      `yaml:"referenced"`
	LastError  string    `yaml:"last_error,omitempty"`
	NextRetry  time.Time `yaml:"next_retry,omitempty"`
}

// Installed reports whether a certificate is on file.
func (c *Certificate) Installed() bool {
	return c.CertPath != "" && !c.NotAfter.IsZero()
}

// Due reports whether the certificate is inside the renewal window.
func (c *Certificate) Due(now time.Time, grace time.Duration) bool {
	return !now.Before(c.NotAfter.Add(-grace))
}

// Expired reports whether the certificate is past its expiry.
func (c *Certificate) Expired(now time.Time) bool {
	return c.Installed() && !now.Before(c.NotAfter)
}

const (
	registryFile = "certificates.yaml"
	lockWait     = 30 * time.Second
)

// registry persists certificate records in state_dir/certificates.yaml.
// Writes hold a lock file so renewals and site operations running in
// other processes do not overwrite each other.
type registry struct {
	path string
	lock string
	mu   sync.Mutex
}

type registryData struct {
	Certificates map[string]*Certificate `yaml:"certificates"`
}

func newRegistry(stateDir string) *registry {
	return &registry{
		path: filepath.Join(stateDir, registryFile),
		lock: lockfile.Path(stateDir, "registry", "certificates"),
	}
}

func (r *registry) load() (*registryData, error) {
	data := &registryData{Certificates: map[string]*Certificate{}}
	raw, err := os.ReadFile(r.path)
	if os.IsNotExist(err) {
		return data, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read certificate registry: %w", err)
	}
	if err := yaml.Unmarshal(raw, data); err != nil {
		return nil, errors.Wrap(errors.ErrCodeInternal, "failed to parse certificate registry", err)
	}
	if data.Certificates == nil {
		data.Certificates = map[string]*Certificate{}
	}
	return data, nil
}

func (r *registry) save(data *registryData) error {
	raw, err := yaml.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal certificate registry: %w", err)
	}
	return store.WriteAtomic(r.path, raw, 0600)
}

func (r *registry) get(domain string) (*Certificate, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	data, err := r.load()
	if err != nil {
		return nil, false, err
	}
	c, ok := data.Certificates[domain]
	if !ok {
		return nil, false, nil
	}
	cp := *c
	return &cp, true, nil
}

func (r *registry) list() ([]*Certificate, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	data, err := r.load()
	if err != nil {
		return nil, err
	}
	out := make([]*Certificate, 0, len(data.Certificates))
	for _, c := range data.Certificates {
		cp := *c
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Domain < out[j].Domain })
	return out, nil
}

// update applies fn to the record for domain, creating it if missing.
func (r *registry) update(domain string, fn func(c *Certificate)) (*Certificate, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out *Certificate
	err := lockfile.Hold(r.lock, lockWait, func() error {
		data, err := r.load()
		if err != nil {
			return err
		}
		c, ok := data.Certificates[domain]
		if !ok {
			c = &Certificate{Domain: domain, State: StateNone}
			data.Certificates[domain] = c
		}
		fn(c)
		if err := r.save(data); err != nil {
			return err
		}
		cp := *c
		out = &cp
		return nil
	})
	return out, err
}

func (r *registry) remove(domain string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	return lockfile.Hold(r.lock, lockWait, func() error {
		data, err := r.load()
		if err != nil {
			return err
		}
		delete(data.Certificates, domain)
		return r.save(data)
	})
}
