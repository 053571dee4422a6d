package site

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

const (
	registryFile = "sites.yaml"
	lockWait     = 30 * time.Second
)

type registryData struct {
	Sites map[string]*Site `yaml:"sites"`
}

// Registry persists sites in state_dir/sites.yaml. Every mutation is a
// read-modify-write under a lock file and rewrites the file atomically,
// so concurrent processes never lose each other's updates.
type Registry struct {
	path string
	lock string
	mu   sync.Mutex
}

// NewRegistry creates a registry under stateDir.
func NewRegistry(stateDir string) *Registry {
	return &Registry{
		path: filepath.Join(stateDir, registryFile),
		lock: lockfile.Path(stateDir, "registry", "sites"),
	}
}

// mutate applies fn to the loaded registry and saves it unless fn
// reports there is nothing to save.
func (r *Registry) mutate(fn func(data *registryData) (bool, error)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	return lockfile.Hold(r.lock, lockWait, func() error {
		data, err := r.load()
		if err != nil {
			return err
		}
		changed, err := fn(data)
		if err != nil || !changed {
			return err
		}
		return r.save(data)
	})
}

// Path returns the registry file path.
func (r *Registry) Path() string {
	return r.path
}

func (r *Registry) load() (*registryData, error) {
	data := &registryData{Sites: map[string]*Site{}}

	raw, err := os.ReadFile(r.path)
	if os.IsNotExist(err) {
		return data, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read site registry: %w", err)
	}
	if err := yaml.Unmarshal(raw, data); err != nil {
		return nil, errors.Wrap(errors.ErrCodeInternal, "failed to parse site registry", err)
	}
	if data.Sites == nil {
		data.Sites = map[string]*Site{}
	}
	return data, nil
}

func (r *Registry) save(data *registryData) error {
	raw, err := yaml.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal site registry: %w", err)
	}
	return store.WriteAtomic(r.path, raw, 0600)
}

// Get returns a copy of the site for domain.
func (r *Registry) Get(domain string) (*Site, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	data, err := r.load()
	if err != nil {
		return nil, err
	}
	s, ok := data.Sites[domain]
	if !ok {
		return nil, errors.NotFound(domain)
	}
	return s.Clone(), nil
}

// Exists reports whether domain is registered.
func (r *Registry) Exists(domain string) (bool, error) {
	_, err := r.Get(domain)
	if errors.Is(err, errors.ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

// List returns all sites sorted by domain.
func (r *Registry) List() ([]*Site, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	data, err := r.load()
	if err != nil {
		return nil, err
	}
	sites := make([]*Site, 0, len(data.Sites))
	for _, s := range data.Sites {
		sites = append(sites, s.Clone())
	}
	sort.Slice(sites, func(i, j int) bool { return sites[i].Domain < sites[j].Domain })
	return sites, nil
}

// Put inserts or replaces a site.
func (r *Registry) Put(s *Site) error {
	return r.mutate(func(data *registryData) (bool, error) {
		data.Sites[s.Domain] = s.Clone()
		return true, nil
	})
}

// Delete removes a site. Removing an unknown domain is not an error.
func (r *Registry) Delete(domain string) error {
	return r.mutate(func(data *registryData) (bool, error) {
		if _, ok := data.Sites[domain]; !ok {
			return false, nil
		}
		delete(data.Sites, domain)
		return true, nil
	})
}

// Rename re-keys a site under newDomain in one registry write.
func (r *Registry) Rename(oldDomain string, s *Site) error {
	return r.mutate(func(data *registryData) (bool, error) {
		if _, ok := data.Sites[oldDomain]; !ok {
			return false, errors.NotFound(oldDomain)
		}
		if _, ok := data.Sites[s.Domain]; ok {
			return false, errors.AlreadyExists(s.Domain)
		}
		delete(data.Sites, oldDomain)
		data.Sites[s.Domain] = s.Clone()
		return true, nil
	})
}
