package deploy

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/ksyq12/sitectl/internal/errors"
	"github.com/ksyq12/sitectl/internal/logger"
)

// Site directory layout under <web_root>/<domain>:
//
//	.staging/<id>   fetch and build area, never served
//	releases/<id>   promoted trees
//	current         symlink to the live release (the document root)
//	previous        symlink to the release current replaced
const (
	stagingDir  = ".staging"
	releasesDir = "releases"
	currentLink = "current"
	prevLink    = "previous"
)

// BaseDir returns <web_root>/<domain>.
func (p *Pipeline) BaseDir(domain string) string {
	return filepath.Join(p.webRoot, domain)
}

// DocumentRoot returns the path a site's vhost serves from.
func (p *Pipeline) DocumentRoot(domain string) string {
	return filepath.Join(p.BaseDir(domain), currentLink)
}

// Current returns the live release directory for domain, or "".
func (p *Pipeline) Current(domain string) (string, error) {
	return readLink(filepath.Join(p.BaseDir(domain), currentLink))
}

// Previous returns the release kept for rollback, or "".
func (p *Pipeline) Previous(domain string) (string, error) {
	return readLink(filepath.Join(p.BaseDir(domain), prevLink))
}

func readLink(link string) (string, error) {
	target, err := os.Readlink(link)
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	if !filepath.IsAbs(target) {
		target = filepath.Join(filepath.Dir(link), target)
	}
	return target, nil
}

// swapLink atomically points link at target (relative to link's dir).
func swapLink(link, target string) error {
	tmp := link + ".tmp"
	_ = os.Remove(tmp)
	if err := os.Symlink(target, tmp); err != nil {
		return err
	}
	if err := os.Rename(tmp, link); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}

// promote renames staged into releases/<id> and makes it current. The
// release current pointed at becomes previous.
func (p *Pipeline) promote(domain, id, staged string) (string, error) {
	base := p.BaseDir(domain)
	if err := os.MkdirAll(filepath.Join(base, releasesDir), 0755); err != nil {
		return "", err
	}
	if info, err := os.Lstat(filepath.Join(base, currentLink)); err == nil && info.Mode()&os.ModeSymlink == 0 {
		return "", fmt.Errorf("%s is not a symlink", filepath.Join(base, currentLink))
	}

	release := filepath.Join(base, releasesDir, id)
	if err := os.Rename(staged, release); err != nil {
		return "", fmt.Errorf("failed to promote release: %w", err)
	}

	old, err := p.Current(domain)
	if err != nil {
		return "", err
	}
	if err := swapLink(filepath.Join(base, currentLink), filepath.Join(releasesDir, id)); err != nil {
		return "", fmt.Errorf("failed to switch current release: %w", err)
	}
	if old != "" && old != release {
		rel, err := filepath.Rel(base, old)
		if err == nil {
			if err := swapLink(filepath.Join(base, prevLink), rel); err != nil {
				logger.Warn("failed to record previous release for %s: %v", domain, err)
			}
		}
	}
	return release, nil
}

// Rollback swaps current back to the previous release. The release
// being rolled away from becomes previous, so a second Rollback undoes
// the first.
func (p *Pipeline) Rollback(domain string) (string, error) {
	unlock, err := p.begin(domain)
	if err != nil {
		return "", err
	}
	defer unlock()

	base := p.BaseDir(domain)
	prev, err := p.Previous(domain)
	if err != nil {
		return "", errors.WrapDomain(errors.ErrCodeInternal, domain, "failed to read previous release", err)
	}
	if prev == "" {
		return "", errors.Validationf("no previous release to roll back to for %s", domain)
	}
	if _, err := os.Stat(prev); err != nil {
		return "", errors.Validationf("previous release %s no longer exists", filepath.Base(prev))
	}
	cur, err := p.Current(domain)
	if err != nil {
		return "", errors.WrapDomain(errors.ErrCodeInternal, domain, "failed to read current release", err)
	}

	prevRel, _ := filepath.Rel(base, prev)
	if err := swapLink(filepath.Join(base, currentLink), prevRel); err != nil {
		return "", errors.WrapDomain(errors.ErrCodeInternal, domain, "failed to switch release", err)
	}
	if cur != "" {
		curRel, _ := filepath.Rel(base, cur)
		if err := swapLink(filepath.Join(base, prevLink), curRel); err != nil {
			logger.Warn("failed to record previous release for %s: %v", domain, err)
		}
	}
	logger.Info("Rolled back %s to release %s", domain, filepath.Base(prev))
	return prev, nil
}

// pruneReleases removes the oldest releases beyond keep, never the
// current or previous one.
func (p *Pipeline) pruneReleases(domain string) {
	dir := filepath.Join(p.BaseDir(domain), releasesDir)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}

	cur, _ := p.Current(domain)
	prev, _ := p.Previous(domain)

	type rel struct {
		path string
		mod  int64
	}
	var releases []rel
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		releases = append(releases, rel{filepath.Join(dir, e.Name()), info.ModTime().UnixNano()})
	}
	sort.Slice(releases, func(i, j int) bool { return releases[i].mod > releases[j].mod })

	kept := 0
	for _, r := range releases {
		if r.path == cur || r.path == prev {
			continue
		}
		kept++
		if kept+countNonEmpty(cur, prev) <= p.keepReleases {
			continue
		}
		if err := os.RemoveAll(r.path); err != nil {
			logger.Warn("failed to prune release %s: %v", r.path, err)
			continue
		}
		logger.Debug("pruned release %s", r.path)
	}
}

func countNonEmpty(ss ...string) int {
	n := 0
	for _, s := range ss {
		if s != "" {
			n++
		}
	}
	return n
}

// cleanStaging removes leftovers of interrupted runs.
func (p *Pipeline) cleanStaging(domain string) {
	dir := filepath.Join(p.BaseDir(domain), stagingDir)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".") {
			continue
		}
		_ = os.RemoveAll(filepath.Join(dir, e.Name()))
	}
}
