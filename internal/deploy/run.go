package deploy

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ksyq12/sitectl/internal/errors"
	"github.com/ksyq12/sitectl/internal/site"
	"github.com/ksyq12/sitectl/internal/store"
)

// Outcome is the result of a deployment run.
type Outcome string

// Run outcomes.
const (
	OutcomeRunning   Outcome = "running"
	OutcomeSuccess   Outcome = "success"
	OutcomeFailed    Outcome = "failed"
	OutcomeCancelled Outcome = "cancelled"
)

// Stage names a pipeline stage.
type Stage string

// Pipeline stages, in order.
const (
	StageFetch   Stage = "fetch"
	StageDetect  Stage = "detect"
	StageInstall Stage = "install"
	StageBuild   Stage = "build"
	StageSwitch  Stage = "switch"
)

// logTailSize bounds the build log kept in the history file.
const logTailSize = 4096

// Run is one deployment attempt.
type Run struct {
	ID          string         `yaml:"id"`
	Domain      string         `yaml:"domain"`
	Source      site.Source    `yaml:"source"`
	Framework   site.Framework `yaml:"framework,omitempty"`
	PublicDir   string         `yaml:"public_dir,omitempty"`
	StagedPath  string         `yaml:"staged_path,omitempty"`
	ReleasePath string         `yaml:"release_path,omitempty"`
	Stage       Stage          `yaml:"stage"`
	Outcome     Outcome        `yaml:"outcome"`
	Error       string         `yaml:"error,omitempty"`
	Code        string         `yaml:"code,omitempty"`
	Log         string         `yaml:"log,omitempty"`
	StartedAt   time.Time      `yaml:"started_at"`
	FinishedAt  time.Time      `yaml:"finished_at,omitempty"`
}

// Duration returns how long the run took.
func (r *Run) Duration() time.Duration {
	if r.FinishedAt.IsZero() {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

// Summary converts the run into the record kept on the site.
func (r *Run) Summary() *site.DeploymentSummary {
	return &site.DeploymentSummary{
		ID:        r.ID,
		Outcome:   string(r.Outcome),
		Error:     r.Error,
		Code:      r.Code,
		Framework: r.Framework,
		Release:   r.ReleasePath,
		At:        r.FinishedAt,
	}
}

// History keeps the last runs per domain in state_dir/deployments.
type History struct {
	dir   string
	limit int
	mu    sync.Mutex
}

// NewHistory creates a history store keeping limit runs per domain.
func NewHistory(stateDir string, limit int) *History {
	if limit < 1 {
		limit = 10
	}
	return &History{dir: filepath.Join(stateDir, "deployments"), limit: limit}
}

type historyFile struct {
	Runs []*Run `yaml:"runs"`
}

func (h *History) path(domain string) string {
	return filepath.Join(h.dir, domain+".yaml")
}

// List returns the recorded runs for domain, oldest first.
func (h *History) List(domain string) ([]*Run, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.load(domain)
}

func (h *History) load(domain string) ([]*Run, error) {
	raw, err := os.ReadFile(h.path(domain))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read deployment history: %w", err)
	}
	var f historyFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, errors.Wrap(errors.ErrCodeInternal, "failed to parse deployment history", err)
	}
	return f.Runs, nil
}

// Record appends run, dropping the oldest entries beyond the limit.
func (h *History) Record(run *Run) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	runs, err := h.load(run.Domain)
	if err != nil {
		return err
	}
	rec := *run
	if len(rec.Log) > logTailSize {
		rec.Log = rec.Log[len(rec.Log)-logTailSize:]
	}
	runs = append(runs, &rec)
	if len(runs) > h.limit {
		runs = runs[len(runs)-h.limit:]
	}

	raw, err := yaml.Marshal(historyFile{Runs: runs})
	if err != nil {
		return fmt.Errorf("failed to marshal deployment history: %w", err)
	}
	return store.WriteAtomic(h.path(run.Domain), raw, 0600)
}

// Purge removes the history of domain.
func (h *History) Purge(domain string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := os.Remove(h.path(domain)); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Rename moves the history of oldDomain to newDomain.
func (h *History) Rename(oldDomain, newDomain string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	err := os.Rename(h.path(oldDomain), h.path(newDomain))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
