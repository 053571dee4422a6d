package deploy

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/ksyq12/sitectl/internal/config"
	"github.com/ksyq12/sitectl/internal/errors"
	"github.com/ksyq12/sitectl/internal/executor"
	"github.com/ksyq12/sitectl/internal/lockfile"
	"github.com/ksyq12/sitectl/internal/logger"
	"github.com/ksyq12/sitectl/internal/site"
)

// Request asks for one deployment.
type Request struct {
	Domain string
	Source site.Source
	// Framework overrides detection when set.
	Framework site.Framework
	// AppURL is written to APP_URL in a materialized .env.
	AppURL string
}

// Pipeline fetches, builds and promotes application code for sites.
type Pipeline struct {
	webRoot      string
	webUser      string
	keepReleases int
	fetchTimeout time.Duration
	buildTimeout time.Duration

	exec         executor.CommandExecutor
	creds        CredentialStore
	history      *History
	fetchBackOff func() backoff.BackOff
	now          func() time.Time

	// stateDir holds the per-domain run locks
	stateDir string
}

// NewPipeline creates a pipeline from cfg.
func NewPipeline(cfg *config.Config, exec executor.CommandExecutor, creds CredentialStore) *Pipeline {
	return &Pipeline{
		webRoot:      cfg.WebRoot,
		webUser:      cfg.WebUser,
		keepReleases: max(cfg.Deploy.KeepReleases, 2),
		fetchTimeout: cfg.Deploy.FetchTimeout,
		buildTimeout: cfg.Deploy.BuildTimeout,
		exec:         exec,
		creds:        creds,
		history:      NewHistory(cfg.StateDir, cfg.Deploy.HistoryLimit),
		fetchBackOff: defaultFetchBackOff,
		now:          time.Now,
		stateDir:     cfg.StateDir,
	}
}

// History returns the run history store.
func (p *Pipeline) History() *History {
	return p.history
}

// begin marks domain as having a run in flight.
func (p *Pipeline) begin(domain string) (func(), error) {
	l, err := lockfile.TryAcquire(lockfile.Path(p.stateDir, "deploy", domain))
	if errors.Is(err, lockfile.ErrLocked) {
		return nil, errors.WrapDomain(errors.ErrCodeDeploymentInProgress, domain, "a deployment is already running", nil)
	}
	if err != nil {
		return nil, errors.WrapDomain(errors.ErrCodeInternal, domain, "failed to lock deployments", err)
	}
	return func() { _ = l.Release() }, nil
}

// Reserve keeps deployments of domain out until the returned func is
// called. It fails with DEPLOYMENT_IN_PROGRESS while one is running, in
// this process or another.
func (p *Pipeline) Reserve(domain string) (func(), error) {
	return p.begin(domain)
}

// Deploy runs Fetch, Detect, Install, Build and Switch for req. Any
// failure before Switch discards the staging tree and leaves current
// untouched. The returned Run is recorded in the history either way.
func (p *Pipeline) Deploy(ctx context.Context, req Request) (*Run, error) {
	unlock, err := p.begin(req.Domain)
	if err != nil {
		return nil, err
	}
	defer unlock()

	run := &Run{
		ID:        p.now().UTC().Format("20060102150405") + "-" + uuid.NewString()[:8],
		Domain:    req.Domain,
		Source:    req.Source,
		Outcome:   OutcomeRunning,
		StartedAt: p.now(),
	}
	var log bytes.Buffer

	err = p.execute(ctx, req, run, &log)

	run.FinishedAt = p.now()
	run.Log = log.String()
	switch {
	case err == nil:
		run.Outcome = OutcomeSuccess
	case ctx.Err() != nil:
		run.Outcome = OutcomeCancelled
		run.Error = err.Error()
		run.Code = string(errors.CodeOf(err))
	default:
		run.Outcome = OutcomeFailed
		run.Error = err.Error()
		run.Code = string(errors.CodeOf(err))
	}
	if herr := p.history.Record(run); herr != nil {
		logger.Warn("failed to record deployment %s for %s: %v", run.ID, run.Domain, herr)
	}

	fields := map[string]interface{}{
		"domain":   run.Domain,
		"run":      run.ID,
		"stage":    string(run.Stage),
		"outcome":  string(run.Outcome),
		"duration": run.Duration().String(),
	}
	if err != nil {
		logger.WarnFields("deployment failed", fields)
		return run, err
	}
	logger.InfoFields("deployment complete", fields)
	return run, nil
}

func (p *Pipeline) execute(ctx context.Context, req Request, run *Run, log *bytes.Buffer) error {
	staging := filepath.Join(p.BaseDir(req.Domain), stagingDir)
	if err := os.MkdirAll(staging, 0755); err != nil {
		return errors.WrapDomain(errors.ErrCodeFetch, req.Domain, "failed to create staging area", err)
	}
	p.cleanStaging(req.Domain)

	run.StagedPath = filepath.Join(staging, run.ID)
	promoted := false
	defer func() {
		if !promoted {
			if err := os.RemoveAll(run.StagedPath); err != nil {
				logger.Warn("failed to discard staging %s: %v", run.StagedPath, err)
			}
		}
	}()

	// Fetch
	run.Stage = StageFetch
	fctx, cancel := withTimeout(ctx, p.fetchTimeout)
	err := p.fetch(fctx, req.Source, run.StagedPath, log)
	cancel()
	if err != nil {
		return stageError(ctx, errors.ErrCodeFetch, req.Domain, "fetch failed", err)
	}

	// Detect
	run.Stage = StageDetect
	run.Framework = req.Framework
	if run.Framework == "" {
		run.Framework = Detect(run.StagedPath)
		fmt.Fprintf(log, "detected framework: %s\n", run.Framework)
	}
	if wrote, err := materializeEnv(run.StagedPath, req.Domain, req.AppURL); err != nil {
		return errors.WrapDomain(errors.ErrCodeBuild, req.Domain, "failed to write .env", err)
	} else if wrote {
		fmt.Fprintln(log, "created .env from .env.example")
	}

	// Install + Build
	bctx, cancel := withTimeout(ctx, p.buildTimeout)
	defer cancel()
	for _, step := range Plan(run.Framework, run.StagedPath) {
		run.Stage = step.Stage
		fmt.Fprintf(log, "$ %s %s\n", step.Name, strings.Join(step.Args, " "))
		out, err := p.exec.ExecuteIn(bctx, run.StagedPath, buildEnv(run.StagedPath), step.Name, step.Args...)
		log.Write(out)
		if err != nil {
			return stageError(ctx, errors.ErrCodeBuild, req.Domain, string(step.Stage)+" step failed",
				fmt.Errorf("%s %s: %w\n%s", step.Name, strings.Join(step.Args, " "), err, tail(out, 1024)))
		}
	}
	run.PublicDir = PublicDir(run.Framework, run.StagedPath)

	if p.webUser != "" {
		owner := p.webUser + ":" + p.webUser
		if out, err := p.exec.Execute(bctx, "chown", "-R", owner, run.StagedPath); err != nil {
			return stageError(ctx, errors.ErrCodeBuild, req.Domain, "failed to set ownership",
				fmt.Errorf("chown %s: %s", owner, strings.TrimSpace(string(out))))
		}
	}

	// last point at which cancellation discards the run
	if err := ctx.Err(); err != nil {
		return errors.WrapDomain(errors.ErrCodeBuild, req.Domain, "deployment cancelled", err)
	}

	// Switch
	run.Stage = StageSwitch
	release, err := p.promote(req.Domain, run.ID, run.StagedPath)
	if err != nil {
		return errors.WrapDomain(errors.ErrCodeBuild, req.Domain, "atomic switch failed", err)
	}
	promoted = true
	run.ReleasePath = release
	fmt.Fprintf(log, "switched current to %s\n", filepath.Base(release))

	p.pruneReleases(req.Domain)
	return nil
}

// Init creates the first release for a new site holding a single
// index.html, so the document root exists before any deployment.
func (p *Pipeline) Init(ctx context.Context, domain string, index []byte) (string, error) {
	if cur, err := p.Current(domain); err != nil || cur != "" {
		return cur, err
	}
	staging := filepath.Join(p.BaseDir(domain), stagingDir, "initial")
	if err := os.MkdirAll(staging, 0755); err != nil {
		return "", err
	}
	if err := os.WriteFile(filepath.Join(staging, "index.html"), index, 0644); err != nil {
		_ = os.RemoveAll(staging)
		return "", err
	}
	release, err := p.promote(domain, "initial", staging)
	if err != nil {
		_ = os.RemoveAll(staging)
		return "", err
	}
	if p.webUser != "" {
		owner := p.webUser + ":" + p.webUser
		if out, err := p.exec.Execute(ctx, "chown", "-R", owner, p.BaseDir(domain)); err != nil {
			logger.Warn("chown %s failed: %s", p.BaseDir(domain), strings.TrimSpace(string(out)))
		}
	}
	return release, nil
}

// stageError wraps err in code unless it already carries one. A
// cancelled parent context is reported as a cancellation.
func stageError(ctx context.Context, code errors.ErrorCode, domain, msg string, err error) error {
	if ctx.Err() != nil {
		return errors.WrapDomain(code, domain, "deployment cancelled", ctx.Err())
	}
	var se *errors.SiteError
	if errors.As(err, &se) {
		return err
	}
	return errors.WrapDomain(code, domain, msg, err)
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

func buildEnv(dir string) []string {
	return []string{
		"CI=true",
		"COMPOSER_ALLOW_SUPERUSER=1",
		"COMPOSER_HOME=" + filepath.Join(filepath.Dir(dir), ".composer"),
		"npm_config_cache=" + filepath.Join(filepath.Dir(dir), ".npm"),
	}
}

func tail(b []byte, n int) string {
	s := strings.TrimSpace(string(b))
	if len(s) > n {
		return "..." + s[len(s)-n:]
	}
	return s
}
