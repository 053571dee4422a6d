package deploy

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/ksyq12/sitectl/internal/errors"
	"github.com/ksyq12/sitectl/internal/logger"
	"github.com/ksyq12/sitectl/internal/site"
)

// gitEnv keeps git from prompting on a terminal for credentials.
var gitEnv = []string{"GIT_TERMINAL_PROMPT=0", "GIT_ASKPASS=/bin/true"}

// permanentGitFailures are outputs that retrying will not fix.
var permanentGitFailures = []string{
	"Authentication failed",
	"could not read Username",
	"Repository not found",
	"not found in upstream origin",
	"Remote branch",
	"does not appear to be a git repository",
}

// defaultFetchBackOff bounds fetch retries: three attempts in total.
func defaultFetchBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 2 * time.Second
	b.MaxInterval = 15 * time.Second
	return backoff.WithMaxRetries(b, 2)
}

// fetch materializes src into dest, which must not exist yet.
func (p *Pipeline) fetch(ctx context.Context, src site.Source, dest string, log *bytes.Buffer) error {
	switch src.Kind {
	case site.SourceGitHub:
		return p.fetchGit(ctx, src, dest, log)
	case site.SourceManual:
		fmt.Fprintf(log, "$ extract %s\n", filepath.Base(src.ArchivePath))
		if err := extractArchive(src.ArchivePath, dest); err != nil {
			return errors.Wrap(errors.ErrCodeFetch, "failed to extract archive", err)
		}
		return nil
	default:
		return errors.Validationf("site has no deployment source")
	}
}

// fetchGit shallow-clones the pinned branch, then checks out Ref if set.
// A credential travels as an http.extraHeader in git's environment config
// (GIT_CONFIG_COUNT), so it shows up neither in the process list nor in
// the clone's config.
func (p *Pipeline) fetchGit(ctx context.Context, src site.Source, dest string, log *bytes.Buffer) error {
	env := slices.Clone(gitEnv)
	if src.CredentialRef != "" {
		cred, err := p.creds.Acquire(ctx, src.CredentialRef)
		if err != nil {
			return err
		}
		defer cred.Release()
		auth := base64.StdEncoding.EncodeToString([]byte(cred.Username + ":" + cred.Token()))
		env = append(env,
			"GIT_CONFIG_COUNT=1",
			"GIT_CONFIG_KEY_0=http.extraHeader",
			"GIT_CONFIG_VALUE_0=Authorization: Basic "+auth,
		)
	}
	args := []string{"clone", "--depth", "1", "--single-branch", "--no-tags"}
	if src.Branch != "" {
		args = append(args, "--branch", src.Branch)
	}
	args = append(args, "--", src.RepoURL, dest)

	fmt.Fprintf(log, "$ git clone %s (branch %s)\n", src.RepoURL, orDefault(src.Branch, "default"))
	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		if err := os.RemoveAll(dest); err != nil {
			return backoff.Permanent(err)
		}
		out, err := p.exec.ExecuteIn(ctx, "", env, "git", args...)
		log.Write(out)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		for _, marker := range permanentGitFailures {
			if strings.Contains(string(out), marker) {
				return backoff.Permanent(fmt.Errorf("%s", strings.TrimSpace(string(out))))
			}
		}
		logger.Debug("git clone attempt %d for %s failed: %v", attempt, src.RepoURL, err)
		return fmt.Errorf("%s", strings.TrimSpace(string(out)))
	}, backoff.WithContext(p.fetchBackOff(), ctx))
	if err != nil {
		return errors.Wrap(errors.ErrCodeFetch, "git clone failed", err)
	}

	if src.Ref != "" {
		fmt.Fprintf(log, "$ git checkout %s\n", src.Ref)
		if out, err := p.exec.ExecuteIn(ctx, dest, env, "git", "fetch", "--depth", "1", "origin", src.Ref); err != nil {
			log.Write(out)
			return errors.Wrap(errors.ErrCodeFetch, "git fetch of ref failed", fmt.Errorf("%s", strings.TrimSpace(string(out))))
		}
		if out, err := p.exec.ExecuteIn(ctx, dest, gitEnv, "git", "checkout", "--quiet", "--detach", "FETCH_HEAD"); err != nil {
			log.Write(out)
			return errors.Wrap(errors.ErrCodeFetch, "git checkout failed", fmt.Errorf("%s", strings.TrimSpace(string(out))))
		}
	}

	// releases are plain trees; history is not served or kept
	if err := os.RemoveAll(filepath.Join(dest, ".git")); err != nil {
		return errors.Wrap(errors.ErrCodeFetch, "failed to strip .git", err)
	}
	return nil
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
