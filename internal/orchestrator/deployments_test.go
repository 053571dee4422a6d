package orchestrator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ksyq12/sitectl/internal/errors"
	"github.com/ksyq12/sitectl/internal/site"
)

func writeTree(t *testing.T, dir string, files map[string]string) {
	t.Helper()
	for name, content := range files {
		p := filepath.Join(dir, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0755))
		require.NoError(t, os.WriteFile(p, []byte(content), 0644))
	}
}

func repo() site.Source {
	return site.Source{Kind: site.SourceGitHub, RepoURL: "https://github.com/acme/shop", Branch: "main"}
}

// withRepo makes git clone write files into the clone destination and
// runs fn for every other command.
func (f *fixture) withRepo(t *testing.T, files map[string]string, fn func(staged, name string, args []string) error) {
	var staged string
	f.exec.ExecuteFunc = func(name string, args ...string) ([]byte, error) {
		if name == "git" && slices.Contains(args, "clone") {
			staged = args[len(args)-1]
			writeTree(t, staged, files)
			return nil, nil
		}
		if fn != nil {
			return nil, fn(staged, name, args)
		}
		return nil, nil
	}
}

func TestDeploy_BuildFailureKeepsCurrentRelease(t *testing.T) {
	f := newFixture(t)
	s, err := f.o.Create(context.Background(), CreateParams{Domain: "example.com", PHPVersion: "none", Source: repo()})
	require.NoError(t, err)
	before := treeHash(t, s.DocumentRoot)
	conf := f.vhost(t, "example.com")

	f.withRepo(t, map[string]string{"package.json": `{"name":"shop"}`}, func(_, name string, args []string) error {
		if name == "npm" && args[0] == "install" {
			return fmt.Errorf("npm ERR! code E404")
		}
		return nil
	})

	run, err := f.o.Deploy(context.Background(), "example.com", DeployParams{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrBuild))
	require.NotNil(t, run)
	assert.Contains(t, run.Error, "E404")

	assert.Equal(t, before, treeHash(t, s.DocumentRoot), "current release is untouched")
	assert.Equal(t, conf, f.vhost(t, "example.com"))

	got, err := f.o.Get("example.com")
	require.NoError(t, err)
	assert.Equal(t, site.StatusActive, got.Status)
	require.NotNil(t, got.LastDeployment)
	assert.Equal(t, "failed", got.LastDeployment.Outcome)
	assert.Equal(t, "BUILD", got.LastDeployment.Code)

	runs, err := f.o.Deployments("example.com")
	require.NoError(t, err)
	require.Len(t, runs, 1)
}

func TestDeploy_PublicDirChangeReappliesVhost(t *testing.T) {
	f := newFixture(t)
	_, err := f.o.Create(context.Background(), CreateParams{Domain: "example.com", PHPVersion: "none", Source: repo()})
	require.NoError(t, err)

	f.withRepo(t, map[string]string{
		"package.json":      `{"scripts":{"build":"vite build"}}`,
		"package-lock.json": "{}",
	}, func(staged, name string, args []string) error {
		if name == "npm" && slices.Contains(args, "build") {
			writeTree(t, staged, map[string]string{"dist/index.html": "built"})
		}
		return nil
	})

	run, err := f.o.Deploy(context.Background(), "example.com", DeployParams{})
	require.NoError(t, err)
	assert.Equal(t, site.FrameworkNodeJS, run.Framework)

	s, err := f.o.Get("example.com")
	require.NoError(t, err)
	assert.Equal(t, site.FrameworkNodeJS, s.Framework)
	assert.Equal(t, "dist", s.PublicDir)
	assert.Equal(t, 2, s.ConfigVersion)
	assert.Equal(t, "success", s.LastDeployment.Outcome)
	assert.Contains(t, f.vhost(t, "example.com"), "root "+filepath.Join(s.DocumentRoot, "dist")+";")

	// back to the placeholder release, which serves from the root
	release, err := f.o.RollbackDeployment(context.Background(), "example.com")
	require.NoError(t, err)
	assert.NotEqual(t, run.ReleasePath, release)

	s, err = f.o.Get("example.com")
	require.NoError(t, err)
	assert.Equal(t, site.FrameworkStatic, s.Framework)
	assert.Empty(t, s.PublicDir)
	assert.Equal(t, "rolled_back", s.LastDeployment.Outcome)
	assert.Contains(t, f.vhost(t, "example.com"), "root "+s.DocumentRoot+";")
}

func TestDeploy_Rejections(t *testing.T) {
	f := newFixture(t)
	f.create(t, "static.example.com")
	_, err := f.o.Create(context.Background(), CreateParams{Domain: "proxy.example.com", PHPVersion: "none", ProxyPass: "http://127.0.0.1:3000"})
	require.NoError(t, err)

	_, err = f.o.Deploy(context.Background(), "static.example.com", DeployParams{})
	assert.True(t, errors.Is(err, errors.ErrValidation), "no source")

	_, err = f.o.Deploy(context.Background(), "proxy.example.com", DeployParams{})
	assert.True(t, errors.Is(err, errors.ErrValidation), "proxied site")

	_, err = f.o.Deploy(context.Background(), "missing.example.com", DeployParams{})
	assert.True(t, errors.Is(err, errors.ErrNotFound))

	bad := site.Source{Kind: site.SourceGitHub, RepoURL: "not a url"}
	_, err = f.o.Deploy(context.Background(), "static.example.com", DeployParams{Source: &bad})
	assert.True(t, errors.Is(err, errors.ErrValidation))
	assert.Empty(t, f.exec.Recorded())
}

func TestCreate_WithDeploy(t *testing.T) {
	f := newFixture(t)
	f.withRepo(t, map[string]string{"index.html": "<h1>shop</h1>"}, nil)

	s, err := f.o.Create(context.Background(), CreateParams{
		Domain:     "example.com",
		PHPVersion: "none",
		Source:     repo(),
		Deploy:     true,
	})
	require.NoError(t, err)
	require.NotNil(t, s.LastDeployment)
	assert.Equal(t, "success", s.LastDeployment.Outcome)

	index, err := os.ReadFile(filepath.Join(s.DocumentRoot, "index.html"))
	require.NoError(t, err)
	assert.Equal(t, "<h1>shop</h1>", string(index))
}

func TestDeleteAndRename_ConflictWithRunningDeployment(t *testing.T) {
	f := newFixture(t)
	_, err := f.o.Create(context.Background(), CreateParams{Domain: "example.com", PHPVersion: "none", Source: repo()})
	require.NoError(t, err)

	building := make(chan struct{})
	finish := make(chan struct{})
	f.withRepo(t, map[string]string{
		"package.json":      `{"scripts":{"build":"vite build"}}`,
		"package-lock.json": "{}",
	}, func(staged, name string, args []string) error {
		if name == "npm" && slices.Contains(args, "build") {
			close(building)
			<-finish
			writeTree(t, staged, map[string]string{"dist/index.html": "built"})
		}
		return nil
	})

	done := make(chan error, 1)
	go func() {
		_, err := f.o.Deploy(context.Background(), "example.com", DeployParams{})
		done <- err
	}()
	<-building

	err = f.o.Delete(context.Background(), "example.com")
	assert.True(t, errors.Is(err, errors.ErrConflict), "got %v", err)
	_, err = f.o.Rename(context.Background(), "example.com", "new.example.com")
	assert.True(t, errors.Is(err, errors.ErrConflict), "got %v", err)

	close(finish)
	require.NoError(t, <-done)

	s, err := f.o.Get("example.com")
	require.NoError(t, err)
	assert.Equal(t, site.StatusActive, s.Status)
	assert.Equal(t, "success", s.LastDeployment.Outcome)
	assert.FileExists(t, f.web.VhostPath("example.com"))
	_, err = f.o.Get("new.example.com")
	assert.True(t, errors.Is(err, errors.ErrNotFound))

	// the reservation is gone once the run ends
	require.NoError(t, f.o.Delete(context.Background(), "example.com"))
	assert.NoDirExists(t, filepath.Join(f.cfg.WebRoot, "example.com"))
}
