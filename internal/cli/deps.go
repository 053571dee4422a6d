package cli

import (
	"os"

	"github.com/ksyq12/sitectl/internal/config"
	"github.com/ksyq12/sitectl/internal/errors"
	"github.com/ksyq12/sitectl/internal/executor"
	"github.com/ksyq12/sitectl/internal/input"
	"github.com/ksyq12/sitectl/internal/orchestrator"
)

// Dependencies aggregates all CLI external dependencies for testability
type Dependencies struct {
	ConfigLoader  ConfigLoader
	EngineFactory EngineFactory
	RootChecker   RootChecker
	StdinReader   input.Reader
	Executor      executor.CommandExecutor
}

// ConfigLoader handles configuration loading
type ConfigLoader interface {
	Load() (*config.Config, error)
}

// EngineFactory builds the orchestrator for a loaded config
type EngineFactory interface {
	Create(cfg *config.Config, exec executor.CommandExecutor) (*orchestrator.Orchestrator, error)
}

// RootChecker checks root privileges
type RootChecker interface {
	RequireRoot() error
}

// Package-level dependencies (can be overridden for testing)
var deps = &Dependencies{
	ConfigLoader:  &realConfigLoader{},
	EngineFactory: &realEngineFactory{},
	RootChecker:   &realRootChecker{},
	StdinReader:   input.NewStdinReader(),
	Executor:      executor.NewSystemExecutor(),
}

// SetDeps replaces the package dependencies (for testing)
func SetDeps(d *Dependencies) {
	deps = d
}

// GetDeps returns the current dependencies (for testing)
func GetDeps() *Dependencies {
	return deps
}

type realConfigLoader struct{}

func (r *realConfigLoader) Load() (*config.Config, error) {
	return config.Load()
}

type realEngineFactory struct{}

func (r *realEngineFactory) Create(cfg *config.Config, exec executor.CommandExecutor) (*orchestrator.Orchestrator, error) {
	return orchestrator.New(cfg, orchestrator.DepsFromConfig(cfg, exec)), nil
}

type realRootChecker struct{}

func (r *realRootChecker) RequireRoot() error {
	if os.Geteuid() != 0 {
		return errors.ErrRootRequired
	}
	return nil
}
