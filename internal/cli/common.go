package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ksyq12/sitectl/internal/config"
	"github.com/ksyq12/sitectl/internal/errors"
	"github.com/ksyq12/sitectl/internal/orchestrator"
	"github.com/ksyq12/sitectl/internal/output"
)

// loadEngine loads config and builds the orchestrator. Commands that
// change the host pass privileged.
func loadEngine(privileged bool) (*config.Config, *orchestrator.Orchestrator, error) {
	if privileged {
		if err := deps.RootChecker.RequireRoot(); err != nil {
			return nil, nil, err
		}
	}
	cfg, err := deps.ConfigLoader.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	o, err := deps.EngineFactory.Create(cfg, deps.Executor)
	if err != nil {
		return nil, nil, err
	}
	return cfg, o, nil
}

// commandContext returns the command's context, cancelled on SIGINT.
func commandContext(cmd *cobra.Command) context.Context {
	if cmd != nil && cmd.Context() != nil {
		return cmd.Context()
	}
	return context.Background()
}

// outputResult handles JSON or human-readable output
func outputResult(data interface{}, successMsg string, args ...interface{}) error {
	if jsonOutput {
		return output.JSON(data)
	}
	output.Success(successMsg, args...)
	return nil
}

// progress prints a status line unless the output is JSON.
func progress(format string, args ...interface{}) {
	if !jsonOutput {
		output.Info(format, args...)
	}
}

// CommandResult represents a common result structure for CLI commands
type CommandResult struct {
	Success bool   `json:"success"`
	Domain  string `json:"domain"`
	Action  string `json:"action,omitempty"`
	Message string `json:"message,omitempty"`
}

// newSuccessResult creates a success result
func newSuccessResult(domain, action string) CommandResult {
	return CommandResult{
		Success: true,
		Domain:  domain,
		Action:  action,
	}
}

// errorResult is the JSON shape of a failed command.
type errorResult struct {
	Success bool   `json:"success"`
	Code    string `json:"code"`
	Error   string `json:"error"`
}

func reportError(err error) {
	if jsonOutput {
		_ = output.JSON(errorResult{Code: string(errors.CodeOf(err)), Error: err.Error()})
		return
	}
	output.Error("%v", err)
}

// exitCode maps an error to the process exit status.
func exitCode(err error) int {
	switch errors.CodeOf(err) {
	case errors.ErrCodeValidation, errors.ErrCodeSyntax:
		return 2
	case errors.ErrCodeConflict, errors.ErrCodeDeploymentInProgress:
		return 3
	case errors.ErrCodeNotFound, errors.ErrCodeSnapshotNotFound:
		return 4
	case errors.ErrCodePermission:
		return 5
	case errors.ErrCodeFatalService:
		return 10
	}
	return 1
}
