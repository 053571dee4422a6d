package cli

import (
	"context"
	"fmt"
	"os"
	"regexp"
	"slices"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ksyq12/sitectl/internal/config"
	"github.com/ksyq12/sitectl/internal/executor"
	"github.com/ksyq12/sitectl/internal/orchestrator"
	"github.com/ksyq12/sitectl/internal/output"
	"github.com/ksyq12/sitectl/internal/platform"
	"github.com/ksyq12/sitectl/internal/site"
	"github.com/ksyq12/sitectl/internal/ssl"
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check system status and diagnose issues",
	Long: `Run diagnostic checks on the host and every site.

Checks:
  - Required tools (nginx, git, composer, npm, python3, certbot)
  - Installed PHP-FPM versions against the configured ones
  - Configuration file
  - nginx config syntax and service state, PHP-FPM service state
  - Per site: status, enabled vhost, document root, certificate, last deployment

Examples:
  sitectl doctor
  sitectl doctor --json`,
	Args: cobra.NoArgs,
	RunE: runDoctor,
}

func init() {
	rootCmd.AddCommand(doctorCmd)
}

// CheckResult represents a single diagnostic check result
type CheckResult = orchestrator.Check

// DoctorReport contains all diagnostic results
type DoctorReport struct {
	SystemRequirements []CheckResult              `json:"system_requirements"`
	Configuration      []CheckResult              `json:"configuration"`
	Services           []CheckResult              `json:"services"`
	Sites              []orchestrator.SiteHealth `json:"sites"`
}

// Healthy reports whether no check failed.
func (r *DoctorReport) Healthy() bool {
	for _, group := range [][]CheckResult{r.SystemRequirements, r.Configuration, r.Services} {
		if orchestrator.Worst(group) == orchestrator.CheckError {
			return false
		}
	}
	for _, s := range r.Sites {
		if orchestrator.Worst(s.Checks) == orchestrator.CheckError {
			return false
		}
	}
	return true
}

func runDoctor(cmd *cobra.Command, args []string) error {
	cfg, o, err := loadEngine(false)
	if err != nil {
		return err
	}
	ctx := commandContext(cmd)

	sites, err := o.List()
	if err != nil {
		return err
	}
	health, err := o.Diagnose(ctx)
	if err != nil {
		return err
	}

	report := &DoctorReport{
		SystemRequirements: checkSystemRequirements(ctx, deps.Executor, cfg, sites),
		Configuration:      checkConfiguration(cfg),
		Services:           health.Services,
		Sites:              health.Sites,
	}

	if jsonOutput {
		if err := output.JSON(report); err != nil {
			return err
		}
	} else {
		displayDoctorResults(report)
	}
	if !report.Healthy() {
		return fmt.Errorf("doctor found problems")
	}
	return nil
}

var nginxVersionPattern = regexp.MustCompile(`nginx/(\d+\.\d+\.\d+)`)

type tool struct {
	name   string
	binary string
	// needed reports whether a missing binary is an error
	needed bool
}

func checkSystemRequirements(ctx context.Context, exec executor.CommandExecutor, cfg *config.Config, sites []*site.Site) []CheckResult {
	results := []CheckResult{}

	if _, err := exec.LookPath("nginx"); err == nil {
		version := "unknown"
		// nginx -v prints to stderr; the executor returns combined output
		if out, err := exec.Execute(ctx, "nginx", "-v"); err == nil {
			if m := nginxVersionPattern.FindStringSubmatch(string(out)); len(m) == 2 {
				version = m[1]
			}
		}
		results = append(results, CheckResult{Status: orchestrator.CheckOK, Message: fmt.Sprintf("Nginx installed (%s)", version)})
	} else {
		results = append(results, CheckResult{Status: orchestrator.CheckError, Message: "Nginx not installed"})
	}

	needs := func(pred func(s *site.Site) bool) bool { return slices.ContainsFunc(sites, pred) }
	tools := []tool{
		{"Git", "git", needs(func(s *site.Site) bool { return s.Source.Kind == site.SourceGitHub })},
		{"Composer", "composer", needs(func(s *site.Site) bool {
			return s.Framework == site.FrameworkLaravel || s.Framework == site.FrameworkSymfony
		})},
		{"npm", "npm", needs(func(s *site.Site) bool { return s.Framework == site.FrameworkNodeJS })},
		{"Python 3", "python3", needs(func(s *site.Site) bool {
			return s.Framework == site.FrameworkDjango || s.Framework == site.FrameworkFlask
		})},
		{"Certbot", "certbot", cfg.SSL.Method == string(ssl.MethodCertbot) ||
			needs(func(s *site.Site) bool { return s.SSLMethod == string(ssl.MethodCertbot) })},
	}
	for _, t := range tools {
		if _, err := exec.LookPath(t.binary); err == nil {
			results = append(results, CheckResult{Status: orchestrator.CheckOK, Message: t.name + " installed"})
			continue
		}
		status, suffix := orchestrator.CheckWarn, " (optional)"
		if t.needed {
			status, suffix = orchestrator.CheckError, ""
		}
		results = append(results, CheckResult{Status: status, Message: t.name + " not installed" + suffix})
	}

	installed, err := platform.NewInspector(exec, cfg.PHP.Root).InstalledPHPVersions()
	if err != nil {
		results = append(results, CheckResult{Status: orchestrator.CheckWarn, Message: fmt.Sprintf("Could not detect PHP-FPM: %v", err)})
		return results
	}
	for _, v := range cfg.PHP.Versions {
		inUse := needs(func(s *site.Site) bool { return s.PHPVersion == v })
		switch {
		case slices.Contains(installed, v):
			results = append(results, CheckResult{Status: orchestrator.CheckOK, Message: fmt.Sprintf("PHP-FPM %s installed", v)})
		case inUse:
			results = append(results, CheckResult{Status: orchestrator.CheckError, Message: fmt.Sprintf("PHP-FPM %s not installed but used by a site", v)})
		case v == cfg.DefaultPHP:
			results = append(results, CheckResult{Status: orchestrator.CheckWarn, Message: fmt.Sprintf("PHP-FPM %s (default) not installed", v)})
		}
	}
	return results
}

func checkConfiguration(cfg *config.Config) []CheckResult {
	results := []CheckResult{}

	path := config.Path()
	if _, err := os.Stat(path); err == nil {
		results = append(results, CheckResult{Status: orchestrator.CheckOK, Message: fmt.Sprintf("Config file exists (%s)", path)})
	} else {
		results = append(results, CheckResult{Status: orchestrator.CheckWarn, Message: fmt.Sprintf("Config file %s not found, using defaults", path)})
	}

	for _, dir := range []struct{ label, path string }{
		{"State directory", cfg.StateDir},
		{"Web root", cfg.WebRoot},
		{"nginx sites-available", cfg.Nginx.Available},
	} {
		if info, err := os.Stat(dir.path); err != nil || !info.IsDir() {
			results = append(results, CheckResult{Status: orchestrator.CheckError, Message: fmt.Sprintf("%s %s missing", dir.label, dir.path)})
		}
	}

	if cfg.SSL.Method == string(ssl.MethodACME) && cfg.SSL.Email == "" {
		results = append(results, CheckResult{Status: orchestrator.CheckWarn, Message: "ssl.email is empty; ACME registration needs a contact address"})
	}
	return results
}

func displayDoctorResults(report *DoctorReport) {
	sections := []struct {
		title  string
		checks []CheckResult
	}{
		{"Checking system requirements...", report.SystemRequirements},
		{"Checking configuration...", report.Configuration},
		{"Checking services...", report.Services},
	}
	for _, sec := range sections {
		output.Print("%s", sec.title)
		if len(sec.checks) == 0 {
			output.Success("OK")
		}
		for _, check := range sec.checks {
			displayCheck(check)
		}
		output.Print("")
	}

	if len(report.Sites) == 0 {
		output.Print("No sites configured")
		return
	}
	output.Print("Checking sites...")
	for _, s := range report.Sites {
		msgs := make([]string, 0, len(s.Checks))
		for _, c := range s.Checks {
			msgs = append(msgs, c.Message)
		}
		displayCheck(CheckResult{
			Status:  orchestrator.Worst(s.Checks),
			Message: fmt.Sprintf("%s - %s", s.Domain, strings.Join(msgs, "; ")),
		})
	}
}

func displayCheck(check CheckResult) {
	switch check.Status {
	case orchestrator.CheckOK:
		output.Success("%s", check.Message)
	case orchestrator.CheckWarn:
		output.Warn("%s", check.Message)
	case orchestrator.CheckError:
		output.Error("%s", check.Message)
	}
}
