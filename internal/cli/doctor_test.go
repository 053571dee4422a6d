package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ksyq12/sitectl/internal/config"
	"github.com/ksyq12/sitectl/internal/executor"
	"github.com/ksyq12/sitectl/internal/orchestrator"
	"github.com/ksyq12/sitectl/internal/site"
)

func checkStatusOf(checks []CheckResult, msg string) string {
	for _, c := range checks {
		if c.Message == msg {
			return c.Status
		}
	}
	return ""
}

func TestCheckSystemRequirements(t *testing.T) {
	tests := []struct {
		name    string
		missing []string
		sites   []*site.Site
		want    map[string]string
	}{
		{
			name: "everything installed",
			want: map[string]string{
				"Nginx installed (1.24.0)": orchestrator.CheckOK,
				"Git installed":            orchestrator.CheckOK,
				"Certbot installed":        orchestrator.CheckOK,
				"PHP-FPM 8.1 installed":    orchestrator.CheckOK,
				"PHP-FPM 8.3 installed":    orchestrator.CheckOK,
				// the default version is not installed in the fixture
				"PHP-FPM 8.2 (default) not installed": orchestrator.CheckWarn,
			},
		},
		{
			name:    "nginx missing",
			missing: []string{"nginx"},
			want:    map[string]string{"Nginx not installed": orchestrator.CheckError},
		},
		{
			name:    "unused tools are optional",
			missing: []string{"git", "npm", "composer"},
			want: map[string]string{
				"Git not installed (optional)":      orchestrator.CheckWarn,
				"npm not installed (optional)":      orchestrator.CheckWarn,
				"Composer not installed (optional)": orchestrator.CheckWarn,
			},
		},
		{
			name:    "tools used by sites are required",
			missing: []string{"git", "composer"},
			sites: []*site.Site{
				{Domain: "shop.example.com", Framework: site.FrameworkLaravel, Source: site.Source{Kind: site.SourceGitHub}},
			},
			want: map[string]string{
				"Git not installed":      orchestrator.CheckError,
				"Composer not installed": orchestrator.CheckError,
			},
		},
		{
			name:  "php version used but missing",
			sites: []*site.Site{{Domain: "legacy.example.com", PHPVersion: "7.4"}},
			want: map[string]string{
				"PHP-FPM 7.4 not installed but used by a site": orchestrator.CheckError,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewTestHelper(t)
			exec := &executor.MockExecutor{
				LookPathFunc: func(file string) (string, error) {
					for _, m := range tt.missing {
						if m == file {
							return "", fmt.Errorf("exec: %q: executable file not found in $PATH", file)
						}
					}
					return "/usr/bin/" + file, nil
				},
				ExecuteFunc: func(name string, args ...string) ([]byte, error) {
					if name == "nginx" {
						return []byte("nginx version: nginx/1.24.0 (Ubuntu)\n"), nil
					}
					return nil, nil
				},
			}

			results := checkSystemRequirements(context.Background(), exec, h.Cfg, tt.sites)
			for msg, status := range tt.want {
				assert.Equal(t, status, checkStatusOf(results, msg), msg)
			}
		})
	}
}

func TestCheckConfiguration(t *testing.T) {
	t.Run("config file present", func(t *testing.T) {
		h := NewTestHelper(t)
		path := filepath.Join(h.Root, "config.yaml")
		require.NoError(t, os.WriteFile(path, []byte("default_php: \"8.1\"\n"), 0644))
		t.Setenv(config.EnvConfigPath, path)
		h.Cfg.SSL.Email = "ops@example.com"

		results := checkConfiguration(h.Cfg)
		require.Len(t, results, 1)
		assert.Equal(t, orchestrator.CheckOK, results[0].Status)
	})

	t.Run("missing pieces", func(t *testing.T) {
		h := NewTestHelper(t)
		t.Setenv(config.EnvConfigPath, filepath.Join(h.Root, "absent.yaml"))
		h.Cfg.WebRoot = filepath.Join(h.Root, "no-such-dir")
		h.Cfg.SSL.Method = "acme"
		h.Cfg.SSL.Email = ""

		results := checkConfiguration(h.Cfg)
		assert.Equal(t, orchestrator.CheckWarn, results[0].Status)
		assert.Equal(t, orchestrator.CheckError, checkStatusOf(results, "Web root "+h.Cfg.WebRoot+" missing"))
		assert.Equal(t, orchestrator.CheckWarn, checkStatusOf(results, "ssl.email is empty; ACME registration needs a contact address"))
	})
}

func TestRunDoctor(t *testing.T) {
	h := NewTestHelper(t)
	t.Setenv(config.EnvConfigPath, filepath.Join(h.Root, "absent.yaml"))
	h.Cfg.SSL.Email = "ops@example.com"
	h.CreateSite(orchestrator.CreateParams{Domain: "example.com", PHPVersion: "8.1"})
	h.SetJSON(true)

	require.NoError(t, runDoctor(doctorCmd, nil))

	var report DoctorReport
	require.NoError(t, json.Unmarshal([]byte(h.Output()), &report))
	assert.True(t, report.Healthy())
	assert.Equal(t, orchestrator.CheckOK, checkStatusOf(report.Services, "nginx config syntax OK"))
	require.Len(t, report.Sites, 1)
	assert.Equal(t, "example.com", report.Sites[0].Domain)
	assert.Equal(t, orchestrator.CheckOK, orchestrator.Worst(report.Sites[0].Checks))
}

func TestRunDoctor_Unhealthy(t *testing.T) {
	h := NewTestHelper(t)
	h.CreateSite(orchestrator.CreateParams{Domain: "example.com", PHPVersion: "none"})
	h.Web.IsActiveFunc = func(ctx context.Context) (bool, error) { return false, nil }

	err := runDoctor(doctorCmd, nil)
	require.Error(t, err)
	out := h.Output()
	assert.Contains(t, out, "Checking services...")
	assert.Contains(t, out, "nginx is not running")
	assert.Contains(t, out, "example.com - ")
}
