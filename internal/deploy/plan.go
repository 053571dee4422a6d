package deploy

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"

	"github.com/ksyq12/sitectl/internal/site"
)

// Step is one command of a framework's install or build plan.
type Step struct {
	Stage Stage
	Name  string
	Args  []string
}

func installStep(name string, args ...string) Step {
	return Step{Stage: StageInstall, Name: name, Args: args}
}

func buildStep(name string, args ...string) Step {
	return Step{Stage: StageBuild, Name: name, Args: args}
}

var composerInstall = installStep("composer", "install", "--no-dev", "--optimize-autoloader", "--no-interaction")

// Plan returns the install and build commands for framework in dir,
// taking the files present in the staged tree into account.
func Plan(framework site.Framework, dir string) []Step {
	var steps []Step
	switch framework {
	case site.FrameworkLaravel, site.FrameworkSymfony:
		steps = append(steps, composerInstall)
		steps = append(steps, npmSteps(dir, false)...)
	case site.FrameworkWordPress:
		if exists(dir, "composer.json") {
			steps = append(steps, installStep("composer", "install", "--no-dev", "--no-interaction"))
		}
	case site.FrameworkDjango:
		steps = append(steps, pythonSteps(dir)...)
		steps = append(steps, buildStep(".venv/bin/python", "manage.py", "collectstatic", "--noinput"))
	case site.FrameworkFlask:
		steps = append(steps, pythonSteps(dir)...)
	case site.FrameworkNodeJS:
		steps = append(steps, npmSteps(dir, true)...)
	}
	return steps
}

func pythonSteps(dir string) []Step {
	steps := []Step{installStep("python3", "-m", "venv", ".venv")}
	if exists(dir, "requirements.txt") {
		steps = append(steps, installStep(".venv/bin/pip", "install", "-r", "requirements.txt"))
	}
	return steps
}

// npmSteps installs node dependencies when package.json exists and runs
// the build script when one is declared. ci selects npm ci for lockfiles.
func npmSteps(dir string, ci bool) []Step {
	if !exists(dir, "package.json") {
		return nil
	}
	var steps []Step
	if ci && exists(dir, "package-lock.json") {
		steps = append(steps, installStep("npm", "ci"))
	} else {
		steps = append(steps, installStep("npm", "install"))
	}
	if hasScript(dir, "build") {
		steps = append(steps, buildStep("npm", "run", "build"))
	}
	return steps
}

// hasScript reports whether package.json declares script name.
func hasScript(dir, name string) bool {
	raw, err := os.ReadFile(filepath.Join(dir, "package.json"))
	if err != nil {
		return false
	}
	var pkg struct {
		Scripts map[string]string `json:"scripts"`
	}
	if err := json.Unmarshal(raw, &pkg); err != nil {
		return false
	}
	_, ok := pkg.Scripts[name]
	return ok
}

// PublicDir returns the directory nginx should serve for a built tree.
func PublicDir(framework site.Framework, dir string) string {
	if d := framework.PublicDir(); d != "" {
		return d
	}
	if framework == site.FrameworkNodeJS && hasScript(dir, "build") && exists(dir, "dist") {
		return "dist"
	}
	return ""
}

// materializeEnv creates .env from .env.example with the site URL added.
// An existing .env is left alone.
func materializeEnv(dir, domain, appURL string) (bool, error) {
	if exists(dir, ".env") || !exists(dir, ".env.example") {
		return false, nil
	}
	env, err := godotenv.Read(filepath.Join(dir, ".env.example"))
	if err != nil {
		return false, err
	}
	env["APP_URL"] = appURL
	env["APP_DOMAIN"] = domain

	path := filepath.Join(dir, ".env")
	if err := godotenv.Write(env, path); err != nil {
		return false, err
	}
	return true, os.Chmod(path, 0640)
}
