package platform

import (
	"context"
	"fmt"
	"os"
	"regexp"
	"slices"
	"strings"

	"github.com/ksyq12/sitectl/internal/executor"
	"github.com/ksyq12/sitectl/internal/logger"
)

// Component names understood by IsInstalled.
const (
	ComponentNginx    = "nginx"
	ComponentPHPFPM   = "php-fpm"
	ComponentCertbot  = "certbot"
	ComponentGit      = "git"
	ComponentComposer = "composer"
	ComponentNode     = "nodejs"
	ComponentPython   = "python3"
	ComponentMySQL    = "mysql"
)

var phpVersionPattern = regexp.MustCompile(`^\d+\.\d+$`)

// ValidPHPVersion reports whether v looks like a PHP major.minor version.
func ValidPHPVersion(v string) bool {
	return phpVersionPattern.MatchString(v)
}

// Inspector answers "is this installed" questions through dpkg.
type Inspector struct {
	exec    executor.CommandExecutor
	phpRoot string
}

// NewInspector creates an Inspector. phpRoot is scanned for installed PHP
// versions (usually /etc/php).
func NewInspector(exec executor.CommandExecutor, phpRoot string) *Inspector {
	if phpRoot == "" {
		phpRoot = "/etc/php"
	}
	return &Inspector{exec: exec, phpRoot: phpRoot}
}

// PackageName maps a component (and version, for php-fpm) to its Debian
// package name.
func PackageName(component, version string) (string, error) {
	switch component {
	case ComponentPHPFPM:
		if !ValidPHPVersion(version) {
			return "", fmt.Errorf("invalid php version %q", version)
		}
		return "php" + version + "-fpm", nil
	case ComponentMySQL:
		return "mysql-server", nil
	case ComponentNginx, ComponentCertbot, ComponentGit, ComponentComposer, ComponentNode, ComponentPython:
		return component, nil
	default:
		return "", fmt.Errorf("unknown component %q", component)
	}
}

// IsInstalled reports whether the package for component is installed.
func (i *Inspector) IsInstalled(ctx context.Context, component, version string) (bool, error) {
	pkg, err := PackageName(component, version)
	if err != nil {
		return false, err
	}

	out, err := i.exec.Execute(ctx, "dpkg-query", "-W", "-f=${Status}", pkg)
	if err != nil {
		// dpkg-query exits 1 for unknown packages
		logger.Debug("dpkg-query %s: %v", pkg, err)
		return false, nil
	}
	return strings.Contains(string(out), "install ok installed"), nil
}

// InstalledPHPVersions lists PHP versions that have an fpm directory under
// the PHP root.
func (i *Inspector) InstalledPHPVersions() ([]string, error) {
	entries, err := os.ReadDir(i.phpRoot)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read php root: %w", err)
	}
	versions := make([]string, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() || !ValidPHPVersion(entry.Name()) {
			continue
		}
		if !pathExists(i.phpRoot + "/" + entry.Name() + "/fpm") {
			continue
		}
		versions = append(versions, entry.Name())
	}
	slices.Sort(versions)
	return versions, nil
}
