// Package platform provides platform-specific path detection and the
// package/service inspection layer.
package platform

import (
	"fmt"
	"os"
	"runtime"
)

// PathConfig contains the config paths for the webserver.
type PathConfig struct {
	Conf      string
	Available string
	Enabled   string
}

// PlatformPaths contains the detected paths for the managed services.
type PlatformPaths struct {
	Nginx   PathConfig
	PHPRoot string
}

// DetectPaths returns platform-specific default paths.
// It checks for common installation locations based on the OS.
func DetectPaths() (*PlatformPaths, error) {
	switch runtime.GOOS {
	case "darwin":
		return detectDarwinPaths()
	case "linux":
		return detectLinuxPaths()
	default:
		return nil, fmt.Errorf("unsupported platform: %s", runtime.GOOS)
	}
}

// detectDarwinPaths detects Homebrew paths, used for local development.
func detectDarwinPaths() (*PlatformPaths, error) {
	for _, prefix := range []string{"/opt/homebrew", "/usr/local"} {
		if !pathExists(prefix) {
			continue
		}
		return &PlatformPaths{
			Nginx: PathConfig{
				Conf:      prefix + "/etc/nginx/nginx.conf",
				Available: prefix + "/etc/nginx/servers",
				Enabled:   prefix + "/etc/nginx/servers",
			},
			PHPRoot: prefix + "/etc/php",
		}, nil
	}
	return nil, fmt.Errorf("homebrew installation not found (checked /opt/homebrew and /usr/local)")
}

// detectLinuxPaths detects paths for Linux distributions.
func detectLinuxPaths() (*PlatformPaths, error) {
	// Debian/Ubuntu layout first
	if pathExists("/etc/nginx/sites-available") || pathExists("/etc/nginx") {
		return &PlatformPaths{
			Nginx: PathConfig{
				Conf:      "/etc/nginx/nginx.conf",
				Available: "/etc/nginx/sites-available",
				Enabled:   "/etc/nginx/sites-enabled",
			},
			PHPRoot: "/etc/php",
		}, nil
	}

	// RHEL layout: no sites-enabled, conf.d is included directly
	if pathExists("/etc/nginx/conf.d") {
		return &PlatformPaths{
			Nginx: PathConfig{
				Conf:      "/etc/nginx/nginx.conf",
				Available: "/etc/nginx/conf.d",
				Enabled:   "/etc/nginx/conf.d",
			},
			PHPRoot: "/etc/php",
		}, nil
	}

	return nil, fmt.Errorf("web server configuration paths not found (checked /etc/nginx, /etc/nginx/conf.d)")
}

// pathExists checks if a path exists on the filesystem.
func pathExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// Platform returns a string describing the current platform.
func Platform() string {
	return fmt.Sprintf("%s/%s", runtime.GOOS, runtime.GOARCH)
}
