package deploy

import (
	"bufio"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/ksyq12/sitectl/internal/site"
)

// marker is a file whose presence identifies a framework.
type marker struct {
	framework site.Framework
	match     func(dir string) bool
}

// primaryMarkers is the closed signature set. Node.js is only considered
// when none of these match.
var primaryMarkers = []marker{
	{site.FrameworkLaravel, anyExists("artisan")},
	{site.FrameworkSymfony, anyExists("symfony.lock", "bin/console")},
	{site.FrameworkWordPress, anyExists("wp-includes/version.php", "wp-config-sample.php")},
	{site.FrameworkDjango, anyExists("manage.py")},
	{site.FrameworkFlask, requirementsMention("flask")},
}

// Detect inspects a staged tree. Ambiguous or unknown trees are static.
func Detect(dir string) site.Framework {
	var matched []site.Framework
	for _, m := range primaryMarkers {
		if m.match(dir) {
			matched = append(matched, m.framework)
		}
	}
	switch len(matched) {
	case 1:
		return matched[0]
	case 0:
		if exists(dir, "package.json") {
			return site.FrameworkNodeJS
		}
	}
	return site.FrameworkStatic
}

func exists(dir, name string) bool {
	_, err := os.Stat(filepath.Join(dir, name))
	return err == nil
}

func anyExists(names ...string) func(string) bool {
	return func(dir string) bool {
		for _, n := range names {
			if exists(dir, n) {
				return true
			}
		}
		return false
	}
}

var requirementLine = regexp.MustCompile(`(?i)^\s*([a-z0-9_.-]+)`)

// requirementsMention matches requirements.txt naming pkg as a dependency.
func requirementsMention(pkg string) func(string) bool {
	return func(dir string) bool {
		f, err := os.Open(filepath.Join(dir, "requirements.txt"))
		if err != nil {
			return false
		}
		defer f.Close()

		scanner := bufio.NewScanner(f)
		for scanner.Scan() {
			m := requirementLine.FindStringSubmatch(scanner.Text())
			if m != nil && strings.EqualFold(m[1], pkg) {
				return true
			}
		}
		return false
	}
}
