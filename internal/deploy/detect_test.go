package deploy

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

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

func TestDetect(t *testing.T) {
	tests := []struct {
		name  string
		files map[string]string
		want  site.Framework
	}{
		{"empty", nil, site.FrameworkStatic},
		{"plain html", map[string]string{"index.html": "<h1>hi</h1>"}, site.FrameworkStatic},
		{"laravel", map[string]string{"artisan": "", "composer.json": "{}", "package.json": "{}"}, site.FrameworkLaravel},
		{"symfony lock", map[string]string{"symfony.lock": "{}"}, site.FrameworkSymfony},
		{"symfony console", map[string]string{"bin/console": ""}, site.FrameworkSymfony},
		{"wordpress", map[string]string{"wp-includes/version.php": "<?php"}, site.FrameworkWordPress},
		{"wordpress sample config", map[string]string{"wp-config-sample.php": "<?php"}, site.FrameworkWordPress},
		{"django", map[string]string{"manage.py": "", "requirements.txt": "Django==5.0\n"}, site.FrameworkDjango},
		{"flask", map[string]string{"app.py": "", "requirements.txt": "# web\nFlask==3.0\ngunicorn\n"}, site.FrameworkFlask},
		{"flask extension only", map[string]string{"requirements.txt": "flask-cors\n"}, site.FrameworkStatic},
		{"nodejs", map[string]string{"package.json": "{}"}, site.FrameworkNodeJS},
		{"ambiguous laravel and django", map[string]string{"artisan": "", "manage.py": ""}, site.FrameworkStatic},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			writeTree(t, dir, tt.files)
			assert.Equal(t, tt.want, Detect(dir))
		})
	}
}

func TestPlan(t *testing.T) {
	tests := []struct {
		name      string
		framework site.Framework
		files     map[string]string
		want      []string
	}{
		{"static", site.FrameworkStatic, nil, nil},
		{
			"laravel with assets", site.FrameworkLaravel,
			map[string]string{"package.json": `{"scripts":{"build":"vite build"}}`},
			[]string{
				"composer install --no-dev --optimize-autoloader --no-interaction",
				"npm install",
				"npm run build",
			},
		},
		{
			"laravel without node", site.FrameworkLaravel, nil,
			[]string{"composer install --no-dev --optimize-autoloader --no-interaction"},
		},
		{"wordpress without composer", site.FrameworkWordPress, nil, nil},
		{
			"wordpress with composer", site.FrameworkWordPress,
			map[string]string{"composer.json": "{}"},
			[]string{"composer install --no-dev --no-interaction"},
		},
		{
			"django", site.FrameworkDjango,
			map[string]string{"requirements.txt": "django"},
			[]string{
				"python3 -m venv .venv",
				".venv/bin/pip install -r requirements.txt",
				".venv/bin/python manage.py collectstatic --noinput",
			},
		},
		{
			"flask", site.FrameworkFlask,
			map[string]string{"requirements.txt": "flask"},
			[]string{"python3 -m venv .venv", ".venv/bin/pip install -r requirements.txt"},
		},
		{
			"nodejs with lockfile", site.FrameworkNodeJS,
			map[string]string{"package.json": `{"scripts":{"start":"node ."}}`, "package-lock.json": "{}"},
			[]string{"npm ci"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			writeTree(t, dir, tt.files)

			var got []string
			for _, s := range Plan(tt.framework, dir) {
				got = append(got, joinCmd(s.Name, s.Args))
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func joinCmd(name string, args []string) string {
	out := name
	for _, a := range args {
		out += " " + a
	}
	return out
}

func TestPublicDir(t *testing.T) {
	dir := t.TempDir()
	assert.Equal(t, "public", PublicDir(site.FrameworkLaravel, dir))
	assert.Equal(t, "", PublicDir(site.FrameworkNodeJS, dir))

	writeTree(t, dir, map[string]string{"package.json": `{"scripts":{"build":"vite build"}}`, "dist/index.html": ""})
	assert.Equal(t, "dist", PublicDir(site.FrameworkNodeJS, dir))
}

func TestMaterializeEnv(t *testing.T) {
	dir := t.TempDir()
	writeTree(t, dir, map[string]string{".env.example": "APP_NAME=Shop\nAPP_URL=http://localhost\nDB_HOST=127.0.0.1\n"})

	wrote, err := materializeEnv(dir, "example.com", "https://example.com")
	require.NoError(t, err)
	assert.True(t, wrote)

	data, err := os.ReadFile(filepath.Join(dir, ".env"))
	require.NoError(t, err)
	assert.Contains(t, string(data), `APP_URL="https://example.com"`)
	assert.Contains(t, string(data), `APP_DOMAIN="example.com"`)
	assert.Contains(t, string(data), `DB_HOST="127.0.0.1"`)

	// an existing .env is kept
	wrote, err = materializeEnv(dir, "other.com", "https://other.com")
	require.NoError(t, err)
	assert.False(t, wrote)
}
