// Package config loads the sitectl configuration.
//
// Configuration lives in a YAML file, /etc/sitectl/config.yaml by default
// (SITECTL_CONFIG overrides it). Secrets such as the GitHub token used for
// private repositories are kept out of that file, in a dotenv-style file at
// /etc/sitectl/sitectl.env (SITECTL_ENV_FILE overrides it).
//
// A missing config file is not an error: defaults are used, with webserver
// paths filled in from platform detection. The loaded config is validated
// before it is returned.
//
// Example config.yaml:
//
//	state_dir: /var/lib/sitectl
//	web_root: /var/www
//	default_php: "8.2"
//	nginx:
//	  conf: /etc/nginx/nginx.conf
//	  available: /etc/nginx/sites-available
//	  enabled: /etc/nginx/sites-enabled
//	  unit: nginx
//	ssl:
//	  method: acme
//	  email: ops@example.com
//	  grace_days: 30
//	  retry_backoff: 24h
//	deploy:
//	  keep_releases: 3
//
// Example sitectl.env:
//
//	SITECTL_GITHUB_TOKEN=ghp_xxx
//
// # Thread Safety
//
// A Config is read-only after Load. Callers must not mutate it while other
// goroutines use it.
package config
