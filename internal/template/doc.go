// Package template renders webserver and process-manager configuration from
// embedded Go templates.
//
// Render is pure: it reads only the templates compiled into the binary and
// never touches the filesystem or network.
//
// # Template Ids
//
//	nginx/vhost       server block(s) for a site
//	nginx/php         fastcgi location, included by nginx/vhost
//	nginx/ssl         TLS directives, included by nginx/vhost
//	nginx/proxy       reverse proxy location, included by nginx/vhost
//	phpfpm/pool       per-site PHP-FPM pool
//	site/placeholder  index.html for a site with nothing deployed
//
// # Parameters
//
// Every id declares its required and optional parameters. Missing or
// unexpected parameters fail with a TEMPLATE error. Values are validated
// before rendering: domains must be lowercase hostnames, paths must be
// absolute and clean, and braces, semicolons, quotes, dollar signs,
// backslashes, whitespace and NUL are rejected with a VALIDATION error.
//
//	content, err := template.Render(template.NginxVhost, map[string]string{
//	    "Domain":        "example.com",
//	    "Root":          "/var/www/example.com/current/public",
//	    "ChallengeRoot": "/var/www/.acme-challenge",
//	    "PHPSocket":     "/run/php/php8.2-fpm-example.com.sock",
//	})
package template
