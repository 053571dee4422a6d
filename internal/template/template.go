package template

import (
	"bytes"
	"embed"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"text/template"

	"github.com/ksyq12/sitectl/internal/errors"
)

//go:embed nginx/*.tmpl phpfpm/*.tmpl site/*.tmpl
var templateFS embed.FS

// Template ids.
const (
	NginxVhost      = "nginx/vhost"
	NginxPHP        = "nginx/php"
	NginxSSL        = "nginx/ssl"
	NginxProxy      = "nginx/proxy"
	PHPFPMPool      = "phpfpm/pool"
	SitePlaceholder = "site/placeholder"
)

// kind decides how a parameter value is validated.
type kind int

const (
	kindDomain kind = iota
	kindPath
	kindToken
	kindUpstream
)

type definition struct {
	required map[string]kind
	optional map[string]kind
}

var definitions = map[string]definition{
	NginxVhost: {
		required: map[string]kind{"Domain": kindDomain, "Root": kindPath, "ChallengeRoot": kindPath},
		optional: map[string]kind{"PHPSocket": kindPath, "SSLCert": kindPath, "SSLKey": kindPath, "ProxyPass": kindUpstream},
	},
	NginxPHP: {
		required: map[string]kind{"PHPSocket": kindPath},
	},
	NginxSSL: {
		required: map[string]kind{"SSLCert": kindPath, "SSLKey": kindPath},
	},
	NginxProxy: {
		required: map[string]kind{"ProxyPass": kindUpstream},
	},
	PHPFPMPool: {
		required: map[string]kind{"Domain": kindDomain, "Pool": kindToken, "User": kindToken, "Socket": kindPath, "Root": kindPath, "PHPVersion": kindToken},
	},
	SitePlaceholder: {
		required: map[string]kind{"Domain": kindDomain},
	},
}

// Characters that could break out of a config directive.
const forbidden = "{};\"'$`\\\x00"

var (
	domainPattern   = regexp.MustCompile(`^[a-z0-9](?:[a-z0-9-]{0,61}[a-z0-9])?(?:\.[a-z0-9](?:[a-z0-9-]{0,61}[a-z0-9])?)+$`)
	tokenPattern    = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)
	upstreamPattern = regexp.MustCompile(`^(?:https?://)?[A-Za-z0-9.-]+(?::[0-9]{1,5})?(?:/[A-Za-z0-9._~/-]*)?$|^unix:/[A-Za-z0-9._/-]+$`)
)

var templates = mustParse()

func mustParse() *template.Template {
	set := template.New("").Option("missingkey=error")
	for id := range definitions {
		content, err := templateFS.ReadFile(id + ".tmpl")
		if err != nil {
			panic("template: missing embedded file for " + id)
		}
		template.Must(set.New(id).Parse(string(content)))
	}
	return set
}

// Render renders the template id with params. It fails with a TEMPLATE
// error for an unknown id, a missing required parameter, an unexpected
// parameter or a missing sub-template, and with a VALIDATION error when a
// value could inject config syntax.
func Render(id string, params map[string]string) (string, error) {
	def, ok := definitions[id]
	if !ok {
		return "", errors.Newf(errors.ErrCodeTemplate, "unknown template %q", id)
	}
	tmpl := templates.Lookup(id)
	if tmpl == nil {
		return "", errors.Newf(errors.ErrCodeTemplate, "template %q not loaded", id)
	}

	data := make(map[string]string, len(def.required)+len(def.optional))
	for name, k := range def.required {
		v, ok := params[name]
		if !ok || v == "" {
			return "", errors.Newf(errors.ErrCodeTemplate, "template %s: missing required parameter %s", id, name)
		}
		if err := check(name, v, k); err != nil {
			return "", err
		}
		data[name] = v
	}
	for name, k := range def.optional {
		v := params[name]
		if v != "" {
			if err := check(name, v, k); err != nil {
				return "", err
			}
		}
		data[name] = v
	}
	for name := range params {
		if _, ok := data[name]; !ok {
			return "", errors.Newf(errors.ErrCodeTemplate, "template %s: unknown parameter %s", id, name)
		}
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", errors.Wrap(errors.ErrCodeTemplate, "failed to render "+id, err)
	}
	return buf.String(), nil
}

// Available returns all template ids, sorted.
func Available() []string {
	ids := make([]string, 0, len(definitions))
	for id := range definitions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func check(name, v string, k kind) error {
	if strings.ContainsAny(v, forbidden) || strings.IndexFunc(v, isSpace) >= 0 {
		return errors.Validationf("parameter %s contains forbidden characters", name)
	}
	switch k {
	case kindDomain:
		return ValidateDomain(v)
	case kindPath:
		return ValidatePath(v)
	case kindUpstream:
		if !upstreamPattern.MatchString(v) {
			return errors.Validationf("parameter %s is not a valid upstream: %s", name, v)
		}
	default:
		if !tokenPattern.MatchString(v) {
			return errors.Validationf("parameter %s contains invalid characters: %s", name, v)
		}
	}
	return nil
}

func isSpace(r rune) bool {
	switch r {
	case ' ', '\t', '\n', '\r', '\v', '\f':
		return true
	}
	return false
}

// ValidateDomain checks that domain is a lowercase hostname with at least
// two labels.
func ValidateDomain(domain string) error {
	if domain == "" {
		return errors.Validation("domain is required")
	}
	if len(domain) > 253 {
		return errors.Validationf("domain too long: %d characters", len(domain))
	}
	if !domainPattern.MatchString(domain) {
		return errors.Validationf("invalid domain: %q", domain)
	}
	return nil
}

// ValidatePath checks that p is absolute, clean and free of characters
// that could break a config directive.
func ValidatePath(p string) error {
	if strings.ContainsAny(p, forbidden) || strings.IndexFunc(p, isSpace) >= 0 {
		return errors.Validationf("path contains forbidden characters: %q", p)
	}
	if !filepath.IsAbs(p) || filepath.Clean(p) != p {
		return errors.Validationf("path must be absolute and clean: %q", p)
	}
	return nil
}
