package orchestrator

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/ksyq12/sitectl/internal/errors"
	"github.com/ksyq12/sitectl/internal/site"
	"github.com/ksyq12/sitectl/internal/template"
)

// CreateParams describes a new site.
type CreateParams struct {
	Domain string `validate:"required,fqdn,max=253"`
	// PHPVersion is a major.minor version, "none" for a static site, or
	// empty for the configured default.
	PHPVersion string `validate:"omitempty,max=8"`
	// SSL selects a certificate method to issue with after the vhost is
	// live. Empty skips issuance.
	SSL       string         `validate:"omitempty,oneof=acme certbot self_signed"`
	Source    site.Source
	Framework site.Framework `validate:"omitempty,oneof=static laravel symfony wordpress django flask nodejs"`
	ProxyPass string         `validate:"omitempty,url,startswith=http"`
	// Deploy runs the deployment pipeline once the site is active.
	Deploy bool
}

// UpdateParams lists the fields to change. Nil fields are left alone.
type UpdateParams struct {
	PHPVersion *string         `validate:"omitempty,max=8"`
	SSL        *string         `validate:"omitempty,oneof=none acme certbot self_signed"`
	Source     *site.Source
	Framework  *site.Framework `validate:"omitempty,oneof=static laravel symfony wordpress django flask nodejs"`
	ProxyPass  *string         `validate:"omitempty,max=2048"`
	Deploy     bool
}

// DeployParams overrides the stored source or framework for one run.
type DeployParams struct {
	Source    *site.Source
	Framework *site.Framework `validate:"omitempty,oneof=static laravel symfony wordpress django flask nodejs"`
}

var checker = validator.New()

// checkParams runs the struct validator and turns its report into a
// ValidationError naming the offending fields.
func checkParams(p interface{}) error {
	err := checker.Struct(p)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return errors.Wrap(errors.ErrCodeValidation, "invalid parameters", err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, describe(fe))
	}
	return errors.Validationf("invalid parameters: %s", strings.Join(msgs, "; "))
}

func describe(fe validator.FieldError) string {
	field := strings.ToLower(fe.Namespace())
	if i := strings.Index(field, "."); i >= 0 {
		field = field[i+1:]
	}
	switch fe.Tag() {
	case "required", "required_if":
		return field + " is required"
	case "oneof":
		return fmt.Sprintf("%s must be one of [%s]", field, fe.Param())
	case "fqdn":
		return fmt.Sprintf("%s %q is not a domain name", field, fe.Value())
	default:
		return fmt.Sprintf("%s failed %s check", field, fe.Tag())
	}
}

// checkDomain applies the struct rules plus the stricter hostname grammar
// the config templates accept.
func checkDomain(domain string) error {
	if err := checker.Var(domain, "required,fqdn,max=253"); err != nil {
		return errors.Validationf("invalid domain %q", domain)
	}
	return template.ValidateDomain(domain)
}

func (p *CreateParams) validate() error {
	p.Domain = strings.ToLower(strings.TrimSpace(p.Domain))
	if err := checkParams(p); err != nil {
		return err
	}
	if err := template.ValidateDomain(p.Domain); err != nil {
		return err
	}
	if p.ProxyPass != "" && p.Source.Kind != "" && p.Source.Kind != site.SourceNone {
		return errors.Validation("a proxied site cannot also take deployments")
	}
	return nil
}

func (p *UpdateParams) validate() error {
	return checkParams(p)
}

// empty reports whether p changes nothing at all.
func (p *UpdateParams) empty() bool {
	return p.PHPVersion == nil && p.SSL == nil && p.Source == nil &&
		p.Framework == nil && p.ProxyPass == nil && !p.Deploy
}
