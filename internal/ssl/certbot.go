package ssl

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/ksyq12/sitectl/internal/errors"
	"github.com/ksyq12/sitectl/internal/executor"
)

// letsencryptDir is the base directory for certbot-managed certificates
const letsencryptDir = "/etc/letsencrypt/live"

// CertbotIssuer obtains certificates by shelling out to certbot in
// webroot mode, using the shared challenge root.
type CertbotIssuer struct {
	exec    executor.CommandExecutor
	email   string
	webroot string
	liveDir string
}

// NewCertbotIssuer creates a certbot issuer.
func NewCertbotIssuer(exec executor.CommandExecutor, email, webroot string) *CertbotIssuer {
	return &CertbotIssuer{exec: exec, email: email, webroot: webroot, liveDir: letsencryptDir}
}

// IsInstalled checks if certbot is installed
func (c *CertbotIssuer) IsInstalled() bool {
	_, err := c.exec.LookPath("certbot")
	return err == nil
}

// runCertbot executes certbot with the given arguments
func (c *CertbotIssuer) runCertbot(ctx context.Context, domain string, args []string) error {
	if !c.IsInstalled() {
		return errors.WrapDomain(errors.ErrCodeIssuance, domain, "certbot is not installed",
			fmt.Errorf("install it with: apt install certbot"))
	}

	output, err := c.exec.Execute(ctx, "certbot", args...)
	if err != nil {
		out := strings.TrimSpace(string(output))
		lower := strings.ToLower(out)
		if strings.Contains(lower, "too many certificates") || strings.Contains(lower, "ratelimited") {
			return errors.WrapDomain(errors.ErrCodeRateLimited, domain, "certbot was rate limited", fmt.Errorf("%s", out))
		}
		return errors.WrapDomain(errors.ErrCodeIssuance, domain, "certbot failed", fmt.Errorf("%s", out))
	}
	return nil
}

// CertPaths returns certbot's live paths for a domain.
func (c *CertbotIssuer) CertPaths(domain string) (certPath, keyPath string) {
	return filepath.Join(c.liveDir, domain, "fullchain.pem"), filepath.Join(c.liveDir, domain, "privkey.pem")
}

// Issue obtains a certificate using certbot webroot mode and returns the
// resulting PEM files.
func (c *CertbotIssuer) Issue(ctx context.Context, domain string) (*Bundle, error) {
	args := []string{
		"certonly",
		"--webroot",
		"-w", c.webroot,
		"-d", domain,
		"--agree-tos",
		"--non-interactive",
		"--keep-until-expiring",
	}
	if c.email != "" {
		args = append(args, "--email", c.email)
	} else {
		args = append(args, "--register-unsafely-without-email")
	}

	if err := c.runCertbot(ctx, domain, args); err != nil {
		return nil, err
	}

	certPath, keyPath := c.CertPaths(domain)
	cert, err := os.ReadFile(certPath)
	if err != nil {
		return nil, errors.WrapDomain(errors.ErrCodeIssuance, domain, "certbot produced no certificate", err)
	}
	key, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, errors.WrapDomain(errors.ErrCodeIssuance, domain, "certbot produced no key", err)
	}
	return &Bundle{Cert: cert, Key: key}, nil
}

// Remove deletes certbot's copy of the certificate.
func (c *CertbotIssuer) Remove(ctx context.Context, domain string) error {
	args := []string{
		"delete",
		"--cert-name", domain,
		"--non-interactive",
	}
	return c.runCertbot(ctx, domain, args)
}

// List returns all certbot-managed certificate names
func (c *CertbotIssuer) List(ctx context.Context) ([]string, error) {
	if !c.IsInstalled() {
		return nil, fmt.Errorf("certbot is not installed")
	}

	output, err := c.exec.Execute(ctx, "certbot", "certificates")
	if err != nil {
		return nil, fmt.Errorf("certbot certificates failed: %s", string(output))
	}

	// Parse output to extract domain names
	var domains []string
	lines := strings.Split(string(output), "\n")
	for _, line := range lines {
		if strings.Contains(line, "Certificate Name:") {
			parts := strings.Split(line, ":")
			if len(parts) >= 2 {
				domains = append(domains, strings.TrimSpace(parts[1]))
			}
		}
	}

	return domains, nil
}
