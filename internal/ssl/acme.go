package ssl

import (
	"context"
	"crypto"
	stderrors "errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/go-acme/lego/v4/acme"
	"github.com/go-acme/lego/v4/certcrypto"
	"github.com/go-acme/lego/v4/certificate"
	"github.com/go-acme/lego/v4/challenge/http01"
	"github.com/go-acme/lego/v4/lego"
	"github.com/go-acme/lego/v4/registration"

	"github.com/ksyq12/sitectl/internal/errors"
	"github.com/ksyq12/sitectl/internal/logger"
	"github.com/ksyq12/sitectl/internal/store"
)

const rateLimitedProblem = "urn:ietf:params:acme:error:rateLimited"

// acmeUser is the ACME account lego registers and signs requests with.
type acmeUser struct {
	email        string
	registration *registration.Resource
	key          crypto.PrivateKey
}

func (u *acmeUser) GetEmail() string                        { return u.email }
func (u *acmeUser) GetRegistration() *registration.Resource { return u.registration }
func (u *acmeUser) GetPrivateKey() crypto.PrivateKey        { return u.key }

// webrootProvider answers HTTP-01 challenges by writing the key
// authorization under the shared challenge root that every vhost serves.
type webrootProvider struct {
	root string
}

func (p *webrootProvider) path(token string) string {
	return filepath.Join(p.root, http01.ChallengePath(token))
}

func (p *webrootProvider) Present(domain, token, keyAuth string) error {
	path := p.path(token)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create challenge directory: %w", err)
	}
	return os.WriteFile(path, []byte(keyAuth), 0644)
}

func (p *webrootProvider) CleanUp(domain, token, keyAuth string) error {
	err := os.Remove(p.path(token))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// ACMEIssuer obtains certificates from an ACME directory through lego.
// The account key is created once and kept under state_dir/acme.
type ACMEIssuer struct {
	directory     string
	email         string
	keyPath       string
	challengeRoot string

	mu     sync.Mutex
	client *lego.Client
}

// NewACMEIssuer creates an ACME issuer.
func NewACMEIssuer(directory, email, stateDir, challengeRoot string) *ACMEIssuer {
	return &ACMEIssuer{
		directory:     directory,
		email:         email,
		keyPath:       filepath.Join(stateDir, "acme", "account.key"),
		challengeRoot: challengeRoot,
	}
}

// Issue obtains a certificate for domain. lego's Obtain is not
// cancellable, so a cancelled ctx abandons the result.
func (a *ACMEIssuer) Issue(ctx context.Context, domain string) (*Bundle, error) {
	client, err := a.clientFor()
	if err != nil {
		return nil, errors.WrapDomain(errors.ErrCodeIssuance, domain, "acme client setup failed", err)
	}

	type result struct {
		res *certificate.Resource
		err error
	}
	done := make(chan result, 1)
	go func() {
		res, err := client.Certificate.Obtain(certificate.ObtainRequest{
			Domains: []string{domain},
			Bundle:  true,
		})
		done <- result{res, err}
	}()

	select {
	case <-ctx.Done():
		return nil, errors.WrapDomain(errors.ErrCodeIssuance, domain, "issuance cancelled", ctx.Err())
	case r := <-done:
		if r.err != nil {
			return nil, classifyACME(domain, r.err)
		}
		return &Bundle{Cert: r.res.Certificate, Key: r.res.PrivateKey}, nil
	}
}

func (a *ACMEIssuer) clientFor() (*lego.Client, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.client != nil {
		return a.client, nil
	}

	key, err := a.accountKey()
	if err != nil {
		return nil, err
	}
	user := &acmeUser{email: a.email, key: key}

	cfg := lego.NewConfig(user)
	cfg.CADirURL = a.directory
	cfg.Certificate.KeyType = certcrypto.EC256

	client, err := lego.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create lego client: %w", err)
	}
	if err := client.Challenge.SetHTTP01Provider(&webrootProvider{root: a.challengeRoot}); err != nil {
		return nil, fmt.Errorf("failed to set http01 provider: %w", err)
	}

	reg, err := client.Registration.ResolveAccountByKey()
	if err != nil {
		logger.Info("Registering ACME account with %s", a.directory)
		reg, err = client.Registration.Register(registration.RegisterOptions{TermsOfServiceAgreed: true})
		if err != nil {
			return nil, fmt.Errorf("failed to register ACME account: %w", err)
		}
	}
	user.registration = reg

	a.client = client
	return client, nil
}

// accountKey loads the account key, generating it on first use.
func (a *ACMEIssuer) accountKey() (crypto.PrivateKey, error) {
	data, err := os.ReadFile(a.keyPath)
	if err == nil {
		key, err := certcrypto.ParsePEMPrivateKey(data)
		if err != nil {
			return nil, fmt.Errorf("failed to parse account key: %w", err)
		}
		return key, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read account key: %w", err)
	}

	key, err := certcrypto.GeneratePrivateKey(certcrypto.EC256)
	if err != nil {
		return nil, fmt.Errorf("failed to generate account key: %w", err)
	}
	if err := store.WriteAtomic(a.keyPath, certcrypto.PEMEncode(key), 0600); err != nil {
		return nil, fmt.Errorf("failed to save account key: %w", err)
	}
	return key, nil
}

// classifyACME maps an ACME failure onto the certificate error codes.
func classifyACME(domain string, err error) error {
	var problem *acme.ProblemDetails
	if stderrors.As(err, &problem) && problem.Type == rateLimitedProblem {
		return errors.WrapDomain(errors.ErrCodeRateLimited, domain, "rate limited by certificate authority", err)
	}
	msg := err.Error()
	if strings.Contains(msg, rateLimitedProblem) || strings.Contains(strings.ToLower(msg), "too many") {
		return errors.WrapDomain(errors.ErrCodeRateLimited, domain, "rate limited by certificate authority", err)
	}
	return errors.WrapDomain(errors.ErrCodeIssuance, domain, "acme issuance failed", err)
}
