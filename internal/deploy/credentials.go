package deploy

import (
	"context"
	"regexp"
	"strings"

	"github.com/ksyq12/sitectl/internal/errors"
)

// Credential is a short-lived handle on a deployment secret. Callers must
// Release it as soon as the command that needs it has finished.
type Credential struct {
	Username string
	token    string
}

// Token returns the secret, or "" after Release.
func (c *Credential) Token() string {
	return c.token
}

// Release drops the secret from the handle.
func (c *Credential) Release() {
	c.token = ""
}

// CredentialStore resolves a credential reference to a handle.
type CredentialStore interface {
	Acquire(ctx context.Context, ref string) (*Credential, error)
}

var nonIdent = regexp.MustCompile(`[^A-Z0-9_]+`)

// CredentialKey maps a reference to the variable that holds it:
// "github" -> SITECTL_CREDENTIAL_GITHUB.
func CredentialKey(ref string) string {
	return "SITECTL_CREDENTIAL_" + nonIdent.ReplaceAllString(strings.ToUpper(ref), "_")
}

// EnvCredentialStore reads credentials from the secrets env file (loaded
// with godotenv into the config) or the process environment. A value of
// the form user:token sets the username, otherwise x-access-token is used.
type EnvCredentialStore struct {
	lookup func(key string) string
}

// NewEnvCredentialStore creates a store backed by lookup, usually
// config.Config.Secret.
func NewEnvCredentialStore(lookup func(key string) string) *EnvCredentialStore {
	return &EnvCredentialStore{lookup: lookup}
}

// Acquire returns the credential for ref.
func (s *EnvCredentialStore) Acquire(ctx context.Context, ref string) (*Credential, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	key := CredentialKey(ref)
	value := strings.TrimSpace(s.lookup(key))
	if value == "" {
		return nil, errors.Newf(errors.ErrCodeFetch, "credential %q not found (set %s)", ref, key)
	}
	if user, token, ok := strings.Cut(value, ":"); ok && user != "" && token != "" {
		return &Credential{Username: user, token: token}, nil
	}
	return &Credential{Username: "x-access-token", token: value}, nil
}
