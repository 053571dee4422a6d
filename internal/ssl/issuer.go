package ssl

import "context"

// Bundle is a freshly issued certificate chain and private key, PEM encoded.
type Bundle struct {
	Cert []byte
	Key  []byte
}

// Issuer obtains certificates for one method.
type Issuer interface {
	Issue(ctx context.Context, domain string) (*Bundle, error)
}

// Remover is implemented by issuers that keep their own copy of a
// certificate which must be cleaned up on delete.
type Remover interface {
	Remove(ctx context.Context, domain string) error
}

// IssuerFunc adapts a function to the Issuer interface.
type IssuerFunc func(ctx context.Context, domain string) (*Bundle, error)

// Issue calls f.
func (f IssuerFunc) Issue(ctx context.Context, domain string) (*Bundle, error) {
	return f(ctx, domain)
}
