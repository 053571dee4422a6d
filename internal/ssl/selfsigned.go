package ssl

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"time"

	"github.com/go-acme/lego/v4/certcrypto"

	"github.com/ksyq12/sitectl/internal/errors"
)

// SelfSignedIssuer creates local certificates. They always succeed but
// are not trusted by browsers.
type SelfSignedIssuer struct {
	validity time.Duration
	now      func() time.Time
}

// NewSelfSignedIssuer creates a self-signed issuer with a one year validity.
func NewSelfSignedIssuer() *SelfSignedIssuer {
	return &SelfSignedIssuer{validity: 365 * 24 * time.Hour, now: time.Now}
}

// Issue generates an EC P-256 key and a certificate for domain and www.domain.
func (s *SelfSignedIssuer) Issue(ctx context.Context, domain string) (*Bundle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	key, err := certcrypto.GeneratePrivateKey(certcrypto.EC256)
	if err != nil {
		return nil, errors.WrapDomain(errors.ErrCodeIssuance, domain, "failed to generate key", err)
	}
	signer, ok := key.(crypto.Signer)
	if !ok {
		return nil, errors.Newf(errors.ErrCodeInternal, "generated key %T cannot sign", key)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, errors.WrapDomain(errors.ErrCodeIssuance, domain, "failed to generate serial", err)
	}

	notBefore := s.now().Add(-time.Minute)
	tmpl := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: domain, Organization: []string{"sitectl self-signed"}},
		NotBefore:             notBefore,
		NotAfter:              notBefore.Add(s.validity),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		DNSNames:              []string{domain, "www." + domain},
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, signer.Public(), signer)
	if err != nil {
		return nil, errors.WrapDomain(errors.ErrCodeIssuance, domain, "failed to create certificate", fmt.Errorf("x509: %w", err))
	}

	return &Bundle{
		Cert: pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}),
		Key:  certcrypto.PEMEncode(key),
	}, nil
}
