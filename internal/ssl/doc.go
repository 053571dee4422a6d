// Package ssl issues, tracks and renews TLS certificates.
//
// A Manager owns the certificate registry (state_dir/certificates.yaml) and
// installs every certificate under cert_dir/<domain>/{fullchain,privkey}.pem
// regardless of how it was obtained. Three issuers are available:
//
//   - acme: Let's Encrypt (or any ACME directory) through lego, answering
//     HTTP-01 challenges from the shared challenge root every vhost serves
//   - certbot: certbot in webroot mode against the same challenge root
//   - self_signed: local EC certificates, always available, not trusted
//
// Before an ACME or certbot order the Manager checks
// http://<domain>/.well-known/acme-challenge/<token> and fails fast with
// CHALLENGE_UNREACHABLE when the domain does not serve it. ACME calls are
// throttled locally with a token bucket.
//
// # Renewal
//
// A certificate is due once now >= not_after - grace. RenewIfDue leaves the
// installed certificate in place on failure, marks it renewal_failed and
// defers the next attempt by the retry backoff:
//
//	renewed, err := mgr.RenewIfDue(ctx, "example.com")
//
// RenewAll is meant to be called from a timer (sitectl ssl renew).
//
// # References
//
// Sites mark their certificate with Reference and drop it with Release.
// Delete refuses to remove a referenced certificate.
package ssl
