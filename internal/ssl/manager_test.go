package ssl

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-acme/lego/v4/certcrypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ksyq12/sitectl/internal/config"
	"github.com/ksyq12/sitectl/internal/errors"
	"github.com/ksyq12/sitectl/internal/executor"
)

type checkerFunc func(ctx context.Context, domain string) error

func (f checkerFunc) Check(ctx context.Context, domain string) error { return f(ctx, domain) }

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	dir := t.TempDir()
	cfg := config.New()
	cfg.StateDir = filepath.Join(dir, "state")
	cfg.SSL.CertDir = filepath.Join(dir, "certs")
	cfg.SSL.ChallengeRoot = filepath.Join(dir, "challenge")
	cfg.SSL.RatePerMinute = 60000

	m := NewManager(cfg, &executor.MockExecutor{})
	m.SetReachChecker(checkerFunc(func(context.Context, string) error { return nil }))
	m.SetClock(func() time.Time { return base })
	m.SetIssuer(MethodSelfSigned, &SelfSignedIssuer{validity: 90 * 24 * time.Hour, now: func() time.Time { return base }})
	return m
}

// countingIssuer wraps an issuer and counts calls.
func countingIssuer(inner Issuer, calls *int32) Issuer {
	return IssuerFunc(func(ctx context.Context, domain string) (*Bundle, error) {
		atomic.AddInt32(calls, 1)
		return inner.Issue(ctx, domain)
	})
}

func failingIssuer(err error) Issuer {
	return IssuerFunc(func(context.Context, string) (*Bundle, error) { return nil, err })
}

func TestIssue_SelfSigned(t *testing.T) {
	m := newTestManager(t)

	cert, err := m.Issue(context.Background(), "example.com", MethodSelfSigned)
	require.NoError(t, err)

	assert.Equal(t, StateActive, cert.State)
	assert.False(t, cert.Trusted)
	assert.Equal(t, base.Add(-time.Minute).Add(90*24*time.Hour), cert.NotAfter)

	certPath, keyPath := m.Paths("example.com")
	assert.Equal(t, certPath, cert.CertPath)

	data, err := os.ReadFile(certPath)
	require.NoError(t, err)
	parsed, err := certcrypto.ParsePEMCertificate(data)
	require.NoError(t, err)
	assert.Contains(t, parsed.DNSNames, "www.example.com")

	info, err := os.Stat(keyPath)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
}

func TestIssue_UnreachableChallenge(t *testing.T) {
	m := newTestManager(t)
	var calls int32
	m.SetIssuer(MethodACME, countingIssuer(NewSelfSignedIssuer(), &calls))
	m.SetReachChecker(checkerFunc(func(ctx context.Context, domain string) error {
		return errors.WrapDomain(errors.ErrCodeChallengeUnreachable, domain, "challenge path unreachable", nil)
	}))

	_, err := m.Issue(context.Background(), "example.com", MethodACME)
	assert.True(t, errors.Is(err, errors.ErrChallengeUnreachable))
	assert.Zero(t, atomic.LoadInt32(&calls), "no order may be placed when the reachability check fails")

	rec, err := m.Get("example.com")
	require.NoError(t, err)
	assert.Equal(t, StateNone, rec.State)
	assert.NotEmpty(t, rec.LastError)
}

func TestIssue_SelfSignedSkipsReachCheck(t *testing.T) {
	m := newTestManager(t)
	m.SetReachChecker(checkerFunc(func(context.Context, string) error {
		t.Fatal("self-signed issuance must not run the reachability check")
		return nil
	}))
	_, err := m.Issue(context.Background(), "example.com", MethodSelfSigned)
	assert.NoError(t, err)
}

func TestIssue_FailureKeepsInstalledCertificate(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	first, err := m.Issue(ctx, "example.com", MethodSelfSigned)
	require.NoError(t, err)
	before, err := os.ReadFile(first.CertPath)
	require.NoError(t, err)

	m.SetIssuer(MethodACME, failingIssuer(errors.WrapDomain(errors.ErrCodeRateLimited, "example.com", "rate limited", nil)))
	_, err = m.Issue(ctx, "example.com", MethodACME)
	assert.True(t, errors.Is(err, errors.ErrRateLimited))

	after, err := os.ReadFile(first.CertPath)
	require.NoError(t, err)
	assert.Equal(t, before, after)

	rec, err := m.Get("example.com")
	require.NoError(t, err)
	assert.Equal(t, StateActive, rec.State)
	assert.Equal(t, MethodSelfSigned, rec.Method)
}

func TestIssue_UnclassifiedErrorBecomesIssuance(t *testing.T) {
	m := newTestManager(t)
	m.SetIssuer(MethodCertbot, failingIssuer(fmt.Errorf("boom")))

	_, err := m.Issue(context.Background(), "example.com", MethodCertbot)
	assert.True(t, errors.Is(err, errors.ErrIssuance))
}

func TestRenewIfDue_GraceWindow(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	cert, err := m.Issue(ctx, "example.com", MethodSelfSigned)
	require.NoError(t, err)

	var calls int32
	m.SetIssuer(MethodSelfSigned, countingIssuer(&SelfSignedIssuer{validity: 90 * 24 * time.Hour, now: func() time.Time { return base }}, &calls))
	grace := 30 * 24 * time.Hour

	m.SetClock(func() time.Time { return cert.NotAfter.Add(-grace - time.Second) })
	renewed, err := m.RenewIfDue(ctx, "example.com")
	require.NoError(t, err)
	assert.False(t, renewed)
	assert.Zero(t, atomic.LoadInt32(&calls))

	m.SetClock(func() time.Time { return cert.NotAfter.Add(-grace + time.Second) })
	renewed, err = m.RenewIfDue(ctx, "example.com")
	require.NoError(t, err)
	assert.True(t, renewed)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestRenewIfDue_FailureSchedulesRetry(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	cert, err := m.Issue(ctx, "example.com", MethodSelfSigned)
	require.NoError(t, err)
	require.NoError(t, m.Reference("example.com"))

	var calls int32
	m.SetIssuer(MethodSelfSigned, countingIssuer(failingIssuer(fmt.Errorf("ca down")), &calls))

	due := cert.NotAfter.Add(-10 * 24 * time.Hour)
	m.SetClock(func() time.Time { return due })

	renewed, err := m.RenewIfDue(ctx, "example.com")
	assert.Error(t, err)
	assert.False(t, renewed)

	rec, err := m.Get("example.com")
	require.NoError(t, err)
	assert.Equal(t, StateRenewalFailed, rec.State)
	assert.Equal(t, due.Add(24*time.Hour), rec.NextRetry)
	assert.Equal(t, cert.NotAfter, rec.NotAfter, "existing certificate stays installed")
	assert.True(t, rec.Referenced)

	// inside the backoff window nothing is attempted
	m.SetClock(func() time.Time { return due.Add(time.Hour) })
	renewed, err = m.RenewIfDue(ctx, "example.com")
	require.NoError(t, err)
	assert.False(t, renewed)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))

	// after it, renewal is retried
	m.SetIssuer(MethodSelfSigned, NewSelfSignedIssuer())
	m.SetClock(func() time.Time { return due.Add(25 * time.Hour) })
	renewed, err = m.RenewIfDue(ctx, "example.com")
	require.NoError(t, err)
	assert.True(t, renewed)

	rec, err = m.Get("example.com")
	require.NoError(t, err)
	assert.Equal(t, StateActive, rec.State)
	assert.Empty(t, rec.LastError)
	assert.True(t, rec.Referenced)
}

func TestRenewIfDue_Unknown(t *testing.T) {
	m := newTestManager(t)
	_, err := m.RenewIfDue(context.Background(), "nope.example.com")
	assert.True(t, errors.Is(err, errors.ErrNotFound))
}

func TestRenewAll(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	for _, d := range []string{"a.example.com", "b.example.com", "c.example.com"} {
		_, err := m.Issue(ctx, d, MethodSelfSigned)
		require.NoError(t, err)
	}

	m.SetIssuer(MethodSelfSigned, IssuerFunc(func(ctx context.Context, domain string) (*Bundle, error) {
		if domain == "b.example.com" {
			return nil, fmt.Errorf("ca down")
		}
		return NewSelfSignedIssuer().Issue(ctx, domain)
	}))
	m.SetClock(func() time.Time { return base.Add(80 * 24 * time.Hour) })

	results, err := m.RenewAll(ctx)
	require.NoError(t, err)
	require.Len(t, results, 3)

	byDomain := map[string]RenewResult{}
	for _, r := range results {
		byDomain[r.Domain] = r
	}
	assert.True(t, byDomain["a.example.com"].Renewed)
	assert.Error(t, byDomain["b.example.com"].Err)
	assert.True(t, byDomain["c.example.com"].Renewed)
}

func TestExpiredState(t *testing.T) {
	m := newTestManager(t)
	cert, err := m.Issue(context.Background(), "example.com", MethodSelfSigned)
	require.NoError(t, err)

	m.SetClock(func() time.Time { return cert.NotAfter.Add(time.Second) })
	rec, err := m.Get("example.com")
	require.NoError(t, err)
	assert.Equal(t, StateExpired, rec.State)
}

func TestDelete_RefusedWhileReferenced(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	cert, err := m.Issue(ctx, "example.com", MethodSelfSigned)
	require.NoError(t, err)
	require.NoError(t, m.Reference("example.com"))

	err = m.Delete(ctx, "example.com")
	assert.True(t, errors.Is(err, errors.ErrConflict))
	_, err = os.Stat(cert.CertPath)
	assert.NoError(t, err)

	require.NoError(t, m.Release("example.com"))
	require.NoError(t, m.Delete(ctx, "example.com"))

	_, err = os.Stat(cert.CertPath)
	assert.True(t, os.IsNotExist(err))
	_, err = m.Get("example.com")
	assert.True(t, errors.Is(err, errors.ErrNotFound))

	// releasing or deleting an unknown certificate is a no-op
	assert.NoError(t, m.Release("example.com"))
	assert.NoError(t, m.Delete(ctx, "example.com"))
}

func TestParseMethod(t *testing.T) {
	for _, s := range []string{"acme", "certbot", "self_signed"} {
		m, err := ParseMethod(s)
		assert.NoError(t, err)
		assert.Equal(t, Method(s), m)
	}
	_, err := ParseMethod("dns")
	assert.True(t, errors.Is(err, errors.ErrValidation))
}
