package cli

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ksyq12/sitectl/internal/errors"
	"github.com/ksyq12/sitectl/internal/orchestrator"
	"github.com/ksyq12/sitectl/internal/site"
)

func TestRunSSLIssue(t *testing.T) {
	tests := []struct {
		name     string
		domain   string
		method   string
		isRoot   bool
		wantCode errors.ErrorCode
	}{
		{"self-signed", "example.com", "self_signed", true, ""},
		{"unknown method", "example.com", "letsencrypt", true, errors.ErrCodeValidation},
		{"unknown site", "missing.com", "self_signed", true, errors.ErrCodeNotFound},
		{"requires root", "example.com", "self_signed", false, errors.ErrCodePermission},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewTestHelper(t)
			h.CreateSite(orchestrator.CreateParams{Domain: "example.com", PHPVersion: "none"})
			h.SetRootAccess(tt.isRoot)
			resetFlags(t, sslIssueCmd)
			setFlags(t, sslIssueCmd, "method", tt.method)

			err := runSSLIssue(sslIssueCmd, []string{tt.domain})
			s, getErr := h.Engine.Get("example.com")
			require.NoError(t, getErr)
			if tt.wantCode != "" {
				require.Error(t, err)
				assert.Equal(t, tt.wantCode, errors.CodeOf(err))
				assert.Equal(t, site.SSLNone, s.SSLState)
				return
			}
			require.NoError(t, err)
			assert.Contains(t, h.Output(), "Certificate installed for example.com (self_signed)")
			assert.Equal(t, site.SSLActive, s.SSLState)
			assert.Equal(t, 2, s.ConfigVersion, "vhost switched to https")
		})
	}
}

func TestRunSSLStatus(t *testing.T) {
	h := NewTestHelper(t)

	require.NoError(t, runSSLStatus(sslStatusCmd, nil))
	assert.Contains(t, h.Output(), "No certificates")

	h.CreateSite(orchestrator.CreateParams{Domain: "example.com", PHPVersion: "none", SSL: "self_signed"})

	require.NoError(t, runSSLStatus(sslStatusCmd, nil))
	out := h.Output()
	assert.Contains(t, out, "TRUSTED")
	assert.Contains(t, out, "example.com")
	assert.Contains(t, out, "self_signed")

	h.SetJSON(true)
	require.NoError(t, runSSLStatus(sslStatusCmd, nil))
	var got []certView
	require.NoError(t, json.Unmarshal([]byte(h.Output()), &got))
	require.Len(t, got, 1)
	assert.Equal(t, "active", got[0].State)
	assert.False(t, got[0].Trusted)
	assert.True(t, got[0].Referenced)
	assert.InDelta(t, 364, got[0].DaysLeft, 1)
}

func TestRunSSLRenew(t *testing.T) {
	h := NewTestHelper(t)
	h.CreateSite(orchestrator.CreateParams{Domain: "example.com", PHPVersion: "none", SSL: "self_signed"})
	h.SetJSON(true)

	require.NoError(t, runSSLRenew(sslRenewCmd, nil))
	var got []renewItem
	require.NoError(t, json.Unmarshal([]byte(h.Output()), &got))
	assert.Equal(t, []renewItem{{Domain: "example.com"}}, got)

	h.Certs.SetClock(func() time.Time { return time.Now().Add(340 * 24 * time.Hour) })
	require.NoError(t, runSSLRenew(sslRenewCmd, nil))
	require.NoError(t, json.Unmarshal([]byte(h.Output()), &got))
	assert.Equal(t, []renewItem{{Domain: "example.com", Renewed: true}}, got)
}

func TestRunSSLRenew_NoCertificates(t *testing.T) {
	h := NewTestHelper(t)

	require.NoError(t, runSSLRenew(sslRenewCmd, nil))
	assert.Empty(t, h.Output())
}
