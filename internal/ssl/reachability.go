package ssl

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-acme/lego/v4/challenge/http01"
	"github.com/google/uuid"
	"github.com/hashicorp/go-retryablehttp"

	"github.com/ksyq12/sitectl/internal/errors"
	"github.com/ksyq12/sitectl/internal/logger"
)

// ReachChecker checks that a domain serves the shared challenge path before an
// ACME order is placed.
type ReachChecker interface {
	Check(ctx context.Context, domain string) error
}

// HTTPReachChecker writes a random token under the challenge root and fetches
// it back over plain HTTP.
type HTTPReachChecker struct {
	root    string
	client  *retryablehttp.Client
	baseURL func(domain string) string
}

// NewHTTPReachChecker creates a checker for the given challenge root.
func NewHTTPReachChecker(root string, timeout time.Duration) *HTTPReachChecker {
	client := retryablehttp.NewClient()
	client.RetryMax = 2
	client.RetryWaitMin = 500 * time.Millisecond
	client.RetryWaitMax = 2 * time.Second
	client.HTTPClient.Timeout = timeout
	client.Logger = leveledLogger{}

	return &HTTPReachChecker{
		root:    root,
		client:  client,
		baseURL: func(domain string) string { return "http://" + domain },
	}
}

// Check verifies http://<domain>/.well-known/acme-challenge/<token>.
func (p *HTTPReachChecker) Check(ctx context.Context, domain string) error {
	token := "sitectl-reach-" + uuid.NewString()
	path := filepath.Join(p.root, http01.ChallengePath(token))

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return errors.WrapDomain(errors.ErrCodeIssuance, domain, "failed to prepare challenge root", err)
	}
	if err := os.WriteFile(path, []byte(token), 0644); err != nil {
		return errors.WrapDomain(errors.ErrCodeIssuance, domain, "failed to write check token", err)
	}
	defer os.Remove(path)

	url := p.baseURL(domain) + http01.ChallengePath(token)
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return errors.WrapDomain(errors.ErrCodeChallengeUnreachable, domain, "invalid check url", err)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return errors.WrapDomain(errors.ErrCodeChallengeUnreachable, domain, "challenge path unreachable", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return errors.WrapDomain(errors.ErrCodeChallengeUnreachable, domain, "failed to read check response", err)
	}
	if resp.StatusCode != http.StatusOK {
		return errors.WrapDomain(errors.ErrCodeChallengeUnreachable, domain, "challenge path unreachable",
			fmt.Errorf("GET %s returned %d", url, resp.StatusCode))
	}
	if strings.TrimSpace(string(body)) != token {
		return errors.WrapDomain(errors.ErrCodeChallengeUnreachable, domain, "challenge path served unexpected content",
			fmt.Errorf("GET %s did not return the check token", url))
	}
	return nil
}

// leveledLogger routes retryablehttp's logging to the debug log.
type leveledLogger struct{}

func (leveledLogger) Error(msg string, kv ...interface{}) { logger.DebugFields(msg, kvFields(kv)) }
func (leveledLogger) Info(msg string, kv ...interface{})  { logger.DebugFields(msg, kvFields(kv)) }
func (leveledLogger) Debug(msg string, kv ...interface{}) { logger.DebugFields(msg, kvFields(kv)) }
func (leveledLogger) Warn(msg string, kv ...interface{})  { logger.DebugFields(msg, kvFields(kv)) }

func kvFields(kv []interface{}) map[string]interface{} {
	fields := make(map[string]interface{}, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		fields[fmt.Sprint(kv[i])] = kv[i+1]
	}
	return fields
}
