// Package errors provides the error taxonomy for the sitectl engine.
//
// Every failure that crosses a package boundary is a *SiteError carrying a
// Code. The code decides how the orchestrator reacts:
//
//   - VALIDATION: bad input, nothing was changed, safe to retry after fixing
//   - CONFLICT: domain already exists or another operation holds the domain
//   - SYNTAX / RELOAD: config-level failure, triggers automatic rollback
//   - FETCH / BUILD / DEPLOYMENT_IN_PROGRESS: deployment-scoped, the active
//     vhost is untouched
//   - ISSUANCE / RATE_LIMITED / CHALLENGE_UNREACHABLE: certificate-scoped,
//     downgrades ssl_state but never the site status
//   - FATAL_SERVICE: the service itself is unhealthy; the site goes to failed
//
// # Sentinel Errors
//
// Sentinels match on code only, so any error with the same code satisfies
// errors.Is:
//
//	if errors.Is(err, errors.ErrConflict) {
//	    // someone else is working on this domain
//	}
//
// Use errors.As to get at the domain or the reload classification:
//
//	var siteErr *errors.SiteError
//	if errors.As(err, &siteErr) && siteErr.Undefined {
//	    // live config state unknown after a failed reload
//	}
package errors

import (
	"errors"
	"fmt"
)

// ErrorCode categorizes errors for programmatic handling.
type ErrorCode string

// Error codes for different error categories.
const (
	ErrCodeValidation           ErrorCode = "VALIDATION"
	ErrCodeConflict             ErrorCode = "CONFLICT"
	ErrCodeNotFound             ErrorCode = "NOT_FOUND"
	ErrCodeSnapshotNotFound     ErrorCode = "SNAPSHOT_NOT_FOUND"
	ErrCodeTemplate             ErrorCode = "TEMPLATE"
	ErrCodeSyntax               ErrorCode = "SYNTAX"
	ErrCodeReload               ErrorCode = "RELOAD"
	ErrCodeFetch                ErrorCode = "FETCH"
	ErrCodeBuild                ErrorCode = "BUILD"
	ErrCodeDeploymentInProgress ErrorCode = "DEPLOYMENT_IN_PROGRESS"
	ErrCodeIssuance             ErrorCode = "ISSUANCE"
	ErrCodeRateLimited          ErrorCode = "RATE_LIMITED"
	ErrCodeChallengeUnreachable ErrorCode = "CHALLENGE_UNREACHABLE"
	ErrCodeFatalService         ErrorCode = "FATAL_SERVICE"
	ErrCodePermission           ErrorCode = "PERMISSION"
	ErrCodeConfig               ErrorCode = "CONFIG"
	ErrCodeInternal             ErrorCode = "INTERNAL"
)

// SiteError represents a structured error with context about the operation.
type SiteError struct {
	Code    ErrorCode // Error category
	Message string    // Human-readable message
	Domain  string    // Domain name (if applicable)
	Err     error     // Underlying error (if any)

	// Undefined is only meaningful for RELOAD errors: the live config could
	// not be confirmed to still be the previous one.
	Undefined bool
}

// Error implements the error interface.
func (e *SiteError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Code)
	}
	if e.Domain != "" && e.Err != nil {
		return fmt.Sprintf("site %s: %s: %v", e.Domain, msg, e.Err)
	}
	if e.Domain != "" {
		return fmt.Sprintf("site %s: %s", e.Domain, msg)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

// Unwrap returns the underlying error for error chain traversal.
func (e *SiteError) Unwrap() error {
	return e.Err
}

// Is reports whether target matches this error.
// Comparison is based on error code.
func (e *SiteError) Is(target error) bool {
	t, ok := target.(*SiteError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// Sentinel errors, one per code.
var (
	ErrValidation           = &SiteError{Code: ErrCodeValidation, Message: "validation failed"}
	ErrConflict             = &SiteError{Code: ErrCodeConflict, Message: "conflicting operation"}
	ErrNotFound             = &SiteError{Code: ErrCodeNotFound, Message: "site not found"}
	ErrSnapshotNotFound     = &SiteError{Code: ErrCodeSnapshotNotFound, Message: "snapshot not found"}
	ErrTemplate             = &SiteError{Code: ErrCodeTemplate, Message: "template error"}
	ErrSyntax               = &SiteError{Code: ErrCodeSyntax, Message: "config syntax error"}
	ErrReload               = &SiteError{Code: ErrCodeReload, Message: "service reload failed"}
	ErrFetch                = &SiteError{Code: ErrCodeFetch, Message: "fetch failed"}
	ErrBuild                = &SiteError{Code: ErrCodeBuild, Message: "build failed"}
	ErrDeploymentInProgress = &SiteError{Code: ErrCodeDeploymentInProgress, Message: "deployment in progress"}
	ErrIssuance             = &SiteError{Code: ErrCodeIssuance, Message: "certificate issuance failed"}
	ErrRateLimited          = &SiteError{Code: ErrCodeRateLimited, Message: "rate limited by certificate authority"}
	ErrChallengeUnreachable = &SiteError{Code: ErrCodeChallengeUnreachable, Message: "challenge path unreachable"}
	ErrFatalService         = &SiteError{Code: ErrCodeFatalService, Message: "service unhealthy"}
	ErrPermission           = &SiteError{Code: ErrCodePermission, Message: "permission denied"}
	ErrConfig               = &SiteError{Code: ErrCodeConfig, Message: "invalid configuration"}
	ErrInternal             = &SiteError{Code: ErrCodeInternal, Message: "internal error"}

	// ErrRootRequired indicates root privileges are required.
	ErrRootRequired = &SiteError{Code: ErrCodePermission, Message: "root privileges required"}
)

// New creates an error with the given code and message.
func New(code ErrorCode, msg string) error {
	return &SiteError{Code: code, Message: msg}
}

// Newf creates an error with the given code and a formatted message.
func Newf(code ErrorCode, format string, args ...interface{}) error {
	return &SiteError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Validation creates a validation error with a custom message.
func Validation(msg string) error {
	return &SiteError{Code: ErrCodeValidation, Message: msg}
}

// Validationf creates a validation error with a formatted message.
func Validationf(format string, args ...interface{}) error {
	return &SiteError{Code: ErrCodeValidation, Message: fmt.Sprintf(format, args...)}
}

// NotFound creates an error for a site that doesn't exist.
func NotFound(domain string) error {
	return &SiteError{Code: ErrCodeNotFound, Message: "site not found", Domain: domain}
}

// AlreadyExists creates a conflict error for a domain that is already taken.
func AlreadyExists(domain string) error {
	return &SiteError{Code: ErrCodeConflict, Message: "site already exists", Domain: domain}
}

// Busy creates a conflict error for a domain another operation holds.
func Busy(domain string) error {
	return &SiteError{Code: ErrCodeConflict, Message: "another operation is in progress", Domain: domain}
}

// Wrap creates an error with the specified code, message, and underlying error.
func Wrap(code ErrorCode, msg string, err error) error {
	return &SiteError{Code: code, Message: msg, Err: err}
}

// WrapDomain creates an error with domain context and underlying error.
func WrapDomain(code ErrorCode, domain, msg string, err error) error {
	return &SiteError{Code: code, Message: msg, Domain: domain, Err: err}
}

// Reload creates a reload error. undefined reports that the live config
// could not be confirmed to be the previous, known-good one.
func Reload(service string, undefined bool, err error) error {
	msg := fmt.Sprintf("%s reload failed, previous config still live", service)
	if undefined {
		msg = fmt.Sprintf("%s reload failed, live config state undefined", service)
	}
	return &SiteError{Code: ErrCodeReload, Message: msg, Err: err, Undefined: undefined}
}

// CodeOf returns the code of the first SiteError in err's chain,
// or ErrCodeInternal when there is none.
func CodeOf(err error) ErrorCode {
	var se *SiteError
	if errors.As(err, &se) {
		return se.Code
	}
	return ErrCodeInternal
}

// IsUndefinedReload reports whether err is a reload failure that left the
// live config in an undefined state.
func IsUndefinedReload(err error) bool {
	var se *SiteError
	return errors.As(err, &se) && se.Code == ErrCodeReload && se.Undefined
}

// Is reports whether any error in err's chain matches target.
// This is a re-export of errors.Is for convenience.
var Is = errors.Is

// As finds the first error in err's chain that matches target.
// This is a re-export of errors.As for convenience.
var As = errors.As
