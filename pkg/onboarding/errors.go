package onboarding

import (
	"errors"
	"fmt"

	"reposync/internal/auth"
	"reposync/pkg/provider"
)

// ErrorKind identifies the onboarding phase a failure belongs to
type ErrorKind string

const (
	KindAuth      ErrorKind = "auth"
	KindDiscovery ErrorKind = "discovery"
	KindReconcile ErrorKind = "reconcile"
	KindSync      ErrorKind = "sync"
	KindStore     ErrorKind = "store"
)

// Error is the failure of a single onboarding unit: an account, a repository
// or a pull request. It never aborts sibling units.
type Error struct {
	Kind        ErrorKind
	Account     string
	Repository  string
	PullRequest string
	Cause       error
}

// Error implements the error interface
func (e *Error) Error() string {
	return fmt.Sprintf("%s failed for %s: %v", e.Kind, e.Unit(), e.Cause)
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// Unit returns the identity of the failed unit, e.g. "acme", "acme/svc-a" or "acme/svc-a#4"
func (e *Error) Unit() string {
	unit := e.Account
	if e.Repository != "" {
		unit = e.Repository
	}
	if e.PullRequest != "" {
		unit += "#" + e.PullRequest
	}
	return unit
}

// IsRetryable reports whether running the unit again may succeed
func (e *Error) IsRetryable() bool {
	var authErr *auth.Error
	if errors.As(e.Cause, &authErr) {
		return authErr.IsRetryable()
	}
	return provider.IsRetryable(e.Cause)
}

func repoError(kind ErrorKind, repo provider.Repository, cause error) *Error {
	return &Error{Kind: kind, Account: repo.Owner, Repository: repo.FullName(), Cause: cause}
}

// unitErrors flattens err into the unit failures it carries
func unitErrors(err error) []*Error {
	if err == nil {
		return nil
	}
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		var out []*Error
		for _, e := range joined.Unwrap() {
			out = append(out, unitErrors(e)...)
		}
		return out
	}
	var unitErr *Error
	if errors.As(err, &unitErr) {
		return []*Error{unitErr}
	}
	return []*Error{{Kind: KindSync, Cause: err}}
}
