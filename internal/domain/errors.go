// Package domain provides shared domain-level sentinel errors.
package domain

import (
	"errors"
	"fmt"
)

// ErrNotFound indicates the requested entity does not exist.
var ErrNotFound = errors.New("not found")

// ErrConflict indicates the request conflicts with the current state of the resource
// (an immutable agent version, a terminal run, a referenced agent).
var ErrConflict = errors.New("conflict")

// ErrValidation indicates a structurally invalid definition, manifest, or request.
// Validation errors are returned before anything is applied.
var ErrValidation = errors.New("validation error")

// ErrChecksumMismatch indicates a stored agent manifest no longer matches its checksum.
// It is a registry integrity fault; runs using the agent must not proceed.
var ErrChecksumMismatch = errors.New("checksum mismatch")

// ErrCredential is the parent of all credential broker errors.
var ErrCredential = errors.New("credential error")

// ErrCredentialExpired indicates a grant is past its expiry and could not be renewed.
var ErrCredentialExpired = fmt.Errorf("%w: expired", ErrCredential)

// ErrCredentialNotConfigured indicates the tenant has no credential for the service.
var ErrCredentialNotConfigured = fmt.Errorf("%w: not configured", ErrCredential)

// ErrInvocation indicates an agent call failed or timed out.
var ErrInvocation = errors.New("invocation error")

// ErrCancelled indicates a run was stopped on request. It is not a failure.
var ErrCancelled = errors.New("cancelled")

// InvocationError carries the details of a failed agent invocation.
type InvocationError struct {
	Agent    string // agent key, id@version
	Attempts int
	Timeout  bool
	Err      error
}

func (e *InvocationError) Error() string {
	what := "failed"
	if e.Timeout {
		what = "timed out"
	}
	if e.Attempts > 1 {
		return fmt.Sprintf("invocation of %s %s after %d attempts: %v", e.Agent, what, e.Attempts, e.Err)
	}
	return fmt.Sprintf("invocation of %s %s: %v", e.Agent, what, e.Err)
}

// Unwrap exposes both the ErrInvocation kind and the underlying cause.
func (e *InvocationError) Unwrap() []error {
	return []error{ErrInvocation, e.Err}
}
