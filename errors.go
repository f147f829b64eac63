package copilot

import (
	"fmt"
)

// ErrNotAuthorized indicates that a request-issuing operation was skipped
// because the account is not signed in or not authorized. Callers should
// treat this as a silent no-op rather than a user-visible failure.
type ErrNotAuthorized struct{}

// Error implements the error interface.
func (e *ErrNotAuthorized) Error() string {
	return "account is not signed in or not authorized"
}

// ErrSurfaceIneligible indicates that an operation was skipped because the
// target surface cannot receive completions (read-only, non-text, or with
// multiple selections).
type ErrSurfaceIneligible struct {
	Surface SurfaceID
	Reason  string
}

// Error implements the error interface.
func (e *ErrSurfaceIneligible) Error() string {
	return fmt.Sprintf("surface %s is not eligible: %s", e.Surface, e.Reason)
}

// ErrWindowNotFound indicates that an operation referenced a window that is
// not attached to the registry.
type ErrWindowNotFound struct {
	Window WindowID
}

// Error implements the error interface.
func (e *ErrWindowNotFound) Error() string {
	return fmt.Sprintf("window %s is not attached", e.Window)
}

// ErrStaleResponse indicates that a completion response arrived after the
// surface's selection had moved and was discarded.
type ErrStaleResponse struct {
	Surface SurfaceID
}

// Error implements the error interface.
func (e *ErrStaleResponse) Error() string {
	return fmt.Sprintf("completion response for surface %s is stale", e.Surface)
}

// ErrNoCompletions indicates that a completion command was invoked while no
// completion set is shown for the surface.
type ErrNoCompletions struct {
	Surface SurfaceID
}

// Error implements the error interface.
func (e *ErrNoCompletions) Error() string {
	return fmt.Sprintf("no completions available for surface %s", e.Surface)
}

// ErrTransportClosed indicates an attempt to use a transport that has been
// closed.
type ErrTransportClosed struct{}

// Error implements the error interface.
func (e *ErrTransportClosed) Error() string {
	return "transport is closed"
}

// ErrServerFailed indicates that the language server subprocess failed to
// start or terminated unexpectedly.
type ErrServerFailed struct {
	Cause error
}

// Error implements the error interface.
func (e *ErrServerFailed) Error() string {
	return fmt.Sprintf("language server failed: %v", e.Cause)
}

// Unwrap implements the unwrap interface for error chains.
func (e *ErrServerFailed) Unwrap() error {
	return e.Cause
}

// ErrServerNotFound indicates that the language server binary could not be
// located at the expected install path.
type ErrServerNotFound struct {
	Path string
}

// Error implements the error interface.
func (e *ErrServerNotFound) Error() string {
	if e.Path == "" {
		return "language server binary not found"
	}
	return fmt.Sprintf("language server binary not found at: %s", e.Path)
}

// ErrRequestFailed indicates that the server answered a request with an
// error, or that the request could not be delivered.
type ErrRequestFailed struct {
	Method string
	Cause  error
}

// Error implements the error interface.
func (e *ErrRequestFailed) Error() string {
	return fmt.Sprintf("request %s failed: %v", e.Method, e.Cause)
}

// Unwrap implements the unwrap interface for error chains.
func (e *ErrRequestFailed) Unwrap() error {
	return e.Cause
}

// ErrProtocolViolation indicates that the server sent a message that does
// not fit the JSON-RPC exchange in progress.
type ErrProtocolViolation struct {
	Message string
}

// Error implements the error interface.
func (e *ErrProtocolViolation) Error() string {
	return fmt.Sprintf("protocol violation: %s", e.Message)
}

// ErrInstallFailed indicates that a server install failed. The failed stage
// is one of "resolve", "download", "extract", or "commit". A failed install
// never leaves a partial binary at the final path.
type ErrInstallFailed struct {
	Stage string
	Cause error
}

// Error implements the error interface.
func (e *ErrInstallFailed) Error() string {
	return fmt.Sprintf("server install failed during %s: %v", e.Stage, e.Cause)
}

// Unwrap implements the unwrap interface for error chains.
func (e *ErrInstallFailed) Unwrap() error {
	return e.Cause
}

// ErrUnsupportedPlatform indicates that no server archive is published for
// the current platform/architecture pair.
type ErrUnsupportedPlatform struct {
	Platform string
	Arch     string
}

// Error implements the error interface.
func (e *ErrUnsupportedPlatform) Error() string {
	return fmt.Sprintf("no language server build for %s/%s", e.Platform, e.Arch)
}

// ErrInvalidConfiguration indicates that client configuration is invalid.
type ErrInvalidConfiguration struct {
	Field  string
	Reason string
}

// Error implements the error interface.
func (e *ErrInvalidConfiguration) Error() string {
	return fmt.Sprintf("invalid configuration for %s: %s", e.Field, e.Reason)
}
