package domain

import (
	"context"
	"errors"
)

// Sentinel errors for domain error conditions.
// Use errors.Is() for matching - never compare error strings.
var (
	// ID validation errors
	ErrEmptyID   = errors.New("ID cannot be empty")
	ErrInvalidID = errors.New("invalid ID format")

	// Channel errors. The long-poll retry loop branches on these, so every
	// failure produced by the channel layer must wrap exactly one of them.
	ErrNetwork            = errors.New("network failure")
	ErrSessionInvalid     = errors.New("channel session invalid")
	ErrLifetimeExpired    = errors.New("channel lifetime expired")
	ErrProtocolDecode     = errors.New("malformed channel data")
	ErrRegistrationFailed = errors.New("channel registration failed")
	ErrRetriesExhausted   = errors.New("long-poll retries exhausted")

	// Auth errors
	ErrNoCredentials = errors.New("no credentials available")
	ErrAuthFailed    = errors.New("token request rejected")
	ErrUntrustedHost = errors.New("host outside trusted domain")

	// Resource errors
	ErrNotFound      = errors.New("resource not found")
	ErrAlreadyExists = errors.New("resource already exists")

	// Operational errors
	ErrUnavailable = errors.New("service temporarily unavailable")

	// Configuration errors
	ErrConfigRequired = errors.New("required configuration key missing")
)

// FailureKind partitions channel failures into the outcomes the retry loop
// distinguishes. Classify maps any error onto exactly one kind so the loop
// can switch exhaustively instead of probing error types ad hoc.
type FailureKind int

const (
	// FailureNone: the long-poll request returned and closed normally.
	FailureNone FailureKind = iota
	// FailureNetwork: transient I/O problem; retry with backoff, same session.
	FailureNetwork
	// FailureSessionInvalid: the server no longer accepts the SID;
	// re-register and retry without backoff.
	FailureSessionInvalid
	// FailureRegistration: the registration handshake itself failed;
	// retry with backoff.
	FailureRegistration
	// FailureProtocolDecode: the stream produced undecodable data; the
	// connection is no longer trustworthy, retry with backoff.
	FailureProtocolDecode
	// FailureLifetimeExpired: the listen call outlived its maximum age;
	// fatal to this invocation.
	FailureLifetimeExpired
	// FailureAuth: credentials were rejected or missing; retrying cannot
	// help until the account is re-linked.
	FailureAuth
	// FailureCanceled: the caller's context ended; no further retries.
	FailureCanceled
)

// String returns the label used in logs and metric attributes.
func (k FailureKind) String() string {
	switch k {
	case FailureNone:
		return "none"
	case FailureNetwork:
		return "network"
	case FailureSessionInvalid:
		return "session_invalid"
	case FailureRegistration:
		return "registration"
	case FailureProtocolDecode:
		return "protocol_decode"
	case FailureLifetimeExpired:
		return "lifetime_expired"
	case FailureAuth:
		return "auth"
	case FailureCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// Classify maps an error from a registration or long-poll attempt onto a
// FailureKind. Unrecognized errors count as network failures: the original
// protocol treats any unclassified client error as transient.
func Classify(err error) FailureKind {
	switch {
	case err == nil:
		return FailureNone
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		return FailureCanceled
	case errors.Is(err, ErrLifetimeExpired):
		return FailureLifetimeExpired
	case errors.Is(err, ErrAuthFailed) || errors.Is(err, ErrNoCredentials):
		return FailureAuth
	case errors.Is(err, ErrSessionInvalid):
		return FailureSessionInvalid
	case errors.Is(err, ErrRegistrationFailed):
		return FailureRegistration
	case errors.Is(err, ErrProtocolDecode):
		return FailureProtocolDecode
	default:
		return FailureNetwork
	}
}

// IsRetryable returns true if the error represents a condition the channel
// retry loop can recover from on its own.
func IsRetryable(err error) bool {
	switch Classify(err) {
	case FailureNetwork, FailureSessionInvalid, FailureRegistration, FailureProtocolDecode:
		return true
	default:
		return false
	}
}

// IsSessionInvalid returns true if the error requires re-registration.
func IsSessionInvalid(err error) bool {
	return errors.Is(err, ErrSessionInvalid)
}

// IsFatal returns true if the error must terminate the current listen
// invocation and propagate to the caller.
func IsFatal(err error) bool {
	return errors.Is(err, ErrLifetimeExpired) ||
		errors.Is(err, ErrRetriesExhausted) ||
		IsAuthFailure(err)
}

// IsAuthFailure returns true if the error means the account's
// credentials are missing or no longer accepted. Reconnecting cannot
// recover from this; the account must be re-linked.
func IsAuthFailure(err error) bool {
	return errors.Is(err, ErrAuthFailed) || errors.Is(err, ErrNoCredentials)
}

// IsNotFound returns true if the error represents a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
