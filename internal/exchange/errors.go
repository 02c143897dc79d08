package exchange

import "errors"

// Kind classifies an exchange-client error so the caller (the main
// scheduler and the circuit breaker) can apply the policy of spec §7
// without string-matching error messages.
type Kind string

const (
	KindTransportTimeout     Kind = "transport_timeout"
	KindTransportUnavailable Kind = "transport_unavailable"
	KindAuthExpired          Kind = "auth_expired"
	KindOrderRejected        Kind = "order_rejected"
	KindNotFound             Kind = "not_found"
	KindRateLimited          Kind = "rate_limited"
	KindStreamGap            Kind = "stream_gap"
	KindMalformedMessage     Kind = "malformed_message"
	KindInsufficientBalance  Kind = "insufficient_balance"
	KindInternal             Kind = "internal"
)

// Error wraps an underlying error with a Kind so callers can branch on
// classification without inspecting message text.
type Error struct {
	Kind   Kind
	Reason string // populated for KindOrderRejected
	Err    error
}

func (e *Error) Error() string {
	if e.Reason != "" {
		return string(e.Kind) + ": " + e.Reason
	}
	if e.Err != nil {
		return string(e.Kind) + ": " + e.Err.Error()
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

func newErr(kind Kind, err error) *Error { return &Error{Kind: kind, Err: err} }

// OrderRejected builds the error returned when the exchange rejects an
// order outright (e.g. price/size validation). It never counts toward
// the circuit breaker's consecutive-error counter (spec §7).
func OrderRejected(reason string) *Error {
	return &Error{Kind: KindOrderRejected, Reason: reason}
}

// KindOf extracts the Kind from err, defaulting to KindInternal for any
// error not produced by this package.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// TripsBreakerImmediately reports whether this error kind trips the
// circuit breaker on its own, bypassing the consecutive-error counter
// (spec §7: AuthExpired / InsufficientBalance / Internal).
func TripsBreakerImmediately(k Kind) bool {
	switch k {
	case KindAuthExpired, KindInsufficientBalance, KindInternal:
		return true
	default:
		return false
	}
}

// CountsAsConsecutiveError reports whether this error kind increments the
// breaker's transient-error counter (spec §7).
func CountsAsConsecutiveError(k Kind) bool {
	switch k {
	case KindTransportTimeout, KindTransportUnavailable, KindRateLimited:
		return true
	default:
		return false
	}
}
