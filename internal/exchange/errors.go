// errors.go defines the error taxonomy every adapter maps its failures into.
//
// Callers never branch on adapter-specific errors; they classify through
// IsTransient / IsRejected / IsUnknownOrder and act per the recovery rules:
// transient errors are retried next tick, rejections are skipped locally,
// and unknown-order responses feed the reconciler's two-strike policy.
package exchange

import (
	"context"
	"errors"
	"fmt"
)

// TransientAPIError covers network failures, rate limits, 5xx responses and
// deadline expiry. The operation may be retried on the next tick.
type TransientAPIError struct {
	Op  string
	Err error
}

func (e *TransientAPIError) Error() string {
	return fmt.Sprintf("transient api error in %s: %v", e.Op, e.Err)
}

func (e *TransientAPIError) Unwrap() error { return e.Err }

// RejectedError is a permanent refusal: insufficient balance, amount below
// the market minimum, precision, or self-trade prevention. Retrying the same
// request will fail the same way.
type RejectedError struct {
	Reason string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("order rejected: %s", e.Reason)
}

// UnknownOrderError means the exchange does not recognize the order id.
type UnknownOrderError struct {
	OrderID string
}

func (e *UnknownOrderError) Error() string {
	return fmt.Sprintf("unknown order %s", e.OrderID)
}

// IsTransient reports whether the error should be retried next tick.
// Context deadline expiry counts as transient per the 10 s call budget.
func IsTransient(err error) bool {
	var t *TransientAPIError
	if errors.As(err, &t) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// IsRejected reports whether the exchange permanently refused the request.
func IsRejected(err error) bool {
	var r *RejectedError
	return errors.As(err, &r)
}

// IsUnknownOrder reports whether the exchange does not recognize the order id.
func IsUnknownOrder(err error) bool {
	var u *UnknownOrderError
	return errors.As(err, &u)
}
