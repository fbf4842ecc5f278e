package client

import (
	"errors"
	"fmt"
)

var (
	// ErrProtocolViolation: the 402 body was malformed or missing accepts.
	ErrProtocolViolation = errors.New("protocol violation")
	// ErrNoAcceptablePayment: no offered requirement is usable by the signer.
	ErrNoAcceptablePayment = errors.New("no acceptable payment method found")
	ErrSigningFailed       = errors.New("failed to sign payment")
	ErrTransport           = errors.New("transport error")
)

// PaymentError reports which step of the handshake failed. Kind is one of
// the sentinel errors above; errors.Is matches both Kind and Err.
type PaymentError struct {
	Kind error
	Op   string
	Err  error
}

func (e *PaymentError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("x402 %s: %v", e.Op, e.Kind)
	}
	return fmt.Sprintf("x402 %s: %v: %v", e.Op, e.Kind, e.Err)
}

func (e *PaymentError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func newPaymentError(kind error, op string, err error) *PaymentError {
	return &PaymentError{Kind: kind, Op: op, Err: err}
}
