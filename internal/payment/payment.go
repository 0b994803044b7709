// Package payment holds the two provider adapters: the mobile STK push
// flow and the hosted-redirect card flow. Both surface failures as
// *payment.Error so the conversation controller can branch on the
// provider for message construction only.
package payment

import (
	"errors"
	"fmt"
)

// Provider identifies which adapter produced an error.
type Provider string

const (
	ProviderMpesa  Provider = "mpesa"
	ProviderHosted Provider = "hosted"
)

// Well-known error codes.
const (
	CodeConfig              = "config_error"
	CodeInvalidPhone        = "invalid_phone"
	CodeBusinessNotEligible = "business_not_eligible"
	CodeUnavailable         = "provider_unavailable"
)

// ErrConfig signals missing provider credentials.
var ErrConfig = errors.New("payment provider credentials missing")

// Error is the outward contract of both adapters.
type Error struct {
	Provider Provider
	Code     string
	Err      error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("payment[%s/%s]: %v", e.Provider, e.Code, e.Err)
	}
	return fmt.Sprintf("payment[%s/%s]", e.Provider, e.Code)
}

func (e *Error) Unwrap() error { return e.Err }

func newError(p Provider, code string, err error) *Error {
	return &Error{Provider: p, Code: code, Err: err}
}
