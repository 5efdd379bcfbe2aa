package sol

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound reports an absent account. Callers treat it as an empty result.
	ErrNotFound = errors.New("account not found")

	// ErrUnsupportedEncoding reports a transaction without a parsed instruction encoding.
	ErrUnsupportedEncoding = errors.New("unsupported transaction encoding")
)

// RemoteError is a transport or server failure from the RPC provider.
type RemoteError struct {
	Op  string
	Err error
}

func (e *RemoteError) Error() string { return fmt.Sprintf("rpc %s: %v", e.Op, e.Err) }
func (e *RemoteError) Unwrap() error { return e.Err }

// NotEligibleError reports a failed reclaim precondition.
type NotEligibleError struct {
	Reason string
}

func (e *NotEligibleError) Error() string { return "not eligible: " + e.Reason }

// NotEligible returns a NotEligibleError with a formatted reason.
func NotEligible(format string, args ...any) error {
	return &NotEligibleError{Reason: fmt.Sprintf(format, args...)}
}

// ParseError reports a malformed signature, address, transaction or account layout.
type ParseError struct {
	Input string
	Err   error
}

func (e *ParseError) Error() string { return fmt.Sprintf("parse %s: %v", e.Input, e.Err) }
func (e *ParseError) Unwrap() error { return e.Err }

// ConfigError reports missing or invalid key material or settings.
type ConfigError struct {
	Field string
	Err   error
}

func (e *ConfigError) Error() string { return fmt.Sprintf("config %s: %v", e.Field, e.Err) }
func (e *ConfigError) Unwrap() error { return e.Err }

// IsNotEligible reports whether err is a NotEligibleError.
func IsNotEligible(err error) bool {
	var ne *NotEligibleError
	return errors.As(err, &ne)
}

// IsParseError reports whether err is a ParseError.
func IsParseError(err error) bool {
	var pe *ParseError
	return errors.As(err, &pe)
}

// IsConfigError reports whether err is a ConfigError.
func IsConfigError(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}
