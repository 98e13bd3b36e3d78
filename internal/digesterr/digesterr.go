// Package digesterr defines the pipeline's abstract error taxonomy and the
// policy for handling each kind.
package digesterr

import "fmt"

// Kind is one of the abstract error categories every stage reports against.
type Kind string

const (
	TransientNetwork Kind = "transient_network"
	RemoteRateLimit   Kind = "remote_rate_limit"
	SchemaViolation   Kind = "schema_violation"
	AuthFailure       Kind = "auth_failure"
	ConfigError       Kind = "config_error"
	DataIntegrity     Kind = "data_integrity"
	BudgetExceeded    Kind = "budget_exceeded"
	Cancelled         Kind = "cancelled"
)

// Error wraps an underlying cause with the abstract Kind the run controller
// and metrics layer dispatch on.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an Error with no wrapped cause.
func New(kind Kind, msg string) *Error { return &Error{Kind: kind, Msg: msg} }

// Wrap attaches an abstract Kind to an underlying error.
func Wrap(kind Kind, err error) *Error { return &Error{Kind: kind, Msg: err.Error(), Err: err} }

// Retryable reports whether this kind is retried locally without operator
// intervention.
func Retryable(kind Kind) bool {
	return kind == TransientNetwork || kind == RemoteRateLimit
}

// Fatal reports whether this kind should surface to the operator and stop
// the run rather than degrade gracefully.
func Fatal(kind Kind) bool {
	return kind == AuthFailure || kind == ConfigError
}
