package sfuerrors

import "fmt"

// Kind groups errors into the coarse categories the transport layer maps to
// close codes and HTTP statuses.
type Kind string

const (
	KindAuthentication Kind = "authentication"
	KindOvercrowded    Kind = "overcrowded"
	KindConfig         Kind = "config"
	KindMedia          Kind = "media"
	KindBus            Kind = "bus"
	KindTimeout        Kind = "timeout"
)

// Code is a stable, programmatic error identifier.
type Code string

const (
	CodeInvalidToken        Code = "invalid_token"
	CodeInvalidSignature    Code = "invalid_signature"
	CodeExpired             Code = "expired"
	CodeNotYetValid         Code = "not_yet_valid"
	CodeIssuedInFuture      Code = "issued_in_future"
	CodeUnknownAlgorithm    Code = "unknown_algorithm"
	CodeUnknownChannel      Code = "unknown_channel"
	CodeMissingSessionID    Code = "missing_session_id"
	CodeLegacyKeyedChannel  Code = "legacy_keyed_channel"
	CodeChannelFull         Code = "channel_full"
	CodeMissingKey          Code = "missing_key"
	CodeMissingIssuer       Code = "missing_issuer"
	CodeTransportFailed     Code = "transport_failed"
	CodeProduceFailed       Code = "produce_failed"
	CodeConsumeFailed       Code = "consume_failed"
	CodeWorkerDied          Code = "worker_died"
	CodeRequestTimeout      Code = "request_timeout"
	CodeBusClosed           Code = "bus_closed"
	CodeSessionClosed       Code = "session_closed"
	CodeAuthDeadline        Code = "auth_deadline"
	CodeConnectionDeadline  Code = "connection_deadline"
	CodePingDeadline        Code = "ping_deadline"
	CodeErrorBudgetExceeded Code = "error_budget_exceeded"
)

// Error is a structured, programmatically identifiable error.
type Error struct {
	Kind Kind
	Code Code
	Err  error
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Err != nil {
		return fmt.Sprintf("%s (%s): %v", e.Kind, e.Code, e.Err)
	}
	return fmt.Sprintf("%s (%s)", e.Kind, e.Code)
}

func (e *Error) Unwrap() error { return e.Err }

// Is makes errors.Is match on Kind/Code templates: a target with an empty
// Code matches any error of the same Kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || e == nil || t == nil {
		return false
	}
	if t.Kind != "" && t.Kind != e.Kind {
		return false
	}
	return t.Code == "" || t.Code == e.Code
}

func Wrap(kind Kind, code Code, err error) error {
	return &Error{Kind: kind, Code: code, Err: err}
}

func New(kind Kind, code Code) error {
	return &Error{Kind: kind, Code: code}
}

// Kind templates for errors.Is checks.
var (
	ErrAuthentication = &Error{Kind: KindAuthentication}
	ErrOvercrowded    = &Error{Kind: KindOvercrowded}
	ErrConfig         = &Error{Kind: KindConfig}
	ErrMedia          = &Error{Kind: KindMedia}
	ErrBus            = &Error{Kind: KindBus}
	ErrTimeout        = &Error{Kind: KindTimeout}
)

// KindOf returns the Kind of err when it is (or wraps) *Error.
func KindOf(err error) (Kind, bool) {
	for err != nil {
		if e, ok := err.(*Error); ok {
			return e.Kind, true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return "", false
		}
		err = u.Unwrap()
	}
	return "", false
}
