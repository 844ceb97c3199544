// Package relerr defines the error taxonomy shared across the pipeline
// subsystem. Every error kind carries the originating component and a
// free-form context map so observability can redact and log it uniformly.
package relerr

import "fmt"

// Kind identifies one of the error classes from spec §7.
type Kind string

const (
	KindConfigMissing         Kind = "ConfigMissing"
	KindConfigParseError      Kind = "ConfigParseError"
	KindConfigSchemaError     Kind = "ConfigSchemaError"
	KindConfigReferenceError  Kind = "ConfigReferenceError"
	KindRouterConfigError     Kind = "RouterConfigError"
	KindAssemblyError         Kind = "AssemblyError"
	KindPipelineNotFound      Kind = "PipelineNotFound"
	KindPipelineUnavailable   Kind = "PipelineUnavailable"
	KindValidationError       Kind = "ValidationError"
	KindTransformError        Kind = "TransformError"
	KindProtocolError         Kind = "ProtocolError"
	KindCompatibilityError    Kind = "CompatibilityError"
	KindTransportError        Kind = "TransportError"
	KindAuthError             Kind = "AuthError"
	KindAuthRecreateRequired  Kind = "AuthRecreateRequired"
	KindTimeoutError          Kind = "TimeoutError"
	KindCancelledError        Kind = "CancelledError"
	KindInternalError         Kind = "InternalError"
)

// Error is the common shape for every error kind in the taxonomy.
type Error struct {
	KindVal Kind
	Message string
	Source  string // component name, e.g. "transformer", "router-compiler"
	Context map[string]any
}

func (e *Error) Error() string {
	if e.Source != "" {
		return fmt.Sprintf("%s [%s]: %s", e.KindVal, e.Source, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.KindVal, e.Message)
}

// Kind returns the error's taxonomy kind.
func (e *Error) Kind() string { return string(e.KindVal) }

// New builds an Error with the given kind, source component, and message.
func New(kind Kind, source, message string, ctx map[string]any) *Error {
	return &Error{KindVal: kind, Message: message, Source: source, Context: ctx}
}

// Newf is New with a formatted message.
func Newf(kind Kind, source, format string, args ...any) *Error {
	return &Error{KindVal: kind, Source: source, Message: fmt.Sprintf(format, args...)}
}

// AuthRecreateRequired is the operator-actionable error kind from §4.9:
// surfaced when a credential transitions to invalid and can't be
// auto-refreshed.
type AuthRecreateRequired struct {
	Ref      string
	Provider string
	OAuthURL string
}

func (e *AuthRecreateRequired) Error() string {
	return fmt.Sprintf("credential %q for provider %q requires operator re-authentication at %s", e.Ref, e.Provider, e.OAuthURL)
}

func (e *AuthRecreateRequired) Kind() string { return string(KindAuthRecreateRequired) }

// HTTPStatus maps an error kind to the HTTP status code the ingress
// collaborator should use (§7 propagation policy).
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindAuthError, KindAuthRecreateRequired:
		return 401
	case KindPipelineUnavailable, KindPipelineNotFound:
		return 503
	case KindValidationError:
		return 502
	case KindTimeoutError:
		return 504
	case KindCancelledError:
		return 499
	default:
		return 500
	}
}
