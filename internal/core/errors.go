package core

import (
	"errors"
	"fmt"
)

// Error taxonomy shared by every layer. Callers test with errors.Is.
var (
	// ErrValidation indicates a malformed URI or a missing required field.
	ErrValidation = errors.New("validation failed")
	// ErrNotFound indicates that a named part does not exist under a URI.
	ErrNotFound = errors.New("not found")
	// ErrUnauthorized indicates a mutation attempted by a non-owner.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrAccessDenied indicates a read-time entitlement failure.
	ErrAccessDenied = errors.New("access denied")
	// ErrModelIncomplete indicates a bundle missing a required part.
	ErrModelIncomplete = errors.New("voice model incomplete")
	// ErrNormalization indicates that the transcoding tool failed.
	ErrNormalization = errors.New("audio normalization failed")
	// ErrEmbedding indicates that embedding generation failed.
	ErrEmbedding = errors.New("embedding generation failed")
	// ErrBundleAssembly indicates an inconsistent or incomplete bundle.
	ErrBundleAssembly = errors.New("bundle assembly failed")
	// ErrUpstreamProvider indicates a failure reported by an external TTS service or transcoder.
	ErrUpstreamProvider = errors.New("upstream provider failed")
	// ErrProviderResourceNotFound indicates a provider 404. It is not a missing
	// bundle, so Classify treats it as an upstream failure.
	ErrProviderResourceNotFound = errors.New("provider resource not found")
	// ErrUnsupportedReference indicates a model reference with an unknown scheme.
	ErrUnsupportedReference = errors.New("unsupported model reference")
	// ErrSynthesis indicates that every synthesis strategy failed.
	ErrSynthesis = errors.New("synthesis failed")
)

// DiagnosticError carries the diagnostic text produced by an external tool or
// service next to the error kind and the underlying cause.
type DiagnosticError struct {
	Kind       error
	Diagnostic string
	Err        error
}

// NewDiagnosticError builds a DiagnosticError.
func NewDiagnosticError(kind error, diagnostic string, err error) *DiagnosticError {
	return &DiagnosticError{Kind: kind, Diagnostic: diagnostic, Err: err}
}

func (e *DiagnosticError) Error() string {
	msg := e.Kind.Error()
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}

	if e.Diagnostic != "" {
		msg = fmt.Sprintf("%s - output: %s", msg, e.Diagnostic)
	}

	return msg
}

// Unwrap exposes both the kind sentinel and the cause to errors.Is / errors.As.
func (e *DiagnosticError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}

	return []error{e.Kind, e.Err}
}

// Outcome is the coarse, user-visible classification of a failure.
type Outcome string

// Coarse outcomes exposed at the service boundary.
const (
	OutcomeOK          Outcome = "ok"
	OutcomeNotFound    Outcome = "not_found"
	OutcomeForbidden   Outcome = "forbidden"
	OutcomeBadInput    Outcome = "bad_input"
	OutcomeUnavailable Outcome = "unavailable"
	OutcomeInternal    Outcome = "internal"
)

// Classify maps an error onto a coarse outcome.
func Classify(err error) Outcome {
	switch {
	case err == nil:
		return OutcomeOK
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrModelIncomplete):
		return OutcomeNotFound
	case errors.Is(err, ErrUnauthorized), errors.Is(err, ErrAccessDenied):
		return OutcomeForbidden
	case errors.Is(err, ErrValidation),
		errors.Is(err, ErrUnsupportedReference),
		errors.Is(err, ErrBundleAssembly),
		errors.Is(err, ErrEmbedding):
		return OutcomeBadInput
	case errors.Is(err, ErrUpstreamProvider),
		errors.Is(err, ErrSynthesis),
		errors.Is(err, ErrNormalization):
		return OutcomeUnavailable
	default:
		return OutcomeInternal
	}
}

// PublicMessage returns a message for an outcome that does not leak storage layout.
func PublicMessage(outcome Outcome) string {
	switch outcome {
	case OutcomeOK:
		return "ok"
	case OutcomeNotFound:
		return "resource not found"
	case OutcomeForbidden:
		return "access to this resource is not permitted"
	case OutcomeBadInput:
		return "invalid request"
	case OutcomeUnavailable:
		return "upstream service unavailable"
	default:
		return "internal error"
	}
}
