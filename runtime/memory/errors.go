package memory

import (
	"errors"
	"fmt"
)

// Kind identifies a stable, wire-visible error category. Kind names are part
// of the external surface and must not change between releases.
type Kind string

const (
	// KindInvalidInput marks malformed or out-of-range caller input.
	KindInvalidInput Kind = "InvalidInput"
	// KindInvalidQuery marks a malformed retrieve query.
	KindInvalidQuery Kind = "InvalidQuery"
	// KindInvalidFilter marks a where-filter referencing unknown scope fields.
	KindInvalidFilter Kind = "InvalidFilter"
	// KindUnknownProfile marks a reference to an unconfigured LLM profile.
	KindUnknownProfile Kind = "UnknownProfile"
	// KindFetchFailed marks a resource fetch that exhausted its retries.
	KindFetchFailed Kind = "FetchFailed"
	// KindExtractionFailed marks a memory extraction that produced no usable output.
	KindExtractionFailed Kind = "ExtractionFailed"
	// KindSummarizationFailed marks a category summary recompute failure.
	KindSummarizationFailed Kind = "SummarizationFailed"
	// KindPipelineInvalid marks a pipeline mutation that broke step dependencies.
	KindPipelineInvalid Kind = "PipelineInvalid"
	// KindBackendUnavailable marks an unreachable storage or index backend.
	KindBackendUnavailable Kind = "BackendUnavailable"
	// KindCancelled marks an operation interrupted by context cancellation.
	KindCancelled Kind = "Cancelled"
)

// Error is the tagged error value surfaced by every service operation.
// Callers dispatch on Kind; Message and Details carry diagnostics.
type Error struct {
	Kind    Kind
	Message string
	Details map[string]any

	cause error
}

// E builds a tagged error with the given kind and message.
func E(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Ef builds a tagged error with a formatted message.
func Ef(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap tags an underlying error with a kind and message. The cause remains
// reachable through errors.Is/errors.As.
func Wrap(kind Kind, cause error, message string) *Error {
	return &Error{Kind: kind, Message: message, cause: cause}
}

// WithDetail attaches a diagnostic key/value pair and returns the error for
// chaining.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap exposes the cause for errors.Is/errors.As traversal.
func (e *Error) Unwrap() error { return e.cause }

// KindOf returns the kind of the first tagged error in err's chain, or the
// empty string when the chain carries no tagged error.
func KindOf(err error) Kind {
	var tagged *Error
	if errors.As(err, &tagged) {
		return tagged.Kind
	}
	return ""
}

// IsKind reports whether err's chain contains a tagged error of the given
// kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}
