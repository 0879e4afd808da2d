package rag

import (
	"errors"
	"fmt"

	"github.com/isc-tdyar/medical-graphrag-assistant-sub003/llm/embedding"
	"github.com/isc-tdyar/medical-graphrag-assistant-sub003/store"
)

// ErrorCode classifies retrieval failures so the agent loop can decide
// between degrading, rejecting input, and surfacing a hard failure.
type ErrorCode string

const (
	// CodeCapabilityUnavailable: the backing feature was never provisioned
	// or its external service is unreachable. Recoverable locally.
	CodeCapabilityUnavailable ErrorCode = "CAPABILITY_UNAVAILABLE"
	// CodeInvalidInput: rejected before any I/O.
	CodeInvalidInput ErrorCode = "INVALID_INPUT"
	// CodeStoreUnavailable: the store is provisioned but down, after
	// bounded retries.
	CodeStoreUnavailable ErrorCode = "STORE_UNAVAILABLE"
)

type Error struct {
	Code    ErrorCode
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

func capabilityUnavailable(msg string, err error) *Error {
	return &Error{Code: CodeCapabilityUnavailable, Message: msg, Err: err}
}

func invalidInput(format string, args ...any) *Error {
	return &Error{Code: CodeInvalidInput, Message: fmt.Sprintf(format, args...)}
}

func storeUnavailable(msg string, err error) *Error {
	return &Error{Code: CodeStoreUnavailable, Message: msg, Err: err}
}

// CodeOf extracts the retrieval error code, classifying raw store and
// embedding sentinels along the way. Unknown errors report an empty code.
func CodeOf(err error) ErrorCode {
	var re *Error
	if errors.As(err, &re) {
		return re.Code
	}
	if errors.Is(err, store.ErrUnavailable) {
		return CodeStoreUnavailable
	}
	if errors.Is(err, embedding.ErrUnavailable) {
		return CodeCapabilityUnavailable
	}
	return ""
}

// NewInvalidInput builds an INVALID_INPUT error for callers validating
// on behalf of the retrieval layer, such as tool argument decoding.
func NewInvalidInput(format string, args ...any) *Error {
	return invalidInput(format, args...)
}

// NewCapabilityUnavailable builds a CAPABILITY_UNAVAILABLE error.
func NewCapabilityUnavailable(msg string, err error) *Error {
	return capabilityUnavailable(msg, err)
}

func isNotFound(err error) bool {
	return errors.Is(err, store.ErrNotFound)
}

// classifyStoreErr maps a store-layer error to the retrieval taxonomy.
func classifyStoreErr(op string, err error) error {
	if errors.Is(err, store.ErrUnavailable) {
		return storeUnavailable(op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}
