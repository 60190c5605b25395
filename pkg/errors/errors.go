// Package errors provides the structured error system for chunkfs with
// error codes, categories, and retry classification.
package errors

import (
	"fmt"
	"strings"
	"time"
)

// ErrorCode classifies a chunkfs failure.
type ErrorCode string

const (
	// Backend errors. BACKEND_TRANSIENT and BACKEND_TIMEOUT are retried by
	// the backend client; the rest short-circuit retries.
	ErrCodeBackendTransient ErrorCode = "BACKEND_TRANSIENT"
	ErrCodeBackendTimeout   ErrorCode = "BACKEND_TIMEOUT"
	ErrCodeBackendPermanent ErrorCode = "BACKEND_PERMANENT"
	ErrCodeBlobNotFound     ErrorCode = "BLOB_NOT_FOUND"
	ErrCodeAuthFailed       ErrorCode = "AUTH_FAILED"
	ErrCodeRetryExhausted   ErrorCode = "RETRY_EXHAUSTED"

	// Data integrity errors. Never retried automatically: corruption is
	// not transient.
	ErrCodeCorruptChunk ErrorCode = "CORRUPT_CHUNK"

	// Cache errors.
	ErrCodeCacheExhausted ErrorCode = "CACHE_EXHAUSTED"
	ErrCodeCacheClosed    ErrorCode = "CACHE_CLOSED"

	// Scheduler errors.
	ErrCodeQueueClosed ErrorCode = "QUEUE_CLOSED"

	// Configuration errors.
	ErrCodeInvalidConfig ErrorCode = "INVALID_CONFIG"

	// Request errors.
	ErrCodeRangeInvalid ErrorCode = "RANGE_INVALID"
)

// ErrorCategory groups error codes for logging and metrics labels.
type ErrorCategory string

const (
	CategoryBackend   ErrorCategory = "backend"
	CategoryIntegrity ErrorCategory = "integrity"
	CategoryCache     ErrorCategory = "cache"
	CategoryScheduler ErrorCategory = "scheduler"
	CategoryConfig    ErrorCategory = "config"
	CategoryRequest   ErrorCategory = "request"
)

// ChunkError is a structured error carrying the failure code and enough
// chunk context to diagnose which blob byte range failed.
type ChunkError struct {
	Code     ErrorCode     `json:"code"`
	Category ErrorCategory `json:"category"`
	Message  string        `json:"message"`

	// Chunk context, populated where known.
	BlobID string `json:"blob_id,omitempty"`
	Digest string `json:"digest,omitempty"`
	Offset int64  `json:"offset,omitempty"`
	Length int64  `json:"length,omitempty"`

	Operation string    `json:"operation,omitempty"`
	Backend   string    `json:"backend,omitempty"`
	Timestamp time.Time `json:"timestamp"`

	// Retryable marks errors the backend client may retry internally.
	Retryable bool  `json:"retryable"`
	Cause     error `json:"-"`
}

// Error implements the error interface.
func (e *ChunkError) Error() string {
	var b strings.Builder
	if e.Backend != "" {
		fmt.Fprintf(&b, "[%s", e.Backend)
		if e.Operation != "" {
			fmt.Fprintf(&b, ":%s", e.Operation)
		}
		b.WriteString("] ")
	} else if e.Operation != "" {
		fmt.Fprintf(&b, "[%s] ", e.Operation)
	}
	fmt.Fprintf(&b, "%s: %s", e.Code, e.Message)
	if e.Digest != "" {
		fmt.Fprintf(&b, " (chunk %s", e.Digest)
		if e.BlobID != "" {
			fmt.Fprintf(&b, " in blob %s", e.BlobID)
		}
		if e.Length > 0 {
			fmt.Fprintf(&b, " at %d+%d", e.Offset, e.Length)
		}
		b.WriteString(")")
	} else if e.BlobID != "" {
		fmt.Fprintf(&b, " (blob %s)", e.BlobID)
	}
	if e.Cause != nil {
		fmt.Fprintf(&b, ": %v", e.Cause)
	}
	return b.String()
}

// Unwrap returns the underlying cause for errors.Is/As chains.
func (e *ChunkError) Unwrap() error { return e.Cause }

// Is matches ChunkErrors by code, so sentinel-style comparisons like
// errors.Is(err, errors.New(ErrCodeBlobNotFound, "")) work across wrapping.
func (e *ChunkError) Is(target error) bool {
	if ce, ok := target.(*ChunkError); ok {
		return e.Code == ce.Code
	}
	return false
}

// New creates a ChunkError with category and retry classification derived
// from the code.
func New(code ErrorCode, message string) *ChunkError {
	return &ChunkError{
		Code:      code,
		Category:  categoryOf(code),
		Message:   message,
		Timestamp: time.Now(),
		Retryable: retryableByDefault(code),
	}
}

// Newf creates a ChunkError with a formatted message.
func Newf(code ErrorCode, format string, args ...interface{}) *ChunkError {
	return New(code, fmt.Sprintf(format, args...))
}

// Wrap creates a ChunkError around cause. A nil cause yields a plain error.
func Wrap(code ErrorCode, message string, cause error) *ChunkError {
	e := New(code, message)
	e.Cause = cause
	return e
}

func categoryOf(code ErrorCode) ErrorCategory {
	switch code {
	case ErrCodeBackendTransient, ErrCodeBackendTimeout, ErrCodeBackendPermanent,
		ErrCodeBlobNotFound, ErrCodeAuthFailed, ErrCodeRetryExhausted:
		return CategoryBackend
	case ErrCodeCorruptChunk:
		return CategoryIntegrity
	case ErrCodeCacheExhausted, ErrCodeCacheClosed:
		return CategoryCache
	case ErrCodeQueueClosed:
		return CategoryScheduler
	case ErrCodeInvalidConfig:
		return CategoryConfig
	case ErrCodeRangeInvalid:
		return CategoryRequest
	default:
		return CategoryBackend
	}
}

func retryableByDefault(code ErrorCode) bool {
	switch code {
	case ErrCodeBackendTransient, ErrCodeBackendTimeout:
		return true
	default:
		return false
	}
}

// WithBlob attaches the blob identifier.
func (e *ChunkError) WithBlob(blobID string) *ChunkError {
	e.BlobID = blobID
	return e
}

// WithChunk attaches the chunk digest and its compressed byte range.
func (e *ChunkError) WithChunk(digest string, offset, length int64) *ChunkError {
	e.Digest = digest
	e.Offset = offset
	e.Length = length
	return e
}

// WithOperation attaches the operation name.
func (e *ChunkError) WithOperation(op string) *ChunkError {
	e.Operation = op
	return e
}

// WithBackend attaches the backend kind.
func (e *ChunkError) WithBackend(kind string) *ChunkError {
	e.Backend = kind
	return e
}

// WithCause attaches the underlying cause.
func (e *ChunkError) WithCause(cause error) *ChunkError {
	e.Cause = cause
	return e
}

// CodeOf extracts the ErrorCode from err, unwrapping as needed. Unclassified
// errors report BACKEND_PERMANENT: an unknown failure must not be retried
// into an outage.
func CodeOf(err error) ErrorCode {
	var ce *ChunkError
	if As(err, &ce) {
		return ce.Code
	}
	return ErrCodeBackendPermanent
}

// IsRetryable reports whether err may be retried by the backend client.
func IsRetryable(err error) bool {
	var ce *ChunkError
	if As(err, &ce) {
		return ce.Retryable
	}
	return false
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code ErrorCode) bool {
	var ce *ChunkError
	if As(err, &ce) {
		return ce.Code == code
	}
	return false
}
