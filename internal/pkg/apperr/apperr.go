// Package apperr defines the error kinds shared by the cache, the upstream
// adapters and the history pipeline.
//
// Every kind wraps its cause so callers can still match the underlying error
// with errors.Is. Kinds propagate unchanged up to the HTTP boundary, which maps
// them to a status code with KindOf.
package apperr

import (
	"context"
	"errors"
	"fmt"
)

// ErrNotFound is returned by a KVStore when a key has never been written.
// It is a cache-miss signal and is not surfaced to callers of the service.
var ErrNotFound = errors.New("not found")

// ErrUnknownVariable is wrapped by a ValidationError when the requested
// variable is not an observable variable of the contract.
var ErrUnknownVariable = errors.New("unknown variable")

// Kind classifies an error for the HTTP boundary.
type Kind string

const (
	KindUpstream      Kind = "UpstreamError"
	KindMalformedData Kind = "MalformedDataError"
	KindStore         Kind = "StoreError"
	KindValidation    Kind = "ValidationError"
	KindNotFound      Kind = "NotFoundError"
	KindInternal      Kind = "InternalError"
)

// UpstreamError is a failure talking to the chain node or the interface registry.
type UpstreamError struct {
	Source string // "chain-node", "etherscan"
	Op     string
	Err    error
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Source, e.Op, e.Err)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// Timeout reports whether the upstream call ran out of time.
func (e *UpstreamError) Timeout() bool {
	return errors.Is(e.Err, context.DeadlineExceeded)
}

// MalformedDataError is a stored or fetched value that could not be decoded.
type MalformedDataError struct {
	What string
	Err  error
}

func (e *MalformedDataError) Error() string {
	return fmt.Sprintf("malformed %s: %v", e.What, e.Err)
}

func (e *MalformedDataError) Unwrap() error { return e.Err }

// StoreError is a persistent store failure other than ErrNotFound.
type StoreError struct {
	Op  string
	Key string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store %s %q: %v", e.Op, e.Key, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// ValidationError is bad caller input.
type ValidationError struct {
	Field   string
	Message string
	Err     error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// Upstream wraps err as an UpstreamError unless it already is one.
func Upstream(source, op string, err error) error {
	if err == nil {
		return nil
	}
	var ue *UpstreamError
	if errors.As(err, &ue) {
		return err
	}
	return &UpstreamError{Source: source, Op: op, Err: err}
}

// Malformed wraps err as a MalformedDataError.
func Malformed(what string, err error) error {
	return &MalformedDataError{What: what, Err: err}
}

// Store wraps err as a StoreError.
func Store(op, key string, err error) error {
	return &StoreError{Op: op, Key: key, Err: err}
}

// Invalid builds a ValidationError.
func Invalid(field, message string) error {
	return &ValidationError{Field: field, Message: message}
}

// KindOf returns the kind of the outermost classified error in err's chain.
func KindOf(err error) Kind {
	var (
		ue *UpstreamError
		me *MalformedDataError
		se *StoreError
		ve *ValidationError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &ve):
		return KindValidation
	case errors.As(err, &ue):
		return KindUpstream
	case errors.As(err, &me):
		return KindMalformedData
	case errors.As(err, &se):
		return KindStore
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	default:
		return KindInternal
	}
}
