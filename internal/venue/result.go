package venue

import (
	"fmt"

	"github.com/rs/zerolog/log"
)

// CollaboratorError wraps a failure from an optional external collaborator
type CollaboratorError struct {
	Collaborator string
	Op           string
	Err          error
}

func (e *CollaboratorError) Error() string {
	return fmt.Sprintf("%s.%s: %v", e.Collaborator, e.Op, e.Err)
}

func (e *CollaboratorError) Unwrap() error { return e.Err }

// Result carries a collaborator value or the reason it is missing. Callers
// pick their neutral default with Or; nothing here ever panics or blocks.
type Result[T any] struct {
	Value T
	Err   *CollaboratorError
}

// OK wraps a successful value
func OK[T any](v T) Result[T] {
	return Result[T]{Value: v}
}

// Fail wraps a collaborator failure
func Fail[T any](collaborator, op string, err error) Result[T] {
	return Result[T]{Err: &CollaboratorError{Collaborator: collaborator, Op: op, Err: err}}
}

// Ok reports whether the call succeeded
func (r Result[T]) Ok() bool { return r.Err == nil }

// Or returns the value, or def when the call failed. The failure is logged
// at debug level because degraded collaborators are expected.
func (r Result[T]) Or(def T) T {
	if r.Err != nil {
		log.Debug().
			Str("collaborator", r.Err.Collaborator).
			Str("op", r.Err.Op).
			Err(r.Err.Err).
			Msg("Collaborator unavailable, using neutral default")
		return def
	}
	return r.Value
}
