// Package errs holds the sentinel error taxonomy shared by every vorfall
// package. Call sites wrap these with fmt.Errorf("...: %w", ...) so callers
// can still match with errors.Is while getting a message that identifies
// the subject or stream involved.
package errs

import "errors"

var (
	// ErrInvalidSubjectFormat is returned when a subject fails the
	// segment('/'segment)* grammar, or when a derived operation requires
	// a specific arity (stream subject) that the input does not have.
	// event.New also returns it when the event type is empty.
	ErrInvalidSubjectFormat = errors.New("invalid subject format")

	// ErrEmptyBatch is returned when an operation that requires at least
	// one event is given none.
	ErrEmptyBatch = errors.New("event batch is empty")

	// ErrMixedStreamBatch is returned by the single-stream fast-path guard
	// when events in a batch resolve to more than one stream subject.
	ErrMixedStreamBatch = errors.New("event batch spans more than one stream subject")

	// ErrInvalidEntity is returned when an entity name passed to a
	// projection query contains a subject separator.
	ErrInvalidEntity = errors.New("entity must not contain a subject separator")

	// ErrInvalidHandlerResult is returned when a command handler function
	// returns something that is neither a domain event nor a slice of
	// domain events.
	ErrInvalidHandlerResult = errors.New("command handler result must be a domain event or a slice of domain events")

	// ErrStorageError wraps any failure surfaced by the backend driver:
	// connection failures, transaction aborts after retry, and write
	// conflicts the driver declined to retry.
	ErrStorageError = errors.New("storage error")

	// ErrUpsertUnexpectedlyMissing is returned when FindOneAndUpdate with
	// upsert:true returns no document. This indicates a precondition
	// violation or a driver bug; it is always fatal.
	ErrUpsertUnexpectedlyMissing = errors.New("upsert unexpectedly returned no document")
)
