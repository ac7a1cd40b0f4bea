package model

import "github.com/m-mizutani/goerr/v2"

var (
	// ErrEmbedding is returned when the embedding service is unreachable,
	// fails after bounded retries, or returns a vector of the wrong dimension.
	ErrEmbedding = goerr.New("embedding failed")

	// ErrRating is returned when the rating service cannot produce exactly one
	// numeric importance in range after bounded retries.
	ErrRating = goerr.New("rating failed")

	// ErrInvalidMemory is returned when a store is asked to hold a malformed record.
	ErrInvalidMemory = goerr.New("invalid memory")
)

// Classify ties an upstream failure to one of the sentinels above so that
// errors.Is matches both the sentinel and the original cause.
func Classify(kind, cause error) error {
	if cause == nil {
		return kind
	}
	return &classifiedError{kind: kind, cause: cause}
}

type classifiedError struct {
	kind  error
	cause error
}

func (e *classifiedError) Error() string {
	return e.kind.Error() + ": " + e.cause.Error()
}

func (e *classifiedError) Unwrap() []error {
	return []error{e.kind, e.cause}
}
