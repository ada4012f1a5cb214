package etl

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrSourceUnavailable means the remote source (or input file) could not
	// be reached or answered with a non-2xx status.
	ErrSourceUnavailable = errors.New("source unavailable")
	// ErrMalformedResponse means the payload is not a JSON array of objects.
	ErrMalformedResponse = errors.New("malformed source response")
	ErrSchema            = errors.New("schema error")
	ErrStorage           = errors.New("storage error")
	// ErrRefreshInProgress is returned when another run holds the refresh guard.
	ErrRefreshInProgress = errors.New("refresh already in progress")
	// ErrVerifyFailed means a load committed but the store reads back empty.
	ErrVerifyFailed = errors.New("verification failed: store is empty")
)

// SchemaError names the required fields absent from every row of a batch.
type SchemaError struct {
	Missing []string
}

func (e *SchemaError) Error() string {
	return "missing required fields: " + strings.Join(e.Missing, ", ")
}

func (e *SchemaError) Is(target error) bool { return target == ErrSchema }

// StorageError wraps a persistence failure. errors.Is matches both
// ErrStorage and the underlying cause.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage: %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() []error { return []error{ErrStorage, e.Err} }

func storageErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StorageError{Op: op, Err: err}
}
