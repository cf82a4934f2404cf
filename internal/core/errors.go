package core

import (
	"fmt"

	"github.com/pkg/errors"
)

// StorageError reports a failed statement (prepare, execute, scan, connect).
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	if e.Err == nil {
		return "storage: " + e.Op
	}
	return fmt.Sprintf("storage: %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// NotFoundError reports a referenced entity that does not exist.
type NotFoundError struct {
	Entity string
	ID     string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Entity, e.ID)
}

// InvalidInputError reports a malformed filter or parameter.
type InvalidInputError struct {
	Field  string
	Reason string
}

func (e *InvalidInputError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// ComputationError is the catch-all for numeric edge cases the engines refuse
// to paper over, such as a null where a value was required.
type ComputationError struct {
	Op     string
	Reason string
}

func (e *ComputationError) Error() string {
	return fmt.Sprintf("compute %s: %s", e.Op, e.Reason)
}

// NewStorageError wraps err for op. A nil err yields nil.
func NewStorageError(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *StorageError
	if errors.As(err, &se) {
		return err
	}
	return &StorageError{Op: op, Err: err}
}

// Invalid builds an InvalidInputError.
func Invalid(field, reason string) error {
	return &InvalidInputError{Field: field, Reason: reason}
}

func IsStorage(err error) bool {
	var e *StorageError
	return errors.As(err, &e)
}

func IsNotFound(err error) bool {
	var e *NotFoundError
	return errors.As(err, &e)
}

func IsInvalidInput(err error) bool {
	var e *InvalidInputError
	return errors.As(err, &e)
}

func IsComputation(err error) bool {
	var e *ComputationError
	return errors.As(err, &e)
}
