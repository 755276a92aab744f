package decisions

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned when a decision or prompt does not exist.
var ErrNotFound = errors.New("not found")

// StorageError reports a persistence failure. It is fatal to the cycle
// that hit it but never to the process.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("decision store: %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

func storageErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StorageError{Op: op, Err: err}
}
