package chats

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound     = errors.New("chat not found")
	ErrInvalidInput = errors.New("invalid input")
)

// StorageError wraps a failure of the persistence backend.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

func invalid(msg string) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, msg)
}
