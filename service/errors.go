package service

import (
	"errors"
	"fmt"
)

var (
	ErrValidation    = errors.New("validation failed")
	ErrDuplicateVote = errors.New("you have already voted for this position")
	ErrBlockAppend   = errors.New("failed to append vote to blockchain")
	ErrPersistence   = errors.New("failed to persist vote")

	ErrReceiptsDisabled = errors.New("receipt signing is not enabled")
)

// ValidationError names the malformed identifier. It matches ErrValidation.
type ValidationError struct {
	Field string
	Value string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %q is not a valid UUID", e.Field, e.Value)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}
