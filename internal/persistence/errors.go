package persistence

import (
	"errors"
	"fmt"
)

const (
	opPersisterNew = "persistence.new"
	opLoad         = "persistence.load"
	opPersist      = "persistence.persist"

	reasonMissingStore    = "missing_store"
	reasonMissingCodec    = "missing_codec"
	reasonLoadFailed      = "load_failed"
	reasonMergeFailed     = "merge_failed"
	reasonVectorFailed    = "state_vector_failed"
	reasonSaveFailed      = "save_failed"
	reasonConflictsExceed = "conflicts_exhausted"
)

var (
	errMissingStore = errors.New("snapshot store is required")
	errMissingCodec = errors.New("codec is required")
)

// ServiceError carries an operation.reason code alongside the cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

// Code returns the operation.reason code.
func (e *ServiceError) Code() string {
	return e.code
}

func newServiceError(operation, reason string, cause error) error {
	return &ServiceError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}
