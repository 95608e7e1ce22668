// errors.go: error values shared across the logging engine
//
// Copyright (c) 2025 AGILira
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package matlogger2

import (
	"errors"
	"fmt"
)

// Pre-allocated errors to avoid allocations in hot paths.
var (
	// ErrShapeMismatch is reported when a sample's element count does not
	// match the rows*cols the variable was created with.
	ErrShapeMismatch = errors.New("sample size does not match variable dimensions")

	// ErrDuplicateVariable is reported by Create when the name is taken.
	ErrDuplicateVariable = errors.New("variable already exists")

	// ErrInvalidDimensions is reported for rows, cols or buffer sizes <= 0.
	ErrInvalidDimensions = errors.New("invalid variable dimensions")

	// ErrBadFilename is returned at construction for file names carrying
	// an extension other than .mat.
	ErrBadFilename = errors.New("MAT-file name should either have .mat extension, or no extension at all")

	// ErrBufferOverflow is reported in ProducerConsumer mode when every
	// block of a variable's pool is full and the consumer has not drained.
	ErrBufferOverflow = errors.New("buffer full, sample dropped")

	// ErrModeViolation is reported when a block drain is attempted on a
	// variable in Circular mode.
	ErrModeViolation = errors.New("drain not permitted in circular mode")

	// ErrVariableMissing is returned by read operations for unknown names.
	ErrVariableMissing = errors.New("variable does not exist")

	// ErrLoggerClosed is reported for operations on a closed logger.
	ErrLoggerClosed = errors.New("logger is closed")

	// ErrReadOnly is returned by the backend for writes on a file that was
	// opened read-only.
	ErrReadOnly = errors.New("file opened read-only")
)

// WrongTypeError is returned by MatData accessors when the requested
// interpretation does not match the stored one.
type WrongTypeError struct {
	Requested string
	Actual    string
}

func (e *WrongTypeError) Error() string {
	return fmt.Sprintf("requested type '%s' does not match the actual type '%s'", e.Requested, e.Actual)
}
