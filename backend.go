// backend.go: pluggable persistence contract
//
// Copyright (c) 2025 AGILira
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package matlogger2

import "gonum.org/v1/gonum/mat"

// Backend turns numeric blocks and MatData values into file bytes. The
// logging engine drives it from the consumer thread only; implementations
// need no internal synchronization.
//
// Exactly one of Init or Open is called once, before any other method.
// The default implementation produces MAT-file level 5 containers (see
// NewMatFileBackend); alternative containers plug in through
// Options.Backend.
type Backend interface {
	// Init creates the file at path, truncating an existing one.
	Init(path string, enableCompression bool) error

	// Open loads an existing file, read-write or read-only.
	Open(path string, readOnly bool) error

	// ListNames returns the top-level variable names.
	ListNames() ([]string, error)

	// AppendNumeric appends a dense column-major float64 slab to the named
	// variable, along axis 2 when slices == 1 and along axis 3 otherwise.
	// The variable is created on the first call; later calls must be
	// dimensionally compatible (rows always match; cols also match when
	// appending along axis 3).
	AppendNumeric(name string, data []float64, rows, cols, slices int) error

	// WriteStruct stores a structured value atomically, replacing any
	// variable with the same name.
	WriteStruct(name string, data MatData) error

	// ReadNumeric reads a numeric variable as dense float64. A variable
	// with S > 1 slices comes back as a rows x (cols*S) matrix plus the
	// slice count.
	ReadNumeric(name string) (*mat.Dense, int, error)

	// ReadStruct reads a structured value.
	ReadStruct(name string) (MatData, error)

	// DeleteVariable removes a top-level variable.
	DeleteVariable(name string) error

	// FilePath returns the path the backend was initialized with.
	FilePath() string

	// Close flushes and releases the file.
	Close() error
}
