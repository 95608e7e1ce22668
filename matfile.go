// matfile.go: MAT-file level 5 backend with bounded-memory numeric staging
//
// Copyright (c) 2025 AGILira
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package matlogger2

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// fileVar is one top-level variable of the output file. Numeric variables
// fed through AppendNumeric are staged in an append-only spill file so
// memory stays bounded no matter how long the session runs; structured
// values and variables loaded from an existing file live in memory.
type fileVar struct {
	name string

	// numeric staging
	spill     *os.File
	spillPath string
	spillSize int64
	rows      int
	cols      int
	slices    int
	axis      int // 2 or 3; 0 when the variable is held in memory

	// in-memory value
	value       *MatData
	valueSlices int
}

func (v *fileVar) staged() bool { return v.axis != 0 }

// retryFile reruns a filesystem operation with a short escalating pause
// before giving up. Shared filesystems and virus scanners hold files for
// a few milliseconds at a time; anything longer is a real failure.
func retryFile(op func() error) error {
	var err error
	for attempt := 0; attempt < 3; attempt++ {
		if err = op(); err == nil {
			return nil
		}
		time.Sleep(time.Duration(attempt+1) * 5 * time.Millisecond)
	}
	return err
}

func (v *fileVar) dropSpill() {
	if v.spill != nil {
		v.spill.Close()
		os.Remove(v.spillPath)
		v.spill = nil
	}
}

// MatFileBackend persists variables into a MATLAB level 5 MAT-file.
//
// Numeric appends stream into per-variable spill files under a staging
// directory next to the target; Close assembles the final container in
// one pass and renames it into place, so a crash mid-session never leaves
// a half-written MAT-file. Opening an existing file loads its variables;
// a read-write open rewrites the surviving set on Close.
//
// The backend is driven from a single goroutine (the consumer side of the
// logging pipeline) and carries no internal locking.
type MatFileBackend struct {
	path        string
	compression bool
	readOnly    bool
	opened      bool
	closed      bool

	stagingDir string
	vars       map[string]*fileVar
	order      []string

	encodeBuf []byte
}

var _ Backend = (*MatFileBackend)(nil)

// NewMatFileBackend returns an unopened MAT 5 backend. Call Init or Open
// before anything else.
func NewMatFileBackend() *MatFileBackend {
	return &MatFileBackend{
		vars: make(map[string]*fileVar),
	}
}

// Init creates the file at path, erasing an existing one.
func (b *MatFileBackend) Init(path string, enableCompression bool) error {
	if b.opened {
		return errors.New("backend already initialized")
	}
	b.path = path
	b.compression = enableCompression

	if err := b.setupStaging(); err != nil {
		return err
	}

	// Materialize an empty container right away so the target exists for
	// the whole session.
	if err := b.writeContainer(); err != nil {
		return errors.Wrapf(err, "creating MAT-file %s", path)
	}

	b.opened = true
	return nil
}

// Open loads an existing MAT-file, read-write or read-only.
func (b *MatFileBackend) Open(path string, readOnly bool) error {
	if b.opened {
		return errors.New("backend already initialized")
	}
	b.path = path
	b.readOnly = readOnly

	loaded, err := readMatFile(path)
	if err != nil {
		return err
	}
	for _, rv := range loaded {
		data := rv.data
		b.vars[rv.name] = &fileVar{
			name:        rv.name,
			value:       &data,
			valueSlices: rv.slices,
		}
		b.order = append(b.order, rv.name)
	}

	if !readOnly {
		if err := b.setupStaging(); err != nil {
			return err
		}
	}

	b.opened = true
	return nil
}

func (b *MatFileBackend) setupStaging() error {
	b.stagingDir = b.path + ".staging"
	err := retryFile(func() error {
		if err := os.RemoveAll(b.stagingDir); err != nil {
			return err
		}
		return os.MkdirAll(b.stagingDir, 0750)
	})
	if err != nil {
		return errors.Wrapf(err, "preparing staging directory for %s", b.path)
	}
	return nil
}

// FilePath returns the target path.
func (b *MatFileBackend) FilePath() string { return b.path }

// ListNames returns the top-level variable names in creation order.
func (b *MatFileBackend) ListNames() ([]string, error) {
	if !b.opened {
		return nil, errors.New("backend not initialized")
	}
	out := make([]string, len(b.order))
	copy(out, b.order)
	return out, nil
}

// AppendNumeric appends a column-major float64 slab to the named
// variable, creating it on first use. slices == 1 appends along the
// column axis, otherwise along the slice axis.
func (b *MatFileBackend) AppendNumeric(name string, data []float64, rows, cols, slices int) error {
	if !b.opened {
		return errors.New("backend not initialized")
	}
	if b.readOnly {
		return errors.Wrapf(ErrReadOnly, "appending to %q", name)
	}
	if rows <= 0 || cols <= 0 || slices <= 0 || len(data) != rows*cols*slices {
		return errors.Errorf("appending to %q: %d values do not fill %dx%dx%d", name, len(data), rows, cols, slices)
	}

	axis := 2
	if slices > 1 {
		axis = 3
	}

	v := b.vars[name]
	if v == nil {
		var err error
		v, err = b.newStagedVar(name, rows, cols, axis)
		if err != nil {
			return err
		}
	} else if !v.staged() {
		// The variable exists from a previous session; move its data into
		// a spill file so the new samples append after it.
		if err := b.promoteToSpill(v); err != nil {
			return err
		}
	}

	if v.rows != rows {
		return errors.Errorf("appending to %q: rows %d do not match existing rows %d", name, rows, v.rows)
	}
	// Reconcile the inferred axis with the variable's history. A single
	// RxC slice arrives with slices == 1 and must still stack onto an
	// existing cube, and the first block of a cube may itself hold only
	// one slice.
	switch {
	case v.axis == axis && axis == 3:
		if v.cols != cols {
			return errors.Errorf("appending to %q: cols %d do not match existing cols %d", name, cols, v.cols)
		}
	case v.axis == 3 && axis == 2:
		if v.cols != cols {
			return errors.Errorf("appending to %q: cols %d do not match existing cols %d", name, cols, v.cols)
		}
		axis = 3
		slices = 1
	case v.axis == 2 && axis == 3:
		if v.cols == 0 || v.cols%cols != 0 {
			return errors.Errorf("appending to %q: cols %d do not divide existing cols %d", name, cols, v.cols)
		}
		v.axis = 3
		v.slices = v.cols / cols
		v.cols = cols
	}

	b.encodeBuf = encodeFloat64s(b.encodeBuf, data)
	if _, err := v.spill.WriteAt(b.encodeBuf, v.spillSize); err != nil {
		return errors.Wrapf(err, "staging %q", name)
	}
	v.spillSize += int64(len(b.encodeBuf))

	if axis == 2 {
		v.cols += cols
	} else {
		v.slices += slices
	}
	return nil
}

func (b *MatFileBackend) newStagedVar(name string, rows, cols, axis int) (*fileVar, error) {
	spillPath := filepath.Join(b.stagingDir, fmt.Sprintf("var%04d.bin", len(b.order)))
	spill, err := os.OpenFile(spillPath, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0600)
	if err != nil {
		return nil, errors.Wrapf(err, "creating spill for %q", name)
	}
	v := &fileVar{
		name:      name,
		spill:     spill,
		spillPath: spillPath,
		rows:      rows,
		axis:      axis,
	}
	if axis == 2 {
		v.slices = 1
	} else {
		v.cols = cols
	}
	b.vars[name] = v
	b.order = append(b.order, name)
	return v, nil
}

// promoteToSpill converts an in-memory numeric variable into a staged
// one, preserving its data as the prefix of the spill file.
func (b *MatFileBackend) promoteToSpill(v *fileVar) error {
	m, err := v.value.Matrix()
	if err != nil {
		if f, ferr := v.value.Num(); ferr == nil {
			m = mat.NewDense(1, 1, []float64{f})
		} else {
			return errors.Errorf("appending to %q: existing variable is %s, not numeric", v.name, v.value.Kind())
		}
	}
	rows, totalCols := m.Dims()
	slices := v.valueSlices
	if slices < 1 {
		slices = 1
	}

	spillPath := filepath.Join(b.stagingDir, fmt.Sprintf("var%04d-promoted.bin", len(b.order)))
	spill, err := os.OpenFile(spillPath, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0600)
	if err != nil {
		return errors.Wrapf(err, "creating spill for %q", v.name)
	}

	values := make([]float64, rows*totalCols)
	for j := 0; j < totalCols; j++ {
		for i := 0; i < rows; i++ {
			values[j*rows+i] = m.At(i, j)
		}
	}
	b.encodeBuf = encodeFloat64s(b.encodeBuf, values)
	if _, err := spill.WriteAt(b.encodeBuf, 0); err != nil {
		spill.Close()
		os.Remove(spillPath)
		return errors.Wrapf(err, "staging %q", v.name)
	}

	v.spill = spill
	v.spillPath = spillPath
	v.spillSize = int64(len(b.encodeBuf))
	v.value = nil
	if slices == 1 {
		v.axis = 2
		v.rows = rows
		v.cols = totalCols
		v.slices = 1
	} else {
		v.axis = 3
		v.rows = rows
		v.cols = totalCols / slices
		v.slices = slices
	}
	return nil
}

// WriteStruct stores a structured value, replacing any variable with the
// same name.
func (b *MatFileBackend) WriteStruct(name string, data MatData) error {
	if !b.opened {
		return errors.New("backend not initialized")
	}
	if b.readOnly {
		return errors.Wrapf(ErrReadOnly, "writing %q", name)
	}

	clone := data.Clone()
	if v, ok := b.vars[name]; ok {
		v.dropSpill()
		v.axis = 0
		v.value = &clone
		v.valueSlices = 1
		return nil
	}
	b.vars[name] = &fileVar{name: name, value: &clone, valueSlices: 1}
	b.order = append(b.order, name)
	return nil
}

// ReadNumeric reads a numeric variable as dense float64, including data
// still sitting in the staging area.
func (b *MatFileBackend) ReadNumeric(name string) (*mat.Dense, int, error) {
	if !b.opened {
		return nil, 0, errors.New("backend not initialized")
	}
	v := b.vars[name]
	if v == nil {
		return nil, 0, errors.Wrapf(ErrVariableMissing, "variable %q", name)
	}

	if v.staged() {
		values, err := b.readSpill(v)
		if err != nil {
			return nil, 0, err
		}
		totalCols := v.cols * v.slices
		m := mat.NewDense(v.rows, totalCols, nil)
		for j := 0; j < totalCols; j++ {
			for i := 0; i < v.rows; i++ {
				m.Set(i, j, values[j*v.rows+i])
			}
		}
		return m, v.slices, nil
	}

	if m, err := v.value.Matrix(); err == nil {
		return mat.DenseCopyOf(m), v.valueSlices, nil
	}
	if f, err := v.value.Num(); err == nil {
		return mat.NewDense(1, 1, []float64{f}), 1, nil
	}
	return nil, 0, errors.Errorf("variable %q is %s, not numeric", name, v.value.Kind())
}

func (b *MatFileBackend) readSpill(v *fileVar) ([]float64, error) {
	raw := make([]byte, v.spillSize)
	if _, err := v.spill.ReadAt(raw, 0); err != nil && err != io.EOF {
		return nil, errors.Wrapf(err, "reading staged data for %q", v.name)
	}
	values, err := decodeNumeric(miDOUBLE, raw)
	if err != nil {
		return nil, errors.Wrapf(err, "reading staged data for %q", v.name)
	}
	return values, nil
}

// ReadStruct reads a structured value. Numeric variables come back as
// matrix values.
func (b *MatFileBackend) ReadStruct(name string) (MatData, error) {
	if !b.opened {
		return MatData{}, errors.New("backend not initialized")
	}
	v := b.vars[name]
	if v == nil {
		return MatData{}, errors.Wrapf(ErrVariableMissing, "variable %q", name)
	}
	if v.staged() {
		m, _, err := b.ReadNumeric(name)
		if err != nil {
			return MatData{}, err
		}
		return MatData{kind: kindMatrix, matrix: m}, nil
	}
	return v.value.Clone(), nil
}

// DeleteVariable removes a top-level variable.
func (b *MatFileBackend) DeleteVariable(name string) error {
	if !b.opened {
		return errors.New("backend not initialized")
	}
	if b.readOnly {
		return errors.Wrapf(ErrReadOnly, "deleting %q", name)
	}
	v := b.vars[name]
	if v == nil {
		return errors.Wrapf(ErrVariableMissing, "variable %q", name)
	}
	v.dropSpill()
	delete(b.vars, name)
	for i, n := range b.order {
		if n == name {
			b.order = append(b.order[:i], b.order[i+1:]...)
			break
		}
	}
	return nil
}

// Close assembles the final MAT-file and releases every resource. On a
// read-only backend the file is left untouched.
func (b *MatFileBackend) Close() error {
	if b.closed {
		return nil
	}
	b.closed = true

	if b.readOnly {
		return nil
	}
	if !b.opened {
		return errors.New("backend not initialized")
	}

	err := b.writeContainer()

	for _, v := range b.vars {
		v.dropSpill()
	}
	if b.stagingDir != "" {
		os.RemoveAll(b.stagingDir)
	}
	return err
}

// writeContainer streams every variable into a temporary file and
// renames it over the target.
func (b *MatFileBackend) writeContainer() error {
	tmpPath := fmt.Sprintf("%s.tmp-%s", b.path, uuid.NewString())
	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return errors.Wrapf(err, "creating %s", tmpPath)
	}

	err = b.writeAllVars(f)
	if err == nil {
		err = f.Sync()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmpPath)
		return errors.Wrapf(err, "writing MAT-file %s", b.path)
	}

	err = retryFile(func() error {
		return os.Rename(tmpPath, b.path)
	})
	if err != nil {
		os.Remove(tmpPath)
		return errors.Wrapf(err, "replacing MAT-file %s", b.path)
	}
	return nil
}

func (b *MatFileBackend) writeAllVars(f *os.File) error {
	if err := writeMatHeader(f); err != nil {
		return err
	}
	for _, name := range b.order {
		v := b.vars[name]
		if v.staged() {
			if err := b.writeStagedVar(f, v); err != nil {
				return errors.Wrapf(err, "variable %q", name)
			}
			continue
		}
		d := *v.value
		payload := matDataPayloadSize(name, d)
		err := writeTopLevelElement(f, b.compression, payload, func(w io.Writer) error {
			return writeMatDataPayload(w, name, d)
		})
		if err != nil {
			return errors.Wrapf(err, "variable %q", name)
		}
	}
	return nil
}

// writeStagedVar streams a spill file into a numeric matrix element
// without loading it whole.
func (b *MatFileBackend) writeStagedVar(f *os.File, v *fileVar) error {
	dims := []int32{int32(v.rows), int32(v.cols)}
	if v.axis == 3 {
		dims = append(dims, int32(v.slices))
	}
	count := v.spillSize / 8
	payload := numericPayloadSize(v.name, len(dims), count)

	return writeTopLevelElement(f, b.compression, payload, func(w io.Writer) error {
		if err := writeArrayFlags(w, mxDOUBLE); err != nil {
			return err
		}
		if err := writeDims(w, dims); err != nil {
			return err
		}
		if err := writeName(w, v.name); err != nil {
			return err
		}
		if err := writeTag(w, miDOUBLE, uint32(v.spillSize)); err != nil {
			return err
		}
		_, err := io.Copy(w, io.NewSectionReader(v.spill, 0, v.spillSize))
		return err
	})
}
