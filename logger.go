// logger.go: MAT-file logger owning the per-variable buffer pipelines
//
// Copyright (c) 2025 AGILira
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package matlogger2

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agilira/go-timecache"
	"golang.org/x/exp/constraints"
	"gonum.org/v1/gonum/mat"
)

// MatLogger saves numeric variables (scalars, vectors, matrices),
// structures and cell arrays to a MATLAB-compatible MAT-file.
//
// Producer-consumer usage: one producer goroutine calls Create and the Add
// family, one consumer goroutine calls FlushAvailableData. The MatAppender
// provides a ready-to-use consumer. Add never blocks and never allocates
// in steady state.
//
// Circular usage: samples overwrite the oldest block when the pipeline is
// full, FlushAvailableData must not be called, and the logger is meant for
// a single goroutine. Close switches the discipline back and drains
// everything.
type MatLogger struct {
	opt      Options
	fileName string
	backend  Backend

	// varsMu guards structural changes to the variable set against the
	// consumer. It is never held during Add.
	varsMu       sync.Mutex
	vars         map[string]*VariableBuffer
	mode         BufferMode
	onBlockReady func(BlockInfo)

	saveMu    sync.Mutex
	saveQueue []savedValue

	closeOnce sync.Once
	closed    atomic.Bool

	timeCache *timecache.TimeCache

	// consumer-side drain scratch, reused across flushes
	scratch []float64

	appendCount   atomic.Uint64
	overflowCount atomic.Uint64
	bytesFlushed  atomic.Uint64
}

type savedValue struct {
	name string
	data MatData
}

// NewLogger creates a logger with DefaultOptions. The file is created
// immediately, erasing an existing one. A name without extension gets a
// timestamp plus .mat appended; an extension other than .mat fails.
func NewLogger(file string) (*MatLogger, error) {
	return NewLoggerWithOptions(file, DefaultOptions())
}

// NewLoggerWithOptions creates a logger with explicit options.
func NewLoggerWithOptions(file string, opt Options) (*MatLogger, error) {
	if opt.DefaultBufferSize <= 0 {
		opt.DefaultBufferSize = DefaultOptions().DefaultBufferSize
	}
	if opt.DefaultBufferMaxBytesStr != "" {
		maxBytes, err := parseBufferCap(opt.DefaultBufferMaxBytesStr)
		if err != nil {
			return nil, fmt.Errorf("invalid DefaultBufferMaxBytesStr: %w", err)
		}
		opt.DefaultBufferMaxBytes = maxBytes
	}
	if opt.DefaultBufferMaxBytes <= 0 {
		opt.DefaultBufferMaxBytes = DefaultOptions().DefaultBufferMaxBytes
	}
	if opt.ErrorCallback == nil {
		opt.ErrorCallback = stderrReporter
	}

	tc := timecache.NewWithResolution(time.Millisecond)

	fileName, err := resolveFilename(file, tc.CachedTime())
	if err != nil {
		tc.Stop()
		return nil, err
	}

	backend := opt.Backend
	if backend == nil {
		backend = NewMatFileBackend()
	}

	if opt.LoadExisting {
		err = backend.Open(fileName, opt.ReadOnly)
	} else {
		err = backend.Init(fileName, opt.EnableCompression)
	}
	if err != nil {
		tc.Stop()
		return nil, err
	}

	return &MatLogger{
		opt:       opt,
		fileName:  fileName,
		backend:   backend,
		vars:      make(map[string]*VariableBuffer),
		mode:      opt.BufferMode,
		timeCache: tc,
	}, nil
}

// Filename returns the full path associated with this logger.
func (l *MatLogger) Filename() string { return l.fileName }

// Options returns the options the logger was constructed with.
func (l *MatLogger) Options() Options { return l.opt }

// report routes diagnostics to the configured callback and keeps the
// overflow counter honest.
func (l *MatLogger) report(operation string, err error) {
	if errors.Is(err, ErrBufferOverflow) {
		l.overflowCount.Add(1)
	}
	l.opt.ErrorCallback(operation, err)
}

// SetBufferMode selects the buffering discipline for every variable,
// current and future. Only call this before the first append.
func (l *MatLogger) SetBufferMode(mode BufferMode) {
	l.varsMu.Lock()
	defer l.varsMu.Unlock()

	l.mode = mode
	for _, vb := range l.vars {
		vb.SetMode(mode)
	}
}

// SetOnDataAvailableCallback installs the callback invoked whenever any
// variable commits a block for flushing. Pass nil to deregister.
func (l *MatLogger) SetOnDataAvailableCallback(cb func(BlockInfo)) {
	l.varsMu.Lock()
	defer l.varsMu.Unlock()

	l.onBlockReady = cb
	for _, vb := range l.vars {
		vb.SetOnBlockReady(cb)
	}
}

// Create registers a variable with the given sample shape and buffer
// capacity in samples. Pass bufferSize -1 for the configured default.
// Returns false (with a diagnostic) on a duplicate name or non-positive
// dimensions.
func (l *MatLogger) Create(name string, rows, cols, bufferSize int) bool {
	if l.closed.Load() {
		l.report("create", ErrLoggerClosed)
		return false
	}
	if bufferSize == -1 {
		bufferSize = l.opt.DefaultBufferSize
	}
	if name == "" || rows <= 0 || cols <= 0 || bufferSize <= 0 {
		l.report("create", fmt.Errorf("variable %q (rows=%d, cols=%d, buffer_size=%d): %w",
			name, rows, cols, bufferSize, ErrInvalidDimensions))
		return false
	}

	// Clamp the buffer so a single variable cannot exceed the configured
	// preallocation budget.
	sampleBytes := int64(rows) * int64(cols) * 8
	if int64(bufferSize)*sampleBytes > l.opt.DefaultBufferMaxBytes {
		clamped := int(l.opt.DefaultBufferMaxBytes / sampleBytes)
		if clamped < 1 {
			clamped = 1
		}
		l.report("create", fmt.Errorf("variable %q: buffer clamped from %d to %d samples (max %d bytes)",
			name, bufferSize, clamped, l.opt.DefaultBufferMaxBytes))
		bufferSize = clamped
	}

	l.varsMu.Lock()
	defer l.varsMu.Unlock()

	if _, ok := l.vars[name]; ok {
		l.report("create", fmt.Errorf("variable %q: %w", name, ErrDuplicateVariable))
		return false
	}

	blockSize := bufferSize / NumBlocks
	if blockSize < 1 {
		blockSize = 1
	}

	vb := NewVariableBuffer(name, rows, cols, blockSize)
	vb.SetMode(l.mode)
	vb.SetOnBlockReady(l.onBlockReady)
	vb.setErrorReporter(l.report)
	l.vars[name] = vb

	return true
}

// findOrCreate returns the buffer for name, lazily creating it from the
// sample shape. Runs on the producer goroutine, so the unlocked map read
// cannot race the locked map write in Create.
func (l *MatLogger) findOrCreate(name string, rows, cols int) *VariableBuffer {
	if vb, ok := l.vars[name]; ok {
		return vb
	}
	if !l.Create(name, rows, cols, -1) {
		return nil
	}
	return l.vars[name]
}

// Add appends one scalar sample.
func (l *MatLogger) Add(name string, value float64) bool {
	sample := [1]float64{value}
	return l.addSample(name, 1, 1, sample[:])
}

// AddVector appends one vector sample of shape len(data) x 1.
func (l *MatLogger) AddVector(name string, data []float64) bool {
	return l.addSample(name, len(data), 1, data)
}

func (l *MatLogger) addSample(name string, rows, cols int, data []float64) bool {
	vb := l.findOrCreate(name, rows, cols)
	if vb == nil {
		return false
	}
	l.appendCount.Add(1)
	return vb.Append(data)
}

// AddMatrix appends one matrix sample. The matrix is stored column-major.
func (l *MatLogger) AddMatrix(name string, m *mat.Dense) bool {
	rows, cols := m.Dims()
	vb := l.findOrCreate(name, rows, cols)
	if vb == nil {
		return false
	}
	l.appendCount.Add(1)
	vr, vc := vb.Dimensions()
	if vr != rows || vc != cols {
		l.report("add", fmt.Errorf("variable %q: %w", name, ErrShapeMismatch))
		return false
	}
	dst := vb.claimSample()
	if dst == nil {
		return false
	}
	for j := 0; j < cols; j++ {
		for i := 0; i < rows; i++ {
			dst[j*rows+i] = m.At(i, j)
		}
	}
	return true
}

// AddSlice appends one vector sample of any numeric element type, casting
// each element to float64.
func AddSlice[T constraints.Integer | constraints.Float](l *MatLogger, name string, data []T) bool {
	vb := l.findOrCreate(name, len(data), 1)
	if vb == nil {
		return false
	}
	l.appendCount.Add(1)
	vr, vc := vb.Dimensions()
	if vr*vc != len(data) {
		l.report("add", fmt.Errorf("variable %q: %w", name, ErrShapeMismatch))
		return false
	}
	dst := vb.claimSample()
	if dst == nil {
		return false
	}
	for i, v := range data {
		dst[i] = float64(v)
	}
	return true
}

// Save enqueues a structured value to be written atomically on the next
// flush, replacing any variable with the same name. The value is deep
// copied, so the caller may keep mutating it. Save takes a queue lock but
// stays off the numeric hot path.
func (l *MatLogger) Save(name string, data MatData) bool {
	if l.closed.Load() {
		l.report("save", ErrLoggerClosed)
		return false
	}
	if name == "" {
		l.report("save", fmt.Errorf("empty variable name: %w", ErrInvalidDimensions))
		return false
	}

	l.saveMu.Lock()
	l.saveQueue = append(l.saveQueue, savedValue{name: name, data: data.Clone()})
	l.saveMu.Unlock()

	return true
}

// FlushAvailableData writes every queued structured value and every ready
// block to the backend and returns the number of numeric bytes written.
// Only a single consumer goroutine may call it; never concurrently with a
// running MatAppender flush thread serving this logger.
func (l *MatLogger) FlushAvailableData() int {
	if l.closed.Load() {
		return 0
	}

	l.varsMu.Lock()
	defer l.varsMu.Unlock()

	// Re-check under the lock: Close marks the logger closed and releases
	// the backend while holding varsMu, so past this point the backend is
	// valid for the whole flush. The save queue is swiped only after the
	// check so a racing Close can still drain it.
	if l.closed.Load() {
		return 0
	}

	l.saveMu.Lock()
	pendingSaves := l.saveQueue
	l.saveQueue = nil
	l.saveMu.Unlock()

	for _, sv := range pendingSaves {
		if err := l.backend.WriteStruct(sv.name, sv.data); err != nil {
			l.report("write_struct", err)
		}
	}

	bytes := 0

	for name, vb := range l.vars {
		rows, cols := vb.Dimensions()
		for {
			data, valid, ok := vb.DrainOneBlock(l.scratch)
			if !ok {
				break
			}
			l.scratch = data[:cap(data)]

			// Vector variables append along columns, matrix variables
			// along slices.
			outRows, outCols, outSlices := rows, valid, 1
			if cols > 1 {
				outRows, outCols, outSlices = rows, cols, valid
			}

			if err := l.backend.AppendNumeric(name, data, outRows, outCols, outSlices); err != nil {
				// The block is already recycled; its samples are lost.
				l.report("append_numeric", err)
				continue
			}
			bytes += len(data) * 8
		}
	}

	l.bytesFlushed.Add(uint64(bytes))
	return bytes
}

// flushToQueueAll forces every variable to commit its current block.
// Returns true if all of them succeeded.
func (l *MatLogger) flushToQueueAll() bool {
	l.varsMu.Lock()
	defer l.varsMu.Unlock()

	ok := true
	for _, vb := range l.vars {
		if !vb.rollCurrentBlock() {
			ok = false
		}
	}
	return ok
}

// ReadNumeric reads a numeric variable back as dense float64. A variable
// with S > 1 slices comes back as rows x (cols*S) plus the slice count.
// Only meaningful when the file was opened with LoadExisting, or for data
// already flushed in this session.
func (l *MatLogger) ReadNumeric(name string) (*mat.Dense, int, error) {
	l.varsMu.Lock()
	defer l.varsMu.Unlock()
	if l.closed.Load() {
		return nil, 0, ErrLoggerClosed
	}
	return l.backend.ReadNumeric(name)
}

// ReadStruct reads a structured variable back.
func (l *MatLogger) ReadStruct(name string) (MatData, error) {
	l.varsMu.Lock()
	defer l.varsMu.Unlock()
	if l.closed.Load() {
		return MatData{}, ErrLoggerClosed
	}
	return l.backend.ReadStruct(name)
}

// ListVariableNames returns the top-level variable names in the file.
func (l *MatLogger) ListVariableNames() ([]string, error) {
	l.varsMu.Lock()
	defer l.varsMu.Unlock()
	if l.closed.Load() {
		return nil, ErrLoggerClosed
	}
	return l.backend.ListNames()
}

// DeleteVariable removes a top-level variable from the file.
func (l *MatLogger) DeleteVariable(name string) error {
	l.varsMu.Lock()
	defer l.varsMu.Unlock()
	if l.closed.Load() {
		return ErrLoggerClosed
	}
	return l.backend.DeleteVariable(name)
}

// LoggerStats is a snapshot of logger activity for telemetry.
type LoggerStats struct {
	AppendCount   uint64 // successful and failed Add calls
	OverflowCount uint64 // samples or blocks rejected because of a full pipeline
	BytesFlushed  uint64 // numeric bytes handed to the backend
	Variables     int    // registered variables
	PendingSaves  int    // structured values queued for the next flush
}

// Stats returns current activity counters. Safe to call concurrently.
func (l *MatLogger) Stats() LoggerStats {
	l.varsMu.Lock()
	variables := len(l.vars)
	l.varsMu.Unlock()

	l.saveMu.Lock()
	pendingSaves := len(l.saveQueue)
	l.saveMu.Unlock()

	return LoggerStats{
		AppendCount:   l.appendCount.Load(),
		OverflowCount: l.overflowCount.Load(),
		BytesFlushed:  l.bytesFlushed.Load(),
		Variables:     variables,
		PendingSaves:  pendingSaves,
	}
}

// Close drains every buffered sample to the backend and releases the
// file. The shared-ownership contract applies: no producer may run
// concurrently, which is what makes the drain loop terminate. Safe to
// call multiple times; subsequent calls are no-ops.
func (l *MatLogger) Close() error {
	var closeErr error
	l.closeOnce.Do(func() {
		// Stop notifying the appender and make draining legal on
		// previously circular variables.
		l.SetOnDataAvailableCallback(nil)
		l.SetBufferMode(ProducerConsumer)

		// Commit partial blocks, draining whenever a pipeline is full.
		for !l.flushToQueueAll() {
			l.FlushAvailableData()
		}
		for l.FlushAvailableData() > 0 {
		}

		// Mark closed and release the backend under the structural lock,
		// so a flusher goroutine mid-pass cannot observe a closed backend.
		l.varsMu.Lock()
		l.closed.Store(true)
		closeErr = l.backend.Close()
		l.varsMu.Unlock()

		if l.timeCache != nil {
			l.timeCache.Stop()
		}
	})
	return closeErr
}

// isClosed reports whether Close has completed its drain.
func (l *MatLogger) isClosed() bool {
	return l.closed.Load()
}
