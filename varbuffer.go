// varbuffer.go: per-variable block-pooled buffering pipeline
//
// Copyright (c) 2025 AGILira
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package matlogger2

// NumBlocks is the fixed number of memory blocks in each variable's pool.
// At any time one block is owned by the producer as the current block; the
// rest circulate among the free pool, the ready queue and the recycle
// queue.
const NumBlocks = 20

// BufferMode selects the discipline applied when a variable's pipeline
// fills up.
type BufferMode int

const (
	// ProducerConsumer applies back-pressure: a full pipeline rejects new
	// samples until the consumer drains. This is the default and the only
	// mode in which draining is permitted.
	ProducerConsumer BufferMode = iota

	// Circular overwrites: a full pipeline drops its oldest ready block so
	// the producer never stalls and never allocates. Draining is not
	// permitted; intended for single-threaded use.
	Circular
)

func (m BufferMode) String() string {
	if m == Circular {
		return "circular"
	}
	return "producer_consumer"
}

// BlockInfo describes a block that has just been committed to a variable's
// ready queue. It is passed to the callback registered with
// SetOnBlockReady, on the producer thread.
type BlockInfo struct {
	// VariableName is the variable the new data belongs to.
	VariableName string

	// NewBytes is the number of bytes that became available for flushing.
	NewBytes int

	// FreeRatio is the fraction of NumBlocks not held by the ready queue,
	// measured just before the block is committed. The producer always
	// owns one block, so the value stays within [1/NumBlocks, 1]; lower
	// values mean a fuller pipeline.
	FreeRatio float64
}

// block is a contiguous column-major slab holding up to size samples of
// one variable. writeIdx counts the valid samples.
type block struct {
	buf      []float64
	dim      int // elements per sample (rows*cols)
	size     int // capacity in samples
	writeIdx int
}

func newBlock(dim, size int) *block {
	return &block{
		buf:  make([]float64, dim*size),
		dim:  dim,
		size: size,
	}
}

// claim returns the destination column for the next sample and advances
// the write index, or nil if the block is full.
func (b *block) claim() []float64 {
	if b.writeIdx == b.size {
		return nil
	}
	col := b.buf[b.writeIdx*b.dim : (b.writeIdx+1)*b.dim]
	b.writeIdx++
	return col
}

func (b *block) reset() {
	b.writeIdx = 0
}

func (b *block) validElements() int {
	return b.writeIdx
}

func (b *block) validBytes() int {
	return b.writeIdx * b.dim * 8
}

// VariableBuffer converts a stream of equal-shape samples into a stream of
// dense blocks, without locks or allocation, for a single logged variable.
// This is an internal library component surfaced for backend and test use;
// regular logging goes through MatLogger.
//
// Apart from the two SPSC queues, no data is shared between the append
// side and the drain side, so a single producer goroutine and a single
// consumer goroutine may use the buffer concurrently without further
// synchronization.
type VariableBuffer struct {
	name string
	rows int
	cols int
	mode BufferMode

	current *block
	pool    []*block // free blocks, producer-owned
	ready   *blockQueue
	recycle *blockQueue

	onBlockReady func(BlockInfo)
	reportError  func(operation string, err error)
}

// NewVariableBuffer allocates the block pool for one variable. blockSize
// is the number of samples per block. All memory is allocated here;
// steady-state appends never touch the heap.
func NewVariableBuffer(name string, rows, cols, blockSize int) *VariableBuffer {
	if blockSize < 1 {
		blockSize = 1
	}
	dim := rows * cols
	vb := &VariableBuffer{
		name:    name,
		rows:    rows,
		cols:    cols,
		ready:   newBlockQueue(NumBlocks),
		recycle: newBlockQueue(NumBlocks),
		pool:    make([]*block, 0, NumBlocks),
	}
	for i := 0; i < NumBlocks; i++ {
		vb.pool = append(vb.pool, newBlock(dim, blockSize))
	}
	vb.current = vb.popFree()
	return vb
}

// Name returns the variable name.
func (vb *VariableBuffer) Name() string { return vb.name }

// Dimensions returns the sample shape this buffer was created with.
func (vb *VariableBuffer) Dimensions() (rows, cols int) { return vb.rows, vb.cols }

// SetMode selects the buffering discipline. Only call this before the
// first append.
func (vb *VariableBuffer) SetMode(mode BufferMode) {
	vb.mode = mode
}

// Mode returns the current buffering discipline.
func (vb *VariableBuffer) Mode() BufferMode { return vb.mode }

// SetOnBlockReady registers a callback invoked on the producer thread at
// the moment a block is committed to the ready queue. The callback must
// not block and must not call back into the buffer. Pass nil to
// deregister.
func (vb *VariableBuffer) SetOnBlockReady(cb func(BlockInfo)) {
	vb.onBlockReady = cb
}

func (vb *VariableBuffer) setErrorReporter(fn func(operation string, err error)) {
	vb.reportError = fn
}

func (vb *VariableBuffer) report(operation string, err error) {
	if vb.reportError != nil {
		vb.reportError(operation, err)
	}
}

// Append writes one sample, cast to float64 columns. Returns false if the
// sample shape mismatches or, in ProducerConsumer mode, if the pipeline is
// full.
func (vb *VariableBuffer) Append(sample []float64) bool {
	if len(sample) != vb.rows*vb.cols {
		vb.report("append", ErrShapeMismatch)
		return false
	}
	dst := vb.claimSample()
	if dst == nil {
		return false
	}
	copy(dst, sample)
	return true
}

// claimSample returns the column-major destination for one sample,
// rolling the current block when it is full. Returns nil on overflow.
func (vb *VariableBuffer) claimSample() []float64 {
	if dst := vb.current.claim(); dst != nil {
		return dst
	}
	if !vb.rollCurrentBlock() {
		return nil
	}
	return vb.current.claim()
}

// popFree drains the recycle queue into the free pool and pops one block,
// or nil if none is available.
func (vb *VariableBuffer) popFree() *block {
	vb.recycle.drain(func(b *block) {
		vb.pool = append(vb.pool, b)
	})
	n := len(vb.pool)
	if n == 0 {
		return nil
	}
	b := vb.pool[n-1]
	vb.pool = vb.pool[:n-1]
	b.reset()
	return b
}

// rollCurrentBlock commits the current block to the ready queue and
// installs a fresh one. In ProducerConsumer mode a saturated pool makes
// it fail and keeps the current block; in Circular mode the oldest ready
// block is reclaimed instead, dropping its samples.
func (vb *VariableBuffer) rollCurrentBlock() bool {
	if vb.current.validElements() == 0 {
		return true
	}

	info := BlockInfo{
		VariableName: vb.name,
		NewBytes:     vb.current.validBytes(),
		FreeRatio:    float64(NumBlocks-vb.ready.len()) / float64(NumBlocks),
	}

	next := vb.popFree()
	if next == nil {
		if vb.mode == ProducerConsumer {
			vb.report("roll_block", ErrBufferOverflow)
			return false
		}
		// Circular mode: reclaim the oldest committed block. No consumer
		// runs in this mode, so popping from the producer side is safe.
		next = vb.ready.stealOldest()
		if next == nil {
			vb.report("roll_block", ErrBufferOverflow)
			return false
		}
		next.reset()
	}

	// The pool accounting guarantees a free slot here.
	if !vb.ready.push(vb.current) {
		vb.report("roll_block", ErrBufferOverflow)
		vb.pool = append(vb.pool, next)
		return false
	}

	vb.current = next

	if vb.onBlockReady != nil {
		vb.onBlockReady(info)
	}
	return true
}

// DrainOneBlock pops at most one block from the ready queue, copies its
// valid columns into scratch (grown if needed) and recycles the block.
// It returns the flat column-major data, the number of valid samples and
// whether a block was available. Calling it on a Circular buffer is a
// programming error and is rejected.
//
// Only a single consumer goroutine may call this concurrently with the
// append side.
func (vb *VariableBuffer) DrainOneBlock(scratch []float64) ([]float64, int, bool) {
	if vb.mode == Circular {
		vb.report("drain", ErrModeViolation)
		return nil, 0, false
	}
	b := vb.ready.pop()
	if b == nil {
		return nil, 0, false
	}
	valid := b.validElements()
	n := valid * b.dim
	if cap(scratch) < n {
		scratch = make([]float64, n)
	}
	scratch = scratch[:n]
	copy(scratch, b.buf[:n])

	b.reset()
	vb.recycle.push(b)

	return scratch, valid, true
}

// pendingBlocks reports how many committed blocks await draining.
func (vb *VariableBuffer) pendingBlocks() int {
	return vb.ready.len()
}

// currentFill reports how many samples sit in the producer's partial
// block. Meaningful only from the producer thread or after it stopped.
func (vb *VariableBuffer) currentFill() int {
	return vb.current.validElements()
}
