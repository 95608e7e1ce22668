// appender.go: multi-logger flush coordinator with a background consumer
//
// Copyright (c) 2025 AGILira
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package matlogger2

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"
	"weak"

	"github.com/agilira/go-timecache"
)

// AppenderOptions tunes when producers wake the flusher goroutine.
type AppenderOptions struct {
	// WakeThresholdBytes wakes the flusher once this many bytes have
	// accumulated across all registered loggers. Default 30 MB.
	WakeThresholdBytes int64

	// WakeFreeRatio wakes the flusher whenever a variable reports less
	// free pipeline capacity than this ratio. Default 0.5.
	WakeFreeRatio float64

	// ErrorCallback receives appender diagnostics. Defaults to stderr.
	ErrorCallback func(operation string, err error)
}

// DefaultAppenderOptions returns the standard wake thresholds.
func DefaultAppenderOptions() AppenderOptions {
	return AppenderOptions{
		WakeThresholdBytes: 30e6,
		WakeFreeRatio:      0.5,
	}
}

// MatAppender periodically drains many loggers from a single background
// goroutine, woken opportunistically when producers report enough
// accumulated data.
//
// Loggers are registered through weak references: a registered logger may
// be closed, or dropped and collected, at any time; the appender notices
// lazily during the next flush pass and removes it. Symmetrically the
// block-ready callback installed on each logger holds only a weak
// reference back to the appender, so neither side keeps the other alive.
type MatAppender struct {
	opt AppenderOptions

	loggersMu sync.Mutex
	loggers   []weak.Pointer[MatLogger]

	pendingBytes atomic.Int64

	condMu   sync.Mutex
	cond     *sync.Cond
	wakeFlag atomic.Bool
	runFlag  atomic.Bool

	started bool
	wg      sync.WaitGroup

	timeCache *timecache.TimeCache

	totalBytes    atomic.Uint64
	workNanos     atomic.Int64
	sleepNanos    atomic.Int64
	flushedPasses atomic.Uint64
}

// NewAppender creates an appender with DefaultAppenderOptions.
func NewAppender() *MatAppender {
	return NewAppenderWithOptions(DefaultAppenderOptions())
}

// NewAppenderWithOptions creates an appender with explicit wake
// thresholds.
func NewAppenderWithOptions(opt AppenderOptions) *MatAppender {
	if opt.WakeThresholdBytes <= 0 {
		opt.WakeThresholdBytes = DefaultAppenderOptions().WakeThresholdBytes
	}
	if opt.WakeFreeRatio <= 0 || opt.WakeFreeRatio > 1 {
		opt.WakeFreeRatio = DefaultAppenderOptions().WakeFreeRatio
	}
	if opt.ErrorCallback == nil {
		opt.ErrorCallback = stderrReporter
	}
	a := &MatAppender{
		opt:       opt,
		timeCache: timecache.NewWithResolution(time.Millisecond),
	}
	a.cond = sync.NewCond(&a.condMu)
	return a
}

// AddLogger registers a logger with the appender and installs the
// block-ready notification callback on it. Returns false for a nil logger
// or one that is already registered.
func (a *MatAppender) AddLogger(logger *MatLogger) bool {
	if logger == nil {
		a.opt.ErrorCallback("add_logger", fmt.Errorf("nil logger provided"))
		return false
	}

	a.loggersMu.Lock()
	defer a.loggersMu.Unlock()

	for _, wp := range a.loggers {
		if wp.Value() == logger {
			a.opt.ErrorCallback("add_logger", fmt.Errorf("logger %q already registered", logger.Filename()))
			return false
		}
	}

	// The callback runs on the producer thread of the logger. It holds a
	// weak reference so a collected appender never keeps receiving
	// notifications, and an in-flight upgrade keeps the appender alive
	// only for the duration of the call.
	self := weak.Make(a)
	logger.SetOnDataAvailableCallback(func(info BlockInfo) {
		if ap := self.Value(); ap != nil {
			ap.onBlockReady(info)
		}
	})

	a.loggers = append(a.loggers, weak.Make(logger))
	return true
}

// onBlockReady accumulates the pending byte count and wakes the flusher
// when enough data is buffered or a pipeline is filling up. It never
// allocates and never calls back into the logger.
func (a *MatAppender) onBlockReady(info BlockInfo) {
	pending := a.pendingBytes.Add(int64(info.NewBytes))

	if pending > a.opt.WakeThresholdBytes || info.FreeRatio < a.opt.WakeFreeRatio {
		a.condMu.Lock()
		a.pendingBytes.Store(0)
		a.wakeFlag.Store(true)
		a.cond.Signal()
		a.condMu.Unlock()
	}
}

// FlushAvailableData flushes every live registered logger and drops the
// dead ones. Returns the total number of bytes written. Do not call
// concurrently with a running flush thread.
func (a *MatAppender) FlushAvailableData() int {
	bytes := 0

	a.loggersMu.Lock()
	defer a.loggersMu.Unlock()

	alive := a.loggers[:0]
	for _, wp := range a.loggers {
		logger := wp.Value()
		if logger == nil || logger.isClosed() {
			// Expired logger, drop the registration.
			continue
		}
		bytes += logger.FlushAvailableData()
		alive = append(alive, wp)
	}
	// Clear the tail so dropped loggers do not linger in the backing
	// array.
	for i := len(alive); i < len(a.loggers); i++ {
		a.loggers[i] = weak.Pointer[MatLogger]{}
	}
	a.loggers = alive

	a.totalBytes.Add(uint64(bytes))
	return bytes
}

// StartFlushThread spawns the background consumer goroutine. Calling it
// twice is a programming error.
func (a *MatAppender) StartFlushThread() {
	if a.started {
		panic("matlogger2: flush thread already started")
	}
	a.started = true
	a.runFlag.Store(true)

	a.wg.Add(1)
	go a.flushThreadMain()
}

// flushThreadMain drains all live loggers, then sleeps on the condition
// variable until a producer or Close wakes it.
func (a *MatAppender) flushThreadMain() {
	defer a.wg.Done()

	for a.runFlag.Load() {
		workStart := a.timeCache.CachedTime()
		a.FlushAvailableData()
		a.flushedPasses.Add(1)
		a.workNanos.Add(a.timeCache.CachedTime().Sub(workStart).Nanoseconds())

		sleepStart := a.timeCache.CachedTime()
		a.condMu.Lock()
		for !a.wakeFlag.Load() && a.runFlag.Load() {
			a.cond.Wait()
		}
		a.wakeFlag.Store(false)
		a.condMu.Unlock()
		a.sleepNanos.Add(a.timeCache.CachedTime().Sub(sleepStart).Nanoseconds())
	}
}

// AppenderStats is a snapshot of flusher activity.
type AppenderStats struct {
	TotalBytes   uint64        // bytes written across all loggers
	FlushPasses  uint64        // completed flush passes
	WorkTime     time.Duration // time spent flushing
	SleepTime    time.Duration // time spent waiting for notifications
	Registered   int           // currently registered loggers (including dead ones not yet dropped)
	PendingBytes int64         // bytes reported since the last wake-up
}

// Stats returns current flusher counters. Safe to call concurrently.
func (a *MatAppender) Stats() AppenderStats {
	a.loggersMu.Lock()
	registered := len(a.loggers)
	a.loggersMu.Unlock()

	return AppenderStats{
		TotalBytes:   a.totalBytes.Load(),
		FlushPasses:  a.flushedPasses.Load(),
		WorkTime:     time.Duration(a.workNanos.Load()),
		SleepTime:    time.Duration(a.sleepNanos.Load()),
		Registered:   registered,
		PendingBytes: a.pendingBytes.Load(),
	}
}

// Close stops the flusher goroutine and waits for it to exit. It never
// waits on a producer. Registered loggers are left untouched; closing
// them is their owners' responsibility.
func (a *MatAppender) Close() {
	if a.started {
		a.condMu.Lock()
		a.runFlag.Store(false)
		a.wakeFlag.Store(true)
		a.cond.Signal()
		a.condMu.Unlock()

		a.wg.Wait()
		a.started = false
	}

	if a.timeCache != nil {
		a.timeCache.Stop()
	}
}
