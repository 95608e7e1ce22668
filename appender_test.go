// appender_test.go: flush coordinator tests
//
// Copyright (c) 2025 AGILira
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package matlogger2

import (
	"fmt"
	"math/rand"
	"path/filepath"
	"testing"
	"time"
)

func TestAddLoggerRejectsNilAndDuplicates(t *testing.T) {
	a := NewAppenderWithOptions(AppenderOptions{
		ErrorCallback: func(string, error) {},
	})
	defer a.Close()

	if a.AddLogger(nil) {
		t.Fatal("nil logger accepted")
	}

	lg, _, _ := newTestLogger(t, "dup.mat", DefaultOptions())
	defer lg.Close()

	if !a.AddLogger(lg) {
		t.Fatal("first registration failed")
	}
	if a.AddLogger(lg) {
		t.Fatal("duplicate registration accepted")
	}
	if st := a.Stats(); st.Registered != 1 {
		t.Fatalf("registered = %d, want 1", st.Registered)
	}
}

func TestAppenderWakesOnFillingPipeline(t *testing.T) {
	a := NewAppender()
	defer a.Close()

	lg, _, _ := newTestLogger(t, "wake.mat", DefaultOptions())
	defer lg.Close()
	a.AddLogger(lg)

	// Small buffer: a handful of samples commits blocks and drives the
	// ready queue past the free-ratio threshold.
	lg.Create("v", 1, 1, NumBlocks)
	for i := 0; i < NumBlocks; i++ {
		lg.Add("v", float64(i))
	}

	if !a.wakeFlag.Load() {
		t.Fatal("filling the pipeline did not set the wake flag")
	}
}

func TestAppenderWakesOnByteThreshold(t *testing.T) {
	a := NewAppenderWithOptions(AppenderOptions{
		WakeThresholdBytes: 1024,
		WakeFreeRatio:      0.01, // effectively disabled
	})
	defer a.Close()

	lg, _, _ := newTestLogger(t, "bytes.mat", DefaultOptions())
	defer lg.Close()
	a.AddLogger(lg)

	lg.Create("v", 8, 1, 400) // 20-sample blocks, 64 bytes per sample
	for i := 0; i < 60; i++ {
		lg.AddVector("v", make([]float64, 8))
	}

	if !a.wakeFlag.Load() {
		t.Fatal("crossing the byte threshold did not set the wake flag")
	}
	if a.pendingBytes.Load() != 0 {
		t.Fatal("pending bytes were not reset on wake")
	}
}

func TestAppenderDropsDeadLoggers(t *testing.T) {
	a := NewAppender()
	defer a.Close()

	lg, _, _ := newTestLogger(t, "dead.mat", DefaultOptions())
	a.AddLogger(lg)
	if st := a.Stats(); st.Registered != 1 {
		t.Fatalf("registered = %d, want 1", st.Registered)
	}

	if err := lg.Close(); err != nil {
		t.Fatal(err)
	}

	// The dead logger is removed lazily on the next pass.
	a.FlushAvailableData()
	if st := a.Stats(); st.Registered != 0 {
		t.Fatalf("registered after flush = %d, want 0", st.Registered)
	}
}

// TestProducerConsumerThroughput runs the pipeline end to end: a paced
// producer appends random vectors while the appender's flush thread
// drains, and the file must contain every sample.
func TestProducerConsumerThroughput(t *testing.T) {
	const (
		samples = 100000
		dim     = 25
	)

	opt := DefaultOptions()
	lg, path, _ := newTestLogger(t, "tput.mat", opt)

	if !lg.Create("x", dim, 1, 10000) {
		t.Fatal("create failed")
	}

	a := NewAppenderWithOptions(AppenderOptions{
		WakeThresholdBytes: 256 * 1024,
		WakeFreeRatio:      0.5,
	})
	if !a.AddLogger(lg) {
		t.Fatal("registration failed")
	}
	a.StartFlushThread()

	rng := rand.New(rand.NewSource(42))
	sample := make([]float64, dim)
	var sum float64
	for i := 0; i < samples; i++ {
		for j := range sample {
			sample[j] = rng.Float64()
		}
		if !lg.AddVector("x", sample) {
			t.Fatalf("append %d failed under sufficient drain throughput", i)
		}
		for _, v := range sample {
			sum += v
		}
		// Pace the producer the way a control loop would; the flusher
		// keeps the pipeline far from full at this rate.
		if i%100 == 99 {
			time.Sleep(50 * time.Microsecond)
		}
	}

	if err := lg.Close(); err != nil {
		t.Fatal(err)
	}
	a.Close()

	rd := reopen(t, path)
	defer rd.Close()
	m, slices, err := rd.ReadNumeric("x")
	if err != nil {
		t.Fatal(err)
	}
	r, c := m.Dims()
	if r != dim || c != samples || slices != 1 {
		t.Fatalf("dims %dx%d slices %d, want %dx%d slices 1", r, c, slices, dim, samples)
	}

	var got float64
	for j := 0; j < c; j++ {
		for i := 0; i < r; i++ {
			got += m.At(i, j)
		}
	}
	if diff := got - sum; diff > 1e-6 || diff < -1e-6 {
		t.Fatalf("sum drifted by %v across the roundtrip", diff)
	}
}

// TestLoggerLifetimeAgainstFlusher closes loggers while the flush thread
// keeps running; the thread must survive and every appended sample must
// be on disk.
func TestLoggerLifetimeAgainstFlusher(t *testing.T) {
	const perLogger = 500

	a := NewAppender()

	dir := t.TempDir()
	var loggers []*MatLogger
	var paths []string
	for i := 0; i < 4; i++ {
		path := filepath.Join(dir, fmt.Sprintf("life_%d.mat", i))
		lg, err := NewLoggerWithOptions(path, Options{
			DefaultBufferSize:     1000,
			DefaultBufferMaxBytes: 1 << 20,
			ErrorCallback:         func(string, error) {},
		})
		if err != nil {
			t.Fatal(err)
		}
		loggers = append(loggers, lg)
		paths = append(paths, lg.Filename())
		if !a.AddLogger(lg) {
			t.Fatal("registration failed")
		}
	}
	a.StartFlushThread()

	for _, lg := range loggers {
		for i := 0; i < perLogger; i++ {
			if !lg.AddVector("q", []float64{float64(i), float64(-i)}) {
				t.Fatal("append failed")
			}
		}
	}

	// Release the loggers while the flusher is live.
	for _, lg := range loggers {
		if err := lg.Close(); err != nil {
			t.Fatal(err)
		}
	}

	// Keep the flusher alive for a while with the loggers closed. Nothing
	// here wakes it, so whether it drops them before Close is not fixed.
	time.Sleep(20 * time.Millisecond)
	a.Close()

	if st := a.Stats(); st.Registered > 4 {
		t.Fatalf("registered = %d after closing all loggers", st.Registered)
	}

	for _, path := range paths {
		rd := reopen(t, path)
		m, _, err := rd.ReadNumeric("q")
		if err != nil {
			t.Fatalf("%s: %v", path, err)
		}
		if _, c := m.Dims(); c != perLogger {
			t.Fatalf("%s holds %d samples, want %d", path, c, perLogger)
		}
		for j := 0; j < perLogger; j++ {
			if m.At(0, j) != float64(j) || m.At(1, j) != float64(-j) {
				t.Fatalf("%s sample %d = (%v, %v)", path, j, m.At(0, j), m.At(1, j))
			}
		}
		rd.Close()
	}
}

func TestStartFlushThreadTwicePanics(t *testing.T) {
	a := NewAppender()
	defer a.Close()

	a.StartFlushThread()
	defer func() {
		if recover() == nil {
			t.Fatal("second StartFlushThread did not panic")
		}
	}()
	a.StartFlushThread()
}

func TestAppenderCloseIsPrompt(t *testing.T) {
	a := NewAppender()
	a.StartFlushThread()

	done := make(chan struct{})
	go func() {
		a.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("appender close did not return")
	}
}
