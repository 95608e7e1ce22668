// varbuffer_test.go: per-variable pipeline tests
//
// Copyright (c) 2025 AGILira
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package matlogger2

import (
	"errors"
	"testing"
)

// collectErrors returns a reporter that appends every reported error.
func collectErrors(errs *[]error) func(string, error) {
	return func(_ string, err error) {
		*errs = append(*errs, err)
	}
}

func TestVariableBufferAppendAndDrain(t *testing.T) {
	vb := NewVariableBuffer("v", 3, 1, 4)

	samples := [][]float64{{1, 2, 3}, {4, 5, 6}, {7, 8, 9}}
	for i, s := range samples {
		if !vb.Append(s) {
			t.Fatalf("append %d failed", i)
		}
	}
	if vb.currentFill() != 3 {
		t.Fatalf("current fill = %d, want 3", vb.currentFill())
	}

	// Nothing is observable before the block rolls.
	if _, _, ok := vb.DrainOneBlock(nil); ok {
		t.Fatal("drained a block before any commit")
	}

	if !vb.rollCurrentBlock() {
		t.Fatal("roll failed")
	}
	data, valid, ok := vb.DrainOneBlock(nil)
	if !ok || valid != 3 {
		t.Fatalf("drain returned valid=%d ok=%v, want 3 true", valid, ok)
	}
	want := []float64{1, 2, 3, 4, 5, 6, 7, 8, 9}
	for i, v := range want {
		if data[i] != v {
			t.Fatalf("data[%d] = %v, want %v", i, data[i], v)
		}
	}
}

func TestVariableBufferShapeMismatch(t *testing.T) {
	var errs []error
	vb := NewVariableBuffer("v", 2, 2, 4)
	vb.setErrorReporter(collectErrors(&errs))

	if vb.Append([]float64{1, 2, 3}) {
		t.Fatal("append accepted a sample of the wrong size")
	}
	if vb.currentFill() != 0 {
		t.Fatal("failed append changed the block state")
	}
	if len(errs) != 1 || !errors.Is(errs[0], ErrShapeMismatch) {
		t.Fatalf("expected one ErrShapeMismatch, got %v", errs)
	}
}

func TestVariableBufferBlockAccounting(t *testing.T) {
	const blockSize = 5
	vb := NewVariableBuffer("v", 1, 1, blockSize)

	appended := 0
	for vb.Append([]float64{float64(appended)}) {
		appended++
	}

	// Capacity is the whole pool: NumBlocks blocks of blockSize samples.
	if want := NumBlocks * blockSize; appended != want {
		t.Fatalf("accepted %d samples before overflow, want %d", appended, want)
	}

	drained := 0
	var scratch []float64
	for {
		data, valid, ok := vb.DrainOneBlock(scratch)
		if !ok {
			break
		}
		scratch = data[:cap(data)]
		drained += valid
	}
	total := drained + vb.currentFill()
	if total != appended {
		t.Fatalf("drained %d + current %d != appended %d", drained, vb.currentFill(), appended)
	}

	// Back-pressure released: the producer can append again.
	if !vb.Append([]float64{1}) {
		t.Fatal("append still failing after drain")
	}
}

func TestVariableBufferProducerConsumerOverflow(t *testing.T) {
	var errs []error
	vb := NewVariableBuffer("v", 1, 1, 1)
	vb.setErrorReporter(collectErrors(&errs))

	for i := 0; i < NumBlocks; i++ {
		if !vb.Append([]float64{float64(i)}) {
			t.Fatalf("append %d failed before capacity", i)
		}
	}
	if vb.Append([]float64{99}) {
		t.Fatal("append succeeded past capacity in producer-consumer mode")
	}
	foundOverflow := false
	for _, err := range errs {
		if errors.Is(err, ErrBufferOverflow) {
			foundOverflow = true
		}
	}
	if !foundOverflow {
		t.Fatalf("expected ErrBufferOverflow, got %v", errs)
	}
}

func TestVariableBufferCircularOverwrite(t *testing.T) {
	vb := NewVariableBuffer("y", 1, 1, 1)
	vb.SetMode(Circular)

	const total = 10 * NumBlocks
	for i := 0; i < total; i++ {
		if !vb.Append([]float64{float64(i)}) {
			t.Fatalf("append %d failed in circular mode", i)
		}
	}

	// Draining is rejected while circular.
	var errs []error
	vb.setErrorReporter(collectErrors(&errs))
	if _, _, ok := vb.DrainOneBlock(nil); ok {
		t.Fatal("drain succeeded in circular mode")
	}
	if len(errs) != 1 || !errors.Is(errs[0], ErrModeViolation) {
		t.Fatalf("expected ErrModeViolation, got %v", errs)
	}

	// Switch back and verify only the most recent window survived.
	vb.SetMode(ProducerConsumer)
	vb.rollCurrentBlock()

	count := 0
	var scratch []float64
	for {
		data, valid, ok := vb.DrainOneBlock(scratch)
		if !ok {
			break
		}
		scratch = data[:cap(data)]
		for i := 0; i < valid; i++ {
			if data[i] < float64(9*NumBlocks) {
				t.Fatalf("stale sample %v survived the overwrite", data[i])
			}
		}
		count += valid
	}
	if count == 0 || count > NumBlocks {
		t.Fatalf("drained %d samples, want within (0, %d]", count, NumBlocks)
	}
}

func TestVariableBufferCallback(t *testing.T) {
	var infos []BlockInfo
	vb := NewVariableBuffer("cb", 2, 1, 3)
	vb.SetOnBlockReady(func(info BlockInfo) {
		infos = append(infos, info)
	})

	// Three samples fill a block; the fourth rolls it.
	for i := 0; i < 4; i++ {
		if !vb.Append([]float64{float64(i), float64(i)}) {
			t.Fatalf("append %d failed", i)
		}
	}

	if len(infos) != 1 {
		t.Fatalf("callback fired %d times, want 1", len(infos))
	}
	info := infos[0]
	if info.VariableName != "cb" {
		t.Errorf("callback variable = %q, want cb", info.VariableName)
	}
	if want := 3 * 2 * 8; info.NewBytes != want {
		t.Errorf("callback bytes = %d, want %d", info.NewBytes, want)
	}
	if info.FreeRatio <= 0 || info.FreeRatio > 1 {
		t.Errorf("callback free ratio = %v, want within (0, 1]", info.FreeRatio)
	}
}
