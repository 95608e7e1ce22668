// matdata_test.go: structured value tests
//
// Copyright (c) 2025 AGILira
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package matlogger2

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"gonum.org/v1/gonum/mat"
)

func sampleStruct() MatData {
	inner := StructData()
	inner.SetField("e", ScalarData(3.0))

	cell := CellData(1)
	cell.SetCell(0, MatrixData(identity(2, 5)))

	s := StructData()
	s.SetField("a", ScalarData(1.0))
	s.SetField("b", TextData("txt"))
	s.SetField("c", cell)
	s.SetField("d", inner)
	return s
}

// identity returns a rows x cols matrix with ones on the diagonal.
func identity(rows, cols int) *mat.Dense {
	m := mat.NewDense(rows, cols, nil)
	for i := 0; i < rows && i < cols; i++ {
		m.Set(i, i, 1)
	}
	return m
}

func TestMatDataAccessors(t *testing.T) {
	s := sampleStruct()

	if !s.IsStruct() || s.IsCell() || s.IsScalar() {
		t.Fatal("struct value misreports its kind")
	}
	if s.Len() != 4 {
		t.Fatalf("struct has %d fields, want 4", s.Len())
	}

	a, err := s.Field("a")
	if err != nil {
		t.Fatal(err)
	}
	if v, err := a.Num(); err != nil || v != 1.0 {
		t.Fatalf("field a = %v, %v", v, err)
	}

	b, _ := s.Field("b")
	if txt, err := b.Text(); err != nil || txt != "txt" {
		t.Fatalf("field b = %q, %v", txt, err)
	}

	c, _ := s.Field("c")
	elem, err := c.Cell(0)
	if err != nil {
		t.Fatal(err)
	}
	m, err := elem.Matrix()
	if err != nil {
		t.Fatal(err)
	}
	if r, cc := m.Dims(); r != 2 || cc != 5 {
		t.Fatalf("cell matrix dims %dx%d, want 2x5", r, cc)
	}
}

func TestMatDataWrongType(t *testing.T) {
	s := sampleStruct()

	_, err := s.Num()
	var wrong *WrongTypeError
	if !errors.As(err, &wrong) {
		t.Fatalf("expected WrongTypeError, got %v", err)
	}
	if wrong.Requested != "scalar" || wrong.Actual != "struct" {
		t.Fatalf("wrong type error reports %q vs %q", wrong.Requested, wrong.Actual)
	}

	if _, err := ScalarData(1).Fields(); err == nil {
		t.Fatal("Fields on a scalar did not fail")
	}
	if _, err := TextData("x").Cells(); err == nil {
		t.Fatal("Cells on a text scalar did not fail")
	}
	if err := (&MatData{}).SetField("k", ScalarData(0)); err == nil {
		t.Fatal("SetField on a scalar did not fail")
	}
}

func TestMatDataFieldOrderPreserved(t *testing.T) {
	s := StructData()
	names := []string{"zulu", "alpha", "mike", "bravo"}
	for i, n := range names {
		s.SetField(n, ScalarData(float64(i)))
	}

	fields, err := s.Fields()
	if err != nil {
		t.Fatal(err)
	}
	var got []string
	for _, f := range fields {
		got = append(got, f.Name)
	}
	if diff := cmp.Diff(names, got); diff != "" {
		t.Fatalf("field order changed (-want +got):\n%s", diff)
	}

	// Replacing a field keeps its slot.
	s.SetField("alpha", ScalarData(42))
	fields, _ = s.Fields()
	if fields[1].Name != "alpha" {
		t.Fatal("replacing a field moved it")
	}
	if v, _ := fields[1].Value.Num(); v != 42 {
		t.Fatal("replacing a field kept the old value")
	}
}

func TestMatDataCloneIsDeep(t *testing.T) {
	orig := sampleStruct()
	clone := orig.Clone()

	if !orig.Equal(clone) {
		t.Fatal("clone does not compare equal")
	}

	// Mutating the clone must not touch the original.
	clone.SetField("a", ScalarData(99))
	cellField, _ := clone.Field("c")
	elem, _ := cellField.Cell(0)
	m, _ := elem.Matrix()
	m.Set(0, 0, 123)

	if orig.Equal(clone) {
		t.Fatal("mutating the clone changed the original")
	}
	a, _ := orig.Field("a")
	if v, _ := a.Num(); v != 1.0 {
		t.Fatal("original scalar changed through the clone")
	}
	origCell, _ := orig.Field("c")
	origElem, _ := origCell.Cell(0)
	om, _ := origElem.Matrix()
	if om.At(0, 0) != 1 {
		t.Fatal("original matrix changed through the clone")
	}
}

func TestMatDataEqual(t *testing.T) {
	if !sampleStruct().Equal(sampleStruct()) {
		t.Fatal("identical structs compare unequal")
	}
	if sampleStruct().Equal(ScalarData(1)) {
		t.Fatal("struct equals scalar")
	}

	a := CellData(2)
	b := CellData(2)
	if !a.Equal(b) {
		t.Fatal("identical cells compare unequal")
	}
	b.SetCell(1, TextData("x"))
	if a.Equal(b) {
		t.Fatal("different cells compare equal")
	}
}
