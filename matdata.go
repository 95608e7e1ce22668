// matdata.go: dynamically-typed MATLAB-style values for atomic saves
//
// Copyright (c) 2025 AGILira
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package matlogger2

import (
	"fmt"
	"strings"

	"gonum.org/v1/gonum/mat"
)

type matKind int

const (
	kindNum matKind = iota
	kindText
	kindMatrix
	kindStruct
	kindCell
)

func (k matKind) String() string {
	switch k {
	case kindNum, kindText, kindMatrix:
		return "scalar"
	case kindStruct:
		return "struct"
	default:
		return "cell"
	}
}

// StructField is one entry of a MatData struct. Field order is preserved,
// as MATLAB structs are order-sensitive.
type StructField struct {
	Name  string
	Value MatData
}

// MatData encapsulates a MATLAB-style variable: a scalar (float64, text or
// dense matrix), a struct with ordered fields, or a cell array. Values
// nest arbitrarily. Type safety is enforced at runtime; accessors for the
// wrong interpretation return a *WrongTypeError.
//
// MatData has value semantics. Assignment shares underlying storage, so
// use Clone for an independent deep copy; Save clones internally.
type MatData struct {
	kind   matKind
	num    float64
	text   string
	matrix *mat.Dense
	fields []StructField
	cells  []MatData
}

// ScalarData returns a numeric scalar value.
func ScalarData(v float64) MatData {
	return MatData{kind: kindNum, num: v}
}

// TextData returns a text scalar value.
func TextData(s string) MatData {
	return MatData{kind: kindText, text: s}
}

// MatrixData returns a dense matrix scalar value. The matrix is deep
// copied.
func MatrixData(m *mat.Dense) MatData {
	return MatData{kind: kindMatrix, matrix: mat.DenseCopyOf(m)}
}

// StructData returns an empty struct value. Populate it with SetField.
func StructData() MatData {
	return MatData{kind: kindStruct}
}

// CellData returns a cell array of the given size, with every element a
// numeric zero.
func CellData(size int) MatData {
	cells := make([]MatData, size)
	for i := range cells {
		cells[i] = ScalarData(0)
	}
	return MatData{kind: kindCell, cells: cells}
}

// Kind returns "scalar", "struct" or "cell".
func (d MatData) Kind() string { return d.kind.String() }

func (d MatData) IsScalar() bool { return d.kind == kindNum || d.kind == kindText || d.kind == kindMatrix }
func (d MatData) IsStruct() bool { return d.kind == kindStruct }
func (d MatData) IsCell() bool   { return d.kind == kindCell }

func (d MatData) wrongType(requested string) error {
	return &WrongTypeError{Requested: requested, Actual: d.kind.String()}
}

// Num returns the numeric scalar value.
func (d MatData) Num() (float64, error) {
	if d.kind != kindNum {
		return 0, d.wrongType("scalar")
	}
	return d.num, nil
}

// Text returns the text scalar value.
func (d MatData) Text() (string, error) {
	if d.kind != kindText {
		return "", d.wrongType("scalar")
	}
	return d.text, nil
}

// Matrix returns the matrix scalar value. The returned matrix is shared,
// not copied.
func (d MatData) Matrix() (*mat.Dense, error) {
	if d.kind != kindMatrix {
		return nil, d.wrongType("scalar")
	}
	return d.matrix, nil
}

// Fields returns the ordered fields of a struct value.
func (d MatData) Fields() ([]StructField, error) {
	if d.kind != kindStruct {
		return nil, d.wrongType("struct")
	}
	return d.fields, nil
}

// Field returns the named struct field.
func (d MatData) Field(name string) (MatData, error) {
	if d.kind != kindStruct {
		return MatData{}, d.wrongType("struct")
	}
	for _, f := range d.fields {
		if f.Name == name {
			return f.Value, nil
		}
	}
	return MatData{}, fmt.Errorf("struct field %q: %w", name, ErrVariableMissing)
}

// SetField inserts or replaces a struct field, preserving insertion order.
func (d *MatData) SetField(name string, value MatData) error {
	if d.kind != kindStruct {
		return d.wrongType("struct")
	}
	for i := range d.fields {
		if d.fields[i].Name == name {
			d.fields[i].Value = value
			return nil
		}
	}
	d.fields = append(d.fields, StructField{Name: name, Value: value})
	return nil
}

// Cells returns the elements of a cell value.
func (d MatData) Cells() ([]MatData, error) {
	if d.kind != kindCell {
		return nil, d.wrongType("cell")
	}
	return d.cells, nil
}

// Cell returns the i-th element of a cell value.
func (d MatData) Cell(i int) (MatData, error) {
	if d.kind != kindCell {
		return MatData{}, d.wrongType("cell")
	}
	if i < 0 || i >= len(d.cells) {
		return MatData{}, fmt.Errorf("cell index %d out of range [0,%d)", i, len(d.cells))
	}
	return d.cells[i], nil
}

// SetCell replaces the i-th element of a cell value.
func (d *MatData) SetCell(i int, value MatData) error {
	if d.kind != kindCell {
		return d.wrongType("cell")
	}
	if i < 0 || i >= len(d.cells) {
		return fmt.Errorf("cell index %d out of range [0,%d)", i, len(d.cells))
	}
	d.cells[i] = value
	return nil
}

// Len returns the element count of a cell value, the field count of a
// struct value and 1 for scalars.
func (d MatData) Len() int {
	switch d.kind {
	case kindCell:
		return len(d.cells)
	case kindStruct:
		return len(d.fields)
	default:
		return 1
	}
}

// Clone returns an independent deep copy.
func (d MatData) Clone() MatData {
	out := d
	switch d.kind {
	case kindMatrix:
		out.matrix = mat.DenseCopyOf(d.matrix)
	case kindStruct:
		out.fields = make([]StructField, len(d.fields))
		for i, f := range d.fields {
			out.fields[i] = StructField{Name: f.Name, Value: f.Value.Clone()}
		}
	case kindCell:
		out.cells = make([]MatData, len(d.cells))
		for i, c := range d.cells {
			out.cells[i] = c.Clone()
		}
	}
	return out
}

// Equal reports deep structural equality: scalars bit-equal, text
// byte-equal, matrices value-equal, children compared in order.
func (d MatData) Equal(other MatData) bool {
	if d.kind != other.kind {
		return false
	}
	switch d.kind {
	case kindNum:
		return d.num == other.num
	case kindText:
		return d.text == other.text
	case kindMatrix:
		return mat.Equal(d.matrix, other.matrix)
	case kindStruct:
		if len(d.fields) != len(other.fields) {
			return false
		}
		for i := range d.fields {
			if d.fields[i].Name != other.fields[i].Name {
				return false
			}
			if !d.fields[i].Value.Equal(other.fields[i].Value) {
				return false
			}
		}
		return true
	default:
		if len(d.cells) != len(other.cells) {
			return false
		}
		for i := range d.cells {
			if !d.cells[i].Equal(other.cells[i]) {
				return false
			}
		}
		return true
	}
}

// String renders the value for diagnostics.
func (d MatData) String() string {
	var sb strings.Builder
	d.format(&sb, 0)
	return sb.String()
}

func (d MatData) format(sb *strings.Builder, depth int) {
	indent := strings.Repeat("  ", depth)
	switch d.kind {
	case kindNum:
		fmt.Fprintf(sb, "%g", d.num)
	case kindText:
		fmt.Fprintf(sb, "%q", d.text)
	case kindMatrix:
		r, c := d.matrix.Dims()
		fmt.Fprintf(sb, "[%dx%d matrix]", r, c)
	case kindStruct:
		for _, f := range d.fields {
			fmt.Fprintf(sb, "\n%s%s: ", indent, f.Name)
			f.Value.format(sb, depth+1)
		}
	case kindCell:
		for _, c := range d.cells {
			fmt.Fprintf(sb, "\n%s- ", indent)
			c.format(sb, depth+1)
		}
	}
}
