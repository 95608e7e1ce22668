// matv5read.go: MAT-file level 5 container reader
//
// Copyright (c) 2025 AGILira
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package matlogger2

import (
	"bytes"
	"encoding/binary"
	"io"
	"math"
	"os"
	"strings"
	"unicode/utf16"

	"github.com/klauspost/compress/zlib"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// readVar is one parsed top-level variable.
type readVar struct {
	name   string
	data   MatData
	slices int // > 1 for three-dimensional numeric variables
}

// readMatFile parses every top-level variable of a little-endian MAT 5
// file.
func readMatFile(path string) ([]readVar, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "opening MAT-file %s", path)
	}
	if len(raw) < 128 {
		return nil, errors.Errorf("%s: truncated MAT-file header", path)
	}
	if raw[126] == 'M' && raw[127] == 'I' {
		return nil, errors.Errorf("%s: big-endian MAT-files are not supported", path)
	}
	if raw[126] != 'I' || raw[127] != 'M' {
		return nil, errors.Errorf("%s: not a MAT 5 file", path)
	}

	p := &v5parser{buf: raw, off: 128}
	var vars []readVar
	for p.off < len(p.buf) {
		elemType, data, err := p.next()
		if err != nil {
			return nil, errors.Wrapf(err, "parsing %s", path)
		}
		if elemType == miCOMPRESSED {
			zr, err := zlib.NewReader(bytes.NewReader(data))
			if err != nil {
				return nil, errors.Wrapf(err, "decompressing element in %s", path)
			}
			inflated, err := io.ReadAll(zr)
			zr.Close()
			if err != nil {
				return nil, errors.Wrapf(err, "decompressing element in %s", path)
			}
			inner := &v5parser{buf: inflated}
			elemType, data, err = inner.next()
			if err != nil {
				return nil, errors.Wrapf(err, "parsing compressed element in %s", path)
			}
		}
		if elemType != miMATRIX {
			// Skip unknown top-level elements.
			continue
		}
		rv, err := parseMatrix(data)
		if err != nil {
			return nil, errors.Wrapf(err, "parsing %s", path)
		}
		vars = append(vars, rv)
	}
	return vars, nil
}

// v5parser walks a sequence of data elements.
type v5parser struct {
	buf []byte
	off int
}

// next returns the following data element, handling both the regular and
// the small element formats.
func (p *v5parser) next() (elemType uint32, data []byte, err error) {
	if p.off+8 > len(p.buf) {
		return 0, nil, errors.New("truncated element tag")
	}
	word := binary.LittleEndian.Uint32(p.buf[p.off:])
	if word>>16 != 0 {
		// Small data element: type and size packed into one word, data in
		// the next four bytes.
		elemType = word & 0xffff
		size := int(word >> 16)
		if size > 4 {
			return 0, nil, errors.Errorf("small element with size %d", size)
		}
		data = p.buf[p.off+4 : p.off+4+size]
		p.off += 8
		return elemType, data, nil
	}

	elemType = word
	size := int(binary.LittleEndian.Uint32(p.buf[p.off+4:]))
	start := p.off + 8
	if start+size > len(p.buf) {
		return 0, nil, errors.Errorf("element of type %d overruns the file", elemType)
	}
	data = p.buf[start : start+size]
	p.off = start + int(padded8(int64(size)))
	if elemType == miCOMPRESSED {
		// Compressed elements are not necessarily padded.
		p.off = start + size
		if rem := p.off % 8; rem != 0 && p.off+(8-rem) <= len(p.buf) {
			// Tolerate writers that pad them anyway.
			pad := p.buf[p.off : p.off+(8-rem)]
			allZero := true
			for _, b := range pad {
				if b != 0 {
					allZero = false
					break
				}
			}
			if allZero {
				p.off += 8 - rem
			}
		}
	}
	return elemType, data, nil
}

const flagComplex = 0x08

// parseMatrix decodes one miMATRIX payload.
func parseMatrix(payload []byte) (readVar, error) {
	p := &v5parser{buf: payload}

	flagType, flagData, err := p.next()
	if err != nil {
		return readVar{}, err
	}
	if flagType != miUINT32 || len(flagData) < 8 {
		return readVar{}, errors.New("malformed array flags")
	}
	flagsWord := binary.LittleEndian.Uint32(flagData)
	class := uint8(flagsWord & 0xff)
	flags := uint8(flagsWord >> 8)

	dimType, dimData, err := p.next()
	if err != nil {
		return readVar{}, err
	}
	if dimType != miINT32 {
		return readVar{}, errors.New("malformed dimensions element")
	}
	dims := make([]int, len(dimData)/4)
	for i := range dims {
		dims[i] = int(int32(binary.LittleEndian.Uint32(dimData[i*4:])))
	}

	_, nameData, err := p.next()
	if err != nil {
		return readVar{}, err
	}
	name := string(nameData)

	rv := readVar{name: name, slices: 1}

	switch class {
	case mxDOUBLE, mxSINGLE, mxINT8, mxUINT8, mxINT16, mxUINT16, mxINT32, mxUINT32, mxINT64, mxUINT64:
		if flags&flagComplex != 0 {
			return readVar{}, errors.Errorf("variable %q: complex data is not supported", name)
		}
		dataType, data, err := p.next()
		if err != nil {
			return readVar{}, err
		}
		values, err := decodeNumeric(dataType, data)
		if err != nil {
			return readVar{}, errors.Wrapf(err, "variable %q", name)
		}
		rows, cols, slices, err := splitDims(dims)
		if err != nil {
			return readVar{}, errors.Wrapf(err, "variable %q", name)
		}
		if len(values) != rows*cols*slices {
			return readVar{}, errors.Errorf("variable %q: %d values for %v dims", name, len(values), dims)
		}
		rv.slices = slices
		rv.data = denseFromColumnMajor(rows, cols*slices, values)
		return rv, nil

	case mxCHAR:
		dataType, data, err := p.next()
		if err != nil {
			return readVar{}, err
		}
		text, err := decodeText(dataType, data)
		if err != nil {
			return readVar{}, errors.Wrapf(err, "variable %q", name)
		}
		rv.data = TextData(text)
		return rv, nil

	case mxSTRUCT:
		flType, flData, err := p.next()
		if err != nil {
			return readVar{}, err
		}
		if flType != miINT32 || len(flData) < 4 {
			return readVar{}, errors.Errorf("variable %q: malformed field name length", name)
		}
		slot := int(int32(binary.LittleEndian.Uint32(flData)))
		if slot <= 0 {
			return readVar{}, errors.Errorf("variable %q: field name length %d", name, slot)
		}
		namesType, namesData, err := p.next()
		if err != nil {
			return readVar{}, err
		}
		if namesType != miINT8 {
			return readVar{}, errors.Errorf("variable %q: malformed field names", name)
		}
		nFields := len(namesData) / slot

		out := StructData()
		for i := 0; i < nFields; i++ {
			fieldName := strings.TrimRight(string(namesData[i*slot:(i+1)*slot]), "\x00")
			elemType, elemData, err := p.next()
			if err != nil {
				return readVar{}, err
			}
			if elemType != miMATRIX {
				return readVar{}, errors.Errorf("variable %q: field %q is not a matrix element", name, fieldName)
			}
			child, err := parseMatrix(elemData)
			if err != nil {
				return readVar{}, err
			}
			out.SetField(fieldName, child.data)
		}
		rv.data = out
		return rv, nil

	case mxCELL:
		n := 1
		for _, d := range dims {
			n *= d
		}
		out := CellData(n)
		for i := 0; i < n; i++ {
			elemType, elemData, err := p.next()
			if err != nil {
				return readVar{}, err
			}
			if elemType != miMATRIX {
				return readVar{}, errors.Errorf("variable %q: cell %d is not a matrix element", name, i)
			}
			child, err := parseMatrix(elemData)
			if err != nil {
				return readVar{}, err
			}
			out.SetCell(i, child.data)
		}
		rv.data = out
		return rv, nil

	default:
		return readVar{}, errors.Errorf("variable %q: unsupported array class %d", name, class)
	}
}

func splitDims(dims []int) (rows, cols, slices int, err error) {
	switch len(dims) {
	case 2:
		return dims[0], dims[1], 1, nil
	case 3:
		return dims[0], dims[1], dims[2], nil
	default:
		return 0, 0, 0, errors.Errorf("unsupported rank %d", len(dims))
	}
}

// denseFromColumnMajor folds a one-by-one result into a numeric scalar so
// round-trips of saved scalars compare equal; everything else becomes a
// matrix value.
func denseFromColumnMajor(rows, cols int, values []float64) MatData {
	if rows == 1 && cols == 1 {
		return ScalarData(values[0])
	}
	m := mat.NewDense(rows, cols, nil)
	for j := 0; j < cols; j++ {
		for i := 0; i < rows; i++ {
			m.Set(i, j, values[j*rows+i])
		}
	}
	return MatData{kind: kindMatrix, matrix: m}
}

// decodeNumeric converts any numeric data element to float64.
func decodeNumeric(dataType uint32, data []byte) ([]float64, error) {
	width := map[uint32]int{
		miINT8: 1, miUINT8: 1,
		miINT16: 2, miUINT16: 2,
		miINT32: 4, miUINT32: 4, miSINGLE: 4,
		miINT64: 8, miUINT64: 8, miDOUBLE: 8,
	}[dataType]
	if width == 0 {
		return nil, errors.Errorf("unsupported numeric data type %d", dataType)
	}
	n := len(data) / width
	out := make([]float64, n)
	for i := 0; i < n; i++ {
		b := data[i*width:]
		switch dataType {
		case miINT8:
			out[i] = float64(int8(b[0]))
		case miUINT8:
			out[i] = float64(b[0])
		case miINT16:
			out[i] = float64(int16(binary.LittleEndian.Uint16(b)))
		case miUINT16:
			out[i] = float64(binary.LittleEndian.Uint16(b))
		case miINT32:
			out[i] = float64(int32(binary.LittleEndian.Uint32(b)))
		case miUINT32:
			out[i] = float64(binary.LittleEndian.Uint32(b))
		case miSINGLE:
			out[i] = float64(math.Float32frombits(binary.LittleEndian.Uint32(b)))
		case miINT64:
			out[i] = float64(int64(binary.LittleEndian.Uint64(b)))
		case miUINT64:
			out[i] = float64(binary.LittleEndian.Uint64(b))
		case miDOUBLE:
			out[i] = math.Float64frombits(binary.LittleEndian.Uint64(b))
		}
	}
	return out, nil
}

// decodeText converts a character data element to UTF-8, accepting the
// encodings MATLAB emits.
func decodeText(dataType uint32, data []byte) (string, error) {
	switch dataType {
	case miUTF8, miINT8, miUINT8:
		return string(data), nil
	case miUINT16, miUTF16:
		units := make([]uint16, len(data)/2)
		for i := range units {
			units[i] = binary.LittleEndian.Uint16(data[i*2:])
		}
		return string(utf16.Decode(units)), nil
	case miUTF32, miINT32, miUINT32:
		runes := make([]rune, len(data)/4)
		for i := range runes {
			runes[i] = rune(binary.LittleEndian.Uint32(data[i*4:]))
		}
		return string(runes), nil
	default:
		return "", errors.Errorf("unsupported character data type %d", dataType)
	}
}
