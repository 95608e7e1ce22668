// matv5write.go: MAT-file level 5 container writer
//
// Copyright (c) 2025 AGILira
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package matlogger2

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"unicode/utf16"

	"github.com/klauspost/compress/zlib"
)

// MAT 5 data element types.
const (
	miINT8       = 1
	miUINT8      = 2
	miINT16      = 3
	miUINT16     = 4
	miINT32      = 5
	miUINT32     = 6
	miSINGLE     = 7
	miDOUBLE     = 9
	miINT64      = 12
	miUINT64     = 13
	miMATRIX     = 14
	miCOMPRESSED = 15
	miUTF8       = 16
	miUTF16      = 17
	miUTF32      = 18
)

// MAT 5 array classes.
const (
	mxCELL   = 1
	mxSTRUCT = 2
	mxOBJECT = 3
	mxCHAR   = 4
	mxSPARSE = 5
	mxDOUBLE = 6
	mxSINGLE = 7
	mxINT8   = 8
	mxUINT8  = 9
	mxINT16  = 10
	mxUINT16 = 11
	mxINT32  = 12
	mxUINT32 = 13
	mxINT64  = 14
	mxUINT64 = 15
)

// Struct field names are stored in fixed-width slots, NUL terminated.
const structFieldNameLen = 32

const matHeaderText = "MATLAB 5.0 MAT-file, created by matlogger2"

// padded8 rounds n up to the next multiple of 8.
func padded8(n int64) int64 {
	return (n + 7) &^ 7
}

var zeroPad [8]byte

func writePad8(w io.Writer, n int64) error {
	if rem := n % 8; rem != 0 {
		_, err := w.Write(zeroPad[:8-rem])
		return err
	}
	return nil
}

func writeTag(w io.Writer, elemType uint32, size uint32) error {
	var tag [8]byte
	binary.LittleEndian.PutUint32(tag[0:], elemType)
	binary.LittleEndian.PutUint32(tag[4:], size)
	_, err := w.Write(tag[:])
	return err
}

// writeMatHeader emits the 128-byte descriptive prologue.
func writeMatHeader(w io.Writer) error {
	var hdr [128]byte
	copy(hdr[:], matHeaderText)
	for i := len(matHeaderText); i < 116; i++ {
		hdr[i] = ' '
	}
	binary.LittleEndian.PutUint16(hdr[124:], 0x0100) // version
	hdr[126] = 'I'                                   // endian indicator, little endian
	hdr[127] = 'M'
	_, err := w.Write(hdr[:])
	return err
}

// writeArrayFlags emits the array-flags subelement for a class.
func writeArrayFlags(w io.Writer, class uint8) error {
	if err := writeTag(w, miUINT32, 8); err != nil {
		return err
	}
	var flags [8]byte
	binary.LittleEndian.PutUint32(flags[0:], uint32(class))
	_, err := w.Write(flags[:])
	return err
}

func writeDims(w io.Writer, dims []int32) error {
	n := int64(4 * len(dims))
	if err := writeTag(w, miINT32, uint32(n)); err != nil {
		return err
	}
	var buf [4]byte
	for _, d := range dims {
		binary.LittleEndian.PutUint32(buf[:], uint32(d))
		if _, err := w.Write(buf[:]); err != nil {
			return err
		}
	}
	return writePad8(w, n)
}

func writeName(w io.Writer, name string) error {
	if err := writeTag(w, miINT8, uint32(len(name))); err != nil {
		return err
	}
	if len(name) == 0 {
		return nil
	}
	if _, err := io.WriteString(w, name); err != nil {
		return err
	}
	return writePad8(w, int64(len(name)))
}

func dimsSize(n int) int64  { return 8 + padded8(int64(4*n)) }
func nameSize(name string) int64 {
	return 8 + padded8(int64(len(name)))
}

// numericPayloadSize is the miMATRIX payload size for a dense float64
// array with count values.
func numericPayloadSize(name string, ndims int, count int64) int64 {
	return 16 + dimsSize(ndims) + nameSize(name) + 8 + count*8
}

// encodeFloat64s renders values little-endian into buf, growing it as
// needed, and returns the encoded prefix.
func encodeFloat64s(buf []byte, data []float64) []byte {
	n := len(data) * 8
	if cap(buf) < n {
		buf = make([]byte, n)
	}
	buf = buf[:n]
	for i, v := range data {
		binary.LittleEndian.PutUint64(buf[i*8:], math.Float64bits(v))
	}
	return buf
}

// matDataPayloadSize computes the miMATRIX payload size of a MatData
// value, excluding the outer element tag.
func matDataPayloadSize(name string, d MatData) int64 {
	base := 16 + nameSize(name)
	switch d.kind {
	case kindNum:
		return base + dimsSize(2) + 8 + 8
	case kindText:
		units := utf16.Encode([]rune(d.text))
		return base + dimsSize(2) + 8 + padded8(int64(2*len(units)))
	case kindMatrix:
		r, c := d.matrix.Dims()
		return base + dimsSize(2) + 8 + int64(r*c)*8
	case kindStruct:
		size := base + dimsSize(2)
		size += 8 + 8 // field name length element (miINT32 value, padded)
		size += 8 + padded8(int64(structFieldNameLen*len(d.fields)))
		for _, f := range d.fields {
			size += 8 + matDataPayloadSize("", f.Value)
		}
		return size
	default: // kindCell
		size := base + dimsSize(2)
		for _, c := range d.cells {
			size += 8 + matDataPayloadSize("", c)
		}
		return size
	}
}

// writeMatDataPayload streams the miMATRIX payload of a MatData value.
// Nested elements are always stored uncompressed; compression is applied
// only at the top level of the file.
func writeMatDataPayload(w io.Writer, name string, d MatData) error {
	switch d.kind {
	case kindNum:
		if err := writeArrayFlags(w, mxDOUBLE); err != nil {
			return err
		}
		if err := writeDims(w, []int32{1, 1}); err != nil {
			return err
		}
		if err := writeName(w, name); err != nil {
			return err
		}
		if err := writeTag(w, miDOUBLE, 8); err != nil {
			return err
		}
		var buf [8]byte
		binary.LittleEndian.PutUint64(buf[:], math.Float64bits(d.num))
		_, err := w.Write(buf[:])
		return err

	case kindText:
		units := utf16.Encode([]rune(d.text))
		if err := writeArrayFlags(w, mxCHAR); err != nil {
			return err
		}
		if err := writeDims(w, []int32{1, int32(len(units))}); err != nil {
			return err
		}
		if err := writeName(w, name); err != nil {
			return err
		}
		n := int64(2 * len(units))
		if err := writeTag(w, miUINT16, uint32(n)); err != nil {
			return err
		}
		var buf [2]byte
		for _, u := range units {
			binary.LittleEndian.PutUint16(buf[:], u)
			if _, err := w.Write(buf[:]); err != nil {
				return err
			}
		}
		return writePad8(w, n)

	case kindMatrix:
		r, c := d.matrix.Dims()
		if err := writeArrayFlags(w, mxDOUBLE); err != nil {
			return err
		}
		if err := writeDims(w, []int32{int32(r), int32(c)}); err != nil {
			return err
		}
		if err := writeName(w, name); err != nil {
			return err
		}
		n := int64(r*c) * 8
		if err := writeTag(w, miDOUBLE, uint32(n)); err != nil {
			return err
		}
		var buf [8]byte
		// column-major order
		for j := 0; j < c; j++ {
			for i := 0; i < r; i++ {
				binary.LittleEndian.PutUint64(buf[:], math.Float64bits(d.matrix.At(i, j)))
				if _, err := w.Write(buf[:]); err != nil {
					return err
				}
			}
		}
		return nil

	case kindStruct:
		if err := writeArrayFlags(w, mxSTRUCT); err != nil {
			return err
		}
		if err := writeDims(w, []int32{1, 1}); err != nil {
			return err
		}
		if err := writeName(w, name); err != nil {
			return err
		}
		// field name slot width
		if err := writeTag(w, miINT32, 4); err != nil {
			return err
		}
		var buf [8]byte
		binary.LittleEndian.PutUint32(buf[0:4], structFieldNameLen)
		if _, err := w.Write(buf[:4]); err != nil {
			return err
		}
		if err := writePad8(w, 4); err != nil {
			return err
		}
		// field names, NUL padded to fixed slots
		n := int64(structFieldNameLen * len(d.fields))
		if err := writeTag(w, miINT8, uint32(n)); err != nil {
			return err
		}
		var slot [structFieldNameLen]byte
		for _, f := range d.fields {
			for i := range slot {
				slot[i] = 0
			}
			fname := f.Name
			if len(fname) > structFieldNameLen-1 {
				fname = fname[:structFieldNameLen-1]
			}
			copy(slot[:], fname)
			if _, err := w.Write(slot[:]); err != nil {
				return err
			}
		}
		if err := writePad8(w, n); err != nil {
			return err
		}
		for _, f := range d.fields {
			if err := writeNestedMatData(w, f.Value); err != nil {
				return err
			}
		}
		return nil

	default: // kindCell
		if err := writeArrayFlags(w, mxCELL); err != nil {
			return err
		}
		if err := writeDims(w, []int32{1, int32(len(d.cells))}); err != nil {
			return err
		}
		if err := writeName(w, name); err != nil {
			return err
		}
		for _, c := range d.cells {
			if err := writeNestedMatData(w, c); err != nil {
				return err
			}
		}
		return nil
	}
}

func writeNestedMatData(w io.Writer, d MatData) error {
	payload := matDataPayloadSize("", d)
	if payload > math.MaxUint32 {
		return fmt.Errorf("nested element too large for a MAT 5 container (%d bytes)", payload)
	}
	if err := writeTag(w, miMATRIX, uint32(payload)); err != nil {
		return err
	}
	return writeMatDataPayload(w, "", d)
}

// countWriter counts bytes flowing into the underlying writer.
type countWriter struct {
	w io.Writer
	n int64
}

func (c *countWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

// writeTopLevelElement writes one top-level variable element, optionally
// wrapped in a zlib-compressed miCOMPRESSED envelope. payload is the
// uncompressed miMATRIX payload size; build streams that payload.
func writeTopLevelElement(f *os.File, compressed bool, payload int64, build func(w io.Writer) error) error {
	if payload > math.MaxUint32 {
		return fmt.Errorf("element too large for a MAT 5 container (%d bytes)", payload)
	}

	if !compressed {
		if err := writeTag(f, miMATRIX, uint32(payload)); err != nil {
			return err
		}
		return build(f)
	}

	// The compressed size is only known after streaming, so reserve the
	// tag and patch it afterwards.
	tagPos, err := f.Seek(0, io.SeekCurrent)
	if err != nil {
		return err
	}
	if _, err := f.Write(zeroPad[:8]); err != nil {
		return err
	}

	cw := &countWriter{w: f}
	zw := zlib.NewWriter(cw)
	if err := writeTag(zw, miMATRIX, uint32(payload)); err != nil {
		return err
	}
	if err := build(zw); err != nil {
		return err
	}
	if err := zw.Close(); err != nil {
		return err
	}
	if cw.n > math.MaxUint32 {
		return fmt.Errorf("compressed element too large (%d bytes)", cw.n)
	}
	if err := writePad8(f, cw.n); err != nil {
		return err
	}

	end, err := f.Seek(0, io.SeekCurrent)
	if err != nil {
		return err
	}
	if _, err := f.Seek(tagPos, io.SeekStart); err != nil {
		return err
	}
	if err := writeTag(f, miCOMPRESSED, uint32(cw.n)); err != nil {
		return err
	}
	_, err = f.Seek(end, io.SeekStart)
	return err
}
