// config.go: logger options and MAT-file naming rules
//
// Copyright (c) 2025 AGILira
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package matlogger2

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Options configures a MatLogger at construction. The zero value is not
// usable directly; start from DefaultOptions.
type Options struct {
	// EnableCompression stores numeric and structured data as compressed
	// elements in the output file.
	EnableCompression bool

	// LoadExisting opens an already existing MAT-file instead of creating
	// a new one. Read operations are only meaningful with this set.
	LoadExisting bool

	// ReadOnly opens the existing file without write access. Only
	// meaningful together with LoadExisting.
	ReadOnly bool

	// DefaultBufferSize is the per-variable buffer capacity in samples,
	// used when Create is called with bufferSize -1 (and by the lazy
	// creation done by Add).
	DefaultBufferSize int

	// DefaultBufferMaxBytes clamps the effective buffer size so that
	// rows*cols*size*8 never exceeds it. A clamp is reported through the
	// error callback as a warning, not an error.
	DefaultBufferMaxBytes int64

	// DefaultBufferMaxBytesStr is the string form of
	// DefaultBufferMaxBytes (e.g. "64MB", "1GB") and takes precedence
	// when non-empty.
	DefaultBufferMaxBytesStr string

	// BufferMode is the initial discipline for every variable.
	BufferMode BufferMode

	// ErrorCallback receives hot-path diagnostics (shape mismatches,
	// overflows, backend write failures). It must be non-blocking. When
	// nil, diagnostics go to stderr.
	ErrorCallback func(operation string, err error)

	// Backend overrides the persistence implementation. When nil the
	// MAT-file level 5 backend is used.
	Backend Backend
}

// DefaultOptions returns the production defaults: a 10000-sample buffer
// per variable capped at 1 GB, producer-consumer discipline, no
// compression.
func DefaultOptions() Options {
	return Options{
		DefaultBufferSize:     10000,
		DefaultBufferMaxBytes: 1 << 30,
	}
}

// bufferCapUnits are the magnitudes a per-variable byte cap is plausibly
// expressed in. Binary multiples, single- and double-letter forms.
var bufferCapUnits = []struct {
	suffix string
	mult   int64
}{
	{"KB", 1 << 10},
	{"MB", 1 << 20},
	{"GB", 1 << 30},
	{"K", 1 << 10},
	{"M", 1 << 20},
	{"G", 1 << 30},
}

// parseBufferCap converts a DefaultBufferMaxBytesStr value like "64MB"
// or "1G" to bytes. A bare number is taken as bytes.
func parseBufferCap(s string) (int64, error) {
	trimmed := strings.ToUpper(strings.TrimSpace(s))
	if trimmed == "" {
		return 0, fmt.Errorf("empty buffer cap")
	}

	mult := int64(1)
	num := trimmed
	for _, u := range bufferCapUnits {
		if strings.HasSuffix(trimmed, u.suffix) {
			mult = u.mult
			num = strings.TrimSuffix(trimmed, u.suffix)
			break
		}
	}

	val, err := strconv.ParseInt(num, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid buffer cap %q (want a byte count or K/KB, M/MB, G/GB)", s)
	}
	if val <= 0 || val > (1<<62)/mult {
		return 0, fmt.Errorf("buffer cap %q out of range", s)
	}
	return val * mult, nil
}

// resolveFilename applies the MAT-file naming rule: a name without
// extension gets a timestamp plus .mat appended, a .mat name is kept, any
// other extension is an error. Paths the filesystem cannot take (NUL
// bytes, overlong names) are rejected up front so the failure surfaces at
// construction rather than at the first flush.
func resolveFilename(file string, now time.Time) (string, error) {
	if file == "" {
		return "", fmt.Errorf("filename cannot be empty")
	}
	if strings.ContainsRune(file, 0) {
		return "", fmt.Errorf("filename %q contains a NUL byte", file)
	}

	switch filepath.Ext(file) {
	case "":
		file += "__" + now.Format("2006_01_02__15_04_05") + ".mat"
	case ".mat":
		// keep as is
	default:
		return "", fmt.Errorf("%q: %w", file, ErrBadFilename)
	}

	abs, err := filepath.Abs(file)
	if err != nil {
		return "", fmt.Errorf("invalid path %q: %v", file, err)
	}
	if len(abs) > 4096 {
		return "", fmt.Errorf("path %q too long (%d characters)", file, len(abs))
	}

	return file, nil
}

// stderrReporter is the default diagnostic sink.
func stderrReporter(operation string, err error) {
	fmt.Fprintf(os.Stderr, "matlogger2: %s: %v\n", operation, err)
}
