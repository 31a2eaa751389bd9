// File: internal/trace/open.go
package trace

import (
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/mitchellh/go-homedir"
)

// ErrCompressedFollow is returned when following a compressed trace, which
// cannot be tailed while it is being written.
var ErrCompressedFollow = errors.New("compressed traces cannot be followed")

type compression int

const (
	compressionNone compression = iota
	compressionGzip
	compressionBrotli
)

func compressionOf(path string) compression {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".gz":
		return compressionGzip
	case ".br":
		return compressionBrotli
	}
	return compressionNone
}

// Name returns the base name of a trace path without its compression and
// format extensions, e.g. "page" for "/tmp/page.jsonl.gz".
func Name(path string) string {
	base := filepath.Base(path)
	if compressionOf(base) != compressionNone {
		base = strings.TrimSuffix(base, filepath.Ext(base))
	}
	return strings.TrimSuffix(base, filepath.Ext(base))
}

type traceFile struct {
	io.Reader
	closers []io.Closer
}

func (f *traceFile) Close() error {
	var errs []error
	for i := len(f.closers) - 1; i >= 0; i-- {
		if err := f.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Open opens a trace for reading. A leading ~ is expanded, and .gz and .br
// files are decompressed transparently.
func Open(path string) (io.ReadCloser, error) {
	expanded, err := homedir.Expand(path)
	if err != nil {
		return nil, fmt.Errorf("expanding trace path %q: %w", path, err)
	}
	f, err := os.Open(expanded)
	if err != nil {
		return nil, fmt.Errorf("opening trace: %w", err)
	}

	switch compressionOf(expanded) {
	case compressionGzip:
		zr, err := gzip.NewReader(f)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("reading gzip header of %s: %w", expanded, err)
		}
		return &traceFile{Reader: zr, closers: []io.Closer{f, zr}}, nil
	case compressionBrotli:
		return &traceFile{Reader: brotli.NewReader(f), closers: []io.Closer{f}}, nil
	}
	return f, nil
}
