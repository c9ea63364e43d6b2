// Package input opens capture, hex and story files, decompressing them by
// file extension.
package input

import (
	"io"
	"os"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/pkg/errors"
)

// Open opens path for reading. "-" is stdin. Files ending in .gz or .zst
// are decompressed transparently.
func Open(path string) (io.ReadCloser, error) {
	if path == "-" {
		return io.NopCloser(os.Stdin), nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	rc, err := Wrap(path, f)
	if err != nil {
		f.Close()
		return nil, err
	}
	return rc, nil
}

// Wrap decompresses rc according to the extension of name. Closing the
// result closes rc.
func Wrap(name string, rc io.ReadCloser) (io.ReadCloser, error) {
	switch {
	case strings.HasSuffix(name, ".gz"):
		zr, err := gzip.NewReader(rc)
		if err != nil {
			return nil, errors.Wrapf(err, "%s: gzip", name)
		}
		return &multiCloser{Reader: zr, closers: []func() error{zr.Close, rc.Close}}, nil
	case strings.HasSuffix(name, ".zst"):
		zr, err := zstd.NewReader(rc)
		if err != nil {
			return nil, errors.Wrapf(err, "%s: zstd", name)
		}
		return &multiCloser{Reader: zr, closers: []func() error{
			func() error { zr.Close(); return nil },
			rc.Close,
		}}, nil
	}
	return rc, nil
}

// Trim strips the compression extension from name.
func Trim(name string) string {
	for _, ext := range []string{".gz", ".zst"} {
		if strings.HasSuffix(name, ext) {
			return strings.TrimSuffix(name, ext)
		}
	}
	return name
}

type multiCloser struct {
	io.Reader
	closers []func() error
}

func (m *multiCloser) Close() error {
	var first error
	for _, c := range m.closers {
		if err := c(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
