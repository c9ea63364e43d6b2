package hpack

import (
	"io"
	"math"
)

const (
	DefaultMaxIntegerValue         = math.MaxUint32
	DefaultMaxIntegerEncodedLength = 6
)

// integerReader decodes the prefixed integers of RFC 7541 section 5.1.
// maxEncodedLength counts the prefix byte, so the default of 6 allows at
// most five continuation bytes.
type integerReader struct {
	maxValue         uint64
	maxEncodedLength int
}

var defaultIntegerReader = integerReader{
	maxValue:         DefaultMaxIntegerValue,
	maxEncodedLength: DefaultMaxIntegerEncodedLength,
}

// read decodes an integer whose prefix lives in the low prefixLength bits
// of first, a byte the caller has already consumed from src.
func (r integerReader) read(first byte, prefixLength uint8, src io.ByteReader) (uint64, error) {
	if prefixLength < 1 || prefixLength > 8 {
		panic("prefix length in bits must be >= 1 and <= 8")
	}
	mask := uint64(1)<<prefixLength - 1
	n := uint64(first) & mask
	if n < mask {
		return n, nil
	}

	var shift uint
	for length := 1; ; length++ {
		if r.maxEncodedLength > 0 && length >= r.maxEncodedLength {
			return 0, ErrIntegerEncodedLengthTooLong
		}
		b, err := src.ReadByte()
		if err != nil {
			return 0, truncated(err)
		}
		// the accumulator itself must not wrap, whatever the limits
		v := uint64(b & 0x7f)
		if v > (math.MaxUint64-n)>>shift {
			return 0, ErrIntegerValueTooLarge
		}
		n += v << shift
		if n > r.maxValue {
			return 0, ErrIntegerValueTooLarge
		}
		if b&0x80 == 0 {
			return n, nil
		}
		if shift += 7; shift > 63 {
			return 0, ErrIntegerValueTooLarge
		}
	}
}

// ReadPrefixedInteger decodes an integer whose first byte has already been
// read, using the default limits.
func ReadPrefixedInteger(first byte, prefixLength uint8, src io.ByteReader) (uint64, error) {
	return defaultIntegerReader.read(first, prefixLength, src)
}

// ReadInteger reads the first byte from src itself and then behaves like
// ReadPrefixedInteger. An empty src reports ErrTruncated.
func ReadInteger(src io.ByteReader, prefixLength uint8) (uint64, error) {
	first, err := src.ReadByte()
	if err != nil {
		return 0, truncated(err)
	}
	return defaultIntegerReader.read(first, prefixLength, src)
}
