package hpack

import (
	"bytes"
	"math"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func TestReadPrefixedInteger(t *testing.T) {
	tests := []struct {
		name   string
		first  byte
		prefix uint8
		rest   []byte
		want   uint64
	}{
		{name: "fits in prefix", first: 0b0000_1010, prefix: 5, want: 10},
		{name: "continuation", first: 0b0001_1111, prefix: 5, rest: []byte{0b1001_1010, 0b0000_1010}, want: 1337},
		{name: "eight bit prefix", first: 0b0010_1010, prefix: 8, want: 42},
		{name: "high bits ignored", first: 0b1110_1010, prefix: 5, want: 10},
		{name: "prefix value exactly", first: 0x1f, prefix: 5, rest: []byte{0x00}, want: 31},
		{name: "one bit prefix", first: 0x01, prefix: 1, rest: []byte{0x05}, want: 6},
		{name: "overlong zero groups", first: 0x1f, prefix: 5, rest: []byte{0x80, 0x80, 0x00}, want: 31},
		{name: "max uint32", first: 0x1f, prefix: 5, rest: []byte{0xe0, 0xff, 0xff, 0xff, 0x0f}, want: math.MaxUint32},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := bytes.NewReader(tt.rest)
			got, err := ReadPrefixedInteger(tt.first, tt.prefix, src)
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
			require.Zero(t, src.Len(), "all continuation bytes consumed")
		})
	}
}

func TestReadIntegerReadsFirstByte(t *testing.T) {
	src := bytes.NewReader([]byte{0x1f, 0x9a, 0x0a, 0xff})
	got, err := ReadInteger(src, 5)
	require.NoError(t, err)
	require.EqualValues(t, 1337, got)
	require.Equal(t, 1, src.Len())

	_, err = ReadInteger(bytes.NewReader(nil), 7)
	require.True(t, errors.Is(err, ErrTruncated))
}

func TestReadPrefixedIntegerErrors(t *testing.T) {
	t.Run("truncated", func(t *testing.T) {
		_, err := ReadPrefixedInteger(0x7f, 7, bytes.NewReader([]byte{0x80, 0x80}))
		require.True(t, errors.Is(err, ErrTruncated), "got %v", err)
	})

	t.Run("value above uint32", func(t *testing.T) {
		_, err := ReadPrefixedInteger(0x1f, 5, bytes.NewReader([]byte{0xff, 0xff, 0xff, 0xff, 0x0f}))
		require.True(t, errors.Is(err, ErrIntegerOverflow))
		require.True(t, errors.Is(err, ErrIntegerValueTooLarge))
	})

	t.Run("too many continuation bytes", func(t *testing.T) {
		_, err := ReadPrefixedInteger(0x1f, 5, bytes.NewReader([]byte{0x80, 0x80, 0x80, 0x80, 0x80, 0x00}))
		require.True(t, errors.Is(err, ErrIntegerOverflow))
		require.True(t, errors.Is(err, ErrIntegerEncodedLengthTooLong))
	})

	t.Run("custom limits", func(t *testing.T) {
		r := integerReader{maxValue: 1000, maxEncodedLength: 3}
		_, err := r.read(0x1f, 5, bytes.NewReader([]byte{0x9a, 0x0a}))
		require.True(t, errors.Is(err, ErrIntegerValueTooLarge))

		_, err = r.read(0x1f, 5, bytes.NewReader([]byte{0x80, 0x80, 0x00}))
		require.True(t, errors.Is(err, ErrIntegerEncodedLengthTooLong))
	})
}

func TestReadIntegerUnlimited(t *testing.T) {
	r := integerReader{maxValue: math.MaxUint64, maxEncodedLength: 0}

	got, err := r.read(0x7f, 7, bytes.NewReader([]byte{0x80, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0x01}))
	require.NoError(t, err)
	require.Equal(t, uint64(math.MaxUint64), got)

	tests := map[string][]byte{
		"past uint64":           {0x80, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0x02},
		"shift beyond 63 bits":  append(bytes.Repeat([]byte{0xff}, 11), 0x01),
		"zero groups past 63":   append(bytes.Repeat([]byte{0x80}, 10), 0x00),
		"top bit already taken": {0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0x01},
	}
	for name, rest := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := r.read(0x7f, 7, bytes.NewReader(rest))
			require.True(t, errors.Is(err, ErrIntegerValueTooLarge), "got %v", err)
		})
	}
}

func TestReadPrefixedIntegerBadPrefix(t *testing.T) {
	require.Panics(t, func() { _, _ = ReadPrefixedInteger(0, 0, bytes.NewReader(nil)) })
	require.Panics(t, func() { _, _ = ReadPrefixedInteger(0, 9, bytes.NewReader(nil)) })
}
