package hpack

import (
	"fmt"
	"io"

	"github.com/pkg/errors"
)

var (
	ErrZeroIndex        = errors.New("hpack: indexed header field references index 0")
	ErrIndexOutOfBounds = errors.New("hpack: index out of bounds")
	ErrInvalidHuffman   = errors.New("hpack: invalid huffman-encoded data")
	ErrTruncated        = errors.New("hpack: header block truncated")
	ErrIntegerOverflow  = errors.New("hpack: integer overflow")

	ErrIntegerValueTooLarge        = errors.Wrap(ErrIntegerOverflow, "integer value larger than max value")
	ErrIntegerEncodedLengthTooLong = errors.Wrap(ErrIntegerOverflow, "integer encoded length is too long")

	ErrStringLiteralLengthTooLong = errors.New("hpack: string literal length is too long")
	ErrTableSizeUpdateTooLarge    = errors.New("hpack: dynamic table size update above allowed maximum")
)

// A DecodingError reports which representation of a header block failed
// and the byte offset it started at. It unwraps to one of the Err values
// above, so callers classify failures with errors.Is.
type DecodingError struct {
	Offset         int64
	Representation Representation
	Err            error
}

func (e *DecodingError) Error() string {
	return fmt.Sprintf("hpack: decoding %s at offset %d: %v", e.Representation, e.Offset, e.Err)
}

func (e *DecodingError) Unwrap() error {
	return e.Err
}

// truncated maps a short read in the middle of a representation onto ErrTruncated.
func truncated(err error) error {
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		return errors.WithStack(ErrTruncated)
	}
	return errors.WithStack(err)
}
