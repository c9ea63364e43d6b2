package hpack

import (
	"bytes"
	"fmt"
	"io"
	"math"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

const DefaultMaxStringLiteralLength = 1024 * 64

// Source is the byte stream a header block is decoded from. Both
// *bytes.Reader and *bufio.Reader satisfy it. Reaching io.EOF between two
// representations ends the block.
type Source interface {
	io.Reader
	io.ByteReader
}

// Representation identifies the wire representation selected by the
// leading bits of a byte, RFC 7541 section 6.
type Representation uint8

const (
	RepresentationIndexed            Representation = iota // 1xxxxxxx
	RepresentationLiteralIncremental                       // 01xxxxxx
	RepresentationSizeUpdate                               // 001xxxxx
	RepresentationLiteralNeverIndexed                      // 0001xxxx
	RepresentationLiteralNotIndexed                        // 0000xxxx
)

// classifyRepresentation maps every byte value to exactly one representation.
func classifyRepresentation(b byte) Representation {
	switch {
	case b&0x80 != 0:
		return RepresentationIndexed
	case b&0xc0 == 0x40:
		return RepresentationLiteralIncremental
	case b&0xe0 == 0x20:
		return RepresentationSizeUpdate
	case b&0xf0 == 0x10:
		return RepresentationLiteralNeverIndexed
	default:
		return RepresentationLiteralNotIndexed
	}
}

func (r Representation) String() string {
	switch r {
	case RepresentationIndexed:
		return "indexed header field"
	case RepresentationLiteralIncremental:
		return "literal header field with incremental indexing"
	case RepresentationSizeUpdate:
		return "dynamic table size update"
	case RepresentationLiteralNeverIndexed:
		return "literal header field never indexed"
	case RepresentationLiteralNotIndexed:
		return "literal header field without indexing"
	}
	return fmt.Sprintf("Representation(%d)", uint8(r))
}

// A Decoder is stateful and updates its lookup table while processing
// header blocks, so one Decoder serves exactly one direction of one
// connection and must not be used concurrently. After any decoding error
// the table state is undefined and the Decoder should be discarded.
type Decoder struct {
	table *LookupTable
	ints  integerReader

	stringLiteralLengthMax int
	allowedTableSizeMax    uint64
}

func NewDecoder(dynamicTableSizeMax uint32) *Decoder {
	return &Decoder{
		table:                  NewLookupTable(uint64(dynamicTableSizeMax)),
		ints:                   defaultIntegerReader,
		stringLiteralLengthMax: DefaultMaxStringLiteralLength,
	}
}

// Sets the largest integer that is allowed, anything > value will result in an error
func (d *Decoder) SetMaxIntegerValue(value uint64) {
	d.ints.maxValue = value
}

// Sets the maximum bytes allowed for encoding a single integer, prefix byte included
func (d *Decoder) SetMaxIntegerEncodedLength(length int) {
	d.ints.maxEncodedLength = length
}

// Sets the maximum length of a string literal. For compressed string
// literals the check is against the compressed length. 0 disables it.
func (d *Decoder) SetMaxStringLiteralLength(length int) {
	d.stringLiteralLengthMax = length
}

// SetAllowedMaxDynamicTableSize bounds the sizes a dynamic table size
// update may request. 0, the default, leaves updates unchecked.
func (d *Decoder) SetAllowedMaxDynamicTableSize(v uint32) {
	d.allowedTableSizeMax = uint64(v)
}

// At returns the table entry at index without modifying the table.
func (d *Decoder) At(index uint64) (Entry, error) {
	return d.table.Get(index)
}

func (d *Decoder) DynamicTableSize() uint64    { return d.table.TotalSize() }
func (d *Decoder) MaxDynamicTableSize() uint64 { return d.table.MaxSize() }
func (d *Decoder) DynamicTableLen() int        { return d.table.Len() }
func (d *Decoder) Evictions() uint64           { return d.table.Evictions() }

// Search looks name and value up without modifying the table, see LookupTable.Search.
func (d *Decoder) Search(name, value string) (int, bool) {
	return d.table.Search(name, value)
}

func (d *Decoder) String() string {
	return d.table.String()
}

// Decode parses one header block and returns its fields in block order.
// On error the fields decoded before the failing representation are
// returned along with it.
func (d *Decoder) Decode(block []byte) ([]HeaderField, error) {
	return d.DecodeFrom(bytes.NewReader(block))
}

// DecodeFrom is like Decode but reads the block from src until io.EOF.
func (d *Decoder) DecodeFrom(src Source) ([]HeaderField, error) {
	var fields []HeaderField
	err := d.DecodeFunc(src, func(hf HeaderField) {
		fields = append(fields, hf)
	})
	return fields, err
}

// DecodeFunc calls emit for every field of the header block read from src,
// in order, before returning. Size updates emit nothing.
func (d *Decoder) DecodeFunc(src Source, emit func(HeaderField)) error {
	cs := &countingSource{src: src}
	for {
		offset := cs.n
		b, err := cs.ReadByte()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return errors.WithStack(err)
		}

		repr := classifyRepresentation(b)
		hf, ok, err := d.decodeRepresentation(repr, b, cs)
		if err != nil {
			return errors.WithStack(&DecodingError{Offset: offset, Representation: repr, Err: err})
		}
		if ok {
			emit(hf)
		}
	}
}

func (d *Decoder) decodeRepresentation(repr Representation, b byte, src Source) (HeaderField, bool, error) {
	switch repr {
	case RepresentationIndexed:
		hf, err := d.parseFieldIndexed(b, src)
		return hf, err == nil, err
	case RepresentationLiteralIncremental:
		hf, err := d.parseFieldLiteral(b, 6, src, FieldLiteralIndexed)
		if err != nil {
			return hf, false, err
		}
		d.table.Insert(Entry{Name: hf.Name, Value: hf.Value})
		return hf, true, nil
	case RepresentationLiteralNotIndexed:
		hf, err := d.parseFieldLiteral(b, 4, src, FieldLiteralNotIndexed)
		return hf, err == nil, err
	case RepresentationLiteralNeverIndexed:
		hf, err := d.parseFieldLiteral(b, 4, src, FieldLiteralNeverIndexed)
		return hf, err == nil, err
	case RepresentationSizeUpdate:
		return HeaderField{}, false, d.parseDynamicSizeUpdate(b, src)
	}
	return HeaderField{}, false, errors.Errorf("unknown representation %d", repr)
}

func (d *Decoder) parseFieldIndexed(b byte, src Source) (HeaderField, error) {
	index, err := d.ints.read(b, 7, src)
	if err != nil {
		return HeaderField{}, err
	}
	if index == 0 {
		return HeaderField{}, errors.WithStack(ErrZeroIndex)
	}
	e, err := d.table.Get(index)
	if err != nil {
		return HeaderField{}, err
	}
	return HeaderField{Name: e.Name, Value: e.Value, Kind: FieldIndexed}, nil
}

func (d *Decoder) parseFieldLiteral(b byte, prefixLength uint8, src Source, kind FieldKind) (HeaderField, error) {
	nameIndex, err := d.ints.read(b, prefixLength, src)
	if err != nil {
		return HeaderField{}, err
	}

	hf := HeaderField{Kind: kind}
	if nameIndex == 0 {
		if hf.Name, err = d.readString(src); err != nil {
			return HeaderField{}, errors.Wrap(err, "name")
		}
	} else {
		e, err := d.table.Get(nameIndex)
		if err != nil {
			return HeaderField{}, err
		}
		hf.Name = e.Name
	}

	if hf.Value, err = d.readString(src); err != nil {
		return HeaderField{}, errors.Wrapf(err, "value of %q", hf.Name)
	}
	return hf, nil
}

func (d *Decoder) parseDynamicSizeUpdate(b byte, src Source) error {
	size, err := d.ints.read(b, 5, src)
	if err != nil {
		return err
	}
	if d.allowedTableSizeMax != 0 && size > d.allowedTableSizeMax {
		return errors.Wrapf(ErrTableSizeUpdateTooLarge, "%d > %d", size, d.allowedTableSizeMax)
	}
	klog.V(4).Infof("hpack: dynamic table size update %d -> %d", d.table.MaxSize(), size)
	d.table.SetMaxSize(size)
	return nil
}

// readString reads a string literal: a Huffman flag bit, a 7-bit prefixed
// length and that many octets, raw or Huffman-coded.
func (d *Decoder) readString(src Source) (string, error) {
	b, err := src.ReadByte()
	if err != nil {
		return "", truncated(err)
	}
	huffman := b&0x80 != 0
	length, err := d.ints.read(b, 7, src)
	if err != nil {
		return "", err
	}
	if d.stringLiteralLengthMax > 0 && length > uint64(d.stringLiteralLengthMax) {
		return "", errors.Wrapf(ErrStringLiteralLengthTooLong, "%d > %d", length, d.stringLiteralLengthMax)
	}
	if length > math.MaxInt64 {
		return "", errors.Wrapf(ErrStringLiteralLengthTooLong, "%d", length)
	}

	buf := bufPool.Get().(*bytes.Buffer)
	buf.Reset()
	defer bufPool.Put(buf)

	if _, err := io.CopyN(buf, src, int64(length)); err != nil {
		return "", truncated(err)
	}
	if !huffman {
		return buf.String(), nil
	}
	return HuffmanDecodeToString(buf.Bytes())
}

// countingSource tracks the offset of the next byte for error reports.
type countingSource struct {
	src Source
	n   int64
}

func (c *countingSource) ReadByte() (byte, error) {
	b, err := c.src.ReadByte()
	if err == nil {
		c.n++
	}
	return b, err
}

func (c *countingSource) Read(p []byte) (int, error) {
	n, err := c.src.Read(p)
	c.n += int64(n)
	return n, err
}
