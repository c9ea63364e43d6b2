package hpack

import (
	"bytes"
	"sync"

	"github.com/pkg/errors"
)

var bufPool = sync.Pool{
	New: func() interface{} { return new(bytes.Buffer) },
}

// HuffmanDecode decodes the Huffman-coded string v.
func HuffmanDecode(v []byte) ([]byte, error) {
	var buf bytes.Buffer
	if err := huffmanDecode(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// HuffmanDecodeToString is like HuffmanDecode but returns a string.
func HuffmanDecodeToString(v []byte) (string, error) {
	buf := bufPool.Get().(*bytes.Buffer)
	buf.Reset()
	defer bufPool.Put(buf)

	if err := huffmanDecode(buf, v); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// huffmanDecode walks the decode tree one input byte at a time. Bits left
// over once v is exhausted must be at most 7 long and all ones, i.e. a
// strict prefix of the end-of-string code.
func huffmanDecode(buf *bytes.Buffer, v []byte) error {
	root := huffmanRoot()
	n := root
	// cur holds unconsumed input bits, cbits how many of them are valid and
	// sbits how many bits were read since the last emitted symbol.
	cur, cbits, sbits := uint(0), uint8(0), uint8(0)
	for _, b := range v {
		cur = cur<<8 | uint(b)
		cbits += 8
		sbits += 8
		for cbits >= 8 {
			n = n.children[byte(cur>>(cbits-8))]
			if n == nil {
				return errors.WithStack(ErrInvalidHuffman)
			}
			if n.children != nil {
				cbits -= 8
				continue
			}
			if n.eos {
				return errors.Wrap(ErrInvalidHuffman, "end-of-string symbol inside string")
			}
			buf.WriteByte(n.sym)
			cbits -= n.codeLen
			n = root
			sbits = cbits
		}
	}
	for cbits > 0 {
		n = n.children[byte(cur<<(8-cbits))]
		if n == nil {
			return errors.WithStack(ErrInvalidHuffman)
		}
		if n.children != nil || n.codeLen > cbits {
			break
		}
		if n.eos {
			return errors.Wrap(ErrInvalidHuffman, "end-of-string symbol inside string")
		}
		buf.WriteByte(n.sym)
		cbits -= n.codeLen
		n = root
		sbits = cbits
	}
	if sbits > 7 {
		return errors.Wrap(ErrInvalidHuffman, "padding longer than 7 bits")
	}
	if mask := uint(1)<<cbits - 1; cur&mask != mask {
		return errors.Wrap(ErrInvalidHuffman, "padding is not a prefix of end-of-string")
	}
	return nil
}

type node struct {
	// children is non-nil for internal nodes
	children *[256]*node

	// The following are only valid if children is nil:
	codeLen uint8 // bits of the code consumed at this level
	sym     byte
	eos     bool
}

var (
	huffmanRootOnce sync.Once
	rootHuffmanNode *node
)

// huffmanRoot builds the shared decode tree on first use. It is never
// mutated afterwards.
func huffmanRoot() *node {
	huffmanRootOnce.Do(func() {
		rootHuffmanNode = newInternalNode()
		for i, code := range huffmanCodes {
			addDecoderNode(rootHuffmanNode, node{sym: byte(i)}, code, huffmanCodeLen[i])
		}
		addDecoderNode(rootHuffmanNode, node{eos: true}, eosCode, eosCodeLen)
	})
	return rootHuffmanNode
}

func newInternalNode() *node {
	return &node{children: new([256]*node)}
}

func addDecoderNode(root *node, leaf node, code uint32, codeLen uint8) {
	cur := root
	for codeLen > 8 {
		codeLen -= 8
		i := uint8(code >> codeLen)
		if cur.children[i] == nil {
			cur.children[i] = newInternalNode()
		}
		cur = cur.children[i]
	}
	leaf.codeLen = codeLen
	shift := 8 - codeLen
	start, end := int(uint8(code<<shift)), int(1<<shift)
	for i := start; i < start+end; i++ {
		cur.children[i] = &leaf
	}
}
