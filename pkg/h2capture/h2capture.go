// Package h2capture reads one direction of a captured HTTP/2 connection,
// assembles its header blocks and decodes them.
package h2capture

import (
	"bufio"
	"bytes"
	"io"

	"github.com/pkg/errors"
	"golang.org/x/net/http2"
	"k8s.io/klog/v2"

	"github.com/erda-project/hpack-agent/pkg/conntrack"
	"github.com/erda-project/hpack-agent/pkg/hpack"
)

// Block is one complete header block, HEADERS or PUSH_PROMISE plus its
// CONTINUATION frames.
type Block struct {
	StreamID uint32
	// PromiseID is set for PUSH_PROMISE blocks.
	PromiseID uint32
	EndStream bool
	Fields    []hpack.HeaderField
}

type Reader struct {
	framer  *http2.Framer
	session *conntrack.Session

	frames int
	// pending block, nil between blocks
	cur      *Block
	fragment bytes.Buffer
}

// NewReader reads frames from r, skipping a leading client connection
// preface, and decodes header blocks with the session registered for key.
func NewReader(r io.Reader, reg *conntrack.Registry, key conntrack.ConnKey) (*Reader, error) {
	br := bufio.NewReader(r)
	preface, err := br.Peek(len(http2.ClientPreface))
	if err != nil && err != io.EOF {
		return nil, errors.Wrap(err, "read preface")
	}
	if string(preface) == http2.ClientPreface {
		if _, err := br.Discard(len(http2.ClientPreface)); err != nil {
			return nil, errors.WithStack(err)
		}
	}
	return &Reader{
		framer:  http2.NewFramer(nil, br),
		session: reg.Session(key),
	}, nil
}

// SetMaxFrameSize sets the largest frame payload accepted. The framer
// default is 1<<24-1, the protocol maximum.
func (r *Reader) SetMaxFrameSize(v uint32) {
	r.framer.SetMaxReadFrameSize(v)
}

// Frames returns the number of frames read so far.
func (r *Reader) Frames() int { return r.frames }

// Next returns the next decoded header block, or io.EOF once the capture
// ends between frames. Decoding errors carry the partially decoded block.
func (r *Reader) Next() (*Block, error) {
	for {
		f, err := r.framer.ReadFrame()
		if err != nil {
			if err == io.EOF {
				if r.cur != nil {
					return nil, errors.Errorf("stream %d: capture ends inside a header block", r.cur.StreamID)
				}
				return nil, io.EOF
			}
			return nil, errors.Wrapf(err, "frame %d", r.frames)
		}
		r.frames++

		var fragment []byte
		var ended bool
		switch f := f.(type) {
		case *http2.HeadersFrame:
			r.begin(&Block{StreamID: f.StreamID, EndStream: f.StreamEnded()})
			fragment, ended = f.HeaderBlockFragment(), f.HeadersEnded()
		case *http2.PushPromiseFrame:
			r.begin(&Block{StreamID: f.StreamID, PromiseID: f.PromiseID})
			fragment, ended = f.HeaderBlockFragment(), f.HeadersEnded()
		case *http2.ContinuationFrame:
			fragment, ended = f.HeaderBlockFragment(), f.HeadersEnded()
		case *http2.SettingsFrame:
			if v, ok := f.Value(http2.SettingHeaderTableSize); ok {
				klog.V(4).Infof("h2capture: peer header table size setting %d", v)
			}
			continue
		default:
			continue
		}

		r.fragment.Write(fragment)
		if !ended {
			continue
		}
		b := r.cur
		r.cur = nil
		fields, err := r.session.Decode(r.fragment.Bytes())
		b.Fields = fields
		if err != nil {
			return b, errors.Wrapf(err, "stream %d", b.StreamID)
		}
		return b, nil
	}
}

func (r *Reader) begin(b *Block) {
	r.cur = b
	r.fragment.Reset()
}

// ReadAll returns every block of the capture. It stops at the first error.
func (r *Reader) ReadAll() ([]*Block, error) {
	var blocks []*Block
	for {
		b, err := r.Next()
		if err == io.EOF {
			return blocks, nil
		}
		if b != nil {
			blocks = append(blocks, b)
		}
		if err != nil {
			return blocks, err
		}
	}
}
