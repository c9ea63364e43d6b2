// Package story runs the JSON header-block stories of the hpack-test-case
// corpus through a decoder and compares the results.
package story

import (
	"encoding/hex"
	"fmt"
	"io"
	"strings"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	utilerrors "k8s.io/apimachinery/pkg/util/errors"
	"k8s.io/klog/v2"

	"github.com/erda-project/hpack-agent/pkg/hpack"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Header is one expected field. The corpus stores each as a single-key object.
type Header struct {
	Name  string
	Value string
}

func (h *Header) UnmarshalJSON(data []byte) error {
	var m map[string]string
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	if len(m) != 1 {
		return errors.Errorf("header object must have exactly one key, got %d", len(m))
	}
	for k, v := range m {
		h.Name, h.Value = k, v
	}
	return nil
}

func (h Header) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]string{h.Name: h.Value})
}

type Case struct {
	Seqno           int      `json:"seqno"`
	Wire            string   `json:"wire"`
	Headers         []Header `json:"headers"`
	HeaderTableSize *uint32  `json:"header_table_size,omitempty"`
}

// Block returns the wire bytes of the case.
func (c *Case) Block() ([]byte, error) {
	b, err := hex.DecodeString(strings.Join(strings.Fields(c.Wire), ""))
	if err != nil {
		return nil, errors.Wrapf(err, "seqno %d: wire", c.Seqno)
	}
	return b, nil
}

type Story struct {
	Description string `json:"description"`
	Draft       int    `json:"draft,omitempty"`
	Cases       []Case `json:"cases"`
}

func Load(r io.Reader) (*Story, error) {
	s := &Story{}
	if err := json.NewDecoder(r).Decode(s); err != nil {
		return nil, errors.Wrap(err, "decode story")
	}
	return s, nil
}

type Options struct {
	// TableSize is the initial dynamic table size, hpack.DefaultDynamicTableSize when 0.
	TableSize uint32
	// MaxStringLength overrides the decoder's string literal limit when non-zero.
	MaxStringLength int
	// OnBlock is called after every decoded case.
	OnBlock func(c *Case, fields []hpack.HeaderField)
}

type Mismatch struct {
	Seqno int
	Index int
	Want  Header
	Got   Header
}

func (m Mismatch) Error() string {
	if m.Index < 0 {
		return fmt.Sprintf("seqno %d: header count differs", m.Seqno)
	}
	return fmt.Sprintf("seqno %d: header %d: want %q: %q, got %q: %q",
		m.Seqno, m.Index, m.Want.Name, m.Want.Value, m.Got.Name, m.Got.Value)
}

type Result struct {
	Cases  int
	Fields int
	// TableSize is the dynamic table size after the last case.
	TableSize uint64
	Evictions uint64
	Errors    []error
}

func (r *Result) OK() bool { return len(r.Errors) == 0 }

// Run decodes every case of s in order with one decoder. Without
// opts.TableSize the first case's header_table_size seeds the table. The
// returned error is only set when the story cannot be run at all; per-case
// failures are collected in Result.Errors. A decoding error ends the run
// since the table state is undefined afterwards.
func Run(s *Story, opts Options) (*Result, error) {
	size := opts.TableSize
	if size == 0 && len(s.Cases) > 0 && s.Cases[0].HeaderTableSize != nil {
		size = *s.Cases[0].HeaderTableSize
	}
	if size == 0 {
		size = hpack.DefaultDynamicTableSize
	}
	d := hpack.NewDecoder(size)
	if opts.MaxStringLength != 0 {
		d.SetMaxStringLiteralLength(opts.MaxStringLength)
	}

	res := &Result{}
	for i := range s.Cases {
		c := &s.Cases[i]
		block, err := c.Block()
		if err != nil {
			return res, err
		}
		fields, err := d.Decode(block)
		res.Cases++
		res.Fields += len(fields)
		if err != nil {
			res.Errors = append(res.Errors, errors.Wrapf(err, "seqno %d", c.Seqno))
			break
		}
		if opts.OnBlock != nil {
			opts.OnBlock(c, fields)
		}
		res.Errors = append(res.Errors, compare(c, fields)...)
		klog.V(5).Infof("story %q seqno %d: %d fields, table %d/%d",
			s.Description, c.Seqno, len(fields), d.DynamicTableSize(), d.MaxDynamicTableSize())
	}
	res.TableSize = d.DynamicTableSize()
	res.Evictions = d.Evictions()
	return res, nil
}

func compare(c *Case, fields []hpack.HeaderField) []error {
	var errs []error
	if len(fields) != len(c.Headers) {
		errs = append(errs, Mismatch{Seqno: c.Seqno, Index: -1})
	}
	for i := 0; i < len(fields) && i < len(c.Headers); i++ {
		got := Header{Name: fields[i].Name, Value: fields[i].Value}
		if got != c.Headers[i] {
			errs = append(errs, Mismatch{Seqno: c.Seqno, Index: i, Want: c.Headers[i], Got: got})
		}
	}
	return errs
}

// Verify runs every named story and merges all failures into one aggregate error.
func Verify(stories map[string]*Story, opts Options) error {
	var errs []error
	for name, s := range stories {
		res, err := Run(s, opts)
		if err != nil {
			errs = append(errs, errors.Wrap(err, name))
			continue
		}
		for _, e := range res.Errors {
			errs = append(errs, errors.Wrap(e, name))
		}
	}
	return utilerrors.NewAggregate(errs)
}
