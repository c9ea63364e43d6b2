// Package conntrack keeps one HPACK decoder per connection direction and
// serialises the header blocks fed to it.
package conntrack

import (
	"sync"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"k8s.io/klog/v2"

	"github.com/erda-project/hpack-agent/pkg/hpack"
)

type Direction uint8

const (
	Ingress Direction = iota
	Egress
)

func (d Direction) String() string {
	if d == Egress {
		return "egress"
	}
	return "ingress"
}

// ConnKey names one direction of one connection. Each direction has its
// own dynamic table.
type ConnKey struct {
	Conn      string
	Direction Direction
}

type Config struct {
	TableSize       uint32 `file:"table_size" env:"HPACK_TABLE_SIZE" default:"4096"`
	MaxStringLength int    `file:"max_string_length" env:"HPACK_MAX_STRING_LENGTH" default:"65536"`
}

func (c Config) newDecoder() *hpack.Decoder {
	size := c.TableSize
	if size == 0 {
		size = hpack.DefaultDynamicTableSize
	}
	d := hpack.NewDecoder(size)
	if c.MaxStringLength != 0 {
		d.SetMaxStringLiteralLength(c.MaxStringLength)
	}
	return d
}

type Registry struct {
	sync.RWMutex
	cfg      Config
	sessions map[ConnKey]*Session
	metrics  *metrics
}

// NewRegistry returns an empty registry. Its collectors are registered with
// reg unless reg is nil.
func NewRegistry(cfg Config, reg prometheus.Registerer) (*Registry, error) {
	m := newMetrics()
	if reg != nil {
		if err := m.register(reg); err != nil {
			return nil, err
		}
	}
	return &Registry{
		cfg:      cfg,
		sessions: make(map[ConnKey]*Session),
		metrics:  m,
	}, nil
}

// Session returns the session for key, creating it on first use.
func (r *Registry) Session(key ConnKey) *Session {
	r.RLock()
	s, ok := r.sessions[key]
	r.RUnlock()
	if ok {
		return s
	}

	r.Lock()
	defer r.Unlock()
	if s, ok = r.sessions[key]; ok {
		return s
	}
	s = &Session{key: key, cfg: r.cfg, metrics: r.metrics}
	r.sessions[key] = s
	klog.V(4).Infof("conntrack: new session %s/%s", key.Conn, key.Direction)
	return s
}

// Close forgets both directions of conn.
func (r *Registry) Close(conn string) {
	r.Lock()
	defer r.Unlock()
	for _, dir := range []Direction{Ingress, Egress} {
		key := ConnKey{Conn: conn, Direction: dir}
		if s, ok := r.sessions[key]; ok {
			s.reset()
			delete(r.sessions, key)
		}
	}
}

func (r *Registry) Len() int {
	r.RLock()
	defer r.RUnlock()
	return len(r.sessions)
}

// A Session owns the decoder of one connection direction.
type Session struct {
	sync.Mutex
	key     ConnKey
	cfg     Config
	metrics *metrics

	decoder *hpack.Decoder
	blocks  uint64
}

// Decode decodes one header block. Calls are serialised. After a decoding
// error the session drops its decoder and the next block starts with a
// fresh table.
func (s *Session) Decode(block []byte) ([]hpack.HeaderField, error) {
	s.Lock()
	defer s.Unlock()

	if s.decoder == nil {
		s.decoder = s.cfg.newDecoder()
	}
	before := s.decoder.DynamicTableSize()

	fields, err := s.decoder.Decode(block)
	for _, f := range fields {
		s.metrics.fields.WithLabelValues(f.Kind.String()).Inc()
	}
	if err != nil {
		s.metrics.errors.WithLabelValues(errorKind(err)).Inc()
		s.metrics.tableBytes.Sub(float64(before))
		klog.Errorf("conntrack: %s/%s block %d: %v, resetting decoder", s.key.Conn, s.key.Direction, s.blocks, err)
		s.decoder = nil
		return fields, err
	}
	s.blocks++
	s.metrics.blocks.Inc()
	s.metrics.tableBytes.Add(float64(s.decoder.DynamicTableSize()) - float64(before))
	return fields, nil
}

// Blocks returns the number of blocks decoded successfully.
func (s *Session) Blocks() uint64 {
	s.Lock()
	defer s.Unlock()
	return s.blocks
}

// TableSize returns the current dynamic table size, 0 before the first block.
func (s *Session) TableSize() uint64 {
	s.Lock()
	defer s.Unlock()
	if s.decoder == nil {
		return 0
	}
	return s.decoder.DynamicTableSize()
}

// Evictions returns the evictions of the current decoder, 0 before the
// first block and after a reset.
func (s *Session) Evictions() uint64 {
	s.Lock()
	defer s.Unlock()
	if s.decoder == nil {
		return 0
	}
	return s.decoder.Evictions()
}

func (s *Session) reset() {
	s.Lock()
	defer s.Unlock()
	if s.decoder != nil {
		s.metrics.tableBytes.Sub(float64(s.decoder.DynamicTableSize()))
		s.decoder = nil
	}
}

func errorKind(err error) string {
	switch {
	case errors.Is(err, hpack.ErrZeroIndex):
		return "zero_index"
	case errors.Is(err, hpack.ErrIndexOutOfBounds):
		return "index_out_of_bounds"
	case errors.Is(err, hpack.ErrInvalidHuffman):
		return "invalid_huffman"
	case errors.Is(err, hpack.ErrTruncated):
		return "truncated"
	case errors.Is(err, hpack.ErrIntegerOverflow):
		return "integer_overflow"
	case errors.Is(err, hpack.ErrStringLiteralLengthTooLong):
		return "string_too_long"
	case errors.Is(err, hpack.ErrTableSizeUpdateTooLarge):
		return "table_size_update"
	}
	return "other"
}
