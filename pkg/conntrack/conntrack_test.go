package conntrack

import (
	"encoding/hex"
	"strings"
	"sync"
	"testing"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/erda-project/hpack-agent/pkg/hpack"
)

var requests = []string{
	"828684410f7777772e6578616d706c652e636f6d",
	"828684be58086e6f2d6361636865",
	"828785bf400a637573746f6d2d6b65790c637573746f6d2d76616c7565",
}

func block(t *testing.T, s string) []byte {
	t.Helper()
	b, err := hex.DecodeString(s)
	require.NoError(t, err)
	return b
}

func newTestRegistry(t *testing.T) (*Registry, *prometheus.Registry) {
	reg := prometheus.NewRegistry()
	r, err := NewRegistry(Config{TableSize: 4096}, reg)
	require.NoError(t, err)
	return r, reg
}

func TestSessionKeepsTableAcrossBlocks(t *testing.T) {
	r, _ := newTestRegistry(t)
	s := r.Session(ConnKey{Conn: "10.0.0.1:443-10.0.0.2:5555", Direction: Ingress})

	for _, req := range requests {
		_, err := s.Decode(block(t, req))
		require.NoError(t, err)
	}
	require.EqualValues(t, 3, s.Blocks())
	require.EqualValues(t, 164, s.TableSize())

	require.Same(t, s, r.Session(ConnKey{Conn: "10.0.0.1:443-10.0.0.2:5555", Direction: Ingress}))
	require.EqualValues(t, 0, r.Session(ConnKey{Conn: "10.0.0.1:443-10.0.0.2:5555", Direction: Egress}).TableSize())
	require.Equal(t, 2, r.Len())
}

func TestSessionMetrics(t *testing.T) {
	r, _ := newTestRegistry(t)
	s := r.Session(ConnKey{Conn: "c1"})

	for _, req := range requests {
		_, err := s.Decode(block(t, req))
		require.NoError(t, err)
	}
	assert.Equal(t, float64(3), testutil.ToFloat64(r.metrics.blocks))
	assert.Equal(t, float64(11), testutil.ToFloat64(r.metrics.fields.WithLabelValues("indexed")))
	assert.Equal(t, float64(3), testutil.ToFloat64(r.metrics.fields.WithLabelValues("literal-indexed")))
	assert.Equal(t, float64(164), testutil.ToFloat64(r.metrics.tableBytes))

	r.Close("c1")
	assert.Equal(t, float64(0), testutil.ToFloat64(r.metrics.tableBytes))
	assert.Zero(t, r.Len())
}

func TestSessionResetsAfterError(t *testing.T) {
	r, _ := newTestRegistry(t)
	s := r.Session(ConnKey{Conn: "c1"})

	_, err := s.Decode(block(t, requests[0]))
	require.NoError(t, err)

	fields, err := s.Decode(block(t, "8280"))
	require.True(t, errors.Is(err, hpack.ErrZeroIndex))
	require.Len(t, fields, 1)
	assert.Equal(t, float64(1), testutil.ToFloat64(r.metrics.errors.WithLabelValues("zero_index")))
	require.Zero(t, s.TableSize())
	assert.Equal(t, float64(0), testutil.ToFloat64(r.metrics.tableBytes))

	// the second request refers to index 62, gone with the old table
	_, err = s.Decode(block(t, requests[1]))
	require.True(t, errors.Is(err, hpack.ErrIndexOutOfBounds))
	assert.Equal(t, float64(1), testutil.ToFloat64(r.metrics.errors.WithLabelValues("index_out_of_bounds")))

	_, err = s.Decode(block(t, requests[0]))
	require.NoError(t, err)
}

func TestSessionConcurrentDecode(t *testing.T) {
	r, _ := newTestRegistry(t)
	key := ConnKey{Conn: "shared"}

	// blocks that only reference the static table decode the same in any order
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				fields, err := r.Session(key).Decode([]byte{0x82, 0x87, 0x85})
				if assert.NoError(t, err) {
					assert.Len(t, fields, 3)
				}
			}
		}()
	}
	wg.Wait()
	require.EqualValues(t, 800, r.Session(key).Blocks())
}

func TestStringLimit(t *testing.T) {
	r, err := NewRegistry(Config{MaxStringLength: 4}, nil)
	require.NoError(t, err)
	// literal without indexing, new name "custom-key"
	_, err = r.Session(ConnKey{Conn: "c"}).Decode(block(t, "000a"+hex.EncodeToString([]byte("custom-key"))+"00"))
	require.True(t, errors.Is(err, hpack.ErrStringLiteralLengthTooLong))
}

func TestRegisterTwice(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := NewRegistry(Config{}, reg)
	require.NoError(t, err)
	_, err = NewRegistry(Config{}, reg)
	require.Error(t, err)
}

func TestErrorKind(t *testing.T) {
	require.Equal(t, "other", errorKind(errors.New("boom")))
	require.Equal(t, "integer_overflow", errorKind(errors.Wrap(hpack.ErrIntegerValueTooLarge, "x")))
	require.Equal(t, "ingress", Ingress.String())
	require.True(t, strings.HasPrefix(Egress.String(), "e"))
}

func TestSessionEvictions(t *testing.T) {
	r, err := NewRegistry(Config{TableSize: 64}, nil)
	require.NoError(t, err)
	s := r.Session(ConnKey{Conn: "small"})
	require.Zero(t, s.Evictions())

	// "foo: bar" takes 38 bytes, two of them do not fit in 64
	for i := 0; i < 3; i++ {
		_, err := s.Decode(block(t, "4003666f6f03626172"))
		require.NoError(t, err)
	}
	assert.EqualValues(t, 2, s.Evictions())
	assert.EqualValues(t, 38, s.TableSize())

	_, err = s.Decode(block(t, "80"))
	require.Error(t, err)
	assert.Zero(t, s.Evictions())
}
