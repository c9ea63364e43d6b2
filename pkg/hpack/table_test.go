package hpack

import (
	"math/rand"
	"strings"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEntrySize(t *testing.T) {
	require.EqualValues(t, 55, Entry{Name: "custom-key", Value: "custom-header"}.Size())
	require.EqualValues(t, 32, Entry{}.Size())
	require.Contains(t, Entry{Name: "NAME", Value: "VALUE"}.String(), "NAME: VALUE")
}

func TestLookupTableStatic(t *testing.T) {
	tbl := NewLookupTable(DefaultDynamicTableSize)

	check := func() {
		e, err := tbl.Get(1)
		require.NoError(t, err)
		assert.Equal(t, Entry{Name: ":authority"}, e)

		e, err = tbl.Get(2)
		require.NoError(t, err)
		assert.Equal(t, Entry{Name: ":method", Value: "GET"}, e)

		e, err = tbl.Get(16)
		require.NoError(t, err)
		assert.Equal(t, Entry{Name: "accept-encoding", Value: "gzip, deflate"}, e)

		e, err = tbl.Get(61)
		require.NoError(t, err)
		assert.Equal(t, Entry{Name: "www-authenticate"}, e)
	}

	check()
	for i := 0; i < 100; i++ {
		tbl.Insert(Entry{Name: "x-filler", Value: strings.Repeat("v", i)})
	}
	check()
}

func TestLookupTableOutOfBounds(t *testing.T) {
	tbl := NewLookupTable(DefaultDynamicTableSize)

	_, err := tbl.Get(0)
	require.True(t, errors.Is(err, ErrIndexOutOfBounds))

	_, err = tbl.Get(staticTableLen + 1)
	require.True(t, errors.Is(err, ErrIndexOutOfBounds))

	tbl.Insert(Entry{Name: "header", Value: "value"})
	_, err = tbl.Get(staticTableLen + 1)
	require.NoError(t, err)
	_, err = tbl.Get(staticTableLen + 2)
	require.True(t, errors.Is(err, ErrIndexOutOfBounds))
}

func TestLookupTableInsertionOrder(t *testing.T) {
	tbl := NewLookupTable(DefaultDynamicTableSize)
	e1 := Entry{Name: "first", Value: "1"}
	e2 := Entry{Name: "second", Value: "2"}
	tbl.Insert(e1)
	tbl.Insert(e2)

	got, err := tbl.Get(62)
	require.NoError(t, err)
	require.Equal(t, e2, got)

	got, err = tbl.Get(63)
	require.NoError(t, err)
	require.Equal(t, e1, got)

	require.Equal(t, 2, tbl.Len())
	require.Equal(t, e1.Size()+e2.Size(), tbl.TotalSize())
}

func TestLookupTableEvictsOldest(t *testing.T) {
	// each entry is 32 + 1 + 1 = 34 bytes
	tbl := NewLookupTable(34 * 3)
	for _, v := range []string{"a", "b", "c", "d"} {
		tbl.Insert(Entry{Name: "k", Value: v})
	}
	require.Equal(t, 3, tbl.Len())
	require.EqualValues(t, 1, tbl.Evictions())

	for i, want := range []string{"d", "c", "b"} {
		e, err := tbl.Get(uint64(62 + i))
		require.NoError(t, err)
		require.Equal(t, want, e.Value)
	}
}

func TestLookupTableOversizedEntry(t *testing.T) {
	tbl := NewLookupTable(64)
	tbl.Insert(Entry{Name: "small", Value: "v"})
	require.Equal(t, 1, tbl.Len())

	tbl.Insert(Entry{Name: "big", Value: strings.Repeat("x", 64)})
	require.Zero(t, tbl.Len())
	require.Zero(t, tbl.TotalSize())
	require.EqualValues(t, 2, tbl.Evictions())
}

func TestLookupTableSetMaxSize(t *testing.T) {
	tbl := NewLookupTable(DefaultDynamicTableSize)
	for i := 0; i < 4; i++ {
		tbl.Insert(Entry{Name: "k", Value: "v"})
	}
	require.Equal(t, 4, tbl.Len())

	tbl.SetMaxSize(8192)
	require.Equal(t, 4, tbl.Len(), "raising the limit never evicts")

	tbl.SetMaxSize(34 * 2)
	require.Equal(t, 2, tbl.Len())
	require.EqualValues(t, 68, tbl.TotalSize())

	tbl.SetMaxSize(0)
	require.Zero(t, tbl.Len())
	require.EqualValues(t, 0, tbl.MaxSize())
}

func TestLookupTableSizeInvariant(t *testing.T) {
	r := rand.New(rand.NewSource(1))
	for _, maxSize := range []uint64{0, 31, 32, 33, 100, 256, 4096} {
		tbl := NewLookupTable(maxSize)
		for i := 0; i < 500; i++ {
			if r.Intn(20) == 0 {
				tbl.SetMaxSize(uint64(r.Intn(int(maxSize) + 1)))
			}
			tbl.Insert(Entry{
				Name:  strings.Repeat("n", r.Intn(40)),
				Value: strings.Repeat("v", r.Intn(200)),
			})
			require.LessOrEqual(t, tbl.TotalSize(), tbl.MaxSize())

			var sum uint64
			for x := 0; x < tbl.Len(); x++ {
				e, err := tbl.Get(uint64(62 + x))
				require.NoError(t, err)
				sum += e.Size()
			}
			require.Equal(t, sum, tbl.TotalSize())
		}
	}
}

func TestLookupTableSearch(t *testing.T) {
	tbl := NewLookupTable(DefaultDynamicTableSize)

	i, exact := tbl.Search(":method", "GET")
	assert.Equal(t, 2, i)
	assert.True(t, exact)

	i, exact = tbl.Search(":authority", "")
	assert.Equal(t, 1, i)
	assert.True(t, exact)

	i, exact = tbl.Search("www-authenticate", "Basic")
	assert.Equal(t, 61, i)
	assert.False(t, exact)

	i, _ = tbl.Search("x-missing", "")
	assert.Zero(t, i)

	tbl.Insert(Entry{Name: "header", Value: "value"})
	tbl.Insert(Entry{Name: "other", Value: "x"})
	i, exact = tbl.Search("header", "value")
	assert.Equal(t, 63, i)
	assert.True(t, exact)

	i, exact = tbl.Search("header", "nope")
	assert.Equal(t, 63, i)
	assert.False(t, exact)
	require.Equal(t, 2, tbl.Len(), "search does not mutate")
}

func TestLookupTableString(t *testing.T) {
	tbl := NewLookupTable(DefaultDynamicTableSize)
	tbl.Insert(Entry{Name: "custom-key", Value: "custom-header"})
	s := tbl.String()
	require.Contains(t, s, "[   1] (s =   55) custom-key: custom-header")
	require.Contains(t, s, "Table size: 55")
}
