package hpack

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

const (
	// DefaultDynamicTableSize mirrors the initial SETTINGS_HEADER_TABLE_SIZE.
	DefaultDynamicTableSize = 4096

	entryOverhead = 32
)

// An Entry is a name-value pair held by the static or dynamic table.
type Entry struct {
	Name  string
	Value string
}

// Size returns the size of an entry per RFC 7541 section 4.1.
func (e Entry) Size() uint64 {
	return uint64(len(e.Name)) + uint64(len(e.Value)) + entryOverhead
}

func (e Entry) String() string {
	return fmt.Sprintf("(s = %4d) %s: %s", e.Size(), e.Name, e.Value)
}

// A LookupTable addresses the static table at indices 1..61 and the dynamic
// table from 62 on, newest entry first. The sum of dynamic entry sizes never
// exceeds the maximum size once a mutation returns.
type LookupTable struct {
	// ents is kept oldest first so that insertion appends and eviction
	// trims the front; index 62 is the last element.
	ents      []Entry
	size      uint64
	maxSize   uint64
	evictions uint64
}

func NewLookupTable(maxSize uint64) *LookupTable {
	return &LookupTable{maxSize: maxSize}
}

// Get returns the entry at a 1-based index across the static and dynamic tables.
func (t *LookupTable) Get(index uint64) (Entry, error) {
	if index == 0 {
		return Entry{}, errors.Wrap(ErrIndexOutOfBounds, "index 0")
	}
	if index <= staticTableLen {
		return staticTable[index-1], nil
	}
	dynamicIndex := index - staticTableLen
	if dynamicIndex > uint64(len(t.ents)) {
		return Entry{}, errors.Wrapf(ErrIndexOutOfBounds, "index %d is beyond table extent %d", index, staticTableLen+len(t.ents))
	}
	return t.ents[uint64(len(t.ents))-dynamicIndex], nil
}

// Insert adds e as the newest dynamic entry and evicts the oldest entries
// until the table fits. An entry larger than the maximum size empties the table.
func (t *LookupTable) Insert(e Entry) {
	t.ents = append(t.ents, e)
	t.size += e.Size()
	t.evict()
}

// SetMaxSize changes the maximum size, evicting entries if it shrank.
func (t *LookupTable) SetMaxSize(v uint64) {
	t.maxSize = v
	t.evict()
}

func (t *LookupTable) MaxSize() uint64 {
	return t.maxSize
}

// TotalSize is the sum of the sizes of all dynamic entries.
func (t *LookupTable) TotalSize() uint64 {
	return t.size
}

// Len returns the number of dynamic entries.
func (t *LookupTable) Len() int {
	return len(t.ents)
}

// Evictions returns how many entries have been evicted since creation.
func (t *LookupTable) Evictions() uint64 {
	return t.evictions
}

func (t *LookupTable) evict() {
	var n int
	for t.size > t.maxSize && n < len(t.ents) {
		t.size -= t.ents[n].Size()
		n++
	}
	if n == 0 {
		return
	}
	klog.V(5).Infof("hpack: evicting %d entries, table size %d/%d", n, t.size, t.maxSize)

	copy(t.ents, t.ents[n:])
	for k := len(t.ents) - n; k < len(t.ents); k++ {
		t.ents[k] = Entry{}
	}
	t.ents = t.ents[:len(t.ents)-n]
	t.evictions += uint64(n)
}

// Search finds the lowest index holding name and value. When no entry
// matches both, it falls back to the lowest index holding name and reports
// nameValueMatch false. An index of 0 means name is not in the table.
func (t *LookupTable) Search(name, value string) (index int, nameValueMatch bool) {
	if i, ok := staticByNameValue[Entry{Name: name, Value: value}]; ok {
		return i, true
	}
	nameIndex := staticByName[name]
	for x := len(t.ents) - 1; x >= 0; x-- {
		e := t.ents[x]
		if e.Name != name {
			continue
		}
		i := staticTableLen + len(t.ents) - x
		if e.Value == value {
			return i, true
		}
		if nameIndex == 0 {
			nameIndex = i
		}
	}
	return nameIndex, false
}

func (t *LookupTable) String() string {
	var b strings.Builder
	for x := len(t.ents) - 1; x >= 0; x-- {
		fmt.Fprintf(&b, "[%4d] %s\n", len(t.ents)-x, t.ents[x])
	}
	fmt.Fprintf(&b, "       Table size: %d", t.size)
	return b.String()
}
