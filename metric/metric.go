package metric

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

const DecodeMeasurement = "hpack_decode"

type Metric struct {
	Measurement string
	Name        string                 `json:"name"`
	Timestamp   int64                  `json:"timestamp"`
	Tags        map[string]string      `json:"tags"`
	Fields      map[string]interface{} `json:"fields"`
}

func (m *Metric) AddTags(k string, v string) {
	if m.Tags == nil {
		m.Tags = make(map[string]string)
	}
	m.Tags[k] = v
}

func (m *Metric) AddField(k string, v interface{}) {
	if m.Fields == nil {
		m.Fields = make(map[string]interface{})
	}
	m.Fields[k] = v
}

func (m *Metric) Time() time.Time {
	return time.Unix(0, m.Timestamp)
}

func (m *Metric) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "[%s]", m.Measurement)
	for _, k := range sortedKeys(m.Tags) {
		fmt.Fprintf(&sb, " %s: %v", k, m.Tags[k])
	}
	for _, k := range sortedKeys(m.Fields) {
		fmt.Fprintf(&sb, " %s: %v", k, m.Fields[k])
	}
	return sb.String()
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// DecodeStats counts the outcome of decoding one input.
type DecodeStats struct {
	Source string
	Format string

	Blocks    int
	Fields    int
	Errors    int
	TableSize uint64
	Evictions uint64
}

func (s *DecodeStats) Metric(now time.Time) *Metric {
	m := &Metric{
		Measurement: DecodeMeasurement,
		Name:        DecodeMeasurement,
		Timestamp:   now.UnixNano(),
	}
	m.AddTags("source", s.Source)
	m.AddTags("format", s.Format)
	m.AddField("blocks", s.Blocks)
	m.AddField("fields", s.Fields)
	m.AddField("errors", s.Errors)
	m.AddField("table_size", s.TableSize)
	m.AddField("evictions", s.Evictions)
	return m
}
