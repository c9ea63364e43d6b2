package hpack

import "fmt"

// FieldKind records which representation produced a header field, so a
// re-encoder can keep never-indexed fields out of its tables.
type FieldKind uint8

const (
	FieldIndexed FieldKind = iota
	FieldLiteralIndexed
	FieldLiteralNotIndexed
	FieldLiteralNeverIndexed
)

func (k FieldKind) String() string {
	switch k {
	case FieldIndexed:
		return "indexed"
	case FieldLiteralIndexed:
		return "literal-indexed"
	case FieldLiteralNotIndexed:
		return "literal-not-indexed"
	case FieldLiteralNeverIndexed:
		return "literal-never-indexed"
	}
	return fmt.Sprintf("FieldKind(%d)", uint8(k))
}

// A HeaderField is a decoded name-value pair. Both the name and value are
// treated as opaque sequences of octets.
type HeaderField struct {
	Name  string
	Value string
	Kind  FieldKind
}

// Sensitive reports whether the field must never be indexed when re-encoded.
func (hf HeaderField) Sensitive() bool {
	return hf.Kind == FieldLiteralNeverIndexed
}

// IsPseudo reports whether the field name starts with a colon.
func (hf HeaderField) IsPseudo() bool {
	return len(hf.Name) != 0 && hf.Name[0] == ':'
}

// Size is the size the field would occupy as a dynamic table entry.
func (hf HeaderField) Size() uint64 {
	return Entry{Name: hf.Name, Value: hf.Value}.Size()
}

func (hf HeaderField) String() string {
	return fmt.Sprintf("%s: %s [%s]", hf.Name, hf.Value, hf.Kind)
}
