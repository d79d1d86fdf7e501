// Package schema models the polymorphic slot type descriptions exchanged
// during the handshake and flattens them into ordered slot lists.
package schema

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"

	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// Kind tags the shape a Descriptor was written in.
type Kind int

const (
	kindInvalid Kind = iota
	KindSingle
	KindOrdered
	KindNamed
)

func (k Kind) String() string {
	switch k {
	case KindSingle:
		return "single"
	case KindOrdered:
		return "ordered"
	case KindNamed:
		return "named"
	default:
		return "invalid"
	}
}

// Descriptor is one of: a single type name, an ordered list of type names,
// or a mapping from slot name to type name. The zero value is invalid.
type Descriptor struct {
	kind    Kind
	single  string
	ordered []string
	named   *orderedmap.OrderedMap[string, string]
}

// Slot is one normalized (slot key, type name) pair.
type Slot struct {
	Key      string `json:"key"`
	Position int    `json:"position"`
	Type     string `json:"type"`
}

// Single describes exactly one slot.
func Single(typeName string) Descriptor {
	return Descriptor{kind: KindSingle, single: typeName}
}

// Ordered describes positional slots.
func Ordered(typeNames ...string) Descriptor {
	return Descriptor{kind: KindOrdered, ordered: append([]string(nil), typeNames...)}
}

// Named describes keyed slots from alternating key, type arguments.
func Named(keysAndTypes ...string) Descriptor {
	if len(keysAndTypes)%2 != 0 {
		panic("schema: Named expects key/type pairs")
	}
	m := orderedmap.New[string, string]()
	for i := 0; i < len(keysAndTypes); i += 2 {
		m.Set(keysAndTypes[i], keysAndTypes[i+1])
	}
	return Descriptor{kind: KindNamed, named: m}
}

// Kind reports the descriptor's shape.
func (d Descriptor) Kind() Kind { return d.kind }

// IsZero reports whether the descriptor was never set.
func (d Descriptor) IsZero() bool { return d.kind == kindInvalid }

// Normalize flattens the descriptor into ordered slots. Positional shapes use
// the index as key; the named shape keeps its keys in insertion order.
func (d Descriptor) Normalize() []Slot {
	switch d.kind {
	case KindSingle:
		return []Slot{{Key: "0", Position: 0, Type: d.single}}
	case KindOrdered:
		slots := make([]Slot, len(d.ordered))
		for i, t := range d.ordered {
			slots[i] = Slot{Key: strconv.Itoa(i), Position: i, Type: t}
		}
		return slots
	case KindNamed:
		slots := make([]Slot, 0, d.named.Len())
		i := 0
		for pair := d.named.Oldest(); pair != nil; pair = pair.Next() {
			slots = append(slots, Slot{Key: pair.Key, Position: i, Type: pair.Value})
			i++
		}
		return slots
	default:
		panic(fmt.Sprintf("schema: normalize on %s descriptor", d.kind))
	}
}

// Len is the number of slots Normalize yields.
func (d Descriptor) Len() int {
	switch d.kind {
	case KindSingle:
		return 1
	case KindOrdered:
		return len(d.ordered)
	case KindNamed:
		return d.named.Len()
	default:
		panic(fmt.Sprintf("schema: len on %s descriptor", d.kind))
	}
}

// Types returns the type names in slot order.
func (d Descriptor) Types() []string {
	slots := d.Normalize()
	types := make([]string, len(slots))
	for i, s := range slots {
		types[i] = s.Type
	}
	return types
}

// SameTypes reports whether both descriptors yield the same type sequence,
// regardless of shape or keys.
func SameTypes(a, b Descriptor) bool {
	at, bt := a.Types(), b.Types()
	if len(at) != len(bt) {
		return false
	}
	for i := range at {
		if at[i] != bt[i] {
			return false
		}
	}
	return true
}

// MarshalJSON writes the descriptor back in its original shape.
func (d Descriptor) MarshalJSON() ([]byte, error) {
	switch d.kind {
	case KindSingle:
		return json.Marshal(d.single)
	case KindOrdered:
		if d.ordered == nil {
			return []byte("[]"), nil
		}
		return json.Marshal(d.ordered)
	case KindNamed:
		return d.named.MarshalJSON()
	default:
		return []byte("null"), nil
	}
}

// UnmarshalJSON accepts a string, an array of strings or an object of strings.
func (d *Descriptor) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return fmt.Errorf("schema: empty descriptor")
	}

	switch trimmed[0] {
	case '"':
		var name string
		if err := json.Unmarshal(trimmed, &name); err != nil {
			return fmt.Errorf("schema: decode single type: %w", err)
		}
		*d = Single(name)
	case '[':
		var names []string
		if err := json.Unmarshal(trimmed, &names); err != nil {
			return fmt.Errorf("schema: decode ordered types: %w", err)
		}
		*d = Descriptor{kind: KindOrdered, ordered: names}
	case '{':
		m := orderedmap.New[string, string]()
		if err := m.UnmarshalJSON(trimmed); err != nil {
			return fmt.Errorf("schema: decode named types: %w", err)
		}
		*d = Descriptor{kind: KindNamed, named: m}
	case 'n':
		*d = Descriptor{}
	default:
		return fmt.Errorf("schema: unsupported descriptor %s", trimmed)
	}
	return nil
}
