// Package fieldpath provides a small tagged value tree with dotted-path
// lookup and copy-on-write assignment.
//
// Governance rule conditions and rule modifications address intent fields
// with paths such as "target.path" or "target.content.length". Intents are
// rendered into a Value tree once and all path operations run against that
// tree, so a missing path always resolves to the same Undefined sentinel.
package fieldpath

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"unicode/utf8"
)

// Kind tags the variant held by a Value.
type Kind int

const (
	KindUndefined Kind = iota
	KindNull
	KindString
	KindNumber
	KindBool
	KindList
	KindMap
)

func (k Kind) String() string {
	switch k {
	case KindUndefined:
		return "undefined"
	case KindNull:
		return "null"
	case KindString:
		return "string"
	case KindNumber:
		return "number"
	case KindBool:
		return "bool"
	case KindList:
		return "list"
	case KindMap:
		return "map"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Value is an immutable node of the tree. The zero Value is Undefined.
type Value struct {
	kind Kind
	str  string
	num  float64
	b    bool
	list []Value
	m    map[string]Value
}

// Undefined is the sentinel returned for paths that do not resolve.
var Undefined = Value{}

// Null returns the null value.
func Null() Value { return Value{kind: KindNull} }

// String returns a string value.
func String(s string) Value { return Value{kind: KindString, str: s} }

// Number returns a numeric value.
func Number(f float64) Value { return Value{kind: KindNumber, num: f} }

// Bool returns a boolean value.
func Bool(b bool) Value { return Value{kind: KindBool, b: b} }

// List returns a list value holding items.
func List(items ...Value) Value {
	return Value{kind: KindList, list: append([]Value(nil), items...)}
}

// Map returns a map value holding a copy of fields.
func Map(fields map[string]Value) Value {
	m := make(map[string]Value, len(fields))
	for k, v := range fields {
		m[k] = v
	}
	return Value{kind: KindMap, m: m}
}

// Kind reports the variant of v.
func (v Value) Kind() Kind { return v.kind }

// IsUndefined reports whether v is the Undefined sentinel.
func (v Value) IsUndefined() bool { return v.kind == KindUndefined }

// Str returns the string payload and whether v is a string.
func (v Value) Str() (string, bool) { return v.str, v.kind == KindString }

// Num returns the numeric payload and whether v is a number.
func (v Value) Num() (float64, bool) { return v.num, v.kind == KindNumber }

// Truth returns the boolean payload and whether v is a bool.
func (v Value) Truth() (bool, bool) { return v.b, v.kind == KindBool }

// Items returns the elements of a list value.
func (v Value) Items() []Value {
	if v.kind != KindList {
		return nil
	}
	return append([]Value(nil), v.list...)
}

// Field returns the named child of a map value, or Undefined.
func (v Value) Field(name string) Value {
	if v.kind != KindMap {
		return Undefined
	}
	child, ok := v.m[name]
	if !ok {
		return Undefined
	}
	return child
}

// Keys returns the sorted keys of a map value.
func (v Value) Keys() []string {
	if v.kind != KindMap {
		return nil
	}
	keys := make([]string, 0, len(v.m))
	for k := range v.m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// String renders v the way a condition operand is stringified: Undefined
// becomes "undefined", numbers drop trailing zeros, lists join with commas.
func (v Value) String() string {
	switch v.kind {
	case KindUndefined:
		return "undefined"
	case KindNull:
		return "null"
	case KindString:
		return v.str
	case KindNumber:
		return strconv.FormatFloat(v.num, 'f', -1, 64)
	case KindBool:
		return strconv.FormatBool(v.b)
	case KindList:
		parts := make([]string, len(v.list))
		for i, item := range v.list {
			if item.kind == KindUndefined || item.kind == KindNull {
				continue
			}
			parts[i] = item.String()
		}
		return strings.Join(parts, ",")
	case KindMap:
		return "[object Object]"
	}
	return ""
}

// Len returns the length of a string (in runes) or list, and whether v has one.
func (v Value) Len() (int, bool) {
	switch v.kind {
	case KindString:
		return utf8.RuneCountInString(v.str), true
	case KindList:
		return len(v.list), true
	}
	return 0, false
}

// Any converts v back into plain Go values (map[string]any, []any, string,
// float64, bool, nil).
func (v Value) Any() any {
	switch v.kind {
	case KindString:
		return v.str
	case KindNumber:
		return v.num
	case KindBool:
		return v.b
	case KindList:
		out := make([]any, len(v.list))
		for i, item := range v.list {
			out[i] = item.Any()
		}
		return out
	case KindMap:
		out := make(map[string]any, len(v.m))
		for k, item := range v.m {
			if item.kind == KindUndefined {
				continue
			}
			out[k] = item.Any()
		}
		return out
	}
	return nil
}

// MarshalJSON encodes v as its plain JSON form.
func (v Value) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.Any())
}

// FromAny builds a Value from plain Go data. Structs and other types are
// converted through their JSON encoding.
func FromAny(x any) Value {
	switch t := x.(type) {
	case nil:
		return Null()
	case Value:
		return t
	case string:
		return String(t)
	case bool:
		return Bool(t)
	case float64:
		return Number(t)
	case float32:
		return Number(float64(t))
	case int:
		return Number(float64(t))
	case int32:
		return Number(float64(t))
	case int64:
		return Number(float64(t))
	case uint:
		return Number(float64(t))
	case uint32:
		return Number(float64(t))
	case uint64:
		return Number(float64(t))
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return String(t.String())
		}
		return Number(f)
	case []any:
		items := make([]Value, len(t))
		for i, item := range t {
			items[i] = FromAny(item)
		}
		return Value{kind: KindList, list: items}
	case []string:
		items := make([]Value, len(t))
		for i, item := range t {
			items[i] = String(item)
		}
		return Value{kind: KindList, list: items}
	case map[string]any:
		m := make(map[string]Value, len(t))
		for k, item := range t {
			m[k] = FromAny(item)
		}
		return Value{kind: KindMap, m: m}
	case map[string]string:
		m := make(map[string]Value, len(t))
		for k, item := range t {
			m[k] = String(item)
		}
		return Value{kind: KindMap, m: m}
	}

	data, err := json.Marshal(x)
	if err != nil {
		return String(fmt.Sprint(x))
	}
	var generic any
	if err := json.Unmarshal(data, &generic); err != nil {
		return String(fmt.Sprint(x))
	}
	return FromAny(generic)
}

// Equal reports deep equality of two values.
func Equal(a, b Value) bool {
	if a.kind != b.kind {
		return false
	}
	switch a.kind {
	case KindUndefined, KindNull:
		return true
	case KindString:
		return a.str == b.str
	case KindNumber:
		return a.num == b.num
	case KindBool:
		return a.b == b.b
	case KindList:
		if len(a.list) != len(b.list) {
			return false
		}
		for i := range a.list {
			if !Equal(a.list[i], b.list[i]) {
				return false
			}
		}
		return true
	case KindMap:
		if len(a.m) != len(b.m) {
			return false
		}
		for k, av := range a.m {
			bv, ok := b.m[k]
			if !ok || !Equal(av, bv) {
				return false
			}
		}
		return true
	}
	return false
}
