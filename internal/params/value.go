// SPDX-License-Identifier: MIT

// Package params implements the dynamic parameter values carried by tasks,
// personas and intervention contexts. A Value is a tagged JSON tree; numbers
// are stored as float64 so a marshal/unmarshal round-trip is lossless.
package params

import (
	"encoding/json"
	"sort"
	"strconv"
	"strings"
)

// Kind identifies the variant held by a Value.
type Kind int

const (
	KindNull Kind = iota
	KindBool
	KindNumber
	KindString
	KindArray
	KindObject
)

// Map is the object payload type used for task parameters, persona traits
// and intervention rule trees.
type Map = map[string]Value

// Value is an immutable-by-convention JSON value. The zero Value is null.
type Value struct {
	kind Kind
	b    bool
	n    float64
	s    string
	a    []Value
	o    Map
}

// Null returns the null value.
func Null() Value { return Value{} }

// Bool returns a boolean value.
func Bool(b bool) Value { return Value{kind: KindBool, b: b} }

// Number returns a numeric value.
func Number(n float64) Value { return Value{kind: KindNumber, n: n} }

// String returns a string value.
func String(s string) Value { return Value{kind: KindString, s: s} }

// Array returns an array value holding the given elements.
func Array(elems ...Value) Value {
	return Value{kind: KindArray, a: elems}
}

// Object returns an object value holding the given map.
func Object(m Map) Value {
	if m == nil {
		m = Map{}
	}
	return Value{kind: KindObject, o: m}
}

// FromAny converts the output of encoding/json (or hand-built Go values)
// into a Value. Unknown types map to null.
func FromAny(v any) Value {
	switch t := v.(type) {
	case nil:
		return Null()
	case Value:
		return t
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
	case uint64:
		return Number(float64(t))
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return String(t.String())
		}
		return Number(f)
	case string:
		return String(t)
	case []Value:
		return Array(t...)
	case []any:
		elems := make([]Value, len(t))
		for i, e := range t {
			elems[i] = FromAny(e)
		}
		return Array(elems...)
	case Map:
		return Object(t)
	case map[string]any:
		m := make(Map, len(t))
		for k, e := range t {
			m[k] = FromAny(e)
		}
		return Object(m)
	default:
		return Null()
	}
}

// Kind reports the variant of the value.
func (v Value) Kind() Kind { return v.kind }

// IsNull reports whether the value is null.
func (v Value) IsNull() bool { return v.kind == KindNull }

// AsBool returns the boolean payload.
func (v Value) AsBool() (bool, bool) {
	if v.kind != KindBool {
		return false, false
	}
	return v.b, true
}

// AsFloat returns the numeric payload.
func (v Value) AsFloat() (float64, bool) {
	if v.kind != KindNumber {
		return 0, false
	}
	return v.n, true
}

// AsString returns the string payload.
func (v Value) AsString() (string, bool) {
	if v.kind != KindString {
		return "", false
	}
	return v.s, true
}

// Field returns the named field of an object value.
func (v Value) Field(key string) (Value, bool) {
	if v.kind != KindObject {
		return Value{}, false
	}
	f, ok := v.o[key]
	return f, ok
}

// Index returns the i-th element of an array value.
func (v Value) Index(i int) (Value, bool) {
	if v.kind != KindArray || i < 0 || i >= len(v.a) {
		return Value{}, false
	}
	return v.a[i], true
}

// Len returns the element count of an array or object, 0 otherwise.
func (v Value) Len() int {
	switch v.kind {
	case KindArray:
		return len(v.a)
	case KindObject:
		return len(v.o)
	default:
		return 0
	}
}

// Keys returns the sorted field names of an object value.
func (v Value) Keys() []string {
	if v.kind != KindObject {
		return nil
	}
	keys := make([]string, 0, len(v.o))
	for k := range v.o {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Elems returns the backing slice of an array value. Callers must not mutate it.
func (v Value) Elems() []Value {
	if v.kind != KindArray {
		return nil
	}
	return v.a
}

// Fields returns the backing map of an object value. Callers must not mutate it.
func (v Value) Fields() Map {
	if v.kind != KindObject {
		return nil
	}
	return v.o
}

// Clone returns a deep copy sharing no containers with the receiver.
func (v Value) Clone() Value {
	switch v.kind {
	case KindArray:
		elems := make([]Value, len(v.a))
		for i, e := range v.a {
			elems[i] = e.Clone()
		}
		return Value{kind: KindArray, a: elems}
	case KindObject:
		m := make(Map, len(v.o))
		for k, e := range v.o {
			m[k] = e.Clone()
		}
		return Value{kind: KindObject, o: m}
	default:
		return v
	}
}

// CloneMap deep-copies an object payload map.
func CloneMap(m Map) Map {
	if m == nil {
		return nil
	}
	out := make(Map, len(m))
	for k, v := range m {
		out[k] = v.Clone()
	}
	return out
}

// Equal reports deep equality. Used by go-cmp in tests.
func (v Value) Equal(other Value) bool {
	if v.kind != other.kind {
		return false
	}
	switch v.kind {
	case KindNull:
		return true
	case KindBool:
		return v.b == other.b
	case KindNumber:
		return v.n == other.n
	case KindString:
		return v.s == other.s
	case KindArray:
		if len(v.a) != len(other.a) {
			return false
		}
		for i := range v.a {
			if !v.a[i].Equal(other.a[i]) {
				return false
			}
		}
		return true
	case KindObject:
		if len(v.o) != len(other.o) {
			return false
		}
		for k, e := range v.o {
			oe, ok := other.o[k]
			if !ok || !e.Equal(oe) {
				return false
			}
		}
		return true
	default:
		return false
	}
}

// Truthy coerces a value into an affirmative flag: booleans directly,
// strings "true"/"1"/"yes"/"on" (case-insensitive), non-zero numbers.
func (v Value) Truthy() bool {
	switch v.kind {
	case KindBool:
		return v.b
	case KindNumber:
		return v.n != 0
	case KindString:
		switch strings.ToLower(strings.TrimSpace(v.s)) {
		case "true", "1", "yes", "on":
			return true
		default:
			return false
		}
	default:
		return false
	}
}

// MarshalJSON implements json.Marshaler.
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case KindNull:
		return []byte("null"), nil
	case KindBool:
		return strconv.AppendBool(nil, v.b), nil
	case KindNumber:
		return json.Marshal(v.n)
	case KindString:
		return json.Marshal(v.s)
	case KindArray:
		return json.Marshal(v.a)
	case KindObject:
		return json.Marshal(v.o)
	default:
		return []byte("null"), nil
	}
}

// UnmarshalJSON implements json.Unmarshaler.
func (v *Value) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*v = FromAny(raw)
	return nil
}
