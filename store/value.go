package store

import (
	"encoding/json"
	"fmt"
	"sort"
)

// Kind 取值类型
type Kind int

const (
	// KindNull absent value
	KindNull Kind = iota
	// KindString string value
	KindString
	// KindNumber numeric value
	KindNumber
	// KindBool boolean value
	KindBool
	// KindArray ordered list of values
	KindArray
	// KindMap string-keyed map of values
	KindMap
)

// Value is a serializable tagged value used for the free-form
// attribute bags persisted per user and per room. It round-trips
// through JSON without reflection on arbitrary types.
type Value struct {
	kind Kind
	str  string
	num  float64
	b    bool
	arr  []Value
	obj  map[string]Value
}

// String constructs a string value.
func String(s string) Value { return Value{kind: KindString, str: s} }

// Number constructs a numeric value.
func Number(n float64) Value { return Value{kind: KindNumber, num: n} }

// Bool constructs a boolean value.
func Bool(b bool) Value { return Value{kind: KindBool, b: b} }

// Array constructs an array value.
func Array(items ...Value) Value { return Value{kind: KindArray, arr: items} }

// Map constructs a map value.
func Map(items map[string]Value) Value { return Value{kind: KindMap, obj: items} }

// Kind returns the value's kind.
func (v Value) Kind() Kind { return v.kind }

// Str returns the string payload.
func (v Value) Str() (string, bool) { return v.str, v.kind == KindString }

// Num returns the numeric payload.
func (v Value) Num() (float64, bool) { return v.num, v.kind == KindNumber }

// Boolean returns the boolean payload.
func (v Value) Boolean() (bool, bool) { return v.b, v.kind == KindBool }

// Items returns the array payload.
func (v Value) Items() ([]Value, bool) { return v.arr, v.kind == KindArray }

// Fields returns the map payload.
func (v Value) Fields() (map[string]Value, bool) { return v.obj, v.kind == KindMap }

// MarshalJSON encodes the value as its natural JSON form.
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case KindNull:
		return []byte("null"), nil
	case KindString:
		return json.Marshal(v.str)
	case KindNumber:
		return json.Marshal(v.num)
	case KindBool:
		return json.Marshal(v.b)
	case KindArray:
		if v.arr == nil {
			return []byte("[]"), nil
		}
		return json.Marshal(v.arr)
	case KindMap:
		if v.obj == nil {
			return []byte("{}"), nil
		}
		return json.Marshal(v.obj)
	}
	return nil, fmt.Errorf("store: invalid value kind %d", v.kind)
}

// UnmarshalJSON decodes any JSON value into the matching variant.
func (v *Value) UnmarshalJSON(data []byte) error {
	var probe interface{}
	if err := json.Unmarshal(data, &probe); err != nil {
		return err
	}
	decoded, err := fromInterface(probe)
	if err != nil {
		return err
	}
	*v = decoded
	return nil
}

func fromInterface(i interface{}) (Value, error) {
	switch t := i.(type) {
	case nil:
		return Value{}, nil
	case string:
		return String(t), nil
	case float64:
		return Number(t), nil
	case bool:
		return Bool(t), nil
	case []interface{}:
		items := make([]Value, len(t))
		for idx, item := range t {
			decoded, err := fromInterface(item)
			if err != nil {
				return Value{}, err
			}
			items[idx] = decoded
		}
		return Value{kind: KindArray, arr: items}, nil
	case map[string]interface{}:
		fields := make(map[string]Value, len(t))
		for key, item := range t {
			decoded, err := fromInterface(item)
			if err != nil {
				return Value{}, err
			}
			fields[key] = decoded
		}
		return Value{kind: KindMap, obj: fields}, nil
	}
	return Value{}, fmt.Errorf("store: cannot convert %T to Value", i)
}

// Equal reports deep equality of two values.
func (v Value) Equal(other Value) bool {
	if v.kind != other.kind {
		return false
	}
	switch v.kind {
	case KindString:
		return v.str == other.str
	case KindNumber:
		return v.num == other.num
	case KindBool:
		return v.b == other.b
	case KindArray:
		if len(v.arr) != len(other.arr) {
			return false
		}
		for i := range v.arr {
			if !v.arr[i].Equal(other.arr[i]) {
				return false
			}
		}
		return true
	case KindMap:
		if len(v.obj) != len(other.obj) {
			return false
		}
		keys := make([]string, 0, len(v.obj))
		for k := range v.obj {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			o, ok := other.obj[k]
			if !ok || !v.obj[k].Equal(o) {
				return false
			}
		}
		return true
	}
	return true
}
