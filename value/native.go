package value

import (
	"fmt"
	"sort"
	"time"
)

// Of converts a native Go value into a Value. Supported inputs are Value
// itself, nil, strings, signed and unsigned integers, floats, bools,
// time.Time, []byte, []any, []string, map[string]any and []Member. Map keys
// are sorted so the result is deterministic.
func Of(x any) (Value, error) {
	switch x := x.(type) {
	case nil:
		return Nil{}, nil
	case Value:
		return x, nil
	case string:
		return String(x), nil
	case int:
		return Int(x), nil
	case int8:
		return Int(x), nil
	case int16:
		return Int(x), nil
	case int32:
		return Int(x), nil
	case int64:
		return Int(x), nil
	case uint8:
		return Int(x), nil
	case uint16:
		return Int(x), nil
	case uint32:
		return Int(x), nil
	case uint:
		if uint64(x) > 1<<63-1 {
			return nil, fmt.Errorf("value: %d overflows int64", x)
		}
		return Int(x), nil
	case uint64:
		if x > 1<<63-1 {
			return nil, fmt.Errorf("value: %d overflows int64", x)
		}
		return Int(x), nil
	case float32:
		return Double(x), nil
	case float64:
		return Double(x), nil
	case bool:
		return Bool(x), nil
	case time.Time:
		return NewDateTime(x), nil
	case []byte:
		return Base64(x), nil
	case []string:
		arr := make(Array, len(x))
		for i, s := range x {
			arr[i] = String(s)
		}
		return arr, nil
	case []any:
		arr := make(Array, len(x))
		for i, e := range x {
			v, err := Of(e)
			if err != nil {
				return nil, err
			}
			arr[i] = v
		}
		return arr, nil
	case map[string]any:
		keys := make([]string, 0, len(x))
		for k := range x {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		var b StructBuilder
		for _, k := range keys {
			v, err := Of(x[k])
			if err != nil {
				return nil, err
			}
			b.Set(k, v)
		}
		return b.Struct(), nil
	case []Member:
		return NewStruct(x...), nil
	}
	return nil, fmt.Errorf("value: cannot convert %T", x)
}

// List converts each argument with Of and returns them as a parameter list.
func List(xs ...any) ([]Value, error) {
	out := make([]Value, len(xs))
	for i, x := range xs {
		v, err := Of(x)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

// Native converts v into plain Go values: nil, string, int64, float64, bool,
// time.Time, []byte, []any and map[string]any.
func Native(v Value) any {
	switch v := v.(type) {
	case nil, Nil:
		return nil
	case String:
		return string(v)
	case Int:
		return int64(v)
	case Double:
		return float64(v)
	case Bool:
		return bool(v)
	case DateTime:
		return v.Time
	case Base64:
		return []byte(v)
	case Array:
		out := make([]any, len(v))
		for i, e := range v {
			out[i] = Native(e)
		}
		return out
	case Struct:
		out := make(map[string]any, v.Len())
		for _, m := range v.Members() {
			out[m.Name] = Native(m.Value)
		}
		return out
	}
	return nil
}
