// Package codec converts between generic JSON payload maps and typed messages
// laid out by a resolved msgtype.Message.
//
// Encode coerces and validates a payload against the layout: missing fields
// take their defaults, keys outside the layout are dropped, numbers are range
// and integrality checked, and array sizes and string bounds are enforced.
// Decode turns a message back into a map of canonical Go values
// (bool, int64, uint64, float64, string, []any, map[string]any) such that
// Encode(Decode(m)) reproduces m.
package codec

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"strconv"

	"github.com/c360/semstreams-robotics/errors"
	"github.com/c360/semstreams-robotics/msgtype"
)

// Message is a typed message: one value per field of Type, in field order.
type Message struct {
	Type   *msgtype.Message
	Values []any
}

// New returns a message of type t with every field set to its default.
func New(t *msgtype.Message) *Message {
	m := &Message{Type: t, Values: make([]any, len(t.Fields))}
	for i, f := range t.Fields {
		m.Values[i] = defaultValue(f)
	}
	return m
}

// Get returns the value of the named field.
func (m *Message) Get(name string) (any, bool) {
	for i, f := range m.Type.Fields {
		if f.Name == name {
			return m.Values[i], true
		}
	}
	return nil, false
}

// Encode builds a typed message from payload. A nil payload yields the
// default message.
func Encode(payload map[string]any, t *msgtype.Message) (*Message, error) {
	if t == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "codec", "Encode", "type validation")
	}
	m, err := encodeMessage(payload, t, "")
	if err != nil {
		return nil, errors.WrapInvalid(errors.Tag(errors.ErrEncoding, err), "codec", "Encode", "encode "+t.Name)
	}
	return m, nil
}

// Decode converts a typed message to a payload map.
func Decode(m *Message) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m.Values))
	for i, f := range m.Type.Fields {
		out[f.Name] = decodeValue(m.Values[i])
	}
	return out
}

func decodeValue(v any) any {
	switch val := v.(type) {
	case *Message:
		return Decode(val)
	case []any:
		out := make([]any, len(val))
		for i, e := range val {
			out[i] = decodeValue(e)
		}
		return out
	default:
		return v
	}
}

func encodeMessage(payload map[string]any, t *msgtype.Message, path string) (*Message, error) {
	m := &Message{Type: t, Values: make([]any, len(t.Fields))}
	for i, f := range t.Fields {
		raw, present := payload[f.Name]
		if !present || raw == nil {
			m.Values[i] = defaultValue(f)
			continue
		}
		v, err := encodeField(raw, f, join(path, f.Name))
		if err != nil {
			return nil, err
		}
		m.Values[i] = v
	}
	return m, nil
}

func encodeField(raw any, f *msgtype.Field, path string) (any, error) {
	if f.Array == msgtype.NotArray {
		return encodeElement(raw, f, path)
	}

	rv := reflect.ValueOf(raw)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, fmt.Errorf("%s: expected array, got %T", path, raw)
	}

	n := rv.Len()
	switch f.Array {
	case msgtype.FixedArray:
		if n != f.Size {
			return nil, fmt.Errorf("%s: expected %d elements, got %d", path, f.Size, n)
		}
	case msgtype.BoundedArray:
		if n > f.Size {
			return nil, fmt.Errorf("%s: at most %d elements allowed, got %d", path, f.Size, n)
		}
	}

	out := make([]any, n)
	for i := 0; i < n; i++ {
		v, err := encodeElement(rv.Index(i).Interface(), f, fmt.Sprintf("%s[%d]", path, i))
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func encodeElement(raw any, f *msgtype.Field, path string) (any, error) {
	k := f.Kind
	switch {
	case k == msgtype.KindMessage:
		if raw == nil {
			return New(f.Message), nil
		}
		switch val := raw.(type) {
		case map[string]any:
			return encodeMessage(val, f.Message, path)
		case *Message:
			if val.Type != f.Message {
				return nil, fmt.Errorf("%s: expected %s, got %s", path, f.Message.Name, val.Type.Name)
			}
			return val, nil
		}
		return nil, fmt.Errorf("%s: expected object, got %T", path, raw)

	case k == msgtype.KindBool:
		b, ok := raw.(bool)
		if !ok {
			return nil, fmt.Errorf("%s: expected bool, got %T", path, raw)
		}
		return b, nil

	case k.IsString():
		s, ok := raw.(string)
		if !ok {
			return nil, fmt.Errorf("%s: expected string, got %T", path, raw)
		}
		if f.StringBound > 0 && len(s) > f.StringBound {
			return nil, fmt.Errorf("%s: string longer than %d", path, f.StringBound)
		}
		return s, nil

	case k.IsSigned():
		v, err := toInt64(raw)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		if lo, hi := k.IntRange(); v < lo || v > hi {
			return nil, fmt.Errorf("%s: %d out of %s range", path, v, k)
		}
		return v, nil

	case k.IsUnsigned():
		v, err := toUint64(raw)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		if v > k.UintMax() {
			return nil, fmt.Errorf("%s: %d out of %s range", path, v, k)
		}
		return v, nil

	case k.IsFloat():
		v, err := toFloat64(raw)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		if k == msgtype.KindFloat32 {
			if !math.IsInf(v, 0) && !math.IsNaN(v) && math.Abs(v) > math.MaxFloat32 {
				return nil, fmt.Errorf("%s: %g out of float32 range", path, v)
			}
			v = float64(float32(v))
		}
		return v, nil
	}
	return nil, fmt.Errorf("%s: unsupported kind %s", path, k)
}

func toInt64(raw any) (int64, error) {
	switch v := raw.(type) {
	case json.Number:
		if i, err := v.Int64(); err == nil {
			return i, nil
		}
		f, err := v.Float64()
		if err != nil {
			return 0, fmt.Errorf("invalid number %q", v.String())
		}
		return toInt64(f)
	case float64:
		if v != math.Trunc(v) || math.IsInf(v, 0) {
			return 0, fmt.Errorf("expected integer, got %v", v)
		}
		if v < math.MinInt64 || v >= math.MaxInt64 {
			return 0, fmt.Errorf("%v overflows int64", v)
		}
		return int64(v), nil
	case float32:
		return toInt64(float64(v))
	}

	rv := reflect.ValueOf(raw)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int(), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		u := rv.Uint()
		if u > math.MaxInt64 {
			return 0, fmt.Errorf("%d overflows int64", u)
		}
		return int64(u), nil
	}
	return 0, fmt.Errorf("expected integer, got %T", raw)
}

func toUint64(raw any) (uint64, error) {
	switch v := raw.(type) {
	case json.Number:
		if u, err := strconv.ParseUint(v.String(), 10, 64); err == nil {
			return u, nil
		}
		f, err := v.Float64()
		if err != nil {
			return 0, fmt.Errorf("invalid number %q", v.String())
		}
		return toUint64(f)
	case float64:
		if v != math.Trunc(v) || math.IsInf(v, 0) {
			return 0, fmt.Errorf("expected integer, got %v", v)
		}
		if v < 0 || v >= math.MaxUint64 {
			return 0, fmt.Errorf("%v out of unsigned range", v)
		}
		return uint64(v), nil
	case float32:
		return toUint64(float64(v))
	}

	rv := reflect.ValueOf(raw)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		i := rv.Int()
		if i < 0 {
			return 0, fmt.Errorf("%d is negative", i)
		}
		return uint64(i), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return rv.Uint(), nil
	}
	return 0, fmt.Errorf("expected unsigned integer, got %T", raw)
}

func toFloat64(raw any) (float64, error) {
	switch v := raw.(type) {
	case float64:
		return v, nil
	case float32:
		return float64(v), nil
	case json.Number:
		f, err := v.Float64()
		if err != nil {
			return 0, fmt.Errorf("invalid number %q", v.String())
		}
		return f, nil
	}

	rv := reflect.ValueOf(raw)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return float64(rv.Int()), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return float64(rv.Uint()), nil
	}
	return 0, fmt.Errorf("expected number, got %T", raw)
}

func defaultValue(f *msgtype.Field) any {
	if f.Default != nil {
		if list, ok := f.Default.([]any); ok {
			return append([]any{}, list...)
		}
		return f.Default
	}

	switch f.Array {
	case msgtype.FixedArray:
		out := make([]any, f.Size)
		for i := range out {
			out[i] = zeroElement(f)
		}
		return out
	case msgtype.UnboundedArray, msgtype.BoundedArray:
		return []any{}
	}
	return zeroElement(f)
}

func zeroElement(f *msgtype.Field) any {
	k := f.Kind
	switch {
	case k == msgtype.KindMessage:
		return New(f.Message)
	case k == msgtype.KindBool:
		return false
	case k.IsString():
		return ""
	case k.IsSigned():
		return int64(0)
	case k.IsUnsigned():
		return uint64(0)
	default:
		return float64(0)
	}
}

func join(path, name string) string {
	if path == "" {
		return name
	}
	return path + "." + name
}
