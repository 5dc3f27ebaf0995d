package codec

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/c360/semstreams-robotics/errors"
	"github.com/c360/semstreams-robotics/msgtype"
)

// Marshal renders m as a JSON object with fields in declaration order.
func Marshal(m *Message) ([]byte, error) {
	var buf bytes.Buffer
	if err := writeMessage(&buf, m); err != nil {
		return nil, errors.WrapInvalid(errors.Tag(errors.ErrEncoding, err), "codec", "Marshal", "write "+m.Type.Name)
	}
	return buf.Bytes(), nil
}

// MarshalJSON implements json.Marshaler.
func (m *Message) MarshalJSON() ([]byte, error) {
	return Marshal(m)
}

// Unmarshal decodes a JSON object into a message of type t. Numbers keep
// full precision so 64-bit integers survive the trip. Empty input and null
// yield the default message.
func Unmarshal(data []byte, t *msgtype.Message) (*Message, error) {
	var payload map[string]any
	if len(bytes.TrimSpace(data)) > 0 {
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.UseNumber()
		if err := dec.Decode(&payload); err != nil {
			return nil, errors.WrapInvalid(errors.Tag(errors.ErrEncoding, err), "codec", "Unmarshal", "decode json")
		}
	}
	return Encode(payload, t)
}

func writeMessage(buf *bytes.Buffer, m *Message) error {
	buf.WriteByte('{')
	for i, f := range m.Type.Fields {
		if i > 0 {
			buf.WriteByte(',')
		}
		buf.WriteString(strconv.Quote(f.Name))
		buf.WriteByte(':')
		if err := writeValue(buf, m.Values[i]); err != nil {
			return fmt.Errorf("%s: %w", f.Name, err)
		}
	}
	buf.WriteByte('}')
	return nil
}

func writeValue(buf *bytes.Buffer, v any) error {
	switch val := v.(type) {
	case *Message:
		return writeMessage(buf, val)
	case []any:
		buf.WriteByte('[')
		for i, e := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeValue(buf, e); err != nil {
				return fmt.Errorf("[%d]: %w", i, err)
			}
		}
		buf.WriteByte(']')
		return nil
	case bool:
		buf.WriteString(strconv.FormatBool(val))
		return nil
	case int64:
		buf.WriteString(strconv.FormatInt(val, 10))
		return nil
	case uint64:
		buf.WriteString(strconv.FormatUint(val, 10))
		return nil
	default:
		// strings and floats; json rejects NaN and Inf
		data, err := json.Marshal(val)
		if err != nil {
			return err
		}
		buf.Write(data)
		return nil
	}
}
