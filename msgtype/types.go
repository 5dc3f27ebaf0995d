package msgtype

import "math"

// Kind is the scalar kind of a field's element.
type Kind int

// Field element kinds
const (
	KindInvalid Kind = iota
	KindBool
	KindByte
	KindChar
	KindInt8
	KindUint8
	KindInt16
	KindUint16
	KindInt32
	KindUint32
	KindInt64
	KindUint64
	KindFloat32
	KindFloat64
	KindString
	KindWString
	KindMessage
)

var kindNames = map[Kind]string{
	KindBool:    "bool",
	KindByte:    "byte",
	KindChar:    "char",
	KindInt8:    "int8",
	KindUint8:   "uint8",
	KindInt16:   "int16",
	KindUint16:  "uint16",
	KindInt32:   "int32",
	KindUint32:  "uint32",
	KindInt64:   "int64",
	KindUint64:  "uint64",
	KindFloat32: "float32",
	KindFloat64: "float64",
	KindString:  "string",
	KindWString: "wstring",
	KindMessage: "message",
}

var primitiveKinds = func() map[string]Kind {
	m := make(map[string]Kind, len(kindNames))
	for k, name := range kindNames {
		if k != KindMessage {
			m[name] = k
		}
	}
	return m
}()

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "invalid"
}

// IsSigned reports whether k is a signed integer kind.
func (k Kind) IsSigned() bool {
	switch k {
	case KindInt8, KindInt16, KindInt32, KindInt64:
		return true
	}
	return false
}

// IsUnsigned reports whether k is an unsigned integer kind. byte and char are
// octets.
func (k Kind) IsUnsigned() bool {
	switch k {
	case KindByte, KindChar, KindUint8, KindUint16, KindUint32, KindUint64:
		return true
	}
	return false
}

// IsFloat reports whether k is a floating point kind.
func (k Kind) IsFloat() bool {
	return k == KindFloat32 || k == KindFloat64
}

// IsString reports whether k is a string kind.
func (k Kind) IsString() bool {
	return k == KindString || k == KindWString
}

// IntRange returns the inclusive bounds of a signed integer kind.
func (k Kind) IntRange() (int64, int64) {
	switch k {
	case KindInt8:
		return math.MinInt8, math.MaxInt8
	case KindInt16:
		return math.MinInt16, math.MaxInt16
	case KindInt32:
		return math.MinInt32, math.MaxInt32
	default:
		return math.MinInt64, math.MaxInt64
	}
}

// UintMax returns the upper bound of an unsigned integer kind.
func (k Kind) UintMax() uint64 {
	switch k {
	case KindByte, KindChar, KindUint8:
		return math.MaxUint8
	case KindUint16:
		return math.MaxUint16
	case KindUint32:
		return math.MaxUint32
	default:
		return math.MaxUint64
	}
}

// ArrayKind describes whether and how a field is a sequence.
type ArrayKind int

// Array shapes
const (
	NotArray ArrayKind = iota
	UnboundedArray
	FixedArray
	BoundedArray
)

// Field is a resolved field of a message.
type Field struct {
	Name string
	Kind Kind
	// Message is set when Kind is KindMessage.
	Message *Message
	// StringBound limits string length when non-zero.
	StringBound int
	Array       ArrayKind
	// Size is the fixed length or the upper bound, depending on Array.
	Size int
	// Default is the decoded default value, nil when the field has none.
	Default any
}

// Constant is a named constant declared in a message definition.
type Constant struct {
	Name  string
	Kind  Kind
	Value any
}

// Message is a resolved message layout.
type Message struct {
	// Name is the full type name, e.g. "std_msgs/msg/String" or
	// "example_interfaces/action/Fibonacci_Goal".
	Name      string
	Fields    []*Field
	Constants []Constant

	index map[string]int
}

// Field returns the named field.
func (m *Message) Field(name string) (*Field, bool) {
	i, ok := m.index[name]
	if !ok {
		return nil, false
	}
	return m.Fields[i], true
}

// FieldNames lists field names in declaration order.
func (m *Message) FieldNames() []string {
	names := make([]string, len(m.Fields))
	for i, f := range m.Fields {
		names[i] = f.Name
	}
	return names
}

// SameType reports whether m and o describe the same registered type.
// Resolving a type twice yields distinct values with the same Name.
func (m *Message) SameType(o *Message) bool {
	if m == nil || o == nil {
		return m == o
	}
	return m == o || m.Name == o.Name
}

// Descriptor is a resolved type: exactly one of the groups is populated
// according to ID.Category.
type Descriptor struct {
	ID ID

	// msg
	Message *Message

	// srv
	Request  *Message
	Response *Message

	// action
	Goal     *Message
	Result   *Message
	Feedback *Message
}

// Payload returns the message a publisher or subscriber exchanges, the
// request a service client sends or the goal an action client sends.
func (d *Descriptor) Payload() *Message {
	switch d.ID.Category {
	case CategorySrv:
		return d.Request
	case CategoryAction:
		return d.Goal
	default:
		return d.Message
	}
}
