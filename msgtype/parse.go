package msgtype

import (
	"bufio"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/c360/semstreams-robotics/errors"
)

// TypeRef is an unresolved field type as written in a definition.
type TypeRef struct {
	Kind        Kind
	Ref         ID // set when Kind is KindMessage
	StringBound int
	Array       ArrayKind
	Size        int
}

// FieldSpec is a field line: "type name [default]".
type FieldSpec struct {
	Name       string
	Type       TypeRef
	Default    string
	HasDefault bool
}

// ConstantSpec is a constant line: "TYPE NAME=value".
type ConstantSpec struct {
	Name  string
	Type  TypeRef
	Value string
}

// Section is one "---" separated block of a definition.
type Section struct {
	Fields    []FieldSpec
	Constants []ConstantSpec
}

// Definition is a parsed, unresolved interface definition.
type Definition struct {
	ID       ID
	Sections []Section
}

var identRe = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]*$`)

func sectionCount(c Category) int {
	switch c {
	case CategorySrv:
		return 2
	case CategoryAction:
		return 3
	default:
		return 1
	}
}

// Parse parses definition text for id. Message definitions have one section,
// services two (request, response) and actions three (goal, result, feedback).
func Parse(id ID, text string) (*Definition, error) {
	def := &Definition{ID: id, Sections: []Section{{}}}

	scanner := bufio.NewScanner(strings.NewReader(text))
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(stripComment(scanner.Text()))
		if line == "" {
			continue
		}
		if line == "---" {
			def.Sections = append(def.Sections, Section{})
			continue
		}

		sec := &def.Sections[len(def.Sections)-1]
		if err := parseLine(id, line, sec); err != nil {
			return nil, errors.WrapInvalid(
				errors.Tag(errors.ErrResolution, fmt.Errorf("%s line %d: %w", id, lineNo, err)),
				"msgtype", "Parse", "parse definition")
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "msgtype", "Parse", "read definition")
	}

	if want := sectionCount(id.Category); len(def.Sections) != want {
		return nil, errors.WrapInvalid(
			errors.Tag(errors.ErrResolution,
				fmt.Errorf("%s: expected %d sections, got %d", id, want, len(def.Sections))),
			"msgtype", "Parse", "section count")
	}
	return def, nil
}

func parseLine(id ID, line string, sec *Section) error {
	sep := strings.IndexAny(line, " \t")
	if sep < 0 {
		return fmt.Errorf("expected \"type name\", got %q", line)
	}
	typeTok, rest := line[:sep], strings.TrimSpace(line[sep+1:])

	ref, err := parseTypeRef(typeTok, id.Package)
	if err != nil {
		return err
	}

	// Constants are "TYPE NAME=value"; a default value never contains the
	// field name followed by '='.
	if name, value, isConst := strings.Cut(rest, "="); isConst && identRe.MatchString(strings.TrimSpace(name)) {
		if ref.Kind == KindMessage || ref.Array != NotArray {
			return fmt.Errorf("constant %s must be a primitive scalar", strings.TrimSpace(name))
		}
		sec.Constants = append(sec.Constants, ConstantSpec{
			Name:  strings.TrimSpace(name),
			Type:  ref,
			Value: strings.TrimSpace(value),
		})
		return nil
	}

	name, def := rest, ""
	if i := strings.IndexAny(rest, " \t"); i >= 0 {
		name, def = rest[:i], rest[i+1:]
	}
	if !identRe.MatchString(name) {
		return fmt.Errorf("invalid field name %q", name)
	}
	for _, f := range sec.Fields {
		if f.Name == name {
			return fmt.Errorf("duplicate field %q", name)
		}
	}

	spec := FieldSpec{Name: name, Type: ref}
	if def = strings.TrimSpace(def); def != "" {
		if ref.Kind == KindMessage {
			return fmt.Errorf("field %s: nested messages cannot have defaults", name)
		}
		spec.Default = def
		spec.HasDefault = true
	}
	sec.Fields = append(sec.Fields, spec)
	return nil
}

// parseTypeRef parses "int32", "string<=10", "float64[3]", "Point[<=5]",
// "geometry_msgs/Point" and friends.
func parseTypeRef(tok, pkg string) (TypeRef, error) {
	var ref TypeRef

	if open := strings.IndexByte(tok, '['); open >= 0 {
		if !strings.HasSuffix(tok, "]") {
			return ref, fmt.Errorf("malformed array type %q", tok)
		}
		bound := tok[open+1 : len(tok)-1]
		tok = tok[:open]

		switch {
		case bound == "":
			ref.Array = UnboundedArray
		case strings.HasPrefix(bound, "<="):
			n, err := strconv.Atoi(bound[2:])
			if err != nil || n <= 0 {
				return ref, fmt.Errorf("invalid array bound %q", bound)
			}
			ref.Array, ref.Size = BoundedArray, n
		default:
			n, err := strconv.Atoi(bound)
			if err != nil || n <= 0 {
				return ref, fmt.Errorf("invalid array size %q", bound)
			}
			ref.Array, ref.Size = FixedArray, n
		}
	}

	if base, bound, ok := strings.Cut(tok, "<="); ok {
		k, isPrim := primitiveKinds[base]
		if !isPrim || !k.IsString() {
			return ref, fmt.Errorf("only strings may be bounded, got %q", tok)
		}
		n, err := strconv.Atoi(bound)
		if err != nil || n <= 0 {
			return ref, fmt.Errorf("invalid string bound %q", tok)
		}
		ref.Kind, ref.StringBound = k, n
		return ref, nil
	}

	if k, ok := primitiveKinds[tok]; ok {
		ref.Kind = k
		return ref, nil
	}

	target, err := referenceID(tok, pkg)
	if err != nil {
		return ref, err
	}
	ref.Kind, ref.Ref = KindMessage, target
	return ref, nil
}

func referenceID(tok, pkg string) (ID, error) {
	parts := strings.Split(tok, "/")
	var id ID
	switch len(parts) {
	case 1:
		if tok == "Header" {
			return ID{Package: "std_msgs", Category: CategoryMsg, Name: "Header"}, nil
		}
		id = ID{Package: pkg, Category: CategoryMsg, Name: parts[0]}
	case 2:
		id = ID{Package: parts[0], Category: CategoryMsg, Name: parts[1]}
	case 3:
		id = ID{Package: parts[0], Category: Category(parts[1]), Name: parts[2]}
	default:
		return id, fmt.Errorf("invalid type reference %q", tok)
	}
	if id.Package == "" || id.Name == "" || !identRe.MatchString(id.Name) {
		return id, fmt.Errorf("invalid type reference %q", tok)
	}
	if id.Category != CategoryMsg {
		return id, fmt.Errorf("type reference %q must name a message", tok)
	}
	return id, nil
}

func stripComment(line string) string {
	inQuote := byte(0)
	for i := 0; i < len(line); i++ {
		c := line[i]
		switch {
		case inQuote != 0:
			if c == inQuote {
				inQuote = 0
			}
		case c == '"' || c == '\'':
			inQuote = c
		case c == '#':
			return line[:i]
		}
	}
	return line
}
