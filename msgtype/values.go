package msgtype

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// parseScalar converts a literal from a definition into the canonical Go value
// for kind: bool, int64, uint64, float64 or string.
func parseScalar(kind Kind, lit string) (any, error) {
	lit = strings.TrimSpace(lit)
	switch {
	case kind == KindBool:
		switch strings.ToLower(lit) {
		case "true", "1":
			return true, nil
		case "false", "0":
			return false, nil
		}
		return nil, fmt.Errorf("invalid bool literal %q", lit)

	case kind.IsSigned():
		v, err := strconv.ParseInt(lit, 0, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid %s literal %q", kind, lit)
		}
		lo, hi := kind.IntRange()
		if v < lo || v > hi {
			return nil, fmt.Errorf("%s literal %d out of range", kind, v)
		}
		return v, nil

	case kind.IsUnsigned():
		v, err := strconv.ParseUint(lit, 0, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid %s literal %q", kind, lit)
		}
		if v > kind.UintMax() {
			return nil, fmt.Errorf("%s literal %d out of range", kind, v)
		}
		return v, nil

	case kind.IsFloat():
		v, err := strconv.ParseFloat(lit, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid %s literal %q", kind, lit)
		}
		if kind == KindFloat32 {
			if !math.IsInf(v, 0) && math.Abs(v) > math.MaxFloat32 {
				return nil, fmt.Errorf("float32 literal %q out of range", lit)
			}
			v = float64(float32(v))
		}
		return v, nil

	case kind.IsString():
		return unquote(lit), nil
	}
	return nil, fmt.Errorf("kind %s has no literal form", kind)
}

func unquote(lit string) string {
	if len(lit) >= 2 {
		first, last := lit[0], lit[len(lit)-1]
		if (first == '"' || first == '\'') && first == last {
			return lit[1 : len(lit)-1]
		}
	}
	return lit
}

// parseDefault decodes a field default. Array defaults use "[a, b, c]".
func parseDefault(ref TypeRef, lit string) (any, error) {
	if ref.Array == NotArray {
		v, err := parseScalar(ref.Kind, lit)
		if err != nil {
			return nil, err
		}
		if s, ok := v.(string); ok && ref.StringBound > 0 && len(s) > ref.StringBound {
			return nil, fmt.Errorf("default %q exceeds string bound %d", s, ref.StringBound)
		}
		return v, nil
	}

	lit = strings.TrimSpace(lit)
	if !strings.HasPrefix(lit, "[") || !strings.HasSuffix(lit, "]") {
		return nil, fmt.Errorf("array default %q must be bracketed", lit)
	}
	body := strings.TrimSpace(lit[1 : len(lit)-1])

	values := []any{}
	if body != "" {
		for _, item := range strings.Split(body, ",") {
			v, err := parseScalar(ref.Kind, item)
			if err != nil {
				return nil, err
			}
			values = append(values, v)
		}
	}

	switch ref.Array {
	case FixedArray:
		if len(values) != ref.Size {
			return nil, fmt.Errorf("array default has %d elements, want %d", len(values), ref.Size)
		}
	case BoundedArray:
		if len(values) > ref.Size {
			return nil, fmt.Errorf("array default has %d elements, bound is %d", len(values), ref.Size)
		}
	}
	return values, nil
}
