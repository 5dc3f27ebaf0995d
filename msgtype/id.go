package msgtype

import (
	"fmt"
	"strings"

	"github.com/c360/semstreams-robotics/errors"
)

// Category is the interface category segment of a type identifier.
type Category string

// Supported categories
const (
	CategoryMsg    Category = "msg"
	CategorySrv    Category = "srv"
	CategoryAction Category = "action"
)

// Valid reports whether c is one of the known categories.
func (c Category) Valid() bool {
	switch c {
	case CategoryMsg, CategorySrv, CategoryAction:
		return true
	}
	return false
}

// ID names an interface type as "package/category/Name".
type ID struct {
	Package  string
	Category Category
	Name     string
}

// String returns the canonical "package/category/Name" form.
func (id ID) String() string {
	return id.Package + "/" + string(id.Category) + "/" + id.Name
}

// ParseID parses a type identifier. It must have exactly three non-empty
// segments and a known category.
func ParseID(s string) (ID, error) {
	parts := strings.Split(s, "/")
	if len(parts) != 3 {
		return ID{}, errors.WrapInvalid(
			errors.Tag(errors.ErrResolution, fmt.Errorf("type id %q must have 3 segments, got %d", s, len(parts))),
			"msgtype", "ParseID", "segment count")
	}
	for i, p := range parts {
		if p == "" || strings.TrimSpace(p) != p {
			return ID{}, errors.WrapInvalid(
				errors.Tag(errors.ErrResolution, fmt.Errorf("type id %q has empty segment %d", s, i)),
				"msgtype", "ParseID", "segment check")
		}
	}

	id := ID{Package: parts[0], Category: Category(parts[1]), Name: parts[2]}
	if !id.Category.Valid() {
		return ID{}, errors.WrapInvalid(
			errors.Tag(errors.ErrResolution, fmt.Errorf("type id %q has unknown category %q", s, parts[1])),
			"msgtype", "ParseID", "category check")
	}
	return id, nil
}

// MustParseID is ParseID for identifiers known at compile time.
func MustParseID(s string) ID {
	id, err := ParseID(s)
	if err != nil {
		panic(err)
	}
	return id
}
