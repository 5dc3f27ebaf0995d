package msgtype

import (
	"fmt"
	"strings"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/c360/semstreams-robotics/errors"
)

// DefaultCacheSize bounds the resolver cache when no size is configured.
const DefaultCacheSize = 256

var sectionSuffixes = map[Category][]string{
	CategorySrv:    {"_Request", "_Response"},
	CategoryAction: {"_Goal", "_Result", "_Feedback"},
}

// Resolver turns type identifiers into descriptors. Results are cached by
// identifier so repeated lookups skip parsing and nested resolution.
type Resolver struct {
	registry *Registry
	cache    *lru.Cache[string, *Descriptor]

	hits   atomic.Uint64
	misses atomic.Uint64
}

// NewResolver creates a resolver over registry with an LRU of cacheSize
// descriptors (DefaultCacheSize when cacheSize <= 0).
func NewResolver(registry *Registry, cacheSize int) (*Resolver, error) {
	if registry == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Resolver", "NewResolver", "registry validation")
	}
	if cacheSize <= 0 {
		cacheSize = DefaultCacheSize
	}
	cache, err := lru.New[string, *Descriptor](cacheSize)
	if err != nil {
		return nil, errors.WrapInvalid(err, "Resolver", "NewResolver", "create cache")
	}
	return &Resolver{registry: registry, cache: cache}, nil
}

// Registry returns the registry backing the resolver.
func (r *Resolver) Registry() *Registry {
	return r.registry
}

// Stats returns cache hit and miss counts.
func (r *Resolver) Stats() (hits, misses uint64) {
	return r.hits.Load(), r.misses.Load()
}

// Resolve returns the descriptor for typeID. Failures wrap ErrResolution.
func (r *Resolver) Resolve(typeID string) (*Descriptor, error) {
	if d, ok := r.cache.Get(typeID); ok {
		r.hits.Add(1)
		return d, nil
	}
	r.misses.Add(1)

	id, err := ParseID(typeID)
	if err != nil {
		return nil, err
	}

	def, ok := r.registry.Lookup(id)
	if !ok {
		return nil, errors.WrapInvalid(
			errors.Tag(errors.ErrResolution, fmt.Errorf("type %q is not registered", typeID)),
			"Resolver", "Resolve", "lookup type")
	}

	b := &builder{registry: r.registry, done: map[string]*Message{}, visiting: map[string]bool{}}
	desc := &Descriptor{ID: id}

	switch id.Category {
	case CategoryMsg:
		desc.Message, err = b.message(id.String(), def.Sections[0])
	case CategorySrv, CategoryAction:
		msgs := make([]*Message, len(def.Sections))
		for i, sec := range def.Sections {
			name := id.String() + sectionSuffixes[id.Category][i]
			if msgs[i], err = b.message(name, sec); err != nil {
				break
			}
		}
		if err == nil {
			if id.Category == CategorySrv {
				desc.Request, desc.Response = msgs[0], msgs[1]
			} else {
				desc.Goal, desc.Result, desc.Feedback = msgs[0], msgs[1], msgs[2]
			}
		}
	}
	if err != nil {
		return nil, errors.WrapInvalid(errors.Tag(errors.ErrResolution, err), "Resolver", "Resolve", "build "+typeID)
	}

	r.cache.Add(typeID, desc)
	return desc, nil
}

// builder resolves one descriptor; nested messages are shared within it.
type builder struct {
	registry *Registry
	done     map[string]*Message
	visiting map[string]bool
}

func (b *builder) message(name string, sec Section) (*Message, error) {
	msg := &Message{Name: name, index: make(map[string]int, len(sec.Fields))}

	for _, c := range sec.Constants {
		v, err := parseScalar(c.Type.Kind, c.Value)
		if err != nil {
			return nil, fmt.Errorf("%s constant %s: %w", name, c.Name, err)
		}
		msg.Constants = append(msg.Constants, Constant{Name: c.Name, Kind: c.Type.Kind, Value: v})
	}

	for i, fs := range sec.Fields {
		f := &Field{
			Name:        fs.Name,
			Kind:        fs.Type.Kind,
			StringBound: fs.Type.StringBound,
			Array:       fs.Type.Array,
			Size:        fs.Type.Size,
		}

		if fs.Type.Kind == KindMessage {
			nested, err := b.reference(fs.Type.Ref)
			if err != nil {
				return nil, fmt.Errorf("%s.%s: %w", name, fs.Name, err)
			}
			f.Message = nested
		}

		if fs.HasDefault {
			v, err := parseDefault(fs.Type, fs.Default)
			if err != nil {
				return nil, fmt.Errorf("%s.%s default: %w", name, fs.Name, err)
			}
			f.Default = v
		}

		msg.Fields = append(msg.Fields, f)
		msg.index[fs.Name] = i
	}
	return msg, nil
}

func (b *builder) reference(id ID) (*Message, error) {
	key := id.String()
	if m, ok := b.done[key]; ok {
		return m, nil
	}
	if b.visiting[key] {
		return nil, fmt.Errorf("recursive type reference through %s", key)
	}

	def, ok := b.registry.Lookup(id)
	if !ok {
		return nil, fmt.Errorf("referenced type %q is not registered", key)
	}

	b.visiting[key] = true
	m, err := b.message(key, def.Sections[0])
	delete(b.visiting, key)
	if err != nil {
		return nil, err
	}

	b.done[key] = m
	return m, nil
}

// Describe renders a message layout as definition text, useful for logs and
// the type listing endpoint.
func Describe(m *Message) string {
	var sb strings.Builder
	for _, f := range m.Fields {
		typ := f.Kind.String()
		if f.Kind == KindMessage {
			typ = f.Message.Name
		}
		if f.StringBound > 0 {
			typ += fmt.Sprintf("<=%d", f.StringBound)
		}
		switch f.Array {
		case UnboundedArray:
			typ += "[]"
		case FixedArray:
			typ += fmt.Sprintf("[%d]", f.Size)
		case BoundedArray:
			typ += fmt.Sprintf("[<=%d]", f.Size)
		}
		fmt.Fprintf(&sb, "%s %s\n", typ, f.Name)
	}
	return sb.String()
}
