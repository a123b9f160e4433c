// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package namespace

import (
	"sort"

	"github.com/juju/errors"
)

// Kind is the kind of a single attribute value.
type Kind int

const (
	String Kind = iota
	Int
	Short
	Bool
	Float
	Long
	Double
	Object
)

func (k Kind) String() string {
	switch k {
	case String:
		return "string"
	case Int:
		return "int"
	case Short:
		return "short"
	case Bool:
		return "bool"
	case Float:
		return "float"
	case Long:
		return "long"
	case Double:
		return "double"
	case Object:
		return "object"
	}
	return "unknown"
}

// Type is the declared type of an attribute.
//
// Go values for each kind are string, int32, int16, bool, float32, int64,
// float64 and SonarObject. Array attributes hold []interface{}.
type Type struct {
	Kind  Kind
	Array bool

	// ObjectTypes lists the type names searched, in order, when
	// resolving an object reference.
	ObjectTypes []string
}

// ObjectOf returns the Type of a reference to an object of the given types.
func ObjectOf(tnames ...string) Type {
	return Type{Kind: Object, ObjectTypes: tnames}
}

// ArrayOf returns the array form of t.
func ArrayOf(t Type) Type {
	t.Array = true
	return t
}

// Attribute describes one attribute of a type.
type Attribute struct {
	Name string
	Type Type

	// Get returns the current value. Attributes without Get are not
	// readable and are never sent to clients.
	Get func(SonarObject) interface{}

	// Set is the mutator of a live object. Attributes without Set are
	// read only.
	Set func(SonarObject, interface{}) error

	// Field assigns a value without validation or side effects. It is
	// used when loading from a backing store, when building phantom
	// objects and when rolling back a failed write. If nil, Set is used.
	Field func(SonarObject, interface{})

	// Hidden attributes are stored but never sent to clients.
	Hidden bool
}

// Readable reports whether the attribute can be read by clients.
func (a Attribute) Readable() bool {
	return a.Get != nil && !a.Hidden
}

// Stored reports whether the attribute is kept in a backing store.
func (a Attribute) Stored() bool {
	return a.Get != nil
}

// Writable reports whether the attribute can be updated.
func (a Attribute) Writable() bool {
	return a.Set != nil
}

// Schema describes a type: how to create objects of it and which
// attributes they expose.
type Schema struct {
	TypeName string

	// New creates an empty object with the given name. It is used for
	// phantom objects and for objects created by clients. A nil New
	// means clients cannot create objects of the type.
	New func(oname string) SonarObject

	attrs map[string]Attribute
	order []string
}

// NewSchema returns a schema for a type with the given attributes.
func NewSchema(tname string, newObject func(string) SonarObject, attrs ...Attribute) (*Schema, error) {
	if tname == "" {
		return nil, errors.NotValidf("empty type name")
	}
	s := &Schema{
		TypeName: tname,
		New:      newObject,
		attrs:    make(map[string]Attribute, len(attrs)),
	}
	for _, a := range attrs {
		if a.Name == "" {
			return nil, errors.NotValidf("%s attribute with empty name", tname)
		}
		if _, ok := s.attrs[a.Name]; ok {
			return nil, errors.NotValidf("%s duplicate attribute %q", tname, a.Name)
		}
		s.attrs[a.Name] = a
		s.order = append(s.order, a.Name)
	}
	sort.Strings(s.order)
	return s, nil
}

// MustNewSchema is NewSchema for statically declared schemas.
func MustNewSchema(tname string, newObject func(string) SonarObject, attrs ...Attribute) *Schema {
	s, err := NewSchema(tname, newObject, attrs...)
	if err != nil {
		panic(err)
	}
	return s
}

// Attribute returns the named attribute.
func (s *Schema) Attribute(aname string) (Attribute, bool) {
	a, ok := s.attrs[aname]
	return a, ok
}

// Attributes returns all attributes sorted by name.
func (s *Schema) Attributes() []Attribute {
	out := make([]Attribute, 0, len(s.order))
	for _, n := range s.order {
		out = append(out, s.attrs[n])
	}
	return out
}
