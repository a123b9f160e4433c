// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package name provides the three level hierarchical names used to address
// types, objects and attributes in a SONAR namespace.
package name

import (
	"regexp"
	"strings"
)

// Sep separates the parts of a name.
const Sep = "/"

// Name is an immutable path of the form type/object/attribute. Any suffix of
// the path may be omitted; the empty path is the root of the namespace.
type Name struct {
	path  string
	parts []string
}

// New parses a name from its path. Trailing empty parts are dropped, while
// interior ones are retained, so "widget//size" has an empty object part.
func New(path string) Name {
	return Name{path: path, parts: split(path)}
}

func split(path string) []string {
	if path == "" {
		return nil
	}
	parts := strings.Split(path, Sep)
	for len(parts) > 0 && parts[len(parts)-1] == "" {
		parts = parts[:len(parts)-1]
	}
	return parts
}

// Root returns the root name.
func Root() Name {
	return Name{}
}

// ForType returns the name of a type.
func ForType(tname string) Name {
	return New(tname)
}

// ForObject returns the name of an object of a type.
func ForObject(tname, oname string) Name {
	return New(tname + Sep + oname)
}

// ForAttribute returns the name of an attribute of an object.
func ForAttribute(tname, oname, aname string) Name {
	return New(tname + Sep + oname + Sep + aname)
}

// IsRoot reports whether the name has no parts.
func (n Name) IsRoot() bool {
	return len(n.parts) == 0
}

// IsType reports whether the name addresses a type.
func (n Name) IsType() bool {
	return len(n.parts) == 1
}

// IsObject reports whether the name addresses an object.
func (n Name) IsObject() bool {
	return len(n.parts) == 2
}

// IsAttribute reports whether the name addresses an attribute. Names with
// more than three parts are classified here too; see Valid.
func (n Name) IsAttribute() bool {
	return len(n.parts) >= 3
}

// Valid reports whether the name has no more than three parts.
func (n Name) Valid() bool {
	return len(n.parts) <= 3
}

// String returns the path the name was built from.
func (n Name) String() string {
	return n.path
}

func (n Name) part(i int) string {
	if len(n.parts) > i {
		return n.parts[i]
	}
	return ""
}

// TypePart returns the type part of the name, or "".
func (n Name) TypePart() string {
	return n.part(0)
}

// ObjectPart returns the object part of the name, or "".
func (n Name) ObjectPart() string {
	return n.part(1)
}

// AttributePart returns the attribute part of the name, or "".
func (n Name) AttributePart() string {
	return n.part(2)
}

// ObjectName returns "type/object".
func (n Name) ObjectName() string {
	return n.TypePart() + Sep + n.ObjectPart()
}

// AttributeName returns "type//attribute", the object-independent form of
// an attribute name.
func (n Name) AttributeName() string {
	return n.TypePart() + Sep + Sep + n.AttributePart()
}

// Matches reports whether the whole path matches the regular expression
// pattern. Invalid patterns never match.
func (n Name) Matches(pattern string) bool {
	re, err := compile(pattern)
	if err != nil {
		return false
	}
	return re.MatchString(n.path)
}

// MatchesRegexp reports whether the whole path matches an already compiled
// anchored expression, as returned by Compile.
func (n Name) MatchesRegexp(re *regexp.Regexp) bool {
	return re.MatchString(n.path)
}

// Compile compiles a privilege pattern so that it must match a whole path.
func Compile(pattern string) (*regexp.Regexp, error) {
	return compile(pattern)
}

func compile(pattern string) (*regexp.Regexp, error) {
	return regexp.Compile("^(?:" + pattern + ")$")
}
