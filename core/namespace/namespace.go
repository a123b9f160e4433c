// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package namespace holds what the server and client namespaces share: the
// SonarObject contract, attribute schemas, value marshalling and privilege
// evaluation.
package namespace

import (
	"github.com/juju/sonar/core/name"
)

// Type names of the built in access control objects.
const (
	PrivilegeType  = "privilege"
	CapabilityType = "capability"
	RoleType       = "role"
	UserType       = "user"
	ConnectionType = "connection"
)

// SonarObject is implemented by everything stored in a namespace.
type SonarObject interface {
	// TypeName returns the name of the type, shared by all objects of
	// the same kind.
	TypeName() string

	// Name returns the object name, unique within the type.
	Name() string

	// Destroy is called when the object is removed from the namespace so
	// that any backing store can drop it.
	Destroy() error
}

// NameOf returns the namespace name of an object.
func NameOf(o SonarObject) name.Name {
	return name.ForObject(o.TypeName(), o.Name())
}

// Lookup resolves objects by type and name.
type Lookup interface {
	// LookupObject returns the named object, or nil if it does not exist.
	LookupObject(tname, oname string) SonarObject

	// Objects returns every object of a type.
	Objects(tname string) []SonarObject
}

// Capability is a named, switchable group of privileges.
type Capability interface {
	SonarObject
	Enabled() bool
}

// Privilege grants actions on names matching a pattern to a capability.
type Privilege interface {
	SonarObject
	Capability() Capability
	Pattern() string
	PrivR() bool
	PrivW() bool
	PrivC() bool
	PrivD() bool
}

// Role groups capabilities for users.
type Role interface {
	SonarObject
	Enabled() bool
	Capabilities() []Capability
}

// User is an account which may log in.
type User interface {
	SonarObject
	FullName() string
	Dn() string
	Role() Role
	Enabled() bool
}

// Connection is a client session.
type Connection interface {
	SonarObject
	User() User
	SessionID() int64
}

// SameObject reports whether a and b refer to the same namespace entry.
func SameObject(a, b SonarObject) bool {
	if isNil(a) || isNil(b) {
		return isNil(a) && isNil(b)
	}
	return a.TypeName() == b.TypeName() && a.Name() == b.Name()
}
