// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package namespace

import (
	"github.com/juju/sonar/core/name"
)

// Action is an operation checked against privileges.
type Action int

const (
	Read Action = iota
	Update
	Add
	Remove
)

func (a Action) String() string {
	switch a {
	case Read:
		return "read"
	case Update:
		return "update"
	case Add:
		return "add"
	case Remove:
		return "remove"
	}
	return "unknown"
}

// PatternMatcher may be implemented by privileges which keep a compiled
// pattern, avoiding a compile per check.
type PatternMatcher interface {
	Matches(name.Name) bool
}

func granted(a Action, p Privilege) bool {
	switch a {
	case Read:
		return p.PrivR()
	case Update:
		return p.PrivW()
	case Add:
		return p.PrivC()
	case Remove:
		return p.PrivD()
	}
	return false
}

// Can reports whether u may perform action a on n. The user and its role
// must be enabled, and an enabled capability of the role must hold a
// privilege for the action whose pattern matches the whole name.
// Privileges are found by scanning every object of PrivilegeType.
func Can(l Lookup, a Action, n name.Name, u User) bool {
	if isNil(u) || !u.Enabled() {
		return false
	}
	r := u.Role()
	if isNil(r) || !r.Enabled() {
		return false
	}
	for _, c := range r.Capabilities() {
		if isNil(c) || !c.Enabled() {
			continue
		}
		if canCapability(l, a, n, c) {
			return true
		}
	}
	return false
}

func canCapability(l Lookup, a Action, n name.Name, c Capability) bool {
	for _, o := range l.Objects(PrivilegeType) {
		p, ok := o.(Privilege)
		if !ok {
			continue
		}
		if !SameObject(p.Capability(), c) || !granted(a, p) {
			continue
		}
		if matches(n, p) {
			return true
		}
	}
	return false
}

func matches(n name.Name, p Privilege) bool {
	if m, ok := p.(PatternMatcher); ok {
		return m.Matches(n)
	}
	return n.Matches(p.Pattern())
}

// CanRead reports whether u may read n.
func CanRead(l Lookup, n name.Name, u User) bool {
	return Can(l, Read, n, u)
}

// CanUpdate reports whether u may update n.
func CanUpdate(l Lookup, n name.Name, u User) bool {
	return Can(l, Update, n, u)
}

// CanAdd reports whether u may add n.
func CanAdd(l Lookup, n name.Name, u User) bool {
	return Can(l, Add, n, u)
}

// CanRemove reports whether u may remove n.
func CanRemove(l Lookup, n name.Name, u User) bool {
	return Can(l, Remove, n, u)
}
