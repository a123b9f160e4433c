// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package access implements the access control objects of a SONAR
// namespace: privileges, capabilities, roles and users.
package access

import (
	"sync"

	"github.com/juju/sonar/core/namespace"
)

type base struct {
	mu    sync.RWMutex
	tname string
	name  string
}

// TypeName is part of the namespace.SonarObject interface.
func (b *base) TypeName() string {
	return b.tname
}

// Name is part of the namespace.SonarObject interface.
func (b *base) Name() string {
	return b.name
}

// Destroy is part of the namespace.SonarObject interface.
func (b *base) Destroy() error {
	return nil
}

// String returns the object name.
func (b *base) String() string {
	return b.name
}

func boolValue(v interface{}) bool {
	b, _ := v.(bool)
	return b
}

func stringValue(v interface{}) string {
	s, _ := v.(string)
	return s
}

// Schemas returns the schemas of the access control types in the order
// they must be loaded, so that references resolve.
func Schemas() []*namespace.Schema {
	return []*namespace.Schema{
		CapabilitySchema,
		PrivilegeSchema,
		RoleSchema,
		UserSchema,
	}
}
