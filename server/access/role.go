// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package access

import (
	"github.com/juju/sonar/core/namespace"
)

// Role is a named set of capabilities assigned to users.
type Role struct {
	base
	enabled      bool
	capabilities []namespace.Capability
}

// NewRole returns a disabled role without capabilities.
func NewRole(name string) *Role {
	return &Role{base: base{tname: namespace.RoleType, name: name}}
}

// Enabled is part of the namespace.Role interface.
func (r *Role) Enabled() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.enabled
}

// SetEnabled enables or disables the role.
func (r *Role) SetEnabled(enabled bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.enabled = enabled
}

// Capabilities is part of the namespace.Role interface.
func (r *Role) Capabilities() []namespace.Capability {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]namespace.Capability, len(r.capabilities))
	copy(out, r.capabilities)
	return out
}

// SetCapabilities replaces the capabilities of the role.
func (r *Role) SetCapabilities(caps ...namespace.Capability) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.capabilities = append([]namespace.Capability(nil), caps...)
}

// RoleSchema describes the role type.
var RoleSchema = namespace.MustNewSchema(namespace.RoleType,
	func(name string) namespace.SonarObject { return NewRole(name) },
	namespace.Attribute{
		Name: "enabled",
		Type: namespace.Type{Kind: namespace.Bool},
		Get:  func(o namespace.SonarObject) interface{} { return o.(*Role).Enabled() },
		Set: func(o namespace.SonarObject, v interface{}) error {
			o.(*Role).SetEnabled(boolValue(v))
			return nil
		},
	},
	namespace.Attribute{
		Name: "capabilities",
		Type: namespace.ArrayOf(namespace.ObjectOf(namespace.CapabilityType)),
		Get: func(o namespace.SonarObject) interface{} {
			caps := o.(*Role).Capabilities()
			out := make([]interface{}, len(caps))
			for i, c := range caps {
				out[i] = c
			}
			return out
		},
		Set: func(o namespace.SonarObject, v interface{}) error {
			values, _ := v.([]interface{})
			caps := make([]namespace.Capability, 0, len(values))
			for _, value := range values {
				// Unknown references are dropped.
				if c, ok := value.(namespace.Capability); ok {
					caps = append(caps, c)
				}
			}
			o.(*Role).SetCapabilities(caps...)
			return nil
		},
	},
)
