// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package access

import (
	"crypto/subtle"
	"strings"

	"github.com/juju/errors"
	"github.com/juju/utils/v4"

	"github.com/juju/sonar/core/namespace"
)

// User is an account which may log in to the server.
type User struct {
	base
	fullName string
	dn       string
	role     namespace.Role
	enabled  bool

	salt string
	hash string
}

// NewUser returns a disabled user without a password.
func NewUser(name string) *User {
	return &User{
		base: base{tname: namespace.UserType, name: name},
		dn:   "cn=" + name,
	}
}

// FullName is part of the namespace.User interface.
func (u *User) FullName() string {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.fullName
}

// SetFullName sets the display name of the user.
func (u *User) SetFullName(fullName string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.fullName = fullName
}

// Dn is part of the namespace.User interface.
func (u *User) Dn() string {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.dn
}

// SetDn sets the distinguished name used by directory providers.
func (u *User) SetDn(dn string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.dn = dn
}

// Role is part of the namespace.User interface.
func (u *User) Role() namespace.Role {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.role
}

// SetRole assigns a role.
func (u *User) SetRole(r namespace.Role) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.role = r
}

// Enabled is part of the namespace.User interface.
func (u *User) Enabled() bool {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.enabled
}

// SetEnabled enables or disables the user.
func (u *User) SetEnabled(enabled bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.enabled = enabled
}

// SetPassword stores a salted hash of password.
func (u *User) SetPassword(password string) error {
	salt, err := utils.RandomSalt()
	if err != nil {
		return errors.Annotate(err, "generating salt")
	}
	hash := utils.UserPasswordHash(password, salt)
	u.mu.Lock()
	defer u.mu.Unlock()
	u.salt, u.hash = salt, hash
	return nil
}

// CheckPassword reports whether password matches the stored hash. A user
// without a password never matches.
func (u *User) CheckPassword(password string) bool {
	u.mu.RLock()
	salt, hash := u.salt, u.hash
	u.mu.RUnlock()
	if hash == "" {
		return false
	}
	candidate := utils.UserPasswordHash(password, salt)
	return subtle.ConstantTimeCompare([]byte(candidate), []byte(hash)) == 1
}

func (u *User) passwordHash() string {
	u.mu.RLock()
	defer u.mu.RUnlock()
	if u.hash == "" {
		return ""
	}
	return u.salt + "$" + u.hash
}

func (u *User) setPasswordHash(v string) {
	salt, hash, ok := strings.Cut(v, "$")
	if !ok {
		salt, hash = "", ""
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	u.salt, u.hash = salt, hash
}

// UserSchema describes the user type. The password is write only; its
// salted hash is kept in a hidden attribute so that it survives restarts.
var UserSchema = namespace.MustNewSchema(namespace.UserType,
	func(name string) namespace.SonarObject { return NewUser(name) },
	namespace.Attribute{
		Name: "fullName",
		Type: namespace.Type{Kind: namespace.String},
		Get:  func(o namespace.SonarObject) interface{} { return o.(*User).FullName() },
		Set: func(o namespace.SonarObject, v interface{}) error {
			o.(*User).SetFullName(stringValue(v))
			return nil
		},
	},
	namespace.Attribute{
		Name: "dn",
		Type: namespace.Type{Kind: namespace.String},
		Get:  func(o namespace.SonarObject) interface{} { return o.(*User).Dn() },
		Set: func(o namespace.SonarObject, v interface{}) error {
			o.(*User).SetDn(stringValue(v))
			return nil
		},
	},
	namespace.Attribute{
		Name: "role",
		Type: namespace.ObjectOf(namespace.RoleType),
		Get: func(o namespace.SonarObject) interface{} {
			if r := o.(*User).Role(); r != nil {
				return r
			}
			return nil
		},
		Set: func(o namespace.SonarObject, v interface{}) error {
			r, _ := v.(namespace.Role)
			o.(*User).SetRole(r)
			return nil
		},
	},
	namespace.Attribute{
		Name: "enabled",
		Type: namespace.Type{Kind: namespace.Bool},
		Get:  func(o namespace.SonarObject) interface{} { return o.(*User).Enabled() },
		Set: func(o namespace.SonarObject, v interface{}) error {
			o.(*User).SetEnabled(boolValue(v))
			return nil
		},
	},
	namespace.Attribute{
		Name: "password",
		Type: namespace.Type{Kind: namespace.String},
		Set: func(o namespace.SonarObject, v interface{}) error {
			return o.(*User).SetPassword(stringValue(v))
		},
	},
	namespace.Attribute{
		Name:   "passwordHash",
		Type:   namespace.Type{Kind: namespace.String},
		Hidden: true,
		Get:    func(o namespace.SonarObject) interface{} { return o.(*User).passwordHash() },
		Field: func(o namespace.SonarObject, v interface{}) {
			o.(*User).setPasswordHash(stringValue(v))
		},
	},
)
