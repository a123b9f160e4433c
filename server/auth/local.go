// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package auth

import (
	"context"

	"github.com/juju/sonar/core/namespace"
)

// PasswordChecker is implemented by users which hold a password hash.
type PasswordChecker interface {
	CheckPassword(password string) bool
}

// LocalProvider checks passwords against the hash held by the user object.
type LocalProvider struct{}

// Authenticate is part of the Provider interface.
func (LocalProvider) Authenticate(_ context.Context, u namespace.User, name string, password []byte) bool {
	if u.Name() != name {
		return false
	}
	pc, ok := u.(PasswordChecker)
	if !ok {
		return false
	}
	return pc.CheckPassword(string(password))
}

// AllowAllProvider accepts any password for an existing, enabled user.
// It is meant for test fixtures and closed development setups.
type AllowAllProvider struct{}

// Authenticate is part of the Provider interface.
func (AllowAllProvider) Authenticate(context.Context, namespace.User, string, []byte) bool {
	return true
}
