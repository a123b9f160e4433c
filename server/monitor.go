// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package server

// AccessMonitor is told about connection lifecycle and login events.
// Methods are called on the task processor and must not block.
type AccessMonitor interface {
	// Connect is called when a client connects from addr.
	Connect(addr string)

	// Authenticate is called after user logged in from addr.
	Authenticate(addr, user string)

	// Fail is called after a failed login attempt by user from addr.
	Fail(addr, user string)

	// Disconnect is called when the connection from addr is closed. The
	// user is empty if nobody logged in.
	Disconnect(addr, user string)
}

type noopMonitor struct{}

func (noopMonitor) Connect(string)              {}
func (noopMonitor) Authenticate(string, string) {}
func (noopMonitor) Fail(string, string)         {}
func (noopMonitor) Disconnect(string, string)   {}
