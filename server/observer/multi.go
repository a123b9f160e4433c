// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package observer

import (
	"github.com/juju/sonar/server"
)

// Multi returns a monitor which passes every event to each of monitors in
// turn.
func Multi(monitors ...server.AccessMonitor) server.AccessMonitor {
	return multi(monitors)
}

type multi []server.AccessMonitor

func (m multi) Connect(addr string) {
	for _, o := range m {
		o.Connect(addr)
	}
}

func (m multi) Authenticate(addr, user string) {
	for _, o := range m {
		o.Authenticate(addr, user)
	}
}

func (m multi) Fail(addr, user string) {
	for _, o := range m {
		o.Fail(addr, user)
	}
}

func (m multi) Disconnect(addr, user string) {
	for _, o := range m {
		o.Disconnect(addr, user)
	}
}
