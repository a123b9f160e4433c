// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package observer

import (
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/juju/loggo/v2"
)

// LogMonitor writes access events to a logger. Disconnections are logged
// with the length of the session.
type LogMonitor struct {
	logger loggo.Logger
	clock  clock.Clock

	mu        sync.Mutex
	connected map[string]time.Time
}

// NewLogMonitor returns a LogMonitor writing to logger.
func NewLogMonitor(logger loggo.Logger, clk clock.Clock) *LogMonitor {
	return &LogMonitor{
		logger:    logger,
		clock:     clk,
		connected: make(map[string]time.Time),
	}
}

// Connect is part of the server.AccessMonitor interface.
func (m *LogMonitor) Connect(addr string) {
	m.mu.Lock()
	m.connected[addr] = m.clock.Now()
	m.mu.Unlock()
	m.logger.Infof("connection from %s", addr)
}

// Authenticate is part of the server.AccessMonitor interface.
func (m *LogMonitor) Authenticate(addr, user string) {
	m.logger.Infof("%s logged in from %s", user, addr)
}

// Fail is part of the server.AccessMonitor interface.
func (m *LogMonitor) Fail(addr, user string) {
	m.logger.Warningf("failed login for %q from %s", user, addr)
}

// Disconnect is part of the server.AccessMonitor interface.
func (m *LogMonitor) Disconnect(addr, user string) {
	m.mu.Lock()
	start, ok := m.connected[addr]
	delete(m.connected, addr)
	m.mu.Unlock()
	var d time.Duration
	if ok {
		d = m.clock.Now().Sub(start)
	}
	if user == "" {
		m.logger.Infof("%s disconnected after %v", addr, d)
		return
	}
	m.logger.Infof("%s (%s) disconnected after %v", addr, user, d)
}
