// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package observer

import (
	"github.com/juju/pubsub/v2"
)

// Topics published by HubMonitor. The data for each is an Event.
const (
	ConnectTopic      = "sonar.access.connect"
	AuthenticateTopic = "sonar.access.authenticate"
	FailTopic         = "sonar.access.fail"
	DisconnectTopic   = "sonar.access.disconnect"
)

// Event describes one access event.
type Event struct {
	Addr string
	User string
}

// HubMonitor publishes access events on a hub so that other parts of the
// daemon can react to them without blocking the task processor.
type HubMonitor struct {
	hub *pubsub.SimpleHub
}

// NewHubMonitor returns a HubMonitor publishing on hub.
func NewHubMonitor(hub *pubsub.SimpleHub) *HubMonitor {
	return &HubMonitor{hub: hub}
}

func (m *HubMonitor) publish(topic, addr, user string) {
	_ = m.hub.Publish(topic, Event{Addr: addr, User: user})
}

// Connect is part of the server.AccessMonitor interface.
func (m *HubMonitor) Connect(addr string) {
	m.publish(ConnectTopic, addr, "")
}

// Authenticate is part of the server.AccessMonitor interface.
func (m *HubMonitor) Authenticate(addr, user string) {
	m.publish(AuthenticateTopic, addr, user)
}

// Fail is part of the server.AccessMonitor interface.
func (m *HubMonitor) Fail(addr, user string) {
	m.publish(FailTopic, addr, user)
}

// Disconnect is part of the server.AccessMonitor interface.
func (m *HubMonitor) Disconnect(addr, user string) {
	m.publish(DisconnectTopic, addr, user)
}
