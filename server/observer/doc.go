// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package observer provides AccessMonitor implementations which log,
// publish or count connection and login events.
package observer
