// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package client keeps a local cache of the objects a SONAR server
// holds. A ClientNamespace has one TypeCache per type of interest; the
// Client applies the records sent by the server to it, and requests made
// through a TypeCache or Proxy are sent back to the server.
package client
