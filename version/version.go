// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package version holds the version of the sonar server and tools.
package version

import (
	semversion "github.com/juju/version/v2"
)

// The presence and format of this constant is very important.
// Release tooling parses it to tag builds.
const version = "0.1.0"

// Current gives the current version of the sonar binaries.
var Current = semversion.MustParse(version)
