// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

/*
Package core holds the concepts shared by the sonar server and client: names,
message framing, the object schema and its marshalling, privilege
evaluation, the error taxonomy and the job scheduler.

When adding to core:

  - it's fine to import from any subpackage of "github.com/juju/sonar/core"
  - but never import from server, client, cmd or internal
  - nothing in here knows about sockets, listeners or backing stores
*/
package core
