// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package errors_test

import (
	"github.com/juju/errors"
	"github.com/juju/testing"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	sonarerrors "github.com/juju/sonar/core/errors"
)

type errorsSuite struct {
	testing.IsolationSuite
}

var _ = gc.Suite(&errorsSuite{})

func (s *errorsSuite) TestMessages(c *gc.C) {
	c.Check(sonarerrors.AuthenticationRequired.Error(), gc.Equals, "Protocol error: Authentication required")
	c.Check(sonarerrors.NameExists.Error(), gc.Equals, "Namespace error: Name already exists")
	c.Check(sonarerrors.UnableToWrite.Error(), gc.Equals, "Permission denied: Unable to write attribute")
	c.Check(sonarerrors.NewNameUnknown("widget/foo").Error(), gc.Equals, "Namespace error: Name unknown (widget/foo)")
	c.Check(sonarerrors.NewInsufficientPrivileges("widget/foo").Error(), gc.Equals, "Permission denied: Insufficient privileges: widget/foo")
	c.Check(sonarerrors.NewConfigurationError("bad port").Error(), gc.Equals, "Configuration Error: bad port")
}

func (s *errorsSuite) TestKinds(c *gc.C) {
	c.Check(sonarerrors.IsProtocolError(sonarerrors.InvalidParameter), jc.IsTrue)
	c.Check(sonarerrors.IsProtocolError(sonarerrors.NameInvalid), jc.IsFalse)
	c.Check(sonarerrors.IsNamespaceError(sonarerrors.NewNameUnknown("x")), jc.IsTrue)
	c.Check(sonarerrors.IsPermissionDenied(sonarerrors.NewInsufficientPrivileges("x")), jc.IsTrue)
	c.Check(sonarerrors.IsSonarError(errors.New("boom")), jc.IsFalse)

	wrapped := errors.Annotatef(sonarerrors.UnableToAdd, "creating %q", "widget/foo")
	c.Check(sonarerrors.IsPermissionDenied(wrapped), jc.IsTrue)
	c.Check(sonarerrors.Message(wrapped), gc.Equals, "Permission denied: Unable to add object")
	c.Check(sonarerrors.Message(errors.New("boom")), gc.Equals, "boom")
}

func (s *errorsSuite) TestParse(c *gc.C) {
	c.Check(sonarerrors.Parse("Protocol error: Not watching name"), jc.ErrorIs, sonarerrors.NotWatching)
	err := sonarerrors.Parse("Namespace error: Name unknown (widget/foo)")
	c.Check(err, jc.ErrorIs, sonarerrors.NameUnknown)
	c.Check(err, gc.ErrorMatches, `Namespace error: Name unknown \(widget/foo\)`)
	c.Check(sonarerrors.Parse("Permission denied: Insufficient privileges: a"), jc.ErrorIs, sonarerrors.InsufficientPrivileges)
	c.Check(sonarerrors.IsSonarError(sonarerrors.Parse("hello")), jc.IsFalse)
}
