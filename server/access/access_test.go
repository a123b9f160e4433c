// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package access_test

import (
	"github.com/juju/testing"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	sonarerrors "github.com/juju/sonar/core/errors"
	"github.com/juju/sonar/core/name"
	"github.com/juju/sonar/core/namespace"
	"github.com/juju/sonar/server"
	"github.com/juju/sonar/server/access"
)

type accessSuite struct {
	testing.IsolationSuite

	ns *server.Namespace
}

var _ = gc.Suite(&accessSuite{})

func (s *accessSuite) SetUpTest(c *gc.C) {
	s.IsolationSuite.SetUpTest(c)
	s.ns = server.NewNamespace(nil)
	for _, schema := range access.Schemas() {
		s.ns.RegisterType(schema, false)
	}
}

func (s *accessSuite) set(c *gc.C, path string, values ...string) {
	phantom, err := s.ns.SetAttribute(name.New(path), values)
	c.Assert(err, jc.ErrorIsNil)
	if phantom != nil {
		c.Assert(s.ns.AddObject(phantom), jc.ErrorIsNil)
	}
}

func (s *accessSuite) TestValidatePattern(c *gc.C) {
	for _, pattern := range []string{"", "a/.*", "widget/(a.)?", "x+/y"} {
		c.Check(access.ValidatePattern(pattern), jc.ErrorIsNil, gc.Commentf("%q", pattern))
	}
	for _, pattern := range []string{"a/(.*", "a b", "a|b", "[a]"} {
		c.Check(access.ValidatePattern(pattern), jc.ErrorIs, sonarerrors.PatternInvalid, gc.Commentf("%q", pattern))
	}
}

func (s *accessSuite) TestPrivilegeMatchesWholeName(c *gc.C) {
	p := access.NewPrivilege("p")
	c.Assert(p.SetPattern("a/.*"), jc.ErrorIsNil)
	c.Check(p.Matches(name.New("a/b")), jc.IsTrue)
	c.Check(p.Matches(name.New("a/b/c")), jc.IsTrue)
	c.Check(p.Matches(name.New("ba/b")), jc.IsFalse)
	c.Check(p.Matches(name.New("a")), jc.IsFalse)
}

func (s *accessSuite) TestSetPatternKeepsOldOnFailure(c *gc.C) {
	p := access.NewPrivilege("p")
	c.Assert(p.SetPattern("a/.*"), jc.ErrorIsNil)
	c.Assert(p.SetPattern("a/(.*"), jc.ErrorIs, sonarerrors.PatternInvalid)
	c.Check(p.Pattern(), gc.Equals, "a/.*")
}

func (s *accessSuite) TestPrivilegeThroughNamespace(c *gc.C) {
	s.set(c, "capability/cap/enabled", "true")
	s.set(c, "privilege/p/capability", "cap")
	s.set(c, "privilege/p/pattern", "a/.*")
	s.set(c, "privilege/p/privR", "true")
	s.set(c, "role/r/capabilities", "cap")
	s.set(c, "role/r/enabled", "true")
	s.set(c, "user/u/role", "r")
	s.set(c, "user/u/enabled", "true")

	u := s.ns.LookupObject(namespace.UserType, "u").(namespace.User)
	c.Check(namespace.CanRead(s.ns, name.New("a/b"), u), jc.IsTrue)
	c.Check(namespace.CanUpdate(s.ns, name.New("a/b"), u), jc.IsFalse)
	c.Check(namespace.CanRead(s.ns, name.New("b/b"), u), jc.IsFalse)

	s.set(c, "capability/cap/enabled", "false")
	c.Check(namespace.CanRead(s.ns, name.New("a/b"), u), jc.IsFalse)
}

func (s *accessSuite) TestInvalidPatternRejectedThroughNamespace(c *gc.C) {
	s.set(c, "privilege/p/pattern", "a/.*")
	_, err := s.ns.SetAttribute(name.New("privilege/p/pattern"), []string{"a/(.*"})
	c.Assert(err, jc.ErrorIs, sonarerrors.PatternInvalid)
	p := s.ns.LookupObject(namespace.PrivilegeType, "p").(*access.Privilege)
	c.Check(p.Pattern(), gc.Equals, "a/.*")
}

func (s *accessSuite) TestRoleDropsUnknownCapabilities(c *gc.C) {
	s.set(c, "capability/one/enabled", "true")
	s.set(c, "role/r/capabilities", "one", "missing")
	r := s.ns.LookupObject(namespace.RoleType, "r").(*access.Role)
	caps := r.Capabilities()
	c.Assert(caps, gc.HasLen, 1)
	c.Check(caps[0].(namespace.SonarObject).Name(), gc.Equals, "one")

	values, err := s.ns.GetAttribute(name.New("role/r/capabilities"))
	c.Assert(err, jc.ErrorIsNil)
	c.Check(values, jc.DeepEquals, []string{"one"})
}

func (s *accessSuite) TestUserDefaults(c *gc.C) {
	u := access.NewUser("bob")
	c.Check(u.Dn(), gc.Equals, "cn=bob")
	c.Check(u.Enabled(), jc.IsFalse)
	c.Check(u.Role(), gc.IsNil)
	c.Check(u.CheckPassword(""), jc.IsFalse)
}

func (s *accessSuite) TestUserPassword(c *gc.C) {
	u := access.NewUser("bob")
	c.Assert(u.SetPassword("secret"), jc.ErrorIsNil)
	c.Check(u.CheckPassword("secret"), jc.IsTrue)
	c.Check(u.CheckPassword("Secret"), jc.IsFalse)
}

func (s *accessSuite) TestPasswordIsWriteOnly(c *gc.C) {
	s.set(c, "user/bob/password", "secret")
	_, err := s.ns.GetAttribute(name.New("user/bob/password"))
	c.Check(err, jc.ErrorIs, sonarerrors.UnableToRead)
	_, err = s.ns.GetAttribute(name.New("user/bob/passwordHash"))
	c.Check(err, jc.ErrorIs, sonarerrors.UnableToRead)
	c.Check(s.ns.IsReadable(name.New("user/bob/passwordHash")), jc.IsFalse)

	u := s.ns.LookupObject(namespace.UserType, "bob").(*access.User)
	c.Check(u.CheckPassword("secret"), jc.IsTrue)
}

func (s *accessSuite) TestPasswordHashCannotBeWritten(c *gc.C) {
	_, err := s.ns.SetAttribute(name.New("user/bob/passwordHash"), []string{"salt$hash"})
	c.Check(err, jc.ErrorIs, sonarerrors.UnableToWrite)
}

func (s *accessSuite) TestPasswordHashRestored(c *gc.C) {
	orig := access.NewUser("bob")
	c.Assert(orig.SetPassword("secret"), jc.ErrorIsNil)
	a, ok := access.UserSchema.Attribute("passwordHash")
	c.Assert(ok, jc.IsTrue)
	stored := namespace.Marshal(a.Type, a.Get(orig))

	err := s.ns.Restore(namespace.UserType, "bob", map[string][]string{
		"passwordHash": stored,
		"fullName":     {"Bob"},
		"obsolete":     {"x"},
	})
	c.Assert(err, jc.ErrorIsNil)
	u := s.ns.LookupObject(namespace.UserType, "bob").(*access.User)
	c.Check(u.FullName(), gc.Equals, "Bob")
	c.Check(u.CheckPassword("secret"), jc.IsTrue)
}
