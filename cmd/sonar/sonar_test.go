// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package main

import (
	"bytes"
	"context"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/juju/loggo/v2"
	"github.com/juju/testing"
	jc "github.com/juju/testing/checkers"
	"github.com/juju/worker/v4/workertest"
	gc "gopkg.in/check.v1"

	"github.com/juju/sonar/cmd"
	cmdtesting "github.com/juju/sonar/cmd/testing"
	sonarerrors "github.com/juju/sonar/core/errors"
	"github.com/juju/sonar/core/namespace"
	"github.com/juju/sonar/server"
	"github.com/juju/sonar/server/access"
	"github.com/juju/sonar/server/auth"
	coretesting "github.com/juju/sonar/testing"
)

type sonarSuite struct {
	testing.IsolationSuite

	ns   *server.Namespace
	addr string
}

var _ = gc.Suite(&sonarSuite{})

func (s *sonarSuite) SetUpTest(c *gc.C) {
	s.IsolationSuite.SetUpTest(c)
	s.AddCleanup(func(*gc.C) { loggo.ResetLogging() })
	s.PatchEnvironment(PasswordEnvKey, "secret")

	s.ns = server.NewNamespace(nil)
	for _, schema := range access.Schemas() {
		s.ns.RegisterType(schema, false)
	}
	s.ns.RegisterType(coretesting.WidgetSchema, false)
	all := access.NewCapability("all")
	all.SetEnabled(true)
	c.Assert(s.ns.AddObject(all), jc.ErrorIsNil)
	everything := access.NewPrivilege("everything")
	everything.SetCapability(all)
	c.Assert(everything.SetPattern(".*"), jc.ErrorIsNil)
	everything.SetFlags(true, true, true, true)
	c.Assert(s.ns.AddObject(everything), jc.ErrorIsNil)
	admin := access.NewRole("admin")
	admin.SetEnabled(true)
	admin.SetCapabilities(all)
	c.Assert(s.ns.AddObject(admin), jc.ErrorIsNil)
	alice := access.NewUser("alice")
	alice.SetEnabled(true)
	alice.SetRole(admin)
	alice.SetFullName("Alice Liddell")
	c.Assert(alice.SetPassword("secret"), jc.ErrorIsNil)
	c.Assert(s.ns.AddObject(alice), jc.ErrorIsNil)

	authenticator, err := auth.NewAuthenticator(auth.Config{
		Clock:  clock.WallClock,
		Logger: coretesting.NoopLogger{},
	})
	c.Assert(err, jc.ErrorIsNil)
	authenticator.AddProvider(auth.LocalProvider{})
	s.AddCleanup(func(c *gc.C) { workertest.CleanKill(c, authenticator) })
	proc, err := server.NewTaskProcessor(server.ProcessorConfig{
		Namespace:     s.ns,
		Authenticator: authenticator,
		Clock:         clock.WallClock,
		Logger:        coretesting.NoopLogger{},
	})
	c.Assert(err, jc.ErrorIsNil)
	s.AddCleanup(func(c *gc.C) { workertest.CleanKill(c, proc) })
	l, err := net.Listen("tcp", "127.0.0.1:0")
	c.Assert(err, jc.ErrorIsNil)
	srv, err := server.NewServer(server.Config{
		Listener:  l,
		Connector: proc,
		Clock:     clock.WallClock,
		Logger:    coretesting.NoopLogger{},
	})
	c.Assert(err, jc.ErrorIsNil)
	s.AddCleanup(func(c *gc.C) { workertest.CleanKill(c, srv) })
	s.addr = srv.Addr().String()
}

func (s *sonarSuite) run(c *gc.C, args ...string) (*cmd.Context, error) {
	ctx := cmdtesting.Context(c)
	return ctx, s.runInContext(ctx, args...)
}

func (s *sonarSuite) runInContext(ctx *cmd.Context, args ...string) error {
	args = append(args[:1:1], append([]string{"--address", s.addr, "--user", "alice", "--timeout", "10s"}, args[1:]...)...)
	return cmdtesting.RunCommandInContext(ctx, NewSonarCommand(), args...)
}

func (s *sonarSuite) widget(name string) *coretesting.Widget {
	w, _ := s.ns.LookupObject("widget", name).(*coretesting.Widget)
	return w
}

func (s *sonarSuite) TestInitErrors(c *gc.C) {
	for i, test := range []struct {
		args []string
		err  string
	}{
		{[]string{"list"}, "no type specified"},
		{[]string{"list", "gadget"}, `type "gadget" not supported`},
		{[]string{"list", "user", "extra"}, `unrecognized args: \["extra"\]`},
		{[]string{"watch"}, "no type specified"},
		{[]string{"create"}, "no object specified"},
		{[]string{"create", "widget"}, `object name "widget" not valid`},
		{[]string{"create", "widget/foo", "size"}, `attribute setting "size" not valid`},
		{[]string{"set", "widget/foo"}, `attribute name "widget/foo" not valid`},
		{[]string{"set", "widget/foo/size"}, "no value specified"},
		{[]string{"set", "--null", "widget/foo/size", "1"}, "--null takes no values"},
		{[]string{"remove", "widget//size"}, `object name "widget//size" not valid`},
	} {
		c.Logf("test %d: %v", i, test.args)
		_, err := cmdtesting.RunCommand(c, NewSonarCommand(), test.args...)
		c.Check(err, gc.ErrorMatches, test.err)
	}
}

func (s *sonarSuite) TestList(c *gc.C) {
	ctx, err := s.run(c, "list", "user")
	c.Assert(err, jc.ErrorIsNil)
	c.Check(cmdtesting.Stdout(ctx), gc.Equals, `
alice:
    dn: cn=alice
    enabled: true
    fullName: Alice Liddell
    role: admin
`[1:])
}

func (s *sonarSuite) TestListJSON(c *gc.C) {
	ctx, err := s.run(c, "list", "--format", "json", "role")
	c.Assert(err, jc.ErrorIsNil)
	c.Check(cmdtesting.Stdout(ctx), gc.Equals, `{"admin":{"capabilities":["all"],"enabled":true}}`+"\n")
}

func (s *sonarSuite) TestLoginFailure(c *gc.C) {
	s.PatchEnvironment(PasswordEnvKey, "wrong")
	_, err := s.run(c, "list", "user")
	c.Check(err, jc.ErrorIs, sonarerrors.AuthenticationFailed)
	c.Check(err, gc.ErrorMatches, "logging in: Permission denied: Authentication failed")
}

func (s *sonarSuite) TestCreateSetRemove(c *gc.C) {
	_, err := s.run(c, "create", "widget/foo", "size=3", "color=red")
	c.Assert(err, jc.ErrorIsNil)
	w := s.widget("foo")
	c.Assert(w, gc.NotNil)
	c.Check(w.Size(), gc.Equals, int32(3))
	c.Check(w.Color(), gc.Equals, "red")

	_, err = s.run(c, "create", "widget/foo")
	c.Check(err, jc.ErrorIs, sonarerrors.NameExists)

	_, err = s.run(c, "set", "widget/foo/size", "7")
	c.Assert(err, jc.ErrorIsNil)
	c.Check(w.Size(), gc.Equals, int32(7))

	_, err = s.run(c, "set", "widget/foo/size", "seven")
	c.Check(err, jc.ErrorIs, sonarerrors.InvalidParameter)

	_, err = s.run(c, "remove", "widget/foo")
	c.Assert(err, jc.ErrorIsNil)
	c.Check(s.widget("foo"), gc.IsNil)
	c.Check(w.Destroyed(), jc.IsTrue)

	_, err = s.run(c, "remove", "widget/foo")
	c.Check(err, gc.ErrorMatches, `Namespace error: Name unknown \(widget/foo\)`)
}

// syncBuffer is written by the client goroutine and read by the test.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func waitForOutput(c *gc.C, out *syncBuffer, expect string) {
	deadline := time.After(coretesting.LongWait)
	for !strings.Contains(out.String(), expect) {
		select {
		case <-deadline:
			c.Fatalf("output %q does not contain %q", out.String(), expect)
		case <-time.After(coretesting.ShortWait / 5):
		}
	}
}

func (s *sonarSuite) TestWatch(c *gc.C) {
	out := &syncBuffer{}
	ctx := cmdtesting.Context(c)
	ctx.Stdout = out
	watchCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ctx.Context = watchCtx
	done := make(chan error, 1)
	go func() { done <- s.runInContext(ctx, "watch", "user") }()

	waitForOutput(c, out, "added alice\ncomplete\n")
	c.Check(out.String(), gc.Equals, "added alice\ncomplete\n")
	_, err := s.run(c, "set", "user/alice/fullName", "Alice")
	c.Assert(err, jc.ErrorIsNil)
	waitForOutput(c, out, "changed alice fullName=Alice\n")
	_, err = s.run(c, "create", "user/bob", "fullName=Bob")
	c.Assert(err, jc.ErrorIsNil)
	waitForOutput(c, out, "added bob\n")
	_, err = s.run(c, "set", "user/bob/role", "admin")
	c.Assert(err, jc.ErrorIsNil)
	waitForOutput(c, out, "changed bob role=admin\n")
	_, err = s.run(c, "set", "--null", "user/bob/role")
	c.Assert(err, jc.ErrorIsNil)
	waitForOutput(c, out, "changed bob role=\n")
	c.Check(out.String(), gc.Not(jc.Contains), "\x00")
	_, err = s.run(c, "remove", "user/bob")
	c.Assert(err, jc.ErrorIsNil)
	waitForOutput(c, out, "removed bob\n")

	cancel()
	select {
	case err := <-done:
		c.Check(err, jc.ErrorIsNil)
	case <-time.After(coretesting.LongWait):
		c.Fatalf("watch did not stop")
	}
}

func (s *sonarSuite) TestPasswd(c *gc.C) {
	ctx := cmdtesting.Context(c)
	ctx.Stdin = strings.NewReader("hunter2\n")
	c.Assert(s.runInContext(ctx, "passwd"), jc.ErrorIsNil)

	s.PatchEnvironment(PasswordEnvKey, "hunter2")
	_, err := s.run(c, "list", "user")
	c.Check(err, jc.ErrorIsNil)
}

func (s *sonarSuite) TestPasswdEmpty(c *gc.C) {
	ctx := cmdtesting.Context(c)
	ctx.Stdin = strings.NewReader("\n")
	c.Check(s.runInContext(ctx, "passwd"), gc.ErrorMatches, "empty password")
}

func (s *sonarSuite) TestListTabular(c *gc.C) {
	_, err := s.run(c, "create", "user/bob10", "enabled=true")
	c.Assert(err, jc.ErrorIsNil)
	_, err = s.run(c, "create", "user/bob9")
	c.Assert(err, jc.ErrorIsNil)

	ctx, err := s.run(c, "list", "--format", "tabular", "user")
	c.Assert(err, jc.ErrorIsNil)
	lines := strings.Split(strings.TrimRight(cmdtesting.Stdout(ctx), "\n"), "\n")
	c.Assert(lines, gc.HasLen, 4)
	c.Check(strings.Fields(lines[0]), jc.DeepEquals, []string{"Name", "dn", "enabled", "fullName", "role"})
	c.Check(strings.Fields(lines[1]), jc.DeepEquals, []string{"alice", "cn=alice", "true", "Alice", "Liddell", "admin"})
	c.Check(strings.Fields(lines[2]), jc.DeepEquals, []string{"bob9", "cn=bob9", "false"})
	c.Check(strings.Fields(lines[3]), jc.DeepEquals, []string{"bob10", "cn=bob10", "true"})
}

func (s *sonarSuite) TestDisplayValue(c *gc.C) {
	ref := namespace.ObjectOf(namespace.RoleType)
	c.Check(displayValue(ref, nil), gc.Equals, "")
	c.Check(displayValue(namespace.ArrayOf(namespace.Type{Kind: namespace.String}), []interface{}{"a", nil, "b"}), gc.Equals, "a,,b")
	c.Check(displayValue(namespace.Type{Kind: namespace.Int}, int32(7)), gc.Equals, "7")
}
