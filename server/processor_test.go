// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package server_test

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/juju/clock/testclock"
	"github.com/juju/errors"
	"github.com/juju/testing"
	jc "github.com/juju/testing/checkers"
	"github.com/juju/worker/v4/workertest"
	gc "gopkg.in/check.v1"

	"github.com/juju/sonar/core/message"
	"github.com/juju/sonar/core/namespace"
	"github.com/juju/sonar/server"
	"github.com/juju/sonar/server/access"
	"github.com/juju/sonar/server/auth"
	coretesting "github.com/juju/sonar/testing"
)

type processorSuite struct {
	testing.IsolationSuite

	ns      *server.Namespace
	auth    *auth.Authenticator
	proc    *server.TaskProcessor
	monitor *recordingMonitor
	clients int
}

var _ = gc.Suite(&processorSuite{})

func (s *processorSuite) SetUpTest(c *gc.C) {
	s.IsolationSuite.SetUpTest(c)
	s.clients = 0
	s.ns = newAccessNamespace(c, nil)

	a, err := auth.NewAuthenticator(auth.Config{
		Clock:  clock.WallClock,
		Logger: coretesting.NoopLogger{},
	})
	c.Assert(err, jc.ErrorIsNil)
	a.AddProvider(auth.LocalProvider{})
	s.auth = a
	s.AddCleanup(func(c *gc.C) { workertest.CleanKill(c, a) })

	s.monitor = &recordingMonitor{}
	s.proc = s.newProcessor(c, server.ProcessorConfig{Clock: clock.WallClock})
}

func (s *processorSuite) newProcessor(c *gc.C, config server.ProcessorConfig) *server.TaskProcessor {
	config.Namespace = s.ns
	config.Authenticator = s.auth
	config.Logger = coretesting.NewCheckLogger(c)
	config.Monitor = s.monitor
	p, err := server.NewTaskProcessor(config)
	c.Assert(err, jc.ErrorIsNil)
	s.AddCleanup(func(c *gc.C) { workertest.CleanKill(c, p) })
	return p
}

// connect returns a client connected to the processor and the name the
// server knows it by.
func (s *processorSuite) connect(c *gc.C) (*testClient, string) {
	s.clients++
	clientEnd, serverEnd := net.Pipe()
	addr := clientAddr(s.clients)
	c.Assert(s.proc.Connect(pipeConn{Conn: serverEnd, addr: addr}), jc.ErrorIsNil)
	s.AddCleanup(func(*gc.C) { _ = clientEnd.Close() })
	return newTestClient(clientEnd), addr.String()
}

func (s *processorSuite) login(c *gc.C, user string) (*testClient, string) {
	client, cname := s.connect(c)
	client.send(c, message.Login, user, "secret")
	client.expect(c, []string{"t"}, []string{"s", cname})
	return client, cname
}

func (s *processorSuite) TestValidate(c *gc.C) {
	_, err := server.NewTaskProcessor(server.ProcessorConfig{})
	c.Check(err, gc.ErrorMatches, "nil Namespace not valid")
	_, err = server.NewTaskProcessor(server.ProcessorConfig{Namespace: s.ns})
	c.Check(err, gc.ErrorMatches, "nil Authenticator not valid")
}

func (s *processorSuite) TestConnectAddsConnectionObject(c *gc.C) {
	_, cname := s.login(c, "alice")
	o := s.ns.LookupObject(namespace.ConnectionType, cname)
	c.Assert(o, gc.NotNil)
	conn := o.(namespace.Connection)
	c.Check(conn.User().Name(), gc.Equals, "alice")
	c.Check(conn.SessionID() >= 0, jc.IsTrue)
	c.Check(s.monitor.Events(), jc.DeepEquals, []string{
		"connect " + cname,
		"authenticate " + cname + " alice",
	})
}

func (s *processorSuite) TestLoginFailure(c *gc.C) {
	client, cname := s.connect(c)
	client.send(c, message.Login, "alice", "wrong")
	client.expect(c, []string{"s", "Permission denied: Authentication failed"})
	client.expectClosed(c)
	c.Check(s.monitor.Events(), jc.DeepEquals, []string{
		"connect " + cname,
		"fail " + cname + " alice",
		"disconnect " + cname + " ",
	})
	c.Check(s.proc.Connections(), gc.HasLen, 0)
	c.Check(s.ns.LookupObject(namespace.ConnectionType, cname), gc.IsNil)
}

func (s *processorSuite) TestUnknownUserFails(c *gc.C) {
	client, _ := s.connect(c)
	client.send(c, message.Login, "mallory", "secret")
	client.expect(c, []string{"s", "Permission denied: Authentication failed"})
	client.expectClosed(c)
}

func (s *processorSuite) TestAuthenticationRequired(c *gc.C) {
	client, _ := s.connect(c)
	client.send(c, message.Enumerate, "widget")
	client.expect(c, []string{"s", "Protocol error: Authentication required"})
}

func (s *processorSuite) TestAlreadyLoggedIn(c *gc.C) {
	client, _ := s.login(c, "alice")
	client.send(c, message.Login, "alice", "secret")
	client.expect(c, []string{"s", "Protocol error: Already logged in"})
}

func (s *processorSuite) TestInvalidRecords(c *gc.C) {
	client, _ := s.login(c, "alice")
	client.send(c, message.Code('x'))
	client.send(c, message.Enumerate, "a", "b")
	client.send(c, message.Show, "hello")
	client.expect(c,
		[]string{"s", "Protocol error: Invalid message code"},
		[]string{"s", "Protocol error: Wrong number of parameters"},
		[]string{"s", "Protocol error: Invalid message code"},
	)
}

func (s *processorSuite) TestTooManyViolationsDisconnects(c *gc.C) {
	s.proc = s.newProcessor(c, server.ProcessorConfig{Clock: clock.WallClock, ViolationLimit: 2})
	client, _ := s.login(c, "alice")
	for i := 0; i < 3; i++ {
		client.send(c, message.Code('x'))
	}
	client.expect(c,
		[]string{"s", "Protocol error: Invalid message code"},
		[]string{"s", "Protocol error: Invalid message code"},
		[]string{"s", "Protocol error: Invalid message code"},
	)
	client.expectClosed(c)
}

func (s *processorSuite) TestQuit(c *gc.C) {
	client, cname := s.login(c, "alice")
	client.send(c, message.Quit)
	client.expectClosed(c)
	c.Check(s.monitor.Events(), jc.DeepEquals, []string{
		"connect " + cname,
		"authenticate " + cname + " alice",
		"disconnect " + cname + " alice",
	})
}

func (s *processorSuite) TestEnumerateRoot(c *gc.C) {
	client, _ := s.login(c, "alice")
	client.send(c, message.Enumerate)
	client.expect(c,
		[]string{"t", "capability"},
		[]string{"t", "privilege"},
		[]string{"t", "role"},
		[]string{"t", "user"},
		[]string{"t", "widget"},
		[]string{"t", "connection"},
		[]string{"t"},
	)
}

func (s *processorSuite) TestEnumerateInsufficientPrivileges(c *gc.C) {
	client, _ := s.login(c, "carol")
	client.send(c, message.Enumerate, "user")
	client.send(c, message.Enumerate, "user/alice/fullName")
	client.send(c, message.Enumerate, "widget")
	client.expect(c,
		[]string{"s", "Permission denied: Insufficient privileges: user"},
		[]string{"s", "Permission denied: Unable to read attribute"},
		[]string{"t", "widget"},
		[]string{"t"},
	)
}

func (s *processorSuite) TestEnumerateHidesPassword(c *gc.C) {
	client, _ := s.login(c, "alice")
	client.send(c, message.Enumerate, "user/bob")
	client.expect(c,
		[]string{"a", "user/bob/dn", "cn=bob"},
		[]string{"a", "user/bob/enabled", "true"},
		[]string{"a", "user/bob/fullName", ""},
		[]string{"a", "user/bob/role", "admin"},
	)
}

func (s *processorSuite) TestCreateObjectNotifiesWatchers(c *gc.C) {
	alice, _ := s.login(c, "alice")
	bob, _ := s.login(c, "bob")

	bob.send(c, message.Ignore, "widget//color")
	bob.send(c, message.Enumerate, "widget")
	bob.expect(c, []string{"t", "widget"}, []string{"t"})

	alice.send(c, message.Attribute, "widget/foo/size", "10")
	alice.send(c, message.Object, "widget/foo")
	bob.expect(c,
		[]string{"o", "widget/foo"},
		[]string{"a", "widget/foo/size", "10"},
	)
	alice.expectNothing(c)

	w := s.ns.LookupObject(coretesting.WidgetType, "foo").(*coretesting.Widget)
	c.Check(w.Size(), gc.Equals, int32(10))

	alice.send(c, message.Attribute, "widget/foo/size", "11")
	alice.send(c, message.Attribute, "widget/foo/color", "red")
	bob.expect(c, []string{"a", "widget/foo/size", "11"})
	bob.expectNothing(c)
}

func (s *processorSuite) TestCreateExistingObject(c *gc.C) {
	c.Assert(s.ns.AddObject(coretesting.NewWidget("foo")), jc.ErrorIsNil)
	alice, _ := s.login(c, "alice")
	alice.send(c, message.Object, "widget/foo")
	alice.expect(c, []string{"s", "Namespace error: Name already exists"})
}

func (s *processorSuite) TestViewerCannotCreate(c *gc.C) {
	carol, _ := s.login(c, "carol")
	carol.send(c, message.Attribute, "widget/foo/size", "10")
	carol.send(c, message.Object, "widget/foo")
	carol.expect(c,
		[]string{"s", "Permission denied: Unable to add object"},
		[]string{"s", "Permission denied: Unable to add object"},
	)
	c.Check(s.ns.LookupObject(coretesting.WidgetType, "foo"), gc.IsNil)
}

func (s *processorSuite) TestViewerCannotWrite(c *gc.C) {
	c.Assert(s.ns.AddObject(coretesting.NewWidget("foo")), jc.ErrorIsNil)
	carol, _ := s.login(c, "carol")
	carol.send(c, message.Attribute, "widget/foo/size", "10")
	carol.expect(c, []string{"s", "Permission denied: Unable to write attribute"})
}

func (s *processorSuite) TestIgnore(c *gc.C) {
	alice, _ := s.login(c, "alice")
	alice.send(c, message.Ignore, "widget")
	alice.expect(c, []string{"s", "Protocol error: Not watching name"})

	alice.send(c, message.Enumerate, "widget")
	alice.expect(c, []string{"t", "widget"}, []string{"t"})
	alice.send(c, message.Ignore, "widget")
	c.Assert(s.proc.ScheduleAddObject(coretesting.NewWidget("foo")), jc.ErrorIsNil)
	alice.expectNothing(c)
}

func (s *processorSuite) TestRemoveObject(c *gc.C) {
	w := coretesting.NewWidget("foo")
	c.Assert(s.ns.AddObject(w), jc.ErrorIsNil)
	alice, _ := s.login(c, "alice")
	bob, _ := s.login(c, "bob")
	bob.send(c, message.Enumerate, "widget/foo")
	bob.expect(c,
		[]string{"a", "widget/foo/color", ""},
		[]string{"a", "widget/foo/size", "0"},
	)

	alice.send(c, message.Remove, "widget/foo")
	bob.expect(c, []string{"r", "widget/foo"})
	alice.send(c, message.Remove, "widget/foo")
	alice.expect(c, []string{"s", "Namespace error: Name unknown (widget/foo)"})
	c.Check(w.Destroyed(), jc.IsTrue)
}

// blockingWidget holds up its removal until released.
type blockingWidget struct {
	*coretesting.Widget
	destroying chan struct{}
	release    chan struct{}
}

func (w *blockingWidget) Destroy() error {
	close(w.destroying)
	<-w.release
	return w.Widget.Destroy()
}

func (s *processorSuite) TestRemoveNotifiesBeforeObjectIsGone(c *gc.C) {
	w := &blockingWidget{
		Widget:     coretesting.NewWidget("foo"),
		destroying: make(chan struct{}),
		release:    make(chan struct{}),
	}
	c.Assert(s.ns.AddObject(w), jc.ErrorIsNil)
	bob, _ := s.login(c, "bob")
	bob.send(c, message.Enumerate, "widget")
	bob.read(c, 5)

	c.Assert(s.proc.ScheduleRemoveObject(w), jc.ErrorIsNil)
	select {
	case <-w.destroying:
	case <-time.After(coretesting.LongWait):
		c.Fatalf("object not destroyed")
	}
	bob.expect(c, []string{"r", "widget/foo"})
	c.Check(s.ns.LookupObject(coretesting.WidgetType, "foo"), gc.Equals, namespace.SonarObject(w))
	close(w.release)

	waitUntil(c, "object removed", func() bool {
		return s.ns.LookupObject(coretesting.WidgetType, "foo") == nil
	})
}

func (s *processorSuite) TestChangePassword(c *gc.C) {
	alice, _ := s.login(c, "alice")
	alice.send(c, message.Password, "wrong", "new")
	alice.expect(c, []string{"s", "Permission denied: Authentication failed"})
	alice.send(c, message.Password, "secret", "new")
	u := s.ns.LookupObject(namespace.UserType, "alice").(*access.User)
	waitUntil(c, "password changed", func() bool {
		return u.CheckPassword("new")
	})
	alice.expectNothing(c)

	other, otherName := s.connect(c)
	other.send(c, message.Login, "alice", "new")
	other.expect(c, []string{"t"}, []string{"s", otherName})
}

func (s *processorSuite) TestRemovingConnectionDisconnects(c *gc.C) {
	alice, _ := s.login(c, "alice")
	bob, bobName := s.login(c, "bob")
	alice.send(c, message.Enumerate, "connection/"+bobName)
	alice.read(c, 2)
	alice.send(c, message.Remove, "connection/"+bobName)
	alice.expect(c, []string{"r", "connection/" + bobName})
	bob.expectClosed(c)
}

func (s *processorSuite) TestJobsRunInSubmissionOrder(c *gc.C) {
	w := coretesting.NewWidget("x")
	added := make(chan struct{})
	go func() {
		c.Check(s.proc.ScheduleAddObject(w), jc.ErrorIsNil)
		close(added)
	}()
	result := make(chan error, 1)
	go func() {
		<-added
		job, err := s.proc.Schedule("set x", func(context.Context) error {
			if s.ns.LookupObject(coretesting.WidgetType, "x") == nil {
				return errors.New("x not added")
			}
			w.SetSize(3)
			return nil
		})
		if err != nil {
			result <- err
			return
		}
		result <- job.WaitForCompletion(coretesting.LongWait)
	}()
	select {
	case err := <-result:
		c.Assert(err, jc.ErrorIsNil)
	case <-time.After(coretesting.LongWait):
		c.Fatalf("jobs did not run")
	}
	c.Check(w.Size(), gc.Equals, int32(3))
}

func (s *processorSuite) TestStoreObjectInline(c *gc.C) {
	w := coretesting.NewWidget("inline")
	job, err := s.proc.Schedule("store inline", func(ctx context.Context) error {
		return s.proc.StoreObject(ctx, w)
	})
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(job.WaitForCompletion(coretesting.LongWait), jc.ErrorIsNil)
	c.Check(s.ns.LookupObject(coretesting.WidgetType, "inline"), gc.Equals, namespace.SonarObject(w))
}

func (s *processorSuite) TestStoreObjectInlineDoesNotWait(c *gc.C) {
	clk := testclock.NewClock(time.Now())
	proc := s.newProcessor(c, server.ProcessorConfig{Clock: clk})

	w := coretesting.NewWidget("inline")
	job, err := proc.Schedule("store inline", func(ctx context.Context) error {
		if err := proc.StoreObject(ctx, w); err != nil {
			return err
		}
		return proc.StoreObject(ctx, coretesting.NewWidget("inline"))
	})
	c.Assert(err, jc.ErrorIsNil)

	// The test clock never advances, so only an inline store finishes.
	result := make(chan error, 1)
	go func() { result <- job.WaitForCompletion(coretesting.LongWait) }()
	select {
	case err := <-result:
		c.Check(err, gc.ErrorMatches, ".*Name already exists")
	case <-time.After(coretesting.LongWait):
		c.Fatalf("store waited on the processor")
	}
	c.Check(s.ns.LookupObject(coretesting.WidgetType, "inline"), gc.Equals, namespace.SonarObject(w))
}

func (s *processorSuite) TestStoreObjectFromOutside(c *gc.C) {
	w := coretesting.NewWidget("outside")
	c.Assert(s.proc.StoreObject(context.Background(), w), jc.ErrorIsNil)
	c.Check(s.ns.LookupObject(coretesting.WidgetType, "outside"), gc.Equals, namespace.SonarObject(w))
	err := s.proc.StoreObject(context.Background(), coretesting.NewWidget("outside"))
	c.Check(err, gc.ErrorMatches, ".*Name already exists")
}

func (s *processorSuite) TestStoreObjectTimeout(c *gc.C) {
	clk := testclock.NewClock(time.Now())
	proc := s.newProcessor(c, server.ProcessorConfig{Clock: clk})

	stall := make(chan struct{})
	defer func() {
		select {
		case <-stall:
		default:
			close(stall)
		}
	}()
	_, err := proc.Schedule("stall", func(context.Context) error {
		<-stall
		return nil
	})
	c.Assert(err, jc.ErrorIsNil)

	result := make(chan error, 1)
	w := coretesting.NewWidget("late")
	go func() {
		result <- proc.StoreObject(context.Background(), w)
	}()
	c.Assert(clk.WaitAdvance(server.DefaultStoreTimeout, coretesting.LongWait, 1), jc.ErrorIsNil)
	select {
	case err := <-result:
		c.Check(err, jc.ErrorIs, errors.Timeout)
	case <-time.After(coretesting.LongWait):
		c.Fatalf("store did not time out")
	}

	// The store is not retracted.
	close(stall)
	waitUntil(c, "object stored", func() bool {
		return s.ns.LookupObject(coretesting.WidgetType, "late") != nil
	})
}

func (s *processorSuite) TestSessionFile(c *gc.C) {
	path := filepath.Join(c.MkDir(), "sessions")
	s.proc = s.newProcessor(c, server.ProcessorConfig{Clock: clock.WallClock, SessionFile: path})
	client, _ := s.login(c, "alice")

	conns := s.proc.Connections()
	c.Assert(conns, gc.HasLen, 1)
	data, err := os.ReadFile(path)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(string(data), gc.Equals, strconv.FormatInt(conns[0].SessionID(), 10)+"\n")

	client.send(c, message.Quit)
	client.expectClosed(c)
	data, err = os.ReadFile(path)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(strings.TrimSpace(string(data)), gc.Equals, "")
}

func (s *processorSuite) TestConnectAfterKill(c *gc.C) {
	workertest.CleanKill(c, s.proc)
	_, serverEnd := net.Pipe()
	err := s.proc.Connect(pipeConn{Conn: serverEnd, addr: clientAddr(99)})
	c.Check(err, gc.NotNil)
}

// recordingMonitor remembers access events.
type recordingMonitor struct {
	mu     sync.Mutex
	events []string
}

func (m *recordingMonitor) record(event string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
}

func (m *recordingMonitor) Connect(addr string) { m.record("connect " + addr) }

func (m *recordingMonitor) Authenticate(addr, user string) {
	m.record("authenticate " + addr + " " + user)
}

func (m *recordingMonitor) Fail(addr, user string) { m.record("fail " + addr + " " + user) }

func (m *recordingMonitor) Disconnect(addr, user string) {
	m.record("disconnect " + addr + " " + user)
}

func (m *recordingMonitor) Events() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.events...)
}
