// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package main

import (
	"context"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/juju/clock"
	"github.com/juju/loggo/v2"
	"github.com/juju/testing"
	jc "github.com/juju/testing/checkers"
	"github.com/juju/worker/v4/workertest"
	gc "gopkg.in/check.v1"

	"github.com/juju/sonar/client"
	"github.com/juju/sonar/cmd"
	cmdtesting "github.com/juju/sonar/cmd/testing"
	sonarerrors "github.com/juju/sonar/core/errors"
	"github.com/juju/sonar/core/name"
	"github.com/juju/sonar/server/access"
	coretesting "github.com/juju/sonar/testing"
)

type sonardSuite struct {
	testing.IsolationSuite

	dir        string
	configPath string
}

var _ = gc.Suite(&sonardSuite{})

func (s *sonardSuite) SetUpTest(c *gc.C) {
	s.IsolationSuite.SetUpTest(c)
	s.AddCleanup(func(*gc.C) { loggo.ResetLogging() })
	s.dir = c.MkDir()
	s.configPath = filepath.Join(s.dir, "sonar.yaml")
	s.writeConfig(c, `
database: `+filepath.Join(s.dir, "sonar.db")+`
session-file: `+filepath.Join(s.dir, "sessions")+`
metrics-address: 127.0.0.1:0
`)
}

func (s *sonardSuite) writeConfig(c *gc.C, content string) {
	c.Assert(os.WriteFile(s.configPath, []byte(content), 0600), jc.ErrorIsNil)
}

// start runs sonard until the returned stop function is called.
func (s *sonardSuite) start(c *gc.C) (*daemon, func()) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	c.Assert(err, jc.ErrorIsNil)

	started := make(chan *daemon, 1)
	command := &sonardCommand{
		listener: l,
		ready:    func(d *daemon) { started <- d },
	}
	ctx := cmdtesting.Context(c)
	runCtx, cancel := context.WithCancel(context.Background())
	ctx.Context = runCtx
	done := make(chan error, 1)
	go func() {
		done <- cmdtesting.RunCommandInContext(ctx, command, "--config", s.configPath)
	}()

	var d *daemon
	select {
	case d = <-started:
	case err := <-done:
		c.Fatalf("sonard stopped: %v", err)
	case <-time.After(coretesting.LongWait):
		c.Fatalf("sonard did not start")
	}
	stopped := false
	stop := func() {
		if stopped {
			return
		}
		stopped = true
		cancel()
		select {
		case err := <-done:
			c.Check(err, jc.ErrorIsNil)
		case <-time.After(coretesting.LongWait):
			c.Fatalf("sonard did not stop")
		}
	}
	s.AddCleanup(func(*gc.C) { stop() })
	return d, stop
}

func (s *sonardSuite) login(c *gc.C, addr, password string) (*client.Client, *client.TypeCache, error) {
	conn, err := client.Dial(context.Background(), client.DialConfig{
		Address: addr,
		Clock:   clock.WallClock,
		Logger:  coretesting.NoopLogger{},
	})
	c.Assert(err, jc.ErrorIsNil)
	ns := client.NewNamespace()
	users := client.NewTypeCache(access.UserSchema)
	ns.AddType(users)
	cl, err := client.New(conn, client.Config{
		Namespace: ns,
		Logger:    coretesting.NoopLogger{},
	})
	c.Assert(err, jc.ErrorIsNil)
	s.AddCleanup(func(c *gc.C) { workertest.DirtyKill(c, cl) })

	ctx, cancel := context.WithTimeout(context.Background(), coretesting.LongWait)
	defer cancel()
	return cl, users, cl.Login(ctx, AdminName, password)
}

func waitUntil(c *gc.C, what string, cond func() bool) {
	deadline := time.After(coretesting.LongWait)
	for !cond() {
		select {
		case <-deadline:
			c.Fatalf("timed out waiting for %s", what)
		case <-time.After(coretesting.ShortWait / 5):
		}
	}
}

func (s *sonardSuite) TestServeAndRestart(c *gc.C) {
	s.PatchEnvironment(AdminPasswordEnvKey, "s3cret")
	d, stop := s.start(c)

	cl, users, err := s.login(c, d.Addr().String(), "s3cret")
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(cl.Enumerate(name.ForType("user")), jc.ErrorIsNil)
	waitUntil(c, "admin user", func() bool { return users.Lookup(AdminName) != nil })
	fullName, err := users.Lookup(AdminName).Get("fullName")
	c.Assert(err, jc.ErrorIsNil)
	c.Check(fullName, gc.Equals, "Administrator")

	sessions, err := os.ReadFile(filepath.Join(s.dir, "sessions"))
	c.Assert(err, jc.ErrorIsNil)
	c.Check(strings.Count(string(sessions), "\n"), gc.Equals, 1)

	addrs := d.HTTPAddrs()
	c.Assert(addrs, gc.HasLen, 1)
	resp, err := http.Get("http://" + addrs[0].String() + "/metrics")
	c.Assert(err, jc.ErrorIsNil)
	body, err := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	c.Assert(err, jc.ErrorIsNil)
	c.Check(string(body), jc.Contains, "sonar_access_logins_total 1")
	c.Check(string(body), jc.Contains, `sonar_scheduler_jobs_total{scheduler="sonar_proc"}`)

	stop()
	c.Check(workertest.CheckKilled(c, cl), jc.ErrorIsNil)

	// The admin user was stored, so no password is needed to restart.
	s.PatchEnvironment(AdminPasswordEnvKey, "")
	d, _ = s.start(c)
	_, _, err = s.login(c, d.Addr().String(), "s3cret")
	c.Check(err, jc.ErrorIsNil)
}

func (s *sonardSuite) TestNoAdminPassword(c *gc.C) {
	s.PatchEnvironment(AdminPasswordEnvKey, "")
	d, _ := s.start(c)
	_, _, err := s.login(c, d.Addr().String(), "anything")
	c.Check(err, jc.ErrorIs, sonarerrors.AuthenticationFailed)
}

func (s *sonardSuite) TestAdminPasswordFile(c *gc.C) {
	path := filepath.Join(s.dir, "password")
	c.Assert(os.WriteFile(path, []byte("from-file\n"), 0600), jc.ErrorIsNil)
	command := &sonardCommand{}
	ctx := cmdtesting.Context(c)
	c.Assert(cmdtesting.RunCommandInContext(ctx, command, "--admin-password-file", "missing"), gc.ErrorMatches, "reading admin password: .*")

	command = &sonardCommand{}
	c.Assert(cmd.InitCommand(command, []string{"--admin-password-file", path}), jc.ErrorIsNil)
	password, err := command.readAdminPassword(ctx)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(password, gc.Equals, "from-file")
}

func (s *sonardSuite) TestInvalidConfig(c *gc.C) {
	s.writeConfig(c, "port: 0\n")
	_, err := cmdtesting.RunCommand(c, NewSonardCommand(), "--config", s.configPath)
	c.Check(err, jc.ErrorIs, sonarerrors.ConfigurationError)
	c.Check(err, gc.ErrorMatches, "reading .*: Configuration Error: invalid port 0")

	s.writeConfig(c, "")
	_, err = cmdtesting.RunCommand(c, NewSonardCommand(), "--config", s.configPath, "--port", "70000")
	c.Check(err, gc.ErrorMatches, "Configuration Error: invalid port 70000")
}

func (s *sonardSuite) TestLogFile(c *gc.C) {
	logPath := filepath.Join(s.dir, "sonard.log")
	s.writeConfig(c, "log-file: "+logPath+"\n")
	_, stop := s.start(c)
	stop()

	data, err := os.ReadFile(logPath)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(string(data), jc.Contains, "listening on 127.0.0.1:")
}
