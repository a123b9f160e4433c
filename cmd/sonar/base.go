// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package main

import (
	"context"
	"crypto/tls"
	"os"
	"os/user"
	"strings"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/gnuflag"
	"github.com/juju/loggo/v2"

	"github.com/juju/sonar/client"
	"github.com/juju/sonar/cmd"
	"github.com/juju/sonar/core/namespace"
	"github.com/juju/sonar/server"
	"github.com/juju/sonar/server/access"
)

// PasswordEnvKey holds the password used when no --password-file is given.
const PasswordEnvKey = "SONAR_PASSWORD"

// DefaultAddress is the server address used when no --address is given.
const DefaultAddress = "localhost:1037"

var logger = loggo.GetLogger("sonar.cmd.sonar")

// knownSchemas are the types the client can decode.
func knownSchemas() map[string]*namespace.Schema {
	schemas := map[string]*namespace.Schema{
		namespace.ConnectionType: server.ConnectionSchema,
	}
	for _, s := range access.Schemas() {
		schemas[s.TypeName] = s
	}
	return schemas
}

// connectedCommand holds the flags and connection shared by every
// subcommand.
type connectedCommand struct {
	cmd.CommandBase

	address      string
	user         string
	passwordFile cmd.FileVar
	useTLS       bool
	insecure     bool
	timeout      time.Duration

	// passwordOverride, if set, is used instead of the password flags.
	passwordOverride *string

	ns     *client.ClientNamespace
	caches map[string]*client.TypeCache
	client *client.Client

	mu      sync.Mutex
	errors  []error
	errSeen chan struct{}
}

func (c *connectedCommand) SetFlags(f *gnuflag.FlagSet) {
	f.StringVar(&c.address, "address", DefaultAddress, "Server address, host:port or a ws:// URL")
	f.StringVar(&c.user, "user", "", "User to log in as (default: the current user)")
	f.Var(&c.passwordFile, "password-file", "File holding the password")
	f.BoolVar(&c.useTLS, "tls", false, "Connect with TLS")
	f.BoolVar(&c.insecure, "insecure", false, "Do not verify the server certificate")
	f.DurationVar(&c.timeout, "timeout", 30*time.Second, "How long to wait for the server")
}

func (c *connectedCommand) password(ctx *cmd.Context) (string, error) {
	if c.passwordOverride != nil {
		return *c.passwordOverride, nil
	}
	if c.passwordFile.Path == "" {
		return os.Getenv(PasswordEnvKey), nil
	}
	data, err := c.passwordFile.Read(ctx)
	if err != nil {
		return "", errors.Annotate(err, "reading password")
	}
	return strings.TrimSpace(string(data)), nil
}

func (c *connectedCommand) userName() string {
	if c.user != "" {
		return c.user
	}
	if u, err := user.Current(); err == nil {
		return u.Username
	}
	return ""
}

func (c *connectedCommand) recordError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.errors) == 0 {
		close(c.errSeen)
	}
	c.errors = append(c.errors, err)
}

// errorSeen is closed when the server reports the first error.
func (c *connectedCommand) errorSeen() <-chan struct{} {
	return c.errSeen
}

// serverError returns the first error reported by the server.
func (c *connectedCommand) serverError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.errors) == 0 {
		return nil
	}
	return c.errors[0]
}

// connect dials the server and logs in. Every known type is added to the
// client namespace.
func (c *connectedCommand) connect(ctx *cmd.Context) error {
	password, err := c.password(ctx)
	if err != nil {
		return errors.Trace(err)
	}
	config := client.DialConfig{
		Address: c.address,
		Clock:   clock.WallClock,
		Logger:  logger,
	}
	if c.useTLS {
		config.TLSConfig = &tls.Config{InsecureSkipVerify: c.insecure}
	}
	conn, err := client.Dial(ctx, config)
	if err != nil {
		return errors.Trace(err)
	}

	c.errSeen = make(chan struct{})
	c.ns = client.NewNamespace()
	c.caches = make(map[string]*client.TypeCache)
	for tname, schema := range knownSchemas() {
		tc := client.NewTypeCache(schema)
		c.ns.AddType(tc)
		c.caches[tname] = tc
	}
	c.client, err = client.New(conn, client.Config{
		Namespace: c.ns,
		Logger:    logger,
		OnError:   c.recordError,
	})
	if err != nil {
		_ = conn.Close()
		return errors.Trace(err)
	}

	loginCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	if err := c.client.Login(loginCtx, c.userName(), password); err != nil {
		c.client.Kill()
		_ = c.client.Wait()
		return errors.Annotate(err, "logging in")
	}
	logger.Debugf("logged in as %s", c.client.ConnectionName())
	return nil
}

// finish asks the server to close the connection once every earlier
// request is done, and returns the first error the server reported.
func (c *connectedCommand) finish() error {
	if err := c.client.Quit(); err != nil {
		c.client.Kill()
	}
	done := make(chan error, 1)
	go func() { done <- c.client.Wait() }()
	select {
	case err := <-done:
		if err != nil {
			return errors.Trace(err)
		}
	case <-time.After(c.timeout):
		c.client.Kill()
		return errors.Errorf("server did not close the connection")
	}
	return c.serverError()
}

// close drops the connection without waiting for the server.
func (c *connectedCommand) close() {
	if c.client != nil {
		c.client.Kill()
		_ = c.client.Wait()
	}
}

// typeCache returns the cache of a known type.
func (c *connectedCommand) typeCache(tname string) (*client.TypeCache, error) {
	tc, ok := c.caches[tname]
	if !ok {
		return nil, errors.NotSupportedf("type %q", tname)
	}
	return tc, nil
}
