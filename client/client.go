// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package client

import (
	"context"
	"io"
	"sync"

	"github.com/google/uuid"
	"github.com/juju/errors"
	"gopkg.in/tomb.v2"

	sonarerrors "github.com/juju/sonar/core/errors"
	"github.com/juju/sonar/core/message"
	"github.com/juju/sonar/core/name"
)

// ErrClosed is returned for requests on a client which has stopped.
const ErrClosed = errors.ConstError("client closed")

// Logger represents the methods used by the client to log details.
type Logger interface {
	Errorf(string, ...interface{})
	Warningf(string, ...interface{})
	Debugf(string, ...interface{})
}

// Config holds the dependencies of a Client.
type Config struct {
	Namespace *ClientNamespace
	Logger    Logger

	// OnError, if set, is called from the reader goroutine with every
	// error reported by the server outside a login. The error
	// satisfies errors.Is for the matching core/errors value.
	OnError func(error)

	// MaxRecord limits the size of a record sent by the server.
	MaxRecord int
}

// Validate returns an error if the config cannot be used.
func (config Config) Validate() error {
	if config.Namespace == nil {
		return errors.NotValidf("nil Namespace")
	}
	if config.Logger == nil {
		return errors.NotValidf("nil Logger")
	}
	return nil
}

// Client speaks the SONAR protocol over a connection, keeping a
// ClientNamespace up to date with what the server sends.
type Client struct {
	tomb   tomb.Tomb
	config Config
	conn   io.ReadWriteCloser
	id     string

	writeMu sync.Mutex

	mu       sync.Mutex
	login    chan error
	connName string
}

// New starts a client on conn. The client owns conn and closes it when
// it stops.
func New(conn io.ReadWriteCloser, config Config) (*Client, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	c := &Client{
		config: config,
		conn:   conn,
		id:     uuid.NewString(),
	}
	config.Namespace.setSender(c)
	c.tomb.Go(func() error {
		// The client stops when the server goes away.
		err := c.readLoop()
		c.tomb.Kill(err)
		return err
	})
	c.tomb.Go(func() error {
		<-c.tomb.Dying()
		return errors.Trace(c.conn.Close())
	})
	return c, nil
}

// Kill is part of the worker.Worker interface.
func (c *Client) Kill() {
	c.tomb.Kill(nil)
}

// Wait is part of the worker.Worker interface.
func (c *Client) Wait() error {
	return c.tomb.Wait()
}

// ID identifies this client instance in logs.
func (c *Client) ID() string {
	return c.id
}

// ConnectionName returns the name the server gave the connection at
// login.
func (c *Client) ConnectionName() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connName
}

// Send is part of the Sender interface.
func (c *Client) Send(data []byte) error {
	select {
	case <-c.tomb.Dying():
		return ErrClosed
	default:
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.conn.Write(data); err != nil {
		c.tomb.Kill(errors.Annotate(err, "writing"))
		return errors.Trace(err)
	}
	return nil
}

func (c *Client) request(code message.Code, params ...string) error {
	data, err := message.Encode(code, params...)
	if err != nil {
		return errors.Trace(err)
	}
	return c.Send(data)
}

// Login authenticates the connection and waits for the result.
func (c *Client) Login(ctx context.Context, user, password string) error {
	result := make(chan error, 1)
	c.mu.Lock()
	if c.login != nil {
		c.mu.Unlock()
		return sonarerrors.AlreadyLoggedIn
	}
	c.login = result
	c.mu.Unlock()

	if err := c.request(message.Login, user, password); err != nil {
		c.endLogin("", err)
		return errors.Trace(err)
	}
	select {
	case err := <-result:
		return errors.Trace(err)
	case <-c.tomb.Dying():
		select {
		case err := <-result:
			return errors.Trace(err)
		default:
			return ErrClosed
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) endLogin(connName string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.login == nil || c.connName != "" {
		return
	}
	select {
	case c.login <- err:
	default:
	}
	if err != nil {
		c.login = nil
		return
	}
	c.connName = connName
}

// loggingIn reports whether a login reply is still expected.
func (c *Client) loggingIn() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.login != nil && c.connName == ""
}

// ChangePassword asks the server to change the password of the logged in
// user. Failures are reported through OnError.
func (c *Client) ChangePassword(current, password string) error {
	return c.request(message.Password, current, password)
}

// Enumerate watches a name. The server replies with its current contents
// and then sends changes.
func (c *Client) Enumerate(n name.Name) error {
	if n.IsRoot() {
		return c.request(message.Enumerate)
	}
	return c.request(message.Enumerate, n.String())
}

// Ignore removes a watch, or with a type//attribute name stops updates of
// one attribute.
func (c *Client) Ignore(n name.Name) error {
	return c.request(message.Ignore, n.String())
}

// Quit asks the server to close the connection.
func (c *Client) Quit() error {
	return c.request(message.Quit)
}

func (c *Client) readLoop() error {
	defer c.config.Namespace.reset()
	dec := message.NewDecoder(c.config.MaxRecord)
	buf := make([]byte, 32*1024)
	for {
		n, err := c.conn.Read(buf)
		if n > 0 {
			_, _ = dec.Write(buf[:n])
			records, decErr := dec.DecodeAll()
			for _, rec := range records {
				c.handle(rec)
			}
			if decErr != nil {
				return errors.Annotate(decErr, "decoding")
			}
		}
		if err != nil {
			c.endLogin("", ErrClosed)
			select {
			case <-c.tomb.Dying():
				return nil
			default:
			}
			if err == io.EOF {
				return nil
			}
			return errors.Annotate(err, "reading")
		}
	}
}

func (c *Client) handle(rec []string) {
	code, _ := message.ParseCode(rec[0])
	if code != message.Show {
		if err := c.config.Namespace.Apply(rec); err != nil {
			c.config.Logger.Debugf("%s: ignoring %q: %v", c.id, rec, err)
		}
		return
	}
	var msg string
	if len(rec) > 1 {
		msg = rec[1]
	}
	err := sonarerrors.Parse(msg)
	if c.loggingIn() {
		if sonarerrors.IsSonarError(err) {
			c.endLogin("", err)
		} else {
			c.endLogin(msg, nil)
		}
		return
	}
	c.config.Logger.Debugf("%s: server reported %q", c.id, msg)
	if c.config.OnError != nil {
		c.config.OnError(err)
	}
}
