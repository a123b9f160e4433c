// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package server

import (
	"encoding/binary"
	"io"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/juju/collections/set"
	"github.com/juju/errors"
	"github.com/juju/ratelimit"
	"gopkg.in/tomb.v2"

	sonarerrors "github.com/juju/sonar/core/errors"
	"github.com/juju/sonar/core/message"
	"github.com/juju/sonar/core/name"
	"github.com/juju/sonar/core/namespace"
)

const (
	readBufferSize = 8192
	writeTimeout   = 30 * time.Second
)

// ConnectionSchema describes the connection type. Connections are created
// by the server only.
var ConnectionSchema = namespace.MustNewSchema(namespace.ConnectionType, nil,
	namespace.Attribute{
		Name: "user",
		Type: namespace.ObjectOf(namespace.UserType),
		Get: func(o namespace.SonarObject) interface{} {
			if u := o.(*Connection).User(); u != nil {
				return u
			}
			return nil
		},
	},
	namespace.Attribute{
		Name: "sessionId",
		Type: namespace.Type{Kind: namespace.Long},
		Get:  func(o namespace.SonarObject) interface{} { return o.(*Connection).SessionID() },
	},
)

// Connection is the server side of one client session. Its reader and
// writer goroutines only move bytes; everything else runs on the task
// processor.
type Connection struct {
	processor *TaskProcessor
	transport Transport
	name      string
	sessionID int64

	tomb tomb.Tomb

	outMu   sync.Mutex
	out     []byte
	closing bool
	ready   chan struct{}

	userMu sync.RWMutex
	user   namespace.User

	// The remaining fields belong to the task processor.
	decoder    *message.Decoder
	enc        message.Encoder
	watching   set.Strings
	ignoring   set.Strings
	phantom    namespace.SonarObject
	loggingIn  bool
	violations *ratelimit.Bucket
}

func newConnection(p *TaskProcessor, t Transport) *Connection {
	id := uuid.New()
	return &Connection{
		processor:  p,
		transport:  t,
		name:       t.RemoteAddr().String(),
		sessionID:  int64(binary.BigEndian.Uint64(id[:8]) >> 1),
		ready:      make(chan struct{}, 1),
		decoder:    message.NewDecoder(p.config.MaxRecord),
		watching:   set.NewStrings(),
		ignoring:   set.NewStrings(),
		violations: p.newViolationBucket(),
	}
}

// TypeName is part of the namespace.SonarObject interface.
func (c *Connection) TypeName() string {
	return namespace.ConnectionType
}

// Name is part of the namespace.SonarObject interface. It is the remote
// host:port of the client.
func (c *Connection) Name() string {
	return c.name
}

// Destroy is part of the namespace.SonarObject interface.
func (c *Connection) Destroy() error {
	return nil
}

// SessionID is part of the namespace.Connection interface.
func (c *Connection) SessionID() int64 {
	return c.sessionID
}

// User is part of the namespace.Connection interface. It returns nil
// until a login succeeds.
func (c *Connection) User() namespace.User {
	c.userMu.RLock()
	defer c.userMu.RUnlock()
	return c.user
}

func (c *Connection) setUser(u namespace.User) {
	c.userMu.Lock()
	defer c.userMu.Unlock()
	c.user = u
}

// RemoteAddr returns the address of the client.
func (c *Connection) RemoteAddr() net.Addr {
	return c.transport.RemoteAddr()
}

func (c *Connection) userName() string {
	if u := c.User(); u != nil {
		return u.Name()
	}
	return ""
}

func (c *Connection) start() {
	c.tomb.Go(c.readLoop)
	c.tomb.Go(c.writeLoop)
}

func (c *Connection) readLoop() error {
	buf := make([]byte, readBufferSize)
	for {
		n, err := c.transport.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			if err := c.processor.scheduleMessages(c, data); err != nil {
				return nil
			}
		}
		if err == nil {
			continue
		}
		select {
		case <-c.tomb.Dying():
			return nil
		default:
		}
		reason := ""
		if !errors.Is(err, io.EOF) {
			reason = "I/O error " + err.Error()
		}
		_ = c.processor.ScheduleDisconnect(c, reason)
		return nil
	}
}

func (c *Connection) writeLoop() error {
	for {
		select {
		case <-c.tomb.Dying():
			return nil
		case <-c.ready:
		}
		data, closing := c.takeOutput()
		if len(data) > 0 {
			_ = c.transport.SetWriteDeadline(c.processor.config.Clock.Now().Add(writeTimeout))
			if _, err := c.transport.Write(data); err != nil {
				c.processor.config.Logger.Debugf("write to %s failed: %v", c.name, err)
				_ = c.processor.ScheduleDisconnect(c, "I/O error "+err.Error())
				closing = true
			}
		}
		if closing {
			c.tomb.Kill(nil)
			_ = c.transport.Close()
			return nil
		}
	}
}

func (c *Connection) takeOutput() ([]byte, bool) {
	c.outMu.Lock()
	defer c.outMu.Unlock()
	data := c.out
	c.out = nil
	return data, c.closing
}

func (c *Connection) signal() {
	select {
	case c.ready <- struct{}{}:
	default:
	}
}

// flush hands everything encoded so far to the writer.
func (c *Connection) flush() {
	data := c.enc.Take()
	if len(data) == 0 {
		return
	}
	c.outMu.Lock()
	if !c.closing {
		c.out = append(c.out, data...)
	}
	c.outMu.Unlock()
	c.signal()
}

// close stops the connection once pending output has been written.
func (c *Connection) close() {
	c.flush()
	c.outMu.Lock()
	c.closing = true
	c.outMu.Unlock()
	c.signal()
}

// kill stops the connection immediately.
func (c *Connection) kill() {
	c.tomb.Kill(nil)
	_ = c.transport.Close()
}

func (c *Connection) wait() error {
	return c.tomb.Wait()
}

func (c *Connection) show(err error) {
	if encErr := c.enc.Encode(message.Show, sonarerrors.Message(err)); encErr != nil {
		c.processor.config.Logger.Errorf("cannot send %q to %s: %v", err, c.name, encErr)
	}
}

func (c *Connection) ns() *Namespace {
	return c.processor.config.Namespace
}

func (c *Connection) canRead(n name.Name) bool {
	return c.ns().CanRead(n, c.User(), c.RemoteAddr())
}

func (c *Connection) canUpdate(n name.Name) bool {
	return c.ns().CanUpdate(n, c.User(), c.RemoteAddr())
}

func (c *Connection) canAdd(n name.Name) bool {
	return c.ns().CanAdd(n, c.User(), c.RemoteAddr())
}

func (c *Connection) canRemove(n name.Name) bool {
	return c.ns().CanRemove(n, c.User(), c.RemoteAddr())
}

// processMessages decodes data and handles every complete record.
func (c *Connection) processMessages(data []byte) {
	_, _ = c.decoder.Write(data)
	defer c.flush()
	for {
		rec, err := c.decoder.Decode()
		if err != nil {
			c.processor.config.Logger.Warningf("dropping %s: %v", c.name, err)
			c.processor.doDisconnect(c, err.Error())
			return
		}
		if rec == nil {
			return
		}
		if err := c.handle(rec); err != nil {
			c.processor.config.Logger.Debugf("%s: %s: %v", c.name, rec[0], err)
			c.show(err)
			if sonarerrors.IsProtocolError(err) && c.violations.TakeAvailable(1) == 0 {
				c.processor.doDisconnect(c, "too many protocol violations")
				return
			}
		}
		if !c.processor.hasClient(c) {
			return
		}
	}
}

func (c *Connection) handle(rec []string) error {
	code, ok := message.ParseCode(rec[0])
	if !ok {
		return sonarerrors.InvalidMessageCode
	}
	params := rec[1:]
	if c.User() == nil && code != message.Login && code != message.Quit {
		return sonarerrors.AuthenticationRequired
	}
	switch code {
	case message.Login:
		if len(params) != 2 {
			return sonarerrors.WrongParameterCount
		}
		return c.login(params[0], params[1])
	case message.Quit:
		c.processor.doDisconnect(c, "")
		return nil
	case message.Password:
		if len(params) != 2 {
			return sonarerrors.WrongParameterCount
		}
		return c.processor.changePassword(c, params[0], params[1])
	case message.Enumerate:
		switch len(params) {
		case 0:
			return c.enumerate(name.Root())
		case 1:
			return c.enumerate(name.New(params[0]))
		}
		return sonarerrors.WrongParameterCount
	case message.Ignore:
		if len(params) != 1 {
			return sonarerrors.WrongParameterCount
		}
		return c.ignore(name.New(params[0]))
	case message.Attribute:
		if len(params) < 1 {
			return sonarerrors.WrongParameterCount
		}
		return c.setAttribute(name.New(params[0]), params[1:])
	case message.Object:
		if len(params) != 1 {
			return sonarerrors.WrongParameterCount
		}
		return c.createObject(name.New(params[0]))
	case message.Remove:
		if len(params) != 1 {
			return sonarerrors.WrongParameterCount
		}
		return c.removeObject(name.New(params[0]))
	}
	return sonarerrors.InvalidMessageCode
}

func (c *Connection) login(user, password string) error {
	if c.User() != nil || c.loggingIn {
		return sonarerrors.AlreadyLoggedIn
	}
	c.loggingIn = true
	return c.processor.authenticate(c, user, []byte(password))
}

func (c *Connection) enumerate(n name.Name) error {
	if !n.Valid() {
		return sonarerrors.NameInvalid
	}
	if !c.canRead(n) {
		if n.IsAttribute() {
			return sonarerrors.UnableToRead
		}
		return sonarerrors.NewInsufficientPrivileges(n.String())
	}
	var enc message.Encoder
	if err := c.ns().Enumerate(&enc, n, c.attributeFilter()); err != nil {
		return errors.Trace(err)
	}
	c.watching.Add(n.String())
	_, _ = c.enc.Write(enc.Take())
	return nil
}

func (c *Connection) ignore(n name.Name) error {
	if n.IsAttribute() && n.ObjectPart() == "" {
		c.ignoring.Add(n.AttributeName())
		return nil
	}
	if !c.watching.Contains(n.String()) {
		return sonarerrors.NotWatching
	}
	c.watching.Remove(n.String())
	return nil
}

func (c *Connection) isPhantom(n name.Name) bool {
	return c.phantom != nil &&
		c.phantom.TypeName() == n.TypePart() &&
		c.phantom.Name() == n.ObjectPart()
}

func (c *Connection) setAttribute(n name.Name, values []string) error {
	if !n.IsAttribute() || !n.Valid() || n.ObjectPart() == "" {
		return sonarerrors.NameInvalid
	}
	ns := c.ns()
	if c.isPhantom(n) {
		return ns.SetPhantomAttribute(n, values, c.phantom)
	}
	if ns.LookupObject(n.TypePart(), n.ObjectPart()) != nil {
		if !c.canUpdate(n) {
			return sonarerrors.UnableToWrite
		}
		if _, err := ns.SetAttribute(n, values); err != nil {
			return errors.Trace(err)
		}
		c.processor.notifyAttribute(n)
		return nil
	}
	if !c.canAdd(name.New(n.ObjectName())) {
		return sonarerrors.UnableToAdd
	}
	phantom, err := ns.SetAttribute(n, values)
	if err != nil {
		return errors.Trace(err)
	}
	c.phantom = phantom
	return nil
}

func (c *Connection) createObject(n name.Name) error {
	if !n.IsObject() || n.ObjectPart() == "" {
		return sonarerrors.NameInvalid
	}
	if !c.canAdd(n) {
		return sonarerrors.UnableToAdd
	}
	ns := c.ns()
	if ns.LookupName(n) != nil {
		return sonarerrors.NameExists
	}
	o := c.phantom
	if !c.isPhantom(n) {
		var err error
		if o, err = ns.CreateObject(n); err != nil {
			return errors.Trace(err)
		}
	}
	c.phantom = nil
	return errors.Trace(c.processor.doStoreObject(o))
}

func (c *Connection) removeObject(n name.Name) error {
	if !n.IsObject() {
		return sonarerrors.NameInvalid
	}
	o := c.ns().LookupName(n)
	if o == nil {
		return sonarerrors.NewNameUnknown(n.String())
	}
	if !c.canRemove(n) {
		return sonarerrors.UnableToRemove
	}
	return errors.Trace(c.processor.doRemoveObject(o))
}

// isWatching reports whether n, or a name containing it, is watched.
func (c *Connection) isWatching(n name.Name) bool {
	if c.watching.Contains(n.TypePart()) || c.watching.Contains(n.String()) {
		return true
	}
	if n.IsAttribute() {
		return c.watching.Contains(n.ObjectName()) || c.watching.Contains(n.AttributeName())
	}
	return false
}

func (c *Connection) isIgnored(n name.Name) bool {
	return c.ignoring.Contains(n.AttributeName())
}

func (c *Connection) attributeFilter() func(name.Name) bool {
	return func(n name.Name) bool {
		return !c.isIgnored(n) && c.canRead(n)
	}
}

func (c *Connection) shouldNotify(n name.Name) bool {
	return c.User() != nil && c.isWatching(n) && c.canRead(n)
}

func (c *Connection) notifyObject(o namespace.SonarObject) {
	n := namespace.NameOf(o)
	if !c.shouldNotify(n) {
		return
	}
	if err := c.enc.Encode(message.Object, n.String()); err != nil {
		c.processor.config.Logger.Errorf("notifying %s of %s: %v", c.name, n, err)
		return
	}
	if err := c.ns().EnumerateObject(&c.enc, o, c.attributeFilter()); err != nil {
		c.processor.config.Logger.Errorf("notifying %s of %s: %v", c.name, n, err)
	}
	c.flush()
}

func (c *Connection) notifyAttribute(n name.Name, values []string) {
	if !c.shouldNotify(n) || c.isIgnored(n) {
		return
	}
	if err := c.enc.EncodeValues(message.Attribute, n.String(), values); err != nil {
		c.processor.config.Logger.Errorf("notifying %s of %s: %v", c.name, n, err)
		return
	}
	c.flush()
}

func (c *Connection) notifyRemove(n name.Name) {
	if !c.shouldNotify(n) {
		return
	}
	_ = c.enc.Encode(message.Remove, n.String())
	c.flush()
}
