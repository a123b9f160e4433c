// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package server

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/ratelimit"
	"github.com/juju/utils/v4"
	"github.com/juju/worker/v4"
	"github.com/juju/worker/v4/catacomb"

	sonarerrors "github.com/juju/sonar/core/errors"
	"github.com/juju/sonar/core/message"
	"github.com/juju/sonar/core/name"
	"github.com/juju/sonar/core/namespace"
	"github.com/juju/sonar/core/sched"
)

const (
	// ProcessorName is the name of the task processor scheduler.
	ProcessorName = "sonar_proc"

	// DefaultStoreTimeout bounds how long StoreObject waits for the
	// task processor when called from another goroutine.
	DefaultStoreTimeout = 30 * time.Second

	// DefaultViolationLimit is the number of protocol errors a client
	// may make in a burst before it is disconnected.
	DefaultViolationLimit = 20

	violationRefill = time.Second
)

// Logger represents the methods used by the server to log details.
type Logger interface {
	Errorf(string, ...interface{})
	Warningf(string, ...interface{})
	Infof(string, ...interface{})
	Debugf(string, ...interface{})
	Tracef(string, ...interface{})
}

// Authenticator verifies credentials off the task processor. The done
// callbacks may be called from any goroutine.
type Authenticator interface {
	Authenticate(u namespace.User, name string, password []byte, done func(error)) error
	ChangePassword(u namespace.User, current []byte, done func(error)) error
}

// ProcessorConfig holds the dependencies of a TaskProcessor.
type ProcessorConfig struct {
	Namespace     *Namespace
	Authenticator Authenticator
	Clock         clock.Clock
	Logger        Logger

	// Monitor is told about logins and connections. It may be nil.
	Monitor AccessMonitor

	// Metrics, if not nil, records scheduler activity.
	Metrics *sched.Metrics

	// SessionFile, if set, is rewritten with the session id of every
	// connection whenever a client connects or disconnects.
	SessionFile string

	// StoreTimeout defaults to DefaultStoreTimeout.
	StoreTimeout time.Duration

	// ViolationLimit defaults to DefaultViolationLimit.
	ViolationLimit int

	// MaxRecord limits the size of a record sent by a client.
	MaxRecord int
}

// Validate returns an error if the config cannot be used.
func (config ProcessorConfig) Validate() error {
	if config.Namespace == nil {
		return errors.NotValidf("nil Namespace")
	}
	if config.Authenticator == nil {
		return errors.NotValidf("nil Authenticator")
	}
	if config.Clock == nil {
		return errors.NotValidf("nil Clock")
	}
	if config.Logger == nil {
		return errors.NotValidf("nil Logger")
	}
	if config.StoreTimeout < 0 {
		return errors.NotValidf("negative StoreTimeout")
	}
	if config.ViolationLimit < 0 {
		return errors.NotValidf("negative ViolationLimit")
	}
	return nil
}

// TaskProcessor serialises every namespace mutation, connection event and
// notification on a single scheduler.
type TaskProcessor struct {
	catacomb  catacomb.Catacomb
	config    ProcessorConfig
	scheduler *sched.Scheduler

	mu      sync.Mutex
	clients []*Connection

	// started holds every connection whose goroutines may be running,
	// including those still flushing after a disconnect.
	started []*Connection
}

// NewTaskProcessor starts a task processor. The connection type is
// registered in the namespace.
func NewTaskProcessor(config ProcessorConfig) (*TaskProcessor, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	if config.Monitor == nil {
		config.Monitor = noopMonitor{}
	}
	if config.StoreTimeout == 0 {
		config.StoreTimeout = DefaultStoreTimeout
	}
	if config.ViolationLimit == 0 {
		config.ViolationLimit = DefaultViolationLimit
	}
	scheduler, err := sched.NewScheduler(sched.Config{
		Name:    ProcessorName,
		Clock:   config.Clock,
		Logger:  config.Logger,
		Metrics: config.Metrics,
	})
	if err != nil {
		return nil, errors.Trace(err)
	}
	config.Namespace.RegisterType(ConnectionSchema, false)
	p := &TaskProcessor{
		config:    config,
		scheduler: scheduler,
	}
	if err := catacomb.Invoke(catacomb.Plan{
		Site: &p.catacomb,
		Work: p.loop,
		Init: []worker.Worker{scheduler},
	}); err != nil {
		return nil, errors.Trace(err)
	}
	return p, nil
}

func (p *TaskProcessor) loop() error {
	<-p.catacomb.Dying()
	p.mu.Lock()
	started := p.started
	p.clients = nil
	p.started = nil
	p.mu.Unlock()
	for _, c := range started {
		c.kill()
	}
	for _, c := range started {
		_ = c.wait()
	}
	return p.catacomb.ErrDying()
}

// Kill is part of the worker.Worker interface.
func (p *TaskProcessor) Kill() {
	p.catacomb.Kill(nil)
}

// Wait is part of the worker.Worker interface.
func (p *TaskProcessor) Wait() error {
	return p.catacomb.Wait()
}

// Namespace returns the namespace owned by the processor.
func (p *TaskProcessor) Namespace() *Namespace {
	return p.config.Namespace
}

// Connections returns the connected clients in connection order.
func (p *TaskProcessor) Connections() []*Connection {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*Connection(nil), p.clients...)
}

// Schedule runs perform on the task processor.
func (p *TaskProcessor) Schedule(jobName string, perform func(context.Context) error) (*sched.Job, error) {
	job, err := p.scheduler.Schedule(jobName, perform)
	return job, errors.Trace(err)
}

func (p *TaskProcessor) hasClient(c *Connection) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, client := range p.clients {
		if client == c {
			return true
		}
	}
	return false
}

func (p *TaskProcessor) removeClient(c *Connection) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, client := range p.clients {
		if client == c {
			p.clients = append(p.clients[:i:i], p.clients[i+1:]...)
			return true
		}
	}
	return false
}

func (p *TaskProcessor) newViolationBucket() *ratelimit.Bucket {
	limit := int64(p.config.ViolationLimit)
	return ratelimit.NewBucketWithClock(violationRefill, limit, bucketClock{p.config.Clock})
}

// bucketClock adapts a clock.Clock for the rate limiter.
type bucketClock struct {
	clock.Clock
}

// Sleep is part of the ratelimit.Clock interface.
func (c bucketClock) Sleep(d time.Duration) {
	<-c.After(d)
}

// Connect schedules the setup of a connection for t. Messages from the
// client are handled after the connection has been added to the namespace.
func (p *TaskProcessor) Connect(t Transport) error {
	c := newConnection(p, t)
	p.mu.Lock()
	defer p.mu.Unlock()
	select {
	case <-p.catacomb.Dying():
		_ = t.Close()
		return sched.ErrStopped
	default:
	}
	_, err := p.scheduler.Schedule("connect "+c.name, func(context.Context) error {
		return p.doConnect(c)
	})
	if err != nil {
		_ = t.Close()
		return errors.Trace(err)
	}
	live := p.started[:0]
	for _, s := range p.started {
		select {
		case <-s.tomb.Dead():
		default:
			live = append(live, s)
		}
	}
	p.started = append(live, c)
	c.start()
	return nil
}

func (p *TaskProcessor) doConnect(c *Connection) error {
	if err := p.config.Namespace.AddObject(c); err != nil {
		c.kill()
		return errors.Annotatef(err, "connecting %s", c.name)
	}
	p.mu.Lock()
	p.clients = append(p.clients, c)
	p.mu.Unlock()
	p.config.Logger.Infof("connect %s", c.name)
	p.config.Monitor.Connect(c.name)
	p.writeSessionList()
	p.notifyObject(c)
	return nil
}

// ScheduleDisconnect schedules the removal of c. An empty reason means
// the client went away.
func (p *TaskProcessor) ScheduleDisconnect(c *Connection, reason string) error {
	_, err := p.scheduler.Schedule("disconnect "+c.name, func(context.Context) error {
		p.doDisconnect(c, reason)
		return nil
	})
	return errors.Trace(err)
}

func (p *TaskProcessor) doDisconnect(c *Connection, reason string) {
	if !p.hasClient(c) {
		return
	}
	if reason != "" {
		p.config.Logger.Infof("disconnect %s: %s", c.name, reason)
	} else {
		p.config.Logger.Infof("disconnect %s", c.name)
	}
	p.notifyRemove(namespace.NameOf(c))
	p.removeClient(c)
	if err := p.config.Namespace.RemoveObject(c); err != nil {
		p.config.Logger.Errorf("removing %s: %v", c.name, err)
	}
	p.config.Monitor.Disconnect(c.name, c.userName())
	p.writeSessionList()
	c.close()
}

func (p *TaskProcessor) scheduleMessages(c *Connection, data []byte) error {
	_, err := p.scheduler.Schedule("messages "+c.name, func(context.Context) error {
		if p.hasClient(c) {
			c.processMessages(data)
		}
		return nil
	})
	return errors.Trace(err)
}

// schedule runs perform on the processor and logs a failure to queue it.
func (p *TaskProcessor) schedule(jobName string, perform func()) {
	_, err := p.scheduler.Schedule(jobName, func(context.Context) error {
		perform()
		return nil
	})
	if err != nil {
		p.config.Logger.Debugf("cannot schedule %s: %v", jobName, err)
	}
}

func (p *TaskProcessor) authenticate(c *Connection, user string, password []byte) error {
	u, _ := p.config.Namespace.LookupObject(namespace.UserType, user).(namespace.User)
	err := p.config.Authenticator.Authenticate(u, user, password, func(err error) {
		p.schedule("finish login "+c.name, func() {
			if err != nil {
				p.failLogin(c, user)
				return
			}
			p.finishLogin(c, u)
		})
	})
	if err != nil {
		c.loggingIn = false
		return errors.Trace(err)
	}
	return nil
}

func (p *TaskProcessor) finishLogin(c *Connection, u namespace.User) {
	if !p.hasClient(c) {
		return
	}
	c.loggingIn = false
	c.setUser(u)
	p.config.Logger.Infof("login %s as %s", c.name, u.Name())
	p.config.Monitor.Authenticate(c.name, u.Name())
	_ = c.enc.Encode(message.Type)
	_ = c.enc.Encode(message.Show, c.name)
	c.flush()
	p.notifyAttribute(name.ForAttribute(namespace.ConnectionType, c.name, "user"))
}

func (p *TaskProcessor) failLogin(c *Connection, user string) {
	if !p.hasClient(c) {
		return
	}
	c.loggingIn = false
	p.config.Logger.Infof("authentication failed for %q from %s", user, c.name)
	p.config.Monitor.Fail(c.name, user)
	c.show(sonarerrors.AuthenticationFailed)
	p.doDisconnect(c, "authentication failed")
}

func (p *TaskProcessor) changePassword(c *Connection, current, password string) error {
	u := c.User()
	err := p.config.Authenticator.ChangePassword(u, []byte(current), func(err error) {
		p.schedule("finish password "+c.name, func() {
			if !p.hasClient(c) {
				return
			}
			if err == nil {
				_, err = p.config.Namespace.SetAttribute(
					name.ForAttribute(namespace.UserType, u.Name(), "password"), []string{password})
			}
			if err != nil {
				p.config.Logger.Debugf("password change for %s failed: %v", c.name, err)
				c.show(err)
			}
			c.flush()
		})
	})
	return errors.Trace(err)
}

// ScheduleAddObject adds o to the namespace without storing it and
// notifies watchers.
func (p *TaskProcessor) ScheduleAddObject(o namespace.SonarObject) error {
	_, err := p.scheduler.Schedule("add "+namespace.NameOf(o).String(), func(context.Context) error {
		if err := p.config.Namespace.AddObject(o); err != nil {
			return errors.Trace(err)
		}
		p.notifyObject(o)
		return nil
	})
	return errors.Trace(err)
}

// StoreObject stores o and notifies watchers. A job on the processor
// must pass the context it was given: that is how the call is known to
// run on the processor, and it then stores inline. Any other context
// queues the store and waits for at most the store timeout, so a job
// passing an unrelated context blocks itself until the timeout expires.
// A timeout does not cancel the store.
func (p *TaskProcessor) StoreObject(ctx context.Context, o namespace.SonarObject) error {
	if p.scheduler.IsCurrent(ctx) {
		return p.doStoreObject(o)
	}
	job, err := p.scheduler.Schedule("store "+namespace.NameOf(o).String(), func(context.Context) error {
		return p.doStoreObject(o)
	})
	if err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(job.WaitForCompletion(p.config.StoreTimeout))
}

func (p *TaskProcessor) doStoreObject(o namespace.SonarObject) error {
	if err := p.config.Namespace.StoreObject(o); err != nil {
		return errors.Trace(err)
	}
	p.notifyObject(o)
	return nil
}

// ScheduleRemoveObject removes o after notifying watchers.
func (p *TaskProcessor) ScheduleRemoveObject(o namespace.SonarObject) error {
	_, err := p.scheduler.Schedule("remove "+namespace.NameOf(o).String(), func(context.Context) error {
		return p.doRemoveObject(o)
	})
	return errors.Trace(err)
}

func (p *TaskProcessor) doRemoveObject(o namespace.SonarObject) error {
	if c, ok := o.(*Connection); ok {
		p.doDisconnect(c, "removed")
		return nil
	}
	// Watchers must be able to resolve the name when they are told.
	p.notifyRemove(namespace.NameOf(o))
	return errors.Trace(p.config.Namespace.RemoveObject(o))
}

// ScheduleSetAttribute notifies watchers of the current value of an
// attribute changed by server side code.
func (p *TaskProcessor) ScheduleSetAttribute(o namespace.SonarObject, aname string) error {
	n := name.ForAttribute(o.TypeName(), o.Name(), aname)
	_, err := p.scheduler.Schedule("set "+n.String(), func(context.Context) error {
		p.notifyAttribute(n)
		return nil
	})
	return errors.Trace(err)
}

func (p *TaskProcessor) notifyObject(o namespace.SonarObject) {
	for _, c := range p.Connections() {
		c.notifyObject(o)
	}
}

func (p *TaskProcessor) notifyAttribute(n name.Name) {
	if !p.config.Namespace.IsReadable(n) {
		return
	}
	values, err := p.config.Namespace.GetAttribute(n)
	if err != nil {
		p.config.Logger.Debugf("not notifying %s: %v", n, err)
		return
	}
	for _, c := range p.Connections() {
		c.notifyAttribute(n, values)
	}
}

func (p *TaskProcessor) notifyRemove(n name.Name) {
	for _, c := range p.Connections() {
		c.notifyRemove(n)
	}
}

func (p *TaskProcessor) writeSessionList() {
	if p.config.SessionFile == "" {
		return
	}
	var b strings.Builder
	for _, c := range p.Connections() {
		fmt.Fprintf(&b, "%d\n", c.SessionID())
	}
	if err := utils.AtomicWriteFile(p.config.SessionFile, []byte(b.String()), 0600); err != nil {
		p.config.Logger.Warningf("cannot write session list: %v", err)
	}
}
