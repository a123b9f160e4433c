// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package auth verifies user credentials. Checks run on their own
// scheduler so that slow providers never hold up the task processor.
package auth

import (
	"context"
	"sync"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/worker/v4"
	"github.com/juju/worker/v4/catacomb"

	sonarerrors "github.com/juju/sonar/core/errors"
	"github.com/juju/sonar/core/namespace"
	"github.com/juju/sonar/core/sched"
)

// SchedulerName is the name of the authentication scheduler.
const SchedulerName = "sonar_auth"

// Provider checks a password for a user.
type Provider interface {
	Authenticate(ctx context.Context, u namespace.User, name string, password []byte) bool
}

// ProviderFunc adapts a function to the Provider interface.
type ProviderFunc func(ctx context.Context, u namespace.User, name string, password []byte) bool

// Authenticate is part of the Provider interface.
func (f ProviderFunc) Authenticate(ctx context.Context, u namespace.User, name string, password []byte) bool {
	return f(ctx, u, name, password)
}

// Logger represents the methods used by the authenticator to log details.
type Logger interface {
	Errorf(string, ...interface{})
	Warningf(string, ...interface{})
	Debugf(string, ...interface{})
	Tracef(string, ...interface{})
}

// Config holds the dependencies of an Authenticator.
type Config struct {
	Clock   clock.Clock
	Logger  Logger
	Metrics *sched.Metrics
}

// Validate returns an error if the config cannot be used.
func (config Config) Validate() error {
	if config.Clock == nil {
		return errors.NotValidf("nil Clock")
	}
	if config.Logger == nil {
		return errors.NotValidf("nil Logger")
	}
	return nil
}

// Authenticator checks credentials against a list of providers.
type Authenticator struct {
	catacomb  catacomb.Catacomb
	config    Config
	scheduler *sched.Scheduler

	mu        sync.Mutex
	providers []Provider
}

// NewAuthenticator starts an authenticator with no providers.
func NewAuthenticator(config Config) (*Authenticator, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	scheduler, err := sched.NewScheduler(sched.Config{
		Name:    SchedulerName,
		Clock:   config.Clock,
		Logger:  config.Logger,
		Metrics: config.Metrics,
	})
	if err != nil {
		return nil, errors.Trace(err)
	}
	a := &Authenticator{
		config:    config,
		scheduler: scheduler,
	}
	if err := catacomb.Invoke(catacomb.Plan{
		Site: &a.catacomb,
		Work: a.loop,
		Init: []worker.Worker{scheduler},
	}); err != nil {
		return nil, errors.Trace(err)
	}
	return a, nil
}

func (a *Authenticator) loop() error {
	<-a.catacomb.Dying()
	return a.catacomb.ErrDying()
}

// Kill is part of the worker.Worker interface.
func (a *Authenticator) Kill() {
	a.catacomb.Kill(nil)
}

// Wait is part of the worker.Worker interface.
func (a *Authenticator) Wait() error {
	return a.catacomb.Wait()
}

// AddProvider adds a provider. The most recently added provider is
// consulted first.
func (a *Authenticator) AddProvider(p Provider) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.providers = append([]Provider{p}, a.providers...)
}

func (a *Authenticator) providerList() []Provider {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]Provider(nil), a.providers...)
}

// Authenticate checks a login asynchronously and calls done with nil on
// success or AuthenticationFailed. The password is zeroed once checked.
func (a *Authenticator) Authenticate(u namespace.User, name string, password []byte, done func(error)) error {
	_, err := a.scheduler.Schedule("authenticate "+name, func(ctx context.Context) error {
		defer zero(password)
		if a.check(ctx, u, name, password) {
			a.config.Logger.Debugf("authenticated %q", name)
			done(nil)
		} else {
			a.config.Logger.Debugf("authentication failed for %q", name)
			done(sonarerrors.AuthenticationFailed)
		}
		return nil
	})
	return errors.Trace(err)
}

// ChangePassword checks the current password of u asynchronously and calls
// done with nil if it is correct. The caller sets the new password.
func (a *Authenticator) ChangePassword(u namespace.User, current []byte, done func(error)) error {
	if isNilUser(u) {
		zero(current)
		done(sonarerrors.AuthenticationFailed)
		return nil
	}
	return a.Authenticate(u, u.Name(), current, done)
}

func (a *Authenticator) check(ctx context.Context, u namespace.User, name string, password []byte) bool {
	if isNilUser(u) || !u.Enabled() || len(password) == 0 {
		return false
	}
	for _, p := range a.providerList() {
		if p.Authenticate(ctx, u, name, password) {
			return true
		}
	}
	return false
}

func isNilUser(u namespace.User) bool {
	return u == nil
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
