// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package main

import (
	"context"
	"net"
	"net/http"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
	"github.com/juju/pubsub/v2"
	"github.com/juju/worker/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/juju/sonar/core/namespace"
	"github.com/juju/sonar/core/sched"
	"github.com/juju/sonar/internal/backingstore"
	"github.com/juju/sonar/internal/config"
	"github.com/juju/sonar/server"
	"github.com/juju/sonar/server/access"
	"github.com/juju/sonar/server/auth"
	"github.com/juju/sonar/server/observer"
)

// AdminName names the user, role, capability and privilege created in a
// new server.
const AdminName = "admin"

type daemonParams struct {
	Config        config.Config
	AdminPassword string
	Logger        loggo.Logger

	// Listener, if set, is used instead of listening on the configured
	// address.
	Listener net.Listener
}

// daemon holds the running parts of a server.
type daemon struct {
	params daemonParams

	store     *backingstore.Store
	ns        *server.Namespace
	hub       *pubsub.SimpleHub
	registry  *prometheus.Registry
	auth      *auth.Authenticator
	processor *server.TaskProcessor
	server    *server.Server
	workers   []worker.Worker

	httpServers   []*http.Server
	httpListeners []net.Listener
}

// newDaemon restores the namespace and starts every component. Nothing is
// served until run is called, apart from the main listener which accepts
// straight away.
func newDaemon(params daemonParams) (_ *daemon, err error) {
	d := &daemon{
		params:   params,
		registry: prometheus.NewRegistry(),
		hub: pubsub.NewSimpleHub(&pubsub.SimpleHubConfig{
			Logger: loggo.GetLogger("sonar.hub"),
		}),
	}
	defer func() {
		if err != nil {
			d.stop()
		}
	}()

	if err := d.openNamespace(); err != nil {
		return nil, errors.Trace(err)
	}
	if err := d.startWorkers(); err != nil {
		return nil, errors.Trace(err)
	}
	if err := d.startListeners(); err != nil {
		return nil, errors.Trace(err)
	}
	return d, nil
}

func (d *daemon) openNamespace() error {
	cfg := d.params.Config
	var store server.ObjectStore
	if cfg.Database != "" {
		var err error
		d.store, err = backingstore.Open(context.Background(), backingstore.Config{
			Path:   cfg.Database,
			Clock:  clock.WallClock,
			Logger: d.params.Logger.Child("store"),
		})
		if err != nil {
			return errors.Trace(err)
		}
		store = d.store
	}
	d.ns = server.NewNamespace(store)
	if len(cfg.AllowNetworks) > 0 {
		d.ns.SetAddressFilter(server.AllowNetworks(cfg.AllowNetworks))
	}
	for _, schema := range access.Schemas() {
		d.ns.RegisterType(schema, store != nil)
	}
	if d.store != nil {
		if err := d.ns.Load(d.store); err != nil {
			return errors.Trace(err)
		}
	}
	if d.ns.Count(namespace.UserType) == 0 {
		return errors.Trace(d.bootstrap())
	}
	return nil
}

// bootstrap creates an administrator with every privilege.
func (d *daemon) bootstrap() error {
	if d.params.AdminPassword == "" {
		d.params.Logger.Warningf("no users defined and no admin password given; nobody can log in")
		return nil
	}
	capability := access.NewCapability(AdminName)
	capability.SetEnabled(true)
	privilege := access.NewPrivilege(AdminName)
	privilege.SetCapability(capability)
	if err := privilege.SetPattern(".*"); err != nil {
		return errors.Trace(err)
	}
	privilege.SetFlags(true, true, true, true)
	role := access.NewRole(AdminName)
	role.SetEnabled(true)
	role.SetCapabilities(capability)
	user := access.NewUser(AdminName)
	user.SetFullName("Administrator")
	user.SetEnabled(true)
	user.SetRole(role)
	if err := user.SetPassword(d.params.AdminPassword); err != nil {
		return errors.Trace(err)
	}
	for _, o := range []namespace.SonarObject{capability, privilege, role, user} {
		if err := d.ns.StoreObject(o); err != nil {
			return errors.Annotatef(err, "creating %s", namespace.NameOf(o))
		}
	}
	d.params.Logger.Infof("created user %q", AdminName)
	return nil
}

func (d *daemon) startWorkers() error {
	cfg := d.params.Config
	logger := d.params.Logger

	metrics := sched.NewMetrics()
	monitorMetrics := observer.NewMetricsMonitor()
	d.registry.MustRegister(metrics, monitorMetrics)

	var err error
	d.auth, err = auth.NewAuthenticator(auth.Config{
		Clock:   clock.WallClock,
		Logger:  logger.Child("auth"),
		Metrics: metrics,
	})
	if err != nil {
		return errors.Trace(err)
	}
	d.workers = append(d.workers, d.auth)
	// The first provider listed is consulted first.
	for i := len(cfg.AuthProviders) - 1; i >= 0; i-- {
		switch cfg.AuthProviders[i] {
		case config.LocalProvider:
			d.auth.AddProvider(auth.LocalProvider{})
		case config.AllowAllProvider:
			logger.Warningf("any password is accepted for enabled users")
			d.auth.AddProvider(auth.AllowAllProvider{})
		}
	}

	d.processor, err = server.NewTaskProcessor(server.ProcessorConfig{
		Namespace:     d.ns,
		Authenticator: d.auth,
		Clock:         clock.WallClock,
		Logger:        logger.Child("processor"),
		Monitor: observer.Multi(
			observer.NewLogMonitor(logger.Child("access"), clock.WallClock),
			observer.NewHubMonitor(d.hub),
			monitorMetrics,
		),
		Metrics:        metrics,
		SessionFile:    cfg.SessionFile,
		StoreTimeout:   cfg.StoreTimeout,
		ViolationLimit: cfg.ViolationLimit,
		MaxRecord:      cfg.MaxRecord,
	})
	if err != nil {
		return errors.Trace(err)
	}
	d.workers = append(d.workers, d.processor)
	return nil
}

func (d *daemon) startListeners() error {
	cfg := d.params.Config
	logger := d.params.Logger

	l := d.params.Listener
	if l == nil {
		var err error
		if l, err = net.Listen("tcp", cfg.Address()); err != nil {
			return errors.Trace(err)
		}
	}
	if cfg.TLS() {
		tlsListener, err := server.NewTLSListener(l, cfg.TLSCertFile, cfg.TLSKeyFile)
		if err != nil {
			_ = l.Close()
			return errors.Trace(err)
		}
		l = tlsListener
	}
	var err error
	d.server, err = server.NewServer(server.Config{
		Listener:  l,
		Connector: d.processor,
		Clock:     clock.WallClock,
		Logger:    logger.Child("server"),
	})
	if err != nil {
		_ = l.Close()
		return errors.Trace(err)
	}
	d.workers = append(d.workers, d.server)
	logger.Infof("listening on %s", d.server.Addr())

	if addr := cfg.WebsocketAddress(); addr != "" {
		handler := &server.WebsocketHandler{
			Connector: d.processor,
			Logger:    logger.Child("websocket"),
		}
		if err := d.listenHTTP(addr, handler); err != nil {
			return errors.Annotate(err, "websocket listener")
		}
	}
	if cfg.MetricsAddress != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(d.registry, promhttp.HandlerOpts{}))
		if err := d.listenHTTP(cfg.MetricsAddress, mux); err != nil {
			return errors.Annotate(err, "metrics listener")
		}
	}
	return nil
}

func (d *daemon) listenHTTP(addr string, handler http.Handler) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Trace(err)
	}
	d.params.Logger.Infof("serving http on %s", l.Addr())
	d.httpServers = append(d.httpServers, &http.Server{Handler: handler})
	d.httpListeners = append(d.httpListeners, l)
	return nil
}

// Addr returns the address of the main listener.
func (d *daemon) Addr() net.Addr {
	return d.server.Addr()
}

// HTTPAddrs returns the addresses of the websocket and metrics listeners.
func (d *daemon) HTTPAddrs() []net.Addr {
	addrs := make([]net.Addr, len(d.httpListeners))
	for i, l := range d.httpListeners {
		addrs[i] = l.Addr()
	}
	return addrs
}

// run serves until ctx is done or a component fails, then stops every
// component.
func (d *daemon) run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, w := range d.workers {
		w := w
		g.Go(w.Wait)
	}
	for i, srv := range d.httpServers {
		srv, l := srv, d.httpListeners[i]
		g.Go(func() error {
			if err := srv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return errors.Trace(err)
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		d.params.Logger.Infof("shutting down")
		d.stop()
		return nil
	})
	return errors.Trace(g.Wait())
}

// stop kills every component, stopping the listener first so that no new
// connection arrives while the processor goes away.
func (d *daemon) stop() {
	for _, srv := range d.httpServers {
		_ = srv.Close()
	}
	for _, l := range d.httpListeners {
		_ = l.Close()
	}
	for i := len(d.workers) - 1; i >= 0; i-- {
		d.workers[i].Kill()
	}
	for i := len(d.workers) - 1; i >= 0; i-- {
		if err := d.workers[i].Wait(); err != nil {
			d.params.Logger.Errorf("stopping: %v", err)
		}
	}
	if d.store != nil {
		if err := d.store.Close(); err != nil {
			d.params.Logger.Warningf("closing store: %v", err)
		}
		d.store = nil
	}
}
