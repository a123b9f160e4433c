// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package server

import (
	"crypto/tls"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/worker/v4/catacomb"

	sonarerrors "github.com/juju/sonar/core/errors"
)

const (
	minAcceptDelay = 5 * time.Millisecond
	maxAcceptDelay = time.Second
)

// Connector accepts new client transports.
type Connector interface {
	Connect(t Transport) error
}

// Config holds the dependencies of a Server.
type Config struct {
	Listener  net.Listener
	Connector Connector
	Clock     clock.Clock
	Logger    Logger
}

// Validate returns an error if the config cannot be used.
func (config Config) Validate() error {
	if config.Listener == nil {
		return errors.NotValidf("nil Listener")
	}
	if config.Connector == nil {
		return errors.NotValidf("nil Connector")
	}
	if config.Clock == nil {
		return errors.NotValidf("nil Clock")
	}
	if config.Logger == nil {
		return errors.NotValidf("nil Logger")
	}
	return nil
}

// Server accepts clients on a listener and hands them to a Connector.
type Server struct {
	catacomb catacomb.Catacomb
	config   Config
}

// NewServer starts accepting connections. The listener is closed when the
// server is killed.
func NewServer(config Config) (*Server, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	s := &Server{config: config}
	if err := catacomb.Invoke(catacomb.Plan{
		Site: &s.catacomb,
		Work: s.loop,
	}); err != nil {
		return nil, errors.Trace(err)
	}
	return s, nil
}

// Kill is part of the worker.Worker interface.
func (s *Server) Kill() {
	s.catacomb.Kill(nil)
}

// Wait is part of the worker.Worker interface.
func (s *Server) Wait() error {
	return s.catacomb.Wait()
}

// Addr returns the address the server listens on.
func (s *Server) Addr() net.Addr {
	return s.config.Listener.Addr()
}

func (s *Server) loop() error {
	go func() {
		<-s.catacomb.Dying()
		_ = s.config.Listener.Close()
	}()
	var delay time.Duration
	for {
		conn, err := s.config.Listener.Accept()
		if err != nil {
			select {
			case <-s.catacomb.Dying():
				return s.catacomb.ErrDying()
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return errors.Annotate(err, "accepting connections")
			}
			// Running out of file descriptors and similar conditions
			// clear up by themselves.
			delay *= 2
			if delay == 0 {
				delay = minAcceptDelay
			}
			if delay > maxAcceptDelay {
				delay = maxAcceptDelay
			}
			s.config.Logger.Warningf("accept failed, retrying in %v: %v", delay, err)
			select {
			case <-s.catacomb.Dying():
				return s.catacomb.ErrDying()
			case <-s.config.Clock.After(delay):
			}
			continue
		}
		delay = 0
		s.config.Logger.Debugf("accepted %s", conn.RemoteAddr())
		if err := s.config.Connector.Connect(conn); err != nil {
			s.config.Logger.Errorf("cannot connect %s: %v", conn.RemoteAddr(), err)
		}
	}
}

// NewTLSListener wraps l so that every client must complete a TLS
// handshake with the given key pair.
func NewTLSListener(l net.Listener, certFile, keyFile string) (net.Listener, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, sonarerrors.NewConfigurationError(err.Error())
	}
	return tls.NewListener(l, &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}), nil
}

var websocketUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// WebsocketHandler serves the SONAR protocol over websockets. Each binary
// message carries a piece of the record stream.
type WebsocketHandler struct {
	Connector Connector
	Logger    Logger
}

// ServeHTTP implements the http.Handler interface.
func (h *WebsocketHandler) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	conn, err := websocketUpgrader.Upgrade(w, req, nil)
	if err != nil {
		h.Logger.Errorf("problem initiating websocket: %v", err)
		return
	}
	if err := h.Connector.Connect(NewWebsocketTransport(conn)); err != nil {
		h.Logger.Errorf("cannot connect %s: %v", conn.RemoteAddr(), err)
	}
}
