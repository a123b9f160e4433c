// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package client

import (
	"context"
	"crypto/tls"
	"io"
	"net"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/retry"

	"github.com/juju/sonar/server"
)

const (
	defaultDialAttempts = 5
	defaultDialDelay    = time.Second
	defaultDialTimeout  = 10 * time.Second
)

// DialConfig describes how to reach a server.
type DialConfig struct {
	// Address is host:port for a plain or TLS connection, or a ws://
	// or wss:// URL for a websocket connection.
	Address string

	// TLSConfig, if set, secures a host:port connection. It is also
	// used for wss:// URLs.
	TLSConfig *tls.Config

	// Attempts and Delay control retries. They default to 5 attempts
	// one second apart.
	Attempts int
	Delay    time.Duration

	Clock  clock.Clock
	Logger Logger
}

// Validate returns an error if the config cannot be used.
func (config DialConfig) Validate() error {
	if config.Address == "" {
		return errors.NotValidf("empty Address")
	}
	if config.Clock == nil {
		return errors.NotValidf("nil Clock")
	}
	if config.Logger == nil {
		return errors.NotValidf("nil Logger")
	}
	return nil
}

func isWebsocket(addr string) bool {
	return strings.HasPrefix(addr, "ws://") || strings.HasPrefix(addr, "wss://")
}

// Dial connects to a server, retrying failed attempts.
func Dial(ctx context.Context, config DialConfig) (io.ReadWriteCloser, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	attempts := config.Attempts
	if attempts == 0 {
		attempts = defaultDialAttempts
	}
	delay := config.Delay
	if delay == 0 {
		delay = defaultDialDelay
	}
	var conn io.ReadWriteCloser
	err := retry.Call(retry.CallArgs{
		Func: func() error {
			var err error
			conn, err = dialOnce(ctx, config)
			return err
		},
		NotifyFunc: func(err error, attempt int) {
			config.Logger.Debugf("dial %s attempt %d: %v", config.Address, attempt, err)
		},
		Attempts: attempts,
		Delay:    delay,
		Clock:    config.Clock,
		Stop:     ctx.Done(),
	})
	if retry.IsAttemptsExceeded(err) || retry.IsRetryStopped(err) {
		err = retry.LastError(err)
	}
	if err != nil {
		return nil, errors.Annotatef(err, "dialing %s", config.Address)
	}
	return conn, nil
}

func dialOnce(ctx context.Context, config DialConfig) (io.ReadWriteCloser, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultDialTimeout)
	defer cancel()
	if isWebsocket(config.Address) {
		dialer := websocket.Dialer{
			TLSClientConfig:  config.TLSConfig,
			HandshakeTimeout: defaultDialTimeout,
		}
		conn, _, err := dialer.DialContext(ctx, config.Address, nil)
		if err != nil {
			return nil, errors.Trace(err)
		}
		return server.NewWebsocketTransport(conn), nil
	}
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", config.Address)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if config.TLSConfig == nil {
		return conn, nil
	}
	tlsConn := tls.Client(conn, config.TLSConfig)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		_ = conn.Close()
		return nil, errors.Trace(err)
	}
	return tlsConn, nil
}
