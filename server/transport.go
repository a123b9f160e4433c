// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package server

import (
	"io"
	"net"
	"time"

	"github.com/gorilla/websocket"
	"github.com/juju/errors"
)

// Transport carries the byte stream of one client. A net.Conn is a
// Transport.
type Transport interface {
	io.ReadWriteCloser
	RemoteAddr() net.Addr
	SetWriteDeadline(time.Time) error
}

// websocketTransport presents a websocket as a byte stream. Each write is
// sent as one binary message; message boundaries mean nothing to the
// record decoder.
type websocketTransport struct {
	conn   *websocket.Conn
	reader io.Reader
}

// NewWebsocketTransport wraps an upgraded websocket connection.
func NewWebsocketTransport(conn *websocket.Conn) Transport {
	return &websocketTransport{conn: conn}
}

// Read is part of the io.Reader interface.
func (t *websocketTransport) Read(p []byte) (int, error) {
	for {
		if t.reader == nil {
			kind, r, err := t.conn.NextReader()
			if err != nil {
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					return 0, io.EOF
				}
				return 0, errors.Trace(err)
			}
			if kind != websocket.BinaryMessage && kind != websocket.TextMessage {
				continue
			}
			t.reader = r
		}
		n, err := t.reader.Read(p)
		if err == io.EOF {
			t.reader = nil
			if n == 0 {
				continue
			}
			err = nil
		}
		return n, err
	}
}

// Write is part of the io.Writer interface.
func (t *websocketTransport) Write(p []byte) (int, error) {
	if err := t.conn.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, errors.Trace(err)
	}
	return len(p), nil
}

// Close is part of the io.Closer interface.
func (t *websocketTransport) Close() error {
	return t.conn.Close()
}

// RemoteAddr is part of the Transport interface.
func (t *websocketTransport) RemoteAddr() net.Addr {
	return t.conn.RemoteAddr()
}

// SetWriteDeadline is part of the Transport interface.
func (t *websocketTransport) SetWriteDeadline(deadline time.Time) error {
	return t.conn.SetWriteDeadline(deadline)
}
