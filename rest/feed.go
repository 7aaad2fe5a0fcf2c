////////////////////////////////////////////////////////////////////////////////
// Copyright © 2025 Tern Foundation                                           //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

package rest

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"

	"gitlab.com/ternchat/tern-sdk/remote"
)

// Feed socket keepalive.
const (
	// writeWait is the time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// pongWait is the time allowed to read the next pong from the peer.
	pongWait = 60 * time.Second

	// pingPeriod is how often pings go out. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10
)

// eventBuffer is the per-subscription event channel capacity.
const eventBuffer = 64

// Error messages.
const (
	encodeFilterErr = "could not encode feed filter"
	dialFeedErr     = "could not open feed for %s: %s"
)

// Subscribe opens one WebSocket on GET /v1/feed for the kind and predicate.
// Events arrive as JSON frames; the subscription's channel closes on any
// socket failure, at which point the caller resubscribes.
func (s *Store) Subscribe(ctx context.Context, kind remote.Kind,
	pred remote.Predicate) (remote.Subscription, error) {
	wsURL := s.base
	switch wsURL.Scheme {
	case "https":
		wsURL.Scheme = "wss"
	default:
		wsURL.Scheme = "ws"
	}
	wsURL.Path += feedPath

	q := url.Values{}
	q.Set("kind", string(kind))
	if len(pred) > 0 {
		filter, err := json.Marshal(pred)
		if err != nil {
			return nil, errors.Wrap(err, encodeFilterErr)
		}
		q.Set("filter", string(filter))
	}
	wsURL.RawQuery = q.Encode()

	dialer := websocket.Dialer{HandshakeTimeout: s.p.HandshakeTimeout}
	header := http.Header{"Authorization": []string{"Bearer " + s.token}}
	conn, resp, err := dialer.DialContext(ctx, wsURL.String(), header)
	if err != nil {
		if resp != nil {
			_ = resp.Body.Close()
		}
		return nil, errors.WithMessagef(remote.ErrTransport,
			dialFeedErr, kind, err)
	}

	fc := &feedConn{
		conn:   conn,
		kind:   kind,
		events: make(chan remote.ChangeEvent, eventBuffer),
		quit:   make(chan struct{}),
	}
	go fc.readPump(s.p.MaxEventSize)
	go fc.writePump()

	return fc, nil
}

// feedConn is one live feed subscription over its own WebSocket. The read
// pump owns the events channel; the write pump owns the socket's write side
// and keeps the connection alive with pings.
type feedConn struct {
	conn   *websocket.Conn
	kind   remote.Kind
	events chan remote.ChangeEvent

	closeOnce sync.Once
	quit      chan struct{}
}

// Events returns the event channel. It closes when the socket dies or the
// subscription is closed.
func (fc *feedConn) Events() <-chan remote.ChangeEvent { return fc.events }

// Close shuts the subscription down. The events channel closes shortly
// after; pending events may be lost, consistent with at-most-once delivery.
func (fc *feedConn) Close() error {
	fc.closeOnce.Do(func() { close(fc.quit) })
	return nil
}

// readPump reads event frames into the events channel until the socket
// fails. It is the only reader and the only closer of the events channel.
func (fc *feedConn) readPump(maxEventSize int64) {
	defer func() {
		_ = fc.conn.Close()
		close(fc.events)
	}()

	fc.conn.SetReadLimit(maxEventSize)
	_ = fc.conn.SetReadDeadline(time.Now().Add(pongWait))
	fc.conn.SetPongHandler(func(string) error {
		return fc.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, frame, err := fc.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				jww.DEBUG.Printf(
					"[REST] Feed socket for %s failed: %+v", fc.kind, err)
			}
			return
		}

		var ev remote.ChangeEvent
		if err = json.Unmarshal(frame, &ev); err != nil {
			jww.WARN.Printf(
				"[REST] Dropping malformed %s feed frame: %+v", fc.kind, err)
			continue
		}

		select {
		case fc.events <- ev:
		case <-fc.quit:
			return
		}
	}
}

// writePump pings the peer on a ticker and sends the close frame when the
// subscription is closed. It is the only writer on the socket.
func (fc *feedConn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = fc.conn.Close()
	}()

	for {
		select {
		case <-ticker.C:
			_ = fc.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := fc.conn.WriteMessage(
				websocket.PingMessage, nil); err != nil {
				return
			}
		case <-fc.quit:
			_ = fc.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = fc.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(
					websocket.CloseNormalClosure, ""))
			return
		}
	}
}
