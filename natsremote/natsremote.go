////////////////////////////////////////////////////////////////////////////////
// Copyright © 2025 Tern Foundation                                           //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

// Package natsremote implements the remote store contract over NATS. CRUD is
// request-reply on per-operation subjects; change feeds are plain
// subscriptions on per-kind subjects, filtered client-side by the predicate.
// The nats client's own reconnect machinery carries subscriptions across
// outages, so a feed channel only closes when the connection is gone for
// good; events published during an outage are lost, as the contract allows.
package natsremote

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"

	"gitlab.com/ternchat/tern-sdk/remote"
)

// Subject layout: tern.rpc.{op}.{kind} for request-reply and
// tern.feed.{kind} for change events.
const (
	rpcPrefix  = "tern.rpc."
	feedPrefix = "tern.feed."
)

// RPC operations.
const (
	opInsert = "insert"
	opUpdate = "update"
	opQuery  = "query"
	opUpload = "upload"
)

// eventBuffer is the per-subscription event channel capacity.
const eventBuffer = 64

// Error messages.
const (
	connectErr        = "could not connect to NATS at %q"
	encodeRequestErr  = "could not encode %s request"
	rpcErr            = "%s %s failed: %s"
	decodeResponseErr = "could not decode %s response"
	subscribeErr      = "could not subscribe to %s feed: %s"
)

// rpcSubject returns the request-reply subject for an operation on a kind.
func rpcSubject(op string, kind remote.Kind) string {
	return rpcPrefix + op + "." + string(kind)
}

// feedSubject returns the change-event subject for a kind.
func feedSubject(kind remote.Kind) string {
	return feedPrefix + string(kind)
}

// request is the RPC envelope. Every call carries the session token; the
// remaining fields depend on the operation.
type request struct {
	Token      string           `json:"token"`
	ID         string           `json:"id,omitempty"`
	Fields     map[string]any   `json:"fields,omitempty"`
	Filter     remote.Predicate `json:"filter,omitempty"`
	OrderBy    string           `json:"order_by,omitempty"`
	Descending bool             `json:"descending,omitempty"`
	Limit      int              `json:"limit,omitempty"`
	Bucket     string           `json:"bucket,omitempty"`
	Path       string           `json:"path,omitempty"`
	Data       []byte           `json:"data,omitempty"`
}

// response is the RPC reply envelope. Exactly one of the payload fields is
// set on success; Error is set instead on failure.
type response struct {
	Row   json.RawMessage   `json:"row,omitempty"`
	Rows  []json.RawMessage `json:"rows,omitempty"`
	URL   string            `json:"url,omitempty"`
	Error *wireError        `json:"error,omitempty"`
}

// wireError carries a failure across the wire: the taxonomy code plus the
// human-readable message.
type wireError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Store speaks the Tern NATS protocol. It satisfies the remote store
// contract and is safe for concurrent use.
type Store struct {
	conn  *nats.Conn
	token string
	p     Params

	mux    sync.Mutex
	subs   map[int]*feedSub
	nextID int
}

// Connect dials the NATS server and returns a store authenticating its calls
// with the given session token.
func Connect(url, token string, p Params) (*Store, error) {
	s := &Store{
		token: token,
		p:     p,
		subs:  make(map[int]*feedSub),
	}

	opts := []nats.Option{
		nats.Timeout(p.ConnectTimeout),
		nats.MaxReconnects(p.MaxReconnects),
		nats.ReconnectWait(p.ReconnectWait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			jww.WARN.Printf("[NATS] Disconnected: %+v", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			jww.INFO.Printf("[NATS] Reconnected to %s.", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(*nats.Conn) {
			jww.INFO.Print("[NATS] Connection closed.")
			s.dropFeeds()
		}),
	}

	conn, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, errors.Wrapf(err, connectErr, url)
	}
	s.conn = conn
	return s, nil
}

// Close drains the connection. Every live feed channel closes.
func (s *Store) Close() {
	s.conn.Close()
}

// Insert creates a row via the insert RPC.
func (s *Store) Insert(ctx context.Context, kind remote.Kind,
	fields map[string]any) (json.RawMessage, error) {
	resp, err := s.rpc(ctx, opInsert, kind, request{Fields: fields})
	if err != nil {
		return nil, err
	}
	return resp.Row, nil
}

// Update patches a row via the update RPC.
func (s *Store) Update(ctx context.Context, kind remote.Kind, id string,
	fields map[string]any) (json.RawMessage, error) {
	resp, err := s.rpc(ctx, opUpdate, kind, request{ID: id, Fields: fields})
	if err != nil {
		return nil, err
	}
	return resp.Row, nil
}

// Query fetches matching rows via the query RPC.
func (s *Store) Query(ctx context.Context, kind remote.Kind,
	pred remote.Predicate, opts remote.QueryOpts) ([]json.RawMessage, error) {
	resp, err := s.rpc(ctx, opQuery, kind, request{
		Filter:     pred,
		OrderBy:    opts.OrderBy,
		Descending: opts.Descending,
		Limit:      opts.Limit,
	})
	if err != nil {
		return nil, err
	}
	return resp.Rows, nil
}

// UploadBlob stores raw bytes via the upload RPC and returns the blob's
// public URL. The kind segment of the subject is the bucket.
func (s *Store) UploadBlob(ctx context.Context, bucket, path string,
	data []byte) (string, error) {
	resp, err := s.rpc(ctx, opUpload, remote.Kind(bucket), request{
		Bucket: bucket,
		Path:   path,
		Data:   data,
	})
	if err != nil {
		return "", err
	}
	return resp.URL, nil
}

// rpc runs one request-reply round trip and unwraps the reply envelope.
func (s *Store) rpc(ctx context.Context, op string, kind remote.Kind,
	req request) (*response, error) {
	req.Token = s.token
	data, err := json.Marshal(req)
	if err != nil {
		return nil, errors.Wrapf(err, encodeRequestErr, op)
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.p.RequestTimeout)
		defer cancel()
	}

	msg, err := s.conn.RequestWithContext(ctx, rpcSubject(op, kind), data)
	if err != nil {
		return nil, errors.WithMessagef(remote.ErrTransport,
			rpcErr, op, kind, err)
	}
	return parseReply(op, msg.Data)
}

// parseReply decodes a reply envelope, translating wire errors onto the
// taxonomy. Codes this version does not know pass through as plain errors.
func parseReply(op string, data []byte) (*response, error) {
	var resp response
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, errors.Wrapf(err, decodeResponseErr, op)
	}

	if resp.Error != nil {
		sentinel := remote.FromCode(resp.Error.Code)
		if sentinel == nil {
			return nil, errors.New(resp.Error.Message)
		}
		return nil, errors.WithMessage(sentinel, resp.Error.Message)
	}
	return &resp, nil
}

// Subscribe opens a feed subscription for the kind. Filtering happens
// client-side: the service publishes every change of the kind and each
// subscriber keeps what its predicate matches.
func (s *Store) Subscribe(_ context.Context, kind remote.Kind,
	pred remote.Predicate) (remote.Subscription, error) {
	fs := &feedSub{
		kind:   kind,
		events: make(chan remote.ChangeEvent, eventBuffer),
		raw:    make(chan remote.ChangeEvent, eventBuffer),
		quit:   make(chan struct{}),
	}

	sub, err := s.conn.Subscribe(feedSubject(kind), func(msg *nats.Msg) {
		ev, ok := decodeEvent(kind, msg.Data, pred)
		if !ok {
			return
		}
		select {
		case fs.raw <- ev:
		default:
			// Slow consumer; at-most-once delivery allows the drop.
		}
	})
	if err != nil {
		return nil, errors.WithMessagef(remote.ErrTransport,
			subscribeErr, kind, err)
	}
	fs.sub = sub

	s.mux.Lock()
	fs.id = s.nextID
	fs.store = s
	s.subs[fs.id] = fs
	s.nextID++
	s.mux.Unlock()

	go fs.forward()
	return fs, nil
}

// dropFeeds closes every live feed after the connection is permanently
// gone, so owners notice and resubscribe against a future store.
func (s *Store) dropFeeds() {
	s.mux.Lock()
	subs := make([]*feedSub, 0, len(s.subs))
	for _, fs := range s.subs {
		subs = append(subs, fs)
	}
	s.mux.Unlock()

	for _, fs := range subs {
		_ = fs.Close()
	}
}

// decodeEvent decodes one published change and applies the predicate.
// Malformed frames and non-matching rows are dropped.
func decodeEvent(kind remote.Kind, data []byte,
	pred remote.Predicate) (remote.ChangeEvent, bool) {
	var ev remote.ChangeEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		jww.WARN.Printf(
			"[NATS] Dropping malformed %s feed event: %+v", kind, err)
		return remote.ChangeEvent{}, false
	}
	return ev, pred.MatchJSON(ev.Row)
}

// feedSub is one live feed subscription. The nats handler feeds raw; the
// forward goroutine owns the events channel, so closing is race-free.
type feedSub struct {
	id    int
	store *Store
	kind  remote.Kind
	sub   *nats.Subscription

	events chan remote.ChangeEvent
	raw    chan remote.ChangeEvent

	closeOnce sync.Once
	quit      chan struct{}
}

// Events returns the event channel. It closes when the subscription is
// closed or the connection is permanently gone.
func (fs *feedSub) Events() <-chan remote.ChangeEvent { return fs.events }

// Close unsubscribes and closes the event channel. Buffered events may be
// lost, consistent with at-most-once delivery.
func (fs *feedSub) Close() error {
	var err error
	fs.closeOnce.Do(func() {
		err = fs.sub.Unsubscribe()
		close(fs.quit)

		if fs.store != nil {
			fs.store.mux.Lock()
			delete(fs.store.subs, fs.id)
			fs.store.mux.Unlock()
		}
	})
	if err == nats.ErrConnectionClosed || err == nats.ErrBadSubscription {
		// The connection tearing down already ended the subscription.
		err = nil
	}
	return err
}

// forward moves events from the handler to the consumer until the
// subscription closes. It is the only closer of the events channel.
func (fs *feedSub) forward() {
	for {
		select {
		case ev := <-fs.raw:
			select {
			case fs.events <- ev:
			case <-fs.quit:
				close(fs.events)
				return
			}
		case <-fs.quit:
			close(fs.events)
			return
		}
	}
}
