////////////////////////////////////////////////////////////////////////////////
// Copyright © 2025 Tern Foundation                                           //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

// Package feed multiplexes remote change subscriptions for the state
// synchronizers. Each subscription gets its own pump goroutine, so events
// within one subscription are delivered in order while separate subscriptions
// stay independent. When a subscription's transport fails, the pump
// transparently reattaches with exponential backoff and then asks its owner
// to re-fetch; lost events are never replayed.
package feed

import (
	"context"
	"sync"
	"time"

	"github.com/aquilax/truncate"
	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"github.com/rs/xid"
	jww "github.com/spf13/jwalterweatherman"

	"gitlab.com/ternchat/tern-sdk/remote"
)

// EventFunc is called for every change event delivered on a handle. Calls are
// sequential per handle; returning unblocks the next delivery.
type EventFunc func(event remote.ChangeEvent)

// ResyncFunc is called after a lost subscription has been reattached. The
// owner performs its own full re-fetch here; events emitted during the outage
// are gone and will not be replayed.
type ResyncFunc func()

// Error messages.
const (
	nilEventFuncErr      = "no event callback for topic %q"
	subscriberClosedErr  = "subscriber is closed"
	initialSubscribeErr  = "failed to open feed for topic %q"
	errSubscriberStopped = "subscriber stopped"
)

// Subscriber owns every live change-feed handle for one session.
type Subscriber struct {
	store   remote.Store
	name    string
	handles map[string]*Handle
	closed  bool

	// ctx is the lifetime of the subscriber; CloseAll cancels it, which also
	// aborts any reattach loop in progress.
	ctx    context.Context
	cancel context.CancelFunc

	Params

	mux sync.Mutex
}

// NewSubscriber creates a subscriber over the given store. The name appears
// in log lines to tell concurrent sessions apart.
func NewSubscriber(store remote.Store, name string, p Params) *Subscriber {
	ctx, cancel := context.WithCancel(context.Background())
	return &Subscriber{
		store:   store,
		name:    name,
		handles: make(map[string]*Handle),
		ctx:     ctx,
		cancel:  cancel,
		Params:  p,
	}
}

// Subscribe opens a change feed for the kind and predicate and starts a pump
// goroutine delivering its events to onEvent. The topic is a human-readable
// label for logs. onResync may be nil; when set, it is called after every
// transparent reattach so the owner can catch up with a full re-fetch.
func (s *Subscriber) Subscribe(topic string, kind remote.Kind,
	pred remote.Predicate, onEvent EventFunc,
	onResync ResyncFunc) (*Handle, error) {
	if onEvent == nil {
		return nil, errors.Errorf(nilEventFuncErr, topic)
	}

	s.mux.Lock()
	if s.closed {
		s.mux.Unlock()
		return nil, errors.New(subscriberClosedErr)
	}
	s.mux.Unlock()

	sub, err := s.store.Subscribe(s.ctx, kind, pred)
	if err != nil {
		return nil, errors.Wrapf(err, initialSubscribeErr, topic)
	}

	h := &Handle{
		id:       xid.New().String(),
		topic:    topic,
		kind:     kind,
		pred:     pred,
		onEvent:  onEvent,
		onResync: onResync,
		sub:      sub,
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
		s:        s,
	}

	s.mux.Lock()
	if s.closed {
		s.mux.Unlock()
		_ = sub.Close()
		return nil, errors.New(subscriberClosedErr)
	}
	s.handles[h.id] = h
	s.mux.Unlock()

	jww.INFO.Printf("[FEED] [%s] Opened handle %s for topic %q.",
		s.name, h.id, topic)

	go h.pump()

	return h, nil
}

// ActiveHandles returns the number of handles that have not been closed.
func (s *Subscriber) ActiveHandles() int {
	s.mux.Lock()
	defer s.mux.Unlock()
	return len(s.handles)
}

// CloseAll synchronously closes every live handle and refuses new
// subscriptions. It is called on sign-out and is idempotent.
func (s *Subscriber) CloseAll() {
	s.mux.Lock()
	s.closed = true
	open := make([]*Handle, 0, len(s.handles))
	for _, h := range s.handles {
		open = append(open, h)
	}
	s.mux.Unlock()

	s.cancel()
	for _, h := range open {
		h.Close()
	}

	jww.INFO.Printf("[FEED] [%s] Closed all handles (%d).", s.name, len(open))
}

func (s *Subscriber) remove(id string) {
	s.mux.Lock()
	defer s.mux.Unlock()
	delete(s.handles, id)
}

// Handle is one live subscription. Its pump goroutine delivers events
// sequentially until Close.
type Handle struct {
	id       string
	topic    string
	kind     remote.Kind
	pred     remote.Predicate
	onEvent  EventFunc
	onResync ResyncFunc

	// sub is the current remote subscription; the pump replaces it on
	// reattach, so access goes through the mutex.
	sub remote.Subscription

	// quit, when closed, stops the pump; done closes once the pump has
	// exited.
	quit chan struct{}
	done chan struct{}

	closeOnce sync.Once
	s         *Subscriber
	mux       sync.Mutex
}

// ID returns the handle's unique identifier, as used in log lines.
func (h *Handle) ID() string { return h.id }

// Topic returns the label the handle was opened with.
func (h *Handle) Topic() string { return h.topic }

// Close synchronously tears the subscription down. It returns only once the
// pump goroutine has exited, so no event is delivered after Close returns,
// including events already in flight when it was called. Close is idempotent.
//
// Close must not be called from the handle's own EventFunc; doing so would
// wait on the very goroutine making the call.
func (h *Handle) Close() {
	h.closeOnce.Do(func() {
		close(h.quit)

		h.mux.Lock()
		sub := h.sub
		h.mux.Unlock()
		if sub != nil {
			if err := sub.Close(); err != nil {
				jww.WARN.Printf("[FEED] [%s] Failed to close feed for "+
					"topic %q: %+v", h.id, h.topic, err)
			}
		}

		<-h.done
		h.s.remove(h.id)
		jww.INFO.Printf("[FEED] [%s] Closed handle for topic %q.",
			h.id, h.topic)
	})
}

// pump moves events from the remote subscription to the owner's callback,
// reattaching whenever the subscription dies underneath it.
func (h *Handle) pump() {
	jww.DEBUG.Printf("[FEED] [%s] Starting event pump for topic %q.",
		h.id, h.topic)
	defer close(h.done)

	h.mux.Lock()
	events := h.sub.Events()
	h.mux.Unlock()

	for {
		select {
		case <-h.quit:
			jww.DEBUG.Printf("[FEED] [%s] Quitting event pump for topic %q.",
				h.id, h.topic)
			return

		case ev, ok := <-events:
			if !ok {
				// Drain raced against quit: prefer quit.
				select {
				case <-h.quit:
					return
				default:
				}

				sub, err := h.reattach()
				if err != nil {
					jww.DEBUG.Printf("[FEED] [%s] Ending event pump for "+
						"topic %q: %+v", h.id, h.topic, err)
					return
				}

				h.mux.Lock()
				h.sub = sub
				h.mux.Unlock()
				events = sub.Events()

				if h.onResync != nil {
					h.onResync()
				}
				continue
			}

			h.deliver(ev)
		}
	}
}

// reattach reopens the remote subscription with exponential backoff. It only
// fails when the handle or its subscriber is being shut down.
func (h *Handle) reattach() (remote.Subscription, error) {
	jww.WARN.Printf("[FEED] [%s] Feed for topic %q lost; reattaching.",
		h.id, h.topic)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = h.s.RetryInitial
	bo.MaxInterval = h.s.RetryMax
	bo.Multiplier = h.s.RetryMultiplier
	bo.MaxElapsedTime = 0
	bo.Reset()

	for attempt, wait := 1, time.Duration(0); ; attempt++ {
		select {
		case <-h.quit:
			return nil, errors.New(errSubscriberStopped)
		case <-h.s.ctx.Done():
			return nil, errors.New(errSubscriberStopped)
		case <-time.After(wait):
		}

		sub, err := h.s.store.Subscribe(h.s.ctx, h.kind, h.pred)
		if err == nil {
			jww.INFO.Printf("[FEED] [%s] Reattached topic %q after %d "+
				"attempt(s).", h.id, h.topic, attempt)
			return sub, nil
		}

		wait = bo.NextBackOff()
		jww.WARN.Printf("[FEED] [%s] Reattach attempt %d for topic %q "+
			"failed (next try in %s): %+v", h.id, attempt, h.topic, wait, err)
	}
}

func (h *Handle) deliver(ev remote.ChangeEvent) {
	if h.s.EventLogging {
		jww.TRACE.Printf("[FEED] [%s] Delivering %s of %s row %s: %s",
			h.id, ev.Type, ev.Kind, ev.RowID, truncate.Truncate(
				string(ev.Row), 64, "...", truncate.PositionMiddle))
	}
	h.onEvent(ev)
}
