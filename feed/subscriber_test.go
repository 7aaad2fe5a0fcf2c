////////////////////////////////////////////////////////////////////////////////
// Copyright © 2025 Tern Foundation                                           //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

package feed

import (
	"context"
	"encoding/json"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"
	"github.com/stretchr/testify/require"

	"gitlab.com/ternchat/tern-sdk/memremote"
	"gitlab.com/ternchat/tern-sdk/remote"
)

func TestMain(m *testing.M) {
	jww.SetStdoutThreshold(jww.LevelDebug)
	os.Exit(m.Run())
}

func testParams() Params {
	p := DefaultParams()
	p.RetryInitial = time.Millisecond
	p.RetryMax = 10 * time.Millisecond
	return p
}

func seedUsers(t *testing.T, mem *memremote.Store) (string, string) {
	t.Helper()
	alice, err := mem.CreateUser("alice")
	require.NoError(t, err)
	bob, err := mem.CreateUser("bob")
	require.NoError(t, err)
	return alice.ID, bob.ID
}

func sendMessage(t *testing.T, mem *memremote.Store, from, to, content string) {
	t.Helper()
	_, err := mem.WithActor(from).Insert(context.Background(),
		remote.KindMessage, map[string]any{
			"sender_id":   from,
			"receiver_id": to,
			"content":     content,
		})
	require.NoError(t, err)
}

// Happy path: events arrive on the event callback in apply order.
func TestSubscriber_Subscribe_Order(t *testing.T) {
	mem := memremote.New()
	alice, bob := seedUsers(t, mem)
	s := NewSubscriber(mem.WithActor(alice), "alice", testParams())
	defer s.CloseAll()

	var mux sync.Mutex
	var got []string
	received := make(chan struct{}, 16)
	h, err := s.Subscribe("conversation", remote.KindMessage,
		remote.MessagesBetween(alice, bob),
		func(ev remote.ChangeEvent) {
			var m remote.Message
			require.NoError(t, json.Unmarshal(ev.Row, &m))
			mux.Lock()
			got = append(got, m.Content)
			mux.Unlock()
			received <- struct{}{}
		}, nil)
	require.NoError(t, err)
	require.NotEmpty(t, h.ID())
	require.Equal(t, "conversation", h.Topic())

	want := []string{"one", "two", "three", "four"}
	for _, content := range want {
		sendMessage(t, mem, alice, bob, content)
	}

	for range want {
		select {
		case <-received:
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for event")
		}
	}

	mux.Lock()
	defer mux.Unlock()
	require.Equal(t, want, got)
}

// Close returns only after the pump has exited, so a delivery in flight when
// Close is called finishes first and nothing is delivered afterwards.
func TestHandle_Close_Synchronous(t *testing.T) {
	mem := memremote.New()
	alice, bob := seedUsers(t, mem)
	s := NewSubscriber(mem.WithActor(alice), "alice", testParams())
	defer s.CloseAll()

	inHandler := make(chan struct{})
	release := make(chan struct{})
	var mux sync.Mutex
	delivered := 0

	h, err := s.Subscribe("conversation", remote.KindMessage,
		remote.MessagesBetween(alice, bob),
		func(remote.ChangeEvent) {
			mux.Lock()
			delivered++
			mux.Unlock()
			inHandler <- struct{}{}
			<-release
		}, nil)
	require.NoError(t, err)

	sendMessage(t, mem, alice, bob, "in flight")
	<-inHandler

	closeDone := make(chan struct{})
	go func() {
		h.Close()
		close(closeDone)
	}()

	// Close must wait for the blocked delivery.
	select {
	case <-closeDone:
		t.Fatal("Close returned while a delivery was still in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	select {
	case <-closeDone:
	case <-time.After(time.Second):
		t.Fatal("Close did not return after the delivery finished")
	}

	// The handle is gone on both sides and later rows are not delivered.
	require.Equal(t, 0, s.ActiveHandles())
	require.Equal(t, 0, mem.OpenFeeds())
	sendMessage(t, mem, alice, bob, "after close")
	time.Sleep(50 * time.Millisecond)

	mux.Lock()
	defer mux.Unlock()
	require.Equal(t, 1, delivered)

	h.Close() // Idempotent.
}

// gatedStore fails Subscribe while blocked, simulating an outage that
// outlives the first reattach attempts.
type gatedStore struct {
	remote.Store
	mux     sync.Mutex
	blocked bool
}

func (g *gatedStore) setBlocked(b bool) {
	g.mux.Lock()
	defer g.mux.Unlock()
	g.blocked = b
}

func (g *gatedStore) Subscribe(ctx context.Context, kind remote.Kind,
	pred remote.Predicate) (remote.Subscription, error) {
	g.mux.Lock()
	blocked := g.blocked
	g.mux.Unlock()
	if blocked {
		return nil, errors.WithMessage(remote.ErrTransport,
			"connection refused")
	}
	return g.Store.Subscribe(ctx, kind, pred)
}

// After a transport failure the handle reattaches with backoff, the resync
// callback fires, and events lost during the outage stay lost.
func TestHandle_Reattach(t *testing.T) {
	mem := memremote.New()
	alice, bob := seedUsers(t, mem)
	gated := &gatedStore{Store: mem.WithActor(alice)}
	s := NewSubscriber(gated, "alice", testParams())
	defer s.CloseAll()

	events := make(chan string, 16)
	resyncs := make(chan struct{}, 16)
	_, err := s.Subscribe("conversation", remote.KindMessage,
		remote.MessagesBetween(alice, bob),
		func(ev remote.ChangeEvent) {
			var m remote.Message
			require.NoError(t, json.Unmarshal(ev.Row, &m))
			events <- m.Content
		},
		func() { resyncs <- struct{}{} })
	require.NoError(t, err)

	// Take the feed down and lose a message while it is down.
	gated.setBlocked(true)
	mem.DropFeeds()
	sendMessage(t, mem, alice, bob, "lost during outage")

	// No resync while the store keeps refusing subscriptions.
	select {
	case <-resyncs:
		t.Fatal("resync fired while the transport was still down")
	case <-time.After(20 * time.Millisecond):
	}

	gated.setBlocked(false)
	select {
	case <-resyncs:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for resync after reattach")
	}

	sendMessage(t, mem, alice, bob, "after recovery")
	select {
	case content := <-events:
		require.Equal(t, "after recovery", content)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for post-recovery event")
	}

	// The outage message was never replayed.
	select {
	case content := <-events:
		t.Fatalf("replayed event %q", content)
	case <-time.After(50 * time.Millisecond):
	}
}

// CloseAll tears down every handle and refuses new subscriptions.
func TestSubscriber_CloseAll(t *testing.T) {
	mem := memremote.New()
	alice, bob := seedUsers(t, mem)
	s := NewSubscriber(mem.WithActor(alice), "alice", testParams())

	noop := func(remote.ChangeEvent) {}
	_, err := s.Subscribe("friendships", remote.KindFriendship,
		remote.FriendshipsTouching(alice), noop, nil)
	require.NoError(t, err)
	_, err = s.Subscribe("inbox", remote.KindNotification,
		remote.NotificationsFor(alice), noop, nil)
	require.NoError(t, err)
	_, err = s.Subscribe("conversation", remote.KindMessage,
		remote.MessagesBetween(alice, bob), noop, nil)
	require.NoError(t, err)
	require.Equal(t, 3, s.ActiveHandles())
	require.Equal(t, 3, mem.OpenFeeds())

	s.CloseAll()
	require.Equal(t, 0, s.ActiveHandles())
	require.Equal(t, 0, mem.OpenFeeds())

	_, err = s.Subscribe("inbox", remote.KindNotification,
		remote.NotificationsFor(alice), noop, nil)
	require.Error(t, err)

	s.CloseAll() // Idempotent.
}

func TestSubscriber_Subscribe_NilCallback(t *testing.T) {
	mem := memremote.New()
	alice, _ := seedUsers(t, mem)
	s := NewSubscriber(mem.WithActor(alice), "alice", testParams())
	defer s.CloseAll()

	_, err := s.Subscribe("inbox", remote.KindNotification,
		remote.NotificationsFor(alice), nil, nil)
	require.Error(t, err)
}
