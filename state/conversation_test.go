////////////////////////////////////////////////////////////////////////////////
// Copyright © 2025 Tern Foundation                                           //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

package state

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"gitlab.com/ternchat/tern-sdk/remote"
)

type msgEvent struct {
	msg    *remote.Message
	update bool
}

func collectMessages(ch chan msgEvent) MessageUpdate {
	return func(m *remote.Message, update bool) {
		ch <- msgEvent{msg: m, update: update}
	}
}

func waitMsg(t *testing.T, ch chan msgEvent) msgEvent {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for a message event.")
		return msgEvent{}
	}
}

// Happy path: both sides open the pair, messages flow live in both
// directions, and the echo of a sender's own message deduplicates into the
// row it already applied.
func TestConversation_SendAndEcho(t *testing.T) {
	ctx := context.Background()
	srv := memremoteWithUsers(t, "alice", "bob")
	alice, bob := srv.ids["alice"], srv.ids["bob"]
	befriend(t, srv.Store, alice, bob)

	as := newSession(t, srv.Store, alice)
	bs := newSession(t, srv.Store, bob)

	bobEvents := make(chan msgEvent, 32)
	ac := NewConversation(alice, as.remote, as.local, as.feeds, nil)
	bc := NewConversation(bob, bs.remote, bs.local, bs.feeds,
		collectMessages(bobEvents))

	require.NoError(t, ac.Open(ctx, bob))
	require.NoError(t, bc.Open(ctx, alice))
	defer ac.Close()
	defer bc.Close()
	require.Equal(t, bob, ac.Peer())

	// Content is trimmed before it is sent.
	require.NoError(t, ac.Send(ctx, "  hey bob  ", nil))

	ev := waitMsg(t, bobEvents)
	require.Equal(t, "hey bob", ev.msg.Content)
	require.Equal(t, alice, ev.msg.SenderID)
	require.False(t, ev.update)

	require.NoError(t, bc.Send(ctx, "hey alice", nil))

	waitFor(t, "both logs to converge on two messages", func() bool {
		am, aerr := ac.Messages()
		bm, berr := bc.Messages()
		return aerr == nil && berr == nil && len(am) == 2 && len(bm) == 2
	})

	// Ascending by creation time, one row per message on both sides even
	// though each sender saw its own insert twice (confirmation and echo).
	am, err := ac.Messages()
	require.NoError(t, err)
	bm, err := bc.Messages()
	require.NoError(t, err)
	require.Equal(t, "hey bob", am[0].Content)
	require.Equal(t, "hey alice", am[1].Content)
	require.Equal(t, am[0].ID, bm[0].ID)
	require.Equal(t, am[1].ID, bm[1].ID)
}

// Tests that switching conversations tears the old scope down: a message on
// the old pair neither fires the callback nor lands in the open log, and
// reopening the old pair recovers it from the store with its read flag set.
func TestConversation_SwitchScopesEvents(t *testing.T) {
	ctx := context.Background()
	srv := memremoteWithUsers(t, "alice", "bob", "carol")
	alice, bob, carol := srv.ids["alice"], srv.ids["bob"], srv.ids["carol"]
	befriend(t, srv.Store, alice, bob)
	befriend(t, srv.Store, alice, carol)

	as := newSession(t, srv.Store, alice)
	events := make(chan msgEvent, 32)
	ac := NewConversation(alice, as.remote, as.local, as.feeds,
		collectMessages(events))

	require.NoError(t, ac.Open(ctx, bob))
	require.NoError(t, ac.Open(ctx, carol))
	defer ac.Close()
	require.Equal(t, carol, ac.Peer())
	require.Equal(t, 1, as.feeds.ActiveHandles())

	// bob writes to alice after the switch. It must not reach the open
	// conversation.
	_, err := srv.WithActor(bob).Insert(ctx, remote.KindMessage,
		map[string]any{
			"sender_id":   bob,
			"receiver_id": alice,
			"content":     "too late",
		})
	require.NoError(t, err)

	select {
	case ev := <-events:
		t.Fatalf("Conversation with carol received %q.", ev.msg.Content)
	case <-time.After(50 * time.Millisecond):
	}

	msgs, err := ac.Messages()
	require.NoError(t, err)
	require.Empty(t, msgs)

	// Reopening bob recovers the missed message, and opening marks it read.
	require.NoError(t, ac.Open(ctx, bob))
	msgs, err = ac.Messages()
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, "too late", msgs[0].Content)

	waitFor(t, "the recovered message to be marked read", func() bool {
		msgs, err := ac.Messages()
		return err == nil && len(msgs) == 1 && msgs[0].Read
	})
}

// Tests that opening a conversation marks unread incoming messages read in
// the remote store while leaving outgoing ones untouched.
func TestConversation_OpenMarksIncomingRead(t *testing.T) {
	ctx := context.Background()
	srv := memremoteWithUsers(t, "alice", "bob")
	alice, bob := srv.ids["alice"], srv.ids["bob"]
	befriend(t, srv.Store, alice, bob)

	sendRaw := func(from, to, content string) {
		_, err := srv.WithActor(from).Insert(ctx, remote.KindMessage,
			map[string]any{
				"sender_id":   from,
				"receiver_id": to,
				"content":     content,
			})
		require.NoError(t, err)
	}
	sendRaw(bob, alice, "one")
	sendRaw(bob, alice, "two")
	sendRaw(alice, bob, "three")

	as := newSession(t, srv.Store, alice)
	ac := NewConversation(alice, as.remote, as.local, as.feeds, nil)
	require.NoError(t, ac.Open(ctx, bob))
	defer ac.Close()

	waitFor(t, "incoming messages to be marked read", func() bool {
		rows, err := as.remote.Query(ctx, remote.KindMessage,
			remote.MessagesBetween(alice, bob), remote.QueryOpts{})
		if err != nil {
			return false
		}
		for _, raw := range rows {
			var m remote.Message
			if json.Unmarshal(raw, &m) != nil {
				return false
			}
			if m.ReceiverID == alice && !m.Read {
				return false
			}
			if m.ReceiverID == bob && m.Read {
				return false
			}
		}
		return len(rows) == 3
	})
}

// Tests sending an attachment: the blob lands in storage before the row is
// written and the stored message carries the returned URL.
func TestConversation_MediaSend(t *testing.T) {
	ctx := context.Background()
	srv := memremoteWithUsers(t, "alice", "bob")
	alice, bob := srv.ids["alice"], srv.ids["bob"]
	befriend(t, srv.Store, alice, bob)

	as := newSession(t, srv.Store, alice)
	ac := NewConversation(alice, as.remote, as.local, as.feeds, nil)
	require.NoError(t, ac.Open(ctx, bob))
	defer ac.Close()

	data := []byte("png bytes")
	require.NoError(t, ac.Send(ctx, "look at this", &MediaUpload{
		Data:     data,
		Kind:     remote.MediaImage,
		Filename: "cat.png",
	}))

	msgs, err := ac.Messages()
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	m := msgs[0]
	require.Equal(t, "look at this", m.Content)
	require.NotNil(t, m.Media)
	require.Equal(t, remote.MediaImage, m.Media.Kind)
	require.Equal(t, "cat.png", m.Media.Filename)
	require.True(t, strings.HasPrefix(m.Media.URL, "mem://media/"))

	path := strings.TrimPrefix(m.Media.URL, "mem://media/")
	blob, ok := srv.Blob("media", path)
	require.True(t, ok)
	require.Equal(t, data, blob)

	// Media-only messages need no content.
	require.NoError(t, ac.Send(ctx, "", &MediaUpload{
		Data:     []byte("plain text"),
		Kind:     remote.MediaFile,
		Filename: "notes.txt",
	}))
	msgs, err = ac.Messages()
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	require.Empty(t, msgs[1].Content)
}

// Tests the send guards and that a failed upload aborts the send whole, with
// no message row anywhere.
func TestConversation_SendValidation(t *testing.T) {
	ctx := context.Background()
	srv := memremoteWithUsers(t, "alice", "bob")
	alice, bob := srv.ids["alice"], srv.ids["bob"]
	befriend(t, srv.Store, alice, bob)

	as, flaky := newFlakySession(t, srv.Store, alice)
	ac := NewConversation(alice, as.remote, as.local, as.feeds, nil)

	require.ErrorIs(t, ac.Send(ctx, "hi", nil), remote.ErrValidation)
	require.ErrorIs(t, ac.Open(ctx, ""), remote.ErrValidation)
	require.ErrorIs(t, ac.Open(ctx, alice), remote.ErrValidation)

	require.NoError(t, ac.Open(ctx, bob))
	defer ac.Close()

	require.ErrorIs(t, ac.Send(ctx, "   ", nil), remote.ErrValidation)
	require.ErrorIs(t, ac.Send(ctx, "", &MediaUpload{
		Kind: remote.MediaImage,
	}), remote.ErrValidation)
	require.ErrorIs(t, ac.Send(ctx, "", &MediaUpload{
		Data: []byte("x"),
		Kind: remote.MediaKind("weird"),
	}), remote.ErrValidation)

	flaky.denyUpload.Store(true)
	err := ac.Send(ctx, "with pic", &MediaUpload{
		Data:     []byte("x"),
		Kind:     remote.MediaImage,
		Filename: "x.png",
	})
	require.ErrorIs(t, err, remote.ErrUpload)

	msgs, err := ac.Messages()
	require.NoError(t, err)
	require.Empty(t, msgs)
	rows, err := as.remote.Query(ctx, remote.KindMessage,
		remote.MessagesBetween(alice, bob), remote.QueryOpts{})
	require.NoError(t, err)
	require.Empty(t, rows)
}

// Tests that Close ends the conversation: no peer, no log, sends refused,
// and the feed handle released.
func TestConversation_Close(t *testing.T) {
	ctx := context.Background()
	srv := memremoteWithUsers(t, "alice", "bob")
	alice, bob := srv.ids["alice"], srv.ids["bob"]
	befriend(t, srv.Store, alice, bob)

	as := newSession(t, srv.Store, alice)
	ac := NewConversation(alice, as.remote, as.local, as.feeds, nil)
	require.NoError(t, ac.Open(ctx, bob))
	require.NoError(t, ac.Send(ctx, "hello", nil))

	ac.Close()
	require.Empty(t, ac.Peer())
	require.Zero(t, as.feeds.ActiveHandles())

	msgs, err := ac.Messages()
	require.NoError(t, err)
	require.Nil(t, msgs)
	require.ErrorIs(t, ac.Send(ctx, "again", nil), remote.ErrValidation)

	// Closing twice is harmless.
	ac.Close()
}
