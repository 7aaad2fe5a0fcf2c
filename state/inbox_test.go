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
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"gitlab.com/ternchat/tern-sdk/memremote"
	"gitlab.com/ternchat/tern-sdk/remote"
)

// insertNotif writes a notification row directly and returns its ID.
func insertNotif(t *testing.T, srv *memremote.Store, actor, owner string,
	kind remote.NotificationKind, content string) string {
	raw, err := srv.WithActor(actor).Insert(context.Background(),
		remote.KindNotification, map[string]any{
			"owner_id":   owner,
			"kind":       string(kind),
			"content":    content,
			"related_id": actor,
		})
	require.NoError(t, err)

	var n remote.Notification
	require.NoError(t, json.Unmarshal(raw, &n))
	return n.ID
}

// Tests the badge arithmetic: unread notifications in the window plus
// pending incoming requests. Two unread plus one pending makes three.
func TestInbox_BadgeCountsUnreadAndPending(t *testing.T) {
	ctx := context.Background()
	srv := memremoteWithUsers(t, "alice", "bob", "carol")
	alice, bob, carol := srv.ids["alice"], srv.ids["bob"], srv.ids["carol"]

	n1 := insertNotif(t, srv.Store, bob, alice, remote.NotifyMessage,
		"New message from bob")
	n2 := insertNotif(t, srv.Store, bob, alice, remote.NotifyMessage,
		"New message from bob")
	_, err := srv.WithActor(carol).Insert(ctx, remote.KindFriendship,
		map[string]any{
			"requester_id": carol,
			"addressee_id": alice,
			"status":       string(remote.FriendshipPending),
		})
	require.NoError(t, err)

	as := newSession(t, srv.Store, alice)
	badges := make(chan int, 32)
	in := NewInbox(alice, as.remote, as.local, as.feeds,
		func(n int) { badges <- n })
	require.NoError(t, in.Start(ctx))
	defer in.Stop()

	require.Equal(t, 3, in.UnreadCount())

	// Newest first in the window.
	ns := in.Notifications()
	require.Len(t, ns, 2)
	require.Equal(t, n2, ns[0].ID)
	require.Equal(t, n1, ns[1].ID)

	// The initial refresh reported the same badge.
	select {
	case n := <-badges:
		require.Equal(t, 3, n)
	case <-time.After(2 * time.Second):
		t.Fatal("Badge callback never fired.")
	}

	// The local cache mirrors the notification window; the pending count is
	// not part of it.
	count, err := as.local.UnreadNotificationCount(alice)
	require.NoError(t, err)
	require.Equal(t, 2, count)
}

// Tests marking a notification read, and that foreign and unknown rows are
// refused with the right error class.
func TestInbox_MarkRead(t *testing.T) {
	ctx := context.Background()
	srv := memremoteWithUsers(t, "alice", "bob")
	alice, bob := srv.ids["alice"], srv.ids["bob"]

	mine := insertNotif(t, srv.Store, bob, alice, remote.NotifyMessage,
		"New message from bob")
	foreign := insertNotif(t, srv.Store, alice, bob, remote.NotifyMessage,
		"New message from alice")

	as := newSession(t, srv.Store, alice)
	in := NewInbox(alice, as.remote, as.local, as.feeds, nil)
	require.NoError(t, in.Start(ctx))
	defer in.Stop()
	require.Equal(t, 1, in.UnreadCount())

	require.NoError(t, in.MarkRead(ctx, mine))
	require.Equal(t, 0, in.UnreadCount())
	ns := in.Notifications()
	require.Len(t, ns, 1)
	require.True(t, ns[0].Read)

	require.ErrorIs(t, in.MarkRead(ctx, foreign), remote.ErrForbidden)
	require.ErrorIs(t, in.MarkRead(ctx, "missing"), remote.ErrNotFound)
}

// Tests that the badge tracks live events: new notifications and pending
// requests push it up, accepting a request pulls it back down.
func TestInbox_LiveRecount(t *testing.T) {
	ctx := context.Background()
	srv := memremoteWithUsers(t, "alice", "bob", "carol")
	alice, bob, carol := srv.ids["alice"], srv.ids["bob"], srv.ids["carol"]

	as := newSession(t, srv.Store, alice)
	in := NewInbox(alice, as.remote, as.local, as.feeds, nil)
	require.NoError(t, in.Start(ctx))
	defer in.Stop()
	require.Zero(t, in.UnreadCount())

	insertNotif(t, srv.Store, bob, alice, remote.NotifyMessage,
		"New message from bob")
	waitFor(t, "the badge to count the notification", func() bool {
		return in.UnreadCount() == 1
	})

	_, err := srv.WithActor(carol).Insert(ctx, remote.KindFriendship,
		map[string]any{
			"requester_id": carol,
			"addressee_id": alice,
			"status":       string(remote.FriendshipPending),
		})
	require.NoError(t, err)
	waitFor(t, "the badge to count the pending request", func() bool {
		return in.UnreadCount() == 2
	})

	// Accepting flips the row out of pending; the badge follows even though
	// the row no longer matches the pending filter.
	frID := pendingRequestID(t, as.remote, alice)
	_, err = as.remote.Update(ctx, remote.KindFriendship, frID,
		map[string]any{"status": string(remote.FriendshipAccepted)})
	require.NoError(t, err)
	waitFor(t, "the badge to drop the accepted request", func() bool {
		return in.UnreadCount() == 1
	})

	// After Stop the snapshot stays readable but no longer moves.
	in.Stop()
	require.Zero(t, as.feeds.ActiveHandles())
	insertNotif(t, srv.Store, bob, alice, remote.NotifyMessage,
		"New message from bob")
	time.Sleep(30 * time.Millisecond)
	require.Equal(t, 1, in.UnreadCount())
}

// Tests that the window holds the newest rows up to its limit and that reads
// shrink the unread count within it.
func TestInbox_WindowLimit(t *testing.T) {
	ctx := context.Background()
	srv := memremoteWithUsers(t, "alice", "bob")
	alice, bob := srv.ids["alice"], srv.ids["bob"]

	var oldest []string
	for i := 0; i < 25; i++ {
		id := insertNotif(t, srv.Store, bob, alice, remote.NotifyMessage,
			"New message from bob")
		if i < 5 {
			oldest = append(oldest, id)
		}
		time.Sleep(time.Millisecond)
	}

	as := newSession(t, srv.Store, alice)
	in := NewInbox(alice, as.remote, as.local, as.feeds, nil)
	require.NoError(t, in.Start(ctx))
	defer in.Stop()

	require.Equal(t, 20, in.UnreadCount())
	ns := in.Notifications()
	require.Len(t, ns, 20)
	for _, n := range ns {
		require.NotContains(t, oldest, n.ID)
	}

	require.NoError(t, in.MarkRead(ctx, ns[0].ID))
	require.Equal(t, 19, in.UnreadCount())
}
