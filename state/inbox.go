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
	"sync"

	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"

	"gitlab.com/ternchat/tern-sdk/feed"
	"gitlab.com/ternchat/tern-sdk/remote"
	"gitlab.com/ternchat/tern-sdk/store"
)

// inboxLimit bounds the notification window the inbox keeps. Older rows stay
// in the remote store but are not represented locally.
const inboxLimit = 20

// Error messages.
const (
	fetchInboxErr   = "failed to fetch notifications"
	fetchPendingErr = "failed to fetch pending friend requests"
	markReadErr     = "failed to mark notification read"
)

// Inbox aggregates the notification window and the unread badge. The badge
// is the unread notifications in the window plus the live count of pending
// incoming friend requests; a pending request therefore counts twice, once
// as its friend_request notification and once as the pending row. That
// arithmetic is deliberate and kept.
//
// Every relevant feed event triggers a full re-fetch of both inputs from the
// remote store, which doubles as the catch-up after a feed outage. The inbox
// keeps its own pending-request count and never reads another synchronizer's
// cache.
type Inbox struct {
	me      string
	remote  remote.Store
	local   *store.Store
	feeds   *feed.Subscriber
	onBadge BadgeUpdate

	notifications []*remote.Notification
	pending       int
	unread        int

	notifHandle *feed.Handle
	reqHandle   *feed.Handle

	mux sync.Mutex
}

// NewInbox creates the aggregator. onBadge may be nil.
func NewInbox(me string, r remote.Store, local *store.Store,
	feeds *feed.Subscriber, onBadge BadgeUpdate) *Inbox {
	return &Inbox{
		me:      me,
		remote:  r,
		local:   local,
		feeds:   feeds,
		onBadge: onBadge,
	}
}

// Start performs the initial refresh and attaches to the two feeds the badge
// depends on: the user's notifications and friendships addressed to them.
func (i *Inbox) Start(ctx context.Context) error {
	if err := i.refresh(ctx); err != nil {
		return err
	}

	onEvent := func(remote.ChangeEvent) { i.backgroundRefresh() }

	nh, err := i.feeds.Subscribe("inbox", remote.KindNotification,
		remote.NotificationsFor(i.me), onEvent, i.backgroundRefresh)
	if err != nil {
		return err
	}

	rh, err := i.feeds.Subscribe("incoming-requests", remote.KindFriendship,
		remote.Eq("addressee_id", i.me), onEvent, i.backgroundRefresh)
	if err != nil {
		nh.Close()
		return err
	}

	i.mux.Lock()
	i.notifHandle, i.reqHandle = nh, rh
	i.mux.Unlock()
	return nil
}

// Stop detaches from the feeds. The last aggregated state remains readable.
func (i *Inbox) Stop() {
	i.mux.Lock()
	nh, rh := i.notifHandle, i.reqHandle
	i.notifHandle, i.reqHandle = nil, nil
	i.mux.Unlock()

	if nh != nil {
		nh.Close()
	}
	if rh != nil {
		rh.Close()
	}
}

// Notifications returns the current window, newest first.
func (i *Inbox) Notifications() []*remote.Notification {
	i.mux.Lock()
	defer i.mux.Unlock()
	out := make([]*remote.Notification, len(i.notifications))
	copy(out, i.notifications)
	return out
}

// UnreadCount returns the badge value: unread notifications in the window
// plus pending incoming friend requests.
func (i *Inbox) UnreadCount() int {
	i.mux.Lock()
	defer i.mux.Unlock()
	return i.unread + i.pending
}

// MarkRead flags one notification as read and recounts. The remote store
// rejects marking another user's notification.
func (i *Inbox) MarkRead(ctx context.Context, notificationID string) error {
	_, err := i.remote.Update(ctx, remote.KindNotification, notificationID,
		map[string]any{"read": true})
	if err != nil {
		return errors.WithMessage(err, markReadErr)
	}

	// The flag is durable; a failed recount here heals on the next event.
	if err = i.refresh(ctx); err != nil {
		jww.WARN.Printf("[SYNC] Inbox refresh after mark-read failed: %+v",
			err)
	}
	return nil
}

func (i *Inbox) backgroundRefresh() {
	if err := i.refresh(context.Background()); err != nil {
		jww.WARN.Printf("[SYNC] Inbox refresh failed: %+v", err)
	}
}

// refresh re-fetches the notification window and the pending request count,
// rewrites the local cache, recounts the badge, and fires the badge
// callback.
func (i *Inbox) refresh(ctx context.Context) error {
	rows, err := i.remote.Query(ctx, remote.KindNotification,
		remote.NotificationsFor(i.me), remote.QueryOpts{
			OrderBy:    "created_at",
			Descending: true,
			Limit:      inboxLimit,
		})
	if err != nil {
		return errors.WithMessage(err, fetchInboxErr)
	}

	ns := make([]*remote.Notification, 0, len(rows))
	unread := 0
	for _, raw := range rows {
		var n remote.Notification
		if err = json.Unmarshal(raw, &n); err != nil {
			return errors.Wrapf(err, decodeRowErr, "notification")
		}
		ns = append(ns, &n)
		if !n.Read {
			unread++
		}
	}

	if err = i.local.ReplaceNotifications(i.me, ns); err != nil {
		return err
	}

	pendingRows, err := i.remote.Query(ctx, remote.KindFriendship,
		remote.PendingRequestsFor(i.me), remote.QueryOpts{})
	if err != nil {
		return errors.WithMessage(err, fetchPendingErr)
	}

	i.mux.Lock()
	i.notifications = ns
	i.unread = unread
	i.pending = len(pendingRows)
	badge := i.unread + i.pending
	cb := i.onBadge
	i.mux.Unlock()

	if cb != nil {
		go cb(badge)
	}
	return nil
}
