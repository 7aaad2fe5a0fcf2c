////////////////////////////////////////////////////////////////////////////////
// Copyright © 2025 Tern Foundation                                           //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

// Package state keeps the client's view of friendships, the open
// conversation, and the notification inbox consistent with the remote store.
//
// Each synchronizer follows the same contract: one full fetch when it starts,
// live change events layered on top, and a full re-fetch as catch-up whenever
// its feed reattaches after an outage. User-initiated operations return their
// errors and leave no partial optimistic state behind; failures inside
// feed-triggered background refreshes are logged and healed by the next event
// instead of being surfaced.
//
// The synchronizers share nothing with each other. Every derived view is
// recomputed in full from its own synchronizer's data, never incrementally
// patched.
package state

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"

	"gitlab.com/ternchat/tern-sdk/remote"
	"gitlab.com/ternchat/tern-sdk/store"
)

// FriendListUpdate is called with the freshly recomputed friend list after
// every change that may affect it. The slice is a snapshot owned by the
// callee.
type FriendListUpdate func(friends []*remote.Profile)

// MessageUpdate is called for every message applied to the open
// conversation: the initial send confirmation, live inserts, and read-flag
// updates. update is true when the message was already known locally.
type MessageUpdate func(msg *remote.Message, update bool)

// BadgeUpdate is called with the recomputed unread badge count after every
// inbox recount.
type BadgeUpdate func(unread int)

// Error messages.
const (
	decodeRowErr     = "could not decode %s row"
	fetchProfileErr  = "failed to fetch profile %s"
	selfTargetErr    = "cannot target yourself"
	emptyTargetErr   = "no target user"
	noOpenConversErr = "no open conversation"
	emptySendErr     = "message needs content or media"
	emptyMediaErr    = "media upload has no data"
)

// fetchProfile returns the profile from the local cache, falling back to a
// remote point lookup that also primes the cache. A nil return without error
// means the remote store has no such profile.
func fetchProfile(ctx context.Context, r remote.Store, local *store.Store,
	id string) (*remote.Profile, error) {
	p, err := local.ProfileByRemoteID(id)
	if err != nil {
		return nil, err
	}
	if p != nil {
		return p, nil
	}

	rows, err := r.Query(ctx, remote.KindProfile, remote.Eq("id", id),
		remote.QueryOpts{Limit: 1})
	if err != nil {
		return nil, errors.WithMessagef(err, fetchProfileErr, id)
	}
	if len(rows) == 0 {
		return nil, nil
	}

	var profile remote.Profile
	if err = json.Unmarshal(rows[0], &profile); err != nil {
		return nil, errors.Wrapf(err, decodeRowErr, "profile")
	}

	if _, err = local.UpsertProfile(&profile); err != nil {
		return nil, err
	}
	return &profile, nil
}

// insertNotification writes a notification row for another user. Callers
// treat failures as non-fatal once their primary row is durable: the
// receiver still learns about the row through their own feed or next fetch.
func insertNotification(ctx context.Context, r remote.Store, owner string,
	kind remote.NotificationKind, content, relatedID string) {
	_, err := r.Insert(ctx, remote.KindNotification, map[string]any{
		"owner_id":   owner,
		"kind":       string(kind),
		"content":    content,
		"related_id": relatedID,
	})
	if err != nil {
		jww.WARN.Printf("[SYNC] Failed to insert %s notification for %s: %+v",
			kind, owner, err)
	}
}

// Notification content shown in the receiver's inbox.
func requestContent(username string) string {
	if username == "" {
		return "You have a new friend request"
	}
	return username + " sent you a friend request"
}

func acceptContent(username string) string {
	if username == "" {
		return "Your friend request was accepted"
	}
	return username + " accepted your friend request"
}

func messageContent(username string) string {
	if username == "" {
		return "You have a new message"
	}
	return "New message from " + username
}
