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
	"sort"
	"sync"

	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"

	"gitlab.com/ternchat/tern-sdk/feed"
	"gitlab.com/ternchat/tern-sdk/remote"
	"gitlab.com/ternchat/tern-sdk/store"
)

// Error messages.
const (
	friendshipExistsErr = "a friendship with this user already exists (%s)"
	fetchFriendshipsErr = "failed to fetch friendships"
	requestInsertErr    = "failed to send friend request"
	respondErr          = "failed to respond to friend request"
)

// Friendships synchronizes the signed-in user's friendship rows and derives
// the friend list from them. The list is always recomputed from the full
// local set; a change event never patches it incrementally.
type Friendships struct {
	me       string
	remote   remote.Store
	local    *store.Store
	feeds    *feed.Subscriber
	onUpdate FriendListUpdate

	handle  *feed.Handle
	friends []*remote.Profile

	mux sync.Mutex
}

// NewFriendships creates the synchronizer. onUpdate may be nil. Call Start to
// load state and attach to the feed.
func NewFriendships(me string, r remote.Store, local *store.Store,
	feeds *feed.Subscriber, onUpdate FriendListUpdate) *Friendships {
	return &Friendships{
		me:       me,
		remote:   r,
		local:    local,
		feeds:    feeds,
		onUpdate: onUpdate,
	}
}

// Start performs the initial full fetch and subscribes to friendship changes
// touching the user.
func (f *Friendships) Start(ctx context.Context) error {
	if err := f.fullFetch(ctx); err != nil {
		return err
	}

	h, err := f.feeds.Subscribe("friendships", remote.KindFriendship,
		remote.FriendshipsTouching(f.me), f.handleEvent, f.resync)
	if err != nil {
		return err
	}

	f.mux.Lock()
	f.handle = h
	f.mux.Unlock()
	return nil
}

// Stop detaches from the feed. The computed friend list remains readable.
func (f *Friendships) Stop() {
	f.mux.Lock()
	h := f.handle
	f.handle = nil
	f.mux.Unlock()
	if h != nil {
		h.Close()
	}
}

// Friends returns the current friend list, sorted by username.
func (f *Friendships) Friends() []*remote.Profile {
	f.mux.Lock()
	defer f.mux.Unlock()
	out := make([]*remote.Profile, len(f.friends))
	copy(out, f.friends)
	return out
}

// RequestFriend sends a friend request to targetID. If any friendship
// already exists over the pair, in any status, it fails with a conflict; the
// remote store's pair uniqueness remains the final arbiter when two requests
// race. On success the pending row is applied locally and a friend_request
// notification is written for the target.
func (f *Friendships) RequestFriend(ctx context.Context,
	targetID string) error {
	if targetID == "" {
		return errors.WithMessage(remote.ErrValidation, emptyTargetErr)
	}
	if targetID == f.me {
		return errors.WithMessage(remote.ErrValidation, selfTargetErr)
	}

	existing, err := f.remote.Query(ctx, remote.KindFriendship,
		remote.FriendshipBetween(f.me, targetID), remote.QueryOpts{Limit: 1})
	if err != nil {
		return errors.WithMessage(err, fetchFriendshipsErr)
	}
	if len(existing) > 0 {
		var cur remote.Friendship
		if err = json.Unmarshal(existing[0], &cur); err != nil {
			return errors.Wrapf(err, decodeRowErr, "friendship")
		}
		return errors.WithMessagef(remote.ErrConflict,
			friendshipExistsErr, cur.Status)
	}

	raw, err := f.remote.Insert(ctx, remote.KindFriendship, map[string]any{
		"requester_id": f.me,
		"addressee_id": targetID,
		"status":       string(remote.FriendshipPending),
	})
	if err != nil {
		return errors.WithMessage(err, requestInsertErr)
	}

	var fr remote.Friendship
	if err = json.Unmarshal(raw, &fr); err != nil {
		return errors.Wrapf(err, decodeRowErr, "friendship")
	}

	// The request row is durable; notification fan-out is best effort.
	insertNotification(ctx, f.remote, targetID, remote.NotifyFriendRequest,
		requestContent(f.ownUsername(ctx)), f.me)

	f.apply(ctx, &fr)
	return nil
}

// Respond accepts or rejects a pending friend request. The remote store
// enforces that only the addressee of a pending row may do this. On accept,
// a friend_accepted notification is written for the requester.
func (f *Friendships) Respond(ctx context.Context, friendshipID string,
	accept bool) error {
	status := remote.FriendshipRejected
	if accept {
		status = remote.FriendshipAccepted
	}

	raw, err := f.remote.Update(ctx, remote.KindFriendship, friendshipID,
		map[string]any{"status": string(status)})
	if err != nil {
		return errors.WithMessage(err, respondErr)
	}

	var fr remote.Friendship
	if err = json.Unmarshal(raw, &fr); err != nil {
		return errors.Wrapf(err, decodeRowErr, "friendship")
	}

	if accept {
		insertNotification(ctx, f.remote, fr.RequesterID,
			remote.NotifyFriendAccepted,
			acceptContent(f.ownUsername(ctx)), f.me)
	}

	f.apply(ctx, &fr)
	return nil
}

// handleEvent applies one live friendship change.
func (f *Friendships) handleEvent(ev remote.ChangeEvent) {
	var fr remote.Friendship
	if err := json.Unmarshal(ev.Row, &fr); err != nil {
		jww.WARN.Printf("[SYNC] Dropping malformed friendship event %s: %+v",
			ev.RowID, err)
		return
	}
	f.apply(context.Background(), &fr)
}

// resync re-fetches everything after the feed reattached; events during the
// outage are gone, the fetch is the catch-up.
func (f *Friendships) resync() {
	if err := f.fullFetch(context.Background()); err != nil {
		jww.WARN.Printf("[SYNC] Friendship resync failed: %+v", err)
	}
}

// fullFetch loads every friendship touching the user, primes the profile
// cache for the counterparts, and recomputes the friend list.
func (f *Friendships) fullFetch(ctx context.Context) error {
	rows, err := f.remote.Query(ctx, remote.KindFriendship,
		remote.FriendshipsTouching(f.me), remote.QueryOpts{})
	if err != nil {
		return errors.WithMessage(err, fetchFriendshipsErr)
	}

	for _, raw := range rows {
		var fr remote.Friendship
		if err = json.Unmarshal(raw, &fr); err != nil {
			return errors.Wrapf(err, decodeRowErr, "friendship")
		}
		if _, err = f.local.UpsertFriendship(&fr); err != nil {
			jww.WARN.Printf("[SYNC] Skipping friendship %s: %+v", fr.ID, err)
			continue
		}
		f.ensureCounterpart(ctx, &fr)
	}

	f.recompute()
	return nil
}

// apply stores one friendship row and recomputes the friend list.
func (f *Friendships) apply(ctx context.Context, fr *remote.Friendship) {
	if _, err := f.local.UpsertFriendship(fr); err != nil {
		jww.WARN.Printf("[SYNC] Ignoring friendship %s: %+v", fr.ID, err)
		return
	}
	f.ensureCounterpart(ctx, fr)
	f.recompute()
}

func (f *Friendships) ensureCounterpart(ctx context.Context,
	fr *remote.Friendship) {
	other := fr.CounterpartOf(f.me)
	if other == "" {
		return
	}
	p, err := fetchProfile(ctx, f.remote, f.local, other)
	if err != nil {
		jww.WARN.Printf("[SYNC] Could not cache profile %s: %+v", other, err)
	} else if p == nil {
		jww.WARN.Printf("[SYNC] Friendship %s references unknown profile %s",
			fr.ID, other)
	}
}

// recompute rebuilds the friend list from the full local friendship set and
// fires the update callback with the result.
func (f *Friendships) recompute() {
	all, err := f.local.Friendships()
	if err != nil {
		jww.WARN.Printf("[SYNC] Friend list recompute failed: %+v", err)
		return
	}

	var friends []*remote.Profile
	for _, fr := range all {
		if fr.Status != remote.FriendshipAccepted {
			continue
		}
		other := fr.CounterpartOf(f.me)
		p, err := f.local.ProfileByRemoteID(other)
		if err != nil || p == nil {
			jww.WARN.Printf("[SYNC] Friend list missing profile %s", other)
			continue
		}
		friends = append(friends, p)
	}

	sort.Slice(friends, func(i, j int) bool {
		return friends[i].Username < friends[j].Username
	})

	f.mux.Lock()
	f.friends = friends
	cb := f.onUpdate
	f.mux.Unlock()

	if cb != nil {
		out := make([]*remote.Profile, len(friends))
		copy(out, friends)
		go cb(out)
	}
}

func (f *Friendships) ownUsername(ctx context.Context) string {
	p, err := fetchProfile(ctx, f.remote, f.local, f.me)
	if err != nil || p == nil {
		return ""
	}
	return p.Username
}
