////////////////////////////////////////////////////////////////////////////////
// Copyright © 2025 Tern Foundation                                           //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

// Package session owns the authenticated lifecycle of the SDK: sign-in builds
// the per-user local database, the feed subscriber, and the three state
// synchronizers; sign-out tears every live subscription down before the local
// database closes. Nothing in the SDK reads session state from a global; the
// [Session] is constructed explicitly and injected downward.
package session

import (
	"context"

	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"

	"gitlab.com/ternchat/tern-sdk/feed"
	"gitlab.com/ternchat/tern-sdk/remote"
	"gitlab.com/ternchat/tern-sdk/state"
	"gitlab.com/ternchat/tern-sdk/store"
)

// Params configures a session.
type Params struct {
	// DataDir is the directory holding the per-user local database and the
	// credential vault.
	DataDir string `json:"dataDir"`

	// Feed holds the change-feed subscriber parameters.
	Feed feed.Params `json:"feed"`
}

// DefaultParams returns the default parameters.
func DefaultParams() Params {
	return Params{
		DataDir: ".",
		Feed:    feed.DefaultParams(),
	}
}

// Callbacks are the upward notifications a UI embedder registers before
// sign-in. Any of them may be nil.
type Callbacks struct {
	// FriendListUpdate is called with the recomputed friend list.
	FriendListUpdate state.FriendListUpdate

	// MessageUpdate is called for every message applied to the open
	// conversation.
	MessageUpdate state.MessageUpdate

	// BadgeUpdate is called with the recomputed unread badge count.
	BadgeUpdate state.BadgeUpdate
}

// Session is one signed-in user's live state: the remote store view they act
// through, their local database, and the synchronizers layered on top. All of
// it is torn down together by Close.
type Session struct {
	userID string
	remote remote.Store
	local  *store.Store
	feeds  *feed.Subscriber

	friendships  *state.Friendships
	conversation *state.Conversation
	inbox        *state.Inbox

	closed bool
}

// SignIn starts a session for the user the token was issued to: it opens
// their local database, attaches the friendship and inbox synchronizers to
// the change feed (each doing its initial full fetch), and returns the live
// session. On any failure everything already started is torn down before the
// error returns.
func SignIn(ctx context.Context, r remote.Store, token string, p Params,
	cbs Callbacks) (*Session, error) {
	claims, err := ParseToken(token)
	if err != nil {
		return nil, err
	}

	local, err := store.Open(p.DataDir, claims.UserID)
	if err != nil {
		return nil, err
	}

	s := &Session{
		userID: claims.UserID,
		remote: r,
		local:  local,
		feeds:  feed.NewSubscriber(r, claims.UserID, p.Feed),
	}
	s.friendships = state.NewFriendships(
		s.userID, r, local, s.feeds, cbs.FriendListUpdate)
	s.conversation = state.NewConversation(
		s.userID, r, local, s.feeds, cbs.MessageUpdate)
	s.inbox = state.NewInbox(s.userID, r, local, s.feeds, cbs.BadgeUpdate)

	if err = s.friendships.Start(ctx); err != nil {
		s.teardown(false)
		return nil, errors.WithMessage(err, "friendship sync failed to start")
	}
	if err = s.inbox.Start(ctx); err != nil {
		s.teardown(false)
		return nil, errors.WithMessage(err, "inbox failed to start")
	}

	jww.INFO.Printf("[SESSION] Signed in as %s.", s.userID)
	return s, nil
}

// UserID returns the signed-in user's ID.
func (s *Session) UserID() string { return s.userID }

// Remote returns the remote store view the session acts through.
func (s *Session) Remote() remote.Store { return s.remote }

// Friendships returns the friendship synchronizer.
func (s *Session) Friendships() *state.Friendships { return s.friendships }

// Conversation returns the conversation synchronizer.
func (s *Session) Conversation() *state.Conversation { return s.conversation }

// Inbox returns the notification aggregator.
func (s *Session) Inbox() *state.Inbox { return s.inbox }

// Close signs out: every live feed subscription is torn down synchronously
// before the local database closes, so no event can be delivered into a dead
// session. Close is safe to call twice.
func (s *Session) Close() error {
	return s.teardown(false)
}

// ClosePurge signs out and deletes the local database file, forgetting the
// device. The next sign-in starts from an empty local view rebuilt by the
// initial fetches.
func (s *Session) ClosePurge() error {
	return s.teardown(true)
}

func (s *Session) teardown(purge bool) error {
	if s.closed {
		return nil
	}
	s.closed = true

	// Synchronizers release their handles first; CloseAll then sweeps any
	// subscription that never made it into a synchronizer and blocks new ones.
	s.conversation.Close()
	s.friendships.Stop()
	s.inbox.Stop()
	s.feeds.CloseAll()

	var err error
	if purge {
		err = s.local.Purge()
	} else {
		err = s.local.Close()
	}

	jww.INFO.Printf("[SESSION] Signed out %s.", s.userID)
	return err
}
