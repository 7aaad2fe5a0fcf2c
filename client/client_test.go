////////////////////////////////////////////////////////////////////////////////
// Copyright © 2025 Tern Foundation                                           //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

package client

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	jww "github.com/spf13/jwalterweatherman"
	"github.com/stretchr/testify/require"

	"gitlab.com/ternchat/tern-sdk/memremote"
	"gitlab.com/ternchat/tern-sdk/remote"
	"gitlab.com/ternchat/tern-sdk/session"
	"gitlab.com/ternchat/tern-sdk/state"
)

func TestMain(m *testing.M) {
	jww.SetStdoutThreshold(jww.LevelInfo)
	os.Exit(m.Run())
}

func signToken(t *testing.T, userID string) string {
	claims := jwt.RegisteredClaims{
		Subject:   userID,
		IssuedAt:  jwt.NewNumericDate(time.Now()),
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).
		SignedString([]byte("test-secret"))
	require.NoError(t, err)
	return token
}

func testParams(t *testing.T) session.Params {
	p := session.DefaultParams()
	p.DataDir = t.TempDir()
	p.Feed.RetryInitial = time.Millisecond
	p.Feed.RetryMax = 10 * time.Millisecond
	return p
}

func newClient(t *testing.T, srv *memremote.Store,
	username string) (*Client, string) {
	profile, err := srv.CreateUser(username)
	require.NoError(t, err)
	c := New(srv.WithActor(profile.ID), testParams(t))
	require.NoError(t, c.SignIn(context.Background(),
		signToken(t, profile.ID), "", session.Callbacks{}))
	t.Cleanup(func() { require.NoError(t, c.SignOut()) })
	return c, profile.ID
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("Timed out waiting for %s.", what)
}

// Tests the vault round trip: sign in with a password, sign out, and resume
// with SignInCached. The wrong password must not resume.
func TestClient_SignInCached(t *testing.T) {
	ctx := context.Background()
	srv := memremote.New()
	profile, err := srv.CreateUser("alice")
	require.NoError(t, err)

	c := New(srv.WithActor(profile.ID), testParams(t))
	require.False(t, c.HasCachedCredentials())

	require.NoError(t, c.SignIn(
		ctx, signToken(t, profile.ID), "hunter2", session.Callbacks{}))
	require.True(t, c.HasCachedCredentials())
	require.Equal(t, profile.ID, c.UserID())

	// A second sign-in on a live client is refused.
	err = c.SignIn(ctx, signToken(t, profile.ID), "", session.Callbacks{})
	require.ErrorIs(t, err, remote.ErrValidation)

	require.NoError(t, c.SignOut())
	require.Empty(t, c.UserID())
	require.True(t, c.HasCachedCredentials())

	err = c.SignInCached(ctx, "wrong", session.Callbacks{})
	require.ErrorIs(t, err, remote.ErrValidation)

	require.NoError(t, c.SignInCached(ctx, "hunter2", session.Callbacks{}))
	require.Equal(t, profile.ID, c.UserID())
	require.NoError(t, c.SignOut())
}

// Tests that SignInCached without a vault reports ErrNotFound.
func TestClient_SignInCached_NoVault(t *testing.T) {
	srv := memremote.New()
	profile, err := srv.CreateUser("alice")
	require.NoError(t, err)

	c := New(srv.WithActor(profile.ID), testParams(t))
	err = c.SignInCached(context.Background(), "hunter2", session.Callbacks{})
	require.ErrorIs(t, err, remote.ErrNotFound)
}

// Tests that SignOutForget clears the cached credentials.
func TestClient_SignOutForget(t *testing.T) {
	ctx := context.Background()
	srv := memremote.New()
	profile, err := srv.CreateUser("alice")
	require.NoError(t, err)

	c := New(srv.WithActor(profile.ID), testParams(t))
	require.NoError(t, c.SignIn(
		ctx, signToken(t, profile.ID), "hunter2", session.Callbacks{}))
	require.True(t, c.HasCachedCredentials())

	require.NoError(t, c.SignOutForget())
	require.False(t, c.HasCachedCredentials())
	require.Zero(t, srv.OpenFeeds())
}

// Tests that operations on a signed-out client fail cleanly instead of
// panicking, and that snapshots are empty.
func TestClient_SignedOutGuards(t *testing.T) {
	ctx := context.Background()
	c := New(memremote.New().WithActor(""), testParams(t))

	require.ErrorIs(t, c.RequestFriend(ctx, "someone"), remote.ErrValidation)
	require.ErrorIs(t, c.Respond(ctx, "fr", true), remote.ErrValidation)
	require.ErrorIs(t, c.OpenConversation(ctx, "peer"), remote.ErrValidation)
	require.ErrorIs(t, c.Send(ctx, "hi"), remote.ErrValidation)
	require.ErrorIs(t, c.MarkNotificationRead(ctx, "n"), remote.ErrValidation)
	_, err := c.Messages()
	require.ErrorIs(t, err, remote.ErrValidation)
	_, err = c.UpdateProfile(ctx, "alice", "")
	require.ErrorIs(t, err, remote.ErrValidation)

	require.Empty(t, c.Friends())
	require.Empty(t, c.Notifications())
	require.Zero(t, c.UnreadCount())
	c.CloseConversation()
	require.NoError(t, c.SignOut())
}

// Exercises the friend handshake and one conversation round trip through the
// facade, with message callbacks observed on the receiving side.
func TestClient_Conversation(t *testing.T) {
	ctx := context.Background()
	srv := memremote.New()
	alice, aliceID := newClient(t, srv, "alice")
	bob, bobID := newClient(t, srv, "bob")

	require.NoError(t, alice.RequestFriend(ctx, bobID))
	waitFor(t, "bob to see the pending request", func() bool {
		return bob.UnreadCount() == 2
	})

	pending, err := srv.WithActor(bobID).Query(ctx, remote.KindFriendship,
		remote.PendingRequestsFor(bobID), remote.QueryOpts{})
	require.NoError(t, err)
	require.Len(t, pending, 1)
	var fr remote.Friendship
	require.NoError(t, json.Unmarshal(pending[0], &fr))
	require.NoError(t, bob.Respond(ctx, fr.ID, true))

	waitFor(t, "alice's friend list to show bob", func() bool {
		fs := alice.Friends()
		return len(fs) == 1 && fs[0].Username == "bob"
	})

	require.NoError(t, alice.OpenConversation(ctx, bobID))
	require.NoError(t, bob.OpenConversation(ctx, aliceID))
	require.NoError(t, alice.Send(ctx, "hello"))
	require.NoError(t, alice.SendMedia(ctx, "look", &state.MediaUpload{
		Data:     []byte("png bytes"),
		Kind:     remote.MediaImage,
		Filename: "cat.png",
	}))

	waitFor(t, "bob's log to hold both messages", func() bool {
		msgs, err := bob.Messages()
		return err == nil && len(msgs) == 2
	})
	msgs, err := bob.Messages()
	require.NoError(t, err)
	require.Equal(t, "hello", msgs[0].Content)
	require.NotNil(t, msgs[1].Media)
	require.Equal(t, remote.MediaImage, msgs[1].Media.Kind)

	alice.CloseConversation()
}

// Tests profile updates through the facade: lowercasing, validation before
// any remote call, and the Conflict on a taken username.
func TestClient_UpdateProfile(t *testing.T) {
	ctx := context.Background()
	srv := memremote.New()
	alice, _ := newClient(t, srv, "alice")
	_, _ = newClient(t, srv, "bob")

	p, err := alice.UpdateProfile(ctx, "  Alice_2 ", "around sometimes")
	require.NoError(t, err)
	require.Equal(t, "alice_2", p.Username)
	require.Equal(t, "around sometimes", p.Bio)

	_, err = alice.UpdateProfile(ctx, "a", "")
	require.ErrorIs(t, err, remote.ErrValidation)

	_, err = alice.UpdateProfile(ctx, "bob", "")
	require.ErrorIs(t, err, remote.ErrConflict)
}

// Tests the avatar flow: bytes land under the user's stable path and the
// profile points at the returned URL. Re-upload replaces the blob.
func TestClient_UploadAvatar(t *testing.T) {
	ctx := context.Background()
	srv := memremote.New()
	alice, aliceID := newClient(t, srv, "alice")

	p, err := alice.UploadAvatar(ctx, []byte("v1"))
	require.NoError(t, err)
	require.NotEmpty(t, p.AvatarURL)

	stored, ok := srv.Blob(avatarBucket, aliceID)
	require.True(t, ok)
	require.Equal(t, []byte("v1"), stored)

	p2, err := alice.UploadAvatar(ctx, []byte("v2"))
	require.NoError(t, err)
	require.Equal(t, p.AvatarURL, p2.AvatarURL)
	stored, _ = srv.Blob(avatarBucket, aliceID)
	require.Equal(t, []byte("v2"), stored)

	_, err = alice.UploadAvatar(ctx, nil)
	require.ErrorIs(t, err, remote.ErrValidation)
}
