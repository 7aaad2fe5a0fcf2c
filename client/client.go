////////////////////////////////////////////////////////////////////////////////
// Copyright © 2025 Tern Foundation                                           //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

// Package client is the embedder-facing surface of the SDK. A [Client] wraps
// one user's session over a remote store transport and exposes the
// operations a messaging UI needs: friend requests and responses, the open
// conversation, the notification inbox, and profile upkeep. All state flows
// to the embedder through the callbacks registered at sign-in and the
// snapshot accessors; the client never hands out live internal structures.
package client

import (
	"context"
	"encoding/json"
	"strings"
	"sync"

	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"

	"gitlab.com/ternchat/tern-sdk/remote"
	"gitlab.com/ternchat/tern-sdk/session"
	"gitlab.com/ternchat/tern-sdk/state"
)

// avatarBucket is the blob bucket profile avatars are uploaded to. The path
// inside it is the user ID, so a new avatar replaces the old blob.
const avatarBucket = "avatars"

// Error messages.
const (
	notSignedInErr     = "not signed in"
	alreadySignedInErr = "already signed in as %s"
	updateProfileErr   = "profile update rejected"
	decodeProfileErr   = "could not decode profile row"
	emptyAvatarErr     = "avatar upload has no data"
)

// Client ties a remote store transport, the credential vault, and the
// signed-in session together for a UI embedder. A zero Client is not usable;
// construct one with [New].
type Client struct {
	remote remote.Store
	params session.Params
	vault  *session.Vault

	mux     sync.Mutex
	session *session.Session
}

// New creates a client over the given remote store transport. The vault for
// cached credentials lives in the params' data directory. No remote call is
// made until sign-in.
func New(r remote.Store, p session.Params) *Client {
	return &Client{
		remote: r,
		params: p,
		vault:  session.NewVault(p.DataDir),
	}
}

// SignIn starts a session with a freshly issued session token. When password
// is not empty, the token is cached in the vault on success so the next
// launch can use [Client.SignInCached]; a caching failure is logged, not
// returned, since the session itself is already live.
func (c *Client) SignIn(ctx context.Context, token, password string,
	cbs session.Callbacks) error {
	c.mux.Lock()
	defer c.mux.Unlock()
	if c.session != nil {
		return errors.WithMessagef(remote.ErrValidation,
			alreadySignedInErr, c.session.UserID())
	}

	s, err := session.SignIn(ctx, c.remote, token, c.params, cbs)
	if err != nil {
		return err
	}
	c.session = s

	if password != "" {
		if err = c.vault.Save(password, token); err != nil {
			jww.WARN.Printf(
				"[SESSION] Failed to cache session token: %+v", err)
		}
	}
	return nil
}

// SignInCached starts a session from the token cached in the vault. A
// missing vault returns ErrNotFound and a wrong password a validation
// failure; an expired cached token is also a validation failure, telling the
// embedder to run a fresh credential exchange and [Client.SignIn].
func (c *Client) SignInCached(ctx context.Context, password string,
	cbs session.Callbacks) error {
	c.mux.Lock()
	defer c.mux.Unlock()
	if c.session != nil {
		return errors.WithMessagef(remote.ErrValidation,
			alreadySignedInErr, c.session.UserID())
	}

	token, err := c.vault.Load(password)
	if err != nil {
		return err
	}

	s, err := session.SignIn(ctx, c.remote, token, c.params, cbs)
	if err != nil {
		return err
	}
	c.session = s
	return nil
}

// HasCachedCredentials reports whether a cached session token exists for
// [Client.SignInCached].
func (c *Client) HasCachedCredentials() bool {
	return c.vault.Exists()
}

// SignOut ends the session. The local database and the cached credentials
// stay, so the next sign-in on this device resumes warm. Signing out while
// signed out is a no-op.
func (c *Client) SignOut() error {
	c.mux.Lock()
	defer c.mux.Unlock()
	if c.session == nil {
		return nil
	}
	err := c.session.Close()
	c.session = nil
	return err
}

// SignOutForget ends the session and forgets the device: the local database
// is deleted and the cached credentials are cleared.
func (c *Client) SignOutForget() error {
	c.mux.Lock()
	defer c.mux.Unlock()
	if c.session == nil {
		return c.vault.Clear()
	}
	err := c.session.ClosePurge()
	c.session = nil
	if clearErr := c.vault.Clear(); err == nil {
		err = clearErr
	}
	return err
}

// live returns the signed-in session or a validation failure.
func (c *Client) live() (*session.Session, error) {
	c.mux.Lock()
	defer c.mux.Unlock()
	if c.session == nil {
		return nil, errors.WithMessage(remote.ErrValidation, notSignedInErr)
	}
	return c.session, nil
}

// UserID returns the signed-in user's ID, or "" when signed out.
func (c *Client) UserID() string {
	s, err := c.live()
	if err != nil {
		return ""
	}
	return s.UserID()
}

// RequestFriend sends a friend request to the user with targetID.
func (c *Client) RequestFriend(ctx context.Context, targetID string) error {
	s, err := c.live()
	if err != nil {
		return err
	}
	return s.Friendships().RequestFriend(ctx, targetID)
}

// Respond accepts or rejects the pending friend request with friendshipID.
func (c *Client) Respond(ctx context.Context, friendshipID string,
	accept bool) error {
	s, err := c.live()
	if err != nil {
		return err
	}
	return s.Friendships().Respond(ctx, friendshipID, accept)
}

// Friends returns the current friend list, sorted by username. It is empty
// when signed out.
func (c *Client) Friends() []*remote.Profile {
	s, err := c.live()
	if err != nil {
		return nil
	}
	return s.Friendships().Friends()
}

// OpenConversation switches the open conversation to friendID, closing the
// previous one first.
func (c *Client) OpenConversation(ctx context.Context, friendID string) error {
	s, err := c.live()
	if err != nil {
		return err
	}
	return s.Conversation().Open(ctx, friendID)
}

// CloseConversation closes the open conversation, if any.
func (c *Client) CloseConversation() {
	s, err := c.live()
	if err != nil {
		return
	}
	s.Conversation().Close()
}

// Messages returns the open conversation's log, ascending by creation time.
func (c *Client) Messages() ([]*remote.Message, error) {
	s, err := c.live()
	if err != nil {
		return nil, err
	}
	return s.Conversation().Messages()
}

// Send writes a text message to the open conversation.
func (c *Client) Send(ctx context.Context, content string) error {
	s, err := c.live()
	if err != nil {
		return err
	}
	return s.Conversation().Send(ctx, content, nil)
}

// SendMedia writes a message with an attachment to the open conversation.
// content may be empty for a media-only message.
func (c *Client) SendMedia(ctx context.Context, content string,
	media *state.MediaUpload) error {
	s, err := c.live()
	if err != nil {
		return err
	}
	return s.Conversation().Send(ctx, content, media)
}

// Notifications returns the inbox window, newest first.
func (c *Client) Notifications() []*remote.Notification {
	s, err := c.live()
	if err != nil {
		return nil
	}
	return s.Inbox().Notifications()
}

// UnreadCount returns the current badge count.
func (c *Client) UnreadCount() int {
	s, err := c.live()
	if err != nil {
		return 0
	}
	return s.Inbox().UnreadCount()
}

// MarkNotificationRead flags one notification as read.
func (c *Client) MarkNotificationRead(ctx context.Context,
	notificationID string) error {
	s, err := c.live()
	if err != nil {
		return err
	}
	return s.Inbox().MarkRead(ctx, notificationID)
}

// UpdateProfile sets the signed-in user's username and bio. The username is
// lowercased and both fields are validated before any remote call; a
// username already taken by another user surfaces as the remote's Conflict.
func (c *Client) UpdateProfile(ctx context.Context, username,
	bio string) (*remote.Profile, error) {
	s, err := c.live()
	if err != nil {
		return nil, err
	}

	username = strings.ToLower(strings.TrimSpace(username))
	if err = remote.ValidateUsername(username); err != nil {
		return nil, err
	}
	if err = remote.ValidateBio(bio); err != nil {
		return nil, err
	}

	raw, err := s.Remote().Update(ctx, remote.KindProfile, s.UserID(),
		map[string]any{"username": username, "bio": bio})
	if err != nil {
		return nil, errors.WithMessage(err, updateProfileErr)
	}

	var p remote.Profile
	if err = json.Unmarshal(raw, &p); err != nil {
		return nil, errors.Wrap(err, decodeProfileErr)
	}
	return &p, nil
}

// UploadAvatar stores the avatar bytes under the user's stable blob path and
// points the profile at the new URL. Re-uploading replaces the previous
// avatar.
func (c *Client) UploadAvatar(ctx context.Context,
	data []byte) (*remote.Profile, error) {
	s, err := c.live()
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, errors.WithMessage(remote.ErrValidation, emptyAvatarErr)
	}

	url, err := s.Remote().UploadBlob(ctx, avatarBucket, s.UserID(), data)
	if err != nil {
		return nil, errors.WithMessage(remote.ErrUpload, err.Error())
	}

	raw, err := s.Remote().Update(ctx, remote.KindProfile, s.UserID(),
		map[string]any{"avatar_url": url})
	if err != nil {
		return nil, errors.WithMessage(err, updateProfileErr)
	}

	var p remote.Profile
	if err = json.Unmarshal(raw, &p); err != nil {
		return nil, errors.Wrap(err, decodeProfileErr)
	}
	return &p, nil
}
