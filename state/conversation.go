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
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/xid"
	jww "github.com/spf13/jwalterweatherman"

	"gitlab.com/ternchat/tern-sdk/feed"
	"gitlab.com/ternchat/tern-sdk/remote"
	"gitlab.com/ternchat/tern-sdk/store"
)

// mediaBucket is the blob bucket conversation attachments are uploaded to.
const mediaBucket = "media"

// Error messages.
const (
	fetchMessagesErr = "failed to fetch conversation"
	sendInsertErr    = "failed to send message"
)

// MediaUpload is an attachment to send: raw bytes plus how to present them.
type MediaUpload struct {
	Data     []byte
	Kind     remote.MediaKind
	Filename string
}

// Conversation synchronizes the single open conversation. Opening a new peer
// tears the previous subscription down first; every event handler is bound
// to the epoch of its Open call, so an event that raced a switch is dropped
// rather than applied to the wrong conversation.
type Conversation struct {
	me        string
	remote    remote.Store
	local     *store.Store
	feeds     *feed.Subscriber
	onMessage MessageUpdate

	// peer is the open counterpart, "" when no conversation is open. epoch
	// increments on every Open and Close; stale handlers compare against it
	// and drop their event.
	peer   string
	epoch  uint64
	handle *feed.Handle

	mux sync.Mutex
}

// NewConversation creates the synchronizer. onMessage may be nil.
func NewConversation(me string, r remote.Store, local *store.Store,
	feeds *feed.Subscriber, onMessage MessageUpdate) *Conversation {
	return &Conversation{
		me:        me,
		remote:    r,
		local:     local,
		feeds:     feeds,
		onMessage: onMessage,
	}
}

// Peer returns the open counterpart's user ID, or "" when no conversation is
// open.
func (c *Conversation) Peer() string {
	c.mux.Lock()
	defer c.mux.Unlock()
	return c.peer
}

// Open switches the conversation to friendID. The previous subscription is
// torn down synchronously before anything else happens. The conversation log
// is then replaced with a full fetch, the pair topic is subscribed, and
// unread incoming messages are marked read in the background.
func (c *Conversation) Open(ctx context.Context, friendID string) error {
	if friendID == "" {
		return errors.WithMessage(remote.ErrValidation, emptyTargetErr)
	}
	if friendID == c.me {
		return errors.WithMessage(remote.ErrValidation, selfTargetErr)
	}

	c.detach()

	msgs, err := c.fetchAll(ctx, friendID)
	if err != nil {
		return err
	}
	if err = c.local.ReplaceConversation(c.me, friendID, msgs); err != nil {
		return err
	}

	c.mux.Lock()
	c.epoch++
	epoch := c.epoch
	c.peer = friendID
	c.mux.Unlock()

	h, err := c.feeds.Subscribe("conversation:"+friendID,
		remote.KindMessage, remote.MessagesBetween(c.me, friendID),
		func(ev remote.ChangeEvent) { c.handleEvent(epoch, ev) },
		func() { c.resync(epoch, friendID) })
	if err != nil {
		c.mux.Lock()
		c.peer = ""
		c.mux.Unlock()
		return err
	}

	c.mux.Lock()
	if c.epoch != epoch {
		// Another Open or Close won the race while we subscribed.
		c.mux.Unlock()
		h.Close()
		return nil
	}
	c.handle = h
	c.mux.Unlock()

	go c.markRead(context.Background(), epoch, msgs)

	jww.INFO.Printf("[SYNC] Opened conversation with %s (%d messages).",
		friendID, len(msgs))
	return nil
}

// Close tears down the open conversation, if any.
func (c *Conversation) Close() {
	c.detach()
}

// Messages returns the open conversation's log, ascending by creation time.
// It is empty when no conversation is open.
func (c *Conversation) Messages() ([]*remote.Message, error) {
	c.mux.Lock()
	peer := c.peer
	c.mux.Unlock()
	if peer == "" {
		return nil, nil
	}
	return c.local.Messages(c.me, peer)
}

// Send writes a message to the open conversation. At least one of content
// and media is required. Media uploads happen before the message row is
// written: if the upload fails, the send fails whole and no row exists
// anywhere. The persisted row returned by the store is applied locally right
// away; the feed echo of the same row deduplicates into it.
func (c *Conversation) Send(ctx context.Context, content string,
	media *MediaUpload) error {
	c.mux.Lock()
	peer := c.peer
	epoch := c.epoch
	c.mux.Unlock()
	if peer == "" {
		return errors.WithMessage(remote.ErrValidation, noOpenConversErr)
	}

	content = strings.TrimSpace(content)
	if content == "" && media == nil {
		return errors.WithMessage(remote.ErrValidation, emptySendErr)
	}

	fields := map[string]any{
		"sender_id":   c.me,
		"receiver_id": peer,
	}
	if content != "" {
		fields["content"] = content
	}

	if media != nil {
		attached, err := c.upload(ctx, peer, media)
		if err != nil {
			return err
		}
		fields["media"] = attached
	}

	raw, err := c.remote.Insert(ctx, remote.KindMessage, fields)
	if err != nil {
		return errors.WithMessage(err, sendInsertErr)
	}

	var msg remote.Message
	if err = json.Unmarshal(raw, &msg); err != nil {
		return errors.Wrapf(err, decodeRowErr, "message")
	}

	// The row is durable; apply it locally unless the conversation switched
	// while the insert was in flight.
	c.apply(epoch, &msg)

	insertNotification(ctx, c.remote, peer, remote.NotifyMessage,
		messageContent(c.ownUsername(ctx)), c.me)
	return nil
}

// upload pushes the attachment to blob storage. Any failure here aborts the
// send before a message row is written.
func (c *Conversation) upload(ctx context.Context, peer string,
	media *MediaUpload) (*remote.Media, error) {
	if len(media.Data) == 0 {
		return nil, errors.WithMessage(remote.ErrValidation, emptyMediaErr)
	}
	if err := remote.ValidateMediaKind(media.Kind); err != nil {
		return nil, err
	}

	name := media.Filename
	if name == "" {
		name = string(media.Kind)
	}
	path := pairKey(c.me, peer) + "/" + xid.New().String() + "-" + name

	url, err := c.remote.UploadBlob(ctx, mediaBucket, path, media.Data)
	if err != nil {
		return nil, errors.WithMessage(remote.ErrUpload, err.Error())
	}

	return &remote.Media{
		URL:      url,
		Kind:     media.Kind,
		Filename: media.Filename,
	}, nil
}

// handleEvent applies one live message change for the epoch it was
// subscribed under.
func (c *Conversation) handleEvent(epoch uint64, ev remote.ChangeEvent) {
	var msg remote.Message
	if err := json.Unmarshal(ev.Row, &msg); err != nil {
		jww.WARN.Printf("[SYNC] Dropping malformed message event %s: %+v",
			ev.RowID, err)
		return
	}
	c.apply(epoch, &msg)
}

// apply stores the message and fires the message callback, unless the
// conversation has moved to a different epoch since the caller captured
// theirs.
func (c *Conversation) apply(epoch uint64, msg *remote.Message) {
	c.mux.Lock()
	defer c.mux.Unlock()
	if c.epoch != epoch {
		jww.DEBUG.Printf("[SYNC] Dropping message %s for stale epoch %d.",
			msg.ID, epoch)
		return
	}

	updated, err := c.local.UpsertMessage(msg)
	if err != nil {
		jww.WARN.Printf("[SYNC] Could not store message %s: %+v", msg.ID, err)
		return
	}

	if c.onMessage != nil {
		go c.onMessage(msg, updated)
	}
}

// resync replaces the log from a full fetch after the feed reattached.
func (c *Conversation) resync(epoch uint64, peer string) {
	ctx := context.Background()
	msgs, err := c.fetchAll(ctx, peer)
	if err != nil {
		jww.WARN.Printf("[SYNC] Conversation resync with %s failed: %+v",
			peer, err)
		return
	}

	c.mux.Lock()
	defer c.mux.Unlock()
	if c.epoch != epoch {
		return
	}
	if err = c.local.ReplaceConversation(c.me, peer, msgs); err != nil {
		jww.WARN.Printf("[SYNC] Conversation resync with %s failed: %+v",
			peer, err)
	}
}

// markRead flags unread incoming messages as read, remotely then locally.
// It is best effort: a failure here never fails the Open that spawned it.
func (c *Conversation) markRead(ctx context.Context, epoch uint64,
	msgs []*remote.Message) {
	for _, m := range msgs {
		if m.ReceiverID != c.me || m.Read {
			continue
		}

		raw, err := c.remote.Update(ctx, remote.KindMessage, m.ID,
			map[string]any{"read": true})
		if err != nil {
			jww.WARN.Printf("[SYNC] Could not mark message %s read: %+v",
				m.ID, err)
			continue
		}

		var updated remote.Message
		if err = json.Unmarshal(raw, &updated); err != nil {
			jww.WARN.Printf("[SYNC] Could not decode read receipt for "+
				"%s: %+v", m.ID, err)
			continue
		}
		c.apply(epoch, &updated)
	}
}

// fetchAll loads the full pair log, ascending.
func (c *Conversation) fetchAll(ctx context.Context,
	peer string) ([]*remote.Message, error) {
	rows, err := c.remote.Query(ctx, remote.KindMessage,
		remote.MessagesBetween(c.me, peer),
		remote.QueryOpts{OrderBy: "created_at"})
	if err != nil {
		return nil, errors.WithMessage(err, fetchMessagesErr)
	}

	msgs := make([]*remote.Message, 0, len(rows))
	for _, raw := range rows {
		var m remote.Message
		if err = json.Unmarshal(raw, &m); err != nil {
			return nil, errors.Wrapf(err, decodeRowErr, "message")
		}
		msgs = append(msgs, &m)
	}
	return msgs, nil
}

// detach closes the current subscription and bumps the epoch so in-flight
// handlers drop their events. It returns once no further delivery can
// happen.
func (c *Conversation) detach() {
	c.mux.Lock()
	c.epoch++
	h := c.handle
	c.handle = nil
	prev := c.peer
	c.peer = ""
	c.mux.Unlock()

	if h != nil {
		h.Close()
		jww.INFO.Printf("[SYNC] Left conversation with %s.", prev)
	}
}

func (c *Conversation) ownUsername(ctx context.Context) string {
	p, err := fetchProfile(ctx, c.remote, c.local, c.me)
	if err != nil || p == nil {
		return ""
	}
	return p.Username
}

// pairKey is a stable label for an unordered user pair, used in blob paths.
func pairKey(a, b string) string {
	if a < b {
		return a + "-" + b
	}
	return b + "-" + a
}
