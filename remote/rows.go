////////////////////////////////////////////////////////////////////////////////
// Copyright © 2025 Tern Foundation                                           //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

package remote

import "time"

// FriendshipStatus is the lifecycle state of a friend request. A friendship
// starts pending and moves exactly once to accepted or rejected; terminal
// rows are never modified or deleted.
type FriendshipStatus string

const (
	FriendshipPending  FriendshipStatus = "pending"
	FriendshipAccepted FriendshipStatus = "accepted"
	FriendshipRejected FriendshipStatus = "rejected"
)

// Terminal reports whether the status admits no further transition.
func (s FriendshipStatus) Terminal() bool {
	return s == FriendshipAccepted || s == FriendshipRejected
}

// MediaKind classifies a message attachment.
type MediaKind string

const (
	MediaImage MediaKind = "image"
	MediaVideo MediaKind = "video"
	MediaFile  MediaKind = "file"
	MediaGif   MediaKind = "gif"
)

// NotificationKind classifies an inbox notification.
type NotificationKind string

const (
	NotifyFriendRequest  NotificationKind = "friend_request"
	NotifyFriendAccepted NotificationKind = "friend_accepted"
	NotifyMessage        NotificationKind = "message"
)

// Profile is one user's public identity row.
type Profile struct {
	ID        string    `json:"id"`
	Username  string    `json:"username"`
	Bio       string    `json:"bio,omitempty"`
	AvatarURL string    `json:"avatar_url,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Friendship is one friend-request row between an unordered pair of users.
// The remote store guarantees at most one row per pair.
type Friendship struct {
	ID          string           `json:"id"`
	RequesterID string           `json:"requester_id"`
	AddresseeID string           `json:"addressee_id"`
	Status      FriendshipStatus `json:"status"`
	CreatedAt   time.Time        `json:"created_at"`
}

// Involves reports whether userID is either side of the friendship.
func (f *Friendship) Involves(userID string) bool {
	return f.RequesterID == userID || f.AddresseeID == userID
}

// CounterpartOf returns the other side of the friendship relative to userID,
// or "" when userID is not involved.
func (f *Friendship) CounterpartOf(userID string) string {
	switch userID {
	case f.RequesterID:
		return f.AddresseeID
	case f.AddresseeID:
		return f.RequesterID
	default:
		return ""
	}
}

// Media describes a message attachment already persisted to blob storage.
type Media struct {
	URL      string    `json:"url"`
	Kind     MediaKind `json:"kind"`
	Filename string    `json:"filename,omitempty"`
}

// Message is one direct message row. A conversation is the unordered
// {sender, receiver} pair; either side may appear as sender. At least one of
// Content and Media is set. Rows are immutable after creation except for the
// Read flag.
type Message struct {
	ID         string    `json:"id"`
	SenderID   string    `json:"sender_id"`
	ReceiverID string    `json:"receiver_id"`
	Content    string    `json:"content,omitempty"`
	Media      *Media    `json:"media,omitempty"`
	Read       bool      `json:"read"`
	CreatedAt  time.Time `json:"created_at"`
}

// Between reports whether the message belongs to the unordered {a, b}
// conversation.
func (m *Message) Between(a, b string) bool {
	return (m.SenderID == a && m.ReceiverID == b) ||
		(m.SenderID == b && m.ReceiverID == a)
}

// Notification is one inbox row, owned exclusively by OwnerID. RelatedID
// points at the actor or entity that triggered it. Rows are immutable after
// creation except for the Read flag.
type Notification struct {
	ID        string           `json:"id"`
	OwnerID   string           `json:"owner_id"`
	Kind      NotificationKind `json:"kind"`
	Content   string           `json:"content,omitempty"`
	RelatedID string           `json:"related_id,omitempty"`
	Read      bool             `json:"read"`
	CreatedAt time.Time        `json:"created_at"`
}
