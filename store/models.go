////////////////////////////////////////////////////////////////////////////////
// Copyright © 2025 Tern Foundation                                           //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

package store

import (
	"time"

	"gitlab.com/ternchat/tern-sdk/remote"
)

// Local rows carry their own auto-increment primary key plus a unique index
// on the remote row ID. Re-applying a row the store already has (a feed echo
// of our own write, or a write racing its echo) lands on the unique index and
// becomes an update instead of a duplicate.
//
// Remote timestamps are stored verbatim; the autoCreateTime/autoUpdateTime
// machinery is disabled so a local write never rewrites them.

// Profile is the local cache of one user's profile row.
type Profile struct {
	ID        int64     `gorm:"primaryKey;autoIncrement:true"`
	RemoteID  string    `gorm:"uniqueIndex;not null"`
	Username  string    `gorm:"index;not null"`
	Bio       string    `gorm:""`
	AvatarURL string    `gorm:""`
	CreatedAt time.Time `gorm:"not null;autoCreateTime:false"`
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime:false"`
}

// TableName overrides the table name used by Profile.
func (Profile) TableName() string { return "tern_profiles" }

// Remote converts the cached row back to its wire form.
func (p *Profile) Remote() *remote.Profile {
	return &remote.Profile{
		ID:        p.RemoteID,
		Username:  p.Username,
		Bio:       p.Bio,
		AvatarURL: p.AvatarURL,
		CreatedAt: p.CreatedAt,
		UpdatedAt: p.UpdatedAt,
	}
}

func localProfile(p *remote.Profile) *Profile {
	return &Profile{
		RemoteID:  p.ID,
		Username:  p.Username,
		Bio:       p.Bio,
		AvatarURL: p.AvatarURL,
		CreatedAt: p.CreatedAt,
		UpdatedAt: p.UpdatedAt,
	}
}

// Friendship is the local copy of one friend-request row.
type Friendship struct {
	ID          int64     `gorm:"primaryKey;autoIncrement:true"`
	RemoteID    string    `gorm:"uniqueIndex;not null"`
	RequesterID string    `gorm:"index;not null"`
	AddresseeID string    `gorm:"index;not null"`
	Status      string    `gorm:"not null"`
	CreatedAt   time.Time `gorm:"not null;autoCreateTime:false"`
}

// TableName overrides the table name used by Friendship.
func (Friendship) TableName() string { return "tern_friendships" }

// Remote converts the cached row back to its wire form.
func (f *Friendship) Remote() *remote.Friendship {
	return &remote.Friendship{
		ID:          f.RemoteID,
		RequesterID: f.RequesterID,
		AddresseeID: f.AddresseeID,
		Status:      remote.FriendshipStatus(f.Status),
		CreatedAt:   f.CreatedAt,
	}
}

func localFriendship(f *remote.Friendship) *Friendship {
	return &Friendship{
		RemoteID:    f.ID,
		RequesterID: f.RequesterID,
		AddresseeID: f.AddresseeID,
		Status:      string(f.Status),
		CreatedAt:   f.CreatedAt,
	}
}

// Message is the local copy of one direct message row. Media descriptors are
// flattened into nullable columns.
type Message struct {
	ID            int64     `gorm:"primaryKey;autoIncrement:true"`
	RemoteID      string    `gorm:"uniqueIndex;not null"`
	SenderID      string    `gorm:"index;not null"`
	ReceiverID    string    `gorm:"index;not null"`
	Content       string    `gorm:""`
	MediaURL      string    `gorm:""`
	MediaKind     string    `gorm:""`
	MediaFilename string    `gorm:""`
	Read          bool      `gorm:"not null"`
	CreatedAt     time.Time `gorm:"index;not null;autoCreateTime:false"`
}

// TableName overrides the table name used by Message.
func (Message) TableName() string { return "tern_messages" }

// Remote converts the cached row back to its wire form.
func (m *Message) Remote() *remote.Message {
	out := &remote.Message{
		ID:         m.RemoteID,
		SenderID:   m.SenderID,
		ReceiverID: m.ReceiverID,
		Content:    m.Content,
		Read:       m.Read,
		CreatedAt:  m.CreatedAt,
	}
	if m.MediaURL != "" {
		out.Media = &remote.Media{
			URL:      m.MediaURL,
			Kind:     remote.MediaKind(m.MediaKind),
			Filename: m.MediaFilename,
		}
	}
	return out
}

func localMessage(m *remote.Message) *Message {
	out := &Message{
		RemoteID:   m.ID,
		SenderID:   m.SenderID,
		ReceiverID: m.ReceiverID,
		Content:    m.Content,
		Read:       m.Read,
		CreatedAt:  m.CreatedAt,
	}
	if m.Media != nil {
		out.MediaURL = m.Media.URL
		out.MediaKind = string(m.Media.Kind)
		out.MediaFilename = m.Media.Filename
	}
	return out
}

// Notification is the local copy of one inbox row.
type Notification struct {
	ID        int64     `gorm:"primaryKey;autoIncrement:true"`
	RemoteID  string    `gorm:"uniqueIndex;not null"`
	OwnerID   string    `gorm:"index;not null"`
	Kind      string    `gorm:"not null"`
	Content   string    `gorm:""`
	RelatedID string    `gorm:""`
	Read      bool      `gorm:"not null"`
	CreatedAt time.Time `gorm:"index;not null;autoCreateTime:false"`
}

// TableName overrides the table name used by Notification.
func (Notification) TableName() string { return "tern_notifications" }

// Remote converts the cached row back to its wire form.
func (n *Notification) Remote() *remote.Notification {
	return &remote.Notification{
		ID:        n.RemoteID,
		OwnerID:   n.OwnerID,
		Kind:      remote.NotificationKind(n.Kind),
		Content:   n.Content,
		RelatedID: n.RelatedID,
		Read:      n.Read,
		CreatedAt: n.CreatedAt,
	}
}

func localNotification(n *remote.Notification) *Notification {
	return &Notification{
		RemoteID:  n.ID,
		OwnerID:   n.OwnerID,
		Kind:      string(n.Kind),
		Content:   n.Content,
		RelatedID: n.RelatedID,
		Read:      n.Read,
		CreatedAt: n.CreatedAt,
	}
}

// schemaVersion is the single-row table recording which migration the
// database file is at.
type schemaVersion struct {
	ID      int `gorm:"primaryKey"`
	Version int `gorm:"not null"`
}

// TableName overrides the table name used by schemaVersion.
func (schemaVersion) TableName() string { return "tern_schema_version" }
