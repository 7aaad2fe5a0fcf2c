////////////////////////////////////////////////////////////////////////////////
// Copyright © 2025 Tern Foundation                                           //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

package store

import (
	"github.com/pkg/errors"
	"gorm.io/gorm"

	"gitlab.com/ternchat/tern-sdk/remote"
)

// pairWhere selects both directions of an unordered conversation pair.
const pairWhere = "(sender_id = ? AND receiver_id = ?) OR " +
	"(sender_id = ? AND receiver_id = ?)"

// Error messages.
const (
	upsertProfileErr    = "failed to upsert profile %s"
	getProfileErr       = "failed to look up profile %s"
	upsertFriendshipErr = "failed to upsert friendship %s"
	listFriendshipsErr  = "failed to list friendships"
	friendshipRegressErr = "friendship %s is already %s; " +
		"refusing transition to %s"
	upsertMessageErr       = "failed to upsert message %s"
	listMessagesErr        = "failed to list conversation %s/%s"
	replaceConversationErr = "failed to replace conversation %s/%s"
	replaceInboxErr        = "failed to replace notifications for %s"
	listInboxErr           = "failed to list notifications for %s"
	countUnreadErr         = "failed to count unread notifications for %s"
)

// UpsertProfile inserts the profile or, when a row with the same remote ID
// already exists, updates it in place. It reports whether an existing row was
// updated.
func (s *Store) UpsertProfile(p *remote.Profile) (bool, error) {
	s.mux.Lock()
	defer s.mux.Unlock()

	var existing Profile
	err := s.db.Where("remote_id = ?", p.ID).Take(&existing).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, errors.Wrapf(
			s.db.Create(localProfile(p)).Error, upsertProfileErr, p.ID)
	} else if err != nil {
		return false, errors.Wrapf(err, upsertProfileErr, p.ID)
	}

	row := localProfile(p)
	row.ID = existing.ID
	return true, errors.Wrapf(s.db.Save(row).Error, upsertProfileErr, p.ID)
}

// ProfileByRemoteID returns the cached profile, or nil when the profile has
// not been cached yet.
func (s *Store) ProfileByRemoteID(id string) (*remote.Profile, error) {
	var row Profile
	err := s.db.Where("remote_id = ?", id).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	} else if err != nil {
		return nil, errors.Wrapf(err, getProfileErr, id)
	}
	return row.Remote(), nil
}

// UpsertFriendship inserts the friendship or updates the existing row with
// the same remote ID. A row already in a terminal status refuses to change
// status again; the remote store never emits such a transition, so hitting
// the guard means the input is corrupt.
func (s *Store) UpsertFriendship(f *remote.Friendship) (bool, error) {
	s.mux.Lock()
	defer s.mux.Unlock()

	var existing Friendship
	err := s.db.Where("remote_id = ?", f.ID).Take(&existing).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, errors.Wrapf(
			s.db.Create(localFriendship(f)).Error, upsertFriendshipErr, f.ID)
	} else if err != nil {
		return false, errors.Wrapf(err, upsertFriendshipErr, f.ID)
	}

	current := remote.FriendshipStatus(existing.Status)
	if current.Terminal() && f.Status != current {
		return false, errors.Errorf(
			friendshipRegressErr, f.ID, current, f.Status)
	}

	row := localFriendship(f)
	row.ID = existing.ID
	return true, errors.Wrapf(s.db.Save(row).Error, upsertFriendshipErr, f.ID)
}

// Friendships returns every cached friendship row. In a per-user database
// that is exactly the set of friendships touching the signed-in user.
func (s *Store) Friendships() ([]*remote.Friendship, error) {
	var rows []Friendship
	if err := s.db.Find(&rows).Error; err != nil {
		return nil, errors.Wrap(err, listFriendshipsErr)
	}

	out := make([]*remote.Friendship, len(rows))
	for i := range rows {
		out[i] = rows[i].Remote()
	}
	return out, nil
}

// UpsertMessage inserts the message or updates the existing row with the
// same remote ID. A feed echo of a confirmed send therefore collapses into
// the row the send already wrote, whichever of the two lands first. It
// reports whether an existing row was updated.
func (s *Store) UpsertMessage(m *remote.Message) (bool, error) {
	s.mux.Lock()
	defer s.mux.Unlock()

	var existing Message
	err := s.db.Where("remote_id = ?", m.ID).Take(&existing).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, errors.Wrapf(
			s.db.Create(localMessage(m)).Error, upsertMessageErr, m.ID)
	} else if err != nil {
		return false, errors.Wrapf(err, upsertMessageErr, m.ID)
	}

	row := localMessage(m)
	row.ID = existing.ID
	return true, errors.Wrapf(s.db.Save(row).Error, upsertMessageErr, m.ID)
}

// ReplaceConversation drops the cached log of the unordered {a, b}
// conversation and stores msgs as the new log, atomically.
func (s *Store) ReplaceConversation(a, b string,
	msgs []*remote.Message) error {
	s.mux.Lock()
	defer s.mux.Unlock()

	err := s.db.Transaction(func(tx *gorm.DB) error {
		err := tx.Where(pairWhere, a, b, b, a).Delete(&Message{}).Error
		if err != nil {
			return err
		}
		for _, m := range msgs {
			if err = tx.Create(localMessage(m)).Error; err != nil {
				return err
			}
		}
		return nil
	})
	return errors.Wrapf(err, replaceConversationErr, a, b)
}

// Messages returns the cached {a, b} conversation ascending by creation
// time. Ties break on local insertion order.
func (s *Store) Messages(a, b string) ([]*remote.Message, error) {
	var rows []Message
	err := s.db.Where(pairWhere, a, b, b, a).
		Order("created_at ASC, id ASC").Find(&rows).Error
	if err != nil {
		return nil, errors.Wrapf(err, listMessagesErr, a, b)
	}

	out := make([]*remote.Message, len(rows))
	for i := range rows {
		out[i] = rows[i].Remote()
	}
	return out, nil
}

// ReplaceNotifications replaces the owner's cached inbox window with ns,
// atomically.
func (s *Store) ReplaceNotifications(ownerID string,
	ns []*remote.Notification) error {
	s.mux.Lock()
	defer s.mux.Unlock()

	err := s.db.Transaction(func(tx *gorm.DB) error {
		err := tx.Where("owner_id = ?", ownerID).
			Delete(&Notification{}).Error
		if err != nil {
			return err
		}
		for _, n := range ns {
			if err = tx.Create(localNotification(n)).Error; err != nil {
				return err
			}
		}
		return nil
	})
	return errors.Wrapf(err, replaceInboxErr, ownerID)
}

// Notifications returns the owner's cached notifications, newest first, at
// most limit when limit is positive.
func (s *Store) Notifications(ownerID string,
	limit int) ([]*remote.Notification, error) {
	q := s.db.Where("owner_id = ?", ownerID).
		Order("created_at DESC, id DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}

	var rows []Notification
	if err := q.Find(&rows).Error; err != nil {
		return nil, errors.Wrapf(err, listInboxErr, ownerID)
	}

	out := make([]*remote.Notification, len(rows))
	for i := range rows {
		out[i] = rows[i].Remote()
	}
	return out, nil
}

// UnreadNotificationCount returns how many cached notifications the owner
// has not read.
func (s *Store) UnreadNotificationCount(ownerID string) (int, error) {
	var n int64
	err := s.db.Model(&Notification{}).
		Where("owner_id = ? AND read = ?", ownerID, false).Count(&n).Error
	if err != nil {
		return 0, errors.Wrapf(err, countUnreadErr, ownerID)
	}
	return int(n), nil
}
