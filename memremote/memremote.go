////////////////////////////////////////////////////////////////////////////////
// Copyright © 2025 Tern Foundation                                           //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

// Package memremote is an in-memory implementation of the remote store
// contract. It backs the SDK's unit and end-to-end tests and the standalone
// dev server, and doubles as the reference for how a conforming backend must
// behave: uniqueness rules, the friendship state machine, per-field update
// permissions, and change fan-out all live here.
//
// One Store is the shared backend; each signed-in user talks to it through
// the view returned by [Store.WithActor], which enforces what that user may
// write. Query and Subscribe are not scoped per actor; row-level read
// security is the production backend's concern, not this fake's.
package memremote

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"gitlab.com/ternchat/tern-sdk/remote"
)

// Sends to a subscription that cannot keep up are dropped rather than
// blocking the writer, matching the at-most-once feed contract.
const subscriptionBuffer = 64

// Error messages.
const (
	unknownKindErr    = "unknown collection %q"
	usernameTakenErr  = "username %q is taken"
	pairExistsErr     = "friendship between %s and %s already exists"
	selfFriendErr     = "requester and addressee are the same user"
	notAddresseeErr   = "only the addressee may respond to a friend request"
	notRequesterErr   = "friend requests may only be sent as yourself"
	notSenderErr      = "messages may only be sent as yourself"
	notReceiverErr    = "only the receiver may mark a message read"
	notOwnerErr       = "only the owner may update a notification"
	notProfileErr     = "profiles may only be updated by their own user"
	profileInsertErr  = "profiles are created at sign-up, not by clients"
	statusTerminalErr = "friendship is already %s"
	badStatusErr      = "status may only change to accepted or rejected"
	readOnlyFieldErr  = "field %q of %s may not be updated"
	emptyMessageErr   = "message needs content or media"
	noRowErr          = "no %s row with ID %s"
)

type row = map[string]any

// Store is the in-memory backend shared by every actor view.
type Store struct {
	mu        sync.Mutex
	rows      map[remote.Kind][]row
	blobs     map[string][]byte
	subs      map[int]*subscription
	nextSubID int
	now       func() time.Time
}

// New returns an empty store.
func New() *Store {
	return &Store{
		rows:  make(map[remote.Kind][]row),
		blobs: make(map[string][]byte),
		subs:  make(map[int]*subscription),
		now:   time.Now,
	}
}

// CreateUser provisions a profile row the way the platform's sign-up flow
// does. The username must already be in canonical lowercase form.
func (s *Store) CreateUser(username string) (*remote.Profile, error) {
	if err := remote.ValidateUsername(username); err != nil {
		return nil, err
	}

	raw, err := s.insert("", remote.KindProfile,
		row{"username": username})
	if err != nil {
		return nil, err
	}

	var p remote.Profile
	if err = json.Unmarshal(raw, &p); err != nil {
		return nil, errors.Wrap(err, "could not decode created profile")
	}
	return &p, nil
}

// WithActor returns the store as seen by one authenticated user. All writes
// through the view are checked against that user.
func (s *Store) WithActor(userID string) remote.Store {
	return &actorView{store: s, actor: userID}
}

// OpenFeeds returns the number of live subscriptions. Tests use it to prove
// teardown really released them.
func (s *Store) OpenFeeds() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

// DropFeeds simulates a transport failure: every live subscription's channel
// closes without being cleanly removed by its owner. Events between the drop
// and a resubscribe are lost, as the contract allows.
func (s *Store) DropFeeds() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, sub := range s.subs {
		close(sub.ch)
		sub.dead = true
		delete(s.subs, id)
	}
}

// Blob returns an uploaded blob's contents, for tests.
func (s *Store) Blob(bucket, path string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.blobs[bucket+"/"+path]
	return data, ok
}

func (s *Store) insert(actor string, kind remote.Kind,
	fields map[string]any) (json.RawMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r := make(row, len(fields)+3)
	for k, v := range fields {
		r[k] = v
	}
	r["id"] = uuid.NewString()
	r["created_at"] = s.now().UTC()

	switch kind {
	case remote.KindProfile:
		if actor != "" {
			return nil, errors.WithMessage(remote.ErrForbidden,
				profileInsertErr)
		}
		if s.usernameTakenLocked(str(r["username"]), "") {
			return nil, errors.WithMessagef(remote.ErrConflict,
				usernameTakenErr, str(r["username"]))
		}
		r["updated_at"] = r["created_at"]

	case remote.KindFriendship:
		requester, addressee := str(r["requester_id"]), str(r["addressee_id"])
		if actor != "" && requester != actor {
			return nil, errors.WithMessage(remote.ErrForbidden,
				notRequesterErr)
		}
		if requester == addressee {
			return nil, errors.WithMessage(remote.ErrValidation,
				selfFriendErr)
		}
		if s.pairExistsLocked(requester, addressee) {
			return nil, errors.WithMessagef(remote.ErrConflict,
				pairExistsErr, requester, addressee)
		}
		r["status"] = string(remote.FriendshipPending)

	case remote.KindMessage:
		if actor != "" && str(r["sender_id"]) != actor {
			return nil, errors.WithMessage(remote.ErrForbidden, notSenderErr)
		}
		if str(r["content"]) == "" && r["media"] == nil {
			return nil, errors.WithMessage(remote.ErrValidation,
				emptyMessageErr)
		}
		r["read"] = false

	case remote.KindNotification:
		r["read"] = false

	default:
		return nil, errors.WithMessagef(remote.ErrValidation,
			unknownKindErr, string(kind))
	}

	s.rows[kind] = append(s.rows[kind], r)
	return s.notifyLocked(kind, remote.ChangeInsert, r)
}

func (s *Store) update(actor string, kind remote.Kind, id string,
	fields map[string]any) (json.RawMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r := s.findLocked(kind, id)
	if r == nil {
		return nil, errors.WithMessagef(remote.ErrNotFound,
			noRowErr, string(kind), id)
	}

	switch kind {
	case remote.KindProfile:
		if actor != "" && str(r["id"]) != actor {
			return nil, errors.WithMessage(remote.ErrForbidden, notProfileErr)
		}
		for field, value := range fields {
			switch field {
			case "username":
				name := str(value)
				if err := remote.ValidateUsername(name); err != nil {
					return nil, err
				}
				if s.usernameTakenLocked(name, id) {
					return nil, errors.WithMessagef(remote.ErrConflict,
						usernameTakenErr, name)
				}
				r[field] = name
			case "bio", "avatar_url":
				r[field] = str(value)
			default:
				return nil, errors.WithMessagef(remote.ErrValidation,
					readOnlyFieldErr, field, string(kind))
			}
		}
		r["updated_at"] = s.now().UTC()

	case remote.KindFriendship:
		if actor != "" && str(r["addressee_id"]) != actor {
			return nil, errors.WithMessage(remote.ErrForbidden,
				notAddresseeErr)
		}
		if err := applyStatus(r, fields); err != nil {
			return nil, err
		}

	case remote.KindMessage:
		if actor != "" && str(r["receiver_id"]) != actor {
			return nil, errors.WithMessage(remote.ErrForbidden,
				notReceiverErr)
		}
		if err := applyReadFlag(r, kind, fields); err != nil {
			return nil, err
		}

	case remote.KindNotification:
		if actor != "" && str(r["owner_id"]) != actor {
			return nil, errors.WithMessage(remote.ErrForbidden, notOwnerErr)
		}
		if err := applyReadFlag(r, kind, fields); err != nil {
			return nil, err
		}

	default:
		return nil, errors.WithMessagef(remote.ErrValidation,
			unknownKindErr, string(kind))
	}

	return s.notifyLocked(kind, remote.ChangeUpdate, r)
}

// applyStatus enforces the friendship state machine: pending rows may move
// to accepted or rejected, terminal rows never change again.
func applyStatus(r row, fields map[string]any) error {
	for field := range fields {
		if field != "status" {
			return errors.WithMessagef(remote.ErrValidation,
				readOnlyFieldErr, field, string(remote.KindFriendship))
		}
	}

	current := remote.FriendshipStatus(str(r["status"]))
	if current.Terminal() {
		return errors.WithMessagef(remote.ErrConflict,
			statusTerminalErr, string(current))
	}

	next := remote.FriendshipStatus(str(fields["status"]))
	if !next.Terminal() {
		return errors.WithMessage(remote.ErrValidation, badStatusErr)
	}

	r["status"] = string(next)
	return nil
}

func applyReadFlag(r row, kind remote.Kind, fields map[string]any) error {
	for field, value := range fields {
		if field != "read" {
			return errors.WithMessagef(remote.ErrValidation,
				readOnlyFieldErr, field, string(kind))
		}
		read, ok := value.(bool)
		if !ok {
			return errors.WithMessagef(remote.ErrValidation,
				readOnlyFieldErr, field, string(kind))
		}
		r["read"] = read
	}
	return nil
}

func (s *Store) query(kind remote.Kind, pred remote.Predicate,
	opts remote.QueryOpts) ([]json.RawMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var matched []row
	for _, r := range s.rows[kind] {
		if pred.Match(r) {
			matched = append(matched, r)
		}
	}

	if opts.OrderBy != "" {
		col := opts.OrderBy
		less := func(i, j int) bool {
			return columnLess(matched[i][col], matched[j][col])
		}
		if opts.Descending {
			sort.SliceStable(matched, func(i, j int) bool {
				return less(j, i)
			})
		} else {
			sort.SliceStable(matched, less)
		}
	}
	if opts.Limit > 0 && len(matched) > opts.Limit {
		matched = matched[:opts.Limit]
	}

	out := make([]json.RawMessage, 0, len(matched))
	for _, r := range matched {
		raw, err := json.Marshal(r)
		if err != nil {
			return nil, errors.Wrap(err, "could not encode row")
		}
		out = append(out, raw)
	}
	return out, nil
}

func columnLess(a, b any) bool {
	switch av := a.(type) {
	case time.Time:
		bv, ok := b.(time.Time)
		return ok && av.Before(bv)
	case string:
		bv, ok := b.(string)
		return ok && av < bv
	}
	af, aok := toSortFloat(a)
	bf, bok := toSortFloat(b)
	return aok && bok && af < bf
}

func toSortFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

func (s *Store) subscribe(kind remote.Kind,
	pred remote.Predicate) (remote.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub := &subscription{
		store: s,
		id:    s.nextSubID,
		kind:  kind,
		pred:  pred,
		ch:    make(chan remote.ChangeEvent, subscriptionBuffer),
	}
	s.subs[sub.id] = sub
	s.nextSubID++
	return sub, nil
}

func (s *Store) uploadBlob(bucket, path string,
	data []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := make([]byte, len(data))
	copy(stored, data)
	s.blobs[bucket+"/"+path] = stored
	return "mem://" + bucket + "/" + path, nil
}

// notifyLocked marshals the row once and fans the event out to every
// matching subscription. The store mutex serializes fan-out, so each
// subscription sees events in apply order.
func (s *Store) notifyLocked(kind remote.Kind, t remote.ChangeType,
	r row) (json.RawMessage, error) {
	raw, err := json.Marshal(r)
	if err != nil {
		return nil, errors.Wrap(err, "could not encode row")
	}

	ev := remote.ChangeEvent{Kind: kind, Type: t, RowID: str(r["id"]), Row: raw}
	for _, sub := range s.subs {
		if sub.kind != kind || !sub.pred.MatchJSON(raw) {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			// Slow consumer; at-most-once delivery allows the drop.
		}
	}
	return raw, nil
}

func (s *Store) findLocked(kind remote.Kind, id string) row {
	for _, r := range s.rows[kind] {
		if str(r["id"]) == id {
			return r
		}
	}
	return nil
}

func (s *Store) usernameTakenLocked(username, exceptID string) bool {
	for _, r := range s.rows[remote.KindProfile] {
		if str(r["id"]) != exceptID &&
			strings.EqualFold(str(r["username"]), username) {
			return true
		}
	}
	return false
}

func (s *Store) pairExistsLocked(a, b string) bool {
	for _, r := range s.rows[remote.KindFriendship] {
		ra, rb := str(r["requester_id"]), str(r["addressee_id"])
		if (ra == a && rb == b) || (ra == b && rb == a) {
			return true
		}
	}
	return false
}

func str(v any) string {
	s, _ := v.(string)
	return s
}

type subscription struct {
	store *Store
	id    int
	kind  remote.Kind
	pred  remote.Predicate
	ch    chan remote.ChangeEvent
	dead  bool
}

func (sub *subscription) Events() <-chan remote.ChangeEvent { return sub.ch }

func (sub *subscription) Close() error {
	sub.store.mu.Lock()
	defer sub.store.mu.Unlock()
	if !sub.dead {
		close(sub.ch)
		sub.dead = true
		delete(sub.store.subs, sub.id)
	}
	return nil
}

// actorView is the store scoped to one authenticated user.
type actorView struct {
	store *Store
	actor string
}

func (v *actorView) Insert(_ context.Context, kind remote.Kind,
	fields map[string]any) (json.RawMessage, error) {
	return v.store.insert(v.actor, kind, fields)
}

func (v *actorView) Update(_ context.Context, kind remote.Kind, id string,
	fields map[string]any) (json.RawMessage, error) {
	return v.store.update(v.actor, kind, id, fields)
}

func (v *actorView) Query(_ context.Context, kind remote.Kind,
	pred remote.Predicate, opts remote.QueryOpts) ([]json.RawMessage, error) {
	return v.store.query(kind, pred, opts)
}

func (v *actorView) Subscribe(_ context.Context, kind remote.Kind,
	pred remote.Predicate) (remote.Subscription, error) {
	return v.store.subscribe(kind, pred)
}

func (v *actorView) UploadBlob(_ context.Context, bucket, path string,
	data []byte) (string, error) {
	return v.store.uploadBlob(bucket, path, data)
}
