////////////////////////////////////////////////////////////////////////////////
// Copyright © 2025 Tern Foundation                                           //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

// Package remote defines the contract between the SDK and the Tern remote
// store: the row collections, the CRUD and subscription surface, the change
// feed event format, and the error taxonomy every transport maps onto.
//
// The SDK never talks to a concrete backend directly. State synchronizers are
// written against [Store] and run unchanged over HTTP, NATS, or the in-memory
// implementation used in tests.
package remote

import (
	"context"
	"encoding/json"
)

// Kind identifies a row collection in the remote store.
type Kind string

// Row collections.
const (
	KindProfile      Kind = "profiles"
	KindFriendship   Kind = "friendships"
	KindMessage      Kind = "messages"
	KindNotification Kind = "notifications"
)

// ChangeType distinguishes feed events. The remote store never deletes rows,
// so the feed carries inserts and updates only.
type ChangeType string

const (
	ChangeInsert ChangeType = "insert"
	ChangeUpdate ChangeType = "update"
)

// ChangeEvent is one push notification from the remote store. Row is the full
// row as of the event; consumers decode it according to Kind.
type ChangeEvent struct {
	Kind  Kind            `json:"kind"`
	Type  ChangeType      `json:"type"`
	RowID string          `json:"row_id"`
	Row   json.RawMessage `json:"row"`
}

// QueryOpts orders and bounds a Query. The zero value returns every match in
// whatever order the store keeps them.
type QueryOpts struct {
	OrderBy    string `json:"order_by,omitempty"`
	Descending bool   `json:"descending,omitempty"`
	Limit      int    `json:"limit,omitempty"`
}

// Subscription is a live change feed for one kind and predicate.
//
// Delivery is at-most-once. Events emitted while the underlying connection is
// down are not replayed and the Events channel closes when the transport
// fails; catch-up after a failure is the caller's full re-fetch, never a feed
// replay. Within one subscription, events for a given row arrive in the order
// the store applied them.
type Subscription interface {
	// Events returns the event channel. It is closed when the subscription
	// ends, whether by Close or by transport failure.
	Events() <-chan ChangeEvent

	// Close tears the subscription down and releases its resources. Close is
	// idempotent.
	Close() error
}

// Store is the remote backing store for all client state.
//
// Mutating calls are synchronous and return the row exactly as the store
// persisted it, including the server-assigned ID and timestamps.
// Implementations map their native failures onto the taxonomy in errors.go;
// anything else passes through untranslated.
type Store interface {
	// Insert creates a row and returns it as persisted. Uniqueness
	// violations return ErrConflict.
	Insert(ctx context.Context, kind Kind,
		fields map[string]any) (json.RawMessage, error)

	// Update applies a partial update to the row with the given ID and
	// returns the updated row. Unknown IDs return ErrNotFound; updates the
	// caller is not permitted to make return ErrForbidden.
	Update(ctx context.Context, kind Kind, id string,
		fields map[string]any) (json.RawMessage, error)

	// Query returns all rows of the kind matching pred, subject to opts.
	Query(ctx context.Context, kind Kind, pred Predicate,
		opts QueryOpts) ([]json.RawMessage, error)

	// Subscribe opens a change feed for rows of the kind matching pred.
	Subscribe(ctx context.Context, kind Kind,
		pred Predicate) (Subscription, error)

	// UploadBlob stores data under bucket/path and returns its public URL.
	// Uploading to an existing path replaces the blob.
	UploadBlob(ctx context.Context, bucket, path string,
		data []byte) (string, error)
}
