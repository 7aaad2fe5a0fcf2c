////////////////////////////////////////////////////////////////////////////////
// Copyright © 2025 Tern Foundation                                           //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

package remote

import "github.com/pkg/errors"

// Failure taxonomy. Transports translate their native failures onto these
// sentinels (compare with errors.Is); remote failures that fit none of them
// pass through untranslated so no information is lost. Errors are never
// converted into false successes.
var (
	// ErrValidation marks input rejected before any remote call was made.
	ErrValidation = errors.New("invalid input")

	// ErrConflict marks a uniqueness violation, such as a taken username or
	// an already-existing friendship for the pair.
	ErrConflict = errors.New("conflicting row exists")

	// ErrNotFound marks an operation against a row ID the store does not
	// have.
	ErrNotFound = errors.New("row not found")

	// ErrForbidden marks an operation the authenticated user may not
	// perform, such as responding to someone else's friend request.
	ErrForbidden = errors.New("operation not permitted")

	// ErrUpload marks a failed blob upload. A failed upload aborts the
	// operation that needed it; no partial row is written.
	ErrUpload = errors.New("blob upload failed")

	// ErrTransport marks a connection-level failure. It is internal to the
	// SDK: feeds recover from it by resubscribing and it is never surfaced
	// as a user-facing failure class of its own.
	ErrTransport = errors.New("transport failure")
)

// Wire codes carried by the REST and NATS protocols in place of Go errors.
const (
	CodeValidation = "validation"
	CodeConflict   = "conflict"
	CodeNotFound   = "not_found"
	CodeForbidden  = "forbidden"
	CodeUpload     = "upload"
	CodeTransport  = "transport"
)

// Code returns the wire code for err's taxonomy class, or "" when err
// belongs to none of them.
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrValidation):
		return CodeValidation
	case errors.Is(err, ErrConflict):
		return CodeConflict
	case errors.Is(err, ErrNotFound):
		return CodeNotFound
	case errors.Is(err, ErrForbidden):
		return CodeForbidden
	case errors.Is(err, ErrUpload):
		return CodeUpload
	case errors.Is(err, ErrTransport):
		return CodeTransport
	default:
		return ""
	}
}

// FromCode returns the sentinel for a wire code, or nil for codes this
// version does not know. Callers treat a nil return as an unknown remote
// error and pass the original failure through.
func FromCode(code string) error {
	switch code {
	case CodeValidation:
		return ErrValidation
	case CodeConflict:
		return ErrConflict
	case CodeNotFound:
		return ErrNotFound
	case CodeForbidden:
		return ErrForbidden
	case CodeUpload:
		return ErrUpload
	case CodeTransport:
		return ErrTransport
	default:
		return nil
	}
}
