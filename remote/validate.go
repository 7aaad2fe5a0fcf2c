////////////////////////////////////////////////////////////////////////////////
// Copyright © 2025 Tern Foundation                                           //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

package remote

import (
	"unicode/utf8"

	"github.com/pkg/errors"
)

// Field limits enforced client-side before any remote call. The remote store
// enforces them again; the local checks exist so bad input never costs a
// round trip.
const (
	UsernameMinLen = 3
	UsernameMaxLen = 20
	BioMaxLen      = 200
)

// Error messages.
const (
	usernameLenErr     = "username must be %d to %d characters, got %d"
	usernameCharsetErr = "username may only contain lowercase letters, " +
		"digits, and underscores"
	bioLenErr       = "bio must be at most %d characters, got %d"
	mediaKindErr    = "unknown media kind %q"
	mediaNoFieldErr = "media needs a URL"
)

// ValidateUsername checks the canonical username form: lowercase letters,
// digits, and underscores, UsernameMinLen to UsernameMaxLen characters.
// Usernames are stored lowercase; callers lowercase input before validating.
func ValidateUsername(username string) error {
	n := utf8.RuneCountInString(username)
	if n < UsernameMinLen || n > UsernameMaxLen {
		return errors.WithMessagef(ErrValidation,
			usernameLenErr, UsernameMinLen, UsernameMaxLen, n)
	}
	for _, r := range username {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= '0' && r <= '9':
		case r == '_':
		default:
			return errors.WithMessage(ErrValidation, usernameCharsetErr)
		}
	}
	return nil
}

// ValidateBio checks the profile bio length. Empty bios are valid.
func ValidateBio(bio string) error {
	if n := utf8.RuneCountInString(bio); n > BioMaxLen {
		return errors.WithMessagef(ErrValidation, bioLenErr, BioMaxLen, n)
	}
	return nil
}

// ValidateMediaKind checks that k is one of the supported attachment kinds.
func ValidateMediaKind(k MediaKind) error {
	switch k {
	case MediaImage, MediaVideo, MediaFile, MediaGif:
		return nil
	default:
		return errors.WithMessagef(ErrValidation, mediaKindErr, string(k))
	}
}

// Validate checks a fully formed media descriptor.
func (m *Media) Validate() error {
	if m.URL == "" {
		return errors.WithMessage(ErrValidation, mediaNoFieldErr)
	}
	return ValidateMediaKind(m.Kind)
}
