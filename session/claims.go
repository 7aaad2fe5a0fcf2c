////////////////////////////////////////////////////////////////////////////////
// Copyright © 2025 Tern Foundation                                           //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

package session

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/pkg/errors"

	"gitlab.com/ternchat/tern-sdk/remote"
)

// Error messages.
const (
	parseTokenErr   = "could not parse session token: %s"
	noSubjectErr    = "session token carries no user ID"
	tokenExpiredErr = "session token expired at %s"
)

// Claims is what the SDK reads out of a session token: who the token is for
// and how long it lasts. ExpiresAt is zero when the token does not expire.
type Claims struct {
	UserID    string
	ExpiresAt time.Time
}

// ParseToken extracts the claims from a JWT session token without verifying
// its signature. The token was issued by the remote service and every call
// made with it is verified server-side; the client only needs to know which
// user it is acting as. Expired tokens are rejected here so a stale vault
// entry fails fast instead of failing on the first remote call.
func ParseToken(token string) (*Claims, error) {
	var rc jwt.RegisteredClaims
	_, _, err := jwt.NewParser().ParseUnverified(token, &rc)
	if err != nil {
		return nil, errors.WithMessagef(remote.ErrValidation,
			parseTokenErr, err)
	}

	if rc.Subject == "" {
		return nil, errors.WithMessage(remote.ErrValidation, noSubjectErr)
	}

	c := &Claims{UserID: rc.Subject}
	if rc.ExpiresAt != nil {
		c.ExpiresAt = rc.ExpiresAt.Time
		if time.Now().After(c.ExpiresAt) {
			return nil, errors.WithMessagef(remote.ErrValidation,
				tokenExpiredErr, c.ExpiresAt.Format(time.RFC3339))
		}
	}
	return c, nil
}
