////////////////////////////////////////////////////////////////////////////////
// Copyright © 2025 Tern Foundation                                           //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

package rest

import "time"

// Params configures the REST transport.
type Params struct {
	// RequestTimeout bounds each HTTP request end to end. Calls whose
	// context carries an earlier deadline use that instead.
	RequestTimeout time.Duration `json:"requestTimeout"`

	// HandshakeTimeout bounds the WebSocket dial when opening a feed.
	HandshakeTimeout time.Duration `json:"handshakeTimeout"`

	// MaxEventSize caps a single feed frame read off the socket, in bytes.
	MaxEventSize int64 `json:"maxEventSize"`
}

// DefaultParams returns the default parameters.
func DefaultParams() Params {
	return Params{
		RequestTimeout:   30 * time.Second,
		HandshakeTimeout: 10 * time.Second,
		MaxEventSize:     1 << 20, // 1 MB
	}
}
