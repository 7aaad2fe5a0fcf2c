////////////////////////////////////////////////////////////////////////////////
// Copyright © 2025 Tern Foundation                                           //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

package natsremote

import "time"

// Params configures the NATS transport.
type Params struct {
	// RequestTimeout bounds each RPC round trip. Calls whose context
	// carries an earlier deadline use that instead.
	RequestTimeout time.Duration `json:"requestTimeout"`

	// ConnectTimeout bounds the initial dial.
	ConnectTimeout time.Duration `json:"connectTimeout"`

	// MaxReconnects caps reconnect attempts after a lost connection; -1
	// retries forever.
	MaxReconnects int `json:"maxReconnects"`

	// ReconnectWait is the pause between reconnect attempts.
	ReconnectWait time.Duration `json:"reconnectWait"`
}

// DefaultParams returns the default parameters.
func DefaultParams() Params {
	return Params{
		RequestTimeout: 30 * time.Second,
		ConnectTimeout: 10 * time.Second,
		MaxReconnects:  -1,
		ReconnectWait:  2 * time.Second,
	}
}
