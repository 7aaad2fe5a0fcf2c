////////////////////////////////////////////////////////////////////////////////
// Copyright © 2025 Tern Foundation                                           //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

package feed

import "time"

// Params are parameters used in the [Subscriber].
type Params struct {
	// EventLogging indicates if a TRACE message should be printed every time
	// an event is delivered to a handle.
	EventLogging bool

	// RetryInitial is the first wait before reattaching a lost subscription.
	RetryInitial time.Duration

	// RetryMax caps the exponential backoff between reattach attempts.
	// Reattaching retries until the handle is closed; there is no attempt
	// limit.
	RetryMax time.Duration

	// RetryMultiplier is the backoff growth factor between attempts.
	RetryMultiplier float64
}

// DefaultParams returns the default parameters.
func DefaultParams() Params {
	return Params{
		EventLogging:    false,
		RetryInitial:    250 * time.Millisecond,
		RetryMax:        30 * time.Second,
		RetryMultiplier: 2,
	}
}
