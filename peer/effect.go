// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package peer

import "github.com/luxfi/scsync/wire"

// EffectKind tags what a Router reaction asks the driver to do. This is
// the tagged-union-of-reactions redesign named in DESIGN.md: Router never
// touches a socket or timer directly, it only ever returns Effects for
// package engine to dispatch uniformly.
type EffectKind int

const (
	// EffectSend asks the driver to encode and send Msg to Addr now. If
	// Key is non-empty, the driver also arms (or re-arms) a one-second
	// retry timer under Key that resends Msg until a matching
	// EffectCancelRetry arrives — the retry/timeout mechanism required
	// for BlockRequest and RootUpdate in spec.md section 4.7.
	EffectSend EffectKind = iota
	// EffectCancelRetry asks the driver to stop and discard the retry
	// timer registered under Key, if any is still armed.
	EffectCancelRetry
)

// Effect is one reaction to an incoming message or a locally originated
// event (Advertise), collected by Router and dispatched by the driver.
type Effect struct {
	Kind EffectKind
	Addr string
	Msg  wire.Message
	Key  string
}
