// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package peer implements the connection/peer state machine (C7): the
// per-address Unknown/Syncing/Idle lifecycle, the pending-root two-phase
// commit, the promotion cascade that drives recursive block discovery,
// and the retry/timeout bookkeeping around BlockRequest and RootUpdate.
//
// Following the cyclic-reference redesign in DESIGN.md, a Map owns every
// Peer value exclusively; a Router borrows a *Peer by address on each
// incoming message rather than peers holding back-references into a
// handler. Router methods never perform I/O themselves: they return
// Effect values for a driver (package engine) to dispatch, so this
// package stays free of sockets and timers and is exercised directly by
// tests.
package peer

import (
	"crypto/rand"
	"encoding/binary"

	"github.com/cockroachdb/errors"

	"github.com/luxfi/scsync/block"
	"github.com/luxfi/scsync/congestion"
	"github.com/luxfi/scsync/metrics"
	"github.com/luxfi/scsync/set"
	"github.com/luxfi/scsync/store"
	"github.com/luxfi/scsync/transfer"
)

// State is this peer's position in the connection state machine.
type State int

const (
	// Unknown is the initial state: only RootUpdate is honored, every
	// other message is dropped.
	Unknown State = iota
	// Syncing: block-level transfers are in progress in either direction.
	Syncing
	// Idle: roots match, no in-flight transfers.
	Idle
)

func (s State) String() string {
	switch s {
	case Unknown:
		return "unknown"
	case Syncing:
		return "syncing"
	case Idle:
		return "idle"
	default:
		return "invalid"
	}
}

// Peer is the per-connection state this module tracks for one remote
// address: its position in the state machine, in-flight block requests,
// the inbound/outbound transfer engines, and the RTT/IPT estimator.
type Peer struct {
	Addr       string
	State      State
	In         *transfer.In
	Out        *transfer.Out
	Congestion *congestion.Estimator

	// Pending tracks BlockIds this peer has an outstanding BlockRequest
	// for. It is what makes a duplicated BlockRequestResponse safe to
	// drop: the second arrival finds the entry already removed.
	Pending set.Set[block.BlockId]

	// PacketsSinceStatus counts inbound payload packets since the last
	// TransferStatus this peer emitted, feeding In.ShouldEmitStatus.
	PacketsSinceStatus uint32
}

// New returns a fresh Peer in the Unknown state. rttObserver and
// iptObserver, if non-nil, receive every RTT/IPT sample this peer's
// Congestion estimator observes, in addition to its own moving average;
// they are how cmd/scsync exposes per-process RTT/IPT gauges on /metrics.
func New(addr string, db *store.Db, persistBase string, rttObserver, iptObserver metrics.Averager) *Peer {
	seed, err := randSeed()
	if err != nil {
		// crypto/rand failure here would mean the process has no
		// entropy source at all; fall back rather than propagate a
		// panic into untrusted-input handling paths.
		seed = 1
	}
	return &Peer{
		Addr:       addr,
		State:      Unknown,
		In:         transfer.NewIn(db, persistBase),
		Out:        transfer.NewOut(db, seed),
		Congestion: congestion.New(rttObserver, iptObserver),
		Pending:    set.Set[block.BlockId]{},
	}
}

func randSeed() (uint64, error) {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, errors.Wrap(err, "seed outbound chunk allocator")
	}
	return binary.BigEndian.Uint64(b[:]), nil
}
