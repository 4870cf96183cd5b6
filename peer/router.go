// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package peer

import (
	"crypto/rand"
	"io"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/luxfi/scsync/block"
	"github.com/luxfi/scsync/merkle"
	"github.com/luxfi/scsync/metrics"
	"github.com/luxfi/scsync/store"
	"github.com/luxfi/scsync/transfer"
	"github.com/luxfi/scsync/tree"
	"github.com/luxfi/scsync/wire"
)

// statusBudget bounds the RLE payload of a TransferStatus this node
// emits, leaving room for the tag byte and the base varint within MTU.
const statusBudget = wire.MTU - 16

// retryKeyRootUpdate is the retry key for a connection's initial
// RootUpdate advertisement.
const retryKeyRootUpdate = "rootupdate"

func retryKeyBlock(id block.BlockId) string {
	return "block:" + id.String()
}

// Router dispatches incoming wire messages through the per-peer state
// machine, reacting with Effects rather than performing I/O. It is the
// single owner of the block store, the Merkle frontend, and the peer map
// for one local UDP endpoint.
type Router struct {
	DB          *store.Db
	Frontend    *merkle.Frontend
	Peers       *Map
	OutDir      string
	PersistBase string
}

// NewRouter returns a Router backed by db and fe. outDir is where a
// successfully verified pending root is materialized (the --files
// argument in client mode; cmd/scsync passes an empty outDir in server
// mode, so a server never materializes a synced tree); persistBase, if non-empty, is where inbound
// transfer bitmaps are memory-mapped for resumability. rttObserver and
// iptObserver, if non-nil, are wired into every Peer's Congestion
// estimator; pass nil, nil when no metrics registry is in use.
func NewRouter(db *store.Db, fe *merkle.Frontend, outDir, persistBase string, rttObserver, iptObserver metrics.Averager) *Router {
	return &Router{DB: db, Frontend: fe, Peers: NewMap(rttObserver, iptObserver), OutDir: outDir, PersistBase: persistBase}
}

func (r *Router) peerFor(addr string) *Peer {
	return r.Peers.GetOrCreate(addr, r.DB, r.PersistBase)
}

// Advertise proactively announces our current root to addr: the RootUpdate
// a client sends on first contact, or a periodic poll of a known peer. It
// starts RTT timing for this connection's first round trip.
func (r *Router) Advertise(addr string) ([]Effect, error) {
	p := r.peerFor(addr)
	_ = p.Congestion.StartRTT() // already running: a retry is in flight, let it continue timing

	nonce, err := newNonce()
	if err != nil {
		return nil, err
	}
	msg := wire.RootUpdate{Nonce: nonce, From: r.DB.Root().Id, To: r.DB.Root()}
	return []Effect{{Kind: EffectSend, Addr: addr, Msg: msg, Key: retryKeyRootUpdate}}, nil
}

// Route processes one incoming message from addr and returns the Effects
// it produces.
func (r *Router) Route(addr string, msg wire.Message) ([]Effect, error) {
	p := r.peerFor(addr)
	switch m := msg.(type) {
	case wire.RootUpdate:
		return r.handleRootUpdate(p, m)
	case wire.RootUpdateResponse:
		return r.handleRootUpdateResponse(p, m)
	case wire.BlockRequest:
		return r.handleBlockRequest(p, m)
	case wire.BlockRequestResponse:
		return r.handleBlockRequestResponse(p, m)
	case wire.TransferPayload:
		return r.handleTransferPayload(p, m)
	case wire.TransferStatus:
		return r.handleTransferStatus(p, m)
	default:
		return nil, errors.Newf("scsync: unroutable message %T", msg)
	}
}

func (r *Router) handleRootUpdate(p *Peer, m wire.RootUpdate) ([]Effect, error) {
	if p.State != Unknown {
		return nil, nil
	}
	ourRoot := r.DB.Root()
	if m.To.Id == ourRoot.Id {
		resp := wire.RootUpdateResponse{From: ourRoot.Id, To: ourRoot.Id, ToKey: ourRoot.Key}
		return []Effect{{Kind: EffectSend, Addr: p.Addr, Msg: resp}}, nil
	}
	if err := r.DB.SetPendingRoot(m.To); err != nil {
		if errors.Is(err, store.ErrPendingBusy) {
			return nil, nil
		}
		return nil, err
	}
	p.State = Syncing
	p.Pending.Add(m.To.Id)
	return []Effect{{Kind: EffectSend, Addr: p.Addr, Msg: wire.BlockRequest{BlockId: m.To.Id}, Key: retryKeyBlock(m.To.Id)}}, nil
}

func (r *Router) handleRootUpdateResponse(p *Peer, m wire.RootUpdateResponse) ([]Effect, error) {
	var effects []Effect
	if p.Congestion.IsRTTRunning() {
		if _, err := p.Congestion.StopRTT(); err != nil {
			return nil, err
		}
	}
	effects = append(effects, Effect{Kind: EffectCancelRetry, Key: retryKeyRootUpdate})

	ourRoot := r.DB.Root()
	if m.To == ourRoot.Id {
		if p.State == Unknown {
			p.State = Idle
		}
		return effects, nil
	}
	if _, pending := r.DB.PendingRoot(); pending {
		return effects, nil
	}
	if err := r.DB.SetPendingRoot(block.BlockRef{Id: m.To, Key: m.ToKey}); err != nil {
		if errors.Is(err, store.ErrPendingBusy) {
			return effects, nil
		}
		return effects, err
	}
	p.State = Syncing
	p.Pending.Add(m.To)
	effects = append(effects, Effect{Kind: EffectSend, Addr: p.Addr, Msg: wire.BlockRequest{BlockId: m.To}, Key: retryKeyBlock(m.To)})
	return effects, nil
}

func (r *Router) handleBlockRequest(p *Peer, m wire.BlockRequest) ([]Effect, error) {
	if p.State == Unknown {
		return nil, nil
	}
	resp, err := p.Out.HandleRequest(m.BlockId)
	if err != nil {
		// We don't have this block (yet, or ever): nothing useful to
		// answer with. Drop rather than fail the connection.
		return nil, nil
	}
	return []Effect{{Kind: EffectSend, Addr: p.Addr, Msg: resp}}, nil
}

func (r *Router) handleBlockRequestResponse(p *Peer, m wire.BlockRequestResponse) ([]Effect, error) {
	if p.State == Unknown {
		return nil, nil
	}
	if !p.Pending.Contains(m.BlockId) {
		// Either a genuine duplicate datagram, or the retry's own
		// resend racing the original response: already handled.
		return nil, nil
	}
	p.Pending.Remove(m.BlockId)
	effects := []Effect{{Kind: EffectCancelRetry, Key: retryKeyBlock(m.BlockId)}}

	result, err := p.In.HandleResponse(m)
	if err != nil {
		return effects, err
	}
	more, err := r.reactToResult(p, result)
	if err != nil {
		return effects, err
	}
	return append(effects, more...), nil
}

func (r *Router) handleTransferPayload(p *Peer, m wire.TransferPayload) ([]Effect, error) {
	if p.State == Unknown {
		return nil, nil
	}
	p.Congestion.NotePacket()
	p.PacketsSinceStatus++

	result, err := p.In.HandlePayload(m)
	if err != nil {
		if errors.Is(err, transfer.ErrUnknownChunkID) {
			return nil, nil
		}
		return nil, err
	}
	effects, err := r.reactToResult(p, result)
	if err != nil {
		return effects, err
	}

	if p.In.ShouldEmitStatus(p.Congestion, p.PacketsSinceStatus, time.Now()) {
		if status, ok := p.In.Status(statusBudget); ok {
			effects = append(effects, Effect{Kind: EffectSend, Addr: p.Addr, Msg: status})
			p.PacketsSinceStatus = 0
		}
	}
	return effects, nil
}

func (r *Router) handleTransferStatus(p *Peer, m wire.TransferStatus) ([]Effect, error) {
	if p.State == Unknown {
		return nil, nil
	}
	// A malformed or truncated status is simply ignored: the sender
	// keeps resending until a well-formed status narrows things down.
	_ = p.Out.HandleStatus(m)
	return nil, nil
}

// reactToResult turns one transfer.Result into the Effects it implies: a
// digest mismatch re-issues the BlockRequest, a promotion runs the
// recursive-discovery cascade.
func (r *Router) reactToResult(p *Peer, result transfer.Result) ([]Effect, error) {
	switch {
	case result.DigestMismatch:
		p.Pending.Add(result.BlockId)
		return []Effect{{Kind: EffectSend, Addr: p.Addr, Msg: wire.BlockRequest{BlockId: result.BlockId}, Key: retryKeyBlock(result.BlockId)}}, nil
	case result.Promoted:
		return r.cascade(p)
	default:
		return nil, nil
	}
}

// cascade implements spec.md 4.5's promotion cascade: walk the pending
// root looking for blocks now resolvable, request every one not already
// in flight, and once nothing is missing and the closure verifies,
// commit the pending root, materialize it (when OutDir is set), and
// broadcast the new root to every known peer.
func (r *Router) cascade(p *Peer) ([]Effect, error) {
	pendingRef, ok := r.DB.PendingRoot()
	if !ok {
		return nil, nil
	}

	collector := &missingCollector{}
	merkle.Traverse(r.DB, r.Frontend, pendingRef, collector)

	var effects []Effect
	for _, id := range collector.ids {
		if p.Pending.Contains(id) {
			continue
		}
		p.Pending.Add(id)
		effects = append(effects, Effect{Kind: EffectSend, Addr: p.Addr, Msg: wire.BlockRequest{BlockId: id}, Key: retryKeyBlock(id)})
	}
	if len(collector.ids) > 0 || !r.Frontend.Verify(true) {
		return effects, nil
	}

	oldRoot, err := r.DB.ApplyPending()
	if err != nil {
		return effects, err
	}
	// Materialize only after the commit, so db.Root() (what Materialize
	// always writes) is the tree just synced rather than the stale one.
	if r.OutDir != "" {
		if err := r.Frontend.Materialize(r.OutDir); err != nil {
			return effects, errors.Wrap(err, "materialize synced tree")
		}
	}
	p.State = Idle
	newRoot := r.DB.Root()
	resp := wire.RootUpdateResponse{From: oldRoot.Id, To: newRoot.Id, ToKey: newRoot.Key}
	for _, addr := range r.Peers.Addrs() {
		effects = append(effects, Effect{Kind: EffectSend, Addr: addr, Msg: resp})
	}
	return effects, nil
}

// missingCollector is a merkle.Visitor that never short-circuits: it
// records every missing BlockId reached by a full depth-first walk,
// instead of stopping at the first one like Resolve/Verify do.
type missingCollector struct {
	ids []block.BlockId
}

func (c *missingCollector) VisitDir(string, *block.Full, tree.Directory) (any, bool)     { return nil, false }
func (c *missingCollector) VisitMeta(string, *block.Full, []block.BlockRef) (any, bool)  { return nil, false }
func (c *missingCollector) VisitLeaf(string, *block.Full, []byte) (any, bool)            { return nil, false }
func (c *missingCollector) VisitPartial(string, *block.Partial) (any, bool)              { return nil, false }
func (c *missingCollector) VisitMissing(path string, id block.BlockId) (any, bool) {
	c.ids = append(c.ids, id)
	return nil, false
}

func newNonce() ([12]byte, error) {
	var n [12]byte
	_, err := io.ReadFull(rand.Reader, n[:])
	return n, errors.Wrap(err, "generate RootUpdate nonce")
}
