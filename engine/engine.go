// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package engine is the driver that turns the peer package's pure
// Router/Effect logic into an actual running node: it owns the UDP
// socket, decodes and dispatches incoming datagrams, arms and cancels the
// one-second BlockRequest/RootUpdate retry timers an Effect asks for, and
// paces the outbound payload stream across every Syncing peer at the
// configured packet rate.
//
// Run is the single cooperative event loop spec.md section 5 describes:
// every touch of the Router (and, through it, the peer Map, each Peer's
// In/Out, and the shared block store) happens on Run's own goroutine, via
// a select over the inbound-datagram channel and the send-pacing ticker.
// The only other goroutines this package starts are readLoop, which does
// nothing but block on the socket and decode — a pure, stateless
// operation — before handing the result to Run over a channel, and the
// retry timers armed by armRetry, which only ever re-send the message
// they were armed with and touch no Router/peer/store state.
//
// No third-party UDP transport appears anywhere in the retrieved
// dependency pack (the teacher's own zmq4 networking wrapper is TCP/IPC
// oriented and pulls in a ZeroMQ runtime this protocol has no use for),
// so this package is the one place raw `net.UDPConn` is used directly —
// recorded as a stdlib exception in DESIGN.md.
package engine

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/luxfi/log"

	nolog "github.com/luxfi/scsync/log"
	"github.com/luxfi/scsync/peer"
	"github.com/luxfi/scsync/utils/wrappers"
	"github.com/luxfi/scsync/wire"
)

// retryInterval is the fixed resend period for an armed retry timer,
// matching the "resend every second until acknowledged" requirement for
// BlockRequest and RootUpdate.
const retryInterval = time.Second

// Config configures an Engine.
type Config struct {
	// Logger receives Debug for dropped malformed datagrams and retry
	// resends, and Warn for routing, dispatch, advertise and send
	// failures. A fatal read error is not logged; Run returns it. A nil
	// Logger falls back to the package-level no-op logger.
	Logger log.Logger
	// PacketRate is the outbound payload pacing target in packets per
	// second (the --packet-rate flag). Zero falls back to a one-millisecond
	// pacing tick: at most one payload chunk is sent per millisecond.
	PacketRate uint32
}

// Engine binds one UDP socket and drives a Router against it until Run's
// context is cancelled.
type Engine struct {
	conn   *net.UDPConn
	router *peer.Router
	log    log.Logger
	pps    uint32

	// retries is only ever touched by armRetry/fireRetry/cancelRetry
	// (called from Run's event-loop goroutine and from the retry timers
	// it arms), so it still needs its own lock.
	retryMu sync.Mutex
	retries map[string]*time.Timer

	// rrIndex is read and written only from Run's event-loop goroutine
	// (sendOneChunk), never concurrently, so it needs no lock.
	rrIndex int

	// advertiseCh lets a goroutine outside the event loop (cmd/scsync's
	// periodic sweep for newly seen peers in server mode) ask the event
	// loop to advertise our root to an address, without touching the
	// Router itself off-goroutine. See RequestAdvertise.
	advertiseCh chan string
}

// New returns an Engine that reads and writes on conn and dispatches
// through router.
func New(conn *net.UDPConn, router *peer.Router, cfg Config) *Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = nolog.NewNoOpLogger()
	}
	return &Engine{
		conn:        conn,
		router:      router,
		log:         logger,
		pps:         cfg.PacketRate,
		retries:     make(map[string]*time.Timer),
		advertiseCh: make(chan string, 16),
	}
}

// Advertise resolves addr and sends our current root to it, arming the
// RootUpdate retry timer. Used to bootstrap a client-mode connection to a
// known server address. Call this only before Run starts, or from within
// Run's event loop itself (as RequestAdvertise does) — it touches the
// Router directly and is not safe to call concurrently with Run.
func (e *Engine) Advertise(addr string) error {
	effects, err := e.router.Advertise(addr)
	if err != nil {
		return errors.Wrap(err, "advertise")
	}
	return e.dispatch(effects)
}

// RequestAdvertise asks the running event loop to advertise our root to
// addr the next time it selects. Safe to call from any goroutine while
// Run is active, unlike Advertise itself; failures are logged by the
// event loop rather than returned, since a periodic sweep has nothing
// useful to do with them beyond trying again later.
func (e *Engine) RequestAdvertise(addr string) {
	select {
	case e.advertiseCh <- addr:
	default:
		// Event loop is behind on a full queue; the caller's next sweep
		// will offer addr again.
	}
}

// inboundDatagram is a decoded message handed from readLoop to Run's event
// loop. Decoding happens in readLoop because it is pure and stateless;
// everything that follows (Router.Route and its effects) only ever runs
// on Run's own goroutine.
type inboundDatagram struct {
	addr string
	msg  wire.Message
}

// Run is the event loop: it selects over newly decoded inbound datagrams
// and the outbound send ticker, so every Router/peer/store access happens
// on this one goroutine, until ctx is done. It then tears down every
// armed retry timer and returns the first fatal error observed (nil on
// clean cancellation).
func (e *Engine) Run(ctx context.Context) error {
	var errs wrappers.Errs
	var wg sync.WaitGroup

	inbox := make(chan inboundDatagram, 1)
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer close(inbox)
		errs.Add(e.readLoop(ctx, inbox))
	}()

	errs.Add(e.eventLoop(ctx, inbox))
	wg.Wait()

	e.retryMu.Lock()
	for key, t := range e.retries {
		t.Stop()
		delete(e.retries, key)
	}
	e.retryMu.Unlock()

	if errs.Errored() {
		return errs.Err()
	}
	return nil
}

// readLoop only blocks on the socket and decodes what arrives, handing
// each result to out; it never touches the Router, a Peer, or the block
// store, so it is safe to run concurrently with Run's event loop.
func (e *Engine) readLoop(ctx context.Context, out chan<- inboundDatagram) error {
	buf := make([]byte, wire.MTU)
	for {
		if ctx.Err() != nil {
			return nil
		}
		_ = e.conn.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
		n, from, err := e.conn.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			if ctx.Err() != nil {
				return nil
			}
			return errors.Wrap(err, "read datagram")
		}

		msg, err := wire.Decode(buf[:n])
		if err != nil {
			e.log.Debug("dropping malformed datagram", log.String("peer", from.String()), log.String("err", err.Error()))
			continue
		}

		select {
		case out <- inboundDatagram{addr: from.String(), msg: msg}:
		case <-ctx.Done():
			return nil
		}
	}
}

// eventLoop is the single goroutine that ever touches the Router: it
// routes each decoded datagram from inbox and, once per pacing tick,
// sends the next outbound payload chunk a peer's Out engine has ready.
func (e *Engine) eventLoop(ctx context.Context, inbox <-chan inboundDatagram) error {
	interval := time.Millisecond
	if e.pps > 0 {
		interval = time.Second / time.Duration(e.pps)
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case in, ok := <-inbox:
			if !ok {
				// readLoop exited (fatal read error, or ctx already
				// done): stop selecting on it and keep pacing sends
				// until ctx.Done fires too.
				inbox = nil
				continue
			}
			effects, err := e.router.Route(in.addr, in.msg)
			if err != nil {
				e.log.Warn("routing failure", log.String("peer", in.addr), log.String("err", err.Error()))
				continue
			}
			if err := e.dispatch(effects); err != nil {
				e.log.Warn("dispatch failure", log.String("peer", in.addr), log.String("err", err.Error()))
			}
		case addr := <-e.advertiseCh:
			if err := e.Advertise(addr); err != nil {
				e.log.Warn("advertise failed", log.String("peer", addr), log.String("err", err.Error()))
			}
		case <-ticker.C:
			if err := e.sendOneChunk(); err != nil {
				e.log.Warn("outbound send failed", log.String("err", err.Error()))
			}
		}
	}
}

func (e *Engine) sendOneChunk() error {
	addrs := e.router.Peers.Addrs()
	if len(addrs) == 0 {
		return nil
	}

	start := e.rrIndex % len(addrs)

	for i := 0; i < len(addrs); i++ {
		idx := (start + i) % len(addrs)
		addr := addrs[idx]
		p, ok := e.router.Peers.Get(addr)
		if !ok || p.Out.Idle() {
			continue
		}
		payload, ok, err := p.Out.Next()
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		e.rrIndex = idx + 1
		return e.send(addr, payload)
	}
	return nil
}

func (e *Engine) dispatch(effects []peer.Effect) error {
	var errs wrappers.Errs
	for _, eff := range effects {
		switch eff.Kind {
		case peer.EffectSend:
			errs.Add(e.send(eff.Addr, eff.Msg))
			if eff.Key != "" {
				e.armRetry(eff.Addr, eff.Key, eff.Msg)
			}
		case peer.EffectCancelRetry:
			e.cancelRetry(eff.Addr, eff.Key)
		}
	}
	if errs.Errored() {
		return errs.Err()
	}
	return nil
}

func (e *Engine) send(addr string, msg wire.Message) error {
	raddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return errors.Wrapf(err, "resolve %q", addr)
	}
	out, err := wire.Encode(msg)
	if err != nil {
		return errors.Wrapf(err, "encode message for %q", addr)
	}
	if _, err := e.conn.WriteToUDP(out, raddr); err != nil {
		return errors.Wrapf(err, "write to %q", addr)
	}
	return nil
}

func retryMapKey(addr, key string) string { return addr + "|" + key }

// armRetry (re-)schedules a repeating resend of msg to addr every
// retryInterval until cancelRetry is called for the same (addr, key).
func (e *Engine) armRetry(addr, key string, msg wire.Message) {
	mapKey := retryMapKey(addr, key)

	e.retryMu.Lock()
	defer e.retryMu.Unlock()
	if t, ok := e.retries[mapKey]; ok {
		t.Stop()
	}
	e.retries[mapKey] = time.AfterFunc(retryInterval, func() { e.fireRetry(addr, key, msg) })
}

func (e *Engine) fireRetry(addr, key string, msg wire.Message) {
	mapKey := retryMapKey(addr, key)

	e.retryMu.Lock()
	_, stillArmed := e.retries[mapKey]
	e.retryMu.Unlock()
	if !stillArmed {
		return
	}

	if err := e.send(addr, msg); err != nil {
		e.log.Warn("retry resend failed", log.String("peer", addr), log.String("err", err.Error()))
	} else {
		e.log.Debug("resent unacknowledged message", log.String("peer", addr), log.String("key", key))
	}

	e.retryMu.Lock()
	defer e.retryMu.Unlock()
	if _, ok := e.retries[mapKey]; ok {
		e.retries[mapKey] = time.AfterFunc(retryInterval, func() { e.fireRetry(addr, key, msg) })
	}
}

func (e *Engine) cancelRetry(addr, key string) {
	mapKey := retryMapKey(addr, key)
	e.retryMu.Lock()
	defer e.retryMu.Unlock()
	if t, ok := e.retries[mapKey]; ok {
		t.Stop()
		delete(e.retries, mapKey)
	}
}
