// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package peer

import (
	"sync"

	"github.com/luxfi/scsync/metrics"
	"github.com/luxfi/scsync/store"
)

// Map owns every Peer for one local connection endpoint. Every Peer's
// own state is touched only from engine.Run's single event-loop
// goroutine, per spec.md section 5's cooperative single-threaded model,
// but the Map container itself is also read from cmd/scsync's
// advertiseToNewPeers sweep goroutine (Addrs, to discover newly seen
// peers) concurrently with GetOrCreate on the event-loop goroutine, so
// Map keeps the mutex the spec's shared-resource policy makes room for.
type Map struct {
	mu          sync.Mutex
	peers       map[string]*Peer
	rttObserver metrics.Averager
	iptObserver metrics.Averager
}

// NewMap returns an empty Map. rttObserver and iptObserver, if non-nil,
// are wired into every Peer this Map creates; pass nil, nil when no
// process-wide metrics registry is available (e.g. in tests).
func NewMap(rttObserver, iptObserver metrics.Averager) *Map {
	return &Map{peers: make(map[string]*Peer), rttObserver: rttObserver, iptObserver: iptObserver}
}

// GetOrCreate returns the Peer for addr, creating a fresh Unknown-state
// one backed by db if none exists yet.
func (m *Map) GetOrCreate(addr string, db *store.Db, persistBase string) *Peer {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.peers[addr]; ok {
		return p
	}
	p := New(addr, db, persistBase, m.rttObserver, m.iptObserver)
	m.peers[addr] = p
	return p
}

// Get returns the Peer for addr, if one has been created.
func (m *Map) Get(addr string) (*Peer, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.peers[addr]
	return p, ok
}

// Addrs returns every address this Map currently tracks a Peer for.
func (m *Map) Addrs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.peers))
	for addr := range m.peers {
		out = append(out, addr)
	}
	return out
}
