// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package congestion tracks the two moving averages a peer's transfer
// pacing is built from: round-trip time, sampled on the first root
// update of a connection, and inter-packet time on inbound payload
// chunks. Both feed the status-update cadence a transfer-in engine uses
// to decide when to emit a fresh TransferStatus.
package congestion

import (
	"math"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/luxfi/scsync/metrics"
)

const windowSize = 10

// ErrRTTNotRunning is returned by StopRTT when no StartRTT is in flight.
var ErrRTTNotRunning = errors.New("scsync: no RTT measurement in progress")

// ErrRTTAlreadyRunning is returned by StartRTT when a measurement is
// already in flight for this peer.
var ErrRTTAlreadyRunning = errors.New("scsync: RTT measurement already in progress")

type window struct {
	samples []time.Duration
	sum     time.Duration
}

func (w *window) add(d time.Duration) time.Duration {
	if len(w.samples) == windowSize {
		w.sum -= w.samples[0]
		w.samples = w.samples[1:]
	}
	w.samples = append(w.samples, d)
	w.sum += d
	return w.sum / time.Duration(len(w.samples))
}

// Estimator tracks RTT and IPT for one peer, exposing both as Prometheus
// averagers and deriving the status-update cadence from them.
type Estimator struct {
	rttStart time.Time
	running  bool
	rttWin   window
	rtt      time.Duration

	lastPacket time.Time
	iptWin     window
	ipt        time.Duration

	rttObserver metrics.Averager
	iptObserver metrics.Averager
}

// New returns an Estimator that reports its samples to rttObserver and
// iptObserver in addition to keeping its own moving average. Either may
// be nil to skip Prometheus reporting.
func New(rttObserver, iptObserver metrics.Averager) *Estimator {
	return &Estimator{rttObserver: rttObserver, iptObserver: iptObserver}
}

// StartRTT begins timing a round-trip measurement, e.g. the first
// RootUpdate sent on a new connection.
func (e *Estimator) StartRTT() error {
	if e.running {
		return ErrRTTAlreadyRunning
	}
	e.rttStart = time.Now()
	e.running = true
	return nil
}

// StopRTT completes a round-trip measurement started by StartRTT and
// folds it into the moving average.
func (e *Estimator) StopRTT() (time.Duration, error) {
	if !e.running {
		return 0, ErrRTTNotRunning
	}
	e.running = false
	sample := time.Since(e.rttStart)
	e.rtt = e.rttWin.add(sample)
	if e.rttObserver != nil {
		e.rttObserver.Observe(sample.Seconds())
	}
	return e.rtt, nil
}

// IsRTTRunning reports whether a StartRTT is awaiting its StopRTT.
func (e *Estimator) IsRTTRunning() bool { return e.running }

// RTT returns the current round-trip time moving average.
func (e *Estimator) RTT() time.Duration { return e.rtt }

// NotePacket records the arrival of one inbound payload packet, updating
// the inter-packet-time moving average, and returns the new average.
func (e *Estimator) NotePacket() time.Duration {
	now := time.Now()
	if e.lastPacket.IsZero() {
		e.lastPacket = now
		return e.ipt
	}
	diff := now.Sub(e.lastPacket)
	e.lastPacket = now
	e.ipt = e.iptWin.add(diff)
	if e.iptObserver != nil {
		e.iptObserver.Observe(diff.Seconds())
	}
	return e.ipt
}

// IPT returns the current inter-packet-time moving average.
func (e *Estimator) IPT() time.Duration { return e.ipt }

// NumPackets returns the expected packet count between status updates in
// a lossless regime: pps/ln(1+pps), where pps is derived from the IPT
// average. Before any IPT sample exists it returns 1, so the first
// status update is emitted promptly rather than waiting on an undefined
// rate.
func (e *Estimator) NumPackets() uint32 {
	if e.ipt <= 0 {
		return 1
	}
	pps := 1.0 / e.ipt.Seconds()
	n := pps / math.Log(pps+1)
	if n < 1 {
		return 1
	}
	return uint32(n)
}

// NextStatusDeadline returns the absolute time by which a status update
// must be emitted if the packet-count trigger hasn't already fired,
// given the last time one was emitted.
func (e *Estimator) NextStatusDeadline(lastEmitted time.Time) time.Time {
	return lastEmitted.Add(e.IPT()*time.Duration(e.NumPackets()) + e.RTT())
}
