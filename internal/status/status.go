// Package status implements the ConnStatus automaton and StatusProvider
// contract from spec.md §3 and §4.6: every half-connection (client socket,
// backend tunnel session) progresses monotonically toward Deregistered,
// and the sequencing of that progression is identical for both halves.
package status

import (
	"sync"
)

// ConnStatus is the finite lifecycle state of one half-connection.
type ConnStatus int

const (
	// Established is the normal operating state.
	Established ConnStatus = iota
	// Shutdown means this half initiated a graceful close and is flushing
	// outbound bytes before it may close its handle.
	Shutdown
	// PeerClosed means the other half of the flow closed; drain then exit.
	PeerClosed
	// Deregistered means this half has been removed from the reactor and
	// awaits final reaping.
	Deregistered
)

func (s ConnStatus) String() string {
	switch s {
	case Established:
		return "Established"
	case Shutdown:
		return "Shutdown"
	case PeerClosed:
		return "PeerClosed"
	case Deregistered:
		return "Deregistered"
	default:
		return "Unknown"
	}
}

// Provider is the capability set every half-connection implements, per
// spec.md §4.6. Deregister takes no reactor argument: in this
// implementation there is no per-token epoll registration to tear down
// (see package reactor's doc comment), so deregistering a half is purely
// local bookkeeping. The reactor-level live-table entry for the whole
// flow is released separately, once both halves report Deregistered — see
// reactor.Flow.Reaped.
type Provider interface {
	SetStatus(ConnStatus)
	GetStatus() ConnStatus
	// CloseConn idempotently shuts the underlying handle down, both
	// directions.
	CloseConn()
	// Deregister idempotently marks this half removed.
	Deregister()
	// FinishSend reports whether no bytes remain queued to send.
	FinishSend() bool
}

// Check sequences the automaton described in spec.md §4.6:
//
//	Shutdown    -> await FinishSend -> CloseConn -> Deregister -> Deregistered
//	PeerClosed  -> short-circuits to CloseConn+Deregister once FinishSend is true
//
// It is idempotent and safe to call after every event on both halves of a
// flow, which is how the TCP and UDP drivers use it.
func Check(p Provider) {
	switch p.GetStatus() {
	case Shutdown, PeerClosed:
		if p.FinishSend() {
			p.CloseConn()
			p.Deregister()
			p.SetStatus(Deregistered)
		}
	case Deregistered:
		// no-op: terminal.
	case Established:
		// nothing to flush or close yet.
	}
}

// Mu is a small embeddable mutex-guarded status cell, used by both drivers
// so status reads/writes are race-free across the two goroutines (one per
// direction) that share a half-connection's lifecycle.
type Mu struct {
	mu     sync.Mutex
	status ConnStatus
}

func (m *Mu) SetStatus(s ConnStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	// Monotone: never move backwards toward Established.
	if s > m.status {
		m.status = s
	}
}

func (m *Mu) GetStatus() ConnStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}
