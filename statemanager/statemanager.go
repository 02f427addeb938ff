// Package statemanager computes the next LastCrossSignedState from a
// committed one plus an ordered list of uncommitted updates. It is pure:
// given the same committed state and update list, it always produces the
// same result, and it never rejects an update on policy grounds (HTLC
// count, value-in-flight, minimum amount) -- that belongs to package
// channel, which decides what to admit before handing it to the manager.
package statemanager

import (
	"fmt"

	"github.com/lnhosted/provider/hcwire"
	"github.com/lnhosted/provider/lcss"
)

// Origin records which side produced an uncommitted update.
type Origin uint8

const (
	FromLocal Origin = iota
	FromRemote
)

// Kind identifies the shape of an uncommitted update.
type Kind uint8

const (
	KindAdd Kind = iota
	KindFulfill
	KindFail
	KindFailMalformed
)

// HtlcIdentifier names an HTLC by the channel (short channel id) carrying
// it and its id within that channel, per spec.md §3.
type HtlcIdentifier struct {
	Scid   hcwire.ShortChannelID
	HtlcID uint64
}

// Update is one uncommitted change awaiting the next StateUpdate.
type Update struct {
	Origin Origin
	Kind   Kind

	// Add carries the full HTLC for KindAdd.
	Add *hcwire.UpdateAddHtlc

	// HtlcID identifies the existing HTLC for Fulfill/Fail/FailMalformed.
	HtlcID uint64

	// Preimage is set for KindFulfill.
	Preimage [32]byte

	// FailReason is set for KindFail (an opaque, possibly onion-wrapped,
	// failure reason).
	FailReason []byte

	// FailMalformedSha/FailMalformedCode are set for KindFailMalformed.
	FailMalformedSha  [32]byte
	FailMalformedCode uint16

	// ForwardedFrom is set on a FromLocal KindAdd that forwards an
	// incoming HTLC, so the channel can record the forwarding-table entry
	// once this update commits.
	ForwardedFrom *HtlcIdentifier
}

// Manager computes lcssNext from a committed LastCrossSignedState plus an
// ordered list of uncommitted updates, memoizing the result until the
// update list changes.
type Manager struct {
	committed *lcss.LastCrossSignedState
	updates   []*Update

	cached    *lcss.LastCrossSignedState
	cacheErr  error
	cacheDone bool
}

// New creates a manager over committed, with no uncommitted updates.
func New(committed *lcss.LastCrossSignedState) *Manager {
	return &Manager{committed: committed}
}

// SetCommitted replaces the committed base (called after a successful
// commit) and clears any memoized result.
func (m *Manager) SetCommitted(committed *lcss.LastCrossSignedState) {
	m.committed = committed
	m.invalidate()
}

// Committed returns the current committed base.
func (m *Manager) Committed() *lcss.LastCrossSignedState {
	return m.committed
}

// Uncommitted returns the ordered list of pending updates.
func (m *Manager) Uncommitted() []*Update {
	return m.updates
}

func (m *Manager) invalidate() {
	m.cached = nil
	m.cacheErr = nil
	m.cacheDone = false
}

// AddUncommittedUpdate appends u to the pending list, in arrival order.
func (m *Manager) AddUncommittedUpdate(u *Update) {
	m.updates = append(m.updates, u)
	m.invalidate()
}

// RemoveUncommittedUpdates drops every update in committed from the
// pending list (by pointer identity), called after a successful commit
// --updates that arrived concurrently with the commit survive.
func (m *Manager) RemoveUncommittedUpdates(committed []*Update) {
	if len(committed) == 0 {
		return
	}
	remove := make(map[*Update]bool, len(committed))
	for _, u := range committed {
		remove[u] = true
	}
	kept := m.updates[:0:0]
	for _, u := range m.updates {
		if !remove[u] {
			kept = append(kept, u)
		}
	}
	m.updates = kept
	m.invalidate()
}

// LCSSNext returns the state that would result from committing the
// current pending updates on top of the committed base, in order. The
// result is memoized until the update list changes.
func (m *Manager) LCSSNext() (*lcss.LastCrossSignedState, error) {
	if m.cacheDone {
		return m.cached, m.cacheErr
	}
	next, err := apply(m.committed, m.updates)
	m.cached, m.cacheErr, m.cacheDone = next, err, true
	return next, err
}

func apply(base *lcss.LastCrossSignedState, updates []*Update) (*lcss.LastCrossSignedState, error) {
	next := base.Clone()

	// Signed balances during computation so an overdraw is caught as an
	// error rather than silently wrapping around as an unsigned value.
	localBal := int64(next.LocalBalanceMsat)
	remoteBal := int64(next.RemoteBalanceMsat)

	for _, u := range updates {
		switch u.Kind {
		case KindAdd:
			amt := int64(u.Add.AmountMsat)
			if u.Origin == FromLocal {
				localBal -= amt
				next.LocalUpdates++
				next.OutgoingHtlcs = append(next.OutgoingHtlcs, u.Add.Clone())
			} else {
				remoteBal -= amt
				next.RemoteUpdates++
				next.IncomingHtlcs = append(next.IncomingHtlcs, u.Add.Clone())
			}

		case KindFulfill, KindFail, KindFailMalformed:
			if u.Origin == FromLocal {
				// Local fulfills/fails what the peer added (it is in
				// our incoming list).
				htlc, rest, ok := popHtlc(next.IncomingHtlcs, u.HtlcID)
				if !ok {
					return nil, fmt.Errorf("statemanager: local update "+
						"references unknown incoming htlc %d", u.HtlcID)
				}
				next.IncomingHtlcs = rest
				next.LocalUpdates++
				if u.Kind == KindFulfill {
					localBal += int64(htlc.AmountMsat)
				} else {
					remoteBal += int64(htlc.AmountMsat)
				}
			} else {
				htlc, rest, ok := popHtlc(next.OutgoingHtlcs, u.HtlcID)
				if !ok {
					return nil, fmt.Errorf("statemanager: remote update "+
						"references unknown outgoing htlc %d", u.HtlcID)
				}
				next.OutgoingHtlcs = rest
				next.RemoteUpdates++
				if u.Kind == KindFulfill {
					remoteBal += int64(htlc.AmountMsat)
				} else {
					localBal += int64(htlc.AmountMsat)
				}
			}

		default:
			return nil, fmt.Errorf("statemanager: unknown update kind %d", u.Kind)
		}

		if localBal < 0 || remoteBal < 0 {
			return nil, fmt.Errorf("statemanager: update would drive a "+
				"balance negative (local=%d remote=%d)", localBal, remoteBal)
		}
	}

	next.LocalBalanceMsat = hcwire.MilliSatoshi(localBal)
	next.RemoteBalanceMsat = hcwire.MilliSatoshi(remoteBal)
	return next, nil
}

func popHtlc(list []*hcwire.UpdateAddHtlc, id uint64) (*hcwire.UpdateAddHtlc, []*hcwire.UpdateAddHtlc, bool) {
	for i, h := range list {
		if h.ID == id {
			out := make([]*hcwire.UpdateAddHtlc, 0, len(list)-1)
			out = append(out, list[:i]...)
			out = append(out, list[i+1:]...)
			return h, out, true
		}
	}
	return nil, list, false
}
