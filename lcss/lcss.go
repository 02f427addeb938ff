// Package lcss implements the LastCrossSignedState: the atomic unit of
// agreement between a hosted-channel host and its client. An LCSS is
// always signed "as mirrored" -- each side signs the state as it looks
// from the other side's perspective -- so verification only ever needs
// one mirroring operation, never two.
package lcss

import (
	"bytes"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/lnhosted/provider/hcwire"
)

// LastCrossSignedState is the committed (or about-to-be-committed)
// balance snapshot for one hosted channel, viewed from our own side
// (IsHost set to our own role).
type LastCrossSignedState struct {
	IsHost             bool
	RefundScriptPubKey []byte
	InitHostedChannel  hcwire.InitHostedChannel
	BlockDay           uint32
	LocalBalanceMsat   hcwire.MilliSatoshi
	RemoteBalanceMsat  hcwire.MilliSatoshi
	LocalUpdates       uint32
	RemoteUpdates      uint32
	IncomingHtlcs      []*hcwire.UpdateAddHtlc
	OutgoingHtlcs      []*hcwire.UpdateAddHtlc
	LocalSigOfRemote   [64]byte
	RemoteSigOfLocal   [64]byte
}

// FromWire converts the wire representation (as received from, or about
// to be sent to, the peer) into our local view.
func FromWire(m *hcwire.LastCrossSignedStateMsg) *LastCrossSignedState {
	return &LastCrossSignedState{
		IsHost:             m.IsHost,
		RefundScriptPubKey: m.RefundScriptPubKey,
		InitHostedChannel:  m.InitHostedChannel,
		BlockDay:           m.BlockDay,
		LocalBalanceMsat:   m.LocalBalanceMsat,
		RemoteBalanceMsat:  m.RemoteBalanceMsat,
		LocalUpdates:       m.LocalUpdates,
		RemoteUpdates:      m.RemoteUpdates,
		IncomingHtlcs:      m.IncomingHtlcs,
		OutgoingHtlcs:      m.OutgoingHtlcs,
		LocalSigOfRemote:   m.LocalSigOfRemote,
		RemoteSigOfLocal:   m.RemoteSigOfLocal,
	}
}

// ToWire converts back to the wire representation for sending or
// persistence.
func (l *LastCrossSignedState) ToWire() *hcwire.LastCrossSignedStateMsg {
	return &hcwire.LastCrossSignedStateMsg{
		IsHost:             l.IsHost,
		RefundScriptPubKey: l.RefundScriptPubKey,
		InitHostedChannel:  l.InitHostedChannel,
		BlockDay:           l.BlockDay,
		LocalBalanceMsat:   l.LocalBalanceMsat,
		RemoteBalanceMsat:  l.RemoteBalanceMsat,
		LocalUpdates:       l.LocalUpdates,
		RemoteUpdates:      l.RemoteUpdates,
		IncomingHtlcs:      l.IncomingHtlcs,
		OutgoingHtlcs:      l.OutgoingHtlcs,
		LocalSigOfRemote:   l.LocalSigOfRemote,
		RemoteSigOfLocal:   l.RemoteSigOfLocal,
	}
}

// Clone returns a deep-enough copy for safe independent mutation; htlc
// entries are cloned since statemanager mutates the lists in place.
func (l *LastCrossSignedState) Clone() *LastCrossSignedState {
	c := *l
	c.RefundScriptPubKey = append([]byte(nil), l.RefundScriptPubKey...)
	c.IncomingHtlcs = cloneHtlcs(l.IncomingHtlcs)
	c.OutgoingHtlcs = cloneHtlcs(l.OutgoingHtlcs)
	return &c
}

func cloneHtlcs(in []*hcwire.UpdateAddHtlc) []*hcwire.UpdateAddHtlc {
	out := make([]*hcwire.UpdateAddHtlc, len(in))
	for i, h := range in {
		out[i] = h.Clone()
	}
	return out
}

// Mirror returns the same state as viewed from the other party: balances
// and htlc lists swap, and IsHost inverts. Signing and verification
// always operate on the mirrored view, per bLIP-0017.
func (l *LastCrossSignedState) Mirror() *LastCrossSignedState {
	return &LastCrossSignedState{
		IsHost:             !l.IsHost,
		RefundScriptPubKey: l.RefundScriptPubKey,
		InitHostedChannel:  l.InitHostedChannel,
		BlockDay:           l.BlockDay,
		LocalBalanceMsat:   l.RemoteBalanceMsat,
		RemoteBalanceMsat:  l.LocalBalanceMsat,
		LocalUpdates:       l.RemoteUpdates,
		RemoteUpdates:      l.LocalUpdates,
		IncomingHtlcs:      l.OutgoingHtlcs,
		OutgoingHtlcs:      l.IncomingHtlcs,
		LocalSigOfRemote:   l.RemoteSigOfLocal,
		RemoteSigOfLocal:   l.LocalSigOfRemote,
	}
}

// canonicalDigest hashes the static and dynamic fields plus blockDay and
// update counters, excluding both signature fields -- this is what each
// side signs, always computed over the mirrored view.
func (l *LastCrossSignedState) canonicalDigest() ([32]byte, error) {
	unsigned := l.Clone()
	unsigned.LocalSigOfRemote = [64]byte{}
	unsigned.RemoteSigOfLocal = [64]byte{}

	var buf bytes.Buffer
	if err := unsigned.ToWire().Encode(&buf); err != nil {
		return [32]byte{}, fmt.Errorf("lcss: canonical encode: %w", err)
	}
	return chainhash.HashH(buf.Bytes()), nil
}

// SignAsMirror signs the mirrored view of l with our node key and returns
// the 64-byte compact (Schnorr) signature to place in LocalSigOfRemote.
func SignAsMirror(priv *btcec.PrivateKey, l *LastCrossSignedState) ([64]byte, error) {
	var sig [64]byte
	digest, err := l.Mirror().canonicalDigest()
	if err != nil {
		return sig, err
	}
	s, err := schnorr.Sign(priv, digest[:])
	if err != nil {
		return sig, fmt.Errorf("lcss: sign: %w", err)
	}
	copy(sig[:], s.Serialize())
	return sig, nil
}

// VerifyMirrorSig verifies that sig is a valid signature by pubKey over
// the mirrored view of l -- i.e. it verifies what the *other* party
// claims to have signed about l, exactly as the invariant in spec.md §3
// requires ("peer's signature on the mirrored LCSS verifies under our
// pubkey").
func VerifyMirrorSig(pubKey *btcec.PublicKey, l *LastCrossSignedState, sig [64]byte) error {
	digest, err := l.Mirror().canonicalDigest()
	if err != nil {
		return err
	}
	parsed, err := schnorr.ParseSignature(sig[:])
	if err != nil {
		return fmt.Errorf("lcss: parse signature: %w", err)
	}
	if !parsed.Verify(digest[:], pubKey) {
		return fmt.Errorf("lcss: signature verification failed")
	}
	return nil
}

// VerifyBothSigs checks that l.LocalSigOfRemote verifies under ourKey and
// l.RemoteSigOfLocal verifies under peerKey, per invariant 2 (spec.md §8).
//
// LocalSigOfRemote is *our* signature over the mirrored state (so it
// verifies under our own key); RemoteSigOfLocal is the peer's signature
// over the (non-mirrored, i.e. mirrored-from-their-side) state, so it
// verifies under the peer's key once mirrored from our perspective.
func VerifyBothSigs(ourKey, peerKey *btcec.PublicKey, l *LastCrossSignedState) error {
	if err := VerifyMirrorSig(ourKey, l, l.LocalSigOfRemote); err != nil {
		return fmt.Errorf("local sig: %w", err)
	}
	mirrored := l.Mirror()
	if err := VerifyMirrorSig(peerKey, mirrored, mirrored.LocalSigOfRemote); err != nil {
		return fmt.Errorf("remote sig: %w", err)
	}
	return nil
}

// UpdateCount is localUpdates + remoteUpdates, the monotone counter used
// to decide whether an incoming LCSS supersedes our own (invariant 3).
func (l *LastCrossSignedState) UpdateCount() uint64 {
	return uint64(l.LocalUpdates) + uint64(l.RemoteUpdates)
}

// Balanced reports whether invariant 1 holds: balances plus in-flight
// HTLCs exactly cover capacity, and invariant 2: both balances are
// non-negative (MilliSatoshi is unsigned, so this only needs the sum
// check -- a negative intermediate is caught earlier as an error return
// rather than wraparound, see statemanager).
func (l *LastCrossSignedState) Balanced() bool {
	capacity := uint64(l.InitHostedChannel.ChannelCapacityMsat)
	total := uint64(l.LocalBalanceMsat) + uint64(l.RemoteBalanceMsat)
	for _, h := range l.IncomingHtlcs {
		total += uint64(h.AmountMsat)
	}
	for _, h := range l.OutgoingHtlcs {
		total += uint64(h.AmountMsat)
	}
	return total == capacity
}
