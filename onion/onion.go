// Package onion is a thin facade over Sphinx onion processing. Per the
// spec, peeling and the surrounding cryptography are treated as an
// external, pure-function collaborator; this package owns only the
// narrow boundary the channel state machine actually calls: peel one
// layer for an incoming UpdateAddHtlc, and wrap/obfuscate a failure
// reason so it can be returned to the previous hop.
package onion

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/chaincfg"
	sphinx "github.com/lightningnetwork/lightning-onion"
	"golang.org/x/crypto/chacha20"
	"golang.org/x/crypto/hkdf"

	"github.com/lnhosted/provider/hcwire"
)

// DecodeError wraps a failure to even parse the onion. channel treats it
// as a critical failure per spec.md §4.2.4 (suspend the channel) when
// admitting a new remote add; on an already-committed add the forward is
// simply not made.
type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string { return fmt.Sprintf("onion: %v", e.Err) }
func (e *DecodeError) Unwrap() error { return e.Err }

// Peeled is the result of successfully peeling one onion layer.
type Peeled struct {
	// IsFinalHop is true when this node is the payment's destination.
	// The spec explicitly does not support receiving (§4.2.4), so
	// channel always converts this into TemporaryNodeFailure.
	IsFinalHop bool

	// ForwardAmount/OutgoingCltv/NextScid describe the next hop, valid
	// only when !IsFinalHop.
	ForwardAmount hcwire.MilliSatoshi
	OutgoingCltv  uint32
	NextScid      hcwire.ShortChannelID

	// NextOnion is the onion packet to forward to the next hop.
	NextOnion [hcwire.OnionPacketSize]byte

	// SharedSecret is this hop's Diffie-Hellman shared secret with the
	// sender, used to obfuscate any failure travelling back through us.
	SharedSecret [32]byte
}

// Processor peels onion packets addressed to this node and wraps failure
// reasons for the hop that sent them.
type Processor struct {
	router *sphinx.Router
}

// NewProcessor builds a Processor bound to this node's long-term Lightning
// key, the key used to perform the ECDH step of Sphinx peeling.
func NewProcessor(nodeKey *btcec.PrivateKey, params *chaincfg.Params) (*Processor, error) {
	router := sphinx.NewRouter(
		&sphinx.PrivKeyECDH{PrivKey: nodeKey}, params.Net, sphinx.NewMemoryReplayLog(),
	)
	if err := router.Start(); err != nil {
		return nil, fmt.Errorf("onion: starting sphinx router: %w", err)
	}
	return &Processor{router: router}, nil
}

// Peel decodes and peels a single onion layer. associatedData is bound
// into the MAC chain (the payment hash, per BOLT4) so a packet can't be
// replayed against a different payment.
func (p *Processor) Peel(packet [hcwire.OnionPacketSize]byte, associatedData [32]byte, incomingCltv uint32) (*Peeled, error) {
	var pkt sphinx.OnionPacket
	if err := pkt.Decode(bytes.NewReader(packet[:])); err != nil {
		return nil, &DecodeError{Err: err}
	}

	processed, err := p.router.ProcessOnionPacket(&pkt, associatedData[:], incomingCltv)
	if err != nil {
		return nil, &DecodeError{Err: err}
	}

	var secret [32]byte
	copy(secret[:], processed.SharedSecret[:])

	switch processed.Action {
	case sphinx.ExitNode:
		return &Peeled{IsFinalHop: true, SharedSecret: secret}, nil

	case sphinx.MoreHops:
		fwd := processed.ForwardingInstructions
		out := &Peeled{
			ForwardAmount: hcwire.MilliSatoshi(fwd.AmountToForward),
			OutgoingCltv:  fwd.OutgoingCTLV,
			NextScid:      hcwire.ShortChannelID(fwd.NextHop.ToUint64()),
			SharedSecret:  secret,
		}
		var buf bytes.Buffer
		if err := processed.NextPacket.Encode(&buf); err != nil {
			return nil, &DecodeError{Err: err}
		}
		copy(out.NextOnion[:], buf.Bytes())
		return out, nil

	default:
		return nil, &DecodeError{Err: fmt.Errorf("unrecognized onion action %v", processed.Action)}
	}
}

// ammagKey derives the stream-cipher key used to obfuscate a failure
// reason from a hop's shared secret, following BOLT4's "ammag" HKDF
// construction.
func ammagKey(sharedSecret [32]byte) ([]byte, error) {
	h := hkdf.New(sha256.New, sharedSecret[:], nil, []byte("ammag"))
	key := make([]byte, chacha20.KeySize)
	if _, err := io.ReadFull(h, key); err != nil {
		return nil, err
	}
	return key, nil
}

func obfuscate(sharedSecret [32]byte, reason []byte) ([]byte, error) {
	key, err := ammagKey(sharedSecret)
	if err != nil {
		return nil, err
	}
	var nonce [chacha20.NonceSize]byte
	c, err := chacha20.NewUnauthenticatedCipher(key, nonce[:])
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(reason))
	c.XORKeyStream(out, reason)
	return out, nil
}

func encodeFailureMessage(f *hcwire.FailureMessage) []byte {
	buf := make([]byte, 2+len(f.Data))
	binary.BigEndian.PutUint16(buf, uint16(f.Code))
	copy(buf[2:], f.Data)
	return buf
}

// WrapFailure obfuscates reason (an opaque byte string -- either a fresh
// BOLT4 failure message we originate, or an already-wrapped reason
// relayed from further downstream) under sharedSecret, one layer per hop
// as the failure travels back to the sender.
func WrapFailure(sharedSecret [32]byte, reason []byte) ([]byte, error) {
	return obfuscate(sharedSecret, reason)
}

// NewFailureReason encodes f as an unwrapped BOLT4 failure message,
// ready to be passed to WrapFailure. Used when this hop originates the
// failure rather than relaying one peeled from an upstream onion.
func NewFailureReason(f *hcwire.FailureMessage) []byte {
	return encodeFailureMessage(f)
}
