// Package upstream abstracts the Lightning node this provider is
// plugged into: current block height, chain identifier, the node's own
// signing key, and the handful of calls needed to move an HTLC onto (or
// read its status from) the public network. The channel and master
// packages depend only on the Node interface; the JSON-RPC-over-stdio
// implementation in this package is the sole place that speaks the CLN
// plugin protocol.
package upstream

import (
	"context"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/lnhosted/provider/hcwire"
)

// EventKind identifies the shape of an inbound Event.
type EventKind uint8

const (
	EventCustomMsg EventKind = iota
	EventHtlcAccepted
	EventSendPaySuccess
	EventSendPayFailure
	EventPeerConnected
	EventPeerDisconnected
	EventBlockHeight
)

// Event is one inbound notification from the upstream node.
type Event struct {
	Kind EventKind

	// PeerID is set for EventCustomMsg/EventPeerConnected/EventPeerDisconnected.
	PeerID [33]byte

	// Payload is set for EventCustomMsg: the raw tag-framed hcwire message body.
	Payload []byte

	// HtlcAccepted is set for EventHtlcAccepted.
	HtlcAccepted *HtlcAccepted

	// PaymentResult is set for EventSendPaySuccess/EventSendPayFailure.
	PaymentResult *PaymentResult

	// BlockHeight is set for EventBlockHeight.
	BlockHeight uint32
}

// HtlcAccepted mirrors CLN's htlc_accepted hook payload: an HTLC that
// arrived over the public network addressed to or through this node,
// carrying the onion to peel.
type HtlcAccepted struct {
	Scid          hcwire.ShortChannelID
	IncomingID    uint64
	AmountMsat    hcwire.MilliSatoshi
	PaymentHash   [32]byte
	CltvExpiry    uint32
	OnionPacket   [hcwire.OnionPacketSize]byte
}

// PaymentResult reports the outcome of a payment this node sent onward
// on our behalf, keyed by the outgoing (scid, htlc id) pair we used when
// forwarding.
type PaymentResult struct {
	Scid        hcwire.ShortChannelID
	HtlcID      uint64
	PaymentHash [32]byte

	Success  bool
	Preimage [32]byte // valid when Success

	// FailureOnion is the opaque failure reason from downstream, already
	// onion-wrapped under the next hop's shared secret, when available.
	FailureOnion []byte
}

// InspectStatus is the result of asking the upstream node about a
// payment it may still be in flight on, per spec.md's bounded retry of
// "pending" results.
type InspectStatus uint8

const (
	InspectUnknown InspectStatus = iota
	InspectPending
	InspectComplete
	InspectFailed
)

// Node is everything the channel and master packages need from the
// Lightning node this provider extends.
type Node interface {
	// BlockHeight returns the current best-chain height known to the node.
	BlockHeight(ctx context.Context) (uint32, error)

	// ChainHash identifies which chain the node is running on.
	ChainHash(ctx context.Context) (chainhash.Hash, error)

	// NodeKey returns this node's long-term signing key, used both to
	// sign LCSS updates and to peel onions addressed to us.
	NodeKey(ctx context.Context) (*btcec.PrivateKey, error)

	// SendCustomMessage delivers a tag-framed hosted-channel message to
	// peerID over the existing P2P transport.
	SendCustomMessage(ctx context.Context, peerID [33]byte, payload []byte) error

	// SendOnion forwards an HTLC along the first hop toward scid,
	// carrying onion as the next onion packet.
	SendOnion(ctx context.Context, scid hcwire.ShortChannelID, htlcID uint64,
		amountMsat hcwire.MilliSatoshi, paymentHash [32]byte, cltvExpiry uint32,
		onion [hcwire.OnionPacketSize]byte) error

	// InspectPayment asks the node for the current status of a payment
	// previously started with SendOnion, identified by the same key.
	InspectPayment(ctx context.Context, scid hcwire.ShortChannelID, htlcID uint64,
		paymentHash [32]byte) (InspectStatus, *PaymentResult, error)

	// Events returns the channel of inbound notifications. Closed when
	// the node shuts down.
	Events() <-chan Event
}
