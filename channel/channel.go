// Package channel implements the per-peer hosted-channel state machine:
// the protocol driving invocation, HTLC lifecycle, crash-safe
// persistence of cross-signed states, reconnection, override proposals,
// and CLTV timeouts. One Channel exists per remote peer for the life of
// the process; all of its methods are called from the single event loop
// owned by package master, so Channel itself needs no internal locking --
// the same single-goroutine discipline htlcswitch's main forwarding loop
// uses.
package channel

import (
	"bytes"
	"context"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btclog"
	goerrors "github.com/go-errors/errors"

	"github.com/lnhosted/provider/config"
	"github.com/lnhosted/provider/hcwire"
	"github.com/lnhosted/provider/lcss"
	"github.com/lnhosted/provider/onion"
	"github.com/lnhosted/provider/statemanager"
	"github.com/lnhosted/provider/store"
	"github.com/lnhosted/provider/upstream"
)

var log = btclog.Disabled

// UseLogger installs logger as the package-wide log target.
func UseLogger(logger btclog.Logger) { log = logger }

// Status is the derived state of a channel -- never persisted directly,
// always computed from the record's actual fields.
type Status uint8

const (
	NotOpened Status = iota
	Opening
	Invoking
	Active
	Overriding
	Errored
	Suspended
)

func (s Status) String() string {
	switch s {
	case NotOpened:
		return "NotOpened"
	case Opening:
		return "Opening"
	case Invoking:
		return "Invoking"
	case Active:
		return "Active"
	case Overriding:
		return "Overriding"
	case Errored:
		return "Errored"
	case Suspended:
		return "Suspended"
	default:
		return "Unknown"
	}
}

// PaymentStatus is delivered through a promise when an HTLC this channel
// forwarded finally resolves.
type PaymentStatus struct {
	Success  bool
	Preimage [32]byte

	// Failure is set when !Success and carries the BOLT4 failure to
	// return upstream, unless Malformed is set instead.
	Failure   *hcwire.FailureMessage
	Malformed *hcwire.UpdateFailMalformedHtlc
}

// promise is a one-shot result slot for a single htlc id, fulfilled by
// UpdateFulfillHtlc, a committed UpdateFailHtlc/FailMalformed, a CLTV
// timeout, or the pruning of an expired uncommitted add.
type promise struct {
	resolve func(PaymentStatus)
}

// sentState is one entry in the last-3 send-debounce tracker (§4.2.6).
type sentState struct {
	localUpdates  uint32
	remoteUpdates uint32
	numUncommitted int
}

// Channel is the in-memory, per-peer hosted-channel state machine.
// Everything it needs to rebuild after a crash lives in store.ChannelRecord;
// everything else here is scratch that a restart safely discards.
type Channel struct {
	peerID  [33]byte
	peerKey *btcec.PublicKey

	cfg   *config.Config
	store *store.Store
	node  upstream.Node
	peel  *onion.Processor
	nodeKey *btcec.PrivateKey

	record *store.ChannelRecord
	sm     *statemanager.Manager

	// openingRefundScriptPubKey is set while we (as host) have accepted
	// an Invoke and are waiting for the client's StateUpdate.
	openingRefundScriptPubKey []byte

	// invoking holds our own invocation scratch while we (as client) wait
	// for Init/peer-LCSS.
	invoking *invokingScratch

	branding *Branding

	promises map[uint64]*promise

	sentHistory []sentState

	currentBlock    uint32
	currentBlockDay uint32

	forwards ForwardingTable
	secrets  SecretStore
	sibling  SiblingLookup
	fatal    func(error)

	// scheduleInspect arranges for InspectPendingIncoming to run again
	// 3 s from now, per §4.2.3's post-reconnect LastCrossSignedState row.
	scheduleInspect func(ctx context.Context)
}

// SetCollaborators wires in the master-owned collaborators a channel
// needs for cross-channel forwarding, secret checking, reporting a
// persistence fault upstream, and scheduling the post-reconnect incoming
// htlc sweep. Called once by master right after New.
func (c *Channel) SetCollaborators(forwards ForwardingTable, secrets SecretStore, sibling SiblingLookup,
	fatal func(error), scheduleInspect func(ctx context.Context)) {
	c.forwards = forwards
	c.secrets = secrets
	c.sibling = sibling
	c.fatal = fatal
	c.scheduleInspect = scheduleInspect
}

// Branding is what AskBrandingInfo replies with, per §3.1.
type Branding struct {
	ContactInfo string
	ChannelLogo []byte
	HexColor    string
}

// ForwardingTable is the master-owned in-flight HTLC forwarding table
// (incoming HtlcIdentifier -> outgoing HtlcIdentifier), injected so a
// single channel can record and look up cross-channel forwards without
// owning the whole collection. It also caches the Sphinx shared secret
// used for each upstream-bound forward, so a failure reported later by
// the upstream node can still be wrapped under the right key.
type ForwardingTable interface {
	Put(in, out statemanager.HtlcIdentifier)
	Get(in statemanager.HtlcIdentifier) (statemanager.HtlcIdentifier, bool)
	Delete(in statemanager.HtlcIdentifier)
	PutSecret(out statemanager.HtlcIdentifier, secret [32]byte)
	GetSecret(out statemanager.HtlcIdentifier) ([32]byte, bool)
}

// SecretStore checks and consumes invocation secrets on InvokeHostedChannel.
type SecretStore interface {
	Check(secret []byte) bool
}

// SiblingLookup resolves another hosted channel by short channel id, for
// hosted-to-hosted forwarding without routing back out through upstream.
type SiblingLookup func(scid hcwire.ShortChannelID) *Channel

type invokingScratch struct {
	refundScriptPubKey []byte
}

// New constructs a channel handler for peerID, reloading any persisted
// record (nil if none exists -- a brand-new peer).
func New(peerID [33]byte, peerKey *btcec.PublicKey, cfg *config.Config, st *store.Store,
	node upstream.Node, peel *onion.Processor, nodeKey *btcec.PrivateKey, branding *Branding,
	record *store.ChannelRecord) *Channel {

	if record == nil {
		record = &store.ChannelRecord{PeerID: peerID}
	}

	c := &Channel{
		peerID:   peerID,
		peerKey:  peerKey,
		cfg:      cfg,
		store:    st,
		node:     node,
		peel:     peel,
		nodeKey:  nodeKey,
		record:   record,
		branding: branding,
		promises: make(map[uint64]*promise),
	}
	if record.LCSS != nil {
		c.sm = statemanager.New(record.LCSS)
	}
	return c
}

// Status derives the channel's status exactly as spec.md §4.2 requires:
// each branch checked in priority order, never stored directly.
func (c *Channel) Status() Status {
	switch {
	case c.openingRefundScriptPubKey != nil:
		return Opening
	case c.invoking != nil:
		return Invoking
	case c.record.ProposedOverride != nil:
		return Overriding
	case len(c.record.LocalErrors) > 0:
		return Errored
	case c.record.Suspended:
		return Suspended
	case c.record.LCSS == nil:
		return NotOpened
	default:
		return Active
	}
}

// persist writes the channel's record to durable storage. A failure here
// means in-memory state has already diverged from what a restart would
// reload -- per spec.md §7 that's a process-level fault, not something a
// single channel can recover from, so it's reported to master's fatal
// handler (wired in via SetCollaborators) with a captured stack trace in
// addition to being returned to the caller.
func (c *Channel) persist() error {
	if err := c.store.SaveChannel(c.record); err != nil {
		wrapped := goerrors.WrapPrefix(err,
			fmt.Sprintf("channel: persisting record for peer %x", c.peerID), 0)
		if c.fatal != nil {
			c.fatal(wrapped)
		}
		return wrapped
	}
	return nil
}

func (c *Channel) recordLocalError(code string, htlcID *uint64, reason string) {
	c.record.LocalErrors = append(c.record.LocalErrors, store.DetailedError{
		Code: code, HtlcID: htlcID, Reason: reason,
	})
}

func (c *Channel) send(ctx context.Context, msg hcwire.Message) error {
	var buf bytes.Buffer
	if _, err := hcwire.WriteMessage(&buf, msg); err != nil {
		return fmt.Errorf("channel: encode outgoing message: %w", err)
	}
	return c.node.SendCustomMessage(ctx, c.peerID, buf.Bytes())
}

func (c *Channel) resolvePromise(htlcID uint64, status PaymentStatus) {
	p, ok := c.promises[htlcID]
	if !ok {
		return
	}
	delete(c.promises, htlcID)
	p.resolve(status)
}

// rememberSent records a just-sent StateUpdate's defining state in the
// last-3 debounce tracker (§4.2.6), evicting the oldest if full.
func (c *Channel) rememberSent(s sentState) {
	c.sentHistory = append(c.sentHistory, s)
	if len(c.sentHistory) > 3 {
		c.sentHistory = c.sentHistory[len(c.sentHistory)-3:]
	}
}

// alreadySent reports whether s matches an entry already in the
// debounce tracker, so a redundant trigger doesn't re-send the same
// StateUpdate.
func (c *Channel) alreadySent(s sentState) bool {
	for _, h := range c.sentHistory {
		if h == s {
			return true
		}
	}
	return false
}

func (c *Channel) blockDay() uint32 { return c.currentBlock / 144 }

// chanID derives this channel's channel id from our node key and the
// peer's id.
func (c *Channel) chanID() hcwire.ChannelID {
	var ourID [33]byte
	if c.nodeKey != nil {
		pub := c.nodeKey.PubKey()
		copy(ourID[:], pub.SerializeCompressed())
	}
	return hcwire.DeriveChannelID(ourID, c.peerID)
}

// PeerID returns the remote peer's compressed public key, this
// channel's identity key in the channel collection.
func (c *Channel) PeerID() [33]byte { return c.peerID }

// Scid is this hosted channel's short channel id, derived from its
// channel id, per §6.1's "short channel id = derived from sorted pubkeys".
func (c *Channel) Scid() hcwire.ShortChannelID {
	return hcwire.DeriveShortChannelID(c.chanID())
}

// LCSSNext exposes the pending next state for the forwarding/commit
// logic and for tests.
func (c *Channel) LCSSNext() (*lcss.LastCrossSignedState, error) {
	if c.sm == nil {
		return nil, fmt.Errorf("channel: no committed state yet")
	}
	return c.sm.LCSSNext()
}

// lcssSignMirror signs l's mirrored view with priv, returning the
// StateUpdate's LocalSigOfRemoteLCSS field.
func lcssSignMirror(priv *btcec.PrivateKey, l *lcss.LastCrossSignedState) ([64]byte, error) {
	return lcss.SignAsMirror(priv, l)
}
