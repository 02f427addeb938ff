package channel_test

import (
	"bytes"
	"context"
	"crypto/sha256"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/stretchr/testify/require"

	"github.com/lnhosted/provider/channel"
	"github.com/lnhosted/provider/config"
	"github.com/lnhosted/provider/hcwire"
	"github.com/lnhosted/provider/lcss"
	"github.com/lnhosted/provider/store"
	"github.com/lnhosted/provider/upstream"
)

// fakeNode is a minimal upstream.Node that just records what a Channel
// sends it; the scenarios in this file never need it to reply.
type fakeNode struct {
	sent [][]byte
}

func (f *fakeNode) BlockHeight(ctx context.Context) (uint32, error) { return 0, nil }
func (f *fakeNode) ChainHash(ctx context.Context) (chainhash.Hash, error) {
	return chainhash.Hash{}, nil
}
func (f *fakeNode) NodeKey(ctx context.Context) (*btcec.PrivateKey, error) { return nil, nil }

func (f *fakeNode) SendCustomMessage(ctx context.Context, peerID [33]byte, payload []byte) error {
	f.sent = append(f.sent, append([]byte(nil), payload...))
	return nil
}

func (f *fakeNode) SendOnion(ctx context.Context, scid hcwire.ShortChannelID, htlcID uint64,
	amountMsat hcwire.MilliSatoshi, paymentHash [32]byte, cltvExpiry uint32,
	onion [hcwire.OnionPacketSize]byte) error {
	return nil
}

func (f *fakeNode) InspectPayment(ctx context.Context, scid hcwire.ShortChannelID, htlcID uint64,
	paymentHash [32]byte) (upstream.InspectStatus, *upstream.PaymentResult, error) {
	return upstream.InspectUnknown, nil, nil
}

func (f *fakeNode) Events() <-chan upstream.Event { return nil }

func newKey(t *testing.T) (*btcec.PrivateKey, [33]byte) {
	t.Helper()
	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	var id [33]byte
	copy(id[:], priv.PubKey().SerializeCompressed())
	return priv, id
}

// lastSent decodes the most recently captured outgoing message.
func lastSent(t *testing.T, n *fakeNode) hcwire.Message {
	t.Helper()
	require.NotEmpty(t, n.sent)
	msg, err := hcwire.ReadMessage(bytes.NewReader(n.sent[len(n.sent)-1]))
	require.NoError(t, err)
	return msg
}

// hostFixture is everything a test needs to drive a host-side Channel
// through the open handshake and beyond, plus the test's own shadow copy
// of the state it signed, so later steps (override, commit) can forge a
// correctly-signed peer reply without reaching into the channel package's
// unexported fields.
type hostFixture struct {
	c         *channel.Channel
	node      *fakeNode
	hostPriv  *btcec.PrivateKey
	hostID    [33]byte
	peerPriv  *btcec.PrivateKey
	peerID    [33]byte
	cfg       *config.Config
	refund    []byte
	committed *lcss.LastCrossSignedState // host's own view, mirrors c's internal record
}

// openHostChannel drives a brand-new host-side Channel through
// InvokeHostedChannel -> InitHostedChannel -> StateUpdate, acting as both
// the Channel under test (host) and, by hand, the inviting peer (client).
func openHostChannel(t *testing.T) *hostFixture {
	t.Helper()
	ctx := context.Background()

	hostPriv, hostID := newKey(t)
	peerPriv, peerID := newKey(t)

	st, err := store.New(t.TempDir())
	require.NoError(t, err)

	node := &fakeNode{}
	cfg := config.Default()

	c := channel.New(peerID, peerPriv.PubKey(), cfg, st, node, nil, hostPriv, nil, nil)
	require.Equal(t, channel.NotOpened, c.Status())

	refund := []byte("refund-script-pubkey")
	c.GotPeerMessage(ctx, &hcwire.InvokeHostedChannel{RefundScriptPubKey: refund})
	require.Equal(t, channel.Opening, c.Status())

	initMsg, ok := lastSent(t, node).(*hcwire.InitHostedChannel)
	require.True(t, ok)
	require.Equal(t, cfg.InitHostedChannel(), *initMsg)

	// The host's own view of the about-to-be-opened channel, exactly as
	// handleOpeningStateUpdate builds it.
	hostView := &lcss.LastCrossSignedState{
		IsHost:             true,
		RefundScriptPubKey: refund,
		InitHostedChannel:  *initMsg,
		BlockDay:           0,
		LocalBalanceMsat:   initMsg.ChannelCapacityMsat - initMsg.InitialClientBalanceMsat,
		RemoteBalanceMsat:  initMsg.InitialClientBalanceMsat,
	}
	// The peer signs its own (mirrored) view; SignAsMirror mirrors again
	// internally, landing the signature on hostView's digest.
	clientView := hostView.Mirror()
	clientSig, err := lcss.SignAsMirror(peerPriv, clientView)
	require.NoError(t, err)

	c.GotPeerMessage(ctx, &hcwire.StateUpdate{BlockDay: 0, LocalSigOfRemoteLCSS: clientSig})
	require.Equal(t, channel.Active, c.Status())

	// The host's reply (a StateUpdate, immediately followed by its
	// ChannelUpdate announcement) carries its own sig over the client's
	// view; fold it in so committed mirrors exactly what the channel
	// persisted.
	require.GreaterOrEqual(t, len(node.sent), 2)
	replyMsg, err := hcwire.ReadMessage(bytes.NewReader(node.sent[len(node.sent)-2]))
	require.NoError(t, err)
	reply, ok := replyMsg.(*hcwire.StateUpdate)
	require.True(t, ok)
	hostView.RemoteSigOfLocal = clientSig
	hostView.LocalSigOfRemote = reply.LocalSigOfRemoteLCSS

	return &hostFixture{
		c: c, node: node,
		hostPriv: hostPriv, hostID: hostID,
		peerPriv: peerPriv, peerID: peerID,
		cfg: cfg, refund: refund, committed: hostView,
	}
}

func TestOpenHandshakeAsHost(t *testing.T) {
	f := openHostChannel(t)
	require.Equal(t, channel.Active, f.c.Status())

	// The host also announced the channel once opened.
	upd, ok := lastSent(t, f.node).(*hcwire.ChannelUpdate)
	require.True(t, ok)
	require.Equal(t, f.c.Scid(), upd.ShortChannelID)
}

// TestOpenHandshakeAsClient drives a Channel acting as the invoking client
// (the complementary half of the same handshake openHostChannel exercises
// from the host's side).
func TestOpenHandshakeAsClient(t *testing.T) {
	ctx := context.Background()

	clientPriv, _ := newKey(t)
	hostPriv, hostID := newKey(t)

	st, err := store.New(t.TempDir())
	require.NoError(t, err)

	node := &fakeNode{}
	cfg := config.Default()

	c := channel.New(hostID, hostPriv.PubKey(), cfg, st, node, nil, clientPriv, nil, nil)
	require.Equal(t, channel.NotOpened, c.Status())

	refund := []byte("client-refund-script")
	var chainHash hcwire.ChainHash
	require.NoError(t, c.RequestHostedChannel(ctx, chainHash, refund))
	require.Equal(t, channel.Invoking, c.Status())

	invoke, ok := lastSent(t, node).(*hcwire.InvokeHostedChannel)
	require.True(t, ok)
	require.Equal(t, refund, invoke.RefundScriptPubKey)

	init := cfg.InitHostedChannel()
	c.GotPeerMessage(ctx, &init)
	require.Equal(t, channel.Invoking, c.Status()) // still waiting on host's confirmation

	clientView := &lcss.LastCrossSignedState{
		IsHost:             false,
		RefundScriptPubKey: refund,
		InitHostedChannel:  init,
		BlockDay:           0,
		LocalBalanceMsat:   init.InitialClientBalanceMsat,
		RemoteBalanceMsat:  init.ChannelCapacityMsat - init.InitialClientBalanceMsat,
	}
	hostView := clientView.Mirror()
	hostSig, err := lcss.SignAsMirror(hostPriv, hostView)
	require.NoError(t, err)

	c.GotPeerMessage(ctx, &hcwire.StateUpdate{BlockDay: 0, LocalSigOfRemoteLCSS: hostSig})
	require.Equal(t, channel.Active, c.Status())

	upd, ok := lastSent(t, node).(*hcwire.ChannelUpdate)
	require.True(t, ok)
	require.Equal(t, c.Scid(), upd.ShortChannelID)
}

func TestProposeOverride(t *testing.T) {
	ctx := context.Background()
	f := openHostChannel(t)

	// A stuck channel is modeled by recording a local error first, per
	// the derived-status priority order (Errored outranks Active).
	f.c.GotPeerMessage(ctx, &hcwire.Error{Data: []byte("peer-reported-problem")})
	require.Equal(t, channel.Errored, f.c.Status())

	require.NoError(t, f.c.ProposeOverride(ctx, hcwire.MilliSatoshi(30_000_000)))
	require.Equal(t, channel.Overriding, f.c.Status())

	sent, ok := lastSent(t, f.node).(*hcwire.StateOverride)
	require.True(t, ok)
	require.Equal(t, hcwire.MilliSatoshi(30_000_000), sent.LocalBalanceMsat)

	hostOverride := &lcss.LastCrossSignedState{
		IsHost:             true,
		RefundScriptPubKey: f.refund,
		InitHostedChannel:  f.committed.InitHostedChannel,
		BlockDay:           sent.BlockDay,
		LocalBalanceMsat:   sent.LocalBalanceMsat,
		RemoteBalanceMsat:  sent.RemoteBalanceMsat,
		LocalUpdates:       sent.LocalUpdates,
		RemoteUpdates:      sent.RemoteUpdates,
	}
	clientOverride := hostOverride.Mirror()
	confirmSig, err := lcss.SignAsMirror(f.peerPriv, clientOverride)
	require.NoError(t, err)

	f.c.GotPeerMessage(ctx, &hcwire.StateUpdate{
		BlockDay:             sent.BlockDay,
		LocalUpdates:         sent.RemoteUpdates,
		RemoteUpdates:        sent.LocalUpdates,
		LocalSigOfRemoteLCSS: confirmSig,
	})
	require.Equal(t, channel.Active, f.c.Status())
}

func TestOnBlockUpdatedTimesOutOutgoingHtlc(t *testing.T) {
	ctx := context.Background()
	f := openHostChannel(t)

	var paymentHash [32]byte
	copy(paymentHash[:], bytes.Repeat([]byte{0x42}, 32))

	var onion [hcwire.OnionPacketSize]byte
	const outAmount = hcwire.MilliSatoshi(10_000)
	fee := f.cfg.RequiredFee(outAmount)
	inAmount := outAmount + fee + 1

	var resolved *channel.PaymentStatus
	res := f.c.AddHtlc(ctx, nil, inAmount, outAmount, paymentHash, 143, onion,
		func(status channel.PaymentStatus) { resolved = &status })
	require.True(t, res.Admitted)
	require.Nil(t, resolved)

	// AddHtlc sends the UpdateAddHtlc and then immediately a StateUpdate,
	// so the add is the second-to-last message, not the last.
	require.GreaterOrEqual(t, len(f.node.sent), 2)
	addRaw, err := hcwire.ReadMessage(bytes.NewReader(f.node.sent[len(f.node.sent)-2]))
	require.NoError(t, err)
	addMsg, ok := addRaw.(*hcwire.UpdateAddHtlc)
	require.True(t, ok)
	require.Equal(t, outAmount, addMsg.AmountMsat)

	// Build the host's own next-state (after the local add) exactly as
	// statemanager.apply would, then have the peer commit it.
	next := f.committed.Clone()
	next.LocalUpdates++
	next.LocalBalanceMsat -= outAmount
	next.OutgoingHtlcs = append(next.OutgoingHtlcs, addMsg.Clone())

	peerNext := next.Mirror()
	commitSig, err := lcss.SignAsMirror(f.peerPriv, peerNext)
	require.NoError(t, err)

	f.c.GotPeerMessage(ctx, &hcwire.StateUpdate{
		BlockDay:             0,
		LocalUpdates:         next.RemoteUpdates,
		RemoteUpdates:        next.LocalUpdates,
		LocalSigOfRemoteLCSS: commitSig,
	})
	require.Equal(t, channel.Active, f.c.Status())
	require.Nil(t, resolved, "should still be pending until timeout or fulfill")

	f.c.OnBlockUpdated(ctx, addMsg.CltvExpiry+1)

	require.NotNil(t, resolved)
	require.False(t, resolved.Success)
	require.Equal(t, channel.Errored, f.c.Status())
}

func TestHandleFulfillResolvesPromiseOnValidPreimage(t *testing.T) {
	ctx := context.Background()
	f := openHostChannel(t)

	var preimage [32]byte
	copy(preimage[:], bytes.Repeat([]byte{0x07}, 32))
	paymentHash := sha256.Sum256(preimage[:])

	var onion [hcwire.OnionPacketSize]byte
	const outAmount = hcwire.MilliSatoshi(5_000)
	fee := f.cfg.RequiredFee(outAmount)
	inAmount := outAmount + fee + 1

	var resolved *channel.PaymentStatus
	res := f.c.AddHtlc(ctx, nil, inAmount, outAmount, paymentHash, 200, onion,
		func(status channel.PaymentStatus) { resolved = &status })
	require.True(t, res.Admitted)

	require.GreaterOrEqual(t, len(f.node.sent), 2)
	addRaw, err := hcwire.ReadMessage(bytes.NewReader(f.node.sent[len(f.node.sent)-2]))
	require.NoError(t, err)
	addMsg, ok := addRaw.(*hcwire.UpdateAddHtlc)
	require.True(t, ok)

	next := f.committed.Clone()
	next.LocalUpdates++
	next.LocalBalanceMsat -= outAmount
	next.OutgoingHtlcs = append(next.OutgoingHtlcs, addMsg.Clone())
	commitSig, err := lcss.SignAsMirror(f.peerPriv, next.Mirror())
	require.NoError(t, err)
	f.c.GotPeerMessage(ctx, &hcwire.StateUpdate{
		BlockDay: 0, LocalUpdates: next.RemoteUpdates, RemoteUpdates: next.LocalUpdates,
		LocalSigOfRemoteLCSS: commitSig,
	})
	require.Nil(t, resolved)

	f.c.GotPeerMessage(ctx, &hcwire.UpdateFulfillHtlc{ID: addMsg.ID, PaymentPreimage: preimage})

	require.NotNil(t, resolved)
	require.True(t, resolved.Success)
	require.Equal(t, preimage, resolved.Preimage)
}

// TestHandlePeerLcssResendsOnMatchingReconnect drives the resync path a
// reconnecting peer triggers by re-announcing its LastCrossSignedState: if
// it matches what's already committed, the channel just resends its own
// copy plus a fresh ChannelUpdate rather than treating it as a new state.
func TestHandlePeerLcssResendsOnMatchingReconnect(t *testing.T) {
	ctx := context.Background()
	f := openHostChannel(t)

	// The peer's own view is the mirror of what the host committed; this
	// is exactly what a genuine reconnecting client would re-send.
	peerMsg := f.committed.Mirror().ToWire()
	f.c.GotPeerMessage(ctx, peerMsg)

	require.Equal(t, channel.Active, f.c.Status())

	require.GreaterOrEqual(t, len(f.node.sent), 2)
	lcssReply, err := hcwire.ReadMessage(bytes.NewReader(f.node.sent[len(f.node.sent)-2]))
	require.NoError(t, err)
	_, ok := lcssReply.(*hcwire.LastCrossSignedStateMsg)
	require.True(t, ok, "reconnect must re-send the committed LastCrossSignedState")

	upd, ok := lastSent(t, f.node).(*hcwire.ChannelUpdate)
	require.True(t, ok, "reconnect must also re-send a ChannelUpdate")
	require.Equal(t, f.c.Scid(), upd.ShortChannelID)
}

// TestHandlePeerLcssAdoptsAheadPeerState covers the other half of resync:
// if the peer presents a state with a higher update count than ours (we
// fell behind, e.g. after a crash before persisting the last commit), we
// must adopt the peer's state rather than silently keep our stale one.
func TestHandlePeerLcssAdoptsAheadPeerState(t *testing.T) {
	ctx := context.Background()
	f := openHostChannel(t)

	ahead := f.committed.Clone()
	ahead.LocalUpdates++
	ahead.RemoteUpdates++
	peerAhead := ahead.Mirror()

	peerSig, err := lcss.SignAsMirror(f.peerPriv, peerAhead)
	require.NoError(t, err)
	hostSig, err := lcss.SignAsMirror(f.hostPriv, ahead)
	require.NoError(t, err)
	peerAhead.LocalSigOfRemote = peerSig
	peerAhead.RemoteSigOfLocal = hostSig

	f.c.GotPeerMessage(ctx, peerAhead.ToWire())

	require.Equal(t, channel.Active, f.c.Status())
	next, err := f.c.LCSSNext()
	require.NoError(t, err)
	require.Equal(t, ahead.UpdateCount(), next.UpdateCount())
}

// TestReconnectReplaysUncommittedAdd covers the reconnect-replay scenario:
// an Active channel with one uncommitted local add re-sends its committed
// LCSS, the pending add, and a fresh StateUpdate when the peer re-invokes.
func TestReconnectReplaysUncommittedAdd(t *testing.T) {
	ctx := context.Background()
	f := openHostChannel(t)

	var paymentHash [32]byte
	copy(paymentHash[:], bytes.Repeat([]byte{0x11}, 32))
	var onion [hcwire.OnionPacketSize]byte
	const outAmount = hcwire.MilliSatoshi(2_000)
	fee := f.cfg.RequiredFee(outAmount)
	inAmount := outAmount + fee + 1

	res := f.c.AddHtlc(ctx, nil, inAmount, outAmount, paymentHash, 500, onion, func(channel.PaymentStatus) {})
	require.True(t, res.Admitted)

	sentBefore := len(f.node.sent)
	f.c.GotPeerMessage(ctx, &hcwire.InvokeHostedChannel{RefundScriptPubKey: f.refund})
	require.Equal(t, channel.Active, f.c.Status())

	replayed := f.node.sent[sentBefore:]
	require.Len(t, replayed, 3, "reconnect must replay the LCSS, the pending add, and a fresh StateUpdate")

	msg0, err := hcwire.ReadMessage(bytes.NewReader(replayed[0]))
	require.NoError(t, err)
	_, ok := msg0.(*hcwire.LastCrossSignedStateMsg)
	require.True(t, ok)

	msg1, err := hcwire.ReadMessage(bytes.NewReader(replayed[1]))
	require.NoError(t, err)
	addMsg, ok := msg1.(*hcwire.UpdateAddHtlc)
	require.True(t, ok)
	require.Equal(t, outAmount, addMsg.AmountMsat)

	msg2, err := hcwire.ReadMessage(bytes.NewReader(replayed[2]))
	require.NoError(t, err)
	_, ok = msg2.(*hcwire.StateUpdate)
	require.True(t, ok)
}

// TestHandleCommitRejectsBadSignature covers the bad-signature scenario: a
// StateUpdate whose signature doesn't verify under our peer's key must be
// rejected with an Error, move the channel to Errored, and never overwrite
// the existing committed LCSS.
func TestHandleCommitRejectsBadSignature(t *testing.T) {
	ctx := context.Background()
	f := openHostChannel(t)

	var paymentHash [32]byte
	copy(paymentHash[:], bytes.Repeat([]byte{0x22}, 32))
	var onion [hcwire.OnionPacketSize]byte
	const outAmount = hcwire.MilliSatoshi(3_000)
	fee := f.cfg.RequiredFee(outAmount)
	inAmount := outAmount + fee + 1

	res := f.c.AddHtlc(ctx, nil, inAmount, outAmount, paymentHash, 500, onion, func(channel.PaymentStatus) {})
	require.True(t, res.Admitted)

	beforeNext, err := f.c.LCSSNext()
	require.NoError(t, err)

	var garbageSig [64]byte
	copy(garbageSig[:], bytes.Repeat([]byte{0xFF}, 64))
	f.c.GotPeerMessage(ctx, &hcwire.StateUpdate{
		BlockDay: 0, LocalUpdates: beforeNext.RemoteUpdates, RemoteUpdates: beforeNext.LocalUpdates,
		LocalSigOfRemoteLCSS: garbageSig,
	})

	require.Equal(t, channel.Errored, f.c.Status())

	errMsg, ok := lastSent(t, f.node).(*hcwire.Error)
	require.True(t, ok)
	require.Equal(t, []byte(hcwire.ErrCodeWrongRemoteSig), errMsg.Data)

	// The bad commit must not have overwritten the existing LCSS: the
	// pending add is still uncommitted, so LCSSNext is unchanged.
	afterNext, err := f.c.LCSSNext()
	require.NoError(t, err)
	require.Equal(t, beforeNext.UpdateCount(), afterNext.UpdateCount())
}
