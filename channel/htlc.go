package channel

import (
	"context"

	"github.com/lnhosted/provider/hcwire"
	"github.com/lnhosted/provider/onion"
	"github.com/lnhosted/provider/statemanager"
	"github.com/lnhosted/provider/upstream"
)

// AddResult is returned synchronously by AddHtlc: either the htlc was
// admitted (Promise resolves later) or it failed immediately.
type AddResult struct {
	Admitted bool
	Failure  *hcwire.FailureMessage
}

// AddHtlc attempts to forward an incoming HTLC across this channel,
// following the contract in spec.md §4.2's addHtlc operation. incoming
// is nil when the HTLC originates locally (e.g. test tooling), set when
// it is being forwarded from another leg, so its promise can be
// completed in step with this one.
func (c *Channel) AddHtlc(ctx context.Context, incoming *statemanager.HtlcIdentifier,
	inAmount, outAmount hcwire.MilliSatoshi, paymentHash [32]byte, cltvExpiry uint32,
	nextOnion [hcwire.OnionPacketSize]byte, resolve func(PaymentStatus)) AddResult {

	if pre, ok := c.cachedPreimage(paymentHash); ok {
		resolve(PaymentStatus{Success: true, Preimage: pre})
		return AddResult{Admitted: true}
	}

	// Idempotent replay: this incoming htlc was already forwarded across
	// this channel (typically master's startup forward replay, or a
	// re-delivered htlc_accepted/sibling-forward). Re-bind the promise to
	// the existing outbound htlc instead of emitting a second add.
	if c.forwards != nil && incoming != nil {
		if out, ok := c.forwards.Get(*incoming); ok && out.Scid == c.Scid() {
			c.promises[out.HtlcID] = &promise{resolve: resolve}
			return AddResult{Admitted: true}
		}
	}

	if c.Status() != Active {
		return AddResult{Failure: hcwire.NormalFailureMessage(hcwire.CodeTemporaryChannelFailure)}
	}

	for _, h := range c.record.LCSS.IncomingHtlcs {
		if h.PaymentHash == paymentHash {
			return AddResult{Failure: hcwire.NormalFailureMessage(hcwire.CodeIncorrectOrUnknownPaymentDetails)}
		}
	}

	if cltvExpiry < c.currentBlock || cltvExpiry-c.currentBlock < c.cfg.CltvExpiryDelta {
		return AddResult{Failure: hcwire.NormalFailureMessage(hcwire.CodeIncorrectOrUnknownPaymentDetails)}
	}

	requiredFee := c.cfg.RequiredFee(outAmount)
	if inAmount < outAmount || inAmount-outAmount < requiredFee {
		return AddResult{Failure: hcwire.NormalFailureMessage(hcwire.CodeTemporaryChannelFailure)}
	}

	next, err := c.sm.LCSSNext()
	if err != nil {
		return AddResult{Failure: hcwire.NormalFailureMessage(hcwire.CodeTemporaryChannelFailure)}
	}

	add := &hcwire.UpdateAddHtlc{
		ChanID:             c.chanID(),
		ID:                 uint64(next.LocalUpdates) + 1,
		AmountMsat:         outAmount,
		PaymentHash:        paymentHash,
		CltvExpiry:         cltvExpiry,
		OnionRoutingPacket: nextOnion,
	}

	update := &statemanager.Update{
		Origin: statemanager.FromLocal, Kind: statemanager.KindAdd, Add: add,
		ForwardedFrom: incoming,
	}
	c.sm.AddUncommittedUpdate(update)

	if _, err := c.sm.LCSSNext(); err != nil {
		c.sm.RemoveUncommittedUpdates([]*statemanager.Update{update})
		return AddResult{Failure: hcwire.NormalFailureMessage(hcwire.CodeTemporaryChannelFailure)}
	}

	if err := c.send(ctx, add); err != nil {
		c.sm.RemoveUncommittedUpdates([]*statemanager.Update{update})
		return AddResult{Failure: hcwire.NormalFailureMessage(hcwire.CodeTemporaryChannelFailure)}
	}

	c.promises[add.ID] = &promise{resolve: resolve}

	if c.Status() == Active {
		c.sendStateUpdate(ctx)
	}

	return AddResult{Admitted: true}
}

func (c *Channel) cachedPreimage(paymentHash [32]byte) ([32]byte, bool) {
	cache, err := c.store.LoadPreimages()
	if err != nil {
		return [32]byte{}, false
	}
	pre, ok := cache[paymentHash]
	return pre, ok
}

// GotPaymentResult is called by master when the upstream node reports the
// terminal outcome of an HTLC this channel forwarded out over the public
// network, per spec.md §4.2's gotPaymentResult contract.
func (c *Channel) GotPaymentResult(ctx context.Context, htlcID uint64, result *upstream.PaymentResult,
	sharedSecret *[32]byte) {

	if result == nil {
		return // still pending
	}

	if result.Success {
		c.savePreimage(result.PaymentHash, result.Preimage)
		c.RelayResult(ctx, htlcID, PaymentStatus{Success: true, Preimage: result.Preimage})
		return
	}

	// Wrap under the incoming shared secret if we have one, otherwise
	// originate a fresh NormalFailureMessage.
	var reason []byte
	if sharedSecret != nil {
		if len(result.FailureOnion) > 0 {
			reason, _ = onion.WrapFailure(*sharedSecret, result.FailureOnion)
		} else {
			fresh := onion.NewFailureReason(hcwire.NormalFailureMessage(hcwire.CodeTemporaryChannelFailure))
			reason, _ = onion.WrapFailure(*sharedSecret, fresh)
		}
	} else {
		reason = onion.NewFailureReason(hcwire.NormalFailureMessage(hcwire.CodeTemporaryChannelFailure))
	}
	c.RelayResult(ctx, htlcID, PaymentStatus{Failure: &hcwire.FailureMessage{Data: reason}})
}

// RelayResult delivers the terminal outcome of htlcID -- an HTLC this
// channel holds as an incoming add -- back toward the peer that sent it,
// whether that outcome came from the upstream node (via GotPaymentResult)
// or from a sibling hosted channel we forwarded into directly.
func (c *Channel) RelayResult(ctx context.Context, htlcID uint64, status PaymentStatus) {
	if c.Status() != Active && c.Status() != Errored && c.Status() != Suspended {
		return
	}

	if status.Success {
		fulfill := &hcwire.UpdateFulfillHtlc{ChanID: c.chanID(), ID: htlcID, PaymentPreimage: status.Preimage}
		update := &statemanager.Update{Origin: statemanager.FromLocal, Kind: statemanager.KindFulfill, HtlcID: htlcID, Preimage: status.Preimage}
		c.sm.AddUncommittedUpdate(update)

		if err := c.send(ctx, fulfill); err != nil {
			c.sm.RemoveUncommittedUpdates([]*statemanager.Update{update})
			return
		}
		if c.Status() == Active {
			c.sendStateUpdate(ctx)
		}
		return
	}

	var reason []byte
	if status.Failure != nil {
		reason = status.Failure.Data
	} else if status.Malformed != nil {
		_ = c.send(ctx, status.Malformed)
		return
	}

	fail := &hcwire.UpdateFailHtlc{ChanID: c.chanID(), ID: htlcID, Reason: reason}
	update := &statemanager.Update{Origin: statemanager.FromLocal, Kind: statemanager.KindFail, HtlcID: htlcID, FailReason: reason}
	c.sm.AddUncommittedUpdate(update)
	if err := c.send(ctx, fail); err != nil {
		c.sm.RemoveUncommittedUpdates([]*statemanager.Update{update})
		return
	}
	if c.Status() == Active {
		c.sendStateUpdate(ctx)
	}
}

// ReplaySiblingForward re-drives the hosted-to-hosted leg of a single
// already-committed incoming htlc against target, for master's startup
// forwarding-table replay (spec.md §4.3). Returns false if htlcID isn't
// a committed incoming htlc on this channel, or its onion no longer
// peels to a forward. Safe to call even if the forward already
// completed: target.AddHtlc recognizes a forward already recorded in
// the shared forwarding table and rebinds the existing promise instead
// of emitting a second UpdateAddHtlc.
func (c *Channel) ReplaySiblingForward(ctx context.Context, htlcID uint64, target *Channel) bool {
	if c.record.LCSS == nil {
		return false
	}
	var add *hcwire.UpdateAddHtlc
	for _, h := range c.record.LCSS.IncomingHtlcs {
		if h.ID == htlcID {
			add = h
			break
		}
	}
	if add == nil {
		return false
	}

	peeled, err := c.peel.Peel(add.OnionRoutingPacket, add.PaymentHash, add.CltvExpiry)
	if err != nil || peeled.IsFinalHop {
		return false
	}

	incoming := statemanager.HtlcIdentifier{Scid: c.Scid(), HtlcID: add.ID}
	target.AddHtlc(ctx, &incoming, add.AmountMsat, peeled.ForwardAmount, add.PaymentHash,
		peeled.OutgoingCltv, peeled.NextOnion, func(status PaymentStatus) {
			c.RelayResult(ctx, add.ID, status)
		})
	return true
}

// InspectPendingIncoming implements the post-reconnect incoming-htlc
// sweep from spec.md §4.2.3's LastCrossSignedState/Active row: for each
// committed incoming htlc, try the preimage cache first. Otherwise look
// the htlc up in the forwarding table: with no entry it is left alone;
// an entry whose outgoing leg is on a sibling hosted channel is skipped,
// since that forward resolves through its own RelayResult call; for any
// other entry upstream is asked for the outgoing leg's status.
func (c *Channel) InspectPendingIncoming(ctx context.Context) {
	if c.record.LCSS == nil {
		return
	}

	for _, h := range c.record.LCSS.IncomingHtlcs {
		if pre, ok := c.cachedPreimage(h.PaymentHash); ok {
			c.RelayResult(ctx, h.ID, PaymentStatus{Success: true, Preimage: pre})
			continue
		}

		if c.forwards == nil {
			continue
		}
		out, ok := c.forwards.Get(statemanager.HtlcIdentifier{Scid: c.Scid(), HtlcID: h.ID})
		if !ok {
			continue
		}
		if c.sibling != nil && c.sibling(out.Scid) != nil {
			continue
		}

		status, res, err := c.node.InspectPayment(ctx, out.Scid, out.HtlcID, h.PaymentHash)
		if err != nil {
			continue
		}
		switch status {
		case upstream.InspectComplete, upstream.InspectFailed:
			if res == nil {
				continue
			}
			var secret *[32]byte
			if s, ok := c.forwards.GetSecret(out); ok {
				secret = &s
			}
			c.GotPaymentResult(ctx, h.ID, res, secret)
		}
	}
}

func (c *Channel) savePreimage(hash, preimage [32]byte) {
	cache, err := c.store.LoadPreimages()
	if err != nil {
		log.Errorf("channel: loading preimage cache: %v", err)
		return
	}
	cache[hash] = preimage
	if err := c.store.SavePreimages(cache); err != nil {
		log.Errorf("channel: saving preimage cache: %v", err)
	}
}

func (c *Channel) sendStateUpdate(ctx context.Context) {
	next, err := c.sm.LCSSNext()
	if err != nil {
		log.Errorf("channel: computing lcssNext for StateUpdate: %v", err)
		return
	}

	s := sentState{localUpdates: next.LocalUpdates, remoteUpdates: next.RemoteUpdates, numUncommitted: len(c.sm.Uncommitted())}
	if c.alreadySent(s) {
		return
	}

	sig, err := lcssSignMirror(c.nodeKey, next)
	if err != nil {
		log.Errorf("channel: signing StateUpdate: %v", err)
		return
	}

	msg := &hcwire.StateUpdate{
		BlockDay:             c.blockDay(),
		LocalUpdates:         next.LocalUpdates,
		RemoteUpdates:        next.RemoteUpdates,
		LocalSigOfRemoteLCSS: sig,
	}
	if err := c.send(ctx, msg); err != nil {
		log.Errorf("channel: sending StateUpdate: %v", err)
		return
	}
	c.rememberSent(s)
}
