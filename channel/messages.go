package channel

import (
	"context"
	"crypto/sha256"

	"github.com/lnhosted/provider/hcwire"
	"github.com/lnhosted/provider/lcss"
	"github.com/lnhosted/provider/onion"
	"github.com/lnhosted/provider/statemanager"
)

// GotPeerMessage dispatches one decoded peer message according to the
// current status, per the table in spec.md §4.2.3.
func (c *Channel) GotPeerMessage(ctx context.Context, msg hcwire.Message) {
	status := c.Status()

	switch m := msg.(type) {
	case *hcwire.AskBrandingInfo:
		c.handleAskBrandingInfo(ctx, m)

	case *hcwire.InvokeHostedChannel:
		c.handleInvoke(ctx, m, status)

	case *hcwire.StateUpdate:
		switch status {
		case Opening:
			c.handleOpeningStateUpdate(ctx, m)
		case Invoking:
			c.handleInvokingStateUpdate(ctx, m)
		case Active:
			c.handleCommit(ctx, m)
		case Overriding:
			c.handleOverrideStateUpdate(ctx, m)
		default:
			log.Debugf("channel: ignoring StateUpdate in status %v", status)
		}

	case *hcwire.InitHostedChannel:
		if status == Invoking {
			c.handleInit(ctx, m)
		}

	case *hcwire.LastCrossSignedStateMsg:
		if status == Active || status == Opening {
			c.handlePeerLcss(ctx, m)
		}

	case *hcwire.UpdateFulfillHtlc:
		if status == Active {
			c.handleFulfill(ctx, m)
		}

	case *hcwire.UpdateFailHtlc:
		if status == Active {
			c.handleFail(ctx, m)
		}

	case *hcwire.UpdateFailMalformedHtlc:
		if status == Active {
			c.handleFailMalformed(ctx, m)
		}

	case *hcwire.UpdateAddHtlc:
		if status == Active {
			c.acceptRemoteAdd(ctx, m)
		}

	case *hcwire.Error:
		c.record.RemoteErrors = append(c.record.RemoteErrors, m)
		c.recordLocalError(hcwire.ErrCodeClosedByRemotePeer, nil, "peer sent Error")
		_ = c.persist()

	default:
		log.Debugf("channel: ignoring message of unhandled type in status %v", status)
	}
}

func (c *Channel) handleAskBrandingInfo(ctx context.Context, m *hcwire.AskBrandingInfo) {
	reply := &hcwire.AskBrandingInfo{ChanID: m.ChanID}
	if c.branding != nil {
		reply.ContactInfo = c.branding.ContactInfo
		reply.Color = c.branding.HexColor
		reply.Pixels = c.branding.ChannelLogo
	}
	_ = c.send(ctx, reply)
}

func (c *Channel) handleInvoke(ctx context.Context, m *hcwire.InvokeHostedChannel, status Status) {
	switch status {
	case NotOpened:
		if c.cfg.RequireSecret && (c.secrets == nil || !c.secrets.Check(m.Secret)) {
			c.recordLocalError(hcwire.ErrCodeChannelNotFound, nil, "secret check failed")
			_ = c.persist()
			return
		}
		c.openingRefundScriptPubKey = m.RefundScriptPubKey
		init := c.cfg.InitHostedChannel()
		_ = c.send(ctx, &init)

	case Suspended:
		if c.record.LCSS != nil {
			_ = c.send(ctx, c.record.LCSS.ToWire())
		}

	case Active:
		c.resendOnReconnect(ctx)

	case Errored:
		if c.record.LCSS != nil {
			_ = c.send(ctx, c.record.LCSS.ToWire())
		}
		for _, e := range c.localErrorsAsWire() {
			_ = c.send(ctx, e)
		}

	case Overriding:
		if c.record.LCSS != nil {
			_ = c.send(ctx, c.record.LCSS.ToWire())
		}
		for _, e := range c.localErrorsAsWire() {
			_ = c.send(ctx, e)
		}
		if c.record.ProposedOverride != nil {
			c.sendOverride(ctx, c.record.ProposedOverride)
		}
	}
}

func (c *Channel) localErrorsAsWire() []*hcwire.Error {
	out := make([]*hcwire.Error, 0, len(c.record.LocalErrors))
	for _, e := range c.record.LocalErrors {
		out = append(out, &hcwire.Error{ChanID: c.chanID(), Data: []byte(e.Code)})
	}
	return out
}

func (c *Channel) resendOnReconnect(ctx context.Context) {
	if c.record.LCSS != nil {
		_ = c.send(ctx, c.record.LCSS.ToWire())
	}

	// Sends made before the reconnect may never have reached the peer, so
	// the debounce history no longer says what the peer has seen.
	c.sentHistory = nil

	c.assignResendIDs()

	var fails, adds []*statemanager.Update
	for _, u := range c.sm.Uncommitted() {
		if u.Origin != statemanager.FromLocal {
			continue
		}
		if u.Kind == statemanager.KindAdd {
			adds = append(adds, u)
		} else {
			fails = append(fails, u)
		}
	}

	for _, u := range fails {
		c.resendUpdate(ctx, u)
	}
	for _, u := range adds {
		c.resendUpdate(ctx, u)
	}
	if len(fails) > 0 || len(adds) > 0 {
		c.sendStateUpdate(ctx)
	}
}

// assignResendIDs recomputes every pending local add's id as the
// committed LocalUpdates count plus its position among local-origin
// updates, so a reconnect resend reflects what the next commit will
// actually assign instead of whatever id happened to be stamped on at
// admission time -- per §4.2.3's Active-reconnect row, ids are
// reassigned to lcssNext.localUpdates+1 on replay, since an earlier
// local update can have committed or been pruned in between.
func (c *Channel) assignResendIDs() {
	base := c.sm.Committed().LocalUpdates
	var localCount uint32
	for _, u := range c.sm.Uncommitted() {
		if u.Origin != statemanager.FromLocal {
			continue
		}
		localCount++
		if u.Kind != statemanager.KindAdd {
			continue
		}
		newID := uint64(base) + uint64(localCount)
		if u.Add.ID == newID {
			continue
		}
		oldID := u.Add.ID
		u.Add.ID = newID
		if p, ok := c.promises[oldID]; ok {
			delete(c.promises, oldID)
			c.promises[newID] = p
		}
	}
}

func (c *Channel) resendUpdate(ctx context.Context, u *statemanager.Update) {
	switch u.Kind {
	case statemanager.KindAdd:
		_ = c.send(ctx, u.Add)
	case statemanager.KindFulfill:
		_ = c.send(ctx, &hcwire.UpdateFulfillHtlc{ChanID: c.chanID(), ID: u.HtlcID, PaymentPreimage: u.Preimage})
	case statemanager.KindFail:
		_ = c.send(ctx, &hcwire.UpdateFailHtlc{ChanID: c.chanID(), ID: u.HtlcID, Reason: u.FailReason})
	case statemanager.KindFailMalformed:
		_ = c.send(ctx, &hcwire.UpdateFailMalformedHtlc{ChanID: c.chanID(), ID: u.HtlcID, Sha256OfOnion: u.FailMalformedSha, FailureCode: u.FailMalformedCode})
	}
}

// handleOpeningStateUpdate builds the initial LCSS as host, once the
// invoking client sends its own signature over the mirrored initial state.
func (c *Channel) handleOpeningStateUpdate(ctx context.Context, m *hcwire.StateUpdate) {
	init := c.cfg.InitHostedChannel()
	initial := &lcss.LastCrossSignedState{
		IsHost:             true,
		RefundScriptPubKey: c.openingRefundScriptPubKey,
		InitHostedChannel:  init,
		BlockDay:           m.BlockDay,
		LocalBalanceMsat:   init.ChannelCapacityMsat - init.InitialClientBalanceMsat,
		RemoteBalanceMsat:  init.InitialClientBalanceMsat,
		RemoteSigOfLocal:   m.LocalSigOfRemoteLCSS,
	}

	if diff := blockDayDiff(m.BlockDay, c.blockDay()); diff > 1 {
		log.Warnf("channel: rejecting opening StateUpdate: blockDay drift %d", diff)
		return
	}

	sig, err := lcss.SignAsMirror(c.nodeKey, initial)
	if err != nil {
		log.Errorf("channel: signing initial LCSS: %v", err)
		return
	}
	initial.LocalSigOfRemote = sig

	if err := lcss.VerifyMirrorSig(c.peerKey, initial.Mirror(), initial.RemoteSigOfLocal); err != nil {
		log.Warnf("channel: opening StateUpdate signature invalid: %v", err)
		return
	}

	c.openingRefundScriptPubKey = nil
	c.record.LCSS = initial
	c.sm = statemanager.New(initial)
	if err := c.persist(); err != nil {
		log.Errorf("channel: persisting opened channel: %v", err)
		return
	}

	reply := &hcwire.StateUpdate{
		BlockDay:             initial.BlockDay,
		LocalUpdates:         initial.LocalUpdates,
		RemoteUpdates:        initial.RemoteUpdates,
		LocalSigOfRemoteLCSS: initial.LocalSigOfRemote,
	}
	_ = c.send(ctx, reply)
	_ = c.send(ctx, c.channelUpdate())
}

func (c *Channel) channelUpdate() *hcwire.ChannelUpdate {
	return &hcwire.ChannelUpdate{
		ShortChannelID:            c.Scid(),
		CltvExpiryDelta:           uint16(c.cfg.CltvExpiryDelta),
		HtlcMinimumMsat:           hcwire.MilliSatoshi(c.cfg.HtlcMinimumMsat),
		FeeBaseMsat:               uint32(c.cfg.FeeBaseMsat),
		FeeProportionalMillionths: uint32(c.cfg.FeeProportionalMillionths),
		HtlcMaximumMsat:           hcwire.MilliSatoshi(c.cfg.MaxHtlcValueInFlightMsat),
	}
}

// RequestHostedChannel acts as the client, inviting a peer to host a
// channel for us.
func (c *Channel) RequestHostedChannel(ctx context.Context, chainHash hcwire.ChainHash, refundScriptPubKey []byte) error {
	if c.Status() != NotOpened {
		return errStatus(c.Status())
	}
	c.invoking = &invokingScratch{refundScriptPubKey: refundScriptPubKey}
	return c.send(ctx, &hcwire.InvokeHostedChannel{ChainHash: chainHash, RefundScriptPubKey: refundScriptPubKey})
}

func (c *Channel) handleInit(ctx context.Context, m *hcwire.InitHostedChannel) {
	initial := &lcss.LastCrossSignedState{
		IsHost:             false,
		RefundScriptPubKey: c.invoking.refundScriptPubKey,
		InitHostedChannel:  *m,
		BlockDay:           c.blockDay(),
		LocalBalanceMsat:   m.InitialClientBalanceMsat,
		RemoteBalanceMsat:  m.ChannelCapacityMsat - m.InitialClientBalanceMsat,
	}
	sig, err := lcss.SignAsMirror(c.nodeKey, initial)
	if err != nil {
		log.Errorf("channel: signing client initial LCSS: %v", err)
		return
	}
	initial.LocalSigOfRemote = sig
	c.record.LCSS = initial
	c.sm = statemanager.New(initial)

	reply := &hcwire.StateUpdate{
		BlockDay:             initial.BlockDay,
		LocalUpdates:         initial.LocalUpdates,
		RemoteUpdates:        initial.RemoteUpdates,
		LocalSigOfRemoteLCSS: initial.LocalSigOfRemote,
	}
	_ = c.send(ctx, reply)
}

func (c *Channel) handleInvokingStateUpdate(ctx context.Context, m *hcwire.StateUpdate) {
	if c.record.LCSS == nil {
		return
	}
	c.record.LCSS.RemoteSigOfLocal = m.LocalSigOfRemoteLCSS
	if err := lcss.VerifyMirrorSig(c.peerKey, c.record.LCSS.Mirror(), c.record.LCSS.RemoteSigOfLocal); err != nil {
		log.Warnf("channel: invoking StateUpdate signature invalid: %v", err)
		return
	}
	c.invoking = nil
	if err := c.persist(); err != nil {
		log.Errorf("channel: persisting invoked channel: %v", err)
		return
	}
	_ = c.send(ctx, c.channelUpdate())
}

// ProposeOverride lets the host reset a stuck channel to a fresh balance
// split, per spec.md §4.2's proposeOverride contract.
func (c *Channel) ProposeOverride(ctx context.Context, newLocalBalance hcwire.MilliSatoshi) error {
	status := c.Status()
	if status != Errored && status != Overriding {
		return errStatus(status)
	}
	if c.record.LCSS == nil || !c.record.LCSS.IsHost {
		return errStatus(status)
	}

	base := c.record.LCSS.Clone()
	override := &lcss.LastCrossSignedState{
		IsHost:             base.IsHost,
		RefundScriptPubKey: base.RefundScriptPubKey,
		InitHostedChannel:  base.InitHostedChannel,
		BlockDay:           c.blockDay(),
		LocalBalanceMsat:   newLocalBalance,
		RemoteBalanceMsat:  base.InitHostedChannel.ChannelCapacityMsat - newLocalBalance,
		LocalUpdates:       base.LocalUpdates + 1,
		RemoteUpdates:      base.RemoteUpdates + 1,
	}
	sig, err := lcss.SignAsMirror(c.nodeKey, override)
	if err != nil {
		return err
	}
	override.LocalSigOfRemote = sig

	c.record.ProposedOverride = override
	if err := c.persist(); err != nil {
		return err
	}
	c.sendOverride(ctx, override)
	return nil
}

func (c *Channel) sendOverride(ctx context.Context, override *lcss.LastCrossSignedState) {
	_ = c.send(ctx, &hcwire.StateOverride{
		BlockDay:             override.BlockDay,
		LocalUpdates:         override.LocalUpdates,
		RemoteUpdates:        override.RemoteUpdates,
		LocalBalanceMsat:     override.LocalBalanceMsat,
		RemoteBalanceMsat:    override.RemoteBalanceMsat,
		LocalSigOfRemoteLCSS: override.LocalSigOfRemote,
	})
}

func (c *Channel) handleOverrideStateUpdate(ctx context.Context, m *hcwire.StateUpdate) {
	o := c.record.ProposedOverride
	if o == nil {
		return
	}
	if m.BlockDay != o.BlockDay || m.LocalUpdates != o.RemoteUpdates || m.RemoteUpdates != o.LocalUpdates {
		log.Debugf("channel: override StateUpdate counters don't match proposal")
		return
	}
	o.RemoteSigOfLocal = m.LocalSigOfRemoteLCSS
	if err := lcss.VerifyMirrorSig(c.peerKey, o.Mirror(), o.RemoteSigOfLocal); err != nil {
		log.Warnf("channel: override confirmation signature invalid: %v", err)
		return
	}

	c.record.LCSS = o
	c.record.ProposedOverride = nil
	c.record.LocalErrors = nil
	c.sm = statemanager.New(o)
	if err := c.persist(); err != nil {
		log.Errorf("channel: persisting finalized override: %v", err)
		return
	}
	_ = c.send(ctx, c.channelUpdate())
}

// handlePeerLcss reconciles a peer-sent LastCrossSignedState: if their
// update counters are ahead of ours, their view wins (catch-up), per
// invariant 3.
func (c *Channel) handlePeerLcss(ctx context.Context, m *hcwire.LastCrossSignedStateMsg) {
	peerView := lcss.FromWire(m)
	if err := lcss.VerifyBothSigs(c.nodeKey.PubKey(), c.peerKey, peerView.Mirror()); err != nil {
		log.Warnf("channel: peer LastCrossSignedState failed verification: %v", err)
		return
	}

	if c.record.LCSS == nil || peerView.UpdateCount() > c.record.LCSS.UpdateCount() {
		mirrored := peerView.Mirror()
		c.record.LCSS = mirrored
		c.sm = statemanager.New(mirrored)
		if err := c.persist(); err != nil {
			log.Errorf("channel: persisting caught-up LCSS: %v", err)
			return
		}
	}

	if c.record.LCSS != nil {
		_ = c.send(ctx, c.record.LCSS.ToWire())
	}
	_ = c.send(ctx, c.channelUpdate())

	if c.scheduleInspect != nil {
		c.scheduleInspect(ctx)
	}
}

func (c *Channel) handleFulfill(ctx context.Context, m *hcwire.UpdateFulfillHtlc) {
	var matched *hcwire.UpdateAddHtlc
	for _, h := range c.record.LCSS.OutgoingHtlcs {
		if h.ID == m.ID {
			matched = h
			break
		}
	}
	if matched == nil {
		return
	}
	if sha256.Sum256(m.PaymentPreimage[:]) != matched.PaymentHash {
		return
	}

	c.resolvePromise(m.ID, PaymentStatus{Success: true, Preimage: m.PaymentPreimage})
	c.sm.AddUncommittedUpdate(&statemanager.Update{
		Origin: statemanager.FromRemote, Kind: statemanager.KindFulfill,
		HtlcID: m.ID, Preimage: m.PaymentPreimage,
	})
}

func (c *Channel) handleFail(ctx context.Context, m *hcwire.UpdateFailHtlc) {
	if len(m.Reason) == 0 {
		c.recordLocalError(hcwire.ErrCodeWrongRemoteSig, &m.ID, "empty UpdateFailHtlc reason")
		_ = c.persist()
		return
	}
	c.sm.AddUncommittedUpdate(&statemanager.Update{
		Origin: statemanager.FromRemote, Kind: statemanager.KindFail,
		HtlcID: m.ID, FailReason: m.Reason,
	})
}

func (c *Channel) handleFailMalformed(ctx context.Context, m *hcwire.UpdateFailMalformedHtlc) {
	c.sm.AddUncommittedUpdate(&statemanager.Update{
		Origin: statemanager.FromRemote, Kind: statemanager.KindFailMalformed,
		HtlcID: m.ID, FailMalformedSha: m.Sha256OfOnion, FailMalformedCode: m.FailureCode,
	})
}

// acceptRemoteAdd implements §4.2.4: peel the onion, classify the result
// as a critical failure (suspend), a per-htlc failure, or success.
func (c *Channel) acceptRemoteAdd(ctx context.Context, m *hcwire.UpdateAddHtlc) {
	update := &statemanager.Update{Origin: statemanager.FromRemote, Kind: statemanager.KindAdd, Add: m}
	c.sm.AddUncommittedUpdate(update)

	next, err := c.sm.LCSSNext()
	if err != nil {
		c.suspend(ctx, hcwire.ErrCodeManualSuspend, &m.ID, "next lcss balance would go negative")
		c.sm.RemoveUncommittedUpdates([]*statemanager.Update{update})
		return
	}

	if uint16(len(next.IncomingHtlcs)) > next.InitHostedChannel.MaxAcceptedHtlcs {
		c.sm.RemoveUncommittedUpdates([]*statemanager.Update{update})
		c.suspend(ctx, hcwire.ErrCodeManualSuspend, &m.ID, "too many incoming htlcs")
		return
	}
	var totalIncoming hcwire.MilliSatoshi
	for _, h := range next.IncomingHtlcs {
		totalIncoming += h.AmountMsat
	}
	if totalIncoming > next.InitHostedChannel.MaxHtlcValueInFlightMsat {
		c.sm.RemoveUncommittedUpdates([]*statemanager.Update{update})
		c.suspend(ctx, hcwire.ErrCodeManualSuspend, &m.ID, "incoming value in flight exceeds max")
		return
	}

	if m.AmountMsat < next.InitHostedChannel.HtlcMinimumMsat {
		c.failOne(ctx, m.ID, hcwire.NormalFailureMessage(hcwire.CodeTemporaryChannelFailure), update)
		return
	}

	peeled, err := c.peel.Peel(m.OnionRoutingPacket, m.PaymentHash, m.CltvExpiry)
	if err != nil {
		c.sm.RemoveUncommittedUpdates([]*statemanager.Update{update})
		c.suspend(ctx, hcwire.ErrCodeManualSuspend, &m.ID, "onion unparseable")
		return
	}

	if peeled.IsFinalHop {
		c.failOne(ctx, m.ID, hcwire.NormalFailureMessage(hcwire.CodeTemporaryNodeFailure), update)
		return
	}

	if m.AmountMsat < peeled.ForwardAmount {
		c.sm.RemoveUncommittedUpdates([]*statemanager.Update{update})
		c.suspend(ctx, hcwire.ErrCodeManualSuspend, &m.ID, "negative fee")
		return
	}

	// Accepted: left in uncommitted, forward scheduled at commit time.
}

func (c *Channel) failOne(ctx context.Context, htlcID uint64, failure *hcwire.FailureMessage, toRemove *statemanager.Update) {
	c.sm.RemoveUncommittedUpdates([]*statemanager.Update{toRemove})
	_ = c.send(ctx, &hcwire.UpdateFailHtlc{ChanID: c.chanID(), ID: htlcID, Reason: onion.NewFailureReason(failure)})
}

func (c *Channel) suspend(ctx context.Context, code string, htlcID *uint64, reason string) {
	c.recordLocalError(code, htlcID, reason)
	c.record.Suspended = true
	_ = c.persist()
	_ = c.send(ctx, &hcwire.Error{ChanID: c.chanID(), Data: []byte(code)})
}

// handleCommit implements §4.2.5: verify preconditions, atomically
// commit, walk the just-committed updates, send our own StateUpdate.
func (c *Channel) handleCommit(ctx context.Context, m *hcwire.StateUpdate) {
	next, err := c.sm.LCSSNext()
	if err != nil {
		log.Warnf("channel: commit: computing lcssNext: %v", err)
		return
	}

	if m.BlockDay != c.blockDay() {
		log.Debugf("channel: commit: blockDay mismatch, ignoring")
		return
	}
	if m.LocalUpdates != next.RemoteUpdates || m.RemoteUpdates != next.LocalUpdates {
		log.Debugf("channel: commit: update counters don't match lcssNext yet")
		return
	}

	mirrored := next.Mirror()
	mirrored.LocalSigOfRemote = m.LocalSigOfRemoteLCSS
	if err := lcss.VerifyMirrorSig(c.peerKey, mirrored, mirrored.LocalSigOfRemote); err != nil {
		c.recordLocalError(hcwire.ErrCodeWrongRemoteSig, nil, "commit signature invalid")
		_ = c.persist()
		_ = c.send(ctx, &hcwire.Error{ChanID: c.chanID(), Data: []byte(hcwire.ErrCodeWrongRemoteSig)})
		return
	}
	next.RemoteSigOfLocal = m.LocalSigOfRemoteLCSS
	sig, err := lcss.SignAsMirror(c.nodeKey, next)
	if err != nil {
		log.Errorf("channel: commit: signing next lcss: %v", err)
		return
	}
	next.LocalSigOfRemote = sig

	prev := c.record.LCSS
	committed := c.sm.Uncommitted()

	c.record.LCSS = next
	c.sm.SetCommitted(next)
	if err := c.persist(); err != nil {
		log.Errorf("channel: commit: persisting: %v", err)
		return
	}

	if c.forwards != nil && prev != nil {
		for _, h := range prev.OutgoingHtlcs {
			if !containsHtlc(next.OutgoingHtlcs, h.ID) {
				c.forwards.Delete(statemanager.HtlcIdentifier{Scid: c.Scid(), HtlcID: h.ID})
			}
		}
	}

	for _, u := range committed {
		c.actOnCommittedUpdate(ctx, u)
	}

	c.sendStateUpdate(ctx)
	c.sm.RemoveUncommittedUpdates(committed)
}

func containsHtlc(list []*hcwire.UpdateAddHtlc, id uint64) bool {
	for _, h := range list {
		if h.ID == id {
			return true
		}
	}
	return false
}

func (c *Channel) actOnCommittedUpdate(ctx context.Context, u *statemanager.Update) {
	switch {
	case u.Origin == statemanager.FromRemote && u.Kind == statemanager.KindFail:
		c.resolvePromise(u.HtlcID, PaymentStatus{Failure: &hcwire.FailureMessage{Data: u.FailReason}})

	case u.Origin == statemanager.FromRemote && u.Kind == statemanager.KindFailMalformed:
		c.resolvePromise(u.HtlcID, PaymentStatus{Failure: hcwire.NormalFailureMessage(hcwire.CodeInvalidOnionPayload)})

	case u.Origin == statemanager.FromRemote && u.Kind == statemanager.KindFulfill:
		// already resolved eagerly on receipt

	case u.Origin == statemanager.FromRemote && u.Kind == statemanager.KindAdd:
		c.forwardCommittedAdd(ctx, u.Add)

	case u.Origin == statemanager.FromLocal && u.Kind == statemanager.KindAdd && u.ForwardedFrom != nil:
		if c.forwards != nil {
			c.forwards.Put(*u.ForwardedFrom, statemanager.HtlcIdentifier{Scid: c.Scid(), HtlcID: u.Add.ID})
		}
	}
}

func (c *Channel) forwardCommittedAdd(ctx context.Context, add *hcwire.UpdateAddHtlc) {
	peeled, err := c.peel.Peel(add.OnionRoutingPacket, add.PaymentHash, add.CltvExpiry)
	if err != nil || peeled.IsFinalHop {
		return
	}

	incoming := statemanager.HtlcIdentifier{Scid: c.Scid(), HtlcID: add.ID}

	if c.sibling != nil {
		if target := c.sibling(peeled.NextScid); target != nil {
			target.AddHtlc(ctx, &incoming, add.AmountMsat, peeled.ForwardAmount, add.PaymentHash,
				peeled.OutgoingCltv, peeled.NextOnion, func(status PaymentStatus) {
					c.RelayResult(ctx, add.ID, status)
				})
			return
		}
	}

	outgoing := statemanager.HtlcIdentifier{Scid: peeled.NextScid, HtlcID: add.ID}
	if c.forwards != nil {
		c.forwards.Put(incoming, outgoing)
		c.forwards.PutSecret(outgoing, peeled.SharedSecret)
	}
	_ = c.node.SendOnion(ctx, peeled.NextScid, add.ID, peeled.ForwardAmount, add.PaymentHash,
		peeled.OutgoingCltv, peeled.NextOnion)
}

// OnBlockUpdated advances the channel's block clock and handles timed-out
// HTLCs, per spec.md §4.2's onBlockUpdated contract.
func (c *Channel) OnBlockUpdated(ctx context.Context, block uint32) {
	c.currentBlock = block
	c.currentBlockDay = c.blockDay()

	if c.record.LCSS != nil {
		for _, h := range c.record.LCSS.OutgoingHtlcs {
			if h.CltvExpiry < block {
				htlcID := h.ID
				c.recordLocalError(hcwire.ErrCodeTimedOutOutgoingHtlc, &htlcID, "outgoing htlc expired")
				c.resolvePromise(h.ID, PaymentStatus{Failure: hcwire.NormalFailureMessage(hcwire.CodePermanentChannelFailure)})
			}
		}
		if len(c.record.LocalErrors) > 0 {
			_ = c.persist()
			_ = c.send(ctx, &hcwire.Error{ChanID: c.chanID(), Data: []byte(hcwire.ErrCodeTimedOutOutgoingHtlc)})
		}
	}

	if c.sm == nil {
		return
	}
	var toPrune []*statemanager.Update
	for _, u := range c.sm.Uncommitted() {
		if u.Origin == statemanager.FromLocal && u.Kind == statemanager.KindAdd {
			if u.Add.CltvExpiry < block+c.cfg.CltvExpiryDelta {
				toPrune = append(toPrune, u)
			}
		}
	}
	if len(toPrune) > 0 {
		c.sm.RemoveUncommittedUpdates(toPrune)
		for _, u := range toPrune {
			c.resolvePromise(u.Add.ID, PaymentStatus{Failure: hcwire.NormalFailureMessage(hcwire.CodeIncorrectOrUnknownPaymentDetails)})
		}
	}
}

func blockDayDiff(a, b uint32) uint32 {
	if a > b {
		return a - b
	}
	return b - a
}

type statusError struct{ status Status }

func (e *statusError) Error() string { return "channel: invalid operation for status " + e.status.String() }

func errStatus(s Status) error { return &statusError{status: s} }
