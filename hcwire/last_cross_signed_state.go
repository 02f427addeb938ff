package hcwire

import "io"

// LastCrossSignedStateMsg is the wire encoding of a LastCrossSignedState
// snapshot. The hcwire type carries only raw fields; package lcss wraps it
// with mirroring, canonical-digest, and signature semantics.
type LastCrossSignedStateMsg struct {
	IsHost                   bool
	RefundScriptPubKey       []byte
	InitHostedChannel        InitHostedChannel
	BlockDay                 uint32
	LocalBalanceMsat         MilliSatoshi
	RemoteBalanceMsat        MilliSatoshi
	LocalUpdates             uint32
	RemoteUpdates            uint32
	IncomingHtlcs            []*UpdateAddHtlc
	OutgoingHtlcs            []*UpdateAddHtlc
	LocalSigOfRemote         [64]byte
	RemoteSigOfLocal         [64]byte
}

func (m *LastCrossSignedStateMsg) Tag() Tag { return TagLastCrossSignedState }

func writeHtlcList(w io.Writer, htlcs []*UpdateAddHtlc) error {
	if err := writeUint16(w, uint16(len(htlcs))); err != nil {
		return err
	}
	for _, h := range htlcs {
		if err := h.Encode(w); err != nil {
			return err
		}
	}
	return nil
}

func readHtlcList(r io.Reader) ([]*UpdateAddHtlc, error) {
	count, err := readUint16(r)
	if err != nil {
		return nil, err
	}
	htlcs := make([]*UpdateAddHtlc, 0, count)
	for i := 0; i < int(count); i++ {
		h := &UpdateAddHtlc{}
		if err := h.Decode(r); err != nil {
			return nil, err
		}
		htlcs = append(htlcs, h)
	}
	return htlcs, nil
}

func (m *LastCrossSignedStateMsg) Encode(w io.Writer) error {
	var isHost uint8
	if m.IsHost {
		isHost = 1
	}
	if err := writeUint8(w, isHost); err != nil {
		return err
	}
	if err := writeVarBytes(w, m.RefundScriptPubKey); err != nil {
		return err
	}
	if err := m.InitHostedChannel.Encode(w); err != nil {
		return err
	}
	if err := writeUint32(w, m.BlockDay); err != nil {
		return err
	}
	if err := writeUint64(w, uint64(m.LocalBalanceMsat)); err != nil {
		return err
	}
	if err := writeUint64(w, uint64(m.RemoteBalanceMsat)); err != nil {
		return err
	}
	if err := writeUint32(w, m.LocalUpdates); err != nil {
		return err
	}
	if err := writeUint32(w, m.RemoteUpdates); err != nil {
		return err
	}
	if err := writeHtlcList(w, m.IncomingHtlcs); err != nil {
		return err
	}
	if err := writeHtlcList(w, m.OutgoingHtlcs); err != nil {
		return err
	}
	if _, err := w.Write(m.LocalSigOfRemote[:]); err != nil {
		return err
	}
	_, err := w.Write(m.RemoteSigOfLocal[:])
	return err
}

func (m *LastCrossSignedStateMsg) Decode(r io.Reader) error {
	isHost, err := readUint8(r)
	if err != nil {
		return err
	}
	m.IsHost = isHost != 0

	m.RefundScriptPubKey, err = readVarBytes(r, 1024)
	if err != nil {
		return err
	}
	if err := m.InitHostedChannel.Decode(r); err != nil {
		return err
	}
	if m.BlockDay, err = readUint32(r); err != nil {
		return err
	}
	v, err := readUint64(r)
	if err != nil {
		return err
	}
	m.LocalBalanceMsat = MilliSatoshi(v)

	v, err = readUint64(r)
	if err != nil {
		return err
	}
	m.RemoteBalanceMsat = MilliSatoshi(v)

	if m.LocalUpdates, err = readUint32(r); err != nil {
		return err
	}
	if m.RemoteUpdates, err = readUint32(r); err != nil {
		return err
	}
	if m.IncomingHtlcs, err = readHtlcList(r); err != nil {
		return err
	}
	if m.OutgoingHtlcs, err = readHtlcList(r); err != nil {
		return err
	}
	sig, err := readFixed(r, 64)
	if err != nil {
		return err
	}
	copy(m.LocalSigOfRemote[:], sig)

	sig, err = readFixed(r, 64)
	if err != nil {
		return err
	}
	copy(m.RemoteSigOfLocal[:], sig)
	return nil
}
