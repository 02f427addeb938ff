package hcwire

import "io"

// OnionPacketSize is the fixed size of a Sphinx onion routing packet:
// 1 version byte + 33-byte ephemeral key + 1300 bytes of hop payloads +
// 32-byte HMAC.
const OnionPacketSize = 1 + 33 + 1300 + 32

// UpdateAddHtlc both travels on the wire as a message and is stored
// verbatim inside a LastCrossSignedState's incoming/outgoing htlc lists,
// matching the spec's "ordered lists of UpdateAddHtlc".
type UpdateAddHtlc struct {
	ChanID              ChannelID
	ID                  uint64
	AmountMsat          MilliSatoshi
	PaymentHash         [32]byte
	CltvExpiry          uint32
	OnionRoutingPacket  [OnionPacketSize]byte
}

func (m *UpdateAddHtlc) Tag() Tag { return TagUpdateAddHtlc }

func (m *UpdateAddHtlc) Encode(w io.Writer) error {
	if _, err := w.Write(m.ChanID[:]); err != nil {
		return err
	}
	if err := writeUint64(w, m.ID); err != nil {
		return err
	}
	if err := writeUint64(w, uint64(m.AmountMsat)); err != nil {
		return err
	}
	if _, err := w.Write(m.PaymentHash[:]); err != nil {
		return err
	}
	if err := writeUint32(w, m.CltvExpiry); err != nil {
		return err
	}
	_, err := w.Write(m.OnionRoutingPacket[:])
	return err
}

func (m *UpdateAddHtlc) Decode(r io.Reader) error {
	chanID, err := readFixed(r, 32)
	if err != nil {
		return err
	}
	copy(m.ChanID[:], chanID)

	if m.ID, err = readUint64(r); err != nil {
		return err
	}
	v, err := readUint64(r)
	if err != nil {
		return err
	}
	m.AmountMsat = MilliSatoshi(v)

	hash, err := readFixed(r, 32)
	if err != nil {
		return err
	}
	copy(m.PaymentHash[:], hash)

	if m.CltvExpiry, err = readUint32(r); err != nil {
		return err
	}
	onion, err := readFixed(r, OnionPacketSize)
	if err != nil {
		return err
	}
	copy(m.OnionRoutingPacket[:], onion)
	return nil
}

// Clone returns a deep copy, used when relaying an add between a hosted
// leg and an upstream/second hosted leg with a rewritten id.
func (m *UpdateAddHtlc) Clone() *UpdateAddHtlc {
	c := *m
	return &c
}

// UpdateFulfillHtlc settles a previously added HTLC by revealing its
// preimage.
type UpdateFulfillHtlc struct {
	ChanID          ChannelID
	ID              uint64
	PaymentPreimage [32]byte
}

func (m *UpdateFulfillHtlc) Tag() Tag { return TagUpdateFulfillHtlc }

func (m *UpdateFulfillHtlc) Encode(w io.Writer) error {
	if _, err := w.Write(m.ChanID[:]); err != nil {
		return err
	}
	if err := writeUint64(w, m.ID); err != nil {
		return err
	}
	_, err := w.Write(m.PaymentPreimage[:])
	return err
}

func (m *UpdateFulfillHtlc) Decode(r io.Reader) error {
	chanID, err := readFixed(r, 32)
	if err != nil {
		return err
	}
	copy(m.ChanID[:], chanID)

	if m.ID, err = readUint64(r); err != nil {
		return err
	}
	preimage, err := readFixed(r, 32)
	if err != nil {
		return err
	}
	copy(m.PaymentPreimage[:], preimage)
	return nil
}

// UpdateFailHtlc fails a previously added HTLC, carrying an opaque
// (possibly onion-wrapped) failure reason.
type UpdateFailHtlc struct {
	ChanID ChannelID
	ID     uint64
	Reason []byte
}

func (m *UpdateFailHtlc) Tag() Tag { return TagUpdateFailHtlc }

func (m *UpdateFailHtlc) Encode(w io.Writer) error {
	if _, err := w.Write(m.ChanID[:]); err != nil {
		return err
	}
	if err := writeUint64(w, m.ID); err != nil {
		return err
	}
	return writeVarBytes(w, m.Reason)
}

func (m *UpdateFailHtlc) Decode(r io.Reader) error {
	chanID, err := readFixed(r, 32)
	if err != nil {
		return err
	}
	copy(m.ChanID[:], chanID)

	if m.ID, err = readUint64(r); err != nil {
		return err
	}
	m.Reason, err = readVarBytes(r, MaxMessagePayload)
	return err
}

// UpdateFailMalformedHtlc fails an HTLC whose onion this hop could not
// even parse, so no encrypted failure reason can be produced.
type UpdateFailMalformedHtlc struct {
	ChanID        ChannelID
	ID            uint64
	Sha256OfOnion [32]byte
	FailureCode   uint16
}

func (m *UpdateFailMalformedHtlc) Tag() Tag { return TagUpdateFailMalformedHtlc }

func (m *UpdateFailMalformedHtlc) Encode(w io.Writer) error {
	if _, err := w.Write(m.ChanID[:]); err != nil {
		return err
	}
	if err := writeUint64(w, m.ID); err != nil {
		return err
	}
	if _, err := w.Write(m.Sha256OfOnion[:]); err != nil {
		return err
	}
	return writeUint16(w, m.FailureCode)
}

func (m *UpdateFailMalformedHtlc) Decode(r io.Reader) error {
	chanID, err := readFixed(r, 32)
	if err != nil {
		return err
	}
	copy(m.ChanID[:], chanID)

	if m.ID, err = readUint64(r); err != nil {
		return err
	}
	onionHash, err := readFixed(r, 32)
	if err != nil {
		return err
	}
	copy(m.Sha256OfOnion[:], onionHash)

	m.FailureCode, err = readUint16(r)
	return err
}
