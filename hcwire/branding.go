package hcwire

import "io"

// AskBrandingInfo is sent empty (ChanID only) by a client to request a
// host's branding, and echoed back filled in by the host. Reusing one
// message type for both directions keeps the tag table small, matching
// bLIP-0017.
type AskBrandingInfo struct {
	ChanID      ChannelID
	Message     string
	ContactInfo string
	Color       string
	Pixels      []byte
}

func (m *AskBrandingInfo) Tag() Tag { return TagAskBrandingInfo }

func (m *AskBrandingInfo) Encode(w io.Writer) error {
	if _, err := w.Write(m.ChanID[:]); err != nil {
		return err
	}
	if err := writeVarBytes(w, []byte(m.Message)); err != nil {
		return err
	}
	if err := writeVarBytes(w, []byte(m.ContactInfo)); err != nil {
		return err
	}
	if err := writeVarBytes(w, []byte(m.Color)); err != nil {
		return err
	}
	return writeVarBytes(w, m.Pixels)
}

func (m *AskBrandingInfo) Decode(r io.Reader) error {
	chanID, err := readFixed(r, 32)
	if err != nil {
		return err
	}
	copy(m.ChanID[:], chanID)

	msg, err := readVarBytes(r, 1024)
	if err != nil {
		return err
	}
	m.Message = string(msg)

	contact, err := readVarBytes(r, 1024)
	if err != nil {
		return err
	}
	m.ContactInfo = string(contact)

	color, err := readVarBytes(r, 32)
	if err != nil {
		return err
	}
	m.Color = string(color)

	m.Pixels, err = readVarBytes(r, MaxMessagePayload)
	return err
}

// ChannelUpdate announces the routing parameters of a freshly (re)opened
// hosted channel directly to the counterparty -- hosted channels have no
// gossip network, so this is sent peer-to-peer rather than broadcast.
type ChannelUpdate struct {
	ChainHash                 ChainHash
	ShortChannelID            ShortChannelID
	Timestamp                 uint32
	CltvExpiryDelta           uint16
	HtlcMinimumMsat           MilliSatoshi
	FeeBaseMsat               uint32
	FeeProportionalMillionths uint32
	HtlcMaximumMsat           MilliSatoshi
	Signature                 [64]byte
}

func (m *ChannelUpdate) Tag() Tag { return TagChannelUpdate }

func (m *ChannelUpdate) Encode(w io.Writer) error {
	if _, err := w.Write(m.ChainHash[:]); err != nil {
		return err
	}
	if err := writeUint64(w, uint64(m.ShortChannelID)); err != nil {
		return err
	}
	if err := writeUint32(w, m.Timestamp); err != nil {
		return err
	}
	if err := writeUint16(w, m.CltvExpiryDelta); err != nil {
		return err
	}
	if err := writeUint64(w, uint64(m.HtlcMinimumMsat)); err != nil {
		return err
	}
	if err := writeUint32(w, m.FeeBaseMsat); err != nil {
		return err
	}
	if err := writeUint32(w, m.FeeProportionalMillionths); err != nil {
		return err
	}
	if err := writeUint64(w, uint64(m.HtlcMaximumMsat)); err != nil {
		return err
	}
	_, err := w.Write(m.Signature[:])
	return err
}

func (m *ChannelUpdate) Decode(r io.Reader) error {
	hash, err := readFixed(r, 32)
	if err != nil {
		return err
	}
	copy(m.ChainHash[:], hash)

	scid, err := readUint64(r)
	if err != nil {
		return err
	}
	m.ShortChannelID = ShortChannelID(scid)

	if m.Timestamp, err = readUint32(r); err != nil {
		return err
	}
	if m.CltvExpiryDelta, err = readUint16(r); err != nil {
		return err
	}
	v, err := readUint64(r)
	if err != nil {
		return err
	}
	m.HtlcMinimumMsat = MilliSatoshi(v)

	if m.FeeBaseMsat, err = readUint32(r); err != nil {
		return err
	}
	if m.FeeProportionalMillionths, err = readUint32(r); err != nil {
		return err
	}
	v, err = readUint64(r)
	if err != nil {
		return err
	}
	m.HtlcMaximumMsat = MilliSatoshi(v)

	sig, err := readFixed(r, 64)
	if err != nil {
		return err
	}
	copy(m.Signature[:], sig)
	return nil
}
