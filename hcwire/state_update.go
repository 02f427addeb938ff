package hcwire

import "io"

// StateUpdate is exchanged to commit a new LCSS: each side signs the
// mirrored view of the state it believes is next and reports the update
// counters it used to compute it.
type StateUpdate struct {
	BlockDay              uint32
	LocalUpdates          uint32
	RemoteUpdates         uint32
	LocalSigOfRemoteLCSS  [64]byte
}

func (m *StateUpdate) Tag() Tag { return TagStateUpdate }

func (m *StateUpdate) Encode(w io.Writer) error {
	if err := writeUint32(w, m.BlockDay); err != nil {
		return err
	}
	if err := writeUint32(w, m.LocalUpdates); err != nil {
		return err
	}
	if err := writeUint32(w, m.RemoteUpdates); err != nil {
		return err
	}
	_, err := w.Write(m.LocalSigOfRemoteLCSS[:])
	return err
}

func (m *StateUpdate) Decode(r io.Reader) error {
	var err error
	if m.BlockDay, err = readUint32(r); err != nil {
		return err
	}
	if m.LocalUpdates, err = readUint32(r); err != nil {
		return err
	}
	if m.RemoteUpdates, err = readUint32(r); err != nil {
		return err
	}
	sig, err := readFixed(r, 64)
	if err != nil {
		return err
	}
	copy(m.LocalSigOfRemoteLCSS[:], sig)
	return nil
}

// StateOverride is proposed by the host to reset a channel to a fresh
// balance split after an error, bypassing the normal add/fulfill/fail
// update sequence.
type StateOverride struct {
	BlockDay              uint32
	LocalUpdates          uint32
	RemoteUpdates         uint32
	LocalBalanceMsat      MilliSatoshi
	RemoteBalanceMsat     MilliSatoshi
	LocalSigOfRemoteLCSS  [64]byte
}

func (m *StateOverride) Tag() Tag { return TagStateOverride }

func (m *StateOverride) Encode(w io.Writer) error {
	if err := writeUint32(w, m.BlockDay); err != nil {
		return err
	}
	if err := writeUint32(w, m.LocalUpdates); err != nil {
		return err
	}
	if err := writeUint32(w, m.RemoteUpdates); err != nil {
		return err
	}
	if err := writeUint64(w, uint64(m.LocalBalanceMsat)); err != nil {
		return err
	}
	if err := writeUint64(w, uint64(m.RemoteBalanceMsat)); err != nil {
		return err
	}
	_, err := w.Write(m.LocalSigOfRemoteLCSS[:])
	return err
}

func (m *StateOverride) Decode(r io.Reader) error {
	var err error
	if m.BlockDay, err = readUint32(r); err != nil {
		return err
	}
	if m.LocalUpdates, err = readUint32(r); err != nil {
		return err
	}
	if m.RemoteUpdates, err = readUint32(r); err != nil {
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

	sig, err := readFixed(r, 64)
	if err != nil {
		return err
	}
	copy(m.LocalSigOfRemoteLCSS[:], sig)
	return nil
}
