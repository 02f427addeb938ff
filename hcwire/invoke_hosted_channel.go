package hcwire

import "io"

// InvokeHostedChannel is sent by a client to request that the receiving
// host open (or resync) a hosted channel on its behalf.
type InvokeHostedChannel struct {
	ChainHash          ChainHash
	RefundScriptPubKey []byte
	Secret             []byte
}

func (m *InvokeHostedChannel) Tag() Tag { return TagInvokeHostedChannel }

func (m *InvokeHostedChannel) Encode(w io.Writer) error {
	if _, err := w.Write(m.ChainHash[:]); err != nil {
		return err
	}
	if err := writeVarBytes(w, m.RefundScriptPubKey); err != nil {
		return err
	}
	return writeVarBytes(w, m.Secret)
}

func (m *InvokeHostedChannel) Decode(r io.Reader) error {
	hash, err := readFixed(r, 32)
	if err != nil {
		return err
	}
	copy(m.ChainHash[:], hash)

	m.RefundScriptPubKey, err = readVarBytes(r, 1024)
	if err != nil {
		return err
	}
	m.Secret, err = readVarBytes(r, 1024)
	return err
}

// InitHostedChannel is the host's reply establishing the static channel
// parameters for a newly invoked hosted channel.
type InitHostedChannel struct {
	MaxHtlcValueInFlightMsat MilliSatoshi
	HtlcMinimumMsat          MilliSatoshi
	MaxAcceptedHtlcs         uint16
	ChannelCapacityMsat      MilliSatoshi
	InitialClientBalanceMsat MilliSatoshi
}

func (m *InitHostedChannel) Tag() Tag { return TagInitHostedChannel }

func (m *InitHostedChannel) Encode(w io.Writer) error {
	for _, f := range []func() error{
		func() error { return writeUint64(w, uint64(m.MaxHtlcValueInFlightMsat)) },
		func() error { return writeUint64(w, uint64(m.HtlcMinimumMsat)) },
		func() error { return writeUint16(w, m.MaxAcceptedHtlcs) },
		func() error { return writeUint64(w, uint64(m.ChannelCapacityMsat)) },
		func() error { return writeUint64(w, uint64(m.InitialClientBalanceMsat)) },
	} {
		if err := f(); err != nil {
			return err
		}
	}
	return nil
}

func (m *InitHostedChannel) Decode(r io.Reader) error {
	v, err := readUint64(r)
	if err != nil {
		return err
	}
	m.MaxHtlcValueInFlightMsat = MilliSatoshi(v)

	v, err = readUint64(r)
	if err != nil {
		return err
	}
	m.HtlcMinimumMsat = MilliSatoshi(v)

	m.MaxAcceptedHtlcs, err = readUint16(r)
	if err != nil {
		return err
	}

	v, err = readUint64(r)
	if err != nil {
		return err
	}
	m.ChannelCapacityMsat = MilliSatoshi(v)

	v, err = readUint64(r)
	if err != nil {
		return err
	}
	m.InitialClientBalanceMsat = MilliSatoshi(v)
	return nil
}
