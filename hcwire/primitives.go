// Package hcwire implements the hosted-channel wire messages (bLIP-0017)
// and the shared framing used to put them on a custom-message transport:
// tag (u16 BE) || length (u16 BE) || payload.
package hcwire

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// MilliSatoshi represents a thousandth of a satoshi, the base unit used for
// balances and HTLC amounts throughout the hosted-channel protocol. Kept as
// a distinct type (mirroring lnwire.MilliSatoshi) rather than a bare
// uint64 so call sites can't accidentally mix satoshis and msat.
type MilliSatoshi uint64

// ChainHash identifies the network a hosted channel was opened against.
type ChainHash = chainhash.Hash

// ChannelID is the channel id: the XOR of the two parties' sorted node
// public keys.
type ChannelID [32]byte

// DeriveChannelID computes the channel id from two 33-byte compressed
// public keys, independent of argument order.
func DeriveChannelID(a, b [33]byte) ChannelID {
	lo, hi := a, b
	if bytesGreater(lo[:], hi[:]) {
		lo, hi = hi, lo
	}
	var id ChannelID
	copy(id[:], lo[:32])
	for i := 0; i < 32; i++ {
		id[i] ^= hi[i]
	}
	// The 33rd byte of each pubkey (the parity byte) folds into the
	// last byte of the 32-byte channel id, matching bLIP-0017 xor-of-
	// sorted-keys derivation truncated to 32 bytes.
	id[31] ^= lo[32] ^ hi[32]
	return id
}

func bytesGreater(a, b []byte) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] > b[i]
		}
	}
	return false
}

// ShortChannelID is the compact 8-byte identifier derived deterministically
// from the sorted pair of peer public keys (hosted channels have no funding
// transaction to anchor a block/tx/output-index SCID to).
type ShortChannelID uint64

// String renders the SCID as its plain decimal value; hosted-channel
// SCIDs don't correspond to real block/tx/output chain coordinates.
func (s ShortChannelID) String() string {
	return fmt.Sprintf("%d", uint64(s))
}

// DeriveShortChannelID folds a channel id down to a SCID by XORing its four
// 8-byte quarters, matching the convention used by the handful of deployed hosted-
// channel implementations this spec was distilled from.
func DeriveShortChannelID(id ChannelID) ShortChannelID {
	var v uint64
	for i := 0; i < 8; i++ {
		v = v<<8 | uint64(id[i]^id[i+8]^id[i+16]^id[i+24])
	}
	return ShortChannelID(v)
}

func writeUint8(w io.Writer, v uint8) error {
	_, err := w.Write([]byte{v})
	return err
}

func writeUint16(w io.Writer, v uint16) error {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	_, err := w.Write(b[:])
	return err
}

func writeUint32(w io.Writer, v uint32) error {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	_, err := w.Write(b[:])
	return err
}

func writeUint64(w io.Writer, v uint64) error {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	_, err := w.Write(b[:])
	return err
}

func writeVarBytes(w io.Writer, b []byte) error {
	if err := writeUint16(w, uint16(len(b))); err != nil {
		return err
	}
	_, err := w.Write(b)
	return err
}

func readUint8(r io.Reader) (uint8, error) {
	var b [1]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return b[0], nil
}

func readUint16(r io.Reader) (uint16, error) {
	var b [2]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b[:]), nil
}

func readUint32(r io.Reader) (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b[:]), nil
}

func readUint64(r io.Reader) (uint64, error) {
	var b [8]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b[:]), nil
}

func readVarBytes(r io.Reader, maxLen int) ([]byte, error) {
	l, err := readUint16(r)
	if err != nil {
		return nil, err
	}
	if int(l) > maxLen {
		return nil, fmt.Errorf("var-bytes field too long: %d > %d", l, maxLen)
	}
	buf := make([]byte, l)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func readFixed(r io.Reader, n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}
