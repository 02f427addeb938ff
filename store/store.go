// Package store persists ChannelRecords and the two small auxiliary
// maps (the in-flight HTLC forwarding table, and the released-but-
// uncommitted preimage cache) as flat JSON files under a data
// directory, per the on-disk layout in §6.3. Every write is a full
// write of one file: encode to a temp file in the same directory, fsync,
// then rename over the target, so a crash never leaves a half-written
// record.
package store

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/lnhosted/provider/hcwire"
	"github.com/lnhosted/provider/lcss"
	"github.com/lnhosted/provider/statemanager"
)

// DetailedError is a local error recorded against a channel: an error
// code (one of the ERR_HOSTED_* identifiers), the offending HTLC if any,
// and a free-text reason for logs.
type DetailedError struct {
	Code   string  `json:"code"`
	HtlcID *uint64 `json:"htlc_id,omitempty"`
	Reason string  `json:"reason"`
}

// ChannelRecord is the persistent state of one hosted channel, keyed by
// the remote peer's 33-byte compressed public key.
type ChannelRecord struct {
	PeerID [33]byte `json:"-"`

	LCSS             *lcss.LastCrossSignedState `json:"lcss,omitempty"`
	LocalErrors      []DetailedError            `json:"local_errors,omitempty"`
	RemoteErrors     []*hcwire.Error            `json:"remote_errors,omitempty"`
	Suspended        bool                       `json:"suspended"`
	ProposedOverride *lcss.LastCrossSignedState `json:"proposed_override,omitempty"`
	AcceptingResize  *uint64                    `json:"accepting_resize_sat,omitempty"`
}

// wireRecord is the on-disk shape: LCSS fields round-trip through
// hcwire's wire structs rather than lcss.LastCrossSignedState. Those
// structs carry no JSON tags, so their Go field names are the JSON keys.
type wireRecord struct {
	LCSS             *hcwire.LastCrossSignedStateMsg `json:"lcss,omitempty"`
	LocalErrors      []DetailedError                 `json:"local_errors,omitempty"`
	RemoteErrors     []*hcwire.Error                  `json:"remote_errors,omitempty"`
	Suspended        bool                             `json:"suspended"`
	ProposedOverride *hcwire.LastCrossSignedStateMsg  `json:"proposed_override,omitempty"`
	AcceptingResize  *uint64                          `json:"accepting_resize_sat,omitempty"`
}

func (r *ChannelRecord) toWire() *wireRecord {
	w := &wireRecord{
		LocalErrors:     r.LocalErrors,
		RemoteErrors:    r.RemoteErrors,
		Suspended:       r.Suspended,
		AcceptingResize: r.AcceptingResize,
	}
	if r.LCSS != nil {
		w.LCSS = r.LCSS.ToWire()
	}
	if r.ProposedOverride != nil {
		w.ProposedOverride = r.ProposedOverride.ToWire()
	}
	return w
}

func fromWire(peerID [33]byte, w *wireRecord) *ChannelRecord {
	r := &ChannelRecord{
		PeerID:          peerID,
		LocalErrors:     w.LocalErrors,
		RemoteErrors:    w.RemoteErrors,
		Suspended:       w.Suspended,
		AcceptingResize: w.AcceptingResize,
	}
	if w.LCSS != nil {
		r.LCSS = lcss.FromWire(w.LCSS)
	}
	if w.ProposedOverride != nil {
		r.ProposedOverride = lcss.FromWire(w.ProposedOverride)
	}
	return r
}

// htlcForwardEntry is one (incoming -> outgoing) forwarding-table row.
type htlcForwardEntry struct {
	In  statemanager.HtlcIdentifier `json:"in"`
	Out statemanager.HtlcIdentifier `json:"out"`
}

// preimageEntry is one recovered-but-uncommitted preimage row.
type preimageEntry struct {
	HashHex     string `json:"hash"`
	PreimageHex string `json:"preimage"`
}

// Store is the durable, crash-safe home for every channel record plus
// the forwarding table and preimage cache. It is safe for concurrent use.
type Store struct {
	dataDir string
	mu      sync.Mutex
}

// New opens (creating if necessary) a store rooted at dataDir.
func New(dataDir string) (*Store, error) {
	if err := os.MkdirAll(filepath.Join(dataDir, "channels"), 0o700); err != nil {
		return nil, fmt.Errorf("store: creating channels dir: %w", err)
	}
	return &Store{dataDir: dataDir}, nil
}

func (s *Store) channelPath(peerID [33]byte) string {
	return filepath.Join(s.dataDir, "channels", hex.EncodeToString(peerID[:])+".json")
}

func (s *Store) forwardsPath() string { return filepath.Join(s.dataDir, "htlc-forwards.json") }
func (s *Store) preimagesPath() string { return filepath.Join(s.dataDir, "preimages.json") }

// atomicWriteJSON encodes v and writes it to path via a temp file in the
// same directory followed by an fsync'd rename, so a crash mid-write
// never leaves a torn file.
func atomicWriteJSON(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("store: marshal: %w", err)
	}
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("store: create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("store: write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("store: fsync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("store: close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("store: rename into place: %w", err)
	}
	return nil
}

// LoadChannel reads the record for peerID, returning (nil, nil) if none
// exists yet.
func (s *Store) LoadChannel(peerID [33]byte) (*ChannelRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.channelPath(peerID))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: reading channel record: %w", err)
	}
	var w wireRecord
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("store: unmarshal channel record: %w", err)
	}
	return fromWire(peerID, &w), nil
}

// SaveChannel atomically (re)writes the record for record.PeerID. Callers
// are responsible for only calling this when the record's value actually
// changed -- the store never batches or partially persists a record.
func (s *Store) SaveChannel(record *ChannelRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return atomicWriteJSON(s.channelPath(record.PeerID), record.toWire())
}

// LoadAllChannels enumerates every persisted channel record. Used at
// startup to rebuild the in-memory channel collection.
func (s *Store) LoadAllChannels() ([]*ChannelRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	dir := filepath.Join(s.dataDir, "channels")
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("store: listing channels dir: %w", err)
	}

	var out []*ChannelRecord
	for _, ent := range entries {
		name := ent.Name()
		if ent.IsDir() || filepath.Ext(name) != ".json" {
			continue
		}
		hexID := name[:len(name)-len(".json")]
		raw, err := hex.DecodeString(hexID)
		if err != nil || len(raw) != 33 {
			continue
		}
		var peerID [33]byte
		copy(peerID[:], raw)

		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("store: reading %s: %w", name, err)
		}
		var w wireRecord
		if err := json.Unmarshal(data, &w); err != nil {
			return nil, fmt.Errorf("store: unmarshal %s: %w", name, err)
		}
		out = append(out, fromWire(peerID, &w))
	}
	return out, nil
}

// LoadHtlcForwards reads the persisted in-flight forwarding table,
// returning an empty map if the file does not exist yet.
func (s *Store) LoadHtlcForwards() (map[statemanager.HtlcIdentifier]statemanager.HtlcIdentifier, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.forwardsPath())
	if os.IsNotExist(err) {
		return map[statemanager.HtlcIdentifier]statemanager.HtlcIdentifier{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: reading htlc-forwards.json: %w", err)
	}
	var entries []htlcForwardEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("store: unmarshal htlc-forwards.json: %w", err)
	}
	out := make(map[statemanager.HtlcIdentifier]statemanager.HtlcIdentifier, len(entries))
	for _, e := range entries {
		out[e.In] = e.Out
	}
	return out, nil
}

// SaveHtlcForwards atomically rewrites the whole forwarding table.
func (s *Store) SaveHtlcForwards(table map[statemanager.HtlcIdentifier]statemanager.HtlcIdentifier) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := make([]htlcForwardEntry, 0, len(table))
	for in, out := range table {
		entries = append(entries, htlcForwardEntry{In: in, Out: out})
	}
	return atomicWriteJSON(s.forwardsPath(), entries)
}

// LoadPreimages reads the persisted preimage cache, returning an empty
// map if the file does not exist yet.
func (s *Store) LoadPreimages() (map[[32]byte][32]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.preimagesPath())
	if os.IsNotExist(err) {
		return map[[32]byte][32]byte{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: reading preimages.json: %w", err)
	}
	var entries []preimageEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("store: unmarshal preimages.json: %w", err)
	}
	out := make(map[[32]byte][32]byte, len(entries))
	for _, e := range entries {
		hash, err := hex.DecodeString(e.HashHex)
		if err != nil || len(hash) != 32 {
			return nil, fmt.Errorf("store: bad preimage hash entry %q", e.HashHex)
		}
		preimage, err := hex.DecodeString(e.PreimageHex)
		if err != nil || len(preimage) != 32 {
			return nil, fmt.Errorf("store: bad preimage entry %q", e.PreimageHex)
		}
		var h, p [32]byte
		copy(h[:], hash)
		copy(p[:], preimage)
		out[h] = p
	}
	return out, nil
}

// SavePreimages atomically rewrites the whole preimage cache.
func (s *Store) SavePreimages(cache map[[32]byte][32]byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := make([]preimageEntry, 0, len(cache))
	for hash, preimage := range cache {
		entries = append(entries, preimageEntry{
			HashHex:     hex.EncodeToString(hash[:]),
			PreimageHex: hex.EncodeToString(preimage[:]),
		})
	}
	return atomicWriteJSON(s.preimagesPath(), entries)
}
