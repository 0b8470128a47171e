package state

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math/big"
	"sort"

	"splitledger/native/escrow"
)

var (
	escrowConfigKey   = []byte("escrow/config")
	escrowStatsKey    = []byte("escrow/stats")
	assetApprovedPref = []byte("asset/approved/")
	assetListKey      = []byte("asset/list")
	splitCounterKey   = []byte("split/counter")
	splitRecordPrefix = []byte("split/record/")
)

func splitRecordKey(id uint64) []byte {
	buf := make([]byte, len(splitRecordPrefix)+8)
	copy(buf, splitRecordPrefix)
	binary.BigEndian.PutUint64(buf[len(splitRecordPrefix):], id)
	return buf
}

func assetApprovedKey(asset [20]byte) []byte {
	buf := make([]byte, len(assetApprovedPref)+len(asset))
	copy(buf, assetApprovedPref)
	copy(buf[len(assetApprovedPref):], asset[:])
	return buf
}

// storedParticipant and storedSplit are the RLP layouts of the split
// aggregate. RLP has no signed integers, so timestamps are stored unsigned.
type storedParticipant struct {
	Address     [20]byte
	Asset       [20]byte
	ShareAmount *big.Int
	AmountPaid  *big.Int
	PaidAt      uint64
	Paid        bool
}

type storedMetadata struct {
	Key   string
	Value string
}

type storedSplit struct {
	ID              uint64
	Creator         [20]byte
	Description     string
	TotalAmount     *big.Int
	AmountCollected *big.Int
	AmountReleased  *big.Int
	Participants    []storedParticipant
	Status          uint8
	Deadline        uint64
	CreatedAt       uint64
	Metadata        []storedMetadata `rlp:"optional"`
}

func toUnix(v int64) uint64 {
	if v < 0 {
		return 0
	}
	return uint64(v)
}

func newStoredSplit(s *escrow.Split) *storedSplit {
	record := &storedSplit{
		ID:              s.ID,
		Creator:         s.Creator,
		Description:     s.Description,
		TotalAmount:     s.TotalAmount,
		AmountCollected: s.AmountCollected,
		AmountReleased:  s.AmountReleased,
		Participants:    make([]storedParticipant, len(s.Participants)),
		Status:          uint8(s.Status),
		Deadline:        toUnix(s.Deadline),
		CreatedAt:       toUnix(s.CreatedAt),
	}
	for _, key := range escrow.MetadataKeys(s.Metadata) {
		record.Metadata = append(record.Metadata, storedMetadata{Key: key, Value: s.Metadata[key]})
	}
	for i, p := range s.Participants {
		record.Participants[i] = storedParticipant{
			Address:     p.Address,
			Asset:       p.Asset,
			ShareAmount: p.ShareAmount,
			AmountPaid:  p.AmountPaid,
			PaidAt:      toUnix(p.PaidAt),
			Paid:        p.Paid,
		}
	}
	return record
}

func (r *storedSplit) toSplit() *escrow.Split {
	s := &escrow.Split{
		ID:              r.ID,
		Creator:         r.Creator,
		Description:     r.Description,
		TotalAmount:     r.TotalAmount,
		AmountCollected: r.AmountCollected,
		AmountReleased:  r.AmountReleased,
		Participants:    make([]escrow.Participant, len(r.Participants)),
		Status:          escrow.SplitStatus(r.Status),
		Deadline:        int64(r.Deadline),
		CreatedAt:       int64(r.CreatedAt),
	}
	if len(r.Metadata) > 0 {
		s.Metadata = make(map[string]string, len(r.Metadata))
		for _, entry := range r.Metadata {
			s.Metadata[entry.Key] = entry.Value
		}
	}
	for i, p := range r.Participants {
		s.Participants[i] = escrow.Participant{
			Address:     p.Address,
			Asset:       p.Asset,
			ShareAmount: p.ShareAmount,
			AmountPaid:  p.AmountPaid,
			PaidAt:      int64(p.PaidAt),
			Paid:        p.Paid,
		}
	}
	return s
}

// SplitPut validates and persists the split aggregate.
func (m *Manager) SplitPut(s *escrow.Split) error {
	sanitized, err := escrow.SanitizeSplit(s)
	if err != nil {
		return err
	}
	return m.KVPut(splitRecordKey(sanitized.ID), newStoredSplit(sanitized))
}

// SplitGet loads the split aggregate by identifier.
func (m *Manager) SplitGet(id uint64) (*escrow.Split, bool, error) {
	var record storedSplit
	ok, err := m.KVGet(splitRecordKey(id), &record)
	if err != nil || !ok {
		return nil, ok, err
	}
	split, err := escrow.SanitizeSplit(record.toSplit())
	if err != nil {
		return nil, false, fmt.Errorf("state: corrupt split %d: %w", id, err)
	}
	return split, true, nil
}

// SplitCount returns the number of identifiers allocated so far, which is also
// the highest split identifier in use.
func (m *Manager) SplitCount() (uint64, error) {
	var counter uint64
	if _, err := m.KVGet(splitCounterKey, &counter); err != nil {
		return 0, err
	}
	return counter, nil
}

// NextSplitID advances the split counter and returns the new identifier. The
// first identifier is 1.
func (m *Manager) NextSplitID() (uint64, error) {
	counter, err := m.SplitCount()
	if err != nil {
		return 0, err
	}
	counter++
	if err := m.KVPut(splitCounterKey, counter); err != nil {
		return 0, err
	}
	return counter, nil
}

// EscrowConfig loads the module configuration. A nil record with no error
// means the module has not been initialised.
func (m *Manager) EscrowConfig() (*escrow.Config, error) {
	cfg := new(escrow.Config)
	ok, err := m.KVGet(escrowConfigKey, cfg)
	if err != nil || !ok {
		return nil, err
	}
	return cfg, nil
}

// PutEscrowConfig persists the module configuration.
func (m *Manager) PutEscrowConfig(cfg *escrow.Config) error {
	if cfg == nil {
		return fmt.Errorf("state: nil escrow config")
	}
	return m.KVPut(escrowConfigKey, cfg)
}

// AssetApproved reports whether asset is on the allowlist.
func (m *Manager) AssetApproved(asset [20]byte) (bool, error) {
	var approved bool
	ok, err := m.KVGet(assetApprovedKey(asset), &approved)
	if err != nil || !ok {
		return false, err
	}
	return approved, nil
}

// SetAssetApproved adds or removes asset from the allowlist and keeps the
// enumeration index in sync.
func (m *Manager) SetAssetApproved(asset [20]byte, approved bool) error {
	if !approved {
		if err := m.KVDelete(assetApprovedKey(asset)); err != nil {
			return err
		}
		return m.KVRemove(assetListKey, asset[:])
	}
	if err := m.KVPut(assetApprovedKey(asset), true); err != nil {
		return err
	}
	return m.KVAppend(assetListKey, asset[:])
}

// ApprovedAssets lists the allowlist in byte order.
func (m *Manager) ApprovedAssets() ([][20]byte, error) {
	var raw [][]byte
	if err := m.KVGetList(assetListKey, &raw); err != nil {
		return nil, err
	}
	out := make([][20]byte, 0, len(raw))
	for _, entry := range raw {
		if len(entry) != 20 {
			return nil, fmt.Errorf("state: malformed asset entry of %d bytes", len(entry))
		}
		var asset [20]byte
		copy(asset[:], entry)
		out = append(out, asset)
	}
	sort.Slice(out, func(i, j int) bool { return bytes.Compare(out[i][:], out[j][:]) < 0 })
	return out, nil
}

// EscrowStats loads the module statistics, zero-valued when never written.
func (m *Manager) EscrowStats() (*escrow.Stats, error) {
	stats := new(escrow.Stats)
	if _, err := m.KVGet(escrowStatsKey, stats); err != nil {
		return nil, err
	}
	return stats, nil
}

// PutEscrowStats persists the module statistics.
func (m *Manager) PutEscrowStats(stats *escrow.Stats) error {
	if stats == nil {
		return fmt.Errorf("state: nil escrow stats")
	}
	return m.KVPut(escrowStatsKey, stats)
}
