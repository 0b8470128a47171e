package escrow

import (
	"fmt"
	"math/big"
)

const (
	// ModuleName identifies the split escrow module in pause checks, logs and
	// metrics.
	ModuleName = "escrow"
	// MaxParticipants caps the number of obligors a single split may carry.
	MaxParticipants = 64
	// MaxDescriptionLength caps the free-form description in bytes.
	MaxDescriptionLength = 256
)

// MaxAmount is the largest base-unit quantity accepted anywhere in the module
// (the signed 128-bit maximum, 2^127-1).
var MaxAmount = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 127), big.NewInt(1))

// SplitStatus enumerates the lifecycle states of a split escrow. The zero value
// is deliberately invalid so an unset status never passes validation.
type SplitStatus uint8

const (
	StatusActive SplitStatus = iota + 1
	StatusReleased
	StatusCancelled
	StatusExpired
)

// Valid reports whether the status value is within the supported range.
func (s SplitStatus) Valid() bool {
	switch s {
	case StatusActive, StatusReleased, StatusCancelled, StatusExpired:
		return true
	default:
		return false
	}
}

// Terminal reports whether no further deposits can be accepted.
func (s SplitStatus) Terminal() bool {
	switch s {
	case StatusReleased, StatusCancelled, StatusExpired:
		return true
	default:
		return false
	}
}

func (s SplitStatus) String() string {
	switch s {
	case StatusActive:
		return "active"
	case StatusReleased:
		return "released"
	case StatusCancelled:
		return "cancelled"
	case StatusExpired:
		return "expired"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

// ParseStatus maps the textual status form back to its enum value.
func ParseStatus(value string) (SplitStatus, error) {
	switch value {
	case "active":
		return StatusActive, nil
	case "released":
		return StatusReleased, nil
	case "cancelled":
		return StatusCancelled, nil
	case "expired":
		return StatusExpired, nil
	default:
		return 0, fmt.Errorf("escrow: unknown status %q", value)
	}
}

// Participant captures one obligor's share and payment progress within a
// split. The asset may differ between participants of the same split.
type Participant struct {
	Address     [20]byte
	Asset       [20]byte
	ShareAmount *big.Int
	AmountPaid  *big.Int
	PaidAt      int64
	Paid        bool
}

// Remaining returns the amount still owed by the participant.
func (p *Participant) Remaining() *big.Int {
	if p == nil {
		return big.NewInt(0)
	}
	remaining := new(big.Int).Sub(cloneBigInt(p.ShareAmount), cloneBigInt(p.AmountPaid))
	if remaining.Sign() < 0 {
		return big.NewInt(0)
	}
	return remaining
}

// FullyPaid reports whether the participant has paid its entire share.
func (p *Participant) FullyPaid() bool {
	if p == nil {
		return false
	}
	return cloneBigInt(p.AmountPaid).Cmp(cloneBigInt(p.ShareAmount)) >= 0
}

func (p Participant) clone() Participant {
	p.ShareAmount = cloneBigInt(p.ShareAmount)
	p.AmountPaid = cloneBigInt(p.AmountPaid)
	return p
}

// Split is the escrow aggregate: a pooled payment owed to the creator by a
// fixed, ordered set of participants.
type Split struct {
	ID              uint64
	Creator         [20]byte
	Description     string
	TotalAmount     *big.Int
	AmountCollected *big.Int
	AmountReleased  *big.Int
	Participants    []Participant
	Status          SplitStatus
	Deadline        int64
	CreatedAt       int64
	Metadata        map[string]string
}

// Clone returns a deep copy of the split so callers can safely mutate the copy
// without affecting the stored instance.
func (s *Split) Clone() *Split {
	if s == nil {
		return nil
	}
	clone := *s
	clone.TotalAmount = cloneBigInt(s.TotalAmount)
	clone.AmountCollected = cloneBigInt(s.AmountCollected)
	clone.AmountReleased = cloneBigInt(s.AmountReleased)
	clone.Metadata = cloneMetadata(s.Metadata)
	clone.Participants = make([]Participant, len(s.Participants))
	for i, p := range s.Participants {
		clone.Participants[i] = p.clone()
	}
	return &clone
}

// Pending reports whether the split is active and has not received any
// deposit yet.
func (s *Split) Pending() bool {
	if s == nil || s.Status != StatusActive {
		return false
	}
	return cloneBigInt(s.AmountCollected).Sign() == 0
}

// FullyFunded reports whether the collected amount matches the total and every
// participant has paid its share in full.
func (s *Split) FullyFunded() bool {
	if s == nil {
		return false
	}
	if cloneBigInt(s.AmountCollected).Cmp(cloneBigInt(s.TotalAmount)) != 0 {
		return false
	}
	for i := range s.Participants {
		if !s.Participants[i].FullyPaid() {
			return false
		}
	}
	return true
}

// ParticipantIndex returns the position of addr in the participant list or -1
// when the address does not belong to the split.
func (s *Split) ParticipantIndex(addr [20]byte) int {
	if s == nil {
		return -1
	}
	for i := range s.Participants {
		if s.Participants[i].Address == addr {
			return i
		}
	}
	return -1
}

// Outstanding returns the total amount still owed across participants.
func (s *Split) Outstanding() *big.Int {
	out := new(big.Int).Sub(cloneBigInt(s.TotalAmount), cloneBigInt(s.AmountCollected))
	if out.Sign() < 0 {
		return big.NewInt(0)
	}
	return out
}

// ExpiredAt reports whether the split should be treated as expired at the
// supplied timestamp. Only active splits expire.
func (s *Split) ExpiredAt(now int64) bool {
	return s != nil && s.Status == StatusActive && now > s.Deadline
}

// SanitizeSplit validates the stored invariants of a split and returns a
// normalised clone with non-nil amounts. The original is not mutated.
func SanitizeSplit(s *Split) (*Split, error) {
	if s == nil {
		return nil, fmt.Errorf("escrow: nil split")
	}
	clone := s.Clone()
	if clone.ID == 0 {
		return nil, fmt.Errorf("escrow: split id must be non-zero")
	}
	if !clone.Status.Valid() {
		return nil, fmt.Errorf("escrow: invalid split status %d", clone.Status)
	}
	if len(clone.Participants) == 0 {
		return nil, fmt.Errorf("escrow: split %d has no participants", clone.ID)
	}
	total := big.NewInt(0)
	collected := big.NewInt(0)
	for i := range clone.Participants {
		p := &clone.Participants[i]
		if p.ShareAmount.Sign() < 0 || p.AmountPaid.Sign() < 0 {
			return nil, fmt.Errorf("escrow: split %d participant %d has negative amounts", clone.ID, i)
		}
		if p.AmountPaid.Cmp(p.ShareAmount) > 0 {
			return nil, fmt.Errorf("escrow: split %d participant %d overpaid", clone.ID, i)
		}
		total.Add(total, p.ShareAmount)
		collected.Add(collected, p.AmountPaid)
	}
	if total.Cmp(clone.TotalAmount) != 0 {
		return nil, fmt.Errorf("escrow: split %d total %s does not match shares %s", clone.ID, clone.TotalAmount, total)
	}
	if collected.Cmp(clone.AmountCollected) != 0 {
		return nil, fmt.Errorf("escrow: split %d collected %s does not match payments %s", clone.ID, clone.AmountCollected, collected)
	}
	if clone.TotalAmount.Cmp(MaxAmount) > 0 {
		return nil, fmt.Errorf("escrow: split %d total exceeds maximum", clone.ID)
	}
	if err := ValidateMetadata(clone.Metadata); err != nil {
		return nil, fmt.Errorf("escrow: split %d: %w", clone.ID, err)
	}
	return clone, nil
}

// Config is the module configuration record. It is set once by Initialize and
// mutated only through admin-gated operations.
type Config struct {
	Admin        [20]byte
	DefaultAsset [20]byte
	Paused       bool
	Initialized  bool
}

// IsPaused implements common.PauseView for the escrow module.
func (c *Config) IsPaused(module string) bool {
	return c != nil && module == ModuleName && c.Paused
}

// AssetVolume records the cumulative settled amount for one asset.
type AssetVolume struct {
	Asset  [20]byte
	Amount *big.Int
}

// Stats aggregates lifetime counters for the module.
type Stats struct {
	TotalCreated   uint64
	TotalReleased  uint64
	TotalCancelled uint64
	TotalExpired   uint64
	TotalRefunds   uint64
	VolumeSettled  []AssetVolume
}

// Clone returns a deep copy of the statistics record.
func (s *Stats) Clone() *Stats {
	if s == nil {
		return &Stats{}
	}
	clone := *s
	clone.VolumeSettled = make([]AssetVolume, len(s.VolumeSettled))
	for i, v := range s.VolumeSettled {
		clone.VolumeSettled[i] = AssetVolume{Asset: v.Asset, Amount: cloneBigInt(v.Amount)}
	}
	return &clone
}

// Volume returns the settled volume for asset, zero when nothing settled.
func (s *Stats) Volume(asset [20]byte) *big.Int {
	if s == nil {
		return big.NewInt(0)
	}
	for _, v := range s.VolumeSettled {
		if v.Asset == asset {
			return cloneBigInt(v.Amount)
		}
	}
	return big.NewInt(0)
}

func (s *Stats) addVolume(asset [20]byte, amount *big.Int) {
	for i := range s.VolumeSettled {
		if s.VolumeSettled[i].Asset == asset {
			s.VolumeSettled[i].Amount = new(big.Int).Add(cloneBigInt(s.VolumeSettled[i].Amount), amount)
			return
		}
	}
	s.VolumeSettled = append(s.VolumeSettled, AssetVolume{Asset: asset, Amount: cloneBigInt(amount)})
}

// Invocation carries the authenticated caller and the host clock for a single
// call into the engine.
type Invocation struct {
	Caller    [20]byte
	Timestamp int64
}

// CreateParams describes a new split. Participants, Shares and Assets are
// parallel slices.
type CreateParams struct {
	Creator      [20]byte
	Description  string
	TotalAmount  *big.Int
	Participants [][20]byte
	Shares       []*big.Int
	Assets       [][20]byte
	Deadline     int64
	Metadata     map[string]string
}

// Settlement summarises the transfers issued when a split is released.
type Settlement struct {
	SplitID   uint64
	Recipient [20]byte
	Transfers []AssetVolume
	Total     *big.Int
}
