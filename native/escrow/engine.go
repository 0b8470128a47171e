package escrow

import (
	"fmt"
	"math/big"
	"time"

	"splitledger/core/events"
	"splitledger/core/types"
	"splitledger/native/common"
)

type engineState interface {
	SplitPut(*Split) error
	SplitGet(id uint64) (*Split, bool, error)
	NextSplitID() (uint64, error)
	EscrowConfig() (*Config, error)
	PutEscrowConfig(*Config) error
	AssetApproved(asset [20]byte) (bool, error)
	SetAssetApproved(asset [20]byte, approved bool) error
	EscrowStats() (*Stats, error)
	PutEscrowStats(*Stats) error
}

// Transferer moves base units of a single asset between two accounts. Any
// asset implementation satisfying it can back a split.
type Transferer interface {
	Transfer(from, to [20]byte, amount *big.Int) error
}

// TokenRegistry resolves an asset address to the transfer capability for that
// asset.
type TokenRegistry interface {
	Transferer(asset [20]byte) (Transferer, error)
}

// Engine wires the split escrow business logic with external state, the token
// registry and event emitters. Every exported operation is a single state
// transition; the host is expected to discard all writes when an operation
// returns an error.
type Engine struct {
	state   engineState
	tokens  TokenRegistry
	emitter events.Emitter
	custody [20]byte
	nowFn   func() int64
}

// NewEngine creates an escrow engine with a no-op emitter. Callers can override
// the emitter via SetEmitter.
func NewEngine() *Engine {
	return &Engine{
		emitter: events.NoopEmitter{},
		nowFn:   func() int64 { return time.Now().Unix() },
	}
}

// SetState configures the state backend used by the engine.
func (e *Engine) SetState(state engineState) { e.state = state }

// SetTokens configures the registry used to resolve asset transfers.
func (e *Engine) SetTokens(tokens TokenRegistry) { e.tokens = tokens }

// SetCustody configures the module account holding deposited funds.
func (e *Engine) SetCustody(addr [20]byte) { e.custody = addr }

// Custody returns the module account holding deposited funds.
func (e *Engine) Custody() [20]byte { return e.custody }

// SetNowFunc overrides the time source used by the engine. Primarily intended
// for tests to provide deterministic timestamps.
func (e *Engine) SetNowFunc(now func() int64) {
	if now == nil {
		e.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	e.nowFn = now
}

// SetEmitter configures the event emitter used by the engine. Passing nil resets
// the emitter to a no-op implementation.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// Invoke builds an invocation for caller stamped with the engine clock.
func (e *Engine) Invoke(caller [20]byte) Invocation {
	return Invocation{Caller: caller, Timestamp: e.now()}
}

func (e *Engine) emit(event *types.Event) {
	if e == nil || e.emitter == nil || event == nil {
		return
	}
	e.emitter.Emit(escrowEvent{evt: event})
}

func (e *Engine) now() int64 {
	if e == nil || e.nowFn == nil {
		return time.Now().Unix()
	}
	return e.nowFn()
}

func cloneBigInt(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}

func requireAuth(inv Invocation, addr [20]byte) error {
	if inv.Caller == ([20]byte{}) || inv.Caller != addr {
		return ErrUnauthorized
	}
	return nil
}

func (e *Engine) loadConfig() (*Config, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	cfg, err := e.state.EscrowConfig()
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		cfg = &Config{}
	}
	return cfg, nil
}

func (e *Engine) ensureNotPaused() error {
	cfg, err := e.loadConfig()
	if err != nil {
		return err
	}
	return common.Guard(cfg, ModuleName)
}

func (e *Engine) loadSplit(id uint64) (*Split, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	split, ok, err := e.state.SplitGet(id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrSplitNotFound, id)
	}
	return split, nil
}

func (e *Engine) storeSplit(s *Split) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	return e.state.SplitPut(s)
}

func (e *Engine) updateStats(fn func(*Stats)) error {
	stats, err := e.state.EscrowStats()
	if err != nil {
		return err
	}
	if stats == nil {
		stats = &Stats{}
	}
	fn(stats)
	return e.state.PutEscrowStats(stats)
}

func (e *Engine) transfer(asset, from, to [20]byte, amount *big.Int) error {
	if e.tokens == nil {
		return errNilTokens
	}
	amt := cloneBigInt(amount)
	if amt.Sign() == 0 {
		return nil
	}
	if amt.Sign() < 0 {
		return fmt.Errorf("escrow: negative transfer amount")
	}
	token, err := e.tokens.Transferer(asset)
	if err != nil {
		return fmt.Errorf("%w: asset %x: %w", ErrTransferFailed, asset, err)
	}
	if err := token.Transfer(from, to, amt); err != nil {
		return fmt.Errorf("%w: asset %x: %w", ErrTransferFailed, asset, err)
	}
	return nil
}

func validateAmount(amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	if amount.Cmp(MaxAmount) > 0 {
		return ErrAmountOverflow
	}
	return nil
}

// Create validates and persists a new split, returning its identifier. The
// identifier counter only advances when every check passes.
func (e *Engine) Create(inv Invocation, params CreateParams) (uint64, error) {
	if e == nil || e.state == nil {
		return 0, errNilState
	}
	if err := requireAuth(inv, params.Creator); err != nil {
		return 0, err
	}
	if err := e.ensureNotPaused(); err != nil {
		return 0, err
	}
	if len(params.Description) > MaxDescriptionLength {
		return 0, ErrDescriptionTooLong
	}
	count := len(params.Participants)
	if count != len(params.Shares) || count != len(params.Assets) {
		return 0, ErrLengthMismatch
	}
	if count == 0 {
		return 0, ErrNoParticipants
	}
	if count > MaxParticipants {
		return 0, fmt.Errorf("%w: %d > %d", ErrTooManyParticipants, count, MaxParticipants)
	}
	if err := validateAmount(params.TotalAmount); err != nil {
		return 0, err
	}
	seen := make(map[[20]byte]struct{}, count)
	sum := big.NewInt(0)
	participants := make([]Participant, count)
	for i := 0; i < count; i++ {
		addr := params.Participants[i]
		if addr == ([20]byte{}) {
			return 0, ErrInvalidAddress
		}
		if _, dup := seen[addr]; dup {
			return 0, fmt.Errorf("%w: %x", ErrDuplicateParticipant, addr)
		}
		seen[addr] = struct{}{}
		share := params.Shares[i]
		if share == nil || share.Sign() < 0 {
			return 0, ErrInvalidAmount
		}
		sum.Add(sum, share)
		if sum.Cmp(MaxAmount) > 0 {
			return 0, ErrAmountOverflow
		}
		participants[i] = Participant{
			Address:     addr,
			Asset:       params.Assets[i],
			ShareAmount: cloneBigInt(share),
			AmountPaid:  big.NewInt(0),
		}
		if share.Sign() == 0 {
			participants[i].Paid = true
			participants[i].PaidAt = inv.Timestamp
		}
	}
	if sum.Cmp(params.TotalAmount) != 0 {
		return 0, fmt.Errorf("%w: shares %s, total %s", ErrShareSumMismatch, sum, params.TotalAmount)
	}
	for i := range participants {
		approved, err := e.state.AssetApproved(participants[i].Asset)
		if err != nil {
			return 0, err
		}
		if !approved {
			return 0, fmt.Errorf("%w: %x", ErrAssetNotApproved, participants[i].Asset)
		}
	}
	if params.Deadline <= inv.Timestamp {
		return 0, ErrInvalidDeadline
	}
	if err := ValidateMetadata(params.Metadata); err != nil {
		return 0, err
	}

	id, err := e.state.NextSplitID()
	if err != nil {
		return 0, err
	}
	split := &Split{
		ID:              id,
		Creator:         params.Creator,
		Description:     params.Description,
		TotalAmount:     cloneBigInt(params.TotalAmount),
		AmountCollected: big.NewInt(0),
		AmountReleased:  big.NewInt(0),
		Participants:    participants,
		Status:          StatusActive,
		Deadline:        params.Deadline,
		CreatedAt:       inv.Timestamp,
		Metadata:        cloneMetadata(params.Metadata),
	}
	if err := e.storeSplit(split); err != nil {
		return 0, err
	}
	if err := e.updateStats(func(s *Stats) { s.TotalCreated++ }); err != nil {
		return 0, err
	}
	e.emit(NewCreatedEvent(split, inv.Timestamp))
	return id, nil
}

// Deposit moves amount of the participant's asset into custody and credits the
// participant. When the deposit completes funding, the split is settled to the
// creator within the same call.
func (e *Engine) Deposit(inv Invocation, id uint64, participant [20]byte, amount *big.Int) (*Split, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	if err := requireAuth(inv, participant); err != nil {
		return nil, err
	}
	if err := e.ensureNotPaused(); err != nil {
		return nil, err
	}
	if err := validateAmount(amount); err != nil {
		return nil, err
	}
	split, err := e.loadSplit(id)
	if err != nil {
		return nil, err
	}
	if err := e.applyExpiry(split, inv.Timestamp); err != nil {
		return nil, err
	}
	if err := depositAllowed(split.Status); err != nil {
		return nil, err
	}
	idx := split.ParticipantIndex(participant)
	if idx < 0 {
		return nil, fmt.Errorf("%w: %x", ErrParticipantNotFound, participant)
	}
	p := &split.Participants[idx]
	if remaining := p.Remaining(); amount.Cmp(remaining) > 0 {
		return nil, fmt.Errorf("%w: remaining %s", ErrOverpayment, remaining)
	}
	if err := e.transfer(p.Asset, participant, e.custody, amount); err != nil {
		return nil, err
	}
	p.AmountPaid = new(big.Int).Add(cloneBigInt(p.AmountPaid), amount)
	if p.FullyPaid() && !p.Paid {
		p.Paid = true
		p.PaidAt = inv.Timestamp
	}
	split.AmountCollected = new(big.Int).Add(cloneBigInt(split.AmountCollected), amount)
	if err := e.storeSplit(split); err != nil {
		return nil, err
	}
	e.emit(NewPaymentReceivedEvent(split, p, amount, inv.Timestamp))
	if split.FullyFunded() {
		if _, err := e.settle(split, inv.Timestamp); err != nil {
			return nil, err
		}
	}
	return split.Clone(), nil
}

// Cancel marks the split cancelled. Deposits stay in custody until each
// participant claims its refund.
func (e *Engine) Cancel(inv Invocation, id uint64) (*Split, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	split, err := e.loadSplit(id)
	if err != nil {
		return nil, err
	}
	if err := requireAuth(inv, split.Creator); err != nil {
		return nil, err
	}
	if err := e.ensureNotPaused(); err != nil {
		return nil, err
	}
	if err := e.applyExpiry(split, inv.Timestamp); err != nil {
		return nil, err
	}
	if err := cancelAllowed(split.Status); err != nil {
		return nil, err
	}
	if err := transition(split, StatusCancelled); err != nil {
		return nil, err
	}
	if err := e.storeSplit(split); err != nil {
		return nil, err
	}
	if err := e.updateStats(func(s *Stats) { s.TotalCancelled++ }); err != nil {
		return nil, err
	}
	e.emit(NewCancelledEvent(split, inv.Timestamp))
	return split.Clone(), nil
}

// ClaimRefund returns the participant's paid amount from custody once the split
// has been cancelled or has expired.
func (e *Engine) ClaimRefund(inv Invocation, id uint64, participant [20]byte) (*big.Int, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	if err := requireAuth(inv, participant); err != nil {
		return nil, err
	}
	if err := e.ensureNotPaused(); err != nil {
		return nil, err
	}
	split, err := e.loadSplit(id)
	if err != nil {
		return nil, err
	}
	if err := e.applyExpiry(split, inv.Timestamp); err != nil {
		return nil, err
	}
	if err := refundAllowed(split.Status); err != nil {
		return nil, err
	}
	idx := split.ParticipantIndex(participant)
	if idx < 0 {
		return nil, fmt.Errorf("%w: %x", ErrParticipantNotFound, participant)
	}
	p := &split.Participants[idx]
	amount := cloneBigInt(p.AmountPaid)
	if amount.Sign() <= 0 {
		return nil, ErrNoFunds
	}
	if err := e.transfer(p.Asset, e.custody, participant, amount); err != nil {
		return nil, err
	}
	p.AmountPaid = big.NewInt(0)
	p.Paid = false
	p.PaidAt = 0
	split.AmountCollected = new(big.Int).Sub(cloneBigInt(split.AmountCollected), amount)
	if err := e.storeSplit(split); err != nil {
		return nil, err
	}
	if err := e.updateStats(func(s *Stats) { s.TotalRefunds++ }); err != nil {
		return nil, err
	}
	e.emit(NewRefundIssuedEvent(split, p, amount, inv.Timestamp))
	return amount, nil
}

// ExtendDeadline moves the deadline of an active split forward.
func (e *Engine) ExtendDeadline(inv Invocation, id uint64, newDeadline int64) (*Split, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	split, err := e.loadSplit(id)
	if err != nil {
		return nil, err
	}
	if err := requireAuth(inv, split.Creator); err != nil {
		return nil, err
	}
	if err := e.ensureNotPaused(); err != nil {
		return nil, err
	}
	if err := e.applyExpiry(split, inv.Timestamp); err != nil {
		return nil, err
	}
	if err := extendAllowed(split.Status); err != nil {
		return nil, err
	}
	if newDeadline <= split.Deadline {
		return nil, fmt.Errorf("%w: %d <= %d", ErrDeadlineNotExtended, newDeadline, split.Deadline)
	}
	previous := split.Deadline
	split.Deadline = newDeadline
	if err := e.storeSplit(split); err != nil {
		return nil, err
	}
	e.emit(NewDeadlineExtendedEvent(split, previous, inv.Timestamp))
	return split.Clone(), nil
}

// Release settles a fully funded split. Anyone may trigger it; funds always go
// to the creator.
func (e *Engine) Release(inv Invocation, id uint64) (*Settlement, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	if err := e.ensureNotPaused(); err != nil {
		return nil, err
	}
	split, err := e.loadSplit(id)
	if err != nil {
		return nil, err
	}
	if err := e.applyExpiry(split, inv.Timestamp); err != nil {
		return nil, err
	}
	if err := releaseAllowed(split.Status); err != nil {
		return nil, err
	}
	if !split.FullyFunded() {
		return nil, fmt.Errorf("%w: outstanding %s", ErrNotFunded, split.Outstanding())
	}
	return e.settle(split, inv.Timestamp)
}

// IsFullyFunded reports whether every participant has paid its share.
func (e *Engine) IsFullyFunded(id uint64) (bool, error) {
	split, err := e.loadSplit(id)
	if err != nil {
		return false, err
	}
	return split.FullyFunded(), nil
}

// Split returns a copy of the stored split with the deadline check applied to
// the copy. Nothing is written.
func (e *Engine) Split(id uint64) (*Split, error) {
	split, err := e.loadSplit(id)
	if err != nil {
		return nil, err
	}
	if split.ExpiredAt(e.now()) {
		split.Status = StatusExpired
	}
	return split, nil
}
