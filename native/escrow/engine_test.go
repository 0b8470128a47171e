package escrow

import (
	"bytes"
	"errors"
	"fmt"
	"math/big"
	"testing"

	"splitledger/core/events"
	"splitledger/core/types"
)

type mockState struct {
	splits  map[uint64]*Split
	counter uint64
	config  *Config
	assets  map[[20]byte]bool
	stats   *Stats
}

func newMockState() *mockState {
	return &mockState{
		splits: make(map[uint64]*Split),
		assets: make(map[[20]byte]bool),
	}
}

func (m *mockState) SplitPut(s *Split) error {
	sanitized, err := SanitizeSplit(s)
	if err != nil {
		return err
	}
	m.splits[sanitized.ID] = sanitized
	return nil
}

func (m *mockState) SplitGet(id uint64) (*Split, bool, error) {
	s, ok := m.splits[id]
	if !ok {
		return nil, false, nil
	}
	return s.Clone(), true, nil
}

func (m *mockState) NextSplitID() (uint64, error) {
	m.counter++
	return m.counter, nil
}

func (m *mockState) EscrowConfig() (*Config, error) {
	if m.config == nil {
		return nil, nil
	}
	clone := *m.config
	return &clone, nil
}

func (m *mockState) PutEscrowConfig(cfg *Config) error {
	clone := *cfg
	m.config = &clone
	return nil
}

func (m *mockState) AssetApproved(asset [20]byte) (bool, error) {
	return m.assets[asset], nil
}

func (m *mockState) SetAssetApproved(asset [20]byte, approved bool) error {
	if approved {
		m.assets[asset] = true
	} else {
		delete(m.assets, asset)
	}
	return nil
}

func (m *mockState) EscrowStats() (*Stats, error) { return m.stats.Clone(), nil }

func (m *mockState) PutEscrowStats(s *Stats) error {
	m.stats = s.Clone()
	return nil
}

type mockToken struct {
	asset    [20]byte
	balances map[[20]byte]*big.Int
	fail     bool
	calls    int
}

func (t *mockToken) Transfer(from, to [20]byte, amount *big.Int) error {
	t.calls++
	if t.fail {
		return fmt.Errorf("token %x: transfer rejected", t.asset[:2])
	}
	bal := t.balance(from)
	if bal.Cmp(amount) < 0 {
		return fmt.Errorf("insufficient balance")
	}
	t.balances[from] = new(big.Int).Sub(bal, amount)
	t.balances[to] = new(big.Int).Add(t.balance(to), amount)
	return nil
}

func (t *mockToken) balance(addr [20]byte) *big.Int {
	if bal, ok := t.balances[addr]; ok {
		return new(big.Int).Set(bal)
	}
	return big.NewInt(0)
}

type mockTokens map[[20]byte]*mockToken

func (m mockTokens) Transferer(asset [20]byte) (Transferer, error) {
	token, ok := m[asset]
	if !ok {
		return nil, fmt.Errorf("unknown asset %x", asset)
	}
	return token, nil
}

func (m mockTokens) add(asset [20]byte) *mockToken {
	token := &mockToken{asset: asset, balances: make(map[[20]byte]*big.Int)}
	m[asset] = token
	return token
}

type capturingEmitter struct {
	events []*types.Event
}

func (c *capturingEmitter) Emit(evt events.Event) {
	if payload, ok := evt.(events.Payload); ok {
		c.events = append(c.events, payload.Event())
	}
}

func (c *capturingEmitter) eventTypes() []string {
	out := make([]string, len(c.events))
	for i, evt := range c.events {
		out[i] = evt.Type
	}
	return out
}

func (c *capturingEmitter) last() *types.Event {
	if len(c.events) == 0 {
		return nil
	}
	return c.events[len(c.events)-1]
}

func newTestAddress(fill byte) [20]byte {
	var addr [20]byte
	copy(addr[:], bytes.Repeat([]byte{fill}, 20))
	return addr
}

var (
	testAdmin   = newTestAddress(0x01)
	testCreator = newTestAddress(0x02)
	testAlice   = newTestAddress(0x0A)
	testBob     = newTestAddress(0x0B)
	testCarol   = newTestAddress(0x0C)
	testCustody = newTestAddress(0xEE)
	assetUSD    = newTestAddress(0x51)
	assetEUR    = newTestAddress(0x52)
	assetRogue  = newTestAddress(0x5F)
)

const testNow int64 = 1_700_000_000

type harness struct {
	engine  *Engine
	state   *mockState
	tokens  mockTokens
	emitter *capturingEmitter
	now     int64
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		engine:  NewEngine(),
		state:   newMockState(),
		tokens:  make(mockTokens),
		emitter: &capturingEmitter{},
		now:     testNow,
	}
	h.engine.SetState(h.state)
	h.engine.SetTokens(h.tokens)
	h.engine.SetEmitter(h.emitter)
	h.engine.SetCustody(testCustody)
	h.engine.SetNowFunc(func() int64 { return h.now })
	for _, asset := range [][20]byte{assetUSD, assetEUR, assetRogue} {
		token := h.tokens.add(asset)
		for _, who := range [][20]byte{testAlice, testBob, testCarol} {
			token.balances[who] = big.NewInt(10_000)
		}
	}
	if err := h.engine.Initialize(h.inv(testAdmin), testAdmin, assetUSD); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if err := h.engine.AddApprovedAsset(h.inv(testAdmin), assetEUR); err != nil {
		t.Fatalf("approve asset: %v", err)
	}
	return h
}

func (h *harness) inv(caller [20]byte) Invocation {
	return Invocation{Caller: caller, Timestamp: h.now}
}

func (h *harness) balance(asset, who [20]byte) *big.Int {
	return h.tokens[asset].balance(who)
}

func (h *harness) createSplit(t *testing.T, participants [][20]byte, shares []int64, assets [][20]byte) uint64 {
	t.Helper()
	params := CreateParams{
		Creator:      testCreator,
		Description:  "dinner",
		Participants: participants,
		Assets:       assets,
		Deadline:     h.now + 100,
	}
	total := big.NewInt(0)
	for _, share := range shares {
		params.Shares = append(params.Shares, big.NewInt(share))
		total.Add(total, big.NewInt(share))
	}
	params.TotalAmount = total
	id, err := h.engine.Create(h.inv(testCreator), params)
	if err != nil {
		t.Fatalf("create split: %v", err)
	}
	return id
}

func (h *harness) deposit(t *testing.T, id uint64, who [20]byte, amount int64) *Split {
	t.Helper()
	split, err := h.engine.Deposit(h.inv(who), id, who, big.NewInt(amount))
	if err != nil {
		t.Fatalf("deposit %d from %x: %v", amount, who[:1], err)
	}
	return split
}

func (h *harness) stored(t *testing.T, id uint64) *Split {
	t.Helper()
	split, ok, err := h.state.SplitGet(id)
	if err != nil || !ok {
		t.Fatalf("split %d missing: ok=%v err=%v", id, ok, err)
	}
	return split
}

func assertConservation(t *testing.T, s *Split) {
	t.Helper()
	sum := big.NewInt(0)
	for _, p := range s.Participants {
		if p.AmountPaid.Cmp(p.ShareAmount) > 0 {
			t.Fatalf("participant %x overpaid: %s > %s", p.Address[:1], p.AmountPaid, p.ShareAmount)
		}
		sum.Add(sum, p.AmountPaid)
	}
	if sum.Cmp(s.AmountCollected) != 0 {
		t.Fatalf("collected %s does not match payments %s", s.AmountCollected, sum)
	}
	if s.Status == StatusReleased && s.AmountReleased.Cmp(s.TotalAmount) != 0 {
		t.Fatalf("released %s does not match total %s", s.AmountReleased, s.TotalAmount)
	}
}

func TestCreateSplitAssignsSequentialIDs(t *testing.T) {
	h := newHarness(t)
	first := h.createSplit(t, [][20]byte{testAlice}, []int64{100}, [][20]byte{assetUSD})
	second := h.createSplit(t, [][20]byte{testAlice, testBob}, []int64{50, 50}, [][20]byte{assetUSD, assetEUR})
	if first != 1 || second != 2 {
		t.Fatalf("expected ids 1 and 2, got %d and %d", first, second)
	}
	split := h.stored(t, second)
	if split.Status != StatusActive || !split.Pending() {
		t.Fatalf("expected pending active split, got %s", split.Status)
	}
	if split.TotalAmount.Cmp(big.NewInt(100)) != 0 || split.CreatedAt != testNow || split.Deadline != testNow+100 {
		t.Fatalf("unexpected split definition: %+v", split)
	}
	if h.emitter.last().Type != EventTypeCreated || h.emitter.last().Attributes["splitId"] != "2" {
		t.Fatalf("expected created event for split 2, got %+v", h.emitter.last())
	}
	stats, err := h.engine.Stats()
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.TotalCreated != 2 {
		t.Fatalf("expected 2 created, got %d", stats.TotalCreated)
	}
}

func TestCreateSplitValidation(t *testing.T) {
	h := newHarness(t)
	base := func() CreateParams {
		return CreateParams{
			Creator:      testCreator,
			TotalAmount:  big.NewInt(100),
			Participants: [][20]byte{testAlice, testBob},
			Shares:       []*big.Int{big.NewInt(60), big.NewInt(40)},
			Assets:       [][20]byte{assetUSD, assetUSD},
			Deadline:     testNow + 10,
		}
	}
	cases := []struct {
		name   string
		caller [20]byte
		mutate func(*CreateParams)
		want   error
	}{
		{"wrong caller", testAlice, func(*CreateParams) {}, ErrUnauthorized},
		{"length mismatch", testCreator, func(p *CreateParams) { p.Assets = p.Assets[:1] }, ErrLengthMismatch},
		{"no participants", testCreator, func(p *CreateParams) {
			p.Participants, p.Shares, p.Assets = nil, nil, nil
		}, ErrNoParticipants},
		{"sum mismatch", testCreator, func(p *CreateParams) { p.TotalAmount = big.NewInt(99) }, ErrShareSumMismatch},
		{"negative share", testCreator, func(p *CreateParams) {
			p.Shares = []*big.Int{big.NewInt(110), big.NewInt(-10)}
		}, ErrInvalidAmount},
		{"zero total", testCreator, func(p *CreateParams) {
			p.TotalAmount = big.NewInt(0)
			p.Shares = []*big.Int{big.NewInt(0), big.NewInt(0)}
		}, ErrInvalidAmount},
		{"unapproved asset", testCreator, func(p *CreateParams) { p.Assets[1] = assetRogue }, ErrAssetNotApproved},
		{"duplicate participant", testCreator, func(p *CreateParams) { p.Participants[1] = testAlice }, ErrDuplicateParticipant},
		{"past deadline", testCreator, func(p *CreateParams) { p.Deadline = testNow }, ErrInvalidDeadline},
		{"long description", testCreator, func(p *CreateParams) {
			p.Description = string(bytes.Repeat([]byte{'x'}, MaxDescriptionLength+1))
		}, ErrDescriptionTooLong},
		{"overflow", testCreator, func(p *CreateParams) {
			p.TotalAmount = new(big.Int).Add(MaxAmount, big.NewInt(1))
		}, ErrAmountOverflow},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			params := base()
			tc.mutate(&params)
			_, err := h.engine.Create(h.inv(tc.caller), params)
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
	if h.state.counter != 0 {
		t.Fatalf("failed creations advanced the counter to %d", h.state.counter)
	}
	if len(h.state.splits) != 0 {
		t.Fatalf("failed creations stored %d splits", len(h.state.splits))
	}
}

func TestUnapprovedAssetRejectsWholeCreation(t *testing.T) {
	h := newHarness(t)
	_, err := h.engine.Create(h.inv(testCreator), CreateParams{
		Creator:      testCreator,
		TotalAmount:  big.NewInt(200),
		Participants: [][20]byte{testAlice, testBob},
		Shares:       []*big.Int{big.NewInt(100), big.NewInt(100)},
		Assets:       [][20]byte{assetUSD, assetRogue},
		Deadline:     testNow + 50,
	})
	if !errors.Is(err, ErrAssetNotApproved) {
		t.Fatalf("expected ErrAssetNotApproved, got %v", err)
	}
	if Classify(err) != CategoryValidation {
		t.Fatalf("expected validation category, got %s", Classify(err))
	}
	if h.state.counter != 0 {
		t.Fatalf("counter advanced on rejected creation")
	}
	id := h.createSplit(t, [][20]byte{testAlice}, []int64{10}, [][20]byte{assetUSD})
	if id != 1 {
		t.Fatalf("expected next id 1, got %d", id)
	}
}

func TestAutoSettlementOnFullFunding(t *testing.T) {
	h := newHarness(t)
	id := h.createSplit(t, [][20]byte{testAlice, testBob}, []int64{500, 500}, [][20]byte{assetUSD, assetUSD})

	split := h.deposit(t, id, testAlice, 500)
	if split.Status != StatusActive {
		t.Fatalf("expected active after first deposit, got %s", split.Status)
	}
	if !split.Participants[0].Paid || split.Participants[0].PaidAt != testNow {
		t.Fatalf("expected alice marked paid at %d", testNow)
	}
	split = h.deposit(t, id, testBob, 500)
	if split.Status != StatusReleased {
		t.Fatalf("expected released, got %s", split.Status)
	}
	assertConservation(t, split)
	if got := h.balance(assetUSD, testCreator); got.Cmp(big.NewInt(1000)) != 0 {
		t.Fatalf("expected creator balance 1000, got %s", got)
	}
	if got := h.balance(assetUSD, testCustody); got.Sign() != 0 {
		t.Fatalf("expected empty custody, got %s", got)
	}
	if h.tokens[assetUSD].calls != 3 {
		t.Fatalf("expected two deposits and one settlement transfer, got %d calls", h.tokens[assetUSD].calls)
	}
	stored := h.stored(t, id)
	if stored.Status != StatusReleased || stored.AmountReleased.Cmp(big.NewInt(1000)) != 0 {
		t.Fatalf("unexpected stored split: %+v", stored)
	}
	typesSeen := h.emitter.eventTypes()
	tail := typesSeen[len(typesSeen)-3:]
	want := []string{EventTypePaymentReceived, EventTypeFundsReleased, EventTypeCompleted}
	for i := range want {
		if tail[i] != want[i] {
			t.Fatalf("unexpected event tail %v", tail)
		}
	}
	funded, err := h.engine.IsFullyFunded(id)
	if err != nil || !funded {
		t.Fatalf("expected fully funded, got %v err=%v", funded, err)
	}

	if _, err := h.engine.Release(h.inv(testCarol), id); !errors.Is(err, ErrAlreadyReleased) {
		t.Fatalf("expected ErrAlreadyReleased, got %v", err)
	}
	if _, err := h.engine.Deposit(h.inv(testAlice), id, testAlice, big.NewInt(1)); !errors.Is(err, ErrNotActive) {
		t.Fatalf("expected ErrNotActive for deposit after release, got %v", err)
	}
	if got := h.balance(assetUSD, testCreator); got.Cmp(big.NewInt(1000)) != 0 {
		t.Fatalf("creator balance changed after release attempts: %s", got)
	}
}

func TestMultiAssetAggregation(t *testing.T) {
	h := newHarness(t)
	id := h.createSplit(t,
		[][20]byte{testAlice, testBob, testCarol},
		[]int64{300, 200, 100},
		[][20]byte{assetUSD, assetEUR, assetUSD},
	)
	h.deposit(t, id, testAlice, 300)
	h.deposit(t, id, testBob, 200)
	h.deposit(t, id, testCarol, 100)

	if got := h.balance(assetUSD, testCreator); got.Cmp(big.NewInt(400)) != 0 {
		t.Fatalf("expected 400 USD to creator, got %s", got)
	}
	if got := h.balance(assetEUR, testCreator); got.Cmp(big.NewInt(200)) != 0 {
		t.Fatalf("expected 200 EUR to creator, got %s", got)
	}
	var released []*types.Event
	for _, evt := range h.emitter.events {
		if evt.Type == EventTypeFundsReleased {
			released = append(released, evt)
		}
	}
	if len(released) != 2 {
		t.Fatalf("expected two per-asset release events, got %d", len(released))
	}
	if released[0].Attributes["amount"] != "400" || released[1].Attributes["amount"] != "200" {
		t.Fatalf("unexpected release order or amounts: %v / %v", released[0].Attributes, released[1].Attributes)
	}
	stats, _ := h.engine.Stats()
	if stats.TotalReleased != 1 || stats.Volume(assetUSD).Cmp(big.NewInt(400)) != 0 || stats.Volume(assetEUR).Cmp(big.NewInt(200)) != 0 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestDepositRejectsOverpayment(t *testing.T) {
	h := newHarness(t)
	id := h.createSplit(t, [][20]byte{testAlice, testBob}, []int64{100, 100}, [][20]byte{assetUSD, assetUSD})
	h.deposit(t, id, testAlice, 60)
	before := h.stored(t, id)

	_, err := h.engine.Deposit(h.inv(testAlice), id, testAlice, big.NewInt(41))
	if !errors.Is(err, ErrOverpayment) {
		t.Fatalf("expected ErrOverpayment, got %v", err)
	}
	after := h.stored(t, id)
	if after.Participants[0].AmountPaid.Cmp(before.Participants[0].AmountPaid) != 0 || after.AmountCollected.Cmp(before.AmountCollected) != 0 {
		t.Fatalf("overpayment mutated state")
	}
	if got := h.balance(assetUSD, testAlice); got.Cmp(big.NewInt(9_940)) != 0 {
		t.Fatalf("overpayment moved funds: alice balance %s", got)
	}
	split := h.deposit(t, id, testAlice, 40)
	assertConservation(t, split)
}

func TestDepositGuards(t *testing.T) {
	h := newHarness(t)
	id := h.createSplit(t, [][20]byte{testAlice}, []int64{100}, [][20]byte{assetUSD})

	cases := []struct {
		name        string
		caller      [20]byte
		participant [20]byte
		id          uint64
		amount      *big.Int
		want        error
	}{
		{"impersonation", testBob, testAlice, id, big.NewInt(10), ErrUnauthorized},
		{"zero amount", testAlice, testAlice, id, big.NewInt(0), ErrInvalidAmount},
		{"negative amount", testAlice, testAlice, id, big.NewInt(-5), ErrInvalidAmount},
		{"nil amount", testAlice, testAlice, id, nil, ErrInvalidAmount},
		{"unknown split", testAlice, testAlice, 99, big.NewInt(10), ErrSplitNotFound},
		{"not a participant", testBob, testBob, id, big.NewInt(10), ErrParticipantNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := h.engine.Deposit(h.inv(tc.caller), tc.id, tc.participant, tc.amount)
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
	if h.stored(t, id).AmountCollected.Sign() != 0 {
		t.Fatalf("rejected deposits changed collected amount")
	}
}

func TestDepositTransferFailureLeavesSplitUnchanged(t *testing.T) {
	h := newHarness(t)
	id := h.createSplit(t, [][20]byte{testAlice}, []int64{100}, [][20]byte{assetUSD})
	h.tokens[assetUSD].fail = true

	_, err := h.engine.Deposit(h.inv(testAlice), id, testAlice, big.NewInt(50))
	if !errors.Is(err, ErrTransferFailed) || Classify(err) != CategoryTransfer {
		t.Fatalf("expected transfer failure, got %v", err)
	}
	if h.stored(t, id).AmountCollected.Sign() != 0 {
		t.Fatalf("failed transfer credited the participant")
	}
}

func TestLazyExpiry(t *testing.T) {
	h := newHarness(t)
	id := h.createSplit(t, [][20]byte{testAlice, testBob}, []int64{100, 100}, [][20]byte{assetUSD, assetUSD})
	h.deposit(t, id, testAlice, 100)

	h.now = testNow + 100
	view, err := h.engine.Split(id)
	if err != nil {
		t.Fatalf("get split: %v", err)
	}
	if view.Status != StatusActive {
		t.Fatalf("split expired at the deadline instant")
	}

	h.now = testNow + 101
	view, err = h.engine.Split(id)
	if err != nil {
		t.Fatalf("get split: %v", err)
	}
	if view.Status != StatusExpired {
		t.Fatalf("expected read to report expired, got %s", view.Status)
	}
	if h.stored(t, id).Status != StatusActive {
		t.Fatalf("read must not persist the expiry")
	}

	_, err = h.engine.Deposit(h.inv(testBob), id, testBob, big.NewInt(100))
	if !errors.Is(err, ErrExpired) {
		t.Fatalf("expected ErrExpired, got %v", err)
	}
	view, _ = h.engine.Split(id)
	if view.Status != StatusExpired {
		t.Fatalf("expected expired after failed deposit, got %s", view.Status)
	}
	if _, err := h.engine.Release(h.inv(testCreator), id); !errors.Is(err, ErrExpired) {
		t.Fatalf("expected ErrExpired on release, got %v", err)
	}

	refund, err := h.engine.ClaimRefund(h.inv(testAlice), id, testAlice)
	if err != nil {
		t.Fatalf("claim refund: %v", err)
	}
	if refund.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("expected refund 100, got %s", refund)
	}
	stored := h.stored(t, id)
	if stored.Status != StatusExpired {
		t.Fatalf("expected persisted expiry, got %s", stored.Status)
	}
	assertConservation(t, stored)
}

func TestExpiredEventCarriesUnfundedAmount(t *testing.T) {
	h := newHarness(t)
	id := h.createSplit(t, [][20]byte{testAlice, testBob}, []int64{100, 150}, [][20]byte{assetUSD, assetUSD})
	h.deposit(t, id, testAlice, 100)
	h.now = testNow + 500
	if _, err := h.engine.ClaimRefund(h.inv(testAlice), id, testAlice); err != nil {
		t.Fatalf("claim refund: %v", err)
	}
	var expired *types.Event
	for _, evt := range h.emitter.events {
		if evt.Type == EventTypeExpired {
			expired = evt
		}
	}
	if expired == nil {
		t.Fatalf("expected expired event")
	}
	if expired.Attributes["unfundedAmount"] != "150" {
		t.Fatalf("expected unfunded amount 150, got %q", expired.Attributes["unfundedAmount"])
	}
	stats, _ := h.engine.Stats()
	if stats.TotalExpired != 1 || stats.TotalRefunds != 1 {
		t.Fatalf("unexpected stats %+v", stats)
	}
}

func TestPartialRefundIndependence(t *testing.T) {
	h := newHarness(t)
	id := h.createSplit(t, [][20]byte{testAlice, testBob}, []int64{500, 500}, [][20]byte{assetUSD, assetUSD})
	h.deposit(t, id, testAlice, 300)
	if _, err := h.engine.Cancel(h.inv(testCreator), id); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if got := h.balance(assetUSD, testCustody); got.Cmp(big.NewInt(300)) != 0 {
		t.Fatalf("cancel must not auto-refund, custody=%s", got)
	}

	refund, err := h.engine.ClaimRefund(h.inv(testAlice), id, testAlice)
	if err != nil {
		t.Fatalf("alice refund: %v", err)
	}
	if refund.Cmp(big.NewInt(300)) != 0 {
		t.Fatalf("expected 300, got %s", refund)
	}
	split := h.stored(t, id)
	if split.Participants[0].AmountPaid.Sign() != 0 || split.Participants[0].Paid || split.Participants[0].PaidAt != 0 {
		t.Fatalf("alice payment not reset: %+v", split.Participants[0])
	}
	if split.AmountCollected.Sign() != 0 {
		t.Fatalf("expected collected 0, got %s", split.AmountCollected)
	}
	if got := h.balance(assetUSD, testAlice); got.Cmp(big.NewInt(10_000)) != 0 {
		t.Fatalf("alice not made whole: %s", got)
	}

	if _, err := h.engine.ClaimRefund(h.inv(testBob), id, testBob); !errors.Is(err, ErrNoFunds) {
		t.Fatalf("expected ErrNoFunds for bob, got %v", err)
	}
	if _, err := h.engine.ClaimRefund(h.inv(testAlice), id, testAlice); !errors.Is(err, ErrNoFunds) {
		t.Fatalf("expected ErrNoFunds for second alice claim, got %v", err)
	}
	if _, err := h.engine.ClaimRefund(h.inv(testCarol), id, testCarol); !errors.Is(err, ErrParticipantNotFound) {
		t.Fatalf("expected ErrParticipantNotFound, got %v", err)
	}
	assertConservation(t, h.stored(t, id))
}

func TestRefundRequiresTerminalFailureStatus(t *testing.T) {
	h := newHarness(t)
	id := h.createSplit(t, [][20]byte{testAlice, testBob}, []int64{10, 10}, [][20]byte{assetUSD, assetUSD})
	h.deposit(t, id, testAlice, 10)
	if _, err := h.engine.ClaimRefund(h.inv(testAlice), id, testAlice); !errors.Is(err, ErrNotRefundable) {
		t.Fatalf("expected ErrNotRefundable while active, got %v", err)
	}
	h.deposit(t, id, testBob, 10)
	if _, err := h.engine.ClaimRefund(h.inv(testAlice), id, testAlice); !errors.Is(err, ErrNotRefundable) {
		t.Fatalf("expected ErrNotRefundable once released, got %v", err)
	}
}

func TestCancelRules(t *testing.T) {
	h := newHarness(t)
	id := h.createSplit(t, [][20]byte{testAlice}, []int64{10}, [][20]byte{assetUSD})
	if _, err := h.engine.Cancel(h.inv(testAlice), id); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	split, err := h.engine.Cancel(h.inv(testCreator), id)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if split.Status != StatusCancelled {
		t.Fatalf("expected cancelled, got %s", split.Status)
	}
	if _, err := h.engine.Cancel(h.inv(testCreator), id); !errors.Is(err, ErrCancelled) {
		t.Fatalf("expected ErrCancelled, got %v", err)
	}
	if _, err := h.engine.Deposit(h.inv(testAlice), id, testAlice, big.NewInt(1)); !errors.Is(err, ErrNotActive) {
		t.Fatalf("expected ErrNotActive, got %v", err)
	}
	if _, err := h.engine.Release(h.inv(testCreator), id); !errors.Is(err, ErrCancelled) {
		t.Fatalf("expected ErrCancelled on release, got %v", err)
	}

	released := h.createSplit(t, [][20]byte{testAlice}, []int64{10}, [][20]byte{assetUSD})
	h.deposit(t, released, testAlice, 10)
	if _, err := h.engine.Cancel(h.inv(testCreator), released); !errors.Is(err, ErrAlreadyReleased) {
		t.Fatalf("expected ErrAlreadyReleased, got %v", err)
	}

	expired := h.createSplit(t, [][20]byte{testAlice}, []int64{10}, [][20]byte{assetUSD})
	h.now += 1_000
	split, err = h.engine.Cancel(h.inv(testCreator), expired)
	if err != nil {
		t.Fatalf("cancel expired: %v", err)
	}
	if split.Status != StatusCancelled {
		t.Fatalf("expected expired split to become cancelled, got %s", split.Status)
	}
}

func TestExtendDeadline(t *testing.T) {
	h := newHarness(t)
	id := h.createSplit(t, [][20]byte{testAlice}, []int64{10}, [][20]byte{assetUSD})
	original := h.stored(t, id).Deadline

	for _, candidate := range []int64{original, original - 1} {
		if _, err := h.engine.ExtendDeadline(h.inv(testCreator), id, candidate); !errors.Is(err, ErrDeadlineNotExtended) {
			t.Fatalf("expected ErrDeadlineNotExtended for %d, got %v", candidate, err)
		}
		if h.stored(t, id).Deadline != original {
			t.Fatalf("deadline changed by rejected extension")
		}
	}
	if _, err := h.engine.ExtendDeadline(h.inv(testAlice), id, original+10); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	split, err := h.engine.ExtendDeadline(h.inv(testCreator), id, original+10)
	if err != nil {
		t.Fatalf("extend: %v", err)
	}
	if split.Deadline != original+10 {
		t.Fatalf("expected deadline %d, got %d", original+10, split.Deadline)
	}
	if evt := h.emitter.last(); evt.Type != EventTypeDeadlineExtended {
		t.Fatalf("expected deadline event, got %s", evt.Type)
	}

	h.now = original + 11
	if _, err := h.engine.ExtendDeadline(h.inv(testCreator), id, original+50); !errors.Is(err, ErrExpired) {
		t.Fatalf("expected ErrExpired once the deadline passed, got %v", err)
	}
}

func TestReleaseRequiresFullFunding(t *testing.T) {
	h := newHarness(t)
	id := h.createSplit(t, [][20]byte{testAlice, testBob}, []int64{10, 10}, [][20]byte{assetUSD, assetUSD})
	h.deposit(t, id, testAlice, 10)
	if _, err := h.engine.Release(h.inv(testCarol), id); !errors.Is(err, ErrNotFunded) {
		t.Fatalf("expected ErrNotFunded, got %v", err)
	}
	funded, err := h.engine.IsFullyFunded(id)
	if err != nil || funded {
		t.Fatalf("expected not funded, got %v err=%v", funded, err)
	}
	if _, err := h.engine.IsFullyFunded(42); !errors.Is(err, ErrSplitNotFound) {
		t.Fatalf("expected ErrSplitNotFound, got %v", err)
	}
}

func TestSettlementTransferFailureSurfaces(t *testing.T) {
	h := newHarness(t)
	id := h.createSplit(t, [][20]byte{testAlice, testBob}, []int64{10, 10}, [][20]byte{assetUSD, assetEUR})
	h.deposit(t, id, testAlice, 10)

	// Bob's deposit transfer is allowed; the EUR settlement leg is rejected.
	calls := 0
	failing := &failAfter{inner: h.tokens[assetEUR], allow: 1, calls: &calls}
	h.engine.SetTokens(wrappedTokens{base: h.tokens, override: map[[20]byte]Transferer{assetEUR: failing}})
	_, err := h.engine.Deposit(h.inv(testBob), id, testBob, big.NewInt(10))
	if !errors.Is(err, ErrTransferFailed) {
		t.Fatalf("expected settlement transfer failure, got %v", err)
	}
	if Classify(err) != CategoryTransfer {
		t.Fatalf("expected transfer category, got %s", Classify(err))
	}
	if calls != 2 {
		t.Fatalf("expected deposit and settlement attempts, got %d calls", calls)
	}
}

type failAfter struct {
	inner Transferer
	allow int
	calls *int
}

func (f *failAfter) Transfer(from, to [20]byte, amount *big.Int) error {
	*f.calls++
	if *f.calls > f.allow {
		return errors.New("transfer rejected")
	}
	return f.inner.Transfer(from, to, amount)
}

type wrappedTokens struct {
	base     mockTokens
	override map[[20]byte]Transferer
}

func (w wrappedTokens) Transferer(asset [20]byte) (Transferer, error) {
	if t, ok := w.override[asset]; ok {
		return t, nil
	}
	return w.base.Transferer(asset)
}

func TestRemovedAssetDoesNotAffectExistingSplits(t *testing.T) {
	h := newHarness(t)
	id := h.createSplit(t, [][20]byte{testAlice, testBob}, []int64{10, 10}, [][20]byte{assetUSD, assetEUR})
	if err := h.engine.RemoveApprovedAsset(h.inv(testAdmin), assetEUR); err != nil {
		t.Fatalf("remove asset: %v", err)
	}
	approved, err := h.engine.IsAssetApproved(assetEUR)
	if err != nil || approved {
		t.Fatalf("expected EUR revoked, got %v err=%v", approved, err)
	}
	h.deposit(t, id, testAlice, 10)
	split := h.deposit(t, id, testBob, 10)
	if split.Status != StatusReleased {
		t.Fatalf("expected release with revoked asset, got %s", split.Status)
	}
	_, err = h.engine.Create(h.inv(testCreator), CreateParams{
		Creator:      testCreator,
		TotalAmount:  big.NewInt(5),
		Participants: [][20]byte{testAlice},
		Shares:       []*big.Int{big.NewInt(5)},
		Assets:       [][20]byte{assetEUR},
		Deadline:     h.now + 5,
	})
	if !errors.Is(err, ErrAssetNotApproved) {
		t.Fatalf("expected new creation with revoked asset to fail, got %v", err)
	}
}

func TestPauseBlocksMutations(t *testing.T) {
	h := newHarness(t)
	id := h.createSplit(t, [][20]byte{testAlice}, []int64{10}, [][20]byte{assetUSD})

	if _, err := h.engine.TogglePause(h.inv(testAlice)); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	paused, err := h.engine.TogglePause(h.inv(testAdmin))
	if err != nil || !paused {
		t.Fatalf("expected paused, got %v err=%v", paused, err)
	}
	if _, err := h.engine.Deposit(h.inv(testAlice), id, testAlice, big.NewInt(1)); !errors.Is(err, ErrPaused) {
		t.Fatalf("expected ErrPaused on deposit, got %v", err)
	}
	if _, err := h.engine.Cancel(h.inv(testCreator), id); !errors.Is(err, ErrPaused) {
		t.Fatalf("expected ErrPaused on cancel, got %v", err)
	}
	if _, err := h.engine.Cancel(h.inv(testAlice), id); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized on cancel by non-creator, got %v", err)
	}
	if _, err := h.engine.ExtendDeadline(h.inv(testBob), id, h.now+500); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized on extend by non-creator, got %v", err)
	}
	if _, err := h.engine.ExtendDeadline(h.inv(testCreator), id, h.now+500); !errors.Is(err, ErrPaused) {
		t.Fatalf("expected ErrPaused on extend, got %v", err)
	}
	if _, err := h.engine.Release(h.inv(testBob), id); !errors.Is(err, ErrPaused) {
		t.Fatalf("expected ErrPaused on release, got %v", err)
	}
	_, err = h.engine.Create(h.inv(testCreator), CreateParams{
		Creator: testCreator, TotalAmount: big.NewInt(1),
		Participants: [][20]byte{testAlice}, Shares: []*big.Int{big.NewInt(1)},
		Assets: [][20]byte{assetUSD}, Deadline: h.now + 5,
	})
	if !errors.Is(err, ErrPaused) || Classify(err) != CategoryStateConflict {
		t.Fatalf("expected ErrPaused on create, got %v", err)
	}
	if _, err := h.engine.Split(id); err != nil {
		t.Fatalf("reads must work while paused: %v", err)
	}
	paused, err = h.engine.TogglePause(h.inv(testAdmin))
	if err != nil || paused {
		t.Fatalf("expected unpaused, got %v err=%v", paused, err)
	}
	h.deposit(t, id, testAlice, 10)
}

func TestInitializeOnce(t *testing.T) {
	engine := NewEngine()
	state := newMockState()
	engine.SetState(state)
	inv := Invocation{Caller: testAdmin, Timestamp: testNow}

	if _, err := engine.Admin(); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("expected ErrNotInitialized, got %v", err)
	}
	if err := engine.AddApprovedAsset(inv, assetEUR); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("expected ErrNotInitialized, got %v", err)
	}
	if err := engine.Initialize(Invocation{Caller: testAlice, Timestamp: testNow}, testAdmin, assetUSD); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if err := engine.Initialize(inv, testAdmin, assetUSD); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if err := engine.Initialize(inv, testAdmin, assetUSD); !errors.Is(err, ErrAlreadyInitialized) {
		t.Fatalf("expected ErrAlreadyInitialized, got %v", err)
	}
	admin, err := engine.Admin()
	if err != nil || admin != testAdmin {
		t.Fatalf("unexpected admin %x err=%v", admin, err)
	}
	def, err := engine.DefaultAsset()
	if err != nil || def != assetUSD {
		t.Fatalf("unexpected default asset %x err=%v", def, err)
	}
	approved, err := engine.IsAssetApproved(assetUSD)
	if err != nil || !approved {
		t.Fatalf("expected default asset approved")
	}
}

func TestSplitReadDoesNotExposeStoredInstance(t *testing.T) {
	h := newHarness(t)
	id := h.createSplit(t, [][20]byte{testAlice}, []int64{10}, [][20]byte{assetUSD})
	view, err := h.engine.Split(id)
	if err != nil {
		t.Fatalf("split: %v", err)
	}
	view.Participants[0].AmountPaid.SetInt64(9)
	if h.stored(t, id).Participants[0].AmountPaid.Sign() != 0 {
		t.Fatalf("mutating a read leaked into state")
	}
}

func TestZeroShareParticipantIsPaidFromCreation(t *testing.T) {
	h := newHarness(t)
	id := h.createSplit(t, [][20]byte{testAlice, testBob}, []int64{500, 0}, [][20]byte{assetUSD, assetUSD})

	stored := h.stored(t, id)
	bob := stored.Participants[1]
	if !bob.Paid || bob.PaidAt != testNow || !bob.FullyPaid() {
		t.Fatalf("zero-share participant not marked paid: %+v", bob)
	}
	if alice := stored.Participants[0]; alice.Paid || alice.PaidAt != 0 {
		t.Fatalf("funded participant marked paid early: %+v", alice)
	}

	h.now += 10
	h.deposit(t, id, testAlice, 500)
	settled := h.stored(t, id)
	if settled.Status != StatusReleased {
		t.Fatalf("expected released, got %s", settled.Status)
	}
	for i, p := range settled.Participants {
		if !p.Paid || p.PaidAt == 0 {
			t.Fatalf("participant %d not paid after release: %+v", i, p)
		}
	}
	if settled.Participants[1].PaidAt != testNow {
		t.Fatalf("zero-share paid_at moved to %d", settled.Participants[1].PaidAt)
	}
	if settled.Participants[0].PaidAt != testNow+10 {
		t.Fatalf("unexpected paid_at %d", settled.Participants[0].PaidAt)
	}
	if _, err := h.engine.Deposit(h.inv(testBob), id, testBob, big.NewInt(1)); !errors.Is(err, ErrNotActive) {
		t.Fatalf("expected deposit on released split to fail, got %v", err)
	}
}
