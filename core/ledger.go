package core

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strconv"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"splitledger/core/events"
	"splitledger/core/genesis"
	"splitledger/core/state"
	"splitledger/core/types"
	"splitledger/native/bank"
	"splitledger/native/escrow"
	"splitledger/observability"
	"splitledger/observability/logging"
	"splitledger/observability/otel"
	"splitledger/storage"
)

// ErrTokenNotFound is returned when a token lookup misses.
var ErrTokenNotFound = errors.New("token not found")

// Ledger hosts the split escrow module. It executes one call at a time against
// a write buffer over the database, commits the buffer when the call succeeds
// and discards it otherwise. Events emitted during a call are published only
// after the commit.
type Ledger struct {
	mu sync.Mutex

	db        storage.Database
	custody   [20]byte
	nowFn     func() int64
	feed      *events.Feed
	sinks     events.MultiEmitter
	overrides map[[20]byte]escrow.Transferer

	logger  *slog.Logger
	metrics *observability.EscrowLedgerMetrics
	tracer  trace.Tracer
}

// NewLedger creates a ledger over db. feedCapacity bounds the in-memory event
// window served by Events; non-positive values use the default.
func NewLedger(db storage.Database, feedCapacity int) *Ledger {
	feed := events.NewFeed(feedCapacity)
	feed.SetDropHook(observability.Events().RecordDropped)
	return &Ledger{
		db:        db,
		custody:   bank.EscrowCustodyAddress,
		nowFn:     func() int64 { return time.Now().Unix() },
		feed:      feed,
		overrides: make(map[[20]byte]escrow.Transferer),
		logger:    slog.Default(),
		metrics:   observability.EscrowMetrics(),
		tracer:    otel.Tracer(),
	}
}

// SetNowFunc overrides the ledger clock. Passing nil restores wall time.
func (l *Ledger) SetNowFunc(now func() int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if now == nil {
		now = func() int64 { return time.Now().Unix() }
	}
	l.nowFn = now
}

// SetLogger replaces the structured logger.
func (l *Ledger) SetLogger(logger *slog.Logger) {
	if logger == nil {
		return
	}
	l.mu.Lock()
	l.logger = logger
	l.mu.Unlock()
}

// AddSink registers an emitter that receives every committed event after the
// feed has recorded it.
func (l *Ledger) AddSink(sink events.Emitter) {
	if sink == nil {
		return
	}
	l.mu.Lock()
	l.sinks = append(l.sinks, sink)
	l.mu.Unlock()
}

// OverrideTransferer replaces the state-backed token ledger for asset. Passing
// nil removes the override.
func (l *Ledger) OverrideTransferer(asset [20]byte, t escrow.Transferer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if t == nil {
		delete(l.overrides, asset)
		return
	}
	l.overrides[asset] = t
}

// Events returns the committed event feed.
func (l *Ledger) Events() *events.Feed { return l.feed }

// Custody returns the module account that holds deposits.
func (l *Ledger) Custody() [20]byte { return l.custody }

type call struct {
	manager *state.Manager
	engine  *escrow.Engine
	bank    *bank.Registry
}

func (l *Ledger) newCall(db storage.Database, emitter events.Emitter) *call {
	manager := state.NewManager(db)
	registry := bank.NewRegistry(manager)
	for asset, t := range l.overrides {
		registry.Override(asset, t)
	}
	engine := escrow.NewEngine()
	engine.SetState(manager)
	engine.SetTokens(registry)
	engine.SetCustody(l.custody)
	engine.SetNowFunc(l.nowFn)
	engine.SetEmitter(emitter)
	return &call{manager: manager, engine: engine, bank: registry}
}

// mutate runs fn as one all-or-nothing call.
func (l *Ledger) mutate(ctx context.Context, op string, attrs []attribute.KeyValue, fn func(*call) error) error {
	ctx, span := l.tracer.Start(ctx, "ledger."+op, trace.WithAttributes(attrs...))
	defer span.End()
	start := time.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	overlay := storage.NewOverlay(l.db)
	buffer := &events.Buffer{}
	err := fn(l.newCall(overlay, buffer))
	if err == nil {
		pending := overlay.Pending()
		if err = overlay.Commit(); err != nil {
			err = fmt.Errorf("ledger: commit %d writes: %w", pending, err)
		}
	} else {
		overlay.Discard()
	}
	l.finish(ctx, span, op, start, err)
	if err != nil {
		return err
	}
	l.publish(buffer)
	return nil
}

// view runs fn against committed state. Nothing fn writes is kept.
func (l *Ledger) view(ctx context.Context, op string, fn func(*call) error) error {
	_, span := l.tracer.Start(ctx, "ledger."+op)
	defer span.End()

	l.mu.Lock()
	defer l.mu.Unlock()

	overlay := storage.NewOverlay(l.db)
	defer overlay.Discard()
	err := fn(l.newCall(overlay, events.NoopEmitter{}))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (l *Ledger) finish(ctx context.Context, span trace.Span, op string, start time.Time, err error) {
	elapsed := time.Since(start)
	outcome := "success"
	if err != nil {
		outcome = string(escrow.Classify(err))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		l.logger.LogAttrs(ctx, slog.LevelWarn, "ledger call failed",
			slog.String("operation", op),
			slog.String("category", outcome),
			slog.String("error", err.Error()),
			slog.Duration("elapsed", elapsed))
	} else {
		l.logger.LogAttrs(ctx, slog.LevelDebug, "ledger call committed",
			slog.String("operation", op),
			slog.Duration("elapsed", elapsed))
	}
	l.metrics.ObserveOperation(op, outcome, elapsed)
}

// publish must run with l.mu held so events leave in commit order.
func (l *Ledger) publish(buffer *events.Buffer) {
	manager := state.NewManager(l.db)
	for _, evt := range buffer.Events() {
		payload := events.ToTypes(evt)
		if payload == nil {
			continue
		}
		l.recordEventMetrics(manager, payload)
	}
	buffer.Flush(append(events.MultiEmitter{l.feed}, l.sinks...))
}

func (l *Ledger) recordEventMetrics(manager *state.Manager, evt *types.Event) {
	observability.Events().RecordPublished(evt.Type)
	amount, ok := new(big.Int).SetString(evt.Attributes["amount"], 10)
	if !ok {
		amount = nil
	}
	switch evt.Type {
	case escrow.EventTypePaymentReceived:
		l.metrics.RecordDeposit(assetLabel(manager, evt.Attributes["asset"]), amount)
	case escrow.EventTypeFundsReleased:
		l.metrics.RecordSettlement(assetLabel(manager, evt.Attributes["asset"]), amount)
	case escrow.EventTypeRefundIssued:
		l.metrics.RecordRefund(assetLabel(manager, evt.Attributes["asset"]), amount)
	case escrow.EventTypeCreated, escrow.EventTypeCompleted, escrow.EventTypeCancelled, escrow.EventTypeExpired:
		if stats, err := manager.EscrowStats(); err == nil {
			l.metrics.SetSplitCount("created", stats.TotalCreated)
			l.metrics.SetSplitCount("released", stats.TotalReleased)
			l.metrics.SetSplitCount("cancelled", stats.TotalCancelled)
			l.metrics.SetSplitCount("expired", stats.TotalExpired)
		}
	}
}

func assetLabel(manager *state.Manager, encoded string) string {
	raw, err := hex.DecodeString(encoded)
	if err != nil || len(raw) != 20 {
		return encoded
	}
	var asset [20]byte
	copy(asset[:], raw)
	if meta, err := manager.Token(asset); err == nil && meta != nil {
		return meta.Symbol
	}
	return encoded
}

func splitAttr(id uint64) attribute.KeyValue {
	return attribute.String("split.id", strconv.FormatUint(id, 10))
}

func callerAttr(caller [20]byte) attribute.KeyValue {
	return attribute.String("caller", hex.EncodeToString(caller[:]))
}

// ApplyGenesis bootstraps tokens, allocations and the escrow configuration in
// a single call.
func (l *Ledger) ApplyGenesis(ctx context.Context, spec *genesis.Spec) (*genesis.Result, error) {
	var result *genesis.Result
	err := l.mutate(ctx, "genesis", nil, func(c *call) error {
		var err error
		result, err = genesis.Apply(c.manager, c.engine, spec)
		return err
	})
	return result, err
}

// Initialize configures the admin and default asset. The caller must be admin.
func (l *Ledger) Initialize(ctx context.Context, caller, admin, defaultAsset [20]byte) error {
	return l.mutate(ctx, "initialize", []attribute.KeyValue{callerAttr(caller)}, func(c *call) error {
		return c.engine.Initialize(c.engine.Invoke(caller), admin, defaultAsset)
	})
}

// AddApprovedAsset adds asset to the allowlist.
func (l *Ledger) AddApprovedAsset(ctx context.Context, caller, asset [20]byte) error {
	return l.mutate(ctx, "add_approved_asset", []attribute.KeyValue{callerAttr(caller)}, func(c *call) error {
		return c.engine.AddApprovedAsset(c.engine.Invoke(caller), asset)
	})
}

// RemoveApprovedAsset removes asset from the allowlist.
func (l *Ledger) RemoveApprovedAsset(ctx context.Context, caller, asset [20]byte) error {
	return l.mutate(ctx, "remove_approved_asset", []attribute.KeyValue{callerAttr(caller)}, func(c *call) error {
		return c.engine.RemoveApprovedAsset(c.engine.Invoke(caller), asset)
	})
}

// IsAssetApproved reports whether asset may back new splits.
func (l *Ledger) IsAssetApproved(ctx context.Context, asset [20]byte) (bool, error) {
	var approved bool
	err := l.view(ctx, "is_asset_approved", func(c *call) error {
		var err error
		approved, err = c.engine.IsAssetApproved(asset)
		return err
	})
	return approved, err
}

// ApprovedAssets lists the allowlist.
func (l *Ledger) ApprovedAssets(ctx context.Context) ([][20]byte, error) {
	var assets [][20]byte
	err := l.view(ctx, "approved_assets", func(c *call) error {
		var err error
		assets, err = c.manager.ApprovedAssets()
		return err
	})
	return assets, err
}

// CreateSplit opens a new split and returns its identifier.
func (l *Ledger) CreateSplit(ctx context.Context, caller [20]byte, params escrow.CreateParams) (uint64, error) {
	var id uint64
	err := l.mutate(ctx, "create_split", []attribute.KeyValue{callerAttr(caller)}, func(c *call) error {
		var err error
		id, err = c.engine.Create(c.engine.Invoke(caller), params)
		return err
	})
	if err != nil {
		return 0, err
	}
	l.logger.Debug("split created",
		slog.Uint64("splitId", id),
		slog.Int("participants", len(params.Participants)),
		logging.MaskField("description", params.Description))
	return id, nil
}

// Deposit pays amount on behalf of participant. The returned split reflects
// the state after the call, including settlement when the deposit completed
// the funding.
func (l *Ledger) Deposit(ctx context.Context, caller [20]byte, id uint64, participant [20]byte, amount *big.Int) (*escrow.Split, error) {
	var split *escrow.Split
	err := l.mutate(ctx, "deposit", []attribute.KeyValue{callerAttr(caller), splitAttr(id)}, func(c *call) error {
		var err error
		split, err = c.engine.Deposit(c.engine.Invoke(caller), id, participant, amount)
		return err
	})
	if err != nil {
		return nil, err
	}
	return split, nil
}

// ReleaseFunds settles a fully funded split that has not been released yet.
func (l *Ledger) ReleaseFunds(ctx context.Context, caller [20]byte, id uint64) (*escrow.Settlement, error) {
	var settlement *escrow.Settlement
	err := l.mutate(ctx, "release_funds", []attribute.KeyValue{callerAttr(caller), splitAttr(id)}, func(c *call) error {
		var err error
		settlement, err = c.engine.Release(c.engine.Invoke(caller), id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return settlement, nil
}

// ClaimRefund returns the participant's contribution of a cancelled or expired
// split.
func (l *Ledger) ClaimRefund(ctx context.Context, caller [20]byte, id uint64, participant [20]byte) (*big.Int, error) {
	var amount *big.Int
	err := l.mutate(ctx, "claim_refund", []attribute.KeyValue{callerAttr(caller), splitAttr(id)}, func(c *call) error {
		var err error
		amount, err = c.engine.ClaimRefund(c.engine.Invoke(caller), id, participant)
		return err
	})
	if err != nil {
		return nil, err
	}
	return amount, nil
}

// CancelSplit cancels a split on behalf of its creator.
func (l *Ledger) CancelSplit(ctx context.Context, caller [20]byte, id uint64) (*escrow.Split, error) {
	var split *escrow.Split
	err := l.mutate(ctx, "cancel_split", []attribute.KeyValue{callerAttr(caller), splitAttr(id)}, func(c *call) error {
		var err error
		split, err = c.engine.Cancel(c.engine.Invoke(caller), id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return split, nil
}

// ExtendDeadline moves the deadline of an active split forward.
func (l *Ledger) ExtendDeadline(ctx context.Context, caller [20]byte, id uint64, deadline int64) (*escrow.Split, error) {
	var split *escrow.Split
	err := l.mutate(ctx, "extend_deadline", []attribute.KeyValue{callerAttr(caller), splitAttr(id)}, func(c *call) error {
		var err error
		split, err = c.engine.ExtendDeadline(c.engine.Invoke(caller), id, deadline)
		return err
	})
	if err != nil {
		return nil, err
	}
	return split, nil
}

// UpdateMetadata merges updates into the metadata of an active split. Empty
// values remove keys.
func (l *Ledger) UpdateMetadata(ctx context.Context, caller [20]byte, id uint64, updates map[string]string) (*escrow.Split, error) {
	var split *escrow.Split
	err := l.mutate(ctx, "update_metadata", []attribute.KeyValue{callerAttr(caller), splitAttr(id)}, func(c *call) error {
		var err error
		split, err = c.engine.UpdateMetadata(c.engine.Invoke(caller), id, updates)
		return err
	})
	if err != nil {
		return nil, err
	}
	return split, nil
}

// IsFullyFunded reports whether every share of the split has been paid.
func (l *Ledger) IsFullyFunded(ctx context.Context, id uint64) (bool, error) {
	var funded bool
	err := l.view(ctx, "is_fully_funded", func(c *call) error {
		var err error
		funded, err = c.engine.IsFullyFunded(id)
		return err
	})
	return funded, err
}

// GetSplit returns a copy of the split with lazy expiry applied.
func (l *Ledger) GetSplit(ctx context.Context, id uint64) (*escrow.Split, error) {
	var split *escrow.Split
	err := l.view(ctx, "get_split", func(c *call) error {
		var err error
		split, err = c.engine.Split(id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return split, nil
}

// SplitCount returns the highest split identifier allocated so far.
func (l *Ledger) SplitCount(ctx context.Context) (uint64, error) {
	var count uint64
	err := l.view(ctx, "split_count", func(c *call) error {
		var err error
		count, err = c.manager.SplitCount()
		return err
	})
	return count, err
}

// TogglePause flips the pause flag and returns its new value.
func (l *Ledger) TogglePause(ctx context.Context, caller [20]byte) (bool, error) {
	var paused bool
	err := l.mutate(ctx, "toggle_pause", []attribute.KeyValue{callerAttr(caller)}, func(c *call) error {
		var err error
		paused, err = c.engine.TogglePause(c.engine.Invoke(caller))
		return err
	})
	return paused, err
}

// Paused reports the pause flag.
func (l *Ledger) Paused(ctx context.Context) (bool, error) {
	var paused bool
	err := l.view(ctx, "paused", func(c *call) error {
		var err error
		paused, err = c.engine.Paused()
		return err
	})
	return paused, err
}

// Admin returns the configured admin.
func (l *Ledger) Admin(ctx context.Context) ([20]byte, error) {
	var admin [20]byte
	err := l.view(ctx, "admin", func(c *call) error {
		var err error
		admin, err = c.engine.Admin()
		return err
	})
	return admin, err
}

// DefaultAsset returns the asset approved at initialisation.
func (l *Ledger) DefaultAsset(ctx context.Context) ([20]byte, error) {
	var asset [20]byte
	err := l.view(ctx, "default_asset", func(c *call) error {
		var err error
		asset, err = c.engine.DefaultAsset()
		return err
	})
	return asset, err
}

// Stats returns the lifetime counters of the escrow module.
func (l *Ledger) Stats(ctx context.Context) (*escrow.Stats, error) {
	var stats *escrow.Stats
	err := l.view(ctx, "stats", func(c *call) error {
		var err error
		stats, err = c.engine.Stats()
		return err
	})
	if err != nil {
		return nil, err
	}
	return stats, nil
}

// RegisterToken adds an asset to the token registry.
func (l *Ledger) RegisterToken(ctx context.Context, asset [20]byte, symbol, name string, decimals uint8) error {
	return l.mutate(ctx, "register_token", nil, func(c *call) error {
		return c.manager.RegisterToken(asset, symbol, name, decimals)
	})
}

// Token resolves token metadata by address.
func (l *Ledger) Token(ctx context.Context, asset [20]byte) (*state.TokenMetadata, error) {
	var meta *state.TokenMetadata
	err := l.view(ctx, "token", func(c *call) error {
		var err error
		meta, err = c.manager.Token(asset)
		if err == nil && meta == nil {
			err = fmt.Errorf("%w: %x", ErrTokenNotFound, asset)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return meta, nil
}

// Tokens lists every registered token in address order.
func (l *Ledger) Tokens(ctx context.Context) ([]state.TokenMetadata, error) {
	var out []state.TokenMetadata
	err := l.view(ctx, "tokens", func(c *call) error {
		list, err := c.manager.TokenList()
		if err != nil {
			return err
		}
		for _, asset := range list {
			meta, err := c.manager.Token(asset)
			if err != nil {
				return err
			}
			if meta != nil {
				out = append(out, *meta)
			}
		}
		return nil
	})
	return out, err
}

// Mint credits amount of asset to the account. It bypasses the escrow module
// and exists for bootstrap and operator tooling.
func (l *Ledger) Mint(ctx context.Context, asset, to [20]byte, amount *big.Int) error {
	return l.mutate(ctx, "mint", nil, func(c *call) error {
		if !c.manager.TokenExists(asset) {
			return fmt.Errorf("%w: %x", bank.ErrUnknownAsset, asset)
		}
		return bank.NewLedger(c.manager, asset).Mint(to, amount)
	})
}

// Balance returns the committed balance of addr in asset.
func (l *Ledger) Balance(ctx context.Context, addr, asset [20]byte) (*big.Int, error) {
	var bal *big.Int
	err := l.view(ctx, "balance", func(c *call) error {
		var err error
		bal, err = c.manager.Balance(addr, asset)
		return err
	})
	if err != nil {
		return nil, err
	}
	return bal, nil
}
