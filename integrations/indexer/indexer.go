package indexer

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strconv"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"splitledger/core/events"
	"splitledger/crypto"
	"splitledger/native/escrow"
)

// DefaultDSN keeps the projection in a shared in-memory sqlite database.
const DefaultDSN = "file::memory:?cache=shared"

// Open connects to the sqlite database described by dsn.
func Open(dsn string) (*gorm.DB, error) {
	if dsn == "" {
		dsn = DefaultDSN
	}
	return gorm.Open(sqlite.Open(dsn), &gorm.Config{})
}

// Indexer projects ledger events into relational tables for reporting.
type Indexer struct {
	db     *gorm.DB
	logger *slog.Logger
}

// New migrates the schema and returns an indexer writing to db.
func New(db *gorm.DB, logger *slog.Logger) (*Indexer, error) {
	if db == nil {
		return nil, errors.New("indexer: database required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if err := db.AutoMigrate(&EventRow{}, &SplitRow{}, &Transfer{}); err != nil {
		return nil, fmt.Errorf("indexer: migrate: %w", err)
	}
	return &Indexer{db: db, logger: logger.With(slog.String("component", "indexer"))}, nil
}

// Cursor returns the highest sequence ingested so far.
func (ix *Indexer) Cursor(ctx context.Context) (uint64, error) {
	var cursor uint64
	err := ix.db.WithContext(ctx).Model(&EventRow{}).Select("COALESCE(MAX(sequence), 0)").Scan(&cursor).Error
	return cursor, err
}

// Run catches up from the feed's retained window and then follows live
// records until ctx is cancelled.
func (ix *Indexer) Run(ctx context.Context, feed *events.Feed) error {
	if feed == nil {
		return errors.New("indexer: feed required")
	}
	live, cancel := feed.Subscribe(256)
	defer cancel()

	cursor, err := ix.CatchUp(ctx, feed)
	if err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case record, ok := <-live:
			if !ok {
				return nil
			}
			if record.Sequence <= cursor {
				continue
			}
			if record.Sequence > cursor+1 {
				ix.logger.Warn("indexer fell behind the event feed",
					slog.Uint64("cursor", cursor),
					slog.Uint64("sequence", record.Sequence))
			}
			if err := ix.Ingest(ctx, record); err != nil {
				return err
			}
			cursor = record.Sequence
		}
	}
}

// CatchUp ingests every retained feed record past the stored cursor and
// returns the new cursor.
func (ix *Indexer) CatchUp(ctx context.Context, feed *events.Feed) (uint64, error) {
	cursor, err := ix.Cursor(ctx)
	if err != nil {
		return 0, err
	}
	for _, record := range feed.Since(cursor, 0) {
		if err := ix.Ingest(ctx, record); err != nil {
			return cursor, err
		}
		cursor = record.Sequence
	}
	return cursor, nil
}

// Ingest stores one feed record and updates the projections. Records already
// ingested are ignored.
func (ix *Indexer) Ingest(ctx context.Context, record events.Record) error {
	if record.Event == nil {
		return nil
	}
	return ix.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing int64
		if err := tx.Model(&EventRow{}).Where("sequence = ?", record.Sequence).Count(&existing).Error; err != nil {
			return err
		}
		if existing > 0 {
			return nil
		}
		attrs := record.Event.Attributes
		encoded, err := json.Marshal(attrs)
		if err != nil {
			return err
		}
		splitID := parseUint(attrs["splitId"])
		row := EventRow{
			ID:         uuid.New(),
			Sequence:   record.Sequence,
			Type:       record.Event.Type,
			SplitID:    splitID,
			Attributes: string(encoded),
			EmittedAt:  parseInt(attrs["timestamp"]),
		}
		if err := tx.Create(&row).Error; err != nil {
			return err
		}
		return project(tx, record.Sequence, record.Event.Type, splitID, attrs)
	})
}

func project(tx *gorm.DB, seq uint64, eventType string, splitID uint64, attrs map[string]string) error {
	ts := parseInt(attrs["timestamp"])
	switch eventType {
	case escrow.EventTypeCreated:
		row := SplitRow{
			ID:              splitID,
			Creator:         accountString(attrs["creator"]),
			Status:          attrs["status"],
			TotalAmount:     amountOrZero(attrs["totalAmount"]),
			AmountCollected: "0",
			AmountReleased:  "0",
			Participants:    int(parseInt(attrs["participants"])),
			Deadline:        parseInt(attrs["deadline"]),
			OpenedAt:        ts,
		}
		return tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(&row).Error
	case escrow.EventTypePaymentReceived:
		if err := updateSplit(tx, splitID, map[string]interface{}{
			"status":           attrs["status"],
			"amount_collected": amountOrZero(attrs["amountCollected"]),
		}); err != nil {
			return err
		}
		return recordTransfer(tx, seq, splitID, KindDeposit, attrs["participant"], attrs, ts)
	case escrow.EventTypeFundsReleased:
		return recordTransfer(tx, seq, splitID, KindRelease, attrs["creator"], attrs, ts)
	case escrow.EventTypeCompleted:
		return updateSplit(tx, splitID, map[string]interface{}{
			"status":          attrs["status"],
			"amount_released": amountOrZero(attrs["amountReleased"]),
		})
	case escrow.EventTypeCancelled, escrow.EventTypeExpired:
		return updateSplit(tx, splitID, map[string]interface{}{"status": attrs["status"]})
	case escrow.EventTypeDeadlineExtended:
		return updateSplit(tx, splitID, map[string]interface{}{"deadline": parseInt(attrs["deadline"])})
	case escrow.EventTypeRefundIssued:
		var split SplitRow
		if err := tx.First(&split, splitID).Error; err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		} else if err == nil {
			collected, _ := new(big.Int).SetString(amountOrZero(split.AmountCollected), 10)
			refunded, _ := new(big.Int).SetString(amountOrZero(attrs["amount"]), 10)
			if collected != nil && refunded != nil {
				collected.Sub(collected, refunded)
				if collected.Sign() < 0 {
					collected.SetInt64(0)
				}
				if err := updateSplit(tx, splitID, map[string]interface{}{"amount_collected": collected.String()}); err != nil {
					return err
				}
			}
		}
		return recordTransfer(tx, seq, splitID, KindRefund, attrs["participant"], attrs, ts)
	}
	return nil
}

func updateSplit(tx *gorm.DB, id uint64, fields map[string]interface{}) error {
	if status, ok := fields["status"]; ok && status == "" {
		delete(fields, "status")
	}
	if len(fields) == 0 {
		return nil
	}
	return tx.Model(&SplitRow{}).Where("id = ?", id).Updates(fields).Error
}

func recordTransfer(tx *gorm.DB, seq, splitID uint64, kind, counterparty string, attrs map[string]string, ts int64) error {
	transfer := Transfer{
		ID:           uuid.New(),
		Sequence:     seq,
		SplitID:      splitID,
		Kind:         kind,
		Counterparty: accountString(counterparty),
		Asset:        assetString(attrs["asset"]),
		Amount:       amountOrZero(attrs["amount"]),
		OccurredAt:   ts,
	}
	return tx.Create(&transfer).Error
}

// Split returns the projected view of a split.
func (ix *Indexer) Split(ctx context.Context, id uint64) (*SplitRow, error) {
	var row SplitRow
	if err := ix.db.WithContext(ctx).First(&row, id).Error; err != nil {
		return nil, err
	}
	return &row, nil
}

// TransferFilter narrows transfer queries. Zero values match everything.
type TransferFilter struct {
	Kind    string
	SplitID uint64
	Since   int64
	Until   int64
}

// Transfers lists recorded transfers in feed order.
func (ix *Indexer) Transfers(ctx context.Context, filter TransferFilter) ([]Transfer, error) {
	query := ix.db.WithContext(ctx).Model(&Transfer{})
	if filter.Kind != "" {
		query = query.Where("kind = ?", filter.Kind)
	}
	if filter.SplitID != 0 {
		query = query.Where("split_id = ?", filter.SplitID)
	}
	if filter.Since > 0 {
		query = query.Where("occurred_at >= ?", filter.Since)
	}
	if filter.Until > 0 {
		query = query.Where("occurred_at < ?", filter.Until)
	}
	var out []Transfer
	if err := query.Order("sequence ASC").Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

// Settlements lists release transfers to creators.
func (ix *Indexer) Settlements(ctx context.Context, since, until int64) ([]Transfer, error) {
	return ix.Transfers(ctx, TransferFilter{Kind: KindRelease, Since: since, Until: until})
}

func parseUint(v string) uint64 {
	n, _ := strconv.ParseUint(v, 10, 64)
	return n
}

func parseInt(v string) int64 {
	n, _ := strconv.ParseInt(v, 10, 64)
	return n
}

func amountOrZero(v string) string {
	if v == "" {
		return "0"
	}
	return v
}

func decodeHexAddr(v string) ([20]byte, bool) {
	var out [20]byte
	raw, err := hex.DecodeString(v)
	if err != nil || len(raw) != len(out) {
		return out, false
	}
	copy(out[:], raw)
	return out, true
}

func accountString(v string) string {
	if addr, ok := decodeHexAddr(v); ok {
		return crypto.AccountAddress(addr).String()
	}
	return v
}

func assetString(v string) string {
	if addr, ok := decodeHexAddr(v); ok {
		return crypto.AssetAddress(addr).String()
	}
	return v
}
