package indexer

import (
	"time"

	"github.com/google/uuid"
)

// Transfer kinds recorded by the indexer.
const (
	KindDeposit = "deposit"
	KindRelease = "release"
	KindRefund  = "refund"
)

// EventRow stores every published ledger event keyed by its feed sequence.
type EventRow struct {
	ID         uuid.UUID `gorm:"type:uuid;primaryKey"`
	Sequence   uint64    `gorm:"uniqueIndex;not null"`
	Type       string    `gorm:"size:64;index"`
	SplitID    uint64    `gorm:"index"`
	Attributes string    `gorm:"type:text"`
	EmittedAt  int64
	CreatedAt  time.Time
}

// SplitRow is the latest projected view of a split.
type SplitRow struct {
	ID              uint64 `gorm:"primaryKey;autoIncrement:false"`
	Creator         string `gorm:"size:64;index"`
	Status          string `gorm:"size:16;index"`
	TotalAmount     string `gorm:"size:80"`
	AmountCollected string `gorm:"size:80"`
	AmountReleased  string `gorm:"size:80"`
	Participants    int
	Deadline        int64
	OpenedAt        int64
	UpdatedAt       time.Time
}

// Transfer records a single value movement into or out of custody.
type Transfer struct {
	ID           uuid.UUID `gorm:"type:uuid;primaryKey"`
	Sequence     uint64    `gorm:"uniqueIndex;not null"`
	SplitID      uint64    `gorm:"index"`
	Kind         string    `gorm:"size:16;index"`
	Counterparty string    `gorm:"size:64;index"`
	Asset        string    `gorm:"size:64;index"`
	Amount       string    `gorm:"size:80"`
	OccurredAt   int64     `gorm:"index"`
}
