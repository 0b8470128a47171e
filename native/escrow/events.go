package escrow

import (
	"encoding/hex"
	"math/big"
	"strconv"
	"strings"

	"splitledger/core/types"
)

const (
	EventTypeInitialized      = "split.initialized"
	EventTypeCreated          = "split.created"
	EventTypePaymentReceived  = "split.payment_received"
	EventTypeFundsReleased    = "split.funds_released"
	EventTypeCompleted        = "split.completed"
	EventTypeCancelled        = "split.cancelled"
	EventTypeExpired          = "split.expired"
	EventTypeRefundIssued     = "split.refund_issued"
	EventTypeDeadlineExtended = "split.deadline_extended"
	EventTypeAssetApproved    = "split.asset_approved"
	EventTypeAssetRevoked     = "split.asset_revoked"
	EventTypePauseToggled     = "split.pause_toggled"
	EventTypeMetadataUpdated  = "split.metadata_updated"
)

type escrowEvent struct {
	evt *types.Event
}

func (e escrowEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

func (e escrowEvent) Event() *types.Event { return e.evt }

// NewInitializedEvent returns the payload emitted once the module has been
// configured.
func NewInitializedEvent(cfg *Config, ts int64) *types.Event {
	attrs := map[string]string{"timestamp": strconv.FormatInt(ts, 10)}
	if cfg != nil {
		attrs["admin"] = hex.EncodeToString(cfg.Admin[:])
		attrs["defaultAsset"] = hex.EncodeToString(cfg.DefaultAsset[:])
	}
	return &types.Event{Type: EventTypeInitialized, Attributes: attrs}
}

// NewCreatedEvent returns the canonical event payload for a newly created
// split.
func NewCreatedEvent(s *Split, ts int64) *types.Event {
	evt := newSplitEvent(EventTypeCreated, s, ts)
	if s != nil {
		evt.Attributes["participants"] = strconv.Itoa(len(s.Participants))
		evt.Attributes["totalAmount"] = cloneBigInt(s.TotalAmount).String()
		evt.Attributes["deadline"] = strconv.FormatInt(s.Deadline, 10)
	}
	return evt
}

// NewPaymentReceivedEvent returns the payload emitted for an accepted deposit.
func NewPaymentReceivedEvent(s *Split, p *Participant, amount *big.Int, ts int64) *types.Event {
	evt := newSplitEvent(EventTypePaymentReceived, s, ts)
	if p != nil {
		evt.Attributes["participant"] = hex.EncodeToString(p.Address[:])
		evt.Attributes["asset"] = hex.EncodeToString(p.Asset[:])
		evt.Attributes["amountPaid"] = cloneBigInt(p.AmountPaid).String()
		evt.Attributes["fullyPaid"] = strconv.FormatBool(p.FullyPaid())
	}
	evt.Attributes["amount"] = cloneBigInt(amount).String()
	if s != nil {
		evt.Attributes["amountCollected"] = cloneBigInt(s.AmountCollected).String()
	}
	return evt
}

// NewFundsReleasedEvent returns the payload for one per-asset settlement
// transfer to the creator.
func NewFundsReleasedEvent(s *Split, asset [20]byte, amount *big.Int, ts int64) *types.Event {
	evt := newSplitEvent(EventTypeFundsReleased, s, ts)
	evt.Attributes["asset"] = hex.EncodeToString(asset[:])
	evt.Attributes["amount"] = cloneBigInt(amount).String()
	return evt
}

// NewCompletedEvent summarises a settled split.
func NewCompletedEvent(s *Split, transfers int, ts int64) *types.Event {
	evt := newSplitEvent(EventTypeCompleted, s, ts)
	if s != nil {
		evt.Attributes["amountReleased"] = cloneBigInt(s.AmountReleased).String()
	}
	evt.Attributes["transfers"] = strconv.Itoa(transfers)
	return evt
}

// NewCancelledEvent returns the payload emitted when the creator cancels.
func NewCancelledEvent(s *Split, ts int64) *types.Event {
	evt := newSplitEvent(EventTypeCancelled, s, ts)
	if s != nil {
		evt.Attributes["amountCollected"] = cloneBigInt(s.AmountCollected).String()
	}
	return evt
}

// NewExpiredEvent returns the payload emitted when a split is marked expired.
// The unfunded amount is the part of the total that was never deposited.
func NewExpiredEvent(s *Split, ts int64) *types.Event {
	evt := newSplitEvent(EventTypeExpired, s, ts)
	if s != nil {
		evt.Attributes["deadline"] = strconv.FormatInt(s.Deadline, 10)
		evt.Attributes["unfundedAmount"] = s.Outstanding().String()
	}
	return evt
}

// NewRefundIssuedEvent returns the payload for a participant refund.
func NewRefundIssuedEvent(s *Split, p *Participant, amount *big.Int, ts int64) *types.Event {
	evt := newSplitEvent(EventTypeRefundIssued, s, ts)
	if p != nil {
		evt.Attributes["participant"] = hex.EncodeToString(p.Address[:])
		evt.Attributes["asset"] = hex.EncodeToString(p.Asset[:])
	}
	evt.Attributes["amount"] = cloneBigInt(amount).String()
	return evt
}

// NewDeadlineExtendedEvent records a forward move of the deadline.
func NewDeadlineExtendedEvent(s *Split, previous int64, ts int64) *types.Event {
	evt := newSplitEvent(EventTypeDeadlineExtended, s, ts)
	evt.Attributes["previousDeadline"] = strconv.FormatInt(previous, 10)
	if s != nil {
		evt.Attributes["deadline"] = strconv.FormatInt(s.Deadline, 10)
	}
	return evt
}

// NewMetadataUpdatedEvent lists the metadata keys touched by an update.
func NewMetadataUpdatedEvent(s *Split, keys []string, ts int64) *types.Event {
	evt := newSplitEvent(EventTypeMetadataUpdated, s, ts)
	evt.Attributes["keys"] = strings.Join(keys, ",")
	return evt
}

func NewAssetApprovedEvent(asset [20]byte, ts int64) *types.Event {
	return newAssetEvent(EventTypeAssetApproved, asset, ts)
}

func NewAssetRevokedEvent(asset [20]byte, ts int64) *types.Event {
	return newAssetEvent(EventTypeAssetRevoked, asset, ts)
}

func NewPauseToggledEvent(paused bool, ts int64) *types.Event {
	return &types.Event{Type: EventTypePauseToggled, Attributes: map[string]string{
		"paused":    strconv.FormatBool(paused),
		"timestamp": strconv.FormatInt(ts, 10),
	}}
}

func newAssetEvent(eventType string, asset [20]byte, ts int64) *types.Event {
	return &types.Event{Type: eventType, Attributes: map[string]string{
		"asset":     hex.EncodeToString(asset[:]),
		"timestamp": strconv.FormatInt(ts, 10),
	}}
}

func newSplitEvent(eventType string, s *Split, ts int64) *types.Event {
	attrs := map[string]string{"timestamp": strconv.FormatInt(ts, 10)}
	if s != nil {
		attrs["splitId"] = strconv.FormatUint(s.ID, 10)
		attrs["creator"] = hex.EncodeToString(s.Creator[:])
		attrs["status"] = s.Status.String()
	}
	return &types.Event{Type: eventType, Attributes: attrs}
}
