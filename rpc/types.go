package rpc

import (
	"fmt"
	"math/big"
	"strings"

	"splitledger/core/events"
	"splitledger/core/state"
	"splitledger/crypto"
	"splitledger/native/escrow"
)

type callerParams struct {
	Caller string `json:"caller"`
}

type assetParams struct {
	Caller string `json:"caller,omitempty"`
	Asset  string `json:"asset"`
}

type initializeParams struct {
	Caller       string `json:"caller"`
	Admin        string `json:"admin"`
	DefaultAsset string `json:"defaultAsset"`
}

type createParticipantParams struct {
	Address string `json:"address"`
	Share   string `json:"share"`
	Asset   string `json:"asset,omitempty"`
}

type createParams struct {
	Caller       string                    `json:"caller"`
	Description  string                    `json:"description"`
	TotalAmount  string                    `json:"totalAmount"`
	Participants []createParticipantParams `json:"participants"`
	Deadline     int64                     `json:"deadline"`
	Metadata     map[string]string         `json:"metadata,omitempty"`
}

type splitIDParams struct {
	ID uint64 `json:"id"`
}

type splitActorParams struct {
	Caller string `json:"caller"`
	ID     uint64 `json:"id"`
}

type depositParams struct {
	Caller      string `json:"caller"`
	ID          uint64 `json:"id"`
	Participant string `json:"participant,omitempty"`
	Amount      string `json:"amount"`
}

type refundParams struct {
	Caller      string `json:"caller"`
	ID          uint64 `json:"id"`
	Participant string `json:"participant,omitempty"`
}

type extendParams struct {
	Caller   string `json:"caller"`
	ID       uint64 `json:"id"`
	Deadline int64  `json:"deadline"`
}

type metadataParams struct {
	Caller   string            `json:"caller"`
	ID       uint64            `json:"id"`
	Metadata map[string]string `json:"metadata"`
}

type listEventsParams struct {
	After uint64 `json:"after"`
	Limit int    `json:"limit"`
}

type balanceParams struct {
	Address string `json:"address"`
	Asset   string `json:"asset"`
}

type createResult struct {
	ID uint64 `json:"id"`
}

type participantJSON struct {
	Address     string `json:"address"`
	Asset       string `json:"asset"`
	ShareAmount string `json:"shareAmount"`
	AmountPaid  string `json:"amountPaid"`
	PaidAt      int64  `json:"paidAt,omitempty"`
	Paid        bool   `json:"paid"`
}

type splitJSON struct {
	ID              uint64            `json:"id"`
	Creator         string            `json:"creator"`
	Description     string            `json:"description"`
	TotalAmount     string            `json:"totalAmount"`
	AmountCollected string            `json:"amountCollected"`
	AmountReleased  string            `json:"amountReleased"`
	Status          string            `json:"status"`
	Deadline        int64             `json:"deadline"`
	CreatedAt       int64             `json:"createdAt"`
	FullyFunded     bool              `json:"fullyFunded"`
	Participants    []participantJSON `json:"participants"`
	Metadata        map[string]string `json:"metadata,omitempty"`
}

type volumeJSON struct {
	Asset  string `json:"asset"`
	Amount string `json:"amount"`
}

type settlementJSON struct {
	SplitID   uint64       `json:"splitId"`
	Recipient string       `json:"recipient"`
	Total     string       `json:"total"`
	Transfers []volumeJSON `json:"transfers"`
}

type refundResult struct {
	Amount string `json:"amount"`
}

type statsJSON struct {
	TotalCreated   uint64       `json:"totalCreated"`
	TotalReleased  uint64       `json:"totalReleased"`
	TotalCancelled uint64       `json:"totalCancelled"`
	TotalExpired   uint64       `json:"totalExpired"`
	TotalRefunds   uint64       `json:"totalRefunds"`
	VolumeSettled  []volumeJSON `json:"volumeSettled"`
	Paused         bool         `json:"paused"`
}

type adminResult struct {
	Admin        string `json:"admin"`
	DefaultAsset string `json:"defaultAsset"`
}

type pauseResult struct {
	Paused bool `json:"paused"`
}

type boolResult struct {
	Value bool `json:"value"`
}

type eventsResult struct {
	Events       []events.Record `json:"events"`
	LastSequence uint64          `json:"lastSequence"`
}

type balanceResult struct {
	Address string `json:"address"`
	Asset   string `json:"asset"`
	Symbol  string `json:"symbol,omitempty"`
	Balance string `json:"balance"`
}

type tokenJSON struct {
	Address  string `json:"address"`
	Symbol   string `json:"symbol"`
	Name     string `json:"name"`
	Decimals uint8  `json:"decimals"`
	Approved bool   `json:"approved"`
}

func formatAccount(addr [20]byte) string {
	return crypto.AccountAddress(addr).String()
}

func formatAsset(addr [20]byte) string {
	return crypto.AssetAddress(addr).String()
}

func amountString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func formatSplitJSON(s *escrow.Split) splitJSON {
	out := splitJSON{
		ID:              s.ID,
		Creator:         formatAccount(s.Creator),
		Description:     s.Description,
		TotalAmount:     amountString(s.TotalAmount),
		AmountCollected: amountString(s.AmountCollected),
		AmountReleased:  amountString(s.AmountReleased),
		Status:          s.Status.String(),
		Deadline:        s.Deadline,
		CreatedAt:       s.CreatedAt,
		FullyFunded:     s.FullyFunded(),
		Participants:    make([]participantJSON, len(s.Participants)),
		Metadata:        s.Metadata,
	}
	for i, p := range s.Participants {
		out.Participants[i] = participantJSON{
			Address:     formatAccount(p.Address),
			Asset:       formatAsset(p.Asset),
			ShareAmount: amountString(p.ShareAmount),
			AmountPaid:  amountString(p.AmountPaid),
			PaidAt:      p.PaidAt,
			Paid:        p.Paid,
		}
	}
	return out
}

func formatVolumes(volumes []escrow.AssetVolume) []volumeJSON {
	out := make([]volumeJSON, 0, len(volumes))
	for _, v := range volumes {
		out = append(out, volumeJSON{Asset: formatAsset(v.Asset), Amount: amountString(v.Amount)})
	}
	return out
}

func formatSettlementJSON(s *escrow.Settlement) settlementJSON {
	return settlementJSON{
		SplitID:   s.SplitID,
		Recipient: formatAccount(s.Recipient),
		Total:     amountString(s.Total),
		Transfers: formatVolumes(s.Transfers),
	}
}

func formatTokenJSON(meta state.TokenMetadata, approved bool) tokenJSON {
	return tokenJSON{
		Address:  formatAsset(meta.Address),
		Symbol:   meta.Symbol,
		Name:     meta.Name,
		Decimals: meta.Decimals,
		Approved: approved,
	}
}

func parseAccount(value string) ([20]byte, error) {
	if strings.TrimSpace(value) == "" {
		return [20]byte{}, fmt.Errorf("address required")
	}
	return crypto.ParseAddress(value, crypto.AccountPrefix)
}

func parseAmount(value string) (*big.Int, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil, fmt.Errorf("amount required")
	}
	amount, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount %q", value)
	}
	return amount, nil
}
