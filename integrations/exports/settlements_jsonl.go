package exports

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"splitledger/integrations/indexer"
)

type transferLine struct {
	Sequence     uint64 `json:"sequence"`
	SplitID      uint64 `json:"split_id"`
	Kind         string `json:"kind"`
	Counterparty string `json:"counterparty"`
	Asset        string `json:"asset"`
	Amount       string `json:"amount"`
	OccurredAt   string `json:"occurred_at"`
}

// TransfersJSONL builds a JSON Lines export of the supplied transfers and
// returns the serialised payload alongside a checksum.
func TransfersJSONL(transfers []indexer.Transfer) ([]byte, string, error) {
	buffer := &bytes.Buffer{}
	encoder := json.NewEncoder(buffer)
	encoder.SetEscapeHTML(false)
	for _, t := range transfers {
		line := transferLine{
			Sequence:     t.Sequence,
			SplitID:      t.SplitID,
			Kind:         t.Kind,
			Counterparty: t.Counterparty,
			Asset:        t.Asset,
			Amount:       amountOrZero(t.Amount),
			OccurredAt:   formatUnix(t.OccurredAt),
		}
		if err := encoder.Encode(line); err != nil {
			return nil, "", err
		}
	}
	data := buffer.Bytes()
	checksum := sha256.Sum256(data)
	return data, hex.EncodeToString(checksum[:]), nil
}
