package exports

import (
	"bytes"
	"crypto/sha256"
	"encoding/csv"
	"encoding/hex"
	"strconv"
	"time"

	"splitledger/integrations/indexer"
)

var csvHeader = []string{"sequence", "split_id", "kind", "counterparty", "asset", "amount", "occurred_at"}

// TransfersCSV builds a CSV export of the supplied transfers and returns the
// serialised data alongside a SHA-256 checksum of the payload.
func TransfersCSV(transfers []indexer.Transfer) ([]byte, string, error) {
	buffer := &bytes.Buffer{}
	writer := csv.NewWriter(buffer)
	if err := writer.Write(csvHeader); err != nil {
		return nil, "", err
	}
	for _, t := range transfers {
		record := []string{
			strconv.FormatUint(t.Sequence, 10),
			strconv.FormatUint(t.SplitID, 10),
			t.Kind,
			t.Counterparty,
			t.Asset,
			amountOrZero(t.Amount),
			formatUnix(t.OccurredAt),
		}
		if err := writer.Write(record); err != nil {
			return nil, "", err
		}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		return nil, "", err
	}
	data := buffer.Bytes()
	checksum := sha256.Sum256(data)
	return data, hex.EncodeToString(checksum[:]), nil
}

func amountOrZero(v string) string {
	if v == "" {
		return "0"
	}
	return v
}

func formatUnix(ts int64) string {
	return time.Unix(ts, 0).UTC().Format(time.RFC3339)
}
