package audit

import (
	"encoding/csv"
	"io"
	"strconv"
	"time"

	"pointerguard/shared/types"
)

var csvHeader = []string{
	"id", "identity_id", "kind", "severity", "channel", "outcome", "error",
	"manual", "score_record_id", "created_at", "prev_hash", "hash",
}

// WriteCSV exports action records, one row each, with a header line.
func WriteCSV(w io.Writer, records []types.ActionRecord) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return err
	}
	for _, r := range records {
		row := []string{
			r.ID, r.IdentityID, string(r.Kind), r.Severity, r.Channel, r.Outcome, r.Error,
			strconv.FormatBool(r.Manual), r.ScoreRecordID, r.CreatedAt.UTC().Format(time.RFC3339Nano),
			r.PrevHash, r.Hash,
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
