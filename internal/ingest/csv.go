package ingest

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/mpesa-analytics/riskpipe/internal/pipeline"
	"github.com/mpesa-analytics/riskpipe/internal/txn"
)

// RequiredColumns must appear in a CSV header.
var RequiredColumns = []string{
	"transaction_id",
	"sender_phone",
	"receiver_phone",
	"transaction_type",
	"amount",
	"transaction_date",
}

// csvFields maps header columns onto raw record fields. Columns not listed
// (fraud_risk_score, category, ...) are ignored.
var csvFields = map[string]func(r *txn.Raw, v string){
	"source":           func(r *txn.Raw, v string) { r.Source = v },
	"transaction_id":   func(r *txn.Raw, v string) { r.SourceID = v },
	"sender_phone":     func(r *txn.Raw, v string) { r.Sender = v },
	"receiver_phone":   func(r *txn.Raw, v string) { r.Receiver = v },
	"transaction_type": func(r *txn.Raw, v string) { r.Type = v },
	"amount":           func(r *txn.Raw, v string) { r.Amount = v },
	"fee":              func(r *txn.Raw, v string) { r.Fee = v },
	"currency":         func(r *txn.Raw, v string) { r.Currency = v },
	"location":         func(r *txn.Raw, v string) { r.Location = v },
	"status":           func(r *txn.Raw, v string) { r.Status = v },
	"merchant_id":      func(r *txn.Raw, v string) { r.MerchantID = v },
	"reference_number": func(r *txn.Raw, v string) { r.Reference = v },
	"channel":          func(r *txn.Raw, v string) { r.Channel = v },
}

// DecodeCSV reads a CSV export with a header row.
func DecodeCSV(r io.Reader, opts Options) (pipeline.Batch, error) {
	opts = opts.withDefaults()
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true
	cr.ReuseRecord = true

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return pipeline.Batch{}, fmt.Errorf("%w: no header row", ErrMalformed)
	}
	if err != nil {
		return pipeline.Batch{}, fmt.Errorf("%w: %w", ErrMalformed, err)
	}

	index := make(map[string]int, len(header))
	for i, col := range header {
		col = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(col, "\ufeff")))
		index[col] = i
	}
	var missing []string
	for _, col := range RequiredColumns {
		if _, ok := index[col]; !ok {
			missing = append(missing, col)
		}
	}
	if len(missing) > 0 {
		return pipeline.Batch{}, fmt.Errorf("%w: %s", ErrMissingColumns, strings.Join(missing, ", "))
	}
	dateCol := index["transaction_date"]

	var batch pipeline.Batch
	for {
		row, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return pipeline.Batch{}, fmt.Errorf("%w: %w", ErrMalformed, err)
		}

		raw := txn.Raw{Source: opts.Source}
		for col, i := range index {
			set, ok := csvFields[col]
			if !ok || i >= len(row) {
				continue
			}
			if v := strings.TrimSpace(row[i]); v != "" {
				set(&raw, v)
			}
		}
		if dateCol < len(row) {
			raw.Timestamp = parseTime(row[dateCol], opts.Location)
		}
		batch.Records = append(batch.Records, raw)
	}
	return batch, nil
}
