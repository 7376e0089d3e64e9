// Package ingest decodes batch files into pipeline batches.
//
// Two formats are accepted. JSON is either an array of records or an object
// with an optional "id" and a "records" array; field names follow txn.Raw.
// CSV uses the M-Pesa export columns (transaction_id, sender_phone,
// receiver_phone, transaction_type, amount, transaction_date, plus the
// optional ones).
//
// Decoding is lenient about values: amounts stay text and an unparsable
// timestamp is left zero, so the validator rejects the record instead of
// the whole batch failing here. Only structural problems are errors.
package ingest

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"path/filepath"
	"strings"
	"time"

	"github.com/mpesa-analytics/riskpipe/internal/pipeline"
	"github.com/mpesa-analytics/riskpipe/internal/txn"
)

// Format names an input encoding.
type Format string

const (
	FormatJSON Format = "json"
	FormatCSV  Format = "csv"
)

// DefaultSource is used for records that do not name their source system.
const DefaultSource = "mpesa"

var (
	ErrUnknownFormat  = errors.New("unknown input format")
	ErrMalformed      = errors.New("malformed input")
	ErrMissingColumns = errors.New("missing required columns")
)

// Options controls decoding.
type Options struct {
	// Source fills records without one. Defaults to DefaultSource.
	Source string
	// Location interprets timestamps that carry no zone. Defaults to UTC.
	Location *time.Location
}

func (o Options) withDefaults() Options {
	if o.Source == "" {
		o.Source = DefaultSource
	}
	if o.Location == nil {
		o.Location = time.UTC
	}
	return o
}

// FormatFromPath picks the format from a file extension.
func FormatFromPath(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return FormatJSON, nil
	case ".csv":
		return FormatCSV, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownFormat, filepath.Ext(path))
}

// FormatFromContentType picks the format from an HTTP Content-Type. An
// empty header means JSON.
func FormatFromContentType(ct string) (Format, error) {
	if ct == "" {
		return FormatJSON, nil
	}
	mt, _, err := mime.ParseMediaType(ct)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnknownFormat, err)
	}
	switch mt {
	case "application/json":
		return FormatJSON, nil
	case "text/csv", "application/csv":
		return FormatCSV, nil
	}
	return "", fmt.Errorf("%w: %s", ErrUnknownFormat, mt)
}

// Decode reads one batch in the given format.
func Decode(r io.Reader, f Format, opts Options) (pipeline.Batch, error) {
	opts = opts.withDefaults()
	switch f {
	case FormatJSON:
		return DecodeJSON(r, opts)
	case FormatCSV:
		return DecodeCSV(r, opts)
	}
	return pipeline.Batch{}, fmt.Errorf("%w: %q", ErrUnknownFormat, f)
}

// jsonRecord mirrors txn.Raw but accepts numbers for the money fields and
// any timestamp layout the CSV path accepts.
type jsonRecord struct {
	Source     string     `json:"source"`
	SourceID   string     `json:"sourceId"`
	Timestamp  string     `json:"timestamp"`
	Sender     string     `json:"sender"`
	Receiver   string     `json:"receiver"`
	Amount     flexString `json:"amount"`
	Type       string     `json:"type"`
	Channel    string     `json:"channel"`
	Status     string     `json:"status"`
	Fee        flexString `json:"fee"`
	Currency   string     `json:"currency"`
	Location   string     `json:"location"`
	MerchantID string     `json:"merchantId"`
	Reference  string     `json:"reference"`
}

// flexString holds a JSON string or the literal text of a JSON number.
type flexString string

func (s *flexString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	switch {
	case bytes.Equal(b, []byte("null")):
		*s = ""
	case len(b) > 0 && b[0] == '"':
		var v string
		if err := json.Unmarshal(b, &v); err != nil {
			return err
		}
		*s = flexString(v)
	default:
		var n json.Number
		if err := json.Unmarshal(b, &n); err != nil {
			return fmt.Errorf("expected string or number, got %s", b)
		}
		*s = flexString(n.String())
	}
	return nil
}

// DecodeJSON reads a JSON array of records or a batch object.
func DecodeJSON(r io.Reader, opts Options) (pipeline.Batch, error) {
	opts = opts.withDefaults()
	body, err := io.ReadAll(r)
	if err != nil {
		return pipeline.Batch{}, fmt.Errorf("read input: %w", err)
	}
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return pipeline.Batch{}, fmt.Errorf("%w: empty body", ErrMalformed)
	}

	var (
		batch   pipeline.Batch
		records []jsonRecord
	)
	switch body[0] {
	case '[':
		if err := json.Unmarshal(body, &records); err != nil {
			return pipeline.Batch{}, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
	case '{':
		var obj struct {
			ID      string       `json:"id"`
			Records []jsonRecord `json:"records"`
		}
		if err := json.Unmarshal(body, &obj); err != nil {
			return pipeline.Batch{}, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		batch.ID = obj.ID
		records = obj.Records
	default:
		return pipeline.Batch{}, fmt.Errorf("%w: expected a JSON array or object", ErrMalformed)
	}

	batch.Records = make([]txn.Raw, len(records))
	for i, rec := range records {
		batch.Records[i] = txn.Raw{
			Source:     orDefault(rec.Source, opts.Source),
			SourceID:   strings.TrimSpace(rec.SourceID),
			Timestamp:  parseTime(rec.Timestamp, opts.Location),
			Sender:     strings.TrimSpace(rec.Sender),
			Receiver:   strings.TrimSpace(rec.Receiver),
			Amount:     strings.TrimSpace(string(rec.Amount)),
			Type:       strings.TrimSpace(rec.Type),
			Channel:    strings.TrimSpace(rec.Channel),
			Status:     strings.TrimSpace(rec.Status),
			Fee:        strings.TrimSpace(string(rec.Fee)),
			Currency:   strings.TrimSpace(rec.Currency),
			Location:   strings.TrimSpace(rec.Location),
			MerchantID: strings.TrimSpace(rec.MerchantID),
			Reference:  strings.TrimSpace(rec.Reference),
		}
	}
	return batch, nil
}

// timeLayouts are tried in order for timestamps.
var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04:05.999999",
	"2006-01-02 15:04",
}

// parseTime returns the zero time for empty or unparsable input. Layouts
// without a zone are read in loc.
func parseTime(s string, loc *time.Location) time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}
	}
	for _, layout := range timeLayouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t
		}
	}
	return time.Time{}
}

func orDefault(v, def string) string {
	if v = strings.TrimSpace(v); v != "" {
		return v
	}
	return def
}
