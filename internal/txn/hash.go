package txn

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
)

// ContentHash fingerprints everything that determines a record's persisted
// content: the normalised input fields and the scoring model version. Two
// runs over the same input with the same model produce the same hash.
func ContentHash(v *Validated, modelVersion string) string {
	r := v.Raw
	fields := []string{
		r.Source,
		r.SourceID,
		r.Timestamp.UTC().Format(time.RFC3339Nano),
		r.Sender,
		r.Receiver,
		v.Amount.String(),
		r.Type,
		r.Channel,
		r.Status,
		v.Fee.String(),
		v.Currency,
		r.Location,
		r.MerchantID,
		r.Reference,
		modelVersion,
	}
	sum := sha256.Sum256([]byte(strings.Join(fields, "\x1f")))
	return hex.EncodeToString(sum[:])
}

// BatchID derives a deterministic batch identifier from the ordered record
// identities, so resubmitting the same batch reports under the same id.
func BatchID(records []Raw) string {
	h := sha256.New()
	for _, r := range records {
		h.Write([]byte(r.Source))
		h.Write([]byte{0x1f})
		h.Write([]byte(r.SourceID))
		h.Write([]byte{0x1f})
		h.Write([]byte(r.Timestamp.UTC().Format(time.RFC3339Nano)))
		h.Write([]byte{0x1f})
		h.Write([]byte(strings.TrimSpace(r.Amount)))
		h.Write([]byte{0x1e})
	}
	return "batch_" + hex.EncodeToString(h.Sum(nil))[:24]
}
