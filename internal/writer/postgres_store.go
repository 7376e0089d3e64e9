package writer

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/lib/pq"

	"github.com/mpesa-analytics/riskpipe/internal/txn"
)

// PostgresStore persists scored transactions, fraud alerts and daily
// summaries in PostgreSQL. Schema lives in migrations/.
type PostgresStore struct {
	db *sql.DB
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a PostgreSQL-backed transaction store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

var storedColumns = []string{
	"record", "run_id", "profile_applied", "claimed_by", "claimed_at", "created_at", "updated_at",
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanStored(row rowScanner) (*Stored, error) {
	var (
		st         Stored
		recordJSON []byte
		claimedBy  sql.NullString
		claimedAt  sql.NullTime
	)
	if err := row.Scan(&recordJSON, &st.RunID, &st.ProfileApplied, &claimedBy, &claimedAt, &st.CreatedAt, &st.UpdatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(recordJSON, &st.Record); err != nil {
		return nil, fmt.Errorf("failed to decode stored record: %w", err)
	}
	st.ClaimedBy = claimedBy.String
	if claimedAt.Valid {
		st.ClaimedAt = claimedAt.Time
	}
	return &st, nil
}

func splitIdentities(ids []txn.Identity) (pq.StringArray, pq.StringArray) {
	sources := make(pq.StringArray, len(ids))
	sourceIDs := make(pq.StringArray, len(ids))
	for i, id := range ids {
		sources[i] = id.Source
		sourceIDs[i] = id.ID
	}
	return sources, sourceIDs
}

func (s *PostgresStore) Lookup(ctx context.Context, ids []txn.Identity) (map[txn.Identity]*Stored, error) {
	out := make(map[txn.Identity]*Stored, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	sources, sourceIDs := splitIdentities(ids)

	query, args, err := psql.Select(storedColumns...).
		From("scored_transactions").
		Where("(source, source_id) IN (SELECT * FROM unnest(?::text[], ?::text[]))", sources, sourceIDs).
		ToSql()
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to look up transactions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		st, err := scanStored(rows)
		if err != nil {
			return nil, err
		}
		out[st.Record.Identity()] = st
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate transactions: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) WriteBatch(ctx context.Context, b Batch) ([]Outcome, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin batch tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	outcomes := make([]Outcome, len(b.Records))
	touchedDates := make(map[time.Time]bool)

	for i, rec := range b.Records {
		id := rec.Identity()
		if err := checkRecord(rec); err != nil {
			outcomes[i] = Outcome{Identity: id, Status: StatusFailed, Err: fmt.Errorf("constraint violation: %w", err)}
			continue
		}

		if _, err := tx.ExecContext(ctx, "SAVEPOINT record_write"); err != nil {
			return nil, fmt.Errorf("failed to set savepoint: %w", err)
		}
		o, prevDate, err := s.writeOne(ctx, tx, b, rec)
		if err != nil {
			if _, rbErr := tx.ExecContext(ctx, "ROLLBACK TO SAVEPOINT record_write"); rbErr != nil {
				return nil, fmt.Errorf("failed to roll back record %s: %w", id, rbErr)
			}
			if !isConstraintError(err) {
				return nil, fmt.Errorf("failed to write record %s: %w", id, err)
			}
			outcomes[i] = Outcome{Identity: id, Status: StatusFailed, Err: fmt.Errorf("constraint violation: %w", err)}
			continue
		}
		if _, err := tx.ExecContext(ctx, "RELEASE SAVEPOINT record_write"); err != nil {
			return nil, fmt.Errorf("failed to release savepoint: %w", err)
		}

		outcomes[i] = o
		if o.Status == StatusWritten || o.Status == StatusOverwritten {
			touchedDates[SummaryDate(rec)] = true
		}
		if !prevDate.IsZero() {
			touchedDates[prevDate] = true
		}
	}

	for d := range touchedDates {
		if err := refreshSummary(ctx, tx, d); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit batch: %w", err)
	}
	return outcomes, nil
}

// writeOne writes a single record inside the batch transaction. Conflicts
// under the reject policy are an outcome, not an error. On overwrite it
// also returns the summary date the record was stored under before.
func (s *PostgresStore) writeOne(ctx context.Context, tx *sql.Tx, b Batch, rec *txn.Scored) (Outcome, time.Time, error) {
	id := rec.Identity()
	o := Outcome{Identity: id}
	var prevDate time.Time

	factorsJSON, err := json.Marshal(rec.Factors)
	if err != nil {
		return o, prevDate, err
	}
	recordJSON, err := json.Marshal(rec)
	if err != nil {
		return o, prevDate, err
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO scored_transactions (
			source, source_id, occurred_at, txn_date, sender, receiver, amount, fee, currency,
			txn_type, channel, status, location, category, volume_band, region,
			score, tier, factors, record, model_version, content_hash,
			run_id, profile_applied, claimed_by, claimed_at, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9,
			$10, $11, $12, $13, $14, $15, $16,
			$17, $18, $19, $20, $21, $22,
			$23, FALSE, $23, $24, $24, $24
		)
		ON CONFLICT (source, source_id) DO NOTHING
	`,
		id.Source, id.ID, rec.Raw.Timestamp, SummaryDate(rec), rec.Raw.Sender, rec.Raw.Receiver,
		rec.Amount, rec.Fee, rec.Currency,
		rec.Raw.Type, rec.Raw.Channel, rec.Raw.Status, rec.Raw.Location,
		rec.Category, rec.VolumeBand, rec.Region,
		rec.Score, rec.Tier.String(), factorsJSON, recordJSON, rec.ModelVersion, rec.ContentHash,
		b.RunID, b.Now,
	)
	if err != nil {
		return o, prevDate, err
	}
	if n, err := res.RowsAffected(); err != nil {
		return o, prevDate, err
	} else if n == 1 {
		o.Status = StatusWritten
		o.Claimed = true
		return o, prevDate, syncAlert(ctx, tx, rec, b.Now)
	}

	var (
		existing  Stored
		hash      string
		txnDate   time.Time
		claimedBy sql.NullString
		claimedAt sql.NullTime
	)
	err = tx.QueryRowContext(ctx, `
		SELECT content_hash, txn_date, profile_applied, claimed_by, claimed_at
		FROM scored_transactions
		WHERE source = $1 AND source_id = $2
		FOR UPDATE
	`, id.Source, id.ID).Scan(&hash, &txnDate, &existing.ProfileApplied, &claimedBy, &claimedAt)
	if err != nil {
		return o, prevDate, err
	}
	existing.ClaimedBy = claimedBy.String
	if claimedAt.Valid {
		existing.ClaimedAt = claimedAt.Time
	}
	claim := claimable(&existing, b.RunID, b.Now, b.Lease)

	switch {
	case hash == rec.ContentHash:
		o.Status = StatusSkipped
	case b.Policy == PolicyReject:
		o.Status = StatusFailed
		o.Err = fmt.Errorf("%w: %s already stored with different content", txn.ErrWriteConflict, id)
		return o, prevDate, nil
	default:
		_, err = tx.ExecContext(ctx, `
			UPDATE scored_transactions
			SET occurred_at = $3, txn_date = $4, sender = $5, receiver = $6, amount = $7, fee = $8,
				currency = $9, txn_type = $10, channel = $11, status = $12, location = $13,
				category = $14, volume_band = $15, region = $16, score = $17, tier = $18,
				factors = $19, record = $20, model_version = $21, content_hash = $22,
				run_id = $23, updated_at = $24
			WHERE source = $1 AND source_id = $2
		`,
			id.Source, id.ID, rec.Raw.Timestamp, SummaryDate(rec), rec.Raw.Sender, rec.Raw.Receiver,
			rec.Amount, rec.Fee, rec.Currency,
			rec.Raw.Type, rec.Raw.Channel, rec.Raw.Status, rec.Raw.Location,
			rec.Category, rec.VolumeBand, rec.Region,
			rec.Score, rec.Tier.String(), factorsJSON, recordJSON, rec.ModelVersion, rec.ContentHash,
			b.RunID, b.Now,
		)
		if err != nil {
			return o, prevDate, err
		}
		if err := syncAlert(ctx, tx, rec, b.Now); err != nil {
			return o, prevDate, err
		}
		o.Status = StatusOverwritten
		prevDate = time.Date(txnDate.Year(), txnDate.Month(), txnDate.Day(), 0, 0, 0, 0, time.UTC)
	}

	if claim {
		_, err = tx.ExecContext(ctx, `
			UPDATE scored_transactions SET claimed_by = $3, claimed_at = $4
			WHERE source = $1 AND source_id = $2
		`, id.Source, id.ID, b.RunID, b.Now)
		if err != nil {
			return o, prevDate, err
		}
		o.Claimed = true
	}
	return o, prevDate, nil
}

// syncAlert makes the alert row match rec: upserted when rec raises an
// alert, removed otherwise.
func syncAlert(ctx context.Context, tx *sql.Tx, rec *txn.Scored, now time.Time) error {
	id := rec.Identity()
	if !RaisesAlert(rec) {
		_, err := tx.ExecContext(ctx, `
			DELETE FROM fraud_alerts WHERE source = $1 AND source_id = $2
		`, id.Source, id.ID)
		return err
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO fraud_alerts (source, source_id, score, tier, reason, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (source, source_id) DO UPDATE SET
			score = EXCLUDED.score,
			tier = EXCLUDED.tier,
			reason = EXCLUDED.reason
	`, id.Source, id.ID, rec.Score, rec.Tier.String(), AlertReason(rec), now)
	return err
}

// refreshSummary recomputes the summary row of date. A day left with no
// records loses its row.
func refreshSummary(ctx context.Context, tx *sql.Tx, date time.Time) error {
	_, err := tx.ExecContext(ctx, `
		DELETE FROM daily_transaction_summary
		WHERE summary_date = $1::date
			AND NOT EXISTS (SELECT 1 FROM scored_transactions WHERE txn_date = $1::date)
	`, date)
	if err != nil {
		return fmt.Errorf("failed to clear daily summary %s: %w", date.Format("2006-01-02"), err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO daily_transaction_summary (
			summary_date, total_transactions, total_amount, total_fees, avg_amount, max_amount,
			unique_senders, high_risk_count, completed_count, failed_count, updated_at
		)
		SELECT $1::date,
			COUNT(*),
			COALESCE(SUM(amount), 0),
			COALESCE(SUM(fee), 0),
			COALESCE(ROUND(AVG(amount), 2), 0),
			COALESCE(MAX(amount), 0),
			COUNT(DISTINCT sender),
			COUNT(*) FILTER (WHERE tier IN ('high', 'critical')),
			COUNT(*) FILTER (WHERE status = 'COMPLETED'),
			COUNT(*) FILTER (WHERE status = 'FAILED'),
			NOW()
		FROM scored_transactions
		WHERE txn_date = $1::date
		HAVING COUNT(*) > 0
		ON CONFLICT (summary_date) DO UPDATE SET
			total_transactions = EXCLUDED.total_transactions,
			total_amount = EXCLUDED.total_amount,
			total_fees = EXCLUDED.total_fees,
			avg_amount = EXCLUDED.avg_amount,
			max_amount = EXCLUDED.max_amount,
			unique_senders = EXCLUDED.unique_senders,
			high_risk_count = EXCLUDED.high_risk_count,
			completed_count = EXCLUDED.completed_count,
			failed_count = EXCLUDED.failed_count,
			updated_at = EXCLUDED.updated_at
	`, date)
	if err != nil {
		return fmt.Errorf("failed to refresh daily summary %s: %w", date.Format("2006-01-02"), err)
	}
	return nil
}

// isConstraintError reports errors scoped to one record: integrity
// constraint violations (class 23) and data exceptions (class 22).
func isConstraintError(err error) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return false
	}
	class := pqErr.Code.Class()
	return class == "23" || class == "22"
}

func (s *PostgresStore) MarkProfileApplied(ctx context.Context, runID string, ids []txn.Identity) error {
	if len(ids) == 0 {
		return nil
	}
	sources, sourceIDs := splitIdentities(ids)
	_, err := s.db.ExecContext(ctx, `
		UPDATE scored_transactions
		SET profile_applied = TRUE, claimed_by = NULL, claimed_at = NULL
		WHERE claimed_by = $1
		  AND (source, source_id) IN (SELECT * FROM unnest($2::text[], $3::text[]))
	`, runID, sources, sourceIDs)
	if err != nil {
		return fmt.Errorf("failed to mark profiles applied: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id txn.Identity) (*Stored, error) {
	query, args, err := psql.Select(storedColumns...).
		From("scored_transactions").
		Where(sq.Eq{"source": id.Source, "source_id": id.ID}).
		ToSql()
	if err != nil {
		return nil, err
	}

	st, err := scanStored(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get transaction: %w", err)
	}
	return st, nil
}

func (s *PostgresStore) ListAlerts(ctx context.Context, limit int) ([]*Alert, error) {
	q := psql.Select("source", "source_id", "score", "tier", "reason", "created_at").
		From("fraud_alerts").
		OrderBy("score DESC", "source", "source_id")
	if limit > 0 {
		q = q.Limit(uint64(limit))
	}
	query, args, err := q.ToSql()
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list alerts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Alert
	for rows.Next() {
		var a Alert
		var tier string
		if err := rows.Scan(&a.Identity.Source, &a.Identity.ID, &a.Score, &tier, &a.Reason, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan alert: %w", err)
		}
		if a.Tier, err = txn.ParseTier(tier); err != nil {
			return nil, err
		}
		out = append(out, &a)
	}
	return out, rows.Err()
}

func (s *PostgresStore) DailySummary(ctx context.Context, date time.Time) (*DailySummary, error) {
	query, args, err := psql.Select(
		"summary_date", "total_transactions", "total_amount", "total_fees", "avg_amount",
		"max_amount", "unique_senders", "high_risk_count", "completed_count", "failed_count",
	).
		From("daily_transaction_summary").
		Where(sq.Eq{"summary_date": date.UTC().Format("2006-01-02")}).
		ToSql()
	if err != nil {
		return nil, err
	}

	var d DailySummary
	err = s.db.QueryRowContext(ctx, query, args...).Scan(
		&d.Date, &d.TotalTransactions, &d.TotalAmount, &d.TotalFees, &d.AvgAmount,
		&d.MaxAmount, &d.UniqueSenders, &d.HighRiskCount, &d.CompletedCount, &d.FailedCount,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get daily summary: %w", err)
	}
	return &d, nil
}
