package profile

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	sq "github.com/Masterminds/squirrel"
)

// PostgresStore persists profiles in the account_profiles table.
type PostgresStore struct {
	db *sql.DB
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a PostgreSQL-backed profile store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

var profileColumns = []string{
	"account", "out_count", "out_sum", "out_mean", "out_m2",
	"in_count", "in_sum", "first_seen", "last_seen", "last_sent",
	"counterparties", "recent", "version",
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProfile(row rowScanner) (*Profile, error) {
	var (
		p                  Profile
		lastSent           sql.NullTime
		counterpartiesJSON []byte
		recentJSON         []byte
	)
	err := row.Scan(
		&p.Account, &p.Count, &p.Sum, &p.Mean, &p.M2,
		&p.ReceivedCount, &p.ReceivedSum, &p.FirstSeen, &p.LastSeen, &lastSent,
		&counterpartiesJSON, &recentJSON, &p.Version,
	)
	if err != nil {
		return nil, err
	}
	if lastSent.Valid {
		p.LastSent = lastSent.Time
	}
	p.Counterparties = make(map[string]int64)
	if err := json.Unmarshal(counterpartiesJSON, &p.Counterparties); err != nil {
		p.Damaged = "counterparties: " + err.Error()
	}
	if err := json.Unmarshal(recentJSON, &p.Recent); err != nil {
		p.Damaged = "recent: " + err.Error()
	}
	return &p, nil
}

func (s *PostgresStore) Get(ctx context.Context, account string) (*Profile, error) {
	query, args, err := psql.Select(profileColumns...).
		From("account_profiles").
		Where(sq.Eq{"account": account}).
		ToSql()
	if err != nil {
		return nil, err
	}

	p, err := scanProfile(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get profile: %w", err)
	}
	return p, nil
}

func (s *PostgresStore) GetMany(ctx context.Context, accounts []string) (map[string]*Profile, error) {
	out := make(map[string]*Profile, len(accounts))
	if len(accounts) == 0 {
		return out, nil
	}

	query, args, err := psql.Select(profileColumns...).
		From("account_profiles").
		Where(sq.Eq{"account": accounts}).
		ToSql()
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to load profiles: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan profile: %w", err)
		}
		out[p.Account] = p
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate profiles: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) CompareAndSwap(ctx context.Context, profiles []*Profile) error {
	if len(profiles) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin profile tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var conflicts []string
	now := time.Now().UTC()
	for _, p := range profiles {
		counterpartiesJSON, err := json.Marshal(p.Counterparties)
		if err != nil {
			return fmt.Errorf("failed to marshal counterparties: %w", err)
		}
		recentJSON, err := json.Marshal(p.Recent)
		if err != nil {
			return fmt.Errorf("failed to marshal recent activity: %w", err)
		}
		var lastSent sql.NullTime
		if !p.LastSent.IsZero() {
			lastSent = sql.NullTime{Time: p.LastSent, Valid: true}
		}

		var res sql.Result
		if p.Version == 0 {
			res, err = tx.ExecContext(ctx, `
				INSERT INTO account_profiles (account, out_count, out_sum, out_mean, out_m2,
					in_count, in_sum, first_seen, last_seen, last_sent,
					counterparties, recent, version, updated_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, 1, $13)
				ON CONFLICT (account) DO NOTHING
			`, p.Account, p.Count, p.Sum, p.Mean, p.M2,
				p.ReceivedCount, p.ReceivedSum, p.FirstSeen, p.LastSeen, lastSent,
				counterpartiesJSON, recentJSON, now)
		} else {
			res, err = tx.ExecContext(ctx, `
				UPDATE account_profiles
				SET out_count = $2, out_sum = $3, out_mean = $4, out_m2 = $5,
					in_count = $6, in_sum = $7, first_seen = $8, last_seen = $9, last_sent = $10,
					counterparties = $11, recent = $12, version = version + 1, updated_at = $13
				WHERE account = $1 AND version = $14
			`, p.Account, p.Count, p.Sum, p.Mean, p.M2,
				p.ReceivedCount, p.ReceivedSum, p.FirstSeen, p.LastSeen, lastSent,
				counterpartiesJSON, recentJSON, now, p.Version)
		}
		if err != nil {
			return fmt.Errorf("failed to write profile %s: %w", p.Account, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to write profile %s: %w", p.Account, err)
		}
		if n == 0 {
			conflicts = append(conflicts, p.Account)
		}
	}

	if len(conflicts) > 0 {
		sort.Strings(conflicts)
		return &ConflictError{Accounts: conflicts}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit profiles: %w", err)
	}
	return nil
}
