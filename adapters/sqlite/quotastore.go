package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/artpar/planmeter/domain/quota"
	"github.com/artpar/planmeter/ports"
)

// QuotaStore implements ports.QuotaStore on SQLite.
// All mutations run inside immediate transactions (see Open), so the
// select-compute-update sequences behave like row-locked read-modify-writes.
type QuotaStore struct {
	db *DB
}

// NewQuotaStore creates a new SQLite quota store.
func NewQuotaStore(db *DB) *QuotaStore {
	return &QuotaStore{db: db}
}

const quotaColumns = `subject_type, subject_id, feature_slug, limit_amount, used_amount, reset_at, created_at, updated_at`

// Get retrieves one quota row.
func (s *QuotaStore) Get(ctx context.Context, subjectType, subjectID, featureSlug string) (quota.Quota, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+quotaColumns+`
		FROM quotas
		WHERE subject_type = ? AND subject_id = ? AND feature_slug = ?
	`, subjectType, subjectID, featureSlug)
	return scanQuota(row)
}

// Put inserts or fully replaces a quota row.
func (s *QuotaStore) Put(ctx context.Context, q quota.Quota) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO quotas (`+quotaColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(subject_type, subject_id, feature_slug) DO UPDATE SET
			limit_amount = excluded.limit_amount,
			used_amount = excluded.used_amount,
			reset_at = excluded.reset_at,
			updated_at = excluded.updated_at
	`, q.SubjectType, q.SubjectID, q.FeatureSlug,
		nullDecimal(q.Limit), q.Used.String(), nullTime(q.ResetAt),
		q.CreatedAt, q.UpdatedAt)
	if err != nil {
		return fmt.Errorf("put quota: %w", err)
	}
	return nil
}

// Increment atomically adds amount to used and returns the new state.
func (s *QuotaStore) Increment(ctx context.Context, subjectType, subjectID, featureSlug string, amount decimal.Decimal, at time.Time) (quota.Quota, error) {
	return s.mutate(ctx, subjectType, subjectID, featureSlug, at, func(used decimal.Decimal) (decimal.Decimal, bool) {
		return used.Add(amount), true
	})
}

// Decrement atomically subtracts amount from used, clamping at zero.
func (s *QuotaStore) Decrement(ctx context.Context, subjectType, subjectID, featureSlug string, amount decimal.Decimal, at time.Time) (quota.Quota, error) {
	return s.mutate(ctx, subjectType, subjectID, featureSlug, at, func(used decimal.Decimal) (decimal.Decimal, bool) {
		return quota.ApplyDecrement(used, amount), true
	})
}

// IncrementWithin adds amount only if the result stays at or below ceiling.
func (s *QuotaStore) IncrementWithin(ctx context.Context, subjectType, subjectID, featureSlug string, amount decimal.Decimal, ceiling decimal.NullDecimal, at time.Time) (quota.Quota, bool, error) {
	applied := false
	q, err := s.mutate(ctx, subjectType, subjectID, featureSlug, at, func(used decimal.Decimal) (decimal.Decimal, bool) {
		next := used.Add(amount)
		if ceiling.Valid && next.GreaterThan(ceiling.Decimal) {
			return used, false
		}
		applied = true
		return next, true
	})
	return q, applied, err
}

// mutate runs a used-amount transition inside one immediate transaction.
// The transition returns the new used value and whether to write it.
func (s *QuotaStore) mutate(ctx context.Context, subjectType, subjectID, featureSlug string, at time.Time, transition func(decimal.Decimal) (decimal.Decimal, bool)) (quota.Quota, error) {
	var out quota.Quota
	err := s.db.withTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `
			SELECT `+quotaColumns+`
			FROM quotas
			WHERE subject_type = ? AND subject_id = ? AND feature_slug = ?
		`, subjectType, subjectID, featureSlug)

		q, err := scanQuota(row)
		if err != nil {
			return err
		}

		next, write := transition(q.Used)
		if !write {
			out = q
			return nil
		}

		q.Used = next
		q.UpdatedAt = at
		if _, err := tx.ExecContext(ctx, `
			UPDATE quotas SET used_amount = ?, updated_at = ?
			WHERE subject_type = ? AND subject_id = ? AND feature_slug = ?
		`, q.Used.String(), at, subjectType, subjectID, featureSlug); err != nil {
			return fmt.Errorf("update quota: %w", err)
		}
		out = q
		return nil
	})
	return out, err
}

// ListBySubject returns all quota rows for one subject.
func (s *QuotaStore) ListBySubject(ctx context.Context, subjectType, subjectID string) ([]quota.Quota, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+quotaColumns+`
		FROM quotas
		WHERE subject_type = ? AND subject_id = ?
		ORDER BY feature_slug
	`, subjectType, subjectID)
	if err != nil {
		return nil, fmt.Errorf("list quotas: %w", err)
	}
	defer rows.Close()

	var out []quota.Quota
	for rows.Next() {
		q, err := scanQuota(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, q)
	}
	return out, rows.Err()
}

// Delete removes one quota row.
func (s *QuotaStore) Delete(ctx context.Context, subjectType, subjectID, featureSlug string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM quotas
		WHERE subject_type = ? AND subject_id = ? AND feature_slug = ?
	`, subjectType, subjectID, featureSlug)
	if err != nil {
		return fmt.Errorf("delete quota: %w", err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanQuota(row scanner) (quota.Quota, error) {
	var (
		q       quota.Quota
		limit   sql.NullString
		used    string
		resetAt sql.NullTime
	)
	err := row.Scan(
		&q.SubjectType, &q.SubjectID, &q.FeatureSlug,
		&limit, &used, &resetAt,
		&q.CreatedAt, &q.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return quota.Quota{}, ports.ErrNotFound
	}
	if err != nil {
		return quota.Quota{}, fmt.Errorf("scan quota: %w", err)
	}

	if q.Used, err = decimal.NewFromString(used); err != nil {
		return quota.Quota{}, fmt.Errorf("parse used amount: %w", err)
	}
	if limit.Valid {
		d, err := decimal.NewFromString(limit.String)
		if err != nil {
			return quota.Quota{}, fmt.Errorf("parse limit amount: %w", err)
		}
		q.Limit = decimal.NullDecimal{Decimal: d, Valid: true}
	}
	if resetAt.Valid {
		t := resetAt.Time
		q.ResetAt = &t
	}
	return q, nil
}

func nullDecimal(d decimal.NullDecimal) any {
	if !d.Valid {
		return nil
	}
	return d.Decimal.String()
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

// Ensure interface compliance.
var _ ports.QuotaStore = (*QuotaStore)(nil)
