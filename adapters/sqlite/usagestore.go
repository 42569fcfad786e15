package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/artpar/planmeter/domain/usage"
	"github.com/artpar/planmeter/ports"
)

// UsageStore implements ports.UsageStore on SQLite.
// AddToPeriod runs inside an immediate transaction so the find-or-create-add
// sequence is atomic: two concurrent records for the same period can neither
// duplicate the row nor lose an increment.
type UsageStore struct {
	db *DB
}

// NewUsageStore creates a new SQLite usage store.
func NewUsageStore(db *DB) *UsageStore {
	return &UsageStore{db: db}
}

const usageColumns = `id, subject_type, subject_id, feature_slug, used_amount, period_start, period_end, metadata, created_at, updated_at`

// Insert appends a fresh ledger record.
func (s *UsageStore) Insert(ctx context.Context, r usage.Record) error {
	meta, err := encodeMetadata(r.Metadata)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO usage_records (`+usageColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, r.ID, r.SubjectType, r.SubjectID, r.FeatureSlug,
		r.Used.String(), r.PeriodStart, r.PeriodEnd, meta,
		r.CreatedAt, r.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert usage record: %w", err)
	}
	return nil
}

// AddToPeriod accumulates into the matching period row, inserting when absent.
func (s *UsageStore) AddToPeriod(ctx context.Context, r usage.Record) (usage.Record, error) {
	var out usage.Record
	err := s.db.withTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `
			SELECT `+usageColumns+`
			FROM usage_records
			WHERE subject_type = ? AND subject_id = ? AND feature_slug = ? AND period_start = ?
			LIMIT 1
		`, r.SubjectType, r.SubjectID, r.FeatureSlug, r.PeriodStart)

		existing, err := scanUsage(row)
		if err == ports.ErrNotFound {
			meta, err := encodeMetadata(r.Metadata)
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO usage_records (`+usageColumns+`)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			`, r.ID, r.SubjectType, r.SubjectID, r.FeatureSlug,
				r.Used.String(), r.PeriodStart, r.PeriodEnd, meta,
				r.CreatedAt, r.UpdatedAt); err != nil {
				return fmt.Errorf("insert usage record: %w", err)
			}
			out = r
			return nil
		}
		if err != nil {
			return err
		}

		existing.Used = existing.Used.Add(r.Used)
		existing.Metadata = usage.MergeMetadata(existing.Metadata, r.Metadata)
		existing.UpdatedAt = r.UpdatedAt

		meta, err := encodeMetadata(existing.Metadata)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE usage_records SET used_amount = ?, metadata = ?, updated_at = ?
			WHERE id = ?
		`, existing.Used.String(), meta, existing.UpdatedAt, existing.ID); err != nil {
			return fmt.Errorf("update usage record: %w", err)
		}
		out = existing
		return nil
	})
	return out, err
}

// Total sums used over records whose period overlaps [from, to], in SQL.
func (s *UsageStore) Total(ctx context.Context, subjectType, subjectID, featureSlug string, from, to *time.Time) (decimal.Decimal, error) {
	query := `
		SELECT CAST(COALESCE(SUM(used_amount), 0) AS TEXT)
		FROM usage_records
		WHERE subject_type = ? AND subject_id = ? AND feature_slug = ?
	`
	args := []any{subjectType, subjectID, featureSlug}
	if from != nil {
		query += ` AND period_end >= ?`
		args = append(args, *from)
	}
	if to != nil {
		query += ` AND period_start <= ?`
		args = append(args, *to)
	}

	var sum string
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&sum); err != nil {
		return decimal.Zero, fmt.Errorf("total usage: %w", err)
	}
	total, err := decimal.NewFromString(sum)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse usage total: %w", err)
	}
	return total, nil
}

// History returns records newest first, optionally filtered by feature.
func (s *UsageStore) History(ctx context.Context, subjectType, subjectID, featureSlug string, limit int) ([]usage.Record, error) {
	query := `
		SELECT ` + usageColumns + `
		FROM usage_records
		WHERE subject_type = ? AND subject_id = ?
	`
	args := []any{subjectType, subjectID}
	if featureSlug != "" {
		query += ` AND feature_slug = ?`
		args = append(args, featureSlug)
	}
	query += ` ORDER BY created_at DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	return s.queryRecords(ctx, query, args...)
}

// DeleteMatching removes records for a (subject, feature) pair.
func (s *UsageStore) DeleteMatching(ctx context.Context, subjectType, subjectID, featureSlug string, periodStart *time.Time) (int64, error) {
	query := `
		DELETE FROM usage_records
		WHERE subject_type = ? AND subject_id = ? AND feature_slug = ?
	`
	args := []any{subjectType, subjectID, featureSlug}
	if periodStart != nil {
		query += ` AND period_start = ?`
		args = append(args, *periodStart)
	}

	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("delete usage records: %w", err)
	}
	return result.RowsAffected()
}

// Window returns records with period start inside [from, to], oldest first.
func (s *UsageStore) Window(ctx context.Context, subjectType, subjectID, featureSlug string, from, to time.Time) ([]usage.Record, error) {
	return s.queryRecords(ctx, `
		SELECT `+usageColumns+`
		FROM usage_records
		WHERE subject_type = ? AND subject_id = ? AND feature_slug = ?
			AND period_start >= ? AND period_start <= ?
		ORDER BY period_start
	`, subjectType, subjectID, featureSlug, from, to)
}

func (s *UsageStore) queryRecords(ctx context.Context, query string, args ...any) ([]usage.Record, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query usage records: %w", err)
	}
	defer rows.Close()

	var out []usage.Record
	for rows.Next() {
		r, err := scanUsage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func scanUsage(row scanner) (usage.Record, error) {
	var (
		r    usage.Record
		used string
		meta sql.NullString
	)
	err := row.Scan(
		&r.ID, &r.SubjectType, &r.SubjectID, &r.FeatureSlug,
		&used, &r.PeriodStart, &r.PeriodEnd, &meta,
		&r.CreatedAt, &r.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return usage.Record{}, ports.ErrNotFound
	}
	if err != nil {
		return usage.Record{}, fmt.Errorf("scan usage record: %w", err)
	}

	if r.Used, err = decimal.NewFromString(used); err != nil {
		return usage.Record{}, fmt.Errorf("parse used amount: %w", err)
	}
	if meta.Valid && meta.String != "" {
		if err := json.Unmarshal([]byte(meta.String), &r.Metadata); err != nil {
			return usage.Record{}, fmt.Errorf("decode metadata: %w", err)
		}
	}
	return r, nil
}

func encodeMetadata(m map[string]string) (any, error) {
	if len(m) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode metadata: %w", err)
	}
	return string(b), nil
}

// Ensure interface compliance.
var _ ports.UsageStore = (*UsageStore)(nil)
