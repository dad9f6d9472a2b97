package rulestore

import (
	"context"
	"strconv"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/minefleet/minefleet/api/types"
	"github.com/minefleet/minefleet/errdefs"
)

// Drift log persistence. Items are append-only; a later scan emits new
// items rather than editing old ones.

// BeginScan opens a scan record.
func (s *Store) BeginScan(ctx context.Context, scanID string, startedAt time.Time) error {
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO drift_scans (id, started_at) VALUES ($1, $2)`, scanID, startedAt)
		return errdefs.System(err)
	})
}

// FinishScan closes a scan record with its instance count.
func (s *Store) FinishScan(ctx context.Context, scanID string, finishedAt time.Time, instances int) error {
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx,
			`UPDATE drift_scans SET finished_at = $2, instances = $3 WHERE id = $1`,
			scanID, finishedAt, instances)
		return errdefs.System(err)
	})
}

// AppendDriftItems persists scan findings in one transaction.
func (s *Store) AppendDriftItems(ctx context.Context, items []types.DriftItem) error {
	if len(items) == 0 {
		return nil
	}
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO drift_items
				(scan_id, instance_id, config_type, plugin, file, key, expected, actual,
				 classification, severity, reason, detected_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`)
		if err != nil {
			return errdefs.System(err)
		}
		defer stmt.Close()
		for _, it := range items {
			if _, err := stmt.ExecContext(ctx,
				it.ScanID, it.Instance, it.ConfigType, it.Plugin, it.File, it.Key,
				it.Expected, it.Actual, it.Classification, it.Severity, it.Reason, it.DetectedAt,
			); err != nil {
				return errdefs.System(err)
			}
		}
		return nil
	})
}

// DriftReport returns drift items matching the filter, newest first.
func (s *Store) DriftReport(ctx context.Context, f types.DriftFilter) ([]types.DriftItem, error) {
	q := `SELECT d.scan_id, d.instance_id, d.config_type, d.plugin, d.file, d.key,
			d.expected, d.actual, d.classification, d.severity, d.reason, d.detected_at
		FROM drift_items d JOIN instances i ON i.id = d.instance_id WHERE 1=1`
	var args []any
	add := func(cond string, v any) {
		args = append(args, v)
		q += " AND " + cond + "$" + strconv.Itoa(len(args))
	}
	if f.Instance != "" {
		add("d.instance_id = ", f.Instance)
	}
	if f.Host != "" {
		add("i.host = ", f.Host)
	}
	if f.Severity != "" {
		add("d.severity = ", string(f.Severity))
	}
	if f.Class != "" {
		add("d.classification = ", string(f.Class))
	}
	if !f.Since.IsZero() {
		add("d.detected_at >= ", f.Since)
	}
	q += " ORDER BY d.detected_at DESC, d.id DESC"

	rows, err := s.db.QueryxContext(ctx, q, args...)
	if err != nil {
		return nil, errdefs.System(err)
	}
	defer rows.Close()
	var out []types.DriftItem
	for rows.Next() {
		var it types.DriftItem
		if err := rows.Scan(&it.ScanID, &it.Instance, &it.ConfigType, &it.Plugin, &it.File,
			&it.Key, &it.Expected, &it.Actual, &it.Classification, &it.Severity,
			&it.Reason, &it.DetectedAt); err != nil {
			return nil, errdefs.System(err)
		}
		out = append(out, it)
	}
	return out, rows.Err()
}
