package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
)

const (
	insertAlertSQL = `INSERT INTO alerts (
        entity_id,
        entity_label,
        rule,
        kind,
        direction,
        asset,
        triggering_amount,
        cumulative_amount,
        threshold,
        source_id,
        occurred_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11
    )
    ON CONFLICT (source_id) DO NOTHING
    RETURNING id, created_at;`

	listRecentAlertsSQL = `SELECT
        id,
        entity_id,
        entity_label,
        rule,
        kind,
        direction,
        asset,
        triggering_amount,
        cumulative_amount,
        threshold,
        source_id,
        occurred_at,
        created_at
    FROM alerts
    ORDER BY created_at DESC
    LIMIT $1;`

	listAlertsBetweenSQL = `SELECT
        id,
        entity_id,
        entity_label,
        rule,
        kind,
        direction,
        asset,
        triggering_amount,
        cumulative_amount,
        threshold,
        source_id,
        occurred_at,
        created_at
    FROM alerts
    WHERE occurred_at >= $1
      AND occurred_at < $2
    ORDER BY occurred_at;`

	deleteAlertsBeforeSQL = `DELETE FROM alerts WHERE created_at < $1;`

	countAlertsSQL = `SELECT COUNT(*) FROM alerts;`

	listOverridesSQL = `SELECT
        entity_id,
        single_threshold,
        cumulative_threshold,
        updated_at
    FROM entity_overrides;`

	upsertHeartbeatSQL = `INSERT INTO status_heartbeats (
        instance,
        slots_ready,
        slots_total,
        degraded,
        processed,
        alerts,
        updated_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6,NOW()
    )
    ON CONFLICT (instance) DO UPDATE
    SET slots_ready = EXCLUDED.slots_ready,
        slots_total = EXCLUDED.slots_total,
        degraded    = EXCLUDED.degraded,
        processed   = EXCLUDED.processed,
        alerts      = EXCLUDED.alerts,
        updated_at  = NOW();`

	listHeartbeatsSQL = `SELECT
        instance,
        slots_ready,
        slots_total,
        degraded,
        processed,
        alerts,
        updated_at
    FROM status_heartbeats
    ORDER BY updated_at DESC;`
)

// AlertStore defines operations for alert auditing.
type AlertStore interface {
	InsertAlert(ctx context.Context, alert AlertRecord) (AlertRecord, error)
	ListRecentAlerts(ctx context.Context, limit int) ([]AlertRecord, error)
	ListAlertsBetween(ctx context.Context, from, to time.Time) ([]AlertRecord, error)
	DeleteAlertsBefore(ctx context.Context, olderThan time.Time) error
	CountAlerts(ctx context.Context) (int64, error)
}

// StatusStore persists the instance heartbeat.
type StatusStore interface {
	UpsertHeartbeat(ctx context.Context, hb HeartbeatRecord) error
}

// OverrideStore reads operator-managed threshold overrides.
type OverrideStore interface {
	LoadThresholdOverrides(ctx context.Context) ([]OverrideRecord, error)
}

// Store aggregates access to alerts and heartbeats.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// InsertAlert persists an alert emission. A repeated source_id is a no-op
// and the original record's identity is not returned.
func (s *Store) InsertAlert(ctx context.Context, alert AlertRecord) (AlertRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return AlertRecord{}, err
	}

	row := pool.QueryRow(ctx, insertAlertSQL,
		alert.EntityID,
		alert.EntityLabel,
		alert.Rule,
		alert.Kind,
		alert.Direction,
		alert.Asset,
		alert.TriggeringAmount.String(),
		alert.CumulativeAmount.String(),
		alert.Threshold.String(),
		alert.SourceID,
		alert.OccurredAt,
	)

	rec := alert
	if scanErr := row.Scan(&rec.ID, &rec.CreatedAt); scanErr != nil {
		if errors.Is(scanErr, pgx.ErrNoRows) {
			// conflict path: already audited
			return alert, nil
		}
		return AlertRecord{}, fmt.Errorf("insert alert: %w", scanErr)
	}
	return rec, nil
}

// ListRecentAlerts lists most recent alerts.
func (s *Store) ListRecentAlerts(ctx context.Context, limit int) ([]AlertRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentAlertsSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent alerts: %w", queryErr)
	}
	defer rows.Close()

	return collectAlerts(rows, limit)
}

// ListAlertsBetween lists alerts whose event time falls in [from, to).
func (s *Store) ListAlertsBetween(ctx context.Context, from, to time.Time) ([]AlertRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listAlertsBetweenSQL, from, to)
	if queryErr != nil {
		return nil, fmt.Errorf("list alerts between: %w", queryErr)
	}
	defer rows.Close()

	return collectAlerts(rows, 0)
}

// DeleteAlertsBefore deletes historical alerts.
func (s *Store) DeleteAlertsBefore(ctx context.Context, olderThan time.Time) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, deleteAlertsBeforeSQL, olderThan); execErr != nil {
		return fmt.Errorf("delete alerts before: %w", execErr)
	}
	return nil
}

// CountAlerts counts stored alerts.
func (s *Store) CountAlerts(ctx context.Context) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	var count int64
	if scanErr := pool.QueryRow(ctx, countAlertsSQL).Scan(&count); scanErr != nil {
		return 0, fmt.Errorf("count alerts: %w", scanErr)
	}
	return count, nil
}

// UpsertHeartbeat records liveness and pool posture for one instance.
func (s *Store) UpsertHeartbeat(ctx context.Context, hb HeartbeatRecord) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, upsertHeartbeatSQL,
		hb.Instance,
		hb.SlotsReady,
		hb.SlotsTotal,
		hb.Degraded,
		hb.Processed,
		hb.Alerts,
	); execErr != nil {
		return fmt.Errorf("upsert heartbeat: %w", execErr)
	}
	return nil
}

// LoadThresholdOverrides reads all per-entity threshold overrides. These
// take precedence over watchlist-file thresholds at startup.
func (s *Store) LoadThresholdOverrides(ctx context.Context) ([]OverrideRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listOverridesSQL)
	if queryErr != nil {
		return nil, fmt.Errorf("list threshold overrides: %w", queryErr)
	}
	defer rows.Close()

	var overrides []OverrideRecord
	for rows.Next() {
		var (
			rec           OverrideRecord
			singleStr     *string
			cumulativeStr *string
		)
		if scanErr := rows.Scan(&rec.EntityID, &singleStr, &cumulativeStr, &rec.UpdatedAt); scanErr != nil {
			return nil, fmt.Errorf("scan threshold override: %w", scanErr)
		}
		if rec.SingleThreshold, err = parseOptionalDecimal(singleStr); err != nil {
			return nil, fmt.Errorf("parse single threshold override: %w", err)
		}
		if rec.CumulativeThreshold, err = parseOptionalDecimal(cumulativeStr); err != nil {
			return nil, fmt.Errorf("parse cumulative threshold override: %w", err)
		}
		overrides = append(overrides, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return overrides, nil
}

// ListHeartbeats reads the heartbeat row of every known instance.
func (s *Store) ListHeartbeats(ctx context.Context) ([]HeartbeatRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listHeartbeatsSQL)
	if queryErr != nil {
		return nil, fmt.Errorf("list heartbeats: %w", queryErr)
	}
	defer rows.Close()

	var beats []HeartbeatRecord
	for rows.Next() {
		var hb HeartbeatRecord
		if scanErr := rows.Scan(
			&hb.Instance,
			&hb.SlotsReady,
			&hb.SlotsTotal,
			&hb.Degraded,
			&hb.Processed,
			&hb.Alerts,
			&hb.UpdatedAt,
		); scanErr != nil {
			return nil, fmt.Errorf("scan heartbeat: %w", scanErr)
		}
		beats = append(beats, hb)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return beats, nil
}

func parseOptionalDecimal(s *string) (*decimal.Decimal, error) {
	if s == nil {
		return nil, nil
	}
	d, err := decimal.NewFromString(*s)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func collectAlerts(rows pgx.Rows, hint int) ([]AlertRecord, error) {
	alerts := make([]AlertRecord, 0, hint)
	for rows.Next() {
		rec, scanErr := scanAlert(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		alerts = append(alerts, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return alerts, nil
}

func scanAlert(rows pgx.Rows) (AlertRecord, error) {
	var (
		rec           AlertRecord
		triggeringStr string
		cumulativeStr string
		thresholdStr  string
	)

	if err := rows.Scan(
		&rec.ID,
		&rec.EntityID,
		&rec.EntityLabel,
		&rec.Rule,
		&rec.Kind,
		&rec.Direction,
		&rec.Asset,
		&triggeringStr,
		&cumulativeStr,
		&thresholdStr,
		&rec.SourceID,
		&rec.OccurredAt,
		&rec.CreatedAt,
	); err != nil {
		return AlertRecord{}, err
	}

	var convErr error
	rec.TriggeringAmount, convErr = decimal.NewFromString(triggeringStr)
	if convErr != nil {
		return AlertRecord{}, fmt.Errorf("parse triggering amount: %w", convErr)
	}
	rec.CumulativeAmount, convErr = decimal.NewFromString(cumulativeStr)
	if convErr != nil {
		return AlertRecord{}, fmt.Errorf("parse cumulative amount: %w", convErr)
	}
	rec.Threshold, convErr = decimal.NewFromString(thresholdStr)
	if convErr != nil {
		return AlertRecord{}, fmt.Errorf("parse threshold: %w", convErr)
	}

	return rec, nil
}
