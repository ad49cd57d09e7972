package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"heartbeatmonitor/models"
)

const windowColumns = `id, window_id, service_name, window_from, window_to, status,
	error_rate_threshold_missing, error_rate_threshold_generated,
	expected_reports, received_reports, error_reports, missing_reports,
	created_at, updated_at, closed_at`

// PostgresStore keeps windows and events in Postgres through lib/pq.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) RunInTx(ctx context.Context, fn func(tx WindowTx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}

	if err := fn(&postgresTx{tx: tx}); err != nil {
		_ = tx.Rollback()
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetWindow(ctx context.Context, windowID string) (*models.MonitoringWindow, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+windowColumns+` FROM monitoring_windows WHERE window_id = $1`, windowID)
	return scanWindow(row)
}

func (s *PostgresStore) ListEvents(ctx context.Context, windowID string) ([]models.HeartbeatEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT e.id, w.window_id, e.service_name, e.status, e.error_message,
		       e.report_timestamp, e.window_from, e.window_to, e.ingested_at
		FROM heartbeat_events e
		JOIN monitoring_windows w ON w.id = e.window_id
		WHERE w.window_id = $1
		ORDER BY e.report_timestamp, e.id
	`, windowID)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var events []models.HeartbeatEvent
	for rows.Next() {
		var e models.HeartbeatEvent
		var msg sql.NullString
		if err := rows.Scan(&e.ID, &e.WindowID, &e.ServiceName, &e.Status, &msg,
			&e.ReportTimestamp, &e.WindowFrom, &e.WindowTo, &e.IngestedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		if msg.Valid {
			e.ErrorMessage = &msg.String
		}
		normalizeEventTimes(&e)
		events = append(events, e)
	}
	return events, rows.Err()
}

func (s *PostgresStore) ListClosable(ctx context.Context, now time.Time, windowID string) ([]models.MonitoringWindow, error) {
	query := `SELECT ` + windowColumns + ` FROM monitoring_windows
		WHERE status = 'open' AND window_to <= $1`
	args := []any{now.UTC()}
	if windowID != "" {
		query += ` AND window_id = $2`
		args = append(args, windowID)
	}
	query += ` ORDER BY window_to, id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list closable windows: %w", err)
	}
	defer rows.Close()

	var windows []models.MonitoringWindow
	for rows.Next() {
		w, err := scanWindow(rows)
		if err != nil {
			return nil, err
		}
		windows = append(windows, *w)
	}
	return windows, rows.Err()
}

func (s *PostgresStore) DeleteWindowsClosedBefore(ctx context.Context, cutoff time.Time) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	// events first so the purge does not depend on ON DELETE CASCADE
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM heartbeat_events
		WHERE window_id IN (
			SELECT id FROM monitoring_windows
			WHERE status <> 'open' AND closed_at < $1
		)
	`, cutoff.UTC()); err != nil {
		return 0, fmt.Errorf("delete events: %w", err)
	}

	res, err := tx.ExecContext(ctx, `
		DELETE FROM monitoring_windows
		WHERE status <> 'open' AND closed_at < $1
	`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("delete windows: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return int(n), nil
}

type postgresTx struct {
	tx *sql.Tx
}

func (t *postgresTx) GetOrCreate(ctx context.Context, spec models.WindowSpec, expected int, now time.Time) (*models.MonitoringWindow, error) {
	// A concurrent creator can win the insert between our read and write.
	// ON CONFLICT DO NOTHING waits for it, after which the row is readable.
	for attempt := 0; attempt < 3; attempt++ {
		w, err := t.LockWindow(ctx, spec.WindowID)
		if err == nil {
			return t.backfill(ctx, w, spec, now)
		}
		if !errors.Is(err, models.ErrWindowNotFound) {
			return nil, err
		}

		w, err = t.insert(ctx, spec, expected, now)
		if err == nil {
			return w, nil
		}
		var conflict *models.ConflictError
		if !errors.As(err, &conflict) {
			return nil, err
		}
	}
	return nil, &models.ConflictError{WindowID: spec.WindowID}
}

func (t *postgresTx) insert(ctx context.Context, spec models.WindowSpec, expected int, now time.Time) (*models.MonitoringWindow, error) {
	row := t.tx.QueryRowContext(ctx, `
		INSERT INTO monitoring_windows (
			window_id, service_name, window_from, window_to, status,
			error_rate_threshold_missing, error_rate_threshold_generated,
			expected_reports, created_at, updated_at
		) VALUES ($1, $2, $3, $4, 'open', $5, $6, $7, $8, $8)
		ON CONFLICT (window_id) DO NOTHING
		RETURNING `+windowColumns,
		spec.WindowID, spec.ServiceName, spec.WindowFrom.UTC(), spec.WindowTo.UTC(),
		nullFloat(spec.ErrorRateThresholdMissing), nullFloat(spec.ErrorRateThresholdGenerated),
		expected, now.UTC(),
	)
	w, err := scanWindow(row)
	if errors.Is(err, models.ErrWindowNotFound) {
		return nil, &models.ConflictError{WindowID: spec.WindowID}
	}
	if isUniqueViolation(err) {
		return nil, &models.ConflictError{WindowID: spec.WindowID}
	}
	return w, err
}

func (t *postgresTx) backfill(ctx context.Context, w *models.MonitoringWindow, spec models.WindowSpec, now time.Time) (*models.MonitoringWindow, error) {
	needMissing := w.ErrorRateThresholdMissing == nil && spec.ErrorRateThresholdMissing != nil
	needGenerated := w.ErrorRateThresholdGenerated == nil && spec.ErrorRateThresholdGenerated != nil
	if !needMissing && !needGenerated {
		return w, nil
	}

	row := t.tx.QueryRowContext(ctx, `
		UPDATE monitoring_windows
		SET error_rate_threshold_missing = COALESCE(error_rate_threshold_missing, $2),
		    error_rate_threshold_generated = COALESCE(error_rate_threshold_generated, $3),
		    updated_at = $4
		WHERE window_id = $1
		RETURNING `+windowColumns,
		spec.WindowID, nullFloat(spec.ErrorRateThresholdMissing), nullFloat(spec.ErrorRateThresholdGenerated), now.UTC(),
	)
	return scanWindow(row)
}

func (t *postgresTx) LockWindow(ctx context.Context, windowID string) (*models.MonitoringWindow, error) {
	row := t.tx.QueryRowContext(ctx, `SELECT `+windowColumns+` FROM monitoring_windows WHERE window_id = $1 FOR UPDATE`, windowID)
	return scanWindow(row)
}

func (t *postgresTx) AppendEvents(ctx context.Context, windowID string, events []models.HeartbeatEvent) ([]models.HeartbeatEvent, error) {
	stmt, err := t.tx.PrepareContext(ctx, `
		INSERT INTO heartbeat_events (
			window_id, service_name, status, error_message,
			report_timestamp, window_from, window_to, ingested_at
		)
		SELECT id, $2, $3, $4, $5, $6, $7, $8
		FROM monitoring_windows WHERE window_id = $1
		RETURNING id
	`)
	if err != nil {
		return nil, fmt.Errorf("prepare event insert: %w", err)
	}
	defer stmt.Close()

	stored := make([]models.HeartbeatEvent, 0, len(events))
	for _, e := range events {
		var msg sql.NullString
		if e.ErrorMessage != nil {
			msg = sql.NullString{String: *e.ErrorMessage, Valid: true}
		}
		err := stmt.QueryRowContext(ctx, windowID, e.ServiceName, string(e.Status), msg,
			e.ReportTimestamp.UTC(), e.WindowFrom.UTC(), e.WindowTo.UTC(), e.IngestedAt.UTC(),
		).Scan(&e.ID)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("append event to %s: %w", windowID, models.ErrWindowNotFound)
		}
		if err != nil {
			return nil, fmt.Errorf("append event: %w", err)
		}
		e.WindowID = windowID
		stored = append(stored, e)
	}
	return stored, nil
}

func (t *postgresTx) IncrementCounters(ctx context.Context, windowID string, received, errs int, now time.Time) (*models.MonitoringWindow, error) {
	row := t.tx.QueryRowContext(ctx, `
		UPDATE monitoring_windows
		SET received_reports = received_reports + $2,
		    error_reports = error_reports + $3,
		    updated_at = $4
		WHERE window_id = $1
		RETURNING `+windowColumns,
		windowID, received, errs, now.UTC(),
	)
	return scanWindow(row)
}

func (t *postgresTx) RecordMissing(ctx context.Context, windowID string, missing int, now time.Time) (*models.MonitoringWindow, error) {
	row := t.tx.QueryRowContext(ctx, `
		UPDATE monitoring_windows
		SET received_reports = received_reports + $2,
		    error_reports = error_reports + $2,
		    missing_reports = $2,
		    updated_at = $3
		WHERE window_id = $1
		RETURNING `+windowColumns,
		windowID, missing, now.UTC(),
	)
	return scanWindow(row)
}

func (t *postgresTx) Close(ctx context.Context, windowID string, alert bool, now time.Time) (*models.MonitoringWindow, error) {
	row := t.tx.QueryRowContext(ctx, `
		UPDATE monitoring_windows
		SET status = $2, closed_at = $3, updated_at = $3
		WHERE window_id = $1 AND status = 'open'
		RETURNING `+windowColumns,
		windowID, string(closedStatus(alert)), now.UTC(),
	)
	w, err := scanWindow(row)
	if errors.Is(err, models.ErrWindowNotFound) {
		// already terminal, or never existed
		return t.LockWindow(ctx, windowID)
	}
	return w, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanWindow(row rowScanner) (*models.MonitoringWindow, error) {
	var w models.MonitoringWindow
	var thresholdMissing, thresholdGenerated sql.NullFloat64
	var closedAt sql.NullTime

	err := row.Scan(
		&w.ID, &w.WindowID, &w.ServiceName, &w.WindowFrom, &w.WindowTo, &w.Status,
		&thresholdMissing, &thresholdGenerated,
		&w.ExpectedReports, &w.ReceivedReports, &w.ErrorReports, &w.MissingReports,
		&w.CreatedAt, &w.UpdatedAt, &closedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrWindowNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan window: %w", err)
	}

	if thresholdMissing.Valid {
		w.ErrorRateThresholdMissing = &thresholdMissing.Float64
	}
	if thresholdGenerated.Valid {
		w.ErrorRateThresholdGenerated = &thresholdGenerated.Float64
	}
	if closedAt.Valid {
		t := closedAt.Time.UTC()
		w.ClosedAt = &t
	}
	w.WindowFrom = w.WindowFrom.UTC()
	w.WindowTo = w.WindowTo.UTC()
	w.CreatedAt = w.CreatedAt.UTC()
	w.UpdatedAt = w.UpdatedAt.UTC()
	return &w, nil
}

func normalizeEventTimes(e *models.HeartbeatEvent) {
	e.ReportTimestamp = e.ReportTimestamp.UTC()
	e.WindowFrom = e.WindowFrom.UTC()
	e.WindowTo = e.WindowTo.UTC()
	e.IngestedAt = e.IngestedAt.UTC()
}

func nullFloat(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}

// isUniqueViolation matches Postgres error 23505.
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return false
}
