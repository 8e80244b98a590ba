package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"time"
)

// Run is a persisted pipeline run.
type Run struct {
	ID            string
	TenantID      string
	Workbook      string
	Status        string
	Stage         string
	Error         string
	Config        []byte
	Design        []byte
	RowsAligned   int
	RowsSolved    int
	RowsFailed    int
	DroppedSource int
	DroppedSink   int
	IntervalHours *float64
	COPMean       *float64
	Location      string
	CreatedAt     time.Time
	UpdatedAt     time.Time
	StartedAt     *time.Time
	FinishedAt    *time.Time
}

// Row is one persisted off-design result. Nil values are missing.
type Row struct {
	RunID       string
	Seq         int
	At          time.Time
	TEvapRefC   *float64
	TCondRefC   *float64
	MassFlowKgS *float64
	PCompKW     *float64
	QCondKW     *float64
	QEvapKW     *float64
	COP         *float64
	Status      string
	Error       string
}

// Nullable maps NaN and infinities to nil.
func Nullable(v float64) *float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return &v
}

// Repository handles run persistence.
type Repository struct {
	db *sql.DB
}

// NewRepository constructs a repository.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// CreateRun inserts a new run.
func (r *Repository) CreateRun(ctx context.Context, run *Run) error {
	if r == nil || r.db == nil {
		return errors.New("run repo: nil db")
	}
	if run == nil || run.ID == "" {
		return errors.New("run repo: empty run")
	}
	now := time.Now().UTC()
	_, err := r.db.ExecContext(ctx, `
INSERT INTO hpcycle_runs (
	id, tenant_id, workbook, status, stage, config, created_at, updated_at, started_at
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$7,$8
)`,
		run.ID, run.TenantID, run.Workbook, run.Status, run.Stage, nullBytes(run.Config), now, run.StartedAt)
	return err
}

// UpdateRunStage records progress or a failure of a run.
func (r *Repository) UpdateRunStage(ctx context.Context, id, status, stage, errMsg string, finishedAt *time.Time) error {
	if r == nil || r.db == nil {
		return errors.New("run repo: nil db")
	}
	if id == "" {
		return errors.New("run repo: empty run id")
	}
	_, err := r.db.ExecContext(ctx, `
UPDATE hpcycle_runs
SET status = $1, stage = $2, error = $3, finished_at = $4, updated_at = $5
WHERE id = $6`, status, stage, errMsg, finishedAt, time.Now().UTC(), id)
	return err
}

// CompleteRun stores the summary of a finished run.
func (r *Repository) CompleteRun(ctx context.Context, run *Run) error {
	if r == nil || r.db == nil {
		return errors.New("run repo: nil db")
	}
	if run == nil || run.ID == "" {
		return errors.New("run repo: empty run")
	}
	_, err := r.db.ExecContext(ctx, `
UPDATE hpcycle_runs
SET status = $1, stage = $2, error = $3, design = $4, rows_aligned = $5, rows_solved = $6, rows_failed = $7,
	dropped_source = $8, dropped_sink = $9, interval_hours = $10, cop_mean = $11, report_location = $12,
	finished_at = $13, updated_at = $14
WHERE id = $15`,
		run.Status, run.Stage, run.Error, nullBytes(run.Design), run.RowsAligned, run.RowsSolved, run.RowsFailed,
		run.DroppedSource, run.DroppedSink, run.IntervalHours, run.COPMean, run.Location,
		run.FinishedAt, time.Now().UTC(), run.ID)
	return err
}

// InsertRows writes the per-row results of a run in one transaction.
func (r *Repository) InsertRows(ctx context.Context, runID string, rows []Row) error {
	if r == nil || r.db == nil {
		return errors.New("run repo: nil db")
	}
	if len(rows) == 0 {
		return nil
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	stmt, err := tx.PrepareContext(ctx, `
INSERT INTO hpcycle_run_rows (
	run_id, seq, ts, t_evap_ref_c, t_cond_ref_c, m_dot_kg_s, p_comp_kw, q_cond_kw, q_evap_kw, cop, status, error
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12
)
ON CONFLICT (run_id, seq) DO NOTHING`)
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	defer stmt.Close()
	for _, row := range rows {
		if _, err := stmt.ExecContext(ctx,
			runID, row.Seq, row.At.UTC(), row.TEvapRefC, row.TCondRefC, row.MassFlowKgS,
			row.PCompKW, row.QCondKW, row.QEvapKW, row.COP, row.Status, row.Error,
		); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("run repo: insert row %d: %w", row.Seq, err)
		}
	}
	return tx.Commit()
}

const runColumns = `id, tenant_id, workbook, status, stage, error, config, design, rows_aligned, rows_solved, rows_failed,
	dropped_source, dropped_sink, interval_hours, cop_mean, report_location, created_at, updated_at, started_at, finished_at`

// GetRun returns a run by id, or nil when it does not exist.
func (r *Repository) GetRun(ctx context.Context, id string) (*Run, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("run repo: nil db")
	}
	row := r.db.QueryRowContext(ctx, `
SELECT `+runColumns+`
FROM hpcycle_runs
WHERE id = $1`, id)
	run, err := scanRun(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return run, nil
}

// ListRuns lists the latest runs of a tenant.
func (r *Repository) ListRuns(ctx context.Context, tenantID string, limit int) ([]Run, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("run repo: nil db")
	}
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx, `
SELECT `+runColumns+`
FROM hpcycle_runs
WHERE tenant_id = $1
ORDER BY created_at DESC
LIMIT $2`, tenantID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *run)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// ListRows returns the per-row results of a run in processing order.
func (r *Repository) ListRows(ctx context.Context, runID string) ([]Row, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("run repo: nil db")
	}
	rows, err := r.db.QueryContext(ctx, `
SELECT run_id, seq, ts, t_evap_ref_c, t_cond_ref_c, m_dot_kg_s, p_comp_kw, q_cond_kw, q_evap_kw, cop, status, error
FROM hpcycle_run_rows
WHERE run_id = $1
ORDER BY seq`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []Row
	for rows.Next() {
		var row Row
		var errMsg sql.NullString
		if err := rows.Scan(
			&row.RunID,
			&row.Seq,
			&row.At,
			&row.TEvapRefC,
			&row.TCondRefC,
			&row.MassFlowKgS,
			&row.PCompKW,
			&row.QCondKW,
			&row.QEvapKW,
			&row.COP,
			&row.Status,
			&errMsg,
		); err != nil {
			return nil, err
		}
		row.At = row.At.UTC()
		row.Error = errMsg.String
		result = append(result, row)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*Run, error) {
	var run Run
	var errMsg, location sql.NullString
	var started, finished sql.NullTime
	if err := row.Scan(
		&run.ID,
		&run.TenantID,
		&run.Workbook,
		&run.Status,
		&run.Stage,
		&errMsg,
		&run.Config,
		&run.Design,
		&run.RowsAligned,
		&run.RowsSolved,
		&run.RowsFailed,
		&run.DroppedSource,
		&run.DroppedSink,
		&run.IntervalHours,
		&run.COPMean,
		&location,
		&run.CreatedAt,
		&run.UpdatedAt,
		&started,
		&finished,
	); err != nil {
		return nil, err
	}
	run.Error = errMsg.String
	run.Location = location.String
	if started.Valid {
		t := started.Time.UTC()
		run.StartedAt = &t
	}
	if finished.Valid {
		t := finished.Time.UTC()
		run.FinishedAt = &t
	}
	run.CreatedAt = run.CreatedAt.UTC()
	run.UpdatedAt = run.UpdatedAt.UTC()
	return &run, nil
}

func nullBytes(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}
