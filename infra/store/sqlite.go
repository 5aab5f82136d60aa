package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/minegrid/curtaild/core/model"
	"github.com/minegrid/curtaild/core/plan"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS plans (
    id TEXT PRIMARY KEY,
    site_id TEXT NOT NULL,
    strategy TEXT NOT NULL,
    target_reduction_kw REAL NOT NULL,
    mode TEXT NOT NULL,
    status TEXT NOT NULL,
    scheduled_start INTEGER NOT NULL,
    scheduled_end INTEGER,
    calculated_reduction_kw REAL NOT NULL DEFAULT 0,
    created_by TEXT,
    created_at INTEGER NOT NULL,
    approved_by TEXT,
    approved_at INTEGER,
    cancelled_by TEXT,
    cancelled_at INTEGER,
    cancel_reason TEXT
);
CREATE TABLE IF NOT EXISTS executions (
    id TEXT PRIMARY KEY,
    plan_id TEXT NOT NULL,
    unit_id TEXT NOT NULL,
    action TEXT NOT NULL,
    status TEXT NOT NULL,
    power_saved_kw REAL NOT NULL DEFAULT 0,
    error_message TEXT,
    ts INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_executions_plan ON executions(plan_id, ts);
CREATE TABLE IF NOT EXISTS units (
    id TEXT PRIMARY KEY,
    customer_id TEXT NOT NULL,
    site_id TEXT NOT NULL,
    rated_hashrate_th REAL NOT NULL DEFAULT 0,
    hashrate_th REAL NOT NULL DEFAULT 0,
    rated_power_kw REAL NOT NULL DEFAULT 0,
    power_kw REAL NOT NULL DEFAULT 0,
    performance_score REAL NOT NULL DEFAULT 0,
    uptime_ratio REAL NOT NULL DEFAULT 0,
    tier TEXT NOT NULL,
    status TEXT NOT NULL,
    last_serviced_at INTEGER
);
CREATE INDEX IF NOT EXISTS idx_units_site ON units(site_id);
CREATE TABLE IF NOT EXISTS schedule_entries (
    plan_id TEXT NOT NULL,
    day INTEGER NOT NULL,
    hour INTEGER NOT NULL,
    price REAL NOT NULL,
    online_count INTEGER NOT NULL,
    offline_count INTEGER NOT NULL,
    power_kw REAL NOT NULL,
    is_peak INTEGER NOT NULL,
    PRIMARY KEY(plan_id, day, hour)
);`

// SQLite persists the plan service's state in a single SQLite database.
type SQLite struct {
	db *sql.DB
}

// NewSQLite opens or creates the database and ensures the schema.
func NewSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLite{db: db}, nil
}

// Stores exposes the database as the plan service's store group.
func (s *SQLite) Stores() plan.Stores {
	return plan.Stores{
		Plans:      &sqlitePlans{db: s.db},
		Executions: &sqliteExecutions{db: s.db},
		Units:      &sqliteUnits{db: s.db},
		Schedules:  &sqliteSchedules{db: s.db},
	}
}

// Close closes the underlying database.
func (s *SQLite) Close() error { return s.db.Close() }

type sqlitePlans struct{ db *sql.DB }

func (s *sqlitePlans) Create(ctx context.Context, p model.Plan) error {
	strat, err := json.Marshal(p.Strategy)
	if err != nil {
		return fmt.Errorf("marshal strategy: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO plans
        (id, site_id, strategy, target_reduction_kw, mode, status,
         scheduled_start, scheduled_end, calculated_reduction_kw,
         created_by, created_at, approved_by, approved_at,
         cancelled_by, cancelled_at, cancel_reason)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.SiteID, string(strat), p.TargetReductionKW, string(p.Mode), string(p.Status),
		p.ScheduledStart.Unix(), nullTime(p.ScheduledEnd), p.CalculatedReductionKW,
		p.CreatedBy, p.CreatedAt.Unix(), p.ApprovedBy, zeroableTime(p.ApprovedAt),
		p.CancelledBy, zeroableTime(p.CancelledAt), p.CancelReason)
	return err
}

func (s *sqlitePlans) Get(ctx context.Context, id string) (model.Plan, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, site_id, strategy, target_reduction_kw,
        mode, status, scheduled_start, scheduled_end, calculated_reduction_kw,
        created_by, created_at, approved_by, approved_at,
        cancelled_by, cancelled_at, cancel_reason
        FROM plans WHERE id = ?`, id)
	var (
		p          model.Plan
		strat      string
		mode       string
		status     string
		start      int64
		end        sql.NullInt64
		createdAt  int64
		approvedAt sql.NullInt64
		cancAt     sql.NullInt64
	)
	err := row.Scan(&p.ID, &p.SiteID, &strat, &p.TargetReductionKW, &mode, &status,
		&start, &end, &p.CalculatedReductionKW,
		&p.CreatedBy, &createdAt, &p.ApprovedBy, &approvedAt,
		&p.CancelledBy, &cancAt, &p.CancelReason)
	if err == sql.ErrNoRows {
		return model.Plan{}, plan.ErrNotFound
	}
	if err != nil {
		return model.Plan{}, err
	}
	if err := json.Unmarshal([]byte(strat), &p.Strategy); err != nil {
		return model.Plan{}, fmt.Errorf("unmarshal strategy: %w", err)
	}
	p.Mode = model.ExecutionMode(mode)
	p.Status = model.PlanStatus(status)
	p.ScheduledStart = time.Unix(start, 0).UTC()
	if end.Valid {
		t := time.Unix(end.Int64, 0).UTC()
		p.ScheduledEnd = &t
	}
	p.CreatedAt = time.Unix(createdAt, 0).UTC()
	if approvedAt.Valid {
		p.ApprovedAt = time.Unix(approvedAt.Int64, 0).UTC()
	}
	if cancAt.Valid {
		p.CancelledAt = time.Unix(cancAt.Int64, 0).UTC()
	}
	return p, nil
}

func (s *sqlitePlans) Update(ctx context.Context, p model.Plan) error {
	strat, err := json.Marshal(p.Strategy)
	if err != nil {
		return fmt.Errorf("marshal strategy: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `UPDATE plans SET
        site_id = ?, strategy = ?, target_reduction_kw = ?, mode = ?, status = ?,
        scheduled_start = ?, scheduled_end = ?, calculated_reduction_kw = ?,
        created_by = ?, created_at = ?, approved_by = ?, approved_at = ?,
        cancelled_by = ?, cancelled_at = ?, cancel_reason = ?
        WHERE id = ?`,
		p.SiteID, string(strat), p.TargetReductionKW, string(p.Mode), string(p.Status),
		p.ScheduledStart.Unix(), nullTime(p.ScheduledEnd), p.CalculatedReductionKW,
		p.CreatedBy, p.CreatedAt.Unix(), p.ApprovedBy, zeroableTime(p.ApprovedAt),
		p.CancelledBy, zeroableTime(p.CancelledAt), p.CancelReason, p.ID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return plan.ErrNotFound
	}
	return nil
}

// UpdateStatus is a single-statement compare-and-set on the status column.
func (s *sqlitePlans) UpdateStatus(ctx context.Context, id string, from, to model.PlanStatus) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE plans SET status = ? WHERE id = ? AND status = ?`,
		string(to), id, string(from))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n > 0 {
		return true, nil
	}
	var one int
	err = s.db.QueryRowContext(ctx, `SELECT 1 FROM plans WHERE id = ?`, id).Scan(&one)
	if err == sql.ErrNoRows {
		return false, plan.ErrNotFound
	}
	return false, err
}

type sqliteExecutions struct{ db *sql.DB }

func (s *sqliteExecutions) Append(ctx context.Context, e model.Execution) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO executions
        (id, plan_id, unit_id, action, status, power_saved_kw, error_message, ts)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.PlanID, e.UnitID, string(e.Action), string(e.Status),
		e.PowerSavedKW, e.ErrorMessage, e.Timestamp.UnixMilli())
	return err
}

func (s *sqliteExecutions) ListByPlan(ctx context.Context, planID string) ([]model.Execution, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, plan_id, unit_id, action, status,
        power_saved_kw, error_message, ts FROM executions
        WHERE plan_id = ? ORDER BY ts, id`, planID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var res []model.Execution
	for rows.Next() {
		var e model.Execution
		var action, status string
		var ts int64
		if err := rows.Scan(&e.ID, &e.PlanID, &e.UnitID, &action, &status,
			&e.PowerSavedKW, &e.ErrorMessage, &ts); err != nil {
			return nil, err
		}
		e.Action = model.Action(action)
		e.Status = model.ExecutionStatus(status)
		e.Timestamp = time.UnixMilli(ts).UTC()
		res = append(res, e)
	}
	return res, rows.Err()
}

type sqliteUnits struct{ db *sql.DB }

// Upsert inserts or replaces a unit record, used to seed the inventory.
func (s *sqliteUnits) Upsert(ctx context.Context, u model.Unit) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO units
        (id, customer_id, site_id, rated_hashrate_th, hashrate_th,
         rated_power_kw, power_kw, performance_score, uptime_ratio,
         tier, status, last_serviced_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT(id) DO UPDATE SET
            customer_id = excluded.customer_id,
            site_id = excluded.site_id,
            rated_hashrate_th = excluded.rated_hashrate_th,
            hashrate_th = excluded.hashrate_th,
            rated_power_kw = excluded.rated_power_kw,
            power_kw = excluded.power_kw,
            performance_score = excluded.performance_score,
            uptime_ratio = excluded.uptime_ratio,
            tier = excluded.tier,
            status = excluded.status,
            last_serviced_at = excluded.last_serviced_at`,
		u.ID, u.CustomerID, u.SiteID, u.RatedHashrateTH, u.HashrateTH,
		u.RatedPowerKW, u.PowerKW, u.PerformanceScore, u.UptimeRatio,
		string(u.Tier), string(u.Status), zeroableTime(u.LastServicedAt))
	return err
}

func (s *sqliteUnits) Get(ctx context.Context, id string) (model.Unit, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, customer_id, site_id,
        rated_hashrate_th, hashrate_th, rated_power_kw, power_kw,
        performance_score, uptime_ratio, tier, status, last_serviced_at
        FROM units WHERE id = ?`, id)
	u, err := scanUnit(row.Scan)
	if err == sql.ErrNoRows {
		return model.Unit{}, plan.ErrNotFound
	}
	return u, err
}

func (s *sqliteUnits) ListBySite(ctx context.Context, siteID string) ([]model.Unit, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, customer_id, site_id,
        rated_hashrate_th, hashrate_th, rated_power_kw, power_kw,
        performance_score, uptime_ratio, tier, status, last_serviced_at
        FROM units WHERE site_id = ? ORDER BY id`, siteID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var units []model.Unit
	for rows.Next() {
		u, err := scanUnit(rows.Scan)
		if err != nil {
			return nil, err
		}
		units = append(units, u)
	}
	return units, rows.Err()
}

func (s *sqliteUnits) SetStatus(ctx context.Context, id string, status model.UnitStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE units SET status = ? WHERE id = ?`, string(status), id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return plan.ErrNotFound
	}
	return nil
}

func scanUnit(scan func(...any) error) (model.Unit, error) {
	var (
		u        model.Unit
		tier     string
		status   string
		serviced sql.NullInt64
	)
	err := scan(&u.ID, &u.CustomerID, &u.SiteID,
		&u.RatedHashrateTH, &u.HashrateTH, &u.RatedPowerKW, &u.PowerKW,
		&u.PerformanceScore, &u.UptimeRatio, &tier, &status, &serviced)
	if err != nil {
		return model.Unit{}, err
	}
	u.Tier = model.CustomerTier(tier)
	u.Status = model.UnitStatus(status)
	if serviced.Valid {
		u.LastServicedAt = time.Unix(serviced.Int64, 0).UTC()
	}
	return u, nil
}

type sqliteSchedules struct{ db *sql.DB }

func (s *sqliteSchedules) Replace(ctx context.Context, planID string, day time.Time, entries []model.ScheduleEntry) error {
	d := day.UTC().Truncate(24 * time.Hour).Unix()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM schedule_entries WHERE plan_id = ? AND day = ?`, planID, d); err != nil {
		return err
	}
	for _, e := range entries {
		peak := 0
		if e.IsPeakHour {
			peak = 1
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO schedule_entries
            (plan_id, day, hour, price, online_count, offline_count, power_kw, is_peak)
            VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			e.PlanID, d, e.Hour, e.Price, e.OnlineCount, e.OfflineCount, e.PowerKW, peak); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *sqliteSchedules) List(ctx context.Context, planID string, day time.Time) ([]model.ScheduleEntry, error) {
	d := day.UTC().Truncate(24 * time.Hour)
	rows, err := s.db.QueryContext(ctx, `SELECT plan_id, day, hour, price,
        online_count, offline_count, power_kw, is_peak
        FROM schedule_entries WHERE plan_id = ? AND day = ? ORDER BY hour`,
		planID, d.Unix())
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var res []model.ScheduleEntry
	for rows.Next() {
		var e model.ScheduleEntry
		var dayUnix int64
		var peak int
		if err := rows.Scan(&e.PlanID, &dayUnix, &e.Hour, &e.Price,
			&e.OnlineCount, &e.OfflineCount, &e.PowerKW, &peak); err != nil {
			return nil, err
		}
		e.Date = time.Unix(dayUnix, 0).UTC()
		e.IsPeakHour = peak == 1
		res = append(res, e)
	}
	return res, rows.Err()
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Unix()
}

func zeroableTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.Unix()
}
