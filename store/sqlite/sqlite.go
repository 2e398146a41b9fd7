/*
Package sqlite provides the SQLite-backed implementation of every
persistence interface in the engine.

PURPOSE:
  One Store implements the enrolment, calendar, ledger, audit and billing
  store interfaces against a single SQLite file. The same SQL shapes apply
  to PostgreSQL with minor dialect changes.

APPEND-ONLY ENFORCEMENT:
  credit_events and coverage_audits have no UPDATE or DELETE statements.
  Corrections are posted as new rows with the opposite sign; the UNIQUE
  index on idempotency_key rejects replays at the database level.

DAY KEYS:
  Civil days are stored in their ISO form "2006-01-02", which sorts
  correctly as TEXT. Timestamps are RFC3339 UTC.

CONCURRENCY:
  The database is opened in WAL mode with foreign keys on, and the pool is
  pinned to one connection so WithTx can wrap arbitrary store calls in a
  plain BEGIN/COMMIT on that connection.

MIGRATION:
  Schema is auto-migrated on New(). A production deployment would move to
  versioned migrations (golang-migrate, goose).
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/brightwave/enrolment-engine/billing"
	"github.com/brightwave/enrolment-engine/calendar"
	"github.com/brightwave/enrolment-engine/coverage"
	"github.com/brightwave/enrolment-engine/enrolment"
	"github.com/brightwave/enrolment-engine/ledger"
)

// Store implements all storage interfaces using SQLite.
type Store struct {
	db   *sql.DB
	txMu sync.Mutex
}

// New opens (or creates) the database at dbPath. Use ":memory:" for an
// in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// One connection: WithTx relies on every statement inside the body
	// hitting the connection that holds the open transaction.
	db.SetMaxOpenConns(1)

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}
	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	-- Enrolments (rows are closed and chained, never deleted)
	CREATE TABLE IF NOT EXISTS enrolments (
		id TEXT PRIMARY KEY,
		student_id TEXT NOT NULL,
		family_id TEXT NOT NULL,
		plan_id TEXT NOT NULL,
		billing_type TEXT NOT NULL,
		template_ids_json TEXT NOT NULL,
		start_day TEXT NOT NULL,
		end_day TEXT,
		status TEXT NOT NULL,
		paid_through TEXT,
		paid_through_computed TEXT,
		paid_sessions INTEGER NOT NULL DEFAULT 0,
		credits_balance_cached INTEGER NOT NULL DEFAULT 0,
		billing_group_id TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_enrolments_group
		ON enrolments(billing_group_id);
	CREATE INDEX IF NOT EXISTS idx_enrolments_family
		ON enrolments(family_id);

	-- Plans (immutable pricing references)
	CREATE TABLE IF NOT EXISTS plans (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		billing_type TEXT NOT NULL,
		price_cents INTEGER NOT NULL,
		sessions_per_week INTEGER NOT NULL DEFAULT 0,
		block_class_count INTEGER NOT NULL DEFAULT 0,
		duration_weeks INTEGER NOT NULL DEFAULT 0,
		level_id TEXT NOT NULL DEFAULT '',
		saturday_only BOOLEAN NOT NULL DEFAULT FALSE
	);

	-- Weekly class templates
	CREATE TABLE IF NOT EXISTS templates (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		weekday INTEGER NOT NULL,
		start_time TEXT NOT NULL DEFAULT '',
		level_id TEXT NOT NULL DEFAULT '',
		capacity INTEGER NOT NULL DEFAULT 0,
		active_from TEXT,
		active_to TEXT
	);

	-- Holidays (range closures, optionally scoped)
	CREATE TABLE IF NOT EXISTS holidays (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		start_day TEXT NOT NULL,
		end_day TEXT NOT NULL,
		level_id TEXT NOT NULL DEFAULT '',
		template_id TEXT NOT NULL DEFAULT ''
	);

	CREATE INDEX IF NOT EXISTS idx_holidays_range
		ON holidays(start_day, end_day);

	-- Cancellations (single-occurrence closures)
	CREATE TABLE IF NOT EXISTS cancellations (
		id TEXT PRIMARY KEY,
		template_id TEXT NOT NULL,
		date TEXT NOT NULL,
		reason TEXT NOT NULL DEFAULT ''
	);

	CREATE INDEX IF NOT EXISTS idx_cancellations_template
		ON cancellations(template_id, date);

	-- Credit events (append-only ledger)
	CREATE TABLE IF NOT EXISTS credit_events (
		id TEXT PRIMARY KEY,
		enrolment_id TEXT NOT NULL,
		event_type TEXT NOT NULL,
		delta INTEGER NOT NULL,
		occurred_on TEXT NOT NULL,
		invoice_id TEXT NOT NULL DEFAULT '',
		attendance_id TEXT NOT NULL DEFAULT '',
		reference_id TEXT NOT NULL DEFAULT '',
		reason TEXT NOT NULL DEFAULT '',
		idempotency_key TEXT UNIQUE,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_credit_events_enrolment
		ON credit_events(enrolment_id, occurred_on, created_at);

	-- Coverage audits (append-only)
	CREATE TABLE IF NOT EXISTS coverage_audits (
		id TEXT PRIMARY KEY,
		enrolment_id TEXT NOT NULL,
		reason TEXT NOT NULL,
		previous_day TEXT,
		next_day TEXT,
		actor_id TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_coverage_audits_enrolment
		ON coverage_audits(enrolment_id, created_at);

	-- Invoices and line items
	CREATE TABLE IF NOT EXISTS invoices (
		id TEXT PRIMARY KEY,
		family_id TEXT NOT NULL,
		enrolment_id TEXT NOT NULL DEFAULT '',
		amount_cents INTEGER NOT NULL,
		amount_paid_cents INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL,
		issued_at TEXT NOT NULL,
		due_at TEXT NOT NULL,
		coverage_start TEXT,
		coverage_end TEXT,
		credits_purchased INTEGER NOT NULL DEFAULT 0,
		sessions_applied INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_invoices_family
		ON invoices(family_id, status, due_at);

	CREATE TABLE IF NOT EXISTS invoice_line_items (
		id TEXT PRIMARY KEY,
		invoice_id TEXT NOT NULL REFERENCES invoices(id),
		description TEXT NOT NULL DEFAULT '',
		amount_cents INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_line_items_invoice
		ON invoice_line_items(invoice_id);

	-- Payments and allocations
	CREATE TABLE IF NOT EXISTS payments (
		id TEXT PRIMARY KEY,
		family_id TEXT NOT NULL,
		amount_cents INTEGER NOT NULL,
		paid_at TEXT NOT NULL,
		method TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		idempotency_key TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		deleted_at TEXT
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_payments_family_key
		ON payments(family_id, idempotency_key) WHERE idempotency_key != '';
	CREATE INDEX IF NOT EXISTS idx_payments_family
		ON payments(family_id);

	CREATE TABLE IF NOT EXISTS payment_allocations (
		id TEXT PRIMARY KEY,
		payment_id TEXT NOT NULL REFERENCES payments(id),
		invoice_id TEXT NOT NULL REFERENCES invoices(id),
		amount_cents INTEGER NOT NULL,
		created_at TEXT NOT NULL,
		reversed_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_allocations_payment
		ON payment_allocations(payment_id);
	CREATE INDEX IF NOT EXISTS idx_allocations_invoice
		ON payment_allocations(invoice_id);

	-- Settlements (content-addressed, one row per applied change)
	CREATE TABLE IF NOT EXISTS settlements (
		key TEXT PRIMARY KEY,
		enrolment_id TEXT NOT NULL,
		new_enrolment_id TEXT NOT NULL,
		new_plan_id TEXT NOT NULL,
		changeover_date TEXT NOT NULL,
		paid_through TEXT,
		template_ids_json TEXT NOT NULL,
		chargeable_classes INTEGER NOT NULL DEFAULT 0,
		old_value_cents INTEGER NOT NULL DEFAULT 0,
		new_value_cents INTEGER NOT NULL DEFAULT 0,
		difference_cents INTEGER NOT NULL DEFAULT 0,
		invoice_id TEXT NOT NULL DEFAULT '',
		payment_id TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_settlements_enrolment
		ON settlements(enrolment_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// ENROLMENTS (enrolment.Store)
// =============================================================================

const enrolmentColumns = `id, student_id, family_id, plan_id, billing_type, template_ids_json,
	start_day, end_day, status, paid_through, paid_through_computed,
	paid_sessions, credits_balance_cached, billing_group_id, created_at`

func (s *Store) GetEnrolment(ctx context.Context, id string) (*enrolment.Enrolment, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+enrolmentColumns+` FROM enrolments WHERE id = ?`, id)
	e, err := scanEnrolment(row)
	if err == sql.ErrNoRows {
		return nil, enrolment.ErrEnrolmentNotFound
	}
	return e, err
}

func (s *Store) SaveEnrolment(ctx context.Context, e enrolment.Enrolment) error {
	templateIDs, _ := json.Marshal(e.TemplateIDs)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO enrolments (`+enrolmentColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			student_id = excluded.student_id,
			family_id = excluded.family_id,
			plan_id = excluded.plan_id,
			billing_type = excluded.billing_type,
			template_ids_json = excluded.template_ids_json,
			start_day = excluded.start_day,
			end_day = excluded.end_day,
			status = excluded.status,
			paid_through = excluded.paid_through,
			paid_through_computed = excluded.paid_through_computed,
			paid_sessions = excluded.paid_sessions,
			credits_balance_cached = excluded.credits_balance_cached,
			billing_group_id = excluded.billing_group_id
	`,
		e.ID, e.StudentID, e.FamilyID, e.PlanID, string(e.BillingType), string(templateIDs),
		e.Start.String(), nullDay(e.End), string(e.Status),
		nullDay(e.PaidThrough), nullDay(e.PaidThroughComputed),
		e.PaidSessions, e.CreditsBalanceCached, e.BillingGroupID,
		e.CreatedAt.UTC().Format(time.RFC3339),
	)
	return err
}

func (s *Store) EnrolmentsByGroup(ctx context.Context, billingGroupID string) ([]enrolment.Enrolment, error) {
	return s.queryEnrolments(ctx, `
		SELECT `+enrolmentColumns+` FROM enrolments
		WHERE billing_group_id = ? OR id = ?
		ORDER BY start_day ASC, created_at ASC
	`, billingGroupID, billingGroupID)
}

func (s *Store) ListEnrolments(ctx context.Context) ([]enrolment.Enrolment, error) {
	return s.queryEnrolments(ctx,
		`SELECT `+enrolmentColumns+` FROM enrolments ORDER BY id ASC`)
}

func (s *Store) CountActiveByTemplate(ctx context.Context, templateID string, on calendar.DayKey) (int, error) {
	// Template membership lives in a JSON array; filter the coarse window in
	// SQL and the membership in Go.
	rows, err := s.queryEnrolments(ctx, `
		SELECT `+enrolmentColumns+` FROM enrolments
		WHERE status IN ('active', 'paused')
		  AND start_day <= ?
		  AND (end_day IS NULL OR end_day >= ?)
	`, on.String(), on.String())
	if err != nil {
		return 0, err
	}
	count := 0
	for _, e := range rows {
		if e.ActiveOn(on) && e.HasTemplate(templateID) {
			count++
		}
	}
	return count, nil
}

func (s *Store) queryEnrolments(ctx context.Context, query string, args ...any) ([]enrolment.Enrolment, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []enrolment.Enrolment
	for rows.Next() {
		e, err := scanEnrolment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEnrolment(row scanner) (*enrolment.Enrolment, error) {
	var e enrolment.Enrolment
	var billingType, status, startDay, templateIDs, createdAt string
	var endDay, paidThrough, paidComputed sql.NullString

	err := row.Scan(&e.ID, &e.StudentID, &e.FamilyID, &e.PlanID, &billingType, &templateIDs,
		&startDay, &endDay, &status, &paidThrough, &paidComputed,
		&e.PaidSessions, &e.CreditsBalanceCached, &e.BillingGroupID, &createdAt)
	if err != nil {
		return nil, err
	}

	e.BillingType = enrolment.BillingType(billingType)
	e.Status = enrolment.Status(status)
	if err := json.Unmarshal([]byte(templateIDs), &e.TemplateIDs); err != nil {
		return nil, fmt.Errorf("decode template ids for enrolment %s: %w", e.ID, err)
	}
	if e.Start, err = calendar.ParseDayKey(startDay); err != nil {
		return nil, err
	}
	if e.End, err = parseNullDay(endDay); err != nil {
		return nil, err
	}
	if e.PaidThrough, err = parseNullDay(paidThrough); err != nil {
		return nil, err
	}
	if e.PaidThroughComputed, err = parseNullDay(paidComputed); err != nil {
		return nil, err
	}
	e.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	return &e, nil
}

// =============================================================================
// PLANS AND TEMPLATES
// =============================================================================

func (s *Store) GetPlan(ctx context.Context, id string) (*enrolment.Plan, error) {
	var p enrolment.Plan
	var billingType string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, billing_type, price_cents, sessions_per_week,
		       block_class_count, duration_weeks, level_id, saturday_only
		FROM plans WHERE id = ?
	`, id).Scan(&p.ID, &p.Name, &billingType, &p.PriceCents, &p.SessionsPerWeek,
		&p.BlockClassCount, &p.DurationWeeks, &p.LevelID, &p.SaturdayOnly)
	if err == sql.ErrNoRows {
		return nil, enrolment.ErrPlanNotFound
	}
	if err != nil {
		return nil, err
	}
	p.BillingType = enrolment.BillingType(billingType)
	return &p, nil
}

func (s *Store) SavePlan(ctx context.Context, p enrolment.Plan) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO plans (id, name, billing_type, price_cents, sessions_per_week,
			block_class_count, duration_weeks, level_id, saturday_only)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			billing_type = excluded.billing_type,
			price_cents = excluded.price_cents,
			sessions_per_week = excluded.sessions_per_week,
			block_class_count = excluded.block_class_count,
			duration_weeks = excluded.duration_weeks,
			level_id = excluded.level_id,
			saturday_only = excluded.saturday_only
	`, p.ID, p.Name, string(p.BillingType), p.PriceCents, p.SessionsPerWeek,
		p.BlockClassCount, p.DurationWeeks, p.LevelID, p.SaturdayOnly)
	return err
}

func (s *Store) GetTemplate(ctx context.Context, id string) (*calendar.Template, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, weekday, start_time, level_id, capacity, active_from, active_to
		FROM templates WHERE id = ?
	`, id)
	t, err := scanTemplate(row)
	if err == sql.ErrNoRows {
		return nil, enrolment.ErrTemplateNotFound
	}
	return t, err
}

func (s *Store) ListTemplates(ctx context.Context) ([]calendar.Template, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, weekday, start_time, level_id, capacity, active_from, active_to
		FROM templates ORDER BY id ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []calendar.Template
	for rows.Next() {
		t, err := scanTemplate(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

func (s *Store) SaveTemplate(ctx context.Context, t calendar.Template) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO templates (id, name, weekday, start_time, level_id, capacity, active_from, active_to)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			weekday = excluded.weekday,
			start_time = excluded.start_time,
			level_id = excluded.level_id,
			capacity = excluded.capacity,
			active_from = excluded.active_from,
			active_to = excluded.active_to
	`, t.ID, t.Name, t.Weekday, t.StartTime, t.LevelID, t.Capacity,
		nullDay(t.ActiveFrom), nullDay(t.ActiveTo))
	return err
}

func scanTemplate(row scanner) (*calendar.Template, error) {
	var t calendar.Template
	var activeFrom, activeTo sql.NullString
	err := row.Scan(&t.ID, &t.Name, &t.Weekday, &t.StartTime, &t.LevelID, &t.Capacity,
		&activeFrom, &activeTo)
	if err != nil {
		return nil, err
	}
	if t.ActiveFrom, err = parseNullDay(activeFrom); err != nil {
		return nil, err
	}
	if t.ActiveTo, err = parseNullDay(activeTo); err != nil {
		return nil, err
	}
	return &t, nil
}

// =============================================================================
// CALENDAR (enrolment.CalendarStore)
// =============================================================================

func (s *Store) ListHolidays(ctx context.Context) ([]calendar.Holiday, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, start_day, end_day, level_id, template_id
		FROM holidays ORDER BY start_day ASC, id ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []calendar.Holiday
	for rows.Next() {
		var h calendar.Holiday
		var start, end string
		if err := rows.Scan(&h.ID, &h.Name, &start, &end, &h.LevelID, &h.TemplateID); err != nil {
			return nil, err
		}
		if h.Start, err = calendar.ParseDayKey(start); err != nil {
			return nil, err
		}
		if h.End, err = calendar.ParseDayKey(end); err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

func (s *Store) SaveHoliday(ctx context.Context, h calendar.Holiday) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO holidays (id, name, start_day, end_day, level_id, template_id)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			start_day = excluded.start_day,
			end_day = excluded.end_day,
			level_id = excluded.level_id,
			template_id = excluded.template_id
	`, h.ID, h.Name, h.Start.String(), h.End.String(), h.LevelID, h.TemplateID)
	return err
}

func (s *Store) DeleteHoliday(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM holidays WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return enrolment.ErrHolidayNotFound
	}
	return nil
}

func (s *Store) ListCancellations(ctx context.Context, templateIDs []string) ([]calendar.Cancellation, error) {
	query := `SELECT id, template_id, date, reason FROM cancellations`
	var args []any
	if len(templateIDs) > 0 {
		placeholders := strings.Repeat("?, ", len(templateIDs))
		query += ` WHERE template_id IN (` + placeholders[:len(placeholders)-2] + `)`
		for _, id := range templateIDs {
			args = append(args, id)
		}
	}
	query += ` ORDER BY date ASC, id ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []calendar.Cancellation
	for rows.Next() {
		var c calendar.Cancellation
		var date string
		if err := rows.Scan(&c.ID, &c.TemplateID, &date, &c.Reason); err != nil {
			return nil, err
		}
		if c.Date, err = calendar.ParseDayKey(date); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) SaveCancellation(ctx context.Context, c calendar.Cancellation) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cancellations (id, template_id, date, reason)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			template_id = excluded.template_id,
			date = excluded.date,
			reason = excluded.reason
	`, c.ID, c.TemplateID, c.Date.String(), c.Reason)
	return err
}

func (s *Store) DeleteCancellation(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM cancellations WHERE id = ?`, id)
	return err
}

// =============================================================================
// CREDIT EVENTS (ledger.Store) - Append-only
// =============================================================================

func (s *Store) AppendEvent(ctx context.Context, ev ledger.Event) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO credit_events
		(id, enrolment_id, event_type, delta, occurred_on, invoice_id,
		 attendance_id, reference_id, reason, idempotency_key, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		ev.ID, ev.EnrolmentID, string(ev.Type), ev.Delta, ev.OccurredOn.String(),
		ev.InvoiceID, ev.AttendanceID, ev.ReferenceID, ev.Reason,
		nullString(ev.IdempotencyKey), ev.CreatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil && isUniqueConstraintError(err) {
		return ledger.ErrDuplicateIdempotencyKey
	}
	return err
}

func (s *Store) AppendEvents(ctx context.Context, evs []ledger.Event) error {
	// SAVEPOINT rather than BEGIN so the batch nests inside WithTx.
	return s.withSavepoint(ctx, "append_events", func() error {
		for _, ev := range evs {
			if err := s.AppendEvent(ctx, ev); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) Events(ctx context.Context, enrolmentID string) ([]ledger.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, enrolment_id, event_type, delta, occurred_on, invoice_id,
		       attendance_id, reference_id, reason, idempotency_key, created_at
		FROM credit_events
		WHERE enrolment_id = ?
		ORDER BY occurred_on ASC, created_at ASC
	`, enrolmentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ledger.Event
	for rows.Next() {
		var ev ledger.Event
		var typ, occurredOn, createdAt string
		var key sql.NullString
		err := rows.Scan(&ev.ID, &ev.EnrolmentID, &typ, &ev.Delta, &occurredOn,
			&ev.InvoiceID, &ev.AttendanceID, &ev.ReferenceID, &ev.Reason, &key, &createdAt)
		if err != nil {
			return nil, err
		}
		ev.Type = ledger.EventType(typ)
		ev.IdempotencyKey = key.String
		if ev.OccurredOn, err = calendar.ParseDayKey(occurredOn); err != nil {
			return nil, err
		}
		ev.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (s *Store) EventKeyExists(ctx context.Context, key string) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM credit_events WHERE idempotency_key = ?`, key).Scan(&count)
	return count > 0, err
}

// =============================================================================
// COVERAGE AUDITS (coverage.AuditStore) - Append-only
// =============================================================================

func (s *Store) AppendAudit(ctx context.Context, a coverage.Audit) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO coverage_audits
		(id, enrolment_id, reason, previous_day, next_day, actor_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, a.ID, a.EnrolmentID, string(a.Reason), nullDay(a.Previous), nullDay(a.Next),
		a.ActorID, a.CreatedAt.UTC().Format(time.RFC3339))
	return err
}

func (s *Store) AuditsByEnrolment(ctx context.Context, enrolmentID string) ([]coverage.Audit, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, enrolment_id, reason, previous_day, next_day, actor_id, created_at
		FROM coverage_audits
		WHERE enrolment_id = ?
		ORDER BY created_at ASC, id ASC
	`, enrolmentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []coverage.Audit
	for rows.Next() {
		var a coverage.Audit
		var reason, createdAt string
		var prev, next sql.NullString
		if err := rows.Scan(&a.ID, &a.EnrolmentID, &reason, &prev, &next, &a.ActorID, &createdAt); err != nil {
			return nil, err
		}
		a.Reason = coverage.Reason(reason)
		if a.Previous, err = parseNullDay(prev); err != nil {
			return nil, err
		}
		if a.Next, err = parseNullDay(next); err != nil {
			return nil, err
		}
		a.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		out = append(out, a)
	}
	return out, rows.Err()
}

// =============================================================================
// INVOICES (billing.InvoiceStore)
// =============================================================================

const invoiceColumns = `id, family_id, enrolment_id, amount_cents, amount_paid_cents, status,
	issued_at, due_at, coverage_start, coverage_end, credits_purchased, sessions_applied, created_at`

func (s *Store) GetInvoice(ctx context.Context, id string) (*billing.Invoice, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+invoiceColumns+` FROM invoices WHERE id = ?`, id)
	inv, err := scanInvoice(row)
	if err == sql.ErrNoRows {
		return nil, billing.ErrInvoiceNotFound
	}
	if err != nil {
		return nil, err
	}
	if inv.LineItems, err = s.lineItems(ctx, inv.ID); err != nil {
		return nil, err
	}
	return inv, nil
}

func (s *Store) SaveInvoice(ctx context.Context, inv billing.Invoice) error {
	// SAVEPOINT rather than BEGIN so the write nests inside WithTx.
	return s.withSavepoint(ctx, "save_invoice", func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO invoices (`+invoiceColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				family_id = excluded.family_id,
				enrolment_id = excluded.enrolment_id,
				amount_cents = excluded.amount_cents,
				amount_paid_cents = excluded.amount_paid_cents,
				status = excluded.status,
				issued_at = excluded.issued_at,
				due_at = excluded.due_at,
				coverage_start = excluded.coverage_start,
				coverage_end = excluded.coverage_end,
				credits_purchased = excluded.credits_purchased,
				sessions_applied = excluded.sessions_applied
		`,
			inv.ID, inv.FamilyID, inv.EnrolmentID, inv.AmountCents, inv.AmountPaidCents,
			string(inv.Status), inv.IssuedAt.String(), inv.DueAt.String(),
			nullDay(inv.CoverageStart), nullDay(inv.CoverageEnd), inv.CreditsPurchased,
			inv.SessionsApplied, inv.CreatedAt.UTC().Format(time.RFC3339),
		)
		if err != nil {
			return err
		}

		if _, err := s.db.ExecContext(ctx, `DELETE FROM invoice_line_items WHERE invoice_id = ?`, inv.ID); err != nil {
			return err
		}
		for _, li := range inv.LineItems {
			_, err := s.db.ExecContext(ctx, `
				INSERT INTO invoice_line_items (id, invoice_id, description, amount_cents)
				VALUES (?, ?, ?, ?)
			`, li.ID, inv.ID, li.Description, li.AmountCents)
			if err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) OpenInvoicesByFamily(ctx context.Context, familyID string) ([]billing.Invoice, error) {
	return s.queryInvoices(ctx, `
		SELECT `+invoiceColumns+` FROM invoices
		WHERE family_id = ? AND status NOT IN ('paid', 'void')
		ORDER BY due_at ASC, issued_at ASC, id ASC
	`, familyID)
}

func (s *Store) InvoicesByFamily(ctx context.Context, familyID string) ([]billing.Invoice, error) {
	return s.queryInvoices(ctx, `
		SELECT `+invoiceColumns+` FROM invoices
		WHERE family_id = ?
		ORDER BY issued_at DESC, id ASC
	`, familyID)
}

func (s *Store) queryInvoices(ctx context.Context, query string, args ...any) ([]billing.Invoice, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []billing.Invoice
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *inv)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range out {
		if out[i].LineItems, err = s.lineItems(ctx, out[i].ID); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func scanInvoice(row scanner) (*billing.Invoice, error) {
	var inv billing.Invoice
	var status, issuedAt, dueAt, createdAt string
	var covStart, covEnd sql.NullString

	err := row.Scan(&inv.ID, &inv.FamilyID, &inv.EnrolmentID, &inv.AmountCents,
		&inv.AmountPaidCents, &status, &issuedAt, &dueAt, &covStart, &covEnd,
		&inv.CreditsPurchased, &inv.SessionsApplied, &createdAt)
	if err != nil {
		return nil, err
	}
	inv.Status = billing.Status(status)
	if inv.IssuedAt, err = calendar.ParseDayKey(issuedAt); err != nil {
		return nil, err
	}
	if inv.DueAt, err = calendar.ParseDayKey(dueAt); err != nil {
		return nil, err
	}
	if inv.CoverageStart, err = parseNullDay(covStart); err != nil {
		return nil, err
	}
	if inv.CoverageEnd, err = parseNullDay(covEnd); err != nil {
		return nil, err
	}
	inv.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	return &inv, nil
}

func (s *Store) lineItems(ctx context.Context, invoiceID string) ([]billing.LineItem, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, invoice_id, description, amount_cents
		FROM invoice_line_items WHERE invoice_id = ? ORDER BY id ASC
	`, invoiceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []billing.LineItem
	for rows.Next() {
		var li billing.LineItem
		if err := rows.Scan(&li.ID, &li.InvoiceID, &li.Description, &li.AmountCents); err != nil {
			return nil, err
		}
		out = append(out, li)
	}
	return out, rows.Err()
}

// =============================================================================
// PAYMENTS (billing.PaymentStore)
// =============================================================================

const paymentColumns = `id, family_id, amount_cents, paid_at, method, status,
	idempotency_key, created_at, deleted_at`

func (s *Store) GetPayment(ctx context.Context, id string) (*billing.Payment, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+paymentColumns+` FROM payments WHERE id = ?`, id)
	p, err := scanPayment(row)
	if err == sql.ErrNoRows {
		return nil, billing.ErrPaymentNotFound
	}
	return p, err
}

func (s *Store) SavePayment(ctx context.Context, p billing.Payment) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO payments (`+paymentColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			family_id = excluded.family_id,
			amount_cents = excluded.amount_cents,
			paid_at = excluded.paid_at,
			method = excluded.method,
			status = excluded.status,
			idempotency_key = excluded.idempotency_key,
			deleted_at = excluded.deleted_at
	`,
		p.ID, p.FamilyID, p.AmountCents, p.PaidAt.String(), p.Method, string(p.Status),
		p.IdempotencyKey, p.CreatedAt.UTC().Format(time.RFC3339), nullTime(p.DeletedAt),
	)
	return err
}

func (s *Store) PaymentByKey(ctx context.Context, familyID, key string) (*billing.Payment, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+paymentColumns+` FROM payments
		WHERE family_id = ? AND idempotency_key = ? AND idempotency_key != ''
	`, familyID, key)
	p, err := scanPayment(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return p, err
}

func scanPayment(row scanner) (*billing.Payment, error) {
	var p billing.Payment
	var paidAt, status, createdAt string
	var deletedAt sql.NullString

	err := row.Scan(&p.ID, &p.FamilyID, &p.AmountCents, &paidAt, &p.Method, &status,
		&p.IdempotencyKey, &createdAt, &deletedAt)
	if err != nil {
		return nil, err
	}
	p.Status = billing.PaymentStatus(status)
	if p.PaidAt, err = calendar.ParseDayKey(paidAt); err != nil {
		return nil, err
	}
	p.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	if p.DeletedAt, err = parseNullTime(deletedAt); err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *Store) SaveAllocation(ctx context.Context, a billing.Allocation) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO payment_allocations (id, payment_id, invoice_id, amount_cents, created_at, reversed_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			reversed_at = excluded.reversed_at
	`, a.ID, a.PaymentID, a.InvoiceID, a.AmountCents,
		a.CreatedAt.UTC().Format(time.RFC3339), nullTime(a.ReversedAt))
	return err
}

func (s *Store) AllocationsByPayment(ctx context.Context, paymentID string) ([]billing.Allocation, error) {
	return s.queryAllocations(ctx, `
		SELECT id, payment_id, invoice_id, amount_cents, created_at, reversed_at
		FROM payment_allocations WHERE payment_id = ?
		ORDER BY created_at ASC, id ASC
	`, paymentID)
}

func (s *Store) AllocationsByInvoice(ctx context.Context, invoiceID string) ([]billing.Allocation, error) {
	return s.queryAllocations(ctx, `
		SELECT id, payment_id, invoice_id, amount_cents, created_at, reversed_at
		FROM payment_allocations WHERE invoice_id = ?
		ORDER BY created_at ASC, id ASC
	`, invoiceID)
}

func (s *Store) queryAllocations(ctx context.Context, query string, args ...any) ([]billing.Allocation, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []billing.Allocation
	for rows.Next() {
		var a billing.Allocation
		var createdAt string
		var reversedAt sql.NullString
		if err := rows.Scan(&a.ID, &a.PaymentID, &a.InvoiceID, &a.AmountCents, &createdAt, &reversedAt); err != nil {
			return nil, err
		}
		a.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		if a.ReversedAt, err = parseNullTime(reversedAt); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// =============================================================================
// SETTLEMENTS (billing.SettlementStore)
// =============================================================================

func (s *Store) GetSettlement(ctx context.Context, key string) (*billing.Settlement, error) {
	var set billing.Settlement
	var changeover, templateIDs, createdAt string
	var paidThrough sql.NullString

	err := s.db.QueryRowContext(ctx, `
		SELECT key, enrolment_id, new_enrolment_id, new_plan_id, changeover_date,
		       paid_through, template_ids_json, chargeable_classes,
		       old_value_cents, new_value_cents, difference_cents,
		       invoice_id, payment_id, created_at
		FROM settlements WHERE key = ?
	`, key).Scan(&set.Key, &set.EnrolmentID, &set.NewEnrolmentID, &set.NewPlanID,
		&changeover, &paidThrough, &templateIDs, &set.ChargeableClasses,
		&set.OldValueCents, &set.NewValueCents, &set.DifferenceCents,
		&set.InvoiceID, &set.PaymentID, &createdAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if set.ChangeoverDate, err = calendar.ParseDayKey(changeover); err != nil {
		return nil, err
	}
	if set.PaidThrough, err = parseNullDay(paidThrough); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(templateIDs), &set.TemplateIDs); err != nil {
		return nil, fmt.Errorf("decode settlement template ids: %w", err)
	}
	set.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	return &set, nil
}

func (s *Store) SaveSettlement(ctx context.Context, set billing.Settlement) error {
	templateIDs, _ := json.Marshal(set.TemplateIDs)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO settlements
		(key, enrolment_id, new_enrolment_id, new_plan_id, changeover_date,
		 paid_through, template_ids_json, chargeable_classes,
		 old_value_cents, new_value_cents, difference_cents,
		 invoice_id, payment_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		set.Key, set.EnrolmentID, set.NewEnrolmentID, set.NewPlanID,
		set.ChangeoverDate.String(), nullDay(set.PaidThrough), string(templateIDs),
		set.ChargeableClasses, set.OldValueCents, set.NewValueCents, set.DifferenceCents,
		set.InvoiceID, set.PaymentID, set.CreatedAt.UTC().Format(time.RFC3339),
	)
	return err
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithTx wraps fn in BEGIN IMMEDIATE / COMMIT on the single pooled
// connection. Store calls inside fn share the transaction because the pool
// has exactly one connection.
func (s *Store) WithTx(ctx context.Context, fn func() error) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()

	if _, err := s.db.ExecContext(ctx, `BEGIN IMMEDIATE`); err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(); err != nil {
		if _, rbErr := s.db.ExecContext(ctx, `ROLLBACK`); rbErr != nil {
			return fmt.Errorf("rollback after %v: %w", err, rbErr)
		}
		return err
	}
	if _, err := s.db.ExecContext(ctx, `COMMIT`); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// withSavepoint runs fn inside a named savepoint. Savepoints nest inside an
// open transaction and behave like one at the top level.
func (s *Store) withSavepoint(ctx context.Context, name string, fn func() error) error {
	if _, err := s.db.ExecContext(ctx, `SAVEPOINT `+name); err != nil {
		return err
	}
	if err := fn(); err != nil {
		if _, rbErr := s.db.ExecContext(ctx, `ROLLBACK TO `+name); rbErr != nil {
			return fmt.Errorf("rollback to savepoint after %v: %w", err, rbErr)
		}
		s.db.ExecContext(ctx, `RELEASE `+name)
		return err
	}
	_, err := s.db.ExecContext(ctx, `RELEASE `+name)
	return err
}

// =============================================================================
// HELPERS
// =============================================================================

func nullDay(d *calendar.DayKey) any {
	if d == nil {
		return nil
	}
	return d.String()
}

func parseNullDay(ns sql.NullString) (*calendar.DayKey, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	d, err := calendar.ParseDayKey(ns.String)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339)
}

func parseNullTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func isUniqueConstraintError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
