/*
Package sqlite provides a SQLite-backed implementation of studio.TxStore.

PURPOSE:
  Persists classes, bookings, credit accounts, packages and attendance
  in a single SQLite file. Suitable for a single-studio deployment and
  for integration tests (":memory:").

KEY TABLES:
  classes:               class definitions + booked_count for single-date classes
  cancelled_occurrences: withdrawn dates of recurring classes
  occurrence_seats:      held-seat counter per (class, occurrence date)
  bookings:              one row per reservation, never deleted by the engine
  credit_accounts:       balance per (user, category)
  package_templates:     sellable packages, price as decimal text
  packages:              per-user subscriptions
  purchases:             what was paid on assign / renew
  attendance:            one row per (class, occurrence, user)
  user_stats:            lifetime classes taken

INDEXES:
  - idx_bookings_one_active: at most one non-cancelled booking per
    (class, occurrence, user). Single-date classes use occurrence_date ''.
  - idx_packages_one_active: at most one active package per (user, category).
  - ON DELETE CASCADE from every class-owned table to classes.

CONCURRENCY:
  The store holds one connection and opens every transaction with
  BEGIN IMMEDIATE (_txlock=immediate), so transactions are serialized.
  Seat and balance changes are still conditional UPDATEs:

    UPDATE credit_accounts SET balance = balance + ?
    WHERE user_id = ? AND category = ? AND balance + ? >= ?
    RETURNING balance

  which keeps the floor check and the write in one statement.

USAGE:
  store, err := sqlite.New("./data/studio.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  engine := studio.New(store)

SEE ALSO:
  - studio/store.go: interface definitions
  - studio/store/memory.go: in-memory implementation for testing
  - store/postgres: multi-instance deployments
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/warp/studio-engine/studio"
)

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store implements studio.TxStore using SQLite.
type Store struct {
	queries
	db *sql.DB
}

// queries implements studio.Store over either the pool or an open tx.
type queries struct {
	q querier
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection: ":memory:" databases are per-connection, and
	// SQLite allows a single writer anyway.
	db.SetMaxOpenConns(1)

	store := &Store{queries: queries{q: db}, db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks that the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS classes (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		category TEXT NOT NULL CHECK (category IN ('group', 'private')),
		capacity INTEGER NOT NULL CHECK (capacity >= 1),
		schedule_kind TEXT NOT NULL CHECK (schedule_kind IN ('single', 'recurring')),
		single_at TEXT,
		weekdays_json TEXT,
		start_date TEXT,
		end_date TEXT,
		start_time TEXT,
		duration_seconds INTEGER NOT NULL DEFAULT 0,
		instructors_json TEXT NOT NULL DEFAULT '[]',
		status TEXT NOT NULL DEFAULT 'active',
		booked_count INTEGER NOT NULL DEFAULT 0 CHECK (booked_count >= 0),
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS cancelled_occurrences (
		class_id TEXT NOT NULL REFERENCES classes(id) ON DELETE CASCADE,
		occurrence_date TEXT NOT NULL,
		reason TEXT,
		created_at TEXT NOT NULL,
		PRIMARY KEY (class_id, occurrence_date)
	);

	CREATE TABLE IF NOT EXISTS occurrence_seats (
		class_id TEXT NOT NULL REFERENCES classes(id) ON DELETE CASCADE,
		occurrence_date TEXT NOT NULL,
		booked INTEGER NOT NULL DEFAULT 0 CHECK (booked >= 0),
		PRIMARY KEY (class_id, occurrence_date)
	);

	CREATE TABLE IF NOT EXISTS bookings (
		id TEXT PRIMARY KEY,
		class_id TEXT NOT NULL REFERENCES classes(id) ON DELETE CASCADE,
		user_id TEXT NOT NULL,
		occurrence_date TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		credit_deducted INTEGER NOT NULL DEFAULT 0,
		late_cancellation INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	-- CRITICAL: at most one live booking per user per occurrence
	CREATE UNIQUE INDEX IF NOT EXISTS idx_bookings_one_active
		ON bookings(class_id, occurrence_date, user_id)
		WHERE status != 'cancelled';

	CREATE INDEX IF NOT EXISTS idx_bookings_occurrence
		ON bookings(class_id, occurrence_date);

	CREATE TABLE IF NOT EXISTS credit_accounts (
		user_id TEXT NOT NULL,
		category TEXT NOT NULL,
		balance INTEGER NOT NULL DEFAULT 0,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (user_id, category)
	);

	CREATE TABLE IF NOT EXISTS package_templates (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		category TEXT NOT NULL,
		classes_included INTEGER NOT NULL,
		validity_months INTEGER NOT NULL,
		unlimited INTEGER NOT NULL DEFAULT 0,
		price TEXT NOT NULL DEFAULT '0',
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS packages (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		category TEXT NOT NULL,
		template_id TEXT NOT NULL,
		classes_included INTEGER NOT NULL,
		unlimited INTEGER NOT NULL DEFAULT 0,
		start_date TEXT NOT NULL,
		end_date TEXT NOT NULL,
		status TEXT NOT NULL,
		renewal_months INTEGER NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_packages_user_category
		ON packages(user_id, category, status);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_packages_one_active
		ON packages(user_id, category) WHERE status = 'active';
	CREATE INDEX IF NOT EXISTS idx_packages_end_date
		ON packages(end_date) WHERE status = 'active';

	CREATE TABLE IF NOT EXISTS purchases (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		package_id TEXT NOT NULL,
		template_id TEXT NOT NULL,
		amount TEXT NOT NULL,
		purchased_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS attendance (
		class_id TEXT NOT NULL REFERENCES classes(id) ON DELETE CASCADE,
		occurrence_date TEXT NOT NULL DEFAULT '',
		user_id TEXT NOT NULL,
		status TEXT NOT NULL,
		reason TEXT,
		notes TEXT,
		marked_by TEXT,
		recorded_at TEXT NOT NULL,
		PRIMARY KEY (class_id, occurrence_date, user_id)
	);

	CREATE TABLE IF NOT EXISTS user_stats (
		user_id TEXT PRIMARY KEY,
		classes_taken INTEGER NOT NULL DEFAULT 0
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// TRANSACTIONAL STORE (studio.TxStore interface)
// =============================================================================

// WithTx executes fn within a database transaction. fn must only use the
// store it is given.
func (s *Store) WithTx(ctx context.Context, fn func(studio.Store) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&queries{q: sqlTx}); err != nil {
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		if isBusyError(err) {
			return studio.ErrConcurrentModification
		}
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

// Reset deletes all data. For tests and demos.
func (s *Store) Reset(ctx context.Context) error {
	for _, table := range []string{
		"attendance", "bookings", "occurrence_seats", "cancelled_occurrences", "classes",
		"credit_accounts", "purchases", "packages", "package_templates", "user_stats",
	} {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return fmt.Errorf("reset %s: %w", table, err)
		}
	}
	return nil
}

// =============================================================================
// CLASS STORE
// =============================================================================

const classColumns = `id, name, category, capacity, schedule_kind, single_at, weekdays_json,
	start_date, end_date, start_time, duration_seconds, instructors_json, status,
	booked_count, created_at, updated_at`

func (s *queries) GetClass(ctx context.Context, id studio.ClassID) (*studio.ClassDefinition, error) {
	row := s.q.QueryRowContext(ctx, `SELECT `+classColumns+` FROM classes WHERE id = ?`, id)
	c, err := scanClass(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

// SaveClass upserts the definition. status, booked_count and created_at
// survive an update; ON CONFLICT DO UPDATE is used so the cascade never fires.
func (s *queries) SaveClass(ctx context.Context, c studio.ClassDefinition) error {
	instructors, err := json.Marshal(c.Instructors)
	if err != nil {
		return fmt.Errorf("encode instructors: %w", err)
	}
	var (
		kind                         string
		singleAt, weekdays           sql.NullString
		startDate, endDate, startTOD sql.NullString
	)
	switch sch := c.Schedule.(type) {
	case studio.Single:
		kind = "single"
		singleAt = nullString(formatTime(sch.At))
	case studio.Recurring:
		kind = "recurring"
		days := make([]int, len(sch.Weekdays))
		for i, d := range sch.Weekdays {
			days[i] = int(d)
		}
		b, _ := json.Marshal(days)
		weekdays = nullString(string(b))
		if !sch.StartDate.IsZero() {
			startDate = nullString(sch.StartDate.Format(studio.DateLayout))
		}
		endDate = nullString(sch.EndDate.Format(studio.DateLayout))
		startTOD = nullString(sch.StartTime.String())
	default:
		return fmt.Errorf("unknown schedule type %T", c.Schedule)
	}

	_, err = s.q.ExecContext(ctx, `
		INSERT INTO classes (id, name, category, capacity, schedule_kind, single_at, weekdays_json,
			start_date, end_date, start_time, duration_seconds, instructors_json, status,
			booked_count, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			category = excluded.category,
			capacity = excluded.capacity,
			schedule_kind = excluded.schedule_kind,
			single_at = excluded.single_at,
			weekdays_json = excluded.weekdays_json,
			start_date = excluded.start_date,
			end_date = excluded.end_date,
			start_time = excluded.start_time,
			duration_seconds = excluded.duration_seconds,
			instructors_json = excluded.instructors_json,
			updated_at = excluded.updated_at
	`,
		c.ID, c.Name, c.Category, c.Capacity, kind, singleAt, weekdays,
		startDate, endDate, startTOD, int64(c.Duration/time.Second), string(instructors), c.Status,
		formatTime(c.CreatedAt), formatTime(c.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save class: %w", err)
	}
	return nil
}

func (s *queries) SetClassStatus(ctx context.Context, id studio.ClassID, status studio.ClassStatus) error {
	res, err := s.q.ExecContext(ctx,
		`UPDATE classes SET status = ?, updated_at = ? WHERE id = ?`,
		status, formatTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("failed to set class status: %w", err)
	}
	return requireRow(res, studio.ErrClassNotFound)
}

func (s *queries) DeleteClass(ctx context.Context, id studio.ClassID) error {
	_, err := s.q.ExecContext(ctx, `DELETE FROM classes WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete class: %w", err)
	}
	return nil
}

func (s *queries) SaveCancelledOccurrence(ctx context.Context, occ studio.CancelledOccurrence) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO cancelled_occurrences (class_id, occurrence_date, reason, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(class_id, occurrence_date) DO UPDATE SET reason = excluded.reason
	`, occ.ClassID, occ.Date.Format(studio.DateLayout), nullString(occ.Reason), formatTime(occ.CreatedAt))
	if err != nil {
		if isForeignKeyError(err) {
			return studio.ErrClassNotFound
		}
		return fmt.Errorf("failed to save cancelled occurrence: %w", err)
	}
	return nil
}

func (s *queries) CancelledOccurrences(ctx context.Context, id studio.ClassID) ([]time.Time, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT occurrence_date FROM cancelled_occurrences WHERE class_id = ? ORDER BY occurrence_date`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query cancelled occurrences: %w", err)
	}
	defer rows.Close()

	var out []time.Time
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			return nil, err
		}
		t, err := studio.ParseDate(d)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// =============================================================================
// SEAT STORE
// =============================================================================

func (s *queries) ClaimSeat(ctx context.Context, classID studio.ClassID, occurrence *time.Time, capacity int) (bool, error) {
	var res sql.Result
	var err error
	if occurrence == nil {
		res, err = s.q.ExecContext(ctx,
			`UPDATE classes SET booked_count = booked_count + 1 WHERE id = ? AND booked_count < ?`,
			classID, capacity)
	} else {
		occ := occurrenceKey(occurrence)
		if _, err := s.q.ExecContext(ctx, `
			INSERT INTO occurrence_seats (class_id, occurrence_date, booked) VALUES (?, ?, 0)
			ON CONFLICT(class_id, occurrence_date) DO NOTHING
		`, classID, occ); err != nil {
			return false, fmt.Errorf("failed to init seat counter: %w", err)
		}
		res, err = s.q.ExecContext(ctx,
			`UPDATE occurrence_seats SET booked = booked + 1 WHERE class_id = ? AND occurrence_date = ? AND booked < ?`,
			classID, occ, capacity)
	}
	if err != nil {
		return false, fmt.Errorf("failed to claim seat: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *queries) ReleaseSeat(ctx context.Context, classID studio.ClassID, occurrence *time.Time) error {
	var err error
	if occurrence == nil {
		_, err = s.q.ExecContext(ctx,
			`UPDATE classes SET booked_count = MAX(booked_count - 1, 0) WHERE id = ?`, classID)
	} else {
		_, err = s.q.ExecContext(ctx,
			`UPDATE occurrence_seats SET booked = MAX(booked - 1, 0) WHERE class_id = ? AND occurrence_date = ?`,
			classID, occurrenceKey(occurrence))
	}
	if err != nil {
		return fmt.Errorf("failed to release seat: %w", err)
	}
	return nil
}

func (s *queries) SetSeatCount(ctx context.Context, classID studio.ClassID, occurrence *time.Time, n int) error {
	var err error
	if occurrence == nil {
		_, err = s.q.ExecContext(ctx, `UPDATE classes SET booked_count = ? WHERE id = ?`, n, classID)
	} else {
		_, err = s.q.ExecContext(ctx, `
			INSERT INTO occurrence_seats (class_id, occurrence_date, booked) VALUES (?, ?, ?)
			ON CONFLICT(class_id, occurrence_date) DO UPDATE SET booked = excluded.booked
		`, classID, occurrenceKey(occurrence), n)
	}
	if err != nil {
		return fmt.Errorf("failed to set seat count: %w", err)
	}
	return nil
}

func (s *queries) SeatCount(ctx context.Context, classID studio.ClassID, occurrence *time.Time) (int, error) {
	var n int
	var err error
	if occurrence == nil {
		err = s.q.QueryRowContext(ctx, `SELECT booked_count FROM classes WHERE id = ?`, classID).Scan(&n)
	} else {
		err = s.q.QueryRowContext(ctx,
			`SELECT booked FROM occurrence_seats WHERE class_id = ? AND occurrence_date = ?`,
			classID, occurrenceKey(occurrence)).Scan(&n)
	}
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to count seats: %w", err)
	}
	return n, nil
}

// =============================================================================
// BOOKING STORE
// =============================================================================

const bookingColumns = `id, class_id, user_id, occurrence_date, status, credit_deducted,
	late_cancellation, created_at, updated_at`

func (s *queries) InsertBooking(ctx context.Context, b studio.Booking) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO bookings (`+bookingColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		b.ID, b.ClassID, b.UserID, occurrenceKey(b.OccurrenceDate), b.Status,
		b.CreditDeducted, b.LateCancellation, formatTime(b.CreatedAt), formatTime(b.UpdatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return studio.ErrAlreadyBooked
		}
		if isForeignKeyError(err) {
			return studio.ErrClassNotFound
		}
		return fmt.Errorf("failed to insert booking: %w", err)
	}
	return nil
}

func (s *queries) GetBooking(ctx context.Context, id studio.BookingID) (*studio.Booking, error) {
	row := s.q.QueryRowContext(ctx, `SELECT `+bookingColumns+` FROM bookings WHERE id = ?`, id)
	b, err := scanBooking(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return b, nil
}

func (s *queries) UpdateBooking(ctx context.Context, b studio.Booking) error {
	res, err := s.q.ExecContext(ctx, `
		UPDATE bookings SET status = ?, credit_deducted = ?, late_cancellation = ?, updated_at = ?
		WHERE id = ?
	`, b.Status, b.CreditDeducted, b.LateCancellation, formatTime(b.UpdatedAt), b.ID)
	if err != nil {
		if isUniqueConstraintError(err) {
			return studio.ErrAlreadyBooked
		}
		return fmt.Errorf("failed to update booking: %w", err)
	}
	return requireRow(res, studio.ErrBookingNotFound)
}

func (s *queries) ActiveBooking(ctx context.Context, classID studio.ClassID, occurrence *time.Time, userID studio.UserID) (*studio.Booking, error) {
	row := s.q.QueryRowContext(ctx, `
		SELECT `+bookingColumns+` FROM bookings
		WHERE class_id = ? AND occurrence_date = ? AND user_id = ? AND status != 'cancelled'
	`, classID, occurrenceKey(occurrence), userID)
	b, err := scanBooking(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return b, nil
}

func (s *queries) LatestBooking(ctx context.Context, classID studio.ClassID, occurrence *time.Time, userID studio.UserID) (*studio.Booking, error) {
	row := s.q.QueryRowContext(ctx, `
		SELECT `+bookingColumns+` FROM bookings
		WHERE class_id = ? AND occurrence_date = ? AND user_id = ?
		ORDER BY created_at DESC, rowid DESC
		LIMIT 1
	`, classID, occurrenceKey(occurrence), userID)
	b, err := scanBooking(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return b, nil
}

func (s *queries) ActiveBookings(ctx context.Context, classID studio.ClassID, occurrence *time.Time) ([]studio.Booking, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT `+bookingColumns+` FROM bookings
		WHERE class_id = ? AND occurrence_date = ? AND status != 'cancelled'
		ORDER BY created_at, rowid
	`, classID, occurrenceKey(occurrence))
	if err != nil {
		return nil, fmt.Errorf("failed to query bookings: %w", err)
	}
	defer rows.Close()

	var out []studio.Booking
	for rows.Next() {
		b, err := scanBooking(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *b)
	}
	return out, rows.Err()
}

// =============================================================================
// CREDIT STORE
// =============================================================================

func (s *queries) GetBalance(ctx context.Context, userID studio.UserID, category studio.Category) (int, bool, error) {
	var balance int
	err := s.q.QueryRowContext(ctx,
		`SELECT balance FROM credit_accounts WHERE user_id = ? AND category = ?`,
		userID, category).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to get balance: %w", err)
	}
	return balance, true, nil
}

// AdjustBalance applies delta in one conditional UPDATE. When the floor
// rejects it the current balance is returned with applied=false.
func (s *queries) AdjustBalance(ctx context.Context, userID studio.UserID, category studio.Category, delta int, floor *int) (int, bool, error) {
	now := formatTime(time.Now())
	if _, err := s.q.ExecContext(ctx, `
		INSERT INTO credit_accounts (user_id, category, balance, updated_at) VALUES (?, ?, 0, ?)
		ON CONFLICT(user_id, category) DO NOTHING
	`, userID, category, now); err != nil {
		return 0, false, fmt.Errorf("failed to open account: %w", err)
	}

	var balance int
	var err error
	if floor == nil {
		err = s.q.QueryRowContext(ctx, `
			UPDATE credit_accounts SET balance = balance + ?, updated_at = ?
			WHERE user_id = ? AND category = ?
			RETURNING balance
		`, delta, now, userID, category).Scan(&balance)
	} else {
		err = s.q.QueryRowContext(ctx, `
			UPDATE credit_accounts SET balance = balance + ?, updated_at = ?
			WHERE user_id = ? AND category = ? AND balance + ? >= ?
			RETURNING balance
		`, delta, now, userID, category, delta, *floor).Scan(&balance)
	}
	if errors.Is(err, sql.ErrNoRows) {
		current, _, err := s.GetBalance(ctx, userID, category)
		return current, false, err
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to adjust balance: %w", err)
	}
	return balance, true, nil
}

func (s *queries) PutBalance(ctx context.Context, userID studio.UserID, category studio.Category, value int) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO credit_accounts (user_id, category, balance, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(user_id, category) DO UPDATE SET balance = excluded.balance, updated_at = excluded.updated_at
	`, userID, category, value, formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("failed to put balance: %w", err)
	}
	return nil
}

// =============================================================================
// PACKAGE STORE
// =============================================================================

func (s *queries) SaveTemplate(ctx context.Context, t studio.PackageTemplate) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO package_templates (id, name, category, classes_included, validity_months, unlimited, price, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			category = excluded.category,
			classes_included = excluded.classes_included,
			validity_months = excluded.validity_months,
			unlimited = excluded.unlimited,
			price = excluded.price
	`, t.ID, t.Name, t.Category, t.ClassesIncluded, t.ValidityMonths, t.Unlimited, t.Price.String(), formatTime(t.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to save template: %w", err)
	}
	return nil
}

func (s *queries) GetTemplate(ctx context.Context, id studio.TemplateID) (*studio.PackageTemplate, error) {
	var (
		t                studio.PackageTemplate
		price, createdAt string
	)
	err := s.q.QueryRowContext(ctx, `
		SELECT id, name, category, classes_included, validity_months, unlimited, price, created_at
		FROM package_templates WHERE id = ?
	`, id).Scan(&t.ID, &t.Name, &t.Category, &t.ClassesIncluded, &t.ValidityMonths, &t.Unlimited, &price, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get template: %w", err)
	}
	if t.Price, err = decimal.NewFromString(price); err != nil {
		return nil, fmt.Errorf("parse price %q: %w", price, err)
	}
	t.CreatedAt = parseTime(createdAt)
	return &t, nil
}

const packageColumns = `id, user_id, category, template_id, classes_included, unlimited,
	start_date, end_date, status, renewal_months, created_at, updated_at`

func (s *queries) InsertPackage(ctx context.Context, p studio.Package) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO packages (`+packageColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, packageArgs(p)...)
	if err != nil {
		if isUniqueConstraintError(err) {
			return fmt.Errorf("%w: another active %s package", studio.ErrConcurrentModification, p.Category)
		}
		return fmt.Errorf("failed to insert package: %w", err)
	}
	return nil
}

func (s *queries) GetPackage(ctx context.Context, id studio.PackageID) (*studio.Package, error) {
	row := s.q.QueryRowContext(ctx, `SELECT `+packageColumns+` FROM packages WHERE id = ?`, id)
	p, err := scanPackage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}

func (s *queries) UpdatePackage(ctx context.Context, p studio.Package) error {
	res, err := s.q.ExecContext(ctx, `
		UPDATE packages SET classes_included = ?, unlimited = ?, start_date = ?, end_date = ?,
			status = ?, renewal_months = ?, updated_at = ?
		WHERE id = ?
	`, p.ClassesIncluded, p.Unlimited, p.StartDate.Format(studio.DateLayout), p.EndDate.Format(studio.DateLayout),
		p.Status, p.RenewalMonths, formatTime(p.UpdatedAt), p.ID)
	if err != nil {
		if isUniqueConstraintError(err) {
			return fmt.Errorf("%w: another active %s package", studio.ErrConcurrentModification, p.Category)
		}
		return fmt.Errorf("failed to update package: %w", err)
	}
	return requireRow(res, studio.ErrPackageNotFound)
}

func (s *queries) ActivePackages(ctx context.Context, userID studio.UserID, category studio.Category) ([]studio.Package, error) {
	return s.queryPackages(ctx, `
		SELECT `+packageColumns+` FROM packages
		WHERE user_id = ? AND category = ? AND status = 'active'
		ORDER BY created_at, rowid
	`, userID, category)
}

func (s *queries) ListPackages(ctx context.Context, userID studio.UserID) ([]studio.Package, error) {
	return s.queryPackages(ctx, `
		SELECT `+packageColumns+` FROM packages WHERE user_id = ? ORDER BY created_at, rowid
	`, userID)
}

func (s *queries) LapsedPackages(ctx context.Context, before time.Time) ([]studio.Package, error) {
	return s.queryPackages(ctx, `
		SELECT `+packageColumns+` FROM packages
		WHERE status = 'active' AND end_date < ?
		ORDER BY end_date, rowid
	`, before.Format(studio.DateLayout))
}

func (s *queries) queryPackages(ctx context.Context, query string, args ...any) ([]studio.Package, error) {
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query packages: %w", err)
	}
	defer rows.Close()

	var out []studio.Package
	for rows.Next() {
		p, err := scanPackage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

func (s *queries) InsertPurchase(ctx context.Context, p studio.Purchase) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO purchases (id, user_id, package_id, template_id, amount, purchased_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, p.ID, p.UserID, p.PackageID, p.TemplateID, p.Amount.String(), formatTime(p.PurchasedAt))
	if err != nil {
		return fmt.Errorf("failed to insert purchase: %w", err)
	}
	return nil
}

// Purchases lists what a user paid, oldest first.
func (s *Store) Purchases(ctx context.Context, userID studio.UserID) ([]studio.Purchase, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, package_id, template_id, amount, purchased_at
		FROM purchases WHERE user_id = ? ORDER BY purchased_at, rowid
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query purchases: %w", err)
	}
	defer rows.Close()

	var out []studio.Purchase
	for rows.Next() {
		var p studio.Purchase
		var amount, at string
		if err := rows.Scan(&p.ID, &p.UserID, &p.PackageID, &p.TemplateID, &amount, &at); err != nil {
			return nil, err
		}
		if p.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, fmt.Errorf("parse amount %q: %w", amount, err)
		}
		p.PurchasedAt = parseTime(at)
		out = append(out, p)
	}
	return out, rows.Err()
}

// =============================================================================
// ATTENDANCE STORE
// =============================================================================

func (s *queries) UpsertAttendance(ctx context.Context, r studio.AttendanceRecord) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO attendance (class_id, occurrence_date, user_id, status, reason, notes, marked_by, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(class_id, occurrence_date, user_id) DO UPDATE SET
			status = excluded.status,
			reason = excluded.reason,
			notes = excluded.notes,
			marked_by = excluded.marked_by,
			recorded_at = excluded.recorded_at
	`, r.ClassID, occurrenceKey(r.OccurrenceDate), r.UserID, r.Status,
		nullString(r.Reason), nullString(r.Notes), nullString(string(r.MarkedBy)), formatTime(r.RecordedAt))
	if err != nil {
		if isForeignKeyError(err) {
			return studio.ErrClassNotFound
		}
		return fmt.Errorf("failed to upsert attendance: %w", err)
	}
	return nil
}

func (s *queries) GetAttendance(ctx context.Context, classID studio.ClassID, occurrence *time.Time, userID studio.UserID) (*studio.AttendanceRecord, error) {
	var (
		r                       studio.AttendanceRecord
		occ, recordedAt         string
		reason, notes, markedBy sql.NullString
	)
	err := s.q.QueryRowContext(ctx, `
		SELECT class_id, occurrence_date, user_id, status, reason, notes, marked_by, recorded_at
		FROM attendance WHERE class_id = ? AND occurrence_date = ? AND user_id = ?
	`, classID, occurrenceKey(occurrence), userID).Scan(
		&r.ClassID, &occ, &r.UserID, &r.Status, &reason, &notes, &markedBy, &recordedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get attendance: %w", err)
	}
	if r.OccurrenceDate, err = parseOccurrence(occ); err != nil {
		return nil, err
	}
	r.Reason, r.Notes, r.MarkedBy = reason.String, notes.String, studio.UserID(markedBy.String)
	r.RecordedAt = parseTime(recordedAt)
	return &r, nil
}

func (s *queries) IncrementClassesTaken(ctx context.Context, userID studio.UserID) (int, error) {
	var n int
	err := s.q.QueryRowContext(ctx, `
		INSERT INTO user_stats (user_id, classes_taken) VALUES (?, 1)
		ON CONFLICT(user_id) DO UPDATE SET classes_taken = classes_taken + 1
		RETURNING classes_taken
	`, userID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to increment classes taken: %w", err)
	}
	return n, nil
}

func (s *queries) ClassesTaken(ctx context.Context, userID studio.UserID) (int, error) {
	var n int
	err := s.q.QueryRowContext(ctx, `SELECT classes_taken FROM user_stats WHERE user_id = ?`, userID).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get classes taken: %w", err)
	}
	return n, nil
}

// =============================================================================
// ROW MAPPING
// =============================================================================

type scanner interface {
	Scan(dest ...any) error
}

func scanClass(row scanner) (*studio.ClassDefinition, error) {
	var (
		c                                     studio.ClassDefinition
		kind, instructors, createdAt, updated string
		singleAt, weekdays                    sql.NullString
		startDate, endDate, startTOD          sql.NullString
		durationSeconds                       int64
	)
	if err := row.Scan(&c.ID, &c.Name, &c.Category, &c.Capacity, &kind, &singleAt, &weekdays,
		&startDate, &endDate, &startTOD, &durationSeconds, &instructors, &c.Status,
		&c.BookedCount, &createdAt, &updated); err != nil {
		return nil, err
	}
	c.Duration = time.Duration(durationSeconds) * time.Second
	c.CreatedAt, c.UpdatedAt = parseTime(createdAt), parseTime(updated)
	if err := json.Unmarshal([]byte(instructors), &c.Instructors); err != nil {
		return nil, fmt.Errorf("decode instructors: %w", err)
	}

	switch kind {
	case "single":
		c.Schedule = studio.Single{At: parseTime(singleAt.String)}
	case "recurring":
		var days []int
		if err := json.Unmarshal([]byte(weekdays.String), &days); err != nil {
			return nil, fmt.Errorf("decode weekdays: %w", err)
		}
		r := studio.Recurring{Weekdays: make([]time.Weekday, len(days))}
		for i, d := range days {
			r.Weekdays[i] = time.Weekday(d)
		}
		var err error
		if startDate.Valid {
			if r.StartDate, err = studio.ParseDate(startDate.String); err != nil {
				return nil, err
			}
		}
		if r.EndDate, err = studio.ParseDate(endDate.String); err != nil {
			return nil, err
		}
		if r.StartTime, err = studio.ParseTimeOfDay(startTOD.String); err != nil {
			return nil, err
		}
		c.Schedule = r
	default:
		return nil, fmt.Errorf("unknown schedule kind %q", kind)
	}
	return &c, nil
}

func scanBooking(row scanner) (*studio.Booking, error) {
	var (
		b                  studio.Booking
		occ                string
		createdAt, updated string
	)
	if err := row.Scan(&b.ID, &b.ClassID, &b.UserID, &occ, &b.Status, &b.CreditDeducted,
		&b.LateCancellation, &createdAt, &updated); err != nil {
		return nil, err
	}
	var err error
	if b.OccurrenceDate, err = parseOccurrence(occ); err != nil {
		return nil, err
	}
	b.CreatedAt, b.UpdatedAt = parseTime(createdAt), parseTime(updated)
	return &b, nil
}

func scanPackage(row scanner) (*studio.Package, error) {
	var (
		p                  studio.Package
		start, end         string
		createdAt, updated string
	)
	if err := row.Scan(&p.ID, &p.UserID, &p.Category, &p.TemplateID, &p.ClassesIncluded, &p.Unlimited,
		&start, &end, &p.Status, &p.RenewalMonths, &createdAt, &updated); err != nil {
		return nil, err
	}
	var err error
	if p.StartDate, err = studio.ParseDate(start); err != nil {
		return nil, err
	}
	if p.EndDate, err = studio.ParseDate(end); err != nil {
		return nil, err
	}
	p.CreatedAt, p.UpdatedAt = parseTime(createdAt), parseTime(updated)
	return &p, nil
}

func packageArgs(p studio.Package) []any {
	return []any{
		p.ID, p.UserID, p.Category, p.TemplateID, p.ClassesIncluded, p.Unlimited,
		p.StartDate.Format(studio.DateLayout), p.EndDate.Format(studio.DateLayout),
		p.Status, p.RenewalMonths, formatTime(p.CreatedAt), formatTime(p.UpdatedAt),
	}
}

// =============================================================================
// HELPERS
// =============================================================================

// occurrenceKey maps a nil occurrence (single-date class) to ''.
func occurrenceKey(d *time.Time) string {
	return studio.FormatDate(d)
}

func parseOccurrence(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	t, err := studio.ParseDate(s)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func requireRow(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound
	}
	return nil
}

func isUniqueConstraintError(err error) bool {
	var se sqlite3.Error
	return errors.As(err, &se) &&
		(se.ExtendedCode == sqlite3.ErrConstraintUnique || se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey)
}

func isForeignKeyError(err error) bool {
	var se sqlite3.Error
	return errors.As(err, &se) && se.ExtendedCode == sqlite3.ErrConstraintForeignKey
}

func isBusyError(err error) bool {
	var se sqlite3.Error
	return errors.As(err, &se) && (se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked)
}
