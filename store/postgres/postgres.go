/*
Package postgres provides a PostgreSQL-backed implementation of studio.TxStore.

PURPOSE:
  The shared store for several engine instances behind one booking
  surface. Same tables and invariants as store/sqlite; see the
  migrations directory for the schema.

CONCURRENCY:
  Every WithTx runs at SERIALIZABLE isolation. Seat and credit changes
  are conditional UPDATEs so most races resolve on row locks; the rest
  surface as SQLSTATE 40001 / 40P01, which WithTx retries a few times
  before returning studio.ErrConcurrentModification.

ERROR MAPPING:
  23505 unique_violation       → studio.ErrAlreadyBooked (bookings),
                                 studio.ErrConcurrentModification (packages)
  23503 foreign_key_violation  → studio.ErrClassNotFound
  40001 / 40P01                → studio.ErrConcurrentModification

USAGE:
  pool, err := pgxpool.New(ctx, dsn)
  if err := postgres.Migrate(ctx, pool); err != nil { ... }
  engine := studio.New(postgres.New(pool))
*/
package postgres

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/shopspring/decimal"

	"github.com/warp/studio-engine/studio"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Migrate applies the embedded goose migrations.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("goose dialect: %w", err)
	}
	db := stdlib.OpenDBFromPool(pool)
	defer db.Close()
	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

// Connect opens a pool and checks it.
func Connect(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return pool, nil
}

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store implements studio.TxStore on a pgx pool.
type Store struct {
	queries
	pool *pgxpool.Pool

	// MaxAttempts bounds WithTx retries on serialization failures.
	MaxAttempts int
}

type queries struct {
	q querier
}

func New(pool *pgxpool.Pool) *Store {
	return &Store{queries: queries{q: pool}, pool: pool, MaxAttempts: 5}
}

// Ping checks that the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// WithTx runs fn in a SERIALIZABLE transaction, retrying serialization
// failures up to MaxAttempts times.
func (s *Store) WithTx(ctx context.Context, fn func(studio.Store) error) error {
	attempts := max(s.MaxAttempts, 1)
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		err = s.runTx(ctx, fn)
		if !isSerializationError(err) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt) * 10 * time.Millisecond):
		}
	}
	return fmt.Errorf("%w: %v", studio.ErrConcurrentModification, err)
}

func (s *Store) runTx(ctx context.Context, fn func(studio.Store) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(&queries{q: tx}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// Reset truncates every table. For tests.
func (s *Store) Reset(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		TRUNCATE attendance, bookings, occurrence_seats, cancelled_occurrences, classes,
			credit_accounts, purchases, packages, package_templates, user_stats
	`)
	return err
}

// =============================================================================
// CLASS STORE
// =============================================================================

const classColumns = `id, name, category, capacity, schedule_kind, single_at, weekdays,
	start_date, end_date, start_time, duration_seconds, instructors, status,
	booked_count, created_at, updated_at`

func (s *queries) GetClass(ctx context.Context, id studio.ClassID) (*studio.ClassDefinition, error) {
	c, err := scanClass(s.q.QueryRow(ctx, `SELECT `+classColumns+` FROM classes WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get class: %w", err)
	}
	return c, nil
}

func (s *queries) SaveClass(ctx context.Context, c studio.ClassDefinition) error {
	var (
		kind               string
		singleAt           *time.Time
		weekdays           []int32
		startDate, endDate *time.Time
		startTime          pgtype.Time
	)
	switch sch := c.Schedule.(type) {
	case studio.Single:
		kind = "single"
		singleAt = &sch.At
	case studio.Recurring:
		kind = "recurring"
		for _, d := range sch.Weekdays {
			weekdays = append(weekdays, int32(d))
		}
		if !sch.StartDate.IsZero() {
			startDate = &sch.StartDate
		}
		endDate = &sch.EndDate
		startTime = pgtype.Time{
			Microseconds: int64(sch.StartTime.Hour*3600+sch.StartTime.Minute*60) * int64(time.Second/time.Microsecond),
			Valid:        true,
		}
	default:
		return fmt.Errorf("unknown schedule type %T", c.Schedule)
	}
	instructors := c.Instructors
	if instructors == nil {
		instructors = []string{}
	}

	_, err := s.q.Exec(ctx, `
		INSERT INTO classes (`+classColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, 0, $14, $15)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			category = EXCLUDED.category,
			capacity = EXCLUDED.capacity,
			schedule_kind = EXCLUDED.schedule_kind,
			single_at = EXCLUDED.single_at,
			weekdays = EXCLUDED.weekdays,
			start_date = EXCLUDED.start_date,
			end_date = EXCLUDED.end_date,
			start_time = EXCLUDED.start_time,
			duration_seconds = EXCLUDED.duration_seconds,
			instructors = EXCLUDED.instructors,
			updated_at = EXCLUDED.updated_at
	`, c.ID, c.Name, c.Category, c.Capacity, kind, singleAt, weekdays,
		startDate, endDate, startTime, int32(c.Duration/time.Second), instructors, c.Status,
		c.CreatedAt, c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save class: %w", err)
	}
	return nil
}

func (s *queries) SetClassStatus(ctx context.Context, id studio.ClassID, status studio.ClassStatus) error {
	tag, err := s.q.Exec(ctx, `UPDATE classes SET status = $1, updated_at = now() WHERE id = $2`, status, id)
	if err != nil {
		return fmt.Errorf("set class status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return studio.ErrClassNotFound
	}
	return nil
}

func (s *queries) DeleteClass(ctx context.Context, id studio.ClassID) error {
	if _, err := s.q.Exec(ctx, `DELETE FROM classes WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete class: %w", err)
	}
	return nil
}

func (s *queries) SaveCancelledOccurrence(ctx context.Context, occ studio.CancelledOccurrence) error {
	_, err := s.q.Exec(ctx, `
		INSERT INTO cancelled_occurrences (class_id, occurrence_date, reason, created_at)
		VALUES ($1, $2, NULLIF($3, ''), $4)
		ON CONFLICT (class_id, occurrence_date) DO UPDATE SET reason = EXCLUDED.reason
	`, occ.ClassID, occ.Date, occ.Reason, occ.CreatedAt)
	if err != nil {
		if pgCode(err) == codeForeignKey {
			return studio.ErrClassNotFound
		}
		return fmt.Errorf("save cancelled occurrence: %w", err)
	}
	return nil
}

func (s *queries) CancelledOccurrences(ctx context.Context, id studio.ClassID) ([]time.Time, error) {
	rows, err := s.q.Query(ctx,
		`SELECT occurrence_date FROM cancelled_occurrences WHERE class_id = $1 ORDER BY occurrence_date`, id)
	if err != nil {
		return nil, fmt.Errorf("query cancelled occurrences: %w", err)
	}
	dates, err := pgx.CollectRows(rows, pgx.RowTo[time.Time])
	if err != nil {
		return nil, fmt.Errorf("scan cancelled occurrences: %w", err)
	}
	return dates, nil
}

// =============================================================================
// SEAT STORE
// =============================================================================

func (s *queries) ClaimSeat(ctx context.Context, classID studio.ClassID, occurrence *time.Time, capacity int) (bool, error) {
	var tag pgconn.CommandTag
	var err error
	if occurrence == nil {
		tag, err = s.q.Exec(ctx,
			`UPDATE classes SET booked_count = booked_count + 1 WHERE id = $1 AND booked_count < $2`,
			classID, capacity)
	} else {
		tag, err = s.q.Exec(ctx, `
			INSERT INTO occurrence_seats (class_id, occurrence_date, booked) VALUES ($1, $2, 1)
			ON CONFLICT (class_id, occurrence_date) DO UPDATE SET booked = occurrence_seats.booked + 1
			WHERE occurrence_seats.booked < $3
		`, classID, *occurrence, capacity)
	}
	if err != nil {
		return false, fmt.Errorf("claim seat: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *queries) ReleaseSeat(ctx context.Context, classID studio.ClassID, occurrence *time.Time) error {
	var err error
	if occurrence == nil {
		_, err = s.q.Exec(ctx, `UPDATE classes SET booked_count = GREATEST(booked_count - 1, 0) WHERE id = $1`, classID)
	} else {
		_, err = s.q.Exec(ctx,
			`UPDATE occurrence_seats SET booked = GREATEST(booked - 1, 0) WHERE class_id = $1 AND occurrence_date = $2`,
			classID, *occurrence)
	}
	if err != nil {
		return fmt.Errorf("release seat: %w", err)
	}
	return nil
}

func (s *queries) SetSeatCount(ctx context.Context, classID studio.ClassID, occurrence *time.Time, n int) error {
	var err error
	if occurrence == nil {
		_, err = s.q.Exec(ctx, `UPDATE classes SET booked_count = $1 WHERE id = $2`, n, classID)
	} else {
		_, err = s.q.Exec(ctx, `
			INSERT INTO occurrence_seats (class_id, occurrence_date, booked) VALUES ($1, $2, $3)
			ON CONFLICT (class_id, occurrence_date) DO UPDATE SET booked = EXCLUDED.booked
		`, classID, *occurrence, n)
	}
	if err != nil {
		return fmt.Errorf("set seat count: %w", err)
	}
	return nil
}

func (s *queries) SeatCount(ctx context.Context, classID studio.ClassID, occurrence *time.Time) (int, error) {
	var n int
	var err error
	if occurrence == nil {
		err = s.q.QueryRow(ctx, `SELECT booked_count FROM classes WHERE id = $1`, classID).Scan(&n)
	} else {
		err = s.q.QueryRow(ctx,
			`SELECT booked FROM occurrence_seats WHERE class_id = $1 AND occurrence_date = $2`,
			classID, *occurrence).Scan(&n)
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("count seats: %w", err)
	}
	return n, nil
}

// =============================================================================
// BOOKING STORE
// =============================================================================

const bookingColumns = `id, class_id, user_id, occurrence_date, status, credit_deducted,
	late_cancellation, created_at, updated_at`

func (s *queries) InsertBooking(ctx context.Context, b studio.Booking) error {
	_, err := s.q.Exec(ctx, `
		INSERT INTO bookings (`+bookingColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, b.ID, b.ClassID, b.UserID, occurrenceKey(b.OccurrenceDate), b.Status,
		b.CreditDeducted, b.LateCancellation, b.CreatedAt, b.UpdatedAt)
	if err != nil {
		switch pgCode(err) {
		case codeUniqueViolation:
			return studio.ErrAlreadyBooked
		case codeForeignKey:
			return studio.ErrClassNotFound
		}
		return fmt.Errorf("insert booking: %w", err)
	}
	return nil
}

func (s *queries) GetBooking(ctx context.Context, id studio.BookingID) (*studio.Booking, error) {
	b, err := scanBooking(s.q.QueryRow(ctx, `SELECT `+bookingColumns+` FROM bookings WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get booking: %w", err)
	}
	return b, nil
}

func (s *queries) UpdateBooking(ctx context.Context, b studio.Booking) error {
	tag, err := s.q.Exec(ctx, `
		UPDATE bookings SET status = $1, credit_deducted = $2, late_cancellation = $3, updated_at = $4
		WHERE id = $5
	`, b.Status, b.CreditDeducted, b.LateCancellation, b.UpdatedAt, b.ID)
	if err != nil {
		if pgCode(err) == codeUniqueViolation {
			return studio.ErrAlreadyBooked
		}
		return fmt.Errorf("update booking: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return studio.ErrBookingNotFound
	}
	return nil
}

func (s *queries) ActiveBooking(ctx context.Context, classID studio.ClassID, occurrence *time.Time, userID studio.UserID) (*studio.Booking, error) {
	b, err := scanBooking(s.q.QueryRow(ctx, `
		SELECT `+bookingColumns+` FROM bookings
		WHERE class_id = $1 AND occurrence_date = $2 AND user_id = $3 AND status <> 'cancelled'
	`, classID, occurrenceKey(occurrence), userID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find booking: %w", err)
	}
	return b, nil
}

func (s *queries) LatestBooking(ctx context.Context, classID studio.ClassID, occurrence *time.Time, userID studio.UserID) (*studio.Booking, error) {
	b, err := scanBooking(s.q.QueryRow(ctx, `
		SELECT `+bookingColumns+` FROM bookings
		WHERE class_id = $1 AND occurrence_date = $2 AND user_id = $3
		ORDER BY created_at DESC, seq DESC
		LIMIT 1
	`, classID, occurrenceKey(occurrence), userID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find latest booking: %w", err)
	}
	return b, nil
}

func (s *queries) ActiveBookings(ctx context.Context, classID studio.ClassID, occurrence *time.Time) ([]studio.Booking, error) {
	rows, err := s.q.Query(ctx, `
		SELECT `+bookingColumns+` FROM bookings
		WHERE class_id = $1 AND occurrence_date = $2 AND status <> 'cancelled'
		ORDER BY created_at, seq
	`, classID, occurrenceKey(occurrence))
	if err != nil {
		return nil, fmt.Errorf("query bookings: %w", err)
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
	err := s.q.QueryRow(ctx,
		`SELECT balance FROM credit_accounts WHERE user_id = $1 AND category = $2`,
		userID, category).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("get balance: %w", err)
	}
	return balance, true, nil
}

func (s *queries) AdjustBalance(ctx context.Context, userID studio.UserID, category studio.Category, delta int, floor *int) (int, bool, error) {
	if _, err := s.q.Exec(ctx, `
		INSERT INTO credit_accounts (user_id, category, balance) VALUES ($1, $2, 0)
		ON CONFLICT (user_id, category) DO NOTHING
	`, userID, category); err != nil {
		return 0, false, fmt.Errorf("open account: %w", err)
	}

	var balance int
	err := s.q.QueryRow(ctx, `
		UPDATE credit_accounts SET balance = balance + $3, updated_at = now()
		WHERE user_id = $1 AND category = $2 AND ($4::integer IS NULL OR balance + $3 >= $4::integer)
		RETURNING balance
	`, userID, category, delta, floor).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		current, _, err := s.GetBalance(ctx, userID, category)
		return current, false, err
	}
	if err != nil {
		return 0, false, fmt.Errorf("adjust balance: %w", err)
	}
	return balance, true, nil
}

func (s *queries) PutBalance(ctx context.Context, userID studio.UserID, category studio.Category, value int) error {
	_, err := s.q.Exec(ctx, `
		INSERT INTO credit_accounts (user_id, category, balance) VALUES ($1, $2, $3)
		ON CONFLICT (user_id, category) DO UPDATE SET balance = EXCLUDED.balance, updated_at = now()
	`, userID, category, value)
	if err != nil {
		return fmt.Errorf("put balance: %w", err)
	}
	return nil
}

// =============================================================================
// PACKAGE STORE
// =============================================================================

func (s *queries) SaveTemplate(ctx context.Context, t studio.PackageTemplate) error {
	_, err := s.q.Exec(ctx, `
		INSERT INTO package_templates (id, name, category, classes_included, validity_months, unlimited, price, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7::text::numeric, $8)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			category = EXCLUDED.category,
			classes_included = EXCLUDED.classes_included,
			validity_months = EXCLUDED.validity_months,
			unlimited = EXCLUDED.unlimited,
			price = EXCLUDED.price
	`, t.ID, t.Name, t.Category, t.ClassesIncluded, t.ValidityMonths, t.Unlimited, t.Price.String(), t.CreatedAt)
	if err != nil {
		return fmt.Errorf("save template: %w", err)
	}
	return nil
}

func (s *queries) GetTemplate(ctx context.Context, id studio.TemplateID) (*studio.PackageTemplate, error) {
	var t studio.PackageTemplate
	var price string
	err := s.q.QueryRow(ctx, `
		SELECT id, name, category, classes_included, validity_months, unlimited, price::text, created_at
		FROM package_templates WHERE id = $1
	`, id).Scan(&t.ID, &t.Name, &t.Category, &t.ClassesIncluded, &t.ValidityMonths, &t.Unlimited, &price, &t.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get template: %w", err)
	}
	if t.Price, err = decimal.NewFromString(price); err != nil {
		return nil, fmt.Errorf("parse price %q: %w", price, err)
	}
	return &t, nil
}

const packageColumns = `id, user_id, category, template_id, classes_included, unlimited,
	start_date, end_date, status, renewal_months, created_at, updated_at`

func (s *queries) InsertPackage(ctx context.Context, p studio.Package) error {
	_, err := s.q.Exec(ctx, `
		INSERT INTO packages (`+packageColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, p.ID, p.UserID, p.Category, p.TemplateID, p.ClassesIncluded, p.Unlimited,
		p.StartDate, p.EndDate, p.Status, p.RenewalMonths, p.CreatedAt, p.UpdatedAt)
	if err != nil {
		if pgCode(err) == codeUniqueViolation {
			return fmt.Errorf("%w: another active %s package", studio.ErrConcurrentModification, p.Category)
		}
		return fmt.Errorf("insert package: %w", err)
	}
	return nil
}

func (s *queries) GetPackage(ctx context.Context, id studio.PackageID) (*studio.Package, error) {
	p, err := scanPackage(s.q.QueryRow(ctx, `SELECT `+packageColumns+` FROM packages WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get package: %w", err)
	}
	return p, nil
}

func (s *queries) UpdatePackage(ctx context.Context, p studio.Package) error {
	tag, err := s.q.Exec(ctx, `
		UPDATE packages SET classes_included = $1, unlimited = $2, start_date = $3, end_date = $4,
			status = $5, renewal_months = $6, updated_at = $7
		WHERE id = $8
	`, p.ClassesIncluded, p.Unlimited, p.StartDate, p.EndDate, p.Status, p.RenewalMonths, p.UpdatedAt, p.ID)
	if err != nil {
		if pgCode(err) == codeUniqueViolation {
			return fmt.Errorf("%w: another active %s package", studio.ErrConcurrentModification, p.Category)
		}
		return fmt.Errorf("update package: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return studio.ErrPackageNotFound
	}
	return nil
}

func (s *queries) ActivePackages(ctx context.Context, userID studio.UserID, category studio.Category) ([]studio.Package, error) {
	return s.queryPackages(ctx, `
		SELECT `+packageColumns+` FROM packages
		WHERE user_id = $1 AND category = $2 AND status = 'active'
		ORDER BY created_at, seq
	`, userID, category)
}

func (s *queries) ListPackages(ctx context.Context, userID studio.UserID) ([]studio.Package, error) {
	return s.queryPackages(ctx, `
		SELECT `+packageColumns+` FROM packages WHERE user_id = $1 ORDER BY created_at, seq
	`, userID)
}

func (s *queries) LapsedPackages(ctx context.Context, before time.Time) ([]studio.Package, error) {
	return s.queryPackages(ctx, `
		SELECT `+packageColumns+` FROM packages
		WHERE status = 'active' AND end_date < $1
		ORDER BY end_date, seq
	`, before)
}

func (s *queries) queryPackages(ctx context.Context, query string, args ...any) ([]studio.Package, error) {
	rows, err := s.q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query packages: %w", err)
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
	_, err := s.q.Exec(ctx, `
		INSERT INTO purchases (id, user_id, package_id, template_id, amount, purchased_at)
		VALUES ($1, $2, $3, $4, $5::text::numeric, $6)
	`, p.ID, p.UserID, p.PackageID, p.TemplateID, p.Amount.String(), p.PurchasedAt)
	if err != nil {
		return fmt.Errorf("insert purchase: %w", err)
	}
	return nil
}

// Purchases lists the purchase history of a user, oldest first.
func (s *Store) Purchases(ctx context.Context, userID studio.UserID) ([]studio.Purchase, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, user_id, package_id, template_id, amount::text, purchased_at
		FROM purchases WHERE user_id = $1 ORDER BY purchased_at, seq
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("query purchases: %w", err)
	}
	defer rows.Close()

	var out []studio.Purchase
	for rows.Next() {
		var p studio.Purchase
		var amount string
		if err := rows.Scan(&p.ID, &p.UserID, &p.PackageID, &p.TemplateID, &amount, &p.PurchasedAt); err != nil {
			return nil, err
		}
		if p.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, fmt.Errorf("parse amount %q: %w", amount, err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// =============================================================================
// ATTENDANCE STORE
// =============================================================================

func (s *queries) UpsertAttendance(ctx context.Context, r studio.AttendanceRecord) error {
	_, err := s.q.Exec(ctx, `
		INSERT INTO attendance (class_id, occurrence_date, user_id, status, reason, notes, marked_by, recorded_at)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), NULLIF($6, ''), NULLIF($7, ''), $8)
		ON CONFLICT (class_id, occurrence_date, user_id) DO UPDATE SET
			status = EXCLUDED.status,
			reason = EXCLUDED.reason,
			notes = EXCLUDED.notes,
			marked_by = EXCLUDED.marked_by,
			recorded_at = EXCLUDED.recorded_at
	`, r.ClassID, occurrenceKey(r.OccurrenceDate), r.UserID, r.Status, r.Reason, r.Notes, string(r.MarkedBy), r.RecordedAt)
	if err != nil {
		if pgCode(err) == codeForeignKey {
			return studio.ErrClassNotFound
		}
		return fmt.Errorf("upsert attendance: %w", err)
	}
	return nil
}

func (s *queries) GetAttendance(ctx context.Context, classID studio.ClassID, occurrence *time.Time, userID studio.UserID) (*studio.AttendanceRecord, error) {
	var (
		r                       studio.AttendanceRecord
		occ                     time.Time
		reason, notes, markedBy pgtype.Text
	)
	err := s.q.QueryRow(ctx, `
		SELECT class_id, occurrence_date, user_id, status, reason, notes, marked_by, recorded_at
		FROM attendance WHERE class_id = $1 AND occurrence_date = $2 AND user_id = $3
	`, classID, occurrenceKey(occurrence), userID).Scan(
		&r.ClassID, &occ, &r.UserID, &r.Status, &reason, &notes, &markedBy, &r.RecordedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get attendance: %w", err)
	}
	r.OccurrenceDate = fromOccurrenceKey(occ)
	r.Reason, r.Notes, r.MarkedBy = reason.String, notes.String, studio.UserID(markedBy.String)
	return &r, nil
}

func (s *queries) IncrementClassesTaken(ctx context.Context, userID studio.UserID) (int, error) {
	var n int
	err := s.q.QueryRow(ctx, `
		INSERT INTO user_stats (user_id, classes_taken) VALUES ($1, 1)
		ON CONFLICT (user_id) DO UPDATE SET classes_taken = user_stats.classes_taken + 1
		RETURNING classes_taken
	`, userID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("increment classes taken: %w", err)
	}
	return n, nil
}

func (s *queries) ClassesTaken(ctx context.Context, userID studio.UserID) (int, error) {
	var n int
	err := s.q.QueryRow(ctx, `SELECT classes_taken FROM user_stats WHERE user_id = $1`, userID).Scan(&n)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get classes taken: %w", err)
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
		c                  studio.ClassDefinition
		kind               string
		singleAt           *time.Time
		weekdays           []int32
		startDate, endDate *time.Time
		startTime          pgtype.Time
		durationSeconds    int32
	)
	if err := row.Scan(&c.ID, &c.Name, &c.Category, &c.Capacity, &kind, &singleAt, &weekdays,
		&startDate, &endDate, &startTime, &durationSeconds, &c.Instructors, &c.Status,
		&c.BookedCount, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return nil, err
	}
	c.Duration = time.Duration(durationSeconds) * time.Second
	if len(c.Instructors) == 0 {
		c.Instructors = nil
	}

	switch kind {
	case "single":
		if singleAt == nil {
			return nil, fmt.Errorf("class %s: single schedule without date", c.ID)
		}
		c.Schedule = studio.Single{At: singleAt.UTC()}
	case "recurring":
		r := studio.Recurring{}
		for _, d := range weekdays {
			r.Weekdays = append(r.Weekdays, time.Weekday(d))
		}
		if startDate != nil {
			r.StartDate = *startDate
		}
		if endDate != nil {
			r.EndDate = *endDate
		}
		if startTime.Valid {
			minutes := startTime.Microseconds / int64(time.Minute/time.Microsecond)
			r.StartTime = studio.TimeOfDay{Hour: int(minutes / 60), Minute: int(minutes % 60)}
		}
		c.Schedule = r
	default:
		return nil, fmt.Errorf("unknown schedule kind %q", kind)
	}
	return &c, nil
}

func scanBooking(row scanner) (*studio.Booking, error) {
	var b studio.Booking
	var occ time.Time
	if err := row.Scan(&b.ID, &b.ClassID, &b.UserID, &occ, &b.Status, &b.CreditDeducted,
		&b.LateCancellation, &b.CreatedAt, &b.UpdatedAt); err != nil {
		return nil, err
	}
	b.OccurrenceDate = fromOccurrenceKey(occ)
	return &b, nil
}

func scanPackage(row scanner) (*studio.Package, error) {
	var p studio.Package
	if err := row.Scan(&p.ID, &p.UserID, &p.Category, &p.TemplateID, &p.ClassesIncluded, &p.Unlimited,
		&p.StartDate, &p.EndDate, &p.Status, &p.RenewalMonths, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	return &p, nil
}

// =============================================================================
// HELPERS
// =============================================================================

// occurrenceKey maps a nil occurrence (single-date class) to the zero date,
// which the schema stores as '0001-01-01'.
func occurrenceKey(d *time.Time) time.Time {
	if d == nil {
		return time.Time{}
	}
	return *d
}

func fromOccurrenceKey(d time.Time) *time.Time {
	if d.IsZero() {
		return nil
	}
	return &d
}

const (
	codeUniqueViolation      = "23505"
	codeForeignKey           = "23503"
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
)

func pgCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}

func isSerializationError(err error) bool {
	code := pgCode(err)
	return code == codeSerializationFailure || code == codeDeadlockDetected
}
