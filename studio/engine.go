/*
engine.go - Engine wiring, policy and secondary-effect hooks

PURPOSE:
  Engine is the entry point for every core operation. It holds the store,
  the booking policy (overdraft floor, late-cancel window), the studio's
  time zone, and the hooks for secondary effects.

SECONDARY EFFECTS:
  Notifier and Observer run after the primary transaction commits. Their
  failures are logged and swallowed: a lost email never rolls back a
  booking or a refund.

EXAMPLE:
  engine := studio.New(store,
      studio.WithLocation(loc),
      studio.WithLogger(log),
      studio.WithObserver(metrics.New(reg)),
  )
*/
package studio

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// POLICY
// =============================================================================

// Policy holds the numeric booking rules.
type Policy struct {
	// MaxOverdraft is how far below zero self-service booking may go.
	MaxOverdraft int

	// LateCancelWindow: cancelling this close to the start forfeits the credit.
	LateCancelWindow time.Duration
}

var DefaultPolicy = Policy{
	MaxOverdraft:     2,
	LateCancelWindow: 15 * time.Minute,
}

// Floor is the lowest balance an overdraft-allowed deduction may leave.
func (p Policy) Floor() int { return -p.MaxOverdraft }

// =============================================================================
// HOOKS
// =============================================================================

// Notifier delivers user-facing messages. Implementations live outside
// the core (email, chat); errors are never propagated.
type Notifier interface {
	BookingConfirmed(ctx context.Context, b Booking) error
	BookingCancelled(ctx context.Context, b Booking, refunded bool) error
	PackageAssigned(ctx context.Context, p Package) error
}

// Observer receives counters for metrics.
type Observer interface {
	ReservationAttempted(outcome string)
	BookingCancelled(late, refunded bool)
	CreditChanged(op string, category Category)
	RosterSynced(added, removed int)
	PackageTransition(op string, category Category)
	AttendanceRecorded(status AttendanceStatus)
}

// =============================================================================
// ENGINE
// =============================================================================

type Engine struct {
	store    TxStore
	policy   Policy
	clock    Clock
	resolver OccurrenceResolver
	notifier Notifier
	observer Observer
	log      *slog.Logger
	newID    func() string
}

type Option func(*Engine)

func WithPolicy(p Policy) Option     { return func(e *Engine) { e.policy = p } }
func WithClock(c Clock) Option       { return func(e *Engine) { e.clock = c } }
func WithNotifier(n Notifier) Option { return func(e *Engine) { e.notifier = n } }
func WithObserver(o Observer) Option { return func(e *Engine) { e.observer = o } }
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.log = l }
}
func WithIDGenerator(fn func() string) Option {
	return func(e *Engine) { e.newID = fn }
}

// WithLocation sets the studio time zone used to place occurrences.
func WithLocation(loc *time.Location) Option {
	return func(e *Engine) { e.resolver.Location = loc }
}

// New creates an engine over store.
func New(store TxStore, opts ...Option) *Engine {
	e := &Engine{
		store:    store,
		policy:   DefaultPolicy,
		clock:    SystemClock,
		resolver: OccurrenceResolver{Location: time.UTC},
		log:      slog.Default(),
		newID:    NewID,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// NewID returns a random UUID string.
func NewID() string { return uuid.NewString() }

func (e *Engine) Policy() Policy               { return e.policy }
func (e *Engine) Resolver() OccurrenceResolver { return e.resolver }
func (e *Engine) now() time.Time               { return e.clock.Now() }

// Today is the current calendar date in the studio time zone.
func (e *Engine) Today() time.Time { return e.today() }

func (e *Engine) today() time.Time {
	return DateOf(e.now(), e.resolver.location())
}

// notify runs a secondary effect after commit and swallows its failure.
func (e *Engine) notify(ctx context.Context, what string, fn func(Notifier) error) {
	if e.notifier == nil {
		return
	}
	if err := fn(e.notifier); err != nil {
		e.log.WarnContext(ctx, "notification failed", "notification", what, "err", err)
	}
}

func (e *Engine) observe(fn func(Observer)) {
	if e.observer != nil {
		fn(e.observer)
	}
}
