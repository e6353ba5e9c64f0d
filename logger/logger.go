// Package logger builds the process slog.Logger and a log-backed
// studio.Notifier.
//
// Output is JSON on stdout. The "dev" environment logs at debug level,
// every other environment at info.
package logger

import (
	"context"
	"io"
	"log/slog"
	"os"

	"github.com/warp/studio-engine/studio"
)

// New returns a JSON logger on stdout for the given app environment.
func New(env string) *slog.Logger {
	return NewWriter(os.Stdout, env)
}

// NewWriter is New with an explicit destination.
func NewWriter(w io.Writer, env string) *slog.Logger {
	level := slog.LevelInfo
	if env == "dev" {
		level = slog.LevelDebug
	}
	h := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
	return slog.New(h)
}

// Notifier writes user-facing notifications to the log instead of
// delivering them. Used until a real delivery channel is configured.
type Notifier struct {
	Log *slog.Logger
}

var _ studio.Notifier = Notifier{}

func (n Notifier) BookingConfirmed(ctx context.Context, b studio.Booking) error {
	n.Log.InfoContext(ctx, "notify: booking confirmed",
		"user_id", b.UserID, "class_id", b.ClassID, "occurrence", studio.FormatDate(b.OccurrenceDate))
	return nil
}

func (n Notifier) BookingCancelled(ctx context.Context, b studio.Booking, refunded bool) error {
	n.Log.InfoContext(ctx, "notify: booking cancelled",
		"user_id", b.UserID, "class_id", b.ClassID, "occurrence", studio.FormatDate(b.OccurrenceDate),
		"refunded", refunded)
	return nil
}

func (n Notifier) PackageAssigned(ctx context.Context, p studio.Package) error {
	n.Log.InfoContext(ctx, "notify: package assigned",
		"user_id", p.UserID, "package_id", p.ID, "category", p.Category,
		"end_date", p.EndDate.Format(studio.DateLayout))
	return nil
}
