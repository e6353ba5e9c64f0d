// Package metrics exports engine activity as Prometheus counters.
//
// Collector implements studio.Observer; plug it in with studio.WithObserver
// and serve the registry through promhttp on /metrics.
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/warp/studio-engine/studio"
)

const namespace = "studio"

type Collector struct {
	reservations *prometheus.CounterVec
	cancels      *prometheus.CounterVec
	credits      *prometheus.CounterVec
	rosterAdds   prometheus.Counter
	rosterDrops  prometheus.Counter
	packages     *prometheus.CounterVec
	attendance   *prometheus.CounterVec
}

var _ studio.Observer = (*Collector)(nil)

// New registers the engine counters on reg.
func New(reg prometheus.Registerer) *Collector {
	c := &Collector{
		reservations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reservations_total",
			Help:      "Reservation attempts by outcome.",
		}, []string{"outcome"}),
		cancels: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cancellations_total",
			Help:      "Booking cancellations.",
		}, []string{"late", "refunded"}),
		credits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "credit_operations_total",
			Help:      "Credit balance changes by operation and category.",
		}, []string{"op", "category"}),
		rosterAdds: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "roster_added_total",
			Help:      "Users added by roster sync.",
		}),
		rosterDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "roster_removed_total",
			Help:      "Users removed by roster sync.",
		}),
		packages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "package_transitions_total",
			Help:      "Package lifecycle transitions.",
		}, []string{"op", "category"}),
		attendance: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "attendance_records_total",
			Help:      "Attendance records by status.",
		}, []string{"status"}),
	}
	reg.MustRegister(c.reservations, c.cancels, c.credits, c.rosterAdds, c.rosterDrops, c.packages, c.attendance)
	return c
}

func (c *Collector) ReservationAttempted(outcome string) {
	c.reservations.WithLabelValues(outcome).Inc()
}

func (c *Collector) BookingCancelled(late, refunded bool) {
	c.cancels.WithLabelValues(strconv.FormatBool(late), strconv.FormatBool(refunded)).Inc()
}

func (c *Collector) CreditChanged(op string, category studio.Category) {
	c.credits.WithLabelValues(op, string(category)).Inc()
}

func (c *Collector) RosterSynced(added, removed int) {
	c.rosterAdds.Add(float64(added))
	c.rosterDrops.Add(float64(removed))
}

func (c *Collector) PackageTransition(op string, category studio.Category) {
	c.packages.WithLabelValues(op, string(category)).Inc()
}

func (c *Collector) AttendanceRecorded(status studio.AttendanceStatus) {
	c.attendance.WithLabelValues(string(status)).Inc()
}

// Accessors for tests and dashboards that read counters in-process.

func (c *Collector) Reservations() *prometheus.CounterVec { return c.reservations }
func (c *Collector) RosterAdded() prometheus.Counter      { return c.rosterAdds }
func (c *Collector) RosterRemoved() prometheus.Counter    { return c.rosterDrops }
