// Package store provides Store implementations.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/warp/studio-engine/studio"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory implements studio.TxStore. A single mutex serializes every call
// and every transaction, which makes each WithTx trivially serializable.
type Memory struct {
	mu    sync.Mutex
	state *memState
}

func NewMemory() *Memory {
	return &Memory{state: newMemState()}
}

// WithTx executes fn within a transaction.
// For memory store, this is simulated with a snapshot + rollback on error.
func (m *Memory) WithTx(ctx context.Context, fn func(studio.Store) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.state.clone()
	if err := fn(m.state); err != nil {
		m.state = snapshot
		return err
	}
	return nil
}

func (m *Memory) GetClass(ctx context.Context, id studio.ClassID) (*studio.ClassDefinition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.GetClass(ctx, id)
}

func (m *Memory) SaveClass(ctx context.Context, c studio.ClassDefinition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.SaveClass(ctx, c)
}

func (m *Memory) SetClassStatus(ctx context.Context, id studio.ClassID, status studio.ClassStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.SetClassStatus(ctx, id, status)
}

func (m *Memory) DeleteClass(ctx context.Context, id studio.ClassID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.DeleteClass(ctx, id)
}

func (m *Memory) SaveCancelledOccurrence(ctx context.Context, occ studio.CancelledOccurrence) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.SaveCancelledOccurrence(ctx, occ)
}

func (m *Memory) CancelledOccurrences(ctx context.Context, id studio.ClassID) ([]time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.CancelledOccurrences(ctx, id)
}

func (m *Memory) ClaimSeat(ctx context.Context, classID studio.ClassID, occurrence *time.Time, capacity int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.ClaimSeat(ctx, classID, occurrence, capacity)
}

func (m *Memory) ReleaseSeat(ctx context.Context, classID studio.ClassID, occurrence *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.ReleaseSeat(ctx, classID, occurrence)
}

func (m *Memory) SetSeatCount(ctx context.Context, classID studio.ClassID, occurrence *time.Time, n int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.SetSeatCount(ctx, classID, occurrence, n)
}

func (m *Memory) SeatCount(ctx context.Context, classID studio.ClassID, occurrence *time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.SeatCount(ctx, classID, occurrence)
}

func (m *Memory) InsertBooking(ctx context.Context, b studio.Booking) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.InsertBooking(ctx, b)
}

func (m *Memory) GetBooking(ctx context.Context, id studio.BookingID) (*studio.Booking, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.GetBooking(ctx, id)
}

func (m *Memory) UpdateBooking(ctx context.Context, b studio.Booking) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.UpdateBooking(ctx, b)
}

func (m *Memory) ActiveBooking(ctx context.Context, classID studio.ClassID, occurrence *time.Time, userID studio.UserID) (*studio.Booking, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.ActiveBooking(ctx, classID, occurrence, userID)
}

func (m *Memory) LatestBooking(ctx context.Context, classID studio.ClassID, occurrence *time.Time, userID studio.UserID) (*studio.Booking, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.LatestBooking(ctx, classID, occurrence, userID)
}

func (m *Memory) ActiveBookings(ctx context.Context, classID studio.ClassID, occurrence *time.Time) ([]studio.Booking, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.ActiveBookings(ctx, classID, occurrence)
}

func (m *Memory) GetBalance(ctx context.Context, userID studio.UserID, category studio.Category) (int, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.GetBalance(ctx, userID, category)
}

func (m *Memory) AdjustBalance(ctx context.Context, userID studio.UserID, category studio.Category, delta int, floor *int) (int, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.AdjustBalance(ctx, userID, category, delta, floor)
}

func (m *Memory) PutBalance(ctx context.Context, userID studio.UserID, category studio.Category, value int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.PutBalance(ctx, userID, category, value)
}

func (m *Memory) SaveTemplate(ctx context.Context, t studio.PackageTemplate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.SaveTemplate(ctx, t)
}

func (m *Memory) GetTemplate(ctx context.Context, id studio.TemplateID) (*studio.PackageTemplate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.GetTemplate(ctx, id)
}

func (m *Memory) InsertPackage(ctx context.Context, p studio.Package) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.InsertPackage(ctx, p)
}

func (m *Memory) GetPackage(ctx context.Context, id studio.PackageID) (*studio.Package, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.GetPackage(ctx, id)
}

func (m *Memory) UpdatePackage(ctx context.Context, p studio.Package) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.UpdatePackage(ctx, p)
}

func (m *Memory) ActivePackages(ctx context.Context, userID studio.UserID, category studio.Category) ([]studio.Package, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.ActivePackages(ctx, userID, category)
}

func (m *Memory) ListPackages(ctx context.Context, userID studio.UserID) ([]studio.Package, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.ListPackages(ctx, userID)
}

func (m *Memory) LapsedPackages(ctx context.Context, before time.Time) ([]studio.Package, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.LapsedPackages(ctx, before)
}

func (m *Memory) InsertPurchase(ctx context.Context, p studio.Purchase) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.InsertPurchase(ctx, p)
}

func (m *Memory) UpsertAttendance(ctx context.Context, r studio.AttendanceRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.UpsertAttendance(ctx, r)
}

func (m *Memory) GetAttendance(ctx context.Context, classID studio.ClassID, occurrence *time.Time, userID studio.UserID) (*studio.AttendanceRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.GetAttendance(ctx, classID, occurrence, userID)
}

func (m *Memory) IncrementClassesTaken(ctx context.Context, userID studio.UserID) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.IncrementClassesTaken(ctx, userID)
}

func (m *Memory) ClassesTaken(ctx context.Context, userID studio.UserID) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.ClassesTaken(ctx, userID)
}

// Purchases returns every recorded purchase of the user.
func (m *Memory) Purchases(userID studio.UserID) []studio.Purchase {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []studio.Purchase
	for _, p := range m.state.purchases {
		if p.UserID == userID {
			out = append(out, p)
		}
	}
	return out
}

// =============================================================================
// STATE - unlocked; callers hold Memory.mu
// =============================================================================

type seatKey struct {
	ClassID    studio.ClassID
	Occurrence string
}

type accountKey struct {
	UserID   studio.UserID
	Category studio.Category
}

type attendanceKey struct {
	ClassID    studio.ClassID
	Occurrence string
	UserID     studio.UserID
}

type memState struct {
	classes      map[studio.ClassID]studio.ClassDefinition
	cancelled    map[studio.ClassID]map[string]studio.CancelledOccurrence
	seats        map[seatKey]int
	bookings     map[studio.BookingID]studio.Booking
	bookingOrder []studio.BookingID
	balances     map[accountKey]int
	templates    map[studio.TemplateID]studio.PackageTemplate
	packages     map[studio.PackageID]studio.Package
	packageOrder []studio.PackageID
	purchases    []studio.Purchase
	attendance   map[attendanceKey]studio.AttendanceRecord
	classesTaken map[studio.UserID]int
}

func newMemState() *memState {
	return &memState{
		classes:      make(map[studio.ClassID]studio.ClassDefinition),
		cancelled:    make(map[studio.ClassID]map[string]studio.CancelledOccurrence),
		seats:        make(map[seatKey]int),
		bookings:     make(map[studio.BookingID]studio.Booking),
		balances:     make(map[accountKey]int),
		templates:    make(map[studio.TemplateID]studio.PackageTemplate),
		packages:     make(map[studio.PackageID]studio.Package),
		attendance:   make(map[attendanceKey]studio.AttendanceRecord),
		classesTaken: make(map[studio.UserID]int),
	}
}

// clone copies every map. Row values are structs and are replaced, never
// mutated in place, so a shallow copy per map is enough.
func (s *memState) clone() *memState {
	c := newMemState()
	for k, v := range s.classes {
		c.classes[k] = v
	}
	for k, v := range s.cancelled {
		inner := make(map[string]studio.CancelledOccurrence, len(v))
		for d, occ := range v {
			inner[d] = occ
		}
		c.cancelled[k] = inner
	}
	for k, v := range s.seats {
		c.seats[k] = v
	}
	for k, v := range s.bookings {
		c.bookings[k] = v
	}
	c.bookingOrder = append([]studio.BookingID(nil), s.bookingOrder...)
	for k, v := range s.balances {
		c.balances[k] = v
	}
	for k, v := range s.templates {
		c.templates[k] = v
	}
	for k, v := range s.packages {
		c.packages[k] = v
	}
	c.packageOrder = append([]studio.PackageID(nil), s.packageOrder...)
	c.purchases = append([]studio.Purchase(nil), s.purchases...)
	for k, v := range s.attendance {
		c.attendance[k] = v
	}
	for k, v := range s.classesTaken {
		c.classesTaken[k] = v
	}
	return c
}

// --- classes ---

func (s *memState) GetClass(_ context.Context, id studio.ClassID) (*studio.ClassDefinition, error) {
	c, ok := s.classes[id]
	if !ok {
		return nil, nil
	}
	return &c, nil
}

func (s *memState) SaveClass(_ context.Context, c studio.ClassDefinition) error {
	if prev, ok := s.classes[c.ID]; ok {
		c.BookedCount = prev.BookedCount
		c.Status = prev.Status
		c.CreatedAt = prev.CreatedAt
	} else {
		c.BookedCount = 0
	}
	s.classes[c.ID] = c
	return nil
}

func (s *memState) SetClassStatus(_ context.Context, id studio.ClassID, status studio.ClassStatus) error {
	c, ok := s.classes[id]
	if !ok {
		return studio.ErrClassNotFound
	}
	c.Status = status
	s.classes[id] = c
	return nil
}

func (s *memState) DeleteClass(_ context.Context, id studio.ClassID) error {
	delete(s.classes, id)
	delete(s.cancelled, id)
	for k := range s.seats {
		if k.ClassID == id {
			delete(s.seats, k)
		}
	}
	kept := s.bookingOrder[:0]
	for _, bid := range s.bookingOrder {
		if s.bookings[bid].ClassID == id {
			delete(s.bookings, bid)
			continue
		}
		kept = append(kept, bid)
	}
	s.bookingOrder = kept
	for k := range s.attendance {
		if k.ClassID == id {
			delete(s.attendance, k)
		}
	}
	return nil
}

func (s *memState) SaveCancelledOccurrence(_ context.Context, occ studio.CancelledOccurrence) error {
	if _, ok := s.classes[occ.ClassID]; !ok {
		return studio.ErrClassNotFound
	}
	inner, ok := s.cancelled[occ.ClassID]
	if !ok {
		inner = make(map[string]studio.CancelledOccurrence)
		s.cancelled[occ.ClassID] = inner
	}
	inner[occ.Date.Format(studio.DateLayout)] = occ
	return nil
}

func (s *memState) CancelledOccurrences(_ context.Context, id studio.ClassID) ([]time.Time, error) {
	var out []time.Time
	for _, occ := range s.cancelled[id] {
		out = append(out, occ.Date)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out, nil
}

// --- seats ---

func (s *memState) ClaimSeat(_ context.Context, classID studio.ClassID, occurrence *time.Time, capacity int) (bool, error) {
	if occurrence == nil {
		c, ok := s.classes[classID]
		if !ok {
			return false, studio.ErrClassNotFound
		}
		if c.BookedCount >= capacity {
			return false, nil
		}
		c.BookedCount++
		s.classes[classID] = c
		return true, nil
	}
	k := seatKey{ClassID: classID, Occurrence: studio.FormatDate(occurrence)}
	if s.seats[k] >= capacity {
		return false, nil
	}
	s.seats[k]++
	return true, nil
}

func (s *memState) ReleaseSeat(_ context.Context, classID studio.ClassID, occurrence *time.Time) error {
	if occurrence == nil {
		c, ok := s.classes[classID]
		if !ok {
			return studio.ErrClassNotFound
		}
		if c.BookedCount > 0 {
			c.BookedCount--
		}
		s.classes[classID] = c
		return nil
	}
	k := seatKey{ClassID: classID, Occurrence: studio.FormatDate(occurrence)}
	if s.seats[k] > 0 {
		s.seats[k]--
	}
	return nil
}

func (s *memState) SetSeatCount(_ context.Context, classID studio.ClassID, occurrence *time.Time, n int) error {
	if occurrence == nil {
		c, ok := s.classes[classID]
		if !ok {
			return studio.ErrClassNotFound
		}
		c.BookedCount = n
		s.classes[classID] = c
		return nil
	}
	s.seats[seatKey{ClassID: classID, Occurrence: studio.FormatDate(occurrence)}] = n
	return nil
}

func (s *memState) SeatCount(_ context.Context, classID studio.ClassID, occurrence *time.Time) (int, error) {
	if occurrence == nil {
		return s.classes[classID].BookedCount, nil
	}
	return s.seats[seatKey{ClassID: classID, Occurrence: studio.FormatDate(occurrence)}], nil
}

// --- bookings ---

func (s *memState) InsertBooking(ctx context.Context, b studio.Booking) error {
	if _, ok := s.bookings[b.ID]; ok {
		return fmt.Errorf("booking %s already exists", b.ID)
	}
	if _, ok := s.classes[b.ClassID]; !ok {
		return studio.ErrClassNotFound
	}
	if b.Active() {
		existing, _ := s.ActiveBooking(ctx, b.ClassID, b.OccurrenceDate, b.UserID)
		if existing != nil {
			return studio.ErrAlreadyBooked
		}
	}
	s.bookings[b.ID] = b
	s.bookingOrder = append(s.bookingOrder, b.ID)
	return nil
}

func (s *memState) GetBooking(_ context.Context, id studio.BookingID) (*studio.Booking, error) {
	b, ok := s.bookings[id]
	if !ok {
		return nil, nil
	}
	return &b, nil
}

func (s *memState) UpdateBooking(_ context.Context, b studio.Booking) error {
	prev, ok := s.bookings[b.ID]
	if !ok {
		return studio.ErrBookingNotFound
	}
	prev.Status = b.Status
	prev.CreditDeducted = b.CreditDeducted
	prev.LateCancellation = b.LateCancellation
	prev.UpdatedAt = b.UpdatedAt
	s.bookings[b.ID] = prev
	return nil
}

func (s *memState) ActiveBooking(_ context.Context, classID studio.ClassID, occurrence *time.Time, userID studio.UserID) (*studio.Booking, error) {
	occ := studio.FormatDate(occurrence)
	for _, id := range s.bookingOrder {
		b := s.bookings[id]
		if b.ClassID == classID && b.UserID == userID && studio.FormatDate(b.OccurrenceDate) == occ && b.Active() {
			return &b, nil
		}
	}
	return nil, nil
}

func (s *memState) LatestBooking(_ context.Context, classID studio.ClassID, occurrence *time.Time, userID studio.UserID) (*studio.Booking, error) {
	occ := studio.FormatDate(occurrence)
	for i := len(s.bookingOrder) - 1; i >= 0; i-- {
		b, ok := s.bookings[s.bookingOrder[i]]
		if ok && b.ClassID == classID && b.UserID == userID && studio.FormatDate(b.OccurrenceDate) == occ {
			return &b, nil
		}
	}
	return nil, nil
}

func (s *memState) ActiveBookings(_ context.Context, classID studio.ClassID, occurrence *time.Time) ([]studio.Booking, error) {
	occ := studio.FormatDate(occurrence)
	var out []studio.Booking
	for _, id := range s.bookingOrder {
		b := s.bookings[id]
		if b.ClassID == classID && studio.FormatDate(b.OccurrenceDate) == occ && b.Active() {
			out = append(out, b)
		}
	}
	return out, nil
}

// --- credits ---

func (s *memState) GetBalance(_ context.Context, userID studio.UserID, category studio.Category) (int, bool, error) {
	v, ok := s.balances[accountKey{UserID: userID, Category: category}]
	return v, ok, nil
}

func (s *memState) AdjustBalance(_ context.Context, userID studio.UserID, category studio.Category, delta int, floor *int) (int, bool, error) {
	k := accountKey{UserID: userID, Category: category}
	v := s.balances[k]
	if floor != nil && v+delta < *floor {
		s.balances[k] = v
		return v, false, nil
	}
	s.balances[k] = v + delta
	return v + delta, true, nil
}

func (s *memState) PutBalance(_ context.Context, userID studio.UserID, category studio.Category, value int) error {
	s.balances[accountKey{UserID: userID, Category: category}] = value
	return nil
}

// --- packages ---

func (s *memState) SaveTemplate(_ context.Context, t studio.PackageTemplate) error {
	s.templates[t.ID] = t
	return nil
}

func (s *memState) GetTemplate(_ context.Context, id studio.TemplateID) (*studio.PackageTemplate, error) {
	t, ok := s.templates[id]
	if !ok {
		return nil, nil
	}
	return &t, nil
}

func (s *memState) InsertPackage(_ context.Context, p studio.Package) error {
	if _, ok := s.packages[p.ID]; ok {
		return fmt.Errorf("package %s already exists", p.ID)
	}
	if err := s.checkOneActive(p); err != nil {
		return err
	}
	s.packages[p.ID] = p
	s.packageOrder = append(s.packageOrder, p.ID)
	return nil
}

func (s *memState) GetPackage(_ context.Context, id studio.PackageID) (*studio.Package, error) {
	p, ok := s.packages[id]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

func (s *memState) UpdatePackage(_ context.Context, p studio.Package) error {
	if _, ok := s.packages[p.ID]; !ok {
		return studio.ErrPackageNotFound
	}
	if err := s.checkOneActive(p); err != nil {
		return err
	}
	s.packages[p.ID] = p
	return nil
}

// checkOneActive mirrors the SQL stores' partial unique index on active
// packages per (user, category).
func (s *memState) checkOneActive(p studio.Package) error {
	if p.Status != studio.PackageActive {
		return nil
	}
	for id, other := range s.packages {
		if id != p.ID && other.UserID == p.UserID && other.Category == p.Category && other.Status == studio.PackageActive {
			return fmt.Errorf("%w: another active %s package", studio.ErrConcurrentModification, p.Category)
		}
	}
	return nil
}

func (s *memState) ActivePackages(_ context.Context, userID studio.UserID, category studio.Category) ([]studio.Package, error) {
	var out []studio.Package
	for _, id := range s.packageOrder {
		p := s.packages[id]
		if p.UserID == userID && p.Category == category && p.Status == studio.PackageActive {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *memState) ListPackages(_ context.Context, userID studio.UserID) ([]studio.Package, error) {
	var out []studio.Package
	for _, id := range s.packageOrder {
		if p := s.packages[id]; p.UserID == userID {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *memState) LapsedPackages(_ context.Context, before time.Time) ([]studio.Package, error) {
	var out []studio.Package
	for _, id := range s.packageOrder {
		p := s.packages[id]
		if p.Status == studio.PackageActive && p.EndDate.Before(before) {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *memState) InsertPurchase(_ context.Context, p studio.Purchase) error {
	s.purchases = append(s.purchases, p)
	return nil
}

// --- attendance ---

func (s *memState) UpsertAttendance(_ context.Context, r studio.AttendanceRecord) error {
	if _, ok := s.classes[r.ClassID]; !ok {
		return studio.ErrClassNotFound
	}
	s.attendance[attendanceKey{ClassID: r.ClassID, Occurrence: studio.FormatDate(r.OccurrenceDate), UserID: r.UserID}] = r
	return nil
}

func (s *memState) GetAttendance(_ context.Context, classID studio.ClassID, occurrence *time.Time, userID studio.UserID) (*studio.AttendanceRecord, error) {
	r, ok := s.attendance[attendanceKey{ClassID: classID, Occurrence: studio.FormatDate(occurrence), UserID: userID}]
	if !ok {
		return nil, nil
	}
	return &r, nil
}

func (s *memState) IncrementClassesTaken(_ context.Context, userID studio.UserID) (int, error) {
	s.classesTaken[userID]++
	return s.classesTaken[userID], nil
}

func (s *memState) ClassesTaken(_ context.Context, userID studio.UserID) (int, error) {
	return s.classesTaken[userID], nil
}
