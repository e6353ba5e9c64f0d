package api_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/studio-engine/api"
	"github.com/warp/studio-engine/metrics"
	"github.com/warp/studio-engine/studio"
	"github.com/warp/studio-engine/studio/store"
)

// testContext mirrors testing.T.Context (Go 1.24+): a context cancelled when
// the test finishes.
func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return ctx
}

type testServer struct {
	t      *testing.T
	router http.Handler
	engine *studio.Engine
	clock  *studio.FixedClock
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	clock := studio.NewFixedClock(time.Date(2026, time.October, 12, 8, 0, 0, 0, time.UTC))
	reg := prometheus.NewRegistry()
	engine := studio.New(store.NewMemory(), studio.WithClock(clock), studio.WithObserver(metrics.New(reg)))
	h := api.NewHandler(engine, time.UTC, nil)
	return &testServer{
		t:      t,
		router: api.NewRouter(h, api.RouterOptions{Metrics: reg}),
		engine: engine,
		clock:  clock,
	}
}

func (s *testServer) do(method, path, body, actor string) *httptest.ResponseRecorder {
	s.t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	if actor != "" {
		req.Header.Set(api.ActorHeader, actor)
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

const yogaJSON = `{
	"id": "yoga", "name": "Evening Yoga", "category": "group", "capacity": 1,
	"is_recurring": "1", "recurring_days": ["monday", "wednesday"],
	"end_date": "2026-12-31", "start_time": "18:00", "duration_minutes": 60
}`

func (s *testServer) createYoga() {
	s.t.Helper()
	rec := s.do(http.MethodPost, "/api/classes", yogaJSON, "")
	require.Equal(s.t, http.StatusCreated, rec.Code, rec.Body.String())
}

func (s *testServer) setBalance(user string, n int) {
	s.t.Helper()
	rec := s.do(http.MethodPut, "/api/users/"+user+"/credits/group", `{"balance": `+itoa(n)+`}`, "")
	require.Equal(s.t, http.StatusOK, rec.Code, rec.Body.String())
}

func itoa(n int) string {
	b, _ := json.Marshal(n)
	return string(b)
}

// =============================================================================
// CLASSES
// =============================================================================

func TestSaveClass_CoercesRecurringFlag(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(http.MethodPost, "/api/classes", yogaJSON, "")

	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	dto := decodeBody[api.ClassDTO](t, rec)
	assert.True(t, bool(dto.IsRecurring))
	assert.Equal(t, "2026-12-31", dto.EndDate)
	assert.Equal(t, "18:00", dto.StartTime)
	assert.Equal(t, "active", dto.Status)

	cls, err := s.engine.GetClass(testContext(t), "yoga")
	require.NoError(t, err)
	assert.True(t, cls.IsRecurring())
}

func TestSaveClass_Validation(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(http.MethodPost, "/api/classes", `{"name": "No id", "category": "dance"}`, "")

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	resp := decodeBody[api.ErrorResponse](t, rec)
	assert.Equal(t, "validation_failed", resp.Error)
	assert.Contains(t, resp.Fields, "id")
	assert.Contains(t, resp.Fields, "category")
}

func TestSaveClass_MissingScheduleFields(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(http.MethodPost, "/api/classes",
		`{"id": "x", "name": "X", "category": "group", "capacity": 3, "is_recurring": true}`, "")

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	resp := decodeBody[api.ErrorResponse](t, rec)
	assert.Contains(t, resp.Fields, "end_date")
}

func TestGetClass_NotFound(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(http.MethodGet, "/api/classes/missing", "", "")

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "class_not_found", decodeBody[api.ErrorResponse](t, rec).Error)
}

func TestListOccurrences(t *testing.T) {
	s := newTestServer(t)
	s.createYoga()
	require.Equal(t, http.StatusOK,
		s.do(http.MethodPost, "/api/classes/yoga/occurrences/2026-10-14/cancel", `{"reason": "holiday"}`, "").Code)

	rec := s.do(http.MethodGet, "/api/classes/yoga/occurrences?from=2026-10-12&to=2026-10-18", "", "")

	require.Equal(t, http.StatusOK, rec.Code)
	occs := decodeBody[[]api.OccurrenceDTO](t, rec)
	require.Len(t, occs, 2)
	assert.Equal(t, "2026-10-12", occs[0].Date)
	assert.False(t, occs[0].Cancelled)
	assert.Equal(t, time.Date(2026, time.October, 12, 18, 0, 0, 0, time.UTC), occs[0].Start.UTC())
	assert.Equal(t, "2026-10-14", occs[1].Date)
	assert.True(t, occs[1].Cancelled)
}

func TestDeleteClass(t *testing.T) {
	s := newTestServer(t)
	s.createYoga()

	assert.Equal(t, http.StatusNoContent, s.do(http.MethodDelete, "/api/classes/yoga", "", "").Code)
	assert.Equal(t, http.StatusNotFound, s.do(http.MethodGet, "/api/classes/yoga", "", "").Code)
}

// =============================================================================
// BOOKINGS
// =============================================================================

func TestReserve_RequiresActor(t *testing.T) {
	s := newTestServer(t)
	s.createYoga()

	rec := s.do(http.MethodPost, "/api/bookings", `{"class_id": "yoga", "occurrence_date": "2026-10-12"}`, "")

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestReserve_OverdraftTwoPhase(t *testing.T) {
	// GIVEN: a user at balance 0
	s := newTestServer(t)
	s.createYoga()
	s.setBalance("u1", 0)
	body := `{"class_id": "yoga", "occurrence_date": "2026-10-12"}`

	// WHEN: booking without confirmation
	rec := s.do(http.MethodPost, "/api/bookings", body, "u1")

	// THEN: the warning carries both balances and nothing is written
	require.Equal(t, http.StatusConflict, rec.Code)
	warn := decodeBody[api.OverdraftWarningResponse](t, rec)
	assert.Equal(t, api.OverdraftWarningResponse{Error: "overdraft_warning", CurrentBalance: 0, WouldBeBalance: -1}, warn)
	b, err := s.engine.Balance(testContext(t), "u1", studio.CategoryGroup)
	require.NoError(t, err)
	assert.Equal(t, 0, b)

	// WHEN: confirming
	rec = s.do(http.MethodPost, "/api/bookings",
		`{"class_id": "yoga", "occurrence_date": "2026-10-12", "confirm_overdraft": true}`, "u1")

	// THEN
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	res := decodeBody[api.ReservationDTO](t, rec)
	assert.Equal(t, -1, res.Balance)
	assert.Equal(t, "confirmed", res.Booking.Status)
	assert.Equal(t, "2026-10-12", res.Booking.OccurrenceDate)
}

func TestReserve_ClassFullAndInvalidDate(t *testing.T) {
	s := newTestServer(t)
	s.createYoga()
	s.setBalance("u1", 5)
	s.setBalance("u2", 5)

	require.Equal(t, http.StatusCreated,
		s.do(http.MethodPost, "/api/bookings", `{"class_id": "yoga", "occurrence_date": "2026-10-12"}`, "u1").Code)

	rec := s.do(http.MethodPost, "/api/bookings", `{"class_id": "yoga", "occurrence_date": "2026-10-12"}`, "u2")
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "class_full", decodeBody[api.ErrorResponse](t, rec).Error)

	rec = s.do(http.MethodPost, "/api/bookings", `{"class_id": "yoga", "occurrence_date": "2026-10-13"}`, "u2")
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "invalid_occurrence", decodeBody[api.ErrorResponse](t, rec).Error)

	rec = s.do(http.MethodPost, "/api/bookings", `{"class_id": "yoga", "occurrence_date": "12/10/2026"}`, "u2")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCancelBooking_EarlyRefunds(t *testing.T) {
	s := newTestServer(t)
	s.createYoga()
	s.setBalance("u1", 3)
	rec := s.do(http.MethodPost, "/api/bookings", `{"class_id": "yoga", "occurrence_date": "2026-10-12"}`, "u1")
	require.Equal(t, http.StatusCreated, rec.Code)
	booking := decodeBody[api.ReservationDTO](t, rec).Booking

	rec = s.do(http.MethodPost, "/api/bookings/"+booking.ID+"/cancel", "", "u1")

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	res := decodeBody[api.CancelDTO](t, rec)
	assert.True(t, res.Refunded)
	assert.False(t, res.LateCancellation)

	rec = s.do(http.MethodGet, "/api/users/u1/credits/group", "", "")
	assert.Equal(t, 3, decodeBody[api.BalanceDTO](t, rec).Balance)

	rec = s.do(http.MethodPost, "/api/bookings/"+booking.ID+"/cancel", "", "u1")
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "already_cancelled", decodeBody[api.ErrorResponse](t, rec).Error)
}

func TestCancelBooking_LateForfeits(t *testing.T) {
	s := newTestServer(t)
	s.createYoga()
	s.setBalance("u1", 3)
	rec := s.do(http.MethodPost, "/api/bookings", `{"class_id": "yoga", "occurrence_date": "2026-10-12"}`, "u1")
	booking := decodeBody[api.ReservationDTO](t, rec).Booking

	s.clock.Set(time.Date(2026, time.October, 12, 17, 50, 0, 0, time.UTC))
	rec = s.do(http.MethodPost, "/api/bookings/"+booking.ID+"/cancel", "", "u1")

	require.Equal(t, http.StatusOK, rec.Code)
	res := decodeBody[api.CancelDTO](t, rec)
	assert.False(t, res.Refunded)
	assert.True(t, res.LateCancellation)
	rec = s.do(http.MethodGet, "/api/users/u1/credits/group", "", "")
	assert.Equal(t, 2, decodeBody[api.BalanceDTO](t, rec).Balance)
}

func TestRoster_SyncAndList(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(http.MethodPost, "/api/classes", strings.Replace(yogaJSON, `"capacity": 1`, `"capacity": 5`, 1), "")
	require.Equal(t, http.StatusCreated, rec.Code)
	s.setBalance("u1", 2)
	s.setBalance("u2", 2)

	rec = s.do(http.MethodPut, "/api/classes/yoga/occurrences/2026-10-12/roster", `{"user_ids": ["u1", "u2"]}`, "admin")

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	diff := decodeBody[api.RosterDiffDTO](t, rec)
	assert.ElementsMatch(t, []string{"u1", "u2"}, diff.Added)
	assert.Empty(t, diff.Removed)
	assert.Equal(t, 2, diff.SeatCount)

	rec = s.do(http.MethodGet, "/api/classes/yoga/occurrences/2026-10-12/roster", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody[[]api.BookingDTO](t, rec), 2)
}

func TestRoster_SingleOccurrencePath(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(http.MethodPost, "/api/classes",
		`{"id": "pt-1", "name": "PT", "category": "private", "is_recurring": false, "date": "2026-10-12T10:00"}`, "")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = s.do(http.MethodGet, "/api/classes/pt-1/occurrences/-/roster", "", "")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decodeBody[[]api.BookingDTO](t, rec))
}

// =============================================================================
// CREDITS AND PACKAGES
// =============================================================================

func TestCredits(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(http.MethodGet, "/api/users/u1/credits/group", "", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "account_not_found", decodeBody[api.ErrorResponse](t, rec).Error)

	assert.Equal(t, http.StatusBadRequest, s.do(http.MethodGet, "/api/users/u1/credits/yoga", "", "").Code)
	assert.Equal(t, http.StatusBadRequest, s.do(http.MethodPut, "/api/users/u1/credits/group", `{}`, "").Code)

	s.setBalance("u1", 7)
	rec = s.do(http.MethodGet, "/api/users/u1/credits/group", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, api.BalanceDTO{UserID: "u1", Category: "group", Balance: 7}, decodeBody[api.BalanceDTO](t, rec))
}

func TestPackages_Lifecycle(t *testing.T) {
	// GIVEN: a template and a user one credit in debt
	s := newTestServer(t)
	rec := s.do(http.MethodPost, "/api/packages/templates",
		`{"id": "ten", "name": "Ten", "category": "group", "classes_included": 10, "validity_months": 1, "price": "120.00"}`, "")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	s.setBalance("u1", -1)

	// WHEN: assigning
	rec = s.do(http.MethodPost, "/api/packages", `{"user_id": "u1", "category": "group", "template_id": "ten"}`, "")

	// THEN: the debt is absorbed
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	pkg := decodeBody[api.PackageDTO](t, rec)
	assert.Equal(t, "active", pkg.Status)
	assert.Equal(t, "2026-11-11", pkg.EndDate)
	rec = s.do(http.MethodGet, "/api/users/u1/credits/group", "", "")
	assert.Equal(t, 9, decodeBody[api.BalanceDTO](t, rec).Balance)

	// Renew requires an expired package.
	rec = s.do(http.MethodPost, "/api/packages/"+pkg.ID+"/renew", `{"months": 2}`, "")
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "package_not_expired", decodeBody[api.ErrorResponse](t, rec).Error)

	rec = s.do(http.MethodPost, "/api/packages/"+pkg.ID+"/cancel", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "expired", decodeBody[api.PackageDTO](t, rec).Status)

	rec = s.do(http.MethodPost, "/api/packages/"+pkg.ID+"/renew", `{"months": 2}`, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "active", decodeBody[api.PackageDTO](t, rec).Status)

	rec = s.do(http.MethodPost, "/api/packages/"+pkg.ID+"/deactivate", `{"purge": true}`, "")
	require.Equal(t, http.StatusOK, rec.Code)
	rec = s.do(http.MethodGet, "/api/users/u1/credits/group", "", "")
	assert.Equal(t, 0, decodeBody[api.BalanceDTO](t, rec).Balance)

	rec = s.do(http.MethodGet, "/api/users/u1/packages", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody[[]api.PackageDTO](t, rec), 1)
}

func TestPackages_Errors(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(http.MethodPost, "/api/packages", `{"user_id": "u1", "category": "group", "template_id": "nope"}`, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "template_not_found", decodeBody[api.ErrorResponse](t, rec).Error)

	rec = s.do(http.MethodPost, "/api/packages", `{"user_id": "u1", "category": "spin"}`, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(http.MethodPost, "/api/packages/nope/cancel", "", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestExpireLapsed(t *testing.T) {
	s := newTestServer(t)
	require.Equal(t, http.StatusCreated, s.do(http.MethodPost, "/api/packages/templates",
		`{"id": "ten", "name": "Ten", "category": "group", "classes_included": 10, "validity_months": 1, "price": 100}`, "").Code)
	require.Equal(t, http.StatusCreated,
		s.do(http.MethodPost, "/api/packages", `{"user_id": "u1", "category": "group", "template_id": "ten"}`, "").Code)

	rec := s.do(http.MethodPost, "/api/admin/packages/expire", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 0, decodeBody[map[string]any](t, rec)["expired"])

	rec = s.do(http.MethodPost, "/api/admin/packages/expire", `{"as_of": "2026-11-12"}`, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 1, decodeBody[map[string]any](t, rec)["expired"])
}

// =============================================================================
// ATTENDANCE
// =============================================================================

func TestRecordAttendance_PresentCountsClass(t *testing.T) {
	s := newTestServer(t)
	s.createYoga()
	s.setBalance("u1", 2)
	rec := s.do(http.MethodPost, "/api/bookings", `{"class_id": "yoga", "occurrence_date": "2026-10-12"}`, "u1")
	booking := decodeBody[api.ReservationDTO](t, rec).Booking

	rec = s.do(http.MethodPost, "/api/attendance", `{"booking_id": "`+booking.ID+`", "status": "present"}`, "coach")

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	dto := decodeBody[api.AttendanceDTO](t, rec)
	assert.Equal(t, "present", dto.Status)
	assert.Equal(t, "coach", dto.MarkedBy)
	assert.False(t, dto.Deducted, "booking already paid")
	assert.Equal(t, 1, dto.ClassesTaken)
}

func TestRecordAttendance_CancelledBookingConflicts(t *testing.T) {
	s := newTestServer(t)
	s.createYoga()
	s.setBalance("u1", 2)
	rec := s.do(http.MethodPost, "/api/bookings", `{"class_id": "yoga", "occurrence_date": "2026-10-12"}`, "u1")
	booking := decodeBody[api.ReservationDTO](t, rec).Booking
	require.Equal(t, http.StatusOK, s.do(http.MethodPost, "/api/bookings/"+booking.ID+"/cancel", "", "u1").Code)

	rec = s.do(http.MethodPost, "/api/attendance", `{"booking_id": "`+booking.ID+`", "status": "present"}`, "coach")

	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "already_cancelled", decodeBody[api.ErrorResponse](t, rec).Error)
}

func TestRecordAttendance_BadStatus(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(http.MethodPost, "/api/attendance", `{"booking_id": "b1", "status": "asleep"}`, "coach")

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, decodeBody[api.ErrorResponse](t, rec).Fields, "status")
}

func TestRecordDirectAttendance(t *testing.T) {
	s := newTestServer(t)
	s.createYoga()
	s.setBalance("u9", 1)

	rec := s.do(http.MethodPost, "/api/attendance/direct",
		`{"class_id": "yoga", "occurrence_date": "2026-10-12", "user_id": "u9", "status": "present"}`, "coach")

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.True(t, decodeBody[api.AttendanceDTO](t, rec).Deducted)
	rec = s.do(http.MethodGet, "/api/users/u9/credits/group", "", "")
	assert.Equal(t, 0, decodeBody[api.BalanceDTO](t, rec).Balance)
}

// =============================================================================
// OPERATIONS
// =============================================================================

func TestHealthAndMetrics(t *testing.T) {
	s := newTestServer(t)
	s.createYoga()
	s.setBalance("u1", 1)
	s.do(http.MethodPost, "/api/bookings", `{"class_id": "yoga", "occurrence_date": "2026-10-12"}`, "u1")

	assert.Equal(t, http.StatusOK, s.do(http.MethodGet, "/health", "", "").Code)

	rec := s.do(http.MethodGet, "/metrics", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `studio_reservations_total{outcome="confirmed"} 1`)
}
