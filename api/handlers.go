/*
handlers.go - HTTP handlers for the studio booking engine

PURPOSE:
  Exposes the engine over REST. Handlers parse and validate the request,
  call one engine operation, and map the result or error to JSON.

ENDPOINTS:
  Classes:
    POST   /api/classes                                   Create or update a class
    GET    /api/classes/{id}                              Class definition
    DELETE /api/classes/{id}                              Delete with cascade
    GET    /api/classes/{id}/occurrences?from=&to=        Calendar view
    POST   /api/classes/{id}/occurrences/{date}/cancel    Cancel one date
    GET    /api/classes/{id}/occurrences/{date}/roster    Active bookings
    PUT    /api/classes/{id}/occurrences/{date}/roster    Sync the roster

  Bookings:
    POST   /api/bookings                                  Reserve a seat
    POST   /api/bookings/{id}/cancel                      Cancel a booking

  Credits and packages:
    GET    /api/users/{id}/credits/{category}             Balance
    PUT    /api/users/{id}/credits/{category}             Set balance
    GET    /api/users/{id}/packages                       Package history
    POST   /api/packages/templates                        Save a template
    POST   /api/packages                                  Assign a package
    POST   /api/packages/{id}/renew|cancel|deactivate     Lifecycle
    POST   /api/admin/packages/expire                     Expire lapsed packages

  Attendance:
    POST   /api/attendance                                Mark a booking
    POST   /api/attendance/direct                         Mark without a booking

  {date} is YYYY-MM-DD, or "-" for the single occurrence of a one-off class.

ACTOR:
  The caller's user id arrives in X-User-ID from the upstream auth layer.
  Reserve, cancel and attendance require it.

ERROR HANDLING:
  - 400: validation errors, malformed input
  - 401: missing X-User-ID
  - 404: class, booking, package, template or account not found
  - 409: business rule (class full, already booked, overdraft warning...)
  - 503: concurrent modification, safe to retry
  - 500: anything else

SEE ALSO:
  - dto.go: request and response bodies
  - server.go: router and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"reflect"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/warp/studio-engine/factory"
	"github.com/warp/studio-engine/studio"
)

// ActorHeader carries the authenticated user id.
const ActorHeader = "X-User-ID"

// singleOccurrence addresses the only occurrence of a one-off class in URLs.
const singleOccurrence = "-"

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

type Handler struct {
	Engine  *studio.Engine
	Classes *factory.ClassFactory
	Log     *slog.Logger

	location *time.Location
	validate *validator.Validate
}

// NewHandler creates a handler over engine. loc is the studio time zone.
func NewHandler(engine *studio.Engine, loc *time.Location, log *slog.Logger) *Handler {
	if loc == nil {
		loc = time.UTC
	}
	if log == nil {
		log = slog.Default()
	}
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return &Handler{
		Engine:   engine,
		Classes:  factory.NewClassFactory(loc),
		Log:      log,
		location: loc,
		validate: v,
	}
}

// =============================================================================
// CLASS HANDLERS
// =============================================================================

// SaveClass creates or replaces a class definition.
// POST /api/classes
func (h *Handler) SaveClass(w http.ResponseWriter, r *http.Request) {
	var body factory.ClassJSON
	if !h.decode(w, r, &body) {
		return
	}
	def, err := h.Classes.FromJSON(body)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	saved, err := h.Engine.SaveClass(r.Context(), def)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, h.classDTO(*saved))
}

// GET /api/classes/{id}
func (h *Handler) GetClass(w http.ResponseWriter, r *http.Request) {
	cls, err := h.Engine.GetClass(r.Context(), studio.ClassID(chi.URLParam(r, "id")))
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, h.classDTO(*cls))
}

// DELETE /api/classes/{id}
func (h *Handler) DeleteClass(w http.ResponseWriter, r *http.Request) {
	if err := h.Engine.DeleteClass(r.Context(), studio.ClassID(chi.URLParam(r, "id"))); err != nil {
		h.handleError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListOccurrences expands the schedule over [from, to]. The window
// defaults to the next 28 days.
// GET /api/classes/{id}/occurrences?from=&to=
func (h *Handler) ListOccurrences(w http.ResponseWriter, r *http.Request) {
	from := h.Engine.Today()
	to := from.AddDate(0, 0, 28)
	q := r.URL.Query()
	if s := q.Get("from"); s != "" {
		d, err := studio.ParseDate(s)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid from", err)
			return
		}
		from = d
	}
	if s := q.Get("to"); s != "" {
		d, err := studio.ParseDate(s)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid to", err)
			return
		}
		to = d
	}

	occs, err := h.Engine.Occurrences(r.Context(), studio.ClassID(chi.URLParam(r, "id")), from, to)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	dtos := make([]OccurrenceDTO, len(occs))
	for i, o := range occs {
		dtos[i] = OccurrenceDTO{
			Date:      o.Date.Format(studio.DateLayout),
			Start:     o.Start,
			End:       o.End,
			Cancelled: o.Cancelled,
		}
	}
	writeJSON(w, http.StatusOK, dtos)
}

// CancelOccurrence drops one date from the schedule. Existing bookings
// stay in place; the response reports how many.
// POST /api/classes/{id}/occurrences/{date}/cancel
func (h *Handler) CancelOccurrence(w http.ResponseWriter, r *http.Request) {
	date, err := studio.ParseDate(chi.URLParam(r, "date"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid date", err)
		return
	}
	var body CancelOccurrenceRequest
	if r.ContentLength != 0 && !h.decode(w, r, &body) {
		return
	}
	dangling, err := h.Engine.CancelOccurrence(r.Context(), studio.ClassID(chi.URLParam(r, "id")), date, body.Reason)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"date":            date.Format(studio.DateLayout),
		"active_bookings": dangling,
	})
}

// GET /api/classes/{id}/occurrences/{date}/roster
func (h *Handler) GetRoster(w http.ResponseWriter, r *http.Request) {
	occ, ok := occurrenceParam(w, r)
	if !ok {
		return
	}
	bookings, err := h.Engine.ListOccurrenceBookings(r.Context(), studio.ClassID(chi.URLParam(r, "id")), occ)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	dtos := make([]BookingDTO, len(bookings))
	for i, b := range bookings {
		dtos[i] = toBookingDTO(b)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// PUT /api/classes/{id}/occurrences/{date}/roster
func (h *Handler) SyncRoster(w http.ResponseWriter, r *http.Request) {
	occ, ok := occurrenceParam(w, r)
	if !ok {
		return
	}
	var body RosterRequest
	if !h.decode(w, r, &body) {
		return
	}
	desired := make([]studio.UserID, len(body.UserIDs))
	for i, u := range body.UserIDs {
		desired[i] = studio.UserID(u)
	}

	diff, err := h.Engine.SyncOccurrenceRoster(r.Context(), studio.ClassID(chi.URLParam(r, "id")), occ, desired)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, RosterDiffDTO{
		Added:           userStrings(diff.Added),
		Removed:         userStrings(diff.Removed),
		Refunded:        userStrings(diff.Refunded),
		DeductionFailed: userStrings(diff.DeductionFailed),
		SeatCount:       diff.SeatCount,
	})
}

// =============================================================================
// BOOKING HANDLERS
// =============================================================================

// Reserve books a seat for the caller. A balance at or below zero answers
// 409 overdraft_warning until confirm_overdraft is set.
// POST /api/bookings
func (h *Handler) Reserve(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	var body ReserveRequest
	if !h.decode(w, r, &body) {
		return
	}
	occ, err := optionalDate(body.OccurrenceDate)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid occurrence_date", err)
		return
	}

	res, err := h.Engine.Reserve(r.Context(), studio.ReserveRequest{
		UserID:           actor,
		ClassID:          studio.ClassID(body.ClassID),
		OccurrenceDate:   occ,
		ConfirmOverdraft: body.ConfirmOverdraft,
	})
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, ReservationDTO{Booking: toBookingDTO(res.Booking), Balance: res.Balance})
}

// POST /api/bookings/{id}/cancel
func (h *Handler) CancelBooking(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	res, err := h.Engine.Cancel(r.Context(), studio.BookingID(chi.URLParam(r, "id")), actor)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, CancelDTO{
		Booking:          toBookingDTO(res.Booking),
		Refunded:         res.Refunded,
		LateCancellation: res.LateCancellation,
	})
}

// =============================================================================
// CREDIT AND PACKAGE HANDLERS
// =============================================================================

// GET /api/users/{id}/credits/{category}
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	user, category, ok := creditParams(w, r)
	if !ok {
		return
	}
	balance, err := h.Engine.Balance(r.Context(), user, category)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, BalanceDTO{UserID: string(user), Category: string(category), Balance: balance})
}

// PUT /api/users/{id}/credits/{category}
func (h *Handler) SetBalance(w http.ResponseWriter, r *http.Request) {
	user, category, ok := creditParams(w, r)
	if !ok {
		return
	}
	var body SetBalanceRequest
	if !h.decode(w, r, &body) {
		return
	}
	if err := h.Engine.SetBalance(r.Context(), user, category, *body.Balance); err != nil {
		h.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, BalanceDTO{UserID: string(user), Category: string(category), Balance: *body.Balance})
}

// GET /api/users/{id}/packages
func (h *Handler) ListPackages(w http.ResponseWriter, r *http.Request) {
	pkgs, err := h.Engine.ListPackages(r.Context(), studio.UserID(chi.URLParam(r, "id")))
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	dtos := make([]PackageDTO, len(pkgs))
	for i, p := range pkgs {
		dtos[i] = toPackageDTO(p)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// POST /api/packages/templates
func (h *Handler) SaveTemplate(w http.ResponseWriter, r *http.Request) {
	var body factory.TemplateJSON
	if !h.decode(w, r, &body) {
		return
	}
	t, err := h.Engine.SaveTemplate(r.Context(), body.Template())
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, factory.TemplateJSON{
		ID:              string(t.ID),
		Name:            t.Name,
		Category:        string(t.Category),
		ClassesIncluded: t.ClassesIncluded,
		ValidityMonths:  t.ValidityMonths,
		Unlimited:       factory.FlexBool(t.Unlimited),
		Price:           t.Price,
	})
}

// POST /api/packages
func (h *Handler) AssignPackage(w http.ResponseWriter, r *http.Request) {
	var body AssignPackageRequest
	if !h.decode(w, r, &body) {
		return
	}
	pkg, err := h.Engine.Assign(r.Context(), studio.AssignRequest{
		UserID:          studio.UserID(body.UserID),
		Category:        studio.Category(body.Category),
		TemplateID:      studio.TemplateID(body.TemplateID),
		RenewalMonths:   body.RenewalMonths,
		OverrideBalance: body.OverrideBalance,
		Amount:          body.Amount,
	})
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toPackageDTO(*pkg))
}

// POST /api/packages/{id}/renew
func (h *Handler) RenewPackage(w http.ResponseWriter, r *http.Request) {
	var body RenewPackageRequest
	if r.ContentLength != 0 && !h.decode(w, r, &body) {
		return
	}
	pkg, err := h.Engine.Renew(r.Context(), studio.PackageID(chi.URLParam(r, "id")), body.Months)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toPackageDTO(*pkg))
}

// POST /api/packages/{id}/cancel
func (h *Handler) CancelPackage(w http.ResponseWriter, r *http.Request) {
	pkg, err := h.Engine.CancelPackage(r.Context(), studio.PackageID(chi.URLParam(r, "id")))
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toPackageDTO(*pkg))
}

// POST /api/packages/{id}/deactivate
func (h *Handler) DeactivatePackage(w http.ResponseWriter, r *http.Request) {
	var body DeactivatePackageRequest
	if r.ContentLength != 0 && !h.decode(w, r, &body) {
		return
	}
	pkg, err := h.Engine.Deactivate(r.Context(), studio.PackageID(chi.URLParam(r, "id")), body.Purge)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toPackageDTO(*pkg))
}

// ExpireLapsed is the scheduled sweep; as_of defaults to today.
// POST /api/admin/packages/expire
func (h *Handler) ExpireLapsed(w http.ResponseWriter, r *http.Request) {
	var body ExpireRequest
	if r.ContentLength != 0 && !h.decode(w, r, &body) {
		return
	}
	asOf := h.Engine.Today()
	if body.AsOf != "" {
		d, err := studio.ParseDate(body.AsOf)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid as_of", err)
			return
		}
		asOf = d
	}
	n, err := h.Engine.ExpireLapsed(r.Context(), asOf)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"as_of": asOf.Format(studio.DateLayout), "expired": n})
}

// =============================================================================
// ATTENDANCE HANDLERS
// =============================================================================

// POST /api/attendance
func (h *Handler) RecordAttendance(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	var body RecordAttendanceRequest
	if !h.decode(w, r, &body) {
		return
	}
	res, err := h.Engine.Record(r.Context(), studio.RecordRequest{
		BookingID: studio.BookingID(body.BookingID),
		Status:    studio.AttendanceStatus(body.Status),
		Reason:    body.Reason,
		Notes:     body.Notes,
		MarkedBy:  actor,
	})
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAttendanceDTO(*res))
}

// POST /api/attendance/direct
func (h *Handler) RecordDirectAttendance(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	var body DirectAttendanceRequest
	if !h.decode(w, r, &body) {
		return
	}
	occ, err := optionalDate(body.OccurrenceDate)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid occurrence_date", err)
		return
	}
	res, err := h.Engine.RecordDirect(r.Context(), studio.DirectRecordRequest{
		ClassID:        studio.ClassID(body.ClassID),
		OccurrenceDate: occ,
		UserID:         studio.UserID(body.UserID),
		Status:         studio.AttendanceStatus(body.Status),
		Reason:         body.Reason,
		Notes:          body.Notes,
		MarkedBy:       actor,
	})
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAttendanceDTO(*res))
}

// =============================================================================
// HELPERS
// =============================================================================

func (h *Handler) classDTO(c studio.ClassDefinition) ClassDTO {
	return ClassDTO{
		ClassJSON:   factory.ToJSON(c, h.location),
		Status:      string(c.Status),
		BookedCount: c.BookedCount,
	}
}

// decode reads a JSON body into dst and validates its tags. It writes the
// 400 response itself and returns false on failure.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON", err)
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make(map[string]string, len(verrs))
			for _, fe := range verrs {
				fields[fe.Field()] = validationMessage(fe)
			}
			writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "validation_failed", Fields: fields})
			return false
		}
		writeError(w, http.StatusBadRequest, "invalid request", err)
		return false
	}
	return true
}

func validationMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "required"
	case "oneof":
		return "must be one of: " + fe.Param()
	case "datetime":
		return "must be a date (YYYY-MM-DD)"
	default:
		return fmt.Sprintf("failed %s %s", fe.Tag(), fe.Param())
	}
}

func requireActor(w http.ResponseWriter, r *http.Request) (studio.UserID, bool) {
	actor := strings.TrimSpace(r.Header.Get(ActorHeader))
	if actor == "" {
		writeError(w, http.StatusUnauthorized, "missing "+ActorHeader, nil)
		return "", false
	}
	return studio.UserID(actor), true
}

func creditParams(w http.ResponseWriter, r *http.Request) (studio.UserID, studio.Category, bool) {
	category := studio.Category(chi.URLParam(r, "category"))
	if !category.Valid() {
		writeError(w, http.StatusBadRequest, "category must be group or private", nil)
		return "", "", false
	}
	return studio.UserID(chi.URLParam(r, "id")), category, true
}

func occurrenceParam(w http.ResponseWriter, r *http.Request) (*time.Time, bool) {
	s := chi.URLParam(r, "date")
	if s == singleOccurrence {
		return nil, true
	}
	d, err := studio.ParseDate(s)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid date", err)
		return nil, false
	}
	return &d, true
}

func optionalDate(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	d, err := studio.ParseDate(s)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// handleError maps engine errors to HTTP responses.
func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error) {
	var overdraft *studio.OverdraftWarningError
	var verr *studio.ValidationError
	switch {
	case errors.As(err, &overdraft):
		writeJSON(w, http.StatusConflict, OverdraftWarningResponse{
			Error:          "overdraft_warning",
			CurrentBalance: overdraft.CurrentBalance,
			WouldBeBalance: overdraft.WouldBeBalance,
		})
	case errors.As(err, &verr):
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "validation_failed", Fields: verr.FieldErrors})
	case studio.IsNotFound(err):
		writeError(w, http.StatusNotFound, errorCode(err), err)
	case studio.IsBusinessRule(err):
		writeError(w, http.StatusConflict, errorCode(err), err)
	case studio.IsRetryable(err):
		writeError(w, http.StatusServiceUnavailable, "concurrent_modification", err)
	default:
		h.Log.ErrorContext(r.Context(), "request failed", "method", r.Method, "path", r.URL.Path, "err", err)
		writeError(w, http.StatusInternalServerError, "internal_error", nil)
	}
}

var errorCodes = []struct {
	err  error
	code string
}{
	{studio.ErrClassNotFound, "class_not_found"},
	{studio.ErrBookingNotFound, "booking_not_found"},
	{studio.ErrPackageNotFound, "package_not_found"},
	{studio.ErrTemplateNotFound, "template_not_found"},
	{studio.ErrAccountNotFound, "account_not_found"},
	{studio.ErrInvalidOccurrence, "invalid_occurrence"},
	{studio.ErrClassFull, "class_full"},
	{studio.ErrClassCanceled, "class_cancelled"},
	{studio.ErrAlreadyBooked, "already_booked"},
	{studio.ErrMaxOverdraftReached, "max_overdraft_reached"},
	{studio.ErrOverdraftExceeded, "overdraft_exceeded"},
	{studio.ErrAlreadyCancelled, "already_cancelled"},
	{studio.ErrBookingNotCancelable, "booking_not_cancelable"},
	{studio.ErrNotExpired, "package_not_expired"},
	{studio.ErrNotActive, "package_not_active"},
}

func errorCode(err error) string {
	for _, c := range errorCodes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return "error"
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
