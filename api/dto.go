/*
dto.go - Request and response bodies for the booking API

NAMING CONVENTION:
  - *DTO:      response types returned to clients
  - *Request:  request bodies, validated with go-playground/validator tags

Dates are "YYYY-MM-DD". A missing occurrence_date addresses the single
occurrence of a one-off class.

SEE ALSO:
  - handlers.go: uses these types
  - factory/class.go: class bodies (ClassJSON)
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/studio-engine/factory"
	"github.com/warp/studio-engine/studio"
)

// =============================================================================
// REQUESTS
// =============================================================================

type ReserveRequest struct {
	ClassID          string `json:"class_id" validate:"required"`
	OccurrenceDate   string `json:"occurrence_date,omitempty" validate:"omitempty,datetime=2006-01-02"`
	ConfirmOverdraft bool   `json:"confirm_overdraft,omitempty"`
}

type CancelOccurrenceRequest struct {
	Reason string `json:"reason,omitempty" validate:"max=500"`
}

type RosterRequest struct {
	UserIDs []string `json:"user_ids" validate:"dive,max=128"`
}

type SetBalanceRequest struct {
	Balance *int `json:"balance" validate:"required"`
}

type AssignPackageRequest struct {
	UserID          string           `json:"user_id" validate:"required"`
	Category        string           `json:"category" validate:"required,oneof=group private"`
	TemplateID      string           `json:"template_id" validate:"required"`
	RenewalMonths   int              `json:"renewal_months,omitempty" validate:"omitempty,gte=1,lte=999"`
	OverrideBalance bool             `json:"override_balance,omitempty"`
	Amount          *decimal.Decimal `json:"amount,omitempty"`
}

// RenewPackageRequest: months 0 renews for the package's own term.
type RenewPackageRequest struct {
	Months int `json:"months,omitempty" validate:"omitempty,gte=1,lte=999"`
}

type DeactivatePackageRequest struct {
	Purge bool `json:"purge,omitempty"`
}

type ExpireRequest struct {
	AsOf string `json:"as_of,omitempty" validate:"omitempty,datetime=2006-01-02"`
}

type RecordAttendanceRequest struct {
	BookingID string `json:"booking_id" validate:"required"`
	Status    string `json:"status" validate:"required,oneof=present absent late_cancel excused no_show"`
	Reason    string `json:"reason,omitempty"`
	Notes     string `json:"notes,omitempty"`
}

type DirectAttendanceRequest struct {
	ClassID        string `json:"class_id" validate:"required"`
	OccurrenceDate string `json:"occurrence_date,omitempty" validate:"omitempty,datetime=2006-01-02"`
	UserID         string `json:"user_id" validate:"required"`
	Status         string `json:"status" validate:"required,oneof=present absent late_cancel excused no_show"`
	Reason         string `json:"reason,omitempty"`
	Notes          string `json:"notes,omitempty"`
}

// =============================================================================
// RESPONSES
// =============================================================================

type ClassDTO struct {
	factory.ClassJSON
	Status      string `json:"status"`
	BookedCount int    `json:"booked_count"`
}

type OccurrenceDTO struct {
	Date      string    `json:"date"`
	Start     time.Time `json:"start"`
	End       time.Time `json:"end"`
	Cancelled bool      `json:"cancelled"`
}

type BookingDTO struct {
	ID               string    `json:"id"`
	ClassID          string    `json:"class_id"`
	UserID           string    `json:"user_id"`
	OccurrenceDate   string    `json:"occurrence_date,omitempty"`
	Status           string    `json:"status"`
	CreditDeducted   bool      `json:"credit_deducted"`
	LateCancellation bool      `json:"late_cancellation"`
	CreatedAt        time.Time `json:"created_at"`
}

type ReservationDTO struct {
	Booking BookingDTO `json:"booking"`
	Balance int        `json:"balance"`
}

type CancelDTO struct {
	Booking          BookingDTO `json:"booking"`
	Refunded         bool       `json:"refunded"`
	LateCancellation bool       `json:"late_cancellation"`
}

type RosterDiffDTO struct {
	Added           []string `json:"added"`
	Removed         []string `json:"removed"`
	Refunded        []string `json:"refunded"`
	DeductionFailed []string `json:"deduction_failed"`
	SeatCount       int      `json:"seat_count"`
}

type BalanceDTO struct {
	UserID   string `json:"user_id"`
	Category string `json:"category"`
	Balance  int    `json:"balance"`
}

type PackageDTO struct {
	ID              string `json:"id"`
	UserID          string `json:"user_id"`
	Category        string `json:"category"`
	TemplateID      string `json:"template_id"`
	ClassesIncluded int    `json:"classes_included"`
	Unlimited       bool   `json:"unlimited"`
	StartDate       string `json:"start_date"`
	EndDate         string `json:"end_date"`
	Status          string `json:"status"`
	RenewalMonths   int    `json:"renewal_months"`
}

type AttendanceDTO struct {
	ClassID        string    `json:"class_id"`
	OccurrenceDate string    `json:"occurrence_date,omitempty"`
	UserID         string    `json:"user_id"`
	Status         string    `json:"status"`
	Reason         string    `json:"reason,omitempty"`
	Notes          string    `json:"notes,omitempty"`
	MarkedBy       string    `json:"marked_by,omitempty"`
	RecordedAt     time.Time `json:"recorded_at"`
	Deducted       bool      `json:"deducted"`
	ClassesTaken   int       `json:"classes_taken"`
}

type ErrorResponse struct {
	Error   string            `json:"error"`
	Details string            `json:"details,omitempty"`
	Fields  map[string]string `json:"fields,omitempty"`
}

// OverdraftWarningResponse is the first phase of the overdraft
// confirmation; resend with confirm_overdraft=true to book.
type OverdraftWarningResponse struct {
	Error          string `json:"error"`
	CurrentBalance int    `json:"current_balance"`
	WouldBeBalance int    `json:"would_be_balance"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func toBookingDTO(b studio.Booking) BookingDTO {
	return BookingDTO{
		ID:               string(b.ID),
		ClassID:          string(b.ClassID),
		UserID:           string(b.UserID),
		OccurrenceDate:   studio.FormatDate(b.OccurrenceDate),
		Status:           string(b.Status),
		CreditDeducted:   b.CreditDeducted,
		LateCancellation: b.LateCancellation,
		CreatedAt:        b.CreatedAt,
	}
}

func toPackageDTO(p studio.Package) PackageDTO {
	return PackageDTO{
		ID:              string(p.ID),
		UserID:          string(p.UserID),
		Category:        string(p.Category),
		TemplateID:      string(p.TemplateID),
		ClassesIncluded: p.ClassesIncluded,
		Unlimited:       p.Unlimited,
		StartDate:       p.StartDate.Format(studio.DateLayout),
		EndDate:         p.EndDate.Format(studio.DateLayout),
		Status:          string(p.Status),
		RenewalMonths:   p.RenewalMonths,
	}
}

func toAttendanceDTO(res studio.RecordResult) AttendanceDTO {
	r := res.Record
	return AttendanceDTO{
		ClassID:        string(r.ClassID),
		OccurrenceDate: studio.FormatDate(r.OccurrenceDate),
		UserID:         string(r.UserID),
		Status:         string(r.Status),
		Reason:         r.Reason,
		Notes:          r.Notes,
		MarkedBy:       string(r.MarkedBy),
		RecordedAt:     r.RecordedAt,
		Deducted:       res.Deducted,
		ClassesTaken:   res.ClassesTaken,
	}
}

func userStrings(ids []studio.UserID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = string(id)
	}
	return out
}
