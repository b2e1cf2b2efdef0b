/**
 * @description
 * Core domain models for the recurring-donation service: the RecurringDonation row,
 * the actor performing a request, and the read-side view returned to dashboards.
 */
package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// RecurringDonation is a donor's standing pledge to give a fixed amount at a fixed interval.
// Dates are calendar dates held as UTC midnight.
type RecurringDonation struct {
	ID               uuid.UUID       `json:"id"`
	DonorID          uuid.UUID       `json:"donor_id"`
	StartDate        time.Time       `json:"start_date"`
	EndDate          *time.Time      `json:"end_date,omitempty"`
	IntervalAmount   decimal.Decimal `json:"interval_amount"`
	IntervalType     IntervalType    `json:"interval_type"`
	PaymentMethod    PaymentMethod   `json:"payment_method"`
	NextDonationDate time.Time       `json:"next_donation_date"`
	Status           DonationStatus  `json:"status"`
	Version          int64           `json:"version"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// ActorKind distinguishes donors acting on their own records from back-office admins.
type ActorKind string

const (
	ActorDonor ActorKind = "donor"
	ActorAdmin ActorKind = "admin"
)

// Actor is the identity on whose behalf an operation runs. It travels explicitly with
// each call rather than living in shared client state.
type Actor struct {
	Kind    ActorKind `json:"kind"`
	DonorID uuid.UUID `json:"donor_id,omitempty"`
	Subject string    `json:"subject"`
}

// IsAdmin reports whether the actor may act on any donor's records.
func (a Actor) IsAdmin() bool {
	return a.Kind == ActorAdmin
}

// CanAccess reports whether the actor may read or modify the donation.
func (a Actor) CanAccess(d RecurringDonation) bool {
	if a.IsAdmin() {
		return true
	}
	return a.Kind == ActorDonor && a.DonorID != uuid.Nil && a.DonorID == d.DonorID
}

// CreateRecurringDonationInput is the validated payload of a donation signup.
type CreateRecurringDonationInput struct {
	DonorID        uuid.UUID
	StartDate      time.Time
	EndDate        *time.Time
	IntervalAmount decimal.Decimal
	IntervalType   IntervalType
	PaymentMethod  PaymentMethod
}

// ListFilter narrows a recurring donation listing. Zero values mean "any".
type ListFilter struct {
	DonorID uuid.UUID
	Status  DonationStatus
	Limit   int
}

// RecurringDonationView is the dashboard representation of a donation, with
// reference-data labels and the derived interval label resolved.
type RecurringDonationView struct {
	RecurringDonation
	DisplayInterval    string `json:"display_interval"`
	StatusLabel        string `json:"status_label,omitempty"`
	IntervalTypeLabel  string `json:"interval_type_label,omitempty"`
	PaymentMethodLabel string `json:"payment_method_label,omitempty"`
}
