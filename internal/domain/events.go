package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Routing keys published on the donation events exchange.
const (
	EventStatusChanged = "recurring_donation.status_changed"
	EventAdvanced      = "recurring_donation.advanced"
	EventExhausted     = "recurring_donation.exhausted"
	EventDue           = "recurring_donation.due"
)

// StatusChangedEvent is emitted after a status transition has been persisted.
type StatusChangedEvent struct {
	RecurringDonationID uuid.UUID      `json:"recurring_donation_id"`
	DonorID             uuid.UUID      `json:"donor_id"`
	FromStatus          DonationStatus `json:"from_status"`
	ToStatus            DonationStatus `json:"to_status"`
	ActorKind           ActorKind      `json:"actor_kind"`
	ActorSubject        string         `json:"actor_subject"`
	NextDonationDate    time.Time      `json:"next_donation_date"`
	Timestamp           time.Time      `json:"timestamp"`
}

// ScheduleEvent is emitted when a donation becomes due, advances or runs out of schedule.
type ScheduleEvent struct {
	RecurringDonationID uuid.UUID       `json:"recurring_donation_id"`
	DonorID             uuid.UUID       `json:"donor_id"`
	Amount              decimal.Decimal `json:"amount"`
	PaymentMethod       PaymentMethod   `json:"payment_method"`
	IntervalType        IntervalType    `json:"interval_type"`
	DueDate             time.Time       `json:"due_date"`
	NextDonationDate    time.Time       `json:"next_donation_date"`
	Status              DonationStatus  `json:"status"`
	Timestamp           time.Time       `json:"timestamp"`
}

// ChargeSucceededEvent is consumed from the charging collaborator once a due donation
// has been paid. ChargedFor is the schedule date the charge settled.
type ChargeSucceededEvent struct {
	RecurringDonationID uuid.UUID `json:"recurring_donation_id"`
	ChargedFor          time.Time `json:"charged_for"`
	PaymentReference    string    `json:"payment_reference"`
}
