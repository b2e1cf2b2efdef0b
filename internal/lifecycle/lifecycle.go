/**
 * @description
 * The recurring-donation lifecycle manager. It owns the status state machine, validates
 * transitions requested by donors and admins, and derives schedule dates. Everything
 * here is pure: callers load and persist donations and pass "now" in explicitly.
 */
package lifecycle

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/donorhub/recurring-donation-service/internal/domain"
	"github.com/donorhub/recurring-donation-service/internal/schedule"
)

// ErrChargeAlreadyApplied is returned by Advance when the charge does not settle the
// donation's current schedule date, i.e. the notice is a replay.
var ErrChargeAlreadyApplied = errors.New("charge does not match the current schedule date")

var allowedTransitions = map[domain.DonationStatus]map[domain.DonationStatus]bool{
	domain.StatusApproved: {
		domain.StatusStopped:   true,
		domain.StatusCancelled: true,
	},
	domain.StatusStopped: {
		domain.StatusApproved:  true,
		domain.StatusCancelled: true,
	},
}

// CanTransition reports whether from -> to is in the allowed table. Same-state requests
// and anything leaving cancelled are not.
func CanTransition(from, to domain.DonationStatus) bool {
	return allowedTransitions[from][to]
}

// ValidateTransition returns ErrInvalidTransition with context when from -> to is not allowed.
func ValidateTransition(from, to domain.DonationStatus) error {
	if CanTransition(from, to) {
		return nil
	}
	switch {
	case from == domain.StatusCancelled:
		return fmt.Errorf("%w: cancelled donations are final", domain.ErrInvalidTransition)
	case from == to:
		return fmt.Errorf("%w: donation is already %s", domain.ErrInvalidTransition, from)
	default:
		return fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, from, to)
	}
}

// RequestStatusChange applies a status change requested by actor and returns the updated
// donation. Donors may only change their own donations. Resuming a stopped donation
// recomputes the next donation date from now so missed cycles are not charged.
func RequestStatusChange(d domain.RecurringDonation, requested domain.DonationStatus, actor domain.Actor, now time.Time) (domain.RecurringDonation, error) {
	if !actor.CanAccess(d) {
		return d, domain.ErrUnauthorized
	}
	if err := ValidateTransition(d.Status, requested); err != nil {
		return d, err
	}

	updated := d
	if d.Status == domain.StatusStopped && requested == domain.StatusApproved {
		next, err := ResumeDate(d, now)
		if err != nil {
			return d, err
		}
		if schedule.Exhausted(next, d.EndDate) {
			return d, fmt.Errorf("%w: schedule ended on %s", domain.ErrInvalidTransition, d.EndDate.Format(time.DateOnly))
		}
		updated.NextDonationDate = next
	}

	updated.Status = requested
	updated.UpdatedAt = now
	return updated, nil
}

// ResumeDate is the next donation date for a donation resumed at now: the start date if
// the schedule has not begun yet, otherwise one interval after today.
func ResumeDate(d domain.RecurringDonation, now time.Time) (time.Time, error) {
	today := schedule.DateOf(now)
	start := schedule.DateOf(d.StartDate)
	if today.Before(start) {
		if _, err := schedule.IntervalMonths(d.IntervalType); err != nil {
			return time.Time{}, err
		}
		return start, nil
	}
	return schedule.ComputeNextDonationDate(today, d.IntervalType)
}

// Advance moves an approved donation past the schedule date that chargedFor settled.
// When the new date runs past the end date the donation is cancelled and exhausted
// is true.
//
// The step starts from the stored next donation date, not the start date, so a day
// lost to clamping stays lost: Jan 31 advances to Feb 29 and then Mar 29.
func Advance(d domain.RecurringDonation, chargedFor time.Time, now time.Time) (updated domain.RecurringDonation, exhausted bool, err error) {
	if d.Status != domain.StatusApproved {
		return d, false, fmt.Errorf("%w: only approved donations advance, donation is %s", domain.ErrInvalidTransition, d.Status)
	}
	if !schedule.DateOf(chargedFor).Equal(schedule.DateOf(d.NextDonationDate)) {
		return d, false, ErrChargeAlreadyApplied
	}

	next, err := schedule.ComputeNextDonationDate(schedule.DateOf(d.NextDonationDate), d.IntervalType)
	if err != nil {
		return d, false, err
	}

	updated = d
	updated.NextDonationDate = next
	updated.UpdatedAt = now
	if schedule.Exhausted(next, d.EndDate) {
		updated.Status = domain.StatusCancelled
		exhausted = true
	}
	return updated, exhausted, nil
}

// RetireIfExhausted cancels an approved donation whose next date already lies past its
// end date. It reports whether the donation changed.
func RetireIfExhausted(d domain.RecurringDonation, now time.Time) (domain.RecurringDonation, bool) {
	if d.Status != domain.StatusApproved || !schedule.Exhausted(d.NextDonationDate, d.EndDate) {
		return d, false
	}
	d.Status = domain.StatusCancelled
	d.UpdatedAt = now
	return d, true
}

// NewRecurringDonation validates a signup and builds the approved donation it creates.
// The first donation date is the start date, or the first cycle on or after today when
// the start date is already in the past.
func NewRecurringDonation(in domain.CreateRecurringDonationInput, now time.Time) (domain.RecurringDonation, error) {
	if in.DonorID == uuid.Nil {
		return domain.RecurringDonation{}, fmt.Errorf("%w: donor is required", domain.ErrValidation)
	}
	if !in.IntervalAmount.IsPositive() {
		return domain.RecurringDonation{}, fmt.Errorf("%w: interval amount must be greater than zero", domain.ErrValidation)
	}
	if in.StartDate.IsZero() {
		return domain.RecurringDonation{}, fmt.Errorf("%w: start date is required", domain.ErrValidation)
	}
	months, err := schedule.IntervalMonths(in.IntervalType)
	if err != nil {
		return domain.RecurringDonation{}, err
	}
	if _, err := in.PaymentMethod.Code(); err != nil {
		return domain.RecurringDonation{}, err
	}

	start := schedule.DateOf(in.StartDate)
	var end *time.Time
	if in.EndDate != nil {
		e := schedule.DateOf(*in.EndDate)
		if e.Before(start) {
			return domain.RecurringDonation{}, fmt.Errorf("%w: end date must not be before start date", domain.ErrValidation)
		}
		end = &e
	}

	// Catch-up steps from start so missed cycles land where the schedule would have put
	// them. Later advances step from the stored date instead, see Advance.
	next := start
	today := schedule.DateOf(now)
	for cycles := 1; next.Before(today); cycles++ {
		next = schedule.AddMonths(start, cycles*months)
	}
	if schedule.Exhausted(next, end) {
		return domain.RecurringDonation{}, fmt.Errorf("%w: schedule ends before the first donation date", domain.ErrValidation)
	}

	return domain.RecurringDonation{
		ID:               uuid.New(),
		DonorID:          in.DonorID,
		StartDate:        start,
		EndDate:          end,
		IntervalAmount:   in.IntervalAmount,
		IntervalType:     in.IntervalType,
		PaymentMethod:    in.PaymentMethod,
		NextDonationDate: next,
		Status:           domain.StatusApproved,
		Version:          1,
		CreatedAt:        now,
		UpdatedAt:        now,
	}, nil
}
