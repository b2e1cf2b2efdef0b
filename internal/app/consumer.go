package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/donorhub/recurring-donation-service/internal/domain"
	"github.com/donorhub/recurring-donation-service/internal/lifecycle"
)

// ScheduleAdvancer is the part of Service the charge consumer needs.
type ScheduleAdvancer interface {
	AdvanceAfterCharge(ctx context.Context, id uuid.UUID, chargedFor time.Time) (*domain.RecurringDonation, error)
}

// ChargeResultConsumer advances schedules when the payment collaborator reports a
// successful charge.
type ChargeResultConsumer struct {
	advancer ScheduleAdvancer
	logger   *slog.Logger
}

func NewChargeResultConsumer(advancer ScheduleAdvancer, logger *slog.Logger) *ChargeResultConsumer {
	if logger == nil {
		logger = slog.Default()
	}
	return &ChargeResultConsumer{advancer: advancer, logger: logger}
}

// HandleMessage returns false only when redelivery could succeed.
func (c *ChargeResultConsumer) HandleMessage(body []byte) bool {
	var event domain.ChargeSucceededEvent
	if err := json.Unmarshal(body, &event); err != nil {
		c.logger.Error("charge-consumer: failed to unmarshal payload", "error", err)
		return true
	}

	if event.RecurringDonationID == uuid.Nil || event.ChargedFor.IsZero() {
		c.logger.Warn("charge-consumer: incomplete charge event", "recurring_donation_id", event.RecurringDonationID, "payment_reference", event.PaymentReference)
		return true
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := c.processEvent(ctx, event); err != nil {
		c.logger.Error("charge-consumer: processing error",
			"recurring_donation_id", event.RecurringDonationID,
			"payment_reference", event.PaymentReference,
			"error", err,
		)
		return false
	}
	return true
}

func (c *ChargeResultConsumer) processEvent(ctx context.Context, event domain.ChargeSucceededEvent) error {
	_, err := c.advancer.AdvanceAfterCharge(ctx, event.RecurringDonationID, event.ChargedFor)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, lifecycle.ErrChargeAlreadyApplied):
		c.logger.Info("charge-consumer: charge already applied; acknowledging",
			"recurring_donation_id", event.RecurringDonationID,
			"charged_for", event.ChargedFor.Format(time.DateOnly),
		)
		return nil
	case errors.Is(err, domain.ErrNotFound), errors.Is(err, domain.ErrInvalidTransition):
		c.logger.Warn("charge-consumer: charge cannot advance schedule; acknowledging",
			"recurring_donation_id", event.RecurringDonationID,
			"error", err,
		)
		return nil
	default:
		return fmt.Errorf("advance schedule: %w", err)
	}
}
