/**
 * @description
 * Scheduled job implementations for the scheduler-service. The jobs never touch the
 * database directly; they trigger the recurring-donation service's internal endpoints.
 */
package jobs

import (
	"context"
	"log/slog"
	"time"

	"github.com/donorhub/recurring-donation-service/pkg/donationclient"
)

const jobTimeout = 2 * time.Minute

// DonationClient defines the interface for communicating with the donation service.
type DonationClient interface {
	RunDueDonations(ctx context.Context, asOf time.Time) (*donationclient.DueRunSummary, error)
	RetireExhaustedDonations(ctx context.Context) (*donationclient.RetireRunSummary, error)
}

// Jobs contains the logic for all scheduled tasks.
type Jobs struct {
	client DonationClient
	logger *slog.Logger
	now    func() time.Time
}

// NewJobs creates a new Jobs runner.
func NewJobs(client DonationClient, logger *slog.Logger) *Jobs {
	return &Jobs{
		client: client,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// PublishDueDonations announces every donation due today or earlier.
func (j *Jobs) PublishDueDonations() {
	asOf := j.now()
	j.logger.Info("starting due donations job", "as_of", asOf.Format(time.DateOnly))

	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()

	summary, err := j.client.RunDueDonations(ctx, asOf)
	if err != nil {
		j.logger.Error("failed to publish due donations", "error", err)
		return
	}
	if summary.Failed > 0 {
		j.logger.Warn("some due notices were not published", "failed", summary.Failed)
	}

	j.logger.Info("due donations job finished",
		"evaluated", summary.Evaluated,
		"published", summary.Published,
		"failed", summary.Failed,
	)
}

// RetireExhaustedDonations cancels donations whose schedule ran past the end date.
func (j *Jobs) RetireExhaustedDonations() {
	j.logger.Info("starting exhausted donations job")

	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()

	summary, err := j.client.RetireExhaustedDonations(ctx)
	if err != nil {
		j.logger.Error("failed to retire exhausted donations", "error", err)
		return
	}

	j.logger.Info("exhausted donations job finished",
		"evaluated", summary.Evaluated,
		"retired", summary.Retired,
		"conflicts", summary.Conflicts,
		"failed", summary.Failed,
	)
}
