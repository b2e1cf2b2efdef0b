/**
 * @description
 * This file contains the core business logic for the recurring-donation service.
 * The Service orchestrates the repository, the lifecycle rules and the event publisher:
 * it loads a donation, lets the lifecycle manager decide, persists the result with an
 * optimistic version check and announces what changed.
 */
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/donorhub/recurring-donation-service/internal/domain"
	"github.com/donorhub/recurring-donation-service/internal/lifecycle"
	"github.com/donorhub/recurring-donation-service/internal/metrics"
	"github.com/donorhub/recurring-donation-service/internal/schedule"
	"github.com/donorhub/recurring-donation-service/internal/store"
)

const (
	// DefaultEventsExchange is the topic exchange lifecycle events are published on.
	DefaultEventsExchange = "donation_events"

	defaultBatchLimit        = 500
	statusChangeRateScope    = "status_change"
	statusChangeRateWindow   = time.Minute
	defaultStatusChangeLimit = 20
)

// ErrRateLimited is matched by RateLimitError.
var ErrRateLimited = errors.New("too many status change requests")

// RateLimitError carries how long the caller should wait before retrying.
type RateLimitError struct {
	RetryAfterSeconds int
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("%s; retry after %ds", ErrRateLimited, e.RetryAfterSeconds)
}

func (e *RateLimitError) Unwrap() error {
	return ErrRateLimited
}

// EventPublisher defines the interface for publishing events.
type EventPublisher interface {
	Publish(ctx context.Context, exchange, routingKey string, body interface{}) error
}

// StatusChangeLimiter decides whether an actor may request another status change now.
type StatusChangeLimiter interface {
	AllowStatusChange(ctx context.Context, actor domain.Actor) (RateDecision, error)
}

// Service provides the business logic for recurring donation management.
type Service struct {
	repo              store.Repository
	publisher         EventPublisher
	limiter   StatusChangeLimiter
	batchSize int
	exchange  string
	logger    *slog.Logger
	now       func() time.Time
}

// NewService creates a new recurring donation service.
func NewService(repo store.Repository, publisher EventPublisher, exchange string, logger *slog.Logger) *Service {
	if exchange == "" {
		exchange = DefaultEventsExchange
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:      repo,
		publisher: publisher,
		batchSize: defaultBatchLimit,
		exchange:  exchange,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// SetStatusChangeLimiter enables rate limiting of donor status change requests.
func (s *Service) SetStatusChangeLimiter(limiter StatusChangeLimiter) {
	s.limiter = limiter
}

// DueRunResult summarizes a due-notice run.
type DueRunResult struct {
	AsOf      time.Time `json:"as_of"`
	Evaluated int       `json:"evaluated"`
	Published int       `json:"published"`
	Failed    int       `json:"failed"`
}

// RetireRunResult summarizes an exhausted-schedule run.
type RetireRunResult struct {
	Evaluated int `json:"evaluated"`
	Retired   int `json:"retired"`
	Conflicts int `json:"conflicts"`
	Failed    int `json:"failed"`
}

// ResolveActor builds the actor for an authenticated subject. Admins act as themselves;
// donors are resolved to their internal donor id.
func (s *Service) ResolveActor(ctx context.Context, subject string, admin bool) (domain.Actor, error) {
	if subject == "" {
		return domain.Actor{}, errors.New("subject cannot be empty")
	}
	if admin {
		return domain.Actor{Kind: domain.ActorAdmin, Subject: subject}, nil
	}

	donorID, err := s.repo.FindDonorIDByAuthUserID(ctx, subject)
	if err != nil {
		return domain.Actor{}, err
	}
	return domain.Actor{Kind: domain.ActorDonor, DonorID: donorID, Subject: subject}, nil
}

// CreateRecurringDonation records a new recurring donation signup. Donors always sign up
// for themselves; admins must name the donor.
func (s *Service) CreateRecurringDonation(ctx context.Context, actor domain.Actor, in domain.CreateRecurringDonationInput) (*domain.RecurringDonation, error) {
	if !actor.IsAdmin() {
		if in.DonorID != uuid.Nil && in.DonorID != actor.DonorID {
			return nil, domain.ErrUnauthorized
		}
		in.DonorID = actor.DonorID
	}

	d, err := lifecycle.NewRecurringDonation(in, s.now())
	if err != nil {
		return nil, err
	}
	if err := s.repo.CreateRecurringDonation(ctx, &d); err != nil {
		return nil, fmt.Errorf("create recurring donation: %w", err)
	}

	s.logger.Info("recurring donation created",
		"recurring_donation_id", d.ID,
		"donor_id", d.DonorID,
		"interval_type", d.IntervalType,
		"next_donation_date", d.NextDonationDate.Format(time.DateOnly),
	)
	return &d, nil
}

// GetRecurringDonation returns the dashboard view of a single donation.
func (s *Service) GetRecurringDonation(ctx context.Context, actor domain.Actor, id uuid.UUID) (*domain.RecurringDonationView, error) {
	d, err := s.repo.GetRecurringDonation(ctx, id)
	if err != nil {
		return nil, err
	}
	if !actor.CanAccess(*d) {
		return nil, domain.ErrUnauthorized
	}

	view := s.buildView(*d, s.referenceLabels(ctx))
	return &view, nil
}

// ListRecurringDonations lists donations visible to the actor. Donors only ever see
// their own; admins may filter by donor and status.
func (s *Service) ListRecurringDonations(ctx context.Context, actor domain.Actor, filter domain.ListFilter) ([]domain.RecurringDonationView, error) {
	if !actor.IsAdmin() {
		filter.DonorID = actor.DonorID
	}

	donations, err := s.repo.ListRecurringDonations(ctx, filter)
	if err != nil {
		return nil, err
	}

	labels := s.referenceLabels(ctx)
	views := make([]domain.RecurringDonationView, 0, len(donations))
	for _, d := range donations {
		views = append(views, s.buildView(d, labels))
	}
	return views, nil
}

// ChangeStatus applies a requested status transition as one read-modify-write. A save
// that finds the row changed since it was read fails with ErrConcurrentModification;
// the caller re-reads and retries if it still wants the change.
func (s *Service) ChangeStatus(ctx context.Context, actor domain.Actor, id uuid.UUID, requested domain.DonationStatus) (*domain.RecurringDonation, error) {
	if err := s.checkStatusChangeRate(ctx, actor); err != nil {
		return nil, err
	}

	current, err := s.repo.GetRecurringDonation(ctx, id)
	if err != nil {
		return nil, err
	}

	updated, err := lifecycle.RequestStatusChange(*current, requested, actor, s.now())
	if err != nil {
		metrics.RejectedStatusChanges.WithLabelValues(rejectionReason(err)).Inc()
		s.logger.Warn("status change rejected",
			"recurring_donation_id", id,
			"from_status", current.Status,
			"to_status", requested,
			"actor_kind", actor.Kind,
			"error", err,
		)
		return nil, err
	}

	saved, err := s.repo.SaveRecurringDonation(ctx, &updated, current.Version)
	if err != nil {
		if errors.Is(err, domain.ErrConcurrentModification) {
			metrics.RejectedStatusChanges.WithLabelValues("concurrent_modification").Inc()
		}
		return nil, err
	}

	metrics.StatusTransitions.WithLabelValues(string(current.Status), string(saved.Status), string(actor.Kind)).Inc()
	s.logger.Info("recurring donation status changed",
		"recurring_donation_id", saved.ID,
		"from_status", current.Status,
		"to_status", saved.Status,
		"actor_kind", actor.Kind,
		"next_donation_date", saved.NextDonationDate.Format(time.DateOnly),
	)

	s.publishEvent(ctx, domain.EventStatusChanged, domain.StatusChangedEvent{
		RecurringDonationID: saved.ID,
		DonorID:             saved.DonorID,
		FromStatus:          current.Status,
		ToStatus:            saved.Status,
		ActorKind:           actor.Kind,
		ActorSubject:        actor.Subject,
		NextDonationDate:    saved.NextDonationDate,
		Timestamp:           saved.UpdatedAt,
	})
	return saved, nil
}

// AdvanceAfterCharge moves the schedule of a donation forward once the charge for
// chargedFor has succeeded. A schedule that runs past its end date is cancelled.
func (s *Service) AdvanceAfterCharge(ctx context.Context, id uuid.UUID, chargedFor time.Time) (*domain.RecurringDonation, error) {
	current, err := s.repo.GetRecurringDonation(ctx, id)
	if err != nil {
		return nil, err
	}

	updated, exhausted, err := lifecycle.Advance(*current, chargedFor, s.now())
	if err != nil {
		return nil, err
	}

	saved, err := s.repo.SaveRecurringDonation(ctx, &updated, current.Version)
	if err != nil {
		return nil, err
	}

	metrics.ScheduleAdvances.Inc()
	s.logger.Info("recurring donation advanced",
		"recurring_donation_id", saved.ID,
		"charged_for", schedule.DateOf(chargedFor).Format(time.DateOnly),
		"next_donation_date", saved.NextDonationDate.Format(time.DateOnly),
		"exhausted", exhausted,
	)

	s.publishEvent(ctx, domain.EventAdvanced, scheduleEvent(*saved, current.NextDonationDate, saved.UpdatedAt))
	if exhausted {
		s.announceExhausted(ctx, *current, *saved)
	}
	return saved, nil
}

// PublishDueDonations publishes a due notice for every approved donation whose next
// donation date is on or before asOf. Notices repeat on every run until the charge
// succeeds and the schedule advances.
func (s *Service) PublishDueDonations(ctx context.Context, asOf time.Time) (*DueRunResult, error) {
	asOf = schedule.DateOf(asOf)
	result := &DueRunResult{AsOf: asOf}
	now := s.now()

	var after *store.Cursor
	for {
		donations, err := s.repo.ListDueRecurringDonations(ctx, asOf, after, s.batchSize)
		if err != nil {
			return nil, err
		}

		result.Evaluated += len(donations)
		for _, d := range donations {
			event := scheduleEvent(d, d.NextDonationDate, now)
			if err := s.publish(ctx, domain.EventDue, event); err != nil {
				result.Failed++
				s.logger.Error("failed to publish due notice", "recurring_donation_id", d.ID, "error", err)
				continue
			}
			result.Published++
			metrics.DueNoticesPublished.Inc()
		}

		if len(donations) < s.batchSize {
			break
		}
		last := donations[len(donations)-1]
		after = &store.Cursor{Date: last.NextDonationDate, ID: last.ID}
	}

	s.logger.Info("due notice run finished",
		"as_of", asOf.Format(time.DateOnly),
		"evaluated", result.Evaluated,
		"published", result.Published,
		"failed", result.Failed,
	)
	return result, nil
}

// RetireExhaustedDonations cancels approved donations whose next date already lies past
// their end date. Rows that change concurrently are skipped and picked up next run.
func (s *Service) RetireExhaustedDonations(ctx context.Context) (*RetireRunResult, error) {
	result := &RetireRunResult{}

	var after *store.Cursor
	for {
		donations, err := s.repo.ListExhaustedRecurringDonations(ctx, after, s.batchSize)
		if err != nil {
			return nil, err
		}

		result.Evaluated += len(donations)
		for _, d := range donations {
			s.retire(ctx, d, result)
		}

		last := len(donations) - 1
		if last < 0 || len(donations) < s.batchSize || donations[last].EndDate == nil {
			break
		}
		after = &store.Cursor{Date: *donations[last].EndDate, ID: donations[last].ID}
	}

	s.logger.Info("exhausted schedule run finished",
		"evaluated", result.Evaluated,
		"retired", result.Retired,
		"conflicts", result.Conflicts,
		"failed", result.Failed,
	)
	return result, nil
}

func (s *Service) retire(ctx context.Context, d domain.RecurringDonation, result *RetireRunResult) {
	retired, changed := lifecycle.RetireIfExhausted(d, s.now())
	if !changed {
		return
	}

	saved, err := s.repo.SaveRecurringDonation(ctx, &retired, d.Version)
	if err != nil {
		if errors.Is(err, domain.ErrConcurrentModification) {
			result.Conflicts++
			return
		}
		result.Failed++
		s.logger.Error("failed to retire exhausted donation", "recurring_donation_id", d.ID, "error", err)
		return
	}

	result.Retired++
	s.announceExhausted(ctx, d, *saved)
}

// DisplayInterval exposes the dashboard interval label for arbitrary dates.
func (s *Service) DisplayInterval(start, end *time.Time) string {
	return schedule.DeriveDisplayInterval(start, end)
}

func (s *Service) announceExhausted(ctx context.Context, before, after domain.RecurringDonation) {
	metrics.ExhaustedSchedules.Inc()
	metrics.StatusTransitions.WithLabelValues(string(before.Status), string(after.Status), "schedule").Inc()
	s.publishEvent(ctx, domain.EventExhausted, scheduleEvent(after, before.NextDonationDate, after.UpdatedAt))
}

func (s *Service) checkStatusChangeRate(ctx context.Context, actor domain.Actor) error {
	if s.limiter == nil || actor.IsAdmin() {
		return nil
	}
	decision, err := s.limiter.AllowStatusChange(ctx, actor)
	if err != nil {
		// An unavailable Redis must not block donors.
		s.logger.Warn("status change rate limiter unavailable", "error", err)
		return nil
	}
	if !decision.Allowed {
		s.logger.Info("status change rate limited", "donor_id", actor.DonorID, "retry_after", decision.RetryAfter)
		return &RateLimitError{RetryAfterSeconds: retryAfterSeconds(decision.RetryAfter)}
	}
	return nil
}

func (s *Service) referenceLabels(ctx context.Context) map[int]string {
	labels, err := s.repo.ReferenceLabels(ctx)
	if err != nil {
		s.logger.Warn("failed to load reference labels", "error", err)
		return nil
	}
	return labels
}

func (s *Service) buildView(d domain.RecurringDonation, labels map[int]string) domain.RecurringDonationView {
	start := d.StartDate
	view := domain.RecurringDonationView{
		RecurringDonation: d,
		DisplayInterval:   schedule.DeriveDisplayInterval(&start, d.EndDate),
	}
	if code, err := d.Status.Code(); err == nil {
		view.StatusLabel = labels[code]
	}
	if code, err := d.IntervalType.Code(); err == nil {
		view.IntervalTypeLabel = labels[code]
	}
	if code, err := d.PaymentMethod.Code(); err == nil {
		view.PaymentMethodLabel = labels[code]
	}
	return view
}

func (s *Service) publish(ctx context.Context, routingKey string, body interface{}) error {
	if s.publisher == nil {
		return errors.New("event publisher is not configured")
	}
	return s.publisher.Publish(ctx, s.exchange, routingKey, body)
}

// publishEvent is used for notifications about changes that are already persisted, so a
// failure is logged rather than returned.
func (s *Service) publishEvent(ctx context.Context, routingKey string, body interface{}) {
	if err := s.publish(ctx, routingKey, body); err != nil {
		s.logger.Warn("failed to publish event", "routing_key", routingKey, "error", err)
	}
}

func scheduleEvent(d domain.RecurringDonation, dueDate time.Time, at time.Time) domain.ScheduleEvent {
	return domain.ScheduleEvent{
		RecurringDonationID: d.ID,
		DonorID:             d.DonorID,
		Amount:              d.IntervalAmount,
		PaymentMethod:       d.PaymentMethod,
		IntervalType:        d.IntervalType,
		DueDate:             dueDate,
		NextDonationDate:    d.NextDonationDate,
		Status:              d.Status,
		Timestamp:           at,
	}
}

func rejectionReason(err error) string {
	switch {
	case errors.Is(err, domain.ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, domain.ErrInvalidTransition):
		return "invalid_transition"
	case errors.Is(err, domain.ErrUnsupportedInterval):
		return "unsupported_interval"
	default:
		return "other"
	}
}
