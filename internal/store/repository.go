/**
 * @description
 * This file defines the `Repository` interface, the contract for all data access the
 * recurring-donation service needs. The application layer depends on this interface
 * only, so the Postgres implementation can be swapped for stubs in tests.
 *
 * @dependencies
 * - context, time: Standard Go libraries.
 * - github.com/google/uuid: For donation and donor identifiers.
 * - internal/domain: For the service's domain models.
 */

package store

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/donorhub/recurring-donation-service/internal/domain"
)

// Cursor marks the last row of a page in a keyset scan.
type Cursor struct {
	Date time.Time
	ID   uuid.UUID
}

// Repository defines the set of methods for interacting with the database.
type Repository interface {
	// Donor resolution
	// Resolve the internal donor UUID from the auth provider's user id (token subject).
	FindDonorIDByAuthUserID(ctx context.Context, authUserID string) (uuid.UUID, error)

	// Recurring donation methods
	CreateRecurringDonation(ctx context.Context, d *domain.RecurringDonation) error
	// GetRecurringDonation returns domain.ErrNotFound for unknown ids.
	GetRecurringDonation(ctx context.Context, id uuid.UUID) (*domain.RecurringDonation, error)
	// SaveRecurringDonation persists the mutable fields only if the stored version still
	// equals expectedVersion, otherwise it returns domain.ErrConcurrentModification.
	SaveRecurringDonation(ctx context.Context, d *domain.RecurringDonation, expectedVersion int64) (*domain.RecurringDonation, error)
	ListRecurringDonations(ctx context.Context, filter domain.ListFilter) ([]domain.RecurringDonation, error)
	// ListDueRecurringDonations pages by (next_donation_date, id); pass the last row of
	// the previous page as after, or nil for the first page.
	ListDueRecurringDonations(ctx context.Context, asOf time.Time, after *Cursor, limit int) ([]domain.RecurringDonation, error)
	// ListExhaustedRecurringDonations pages by (end_date, id).
	ListExhaustedRecurringDonations(ctx context.Context, after *Cursor, limit int) ([]domain.RecurringDonation, error)

	// Reference data
	ReferenceLabels(ctx context.Context) (map[int]string, error)
}
