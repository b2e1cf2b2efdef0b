/**
 * @description
 * This file provides the PostgreSQL implementation of the `Repository` interface.
 * Categorical columns are stored as reference_data codes and translated to the domain
 * enums at the edge of this package. Status updates use an optimistic version check so
 * two concurrent writers cannot silently overwrite each other.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5: The PostgreSQL driver for database operations.
 * - github.com/shopspring/decimal: Exact NUMERIC handling for donation amounts.
 * - internal/domain: Contains the domain models and reference code mapping.
 */

package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/donorhub/recurring-donation-service/internal/domain"
)

//go:embed schema.sql
var schemaSQL string

const defaultListLimit = 100

const (
	foreignKeyViolation = "23503"
	donorForeignKey     = "recurring_donations_donor_id_fkey"
)

const recurringDonationColumns = `
	id, donor_id, start_date, end_date, interval_amount::text,
	interval_type_id, payment_method_id, next_donation_date, status_id,
	version, created_at, updated_at`

// PostgresRepository is a concrete implementation of the Repository interface for PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new instance of PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// EnsureSchema creates the tables if they are missing and seeds the reference codes.
// Existing reference labels are left untouched so they can be edited in place.
func (r *PostgresRepository) EnsureSchema(ctx context.Context) error {
	if _, err := r.db.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}

	batch := &pgx.Batch{}
	for _, entry := range domain.ReferenceEntries() {
		batch.Queue(
			`INSERT INTO reference_data (id, category, value, label) VALUES ($1, $2, $3, $4) ON CONFLICT (id) DO NOTHING`,
			entry.Code, entry.Category, entry.Value, defaultLabel(entry.Value),
		)
	}
	if err := r.db.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("seed reference data: %w", err)
	}
	return nil
}

// FindDonorIDByAuthUserID resolves the internal donor UUID from the token subject.
func (r *PostgresRepository) FindDonorIDByAuthUserID(ctx context.Context, authUserID string) (uuid.UUID, error) {
	var id uuid.UUID
	err := r.db.QueryRow(ctx, "SELECT id FROM donors WHERE auth_user_id = $1", authUserID).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return uuid.Nil, domain.ErrDonorNotFound
		}
		return uuid.Nil, err
	}
	return id, nil
}

// CreateRecurringDonation inserts a new recurring donation row.
func (r *PostgresRepository) CreateRecurringDonation(ctx context.Context, d *domain.RecurringDonation) error {
	codes, err := encodeCodes(d)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO recurring_donations (
			id, donor_id, start_date, end_date, interval_amount,
			interval_type_id, payment_method_id, next_donation_date, status_id,
			version, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5::numeric, $6, $7, $8, $9, $10, $11, $12)
	`
	_, err = r.db.Exec(ctx, query,
		d.ID,
		d.DonorID,
		d.StartDate,
		d.EndDate,
		d.IntervalAmount.String(),
		codes.intervalType,
		codes.paymentMethod,
		d.NextDonationDate,
		codes.status,
		d.Version,
		d.CreatedAt,
		d.UpdatedAt,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == foreignKeyViolation && pgErr.ConstraintName == donorForeignKey {
		return domain.ErrDonorNotFound
	}
	return err
}

// GetRecurringDonation retrieves a recurring donation by id.
func (r *PostgresRepository) GetRecurringDonation(ctx context.Context, id uuid.UUID) (*domain.RecurringDonation, error) {
	query := `SELECT ` + recurringDonationColumns + ` FROM recurring_donations WHERE id = $1`
	d, err := scanRecurringDonation(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	return d, nil
}

// SaveRecurringDonation writes status, next donation date and updated_at in a single
// conditional UPDATE guarded by the version that was read.
func (r *PostgresRepository) SaveRecurringDonation(ctx context.Context, d *domain.RecurringDonation, expectedVersion int64) (*domain.RecurringDonation, error) {
	statusCode, err := d.Status.Code()
	if err != nil {
		return nil, err
	}

	query := `
		UPDATE recurring_donations
		SET status_id = $1,
		    next_donation_date = $2,
		    updated_at = $3,
		    version = version + 1
		WHERE id = $4 AND version = $5
		RETURNING version
	`
	var newVersion int64
	err = r.db.QueryRow(ctx, query, statusCode, d.NextDonationDate, d.UpdatedAt, d.ID, expectedVersion).Scan(&newVersion)
	if err != nil {
		if !errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		var exists bool
		if existsErr := r.db.QueryRow(ctx, "SELECT EXISTS (SELECT 1 FROM recurring_donations WHERE id = $1)", d.ID).Scan(&exists); existsErr != nil {
			return nil, existsErr
		}
		if !exists {
			return nil, domain.ErrNotFound
		}
		return nil, domain.ErrConcurrentModification
	}

	saved := *d
	saved.Version = newVersion
	return &saved, nil
}

// ListRecurringDonations returns donations matching the filter, newest first.
func (r *PostgresRepository) ListRecurringDonations(ctx context.Context, filter domain.ListFilter) ([]domain.RecurringDonation, error) {
	var (
		conditions []string
		args       []interface{}
	)
	if filter.DonorID != uuid.Nil {
		args = append(args, filter.DonorID)
		conditions = append(conditions, fmt.Sprintf("donor_id = $%d", len(args)))
	}
	if filter.Status != "" {
		code, err := filter.Status.Code()
		if err != nil {
			return nil, err
		}
		args = append(args, code)
		conditions = append(conditions, fmt.Sprintf("status_id = $%d", len(args)))
	}

	query := `SELECT ` + recurringDonationColumns + ` FROM recurring_donations`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	args = append(args, normalizeLimit(filter.Limit))
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d", len(args))

	return r.queryRecurringDonations(ctx, query, args...)
}

// ListDueRecurringDonations finds approved donations whose next donation date is on or before asOf.
func (r *PostgresRepository) ListDueRecurringDonations(ctx context.Context, asOf time.Time, after *Cursor, limit int) ([]domain.RecurringDonation, error) {
	approved, err := domain.StatusApproved.Code()
	if err != nil {
		return nil, err
	}
	args := []interface{}{approved, asOf}
	query := `SELECT ` + recurringDonationColumns + `
		FROM recurring_donations
		WHERE status_id = $1
		  AND next_donation_date <= $2
		  AND (end_date IS NULL OR next_donation_date <= end_date)`
	if after != nil {
		args = append(args, after.Date, after.ID)
		query += ` AND (next_donation_date, id) > ($3::date, $4::uuid)`
	}
	args = append(args, normalizeLimit(limit))
	query += fmt.Sprintf(" ORDER BY next_donation_date ASC, id ASC LIMIT $%d", len(args))
	return r.queryRecurringDonations(ctx, query, args...)
}

// ListExhaustedRecurringDonations finds approved donations whose next date lies past their end date.
func (r *PostgresRepository) ListExhaustedRecurringDonations(ctx context.Context, after *Cursor, limit int) ([]domain.RecurringDonation, error) {
	approved, err := domain.StatusApproved.Code()
	if err != nil {
		return nil, err
	}
	args := []interface{}{approved}
	query := `SELECT ` + recurringDonationColumns + `
		FROM recurring_donations
		WHERE status_id = $1
		  AND end_date IS NOT NULL
		  AND next_donation_date > end_date`
	if after != nil {
		args = append(args, after.Date, after.ID)
		query += ` AND (end_date, id) > ($2::date, $3::uuid)`
	}
	args = append(args, normalizeLimit(limit))
	query += fmt.Sprintf(" ORDER BY end_date ASC, id ASC LIMIT $%d", len(args))
	return r.queryRecurringDonations(ctx, query, args...)
}

// ReferenceLabels returns the display label of every reference code.
func (r *PostgresRepository) ReferenceLabels(ctx context.Context) (map[int]string, error) {
	rows, err := r.db.Query(ctx, "SELECT id, label FROM reference_data")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	labels := make(map[int]string)
	for rows.Next() {
		var (
			id    int
			label string
		)
		if err := rows.Scan(&id, &label); err != nil {
			return nil, err
		}
		labels[id] = label
	}
	return labels, rows.Err()
}

func (r *PostgresRepository) queryRecurringDonations(ctx context.Context, query string, args ...interface{}) ([]domain.RecurringDonation, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var donations []domain.RecurringDonation
	for rows.Next() {
		d, err := scanRecurringDonation(rows)
		if err != nil {
			return nil, err
		}
		donations = append(donations, *d)
	}
	return donations, rows.Err()
}

// rowScanner is satisfied by pgx.Row and pgx.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRecurringDonation(row rowScanner) (*domain.RecurringDonation, error) {
	var (
		d                 domain.RecurringDonation
		amount            string
		intervalTypeCode  int
		paymentMethodCode int
		statusCode        int
	)
	err := row.Scan(
		&d.ID,
		&d.DonorID,
		&d.StartDate,
		&d.EndDate,
		&amount,
		&intervalTypeCode,
		&paymentMethodCode,
		&d.NextDonationDate,
		&statusCode,
		&d.Version,
		&d.CreatedAt,
		&d.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if d.IntervalAmount, err = decimal.NewFromString(amount); err != nil {
		return nil, fmt.Errorf("decode interval amount %q: %w", amount, err)
	}
	if d.IntervalType, err = domain.IntervalTypeFromCode(intervalTypeCode); err != nil {
		return nil, err
	}
	if d.PaymentMethod, err = domain.PaymentMethodFromCode(paymentMethodCode); err != nil {
		return nil, err
	}
	if d.Status, err = domain.DonationStatusFromCode(statusCode); err != nil {
		return nil, err
	}
	return &d, nil
}

type donationCodes struct {
	status        int
	intervalType  int
	paymentMethod int
}

func encodeCodes(d *domain.RecurringDonation) (donationCodes, error) {
	var (
		codes donationCodes
		err   error
	)
	if codes.status, err = d.Status.Code(); err != nil {
		return codes, err
	}
	if codes.intervalType, err = d.IntervalType.Code(); err != nil {
		return codes, err
	}
	if codes.paymentMethod, err = d.PaymentMethod.Code(); err != nil {
		return codes, err
	}
	return codes, nil
}

func normalizeLimit(limit int) int {
	if limit <= 0 || limit > 500 {
		return defaultListLimit
	}
	return limit
}

// defaultLabel turns "bank_transfer" into "Bank transfer".
func defaultLabel(value string) string {
	label := strings.ReplaceAll(value, "_", " ")
	if label == "" {
		return label
	}
	return strings.ToUpper(label[:1]) + label[1:]
}
