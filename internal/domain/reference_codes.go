/**
 * @description
 * Closed enums for the categorical columns of a recurring donation and the single
 * mapping table between those enums and the numeric reference-data codes stored in
 * the database. Nothing outside this file should spell out a numeric code.
 */
package domain

import (
	"fmt"
	"strings"
)

// DonationStatus is the lifecycle state of a recurring donation.
type DonationStatus string

const (
	StatusApproved  DonationStatus = "approved"
	StatusStopped   DonationStatus = "stopped"
	StatusCancelled DonationStatus = "cancelled"
)

// IntervalType is the cadence of a recurring donation.
type IntervalType string

const (
	IntervalMonthly   IntervalType = "monthly"
	IntervalQuarterly IntervalType = "quarterly"
	IntervalYearly    IntervalType = "yearly"
)

// PaymentMethod is the instrument a recurring donation is charged against.
type PaymentMethod string

const (
	PaymentMethodCard         PaymentMethod = "card"
	PaymentMethodBankTransfer PaymentMethod = "bank_transfer"
)

// Reference-data categories, as stored in reference_data.category.
const (
	CategoryDonationStatus = "donation_status"
	CategoryPaymentMethod  = "payment_method"
	CategoryIntervalType   = "interval_type"
)

var statusCodes = map[DonationStatus]int{
	StatusApproved:  4,
	StatusStopped:   5,
	StatusCancelled: 6,
}

var paymentMethodCodes = map[PaymentMethod]int{
	PaymentMethodCard:         31,
	PaymentMethodBankTransfer: 32,
}

var intervalTypeCodes = map[IntervalType]int{
	IntervalMonthly:   41,
	IntervalQuarterly: 42,
	IntervalYearly:    43,
}

// ParseDonationStatus normalizes and validates a status name.
func ParseDonationStatus(raw string) (DonationStatus, error) {
	s := DonationStatus(strings.ToLower(strings.TrimSpace(raw)))
	if _, ok := statusCodes[s]; !ok {
		return "", fmt.Errorf("%w: unknown status %q", ErrValidation, raw)
	}
	return s, nil
}

// ParseIntervalType normalizes and validates an interval type name.
func ParseIntervalType(raw string) (IntervalType, error) {
	it := IntervalType(strings.ToLower(strings.TrimSpace(raw)))
	if _, ok := intervalTypeCodes[it]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnsupportedInterval, raw)
	}
	return it, nil
}

// ParsePaymentMethod normalizes and validates a payment method name.
func ParsePaymentMethod(raw string) (PaymentMethod, error) {
	pm := PaymentMethod(strings.ToLower(strings.TrimSpace(raw)))
	if _, ok := paymentMethodCodes[pm]; !ok {
		return "", fmt.Errorf("%w: unknown payment method %q", ErrValidation, raw)
	}
	return pm, nil
}

// Code returns the reference-data code of the status.
func (s DonationStatus) Code() (int, error) {
	code, ok := statusCodes[s]
	if !ok {
		return 0, fmt.Errorf("%w: unknown status %q", ErrValidation, string(s))
	}
	return code, nil
}

// Code returns the reference-data code of the interval type.
func (it IntervalType) Code() (int, error) {
	code, ok := intervalTypeCodes[it]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnsupportedInterval, string(it))
	}
	return code, nil
}

// Code returns the reference-data code of the payment method.
func (pm PaymentMethod) Code() (int, error) {
	code, ok := paymentMethodCodes[pm]
	if !ok {
		return 0, fmt.Errorf("%w: unknown payment method %q", ErrValidation, string(pm))
	}
	return code, nil
}

// DonationStatusFromCode maps a stored code back to its status.
func DonationStatusFromCode(code int) (DonationStatus, error) {
	for s, c := range statusCodes {
		if c == code {
			return s, nil
		}
	}
	return "", fmt.Errorf("unknown donation status code %d", code)
}

// IntervalTypeFromCode maps a stored code back to its interval type.
func IntervalTypeFromCode(code int) (IntervalType, error) {
	for it, c := range intervalTypeCodes {
		if c == code {
			return it, nil
		}
	}
	return "", fmt.Errorf("%w: code %d", ErrUnsupportedInterval, code)
}

// PaymentMethodFromCode maps a stored code back to its payment method.
func PaymentMethodFromCode(code int) (PaymentMethod, error) {
	for pm, c := range paymentMethodCodes {
		if c == code {
			return pm, nil
		}
	}
	return "", fmt.Errorf("unknown payment method code %d", code)
}

// ReferenceEntry is one row of the reference_data table.
type ReferenceEntry struct {
	Code     int
	Category string
	Value    string
}

// ReferenceEntries lists every code this service knows about, used to seed reference_data.
func ReferenceEntries() []ReferenceEntry {
	entries := make([]ReferenceEntry, 0, len(statusCodes)+len(paymentMethodCodes)+len(intervalTypeCodes))
	for s, code := range statusCodes {
		entries = append(entries, ReferenceEntry{Code: code, Category: CategoryDonationStatus, Value: string(s)})
	}
	for pm, code := range paymentMethodCodes {
		entries = append(entries, ReferenceEntry{Code: code, Category: CategoryPaymentMethod, Value: string(pm)})
	}
	for it, code := range intervalTypeCodes {
		entries = append(entries, ReferenceEntry{Code: code, Category: CategoryIntervalType, Value: string(it)})
	}
	return entries
}
