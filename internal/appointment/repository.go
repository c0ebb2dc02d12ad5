package appointment

import (
	"context"
	"errors"
	"time"
)

var (
	ErrInvalidInsuredID    = errors.New("insuredId must be exactly 5 digits")
	ErrInvalidScheduleID   = errors.New("scheduleId must be a positive integer")
	ErrInvalidCountry      = errors.New("countryISO must be one of PE, CL")
	ErrCountryMismatch     = errors.New("message country does not match worker country")
	ErrSlotTaken           = errors.New("schedule slot is already taken")
	ErrAppointmentNotFound = errors.New("appointment not found")
)

// TrackingRepository is the fast key-value store holding the live status of
// every appointment. It is the single writer of tracking records.
type TrackingRepository interface {
	// ClaimSlot atomically reserves (scheduleID, country) for appointmentID.
	// Returns ErrSlotTaken if another non-failed appointment holds the slot.
	ClaimSlot(ctx context.Context, scheduleID int64, country CountryISO, appointmentID string) error
	// ReleaseSlot frees a claim, but only if appointmentID still holds it.
	ReleaseSlot(ctx context.Context, scheduleID int64, country CountryISO, appointmentID string) error

	Save(ctx context.Context, appt Appointment) error
	FindByID(ctx context.Context, id string) (*Appointment, error)
	FindByInsuredID(ctx context.Context, insuredID string) ([]Appointment, error)
	// FindByScheduleID returns the pending or completed appointment occupying
	// the slot, or ErrAppointmentNotFound when the slot is free.
	FindByScheduleID(ctx context.Context, scheduleID int64, country CountryISO) (*Appointment, error)
	// UpdateStatus sets status and updated-at. A missing id is reported as
	// ErrAppointmentNotFound instead of creating a phantom record; a record
	// already in a terminal status is left untouched and the call is a
	// no-op, so replayed confirmations are harmless.
	UpdateStatus(ctx context.Context, id string, status Status, updatedAt time.Time) error

	// FindStalePending returns pending appointments created before cutoff.
	FindStalePending(ctx context.Context, cutoff time.Time) ([]Appointment, error)
}

// DurableRepository is the permanent relational record-of-truth for one
// country. Save must be replay-safe: inserting the same appointment id
// twice is a no-op, not an error.
type DurableRepository interface {
	Save(ctx context.Context, appt Appointment) error
	FindByID(ctx context.Context, id string) (*Appointment, error)
	FindByInsuredID(ctx context.Context, insuredID string) ([]Appointment, error)
	UpdateStatus(ctx context.Context, id string, status Status, updatedAt time.Time) error
}

// StoreFactory hands out the two store kinds. The variants are fixed at
// construction time; nothing inspects types at runtime.
type StoreFactory interface {
	Tracking() TrackingRepository
	Durable(country CountryISO) (DurableRepository, error)
}
