package appointment

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
)

// FanoutPublisher broadcasts creation messages to the per-country channel.
type FanoutPublisher interface {
	PublishCreated(ctx context.Context, msg FanoutMessage) error
}

// ConfirmationPublisher announces successful durable writes.
type ConfirmationPublisher interface {
	PublishProcessed(ctx context.Context, ev ConfirmationEvent) error
}

// Service orchestrates the appointment saga across the tracking store, the
// per-country durable stores and the two buses. Each operation runs its
// steps strictly in order: a publish never happens before the write it
// announces has succeeded.
type Service struct {
	stores   StoreFactory
	fanout   FanoutPublisher
	confirms ConfirmationPublisher
}

func NewService(stores StoreFactory, fanout FanoutPublisher, confirms ConfirmationPublisher) *Service {
	return &Service{
		stores:   stores,
		fanout:   fanout,
		confirms: confirms,
	}
}

// Create registers a pending appointment and fans it out to the country
// subscriber. The slot claim is atomic, so two racing creates for the same
// (schedule, country) cannot both succeed.
func (s *Service) Create(ctx context.Context, p CreateParams) (*Appointment, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}

	tracking := s.stores.Tracking()
	id := uuid.NewString()

	if err := tracking.ClaimSlot(ctx, p.ScheduleID, p.CountryISO, id); err != nil {
		if errors.Is(err, ErrSlotTaken) {
			if occupant, lookupErr := tracking.FindByScheduleID(ctx, p.ScheduleID, p.CountryISO); lookupErr == nil {
				log.Printf("slot %d/%s already held by appointment %s (status=%s)",
					p.ScheduleID, p.CountryISO, occupant.ID, occupant.Status)
			}
			return nil, ErrSlotTaken
		}
		return nil, fmt.Errorf("claim slot: %w", err)
	}

	appt := Appointment{
		ID:         id,
		InsuredID:  p.InsuredID,
		ScheduleID: p.ScheduleID,
		CountryISO: p.CountryISO,
		Status:     StatusPending,
		CreatedAt:  time.Now().UTC(),
	}

	if err := tracking.Save(ctx, appt); err != nil {
		// Nothing downstream has seen the record; give the slot back.
		if relErr := tracking.ReleaseSlot(ctx, p.ScheduleID, p.CountryISO, id); relErr != nil {
			log.Printf("release slot %d/%s after failed save: %v", p.ScheduleID, p.CountryISO, relErr)
		}
		return nil, fmt.Errorf("save tracking record: %w", err)
	}

	msg := FanoutMessage{
		AppointmentID: appt.ID,
		InsuredID:     appt.InsuredID,
		ScheduleID:    appt.ScheduleID,
		CountryISO:    appt.CountryISO,
	}
	if err := s.fanout.PublishCreated(ctx, msg); err != nil {
		// The record stays pending; the reconciler republishes stale ones.
		return nil, fmt.Errorf("publish creation for %s: %w", appt.ID, err)
	}

	return &appt, nil
}

// Process persists the durable copy for the worker's country and emits the
// confirmation. The confirmation is only ever published after the durable
// write succeeded, so the tracking record can never read completed while
// the durable copy is missing.
func (s *Service) Process(ctx context.Context, msg FanoutMessage, country CountryISO) error {
	if msg.CountryISO != country {
		return fmt.Errorf("appointment %s routed to %s worker: %w", msg.AppointmentID, country, ErrCountryMismatch)
	}

	durable, err := s.stores.Durable(country)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	appt := Appointment{
		ID:         msg.AppointmentID,
		InsuredID:  msg.InsuredID,
		ScheduleID: msg.ScheduleID,
		CountryISO: country,
		Status:     StatusCompleted,
		CreatedAt:  now,
		UpdatedAt:  &now,
	}

	if err := durable.Save(ctx, appt); err != nil {
		return fmt.Errorf("persist appointment %s: %w", msg.AppointmentID, err)
	}

	ev := ConfirmationEvent{
		AppointmentID: msg.AppointmentID,
		InsuredID:     msg.InsuredID,
		Status:        StatusCompleted,
		ProcessedAt:   now,
		CountryISO:    country,
	}
	if err := s.confirms.PublishProcessed(ctx, ev); err != nil {
		// Durable row exists but the tracking record is still pending.
		// Redelivery of the fan-out message replays this step safely.
		return fmt.Errorf("publish confirmation for %s: %w", msg.AppointmentID, err)
	}

	return nil
}

// Confirm applies the event's status to the tracking record, id and status
// mapped one-to-one. An unknown id is logged and dropped rather than
// creating a phantom record.
func (s *Service) Confirm(ctx context.Context, ev ConfirmationEvent) error {
	err := s.stores.Tracking().UpdateStatus(ctx, ev.AppointmentID, ev.Status, ev.ProcessedAt)
	if errors.Is(err, ErrAppointmentNotFound) {
		log.Printf("confirmation for unknown appointment %s dropped", ev.AppointmentID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("confirm appointment %s: %w", ev.AppointmentID, err)
	}
	return nil
}

// ListByInsured returns every tracking record for the insured, oldest first.
// An insured with no appointments gets an empty list, not an error.
func (s *Service) ListByInsured(ctx context.Context, insuredID string) ([]Appointment, error) {
	if !insuredIDPattern.MatchString(insuredID) {
		return nil, ErrInvalidInsuredID
	}

	appts, err := s.stores.Tracking().FindByInsuredID(ctx, insuredID)
	if err != nil {
		return nil, fmt.Errorf("list appointments for %s: %w", insuredID, err)
	}
	if appts == nil {
		appts = []Appointment{}
	}
	return appts, nil
}

// Republish re-emits the fan-out message for a still-pending appointment,
// used by the reconciler when the original publish was lost.
func (s *Service) Republish(ctx context.Context, id string) error {
	appt, err := s.stores.Tracking().FindByID(ctx, id)
	if err != nil {
		return fmt.Errorf("load appointment %s: %w", id, err)
	}
	if appt.Status != StatusPending {
		return nil
	}

	msg := FanoutMessage{
		AppointmentID: appt.ID,
		InsuredID:     appt.InsuredID,
		ScheduleID:    appt.ScheduleID,
		CountryISO:    appt.CountryISO,
	}
	if err := s.fanout.PublishCreated(ctx, msg); err != nil {
		return fmt.Errorf("republish %s: %w", id, err)
	}
	return nil
}

// SweepStalePending walks pending records older than republishAfter:
// recent stragglers get their fan-out message republished, records older
// than failAfter are marked failed and their slot is released.
func (s *Service) SweepStalePending(ctx context.Context, now time.Time, republishAfter, failAfter time.Duration) error {
	tracking := s.stores.Tracking()

	stale, err := tracking.FindStalePending(ctx, now.Add(-republishAfter))
	if err != nil {
		return fmt.Errorf("find stale pending: %w", err)
	}

	for _, appt := range stale {
		if appt.CreatedAt.Before(now.Add(-failAfter)) {
			if err := tracking.UpdateStatus(ctx, appt.ID, StatusFailed, now); err != nil && !errors.Is(err, ErrAppointmentNotFound) {
				log.Printf("mark appointment %s failed: %v", appt.ID, err)
				continue
			}
			if err := tracking.ReleaseSlot(ctx, appt.ScheduleID, appt.CountryISO, appt.ID); err != nil {
				log.Printf("release slot for failed appointment %s: %v", appt.ID, err)
			}
			log.Printf("appointment %s failed after %s pending", appt.ID, now.Sub(appt.CreatedAt))
			continue
		}

		if err := s.Republish(ctx, appt.ID); err != nil {
			log.Printf("republish appointment %s: %v", appt.ID, err)
		}
	}

	return nil
}
