package appointment

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- fakes ---

type fakeTracking struct {
	claims  map[string]string // slot key -> appointment id
	records map[string]Appointment

	claimErr  error
	saveErr   error
	updateErr error

	saved    []Appointment
	released []string
	updates  []statusUpdate
}

type statusUpdate struct {
	id     string
	status Status
}

func newFakeTracking() *fakeTracking {
	return &fakeTracking{
		claims:  make(map[string]string),
		records: make(map[string]Appointment),
	}
}

func (f *fakeTracking) slotKey(scheduleID int64, country CountryISO) string {
	return fmt.Sprintf("%s:%d", country, scheduleID)
}

func (f *fakeTracking) ClaimSlot(_ context.Context, scheduleID int64, country CountryISO, appointmentID string) error {
	if f.claimErr != nil {
		return f.claimErr
	}
	key := f.slotKey(scheduleID, country)
	if _, taken := f.claims[key]; taken {
		return ErrSlotTaken
	}
	f.claims[key] = appointmentID
	return nil
}

func (f *fakeTracking) ReleaseSlot(_ context.Context, scheduleID int64, country CountryISO, appointmentID string) error {
	key := f.slotKey(scheduleID, country)
	if f.claims[key] == appointmentID {
		delete(f.claims, key)
	}
	f.released = append(f.released, key)
	return nil
}

func (f *fakeTracking) Save(_ context.Context, appt Appointment) error {
	if f.saveErr != nil {
		return f.saveErr
	}
	f.records[appt.ID] = appt
	f.saved = append(f.saved, appt)
	return nil
}

func (f *fakeTracking) FindByID(_ context.Context, id string) (*Appointment, error) {
	appt, ok := f.records[id]
	if !ok {
		return nil, ErrAppointmentNotFound
	}
	return &appt, nil
}

func (f *fakeTracking) FindByInsuredID(_ context.Context, insuredID string) ([]Appointment, error) {
	var result []Appointment
	for _, appt := range f.records {
		if appt.InsuredID == insuredID {
			result = append(result, appt)
		}
	}
	return result, nil
}

func (f *fakeTracking) FindByScheduleID(_ context.Context, scheduleID int64, country CountryISO) (*Appointment, error) {
	id, ok := f.claims[f.slotKey(scheduleID, country)]
	if !ok {
		return nil, ErrAppointmentNotFound
	}
	return f.FindByID(context.Background(), id)
}

func (f *fakeTracking) UpdateStatus(_ context.Context, id string, status Status, updatedAt time.Time) error {
	if f.updateErr != nil {
		return f.updateErr
	}
	appt, ok := f.records[id]
	if !ok || appt.Status.Terminal() {
		if !ok {
			return ErrAppointmentNotFound
		}
		return nil
	}
	appt.Status = status
	appt.UpdatedAt = &updatedAt
	f.records[id] = appt
	f.updates = append(f.updates, statusUpdate{id: id, status: status})
	return nil
}

func (f *fakeTracking) FindStalePending(_ context.Context, cutoff time.Time) ([]Appointment, error) {
	var result []Appointment
	for _, appt := range f.records {
		if appt.Status == StatusPending && appt.CreatedAt.Before(cutoff) {
			result = append(result, appt)
		}
	}
	return result, nil
}

type fakeDurable struct {
	saveErr error
	rows    map[string]Appointment
	saves   int
}

func newFakeDurable() *fakeDurable {
	return &fakeDurable{rows: make(map[string]Appointment)}
}

func (f *fakeDurable) Save(_ context.Context, appt Appointment) error {
	if f.saveErr != nil {
		return f.saveErr
	}
	f.saves++
	// Upsert keyed on appointment id: a replay does not duplicate the row.
	if _, exists := f.rows[appt.ID]; !exists {
		f.rows[appt.ID] = appt
	}
	return nil
}

func (f *fakeDurable) FindByID(_ context.Context, id string) (*Appointment, error) {
	appt, ok := f.rows[id]
	if !ok {
		return nil, ErrAppointmentNotFound
	}
	return &appt, nil
}

func (f *fakeDurable) FindByInsuredID(_ context.Context, insuredID string) ([]Appointment, error) {
	var result []Appointment
	for _, appt := range f.rows {
		if appt.InsuredID == insuredID {
			result = append(result, appt)
		}
	}
	return result, nil
}

func (f *fakeDurable) UpdateStatus(_ context.Context, id string, status Status, updatedAt time.Time) error {
	appt, ok := f.rows[id]
	if !ok {
		return ErrAppointmentNotFound
	}
	appt.Status = status
	appt.UpdatedAt = &updatedAt
	f.rows[id] = appt
	return nil
}

type fakeFactory struct {
	tracking *fakeTracking
	durable  map[CountryISO]*fakeDurable
}

func (f *fakeFactory) Tracking() TrackingRepository { return f.tracking }

func (f *fakeFactory) Durable(country CountryISO) (DurableRepository, error) {
	repo, ok := f.durable[country]
	if !ok {
		return nil, ErrInvalidCountry
	}
	return repo, nil
}

type fakeFanout struct {
	err      error
	messages []FanoutMessage
}

func (f *fakeFanout) PublishCreated(_ context.Context, msg FanoutMessage) error {
	if f.err != nil {
		return f.err
	}
	f.messages = append(f.messages, msg)
	return nil
}

type fakeConfirms struct {
	err    error
	events []ConfirmationEvent
}

func (f *fakeConfirms) PublishProcessed(_ context.Context, ev ConfirmationEvent) error {
	if f.err != nil {
		return f.err
	}
	f.events = append(f.events, ev)
	return nil
}

type fixture struct {
	svc      *Service
	tracking *fakeTracking
	durable  *fakeDurable
	fanout   *fakeFanout
	confirms *fakeConfirms
}

func newFixture() *fixture {
	tracking := newFakeTracking()
	durable := newFakeDurable()
	fanout := &fakeFanout{}
	confirms := &fakeConfirms{}
	stores := &fakeFactory{
		tracking: tracking,
		durable:  map[CountryISO]*fakeDurable{CountryPE: durable},
	}
	return &fixture{
		svc:      NewService(stores, fanout, confirms),
		tracking: tracking,
		durable:  durable,
		fanout:   fanout,
		confirms: confirms,
	}
}

func validParams() CreateParams {
	return CreateParams{InsuredID: "12345", ScheduleID: 100, CountryISO: CountryPE}
}

// --- create ---

func TestCreate(t *testing.T) {
	ctx := context.Background()

	t.Run("creates a pending record and fans it out", func(t *testing.T) {
		f := newFixture()

		appt, err := f.svc.Create(ctx, validParams())
		require.NoError(t, err)

		assert.NotEmpty(t, appt.ID)
		assert.Equal(t, "12345", appt.InsuredID)
		assert.Equal(t, int64(100), appt.ScheduleID)
		assert.Equal(t, CountryPE, appt.CountryISO)
		assert.Equal(t, StatusPending, appt.Status)
		assert.False(t, appt.CreatedAt.IsZero())

		stored, err := f.tracking.FindByID(ctx, appt.ID)
		require.NoError(t, err)
		assert.Equal(t, *appt, *stored)

		require.Len(t, f.fanout.messages, 1)
		assert.Equal(t, appt.ID, f.fanout.messages[0].AppointmentID)
		assert.Equal(t, CountryPE, f.fanout.messages[0].CountryISO)
	})

	t.Run("taken slot conflicts without writing or publishing", func(t *testing.T) {
		f := newFixture()

		_, err := f.svc.Create(ctx, validParams())
		require.NoError(t, err)

		_, err = f.svc.Create(ctx, validParams())
		assert.ErrorIs(t, err, ErrSlotTaken)

		assert.Len(t, f.tracking.saved, 1)
		assert.Len(t, f.fanout.messages, 1)
	})

	t.Run("completed appointment still occupies its slot", func(t *testing.T) {
		f := newFixture()

		appt, err := f.svc.Create(ctx, validParams())
		require.NoError(t, err)
		require.NoError(t, f.tracking.UpdateStatus(ctx, appt.ID, StatusCompleted, time.Now()))

		_, err = f.svc.Create(ctx, validParams())
		assert.ErrorIs(t, err, ErrSlotTaken)
	})

	t.Run("failed save suppresses the publish and frees the slot", func(t *testing.T) {
		f := newFixture()
		f.tracking.saveErr = errors.New("redis: connection refused")

		_, err := f.svc.Create(ctx, validParams())
		require.Error(t, err)
		assert.NotErrorIs(t, err, ErrSlotTaken)

		assert.Empty(t, f.fanout.messages)
		assert.Empty(t, f.tracking.claims, "slot claim should have been released")
	})

	t.Run("failed publish surfaces but keeps the pending record", func(t *testing.T) {
		f := newFixture()
		f.fanout.err = errors.New("redis: broken pipe")

		_, err := f.svc.Create(ctx, validParams())
		require.Error(t, err)

		require.Len(t, f.tracking.saved, 1)
		assert.Equal(t, StatusPending, f.tracking.saved[0].Status)
	})

	t.Run("rejects malformed input", func(t *testing.T) {
		f := newFixture()

		cases := []struct {
			name   string
			params CreateParams
			want   error
		}{
			{"short insured id", CreateParams{InsuredID: "1234", ScheduleID: 100, CountryISO: CountryPE}, ErrInvalidInsuredID},
			{"non-numeric insured id", CreateParams{InsuredID: "12a45", ScheduleID: 100, CountryISO: CountryPE}, ErrInvalidInsuredID},
			{"zero schedule id", CreateParams{InsuredID: "12345", ScheduleID: 0, CountryISO: CountryPE}, ErrInvalidScheduleID},
			{"negative schedule id", CreateParams{InsuredID: "12345", ScheduleID: -3, CountryISO: CountryPE}, ErrInvalidScheduleID},
			{"unknown country", CreateParams{InsuredID: "12345", ScheduleID: 100, CountryISO: "BR"}, ErrInvalidCountry},
		}
		for _, tc := range cases {
			t.Run(tc.name, func(t *testing.T) {
				_, err := f.svc.Create(ctx, tc.params)
				assert.ErrorIs(t, err, tc.want)
			})
		}

		assert.Empty(t, f.tracking.saved)
		assert.Empty(t, f.fanout.messages)
	})
}

// --- process ---

func TestProcess(t *testing.T) {
	ctx := context.Background()

	msg := FanoutMessage{
		AppointmentID: "a-1",
		InsuredID:     "12345",
		ScheduleID:    100,
		CountryISO:    CountryPE,
	}

	t.Run("persists durably then confirms", func(t *testing.T) {
		f := newFixture()

		require.NoError(t, f.svc.Process(ctx, msg, CountryPE))

		row, err := f.durable.FindByID(ctx, "a-1")
		require.NoError(t, err)
		assert.Equal(t, StatusCompleted, row.Status)
		assert.Equal(t, CountryPE, row.CountryISO)

		require.Len(t, f.confirms.events, 1)
		ev := f.confirms.events[0]
		assert.Equal(t, "a-1", ev.AppointmentID)
		assert.Equal(t, StatusCompleted, ev.Status)
		assert.Equal(t, CountryPE, ev.CountryISO)
		assert.False(t, ev.ProcessedAt.IsZero())
	})

	t.Run("failed durable write suppresses the confirmation", func(t *testing.T) {
		f := newFixture()
		f.durable.saveErr = errors.New("pg: connection refused")

		err := f.svc.Process(ctx, msg, CountryPE)
		require.Error(t, err)
		assert.Empty(t, f.confirms.events)
	})

	t.Run("rejects a message routed to the wrong country", func(t *testing.T) {
		f := newFixture()

		err := f.svc.Process(ctx, msg, CountryCL)
		assert.ErrorIs(t, err, ErrCountryMismatch)
		assert.Zero(t, f.durable.saves)
		assert.Empty(t, f.confirms.events)
	})

	t.Run("replay is idempotent and re-emits the confirmation", func(t *testing.T) {
		f := newFixture()

		require.NoError(t, f.svc.Process(ctx, msg, CountryPE))
		require.NoError(t, f.svc.Process(ctx, msg, CountryPE))

		assert.Len(t, f.durable.rows, 1)
		assert.Len(t, f.confirms.events, 2)
	})
}

// --- confirm ---

func TestConfirm(t *testing.T) {
	ctx := context.Background()

	t.Run("maps the event's id and status onto the update", func(t *testing.T) {
		f := newFixture()
		appt, err := f.svc.Create(ctx, validParams())
		require.NoError(t, err)

		processedAt := time.Now().UTC()
		err = f.svc.Confirm(ctx, ConfirmationEvent{
			AppointmentID: appt.ID,
			InsuredID:     appt.InsuredID,
			Status:        StatusCompleted,
			ProcessedAt:   processedAt,
			CountryISO:    CountryPE,
		})
		require.NoError(t, err)

		require.Len(t, f.tracking.updates, 1)
		assert.Equal(t, statusUpdate{id: appt.ID, status: StatusCompleted}, f.tracking.updates[0])

		stored, err := f.tracking.FindByID(ctx, appt.ID)
		require.NoError(t, err)
		assert.Equal(t, StatusCompleted, stored.Status)
		require.NotNil(t, stored.UpdatedAt)
		assert.Equal(t, processedAt, *stored.UpdatedAt)
	})

	t.Run("unknown appointment id is dropped without error", func(t *testing.T) {
		f := newFixture()

		err := f.svc.Confirm(ctx, ConfirmationEvent{
			AppointmentID: "no-such-id",
			Status:        StatusCompleted,
			ProcessedAt:   time.Now(),
		})
		assert.NoError(t, err)
		assert.Empty(t, f.tracking.updates)
	})

	t.Run("store failure propagates", func(t *testing.T) {
		f := newFixture()
		f.tracking.updateErr = errors.New("redis: timeout")

		err := f.svc.Confirm(ctx, ConfirmationEvent{
			AppointmentID: "a-1",
			Status:        StatusCompleted,
			ProcessedAt:   time.Now(),
		})
		assert.Error(t, err)
	})
}

// --- list ---

func TestListByInsured(t *testing.T) {
	ctx := context.Background()

	t.Run("insured with no appointments gets an empty list", func(t *testing.T) {
		f := newFixture()

		appts, err := f.svc.ListByInsured(ctx, "99999")
		require.NoError(t, err)
		assert.NotNil(t, appts)
		assert.Empty(t, appts)
	})

	t.Run("returns the insured's appointments only", func(t *testing.T) {
		f := newFixture()

		first, err := f.svc.Create(ctx, validParams())
		require.NoError(t, err)
		_, err = f.svc.Create(ctx, CreateParams{InsuredID: "54321", ScheduleID: 200, CountryISO: CountryPE})
		require.NoError(t, err)

		appts, err := f.svc.ListByInsured(ctx, "12345")
		require.NoError(t, err)
		require.Len(t, appts, 1)
		assert.Equal(t, first.ID, appts[0].ID)
	})

	t.Run("rejects a malformed insured id", func(t *testing.T) {
		f := newFixture()

		_, err := f.svc.ListByInsured(ctx, "abc")
		assert.ErrorIs(t, err, ErrInvalidInsuredID)
	})
}

// --- saga end to end ---

func TestSagaFlow(t *testing.T) {
	ctx := context.Background()
	f := newFixture()

	appt, err := f.svc.Create(ctx, validParams())
	require.NoError(t, err)
	assert.Equal(t, StatusPending, appt.Status)

	// Second create for the same slot before confirmation conflicts.
	_, err = f.svc.Create(ctx, validParams())
	assert.ErrorIs(t, err, ErrSlotTaken)

	require.Len(t, f.fanout.messages, 1)
	require.NoError(t, f.svc.Process(ctx, f.fanout.messages[0], CountryPE))

	require.Len(t, f.confirms.events, 1)
	require.NoError(t, f.svc.Confirm(ctx, f.confirms.events[0]))

	stored, err := f.tracking.FindByID(ctx, appt.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, stored.Status)
}

// --- reconciliation ---

func TestRepublish(t *testing.T) {
	ctx := context.Background()

	t.Run("re-emits the fan-out message for a pending record", func(t *testing.T) {
		f := newFixture()
		appt, err := f.svc.Create(ctx, validParams())
		require.NoError(t, err)
		f.fanout.messages = nil

		require.NoError(t, f.svc.Republish(ctx, appt.ID))

		require.Len(t, f.fanout.messages, 1)
		assert.Equal(t, appt.ID, f.fanout.messages[0].AppointmentID)
		assert.Equal(t, appt.ScheduleID, f.fanout.messages[0].ScheduleID)
	})

	t.Run("is a no-op for a completed record", func(t *testing.T) {
		f := newFixture()
		appt, err := f.svc.Create(ctx, validParams())
		require.NoError(t, err)
		require.NoError(t, f.tracking.UpdateStatus(ctx, appt.ID, StatusCompleted, time.Now()))
		f.fanout.messages = nil

		require.NoError(t, f.svc.Republish(ctx, appt.ID))
		assert.Empty(t, f.fanout.messages)
	})
}

func TestSweepStalePending(t *testing.T) {
	ctx := context.Background()
	now := time.Now().UTC()

	seed := func(f *fixture, id string, scheduleID int64, age time.Duration) {
		appt := Appointment{
			ID:         id,
			InsuredID:  "12345",
			ScheduleID: scheduleID,
			CountryISO: CountryPE,
			Status:     StatusPending,
			CreatedAt:  now.Add(-age),
		}
		require.NoError(t, f.tracking.ClaimSlot(ctx, scheduleID, CountryPE, id))
		require.NoError(t, f.tracking.Save(ctx, appt))
	}

	t.Run("republishes recent stragglers", func(t *testing.T) {
		f := newFixture()
		seed(f, "stale-1", 100, 10*time.Minute)

		require.NoError(t, f.svc.SweepStalePending(ctx, now, 5*time.Minute, time.Hour))

		require.Len(t, f.fanout.messages, 1)
		assert.Equal(t, "stale-1", f.fanout.messages[0].AppointmentID)
		assert.Empty(t, f.tracking.updates)
	})

	t.Run("fails abandoned records and frees their slot", func(t *testing.T) {
		f := newFixture()
		seed(f, "old-1", 100, 2*time.Hour)

		require.NoError(t, f.svc.SweepStalePending(ctx, now, 5*time.Minute, time.Hour))

		stored, err := f.tracking.FindByID(ctx, "old-1")
		require.NoError(t, err)
		assert.Equal(t, StatusFailed, stored.Status)
		assert.Empty(t, f.tracking.claims)
		assert.Empty(t, f.fanout.messages)

		// The freed slot can be booked again.
		_, err = f.svc.Create(ctx, validParams())
		assert.NoError(t, err)
	})

	t.Run("leaves fresh pending records alone", func(t *testing.T) {
		f := newFixture()
		seed(f, "fresh-1", 100, time.Minute)

		require.NoError(t, f.svc.SweepStalePending(ctx, now, 5*time.Minute, time.Hour))

		assert.Empty(t, f.fanout.messages)
		assert.Empty(t, f.tracking.updates)
	})
}
