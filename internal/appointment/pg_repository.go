package appointment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PgDurableRepository is the permanent record-of-truth for one country's
// appointments, backed by that country's Postgres instance.
type PgDurableRepository struct {
	pool    *pgxpool.Pool
	country CountryISO
}

func NewPgDurableRepository(pool *pgxpool.Pool, country CountryISO) *PgDurableRepository {
	return &PgDurableRepository{pool: pool, country: country}
}

func scanDurable(row pgx.Row) (*Appointment, error) {
	var a Appointment
	var updatedAt *time.Time

	err := row.Scan(
		&a.ID,
		&a.InsuredID,
		&a.ScheduleID,
		&a.CountryISO,
		&a.Status,
		&a.CreatedAt,
		&updatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAppointmentNotFound
		}
		return nil, err
	}

	a.UpdatedAt = updatedAt
	return &a, nil
}

// Save inserts the durable record. The insert is keyed on the appointment id
// so a redelivered fan-out message lands on the existing row instead of
// failing the whole batch.
func (r *PgDurableRepository) Save(ctx context.Context, appt Appointment) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO appointments (appointment_id, insured_id, schedule_id, country_iso, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (appointment_id) DO NOTHING
	`, appt.ID, appt.InsuredID, appt.ScheduleID, appt.CountryISO, appt.Status, appt.CreatedAt, appt.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert durable record: %w", err)
	}
	return nil
}

func (r *PgDurableRepository) FindByID(ctx context.Context, id string) (*Appointment, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT appointment_id, insured_id, schedule_id, country_iso, status, created_at, updated_at
		FROM appointments
		WHERE appointment_id = $1
	`, id)
	return scanDurable(row)
}

func (r *PgDurableRepository) FindByInsuredID(ctx context.Context, insuredID string) ([]Appointment, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT appointment_id, insured_id, schedule_id, country_iso, status, created_at, updated_at
		FROM appointments
		WHERE insured_id = $1
		ORDER BY created_at
	`, insuredID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []Appointment
	for rows.Next() {
		a, err := scanDurable(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *a)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return result, nil
}

func (r *PgDurableRepository) UpdateStatus(ctx context.Context, id string, status Status, updatedAt time.Time) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE appointments
		SET status = $2,
		    updated_at = $3
		WHERE appointment_id = $1
	`, id, status, updatedAt)
	if err != nil {
		return fmt.Errorf("update durable status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAppointmentNotFound
	}
	return nil
}
