package api

import (
	"time"

	"github.com/medibook/appointment-pipeline/internal/appointment"
)

type CreateAppointmentRequest struct {
	InsuredID  string `json:"insuredId"`
	ScheduleID int64  `json:"scheduleId"`
	CountryISO string `json:"countryISO"`
}

type AppointmentResponse struct {
	AppointmentID string     `json:"appointmentId"`
	InsuredID     string     `json:"insuredId"`
	ScheduleID    int64      `json:"scheduleId"`
	CountryISO    string     `json:"countryISO"`
	Status        string     `json:"status"`
	CreatedAt     time.Time  `json:"createdAt"`
	UpdatedAt     *time.Time `json:"updatedAt,omitempty"`
}

type ListAppointmentsResponse struct {
	Appointments []AppointmentResponse `json:"appointments"`
	Count        int                   `json:"count"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

func toAppointmentResponse(a appointment.Appointment) AppointmentResponse {
	return AppointmentResponse{
		AppointmentID: a.ID,
		InsuredID:     a.InsuredID,
		ScheduleID:    a.ScheduleID,
		CountryISO:    string(a.CountryISO),
		Status:        string(a.Status),
		CreatedAt:     a.CreatedAt,
		UpdatedAt:     a.UpdatedAt,
	}
}
