package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/medibook/appointment-pipeline/internal/appointment"
)

// AppointmentService is the slice of the orchestration service the HTTP
// layer needs. Tests inject a stub here.
type AppointmentService interface {
	Create(ctx context.Context, p appointment.CreateParams) (*appointment.Appointment, error)
	ListByInsured(ctx context.Context, insuredID string) ([]appointment.Appointment, error)
}

func createAppointmentHandler(svc AppointmentService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req CreateAppointmentRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}

		params := appointment.CreateParams{
			InsuredID:  req.InsuredID,
			ScheduleID: req.ScheduleID,
			CountryISO: appointment.CountryISO(req.CountryISO),
		}
		if err := params.Validate(); err != nil {
			handleValidationError(w, err)
			return
		}

		appt, err := svc.Create(r.Context(), params)
		if err != nil {
			handleCreateError(w, err)
			return
		}

		writeJSON(w, http.StatusCreated, toAppointmentResponse(*appt))
	}
}

func listAppointmentsHandler(svc AppointmentService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		insuredID := chi.URLParam(r, "insuredId")

		appts, err := svc.ListByInsured(r.Context(), insuredID)
		if err != nil {
			if errors.Is(err, appointment.ErrInvalidInsuredID) {
				writeError(w, http.StatusBadRequest, "invalid_insured_id", err.Error())
				return
			}
			writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
			return
		}

		resp := ListAppointmentsResponse{
			Appointments: make([]AppointmentResponse, 0, len(appts)),
			Count:        len(appts),
		}
		for _, a := range appts {
			resp.Appointments = append(resp.Appointments, toAppointmentResponse(a))
		}

		writeJSON(w, http.StatusOK, resp)
	}
}

func handleValidationError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, appointment.ErrInvalidInsuredID):
		writeError(w, http.StatusBadRequest, "invalid_insured_id", err.Error())
	case errors.Is(err, appointment.ErrInvalidScheduleID):
		writeError(w, http.StatusBadRequest, "invalid_schedule_id", err.Error())
	case errors.Is(err, appointment.ErrInvalidCountry):
		writeError(w, http.StatusBadRequest, "invalid_country_iso", err.Error())
	default:
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
	}
}

func handleCreateError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, appointment.ErrSlotTaken):
		writeError(w, http.StatusConflict, "slot_taken", err.Error())
	case errors.Is(err, appointment.ErrInvalidInsuredID),
		errors.Is(err, appointment.ErrInvalidScheduleID),
		errors.Is(err, appointment.ErrInvalidCountry):
		handleValidationError(w, err)
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
	}
}
