package appointment

import (
	"regexp"
	"time"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether no further transition is defined from s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

type CountryISO string

const (
	CountryPE CountryISO = "PE"
	CountryCL CountryISO = "CL"
)

// Countries lists every supported country.
var Countries = []CountryISO{CountryPE, CountryCL}

func (c CountryISO) Valid() bool {
	return c == CountryPE || c == CountryCL
}

// Appointment is the tracking record: the live view of where an appointment
// sits in the pipeline. The durable per-country copy shares this shape.
type Appointment struct {
	ID         string
	InsuredID  string
	ScheduleID int64
	CountryISO CountryISO
	Status     Status
	CreatedAt  time.Time
	UpdatedAt  *time.Time
}

var insuredIDPattern = regexp.MustCompile(`^\d{5}$`)

type CreateParams struct {
	InsuredID  string
	ScheduleID int64
	CountryISO CountryISO
}

// Validate re-checks the request shape. The HTTP layer rejects malformed
// input before calling the service, but the service treats this as a
// business rule rather than trusting its callers.
func (p CreateParams) Validate() error {
	if !insuredIDPattern.MatchString(p.InsuredID) {
		return ErrInvalidInsuredID
	}
	if p.ScheduleID <= 0 {
		return ErrInvalidScheduleID
	}
	if !p.CountryISO.Valid() {
		return ErrInvalidCountry
	}
	return nil
}

// FanoutMessage is the payload broadcast on the creation channel. The
// country also selects the channel itself, so subscribers only ever see
// their own traffic.
type FanoutMessage struct {
	AppointmentID string     `json:"appointmentId"`
	InsuredID     string     `json:"insuredId"`
	ScheduleID    int64      `json:"scheduleId"`
	CountryISO    CountryISO `json:"countryISO"`
}

// ConfirmationEvent announces that the durable write for an appointment
// succeeded.
type ConfirmationEvent struct {
	AppointmentID string     `json:"appointmentId"`
	InsuredID     string     `json:"insuredId"`
	Status        Status     `json:"status"`
	ProcessedAt   time.Time  `json:"processedAt"`
	CountryISO    CountryISO `json:"countryISO"`
}
