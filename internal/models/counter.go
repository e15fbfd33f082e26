package models

import "time"

type Counter struct {
	CounterID       int       `json:"counter_id"`
	IsOpen          bool      `json:"is_open"`
	CurrentTicketID *string   `json:"current_ticket_id,omitempty"`
	AssignedStaffID *string   `json:"assigned_staff_id,omitempty"`
	UpdatedAt       time.Time `json:"updated_at"`
}
