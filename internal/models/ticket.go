package models

import "time"

type Ticket struct {
	TicketID     string     `json:"ticket_id"`
	Seq          int64      `json:"seq"`
	Number       string     `json:"number"`
	CustomerName string     `json:"customer_name"`
	Phone        string     `json:"phone,omitempty"`
	ServiceID    string     `json:"service_id"`
	ServiceName  string     `json:"service_name"`
	BusinessDate string     `json:"business_date"`
	Status       string     `json:"status"`
	JoinedAt     time.Time  `json:"joined_at"`
	ServedAt     *time.Time `json:"served_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	CounterID    *int       `json:"counter_id,omitempty"`
	Degraded     bool       `json:"degraded,omitempty"`
}

const (
	StatusWaiting   = "waiting"
	StatusServing   = "serving"
	StatusCompleted = "completed"
	StatusCancelled = "cancelled"
	StatusNoShow    = "no_show"
)

// IsTerminal reports whether no transition may leave status.
func IsTerminal(status string) bool {
	switch status {
	case StatusCompleted, StatusCancelled, StatusNoShow:
		return true
	}
	return false
}

func ValidStatus(status string) bool {
	switch status {
	case StatusWaiting, StatusServing, StatusCompleted, StatusCancelled, StatusNoShow:
		return true
	}
	return false
}
