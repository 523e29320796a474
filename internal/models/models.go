package models

import "time"

type Ticket struct {
	TicketID     string     `json:"ticket_id"`
	TicketNumber string     `json:"ticket_number"`
	BusinessID   string     `json:"business_id"`
	QueueID      string     `json:"queue_id"`
	CustomerID   string     `json:"customer_id"`
	ServiceID    string     `json:"service_id,omitempty"`
	Position     int        `json:"position"`
	Status       string     `json:"status"`
	EstimatedMin int        `json:"estimated_wait_minutes"`
	Notes        string     `json:"notes,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	CalledAt     *time.Time `json:"called_at,omitempty"`
	ServedAt     *time.Time `json:"served_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
}

const (
	StatusWaiting   = "waiting"
	StatusCalled    = "called"
	StatusInService = "in_service"
	StatusCompleted = "completed"
	StatusCancelled = "cancelled"
	StatusNoShow    = "no_show"
)

// Terminal reports whether a ticket in the given status can never change again.
func Terminal(status string) bool {
	switch status {
	case StatusCompleted, StatusCancelled, StatusNoShow:
		return true
	}
	return false
}

// Active is the complement of Terminal for known statuses: the ticket still
// occupies a slot in its queue.
func Active(status string) bool {
	switch status {
	case StatusWaiting, StatusCalled, StatusInService:
		return true
	}
	return false
}

type Queue struct {
	QueueID            string `json:"queue_id"`
	BusinessID         string `json:"business_id"`
	Name               string `json:"name"`
	MaxSize            int    `json:"max_size"`
	IsActive           bool   `json:"is_active"`
	AvgServiceTimeMins int    `json:"avg_service_time_minutes"`
}

type QueueSummary struct {
	QueueID          string    `json:"queue_id"`
	BusinessID       string    `json:"business_id"`
	Waiting          int       `json:"waiting"`
	Called           int       `json:"called"`
	InService        int       `json:"in_service"`
	AvgWaitMinutes   int       `json:"avg_wait_minutes"`
	EstimatedWaitMin int       `json:"estimated_wait_minutes"`
	ServingNumber    string    `json:"currently_serving_ticket_number,omitempty"`
	UpdatedAt        time.Time `json:"updated_at"`
}
