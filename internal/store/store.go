package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/DesignJungle/qhop/internal/models"
)

// Actor identifies who requested a mutation, as resolved by the session
// layer. Customers may only cancel their own tickets; business actors may
// operate any ticket belonging to their business.
type Actor struct {
	PrincipalID string
	Role        string
	BusinessID  string
}

const (
	RoleCustomer = "customer"
	RoleBusiness = "business"
)

type JoinInput struct {
	QueueID    string
	CustomerID string
	ServiceID  string
	CreatedAt  time.Time
}

type AdvanceInput struct {
	TicketID   string
	NewStatus  string
	Notes      string
	Actor      Actor
	OccurredAt time.Time
}

type CancelInput struct {
	TicketID   string
	Actor      Actor
	OccurredAt time.Time
}

// QueueStats is the raw material for a queue summary: active-status counts
// and the ticket number currently at the counter, read in one pass.
type QueueStats struct {
	Waiting       int
	Called        int
	InService     int
	ServingNumber string
}

type OutboxEvent struct {
	Seq        int64           `json:"seq"`
	EventID    string          `json:"event_id"`
	BusinessID string          `json:"business_id"`
	Type       string          `json:"type"`
	Payload    json.RawMessage `json:"payload"`
	CreatedAt  time.Time       `json:"created_at"`
}

type Session struct {
	SessionID   string
	PrincipalID string
	Role        string
	BusinessID  string
	ExpiresAt   time.Time
}

// TicketStore is the single authority over ticket state. Every mutating
// method runs the state machine and position allocator inside a per-queue
// critical section: implementations guarantee that operations against the
// same queue are serialized while different queues proceed in parallel,
// and that a failed operation leaves no partial state.
//
// Mutations append an outbox event in the same transaction; broadcast and
// notification delivery read the outbox after commit.
type TicketStore interface {
	// Join creates a waiting ticket at position waitingCount+1. Fails with
	// ErrAlreadyQueued, ErrQueueClosed, or ErrQueueFull per the queue rules.
	Join(ctx context.Context, input JoinInput) (models.Ticket, error)

	// CallNext transitions the lowest-position waiting ticket to called.
	// The remaining waiting tickets keep their positions; the gap closes on
	// the next join or terminal removal. Fails with ErrEmptyQueue.
	CallNext(ctx context.Context, queueID string, actor Actor, calledAt time.Time) (models.Ticket, error)

	// AdvanceStatus applies a transition from the ticket's current status,
	// stamping served_at/completed_at as appropriate. A terminal result
	// renumbers the queue's waiting tickets back to a dense 1..N.
	AdvanceStatus(ctx context.Context, input AdvanceInput) (models.Ticket, error)

	// Cancel is AdvanceStatus to cancelled, restricted to the ticket's own
	// customer or a business actor of the owning business.
	Cancel(ctx context.Context, input CancelInput) (models.Ticket, error)

	// AutoNoShow marks tickets stuck in called status beyond the grace
	// period as no_show, renumbering as it goes. Returns the transitioned
	// tickets so the caller can broadcast them.
	AutoNoShow(ctx context.Context, grace time.Duration, batchSize int) ([]models.Ticket, error)

	GetTicket(ctx context.Context, ticketID string) (models.Ticket, error)
	ActiveTicketForCustomer(ctx context.Context, customerID string) (models.Ticket, bool, error)

	// Snapshot returns the queue's active tickets in position order,
	// waiting first, for resync payloads.
	Snapshot(ctx context.Context, queueID string) ([]models.Ticket, error)

	GetQueue(ctx context.Context, queueID string) (models.Queue, error)
	ListActiveQueues(ctx context.Context) ([]models.Queue, error)
	QueueStats(ctx context.Context, queueID string) (QueueStats, error)

	// WaitSample returns created-to-served durations for tickets completed
	// in the queue since the given time, feeding the wait estimator.
	WaitSample(ctx context.Context, queueID string, since time.Time) ([]time.Duration, error)

	// ListOutboxEvents returns events with a sequence number strictly above
	// afterSeq, in sequence order. The sequence is the tailing cursor:
	// timestamps can collide, sequence numbers cannot.
	ListOutboxEvents(ctx context.Context, afterSeq int64, limit int) ([]OutboxEvent, error)

	// LatestOutboxSeq returns the highest assigned sequence number, zero
	// when the outbox is empty.
	LatestOutboxSeq(ctx context.Context) (int64, error)

	GetSession(ctx context.Context, sessionID string) (Session, error)
}

const (
	EventTicketCreated   = "ticket.created"
	EventTicketCalled    = "ticket.called"
	EventTicketUpdated   = "ticket.updated"
	EventTicketCancelled = "ticket.cancelled"
	EventTicketNoShow    = "ticket.no_show"
)
