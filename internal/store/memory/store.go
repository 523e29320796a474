// Package memory implements store.TicketStore entirely in process. It is
// the store for dev mode (no DB_DSN configured) and for unit tests; the
// postgres package is the durable implementation of the same contract.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/DesignJungle/qhop/internal/models"
	"github.com/DesignJungle/qhop/internal/store"

	"github.com/google/uuid"
)

const ticketNumberPad = 3

type Store struct {
	mu       sync.RWMutex
	queues   map[string]models.Queue
	tickets  map[string]*models.Ticket
	outbox   []store.OutboxEvent
	sessions map[string]store.Session

	lockMu     sync.Mutex
	queueLocks map[string]*sync.Mutex
}

func NewStore() *Store {
	return &Store{
		queues:     make(map[string]models.Queue),
		tickets:    make(map[string]*models.Ticket),
		sessions:   make(map[string]store.Session),
		queueLocks: make(map[string]*sync.Mutex),
	}
}

// AddQueue seeds queue configuration. The queue config store is an external
// collaborator; in dev mode it is seeded at startup.
func (s *Store) AddQueue(queue models.Queue) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queues[queue.QueueID] = queue
}

func (s *Store) AddSession(session store.Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[session.SessionID] = session
}

// queueLock returns the mutex serializing all mutations of one queue.
// Different queues mutate in parallel.
func (s *Store) queueLock(queueID string) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	lock, ok := s.queueLocks[queueID]
	if !ok {
		lock = &sync.Mutex{}
		s.queueLocks[queueID] = lock
	}
	return lock
}

func (s *Store) Join(ctx context.Context, input store.JoinInput) (models.Ticket, error) {
	lock := s.queueLock(input.QueueID)
	lock.Lock()
	defer lock.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	queue, ok := s.queues[input.QueueID]
	if !ok {
		return models.Ticket{}, store.ErrQueueNotFound
	}
	if !queue.IsActive {
		return models.Ticket{}, store.ErrQueueClosed
	}

	for _, ticket := range s.tickets {
		if ticket.CustomerID == input.CustomerID && ticket.BusinessID == queue.BusinessID && models.Active(ticket.Status) {
			return models.Ticket{}, store.ErrAlreadyQueued
		}
	}

	active := 0
	for _, ticket := range s.tickets {
		if ticket.QueueID == input.QueueID && models.Active(ticket.Status) {
			active++
		}
	}
	if queue.MaxSize > 0 && active >= queue.MaxSize {
		return models.Ticket{}, store.ErrQueueFull
	}

	createdAt := input.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	// Close any gaps left by called tickets before assigning the tail slot.
	waiting := s.renumberLocked(input.QueueID)

	ticket := &models.Ticket{
		TicketID:     uuid.NewString(),
		TicketNumber: s.nextTicketNumberLocked(queue.BusinessID, createdAt),
		BusinessID:   queue.BusinessID,
		QueueID:      input.QueueID,
		CustomerID:   input.CustomerID,
		ServiceID:    input.ServiceID,
		Position:     waiting + 1,
		Status:       models.StatusWaiting,
		CreatedAt:    createdAt,
	}
	s.tickets[ticket.TicketID] = ticket
	s.appendOutboxLocked(store.EventTicketCreated, *ticket)
	return *ticket, nil
}

func (s *Store) CallNext(ctx context.Context, queueID string, actor store.Actor, calledAt time.Time) (models.Ticket, error) {
	lock := s.queueLock(queueID)
	lock.Lock()
	defer lock.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	queue, ok := s.queues[queueID]
	if !ok {
		return models.Ticket{}, store.ErrQueueNotFound
	}
	if actor.Role == store.RoleBusiness && actor.BusinessID != queue.BusinessID {
		return models.Ticket{}, store.ErrAccessDenied
	}

	var next *models.Ticket
	for _, ticket := range s.tickets {
		if ticket.QueueID != queueID || ticket.Status != models.StatusWaiting {
			continue
		}
		if next == nil || ticket.Position < next.Position {
			next = ticket
		}
	}
	if next == nil {
		return models.Ticket{}, store.ErrEmptyQueue
	}

	if calledAt.IsZero() {
		calledAt = time.Now().UTC()
	}
	next.Status = models.StatusCalled
	next.CalledAt = &calledAt
	s.appendOutboxLocked(store.EventTicketCalled, *next)
	return *next, nil
}

func (s *Store) AdvanceStatus(ctx context.Context, input store.AdvanceInput) (models.Ticket, error) {
	s.mu.RLock()
	ticket, ok := s.tickets[input.TicketID]
	if !ok {
		s.mu.RUnlock()
		return models.Ticket{}, store.ErrTicketNotFound
	}
	queueID := ticket.QueueID
	s.mu.RUnlock()

	lock := s.queueLock(queueID)
	lock.Lock()
	defer lock.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	ticket, ok = s.tickets[input.TicketID]
	if !ok {
		return models.Ticket{}, store.ErrTicketNotFound
	}
	if input.Actor.Role == store.RoleBusiness && input.Actor.BusinessID != ticket.BusinessID {
		return models.Ticket{}, store.ErrAccessDenied
	}
	if !store.ValidTransition(ticket.Status, input.NewStatus) {
		return models.Ticket{}, store.ErrIllegalTransition
	}

	occurredAt := input.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = time.Now().UTC()
	}

	ticket.Status = input.NewStatus
	if input.Notes != "" {
		ticket.Notes = input.Notes
	}
	switch input.NewStatus {
	case models.StatusCalled:
		ticket.CalledAt = &occurredAt
	case models.StatusInService:
		ticket.ServedAt = &occurredAt
	case models.StatusCompleted:
		ticket.CompletedAt = &occurredAt
	}

	if models.Terminal(input.NewStatus) {
		s.renumberLocked(ticket.QueueID)
	}
	s.appendOutboxLocked(eventTypeFor(input.NewStatus), *ticket)
	return *ticket, nil
}

func (s *Store) Cancel(ctx context.Context, input store.CancelInput) (models.Ticket, error) {
	s.mu.RLock()
	ticket, ok := s.tickets[input.TicketID]
	if !ok {
		s.mu.RUnlock()
		return models.Ticket{}, store.ErrTicketNotFound
	}
	owner := ticket.CustomerID
	business := ticket.BusinessID
	s.mu.RUnlock()

	switch input.Actor.Role {
	case store.RoleCustomer:
		if input.Actor.PrincipalID != owner {
			return models.Ticket{}, store.ErrAccessDenied
		}
	case store.RoleBusiness:
		if input.Actor.BusinessID != business {
			return models.Ticket{}, store.ErrAccessDenied
		}
	default:
		return models.Ticket{}, store.ErrAccessDenied
	}

	return s.AdvanceStatus(ctx, store.AdvanceInput{
		TicketID:   input.TicketID,
		NewStatus:  models.StatusCancelled,
		Actor:      input.Actor,
		OccurredAt: input.OccurredAt,
	})
}

func (s *Store) AutoNoShow(ctx context.Context, grace time.Duration, batchSize int) ([]models.Ticket, error) {
	if grace <= 0 {
		return nil, nil
	}
	if batchSize <= 0 {
		batchSize = 100
	}
	cutoff := time.Now().UTC().Add(-grace)

	s.mu.RLock()
	var stale []string
	for id, ticket := range s.tickets {
		if ticket.Status == models.StatusCalled && ticket.CalledAt != nil && !ticket.CalledAt.After(cutoff) {
			stale = append(stale, id)
			if len(stale) >= batchSize {
				break
			}
		}
	}
	s.mu.RUnlock()

	var processed []models.Ticket
	for _, id := range stale {
		ticket, err := s.AdvanceStatus(ctx, store.AdvanceInput{
			TicketID:  id,
			NewStatus: models.StatusNoShow,
		})
		if err != nil {
			continue
		}
		processed = append(processed, ticket)
	}
	return processed, nil
}

func (s *Store) GetTicket(ctx context.Context, ticketID string) (models.Ticket, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ticket, ok := s.tickets[ticketID]
	if !ok {
		return models.Ticket{}, store.ErrTicketNotFound
	}
	return *ticket, nil
}

func (s *Store) ActiveTicketForCustomer(ctx context.Context, customerID string) (models.Ticket, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, ticket := range s.tickets {
		if ticket.CustomerID == customerID && models.Active(ticket.Status) {
			return *ticket, true, nil
		}
	}
	return models.Ticket{}, false, nil
}

func (s *Store) Snapshot(ctx context.Context, queueID string) ([]models.Ticket, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var tickets []models.Ticket
	for _, ticket := range s.tickets {
		if ticket.QueueID == queueID && models.Active(ticket.Status) {
			tickets = append(tickets, *ticket)
		}
	}
	sort.Slice(tickets, func(i, j int) bool {
		ti, tj := tickets[i], tickets[j]
		wi, wj := ti.Status == models.StatusWaiting, tj.Status == models.StatusWaiting
		if wi != wj {
			return wi
		}
		if wi {
			return ti.Position < tj.Position
		}
		return ti.CreatedAt.Before(tj.CreatedAt)
	})
	return tickets, nil
}

func (s *Store) GetQueue(ctx context.Context, queueID string) (models.Queue, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	queue, ok := s.queues[queueID]
	if !ok {
		return models.Queue{}, store.ErrQueueNotFound
	}
	return queue, nil
}

func (s *Store) ListActiveQueues(ctx context.Context) ([]models.Queue, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var queues []models.Queue
	for _, queue := range s.queues {
		if queue.IsActive {
			queues = append(queues, queue)
		}
	}
	sort.Slice(queues, func(i, j int) bool { return queues[i].QueueID < queues[j].QueueID })
	return queues, nil
}

func (s *Store) QueueStats(ctx context.Context, queueID string) (store.QueueStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var stats store.QueueStats
	var servingSince time.Time
	for _, ticket := range s.tickets {
		if ticket.QueueID != queueID {
			continue
		}
		switch ticket.Status {
		case models.StatusWaiting:
			stats.Waiting++
		case models.StatusCalled:
			stats.Called++
		case models.StatusInService:
			stats.InService++
			if ticket.ServedAt != nil && (stats.ServingNumber == "" || ticket.ServedAt.After(servingSince)) {
				stats.ServingNumber = ticket.TicketNumber
				servingSince = *ticket.ServedAt
			}
		}
	}
	return stats, nil
}

func (s *Store) WaitSample(ctx context.Context, queueID string, since time.Time) ([]time.Duration, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var sample []time.Duration
	for _, ticket := range s.tickets {
		if ticket.QueueID != queueID || ticket.Status != models.StatusCompleted {
			continue
		}
		if ticket.CompletedAt == nil || ticket.CompletedAt.Before(since) || ticket.ServedAt == nil {
			continue
		}
		sample = append(sample, ticket.ServedAt.Sub(ticket.CreatedAt))
	}
	return sample, nil
}

func (s *Store) ListOutboxEvents(ctx context.Context, afterSeq int64, limit int) ([]store.OutboxEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var events []store.OutboxEvent
	for _, event := range s.outbox {
		if event.Seq <= afterSeq {
			continue
		}
		events = append(events, event)
		if len(events) >= limit {
			break
		}
	}
	return events, nil
}

func (s *Store) LatestOutboxSeq(ctx context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.outbox)), nil
}

func (s *Store) GetSession(ctx context.Context, sessionID string) (store.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	session, ok := s.sessions[sessionID]
	if !ok || session.ExpiresAt.Before(time.Now()) {
		return store.Session{}, store.ErrSessionNotFound
	}
	return session, nil
}

// renumberLocked reassigns the queue's waiting tickets to a dense 1..N in
// their current relative order and returns N. Callers hold both the queue
// lock and s.mu.
func (s *Store) renumberLocked(queueID string) int {
	var waiting []*models.Ticket
	for _, ticket := range s.tickets {
		if ticket.QueueID == queueID && ticket.Status == models.StatusWaiting {
			waiting = append(waiting, ticket)
		}
	}
	sort.Slice(waiting, func(i, j int) bool {
		if waiting[i].Position != waiting[j].Position {
			return waiting[i].Position < waiting[j].Position
		}
		return waiting[i].CreatedAt.Before(waiting[j].CreatedAt)
	})
	for i, ticket := range waiting {
		ticket.Position = i + 1
	}
	return len(waiting)
}

// nextTicketNumberLocked produces the date-scoped, per-business display
// number, e.g. 20260830-007.
func (s *Store) nextTicketNumberLocked(businessID string, createdAt time.Time) string {
	day := createdAt.UTC().Format("20060102")
	count := 0
	for _, ticket := range s.tickets {
		if ticket.BusinessID == businessID && ticket.CreatedAt.UTC().Format("20060102") == day {
			count++
		}
	}
	return fmt.Sprintf("%s-%0*d", day, ticketNumberPad, count+1)
}

func (s *Store) appendOutboxLocked(eventType string, ticket models.Ticket) {
	payload, err := json.Marshal(ticket)
	if err != nil {
		return
	}
	s.outbox = append(s.outbox, store.OutboxEvent{
		Seq:        int64(len(s.outbox)) + 1,
		EventID:    uuid.NewString(),
		BusinessID: ticket.BusinessID,
		Type:       eventType,
		Payload:    payload,
		CreatedAt:  time.Now().UTC(),
	})
}

func eventTypeFor(status string) string {
	switch status {
	case models.StatusCalled:
		return store.EventTicketCalled
	case models.StatusCancelled:
		return store.EventTicketCancelled
	case models.StatusNoShow:
		return store.EventTicketNoShow
	default:
		return store.EventTicketUpdated
	}
}
