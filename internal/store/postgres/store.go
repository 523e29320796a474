// Package postgres is the durable TicketStore. Every mutating method runs
// one transaction that takes a per-queue advisory lock, so position reads,
// assignment, and renumbering are atomic per queue while unrelated queues
// proceed in parallel.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/DesignJungle/qhop/internal/models"
	"github.com/DesignJungle/qhop/internal/store"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const ticketNumberPad = 3

const activeStatuses = "('waiting','called','in_service')"

const ticketColumns = `ticket_id, ticket_number, business_id, queue_id, customer_id, service_id,
	position, status, notes, created_at, called_at, served_at, completed_at`

type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func (s *Store) Join(ctx context.Context, input store.JoinInput) (models.Ticket, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Ticket{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	if err = lockQueue(ctx, tx, input.QueueID); err != nil {
		return models.Ticket{}, err
	}

	queue, err := getQueueTx(ctx, tx, input.QueueID)
	if err != nil {
		return models.Ticket{}, err
	}
	if !queue.IsActive {
		err = store.ErrQueueClosed
		return models.Ticket{}, err
	}

	var alreadyQueued bool
	err = tx.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM tickets
			WHERE customer_id = $1 AND business_id = $2 AND status IN `+activeStatuses+`
		)
	`, input.CustomerID, queue.BusinessID).Scan(&alreadyQueued)
	if err != nil {
		return models.Ticket{}, err
	}
	if alreadyQueued {
		err = store.ErrAlreadyQueued
		return models.Ticket{}, err
	}

	var active int
	err = tx.QueryRow(ctx, `
		SELECT COUNT(*) FROM tickets
		WHERE queue_id = $1 AND status IN `+activeStatuses+`
	`, input.QueueID).Scan(&active)
	if err != nil {
		return models.Ticket{}, err
	}
	if queue.MaxSize > 0 && active >= queue.MaxSize {
		err = store.ErrQueueFull
		return models.Ticket{}, err
	}

	waiting, err := renumberWaiting(ctx, tx, input.QueueID)
	if err != nil {
		return models.Ticket{}, err
	}

	createdAt := input.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	// Number allocation counts across all of the business's queues, so the
	// queue lock alone is not enough. Always taken after the queue lock.
	if err = lockBusiness(ctx, tx, queue.BusinessID); err != nil {
		return models.Ticket{}, err
	}
	number, err := nextTicketNumber(ctx, tx, queue.BusinessID, createdAt)
	if err != nil {
		return models.Ticket{}, err
	}

	ticket := models.Ticket{
		TicketID:     uuid.NewString(),
		TicketNumber: number,
		BusinessID:   queue.BusinessID,
		QueueID:      input.QueueID,
		CustomerID:   input.CustomerID,
		ServiceID:    input.ServiceID,
		Position:     waiting + 1,
		Status:       models.StatusWaiting,
		CreatedAt:    createdAt,
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO tickets (
			ticket_id, ticket_number, business_id, queue_id, customer_id, service_id,
			position, status, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, ticket.TicketID, ticket.TicketNumber, ticket.BusinessID, ticket.QueueID,
		ticket.CustomerID, nullIfEmpty(ticket.ServiceID), ticket.Position, ticket.Status, ticket.CreatedAt)
	if err != nil {
		return models.Ticket{}, err
	}

	if err = insertOutboxEvent(ctx, tx, store.EventTicketCreated, ticket); err != nil {
		return models.Ticket{}, err
	}

	if err = tx.Commit(ctx); err != nil {
		return models.Ticket{}, err
	}
	return ticket, nil
}

func (s *Store) CallNext(ctx context.Context, queueID string, actor store.Actor, calledAt time.Time) (models.Ticket, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Ticket{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	if err = lockQueue(ctx, tx, queueID); err != nil {
		return models.Ticket{}, err
	}

	queue, err := getQueueTx(ctx, tx, queueID)
	if err != nil {
		return models.Ticket{}, err
	}
	if actor.Role == store.RoleBusiness && actor.BusinessID != queue.BusinessID {
		err = store.ErrAccessDenied
		return models.Ticket{}, err
	}

	if calledAt.IsZero() {
		calledAt = time.Now().UTC()
	}

	var ticket models.Ticket
	row := tx.QueryRow(ctx, `
		UPDATE tickets
		SET status = 'called', called_at = $2
		WHERE ticket_id = (
			SELECT ticket_id FROM tickets
			WHERE queue_id = $1 AND status = 'waiting'
			ORDER BY position ASC
			LIMIT 1
		)
		RETURNING `+ticketColumns+`
	`, queueID, calledAt)
	if ticket, err = scanTicket(row); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			err = store.ErrEmptyQueue
		}
		return models.Ticket{}, err
	}

	if err = insertOutboxEvent(ctx, tx, store.EventTicketCalled, ticket); err != nil {
		return models.Ticket{}, err
	}
	if err = tx.Commit(ctx); err != nil {
		return models.Ticket{}, err
	}
	return ticket, nil
}

func (s *Store) AdvanceStatus(ctx context.Context, input store.AdvanceInput) (models.Ticket, error) {
	var queueID string
	err := s.pool.QueryRow(ctx, `SELECT queue_id FROM tickets WHERE ticket_id = $1`, input.TicketID).Scan(&queueID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Ticket{}, store.ErrTicketNotFound
		}
		return models.Ticket{}, err
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Ticket{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	if err = lockQueue(ctx, tx, queueID); err != nil {
		return models.Ticket{}, err
	}

	row := tx.QueryRow(ctx, `
		SELECT `+ticketColumns+` FROM tickets WHERE ticket_id = $1 FOR UPDATE
	`, input.TicketID)
	ticket, err := scanTicket(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			err = store.ErrTicketNotFound
		}
		return models.Ticket{}, err
	}

	if input.Actor.Role == store.RoleBusiness && input.Actor.BusinessID != ticket.BusinessID {
		err = store.ErrAccessDenied
		return models.Ticket{}, err
	}
	if !store.ValidTransition(ticket.Status, input.NewStatus) {
		err = store.ErrIllegalTransition
		return models.Ticket{}, err
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

	_, err = tx.Exec(ctx, `
		UPDATE tickets
		SET status = $2, notes = $3, called_at = $4, served_at = $5, completed_at = $6
		WHERE ticket_id = $1
	`, ticket.TicketID, ticket.Status, nullIfEmpty(ticket.Notes), ticket.CalledAt, ticket.ServedAt, ticket.CompletedAt)
	if err != nil {
		return models.Ticket{}, err
	}

	if models.Terminal(ticket.Status) {
		if _, err = renumberWaiting(ctx, tx, queueID); err != nil {
			return models.Ticket{}, err
		}
	}

	if err = insertOutboxEvent(ctx, tx, eventTypeFor(ticket.Status), ticket); err != nil {
		return models.Ticket{}, err
	}
	if err = tx.Commit(ctx); err != nil {
		return models.Ticket{}, err
	}
	return ticket, nil
}

func (s *Store) Cancel(ctx context.Context, input store.CancelInput) (models.Ticket, error) {
	var customerID, businessID string
	err := s.pool.QueryRow(ctx, `
		SELECT customer_id, business_id FROM tickets WHERE ticket_id = $1
	`, input.TicketID).Scan(&customerID, &businessID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Ticket{}, store.ErrTicketNotFound
		}
		return models.Ticket{}, err
	}

	switch input.Actor.Role {
	case store.RoleCustomer:
		if input.Actor.PrincipalID != customerID {
			return models.Ticket{}, store.ErrAccessDenied
		}
	case store.RoleBusiness:
		if input.Actor.BusinessID != businessID {
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

	rows, err := s.pool.Query(ctx, `
		SELECT ticket_id FROM tickets
		WHERE status = 'called' AND called_at <= $1
		ORDER BY called_at ASC
		LIMIT $2
	`, cutoff, batchSize)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var processed []models.Ticket
	for _, id := range ids {
		ticket, err := s.AdvanceStatus(ctx, store.AdvanceInput{
			TicketID:  id,
			NewStatus: models.StatusNoShow,
		})
		if err != nil {
			// Lost a race with a manual action; skip it.
			continue
		}
		processed = append(processed, ticket)
	}
	return processed, nil
}

func (s *Store) GetTicket(ctx context.Context, ticketID string) (models.Ticket, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+ticketColumns+` FROM tickets WHERE ticket_id = $1`, ticketID)
	ticket, err := scanTicket(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Ticket{}, store.ErrTicketNotFound
		}
		return models.Ticket{}, err
	}
	return ticket, nil
}

func (s *Store) ActiveTicketForCustomer(ctx context.Context, customerID string) (models.Ticket, bool, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+ticketColumns+` FROM tickets
		WHERE customer_id = $1 AND status IN `+activeStatuses+`
		ORDER BY created_at DESC
		LIMIT 1
	`, customerID)
	ticket, err := scanTicket(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Ticket{}, false, nil
		}
		return models.Ticket{}, false, err
	}
	return ticket, true, nil
}

func (s *Store) Snapshot(ctx context.Context, queueID string) ([]models.Ticket, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+ticketColumns+` FROM tickets
		WHERE queue_id = $1 AND status IN `+activeStatuses+`
		ORDER BY (status = 'waiting') DESC, position ASC, created_at ASC
	`, queueID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tickets []models.Ticket
	for rows.Next() {
		ticket, err := scanTicket(rows)
		if err != nil {
			return nil, err
		}
		tickets = append(tickets, ticket)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return tickets, nil
}

func (s *Store) GetQueue(ctx context.Context, queueID string) (models.Queue, error) {
	return getQueue(ctx, s.pool, queueID)
}

func (s *Store) ListActiveQueues(ctx context.Context) ([]models.Queue, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT queue_id, business_id, name, max_size, is_active, avg_service_minutes
		FROM queues
		WHERE is_active
		ORDER BY queue_id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var queues []models.Queue
	for rows.Next() {
		var queue models.Queue
		if err := rows.Scan(&queue.QueueID, &queue.BusinessID, &queue.Name, &queue.MaxSize, &queue.IsActive, &queue.AvgServiceTimeMins); err != nil {
			return nil, err
		}
		queues = append(queues, queue)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return queues, nil
}

func (s *Store) QueueStats(ctx context.Context, queueID string) (store.QueueStats, error) {
	var stats store.QueueStats
	err := s.pool.QueryRow(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE status = 'waiting'),
			COUNT(*) FILTER (WHERE status = 'called'),
			COUNT(*) FILTER (WHERE status = 'in_service')
		FROM tickets
		WHERE queue_id = $1
	`, queueID).Scan(&stats.Waiting, &stats.Called, &stats.InService)
	if err != nil {
		return store.QueueStats{}, err
	}

	var serving sql.NullString
	err = s.pool.QueryRow(ctx, `
		SELECT ticket_number FROM tickets
		WHERE queue_id = $1 AND status = 'in_service'
		ORDER BY served_at DESC NULLS LAST
		LIMIT 1
	`, queueID).Scan(&serving)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return store.QueueStats{}, err
	}
	if serving.Valid {
		stats.ServingNumber = serving.String
	}
	return stats, nil
}

func (s *Store) WaitSample(ctx context.Context, queueID string, since time.Time) ([]time.Duration, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT created_at, served_at FROM tickets
		WHERE queue_id = $1 AND status = 'completed'
			AND completed_at >= $2 AND served_at IS NOT NULL
	`, queueID, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sample []time.Duration
	for rows.Next() {
		var createdAt, servedAt time.Time
		if err := rows.Scan(&createdAt, &servedAt); err != nil {
			return nil, err
		}
		sample = append(sample, servedAt.Sub(createdAt))
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return sample, nil
}

func (s *Store) ListOutboxEvents(ctx context.Context, afterSeq int64, limit int) ([]store.OutboxEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT seq, event_id, business_id, type, payload_json, created_at
		FROM outbox_events
		WHERE seq > $1
		ORDER BY seq ASC
		LIMIT $2
	`, afterSeq, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []store.OutboxEvent
	for rows.Next() {
		var event store.OutboxEvent
		if err := rows.Scan(&event.Seq, &event.EventID, &event.BusinessID, &event.Type, &event.Payload, &event.CreatedAt); err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return events, nil
}

func (s *Store) LatestOutboxSeq(ctx context.Context) (int64, error) {
	var seq int64
	err := s.pool.QueryRow(ctx, `SELECT COALESCE(MAX(seq), 0) FROM outbox_events`).Scan(&seq)
	if err != nil {
		return 0, err
	}
	return seq, nil
}

func (s *Store) GetSession(ctx context.Context, sessionID string) (store.Session, error) {
	var session store.Session
	var businessID sql.NullString
	err := s.pool.QueryRow(ctx, `
		SELECT session_id, principal_id, role, business_id, expires_at
		FROM sessions
		WHERE session_id = $1 AND expires_at > now()
	`, sessionID).Scan(&session.SessionID, &session.PrincipalID, &session.Role, &businessID, &session.ExpiresAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.Session{}, store.ErrSessionNotFound
		}
		return store.Session{}, err
	}
	if businessID.Valid {
		session.BusinessID = businessID.String
	}
	return session, nil
}

// lockQueue serializes the transaction against other mutations of the
// same queue. The lock is released at commit or rollback.
func lockQueue(ctx context.Context, tx pgx.Tx, queueID string) error {
	_, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, queueID)
	return err
}

// lockBusiness serializes ticket-number allocation across the business's
// queues. The unique constraint on (business_id, ticket_number) backstops
// it.
func lockBusiness(ctx context.Context, tx pgx.Tx, businessID string) error {
	_, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, businessID)
	return err
}

// renumberWaiting closes gaps in the queue's waiting positions, keeping
// relative order, and returns the waiting count.
func renumberWaiting(ctx context.Context, tx pgx.Tx, queueID string) (int, error) {
	_, err := tx.Exec(ctx, `
		WITH ordered AS (
			SELECT ticket_id, ROW_NUMBER() OVER (ORDER BY position ASC, created_at ASC) AS new_position
			FROM tickets
			WHERE queue_id = $1 AND status = 'waiting'
		)
		UPDATE tickets
		SET position = ordered.new_position
		FROM ordered
		WHERE tickets.ticket_id = ordered.ticket_id
			AND tickets.position <> ordered.new_position
	`, queueID)
	if err != nil {
		return 0, err
	}

	var waiting int
	err = tx.QueryRow(ctx, `
		SELECT COUNT(*) FROM tickets WHERE queue_id = $1 AND status = 'waiting'
	`, queueID).Scan(&waiting)
	if err != nil {
		return 0, err
	}
	return waiting, nil
}

func nextTicketNumber(ctx context.Context, tx pgx.Tx, businessID string, createdAt time.Time) (string, error) {
	day := createdAt.UTC().Truncate(24 * time.Hour)
	var count int
	err := tx.QueryRow(ctx, `
		SELECT COUNT(*) FROM tickets
		WHERE business_id = $1 AND created_at >= $2 AND created_at < $3
	`, businessID, day, day.Add(24*time.Hour)).Scan(&count)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s-%0*d", createdAt.UTC().Format("20060102"), ticketNumberPad, count+1), nil
}

func insertOutboxEvent(ctx context.Context, tx pgx.Tx, eventType string, ticket models.Ticket) error {
	payload, err := json.Marshal(ticket)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO outbox_events (event_id, business_id, type, payload_json, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, uuid.NewString(), ticket.BusinessID, eventType, payload, time.Now().UTC())
	return err
}

func getQueueTx(ctx context.Context, tx pgx.Tx, queueID string) (models.Queue, error) {
	return getQueue(ctx, tx, queueID)
}

type queryRower interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func getQueue(ctx context.Context, q queryRower, queueID string) (models.Queue, error) {
	var queue models.Queue
	err := q.QueryRow(ctx, `
		SELECT queue_id, business_id, name, max_size, is_active, avg_service_minutes
		FROM queues
		WHERE queue_id = $1
	`, queueID).Scan(&queue.QueueID, &queue.BusinessID, &queue.Name, &queue.MaxSize, &queue.IsActive, &queue.AvgServiceTimeMins)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Queue{}, store.ErrQueueNotFound
		}
		return models.Queue{}, err
	}
	return queue, nil
}

func scanTicket(row pgx.Row) (models.Ticket, error) {
	var ticket models.Ticket
	var serviceID sql.NullString
	var notes sql.NullString
	var calledAt, servedAt, completedAt sql.NullTime
	err := row.Scan(
		&ticket.TicketID, &ticket.TicketNumber, &ticket.BusinessID, &ticket.QueueID,
		&ticket.CustomerID, &serviceID, &ticket.Position, &ticket.Status, &notes,
		&ticket.CreatedAt, &calledAt, &servedAt, &completedAt,
	)
	if err != nil {
		return models.Ticket{}, err
	}
	if serviceID.Valid {
		ticket.ServiceID = serviceID.String
	}
	if notes.Valid {
		ticket.Notes = notes.String
	}
	ticket.CalledAt = nullTimePtr(calledAt)
	ticket.ServedAt = nullTimePtr(servedAt)
	ticket.CompletedAt = nullTimePtr(completedAt)
	return ticket, nil
}

func nullTimePtr(value sql.NullTime) *time.Time {
	if !value.Valid {
		return nil
	}
	t := value.Time
	return &t
}

func nullIfEmpty(value string) interface{} {
	if value == "" {
		return nil
	}
	return value
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
