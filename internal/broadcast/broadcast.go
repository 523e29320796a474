// Package broadcast fans ticket and queue deltas out to realtime
// subscribers. Delivery is fire-and-forget: a failed or dropped send is
// healed by the periodic sweep or by a resync on reconnect, never by the
// mutating operation that triggered it.
package broadcast

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/DesignJungle/qhop/internal/estimator"
	"github.com/DesignJungle/qhop/internal/hub"
	"github.com/DesignJungle/qhop/internal/models"
	"github.com/DesignJungle/qhop/internal/store"
)

const (
	EventTicketUpdate = "ticket-update"
	EventQueueSummary = "queue-summary"
)

type Event struct {
	Type      string               `json:"type"`
	Ticket    *models.Ticket       `json:"ticket,omitempty"`
	Summary   *models.QueueSummary `json:"summary,omitempty"`
	Message   string               `json:"message,omitempty"`
	Timestamp time.Time            `json:"timestamp"`
}

// Publisher delivers a payload to one topic. The in-process hub is the
// baseline implementation; the redis bus layers cross-instance delivery on
// top of it.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte)
}

// HubPublisher publishes straight into the local hub.
type HubPublisher struct {
	Hub *hub.Hub
}

func (p HubPublisher) Publish(ctx context.Context, topic string, payload []byte) {
	p.Hub.Broadcast(topic, payload)
}

type Coordinator struct {
	store     store.TicketStore
	publisher Publisher
}

func NewCoordinator(st store.TicketStore, publisher Publisher) *Coordinator {
	return &Coordinator{store: st, publisher: publisher}
}

// TicketChanged publishes the ticket delta to the owning customer and the
// business, then the recomputed queue summary to the queue topic. Called
// after the store transaction commits, outside the per-queue lock.
func (c *Coordinator) TicketChanged(ctx context.Context, ticket models.Ticket) {
	event := Event{
		Type:      EventTicketUpdate,
		Ticket:    &ticket,
		Message:   StatusMessage(ticket.Status),
		Timestamp: time.Now().UTC(),
	}
	payload, err := json.Marshal(event)
	if err != nil {
		log.Printf("marshal ticket event: %v", err)
		return
	}
	c.publisher.Publish(ctx, hub.UserTopic(ticket.CustomerID), payload)
	c.publisher.Publish(ctx, hub.BusinessTopic(ticket.BusinessID), payload)

	c.PublishSummary(ctx, ticket.QueueID)
}

// PublishSummary recomputes the queue summary and publishes it to the
// queue and business topics.
func (c *Coordinator) PublishSummary(ctx context.Context, queueID string) {
	summary, err := BuildSummary(ctx, c.store, queueID)
	if err != nil {
		log.Printf("queue summary %s: %v", queueID, err)
		return
	}
	event := Event{Type: EventQueueSummary, Summary: &summary, Timestamp: summary.UpdatedAt}
	payload, err := json.Marshal(event)
	if err != nil {
		log.Printf("marshal summary event: %v", err)
		return
	}
	c.publisher.Publish(ctx, hub.QueueTopic(queueID), payload)
	c.publisher.Publish(ctx, hub.BusinessTopic(summary.BusinessID), payload)
}

// Sweep republishes the summary of every active queue. Running it on a
// fixed interval guarantees eventual convergence for subscribers that
// missed individual events.
func (c *Coordinator) Sweep(ctx context.Context) {
	queues, err := c.store.ListActiveQueues(ctx)
	if err != nil {
		log.Printf("sweep list queues: %v", err)
		return
	}
	for _, queue := range queues {
		c.PublishSummary(ctx, queue.QueueID)
	}
}

// Run sweeps on the given interval until the context is cancelled.
func (c *Coordinator) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sweepCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			c.Sweep(sweepCtx)
			cancel()
		}
	}
}

// BuildSummary assembles the queue summary from current state: status
// counts, the currently serving ticket number, and the wait estimate from
// the trailing completion sample.
func BuildSummary(ctx context.Context, st store.TicketStore, queueID string) (models.QueueSummary, error) {
	queue, err := st.GetQueue(ctx, queueID)
	if err != nil {
		return models.QueueSummary{}, err
	}
	stats, err := st.QueueStats(ctx, queueID)
	if err != nil {
		return models.QueueSummary{}, err
	}
	sample, err := st.WaitSample(ctx, queueID, time.Now().UTC().Add(-estimator.Window))
	if err != nil {
		return models.QueueSummary{}, err
	}
	perCustomer := estimator.PerCustomerMinutes(sample, queue.AvgServiceTimeMins)
	return models.QueueSummary{
		QueueID:          queueID,
		BusinessID:       queue.BusinessID,
		Waiting:          stats.Waiting,
		Called:           stats.Called,
		InService:        stats.InService,
		AvgWaitMinutes:   perCustomer,
		EstimatedWaitMin: perCustomer * stats.Waiting,
		ServingNumber:    stats.ServingNumber,
		UpdatedAt:        time.Now().UTC(),
	}, nil
}

// EstimateWait resolves the ETA in minutes for a ticket at the given
// position in the queue.
func EstimateWait(ctx context.Context, st store.TicketStore, queueID string, position int) (int, error) {
	queue, err := st.GetQueue(ctx, queueID)
	if err != nil {
		return 0, err
	}
	sample, err := st.WaitSample(ctx, queueID, time.Now().UTC().Add(-estimator.Window))
	if err != nil {
		return 0, err
	}
	return estimator.WaitMinutes(sample, queue.AvgServiceTimeMins, position), nil
}

// StatusMessage is the customer-facing line attached to ticket events.
func StatusMessage(status string) string {
	switch status {
	case models.StatusWaiting:
		return "You are in the queue. Please wait for your turn."
	case models.StatusCalled:
		return "You have been called! Please proceed to the service area."
	case models.StatusInService:
		return "You are currently being served."
	case models.StatusCompleted:
		return "Service completed. Thank you for using QHop!"
	case models.StatusCancelled:
		return "Your ticket has been cancelled."
	case models.StatusNoShow:
		return "Marked as no-show. Please rejoin the queue if needed."
	}
	return "Status updated."
}
