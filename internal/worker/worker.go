// Package worker turns ticket outbox events into notification intents.
// It tails the outbox the state machine writes transactionally, so a
// mutation is never lost to a crashed dispatch; a failed send is logged
// and skipped, never retried into the mutation path.
package worker

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/DesignJungle/qhop/internal/broadcast"
	"github.com/DesignJungle/qhop/internal/models"
	"github.com/DesignJungle/qhop/internal/store"
)

type Worker struct {
	store     store.TicketStore
	provider  Provider
	batchSize int
	offset    int64
	primed    bool
}

type Config struct {
	BatchSize int
	Provider  Provider
}

func New(st store.TicketStore, cfg Config) *Worker {
	batch := cfg.BatchSize
	if batch <= 0 {
		batch = 50
	}
	provider := cfg.Provider
	if provider == nil {
		provider = logProvider{}
	}
	return &Worker{
		store:     st,
		provider:  provider,
		batchSize: batch,
	}
}

// RunOnce drains one outbox batch. The first call skips to the end of the
// outbox: events from before the worker started observing are not
// replayed.
func (w *Worker) RunOnce(ctx context.Context) error {
	if !w.primed {
		seq, err := w.store.LatestOutboxSeq(ctx)
		if err != nil {
			return err
		}
		w.offset = seq
		w.primed = true
	}
	events, err := w.store.ListOutboxEvents(ctx, w.offset, w.batchSize)
	if err != nil {
		return err
	}
	for _, event := range events {
		if err := w.processEvent(ctx, event); err != nil {
			log.Printf("notify process error: %v", err)
		}
		w.offset = event.Seq
	}
	return nil
}

// Run polls the outbox on the given interval until the context is
// cancelled.
func (w *Worker) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pollCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			if err := w.RunOnce(pollCtx); err != nil {
				log.Printf("notify poll error: %v", err)
			}
			cancel()
		}
	}
}

func (w *Worker) processEvent(ctx context.Context, event store.OutboxEvent) error {
	if !notifiable(event.Type) {
		return nil
	}
	var ticket models.Ticket
	if err := json.Unmarshal(event.Payload, &ticket); err != nil {
		return err
	}
	if ticket.CustomerID == "" {
		return nil
	}
	message := broadcast.StatusMessage(ticket.Status)
	return w.provider.Send(ctx, message, ticket.CustomerID)
}

// notifiable filters event types down to the ones a customer should hear
// about. Joins are acknowledged inline by the API; cancellations are
// customer-initiated more often than not.
func notifiable(eventType string) bool {
	switch eventType {
	case store.EventTicketCalled, store.EventTicketUpdated, store.EventTicketNoShow:
		return true
	}
	return false
}
