// Package realtime is the session/presence gateway: it authenticates
// SockJS connections, maps them to hub topics, serves resync snapshots on
// connect and on demand, and routes business actions into the same ticket
// store the HTTP API uses.
package realtime

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/DesignJungle/qhop/internal/broadcast"
	"github.com/DesignJungle/qhop/internal/hub"
	"github.com/DesignJungle/qhop/internal/models"
	"github.com/DesignJungle/qhop/internal/store"

	"github.com/google/uuid"
	"github.com/igm/sockjs-go/sockjs"
)

type Gateway struct {
	store       store.TicketStore
	hub         *hub.Hub
	coordinator *broadcast.Coordinator
}

func NewGateway(st store.TicketStore, h *hub.Hub, coordinator *broadcast.Coordinator) *Gateway {
	return &Gateway{store: st, hub: h, coordinator: coordinator}
}

func (g *Gateway) Handler(prefix string) http.Handler {
	return sockjs.NewHandler(prefix, sockjs.DefaultOptions, func(session sockjs.Session) {
		g.handleSession(session)
	})
}

// socketSession is the slice of sockjs.Session the gateway drives.
type socketSession interface {
	Request() *http.Request
	Recv() (string, error)
	Send(msg string) error
	Close(status uint32, reason string) error
}

// ClientMessage is what subscribers send over the socket.
type ClientMessage struct {
	Action   string `json:"action"`
	Topic    string `json:"topic,omitempty"`
	ID       string `json:"id,omitempty"`
	QueueID  string `json:"queue_id,omitempty"`
	TicketID string `json:"ticket_id,omitempty"`
	Status   string `json:"status,omitempty"`
	Notes    string `json:"notes,omitempty"`
}

const (
	ActionSubscribe   = "subscribe"
	ActionUnsubscribe = "unsubscribe"
	ActionResync      = "resync"
	ActionCallNext    = "call_next"
	ActionAdvance     = "advance"
)

// ParseMessage validates the envelope of an incoming socket message.
func ParseMessage(data []byte) (ClientMessage, bool) {
	var msg ClientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return ClientMessage{}, false
	}
	switch msg.Action {
	case ActionSubscribe, ActionUnsubscribe:
		return msg, msg.Topic != "" && msg.ID != ""
	case ActionResync:
		return msg, true
	case ActionCallNext:
		return msg, msg.QueueID != ""
	case ActionAdvance:
		return msg, msg.TicketID != "" && msg.Status != ""
	}
	return ClientMessage{}, false
}

// TopicFor resolves a subscribe request to a hub topic, enforcing who may
// listen where: customers own their user topic, businesses own their
// business topic, queue summaries are public.
func TopicFor(actor store.Actor, msg ClientMessage) (string, bool) {
	switch msg.Topic {
	case "user":
		if actor.Role != store.RoleCustomer || msg.ID != actor.PrincipalID {
			return "", false
		}
		return hub.UserTopic(msg.ID), true
	case "business":
		if actor.Role != store.RoleBusiness || msg.ID != actor.BusinessID {
			return "", false
		}
		return hub.BusinessTopic(msg.ID), true
	case "queue":
		return hub.QueueTopic(msg.ID), true
	}
	return "", false
}

func (g *Gateway) handleSession(session socketSession) {
	token := tokenFromRequest(session.Request())
	if token == "" {
		_ = session.Close(4001, "missing session")
		return
	}
	authSession, err := g.store.GetSession(context.Background(), token)
	if err != nil {
		_ = session.Close(4002, "invalid session")
		return
	}
	actor := store.Actor{
		PrincipalID: authSession.PrincipalID,
		Role:        authSession.Role,
		BusinessID:  authSession.BusinessID,
	}

	client := hub.NewClient(uuid.NewString(), 16)
	g.hub.Register(client)
	defer g.hub.Unregister(client)

	go func() {
		for msg := range client.Send {
			_ = session.Send(string(msg))
		}
	}()

	g.autoSubscribe(client, actor)
	g.sendResync(session, actor)

	for {
		raw, err := session.Recv()
		if err != nil {
			return
		}
		msg, ok := ParseMessage([]byte(raw))
		if !ok {
			g.sendError(session, "invalid message")
			continue
		}
		switch msg.Action {
		case ActionSubscribe:
			topic, allowed := TopicFor(actor, msg)
			if !allowed {
				g.sendError(session, "subscription not permitted")
				continue
			}
			g.hub.Subscribe(client, topic)
		case ActionUnsubscribe:
			if topic, allowed := TopicFor(actor, msg); allowed {
				g.hub.Unsubscribe(client, topic)
			}
		case ActionResync:
			g.sendResync(session, actor)
		case ActionCallNext:
			g.handleCallNext(session, actor, msg)
		case ActionAdvance:
			g.handleAdvance(session, actor, msg)
		}
	}
}

// autoSubscribe attaches the default topics for the principal: customers
// follow their own ticket and its queue, businesses follow their whole
// operation.
func (g *Gateway) autoSubscribe(client *hub.Client, actor store.Actor) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	switch actor.Role {
	case store.RoleCustomer:
		g.hub.Subscribe(client, hub.UserTopic(actor.PrincipalID))
		ticket, found, err := g.store.ActiveTicketForCustomer(ctx, actor.PrincipalID)
		if err != nil {
			log.Printf("active ticket lookup: %v", err)
			return
		}
		if found {
			g.hub.Subscribe(client, hub.QueueTopic(ticket.QueueID))
			g.hub.Subscribe(client, hub.BusinessTopic(ticket.BusinessID))
		}
	case store.RoleBusiness:
		g.hub.Subscribe(client, hub.BusinessTopic(actor.BusinessID))
	}
}

type resyncPayload struct {
	Type      string                `json:"type"`
	Ticket    *models.Ticket        `json:"ticket,omitempty"`
	Summaries []models.QueueSummary `json:"summaries,omitempty"`
	Timestamp time.Time             `json:"timestamp"`
}

// sendResync pushes the full current state so a reconnecting subscriber
// never depends on buffered event delivery.
func (g *Gateway) sendResync(session socketSession, actor store.Actor) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	payload := resyncPayload{Type: "resync", Timestamp: time.Now().UTC()}
	switch actor.Role {
	case store.RoleCustomer:
		ticket, found, err := g.store.ActiveTicketForCustomer(ctx, actor.PrincipalID)
		if err != nil {
			log.Printf("resync ticket lookup: %v", err)
			return
		}
		if found {
			if minutes, err := broadcast.EstimateWait(ctx, g.store, ticket.QueueID, ticket.Position); err == nil {
				ticket.EstimatedMin = minutes
			}
			payload.Ticket = &ticket
			summary, err := broadcast.BuildSummary(ctx, g.store, ticket.QueueID)
			if err == nil {
				payload.Summaries = []models.QueueSummary{summary}
			}
		}
	case store.RoleBusiness:
		queues, err := g.store.ListActiveQueues(ctx)
		if err != nil {
			log.Printf("resync queue list: %v", err)
			return
		}
		for _, queue := range queues {
			if queue.BusinessID != actor.BusinessID {
				continue
			}
			summary, err := broadcast.BuildSummary(ctx, g.store, queue.QueueID)
			if err != nil {
				continue
			}
			payload.Summaries = append(payload.Summaries, summary)
		}
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	_ = session.Send(string(data))
}

func (g *Gateway) handleCallNext(session socketSession, actor store.Actor, msg ClientMessage) {
	if actor.Role != store.RoleBusiness {
		g.sendError(session, "business session required")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ticket, err := g.store.CallNext(ctx, msg.QueueID, actor, time.Now().UTC())
	if err != nil {
		g.sendError(session, err.Error())
		return
	}
	g.coordinator.TicketChanged(ctx, ticket)
}

func (g *Gateway) handleAdvance(session socketSession, actor store.Actor, msg ClientMessage) {
	if actor.Role != store.RoleBusiness {
		g.sendError(session, "business session required")
		return
	}
	if !models.Active(msg.Status) && !models.Terminal(msg.Status) {
		g.sendError(session, "unknown status value")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ticket, err := g.store.AdvanceStatus(ctx, store.AdvanceInput{
		TicketID:   msg.TicketID,
		NewStatus:  msg.Status,
		Notes:      msg.Notes,
		Actor:      actor,
		OccurredAt: time.Now().UTC(),
	})
	if err != nil {
		g.sendError(session, err.Error())
		return
	}
	g.coordinator.TicketChanged(ctx, ticket)
}

func (g *Gateway) sendError(session socketSession, message string) {
	data, err := json.Marshal(map[string]string{"type": "error", "message": message})
	if err != nil {
		return
	}
	_ = session.Send(string(data))
}

func tokenFromRequest(r *http.Request) string {
	if r == nil {
		return ""
	}
	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}
	header := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(header) > len(prefix) && header[:len(prefix)] == prefix {
		return header[len(prefix):]
	}
	return ""
}
