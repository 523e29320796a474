package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/DesignJungle/qhop/internal/broadcast"
	"github.com/DesignJungle/qhop/internal/hub"
	"github.com/DesignJungle/qhop/internal/models"
	"github.com/DesignJungle/qhop/internal/store"

	"github.com/google/uuid"
)

type fakeStore struct {
	joinFn       func(ctx context.Context, input store.JoinInput) (models.Ticket, error)
	callNextFn   func(ctx context.Context, queueID string, actor store.Actor, calledAt time.Time) (models.Ticket, error)
	advanceFn    func(ctx context.Context, input store.AdvanceInput) (models.Ticket, error)
	cancelFn     func(ctx context.Context, input store.CancelInput) (models.Ticket, error)
	getTicketFn  func(ctx context.Context, ticketID string) (models.Ticket, error)
	activeFn     func(ctx context.Context, customerID string) (models.Ticket, bool, error)
	snapshotFn   func(ctx context.Context, queueID string) ([]models.Ticket, error)
	getQueueFn   func(ctx context.Context, queueID string) (models.Queue, error)
	statsFn      func(ctx context.Context, queueID string) (store.QueueStats, error)
	sessionFn    func(ctx context.Context, sessionID string) (store.Session, error)
}

func (f fakeStore) Join(ctx context.Context, input store.JoinInput) (models.Ticket, error) {
	if f.joinFn == nil {
		return models.Ticket{}, nil
	}
	return f.joinFn(ctx, input)
}

func (f fakeStore) CallNext(ctx context.Context, queueID string, actor store.Actor, calledAt time.Time) (models.Ticket, error) {
	if f.callNextFn == nil {
		return models.Ticket{}, nil
	}
	return f.callNextFn(ctx, queueID, actor, calledAt)
}

func (f fakeStore) AdvanceStatus(ctx context.Context, input store.AdvanceInput) (models.Ticket, error) {
	if f.advanceFn == nil {
		return models.Ticket{}, nil
	}
	return f.advanceFn(ctx, input)
}

func (f fakeStore) Cancel(ctx context.Context, input store.CancelInput) (models.Ticket, error) {
	if f.cancelFn == nil {
		return models.Ticket{}, nil
	}
	return f.cancelFn(ctx, input)
}

func (f fakeStore) AutoNoShow(ctx context.Context, grace time.Duration, batchSize int) ([]models.Ticket, error) {
	return nil, nil
}

func (f fakeStore) GetTicket(ctx context.Context, ticketID string) (models.Ticket, error) {
	if f.getTicketFn == nil {
		return models.Ticket{}, store.ErrTicketNotFound
	}
	return f.getTicketFn(ctx, ticketID)
}

func (f fakeStore) ActiveTicketForCustomer(ctx context.Context, customerID string) (models.Ticket, bool, error) {
	if f.activeFn == nil {
		return models.Ticket{}, false, nil
	}
	return f.activeFn(ctx, customerID)
}

func (f fakeStore) Snapshot(ctx context.Context, queueID string) ([]models.Ticket, error) {
	if f.snapshotFn == nil {
		return nil, nil
	}
	return f.snapshotFn(ctx, queueID)
}

func (f fakeStore) GetQueue(ctx context.Context, queueID string) (models.Queue, error) {
	if f.getQueueFn == nil {
		return models.Queue{QueueID: queueID}, nil
	}
	return f.getQueueFn(ctx, queueID)
}

func (f fakeStore) ListActiveQueues(ctx context.Context) ([]models.Queue, error) {
	return nil, nil
}

func (f fakeStore) QueueStats(ctx context.Context, queueID string) (store.QueueStats, error) {
	if f.statsFn == nil {
		return store.QueueStats{}, nil
	}
	return f.statsFn(ctx, queueID)
}

func (f fakeStore) WaitSample(ctx context.Context, queueID string, since time.Time) ([]time.Duration, error) {
	return nil, nil
}

func (f fakeStore) ListOutboxEvents(ctx context.Context, afterSeq int64, limit int) ([]store.OutboxEvent, error) {
	return nil, nil
}

func (f fakeStore) LatestOutboxSeq(ctx context.Context) (int64, error) {
	return 0, nil
}

func (f fakeStore) GetSession(ctx context.Context, sessionID string) (store.Session, error) {
	if f.sessionFn == nil {
		return store.Session{}, store.ErrSessionNotFound
	}
	return f.sessionFn(ctx, sessionID)
}

func sessionsFor(sessions map[string]store.Session) func(ctx context.Context, sessionID string) (store.Session, error) {
	return func(ctx context.Context, sessionID string) (store.Session, error) {
		session, ok := sessions[sessionID]
		if !ok {
			return store.Session{}, store.ErrSessionNotFound
		}
		return session, nil
	}
}

func newTestServer(st fakeStore) http.Handler {
	coordinator := broadcast.NewCoordinator(st, broadcast.HubPublisher{Hub: hub.New()})
	handler := NewHandler(st, coordinator)
	return AuthMiddleware(st, handler.Routes())
}

func doJSON(t *testing.T, server http.Handler, method, path, token string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, req)
	return rec
}

func decodeErrorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var resp errorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode error response: %v", err)
	}
	return resp.Error.Code
}

func TestJoinEndpoint(t *testing.T) {
	customerID := uuid.NewString()
	queueID := uuid.NewString()
	st := fakeStore{
		sessionFn: sessionsFor(map[string]store.Session{
			"tok-customer": {SessionID: "tok-customer", PrincipalID: customerID, Role: store.RoleCustomer},
		}),
		joinFn: func(ctx context.Context, input store.JoinInput) (models.Ticket, error) {
			if input.CustomerID != customerID {
				t.Fatalf("customer from session = %q, want %q", input.CustomerID, customerID)
			}
			return models.Ticket{
				TicketID:   uuid.NewString(),
				QueueID:    input.QueueID,
				CustomerID: input.CustomerID,
				Position:   3,
				Status:     models.StatusWaiting,
			}, nil
		},
	}
	server := newTestServer(st)

	rec := doJSON(t, server, http.MethodPost, "/api/queue/join", "tok-customer", joinRequest{QueueID: queueID})
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	var ticket models.Ticket
	if err := json.Unmarshal(rec.Body.Bytes(), &ticket); err != nil {
		t.Fatalf("decode ticket: %v", err)
	}
	if ticket.Position != 3 {
		t.Fatalf("position = %d, want 3", ticket.Position)
	}
	// Position 3 with the default estimate.
	if ticket.EstimatedMin != 45 {
		t.Fatalf("estimated minutes = %d, want 45", ticket.EstimatedMin)
	}
}

func TestJoinRequiresCustomerSession(t *testing.T) {
	st := fakeStore{
		sessionFn: sessionsFor(map[string]store.Session{
			"tok-business": {SessionID: "tok-business", PrincipalID: uuid.NewString(), Role: store.RoleBusiness, BusinessID: uuid.NewString()},
		}),
	}
	server := newTestServer(st)
	body := joinRequest{QueueID: uuid.NewString()}

	rec := doJSON(t, server, http.MethodPost, "/api/queue/join", "", body)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("no token status = %d", rec.Code)
	}
	rec = doJSON(t, server, http.MethodPost, "/api/queue/join", "bogus", body)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("bad token status = %d", rec.Code)
	}
	rec = doJSON(t, server, http.MethodPost, "/api/queue/join", "tok-business", body)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("business join status = %d", rec.Code)
	}
}

func TestJoinConflictMapping(t *testing.T) {
	cases := []struct {
		err  error
		code string
	}{
		{store.ErrQueueFull, "queue_full"},
		{store.ErrQueueClosed, "queue_closed"},
		{store.ErrAlreadyQueued, "already_queued"},
	}
	for _, tt := range cases {
		st := fakeStore{
			sessionFn: sessionsFor(map[string]store.Session{
				"tok": {SessionID: "tok", PrincipalID: uuid.NewString(), Role: store.RoleCustomer},
			}),
			joinFn: func(ctx context.Context, input store.JoinInput) (models.Ticket, error) {
				return models.Ticket{}, tt.err
			},
		}
		server := newTestServer(st)
		rec := doJSON(t, server, http.MethodPost, "/api/queue/join", "tok", joinRequest{QueueID: uuid.NewString()})
		if rec.Code != http.StatusConflict {
			t.Fatalf("%v: status = %d, want 409", tt.err, rec.Code)
		}
		if got := decodeErrorCode(t, rec); got != tt.code {
			t.Fatalf("%v: code = %q, want %q", tt.err, got, tt.code)
		}
	}
}

func TestJoinValidation(t *testing.T) {
	st := fakeStore{
		sessionFn: sessionsFor(map[string]store.Session{
			"tok": {SessionID: "tok", PrincipalID: uuid.NewString(), Role: store.RoleCustomer},
		}),
		joinFn: func(ctx context.Context, input store.JoinInput) (models.Ticket, error) {
			t.Fatal("store must not be touched on validation failure")
			return models.Ticket{}, nil
		},
	}
	server := newTestServer(st)

	rec := doJSON(t, server, http.MethodPost, "/api/queue/join", "tok", joinRequest{QueueID: "not-a-uuid"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/queue/join", bytes.NewReader([]byte("{broken")))
	req.Header.Set("Authorization", "Bearer tok")
	rec = httptest.NewRecorder()
	server.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("broken json status = %d, want 400", rec.Code)
	}
}

func TestCallNextEndpoint(t *testing.T) {
	businessID := uuid.NewString()
	queueID := uuid.NewString()
	st := fakeStore{
		sessionFn: sessionsFor(map[string]store.Session{
			"tok-biz": {SessionID: "tok-biz", PrincipalID: uuid.NewString(), Role: store.RoleBusiness, BusinessID: businessID},
		}),
		callNextFn: func(ctx context.Context, qID string, actor store.Actor, calledAt time.Time) (models.Ticket, error) {
			if qID != queueID || actor.BusinessID != businessID {
				t.Fatalf("call next got queue=%q actor=%+v", qID, actor)
			}
			now := time.Now().UTC()
			return models.Ticket{TicketID: uuid.NewString(), QueueID: qID, Status: models.StatusCalled, CalledAt: &now}, nil
		},
	}
	server := newTestServer(st)

	rec := doJSON(t, server, http.MethodPost, "/api/queue/call-next", "tok-biz", callNextRequest{QueueID: queueID})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
}

func TestCallNextEmptyQueue(t *testing.T) {
	st := fakeStore{
		sessionFn: sessionsFor(map[string]store.Session{
			"tok-biz": {SessionID: "tok-biz", Role: store.RoleBusiness, BusinessID: uuid.NewString()},
		}),
		callNextFn: func(ctx context.Context, queueID string, actor store.Actor, calledAt time.Time) (models.Ticket, error) {
			return models.Ticket{}, store.ErrEmptyQueue
		},
	}
	server := newTestServer(st)
	rec := doJSON(t, server, http.MethodPost, "/api/queue/call-next", "tok-biz", callNextRequest{QueueID: uuid.NewString()})
	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", rec.Code)
	}
	if got := decodeErrorCode(t, rec); got != "empty_queue" {
		t.Fatalf("code = %q, want empty_queue", got)
	}
}

func TestAdvanceStatusEndpoint(t *testing.T) {
	ticketID := uuid.NewString()
	st := fakeStore{
		sessionFn: sessionsFor(map[string]store.Session{
			"tok-biz": {SessionID: "tok-biz", Role: store.RoleBusiness, BusinessID: uuid.NewString()},
		}),
		advanceFn: func(ctx context.Context, input store.AdvanceInput) (models.Ticket, error) {
			if input.TicketID != ticketID || input.NewStatus != models.StatusInService {
				t.Fatalf("advance input = %+v", input)
			}
			return models.Ticket{TicketID: ticketID, Status: models.StatusInService}, nil
		},
	}
	server := newTestServer(st)

	rec := doJSON(t, server, http.MethodPost, "/api/tickets/"+ticketID+"/status", "tok-biz", advanceRequest{Status: models.StatusInService})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
}

func TestAdvanceStatusRejectsUnknownStatusBeforeStore(t *testing.T) {
	st := fakeStore{
		sessionFn: sessionsFor(map[string]store.Session{
			"tok-biz": {SessionID: "tok-biz", Role: store.RoleBusiness, BusinessID: uuid.NewString()},
		}),
		advanceFn: func(ctx context.Context, input store.AdvanceInput) (models.Ticket, error) {
			t.Fatal("store must not see unknown status values")
			return models.Ticket{}, nil
		},
	}
	server := newTestServer(st)
	rec := doJSON(t, server, http.MethodPost, "/api/tickets/"+uuid.NewString()+"/status", "tok-biz", advanceRequest{Status: "SHIPPED"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestAdvanceStatusIllegalTransition(t *testing.T) {
	st := fakeStore{
		sessionFn: sessionsFor(map[string]store.Session{
			"tok-biz": {SessionID: "tok-biz", Role: store.RoleBusiness, BusinessID: uuid.NewString()},
		}),
		advanceFn: func(ctx context.Context, input store.AdvanceInput) (models.Ticket, error) {
			return models.Ticket{}, store.ErrIllegalTransition
		},
	}
	server := newTestServer(st)
	rec := doJSON(t, server, http.MethodPost, "/api/tickets/"+uuid.NewString()+"/status", "tok-biz", advanceRequest{Status: models.StatusCompleted})
	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", rec.Code)
	}
	if got := decodeErrorCode(t, rec); got != "illegal_transition" {
		t.Fatalf("code = %q", got)
	}
}

func TestLeaveEndpoint(t *testing.T) {
	customerID := uuid.NewString()
	ticketID := uuid.NewString()
	st := fakeStore{
		sessionFn: sessionsFor(map[string]store.Session{
			"tok": {SessionID: "tok", PrincipalID: customerID, Role: store.RoleCustomer},
		}),
		cancelFn: func(ctx context.Context, input store.CancelInput) (models.Ticket, error) {
			if input.TicketID != ticketID || input.Actor.PrincipalID != customerID {
				t.Fatalf("cancel input = %+v", input)
			}
			return models.Ticket{TicketID: ticketID, Status: models.StatusCancelled}, nil
		},
	}
	server := newTestServer(st)
	rec := doJSON(t, server, http.MethodPost, "/api/queue/leave", "tok", leaveRequest{TicketID: ticketID})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
}

func TestQueueStatusIsPublic(t *testing.T) {
	queueID := uuid.NewString()
	st := fakeStore{
		getQueueFn: func(ctx context.Context, qID string) (models.Queue, error) {
			return models.Queue{QueueID: qID, BusinessID: uuid.NewString(), AvgServiceTimeMins: 10, IsActive: true}, nil
		},
		statsFn: func(ctx context.Context, qID string) (store.QueueStats, error) {
			return store.QueueStats{Waiting: 4, Called: 1, InService: 1, ServingNumber: "20260830-002"}, nil
		},
	}
	server := newTestServer(st)

	rec := doJSON(t, server, http.MethodGet, "/api/queue/"+queueID+"/status", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	var summary models.QueueSummary
	if err := json.Unmarshal(rec.Body.Bytes(), &summary); err != nil {
		t.Fatalf("decode summary: %v", err)
	}
	if summary.Waiting != 4 || summary.EstimatedWaitMin != 40 || summary.ServingNumber != "20260830-002" {
		t.Fatalf("summary = %+v", summary)
	}
}

func TestSnapshotRequiresOwningBusiness(t *testing.T) {
	queueID := uuid.NewString()
	owner := uuid.NewString()
	st := fakeStore{
		sessionFn: sessionsFor(map[string]store.Session{
			"tok-owner": {SessionID: "tok-owner", Role: store.RoleBusiness, BusinessID: owner},
			"tok-other": {SessionID: "tok-other", Role: store.RoleBusiness, BusinessID: uuid.NewString()},
		}),
		getQueueFn: func(ctx context.Context, qID string) (models.Queue, error) {
			return models.Queue{QueueID: qID, BusinessID: owner}, nil
		},
		snapshotFn: func(ctx context.Context, qID string) ([]models.Ticket, error) {
			return []models.Ticket{{TicketID: uuid.NewString(), QueueID: qID, Position: 1, Status: models.StatusWaiting}}, nil
		},
	}
	server := newTestServer(st)

	rec := doJSON(t, server, http.MethodGet, "/api/queue/"+queueID+"/snapshot", "tok-owner", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("owner status = %d", rec.Code)
	}
	rec = doJSON(t, server, http.MethodGet, "/api/queue/"+queueID+"/snapshot", "tok-other", nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("other business status = %d, want 403", rec.Code)
	}
}

func TestActiveTicketEndpoint(t *testing.T) {
	customerID := uuid.NewString()
	st := fakeStore{
		sessionFn: sessionsFor(map[string]store.Session{
			"tok": {SessionID: "tok", PrincipalID: customerID, Role: store.RoleCustomer},
		}),
		activeFn: func(ctx context.Context, cID string) (models.Ticket, bool, error) {
			if cID != customerID {
				t.Fatalf("customer = %q", cID)
			}
			return models.Ticket{TicketID: uuid.NewString(), CustomerID: cID, Position: 2, Status: models.StatusWaiting}, true, nil
		},
	}
	server := newTestServer(st)

	rec := doJSON(t, server, http.MethodGet, "/api/tickets/active", "tok", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	st.activeFn = func(ctx context.Context, cID string) (models.Ticket, bool, error) {
		return models.Ticket{}, false, nil
	}
	server = newTestServer(st)
	rec = doJSON(t, server, http.MethodGet, "/api/tickets/active", "tok", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("no ticket status = %d, want 404", rec.Code)
	}
}
