package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/DesignJungle/qhop/internal/store"
)

type actorContextKey struct{}

// AuthMiddleware resolves the bearer session token into an Actor and
// stashes it in the request context. The session layer is the external
// identity collaborator; the core trusts what it resolves.
func AuthMiddleware(st store.TicketStore, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isPublicEndpoint(r) {
			next.ServeHTTP(w, r)
			return
		}
		sessionID := sessionIDFromRequest(r)
		if sessionID == "" {
			writeError(w, http.StatusUnauthorized, "unauthorized", "missing session")
			return
		}
		session, err := st.GetSession(r.Context(), sessionID)
		if err != nil {
			if errors.Is(err, store.ErrSessionNotFound) {
				writeError(w, http.StatusUnauthorized, "unauthorized", "invalid session")
				return
			}
			writeError(w, http.StatusInternalServerError, "internal_error", "internal server error")
			return
		}
		actor := store.Actor{
			PrincipalID: session.PrincipalID,
			Role:        session.Role,
			BusinessID:  session.BusinessID,
		}
		ctx := context.WithValue(r.Context(), actorContextKey{}, actor)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func actorFromContext(ctx context.Context) (store.Actor, bool) {
	value := ctx.Value(actorContextKey{})
	if value == nil {
		return store.Actor{}, false
	}
	actor, ok := value.(store.Actor)
	return actor, ok
}

func requireActor(w http.ResponseWriter, r *http.Request) (store.Actor, bool) {
	actor, ok := actorFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing session")
		return store.Actor{}, false
	}
	return actor, true
}

func requireRole(w http.ResponseWriter, r *http.Request, role string) (store.Actor, bool) {
	actor, ok := requireActor(w, r)
	if !ok {
		return store.Actor{}, false
	}
	if actor.Role != role {
		writeError(w, http.StatusForbidden, "access_denied", "operation not permitted for this role")
		return store.Actor{}, false
	}
	return actor, true
}

func sessionIDFromRequest(r *http.Request) string {
	if token := bearerToken(r.Header.Get("Authorization")); token != "" {
		return token
	}
	return strings.TrimSpace(r.Header.Get("X-Session-ID"))
}

func bearerToken(header string) string {
	if header == "" {
		return ""
	}
	parts := strings.Fields(header)
	if len(parts) != 2 {
		return ""
	}
	if strings.ToLower(parts[0]) != "bearer" {
		return ""
	}
	return parts[1]
}

func isPublicEndpoint(r *http.Request) bool {
	switch {
	case r.URL.Path == "/healthz" || r.URL.Path == "/metrics":
		return true
	case r.Method == http.MethodGet && strings.HasPrefix(r.URL.Path, "/api/queue/") && strings.HasSuffix(r.URL.Path, "/status"):
		// Queue summaries are displayed on public boards.
		return true
	default:
		return r.Method == http.MethodOptions
	}
}
