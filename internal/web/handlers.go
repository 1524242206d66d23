package web

import (
	"errors"
	"fmt"
	"log"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/driftline/atrium/internal/integration"
	"github.com/driftline/atrium/internal/integration/provider"
	"github.com/driftline/atrium/internal/navigation"
	"github.com/driftline/atrium/internal/platform/id"
	"github.com/driftline/atrium/internal/session"
	"github.com/driftline/atrium/internal/session/cookie"
	"github.com/driftline/atrium/internal/web/authctx"
	"github.com/driftline/atrium/internal/web/httpx"
)

type handlers struct {
	store     SessionStore
	codec     *cookie.Codec
	pool      *connectorPool
	providers *provider.Registry
	secure    bool
}

// resolveSession reads the session cookie and attaches the resolved session
// snapshot to the request context. A missing or invalid cookie resolves to
// an anonymous session; a store failure or a snapshot violating the session
// invariant leaves it unresolved so the guard holds instead of redirecting
// to login.
func (h *handlers) resolveSession() httpx.Middleware {
	return func(next http.Handler) http.Handler {
		if next == nil {
			next = http.NotFoundHandler()
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sess := session.Anonymous()
			if token, ok := cookie.Read(r); ok {
				if sessionID, err := h.codec.Verify(token); err == nil {
					resolved, err := h.store.Resolve(r.Context(), sessionID)
					if err == nil {
						err = resolved.Validate()
					}
					if err != nil {
						log.Printf("resolve session: %v", err)
						sess = session.Unresolved()
					} else {
						sess = resolved
					}
				}
			}
			next.ServeHTTP(w, r.WithContext(authctx.WithSession(r.Context(), sess)))
		})
	}
}

// requireUser gates protected endpoints on an authenticated session.
func (h *handlers) requireUser(next func(w http.ResponseWriter, r *http.Request, userID string)) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sess := authctx.SessionFrom(r.Context())
		if !sess.Resolved {
			w.Header().Set("Retry-After", "1")
			_ = httpx.WriteJSONError(w, http.StatusServiceUnavailable, "session unresolved")
			return
		}
		if !sess.Authenticated {
			_ = httpx.WriteJSONError(w, http.StatusUnauthorized, "authentication required")
			return
		}
		next(w, r, sess.UserID())
	})
}

func (h *handlers) login(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		_ = httpx.WriteJSONError(w, http.StatusBadRequest, "malformed form")
		return
	}
	userID := strings.ToLower(strings.TrimSpace(r.PostForm.Get("email")))
	if userID == "" {
		_ = httpx.WriteJSONError(w, http.StatusBadRequest, "email is required")
		return
	}

	sessionID, err := h.store.CreateSession(r.Context(), userID)
	if err != nil {
		log.Printf("create session: %v", err)
		_ = httpx.WriteJSONError(w, http.StatusInternalServerError, "could not create session")
		return
	}
	token, err := h.codec.Issue(sessionID)
	if err != nil {
		log.Printf("issue session token: %v", err)
		_ = httpx.WriteJSONError(w, http.StatusInternalServerError, "could not create session")
		return
	}
	cookie.Write(w, token, h.secure)
	_ = httpx.WriteJSON(w, http.StatusOK, map[string]string{"user_id": userID})
}

func (h *handlers) logout(w http.ResponseWriter, r *http.Request) {
	if token, ok := cookie.Read(r); ok {
		if sessionID, err := h.codec.Verify(token); err == nil {
			if err := h.store.DeleteSession(r.Context(), sessionID); err != nil {
				log.Printf("delete session: %v", err)
			}
		}
	}
	if sess := authctx.SessionFrom(r.Context()); sess.Authenticated {
		h.pool.drop(sess.UserID())
	}
	cookie.Clear(w, h.secure)
	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) navigationDecision(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Query().Get("path")
	if strings.TrimSpace(path) == "" {
		_ = httpx.WriteJSONError(w, http.StatusBadRequest, "path is required")
		return
	}
	sess := authctx.SessionFrom(r.Context())
	decision := navigation.Evaluate(sess, path, r.URL.Query().Get("redirect"))
	_ = httpx.WriteJSON(w, http.StatusOK, map[string]string{
		"action": decision.Action.String(),
		"target": decision.Target,
	})
}

func (h *handlers) completeOnboarding(w http.ResponseWriter, r *http.Request, userID string) {
	if err := h.store.CompleteOnboarding(r.Context(), userID); err != nil {
		if errors.Is(err, session.ErrUnknownUser) {
			_ = httpx.WriteJSONError(w, http.StatusNotFound, "unknown user")
			return
		}
		log.Printf("complete onboarding: %v", err)
		_ = httpx.WriteJSONError(w, http.StatusInternalServerError, "could not complete onboarding")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type providerPayload struct {
	ID               string `json:"id"`
	Name             string `json:"name"`
	AuthorizationURL string `json:"authorization_url"`
}

// integrationProviders lists the registered OAuth providers with a fresh
// authorization URL per provider, for clients that pick a mailbox provider
// before the connect flow starts.
func (h *handlers) integrationProviders(w http.ResponseWriter, _ *http.Request, _ string) {
	ids := h.providers.IDs()
	sort.Strings(ids)

	payload := make([]providerPayload, 0, len(ids))
	for _, providerID := range ids {
		p, ok := h.providers.Get(providerID)
		if !ok {
			continue
		}
		state, err := id.NewID()
		if err != nil {
			log.Printf("generate authorization state: %v", err)
			_ = httpx.WriteJSONError(w, http.StatusInternalServerError, "could not build authorization url")
			return
		}
		payload = append(payload, providerPayload{
			ID:               p.ID,
			Name:             p.Name,
			AuthorizationURL: p.AuthCodeURL(state),
		})
	}
	_ = httpx.WriteJSON(w, http.StatusOK, map[string][]providerPayload{"providers": payload})
}

type statusPayload struct {
	State             string   `json:"state"`
	Connected         bool     `json:"connected"`
	AccountIdentifier string   `json:"account_identifier,omitempty"`
	Scopes            []string `json:"scopes,omitempty"`
	LastSyncAt        string   `json:"last_sync_at,omitempty"`
	Error             string   `json:"error,omitempty"`
}

func (h *handlers) integrationStatus(w http.ResponseWriter, r *http.Request, userID string) {
	entry, err := h.pool.get(userID)
	if err != nil {
		_ = httpx.WriteJSONError(w, http.StatusServiceUnavailable, "connector unavailable")
		return
	}
	if err := entry.conn.CheckStatus(r.Context(), userID); err != nil && !errors.Is(err, integration.ErrSuperseded) {
		log.Printf("check integration status user=%s: %v", userID, err)
	}

	status := entry.conn.Status()
	payload := statusPayload{
		State:             entry.conn.State().String(),
		Connected:         status.Connected,
		AccountIdentifier: status.AccountIdentifier,
		Scopes:            status.Scopes,
		Error:             status.Error,
	}
	if status.LastSyncAt != nil {
		payload.LastSyncAt = status.LastSyncAt.UTC().Format(time.RFC3339)
	}
	_ = httpx.WriteJSON(w, http.StatusOK, payload)
}

func (h *handlers) integrationConnect(w http.ResponseWriter, r *http.Request, userID string) {
	if err := r.ParseForm(); err != nil {
		_ = httpx.WriteJSONError(w, http.StatusBadRequest, "malformed form")
		return
	}
	entry, err := h.pool.get(userID)
	if err != nil {
		_ = httpx.WriteJSONError(w, http.StatusServiceUnavailable, "connector unavailable")
		return
	}

	currentPath := r.PostForm.Get("current_path")
	explicitRedirect := r.PostForm.Get("redirect")
	if err := entry.conn.Connect(r.Context(), currentPath, explicitRedirect); err != nil {
		writeConnectorError(w, "connect", err)
		return
	}

	authorizationURL := entry.nav.take()
	if authorizationURL == "" {
		_ = httpx.WriteJSONError(w, http.StatusBadGateway, "no authorization url")
		return
	}
	http.Redirect(w, r, authorizationURL, http.StatusFound)
}

func (h *handlers) oauthCallback(w http.ResponseWriter, r *http.Request, userID string) {
	entry, err := h.pool.get(userID)
	if err != nil {
		_ = httpx.WriteJSONError(w, http.StatusServiceUnavailable, "connector unavailable")
		return
	}

	query := r.URL.Query()
	sess := authctx.SessionFrom(r.Context())
	target := integration.ResolveRedirectTarget(sess, query.Get("from"), query.Get("redirect_target"))

	if err := entry.conn.HandleCallback(r.Context(), userID, query); err != nil && !errors.Is(err, integration.ErrSuperseded) {
		log.Printf("handle oauth callback user=%s: %v", userID, err)
	}

	// The redirect target carries no oauth parameters, so a reload of the
	// landing page never re-triggers callback handling.
	http.Redirect(w, r, target, http.StatusFound)
}

func (h *handlers) integrationDisconnect(w http.ResponseWriter, r *http.Request, userID string) {
	if err := r.ParseForm(); err != nil {
		_ = httpx.WriteJSONError(w, http.StatusBadRequest, "malformed form")
		return
	}
	entry, err := h.pool.get(userID)
	if err != nil {
		_ = httpx.WriteJSONError(w, http.StatusServiceUnavailable, "connector unavailable")
		return
	}

	ctx := withConfirm(r.Context(), r.PostForm.Get("confirm") == "true")
	if err := entry.conn.Disconnect(ctx, userID); err != nil {
		writeConnectorError(w, "disconnect", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type notificationPayload struct {
	Kind    string `json:"kind"`
	Title   string `json:"title"`
	Message string `json:"message,omitempty"`
}

func (h *handlers) notifications(w http.ResponseWriter, r *http.Request, userID string) {
	entry, err := h.pool.get(userID)
	if err != nil {
		_ = httpx.WriteJSONError(w, http.StatusServiceUnavailable, "connector unavailable")
		return
	}
	drained := entry.notices.drain()
	payload := make([]notificationPayload, 0, len(drained))
	for _, n := range drained {
		payload = append(payload, notificationPayload{
			Kind:    string(n.Kind),
			Title:   n.Title,
			Message: n.Message,
		})
	}
	_ = httpx.WriteJSON(w, http.StatusOK, map[string][]notificationPayload{"notifications": payload})
}

// page evaluates the navigation guard for a page route and either serves the
// application shell, redirects, or holds with a neutral response.
func (h *handlers) page(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	sess := authctx.SessionFrom(r.Context())
	decision := navigation.Evaluate(sess, r.URL.Path, r.URL.Query().Get("redirect"))
	switch decision.Action {
	case navigation.ActionRedirect:
		http.Redirect(w, r, decision.Target, http.StatusFound)
	case navigation.ActionPending:
		w.Header().Set("Retry-After", "1")
		w.WriteHeader(http.StatusNoContent)
	default:
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprintf(w, "<!doctype html><title>Atrium</title><div id=\"app\" data-path=%q></div>", r.URL.Path)
	}
}

// writeConnectorError maps connector failures onto HTTP statuses.
func writeConnectorError(w http.ResponseWriter, operation string, err error) {
	if errors.Is(err, integration.ErrSuperseded) {
		_ = httpx.WriteJSONError(w, http.StatusConflict, operation+" superseded")
		return
	}
	if errors.Is(err, integration.ErrInvalidState) {
		_ = httpx.WriteJSONError(w, http.StatusConflict, err.Error())
		return
	}
	var failure *integration.Failure
	if errors.As(err, &failure) {
		switch failure.Kind {
		case integration.FailureUserCancelled:
			_ = httpx.WriteJSONError(w, http.StatusConflict, "confirmation required")
		case integration.FailureTimeout:
			_ = httpx.WriteJSONError(w, http.StatusGatewayTimeout, failure.Error())
		default:
			_ = httpx.WriteJSONError(w, http.StatusBadGateway, failure.Error())
		}
		return
	}
	_ = httpx.WriteJSONError(w, http.StatusInternalServerError, err.Error())
}
