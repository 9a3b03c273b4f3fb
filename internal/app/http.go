package app

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"scriptorium/api/internal/auth"
	"scriptorium/api/internal/logging"
	"scriptorium/api/internal/store"
)

type HTTPServer struct {
	service    *Service
	corsOrigin string
	router     *mux.Router
}

func NewHTTPServer(service *Service, corsOrigin string) *HTTPServer {
	s := &HTTPServer{service: service, corsOrigin: corsOrigin}
	s.router = s.routes()
	return s
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(s.router)
}

type sessionHandler func(w http.ResponseWriter, r *http.Request, session Session)

func (s *HTTPServer) routes() *mux.Router {
	r := mux.NewRouter()
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, CodeNotFound, "Not found", nil)
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	})

	r.HandleFunc("/api/health", s.handleHealth).Methods(http.MethodGet, http.MethodHead)
	r.HandleFunc("/api/ready", s.handleReady).Methods(http.MethodGet, http.MethodHead)
	r.Handle("/metrics", promhttp.HandlerFor(s.service.Metrics().Registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	r.HandleFunc("/api/session", s.handleSession).Methods(http.MethodGet)

	r.Handle("/api/documents", s.authed(s.handleCreateDocument)).Methods(http.MethodPost)
	r.Handle("/api/documents/{documentId}/collaborators", s.authed(s.handleListCollaborators)).Methods(http.MethodGet)

	r.Handle("/api/documents/{documentId}/presence/heartbeat", s.authed(s.handleHeartbeat)).Methods(http.MethodPost)
	r.Handle("/api/documents/{documentId}/presence", s.authed(s.handlePresence)).Methods(http.MethodGet)
	r.Handle("/api/documents/{documentId}/presence", s.authed(s.handleLeavePresence)).Methods(http.MethodDelete)

	r.Handle("/api/documents/{documentId}/invitations", s.authed(s.handleCreateInvitation)).Methods(http.MethodPost)
	r.Handle("/api/documents/{documentId}/invitations", s.authed(s.handleListInvitations)).Methods(http.MethodGet)
	r.Handle("/api/invitations", s.authed(s.handleMyInvitations)).Methods(http.MethodGet)
	r.Handle("/api/invitations/{invitationId}/respond", s.authed(s.handleRespondInvitation)).Methods(http.MethodPost)

	r.Handle("/api/documents/{documentId}/changes", s.authed(s.handleProposeChange)).Methods(http.MethodPost)
	r.Handle("/api/documents/{documentId}/changes", s.authed(s.handleListChanges)).Methods(http.MethodGet)
	r.Handle("/api/documents/{documentId}/changes/pending-count", s.authed(s.handlePendingCount)).Methods(http.MethodGet)
	r.Handle("/api/documents/{documentId}/changes/resolve-all", s.authed(s.handleBulkResolve)).Methods(http.MethodPost)
	r.Handle("/api/changes/{changeId}/resolve", s.authed(s.handleResolveChange)).Methods(http.MethodPost)

	r.Handle("/api/notifications", s.authed(s.handleListNotifications)).Methods(http.MethodGet)
	r.Handle("/api/notifications/read-all", s.authed(s.handleMarkAllRead)).Methods(http.MethodPost)
	r.Handle("/api/notifications/{notificationId}/read", s.authed(s.handleMarkRead)).Methods(http.MethodPost)
	r.Handle("/api/notifications/{notificationId}", s.authed(s.handleDeleteNotification)).Methods(http.MethodDelete)
	return r
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "ready"
	statusCode := http.StatusOK
	checks := map[string]any{
		"database": map[string]any{"status": "ok"},
	}
	if err := s.service.Ping(ctx); err != nil {
		status = "not_ready"
		statusCode = http.StatusServiceUnavailable
		checks["database"] = map[string]any{
			"status": "error",
			"error":  err.Error(),
		}
	}
	writeJSON(w, statusCode, map[string]any{
		"ok":     status == "ready",
		"status": status,
		"checks": checks,
	})
}

func (s *HTTPServer) handleSession(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	if token == "" {
		writeJSON(w, http.StatusOK, map[string]any{"authenticated": false, "person": nil})
		return
	}
	session, err := s.service.SessionFromToken(r.Context(), token)
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]any{"authenticated": false, "person": nil})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"authenticated": true,
		"person":        presentPerson(session),
		"expiresAt":     session.ExpiresAt,
	})
}

func (s *HTTPServer) handleCreateDocument(w http.ResponseWriter, r *http.Request, session Session) {
	var body CreateDocumentInput
	if !readBody(w, r, &body) {
		return
	}
	doc, err := s.service.CreateDocument(r.Context(), session, body)
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, presentDocument(doc))
}

func (s *HTTPServer) handleListCollaborators(w http.ResponseWriter, r *http.Request, session Session) {
	collaborators, err := s.service.ListCollaborators(r.Context(), session, mux.Vars(r)["documentId"])
	if err != nil {
		respondError(w, r, err)
		return
	}
	items := make([]map[string]any, 0, len(collaborators))
	for _, c := range collaborators {
		items = append(items, presentCollaborator(c))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *HTTPServer) handleHeartbeat(w http.ResponseWriter, r *http.Request, session Session) {
	snapshot, err := s.service.Heartbeat(r.Context(), session, mux.Vars(r)["documentId"])
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}

func (s *HTTPServer) handlePresence(w http.ResponseWriter, r *http.Request, session Session) {
	snapshot, err := s.service.Presence(r.Context(), session, mux.Vars(r)["documentId"])
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}

func (s *HTTPServer) handleLeavePresence(w http.ResponseWriter, r *http.Request, session Session) {
	writeJSON(w, http.StatusOK, s.service.LeavePresence(r.Context(), session, mux.Vars(r)["documentId"]))
}

func (s *HTTPServer) handleCreateInvitation(w http.ResponseWriter, r *http.Request, session Session) {
	var body CreateInvitationInput
	if !readBody(w, r, &body) {
		return
	}
	invitation, err := s.service.CreateInvitation(r.Context(), session, mux.Vars(r)["documentId"], body)
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, presentInvitation(invitation))
}

func (s *HTTPServer) handleListInvitations(w http.ResponseWriter, r *http.Request, session Session) {
	invitations, err := s.service.ListInvitations(r.Context(), session, mux.Vars(r)["documentId"])
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": presentInvitations(invitations)})
}

func (s *HTTPServer) handleMyInvitations(w http.ResponseWriter, r *http.Request, session Session) {
	invitations, err := s.service.MyInvitations(r.Context(), session)
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": presentInvitations(invitations)})
}

func (s *HTTPServer) handleRespondInvitation(w http.ResponseWriter, r *http.Request, session Session) {
	var body struct {
		Action string `json:"action"`
	}
	if !readBody(w, r, &body) {
		return
	}
	var accept bool
	switch strings.ToLower(strings.TrimSpace(body.Action)) {
	case "accept":
		accept = true
	case "decline":
	default:
		respondError(w, r, errInvalidPayload("action must be accept or decline", map[string]any{"action": body.Action}))
		return
	}
	invitation, err := s.service.RespondInvitation(r.Context(), session, mux.Vars(r)["invitationId"], accept)
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, presentInvitation(invitation))
}

func (s *HTTPServer) handleProposeChange(w http.ResponseWriter, r *http.Request, session Session) {
	var body ProposeChangeInput
	if !readBody(w, r, &body) {
		return
	}
	change, err := s.service.ProposeChange(r.Context(), session, mux.Vars(r)["documentId"], body)
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, presentChange(change))
}

func (s *HTTPServer) handleListChanges(w http.ResponseWriter, r *http.Request, session Session) {
	limit, offset, err := pagination(r)
	if err != nil {
		respondError(w, r, err)
		return
	}
	changes, err := s.service.ListChanges(r.Context(), session, mux.Vars(r)["documentId"], ChangeQuery{
		Status: r.URL.Query().Get("status"),
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		respondError(w, r, err)
		return
	}
	items := make([]map[string]any, 0, len(changes))
	for _, change := range changes {
		items = append(items, presentChange(change))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *HTTPServer) handlePendingCount(w http.ResponseWriter, r *http.Request, session Session) {
	count, err := s.service.PendingChangeCount(r.Context(), session, mux.Vars(r)["documentId"])
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"count": count})
}

type resolveBody struct {
	Status string `json:"status"`
}

func (s *HTTPServer) handleResolveChange(w http.ResponseWriter, r *http.Request, session Session) {
	var body resolveBody
	if !readBody(w, r, &body) {
		return
	}
	change, err := s.service.ResolveChange(r.Context(), session, mux.Vars(r)["changeId"], body.Status)
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, presentChange(change))
}

func (s *HTTPServer) handleBulkResolve(w http.ResponseWriter, r *http.Request, session Session) {
	var body resolveBody
	if !readBody(w, r, &body) {
		return
	}
	count, err := s.service.BulkResolveChanges(r.Context(), session, mux.Vars(r)["documentId"], body.Status)
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"resolved": count, "status": strings.ToUpper(strings.TrimSpace(body.Status))})
}

func (s *HTTPServer) handleListNotifications(w http.ResponseWriter, r *http.Request, session Session) {
	limit, offset, err := pagination(r)
	if err != nil {
		respondError(w, r, err)
		return
	}
	page, err := s.service.ListNotifications(r.Context(), session, NotificationQuery{
		Filter: r.URL.Query().Get("filter"),
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		respondError(w, r, err)
		return
	}
	items := make([]map[string]any, 0, len(page.Items))
	for _, n := range page.Items {
		items = append(items, presentNotification(n))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items":       items,
		"total":       page.Total,
		"unreadCount": page.Unread,
	})
}

func (s *HTTPServer) handleMarkRead(w http.ResponseWriter, r *http.Request, session Session) {
	n, err := s.service.MarkNotificationRead(r.Context(), session, mux.Vars(r)["notificationId"])
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, presentNotification(n))
}

func (s *HTTPServer) handleMarkAllRead(w http.ResponseWriter, r *http.Request, session Session) {
	updated, err := s.service.MarkAllNotificationsRead(r.Context(), session)
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"updated": updated})
}

func (s *HTTPServer) handleDeleteNotification(w http.ResponseWriter, r *http.Request, session Session) {
	if err := s.service.DeleteNotification(r.Context(), session, mux.Vars(r)["notificationId"]); err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) authed(next sessionHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		session, ok := s.requireSession(w, r)
		if !ok {
			return
		}
		next(w, r, session)
	})
}

func (s *HTTPServer) requireSession(w http.ResponseWriter, r *http.Request) (Session, bool) {
	token := bearerToken(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, CodeUnauthenticated, "Sign in to continue", nil)
		return Session{}, false
	}
	session, err := s.service.SessionFromToken(r.Context(), token)
	if err != nil {
		respondError(w, r, err)
		return Session{}, false
	}
	return session, true
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	metrics := s.service.Metrics()
	base := s.service.logger
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = randomRequestID()
		}
		logger := base.With(slog.String("request_id", id))
		ctx := logging.WithLogger(r.Context(), logger)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", id)

		if r.Method == http.MethodOptions {
			writer.WriteHeader(http.StatusNoContent)
			return
		}

		route := "unmatched"
		var match mux.RouteMatch
		if s.router.Match(r, &match) && match.Route != nil {
			if tmpl, err := match.Route.GetPathTemplate(); err == nil {
				route = tmpl
			}
		}

		next.ServeHTTP(writer, r)

		elapsed := time.Since(started)
		metrics.httpRequests.WithLabelValues(r.Method, route, strconv.Itoa(writer.status)).Inc()
		metrics.httpDuration.WithLabelValues(route).Observe(elapsed.Seconds())
		logger.InfoContext(ctx, "request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", writer.status),
			slog.Int64("duration_ms", elapsed.Milliseconds()),
		)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

// respondError maps err and logs anything that is not a domain error.
func respondError(w http.ResponseWriter, r *http.Request, err error) {
	status, code, message, details := mapError(err)
	if status >= http.StatusInternalServerError {
		logging.FromContext(r.Context()).ErrorContext(r.Context(), "request failed",
			slog.String("path", r.URL.Path),
			slog.Any("error", err),
		)
	}
	writeError(w, status, code, message, details)
}

func readBody(w http.ResponseWriter, r *http.Request, target any) bool {
	if err := decodeBody(r, target); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return false
	}
	return true
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

func pagination(r *http.Request) (limit, offset int, err error) {
	query := r.URL.Query()
	if raw := strings.TrimSpace(query.Get("limit")); raw != "" {
		if limit, err = strconv.Atoi(raw); err != nil || limit < 0 {
			return 0, 0, errInvalidPayload("limit must be a non-negative integer", map[string]any{"limit": raw})
		}
	}
	if raw := strings.TrimSpace(query.Get("offset")); raw != "" {
		if offset, err = strconv.Atoi(raw); err != nil || offset < 0 {
			return 0, 0, errInvalidPayload("offset must be a non-negative integer", map[string]any{"offset": raw})
		}
	}
	return limit, offset, nil
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	if errors.Is(err, sql.ErrNoRows) {
		return http.StatusNotFound, CodeNotFound, "Not found", nil
	}
	if errors.Is(err, store.ErrConflict) {
		return http.StatusConflict, CodeConflict, "Conflicting write", nil
	}
	if errors.Is(err, auth.ErrExpiredToken) {
		return http.StatusUnauthorized, CodeUnauthenticated, "Session expired", nil
	}
	if errors.Is(err, auth.ErrInvalidToken) {
		return http.StatusUnauthorized, CodeUnauthenticated, "Invalid token", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
