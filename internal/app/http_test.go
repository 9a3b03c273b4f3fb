package app

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"scriptorium/api/internal/auth"
	"scriptorium/api/internal/config"
	"scriptorium/api/internal/identity"
	"scriptorium/api/internal/rbac"
	"scriptorium/api/internal/store"
)

func newHTTPTestEnv(t *testing.T) (*testEnv, http.Handler) {
	t.Helper()
	env := newTestEnv(t)
	return env, NewHTTPServer(env.svc, "http://localhost:5173").Handler()
}

func (e *testEnv) token(t *testing.T, p identity.Person) string {
	t.Helper()
	token, err := auth.IssueToken([]byte("test-secret"), auth.Claims{
		Sub: p.AccountID,
		JTI: "jti_" + p.AccountID,
		Exp: e.clock.Now().Add(time.Hour).Unix(),
	})
	if err != nil {
		t.Fatalf("IssueToken() error = %v", err)
	}
	return token
}

func doJSON(t *testing.T, handler http.Handler, method, path, token string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)

	var payload map[string]any
	if res.Body.Len() > 0 && strings.HasPrefix(res.Header().Get("Content-Type"), "application/json") {
		if err := json.Unmarshal(res.Body.Bytes(), &payload); err != nil {
			t.Fatalf("decode response %q: %v", res.Body.String(), err)
		}
	}
	return res, payload
}

func TestHealthEndpoint(t *testing.T) {
	_, handler := newHTTPTestEnv(t)
	res, payload := doJSON(t, handler, http.MethodGet, "/api/health", "", nil)
	if res.Code != http.StatusOK || payload["ok"] != true {
		t.Fatalf("health = %d %v", res.Code, payload)
	}
	if res.Header().Get("X-Request-ID") == "" {
		t.Fatal("missing request id header")
	}
	if got := res.Header().Get("Access-Control-Allow-Origin"); got != "http://localhost:5173" {
		t.Fatalf("cors origin = %q", got)
	}
}

type unreachableStore struct {
	*store.MemoryStore
}

func (unreachableStore) Ping(context.Context) error {
	return errors.New("connection refused")
}

func TestReadyReportsDatabaseFailure(t *testing.T) {
	svc := New(config.Config{JWTSecret: "test-secret"}, Deps{
		Store:  unreachableStore{store.NewMemoryStore()},
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	handler := NewHTTPServer(svc, "*").Handler()

	res, payload := doJSON(t, handler, http.MethodGet, "/api/ready", "", nil)
	if res.Code != http.StatusServiceUnavailable || payload["status"] != "not_ready" {
		t.Fatalf("ready = %d %v", res.Code, payload)
	}

	_, handler = newHTTPTestEnv(t)
	res, payload = doJSON(t, handler, http.MethodGet, "/api/ready", "", nil)
	if res.Code != http.StatusOK || payload["ok"] != true {
		t.Fatalf("ready = %d %v", res.Code, payload)
	}
}

func TestPreflightShortCircuits(t *testing.T) {
	_, handler := newHTTPTestEnv(t)
	req := httptest.NewRequest(http.MethodOptions, "/api/notifications", nil)
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	if res.Code != http.StatusNoContent {
		t.Fatalf("preflight status = %d", res.Code)
	}
	if !strings.Contains(res.Header().Get("Access-Control-Allow-Headers"), "Authorization") {
		t.Fatalf("allow headers = %q", res.Header().Get("Access-Control-Allow-Headers"))
	}
}

func TestRequestsWithoutValidTokenAreUnauthenticated(t *testing.T) {
	env, handler := newHTTPTestEnv(t)

	cases := []struct {
		name  string
		token string
	}{
		{name: "missing", token: ""},
		{name: "garbage", token: "not-a-token"},
		{name: "unknown person", token: env.token(t, identity.Person{AccountID: "usr_ghost"})},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res, payload := doJSON(t, handler, http.MethodGet, "/api/notifications", tc.token, nil)
			if res.Code != http.StatusUnauthorized || payload["code"] != CodeUnauthenticated {
				t.Fatalf("got %d %v", res.Code, payload)
			}
		})
	}

	expired := env.token(t, alice)
	env.clock.Advance(2 * time.Hour)
	res, payload := doJSON(t, handler, http.MethodGet, "/api/notifications", expired, nil)
	if res.Code != http.StatusUnauthorized || payload["error"] != "Session expired" {
		t.Fatalf("expired token: %d %v", res.Code, payload)
	}
}

func TestSessionEndpoint(t *testing.T) {
	env, handler := newHTTPTestEnv(t)
	_, payload := doJSON(t, handler, http.MethodGet, "/api/session", "", nil)
	if payload["authenticated"] != false {
		t.Fatalf("anonymous session = %v", payload)
	}
	_, payload = doJSON(t, handler, http.MethodGet, "/api/session", env.token(t, bob), nil)
	person, _ := payload["person"].(map[string]any)
	if payload["authenticated"] != true || person["accountId"] != bob.AccountID || person["orcid"] != bob.ExternalID {
		t.Fatalf("session = %v", payload)
	}
}

func TestInvitationFlowOverHTTP(t *testing.T) {
	env, handler := newHTTPTestEnv(t)
	ownerToken := env.token(t, owner)
	aliceToken := env.token(t, alice)

	res, doc := doJSON(t, handler, http.MethodPost, "/api/documents", ownerToken, map[string]any{"title": "M1"})
	if res.Code != http.StatusCreated {
		t.Fatalf("create document = %d %v", res.Code, doc)
	}
	docID := doc["id"].(string)

	res, inv := doJSON(t, handler, http.MethodPost, "/api/documents/"+docID+"/invitations", ownerToken, map[string]any{
		"email": "alice@example.org",
		"role":  "EDITOR",
	})
	if res.Code != http.StatusCreated || inv["status"] != store.InvitationPending {
		t.Fatalf("create invitation = %d %v", res.Code, inv)
	}
	invID := inv["id"].(string)

	_, mine := doJSON(t, handler, http.MethodGet, "/api/invitations", aliceToken, nil)
	if items, _ := mine["items"].([]any); len(items) != 1 {
		t.Fatalf("my invitations = %v", mine)
	}

	res, payload := doJSON(t, handler, http.MethodPost, "/api/invitations/"+invID+"/respond", aliceToken, map[string]any{"action": "maybe"})
	if res.Code != http.StatusUnprocessableEntity || payload["code"] != CodeInvalidPayload {
		t.Fatalf("bad action = %d %v", res.Code, payload)
	}

	res, payload = doJSON(t, handler, http.MethodPost, "/api/invitations/"+invID+"/respond", aliceToken, map[string]any{"action": "accept"})
	if res.Code != http.StatusOK || payload["status"] != store.InvitationAccepted || payload["responderId"] != alice.AccountID {
		t.Fatalf("accept = %d %v", res.Code, payload)
	}

	res, payload = doJSON(t, handler, http.MethodPost, "/api/invitations/"+invID+"/respond", aliceToken, map[string]any{"action": "decline"})
	if res.Code != http.StatusConflict || payload["code"] != CodeAlreadyResolved {
		t.Fatalf("second respond = %d %v", res.Code, payload)
	}
	details, _ := payload["details"].(map[string]any)
	if details["status"] != store.InvitationAccepted {
		t.Fatalf("details = %v", payload["details"])
	}

	_, collaborators := doJSON(t, handler, http.MethodGet, "/api/documents/"+docID+"/collaborators", aliceToken, nil)
	items, _ := collaborators["items"].([]any)
	if len(items) != 2 {
		t.Fatalf("collaborators = %v", collaborators)
	}

	_, notes := doJSON(t, handler, http.MethodGet, "/api/notifications?filter=unread", ownerToken, nil)
	if notes["total"] != float64(1) || notes["unreadCount"] != float64(1) {
		t.Fatalf("owner notifications = %v", notes)
	}
}

func TestExpiredInvitationReturnsGone(t *testing.T) {
	env, handler := newHTTPTestEnv(t)
	doc := env.createDocument(t, "M1")
	inv, err := env.svc.CreateInvitation(context.Background(), as(owner), doc.ID, CreateInvitationInput{Email: alice.Email, Role: "REVIEWER"})
	if err != nil {
		t.Fatalf("CreateInvitation() error = %v", err)
	}
	env.clock.Advance(8 * 24 * time.Hour)
	res, payload := doJSON(t, handler, http.MethodPost, "/api/invitations/"+inv.ID+"/respond", env.token(t, alice), map[string]any{"action": "accept"})
	if res.Code != http.StatusGone || payload["code"] != CodeExpired {
		t.Fatalf("respond = %d %v", res.Code, payload)
	}
}

func TestChangeEndpoints(t *testing.T) {
	env, handler := newHTTPTestEnv(t)
	doc := env.createDocument(t, "M3")
	env.addCollaborator(t, doc.ID, alice, rbac.RoleEditor)
	env.addCollaborator(t, doc.ID, bob, rbac.RoleReviewer)
	aliceToken := env.token(t, alice)
	bobToken := env.token(t, bob)
	base := "/api/documents/" + doc.ID + "/changes"

	res, payload := doJSON(t, handler, http.MethodPost, base, aliceToken, map[string]any{"kind": "REPLACE", "content": "new"})
	if res.Code != http.StatusUnprocessableEntity {
		t.Fatalf("invalid replace = %d %v", res.Code, payload)
	}

	res, change := doJSON(t, handler, http.MethodPost, base, aliceToken, map[string]any{
		"kind":     "FORMAT",
		"style":    map[string]any{"italic": true},
		"position": 4,
	})
	if res.Code != http.StatusCreated || change["status"] != store.ChangePending || change["position"] != float64(4) {
		t.Fatalf("propose = %d %v", res.Code, change)
	}
	for i := 0; i < 2; i++ {
		doJSON(t, handler, http.MethodPost, base, aliceToken, map[string]any{"kind": "INSERT", "content": "x"})
	}

	_, count := doJSON(t, handler, http.MethodGet, base+"/pending-count", bobToken, nil)
	if count["count"] != float64(3) {
		t.Fatalf("pending count = %v", count)
	}

	res, payload = doJSON(t, handler, http.MethodPost, "/api/changes/"+change["id"].(string)+"/resolve", bobToken, map[string]any{"status": "REJECTED"})
	if res.Code != http.StatusOK || payload["status"] != store.ChangeRejected {
		t.Fatalf("resolve = %d %v", res.Code, payload)
	}
	res, payload = doJSON(t, handler, http.MethodPost, "/api/changes/"+change["id"].(string)+"/resolve", bobToken, map[string]any{"status": "ACCEPTED"})
	if res.Code != http.StatusConflict || payload["code"] != CodeAlreadyResolved {
		t.Fatalf("second resolve = %d %v", res.Code, payload)
	}

	res, payload = doJSON(t, handler, http.MethodPost, base+"/resolve-all", bobToken, map[string]any{"status": "ACCEPTED"})
	if res.Code != http.StatusOK || payload["resolved"] != float64(2) {
		t.Fatalf("resolve-all = %d %v", res.Code, payload)
	}

	_, list := doJSON(t, handler, http.MethodGet, base+"?status=accepted&limit=1", bobToken, nil)
	if items, _ := list["items"].([]any); len(items) != 1 {
		t.Fatalf("list = %v", list)
	}
	res, _ = doJSON(t, handler, http.MethodGet, base+"?limit=abc", bobToken, nil)
	if res.Code != http.StatusUnprocessableEntity {
		t.Fatalf("bad limit = %d", res.Code)
	}
}

func TestPresenceEndpoints(t *testing.T) {
	env, handler := newHTTPTestEnv(t)
	doc := env.createDocument(t, "M2")
	base := "/api/documents/" + doc.ID + "/presence"

	res, payload := doJSON(t, handler, http.MethodPost, base+"/heartbeat", env.token(t, owner), nil)
	if res.Code != http.StatusOK || payload["count"] != float64(1) {
		t.Fatalf("heartbeat = %d %v", res.Code, payload)
	}
	online, _ := payload["online"].([]any)
	entry, _ := online[0].(map[string]any)
	if entry["personId"] != owner.AccountID || entry["isCurrentUser"] != true {
		t.Fatalf("entry = %v", entry)
	}

	res, payload = doJSON(t, handler, http.MethodGet, base, env.token(t, mallet), nil)
	if res.Code != http.StatusForbidden || payload["code"] != CodeNotAuthorized {
		t.Fatalf("outsider query = %d %v", res.Code, payload)
	}

	res, payload = doJSON(t, handler, http.MethodDelete, base, env.token(t, owner), nil)
	if res.Code != http.StatusOK || payload["count"] != float64(0) {
		t.Fatalf("leave = %d %v", res.Code, payload)
	}
}

func TestNotificationEndpoints(t *testing.T) {
	env, handler := newHTTPTestEnv(t)
	doc := env.createDocument(t, "M1")
	if _, err := env.svc.CreateInvitation(context.Background(), as(owner), doc.ID, CreateInvitationInput{Email: alice.Email, Role: "EDITOR"}); err != nil {
		t.Fatalf("CreateInvitation() error = %v", err)
	}
	aliceToken := env.token(t, alice)

	_, list := doJSON(t, handler, http.MethodGet, "/api/notifications", aliceToken, nil)
	items, _ := list["items"].([]any)
	if len(items) != 1 {
		t.Fatalf("list = %v", list)
	}
	id := items[0].(map[string]any)["id"].(string)

	res, payload := doJSON(t, handler, http.MethodPost, "/api/notifications/"+id+"/read", env.token(t, bob), nil)
	if res.Code != http.StatusForbidden {
		t.Fatalf("foreign mark read = %d %v", res.Code, payload)
	}
	res, payload = doJSON(t, handler, http.MethodPost, "/api/notifications/"+id+"/read", aliceToken, nil)
	if res.Code != http.StatusOK || payload["read"] != true {
		t.Fatalf("mark read = %d %v", res.Code, payload)
	}
	res, payload = doJSON(t, handler, http.MethodPost, "/api/notifications/read-all", aliceToken, nil)
	if res.Code != http.StatusOK || payload["updated"] != float64(0) {
		t.Fatalf("read-all = %d %v", res.Code, payload)
	}
	res, _ = doJSON(t, handler, http.MethodDelete, "/api/notifications/"+id, aliceToken, nil)
	if res.Code != http.StatusOK {
		t.Fatalf("delete = %d", res.Code)
	}
	res, payload = doJSON(t, handler, http.MethodDelete, "/api/notifications/"+id, aliceToken, nil)
	if res.Code != http.StatusNotFound || payload["code"] != CodeNotFound {
		t.Fatalf("second delete = %d %v", res.Code, payload)
	}
}

func TestUnknownRouteAndMalformedBody(t *testing.T) {
	env, handler := newHTTPTestEnv(t)
	res, payload := doJSON(t, handler, http.MethodGet, "/api/nope", "", nil)
	if res.Code != http.StatusNotFound || payload["code"] != CodeNotFound {
		t.Fatalf("unknown route = %d %v", res.Code, payload)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/documents", strings.NewReader("{"))
	req.Header.Set("Authorization", "Bearer "+env.token(t, owner))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest || !strings.Contains(rec.Body.String(), "invalid JSON body") {
		t.Fatalf("malformed body = %d %s", rec.Code, rec.Body.String())
	}
}

func TestMetricsEndpointExposesCounters(t *testing.T) {
	env, handler := newHTTPTestEnv(t)
	doc := env.createDocument(t, "M1")
	if _, err := env.svc.CreateInvitation(context.Background(), as(owner), doc.ID, CreateInvitationInput{Email: alice.Email, Role: "EDITOR"}); err != nil {
		t.Fatalf("CreateInvitation() error = %v", err)
	}
	doJSON(t, handler, http.MethodGet, "/api/health", "", nil)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	body := res.Body.String()
	for _, want := range []string{
		`scriptorium_notifications_created_total{type="INVITATION_RECEIVED"} 1`,
		`scriptorium_http_requests_total{method="GET",route="/api/health",status="200"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("metrics missing %q", want)
		}
	}
}
