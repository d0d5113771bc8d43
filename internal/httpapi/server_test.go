package httpapi

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/agentworkforce/relaynotes/internal/cloud"
	"github.com/agentworkforce/relaynotes/internal/feed"
	"github.com/agentworkforce/relaynotes/internal/notes"
	"github.com/agentworkforce/relaynotes/internal/replica"
	"github.com/agentworkforce/relaynotes/internal/syncer"
)

type request struct {
	method  string
	path    string
	headers map[string]string
	body    any
}

type testEnv struct {
	server *Server
	coord  *syncer.Coordinator
	remote *cloud.Memory
	token  string
}

func newTestEnv(t *testing.T, cfg ServerConfig) *testEnv {
	t.Helper()
	remote := cloud.NewMemory()
	store := replica.NewStore(replica.NewMemoryBackend("alice"), "alice", nil)
	coord := syncer.New(store, nil, remote, syncer.Options{})
	if err := coord.Start(context.Background()); err != nil {
		t.Fatalf("start coordinator: %v", err)
	}
	if err := coord.Connect(context.Background(), notes.Identity{UserID: "alice", Authenticated: true}); err != nil {
		t.Fatalf("connect coordinator: %v", err)
	}
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = "dev-secret"
	}
	return &testEnv{
		server: NewServerWithConfig(coord, cfg),
		coord:  coord,
		remote: remote,
		token:  mustTestJWT(t, "dev-secret", "alice", tokenAudience, time.Now().Add(time.Hour)),
	}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	return doRequest(t, e.server, request{
		method:  method,
		path:    path,
		headers: map[string]string{"Authorization": "Bearer " + e.token},
		body:    body,
	})
}

func TestHealthIsPublic(t *testing.T) {
	env := newTestEnv(t, ServerConfig{})
	resp := doRequest(t, env.server, request{method: http.MethodGet, path: "/health"})
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
}

func TestAuthRequired(t *testing.T) {
	env := newTestEnv(t, ServerConfig{})
	tests := []struct {
		name   string
		token  string
		status int
	}{
		{name: "missing token", token: "", status: http.StatusUnauthorized},
		{name: "wrong secret", token: mustTestJWT(t, "other", "alice", tokenAudience, time.Now().Add(time.Hour)), status: http.StatusUnauthorized},
		{name: "wrong audience", token: mustTestJWT(t, "dev-secret", "alice", "other-service", time.Now().Add(time.Hour)), status: http.StatusUnauthorized},
		{name: "expired", token: mustTestJWT(t, "dev-secret", "alice", tokenAudience, time.Now().Add(-time.Minute)), status: http.StatusUnauthorized},
		{name: "other user", token: mustTestJWT(t, "dev-secret", "mallory", tokenAudience, time.Now().Add(time.Hour)), status: http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			headers := map[string]string{"X-Correlation-Id": "corr_auth"}
			if tt.token != "" {
				headers["Authorization"] = "Bearer " + tt.token
			}
			resp := doRequest(t, env.server, request{method: http.MethodGet, path: "/v1/notes", headers: headers})
			if resp.Code != tt.status {
				t.Fatalf("expected %d, got %d (%s)", tt.status, resp.Code, resp.Body.String())
			}
			var payload map[string]any
			if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
				t.Fatalf("decode error body: %v", err)
			}
			if payload["correlationId"] != "corr_auth" {
				t.Fatalf("expected correlation id to be echoed, got %v", payload["correlationId"])
			}
		})
	}
}

func TestMissingSecretRefusesEveryToken(t *testing.T) {
	env := newTestEnv(t, ServerConfig{})
	server := NewServerWithConfig(env.coord, ServerConfig{})
	for _, secret := range []string{"", "dev-secret"} {
		resp := doRequest(t, server, request{
			method:  http.MethodGet,
			path:    "/v1/notes",
			headers: map[string]string{"Authorization": "Bearer " + mustTestJWT(t, secret, "alice", tokenAudience, time.Now().Add(time.Hour))},
		})
		if resp.Code != http.StatusUnauthorized {
			t.Fatalf("secret %q: expected 401, got %d", secret, resp.Code)
		}
	}
}

func TestUnknownRoute(t *testing.T) {
	env := newTestEnv(t, ServerConfig{})
	resp := env.do(t, http.MethodPatch, "/v1/notes", nil)
	if resp.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.Code)
	}
}

func TestNoteLifecycle(t *testing.T) {
	env := newTestEnv(t, ServerConfig{})

	createResp := env.do(t, http.MethodPost, "/v1/notes", map[string]any{"title": "Plan", "content": "ship it", "tags": []string{"work"}})
	if createResp.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d (%s)", createResp.Code, createResp.Body.String())
	}
	var created notes.Note
	if err := json.NewDecoder(createResp.Body).Decode(&created); err != nil {
		t.Fatalf("decode created note: %v", err)
	}
	if created.ID == "" || created.OwnerID != "alice" {
		t.Fatalf("unexpected created note: %+v", created)
	}

	getResp := env.do(t, http.MethodGet, "/v1/notes/"+created.ID, nil)
	if getResp.Code != http.StatusOK {
		t.Fatalf("expected 200 on get, got %d", getResp.Code)
	}
	var entry notes.Entry
	if err := json.NewDecoder(getResp.Body).Decode(&entry); err != nil {
		t.Fatalf("decode entry: %v", err)
	}
	if entry.SyncState != notes.StatePendingCreate {
		t.Fatalf("expected pending_create before sync, got %s", entry.SyncState)
	}

	syncResp := env.do(t, http.MethodPost, "/v1/sync", nil)
	if syncResp.Code != http.StatusOK {
		t.Fatalf("expected 200 on sync, got %d (%s)", syncResp.Code, syncResp.Body.String())
	}
	if _, ok := env.remote.Snapshot(created.ID); !ok {
		t.Fatalf("expected forced sync to push the note")
	}

	updateResp := env.do(t, http.MethodPut, "/v1/notes/"+created.ID, map[string]any{"title": "Plan v2"})
	if updateResp.Code != http.StatusOK {
		t.Fatalf("expected 200 on update, got %d (%s)", updateResp.Code, updateResp.Body.String())
	}
	var updated notes.Note
	if err := json.NewDecoder(updateResp.Body).Decode(&updated); err != nil {
		t.Fatalf("decode updated note: %v", err)
	}
	if updated.Title != "Plan v2" || updated.Content != "ship it" {
		t.Fatalf("unexpected update result: %+v", updated)
	}

	listResp := env.do(t, http.MethodGet, "/v1/notes", nil)
	var list struct {
		Notes []notes.Entry `json:"notes"`
	}
	if err := json.NewDecoder(listResp.Body).Decode(&list); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(list.Notes) != 1 || list.Notes[0].SyncState != notes.StatePendingUpdate {
		t.Fatalf("unexpected list: %+v", list.Notes)
	}

	statusResp := env.do(t, http.MethodGet, "/v1/sync/status", nil)
	var status syncer.Status
	if err := json.NewDecoder(statusResp.Body).Decode(&status); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if status.Pending != 1 || status.State != syncer.StateIdle {
		t.Fatalf("unexpected status: %+v", status)
	}

	deleteResp := env.do(t, http.MethodDelete, "/v1/notes/"+created.ID, nil)
	if deleteResp.Code != http.StatusNoContent {
		t.Fatalf("expected 204 on delete, got %d", deleteResp.Code)
	}
	missingResp := env.do(t, http.MethodGet, "/v1/notes/"+created.ID, nil)
	if missingResp.Code != http.StatusNotFound {
		t.Fatalf("expected 404 after delete, got %d", missingResp.Code)
	}
}

func TestBulkDelete(t *testing.T) {
	env := newTestEnv(t, ServerConfig{})
	for _, id := range []string{"a", "b"} {
		if resp := env.do(t, http.MethodPost, "/v1/notes", map[string]any{"id": id, "title": id}); resp.Code != http.StatusCreated {
			t.Fatalf("create %s: %d", id, resp.Code)
		}
	}
	if resp := env.do(t, http.MethodPost, "/v1/notes/delete", map[string]any{"ids": []string{}}); resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for empty ids, got %d", resp.Code)
	}
	if resp := env.do(t, http.MethodPost, "/v1/notes/delete", map[string]any{"ids": []string{"a", "b"}}); resp.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d (%s)", resp.Code, resp.Body.String())
	}
	entries, err := env.coord.Entries(notes.Identity{UserID: "alice", Authenticated: true})
	if err != nil || len(entries) != 0 {
		t.Fatalf("expected no entries, got %v %v", entries, err)
	}
}

func TestSearchAndTags(t *testing.T) {
	env := newTestEnv(t, ServerConfig{})
	env.do(t, http.MethodPost, "/v1/notes", map[string]any{"title": "Groceries", "tags": []string{"home"}})
	env.do(t, http.MethodPost, "/v1/notes", map[string]any{"title": "Sprint", "tags": []string{"work", "urgent"}})

	searchResp := env.do(t, http.MethodGet, "/v1/notes/search?tag=work", nil)
	var found struct {
		Notes []notes.Note `json:"notes"`
	}
	if err := json.NewDecoder(searchResp.Body).Decode(&found); err != nil {
		t.Fatalf("decode search: %v", err)
	}
	if len(found.Notes) != 1 || found.Notes[0].Title != "Sprint" {
		t.Fatalf("unexpected search result: %+v", found.Notes)
	}

	badFilter := env.do(t, http.MethodGet, "/v1/notes/search?filter=title+%2B", nil)
	if badFilter.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for a bad filter, got %d", badFilter.Code)
	}

	tagsResp := env.do(t, http.MethodGet, "/v1/tags", nil)
	var tags struct {
		Tags []string `json:"tags"`
	}
	if err := json.NewDecoder(tagsResp.Body).Decode(&tags); err != nil {
		t.Fatalf("decode tags: %v", err)
	}
	if strings.Join(tags.Tags, ",") != "home,urgent,work" {
		t.Fatalf("unexpected tags: %v", tags.Tags)
	}
}

func TestViewerUpdateIsForbidden(t *testing.T) {
	env := newTestEnv(t, ServerConfig{})
	at := notes.Timestamp(time.Now())
	env.remote.Seed(notes.Note{ID: "shared", OwnerID: "bob", Title: "bob's", CreatedAt: at, UpdatedAt: at})
	if err := env.remote.UpsertGrant(context.Background(), "bob", notes.PermissionGrant{NoteID: "shared", GranteeID: "alice", Level: notes.LevelViewer}); err != nil {
		t.Fatalf("seed grant: %v", err)
	}
	if resp := env.do(t, http.MethodPost, "/v1/sync", nil); resp.Code != http.StatusOK {
		t.Fatalf("sync: %d", resp.Code)
	}

	resp := env.do(t, http.MethodPut, "/v1/notes/shared", map[string]any{"title": "mine now"})
	if resp.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d (%s)", resp.Code, resp.Body.String())
	}
	var payload map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&payload)
	if payload["code"] != "forbidden" {
		t.Fatalf("expected forbidden code, got %v", payload["code"])
	}
}

func TestRequestBodyLimits(t *testing.T) {
	env := newTestEnv(t, ServerConfig{MaxBodyBytes: 16})
	resp := env.do(t, http.MethodPost, "/v1/notes", map[string]any{"title": strings.Repeat("x", 64)})
	if resp.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", resp.Code)
	}

	req := httptest.NewRequest(http.MethodPost, "/v1/notes", strings.NewReader("{"))
	req.Header.Set("Authorization", "Bearer "+env.token)
	rec := httptest.NewRecorder()
	env.server.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for invalid json, got %d", rec.Code)
	}
}

func TestRateLimitPerUser(t *testing.T) {
	env := newTestEnv(t, ServerConfig{RateLimit: 0.001, RateBurst: 2})
	for i := 0; i < 2; i++ {
		if resp := env.do(t, http.MethodGet, "/v1/notes", nil); resp.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i, resp.Code)
		}
	}
	resp := env.do(t, http.MethodGet, "/v1/notes", nil)
	if resp.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", resp.Code)
	}
	if resp.Header().Get("Retry-After") == "" {
		t.Fatalf("expected Retry-After header")
	}
}

func TestForcedSyncWhileUnreachable(t *testing.T) {
	env := newTestEnv(t, ServerConfig{})
	env.remote.SetOffline(true)
	resp := env.do(t, http.MethodPost, "/v1/sync", nil)
	if resp.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d (%s)", resp.Code, resp.Body.String())
	}
	shareResp := env.do(t, http.MethodGet, "/v1/sync/status", nil)
	var status syncer.Status
	_ = json.NewDecoder(shareResp.Body).Decode(&status)
	if status.State != syncer.StateOffline {
		t.Fatalf("expected offline, got %s", status.State)
	}
}

func TestSharingRoutes(t *testing.T) {
	env := newTestEnv(t, ServerConfig{})
	env.do(t, http.MethodPost, "/v1/notes", map[string]any{"id": "n1", "title": "shared plan"})
	env.do(t, http.MethodPost, "/v1/sync", nil)

	shareResp := env.do(t, http.MethodPost, "/v1/notes/n1/grants", map[string]any{"userId": "bob", "level": "editor"})
	if shareResp.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d (%s)", shareResp.Code, shareResp.Body.String())
	}
	badLevel := env.do(t, http.MethodPost, "/v1/notes/n1/grants", map[string]any{"userId": "bob", "level": "owner"})
	if badLevel.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for owner level, got %d", badLevel.Code)
	}

	listResp := env.do(t, http.MethodGet, "/v1/notes/n1/grants", nil)
	var grants struct {
		Grants []notes.PermissionGrant `json:"grants"`
	}
	if err := json.NewDecoder(listResp.Body).Decode(&grants); err != nil {
		t.Fatalf("decode grants: %v", err)
	}
	if len(grants.Grants) != 1 || grants.Grants[0].GranteeID != "bob" || grants.Grants[0].Level != notes.LevelEditor {
		t.Fatalf("unexpected grants: %+v", grants.Grants)
	}

	if resp := env.do(t, http.MethodDelete, "/v1/notes/n1/grants/bob", nil); resp.Code != http.StatusNoContent {
		t.Fatalf("expected 204 on unshare, got %d", resp.Code)
	}
	if remaining, _ := env.remote.ListGrants(context.Background(), "n1"); len(remaining) != 0 {
		t.Fatalf("expected grant to be revoked remotely, got %+v", remaining)
	}
}

func TestResolveRequiresConflict(t *testing.T) {
	env := newTestEnv(t, ServerConfig{})
	env.do(t, http.MethodPost, "/v1/notes", map[string]any{"id": "n1", "title": "fine"})

	resp := env.do(t, http.MethodPost, "/v1/notes/n1/resolve", map[string]any{"resolution": "keep_local"})
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d (%s)", resp.Code, resp.Body.String())
	}
	resp = env.do(t, http.MethodPost, "/v1/notes/n1/resolve", map[string]any{"resolution": "merge"})
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown resolution, got %d", resp.Code)
	}
}

func TestFeedRelayDisabled(t *testing.T) {
	env := newTestEnv(t, ServerConfig{})
	resp := env.do(t, http.MethodGet, "/v1/feed", nil)
	if resp.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.Code)
	}
}

func TestFeedRelayForwardsEvents(t *testing.T) {
	env := newTestEnv(t, ServerConfig{})
	env.server.cfg.Feed = env.remote
	httpServer := httptest.NewServer(env.server)
	defer httpServer.Close()

	client := feed.NewWebSocketFeed("ws"+strings.TrimPrefix(httpServer.URL, "http")+"/v1/feed", env.token, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	sub, err := client.Subscribe(ctx, cloud.Scope{UserID: "alice"})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()

	at := notes.Timestamp(time.Now())
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case event, ok := <-sub.Events():
			if !ok {
				t.Fatalf("relay closed early: %v", sub.Err())
			}
			if event.Note.ID != "relayed" || event.Note.OwnerID != "alice" {
				t.Fatalf("unexpected event: %+v", event)
			}
			return
		case <-ticker.C:
			// The relay subscribes after the hello, so keep publishing until it listens.
			env.remote.Seed(notes.Note{ID: "relayed", OwnerID: "alice", Title: "t", CreatedAt: at, UpdatedAt: at})
		case <-ctx.Done():
			t.Fatalf("no event relayed")
		}
	}
}

func TestFeedRelayRejectsOtherUser(t *testing.T) {
	env := newTestEnv(t, ServerConfig{})
	env.server.cfg.Feed = env.remote
	httpServer := httptest.NewServer(env.server)
	defer httpServer.Close()

	client := feed.NewWebSocketFeed("ws"+strings.TrimPrefix(httpServer.URL, "http")+"/v1/feed", env.token, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	sub, err := client.Subscribe(ctx, cloud.Scope{UserID: "bob"})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()

	select {
	case _, ok := <-sub.Events():
		if ok {
			t.Fatalf("expected the relay to close the connection")
		}
	case <-ctx.Done():
		t.Fatalf("relay kept a foreign subscription open")
	}
	if sub.Err() == nil {
		t.Fatalf("expected a subscription error")
	}
}

func TestGrantedIDsDropsUnsharedNotes(t *testing.T) {
	env := newTestEnv(t, ServerConfig{})
	env.coord.Gate().Upsert(notes.PermissionGrant{NoteID: "shared", GranteeID: "alice", Level: notes.LevelViewer})
	got := env.server.grantedIDs(notes.Identity{UserID: "alice", Authenticated: true}, []string{"shared", "secret"})
	if len(got) != 1 || got[0] != "shared" {
		t.Fatalf("expected only the granted id, got %v", got)
	}
}

func doRequest(t *testing.T, server http.Handler, r request) *httptest.ResponseRecorder {
	t.Helper()
	var bodyBytes []byte
	if r.body != nil {
		data, err := json.Marshal(r.body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		bodyBytes = data
	}
	req := httptest.NewRequest(r.method, r.path, bytes.NewReader(bodyBytes))
	for k, v := range r.headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, req)
	return rec
}

func mustTestJWT(t *testing.T, secret, userID, aud string, exp time.Time) string {
	t.Helper()
	headerBytes, err := json.Marshal(map[string]any{"alg": "HS256", "typ": "JWT"})
	if err != nil {
		t.Fatalf("marshal jwt header: %v", err)
	}
	payloadBytes, err := json.Marshal(map[string]any{
		"sub": userID,
		"aud": aud,
		"exp": exp.Unix(),
	})
	if err != nil {
		t.Fatalf("marshal jwt payload: %v", err)
	}
	signingInput := base64.RawURLEncoding.EncodeToString(headerBytes) + "." + base64.RawURLEncoding.EncodeToString(payloadBytes)
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(signingInput))
	return signingInput + "." + base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}
