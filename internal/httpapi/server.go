// Package httpapi exposes one user's sync session over a local HTTP API.
package httpapi

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/agentworkforce/relaynotes/internal/cloud"
	"github.com/agentworkforce/relaynotes/internal/logger"
	"github.com/agentworkforce/relaynotes/internal/notes"
	"github.com/agentworkforce/relaynotes/internal/query"
	"github.com/agentworkforce/relaynotes/internal/syncer"
)

type ServerConfig struct {
	// JWTSecret signs API bearer tokens. Without one every request is refused.
	JWTSecret string
	// RateLimit is requests per second per user; zero disables limiting.
	RateLimit    float64
	RateBurst    int
	MaxBodyBytes int64
	// Feed, when set, is relayed to websocket clients on /v1/feed.
	Feed   cloud.Feed
	Logger *zap.SugaredLogger
}

type Server struct {
	coord *syncer.Coordinator
	cfg   ServerConfig
	log   *zap.SugaredLogger
	now   func() time.Time

	limitersMu sync.Mutex
	limiters   map[string]*rate.Limiter
}

func NewServer(coord *syncer.Coordinator) *Server {
	return NewServerWithConfig(coord, ServerConfig{})
}

func NewServerWithConfig(coord *syncer.Coordinator, cfg ServerConfig) *Server {
	if cfg.RateLimit < 0 {
		cfg.RateLimit = 0
	}
	if cfg.RateBurst <= 0 {
		cfg.RateBurst = 1
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	return &Server{
		coord:    coord,
		cfg:      cfg,
		log:      logger.OrNop(cfg.Logger).With(logger.FieldComponent, "httpapi"),
		now:      time.Now,
		limiters: map[string]*rate.Limiter{},
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	w.Header().Set("X-Correlation-Id", correlationID)

	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}

	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(parts) < 2 || parts[0] != "v1" {
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
		return
	}

	var route string
	switch {
	case len(parts) == 2 && parts[1] == "notes" && r.Method == http.MethodGet:
		route = "list_notes"
	case len(parts) == 2 && parts[1] == "notes" && r.Method == http.MethodPost:
		route = "create_note"
	case len(parts) == 3 && parts[1] == "notes" && parts[2] == "search" && r.Method == http.MethodGet:
		route = "search"
	case len(parts) == 3 && parts[1] == "notes" && parts[2] == "delete" && r.Method == http.MethodPost:
		route = "delete_notes"
	case len(parts) == 3 && parts[1] == "notes" && r.Method == http.MethodGet:
		route = "get_note"
	case len(parts) == 3 && parts[1] == "notes" && r.Method == http.MethodPut:
		route = "update_note"
	case len(parts) == 3 && parts[1] == "notes" && r.Method == http.MethodDelete:
		route = "delete_note"
	case len(parts) == 4 && parts[1] == "notes" && parts[3] == "resolve" && r.Method == http.MethodPost:
		route = "resolve"
	case len(parts) == 4 && parts[1] == "notes" && parts[3] == "grants" && r.Method == http.MethodGet:
		route = "list_grants"
	case len(parts) == 4 && parts[1] == "notes" && parts[3] == "grants" && r.Method == http.MethodPost:
		route = "share"
	case len(parts) == 5 && parts[1] == "notes" && parts[3] == "grants" && r.Method == http.MethodDelete:
		route = "unshare"
	case len(parts) == 2 && parts[1] == "tags" && r.Method == http.MethodGet:
		route = "tags"
	case len(parts) == 3 && parts[1] == "sync" && parts[2] == "status" && r.Method == http.MethodGet:
		route = "sync_status"
	case len(parts) == 2 && parts[1] == "sync" && r.Method == http.MethodPost:
		route = "sync"
	case len(parts) == 2 && parts[1] == "feed" && r.Method == http.MethodGet:
		route = "feed"
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
		return
	}

	claims, authErr := authorizeBearer(r.Header.Get("Authorization"), s.cfg.JWTSecret, s.coord.Store().UserID(), s.now().UTC())
	if authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
		return
	}
	if !s.allow(claims.UserID) {
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", correlationID)
		return
	}
	identity := claims.Identity()

	switch route {
	case "list_notes":
		s.handleListNotes(w, r, identity, correlationID)
	case "create_note":
		s.handleCreateNote(w, r, identity, correlationID)
	case "search":
		s.handleSearch(w, r, identity, correlationID)
	case "delete_notes":
		s.handleDeleteNotes(w, r, identity, correlationID)
	case "get_note":
		s.handleGetNote(w, r, identity, parts[2], correlationID)
	case "update_note":
		s.handleUpdateNote(w, r, identity, parts[2], correlationID)
	case "delete_note":
		s.handleDeleteNote(w, r, identity, parts[2], correlationID)
	case "resolve":
		s.handleResolve(w, r, identity, parts[2], correlationID)
	case "list_grants":
		s.handleListGrants(w, r, identity, parts[2], correlationID)
	case "share":
		s.handleShare(w, r, identity, parts[2], correlationID)
	case "unshare":
		s.handleUnshare(w, r, identity, parts[2], parts[4], correlationID)
	case "tags":
		s.handleTags(w, r, identity, correlationID)
	case "sync_status":
		writeJSON(w, http.StatusOK, s.coord.Status())
	case "sync":
		s.handleSync(w, r, identity, correlationID)
	case "feed":
		s.handleFeed(w, r, identity, correlationID)
	}
}

func (s *Server) handleListNotes(w http.ResponseWriter, r *http.Request, identity notes.Identity, correlationID string) {
	list := s.coord.Entries
	if r.URL.Query().Get("state") == string(notes.StateConflict) {
		list = s.coord.Conflicts
	}
	entries, err := list(identity)
	if err != nil {
		s.writeEngineError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"notes": entries})
}

func (s *Server) handleCreateNote(w http.ResponseWriter, r *http.Request, identity notes.Identity, correlationID string) {
	var draft syncer.Draft
	if !s.decodeJSONBody(w, r, correlationID, &draft) {
		return
	}
	note, err := s.coord.Create(r.Context(), identity, draft)
	if err != nil {
		s.writeEngineError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusCreated, note)
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request, identity notes.Identity, correlationID string) {
	values := r.URL.Query()
	q := query.Query{
		Text:   values.Get("q"),
		Tags:   values["tag"],
		Filter: values.Get("filter"),
	}
	found, err := s.coord.Search(identity, q)
	if err != nil {
		s.writeEngineError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"notes": found})
}

func (s *Server) handleDeleteNotes(w http.ResponseWriter, r *http.Request, identity notes.Identity, correlationID string) {
	var body struct {
		IDs []string `json:"ids"`
	}
	if !s.decodeJSONBody(w, r, correlationID, &body) {
		return
	}
	if len(body.IDs) == 0 {
		writeError(w, http.StatusBadRequest, "bad_request", "ids is required", correlationID)
		return
	}
	if err := s.coord.Delete(r.Context(), identity, body.IDs...); err != nil {
		s.writeEngineError(w, err, correlationID)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetNote(w http.ResponseWriter, _ *http.Request, identity notes.Identity, id, correlationID string) {
	entry, err := s.coord.Note(identity, id)
	if err != nil {
		s.writeEngineError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (s *Server) handleUpdateNote(w http.ResponseWriter, r *http.Request, identity notes.Identity, id, correlationID string) {
	var patch syncer.Patch
	if !s.decodeJSONBody(w, r, correlationID, &patch) {
		return
	}
	note, err := s.coord.Update(r.Context(), identity, id, patch)
	if err != nil {
		s.writeEngineError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, note)
}

func (s *Server) handleDeleteNote(w http.ResponseWriter, r *http.Request, identity notes.Identity, id, correlationID string) {
	if err := s.coord.Delete(r.Context(), identity, id); err != nil {
		s.writeEngineError(w, err, correlationID)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request, identity notes.Identity, id, correlationID string) {
	var body struct {
		Resolution string `json:"resolution"`
	}
	if !s.decodeJSONBody(w, r, correlationID, &body) {
		return
	}
	choice, err := syncer.ParseResolution(body.Resolution)
	if err != nil {
		s.writeEngineError(w, err, correlationID)
		return
	}
	entry, err := s.coord.ResolveConflict(r.Context(), identity, id, choice)
	if err != nil {
		s.writeEngineError(w, err, correlationID)
		return
	}
	if entry.ID() == "" {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (s *Server) handleListGrants(w http.ResponseWriter, r *http.Request, identity notes.Identity, id, correlationID string) {
	grants, err := s.coord.Grants(r.Context(), identity, id)
	if err != nil {
		s.writeEngineError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"grants": grants})
}

func (s *Server) handleShare(w http.ResponseWriter, r *http.Request, identity notes.Identity, id, correlationID string) {
	var body struct {
		UserID string `json:"userId"`
		Level  string `json:"level"`
	}
	if !s.decodeJSONBody(w, r, correlationID, &body) {
		return
	}
	grant, err := s.coord.Share(r.Context(), identity, id, body.UserID, body.Level)
	if err != nil {
		s.writeEngineError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusCreated, grant)
}

func (s *Server) handleUnshare(w http.ResponseWriter, r *http.Request, identity notes.Identity, id, granteeID, correlationID string) {
	if err := s.coord.Unshare(r.Context(), identity, id, granteeID); err != nil {
		s.writeEngineError(w, err, correlationID)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleTags(w http.ResponseWriter, _ *http.Request, identity notes.Identity, correlationID string) {
	tags, err := s.coord.Tags(identity)
	if err != nil {
		s.writeEngineError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tags": tags})
}

// handleSync forces a reconciliation pass and reports what it did.
func (s *Server) handleSync(w http.ResponseWriter, r *http.Request, identity notes.Identity, correlationID string) {
	result, err := s.coord.Reconcile(r.Context(), identity)
	if err != nil {
		s.writeEngineError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"result": result,
		"status": s.coord.Status(),
	})
}

func (s *Server) allow(userID string) bool {
	if s.cfg.RateLimit == 0 {
		return true
	}
	s.limitersMu.Lock()
	limiter, ok := s.limiters[userID]
	if !ok {
		limiter = rate.NewLimiter(rate.Limit(s.cfg.RateLimit), s.cfg.RateBurst)
		s.limiters[userID] = limiter
	}
	s.limitersMu.Unlock()
	return limiter.Allow()
}

// writeEngineError maps the error taxonomy onto HTTP statuses.
func (s *Server) writeEngineError(w http.ResponseWriter, err error, correlationID string) {
	status, code := http.StatusInternalServerError, "internal_error"
	switch {
	case errors.Is(err, notes.ErrUnauthenticated):
		status, code = http.StatusUnauthorized, "unauthorized"
	case errors.Is(err, notes.ErrPermissionDenied):
		status, code = http.StatusForbidden, "forbidden"
	case errors.Is(err, notes.ErrNotFound):
		status, code = http.StatusNotFound, "not_found"
	case errors.Is(err, notes.ErrInvalidInput):
		status, code = http.StatusBadRequest, "bad_request"
	case errors.Is(err, notes.ErrRemoteConflict):
		status, code = http.StatusConflict, "conflict"
	case notes.IsNetwork(err):
		status, code = http.StatusServiceUnavailable, "unavailable"
	case errors.Is(err, notes.ErrStorageCorruption):
		code = "storage_corruption"
	}
	if status >= http.StatusInternalServerError {
		s.log.Errorw("request failed", logger.FieldError, err, logger.FieldCorrelation, correlationID)
	}
	writeError(w, status, code, err.Error(), correlationID)
}

func getCorrelationID(r *http.Request) string {
	if id := strings.TrimSpace(r.Header.Get("X-Correlation-Id")); id != "" {
		return id
	}
	return uuid.NewString()
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request, correlationID string) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit", correlationID)
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body", correlationID)
		return nil, false
	}
	return body, true
}

func (s *Server) decodeJSONBody(w http.ResponseWriter, r *http.Request, correlationID string, dst any) bool {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}
