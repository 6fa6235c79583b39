package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/sekimon/internal/auth"
	"github.com/ashita-ai/sekimon/internal/ctxutil"
	"github.com/ashita-ai/sekimon/internal/dispatch"
	"github.com/ashita-ai/sekimon/internal/eventlog"
	"github.com/ashita-ai/sekimon/internal/gate"
	"github.com/ashita-ai/sekimon/internal/model"
)

// Pinger reports backend health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	gate                *gate.Gate
	dispatcher          *dispatch.Dispatcher
	events              *eventlog.Log
	jwtMgr              *auth.JWTManager
	directory           *auth.Directory
	store               Pinger
	broker              *Broker
	logger              *slog.Logger
	startedAt           time.Time
	version             string
	storageName         string
	maxRequestBodyBytes int64
	keepalive           time.Duration
	openapiSpec         []byte
}

// HandlersDeps holds all dependencies for constructing Handlers.
// Optional (nil-safe): Broker, OpenAPISpec.
type HandlersDeps struct {
	Gate                *gate.Gate
	Dispatcher          *dispatch.Dispatcher
	Events              *eventlog.Log
	JWTMgr              *auth.JWTManager
	Directory           *auth.Directory
	Store               Pinger
	Broker              *Broker
	Logger              *slog.Logger
	Version             string
	StorageName         string
	MaxRequestBodyBytes int64
	OpenAPISpec         []byte
}

// NewHandlers creates a new Handlers with all dependencies.
func NewHandlers(d HandlersDeps) *Handlers {
	return &Handlers{
		gate:                d.Gate,
		dispatcher:          d.Dispatcher,
		events:              d.Events,
		jwtMgr:              d.JWTMgr,
		directory:           d.Directory,
		store:               d.Store,
		broker:              d.Broker,
		logger:              d.Logger,
		startedAt:           time.Now(),
		version:             d.Version,
		storageName:         d.StorageName,
		maxRequestBodyBytes: d.MaxRequestBodyBytes,
		keepalive:           15 * time.Second,
		openapiSpec:         d.OpenAPISpec,
	}
}

// HandleAuthToken handles POST /auth/token.
func (h *Handlers) HandleAuthToken(w http.ResponseWriter, r *http.Request) {
	var req model.AuthTokenRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if req.PrincipalID == "" || req.APIKey == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "principal_id and api_key are required")
		return
	}

	principal, err := h.directory.Authenticate(req.PrincipalID, req.APIKey)
	if err != nil {
		if !errors.Is(err, auth.ErrInvalidCredentials) {
			h.writeInternalError(w, r, "failed to authenticate", err)
			return
		}
		recordSecurityEvent(r, h.events, eventlog.Input{
			EventType:   model.EventAuthenticationFailed,
			Severity:    model.SeverityWarning,
			Description: fmt.Sprintf("token request for %q rejected: invalid credentials", req.PrincipalID),
			ActorID:     req.PrincipalID,
			Details:     map[string]any{"reason": "invalid_credentials", "path": r.URL.Path},
		})
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "invalid credentials")
		return
	}

	token, expiresAt, err := h.jwtMgr.IssueToken(principal)
	if err != nil {
		h.writeInternalError(w, r, "failed to issue token", err)
		return
	}
	h.logger.Info("token issued",
		"principal_id", principal.ID,
		"role", principal.Role,
		"request_id", RequestIDFromContext(r.Context()))

	writeJSON(w, r, http.StatusOK, model.AuthTokenResponse{
		Token:     token,
		ExpiresAt: expiresAt,
	})
}

// HandleSubscribe handles GET /v1/subscribe: a Server-Sent Events stream of
// security events. An optional min_severity narrows the stream.
func (h *Handlers) HandleSubscribe(w http.ResponseWriter, r *http.Request) {
	if h.broker == nil {
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeInternalError, "event stream not available")
		return
	}

	minSeverity := model.SeverityInfo
	if v := r.URL.Query().Get("min_severity"); v != "" {
		sev, err := model.ParseSeverity(v)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
			return
		}
		minSeverity = sev
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	// Disable the server's WriteTimeout for this long-lived connection.
	rc := http.NewResponseController(w)
	_ = rc.SetWriteDeadline(time.Time{})

	ch := h.broker.Subscribe(minSeverity)
	defer h.broker.Unsubscribe(ch)

	keepalive := time.NewTicker(h.keepalive)
	defer keepalive.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-keepalive.C:
			if _, err := w.Write([]byte(":keepalive\n\n")); err != nil {
				return
			}
			flusher.Flush()
		case event, ok := <-ch:
			if !ok {
				return
			}
			if _, err := w.Write(event); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// HandleHealth handles GET /health.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	storageStatus := "connected"
	status := "healthy"
	httpStatus := http.StatusOK

	if h.store != nil {
		if err := h.store.Ping(r.Context()); err != nil {
			h.logger.Warn("health: storage ping failed", "error", err)
			storageStatus = "disconnected"
			status = "unhealthy"
			httpStatus = http.StatusServiceUnavailable
		}
	}

	resp := model.HealthResponse{
		Status:  status,
		Version: h.version,
		Storage: h.storageName + ":" + storageStatus,
		Uptime:  int64(time.Since(h.startedAt).Seconds()),
	}
	if h.broker != nil {
		resp.SSEBroker = "running"
	}
	writeJSON(w, r, httpStatus, resp)
}

// HandleOpenAPISpec serves the embedded OpenAPI document.
func (h *Handlers) HandleOpenAPISpec(w http.ResponseWriter, r *http.Request) {
	if len(h.openapiSpec) == 0 {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/yaml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(h.openapiSpec)
}

// callerIsReviewer reports whether the authenticated caller may see and act
// on any principal's tasks.
func callerIsReviewer(r *http.Request) bool {
	c := ctxutil.ClaimsFromContext(r.Context())
	return c != nil && model.RoleAtLeast(c.Role, model.RoleReviewer)
}

func pathUUID(r *http.Request, name string) (uuid.UUID, error) {
	raw := r.PathValue(name)
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid %s: %q is not a UUID", name, raw)
	}
	return id, nil
}

func queryInt(r *http.Request, key string, defaultVal int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

func queryOffset(r *http.Request) int {
	return max(queryInt(r, "offset", 0), 0)
}

func queryLimit(r *http.Request) int {
	return model.NormalizeLimit(queryInt(r, "limit", model.DefaultListLimit))
}

func queryString(r *http.Request, key string) *string {
	v := strings.TrimSpace(r.URL.Query().Get(key))
	if v == "" {
		return nil
	}
	return &v
}

func queryTime(r *http.Request, key string) (*time.Time, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return nil, fmt.Errorf("invalid %s: expected RFC3339 format (e.g. 2024-01-01T00:00:00Z)", key)
	}
	return &t, nil
}

// trimPage drops the sentinel row fetched to detect another page.
func trimPage[T any](items []T, limit int) ([]T, bool) {
	if items == nil {
		items = []T{}
	}
	if len(items) > limit {
		return items[:limit], true
	}
	return items, false
}
