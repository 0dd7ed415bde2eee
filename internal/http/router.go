package httpx

import (
	"bufio"
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"log/slog"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Wakjira-Tesama/AI-Based-Desktop-Pooling-System/internal/domain"
	"github.com/Wakjira-Tesama/AI-Based-Desktop-Pooling-System/internal/repository"
	"github.com/Wakjira-Tesama/AI-Based-Desktop-Pooling-System/internal/service/auth"
	"github.com/Wakjira-Tesama/AI-Based-Desktop-Pooling-System/internal/service/lease"
	"github.com/Wakjira-Tesama/AI-Based-Desktop-Pooling-System/internal/service/pairing"
	"github.com/Wakjira-Tesama/AI-Based-Desktop-Pooling-System/internal/service/registry"
	"github.com/Wakjira-Tesama/AI-Based-Desktop-Pooling-System/internal/ws"
)

// Router wires HTTP endpoints to services.
type Router struct {
	mux        *http.ServeMux
	logger     *slog.Logger
	auth       auth.Service
	registry   *registry.Service
	pairing    *pairing.Service
	lease      *lease.Service
	hub        *ws.Hub
	upgrader   websocket.Upgrader
	limiter    RateLimiter
	agentToken string
	dbHealth   func(context.Context) error

	metricsOnce        sync.Once
	metricsInitialized bool
	requestTotal       *prometheus.CounterVec
	requestLatency     *prometheus.HistogramVec
	rateLimitHits      *prometheus.CounterVec
	sessionEvents      *prometheus.CounterVec
}

const (
	rateWindowDefault  = time.Minute
	rateWindowRealtime = 30 * time.Second
	rateLimitSignup    = 5
	rateLimitLogin     = 12
	rateLimitWrite     = 60
	rateLimitRead      = 120
	rateLimitWebsocket = 30
	rateLimitAgent     = 600
	rateLimitKiosk     = 60
	healthCheckTimeout = 2 * time.Second
	sseHeartbeatPeriod = 15 * time.Second
)

// NewRouter assembles routes with dependencies.
func NewRouter(logger *slog.Logger, authSvc auth.Service, registrySvc *registry.Service, pairingSvc *pairing.Service, leaseSvc *lease.Service, hub *ws.Hub, limiter RateLimiter, agentToken string, dbHealth func(context.Context) error) *Router {
	r := &Router{
		mux:      http.NewServeMux(),
		logger:   logger,
		auth:     authSvc,
		registry: registrySvc,
		pairing:  pairingSvc,
		lease:    leaseSvc,
		hub:      hub,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		limiter:    limiter,
		agentToken: strings.TrimSpace(agentToken),
		dbHealth:   dbHealth,
	}
	if r.limiter == nil {
		r.limiter = NewMemoryRateLimiter()
	}
	r.initMetrics()
	r.register()
	return r
}

// ServeHTTP delegates to underlying mux.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

// Close releases background resources.
func (r *Router) Close() {
	if r.limiter != nil {
		r.limiter.Close()
	}
}

func (r *Router) register() {
	r.mux.HandleFunc("/healthz", r.audit("/healthz", r.handleHealthz))
	r.mux.Handle("/metrics", promhttp.Handler())
	r.mux.HandleFunc("/auth/signup", r.audit("/auth/signup", r.withRateLimit("/auth/signup", rateLimitSignup, rateWindowDefault, rateLimitKeyIP, r.handleSignup)))
	r.mux.HandleFunc("/auth/login", r.audit("/auth/login", r.withRateLimit("/auth/login", rateLimitLogin, rateWindowDefault, rateLimitKeyIP, r.handleLogin)))
	r.mux.HandleFunc("/me", r.audit("/me", r.handlerAuthRate("/me", rateLimitRead, rateWindowDefault, r.handleMe)))
	r.mux.HandleFunc("/desktops", r.audit("/desktops", r.handlerAuthRate("/desktops", rateLimitWrite, rateWindowDefault, r.handleDesktops)))
	r.mux.HandleFunc("/desktops/", r.audit("/desktops/{id}", r.handlerAuthRate("/desktops/{id}", rateLimitWrite, rateWindowDefault, r.handleDesktopSubroutes)))
	r.mux.HandleFunc("/agent/heartbeat", r.audit("/agent/heartbeat", r.withRateLimit("/agent/heartbeat", rateLimitAgent, rateWindowDefault, rateLimitKeyIP, r.handleAgentHeartbeat)))
	r.mux.HandleFunc("/pairings", r.audit("/pairings", r.withRateLimit("/pairings", rateLimitKiosk, rateWindowDefault, rateLimitKeyIP, r.handlePairings)))
	r.mux.HandleFunc("/pairings/resolve", r.audit("/pairings/resolve", r.withRateLimit("/pairings/resolve", rateLimitKiosk, rateWindowDefault, rateLimitKeyIP, r.handlePairingResolve)))
	r.mux.HandleFunc("/pairings/", r.audit("/pairings/{device}", r.handlerAdminRate("/pairings/{device}", rateLimitWrite, rateWindowDefault, r.handlePairingSubroutes)))
	r.mux.HandleFunc("/sessions/start", r.audit("/sessions/start", r.handlerAuthRate("/sessions/start", rateLimitWrite, rateWindowDefault, r.handleSessionStart)))
	r.mux.HandleFunc("/sessions/me", r.audit("/sessions/me", r.handlerAuthRate("/sessions/me", rateLimitRead, rateWindowDefault, r.handleSessionMe)))
	r.mux.HandleFunc("/sessions/durations", r.audit("/sessions/durations", r.handlerAuthRate("/sessions/durations", rateLimitRead, rateWindowDefault, r.handleSessionDurations)))
	r.mux.HandleFunc("/sessions/active", r.audit("/sessions/active", r.handlerAdminRate("/sessions/active", rateLimitRead, rateWindowDefault, r.handleSessionsActive)))
	r.mux.HandleFunc("/sessions/", r.audit("/sessions/{id}", r.handlerAuthRate("/sessions/{id}", rateLimitWrite, rateWindowDefault, r.handleSessionSubroutes)))
	r.mux.HandleFunc("/analytics/stats", r.audit("/analytics/stats", r.handlerAdminRate("/analytics/stats", rateLimitRead, rateWindowDefault, r.handleStats)))
	r.mux.HandleFunc("/ws/pool", r.audit("/ws/pool", r.handlerAuthRate("/ws/pool", rateLimitWebsocket, rateWindowRealtime, r.handlePoolWS)))
	r.mux.HandleFunc("/events/pool", r.audit("/events/pool", r.handlerAuthRate("/events/pool", rateLimitWebsocket, rateWindowRealtime, r.handlePoolSSE)))
}

func (r *Router) handleSignup(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	var payload struct {
		StudentRef string `json:"student_ref"`
		Name       string `json:"name"`
		Email      string `json:"email"`
		Password   string `json:"password"`
	}
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	student, tokens, err := r.auth.Signup(req.Context(), auth.SignupInput{
		StudentRef: payload.StudentRef,
		Name:       payload.Name,
		Email:      payload.Email,
		Password:   payload.Password,
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"student": student,
		"tokens":  tokenResponse(tokens),
	})
}

func (r *Router) handleLogin(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	var payload struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	student, tokens, err := r.auth.Login(req.Context(), payload.Username, payload.Password)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"student": student,
		"tokens":  tokenResponse(tokens),
	})
}

func (r *Router) handleMe(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	info, ok := authInfoFromContext(req.Context())
	if !ok {
		r.missingAuthContext(w, req)
		return
	}
	student, err := r.auth.Student(req.Context(), info.StudentID)
	if err != nil {
		r.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, student)
}

func (r *Router) handleDesktops(w http.ResponseWriter, req *http.Request) {
	switch req.Method {
	case http.MethodGet:
		desktops, err := r.registry.List(req.Context())
		if err != nil {
			r.writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, desktops)
	case http.MethodPost:
		if !r.requireAdminContext(w, req) {
			return
		}
		var payload struct {
			Code       string `json:"code"`
			Address    string `json:"address"`
			MACAddress string `json:"mac_address"`
		}
		if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		desktop, err := r.registry.Register(req.Context(), payload.Code, payload.Address, payload.MACAddress)
		if err != nil {
			r.writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, desktop)
	default:
		r.methodNotAllowed(w)
	}
}

func (r *Router) handleDesktopSubroutes(w http.ResponseWriter, req *http.Request) {
	trimmed := strings.TrimPrefix(req.URL.Path, "/desktops/")
	parts := strings.Split(trimmed, "/")
	id, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil || id <= 0 {
		r.notFound(w)
		return
	}
	if len(parts) == 2 && parts[1] == "status" {
		r.handleDesktopStatus(w, req, id)
		return
	}
	if len(parts) > 1 {
		r.notFound(w)
		return
	}
	switch req.Method {
	case http.MethodGet:
		desktop, err := r.registry.Get(req.Context(), id)
		if err != nil {
			r.writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, desktop)
	case http.MethodDelete:
		if !r.requireAdminContext(w, req) {
			return
		}
		if err := r.registry.Remove(req.Context(), id); err != nil {
			r.writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "removed"})
	default:
		r.methodNotAllowed(w)
	}
}

func (r *Router) handleDesktopStatus(w http.ResponseWriter, req *http.Request, id int64) {
	if req.Method != http.MethodPut {
		r.methodNotAllowed(w)
		return
	}
	if !r.requireAdminContext(w, req) {
		return
	}
	var payload struct {
		Status domain.DesktopStatus `json:"status"`
	}
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := r.registry.SetStatus(req.Context(), id, payload.Status); err != nil {
		r.writeDomainError(w, err)
		return
	}
	desktop, err := r.registry.Get(req.Context(), id)
	if err != nil {
		r.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, desktop)
}

func (r *Router) handleAgentHeartbeat(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	if !r.verifyAgentToken(w, req) {
		return
	}
	var payload struct {
		Code          string  `json:"code"`
		CPUPercent    float64 `json:"cpu_percent"`
		MemoryPercent float64 `json:"memory_percent"`
		NetworkStatus string  `json:"network_status"`
	}
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(payload.Code) == "" {
		writeError(w, http.StatusBadRequest, "code is required")
		return
	}
	sample := domain.HealthSample{
		CPUPercent:    payload.CPUPercent,
		MemoryPercent: payload.MemoryPercent,
		NetworkStatus: payload.NetworkStatus,
	}
	if err := r.registry.Heartbeat(req.Context(), payload.Code, sample); err != nil {
		r.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "recorded"})
}

// handlePairings is unauthenticated: kiosks pair before any student logs
// in. Abuse is bounded by the per-IP rate limit.
func (r *Router) handlePairings(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	var payload struct {
		DeviceID    string `json:"device_id"`
		DesktopCode string `json:"desktop_code"`
		DesktopID   int64  `json:"desktop_id"`
	}
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	code := strings.TrimSpace(payload.DesktopCode)
	if code == "" && payload.DesktopID > 0 {
		// Older kiosk builds send the numeric id.
		desktop, err := r.registry.Get(req.Context(), payload.DesktopID)
		if err != nil {
			r.writeDomainError(w, err)
			return
		}
		code = desktop.Code
	}
	p, err := r.pairing.Register(req.Context(), payload.DeviceID, code)
	if err != nil {
		r.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (r *Router) handlePairingResolve(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	deviceID := strings.TrimSpace(req.URL.Query().Get("device_id"))
	if deviceID == "" {
		writeError(w, http.StatusBadRequest, "device_id query parameter required")
		return
	}
	desktop, err := r.pairing.Resolve(req.Context(), deviceID)
	if err != nil {
		r.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, desktop)
}

func (r *Router) handlePairingSubroutes(w http.ResponseWriter, req *http.Request) {
	deviceID := strings.TrimPrefix(req.URL.Path, "/pairings/")
	if deviceID == "" || strings.Contains(deviceID, "/") {
		r.notFound(w)
		return
	}
	if req.Method != http.MethodDelete {
		r.methodNotAllowed(w)
		return
	}
	if err := r.pairing.Unpair(req.Context(), deviceID); err != nil {
		r.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "unpaired"})
}

func (r *Router) handleSessionStart(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	info, ok := authInfoFromContext(req.Context())
	if !ok {
		r.missingAuthContext(w, req)
		return
	}
	var payload struct {
		DesktopID       int64 `json:"desktop_id"`
		DurationMinutes int   `json:"duration_minutes"`
	}
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	l, err := r.lease.Start(req.Context(), info.StudentID, payload.DesktopID, payload.DurationMinutes)
	if err != nil {
		r.writeDomainError(w, err)
		return
	}
	r.recordSessionEvent("started", string(domain.ActorStudent))
	writeJSON(w, http.StatusCreated, l)
}

func (r *Router) handleSessionSubroutes(w http.ResponseWriter, req *http.Request) {
	trimmed := strings.TrimPrefix(req.URL.Path, "/sessions/")
	parts := strings.Split(trimmed, "/")
	if len(parts) != 2 || parts[1] != "end" {
		r.notFound(w)
		return
	}
	id, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil || id <= 0 {
		r.notFound(w)
		return
	}
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	info, ok := authInfoFromContext(req.Context())
	if !ok {
		r.missingAuthContext(w, req)
		return
	}
	l, err := r.lease.GetLease(req.Context(), id)
	if err != nil {
		r.writeDomainError(w, err)
		return
	}
	actor := domain.ActorStudent
	if l.StudentID != info.StudentID {
		if !info.Admin {
			writeError(w, http.StatusForbidden, "cannot end another student's session")
			return
		}
		actor = domain.ActorAdmin
	}
	ended, err := r.lease.End(req.Context(), id, actor)
	if err != nil {
		r.writeDomainError(w, err)
		return
	}
	r.recordSessionEvent("ended", string(actor))
	writeJSON(w, http.StatusOK, ended)
}

func (r *Router) handleSessionMe(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	info, ok := authInfoFromContext(req.Context())
	if !ok {
		r.missingAuthContext(w, req)
		return
	}
	l, err := r.lease.ActiveForStudent(req.Context(), info.StudentID)
	if err != nil {
		r.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, l)
}

func (r *Router) handleSessionDurations(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"duration_minutes": r.lease.Durations()})
}

func (r *Router) handleSessionsActive(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	leases, err := r.lease.ListActive(req.Context())
	if err != nil {
		r.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, leases)
}

func (r *Router) handleStats(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	stats, err := r.registry.Stats(req.Context())
	if err != nil {
		r.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (r *Router) handlePoolWS(w http.ResponseWriter, req *http.Request) {
	if _, ok := authInfoFromContext(req.Context()); !ok {
		r.missingAuthContext(w, req)
		return
	}
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	client := ws.NewClient(conn, r.logger)
	r.hub.Register(lease.PoolTopic, client)
	go func() {
		defer func() {
			r.hub.Unregister(lease.PoolTopic, client)
			client.Close()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
}

func (r *Router) handlePoolSSE(w http.ResponseWriter, req *http.Request) {
	if _, ok := authInfoFromContext(req.Context()); !ok {
		r.missingAuthContext(w, req)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}
	headers := w.Header()
	headers.Set("Content-Type", "text/event-stream")
	headers.Set("Cache-Control", "no-cache")
	headers.Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	client := ws.NewSSEClient(w, flusher, r.logger)
	r.hub.Register(lease.PoolTopic, client)
	defer func() {
		r.hub.Unregister(lease.PoolTopic, client)
		client.Close()
	}()

	ticker := time.NewTicker(sseHeartbeatPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-req.Context().Done():
			return
		case <-ticker.C:
			if err := client.Heartbeat(); err != nil {
				return
			}
		}
	}
}

func (r *Router) handleHealthz(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	components := make(map[string]any)
	status := "ok"
	if r.dbHealth != nil {
		ctx, cancel := context.WithTimeout(req.Context(), healthCheckTimeout)
		defer cancel()
		if err := r.dbHealth(ctx); err != nil {
			status = "degraded"
			components["database"] = map[string]any{
				"status": "down",
				"error":  err.Error(),
			}
		} else {
			components["database"] = map[string]any{"status": "up"}
		}
	}
	payload := map[string]any{
		"status":     status,
		"components": components,
		"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
	}
	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, payload)
}

// writeDomainError maps service errors onto the HTTP error contract.
func (r *Router) writeDomainError(w http.ResponseWriter, err error) {
	var active *domain.AlreadyActiveError
	switch {
	case errors.Is(err, repository.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.As(err, &active):
		writeJSON(w, http.StatusConflict, map[string]any{
			"error":    err.Error(),
			"lease_id": active.LeaseID,
		})
	case errors.Is(err, domain.ErrCodeTaken),
		errors.Is(err, domain.ErrDesktopInUse),
		errors.Is(err, domain.ErrDesktopUnavailable),
		errors.Is(err, domain.ErrAlreadyPaired),
		errors.Is(err, domain.ErrDesktopAlreadyPaired):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, domain.ErrInvalidDuration),
		errors.Is(err, domain.ErrInvalidTransition):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, domain.ErrValidation):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (r *Router) requireAdminContext(w http.ResponseWriter, req *http.Request) bool {
	info, ok := authInfoFromContext(req.Context())
	if !ok {
		r.missingAuthContext(w, req)
		return false
	}
	if !info.Admin {
		writeError(w, http.StatusForbidden, "admin access required")
		return false
	}
	return true
}

func (r *Router) missingAuthContext(w http.ResponseWriter, req *http.Request) {
	r.logger.Error("auth context missing", "path", req.URL.Path)
	writeError(w, http.StatusInternalServerError, "authorization context missing")
}

func tokenResponse(tokens auth.TokenPair) map[string]any {
	return map[string]any{
		"access_token":  tokens.AccessToken,
		"refresh_token": tokens.RefreshToken,
		"expires_in":    int(tokens.ExpiresIn.Seconds()),
	}
}

func (r *Router) audit(route string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w}
		start := time.Now()
		next(recorder, req)

		status := recorder.status
		if status == 0 {
			status = http.StatusOK
		}
		ctx := recorder.ctx
		if ctx == nil {
			ctx = req.Context()
		}
		duration := time.Since(start)
		r.recordRequestMetrics(req.Method, route, status, duration)

		actor := "anonymous"
		fields := []any{
			"method", req.Method,
			"path", req.URL.Path,
			"status", status,
			"bytes", recorder.bytes,
			"duration_ms", duration.Milliseconds(),
		}
		if ip := clientIP(req); ip != "" {
			fields = append(fields, "ip", ip)
		}
		if reqID := strings.TrimSpace(req.Header.Get("X-Request-ID")); reqID != "" {
			fields = append(fields, "request_id", reqID)
		}
		if info, ok := authInfoFromContext(ctx); ok {
			actor = "student"
			if info.Admin {
				actor = "admin"
			}
			fields = append(fields, "student_id", info.StudentID)
		} else if strings.HasPrefix(req.URL.Path, "/agent/") {
			actor = "agent"
		}
		fields = append(fields, "actor", actor)

		switch {
		case status >= http.StatusInternalServerError:
			r.logger.Error("http_request", fields...)
		case status >= http.StatusBadRequest:
			r.logger.Warn("http_request", fields...)
		default:
			r.logger.Info("http_request", fields...)
		}
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
	ctx    context.Context
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	if sr.status == 0 {
		sr.status = http.StatusOK
	}
	n, err := sr.ResponseWriter.Write(b)
	sr.bytes += n
	return n, err
}

func (sr *statusRecorder) SetContext(ctx context.Context) {
	sr.ctx = ctx
}

func (sr *statusRecorder) Flush() {
	if f, ok := sr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (sr *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := sr.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, errors.New("hijacker not supported")
}

func (sr *statusRecorder) Push(target string, opts *http.PushOptions) error {
	if p, ok := sr.ResponseWriter.(http.Pusher); ok {
		return p.Push(target, opts)
	}
	return http.ErrNotSupported
}

func clientIP(req *http.Request) string {
	if forwarded := strings.TrimSpace(req.Header.Get("X-Forwarded-For")); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		if len(parts) > 0 {
			ip := strings.TrimSpace(parts[0])
			if ip != "" {
				return ip
			}
		}
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(req.RemoteAddr))
	if err != nil {
		return strings.TrimSpace(req.RemoteAddr)
	}
	return host
}

func (r *Router) applyRateHeaders(w http.ResponseWriter, limit int, decision rateDecision) {
	if limit <= 0 {
		return
	}
	remaining := limit - decision.count
	if remaining < 0 {
		remaining = 0
	}
	headers := w.Header()
	headers.Set("X-RateLimit-Limit", strconv.Itoa(limit))
	headers.Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
	if !decision.windowEnd.IsZero() {
		headers.Set("X-RateLimit-Reset", strconv.FormatInt(decision.windowEnd.Unix(), 10))
	}
}

// verifyAgentToken ensures desktop agent reports carry the configured secret.
func (r *Router) verifyAgentToken(w http.ResponseWriter, req *http.Request) bool {
	expected := r.agentToken
	if expected == "" {
		r.logger.Error("agent token not configured", "path", req.URL.Path)
		writeError(w, http.StatusInternalServerError, "agent authentication misconfigured")
		return false
	}
	token := strings.TrimSpace(req.Header.Get("X-Agent-Token"))
	if len(token) != len(expected) || subtle.ConstantTimeCompare([]byte(token), []byte(expected)) != 1 {
		r.logger.Warn("agent token mismatch", "path", req.URL.Path)
		writeError(w, http.StatusUnauthorized, "invalid agent token")
		return false
	}
	return true
}

func (r *Router) methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func (r *Router) notFound(w http.ResponseWriter) {
	writeError(w, http.StatusNotFound, "not found")
}
