// Package api exposes the daemon's control surface: instance CRUD, lifecycle
// operations, transition history, websocket observers, health, host facts and
// metrics.
package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/warden-sh/warden/internal/audit"
	"github.com/warden-sh/warden/internal/lifecycle"
	"github.com/warden-sh/warden/internal/registry"
	"github.com/warden-sh/warden/internal/stream"
	"github.com/warden-sh/warden/pkg/logging"
	"github.com/warden-sh/warden/pkg/models"
	"github.com/warden-sh/warden/pkg/ratelimit"
)

// Handler serves the control API.
type Handler struct {
	registry   *registry.Registry
	controller *lifecycle.Controller
	streams    *stream.Manager
	saver      lifecycle.Saver
	history    *audit.Log
	metrics    http.Handler
	limiter    *ratelimit.Limiter
	token      string
	log        *logging.Logger
}

// NewHandler creates the API handler. history, metrics and limiter may be nil.
func NewHandler(reg *registry.Registry, ctrl *lifecycle.Controller, streams *stream.Manager, saver lifecycle.Saver, log *logging.Logger) *Handler {
	return &Handler{
		registry:   reg,
		controller: ctrl,
		streams:    streams,
		saver:      saver,
		log:        log,
	}
}

// SetHistory wires the transition history store.
func (h *Handler) SetHistory(l *audit.Log) { h.history = l }

// SetMetrics wires the /metrics handler.
func (h *Handler) SetMetrics(m http.Handler) { h.metrics = m }

// SetAuth enables bearer-token authentication on /api routes.
func (h *Handler) SetAuth(token string) { h.token = token }

// SetRateLimiter enables per-client rate limiting on /api routes.
func (h *Handler) SetRateLimiter(l *ratelimit.Limiter) { h.limiter = l }

// RegisterRoutes registers all API routes.
func (h *Handler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/health", h.Health).Methods("GET")
	r.HandleFunc("/system", h.SystemInfo).Methods("GET")
	if h.metrics != nil {
		r.Handle("/metrics", h.metrics).Methods("GET")
	}

	api := r.PathPrefix("/api").Subrouter()
	api.Use(h.authMiddleware)
	if h.limiter != nil {
		api.Use(h.limiter.Middleware(clientKey))
	}

	api.HandleFunc("/instances", h.ListInstances).Methods("GET")
	api.HandleFunc("/instances", h.RegisterInstance).Methods("POST")
	api.HandleFunc("/instances/{name}", h.GetInstance).Methods("GET")
	api.HandleFunc("/instances/{name}", h.DestroyInstance).Methods("DELETE")

	api.HandleFunc("/instances/{name}/start", h.lifecycleHandler("start")).Methods("POST")
	api.HandleFunc("/instances/{name}/stop", h.lifecycleHandler("stop")).Methods("POST")
	api.HandleFunc("/instances/{name}/restart", h.lifecycleHandler("restart")).Methods("POST")
	api.HandleFunc("/instances/{name}/kill", h.lifecycleHandler("kill")).Methods("POST")
	api.HandleFunc("/instances/{name}/recreate", h.lifecycleHandler("recreate")).Methods("POST")

	api.HandleFunc("/instances/{name}/command", h.SendCommand).Methods("POST")
	api.HandleFunc("/instances/{name}/history", h.InstanceHistory).Methods("GET")

	api.HandleFunc("/instances/{name}/logs", h.StreamLogs).Methods("GET")
	api.HandleFunc("/instances/{name}/stats", h.StreamStats).Methods("GET")
}

func clientKey(r *http.Request) string {
	host := r.RemoteAddr
	if i := strings.LastIndex(host, ":"); i > 0 {
		host = host[:i]
	}
	return host
}

func (h *Handler) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.token == "" {
			next.ServeHTTP(w, r)
			return
		}
		got := r.Header.Get("Authorization")
		// Websocket clients cannot always set headers; accept the token as a
		// query parameter for the streaming endpoints.
		if got == "" {
			if q := r.URL.Query().Get("token"); q != "" {
				got = "Bearer " + q
			}
		}
		want := "Bearer " + h.token
		if subtle.ConstantTimeCompare([]byte(got), []byte(want)) != 1 {
			writeError(w, http.StatusUnauthorized, "invalid or missing API token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(errorResponse{Error: msg})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeOpError maps lifecycle failures onto HTTP statuses: unknown names are
// 404, lock contention is 409, transient engine trouble is 502.
func writeOpError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, lifecycle.ErrUnknownInstance):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, lifecycle.ErrLockTimeout):
		writeError(w, http.StatusConflict, err.Error())
	case lifecycle.IsTransient(err):
		writeError(w, http.StatusBadGateway, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

// Health reports liveness.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"instances": h.registry.Len(),
		"time":      time.Now().UTC(),
	})
}

// SystemInfo reports host facts for capacity planning.
func (h *Handler) SystemInfo(w http.ResponseWriter, r *http.Request) {
	info := map[string]interface{}{
		"go_version": runtime.Version(),
		"num_cpu":    runtime.NumCPU(),
	}
	if hi, err := host.Info(); err == nil {
		info["hostname"] = hi.Hostname
		info["os"] = hi.OS
		info["platform"] = hi.Platform
		info["kernel_version"] = hi.KernelVersion
		info["uptime_seconds"] = hi.Uptime
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		info["memory_total_bytes"] = vm.Total
		info["memory_used_bytes"] = vm.Used
		info["memory_used_percent"] = vm.UsedPercent
	}
	if counts, err := cpu.Counts(true); err == nil {
		info["cpu_threads"] = counts
	}
	if avg, err := load.Avg(); err == nil {
		info["load1"] = avg.Load1
		info["load5"] = avg.Load5
		info["load15"] = avg.Load15
	}
	writeJSON(w, http.StatusOK, info)
}

// ListInstances returns every managed instance.
func (h *Handler) ListInstances(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.registry.All())
}

// RegisterInstance adds a new instance record. The engine object is created
// lazily on first start.
func (h *Handler) RegisterInstance(w http.ResponseWriter, r *http.Request) {
	var inst models.ManagedInstance
	if err := json.NewDecoder(r.Body).Decode(&inst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	inst.EngineID = ""
	inst.Status = models.StatusAbsent

	if err := inst.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.registry.Insert(inst); err != nil {
		if errors.Is(err, registry.ErrInstanceExists) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.saver.RequestSave()
	stored, _ := h.registry.Get(inst.Name)
	h.log.Info("Instance registered", map[string]interface{}{"instance": inst.Name, "image": inst.Image})
	writeJSON(w, http.StatusCreated, stored)
}

// GetInstance returns one instance record.
func (h *Handler) GetInstance(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	inst, ok := h.registry.Get(name)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown instance "+name)
		return
	}
	writeJSON(w, http.StatusOK, inst)
}

// DestroyInstance removes the record and its engine object. The controller
// tears down observer sessions as part of the operation.
func (h *Handler) DestroyInstance(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	if err := h.controller.Destroy(r.Context(), name); err != nil {
		writeOpError(w, err)
		return
	}
	h.log.Info("Instance destroyed", map[string]interface{}{"instance": name})
	w.WriteHeader(http.StatusNoContent)
}

// lifecycleHandler builds the handler for one lifecycle verb.
func (h *Handler) lifecycleHandler(op string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := mux.Vars(r)["name"]
		ctx := r.Context()

		var inst models.ManagedInstance
		var err error
		switch op {
		case "start":
			inst, err = h.controller.Start(ctx, name)
		case "stop":
			graceful := r.URL.Query().Get("force") != "true"
			inst, err = h.controller.Stop(ctx, name, graceful)
		case "restart":
			inst, err = h.controller.Restart(ctx, name)
		case "kill":
			inst, err = h.controller.Kill(ctx, name)
		case "recreate":
			inst, err = h.controller.Recreate(ctx, name)
		}
		if err != nil {
			writeOpError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, inst)
	}
}

type commandRequest struct {
	Command string `json:"command"`
}

// SendCommand forwards one console line to the instance.
func (h *Handler) SendCommand(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	var req commandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if strings.TrimSpace(req.Command) == "" {
		writeError(w, http.StatusBadRequest, "command must not be empty")
		return
	}
	if err := h.controller.SendCommand(r.Context(), name, req.Command); err != nil {
		writeOpError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// InstanceHistory returns recent status transitions, newest first.
func (h *Handler) InstanceHistory(w http.ResponseWriter, r *http.Request) {
	if h.history == nil {
		writeError(w, http.StatusNotImplemented, "transition history is not enabled")
		return
	}
	name := mux.Vars(r)["name"]
	if _, ok := h.registry.Get(name); !ok {
		writeError(w, http.StatusNotFound, "unknown instance "+name)
		return
	}
	limit := 50
	if q := r.URL.Query().Get("limit"); q != "" {
		if n, err := strconv.Atoi(q); err == nil && n > 0 {
			limit = n
		}
	}
	hist, err := h.history.History(r.Context(), name, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if hist == nil {
		hist = []audit.Transition{}
	}
	writeJSON(w, http.StatusOK, hist)
}

// Server wraps the HTTP server with sane timeouts. Streaming endpoints hold
// connections open, so there is no write timeout; idle and header timeouts
// still bound abusive clients.
type Server struct {
	http *http.Server
	log  *logging.Logger
}

// NewServer builds the HTTP server around the handler's routes.
func NewServer(listen string, h *Handler, log *logging.Logger) *Server {
	r := mux.NewRouter()
	h.RegisterRoutes(r)
	return &Server{
		http: &http.Server{
			Addr:              listen,
			Handler:           r,
			ReadHeaderTimeout: 10 * time.Second,
			IdleTimeout:       120 * time.Second,
		},
		log: log,
	}
}

// ListenAndServe blocks serving requests until Shutdown.
func (s *Server) ListenAndServe() error {
	s.log.Info("Control API listening", map[string]interface{}{"addr": s.http.Addr})
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
