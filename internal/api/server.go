// Package api serves the bms admin HTTP API.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/harunnryd/bms/internal/aging"
	"github.com/harunnryd/bms/internal/bundle"
	"github.com/harunnryd/bms/internal/daemon"
	bmsErrors "github.com/harunnryd/bms/internal/errors"
	"github.com/harunnryd/bms/internal/installer"
	"github.com/harunnryd/bms/internal/logger"
	"github.com/harunnryd/bms/internal/process"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Manager is what the API drives. *service.Context implements it.
type Manager interface {
	InstallBundle(ctx context.Context, m *bundle.Manifest, param installer.InstallParam) (*bundle.InnerBundleInfo, error)
	UninstallBundle(ctx context.Context, name string, param installer.InstallParam) error
	InstallSandboxApp(ctx context.Context, name string, dlpType, userID int) (int, error)
	UninstallSandboxApp(ctx context.Context, name string, appIndex, userID int) error
	GetSandboxAppBundleInfo(name string, appIndex, userID int) (bundle.BundleInfo, error)
	ListBundles(userID int) []bundle.BundleInfo
	ListSandboxApps(userID int) []bundle.BundleInfo
	RunAging(ctx context.Context, trigger string) (*aging.Report, error)
	PlanAging(ctx context.Context) (*aging.Plan, error)
	MarkRunning(ctx context.Context, name string, userID int) (string, error)
	MarkStopped(ctx context.Context, name string, userID int) (bool, error)
	Processes() []process.Launch
	Events(limit int) ([]bundle.Event, error)
}

// HealthReporter exposes daemon health. *daemon.Daemon implements it.
type HealthReporter interface {
	Health() daemon.HealthStatus
	ComponentHealth() map[string]*daemon.ComponentHealth
}

// TriggerAPI names aging cycles started through the API.
const TriggerAPI = "api"

// Server is the REST API server.
type Server struct {
	Router chi.Router
	mgr    Manager
	health HealthReporter
}

// NewServer creates the router with every route registered. health may be
// nil, in which case /health only reports the API itself.
func NewServer(mgr Manager, health HealthReporter) *Server {
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(requestLogger)
	router.Use(middleware.Recoverer)
	router.Use(middleware.SetHeader("Content-Type", "application/json"))

	s := &Server{
		Router: router,
		mgr:    mgr,
		health: health,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.Router.Get("/health", s.handleHealth)

	s.Router.Get("/bundles", s.handleListBundles)
	s.Router.Post("/bundles", s.handleInstallBundle)
	s.Router.Delete("/bundles/{name}", s.handleUninstallBundle)

	s.Router.Get("/sandbox", s.handleListSandboxApps)
	s.Router.Post("/sandbox", s.handleInstallSandboxApp)
	s.Router.Get("/sandbox/{name}/{index}", s.handleGetSandboxApp)
	s.Router.Delete("/sandbox/{name}/{index}", s.handleUninstallSandboxApp)

	s.Router.Post("/aging/run", s.handleRunAging)
	s.Router.Get("/aging/plan", s.handlePlanAging)

	s.Router.Get("/processes", s.handleListProcesses)
	s.Router.Post("/processes/{name}/launch", s.handleLaunch)
	s.Router.Post("/processes/{name}/exit", s.handleExit)

	s.Router.Get("/events", s.handleEvents)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.Router.ServeHTTP(w, r)
}

// requestLogger logs one line per request through slog, tagged with the
// chi request id.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		ctx := logger.WithTraceID(r.Context(), middleware.GetReqID(r.Context()))
		next.ServeHTTP(ww, r.WithContext(ctx))
		logger.FromContext(ctx).Debug("HTTP request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start))
	})
}

// --- Helpers ---

type errorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code,omitempty"`
	CodeValue int32  `json:"code_value,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("write json response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

var errMapper = bmsErrors.NewDefaultErrorMapper()

// writeErr maps err onto a status through its category and reports the
// result code when it carries one. Uncategorized collaborator errors are
// classified by the error mapper first.
func writeErr(w http.ResponseWriter, err error) {
	resp := errorResponse{Error: err.Error()}
	var code bmsErrors.ErrCode
	if errors.As(err, &code) {
		resp.Code = code.String()
		resp.CodeValue = int32(code)
	}
	mapped := errMapper.MapError(err)
	if bmsErrors.IsCategory(mapped, bmsErrors.ErrTransient) {
		w.Header().Set("Retry-After", "1")
	}
	writeJSON(w, statusFor(mapped), resp)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	case errors.Is(err, bmsErrors.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, bmsErrors.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, bmsErrors.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, bmsErrors.ErrPermissionDenied):
		return http.StatusForbidden
	case errors.Is(err, bmsErrors.ErrCooldown):
		return http.StatusTooManyRequests
	case errors.Is(err, bmsErrors.ErrTransient):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
