package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/harunnryd/bms/internal/bundle"
	bmsErrors "github.com/harunnryd/bms/internal/errors"
	"github.com/harunnryd/bms/internal/installer"

	"github.com/go-chi/chi/v5"
)

// maxManifestBytes bounds POST /bundles bodies.
const maxManifestBytes = 1 << 20

// InstallSandboxRequest is the body of POST /sandbox.
type InstallSandboxRequest struct {
	BundleName string `json:"bundle_name"`
	DLPType    int    `json:"dlp_type"`
	UserID     *int   `json:"user_id,omitempty"`
}

// InstallSandboxResponse reports the index a new sandbox app got.
type InstallSandboxResponse struct {
	BundleName string `json:"bundle_name"`
	AppIndex   int    `json:"app_index"`
	UserID     int    `json:"user_id"`
}

type launchResponse struct {
	BundleName string `json:"bundle_name"`
	UserID     int    `json:"user_id"`
	RunID      string `json:"run_id,omitempty"`
	Stopped    bool   `json:"stopped,omitempty"`
}

// userParam reads ?user=, defaulting to the default user. "all" selects
// bundle.AllUserID.
func userParam(r *http.Request) (int, error) {
	v := r.URL.Query().Get("user")
	switch v {
	case "":
		return bundle.DefaultUserID, nil
	case "all":
		return bundle.AllUserID, nil
	}
	id, err := strconv.Atoi(v)
	if err != nil {
		return 0, bmsErrors.InvalidInput(fmt.Sprintf("invalid user %q", v))
	}
	return id, nil
}

func boolParam(r *http.Request, name string) bool {
	b, _ := strconv.ParseBool(r.URL.Query().Get(name))
	return b
}

func indexParam(r *http.Request) (int, error) {
	v := chi.URLParam(r, "index")
	idx, err := strconv.Atoi(v)
	if err != nil {
		return 0, bmsErrors.InvalidInput(fmt.Sprintf("invalid app index %q", v))
	}
	return idx, nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{"status": "ok"}
	if s.health == nil {
		writeJSON(w, http.StatusOK, resp)
		return
	}

	status := http.StatusOK
	components := make(map[string]any)
	for name, ch := range s.health.ComponentHealth() {
		entry := map[string]any{"healthy": ch.Healthy}
		if ch.Error != nil {
			entry["error"] = ch.Error.Error()
		}
		if !ch.Healthy {
			status = http.StatusServiceUnavailable
			resp["status"] = "degraded"
		}
		components[name] = entry
	}
	resp["daemon"] = s.health.Health()
	resp["components"] = components
	writeJSON(w, status, resp)
}

func (s *Server) handleListBundles(w http.ResponseWriter, r *http.Request) {
	userID, err := userParam(r)
	if err != nil {
		writeErr(w, err)
		return
	}
	infos := s.mgr.ListBundles(userID)
	if infos == nil {
		infos = []bundle.BundleInfo{}
	}
	writeJSON(w, http.StatusOK, infos)
}

// handleInstallBundle accepts a YAML or JSON manifest. ?replace=true allows
// updating an installed bundle.
func (s *Server) handleInstallBundle(w http.ResponseWriter, r *http.Request) {
	userID, err := userParam(r)
	if err != nil {
		writeErr(w, err)
		return
	}
	m, err := bundle.ParseManifest(http.MaxBytesReader(w, r.Body, maxManifestBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	param := installer.InstallParam{UserID: userID}
	if boolParam(r, "replace") {
		param.InstallFlag = installer.InstallFlagReplaceExisting
	}
	info, err := s.mgr.InstallBundle(r.Context(), m, param)
	if err != nil {
		writeErr(w, err)
		return
	}
	bi, _ := info.ToBundleInfo(userID)
	writeJSON(w, http.StatusCreated, bi)
}

func (s *Server) handleUninstallBundle(w http.ResponseWriter, r *http.Request) {
	userID, err := userParam(r)
	if err != nil {
		writeErr(w, err)
		return
	}
	param := installer.InstallParam{
		UserID:        userID,
		IsKeepData:    boolParam(r, "keep_data"),
		ForceExecuted: boolParam(r, "force"),
	}
	if err := s.mgr.UninstallBundle(r.Context(), chi.URLParam(r, "name"), param); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListSandboxApps(w http.ResponseWriter, r *http.Request) {
	userID := bundle.AllUserID
	if r.URL.Query().Has("user") {
		var err error
		if userID, err = userParam(r); err != nil {
			writeErr(w, err)
			return
		}
	}
	infos := s.mgr.ListSandboxApps(userID)
	if infos == nil {
		infos = []bundle.BundleInfo{}
	}
	writeJSON(w, http.StatusOK, infos)
}

func (s *Server) handleInstallSandboxApp(w http.ResponseWriter, r *http.Request) {
	var req InstallSandboxRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	userID := bundle.DefaultUserID
	if req.UserID != nil {
		userID = *req.UserID
	}

	idx, err := s.mgr.InstallSandboxApp(r.Context(), req.BundleName, req.DLPType, userID)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, InstallSandboxResponse{BundleName: req.BundleName, AppIndex: idx, UserID: userID})
}

func (s *Server) handleGetSandboxApp(w http.ResponseWriter, r *http.Request) {
	userID, err := userParam(r)
	if err != nil {
		writeErr(w, err)
		return
	}
	idx, err := indexParam(r)
	if err != nil {
		writeErr(w, err)
		return
	}
	info, err := s.mgr.GetSandboxAppBundleInfo(chi.URLParam(r, "name"), idx, userID)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleUninstallSandboxApp(w http.ResponseWriter, r *http.Request) {
	userID, err := userParam(r)
	if err != nil {
		writeErr(w, err)
		return
	}
	idx, err := indexParam(r)
	if err != nil {
		writeErr(w, err)
		return
	}
	if err := s.mgr.UninstallSandboxApp(r.Context(), chi.URLParam(r, "name"), idx, userID); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRunAging(w http.ResponseWriter, r *http.Request) {
	trigger := r.URL.Query().Get("trigger")
	if trigger == "" {
		trigger = TriggerAPI
	}
	report, err := s.mgr.RunAging(r.Context(), trigger)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handlePlanAging(w http.ResponseWriter, r *http.Request) {
	plan, err := s.mgr.PlanAging(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, plan)
}

func (s *Server) handleListProcesses(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.mgr.Processes())
}

func (s *Server) handleLaunch(w http.ResponseWriter, r *http.Request) {
	userID, err := userParam(r)
	if err != nil {
		writeErr(w, err)
		return
	}
	name := chi.URLParam(r, "name")
	runID, err := s.mgr.MarkRunning(r.Context(), name, userID)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, launchResponse{BundleName: name, UserID: userID, RunID: runID})
}

func (s *Server) handleExit(w http.ResponseWriter, r *http.Request) {
	userID, err := userParam(r)
	if err != nil {
		writeErr(w, err)
		return
	}
	name := chi.URLParam(r, "name")
	stopped, err := s.mgr.MarkStopped(r.Context(), name, userID)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, launchResponse{BundleName: name, UserID: userID, Stopped: stopped})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid limit %q", v))
			return
		}
		limit = n
	}
	events, err := s.mgr.Events(limit)
	if err != nil {
		writeErr(w, err)
		return
	}
	if events == nil {
		events = []bundle.Event{}
	}
	writeJSON(w, http.StatusOK, events)
}
