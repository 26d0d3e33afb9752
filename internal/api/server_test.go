package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/harunnryd/bms/internal/aging"
	"github.com/harunnryd/bms/internal/bundle"
	"github.com/harunnryd/bms/internal/config"
	"github.com/harunnryd/bms/internal/daemon"
	bmsErrors "github.com/harunnryd/bms/internal/errors"
	"github.com/harunnryd/bms/internal/service"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const notesManifest = `
name: com.example.notes
version_code: 3
version_name: "1.2.0"
modules:
  - name: entry
`

func newTestServer(t *testing.T, health HealthReporter) *Server {
	t.Helper()
	cfg := &config.Config{
		Store:    config.StoreConfig{DataPath: filepath.Join(t.TempDir(), "data")},
		Installd: config.InstalldConfig{RootPath: "/data/app"},
		Users:    config.UsersConfig{IDs: []int{bundle.DefaultUserID}},
		Aging:    config.AgingConfig{TotalDataBytesThreshold: "1GiB"},
	}
	svc, err := service.New(cfg, service.WithFs(afero.NewMemMapFs()))
	require.NoError(t, err)
	t.Cleanup(func() { svc.Close() })
	return NewServer(svc, health)
}

func do(t *testing.T, s *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	rr := httptest.NewRecorder()
	s.ServeHTTP(rr, req)
	return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&v), rr.Body.String())
	return v
}

func TestBundleRoutes(t *testing.T) {
	s := newTestServer(t, nil)

	rr := do(t, s, http.MethodPost, "/bundles", notesManifest)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	bi := decode[bundle.BundleInfo](t, rr)
	assert.Equal(t, "com.example.notes", bi.Name)
	assert.Equal(t, 3, bi.VersionCode)

	rr = do(t, s, http.MethodPost, "/bundles", notesManifest)
	assert.Equal(t, http.StatusConflict, rr.Code)
	errResp := decode[errorResponse](t, rr)
	assert.Equal(t, bmsErrors.ErrInstallAlreadyExist.String(), errResp.Code)

	rr = do(t, s, http.MethodPost, "/bundles?replace=true", `{"name":"com.example.notes","version_code":4}`)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	assert.Equal(t, 4, decode[bundle.BundleInfo](t, rr).VersionCode)

	rr = do(t, s, http.MethodPost, "/bundles", "name: [")
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = do(t, s, http.MethodGet, "/bundles?user=all", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Len(t, decode[[]bundle.BundleInfo](t, rr), 1)

	rr = do(t, s, http.MethodGet, "/bundles?user=abc", "")
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = do(t, s, http.MethodDelete, "/bundles/com.example.notes?user=300", "")
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = do(t, s, http.MethodDelete, "/bundles/com.example.notes", "")
	assert.Equal(t, http.StatusNoContent, rr.Code)

	rr = do(t, s, http.MethodGet, "/bundles", "")
	assert.Empty(t, decode[[]bundle.BundleInfo](t, rr))
}

func TestSandboxRoutes(t *testing.T) {
	s := newTestServer(t, nil)
	require.Equal(t, http.StatusCreated, do(t, s, http.MethodPost, "/bundles", notesManifest).Code)

	for want := 1; want <= 2; want++ {
		rr := do(t, s, http.MethodPost, "/sandbox", fmt.Sprintf(`{"bundle_name":"com.example.notes","dlp_type":%d}`, want))
		require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
		assert.Equal(t, want, decode[InstallSandboxResponse](t, rr).AppIndex)
	}

	rr := do(t, s, http.MethodPost, "/sandbox", `{"bundle_name":"com.example.missing","dlp_type":1}`)
	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.Equal(t, bmsErrors.ErrSandboxInstallAppNotExisted.String(), decode[errorResponse](t, rr).Code)

	rr = do(t, s, http.MethodPost, "/sandbox", `{"bundle_name":"","dlp_type":1}`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = do(t, s, http.MethodGet, "/sandbox/com.example.notes/2", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, 2, decode[bundle.BundleInfo](t, rr).AppIndex)

	rr = do(t, s, http.MethodGet, "/sandbox/com.example.notes/2?user=all", "")
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = do(t, s, http.MethodGet, "/sandbox/com.example.notes/x", "")
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = do(t, s, http.MethodGet, "/sandbox", "")
	assert.Len(t, decode[[]bundle.BundleInfo](t, rr), 2)

	assert.Equal(t, http.StatusNoContent, do(t, s, http.MethodDelete, "/sandbox/com.example.notes/1", "").Code)
	rr = do(t, s, http.MethodDelete, "/sandbox/com.example.notes/1", "")
	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.Equal(t, bmsErrors.ErrSandboxInstallNoSandboxAppInfo.String(), decode[errorResponse](t, rr).Code)
}

func TestAgingProcessAndEventRoutes(t *testing.T) {
	s := newTestServer(t, nil)
	require.Equal(t, http.StatusCreated, do(t, s, http.MethodPost, "/bundles", notesManifest).Code)

	rr := do(t, s, http.MethodPost, "/processes/com.example.notes/launch", "")
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.NotEmpty(t, decode[launchResponse](t, rr).RunID)

	rr = do(t, s, http.MethodPost, "/processes/com.example.notes/exit", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.True(t, decode[launchResponse](t, rr).Stopped)

	rr = do(t, s, http.MethodPost, "/processes/com.example.other/launch", "")
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = do(t, s, http.MethodGet, "/aging/plan", "")
	require.Equal(t, http.StatusOK, rr.Code)
	plan := decode[aging.Plan](t, rr)
	assert.False(t, plan.StartReached)
	assert.Len(t, plan.Candidates, 1)

	rr = do(t, s, http.MethodPost, "/aging/run", "")
	require.Equal(t, http.StatusOK, rr.Code)
	report := decode[aging.Report](t, rr)
	assert.Equal(t, TriggerAPI, report.Trigger)
	assert.Equal(t, aging.ReasonBelowThreshold, report.Reason)

	rr = do(t, s, http.MethodGet, "/events?limit=1", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Len(t, decode[[]bundle.Event](t, rr), 1)

	rr = do(t, s, http.MethodGet, "/events?limit=-1", "")
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

type fakeHealth map[string]*daemon.ComponentHealth

func (f fakeHealth) Health() daemon.HealthStatus { return daemon.StatusRunning }

func (f fakeHealth) ComponentHealth() map[string]*daemon.ComponentHealth { return f }

func TestHealth(t *testing.T) {
	s := newTestServer(t, nil)
	rr := do(t, s, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rr.Code)

	s = newTestServer(t, fakeHealth{
		"Service":        {Name: "Service", Healthy: true},
		"AgingScheduler": {Name: "AgingScheduler", Healthy: false, Error: fmt.Errorf("not running")},
	})
	rr = do(t, s, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	body := decode[map[string]any](t, rr)
	assert.Equal(t, "degraded", body["status"])
	assert.Equal(t, "running", body["daemon"])
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusForbidden, statusFor(bmsErrors.Code(bmsErrors.ErrUninstallSystemApp, "x")))
	assert.Equal(t, http.StatusConflict, statusFor(bmsErrors.Conflict("busy")))
	assert.Equal(t, http.StatusInternalServerError, statusFor(fmt.Errorf("boom")))
	assert.Equal(t, http.StatusInternalServerError, statusFor(bmsErrors.Code(bmsErrors.ErrSandboxInstallInternalError, "x")))
}

func TestWriteErrClassifiesCollaboratorErrors(t *testing.T) {
	rr := httptest.NewRecorder()
	writeErr(rr, fmt.Errorf("open /data/app/x: %w", os.ErrNotExist))
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = httptest.NewRecorder()
	writeErr(rr, fmt.Errorf("database is locked"))
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	assert.Equal(t, "1", rr.Header().Get("Retry-After"))

	rr = httptest.NewRecorder()
	writeErr(rr, bmsErrors.Code(bmsErrors.ErrInstallAlreadyExist, "dup"))
	assert.Equal(t, http.StatusConflict, rr.Code)
	assert.Empty(t, rr.Header().Get("Retry-After"))
	resp := decode[errorResponse](t, rr)
	assert.Equal(t, int32(bmsErrors.ErrInstallAlreadyExist), resp.CodeValue)
}
