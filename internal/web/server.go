package web

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/portguard/portguard/internal/apperr"
	"github.com/portguard/portguard/internal/auth"
)

// Server is the HTTP API surface described in spec.md §6.4.
type Server struct {
	deps Dependencies
	mux  *http.ServeMux
}

// NewServer constructs a Server and registers every route.
func NewServer(deps Dependencies) *Server {
	s := &Server{deps: deps, mux: http.NewServeMux()}
	s.registerRoutes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) registerRoutes() {
	if s.deps.Config != nil && s.deps.Config.MetricsEnabled {
		s.mux.Handle("GET /metrics", promhttp.Handler())
	}

	s.mux.HandleFunc("POST /api/setup", s.apiSetup)
	s.mux.HandleFunc("POST /api/login", s.apiLogin)
	s.mux.Handle("POST /api/logout", s.deps.Auth.RequireAuth(http.HandlerFunc(s.apiLogout)))

	auth := func(h http.HandlerFunc) http.Handler {
		return s.deps.Auth.RequireAuth(http.HandlerFunc(h))
	}

	s.mux.Handle("GET /api/portainer/instances", auth(s.apiListPortainerInstances))
	s.mux.Handle("POST /api/portainer/instances", auth(s.apiCreatePortainerInstance))
	s.mux.Handle("PUT /api/portainer/instances/{id}", auth(s.apiUpdatePortainerInstance))
	s.mux.Handle("DELETE /api/portainer/instances/{id}", auth(s.apiDeletePortainerInstance))

	s.mux.Handle("GET /api/containers", auth(s.apiListContainers))
	s.mux.Handle("POST /api/containers/{containerId}/upgrade", auth(s.apiUpgradeContainer))

	s.mux.Handle("GET /api/repository-access-tokens", auth(s.apiListRepositoryTokens))
	s.mux.Handle("POST /api/repository-access-tokens", auth(s.apiCreateRepositoryToken))
	s.mux.Handle("PUT /api/repository-access-tokens/{id}", auth(s.apiUpdateRepositoryToken))
	s.mux.Handle("DELETE /api/repository-access-tokens/{id}", auth(s.apiDeleteRepositoryToken))
	s.mux.Handle("POST /api/repository-access-tokens/{id}/associate-images", auth(s.apiAssociateImages))

	s.mux.Handle("GET /api/tracked-apps", auth(s.apiListTrackedApps))
	s.mux.Handle("POST /api/tracked-apps", auth(s.apiCreateTrackedApp))
	s.mux.Handle("PUT /api/tracked-apps/{id}", auth(s.apiUpdateTrackedApp))
	s.mux.Handle("DELETE /api/tracked-apps/{id}", auth(s.apiDeleteTrackedApp))
	s.mux.Handle("GET /api/tracked-app-upgrade-history", auth(s.apiTrackedAppUpgradeHistory))

	s.mux.Handle("GET /api/intents", auth(s.apiListIntents))
	s.mux.Handle("POST /api/intents", auth(s.apiCreateIntent))
	s.mux.Handle("PUT /api/intents/{id}", auth(s.apiUpdateIntent))
	s.mux.Handle("DELETE /api/intents/{id}", auth(s.apiDeleteIntent))
	s.mux.Handle("POST /api/intents/{id}/toggle", auth(s.apiToggleIntent))
	s.mux.Handle("POST /api/intents/{id}/test-match", auth(s.apiTestMatchIntent))
	s.mux.Handle("GET /api/intents/{id}/executions", auth(s.apiIntentExecutions))
	s.mux.Handle("GET /api/intent-executions/{id}/containers", auth(s.apiIntentExecutionContainers))
	s.mux.Handle("GET /api/upgrade-history", auth(s.apiUpgradeHistory))

	s.mux.Handle("GET /api/batch/config", auth(s.apiGetBatchConfig))
	s.mux.Handle("POST /api/batch/config", auth(s.apiSetBatchConfig))
	s.mux.Handle("POST /api/batch/run", auth(s.apiRunBatchNow))
	s.mux.Handle("GET /api/batch/runs", auth(s.apiListBatchRuns))

	s.mux.Handle("GET /api/registries/status", auth(s.apiRegistryStatus))

	s.mux.Handle("GET /api/ignored-versions", auth(s.apiListIgnoredVersions))
	s.mux.Handle("POST /api/ignored-versions", auth(s.apiAddIgnoredVersion))
	s.mux.Handle("DELETE /api/ignored-versions", auth(s.apiClearIgnoredVersions))

	s.mux.Handle("GET /api/release-sources", auth(s.apiGetReleaseSources))
	s.mux.Handle("PUT /api/release-sources", auth(s.apiSetReleaseSources))

	s.mux.HandleFunc("POST /api/webhooks/{tokenId}", s.apiInboundWebhook)
}

// writeJSON marshals v as the response body with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// errBody is the JSON shape every error response carries, including the
// kind tag spec.md §7 requires so the client can route rate-limit errors
// to a dedicated component.
type errBody struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

// writeError classifies err via apperr and writes the matching HTTP status.
func writeError(w http.ResponseWriter, err error) {
	kind := apperr.KindOf(err)
	status := http.StatusInternalServerError
	switch kind {
	case apperr.Validation:
		status = http.StatusBadRequest
	case apperr.UpstreamAuth:
		status = http.StatusUnauthorized
	case apperr.UpstreamNotFound:
		status = http.StatusNotFound
	case apperr.UpstreamTransient:
		status = http.StatusBadGateway
	case apperr.RateLimit:
		status = http.StatusTooManyRequests
	case apperr.Conflict:
		status = http.StatusConflict
	case apperr.Fatal:
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, errBody{Error: err.Error(), Kind: string(kind)})
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// currentUser resolves the authenticated caller attached by RequireAuth.
// Every handler calls this first — there is no path/query userId
// parameter anywhere in this API, matching spec.md's "no cross-user
// visibility" invariant.
func currentUser(r *http.Request) *auth.User {
	u, _ := auth.UserFromContext(r.Context())
	return u
}

func reqCtx(r *http.Request) (context.Context, context.CancelFunc) {
	return context.WithTimeout(r.Context(), 30*time.Second)
}
