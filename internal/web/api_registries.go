package web

import (
	"net/http"

	"github.com/portguard/portguard/internal/apperr"
	"github.com/portguard/portguard/internal/registry"
)

// apiRegistryStatus returns the tracker's per-registry rate limit snapshot,
// matching spec.md §4.3's "know how close to the rate limit wall you are"
// requirement. With ?refresh=<host>, it first makes a lightweight probe
// request against that registry to get a current reading before returning
// the snapshot, rather than waiting for the next resolve to touch it.
func (s *Server) apiRegistryStatus(w http.ResponseWriter, r *http.Request) {
	tracker := s.deps.Detector.RateTracker()
	if tracker == nil {
		writeJSON(w, http.StatusOK, map[string]any{"registries": []registry.RegistryStatus{}, "health": "ok"})
		return
	}

	if host := r.URL.Query().Get("refresh"); host != "" {
		u := currentUser(r)
		creds, err := s.deps.Store.GetRegistryCredentials(u.ID)
		if err != nil {
			writeError(w, apperr.Wrap(apperr.Fatal, "load registry credentials", err))
			return
		}
		cred := registry.FindByRegistry(creds, registry.NormaliseRegistryHost(host))

		ctx, cancel := reqCtx(r)
		defer cancel()
		if headers, perr := registry.ProbeRateLimit(ctx, host, cred); perr == nil {
			tracker.Record(host, headers)
		} else {
			s.deps.Log.Warn("registry status: probe failed", "host", host, "error", perr)
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"registries": tracker.Status(),
		"health":     tracker.OverallHealth(),
	})
}
