package web

import (
	"net/http"

	"github.com/portguard/portguard/internal/apperr"
	"github.com/portguard/portguard/internal/registry"
)

type ignoredVersionRequest struct {
	ImageRepo string `json:"imageRepo"`
	Version   string `json:"version"`
}

// apiAddIgnoredVersion snoozes a single version of an image coordinate,
// suppressing it from hasUpdate until cleared (internal/detector's
// resolveLatest checks this list on every resolve).
func (s *Server) apiAddIgnoredVersion(w http.ResponseWriter, r *http.Request) {
	u := currentUser(r)
	var req ignoredVersionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, apperr.Wrap(apperr.Validation, "invalid request body", err))
		return
	}
	if req.ImageRepo == "" || req.Version == "" {
		writeError(w, apperr.New(apperr.Validation, "imageRepo and version are required"))
		return
	}
	if err := s.deps.Store.AddIgnoredVersion(u.ID, req.ImageRepo, req.Version); err != nil {
		writeError(w, apperr.Wrap(apperr.Fatal, "add ignored version", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// apiListIgnoredVersions returns the ignored versions recorded for one image
// coordinate, looked up by ?imageRepo=.
func (s *Server) apiListIgnoredVersions(w http.ResponseWriter, r *http.Request) {
	u := currentUser(r)
	repo := r.URL.Query().Get("imageRepo")
	if repo == "" {
		writeError(w, apperr.New(apperr.Validation, "imageRepo query parameter is required"))
		return
	}
	versions, err := s.deps.Store.GetIgnoredVersions(u.ID, repo)
	if err != nil {
		writeError(w, apperr.Wrap(apperr.Fatal, "list ignored versions", err))
		return
	}
	writeJSON(w, http.StatusOK, versions)
}

// apiClearIgnoredVersions un-snoozes every ignored version of one image
// coordinate, given by ?imageRepo=.
func (s *Server) apiClearIgnoredVersions(w http.ResponseWriter, r *http.Request) {
	u := currentUser(r)
	repo := r.URL.Query().Get("imageRepo")
	if repo == "" {
		writeError(w, apperr.New(apperr.Validation, "imageRepo query parameter is required"))
		return
	}
	if err := s.deps.Store.ClearIgnoredVersions(u.ID, repo); err != nil {
		writeError(w, apperr.Wrap(apperr.Fatal, "clear ignored versions", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// apiGetReleaseSources returns the configured image-pattern-to-GitHub-repo
// mappings used to resolve release notes for images with no built-in
// mapping (internal/registry's FetchReleaseNotesWithSources). Release
// sources are a single process-wide table, not per-tenant, matching the
// store's existing GetReleaseSources/SetReleaseSources signatures.
func (s *Server) apiGetReleaseSources(w http.ResponseWriter, r *http.Request) {
	sources, err := s.deps.Store.GetReleaseSources()
	if err != nil {
		writeError(w, apperr.Wrap(apperr.Fatal, "list release sources", err))
		return
	}
	writeJSON(w, http.StatusOK, sources)
}

// apiSetReleaseSources replaces the full release source table.
func (s *Server) apiSetReleaseSources(w http.ResponseWriter, r *http.Request) {
	var sources []registry.ReleaseSource
	if err := decodeJSON(r, &sources); err != nil {
		writeError(w, apperr.Wrap(apperr.Validation, "invalid request body", err))
		return
	}
	if err := s.deps.Store.SetReleaseSources(sources); err != nil {
		writeError(w, apperr.Wrap(apperr.Fatal, "set release sources", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}
