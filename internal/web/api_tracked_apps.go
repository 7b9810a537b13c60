package web

import (
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"github.com/portguard/portguard/internal/apperr"
	"github.com/portguard/portguard/internal/store"
)

func (s *Server) apiListTrackedApps(w http.ResponseWriter, r *http.Request) {
	u := currentUser(r)
	apps, err := s.deps.Store.ListTrackedApps(u.ID)
	if err != nil {
		writeError(w, apperr.Wrap(apperr.Fatal, "list tracked apps", err))
		return
	}
	writeJSON(w, http.StatusOK, apps)
}

func validateTrackedApp(app store.TrackedApp) error {
	if app.Name == "" {
		return apperr.New(apperr.Validation, "name is required")
	}
	switch app.SourceType {
	case "docker":
		if app.ImageName == "" {
			return apperr.New(apperr.Validation, "imageName is required for sourceType=docker")
		}
	case "github", "gitlab":
		if app.GithubRepo == "" {
			return apperr.New(apperr.Validation, "githubRepo is required for sourceType=github/gitlab")
		}
	default:
		return apperr.New(apperr.Validation, "sourceType must be docker, github or gitlab")
	}
	return nil
}

func (s *Server) apiCreateTrackedApp(w http.ResponseWriter, r *http.Request) {
	u := currentUser(r)
	var app store.TrackedApp
	if err := decodeJSON(r, &app); err != nil {
		writeError(w, apperr.Wrap(apperr.Validation, "invalid request body", err))
		return
	}
	if err := validateTrackedApp(app); err != nil {
		writeError(w, err)
		return
	}
	app.ID = uuid.NewString()
	app.UserID = u.ID
	saved, err := s.deps.Store.UpsertTrackedApp(app)
	if err != nil {
		writeError(w, apperr.Wrap(apperr.Conflict, "create tracked app", err))
		return
	}
	writeJSON(w, http.StatusOK, saved)
}

func (s *Server) apiUpdateTrackedApp(w http.ResponseWriter, r *http.Request) {
	u := currentUser(r)
	id := r.PathValue("id")
	existing, err := s.deps.Store.GetTrackedApp(u.ID, id)
	if err != nil || existing == nil {
		writeError(w, apperr.Wrap(apperr.Validation, "tracked app not found", err))
		return
	}
	var app store.TrackedApp
	if err := decodeJSON(r, &app); err != nil {
		writeError(w, apperr.Wrap(apperr.Validation, "invalid request body", err))
		return
	}
	app.ID = id
	app.UserID = u.ID
	if err := validateTrackedApp(app); err != nil {
		writeError(w, err)
		return
	}
	saved, err := s.deps.Store.UpsertTrackedApp(app)
	if err != nil {
		writeError(w, apperr.Wrap(apperr.Fatal, "update tracked app", err))
		return
	}
	writeJSON(w, http.StatusOK, saved)
}

func (s *Server) apiDeleteTrackedApp(w http.ResponseWriter, r *http.Request) {
	u := currentUser(r)
	id := r.PathValue("id")
	if err := s.deps.Store.DeleteTrackedApp(u.ID, id); err != nil {
		writeError(w, apperr.Wrap(apperr.Fatal, "delete tracked app", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) apiTrackedAppUpgradeHistory(w http.ResponseWriter, r *http.Request) {
	u := currentUser(r)
	trackedAppID := r.URL.Query().Get("trackedAppId")
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	hist, err := s.deps.Store.ListTrackedAppUpgradeHistory(u.ID, trackedAppID, limit)
	if err != nil {
		writeError(w, apperr.Wrap(apperr.Fatal, "list tracked app upgrade history", err))
		return
	}
	writeJSON(w, http.StatusOK, hist)
}
