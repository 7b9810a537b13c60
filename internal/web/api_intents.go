package web

import (
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"github.com/portguard/portguard/internal/apperr"
	"github.com/portguard/portguard/internal/intent"
	"github.com/portguard/portguard/internal/store"
)

func (s *Server) apiListIntents(w http.ResponseWriter, r *http.Request) {
	u := currentUser(r)
	intents, err := s.deps.Store.ListIntents(u.ID)
	if err != nil {
		writeError(w, apperr.Wrap(apperr.Fatal, "list intents", err))
		return
	}
	writeJSON(w, http.StatusOK, intents)
}

func validateIntent(in store.Intent) error {
	if in.Name == "" {
		return apperr.New(apperr.Validation, "name is required")
	}
	switch in.ScheduleType {
	case "immediate", "scheduled":
	default:
		return apperr.New(apperr.Validation, "scheduleType must be immediate or scheduled")
	}
	if in.ScheduleType == "scheduled" && in.ScheduleCron == "" {
		return apperr.New(apperr.Validation, "scheduleCron is required for scheduleType=scheduled")
	}
	if in.MaxConcurrent < 0 {
		return apperr.New(apperr.Validation, "maxConcurrent must be >= 0")
	}
	if in.SequentialDelaySec < 0 {
		return apperr.New(apperr.Validation, "sequentialDelaySec must be >= 0")
	}
	return nil
}

func (s *Server) apiCreateIntent(w http.ResponseWriter, r *http.Request) {
	u := currentUser(r)
	var in store.Intent
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, apperr.Wrap(apperr.Validation, "invalid request body", err))
		return
	}
	if err := validateIntent(in); err != nil {
		writeError(w, err)
		return
	}
	in.ID = uuid.NewString()
	in.UserID = u.ID
	if err := s.deps.Store.CreateIntent(in); err != nil {
		writeError(w, apperr.Wrap(apperr.Conflict, "create intent", err))
		return
	}
	writeJSON(w, http.StatusOK, in)
}

func (s *Server) apiUpdateIntent(w http.ResponseWriter, r *http.Request) {
	u := currentUser(r)
	id := r.PathValue("id")
	existing, err := s.deps.Store.GetIntent(u.ID, id)
	if err != nil || existing == nil {
		writeError(w, apperr.Wrap(apperr.Validation, "intent not found", err))
		return
	}
	var in store.Intent
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, apperr.Wrap(apperr.Validation, "invalid request body", err))
		return
	}
	in.ID = id
	in.UserID = u.ID
	in.LastEvaluatedAt = existing.LastEvaluatedAt
	in.LastExecutionID = existing.LastExecutionID
	if err := validateIntent(in); err != nil {
		writeError(w, err)
		return
	}
	if err := s.deps.Store.UpdateIntent(in); err != nil {
		writeError(w, apperr.Wrap(apperr.Fatal, "update intent", err))
		return
	}
	writeJSON(w, http.StatusOK, in)
}

func (s *Server) apiDeleteIntent(w http.ResponseWriter, r *http.Request) {
	u := currentUser(r)
	id := r.PathValue("id")
	if err := s.deps.Store.DeleteIntent(u.ID, id); err != nil {
		writeError(w, apperr.Wrap(apperr.Fatal, "delete intent", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) apiToggleIntent(w http.ResponseWriter, r *http.Request) {
	u := currentUser(r)
	id := r.PathValue("id")
	in, err := s.deps.Store.GetIntent(u.ID, id)
	if err != nil || in == nil {
		writeError(w, apperr.Wrap(apperr.Validation, "intent not found", err))
		return
	}
	in.Enabled = !in.Enabled
	if err := s.deps.Store.UpdateIntent(*in); err != nil {
		writeError(w, apperr.Wrap(apperr.Fatal, "toggle intent", err))
		return
	}
	writeJSON(w, http.StatusOK, in)
}

// apiTestMatchIntent previews which currently-cached containers an intent
// would match, without executing any upgrade — a dry preview distinct from
// the intent's own DryRun execution mode.
func (s *Server) apiTestMatchIntent(w http.ResponseWriter, r *http.Request) {
	u := currentUser(r)
	id := r.PathValue("id")
	in, err := s.deps.Store.GetIntent(u.ID, id)
	if err != nil || in == nil {
		writeError(w, apperr.Wrap(apperr.Validation, "intent not found", err))
		return
	}

	ctx, cancel := reqCtx(r)
	defer cancel()

	instances, err := s.deps.Store.ListPortainerInstances(u.ID)
	if err != nil {
		writeError(w, apperr.Wrap(apperr.Fatal, "list portainer instances", err))
		return
	}

	var matched []intent.Candidate
	for _, pinst := range instances {
		scanner := scannerFor(pinst)
		endpoints, err := scanner.Endpoints(ctx)
		if err != nil {
			continue
		}
		for _, ep := range endpoints {
			merged, err := s.deps.Cache.Get(ctx, u.ID, pinst.ID, scanner, ep, false)
			if err != nil {
				continue
			}
			for _, m := range merged {
				c := intent.Candidate{
					Container:     m.Container,
					ImageRepo:     m.Container.ImageRepo,
					CurrentDigest: m.CurrentDigest,
					LatestDigest:  m.LatestDigest,
					HasUpdate:     m.HasUpdate,
				}
				if intent.Matches(*in, c) {
					matched = append(matched, c)
				}
			}
		}
	}
	writeJSON(w, http.StatusOK, matched)
}

func (s *Server) apiIntentExecutions(w http.ResponseWriter, r *http.Request) {
	u := currentUser(r)
	id := r.PathValue("id")
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	execs, err := s.deps.Store.ListIntentExecutions(u.ID, id, limit)
	if err != nil {
		writeError(w, apperr.Wrap(apperr.Fatal, "list intent executions", err))
		return
	}
	writeJSON(w, http.StatusOK, execs)
}

func (s *Server) apiIntentExecutionContainers(w http.ResponseWriter, r *http.Request) {
	u := currentUser(r)
	id := r.PathValue("id")
	exec, err := s.deps.Store.GetIntentExecution(u.ID, id)
	if err != nil || exec == nil {
		writeError(w, apperr.Wrap(apperr.Validation, "intent execution not found", err))
		return
	}
	rows, err := s.deps.Store.ListIntentExecutionContainers(exec.ID)
	if err != nil {
		writeError(w, apperr.Wrap(apperr.Fatal, "list intent execution containers", err))
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

func (s *Server) apiUpgradeHistory(w http.ResponseWriter, r *http.Request) {
	u := currentUser(r)
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	execs, err := s.deps.Store.ListAllIntentExecutions(u.ID, limit)
	if err != nil {
		writeError(w, apperr.Wrap(apperr.Fatal, "list upgrade history", err))
		return
	}
	writeJSON(w, http.StatusOK, execs)
}
