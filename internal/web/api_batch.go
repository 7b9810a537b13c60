package web

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/portguard/portguard/internal/apperr"
	"github.com/portguard/portguard/internal/batch"
	"github.com/portguard/portguard/internal/store"
)

var validBatchJobTypes = map[string]bool{
	batch.JobDockerHubPull:    true,
	batch.JobTrackedAppsCheck: true,
	batch.JobAutoUpdate:       true,
}

func (s *Server) apiGetBatchConfig(w http.ResponseWriter, r *http.Request) {
	u := currentUser(r)
	jobType := r.URL.Query().Get("jobType")
	if !validBatchJobTypes[jobType] {
		writeError(w, apperr.New(apperr.Validation, "jobType must be docker-hub-pull, tracked-apps-check or auto-update"))
		return
	}
	cfg, err := s.deps.Store.GetBatchConfig(u.ID, jobType)
	if err != nil {
		writeError(w, apperr.Wrap(apperr.Fatal, "get batch config", err))
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (s *Server) apiSetBatchConfig(w http.ResponseWriter, r *http.Request) {
	u := currentUser(r)
	var cfg store.BatchConfig
	if err := decodeJSON(r, &cfg); err != nil {
		writeError(w, apperr.Wrap(apperr.Validation, "invalid request body", err))
		return
	}
	if !validBatchJobTypes[cfg.JobType] {
		writeError(w, apperr.New(apperr.Validation, "jobType must be docker-hub-pull, tracked-apps-check or auto-update"))
		return
	}
	if cfg.IntervalMinutes < 1 || cfg.IntervalMinutes > 1440 {
		writeError(w, apperr.New(apperr.Validation, "intervalMinutes must be between 1 and 1440"))
		return
	}
	cfg.UserID = u.ID
	if err := s.deps.Store.SetBatchConfig(cfg); err != nil {
		writeError(w, apperr.Wrap(apperr.Fatal, "set batch config", err))
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

type runBatchRequest struct {
	JobType string `json:"jobType"`
}

// apiRunBatchNow triggers an out-of-schedule run. It reports a conflict
// immediately if a run for this (user, jobType) is already in flight
// rather than silently queuing behind it, then hands the actual run to a
// detached goroutine since a full scan-and-upgrade pass can run far
// longer than an HTTP client should block for.
func (s *Server) apiRunBatchNow(w http.ResponseWriter, r *http.Request) {
	u := currentUser(r)
	var req runBatchRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, apperr.Wrap(apperr.Validation, "invalid request body", err))
		return
	}
	if !validBatchJobTypes[req.JobType] {
		writeError(w, apperr.New(apperr.Validation, "jobType must be docker-hub-pull, tracked-apps-check or auto-update"))
		return
	}
	running, err := s.deps.Store.CheckAndAcquireBatchJobLock(u.ID, req.JobType)
	if err != nil {
		writeError(w, apperr.Wrap(apperr.Fatal, "check batch job lock", err))
		return
	}
	if running {
		writeError(w, apperr.New(apperr.Conflict, "a run for this job type is already in progress"))
		return
	}

	userID, jobType := u.ID, req.JobType
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
		defer cancel()
		if err := s.deps.Scheduler.RunNow(ctx, userID, jobType); err != nil {
			s.deps.Log.Error("manual batch run failed", "user", userID, "jobType", jobType, "error", err)
		}
	}()

	writeJSON(w, http.StatusAccepted, map[string]string{"status": "started"})
}

func (s *Server) apiListBatchRuns(w http.ResponseWriter, r *http.Request) {
	u := currentUser(r)
	jobType := r.URL.Query().Get("jobType")
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	runs, err := s.deps.Store.ListBatchRuns(u.ID, jobType, limit)
	if err != nil {
		writeError(w, apperr.Wrap(apperr.Fatal, "list batch runs", err))
		return
	}
	writeJSON(w, http.StatusOK, runs)
}
