package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketBatchConfigs = []byte("batch_configs")
	bucketBatchRuns    = []byte("batch_runs")
)

const staleBatchJobThreshold = 5 * time.Minute
const startupSweepThreshold = 60 * time.Minute

// GetBatchConfig retrieves the batch job config for (userID, jobType).
// Returns a disabled default config if none has been set.
func (s *Store) GetBatchConfig(userID, jobType string) (*BatchConfig, error) {
	var cfg BatchConfig
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketBatchConfigs).Get(tenantKey(userID, jobType))
		if v == nil {
			return nil
		}
		found = true
		return json.Unmarshal(v, &cfg)
	})
	if err != nil {
		return nil, err
	}
	if !found {
		return &BatchConfig{UserID: userID, JobType: jobType, Enabled: false, IntervalMinutes: 60}, nil
	}
	return &cfg, nil
}

// SetBatchConfig persists the batch job config for a user/jobType pair.
func (s *Store) SetBatchConfig(cfg BatchConfig) error {
	data, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal batch config: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketBatchConfigs).Put(tenantKey(cfg.UserID, cfg.JobType), data)
	})
}

// ListBatchConfigs returns every batch config across every user, used by
// the scheduler's one-minute tick to decide which jobs are due.
func (s *Store) ListBatchConfigs() ([]BatchConfig, error) {
	var out []BatchConfig
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketBatchConfigs).ForEach(func(k, v []byte) error {
			var cfg BatchConfig
			if err := json.Unmarshal(v, &cfg); err != nil {
				return nil
			}
			out = append(out, cfg)
			return nil
		})
	})
	return out, err
}

// CheckAndAcquireBatchJobLock implements checkAndAcquireBatchJobLock:
// inside one write transaction, find the most recent run for
// (userID, jobType) with status=running and no completedAt. If its
// startedAt is older than the stale threshold, mark it failed
// ("interrupted") and grant the lock; otherwise report isRunning=true.
// If no such run exists, the lock is granted. The caller creates the
// actual BatchRun row afterward.
func (s *Store) CheckAndAcquireBatchJobLock(userID, jobType string) (isRunning bool, err error) {
	err = s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketBatchRuns)
		prefix := tenantPrefix(userID)

		var mostRecentKey []byte
		var mostRecent *BatchRun
		c := b.Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var run BatchRun
			if err := json.Unmarshal(v, &run); err != nil {
				continue
			}
			if run.JobType != jobType || run.Status != "running" || !run.CompletedAt.IsZero() {
				continue
			}
			if mostRecent == nil || run.StartedAt.After(mostRecent.StartedAt) {
				keyCopy := make([]byte, len(k))
				copy(keyCopy, k)
				mostRecentKey = keyCopy
				runCopy := run
				mostRecent = &runCopy
			}
		}

		if mostRecent == nil {
			return nil // lock granted, nothing running
		}

		if time.Since(mostRecent.StartedAt) > staleBatchJobThreshold {
			mostRecent.Status = "failed"
			mostRecent.ErrorMessage = "interrupted: exceeded stale job threshold"
			mostRecent.CompletedAt = time.Now().UTC()
			data, err := json.Marshal(mostRecent)
			if err != nil {
				return err
			}
			return b.Put(mostRecentKey, data)
		}

		isRunning = true
		return nil
	})
	return isRunning, err
}

// CreateBatchRun persists a new batch run row.
func (s *Store) CreateBatchRun(run BatchRun) error {
	data, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("marshal batch run: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketBatchRuns).Put(tenantKey(run.UserID, run.ID), data)
	})
}

// UpdateBatchRun overwrites an existing batch run row.
func (s *Store) UpdateBatchRun(run BatchRun) error {
	return s.CreateBatchRun(run)
}

// ListBatchRuns returns recent batch runs for (userID, jobType), newest
// first, up to limit. Pass jobType="" for all job types.
func (s *Store) ListBatchRuns(userID, jobType string, limit int) ([]BatchRun, error) {
	var all []BatchRun
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketBatchRuns)
		prefix := tenantPrefix(userID)
		c := b.Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var run BatchRun
			if err := json.Unmarshal(v, &run); err != nil {
				continue
			}
			if jobType != "" && run.JobType != jobType {
				continue
			}
			all = append(all, run)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	// Sort newest first.
	sort.SliceStable(all, func(i, j int) bool { return all[i].StartedAt.After(all[j].StartedAt) })
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

// CleanupStaleBatchJobs marks every run still "running" with no
// completedAt and a startedAt older than the 60-minute startup-sweep
// threshold as failed. Called once on process start.
func (s *Store) CleanupStaleBatchJobs() (int, error) {
	cutoff := time.Now().UTC().Add(-startupSweepThreshold)
	marked := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketBatchRuns)
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var run BatchRun
			if err := json.Unmarshal(v, &run); err != nil {
				continue
			}
			if run.Status != "running" || !run.CompletedAt.IsZero() {
				continue
			}
			if run.StartedAt.Before(cutoff) {
				run.Status = "failed"
				run.ErrorMessage = "interrupted: process restarted while job was running"
				run.CompletedAt = time.Now().UTC()
				data, err := json.Marshal(run)
				if err != nil {
					return err
				}
				if err := b.Put(k, data); err != nil {
					return err
				}
				marked++
			}
		}
		return nil
	})
	return marked, err
}
