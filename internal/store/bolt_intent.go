package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketIntents                   = []byte("intents")
	bucketIntentExecutions          = []byte("intent_executions")
	bucketIntentExecutionContainers = []byte("intent_execution_containers")
)

// CreateIntent inserts a new intent, atomically enforcing the per-user
// cap of MaxIntentsPerUser.
func (s *Store) CreateIntent(intent Intent) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketIntents)
		prefix := tenantPrefix(intent.UserID)
		count := 0
		c := b.Cursor()
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			count++
		}
		if count >= MaxIntentsPerUser {
			return fmt.Errorf("user %q already has %d intents (limit %d)", intent.UserID, count, MaxIntentsPerUser)
		}
		data, err := json.Marshal(intent)
		if err != nil {
			return err
		}
		return b.Put(tenantKey(intent.UserID, intent.ID), data)
	})
}

// UpdateIntent overwrites an existing intent record.
func (s *Store) UpdateIntent(intent Intent) error {
	data, err := json.Marshal(intent)
	if err != nil {
		return fmt.Errorf("marshal intent: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketIntents).Put(tenantKey(intent.UserID, intent.ID), data)
	})
}

// GetIntent retrieves an intent by ID.
func (s *Store) GetIntent(userID, id string) (*Intent, error) {
	var intent Intent
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketIntents).Get(tenantKey(userID, id))
		if v == nil {
			return fmt.Errorf("intent %q not found", id)
		}
		return json.Unmarshal(v, &intent)
	})
	if err != nil {
		return nil, err
	}
	return &intent, nil
}

// ListIntents returns every intent owned by userID.
func (s *Store) ListIntents(userID string) ([]Intent, error) {
	var out []Intent
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketIntents)
		prefix := tenantPrefix(userID)
		c := b.Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var intent Intent
			if err := json.Unmarshal(v, &intent); err != nil {
				continue
			}
			out = append(out, intent)
		}
		return nil
	})
	return out, err
}

// ListEnabledIntents returns every enabled intent across all users, used
// by the scheduler's one-minute tick.
func (s *Store) ListEnabledIntents() ([]Intent, error) {
	var out []Intent
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketIntents)
		return b.ForEach(func(k, v []byte) error {
			var intent Intent
			if err := json.Unmarshal(v, &intent); err != nil {
				return nil
			}
			if intent.Enabled {
				out = append(out, intent)
			}
			return nil
		})
	})
	return out, err
}

// DeleteIntent removes an intent.
func (s *Store) DeleteIntent(userID, id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketIntents).Delete(tenantKey(userID, id))
	})
}

// ============================================================
// IntentExecution / IntentExecutionContainer
// ============================================================

// CreateIntentExecution persists a new execution audit row.
func (s *Store) CreateIntentExecution(exec IntentExecution) error {
	data, err := json.Marshal(exec)
	if err != nil {
		return fmt.Errorf("marshal intent execution: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketIntentExecutions).Put(tenantKey(exec.UserID, exec.ID), data)
	})
}

// UpdateIntentExecution overwrites an existing execution row (status
// transitions, completion timestamp, counters).
func (s *Store) UpdateIntentExecution(exec IntentExecution) error {
	data, err := json.Marshal(exec)
	if err != nil {
		return fmt.Errorf("marshal intent execution: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketIntentExecutions).Put(tenantKey(exec.UserID, exec.ID), data)
	})
}

// GetIntentExecution retrieves an execution by ID.
func (s *Store) GetIntentExecution(userID, id string) (*IntentExecution, error) {
	var exec IntentExecution
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketIntentExecutions).Get(tenantKey(userID, id))
		if v == nil {
			return fmt.Errorf("intent execution %q not found", id)
		}
		return json.Unmarshal(v, &exec)
	})
	if err != nil {
		return nil, err
	}
	return &exec, nil
}

// ListIntentExecutions returns every execution for one intent, newest first.
func (s *Store) ListIntentExecutions(userID, intentID string, limit int) ([]IntentExecution, error) {
	var all []IntentExecution
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketIntentExecutions)
		prefix := tenantPrefix(userID)
		c := b.Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var exec IntentExecution
			if err := json.Unmarshal(v, &exec); err != nil {
				continue
			}
			if exec.IntentID == intentID {
				all = append(all, exec)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	// Newest first.
	for i, j := 0, len(all)-1; i < j; i, j = i+1, j-1 {
		all[i], all[j] = all[j], all[i]
	}
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

// ListAllIntentExecutions returns every execution for userID regardless of
// intent, newest first — backs the cross-intent upgrade-history endpoint,
// where ListIntentExecutions' per-intent filter would require one call per
// intent and a manual merge.
func (s *Store) ListAllIntentExecutions(userID string, limit int) ([]IntentExecution, error) {
	var all []IntentExecution
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketIntentExecutions)
		prefix := tenantPrefix(userID)
		c := b.Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var exec IntentExecution
			if err := json.Unmarshal(v, &exec); err != nil {
				continue
			}
			all = append(all, exec)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(all)-1; i < j; i, j = i+1, j-1 {
		all[i], all[j] = all[j], all[i]
	}
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

// CleanupStaleIntentExecutions marks every execution older than
// staleAfter that's still in status "running" or "pending" as failed
// with an "interrupted" message, mirroring cleanupStaleBatchJobs.
func (s *Store) CleanupStaleIntentExecutions(staleAfter time.Time) (int, error) {
	marked := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketIntentExecutions)
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var exec IntentExecution
			if err := json.Unmarshal(v, &exec); err != nil {
				continue
			}
			if (exec.Status == "running" || exec.Status == "pending") && exec.StartedAt.Before(staleAfter) {
				exec.Status = "failed"
				exec.ErrorMessage = "interrupted: execution exceeded stale threshold"
				data, err := json.Marshal(exec)
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

// CreateIntentExecutionContainer appends a per-container outcome row.
func (s *Store) CreateIntentExecutionContainer(row IntentExecutionContainer) error {
	data, err := json.Marshal(row)
	if err != nil {
		return fmt.Errorf("marshal intent execution container: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketIntentExecutionContainers)
		key := []byte(row.ExecutionID + "\x00" + row.ContainerID)
		return b.Put(key, data)
	})
}

// ListIntentExecutionContainers returns every per-container row for one execution.
func (s *Store) ListIntentExecutionContainers(executionID string) ([]IntentExecutionContainer, error) {
	var out []IntentExecutionContainer
	prefix := []byte(executionID + "\x00")
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketIntentExecutionContainers)
		c := b.Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var row IntentExecutionContainer
			if err := json.Unmarshal(v, &row); err != nil {
				continue
			}
			out = append(out, row)
		}
		return nil
	})
	return out, err
}
