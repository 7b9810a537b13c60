package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketSettings         = []byte("settings")
	bucketIgnoredVersions  = []byte("ignored_versions")
	bucketRegistryCreds    = []byte("registry_credentials")
	bucketRateLimits       = []byte("rate_limits")
	bucketGHCRAlternatives = []byte("ghcr_alternatives")
	bucketAuditLog         = []byte("audit_log")
	bucketReleaseSources   = []byte("release_sources")
)

// Store wraps a BoltDB database for portguard persistence. All writes,
// including multi-bucket ones, go through db.Update — bbolt's single
// writer lock gives every mutation the IMMEDIATE-transaction-plus-FIFO-
// queue semantics the persistence layer calls for, with no separate
// queueing code required.
type Store struct {
	db *bolt.DB
}

// Open creates or opens a BoltDB database at the given path and ensures
// all required buckets exist, then runs any pending migrations.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}

	buckets := append(domainBuckets(),
		bucketSettings, bucketNotificationChannels,
		bucketIgnoredVersions, bucketRegistryCreds, bucketRateLimits,
		bucketGHCRAlternatives, bucketAuditLog, bucketReleaseSources,
		bucketUsers, bucketSessions, bucketRoles, bucketAPITokens,
		bucketTrackedApps, bucketTrackedAppUpgradeRecords, bucketRepositoryAccessTokens,
		bucketIntents, bucketIntentExecutions, bucketIntentExecutionContainers,
		bucketBatchConfigs, bucketBatchRuns,
		bucketNotificationsSent, bucketOAuthStates,
		bucketSchemaMigrations,
	)
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range buckets {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	s := &Store{db: db}
	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return s, nil
}

// Close closes the underlying BoltDB.
func (s *Store) Close() error {
	return s.db.Close()
}

// AuditEntry is a timestamped, tenant-scoped activity record surfaced by
// the HTTP API's activity feed.
type AuditEntry struct {
	Timestamp time.Time `json:"timestamp"`
	UserID    string    `json:"userId"`
	Type      string    `json:"type"` // instance_add, intent_run, upgrade, batch_run, ...
	Message   string    `json:"message"`
	Container string    `json:"container,omitempty"`
}

// AppendAuditLog writes an audit entry, keyed so a per-user range scan
// returns entries in chronological order.
func (s *Store) AppendAuditLog(entry AuditEntry) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal audit entry: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAuditLog)
		key := []byte(entry.UserID + "\x00" + entry.Timestamp.Format(time.RFC3339Nano))
		return b.Put(key, data)
	})
}

// ListAuditLog returns the most recent audit entries for userID, newest
// first, up to limit.
func (s *Store) ListAuditLog(userID string, limit int) ([]AuditEntry, error) {
	var entries []AuditEntry
	prefix := tenantPrefix(userID)
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAuditLog)
		c := b.Cursor()
		// Seek to just past this user's range, then walk backwards.
		endPrefix := append(append([]byte{}, prefix...), 0xff)
		k, v := c.Seek(endPrefix)
		if k == nil {
			k, v = c.Last()
		} else {
			k, v = c.Prev()
		}
		for ; k != nil && bytes.HasPrefix(k, prefix) && len(entries) < limit; k, v = c.Prev() {
			var entry AuditEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				continue
			}
			entries = append(entries, entry)
		}
		return nil
	})
	return entries, err
}

// SaveSetting stores a setting key-value pair in the settings bucket.
func (s *Store) SaveSetting(key, value string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSettings)
		return b.Put([]byte(key), []byte(value))
	})
}

// LoadSetting loads a setting by key from the settings bucket.
// Returns empty string if the key doesn't exist.
func (s *Store) LoadSetting(key string) (string, error) {
	var val string
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSettings)
		v := b.Get([]byte(key))
		if v != nil {
			val = string(v)
		}
		return nil
	})
	return val, err
}

// GetAllSettings returns all key-value pairs from the settings bucket.
// Keys used internally (notification_config, notification_channels) are excluded
// to avoid leaking large JSON blobs — only simple string settings are returned.
func (s *Store) GetAllSettings() (map[string]string, error) {
	result := make(map[string]string)
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSettings)
		return b.ForEach(func(k, v []byte) error {
			key := string(k)
			// Skip internal compound keys that store JSON blobs.
			if key == "notification_config" || key == "notification_channels" {
				return nil
			}
			result[key] = string(v)
			return nil
		})
	})
	return result, err
}
