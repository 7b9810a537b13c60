package store

import (
	"bytes"
	"encoding/json"
	"fmt"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketTrackedApps              = []byte("tracked_apps")
	bucketTrackedAppUpgradeRecords = []byte("tracked_app_upgrade_records")
	bucketRepositoryAccessTokens   = []byte("repository_access_tokens")
)

// ============================================================
// TrackedApp
// ============================================================

// UpsertTrackedApp inserts or updates a tracked app keyed by its natural
// uniqueness (userId, imageName, githubRepo).
func (s *Store) UpsertTrackedApp(app TrackedApp) (*TrackedApp, error) {
	var result TrackedApp
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTrackedApps)
		prefix := tenantPrefix(app.UserID)
		c := b.Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var existing TrackedApp
			if err := json.Unmarshal(v, &existing); err != nil {
				continue
			}
			if existing.ImageName == app.ImageName && existing.GithubRepo == app.GithubRepo {
				app.ID = existing.ID
				data, err := json.Marshal(app)
				if err != nil {
					return err
				}
				result = app
				return b.Put(tenantKey(app.UserID, app.ID), data)
			}
		}
		data, err := json.Marshal(app)
		if err != nil {
			return err
		}
		result = app
		return b.Put(tenantKey(app.UserID, app.ID), data)
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// GetTrackedApp retrieves a tracked app by ID.
func (s *Store) GetTrackedApp(userID, id string) (*TrackedApp, error) {
	var app TrackedApp
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTrackedApps)
		v := b.Get(tenantKey(userID, id))
		if v == nil {
			return fmt.Errorf("tracked app %q not found", id)
		}
		return json.Unmarshal(v, &app)
	})
	if err != nil {
		return nil, err
	}
	return &app, nil
}

// ListTrackedApps returns every tracked app owned by userID.
func (s *Store) ListTrackedApps(userID string) ([]TrackedApp, error) {
	var out []TrackedApp
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTrackedApps)
		prefix := tenantPrefix(userID)
		c := b.Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var app TrackedApp
			if err := json.Unmarshal(v, &app); err != nil {
				continue
			}
			out = append(out, app)
		}
		return nil
	})
	return out, err
}

// DeleteTrackedApp removes a tracked app.
func (s *Store) DeleteTrackedApp(userID, id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTrackedApps).Delete(tenantKey(userID, id))
	})
}

// ============================================================
// TrackedAppUpgradeRecord
// ============================================================

// AppendTrackedAppUpgradeRecord records one check-or-upgrade event.
func (s *Store) AppendTrackedAppUpgradeRecord(rec TrackedAppUpgradeRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal tracked app upgrade record: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTrackedAppUpgradeRecords)
		key := tenantKey(rec.UserID, rec.TrackedAppID+"\x00"+rec.Timestamp.Format("20060102150405.000000000"))
		return b.Put(key, data)
	})
}

// ListTrackedAppUpgradeHistory returns upgrade records for one tracked
// app, newest first, backing GET /api/tracked-app-upgrade-history.
func (s *Store) ListTrackedAppUpgradeHistory(userID, trackedAppID string, limit int) ([]TrackedAppUpgradeRecord, error) {
	var out []TrackedAppUpgradeRecord
	prefix := tenantKey(userID, trackedAppID+"\x00")
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTrackedAppUpgradeRecords)
		c := b.Cursor()
		endPrefix := append(append([]byte{}, prefix...), 0xff)
		k, v := c.Seek(endPrefix)
		if k == nil {
			k, v = c.Last()
		} else {
			k, v = c.Prev()
		}
		for ; k != nil && bytes.HasPrefix(k, prefix) && len(out) < limit; k, v = c.Prev() {
			var rec TrackedAppUpgradeRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				continue
			}
			out = append(out, rec)
		}
		return nil
	})
	return out, err
}

// ============================================================
// RepositoryAccessToken
// ============================================================

// CreateRepositoryAccessToken persists a new access token. Returns an
// error if (userId, provider, name) is already taken.
func (s *Store) CreateRepositoryAccessToken(tok RepositoryAccessToken) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRepositoryAccessTokens)
		prefix := tenantPrefix(tok.UserID)
		c := b.Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var existing RepositoryAccessToken
			if err := json.Unmarshal(v, &existing); err != nil {
				continue
			}
			if existing.Provider == tok.Provider && existing.Name == tok.Name {
				return fmt.Errorf("repository access token %q/%q already exists", tok.Provider, tok.Name)
			}
		}
		data, err := json.Marshal(tok)
		if err != nil {
			return err
		}
		return b.Put(tenantKey(tok.UserID, tok.ID), data)
	})
}

// GetRepositoryAccessToken retrieves a repository access token by ID.
func (s *Store) GetRepositoryAccessToken(userID, id string) (*RepositoryAccessToken, error) {
	var tok RepositoryAccessToken
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRepositoryAccessTokens)
		v := b.Get(tenantKey(userID, id))
		if v == nil {
			return fmt.Errorf("repository access token %q not found", id)
		}
		return json.Unmarshal(v, &tok)
	})
	if err != nil {
		return nil, err
	}
	return &tok, nil
}

// ListRepositoryAccessTokens returns every access token owned by userID.
func (s *Store) ListRepositoryAccessTokens(userID string) ([]RepositoryAccessToken, error) {
	var out []RepositoryAccessToken
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRepositoryAccessTokens)
		prefix := tenantPrefix(userID)
		c := b.Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var tok RepositoryAccessToken
			if err := json.Unmarshal(v, &tok); err != nil {
				continue
			}
			out = append(out, tok)
		}
		return nil
	})
	return out, err
}

// DeleteRepositoryAccessToken removes an access token.
func (s *Store) DeleteRepositoryAccessToken(userID, id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRepositoryAccessTokens).Delete(tenantKey(userID, id))
	})
}

// FindRepositoryAccessTokenByID scans every tenant's tokens for a matching
// ID, independent of the owning user. The inbound webhook route (spec.md
// §4.8's registered-repository trigger) authenticates by token ID alone,
// before any userID is known, so it cannot use the tenant-scoped getter.
func (s *Store) FindRepositoryAccessTokenByID(id string) (*RepositoryAccessToken, error) {
	var found *RepositoryAccessToken
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRepositoryAccessTokens)
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var tok RepositoryAccessToken
			if err := json.Unmarshal(v, &tok); err != nil {
				continue
			}
			if tok.ID == id {
				found = &tok
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, fmt.Errorf("repository access token %q not found", id)
	}
	return found, nil
}
