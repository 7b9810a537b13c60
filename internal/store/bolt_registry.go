package store

import (
	"encoding/json"
	"fmt"

	bolt "go.etcd.io/bbolt"

	"github.com/portguard/portguard/internal/registry"
)

// AddIgnoredVersion records that a specific version of an image coordinate
// should be suppressed from hasUpdate checks for a user — a supplemental
// per-tenant "snooze this version" feature sitting alongside
// RegistryImageVersion. The value stored is a JSON array of version strings.
func (s *Store) AddIgnoredVersion(userID, imageRepo, version string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketIgnoredVersions)
		key := tenantKey(userID, imageRepo)

		existing := b.Get(key)
		var versions []string
		if existing != nil {
			if err := json.Unmarshal(existing, &versions); err != nil {
				return fmt.Errorf("unmarshal ignored versions: %w", err)
			}
		}

		for _, v := range versions {
			if v == version {
				return nil
			}
		}

		versions = append(versions, version)
		data, err := json.Marshal(versions)
		if err != nil {
			return fmt.Errorf("marshal ignored versions: %w", err)
		}
		return b.Put(key, data)
	})
}

// GetIgnoredVersions returns all ignored versions for an image coordinate.
// Returns an empty slice if none are stored.
func (s *Store) GetIgnoredVersions(userID, imageRepo string) ([]string, error) {
	var versions []string
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketIgnoredVersions)
		v := b.Get(tenantKey(userID, imageRepo))
		if v == nil {
			return nil
		}
		return json.Unmarshal(v, &versions)
	})
	if versions == nil {
		versions = []string{}
	}
	return versions, err
}

// ClearIgnoredVersions removes all ignored versions for an image coordinate.
func (s *Store) ClearIgnoredVersions(userID, imageRepo string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketIgnoredVersions)
		return b.Delete(tenantKey(userID, imageRepo))
	})
}

// GetRegistryCredentials loads a user's docker-config-style pull
// credentials from the registry_credentials bucket.
func (s *Store) GetRegistryCredentials(userID string) ([]registry.RegistryCredential, error) {
	var creds []registry.RegistryCredential
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRegistryCreds)
		v := b.Get(tenantKey(userID, "credentials"))
		if v == nil {
			return nil
		}
		return json.Unmarshal(v, &creds)
	})
	return creds, err
}

// SetRegistryCredentials saves a user's pull credentials.
func (s *Store) SetRegistryCredentials(userID string, creds []registry.RegistryCredential) error {
	data, err := json.Marshal(creds)
	if err != nil {
		return fmt.Errorf("marshal registry credentials: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRegistryCreds)
		return b.Put(tenantKey(userID, "credentials"), data)
	})
}

// SaveRateLimits persists per-registry rate limit tracker state under the
// tenant key userID (the process-wide tracker is saved under one key).
func (s *Store) SaveRateLimits(userID string, data []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRateLimits)
		return b.Put(tenantKey(userID, "state"), data)
	})
}

// LoadRateLimits loads the rate limit tracker state saved under userID.
// Returns nil, nil if nothing is stored.
func (s *Store) LoadRateLimits(userID string) ([]byte, error) {
	var data []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRateLimits)
		v := b.Get(tenantKey(userID, "state"))
		if v != nil {
			data = make([]byte, len(v))
			copy(data, v)
		}
		return nil
	})
	return data, err
}

// ---------------------------------------------------------------------------
// Release sources
// ---------------------------------------------------------------------------

var keyReleaseSources = []byte("sources")

// GetReleaseSources returns all configured release sources.
func (s *Store) GetReleaseSources() ([]registry.ReleaseSource, error) {
	var sources []registry.ReleaseSource
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketReleaseSources).Get(keyReleaseSources)
		if v == nil {
			return nil
		}
		return json.Unmarshal(v, &sources)
	})
	if sources == nil {
		sources = []registry.ReleaseSource{}
	}
	return sources, err
}

// SetReleaseSources persists the full list of release sources.
func (s *Store) SetReleaseSources(sources []registry.ReleaseSource) error {
	data, err := json.Marshal(sources)
	if err != nil {
		return fmt.Errorf("marshal release sources: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketReleaseSources).Put(keyReleaseSources, data)
	})
}

// SaveGHCRCache persists GHCR alternative detection cache.
func (s *Store) SaveGHCRCache(data []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketGHCRAlternatives)
		return b.Put([]byte("cache"), data)
	})
}

// LoadGHCRCache loads persisted GHCR alternative cache.
// Returns nil, nil if nothing is stored.
func (s *Store) LoadGHCRCache() ([]byte, error) {
	var data []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketGHCRAlternatives)
		v := b.Get([]byte("cache"))
		if v != nil {
			data = make([]byte, len(v))
			copy(data, v)
		}
		return nil
	})
	return data, err
}
