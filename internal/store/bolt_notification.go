package store

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketNotificationsSent = []byte("notifications_sent")
	bucketOAuthStates       = []byte("oauth_states")
)

// RecordNotificationSent inserts a NotificationSent row, enforcing
// uniqueness on (userID, deduplicationKey) as an insert-if-absent: if a
// row already exists for this key the insert is ignored and inserted=false is
// returned so the dispatcher skips re-sending.
func (s *Store) RecordNotificationSent(n NotificationSent) (inserted bool, err error) {
	err = s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketNotificationsSent)
		key := tenantKey(n.UserID, n.DeduplicationKey)
		if b.Get(key) != nil {
			return nil
		}
		data, err := json.Marshal(n)
		if err != nil {
			return err
		}
		inserted = true
		return b.Put(key, data)
	})
	return inserted, err
}

// SendNotificationDedup is RecordNotificationSent shaped to satisfy
// internal/notify.Store, which cannot reference the NotificationSent type
// directly without an import cycle (store already imports notify for
// Channel).
func (s *Store) SendNotificationDedup(userID, deduplicationKey, notificationType string, sentAt time.Time) (bool, error) {
	return s.RecordNotificationSent(NotificationSent{
		UserID:           userID,
		DeduplicationKey: deduplicationKey,
		NotificationType: notificationType,
		SentAt:           sentAt,
	})
}

// WasNotificationSent reports whether a NotificationSent row already
// exists for (userID, deduplicationKey).
func (s *Store) WasNotificationSent(userID, deduplicationKey string) (bool, error) {
	var sent bool
	err := s.db.View(func(tx *bolt.Tx) error {
		sent = tx.Bucket(bucketNotificationsSent).Get(tenantKey(userID, deduplicationKey)) != nil
		return nil
	})
	return sent, err
}

// ============================================================
// OAuthState — single-use, TTL-bounded CSRF token for the login boundary
// ============================================================

// CreateOAuthState persists a fresh state token.
func (s *Store) CreateOAuthState(state OAuthState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal oauth state: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketOAuthStates).Put([]byte(state.State), data)
	})
}

// ConsumeOAuthState atomically validates and marks a state token used.
// Returns an error if the token is unknown, already used, or expired.
func (s *Store) ConsumeOAuthState(token string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketOAuthStates)
		v := b.Get([]byte(token))
		if v == nil {
			return fmt.Errorf("unknown oauth state")
		}
		var state OAuthState
		if err := json.Unmarshal(v, &state); err != nil {
			return fmt.Errorf("unmarshal oauth state: %w", err)
		}
		if state.Used {
			return fmt.Errorf("oauth state already used")
		}
		if time.Now().UTC().After(state.ExpiresAt) {
			return fmt.Errorf("oauth state expired")
		}
		state.Used = true
		data, err := json.Marshal(state)
		if err != nil {
			return err
		}
		return b.Put([]byte(token), data)
	})
}

// CleanupExpiredOAuthStates removes every state token past its TTL.
func (s *Store) CleanupExpiredOAuthStates() (int, error) {
	now := time.Now().UTC()
	deleted := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketOAuthStates)
		c := b.Cursor()
		var toDelete [][]byte
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var state OAuthState
			if err := json.Unmarshal(v, &state); err != nil {
				continue
			}
			if now.After(state.ExpiresAt) {
				keyCopy := make([]byte, len(k))
				copy(keyCopy, k)
				toDelete = append(toDelete, keyCopy)
			}
		}
		for _, k := range toDelete {
			if err := b.Delete(k); err != nil {
				return err
			}
			deleted++
		}
		return nil
	})
	return deleted, err
}
