package store

import (
	"bytes"
	"encoding/json"
	"fmt"

	bolt "go.etcd.io/bbolt"

	"github.com/portguard/portguard/internal/notify"
)

var bucketNotificationChannels = []byte("notification_channels")

// GetNotificationChannels returns every notification channel a user has
// configured, in no particular order.
func (s *Store) GetNotificationChannels(userID string) ([]notify.Channel, error) {
	var channels []notify.Channel
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketNotificationChannels)
		prefix := tenantPrefix(userID)
		c := b.Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var ch notify.Channel
			if err := json.Unmarshal(v, &ch); err != nil {
				continue
			}
			channels = append(channels, ch)
		}
		return nil
	})
	return channels, err
}

// SetNotificationChannel creates or replaces one of userID's notification
// channels.
func (s *Store) SetNotificationChannel(userID string, ch notify.Channel) error {
	data, err := json.Marshal(ch)
	if err != nil {
		return fmt.Errorf("marshal notification channel: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketNotificationChannels).Put(tenantKey(userID, ch.ID), data)
	})
}

// DeleteNotificationChannel removes one channel belonging to userID.
func (s *Store) DeleteNotificationChannel(userID, channelID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketNotificationChannels).Delete(tenantKey(userID, channelID))
	})
}
