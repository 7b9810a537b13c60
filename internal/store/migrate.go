package store

import (
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var bucketSchemaMigrations = []byte("schema_migrations")

// migration is one forward-only schema change. bbolt has no external SQL
// files to discover from disk, so the NNNN_name file-discovery convention
// is expressed as slice order plus an explicit name instead.
type migration struct {
	version int
	name    string
	fn      func(tx *bolt.Tx) error
}

// migrations is the ordered, append-only list of schema changes. New
// entries are always added at the end with the next version number.
var migrations = []migration{
	{
		version: 1,
		name:    "initial_buckets",
		fn:      func(tx *bolt.Tx) error { return nil }, // buckets already created by Open
	},
}

// runMigrations applies every migration newer than the highest recorded
// version, refusing to run if the database reports a version newer than
// this binary knows about (a downgrade).
func (s *Store) runMigrations() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSchemaMigrations)

		highest := 0
		c := b.Cursor()
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			var v int
			if _, err := fmt.Sscanf(string(k), "%04d", &v); err == nil && v > highest {
				highest = v
			}
		}

		if highest > len(migrations) {
			return fmt.Errorf("database schema version %d is newer than this binary supports (%d)", highest, len(migrations))
		}

		for _, m := range migrations {
			if m.version <= highest {
				continue
			}
			if err := m.fn(tx); err != nil {
				return fmt.Errorf("migration %04d_%s: %w", m.version, m.name, err)
			}
			record := fmt.Sprintf(`{"version":%d,"name":%q,"appliedAt":%q}`, m.version, m.name, time.Now().UTC().Format(time.RFC3339Nano))
			key := []byte(fmt.Sprintf("%04d", m.version))
			if err := b.Put(key, []byte(record)); err != nil {
				return err
			}
		}
		return nil
	})
}
