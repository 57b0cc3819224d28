// Copyright 2025 Certen Protocol

package store

import (
	"encoding/binary"
	"fmt"
	"log"
)

// schemaVersionKey stores the on-disk schema version under ColumnMeta:
// applied-vs-available comparison, then apply what's pending, expressed
// over a single KV cell instead of a migrations table.
var schemaVersionKey = []byte("schema_version")

// Migration applies one schema step. Migrations run in order starting from
// the version stored on disk + 1 up to len(Migrations).
type Migration struct {
	Version uint32
	Name    string
	Apply   func(tx *Tx) error
}

// Migrations lists every schema migration this binary knows about, in
// order. Appending is safe; reordering or removing an already-shipped
// entry is not.
var Migrations = []Migration{
	{
		Version: 1,
		Name:    "initial column layout",
		Apply: func(tx *Tx) error {
			// No-op: column families are pure key prefixes, nothing to
			// create on disk up front.
			return nil
		},
	},
}

var migrateLogger = log.New(log.Writer(), "[Store] ", log.LstdFlags)

// MigrateUp brings the store's on-disk schema version up to the newest
// version this binary knows about, applying any pending migrations in
// order inside a single transaction per migration.
func (s *Store) MigrateUp() error {
	current, err := s.schemaVersion()
	if err != nil {
		return err
	}

	newest := uint32(0)
	for _, m := range Migrations {
		if m.Version > newest {
			newest = m.Version
		}
	}

	if current > newest {
		return fmt.Errorf("%w: on-disk=%d, binary=%d", ErrMigrationBack, current, newest)
	}
	if current == newest {
		migrateLogger.Printf("✅ schema up to date at version %d", current)
		return nil
	}

	for _, m := range Migrations {
		if m.Version <= current {
			continue
		}
		migrateLogger.Printf("🚀 applying migration %d: %s", m.Version, m.Name)
		if err := s.Update(func(tx *Tx) error {
			if err := m.Apply(tx); err != nil {
				return err
			}
			return tx.Set(ColumnMeta, schemaVersionKey, encodeVersion(m.Version))
		}); err != nil {
			return fmt.Errorf("store: migration %d (%s): %w", m.Version, m.Name, err)
		}
	}
	migrateLogger.Printf("✅ migrated schema to version %d", newest)
	return nil
}

func (s *Store) schemaVersion() (uint32, error) {
	var version uint32
	err := s.View(func(tx *Tx) error {
		v, err := tx.Get(ColumnMeta, schemaVersionKey)
		if err != nil {
			return err
		}
		if v == nil {
			version = 0
			return nil
		}
		version = decodeVersion(v)
		return nil
	})
	return version, err
}

func encodeVersion(v uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, v)
	return b
}

func decodeVersion(b []byte) uint32 {
	if len(b) != 4 {
		return 0
	}
	return binary.BigEndian.Uint32(b)
}
