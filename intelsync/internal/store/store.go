// Package store provides the SQLite persistence layer for intelsync.
package store

import (
	"database/sql"
	"time"

	"github.com/hazyhaar/intelsync/dbopen"
)

// Store is the intelsync database handle.
type Store struct {
	DB *sql.DB

	// Clock stamps lastModified and createdAt. nil means time.Now.
	Clock func() time.Time
}

// Open opens (or creates) the intelsync SQLite database at path and applies
// the schema.
func Open(path string, opts ...dbopen.Option) (*Store, error) {
	allOpts := append([]dbopen.Option{
		dbopen.WithMkdirAll(),
		dbopen.WithSchema(Schema),
	}, opts...)

	db, err := dbopen.Open(path, allOpts...)
	if err != nil {
		return nil, err
	}
	return &Store{DB: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.DB.Close()
}

func (s *Store) nowMs() int64 {
	if s.Clock != nil {
		return s.Clock().UnixMilli()
	}
	return time.Now().UnixMilli()
}
