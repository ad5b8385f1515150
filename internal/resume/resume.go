// Package resume persists each torrent's verified-piece bitfield so a
// restarted daemon can pick up where it left off instead of re-hashing
// everything from disk.
package resume

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.etcd.io/bbolt"

	"github.com/Luminarys/synapse/internal/bitfield"
)

const (
	completionBucket = "completion"
	metadataBucket   = "metadata"
	schemaVersion    = 1
)

// ErrNotFound is returned when a torrent has no recorded completion state.
var ErrNotFound = errors.New("no resume data for torrent")

// DB stores completion bitfields keyed by torrent ID.
type DB struct {
	db *bbolt.DB
}

// Open creates or opens the resume database.
func Open(dbPath string) (*DB, error) {
	options := &bbolt.Options{
		Timeout: 1 * time.Second,
	}

	db, err := bbolt.Open(dbPath, 0o600, options)
	if err != nil {
		return nil, fmt.Errorf("failed to open resume database: %w", err)
	}

	r := &DB{db: db}

	if err := r.initialize(); err != nil {
		db.Close()
		return nil, err
	}

	return r, nil
}

// initialize sets up buckets and schema
func (r *DB) initialize() error {
	return r.db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(completionBucket))
		if err != nil {
			return fmt.Errorf("failed to create completion bucket: %w", err)
		}

		meta, err := tx.CreateBucketIfNotExists([]byte(metadataBucket))
		if err != nil {
			return fmt.Errorf("failed to create metadata bucket: %w", err)
		}

		versionBytes := []byte(fmt.Sprintf("%d", schemaVersion))

		err = meta.Put([]byte("schema_version"), versionBytes)
		if err != nil {
			return fmt.Errorf("failed to store schema version: %w", err)
		}

		return nil
	})
}

// Save persists a torrent's completion bitfield.
func (r *DB) Save(id uuid.UUID, bf *bitfield.Bitfield) error {
	if id == uuid.Nil {
		return errors.New("torrent ID cannot be empty")
	}

	return r.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(completionBucket))
		if bucket == nil {
			return fmt.Errorf("bucket not found: %s", completionBucket)
		}

		err := bucket.Put(id[:], bf.Bytes())
		if err != nil {
			return fmt.Errorf("failed to save completion state: %w", err)
		}

		return nil
	})
}

// Load retrieves a torrent's completion bitfield. ErrNotFound means the
// torrent was never saved.
func (r *DB) Load(id uuid.UUID, numPieces int) (*bitfield.Bitfield, error) {
	if id == uuid.Nil {
		return nil, errors.New("torrent ID cannot be empty")
	}

	var data []byte

	err := r.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(completionBucket))
		if bucket == nil {
			return fmt.Errorf("bucket not found: %s", completionBucket)
		}

		raw := bucket.Get(id[:])
		if raw == nil {
			return ErrNotFound
		}

		data = make([]byte, len(raw))
		copy(data, raw)

		return nil
	})
	if err != nil {
		return nil, err
	}

	return bitfield.FromBytes(data, numPieces)
}

// Delete removes a torrent's completion state when the torrent is removed.
func (r *DB) Delete(id uuid.UUID) error {
	return r.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(completionBucket))
		if bucket == nil {
			return fmt.Errorf("bucket not found: %s", completionBucket)
		}

		return bucket.Delete(id[:])
	})
}

// Close closes the underlying database.
func (r *DB) Close() error {
	return r.db.Close()
}
