package tipping

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"go.etcd.io/bbolt"
)

const scanBucketName = "scans"

// ScanRecord describes one receipt scan attempt.
// It never holds image data or bill state.
type ScanRecord struct {
	ID          string    `json:"id"`
	SessionID   string    `json:"session_id"`
	ContentType string    `json:"content_type"`
	FileSize    int       `json:"file_size"`
	Outcome     Outcome   `json:"outcome"`
	Total       *float64  `json:"total,omitempty"`
	Currency    string    `json:"currency,omitempty"`
	DurationMS  int64     `json:"duration_ms"`
	Error       string    `json:"error,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// ScanLog defines the interface for recording scan attempts
type ScanLog interface {
	// SaveScan stores a scan record
	SaveScan(record *ScanRecord) error

	// ListScans returns all records, newest first
	ListScans() ([]*ScanRecord, error)

	// Close closes the underlying store
	Close() error
}

// BoltDB implements the ScanLog interface using BoltDB
type BoltDB struct {
	db *bbolt.DB
}

// NewBoltDB creates a new BoltDB instance
func NewBoltDB(path string) (*BoltDB, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening boltdb: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(scanBucketName))
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating buckets: %w", err)
	}

	return &BoltDB{db: db}, nil
}

// SaveScan stores a scan record keyed by its ID
func (b *BoltDB) SaveScan(record *ScanRecord) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(scanBucketName))
		data, err := json.Marshal(record)
		if err != nil {
			return fmt.Errorf("marshaling scan record: %w", err)
		}
		return bucket.Put([]byte(record.ID), data)
	})
}

// ListScans returns all scan records, newest first
func (b *BoltDB) ListScans() ([]*ScanRecord, error) {
	records := make([]*ScanRecord, 0)
	err := b.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(scanBucketName))
		return bucket.ForEach(func(k, v []byte) error {
			var record ScanRecord
			if err := json.Unmarshal(v, &record); err != nil {
				return fmt.Errorf("unmarshaling scan record: %w", err)
			}
			records = append(records, &record)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sort.SliceStable(records, func(i, j int) bool {
		return records[i].CreatedAt.After(records[j].CreatedAt)
	})
	return records, nil
}

// Close closes the database connection
func (b *BoltDB) Close() error {
	return b.db.Close()
}
