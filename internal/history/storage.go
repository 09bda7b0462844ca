// Package history keeps a local record of probe runs in a BoltDB file.
package history

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"

	"github.com/lemkep/smtp-gee/internal/probe"
	"github.com/lemkep/smtp-gee/internal/status"
)

var bucketRuns = []byte("runs")

// Record is one stored probe run
type Record struct {
	ID            string    `json:"id"`
	StartedAt     time.Time `json:"started_at"`
	From          string    `json:"from"`
	Rcpt          string    `json:"rcpt"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	SMTPSeconds   float64   `json:"smtp_seconds"`
	IMAPSeconds   float64   `json:"imap_seconds"`
	Severity      string    `json:"severity"`
	ExitCode      int       `json:"exit_code"`
	Diagnostic    string    `json:"diagnostic,omitempty"`
}

// NewRecord captures a finished run and its evaluation
func NewRecord(res *probe.Result, report status.Report) *Record {
	return &Record{
		ID:            uuid.NewString(),
		StartedAt:     res.StartedAt,
		From:          res.From,
		Rcpt:          res.Rcpt,
		CorrelationID: string(res.CorrelationID),
		SMTPSeconds:   res.SMTPElapsed.Seconds(),
		IMAPSeconds:   res.IMAPElapsed.Seconds(),
		Severity:      report.Severity.String(),
		ExitCode:      report.ExitCode(),
		Diagnostic:    report.Diagnostic,
	}
}

// Storage provides run history storage
type Storage struct {
	db *bolt.DB
}

// Open opens or creates the history database at path. Concurrent probe
// runs wait up to a second for the file lock.
func Open(path string) (*Storage, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open history database: %w", err)
	}
	s, err := NewStorage(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewStorage creates a history storage using the provided BoltDB instance
func NewStorage(db *bolt.DB) (*Storage, error) {
	err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketRuns)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create runs bucket: %w", err)
	}

	return &Storage{db: db}, nil
}

// Close closes the underlying database
func (s *Storage) Close() error {
	return s.db.Close()
}

// Save stores a run record
func (s *Storage) Save(ctx context.Context, rec *Record) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("failed to marshal record: %w", err)
		}
		return tx.Bucket(bucketRuns).Put(makeKey(rec.StartedAt, rec.ID), data)
	})
}

// List returns up to limit records, newest first. A limit of 0 returns all.
func (s *Storage) List(ctx context.Context, limit int) ([]*Record, error) {
	var records []*Record

	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketRuns).Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			if limit > 0 && len(records) >= limit {
				break
			}
			var rec Record
			if err := json.Unmarshal(v, &rec); err != nil {
				continue
			}
			records = append(records, &rec)
		}
		return nil
	})

	return records, err
}

// Prune keeps the newest keep records and deletes the rest. It returns the
// number of deleted records.
func (s *Storage) Prune(ctx context.Context, keep int) (int, error) {
	var deleted int

	err := s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketRuns)
		c := bucket.Cursor()

		var keysToDelete [][]byte
		seen := 0
		for k, _ := c.Last(); k != nil; k, _ = c.Prev() {
			seen++
			if seen > keep {
				keysToDelete = append(keysToDelete, append([]byte(nil), k...))
			}
		}

		for _, k := range keysToDelete {
			if err := bucket.Delete(k); err != nil {
				return err
			}
			deleted++
		}
		return nil
	})

	return deleted, err
}

// makeKey orders records by start time; the ID keeps keys unique
func makeKey(t time.Time, id string) []byte {
	key := make([]byte, 8, 8+len(id))
	binary.BigEndian.PutUint64(key, uint64(t.UnixNano()))
	return append(key, id...)
}
