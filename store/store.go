// Package store persists run reports: one metadata record per distribution
// run and an ordered log of the per-host events the invoking node observed.
// Records are audit output only and are never read back to skip work.
package store

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.etcd.io/bbolt"
)

var (
	// ErrRunNotFound is returned when a run is not present in the store.
	ErrRunNotFound = errors.New("run not found")
)

var (
	runsBucket   = []byte("runs")
	eventsBucket = []byte("events")
)

// RunRecord is the metadata of one distribution run.
type RunRecord struct {
	ID         string    `json:"id"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Policy     string    `json:"policy"`
	Hosts      int       `json:"hosts"`
	Sources    []string  `json:"sources"`
	Template   string    `json:"template"`
	Outcome    string    `json:"outcome,omitempty"`
}

// EventRecord is one per-host event observed during a run.
type EventRecord struct {
	Time  time.Time `json:"time"`
	Depth int       `json:"depth"`
	Kind  string    `json:"kind"`
	Host  string    `json:"host"`
	Code  int       `json:"code,omitempty"`
	Note  string    `json:"note,omitempty"`
}

// Store defines the interface for recording run reports.
type Store interface {
	SaveRun(run *RunRecord) error
	GetRun(id string) (*RunRecord, error)
	AppendEvent(runID string, ev *EventRecord) error
	Events(runID string) ([]EventRecord, error)
	Close() error
}

// RunStore is a Store implementation backed by bbolt.
type RunStore struct {
	db *bbolt.DB
}

// NewRunStore opens (creating if needed) a RunStore at the given path.
func NewRunStore(path string) (*RunStore, error) {
	db, err := bbolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open bbolt database: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(runsBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(eventsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create report buckets: %w", err)
	}

	return &RunStore{db: db}, nil
}

// SaveRun saves a run record, overwriting any previous record with the same
// ID. Callers save once at start and again at completion with the outcome.
func (s *RunStore) SaveRun(run *RunRecord) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(runsBucket)

		data, err := json.Marshal(run)
		if err != nil {
			return fmt.Errorf("failed to marshal run: %w", err)
		}

		if err := b.Put([]byte(run.ID), data); err != nil {
			return fmt.Errorf("failed to put run: %w", err)
		}

		return nil
	})
}

// GetRun retrieves a run record.
func (s *RunStore) GetRun(id string) (*RunRecord, error) {
	var run RunRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(runsBucket)
		data := b.Get([]byte(id))
		if data == nil {
			return ErrRunNotFound
		}

		if err := json.Unmarshal(data, &run); err != nil {
			return fmt.Errorf("failed to unmarshal run: %w", err)
		}
		return nil
	})

	if err != nil {
		return nil, err
	}

	return &run, nil
}

// AppendEvent appends one event to the run's ordered log.
func (s *RunStore) AppendEvent(runID string, ev *EventRecord) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.Bucket(eventsBucket).CreateBucketIfNotExists([]byte(runID))
		if err != nil {
			return fmt.Errorf("failed to create run event log: %w", err)
		}

		seq, err := b.NextSequence()
		if err != nil {
			return fmt.Errorf("failed to allocate event sequence: %w", err)
		}
		// Big-endian keys keep bbolt's byte order equal to append order.
		key := make([]byte, 8)
		binary.BigEndian.PutUint64(key, seq)

		data, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("failed to marshal event: %w", err)
		}

		if err := b.Put(key, data); err != nil {
			return fmt.Errorf("failed to put event: %w", err)
		}

		return nil
	})
}

// Events retrieves a run's event log in append order.
func (s *RunStore) Events(runID string) ([]EventRecord, error) {
	var events []EventRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(eventsBucket).Bucket([]byte(runID))
		if b == nil {
			if tx.Bucket(runsBucket).Get([]byte(runID)) == nil {
				return ErrRunNotFound
			}
			return nil
		}

		return b.ForEach(func(k, v []byte) error {
			var ev EventRecord
			if err := json.Unmarshal(v, &ev); err != nil {
				return fmt.Errorf("failed to unmarshal event: %w", err)
			}
			events = append(events, ev)
			return nil
		})
	})

	if err != nil {
		return nil, err
	}

	return events, nil
}

// Close closes the underlying store.
func (s *RunStore) Close() error {
	return s.db.Close()
}
