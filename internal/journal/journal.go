// Package journal persists run state in a local bbolt database: run
// metadata, the append-only step log, and the cluster run-lock.
//
// The step log serves two masters: the final report (and `rollmaint
// status`), and crash resumption — a re-run consults the previous run's
// journal to skip pairs already recorded complete.
package journal

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketRuns  = []byte("runs")
	bucketSteps = []byte("steps")
	bucketMeta  = []byte("meta")
	bucketLocks = []byte("locks")
)

// Step outcomes.
const (
	OutcomeOK    = "ok"
	OutcomeError = "error"
)

// Run outcomes.
const (
	RunRunning   = "running"
	RunSucceeded = "succeeded"
	RunPartial   = "partial"
	RunAborted   = "aborted"
	RunFailed    = "failed"
)

// StepRecord is one append-only log entry. Once appended it is never edited.
type StepRecord struct {
	Seq       uint64    `json:"seq"`
	Time      time.Time `json:"time"`
	Component string    `json:"component"`
	Operation string    `json:"operation"`
	Pair      string    `json:"pair,omitempty"`
	Outcome   string    `json:"outcome"`
	Detail    string    `json:"detail,omitempty"`
}

// RunRecord is the persisted metadata of one orchestrator run.
type RunRecord struct {
	ID          string            `json:"id"`
	Cluster     string            `json:"cluster"`
	StartedAt   time.Time         `json:"started_at"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
	Outcome     string            `json:"outcome"`
	PairStages  map[string]string `json:"pair_stages"`
}

// Store is a bbolt-backed journal.
type Store struct {
	db *bolt.DB
}

// Open opens (creating if needed) the journal database. The file lock bbolt
// takes doubles as a same-host guard against concurrent runs; Open fails
// fast instead of blocking when another process holds the journal.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("failed to create journal directory: %w", err)
		}
	}

	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketRuns, bucketSteps, bucketMeta, bucketLocks} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

// Close closes the journal.
func (s *Store) Close() error {
	return s.db.Close()
}

// CreateRun persists a new run and points the cluster's latest-run marker
// at it.
func (s *Store) CreateRun(run *RunRecord) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(run)
		if err != nil {
			return err
		}
		if err := tx.Bucket(bucketRuns).Put([]byte(run.ID), data); err != nil {
			return err
		}
		if _, err := tx.Bucket(bucketSteps).CreateBucketIfNotExists([]byte(run.ID)); err != nil {
			return err
		}
		return tx.Bucket(bucketMeta).Put(latestKey(run.Cluster), []byte(run.ID))
	})
}

// UpdateRun overwrites the run record.
func (s *Store) UpdateRun(run *RunRecord) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(run)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketRuns).Put([]byte(run.ID), data)
	})
}

// GetRun returns a run by ID, or nil when it does not exist.
func (s *Store) GetRun(id string) (*RunRecord, error) {
	var run *RunRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketRuns).Get([]byte(id))
		if data == nil {
			return nil
		}
		run = &RunRecord{}
		return json.Unmarshal(data, run)
	})
	return run, err
}

// LatestRun returns the most recent run for a cluster, or nil when the
// cluster has never run.
func (s *Store) LatestRun(cluster string) (*RunRecord, error) {
	var runID []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		runID = tx.Bucket(bucketMeta).Get(latestKey(cluster))
		return nil
	})
	if err != nil || runID == nil {
		return nil, err
	}
	return s.GetRun(string(runID))
}

// AppendStep appends a step record to a run's log, assigning its sequence
// number. Records are immutable once written.
func (s *Store) AppendStep(runID string, step StepRecord) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		steps := tx.Bucket(bucketSteps).Bucket([]byte(runID))
		if steps == nil {
			return fmt.Errorf("no step log for run %s", runID)
		}

		seq, err := steps.NextSequence()
		if err != nil {
			return err
		}
		step.Seq = seq
		if step.Time.IsZero() {
			step.Time = time.Now()
		}

		data, err := json.Marshal(step)
		if err != nil {
			return err
		}
		return steps.Put(seqKey(seq), data)
	})
}

// Steps returns a run's step log in append order.
func (s *Store) Steps(runID string) ([]StepRecord, error) {
	var records []StepRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		steps := tx.Bucket(bucketSteps).Bucket([]byte(runID))
		if steps == nil {
			return nil
		}
		return steps.ForEach(func(k, v []byte) error {
			var record StepRecord
			if err := json.Unmarshal(v, &record); err != nil {
				return err
			}
			records = append(records, record)
			return nil
		})
	})
	return records, err
}

func latestKey(cluster string) []byte {
	return []byte("latest/" + cluster)
}

// seqKey encodes the sequence big-endian so bbolt's byte order is append
// order.
func seqKey(seq uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, seq)
	return key
}
