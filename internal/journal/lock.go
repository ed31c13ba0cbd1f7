package journal

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"syscall"
	"time"

	bolt "go.etcd.io/bbolt"
)

// ErrLocked is returned when another live run holds the cluster lock.
var ErrLocked = errors.New("another run is already in progress for this cluster")

// lockRecord identifies the holder of a cluster run-lock.
type lockRecord struct {
	RunID      string    `json:"run_id"`
	PID        int       `json:"pid"`
	Hostname   string    `json:"hostname"`
	AcquiredAt time.Time `json:"acquired_at"`
}

// AcquireLock takes the cluster run-lock for the given run. A lock left
// behind by a process that is no longer alive on this host is reclaimed;
// a lock held by a live process fails with ErrLocked.
func (s *Store) AcquireLock(cluster, runID string) error {
	hostname, _ := os.Hostname()

	return s.db.Update(func(tx *bolt.Tx) error {
		locks := tx.Bucket(bucketLocks)

		if data := locks.Get([]byte(cluster)); data != nil {
			var held lockRecord
			if err := json.Unmarshal(data, &held); err == nil && lockHolderAlive(held, hostname) {
				return fmt.Errorf("%w (run %s, pid %d since %s)",
					ErrLocked, held.RunID, held.PID, held.AcquiredAt.Format(time.RFC3339))
			}
			// Stale lock from a crashed run: reclaim.
		}

		record := lockRecord{
			RunID:      runID,
			PID:        os.Getpid(),
			Hostname:   hostname,
			AcquiredAt: time.Now(),
		}
		data, err := json.Marshal(record)
		if err != nil {
			return err
		}
		return locks.Put([]byte(cluster), data)
	})
}

// ReleaseLock releases the cluster run-lock. Releasing an unheld lock is a
// no-op.
func (s *Store) ReleaseLock(cluster string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketLocks).Delete([]byte(cluster))
	})
}

// lockHolderAlive reports whether the recorded holder still runs. Liveness
// can only be probed on the same host; a lock from another host is treated
// as live (bbolt's file lock prevents that case for a shared journal file
// anyway).
func lockHolderAlive(held lockRecord, hostname string) bool {
	if held.Hostname != hostname {
		return true
	}
	process, err := os.FindProcess(held.PID)
	if err != nil {
		return false
	}
	return process.Signal(syscall.Signal(0)) == nil
}
