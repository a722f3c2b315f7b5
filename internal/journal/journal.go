// Package journal keeps a local record of scan passes. It is an
// operational side channel next to the graph: the daemon writes one entry
// per pass and the status endpoint reads the per-target summary.
package journal

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/btree"
	"github.com/rs/zerolog/log"
	"go.etcd.io/bbolt"

	"github.com/yairfalse/cartograph/internal/scan"
)

// FileName is the journal database file inside its directory.
const FileName = "journal.db"

var bucketPasses = []byte("passes")

// ErrReadOnly is returned when recording into a journal opened read-only.
var ErrReadOnly = errors.New("journal: opened read-only")

// Entry is one recorded pass.
type Entry struct {
	Seq            uint64    `json:"seq"`
	Target         string    `json:"target"`
	Provider       string    `json:"provider"`
	EntityType     string    `json:"entityType"`
	Scope          string    `json:"scope"`
	Started        time.Time `json:"started"`
	Finished       time.Time `json:"finished"`
	Pages          int       `json:"pages"`
	Merged         int       `json:"merged"`
	Failed         int       `json:"failed"`
	Skipped        int       `json:"skipped"`
	Deleted        int64     `json:"deleted"`
	Relationships  int64     `json:"relationships"`
	RateLimitWaits int       `json:"rateLimitWaits"`
	Swept          bool      `json:"swept"`
	Status         string    `json:"status"`
	Error          string    `json:"error,omitempty"`
}

// Duration returns how long the pass took.
func (e Entry) Duration() time.Duration {
	return e.Finished.Sub(e.Started)
}

// FromResult converts a pass result into an entry.
func FromResult(r scan.PassResult) Entry {
	e := Entry{
		Target:         r.Target.Key(),
		Provider:       r.Target.Provider,
		EntityType:     r.Target.EntityType,
		Scope:          r.Target.Scope.String(),
		Started:        r.Started,
		Finished:       r.Finished,
		Pages:          r.Pages,
		Merged:         r.Merged,
		Failed:         r.Failed,
		Skipped:        r.Skipped,
		Deleted:        r.Deleted,
		Relationships:  r.Relationships,
		RateLimitWaits: r.RateLimitWaits,
		Swept:          r.Swept,
		Status:         r.Status(),
	}
	if r.Err != nil {
		e.Error = r.Err.Error()
	}
	return e
}

// TargetState summarizes the passes of one target.
type TargetState struct {
	Target              string    `json:"target"`
	Last                Entry     `json:"last"`
	LastSuccess         time.Time `json:"lastSuccess"`
	Passes              int       `json:"passes"`
	ConsecutiveFailures int       `json:"consecutiveFailures"`
}

// Journal stores entries in bbolt and keeps per-target state in an
// in-memory btree rebuilt on open.
type Journal struct {
	mu       sync.RWMutex
	db       *bbolt.DB
	index    *btree.BTreeG[*TargetState]
	readOnly bool
}

// Open opens or creates the journal in dir.
func Open(dir string) (*Journal, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create journal directory: %w", err)
	}
	return open(filepath.Join(dir, FileName), &bbolt.Options{Timeout: time.Second})
}

// OpenReadOnly opens an existing journal without taking the write lock.
func OpenReadOnly(dir string) (*Journal, error) {
	return open(filepath.Join(dir, FileName), &bbolt.Options{Timeout: time.Second, ReadOnly: true})
}

func open(path string, opts *bbolt.Options) (*Journal, error) {
	db, err := bbolt.Open(path, 0o600, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}
	if !opts.ReadOnly {
		err = db.Update(func(tx *bbolt.Tx) error {
			_, err := tx.CreateBucketIfNotExists(bucketPasses)
			return err
		})
		if err != nil {
			_ = db.Close()
			return nil, err
		}
	}

	j := &Journal{
		db: db,
		index: btree.NewG[*TargetState](32, func(a, b *TargetState) bool {
			return a.Target < b.Target
		}),
		readOnly: opts.ReadOnly,
	}
	if err := j.rebuildIndex(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return j, nil
}

// Close closes the journal.
func (j *Journal) Close() error {
	return j.db.Close()
}

// Record appends e, assigning its sequence number.
func (j *Journal) Record(e Entry) (uint64, error) {
	if j.readOnly {
		return 0, ErrReadOnly
	}
	j.mu.Lock()
	defer j.mu.Unlock()

	err := j.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketPasses)
		seq, err := bucket.NextSequence()
		if err != nil {
			return err
		}
		e.Seq = seq
		value, err := json.Marshal(e)
		if err != nil {
			return err
		}
		return bucket.Put(seqKey(seq), value)
	})
	if err != nil {
		return 0, fmt.Errorf("record pass %s: %w", e.Target, err)
	}

	j.updateIndex(e)
	return e.Seq, nil
}

// ObservePass records result. Failures are logged; the journal never
// affects scanning.
func (j *Journal) ObservePass(_ context.Context, result scan.PassResult) {
	if _, err := j.Record(FromResult(result)); err != nil {
		log.Warn().Err(err).Str("target", result.Target.Key()).Msg("Failed to journal scan pass")
	}
}

// Targets returns the state of every journaled target, ordered by key.
func (j *Journal) Targets() []TargetState {
	j.mu.RLock()
	defer j.mu.RUnlock()

	out := make([]TargetState, 0, j.index.Len())
	j.index.Ascend(func(s *TargetState) bool {
		out = append(out, *s)
		return true
	})
	return out
}

// Target returns the state of one target.
func (j *Journal) Target(key string) (TargetState, bool) {
	j.mu.RLock()
	defer j.mu.RUnlock()

	s, ok := j.index.Get(&TargetState{Target: key})
	if !ok {
		return TargetState{}, false
	}
	return *s, true
}

// Recent returns up to limit entries, newest first.
func (j *Journal) Recent(limit int) ([]Entry, error) {
	var out []Entry
	err := j.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketPasses)
		if bucket == nil {
			return nil
		}
		c := bucket.Cursor()
		for k, v := c.Last(); k != nil && len(out) < limit; k, v = c.Prev() {
			var e Entry
			if err := json.Unmarshal(v, &e); err != nil {
				return fmt.Errorf("decode entry %d: %w", binary.BigEndian.Uint64(k), err)
			}
			out = append(out, e)
		}
		return nil
	})
	return out, err
}

// Compact deletes all but the newest keep entries. Target state already
// in memory is kept; a reopened journal summarizes what remains.
func (j *Journal) Compact(keep int) (int, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	deleted := 0
	err := j.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketPasses)
		excess := bucket.Stats().KeyN - keep
		if excess <= 0 {
			return nil
		}
		var toDelete [][]byte
		c := bucket.Cursor()
		for k, _ := c.First(); k != nil && len(toDelete) < excess; k, _ = c.Next() {
			toDelete = append(toDelete, append([]byte(nil), k...))
		}
		for _, key := range toDelete {
			if err := bucket.Delete(key); err != nil {
				return err
			}
		}
		deleted = len(toDelete)
		return nil
	})
	return deleted, err
}

func (j *Journal) updateIndex(e Entry) {
	s, ok := j.index.Get(&TargetState{Target: e.Target})
	if !ok {
		s = &TargetState{Target: e.Target}
	}
	s.Last = e
	s.Passes++
	if e.Status == "success" {
		s.LastSuccess = e.Finished
		s.ConsecutiveFailures = 0
	} else {
		s.ConsecutiveFailures++
	}
	j.index.ReplaceOrInsert(s)
}

func (j *Journal) rebuildIndex() error {
	return j.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketPasses)
		if bucket == nil {
			return nil
		}
		return bucket.ForEach(func(_, v []byte) error {
			var e Entry
			if err := json.Unmarshal(v, &e); err != nil {
				return fmt.Errorf("rebuild journal index: %w", err)
			}
			j.updateIndex(e)
			return nil
		})
	})
}

// seqKey encodes seq big-endian so keys sort in sequence order.
func seqKey(seq uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, seq)
	return b
}
