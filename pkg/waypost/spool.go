package waypost

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"go.etcd.io/bbolt"
	"go.uber.org/zap"

	"github.com/louisbranch/waypost/internal/trackerclient"
)

const spoolBucket = "batches"

// spoolBatch is one undeliverable flush, stored with enough identity to
// recreate its run later. The client run id keeps replay idempotent.
type spoolBatch struct {
	Project     string                      `json:"project"`
	Space       string                      `json:"space,omitempty"`
	RunName     string                      `json:"run_name,omitempty"`
	ClientRunID string                      `json:"client_run_id"`
	Config      map[string]any              `json:"config,omitempty"`
	Points      []trackerclient.MetricPoint `json:"points"`
}

// spool persists batches to a bbolt file in arrival order.
type spool struct {
	mu sync.Mutex
	db *bbolt.DB
}

func openSpool(path string) (*spool, error) {
	db, err := bbolt.Open(filepath.Clean(path), 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("waypost: open spool: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(spoolBucket))
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("waypost: init spool: %w", err)
	}
	return &spool{db: db}, nil
}

func (s *spool) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// Enqueue appends one batch to the spool.
func (s *spool) Enqueue(batch spoolBatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return fmt.Errorf("waypost: spool is closed")
	}
	payload, err := json.Marshal(batch)
	if err != nil {
		return fmt.Errorf("waypost: marshal spool batch: %w", err)
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(spoolBucket))
		if bucket == nil {
			return fmt.Errorf("spool bucket is missing")
		}
		seq, err := bucket.NextSequence()
		if err != nil {
			return err
		}
		return bucket.Put(spoolKey(seq), payload)
	})
}

// Len counts the spooled batches.
func (s *spool) Len() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return 0, nil
	}
	count := 0
	err := s.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(spoolBucket))
		if bucket == nil {
			return nil
		}
		count = bucket.Stats().KeyN
		return nil
	})
	return count, err
}

// Drain replays spooled batches oldest-first, deleting each one as it
// lands. It stops at the first failure so order is preserved.
func (s *spool) Drain(ctx context.Context, client *trackerclient.Client, logger *zap.Logger) (int, error) {
	replayed := 0
	for {
		key, batch, ok, err := s.oldest()
		if err != nil {
			return replayed, err
		}
		if !ok {
			return replayed, nil
		}

		run, err := client.CreateRun(ctx, trackerclient.CreateRunParams{
			Project:     batch.Project,
			SpaceID:     batch.Space,
			ClientRunID: batch.ClientRunID,
			RunName:     batch.RunName,
			Config:      batch.Config,
		})
		if err != nil {
			return replayed, err
		}
		if len(batch.Points) > 0 {
			if _, err := client.AppendMetrics(ctx, run.ID, batch.Points); err != nil {
				return replayed, err
			}
		}
		if err := s.delete(key); err != nil {
			return replayed, err
		}
		replayed++
		logger.Debug("replayed spool batch",
			zap.String("project", batch.Project),
			zap.String("run_id", run.ID),
			zap.Int("points", len(batch.Points)))
	}
}

// oldest returns the first batch in sequence order without removing it.
func (s *spool) oldest() ([]byte, spoolBatch, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil, spoolBatch{}, false, nil
	}
	var (
		key   []byte
		batch spoolBatch
		found bool
	)
	err := s.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(spoolBucket))
		if bucket == nil {
			return nil
		}
		k, v := bucket.Cursor().First()
		if k == nil {
			return nil
		}
		if err := json.Unmarshal(v, &batch); err != nil {
			return fmt.Errorf("waypost: unmarshal spool batch: %w", err)
		}
		key = append([]byte(nil), k...)
		found = true
		return nil
	})
	return key, batch, found, err
}

func (s *spool) delete(key []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(spoolBucket))
		if bucket == nil {
			return nil
		}
		return bucket.Delete(key)
	})
}

func spoolKey(seq uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, seq)
	return key
}
