package ledger

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/remedyd/internal/saga"
)

// BadgerConfig holds configuration for the durable Badger-backed store.
type BadgerConfig struct {
	// Path is the directory for BadgerDB files.
	// Required unless InMemory is true.
	Path string `koanf:"path"`

	// InMemory enables in-memory mode (no disk persistence).
	// Useful for testing.
	InMemory bool `koanf:"in_memory"`

	// SyncWrites enables synchronous writes for durability.
	// Default: true. A crashed process must find every appended record
	// on restart, otherwise memoization cannot guarantee at-most-once
	// side effects.
	SyncWrites bool `koanf:"sync_writes"`
}

// DefaultBadgerConfig returns production defaults: durable, synced writes.
func DefaultBadgerConfig(path string) BadgerConfig {
	return BadgerConfig{
		Path:       path,
		SyncWrites: true,
	}
}

// InMemoryBadgerConfig returns a configuration for tests: no disk I/O.
func InMemoryBadgerConfig() BadgerConfig {
	return BadgerConfig{
		InMemory: true,
	}
}

// BadgerStore is a durable Store backed by BadgerDB. Key layout:
//
//	run\x00<runID>                    -> JSON saga.Run
//	step\x00<runID>\x00<step>\x00<n>  -> JSON saga.StepRecord (n: big-endian seq)
//
// Step records are only ever written to fresh sequence numbers, preserving
// the append-only discipline at the storage layer.
type BadgerStore struct {
	db     *badger.DB
	logger *zap.Logger
}

// badgerLogger adapts zap to BadgerDB's Logger interface.
type badgerLogger struct {
	logger *zap.SugaredLogger
}

func (l *badgerLogger) Errorf(format string, args ...interface{})   { l.logger.Errorf(format, args...) }
func (l *badgerLogger) Warningf(format string, args ...interface{}) { l.logger.Warnf(format, args...) }
func (l *badgerLogger) Infof(format string, args ...interface{})    { l.logger.Debugf(format, args...) }
func (l *badgerLogger) Debugf(format string, args ...interface{})   { l.logger.Debugf(format, args...) }

// OpenBadger opens (creating if necessary) a Badger-backed store.
func OpenBadger(cfg BadgerConfig, logger *zap.Logger) (*BadgerStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if cfg.Path == "" {
			return nil, errors.New("ledger: badger path is required")
		}
		if err := os.MkdirAll(cfg.Path, 0o700); err != nil {
			return nil, fmt.Errorf("ledger: create badger dir: %w", err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.
		WithSyncWrites(cfg.SyncWrites).
		WithNumVersionsToKeep(1).
		WithLogger(&badgerLogger{logger: logger.Named("badger").Sugar()})

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("ledger: open badger: %w", err)
	}
	return &BadgerStore{db: db, logger: logger}, nil
}

func runKey(runID string) []byte {
	return []byte("run\x00" + runID)
}

func stepPrefix(runID, step string) []byte {
	return []byte("step\x00" + runID + "\x00" + step + "\x00")
}

func stepRecordKey(runID, step string, seq uint64) []byte {
	key := stepPrefix(runID, step)
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], seq)
	return append(key, buf[:]...)
}

// PutRun creates or replaces the run record.
func (s *BadgerStore) PutRun(_ context.Context, run *saga.Run) error {
	data, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("ledger: marshal run: %w", err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(runKey(run.ID), data)
	})
}

// GetRun returns the run by ID, or ErrRunNotFound.
func (s *BadgerStore) GetRun(_ context.Context, runID string) (*saga.Run, error) {
	var run saga.Run
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(runKey(runID))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrRunNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &run)
		})
	})
	if err != nil {
		return nil, err
	}
	return &run, nil
}

// Append adds one step record at the next sequence number.
func (s *BadgerStore) Append(_ context.Context, rec saga.StepRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("ledger: marshal step record: %w", err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		seq := nextSeq(txn, rec.RunID, rec.Step)
		return txn.Set(stepRecordKey(rec.RunID, rec.Step, seq), data)
	})
}

// nextSeq counts existing records for (runID, step) inside the transaction.
func nextSeq(txn *badger.Txn, runID, step string) uint64 {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = stepPrefix(runID, step)
	opts.PrefetchValues = false
	it := txn.NewIterator(opts)
	defer it.Close()

	var n uint64
	for it.Rewind(); it.Valid(); it.Next() {
		n++
	}
	return n
}

// History returns all records for (runID, step) in append order.
func (s *BadgerStore) History(_ context.Context, runID, step string) ([]saga.StepRecord, error) {
	var recs []saga.StepRecord
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = stepPrefix(runID, step)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var rec saga.StepRecord
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			}); err != nil {
				return err
			}
			recs = append(recs, rec)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return recs, nil
}

// LatestSuccess returns the Succeeded record for (runID, step), if any.
func (s *BadgerStore) LatestSuccess(ctx context.Context, runID, step string) (*saga.StepRecord, bool, error) {
	recs, err := s.History(ctx, runID, step)
	if err != nil {
		return nil, false, err
	}
	for _, rec := range recs {
		if rec.Status == saga.StepSucceeded {
			out := rec
			return &out, true, nil
		}
	}
	return nil, false, nil
}

// Close closes the underlying database.
func (s *BadgerStore) Close() error {
	return s.db.Close()
}
