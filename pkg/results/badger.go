package results

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/dgraph-io/badger/v4"
)

// BadgerEngine persists result records with BadgerDB.
//
// Key structure:
//   - improvements:  0x01 + target              -> JSON(ImprovementRecord)
//   - contributions: 0x02 + target + 0x00 + view -> JSON(ContributionRecord)
//   - importances:   0x03 + target + 0x00 + view + 0x00 + predictor -> JSON(ImportanceRecord)
//
// All writes go through read-check-write transactions so the skip-if-present
// policy holds even under concurrent writers.
//
// Example:
//
//	engine, err := results.OpenBadger(results.BadgerOptions{Dir: "./out"})
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer engine.Close()
type BadgerEngine struct {
	db     *badger.DB
	mu     sync.RWMutex
	closed bool
}

// BadgerOptions configures the persistent result store.
type BadgerOptions struct {
	// Dir is the storage directory. Ignored when InMemory is set.
	Dir string

	// InMemory keeps everything in RAM; useful in tests.
	InMemory bool

	// SyncWrites forces fsync per write. Slower, more durable.
	SyncWrites bool
}

// OpenBadger opens (creating if necessary) a persistent result store.
func OpenBadger(opts BadgerOptions) (*BadgerEngine, error) {
	bopts := badger.DefaultOptions(opts.Dir).
		WithInMemory(opts.InMemory).
		WithSyncWrites(opts.SyncWrites).
		WithLogger(nil)
	db, err := badger.Open(bopts)
	if err != nil {
		return nil, fmt.Errorf("results: opening badger store: %w", err)
	}
	return &BadgerEngine{db: db}, nil
}

// putIfAbsent writes value under key unless the key exists.
func (e *BadgerEngine) putIfAbsent(key []byte, value any) (bool, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return false, ErrClosed
	}

	data, err := json.Marshal(value)
	if err != nil {
		return false, fmt.Errorf("results: serializing record: %w", err)
	}

	inserted := false
	err = e.db.Update(func(txn *badger.Txn) error {
		switch _, err := txn.Get(key); err {
		case nil:
			return nil // present: skip
		case badger.ErrKeyNotFound:
			inserted = true
			return txn.Set(key, data)
		default:
			return err
		}
	})
	if err != nil {
		return false, fmt.Errorf("results: writing record: %w", err)
	}
	return inserted, nil
}

// PutImprovement inserts unless the target already has a record.
func (e *BadgerEngine) PutImprovement(r ImprovementRecord) (bool, error) {
	if err := validateRecordKey(r.Target); err != nil {
		return false, err
	}
	return e.putIfAbsent(improvementKey(r.Target), r)
}

// PutContribution inserts unless the (target, view) pair already has a record.
func (e *BadgerEngine) PutContribution(r ContributionRecord) (bool, error) {
	if err := validateRecordKey(r.Target, r.View); err != nil {
		return false, err
	}
	return e.putIfAbsent(contributionKey(r.Target, r.View), r)
}

// PutImportance inserts unless the (target, view, predictor) triple exists.
func (e *BadgerEngine) PutImportance(r ImportanceRecord) (bool, error) {
	if err := validateRecordKey(r.Target, r.View, r.Predictor); err != nil {
		return false, err
	}
	return e.putIfAbsent(importanceKey(r.Target, r.View, r.Predictor), r)
}

// HasImprovement reports whether the target's improvement row exists.
func (e *BadgerEngine) HasImprovement(target string) (bool, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return false, ErrClosed
	}
	found := false
	err := e.db.View(func(txn *badger.Txn) error {
		switch _, err := txn.Get(improvementKey(target)); err {
		case nil:
			found = true
			return nil
		case badger.ErrKeyNotFound:
			return nil
		default:
			return err
		}
	})
	if err != nil {
		return false, fmt.Errorf("results: reading record: %w", err)
	}
	return found, nil
}

// scanPrefix decodes every record under a table prefix into visit.
func (e *BadgerEngine) scanPrefix(prefix byte, visit func(data []byte) error) error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return ErrClosed
	}
	return e.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		p := []byte{prefix}
		for it.Seek(p); it.ValidForPrefix(p); it.Next() {
			if err := it.Item().Value(visit); err != nil {
				return err
			}
		}
		return nil
	})
}

// Improvements returns matching records sorted by target (key order).
func (e *BadgerEngine) Improvements(f Filter) ([]ImprovementRecord, error) {
	var out []ImprovementRecord
	err := e.scanPrefix(prefixImprovement, func(data []byte) error {
		var r ImprovementRecord
		if err := json.Unmarshal(data, &r); err != nil {
			return fmt.Errorf("results: decoding improvement: %w", err)
		}
		if f.matchImprovement(r) {
			out = append(out, r)
		}
		return nil
	})
	return out, err
}

// Contributions returns matching records sorted by (target, view).
func (e *BadgerEngine) Contributions(f Filter) ([]ContributionRecord, error) {
	var out []ContributionRecord
	err := e.scanPrefix(prefixContribution, func(data []byte) error {
		var r ContributionRecord
		if err := json.Unmarshal(data, &r); err != nil {
			return fmt.Errorf("results: decoding contribution: %w", err)
		}
		if f.matchContribution(r) {
			out = append(out, r)
		}
		return nil
	})
	return out, err
}

// Importances returns matching records sorted by (target, view, predictor).
func (e *BadgerEngine) Importances(f Filter) ([]ImportanceRecord, error) {
	var out []ImportanceRecord
	err := e.scanPrefix(prefixImportance, func(data []byte) error {
		var r ImportanceRecord
		if err := json.Unmarshal(data, &r); err != nil {
			return fmt.Errorf("results: decoding importance: %w", err)
		}
		if f.matchImportance(r) {
			out = append(out, r)
		}
		return nil
	})
	return out, err
}

// Close releases the underlying database.
func (e *BadgerEngine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	return e.db.Close()
}
