// Package refledger tracks how many logical files reference each
// segment key. The deduplication layer increments and decrements; the
// cache tier only reads counts to order eviction.
package refledger

import (
	"encoding/binary"
	"errors"

	badger "github.com/dgraph-io/badger/v4"
)

// ErrUnderflow reports a decrement of a key whose count is already
// zero.
var ErrUnderflow = errors.New("refledger: reference count underflow")

// Ledger is a badger-backed reference-count store.
type Ledger struct {
	db *badger.DB
}

// Options configures a Ledger.
type Options struct {
	// Dir is where the ledger is persisted. Empty means in-memory,
	// which is only useful for tests.
	Dir string
}

func Open(opts Options) (*Ledger, error) {
	var bopts badger.Options
	if opts.Dir == "" {
		bopts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		bopts = badger.DefaultOptions(opts.Dir)
	}
	bopts = bopts.WithLogger(nil)

	db, err := badger.Open(bopts)
	if err != nil {
		return nil, err
	}
	return &Ledger{db: db}, nil
}

func (l *Ledger) Close() error {
	return l.db.Close()
}

// RefCount reports the current count for key. An unknown key counts
// zero.
func (l *Ledger) RefCount(key string) (uint64, error) {
	var count uint64
	err := l.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			count = decodeCount(val)
			return nil
		})
	})
	return count, err
}

// Increment adds one reference to key and returns the new count.
func (l *Ledger) Increment(key string) (uint64, error) {
	var count uint64
	err := l.db.Update(func(txn *badger.Txn) error {
		current, err := readCount(txn, []byte(key))
		if err != nil {
			return err
		}
		count = current + 1
		return txn.Set([]byte(key), encodeCount(count))
	})
	return count, err
}

// Decrement drops one reference from key and returns the new count.
// The entry is deleted once the count reaches zero.
func (l *Ledger) Decrement(key string) (uint64, error) {
	var count uint64
	err := l.db.Update(func(txn *badger.Txn) error {
		current, err := readCount(txn, []byte(key))
		if err != nil {
			return err
		}
		if current == 0 {
			return ErrUnderflow
		}
		count = current - 1
		if count == 0 {
			return txn.Delete([]byte(key))
		}
		return txn.Set([]byte(key), encodeCount(count))
	})
	return count, err
}

func readCount(txn *badger.Txn, key []byte) (uint64, error) {
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	var count uint64
	err = item.Value(func(val []byte) error {
		count = decodeCount(val)
		return nil
	})
	return count, err
}

func encodeCount(count uint64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], count)
	return buf[:]
}

func decodeCount(val []byte) uint64 {
	if len(val) != 8 {
		return 0
	}
	return binary.BigEndian.Uint64(val)
}
