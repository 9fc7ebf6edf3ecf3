// Package kvdb adapts github.com/cometbft/cometbft-db's key-value store
// interface to the narrower KV contract used by the append-only logs in
// pkg/payment and pkg/task.
package kvdb

import (
	dbm "github.com/cometbft/cometbft-db"
)

// KV is the minimal key-value contract the append-only logs depend on.
type KV interface {
	Get(key []byte) ([]byte, error)
	Set(key, value []byte) error
	Has(key []byte) (bool, error)
	Iterate(prefix []byte, fn func(key, value []byte) error) error
}

// Adapter wraps a CometBFT dbm.DB and exposes the KV interface above.
type Adapter struct {
	db dbm.DB
}

// NewAdapter creates a new Adapter for the given underlying DB.
func NewAdapter(db dbm.DB) *Adapter {
	return &Adapter{db: db}
}

// Get implements KV.Get. A missing key returns (nil, nil), never an error.
func (a *Adapter) Get(key []byte) ([]byte, error) {
	if a.db == nil {
		return nil, nil
	}
	v, err := a.db.Get(key)
	if err != nil {
		return nil, err
	}
	return v, nil
}

// Set implements KV.Set using SetSync for durable writes.
func (a *Adapter) Set(key, value []byte) error {
	if a.db == nil {
		return nil
	}
	return a.db.SetSync(key, value)
}

// Has implements KV.Has.
func (a *Adapter) Has(key []byte) (bool, error) {
	if a.db == nil {
		return false, nil
	}
	return a.db.Has(key)
}

// Iterate walks every key with the given prefix in ascending order, calling
// fn for each. It stops at the first error fn returns.
func (a *Adapter) Iterate(prefix []byte, fn func(key, value []byte) error) error {
	if a.db == nil {
		return nil
	}
	end := upperBound(prefix)
	it, err := a.db.Iterator(prefix, end)
	if err != nil {
		return err
	}
	defer it.Close()
	for ; it.Valid(); it.Next() {
		if err := fn(it.Key(), it.Value()); err != nil {
			return err
		}
	}
	return it.Error()
}

// upperBound returns the smallest key greater than every key with the given
// prefix, i.e. the exclusive end bound cometbft-db's Iterator expects.
func upperBound(prefix []byte) []byte {
	if len(prefix) == 0 {
		return nil
	}
	end := make([]byte, len(prefix))
	copy(end, prefix)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	// prefix was all 0xff bytes; no finite upper bound.
	return nil
}
