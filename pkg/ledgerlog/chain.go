// Package ledgerlog is the shared append-only, HMAC-chained JSON-lines log
// underlying both the Payment Ledger and the Task Bridge's persisted state:
// one log per entity kind, each line prefixed by a monotonic seq and an
// hmac over the prior seq's hmac and the line body. Keys are big-endian
// sequence numbers under a per-namespace prefix; values are canonical JSON
// lines, so any entry's chain position and integrity can be re-checked
// offline.
package ledgerlog

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/eladmint/ziggurat-gateway/pkg/kvdb"
)

// ErrNotFound signals a record lookup that matched nothing.
var ErrNotFound = fmt.Errorf("ledgerlog: record not found")

type chainMeta struct {
	LastSeq  uint64 `json:"last_seq"`
	LastHMAC string `json:"last_hmac"`
}

// entry is one line in the append-only chain.
type entry[T any] struct {
	Seq   uint64 `json:"seq"`
	HMAC  string `json:"hmac"`
	Value T      `json:"value"`
}

// Chain is a generic HMAC-chained append-only log over a kvdb.KV handle,
// indexed by record id and, optionally, by an additional idempotency key
// (the Payment Ledger and Task Bridge both need the same (kind, source_id)
// shape).
type Chain[T any] struct {
	kv      kvdb.KV
	hmacKey []byte

	metaKey       []byte
	logPrefix     []byte
	byIDPrefix    []byte
	bySourcePrefix []byte

	mu sync.Mutex
}

// New creates a Chain namespaced under prefix (e.g. "payments", "tasks").
func New[T any](kv kvdb.KV, namespace string, hmacKey []byte) *Chain[T] {
	return &Chain[T]{
		kv:            kv,
		hmacKey:       hmacKey,
		metaKey:       []byte(namespace + ":meta"),
		logPrefix:     []byte(namespace + ":log:"),
		byIDPrefix:    []byte(namespace + ":byid:"),
		bySourcePrefix: []byte(namespace + ":bysource:"),
	}
}

func (c *Chain[T]) logKey(seq uint64) []byte {
	return append(append([]byte{}, c.logPrefix...), encodeSeq(seq)...)
}

func (c *Chain[T]) byIDKey(id string) []byte {
	return append(append([]byte{}, c.byIDPrefix...), []byte(id)...)
}

func (c *Chain[T]) bySourceKey(sourceKey string) []byte {
	return append(append([]byte{}, c.bySourcePrefix...), []byte(sourceKey)...)
}

func encodeSeq(seq uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, seq)
	return b
}

func decodeSeq(b []byte) uint64 {
	if len(b) != 8 {
		return 0
	}
	return binary.BigEndian.Uint64(b)
}

func (c *Chain[T]) loadMeta() (chainMeta, error) {
	raw, err := c.kv.Get(c.metaKey)
	if err != nil {
		return chainMeta{}, err
	}
	if len(raw) == 0 {
		return chainMeta{}, nil
	}
	var m chainMeta
	if err := json.Unmarshal(raw, &m); err != nil {
		return chainMeta{}, fmt.Errorf("ledgerlog: corrupt chain metadata: %w", err)
	}
	return m, nil
}

func (c *Chain[T]) saveMeta(m chainMeta) error {
	raw, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return c.kv.Set(c.metaKey, raw)
}

// Append writes value as a new chain entry keyed by id, updating the by-id
// index to point at this (latest) version. If sourceKey is non-empty and no
// entry is indexed under it yet, it is indexed to this entry too — the
// idempotency key for "has this logical event already happened."
func (c *Chain[T]) Append(id, sourceKey string, value T) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	m, err := c.loadMeta()
	if err != nil {
		return err
	}
	seq := m.LastSeq + 1

	body, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("ledgerlog: failed to marshal entry value: %w", err)
	}
	mac := hmac.New(sha256.New, c.hmacKey)
	mac.Write([]byte(m.LastHMAC))
	mac.Write(encodeSeq(seq))
	mac.Write(body)
	digest := hex.EncodeToString(mac.Sum(nil))

	line := entry[T]{Seq: seq, HMAC: digest, Value: value}
	raw, err := json.Marshal(line)
	if err != nil {
		return fmt.Errorf("ledgerlog: failed to marshal log line: %w", err)
	}
	if err := c.kv.Set(c.logKey(seq), raw); err != nil {
		return fmt.Errorf("ledgerlog: failed to write log line: %w", err)
	}
	if err := c.kv.Set(c.byIDKey(id), encodeSeq(seq)); err != nil {
		return fmt.Errorf("ledgerlog: failed to index record id: %w", err)
	}
	if sourceKey != "" {
		if ok, err := c.kv.Has(c.bySourceKey(sourceKey)); err == nil && !ok {
			if err := c.kv.Set(c.bySourceKey(sourceKey), encodeSeq(seq)); err != nil {
				return fmt.Errorf("ledgerlog: failed to index source key: %w", err)
			}
		}
	}
	return c.saveMeta(chainMeta{LastSeq: seq, LastHMAC: digest})
}

func (c *Chain[T]) readAt(seqBytes []byte) (T, bool, error) {
	var zero T
	raw, err := c.kv.Get(c.logKey(decodeSeq(seqBytes)))
	if err != nil {
		return zero, false, err
	}
	if len(raw) == 0 {
		return zero, false, nil
	}
	var line entry[T]
	if err := json.Unmarshal(raw, &line); err != nil {
		return zero, false, fmt.Errorf("ledgerlog: corrupt log line: %w", err)
	}
	return line.Value, true, nil
}

// Get returns the latest version of the record with the given id.
func (c *Chain[T]) Get(id string) (T, bool, error) {
	var zero T
	seqBytes, err := c.kv.Get(c.byIDKey(id))
	if err != nil {
		return zero, false, err
	}
	if len(seqBytes) == 0 {
		return zero, false, nil
	}
	return c.readAt(seqBytes)
}

// FindBySource looks up the current (latest) version of the record first
// indexed under sourceKey, resolving through the record's own id so a
// status update since the first append is reflected.
func (c *Chain[T]) FindBySource(sourceKey string, idOf func(T) string) (T, bool, error) {
	var zero T
	seqBytes, err := c.kv.Get(c.bySourceKey(sourceKey))
	if err != nil {
		return zero, false, err
	}
	if len(seqBytes) == 0 {
		return zero, false, nil
	}
	first, ok, err := c.readAt(seqBytes)
	if err != nil || !ok {
		return zero, false, err
	}
	return c.Get(idOf(first))
}

// Scan walks the by-id index, resolving each id to its current version and
// keeping those for which keep returns true. Each id is visited once
// regardless of how many chain entries it has accumulated.
func (c *Chain[T]) Scan(keep func(T) bool) ([]T, error) {
	seen := make(map[string]bool)
	var out []T
	err := c.kv.Iterate(c.byIDPrefix, func(key, value []byte) error {
		id := string(key[len(c.byIDPrefix):])
		if seen[id] {
			return nil
		}
		seen[id] = true
		v, ok, err := c.readAt(value)
		if err != nil || !ok {
			return err
		}
		if keep(v) {
			out = append(out, v)
		}
		return nil
	})
	return out, err
}
