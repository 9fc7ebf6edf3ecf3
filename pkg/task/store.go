package task

import (
	"github.com/eladmint/ziggurat-gateway/pkg/kvdb"
	"github.com/eladmint/ziggurat-gateway/pkg/ledgerlog"
	"github.com/eladmint/ziggurat-gateway/pkg/types"
)

// Store is the Task Bridge's persisted state: the shared pkg/ledgerlog
// append-only HMAC chain, namespaced for task records. The latest record
// per task id wins on replay.
type Store struct {
	chain *ledgerlog.Chain[types.TaskRecord]
}

// NewStore creates a Store over kv, chaining each entry with HMAC-SHA256
// under hmacKey.
func NewStore(kv kvdb.KV, hmacKey []byte) *Store {
	return &Store{chain: ledgerlog.New[types.TaskRecord](kv, "tasks", hmacKey)}
}

// Get returns the latest persisted state for task_id, if any.
func (s *Store) Get(taskID string) (*types.TaskRecord, bool, error) {
	rec, ok, err := s.chain.Get(taskID)
	if err != nil || !ok {
		return nil, ok, err
	}
	return &rec, true, nil
}

// Save appends rec as the new latest state for its task_id.
func (s *Store) Save(rec types.TaskRecord) error {
	return s.chain.Append(rec.TaskID, "", rec)
}

// ListByStatus returns every latest-version task record in the given status.
func (s *Store) ListByStatus(status types.TaskStatus) ([]types.TaskRecord, error) {
	return s.chain.Scan(func(r types.TaskRecord) bool { return r.Status == status })
}
