package task

import (
	"context"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/eladmint/ziggurat-gateway/pkg/types"
)

// memKV is a trivial in-memory kvdb.KV, matching the one used in
// pkg/payment's tests, kept local to avoid a test-only cross-package
// dependency.
type memKV struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newMemKV() *memKV { return &memKV{data: make(map[string][]byte)} }

func (m *memKV) Get(key []byte) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data[string(key)], nil
}
func (m *memKV) Set(key, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]byte, len(value))
	copy(cp, value)
	m.data[string(key)] = cp
	return nil
}
func (m *memKV) Has(key []byte) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.data[string(key)]
	return ok, nil
}
func (m *memKV) Iterate(prefix []byte, fn func(key, value []byte) error) error {
	m.mu.Lock()
	var keys []string
	for k := range m.data {
		if strings.HasPrefix(k, string(prefix)) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	snap := make(map[string][]byte, len(keys))
	for _, k := range keys {
		snap[k] = m.data[k]
	}
	m.mu.Unlock()
	for _, k := range keys {
		if err := fn([]byte(k), snap[k]); err != nil {
			return err
		}
	}
	return nil
}

func newTestStore() *Store {
	return NewStore(newMemKV(), []byte("test-hmac-key"))
}

func TestStoreSaveGetRoundTrip(t *testing.T) {
	s := newTestStore()
	rec := types.TaskRecord{TaskID: "t1", Status: types.TaskAvailable, UpdatedAt: 100}
	if err := s.Save(rec); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, ok, err := s.Get("t1")
	if err != nil || !ok {
		t.Fatalf("expected to find t1: ok=%v err=%v", ok, err)
	}
	if got.Status != types.TaskAvailable {
		t.Fatalf("expected Available, got %s", got.Status)
	}

	rec.Status = types.TaskClaimed
	rec.AgentID = "agent-1"
	if err := s.Save(rec); err != nil {
		t.Fatalf("save update: %v", err)
	}
	got, _, _ = s.Get("t1")
	if got.Status != types.TaskClaimed || got.AgentID != "agent-1" {
		t.Fatalf("expected latest version to reflect the update, got %+v", got)
	}
}

func TestListByStatusReturnsLatestVersionOnly(t *testing.T) {
	s := newTestStore()
	_ = s.Save(types.TaskRecord{TaskID: "t1", Status: types.TaskAvailable})
	_ = s.Save(types.TaskRecord{TaskID: "t2", Status: types.TaskAvailable})
	_ = s.Save(types.TaskRecord{TaskID: "t1", Status: types.TaskClaimed})

	available, err := s.ListByStatus(types.TaskAvailable)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(available) != 1 || available[0].TaskID != "t2" {
		t.Fatalf("expected only t2 still Available, got %+v", available)
	}

	claimed, err := s.ListByStatus(types.TaskClaimed)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(claimed) != 1 || claimed[0].TaskID != "t1" {
		t.Fatalf("expected t1 to be Claimed, got %+v", claimed)
	}
}

func TestExpireStaleTransitionsPastDeadline(t *testing.T) {
	s := newTestStore()
	_ = s.Save(types.TaskRecord{TaskID: "expired-candidate", Status: types.TaskAvailable, Deadline: 1000})
	_ = s.Save(types.TaskRecord{TaskID: "not-yet-due", Status: types.TaskAvailable, Deadline: 5000})
	_ = s.Save(types.TaskRecord{TaskID: "no-deadline", Status: types.TaskClaimed, Deadline: 0})
	_ = s.Save(types.TaskRecord{TaskID: "already-rewarded", Status: types.TaskRewarded, Deadline: 1000})

	b := &Bridge{cfg: Config{SubmitMaxAttempts: 3}, store: s}
	n, err := b.ExpireStale(2000)
	if err != nil {
		t.Fatalf("expire stale: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected exactly 1 task to expire, got %d", n)
	}

	got, _, _ := s.Get("expired-candidate")
	if got.Status != types.TaskExpired {
		t.Fatalf("expected expired-candidate to be Expired, got %s", got.Status)
	}
	got, _, _ = s.Get("not-yet-due")
	if got.Status != types.TaskAvailable {
		t.Fatalf("expected not-yet-due to remain Available, got %s", got.Status)
	}
	got, _, _ = s.Get("no-deadline")
	if got.Status != types.TaskClaimed {
		t.Fatalf("expected no-deadline task to be untouched, got %s", got.Status)
	}
}

func TestProcessExplainableTaskShortCircuitsOnTerminalState(t *testing.T) {
	s := newTestStore()
	rec := types.TaskRecord{TaskID: "done-task", Status: types.TaskRewarded, RewardID: "pay-1"}
	if err := s.Save(rec); err != nil {
		t.Fatalf("save: %v", err)
	}

	// Every other dependency is left nil: a terminal-status task must never
	// touch the quota gate, marketplace client, or explanation engine.
	b := &Bridge{cfg: Config{SubmitMaxAttempts: 3}, store: s}
	got, err := b.ProcessExplainableTask(context.Background(), "done-task", "agent-1", nil, ProcessOptions{})
	if err != nil {
		t.Fatalf("expected no error for an already-terminal task, got %v", err)
	}
	if got.Status != types.TaskRewarded {
		t.Fatalf("expected status to remain Rewarded, got %s", got.Status)
	}
}
