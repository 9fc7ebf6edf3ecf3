// Package kvstore is the Payment Ledger's primary persistence backend: the
// shared pkg/ledgerlog append-only HMAC chain, namespaced for payment
// records and indexed by (kind, source_id) for idempotent lookups.
package kvstore

import (
	"github.com/eladmint/ziggurat-gateway/pkg/kvdb"
	"github.com/eladmint/ziggurat-gateway/pkg/ledgerlog"
	"github.com/eladmint/ziggurat-gateway/pkg/types"
	"github.com/eladmint/ziggurat-gateway/pkg/xerrors"
)

// Store is the append-only payment log, implementing payment.Store.
type Store struct {
	chain *ledgerlog.Chain[types.Payment]
}

// New creates a Store over kv, chaining each entry with HMAC-SHA256 under
// hmacKey.
func New(kv kvdb.KV, hmacKey []byte) *Store {
	return &Store{chain: ledgerlog.New[types.Payment](kv, "payments", hmacKey)}
}

func sourceKey(kind types.PaymentKind, sourceID string) string {
	return string(kind) + ":" + sourceID
}

func paymentID(p types.Payment) string { return p.PaymentID }

// Append writes p as a new entry at the tip of the chain and indexes it by
// payment_id and by (kind, source_id) for idempotent lookups.
func (s *Store) Append(p types.Payment) error {
	return s.chain.Append(p.PaymentID, sourceKey(p.Kind, p.SourceID), p)
}

// Get returns the latest version of the payment with the given id.
func (s *Store) Get(paymentID string) (*types.Payment, bool, error) {
	p, ok, err := s.chain.Get(paymentID)
	if err != nil || !ok {
		return nil, ok, err
	}
	return &p, true, nil
}

// FindBySource looks up a payment by its originating (kind, source_id) pair
// — the idempotency key for record_ai_usage, record_reward_payout, and
// cross_chain_transfer.
func (s *Store) FindBySource(kind types.PaymentKind, source string) (*types.Payment, bool, error) {
	p, ok, err := s.chain.FindBySource(sourceKey(kind, source), paymentID)
	if err != nil || !ok {
		return nil, ok, err
	}
	return &p, true, nil
}

// UpdateStatus appends a new chained entry recording the transition,
// leaving prior entries in the log untouched — state mutation is itself an
// audited event, not an in-place overwrite.
func (s *Store) UpdateStatus(paymentID string, status types.PaymentStatus, txHash string, settledAt int64) error {
	p, ok, err := s.Get(paymentID)
	if err != nil {
		return err
	}
	if !ok {
		return xerrors.New(xerrors.CodeNotFound, "payment "+paymentID+" not found")
	}
	if p.Status == types.PaymentSettled || p.Status == types.PaymentFailed {
		return xerrors.New(xerrors.CodeConflict, "payment "+paymentID+" is already terminal")
	}
	updated := *p
	updated.Status = status
	if txHash != "" {
		updated.TxHash = txHash
	}
	if settledAt != 0 {
		updated.SettledAt = settledAt
	}
	return s.Append(updated)
}

// ListPending returns every latest-version payment still Pending.
func (s *Store) ListPending() ([]types.Payment, error) {
	return s.chain.Scan(func(p types.Payment) bool { return p.Status == types.PaymentPending })
}

// ListByRecipient returns every latest-version payment addressed to recipient.
func (s *Store) ListByRecipient(recipient string) ([]types.Payment, error) {
	return s.chain.Scan(func(p types.Payment) bool { return p.Recipient == recipient })
}

// ListBySender returns every latest-version payment paid out by sender.
func (s *Store) ListBySender(sender string) ([]types.Payment, error) {
	return s.chain.Scan(func(p types.Payment) bool { return p.Sender == sender })
}
