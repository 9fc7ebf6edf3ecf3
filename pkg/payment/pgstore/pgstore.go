// Package pgstore is the Payment Ledger's optional durable mirror: a
// lib/pq-backed repository over Postgres with pooled connections,
// parameterized queries, and sql.ErrNoRows reported as a not-found result
// (nil payment, false, nil error) rather than as an error.
package pgstore

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/eladmint/ziggurat-gateway/pkg/types"
	"github.com/eladmint/ziggurat-gateway/pkg/xerrors"
)

// Client wraps a pooled *sql.DB connection to the payments mirror database.
type Client struct {
	db     *sql.DB
	logger *log.Logger
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithLogger sets a custom logger for the client.
func WithLogger(logger *log.Logger) ClientOption {
	return func(c *Client) { c.logger = logger }
}

// NewClient opens a pooled connection to databaseURL and verifies it with a
// ping.
func NewClient(databaseURL string, maxConns, minConns int, maxIdleSeconds, maxLifetimeSeconds int, opts ...ClientOption) (*Client, error) {
	if databaseURL == "" {
		return nil, fmt.Errorf("pgstore: database url cannot be empty")
	}
	c := &Client{logger: log.New(log.Writer(), "[PaymentMirror] ", log.LstdFlags)}
	for _, opt := range opts {
		opt(c)
	}

	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("pgstore: failed to open database: %w", err)
	}
	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(minConns)
	db.SetConnMaxIdleTime(time.Duration(maxIdleSeconds) * time.Second)
	db.SetConnMaxLifetime(time.Duration(maxLifetimeSeconds) * time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("pgstore: failed to ping database: %w", err)
	}

	c.db = db
	c.logger.Printf("connected to payment mirror database (max_conns=%d, min_conns=%d)", maxConns, minConns)
	return c, nil
}

// Close releases the underlying connection pool.
func (c *Client) Close() error { return c.db.Close() }

// Store is the Postgres-backed implementation of payment.Store, used as an
// optional secondary mirror alongside the primary pkg/payment/kvstore chain.
type Store struct {
	client *Client
}

// NewStore creates a Store over an already-connected Client. The caller is
// responsible for having applied migrations/0001_payments.sql (or
// equivalent) beforehand.
func NewStore(client *Client) *Store {
	return &Store{client: client}
}

// Append inserts a new payment row. A duplicate payment_id is treated as
// success (the caller already appended once and is retrying).
func (s *Store) Append(p types.Payment) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	query := `
		INSERT INTO payments (
			payment_id, kind, source_id, amount, currency, source_platform,
			destination_platform, sender, recipient, chain, tx_hash, status,
			created_at, settled_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (payment_id) DO UPDATE SET
			status = EXCLUDED.status,
			tx_hash = EXCLUDED.tx_hash,
			settled_at = EXCLUDED.settled_at`

	_, err := s.client.db.ExecContext(ctx, query,
		p.PaymentID, string(p.Kind), p.SourceID, p.Amount, p.Currency,
		nullString(p.SourcePlatform), nullString(p.DestinationPlatform),
		nullString(p.Sender), nullString(p.Recipient), nullString(string(p.Chain)),
		nullString(p.TxHash), string(p.Status), p.CreatedAt, nullInt64(p.SettledAt),
	)
	if err != nil {
		return fmt.Errorf("pgstore: failed to append payment: %w", err)
	}
	return nil
}

func nullString(s string) sql.NullString { return sql.NullString{String: s, Valid: s != ""} }
func nullInt64(v int64) sql.NullInt64    { return sql.NullInt64{Int64: v, Valid: v != 0} }

func scanPayment(row interface {
	Scan(dest ...interface{}) error
}) (*types.Payment, error) {
	var p types.Payment
	var kind, status, chain string
	var sourcePlatform, destPlatform, sender, recipient, txHash sql.NullString
	var settledAt sql.NullInt64

	err := row.Scan(
		&p.PaymentID, &kind, &p.SourceID, &p.Amount, &p.Currency,
		&sourcePlatform, &destPlatform, &sender, &recipient, &chain,
		&txHash, &status, &p.CreatedAt, &settledAt,
	)
	if err != nil {
		return nil, err
	}
	p.Kind = types.PaymentKind(kind)
	p.Status = types.PaymentStatus(status)
	p.Chain = types.Network(chain)
	p.SourcePlatform = sourcePlatform.String
	p.DestinationPlatform = destPlatform.String
	p.Sender = sender.String
	p.Recipient = recipient.String
	p.TxHash = txHash.String
	p.SettledAt = settledAt.Int64
	return &p, nil
}

const selectColumns = `payment_id, kind, source_id, amount, currency, source_platform,
	destination_platform, sender, recipient, chain, tx_hash, status, created_at, settled_at`

// Get retrieves a payment by its id.
func (s *Store) Get(paymentID string) (*types.Payment, bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	row := s.client.db.QueryRowContext(ctx, "SELECT "+selectColumns+" FROM payments WHERE payment_id = $1", paymentID)
	p, err := scanPayment(row)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("pgstore: failed to get payment: %w", err)
	}
	return p, true, nil
}

// FindBySource looks up a payment by its originating (kind, source_id) pair.
func (s *Store) FindBySource(kind types.PaymentKind, sourceID string) (*types.Payment, bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	row := s.client.db.QueryRowContext(ctx, "SELECT "+selectColumns+" FROM payments WHERE kind = $1 AND source_id = $2", string(kind), sourceID)
	p, err := scanPayment(row)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("pgstore: failed to find payment by source: %w", err)
	}
	return p, true, nil
}

// UpdateStatus transitions a payment's status in place, recording a new
// settled_at/tx_hash when provided. Settled and Failed are terminal: the
// update only matches rows still Pending.
func (s *Store) UpdateStatus(paymentID string, status types.PaymentStatus, txHash string, settledAt int64) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	res, err := s.client.db.ExecContext(ctx,
		`UPDATE payments SET status = $1, tx_hash = COALESCE(NULLIF($2, ''), tx_hash), settled_at = NULLIF($3, 0) WHERE payment_id = $4 AND status = $5`,
		string(status), txHash, settledAt, paymentID, string(types.PaymentPending),
	)
	if err != nil {
		return fmt.Errorf("pgstore: failed to update payment status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("pgstore: failed to check update result: %w", err)
	}
	if n == 0 {
		if _, ok, getErr := s.Get(paymentID); getErr == nil && ok {
			return xerrors.New(xerrors.CodeConflict, "payment "+paymentID+" is already terminal")
		}
		return xerrors.New(xerrors.CodeNotFound, "payment "+paymentID+" not found")
	}
	return nil
}

func (s *Store) listWhere(clause string, args ...interface{}) ([]types.Payment, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	rows, err := s.client.db.QueryContext(ctx, "SELECT "+selectColumns+" FROM payments WHERE "+clause+" ORDER BY created_at ASC", args...)
	if err != nil {
		return nil, fmt.Errorf("pgstore: failed to list payments: %w", err)
	}
	defer rows.Close()

	var out []types.Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, fmt.Errorf("pgstore: failed to scan payment row: %w", err)
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

// ListPending returns every Pending payment, oldest first.
func (s *Store) ListPending() ([]types.Payment, error) {
	return s.listWhere("status = $1", string(types.PaymentPending))
}

// ListByRecipient returns every payment addressed to recipient, oldest first.
func (s *Store) ListByRecipient(recipient string) ([]types.Payment, error) {
	return s.listWhere("recipient = $1", recipient)
}

// ListBySender returns every payment paid out by sender, oldest first.
func (s *Store) ListBySender(sender string) ([]types.Payment, error) {
	return s.listWhere("sender = $1", sender)
}
