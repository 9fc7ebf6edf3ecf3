package mirror

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/eladmint/ziggurat-gateway/pkg/types"
)

// job is one pending Firestore write.
type job struct {
	docPath string
	fields  map[string]interface{}
}

// Mirror fans task and payment state changes out to Firestore over a
// bounded worker pool so a slow or unreachable mirror never blocks the
// task bridge or payment ledger that produced the change.
type Mirror struct {
	client  *Client
	queue   chan job
	workers int
	logger  *log.Logger

	done chan struct{}
}

// Config configures a Mirror.
type Config struct {
	Client     *Client
	Workers    int // default 4
	QueueDepth int // default 256
	Logger     *log.Logger
}

// New creates a Mirror and starts its worker pool. Call Stop to drain and
// shut it down.
func New(cfg Config) *Mirror {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = 256
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(log.Writer(), "[Mirror] ", log.LstdFlags)
	}
	m := &Mirror{
		client:  cfg.Client,
		queue:   make(chan job, cfg.QueueDepth),
		workers: cfg.Workers,
		logger:  cfg.Logger,
		done:    make(chan struct{}),
	}
	var wg sync.WaitGroup
	for i := 0; i < m.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.worker()
		}()
	}
	go func() {
		wg.Wait()
		close(m.done)
	}()
	return m
}

func (m *Mirror) worker() {
	for j := range m.queue {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := m.client.setDoc(ctx, j.docPath, j.fields)
		cancel()
		if err != nil {
			m.logger.Printf("failed to mirror %s: %v", j.docPath, err)
		}
	}
}

// enqueue drops the write rather than blocking the caller if the queue is
// full — a stale dashboard is an acceptable degradation, a stalled request
// path is not.
func (m *Mirror) enqueue(docPath string, fields map[string]interface{}) {
	select {
	case m.queue <- job{docPath: docPath, fields: fields}:
	default:
		m.logger.Printf("mirror queue full, dropping update for %s", docPath)
	}
}

// Stop closes the queue and waits for in-flight writes to finish.
func (m *Mirror) Stop() {
	close(m.queue)
	<-m.done
}

// MirrorTask enqueues the current state of a task record.
func (m *Mirror) MirrorTask(rec types.TaskRecord) {
	m.enqueue(fmt.Sprintf("tasks/%s", rec.TaskID), map[string]interface{}{
		"taskId":     rec.TaskID,
		"status":     string(rec.Status),
		"agentId":    rec.AgentID,
		"deadline":   rec.Deadline,
		"proofHash":  rec.ProofHash,
		"lowQuality": rec.LowQuality,
		"rewardId":   rec.RewardID,
		"failReason": rec.FailReason,
		"updatedAt":  rec.UpdatedAt,
	})
}

// MirrorPayment enqueues the current state of a payment record.
func (m *Mirror) MirrorPayment(p types.Payment) {
	m.enqueue(fmt.Sprintf("payments/%s", p.PaymentID), map[string]interface{}{
		"paymentId": p.PaymentID,
		"kind":      string(p.Kind),
		"sourceId":  p.SourceID,
		"amount":    p.Amount,
		"currency":  p.Currency,
		"sender":    p.Sender,
		"recipient": p.Recipient,
		"chain":     string(p.Chain),
		"txHash":    p.TxHash,
		"status":    string(p.Status),
		"createdAt": p.CreatedAt,
		"settledAt": p.SettledAt,
	})
}
