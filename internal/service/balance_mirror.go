package service

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/noah-isme/sma-enterprise-core/internal/models"
	"github.com/noah-isme/sma-enterprise-core/internal/repository"
	appErrors "github.com/noah-isme/sma-enterprise-core/pkg/errors"
	"github.com/noah-isme/sma-enterprise-core/pkg/jobs"
)

// JobTypeBalanceMirror identifies queued balance read-model writes.
const JobTypeBalanceMirror = "ledger.balance.mirror"

type cacheStore interface {
	Get(ctx context.Context, key string, dest interface{}) error
	SetIfNewer(ctx context.Context, key string, value interface{}, version int64, ttl time.Duration) (bool, error)
	Delete(ctx context.Context, key string) error
}

type jobEnqueuer interface {
	TryEnqueue(job jobs.Job) bool
}

type cacheRecorder interface {
	RecordCacheOperation(hit bool, duration time.Duration)
}

// BalanceMirror maintains a Redis copy of committed ledger balances. Writes to it are
// best-effort: failures are logged and never surface to the poster.
type BalanceMirror struct {
	cache   cacheStore
	queue   jobEnqueuer
	ttl     time.Duration
	logger  *zap.Logger
	metrics cacheRecorder
}

// NewBalanceMirror constructs the mirror. Without an attached queue, writes happen inline.
func NewBalanceMirror(cache cacheStore, ttl time.Duration, metrics cacheRecorder, logger *zap.Logger) *BalanceMirror {
	if logger == nil {
		logger = zap.NewNop()
	}
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &BalanceMirror{cache: cache, ttl: ttl, metrics: metrics, logger: logger}
}

// AttachQueue routes future writes through the background queue.
func (m *BalanceMirror) AttachQueue(queue jobEnqueuer) {
	m.queue = queue
}

// Publish schedules the balance to be written to the read model. When the write cannot be
// scheduled or fails, the mirrored copy is dropped.
func (m *BalanceMirror) Publish(ctx context.Context, balance models.LedgerBalance) {
	if m == nil || m.cache == nil {
		return
	}
	if m.queue != nil {
		job := jobs.Job{ID: balance.AccountID, Type: JobTypeBalanceMirror, Payload: balance}
		if !m.queue.TryEnqueue(job) {
			m.logger.Warn("balance mirror job dropped", zap.String("account_id", balance.AccountID))
			m.invalidate(ctx, balance.AccountID)
		}
		return
	}
	if err := m.write(ctx, balance); err != nil {
		m.logger.Warn("balance mirror write failed", zap.String("account_id", balance.AccountID), zap.Error(err))
		m.invalidate(ctx, balance.AccountID)
	}
}

// HandleJob is the queue handler for mirror jobs.
func (m *BalanceMirror) HandleJob(ctx context.Context, job jobs.Job) error {
	balance, ok := job.Payload.(models.LedgerBalance)
	if !ok {
		return fmt.Errorf("unexpected payload %T for job %s", job.Payload, job.Type)
	}
	return m.write(ctx, balance)
}

// Lookup returns the mirrored balance when present.
func (m *BalanceMirror) Lookup(ctx context.Context, accountID string) (*models.LedgerBalance, bool) {
	if m == nil || m.cache == nil {
		return nil, false
	}
	start := time.Now()
	var balance models.LedgerBalance
	err := m.cache.Get(ctx, repository.LedgerBalanceKey(accountID), &balance)
	hit := err == nil
	if m.metrics != nil {
		m.metrics.RecordCacheOperation(hit, time.Since(start))
	}
	if err != nil {
		if !appErrors.HasCode(err, appErrors.ErrCacheMiss.Code) {
			m.logger.Warn("balance mirror read failed", zap.String("account_id", accountID), zap.Error(err))
		}
		return nil, false
	}
	balance.Source = "cache"
	return &balance, true
}

// invalidate drops a mirrored balance that can no longer be brought up to date, so reads fall
// back to the database.
func (m *BalanceMirror) invalidate(ctx context.Context, accountID string) {
	if err := m.cache.Delete(ctx, repository.LedgerBalanceKey(accountID)); err != nil {
		m.logger.Warn("balance mirror invalidate failed", zap.String("account_id", accountID), zap.Error(err))
	}
}

// write stores the balance versioned by its commit time, so a late or retried job never
// replaces a newer balance.
func (m *BalanceMirror) write(ctx context.Context, balance models.LedgerBalance) error {
	balance.Source = ""
	written, err := m.cache.SetIfNewer(ctx, repository.LedgerBalanceKey(balance.AccountID), balance, balance.UpdatedAt.UnixNano(), m.ttl)
	if err != nil {
		return err
	}
	if !written {
		m.logger.Debug("stale balance not mirrored", zap.String("account_id", balance.AccountID), zap.Time("updated_at", balance.UpdatedAt))
	}
	return nil
}
