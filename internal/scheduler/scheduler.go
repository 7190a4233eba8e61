// Package scheduler triggers periodic background syncs for every active
// broker account. Manual syncs always jump ahead of the batches it queues.
package scheduler

import (
	"context"
	"time"

	"trade-ledger-go/internal/models"
	"trade-ledger-go/internal/syncer"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Scheduler enqueues low-priority syncs on a fixed interval.
type Scheduler struct {
	db       *gorm.DB
	syncs    *syncer.Orchestrator
	interval time.Duration
	logger   *zap.Logger
}

// New creates a scheduler. A zero or negative interval disables it.
func New(db *gorm.DB, syncs *syncer.Orchestrator, interval time.Duration, logger *zap.Logger) *Scheduler {
	return &Scheduler{db: db, syncs: syncs, interval: interval, logger: logger}
}

// Run blocks until the context is cancelled. Each tick queues one scheduled
// sync per active account; inactive accounts are skipped.
func (s *Scheduler) Run(ctx context.Context) {
	if s.interval <= 0 {
		s.logger.Info("Scheduled syncs disabled")
		return
	}
	s.logger.Info("Starting sync scheduler", zap.Duration("interval", s.interval))

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Sync scheduler stopped")
			return
		case <-ticker.C:
			s.enqueueAll()
		}
	}
}

func (s *Scheduler) enqueueAll() {
	var accounts []models.BrokerAccount
	err := s.db.Where("is_active = ?", true).Find(&accounts).Error
	if err != nil {
		s.logger.Error("Failed to list accounts for scheduled sync", zap.Error(err))
		return
	}

	for _, account := range accounts {
		s.syncs.Enqueue(account.ID, account.UserID, nil, nil, syncer.PriorityScheduled)
	}
	if len(accounts) > 0 {
		s.logger.Info("Scheduled syncs queued", zap.Int("accounts", len(accounts)))
	}
}
