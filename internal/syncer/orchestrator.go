// Package syncer orchestrates trade synchronization jobs: a bounded worker
// pool drains a priority queue, runs the credential → fetch → reconcile
// pipeline and keeps SyncRun bookkeeping for every attempt.
package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"trade-ledger-go/internal/config"
	"trade-ledger-go/internal/connector"
	"trade-ledger-go/internal/models"
	"trade-ledger-go/internal/reconciler"
	"trade-ledger-go/internal/vault"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ErrAccountNotFound means the broker account does not exist or is not owned
// by the requesting user. Fatal; never retried.
var ErrAccountNotFound = errors.New("broker account not found")

// Orchestrator owns the queue and the worker pool. Construct one per
// process and inject the connector so tests can substitute a fake.
type Orchestrator struct {
	db         *gorm.DB
	vault      *vault.Vault
	connector  connector.Connector
	reconciler *reconciler.Reconciler
	queue      *Queue
	logger     *zap.Logger

	workers     int
	maxAttempts int
	backoffBase time.Duration
}

// NewOrchestrator creates the sync orchestrator.
func NewOrchestrator(db *gorm.DB, v *vault.Vault, conn connector.Connector, cfg *config.Sync, logger *zap.Logger) *Orchestrator {
	return &Orchestrator{
		db:          db,
		vault:       v,
		connector:   conn,
		reconciler:  reconciler.New(db, logger),
		queue:       NewQueue(cfg.KeepCompleted, cfg.KeepFailed),
		logger:      logger,
		workers:     cfg.Workers,
		maxAttempts: cfg.MaxAttempts,
		backoffBase: time.Duration(cfg.BackoffBaseSeconds) * time.Second,
	}
}

// Enqueue queues a sync for the given account and returns a snapshot of the
// queued job. Workers mutate the live job as soon as it is queued, so the
// live handle never leaves this package; callers poll Job for fresh state.
// Ownership of the account is the caller's concern; execution re-checks it.
func (o *Orchestrator) Enqueue(brokerAccountID, userID string, fromDate, toDate *time.Time, priority int) Job {
	job := o.enqueue(brokerAccountID, userID, fromDate, toDate, priority)
	snapshot, ok := o.queue.Get(job.ID)
	if !ok {
		// Already finished and pruned; the id is still valid for history.
		return Job{ID: job.ID, BrokerAccountID: brokerAccountID, UserID: userID}
	}
	return snapshot
}

func (o *Orchestrator) enqueue(brokerAccountID, userID string, fromDate, toDate *time.Time, priority int) *Job {
	if priority <= 0 {
		priority = PriorityScheduled
	}
	job := &Job{
		ID:              newJobID(),
		BrokerAccountID: brokerAccountID,
		UserID:          userID,
		FromDate:        fromDate,
		ToDate:          toDate,
		Priority:        priority,
	}
	o.queue.Enqueue(job)
	o.logger.Info("Sync job queued",
		zap.String("job_id", job.ID),
		zap.String("broker_account_id", brokerAccountID),
		zap.Int("priority", priority))
	return job
}

// Job returns a snapshot of a queued or retained job.
func (o *Orchestrator) Job(id string) (Job, bool) {
	return o.queue.Get(id)
}

// Pending returns the number of jobs waiting for a worker.
func (o *Orchestrator) Pending() int {
	return o.queue.Pending()
}

// RecentRuns returns the most recent sync runs for an account, newest first,
// bounded at 50.
func (o *Orchestrator) RecentRuns(brokerAccountID string) ([]models.SyncRun, error) {
	var runs []models.SyncRun
	err := o.db.
		Where("broker_account_id = ?", brokerAccountID).
		Order("started_at desc").
		Limit(50).
		Find(&runs).Error
	if err != nil {
		return nil, fmt.Errorf("query sync history: %w", err)
	}
	return runs, nil
}

// Run starts the worker pool and blocks until the context is cancelled and
// all workers have stopped.
func (o *Orchestrator) Run(ctx context.Context) {
	o.logger.Info("Starting sync workers", zap.Int("count", o.workers))

	var wg sync.WaitGroup
	for i := 0; i < o.workers; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			o.runWorker(ctx, worker)
		}(i)
	}
	wg.Wait()
	o.logger.Info("Sync workers stopped")
}

func (o *Orchestrator) runWorker(ctx context.Context, worker int) {
	for {
		job, err := o.queue.Dequeue(ctx)
		if err != nil {
			return // shutting down
		}

		l := o.logger.With(
			zap.Int("worker", worker),
			zap.String("job_id", job.ID),
			zap.String("broker_account_id", job.BrokerAccountID))

		execErr := o.executeAttempt(ctx, job)
		if execErr == nil {
			o.queue.RecordAttempt(job, "")
			o.queue.Finish(job, JobCompleted)
			l.Info("Sync job completed")
			continue
		}

		o.queue.RecordAttempt(job, execErr.Error())

		if o.shouldRetry(job, execErr) {
			delay := o.backoffDelay(job.Attempts)
			o.queue.Requeue(job, delay)
			l.Warn("Sync attempt failed, retrying",
				zap.Int("attempt", job.Attempts),
				zap.Duration("retry_after", delay),
				zap.Error(execErr))
			continue
		}

		o.queue.Finish(job, JobFailed)
		l.Error("Sync job failed terminally",
			zap.Int("attempts", job.Attempts),
			zap.Error(execErr))
	}
}

// shouldRetry applies the retry policy: bounded attempts, and credential or
// account failures are never retried because they won't resolve on their own.
func (o *Orchestrator) shouldRetry(job *Job, err error) bool {
	if job.Attempts >= o.maxAttempts {
		return false
	}
	if errors.Is(err, ErrAccountNotFound) {
		return false
	}
	if errors.Is(err, vault.ErrInvalidCiphertext) || errors.Is(err, vault.ErrAuthenticationFailed) {
		return false
	}
	return connector.Retryable(err)
}

// backoffDelay is exponential: base, 2*base, 4*base, ...
func (o *Orchestrator) backoffDelay(attempts int) time.Duration {
	delay := o.backoffBase
	for i := 1; i < attempts; i++ {
		delay *= 2
	}
	return delay
}

// executeAttempt runs one sync attempt end to end. Every attempt gets its
// own SyncRun; the run is finalized exactly once on either branch.
func (o *Orchestrator) executeAttempt(ctx context.Context, job *Job) error {
	run := models.SyncRun{
		BrokerAccountID: job.BrokerAccountID,
		Status:          models.SyncInProgress,
		StartedAt:       time.Now().UTC(),
	}
	if err := o.db.Create(&run).Error; err != nil {
		return fmt.Errorf("create sync run: %w", err)
	}

	// Load the account within the requesting user's ownership scope.
	var account models.BrokerAccount
	err := o.db.
		Where("id = ? AND user_id = ?", job.BrokerAccountID, job.UserID).
		First(&account).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		o.finalizeFailure(&run, nil, ErrAccountNotFound)
		return ErrAccountNotFound
	}
	if err != nil {
		err = fmt.Errorf("load broker account: %w", err)
		o.finalizeFailure(&run, &account, err)
		return err
	}

	plaintext, err := o.vault.Decrypt(account.EncryptedCredentials)
	if err != nil {
		// Credential corruption needs an operator, not a retry.
		o.logger.Error("Credential blob failed to decrypt; possible corruption or key rotation gone wrong",
			zap.String("broker_account_id", account.ID),
			zap.Error(err))
		o.finalizeFailure(&run, &account, err)
		return err
	}
	creds, err := connector.DecodeCredentials(plaintext)
	if err != nil {
		o.finalizeFailure(&run, &account, err)
		return err
	}
	o.queue.SetProgress(job, 10) // credentials ready

	trades, err := o.connector.FetchTrades(ctx, connector.FetchRequest{
		BrokerAccountID: account.ID,
		BrokerType:      account.BrokerType,
		Credentials:     creds,
		FromDate:        job.FromDate,
		ToDate:          job.ToDate,
	})
	if err != nil {
		o.finalizeFailure(&run, &account, err)
		return err
	}
	o.queue.SetProgress(job, 60) // trades fetched

	result := o.reconciler.Reconcile(account.UserID, account.ID, trades)
	o.queue.SetProgress(job, 90) // trades reconciled

	o.finalizeSuccess(&run, &account, result)
	o.queue.SetProgress(job, 100)

	o.logger.Info("Sync attempt succeeded",
		zap.String("sync_run_id", run.ID),
		zap.Int("imported", result.Imported),
		zap.Int("updated", result.Updated),
		zap.Int("failed", result.Failed))
	return nil
}

// finalizeSuccess closes the run as COMPLETED and stamps the account. Status
// is guarded so a terminal run is never re-opened or re-finalized.
func (o *Orchestrator) finalizeSuccess(run *models.SyncRun, account *models.BrokerAccount, result reconciler.Result) {
	now := time.Now().UTC()
	err := o.db.Model(run).
		Where("status = ?", models.SyncInProgress).
		Updates(map[string]any{
			"status":          models.SyncCompleted,
			"completed_at":    now,
			"trades_imported": result.Imported,
			"trades_updated":  result.Updated,
			"trades_failed":   result.Failed,
		}).Error
	if err != nil {
		o.logger.Error("Failed to finalize sync run", zap.String("sync_run_id", run.ID), zap.Error(err))
	}

	err = o.db.Model(account).Updates(map[string]any{
		"last_sync_at":     now,
		"last_sync_status": models.SyncCompleted,
	}).Error
	if err != nil {
		o.logger.Error("Failed to update broker account sync status", zap.String("broker_account_id", account.ID), zap.Error(err))
	}
}

// finalizeFailure closes the run as FAILED with the captured error detail
// and marks the account's last sync failed. account may be nil when the
// lookup itself failed.
func (o *Orchestrator) finalizeFailure(run *models.SyncRun, account *models.BrokerAccount, cause error) {
	details, _ := json.Marshal(map[string]string{
		"kind":    errorKind(cause),
		"message": cause.Error(),
	})

	err := o.db.Model(run).
		Where("status = ?", models.SyncInProgress).
		Updates(map[string]any{
			"status":        models.SyncFailed,
			"completed_at":  time.Now().UTC(),
			"error_message": cause.Error(),
			"error_details": string(details),
		}).Error
	if err != nil {
		o.logger.Error("Failed to finalize sync run", zap.String("sync_run_id", run.ID), zap.Error(err))
	}

	if account == nil || account.ID == "" {
		return
	}
	err = o.db.Model(account).Updates(map[string]any{
		"last_sync_status": models.SyncFailed,
	}).Error
	if err != nil {
		o.logger.Error("Failed to update broker account sync status", zap.String("broker_account_id", account.ID), zap.Error(err))
	}
}

// errorKind maps a failure to the stable identifier stored in the run's
// structured error detail.
func errorKind(err error) string {
	switch {
	case errors.Is(err, ErrAccountNotFound):
		return "ACCOUNT_NOT_FOUND"
	case errors.Is(err, vault.ErrInvalidCiphertext):
		return "INVALID_CIPHERTEXT"
	case errors.Is(err, vault.ErrAuthenticationFailed):
		return "AUTHENTICATION_FAILURE"
	default:
		return string(connector.KindOf(err))
	}
}
