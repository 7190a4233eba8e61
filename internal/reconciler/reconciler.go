// Package reconciler merges broker-sourced trade batches into the local
// ledger without duplicating rows or losing user-authored edits.
package reconciler

import (
	"errors"
	"fmt"

	"trade-ledger-go/internal/connector"
	"trade-ledger-go/internal/models"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Result counts the outcome of one reconciliation batch.
type Result struct {
	Imported int
	Updated  int
	Failed   int
}

// Outcome reports what a single upsert did.
type Outcome int

const (
	Created Outcome = iota
	Updated
)

// Reconciler performs idempotent create-or-update of normalized trades,
// keyed by (broker account, external trade id).
type Reconciler struct {
	db     *gorm.DB
	logger *zap.Logger
}

// New creates a Reconciler.
func New(db *gorm.DB, logger *zap.Logger) *Reconciler {
	return &Reconciler{db: db, logger: logger}
}

// Reconcile upserts every trade in the batch. A per-record failure is
// counted and logged but never aborts the batch; each upsert is its own
// transaction.
func (r *Reconciler) Reconcile(userID, brokerAccountID string, trades []connector.NormalizedTrade) Result {
	var result Result
	for _, trade := range trades {
		outcome, err := r.Upsert(userID, brokerAccountID, trade)
		if err != nil {
			result.Failed++
			r.logger.Error("Failed to reconcile trade",
				zap.String("broker_account_id", brokerAccountID),
				zap.String("external_trade_id", trade.ExternalTradeID),
				zap.Error(err))
			continue
		}
		if outcome == Created {
			result.Imported++
		} else {
			result.Updated++
		}
	}
	return result
}

// Upsert creates the trade if it is new to this account, otherwise refreshes
// the broker-authoritative financial fields. Notes and tags are user-owned
// and never touched here.
func (r *Reconciler) Upsert(userID, brokerAccountID string, trade connector.NormalizedTrade) (Outcome, error) {
	if trade.ExternalTradeID == "" {
		return Created, errors.New("trade has no external trade id")
	}

	var existing models.Trade
	err := r.db.
		Where("broker_account_id = ? AND external_trade_id = ?", brokerAccountID, trade.ExternalTradeID).
		First(&existing).Error

	if errors.Is(err, gorm.ErrRecordNotFound) {
		record := models.Trade{
			UserID:          userID,
			BrokerAccountID: brokerAccountID,
			ExternalTradeID: trade.ExternalTradeID,
			Symbol:          trade.Symbol,
			Side:            trade.Side,
			OpenTime:        trade.OpenTime,
			CloseTime:       trade.CloseTime,
			Quantity:        trade.Quantity,
			OpenPrice:       trade.OpenPrice,
			ClosePrice:      trade.ClosePrice,
			Profit:          trade.Profit,
			Commission:      trade.Commission,
			Swap:            trade.Swap,
			RawData:         string(trade.RawData),
			Tags:            []string{},
		}
		if err := r.db.Create(&record).Error; err != nil {
			return Created, fmt.Errorf("create trade %s: %w", trade.ExternalTradeID, err)
		}
		return Created, nil
	}
	if err != nil {
		return Created, fmt.Errorf("look up trade %s: %w", trade.ExternalTradeID, err)
	}

	// The broker is authoritative for financial fields only; the identity
	// fields were written at import and the user owns notes/tags.
	updates := map[string]any{
		"profit":     trade.Profit,
		"commission": trade.Commission,
		"swap":       trade.Swap,
		"raw_data":   string(trade.RawData),
	}
	if err := r.db.Model(&existing).Updates(updates).Error; err != nil {
		return Updated, fmt.Errorf("update trade %s: %w", trade.ExternalTradeID, err)
	}
	return Updated, nil
}
