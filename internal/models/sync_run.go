package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// SyncRun records one execution attempt of a trade sync. Its status moves
// from IN_PROGRESS to exactly one terminal state and is never re-opened; a
// retried job creates a new SyncRun.
type SyncRun struct {
	ID              string     `gorm:"primaryKey" json:"id"`
	BrokerAccountID string     `gorm:"index;not null" json:"brokerAccountId"`
	Status          SyncStatus `gorm:"not null" json:"status"`
	StartedAt       time.Time  `json:"startedAt"`
	CompletedAt     *time.Time `json:"completedAt"`
	TradesImported  int        `json:"tradesImported"`
	TradesUpdated   int        `json:"tradesUpdated"`
	TradesFailed    int        `json:"tradesFailed"`
	ErrorMessage    string     `json:"errorMessage,omitempty"`
	ErrorDetails    string     `json:"errorDetails,omitempty"` // JSON {kind, message}
}

// BeforeCreate assigns a fresh UUID primary key.
func (r *SyncRun) BeforeCreate(tx *gorm.DB) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	return nil
}
