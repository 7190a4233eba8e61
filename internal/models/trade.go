package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// TradeSide is the direction of a position.
type TradeSide string

const (
	SideBuy  TradeSide = "BUY"
	SideSell TradeSide = "SELL"
)

// Trade is a single closed position in the local ledger. The pair
// (BrokerAccountID, ExternalTradeID) is the idempotency key for
// reconciliation: re-syncing the same broker trade updates the existing row.
//
// Broker-reported fields are refreshed by sync; Notes and Tags belong to the
// user and are never touched by a sync operation.
type Trade struct {
	ID              string     `gorm:"primaryKey" json:"id"`
	UserID          string     `gorm:"index;not null" json:"userId"`
	BrokerAccountID string     `gorm:"uniqueIndex:idx_account_external;not null" json:"brokerAccountId"`
	ExternalTradeID string     `gorm:"uniqueIndex:idx_account_external;not null" json:"externalTradeId"`
	Symbol          string     `gorm:"not null" json:"symbol"`
	Side            TradeSide  `gorm:"not null" json:"side"`
	OpenTime        time.Time  `json:"openTime"`
	CloseTime       time.Time  `gorm:"index" json:"closeTime"`
	Quantity        float64    `json:"quantity"`
	OpenPrice       float64    `json:"openPrice"`
	ClosePrice      float64    `json:"closePrice"`
	Profit          float64    `json:"profit"`
	Commission      float64    `json:"commission"`
	Swap            float64    `gorm:"default:0" json:"swap"`
	RawData         string     `json:"rawData,omitempty"` // opaque source payload, for audit/debug
	Notes           string     `json:"notes"`
	Tags            []string   `gorm:"serializer:json" json:"tags"`
	CreatedAt       time.Time  `json:"createdAt"`
	UpdatedAt       time.Time  `json:"updatedAt"`
}

// BeforeCreate assigns a fresh UUID primary key.
func (t *Trade) BeforeCreate(tx *gorm.DB) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	return nil
}
