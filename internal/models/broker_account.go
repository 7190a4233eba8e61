package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// BrokerType enumerates the supported brokerage platforms.
type BrokerType string

const (
	BrokerMT5  BrokerType = "MT5"
	BrokerMT4  BrokerType = "MT4"
	BrokerIBKR BrokerType = "IBKR"
)

// SyncStatus enumerates the terminal and transient states of a sync attempt.
type SyncStatus string

const (
	SyncInProgress SyncStatus = "IN_PROGRESS"
	SyncCompleted  SyncStatus = "COMPLETED"
	SyncFailed     SyncStatus = "FAILED"
)

// BrokerAccount links a user to one brokerage account. The encrypted
// credential blob is write-only outside the vault boundary and is never
// serialized in API responses.
type BrokerAccount struct {
	ID                   string     `gorm:"primaryKey" json:"id"`
	UserID               string     `gorm:"index;not null" json:"userId"`
	BrokerType           BrokerType `gorm:"not null" json:"brokerType"`
	AccountNumber        string     `gorm:"not null" json:"accountNumber"`
	DisplayName          string     `json:"displayName"`
	EncryptedCredentials string     `gorm:"not null" json:"-"`
	IsActive             bool       `gorm:"default:true" json:"isActive"`
	LastSyncAt           *time.Time `json:"lastSyncAt"`
	LastSyncStatus       SyncStatus `json:"lastSyncStatus,omitempty"`
	CreatedAt            time.Time  `json:"createdAt"`
	UpdatedAt            time.Time  `json:"updatedAt"`
}

// BeforeCreate assigns a fresh UUID primary key.
func (a *BrokerAccount) BeforeCreate(tx *gorm.DB) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	return nil
}
