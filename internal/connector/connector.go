// Package connector talks to the broker-access boundaries: a local bridge
// process, a managed cloud terminal API, a generic external service, or an
// offline mock. Exactly one strategy executes per call, selected by the
// configured mode and the account's broker type.
package connector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"trade-ledger-go/internal/models"
)

// Credentials is the canonical decrypted credential shape shared by all
// strategies. Login is the broker account login; AccountID and APIKey are
// used by brokers that authenticate with keys instead of passwords.
type Credentials struct {
	Login     string `json:"login"`
	Password  string `json:"password"`
	Server    string `json:"server"`
	AccountID string `json:"accountId,omitempty"`
	APIKey    string `json:"apiKey,omitempty"`
}

// Encode serializes credentials to the text form the vault encrypts.
func (c Credentials) Encode() (string, error) {
	raw, err := json.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("encode credentials: %w", err)
	}
	return string(raw), nil
}

// DecodeCredentials parses the text form produced by Encode.
func DecodeCredentials(text string) (Credentials, error) {
	var c Credentials
	if err := json.Unmarshal([]byte(text), &c); err != nil {
		return Credentials{}, fmt.Errorf("decode credentials: %w", err)
	}
	return c, nil
}

// NormalizedTrade is a broker-agnostic representation of one closed
// position. Numeric fields carry broker-reported values without unit
// conversion; Swap is 0 when the broker omits it.
type NormalizedTrade struct {
	ExternalTradeID string           `json:"externalTradeId"`
	Symbol          string           `json:"symbol"`
	Side            models.TradeSide `json:"tradeType"`
	OpenTime        time.Time        `json:"openTime"`
	CloseTime       time.Time        `json:"closeTime"`
	Quantity        float64          `json:"quantity"`
	OpenPrice       float64          `json:"openPrice"`
	ClosePrice      float64          `json:"closePrice"`
	Profit          float64          `json:"profit"`
	Commission      float64          `json:"commission"`
	Swap            float64          `json:"swap"`
	RawData         json.RawMessage  `json:"rawData,omitempty"`
}

// FetchRequest identifies whose history to pull and over which window.
// Nil dates mean the full available history.
type FetchRequest struct {
	BrokerAccountID string
	BrokerType      models.BrokerType
	Credentials     Credentials
	FromDate        *time.Time
	ToDate          *time.Time
}

// Connector is the single entry point the rest of the system sees.
type Connector interface {
	// TestConnection verifies the credentials can reach the broker.
	TestConnection(ctx context.Context, brokerType models.BrokerType, creds Credentials) (bool, error)
	// FetchTrades pulls the normalized closed-trade history.
	FetchTrades(ctx context.Context, req FetchRequest) ([]NormalizedTrade, error)
}

// Kind classifies connector failures for the orchestrator's retry policy.
type Kind string

const (
	// KindCredentialInvalid means the broker rejected the credentials.
	// Not retryable; the user must re-enter them.
	KindCredentialInvalid Kind = "CREDENTIAL_INVALID"
	// KindServerUnreachable means the strategy's process or network
	// endpoint could not be reached at all. Retryable.
	KindServerUnreachable Kind = "SERVER_UNREACHABLE"
	// KindTimeout means the call exceeded its deadline. Retryable.
	KindTimeout Kind = "TIMEOUT"
	// KindUpstreamError means the broker or service reported an
	// application-level failure. Retryable.
	KindUpstreamError Kind = "UPSTREAM_ERROR"
)

// Error is a classified connector failure.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError builds a classified connector error.
func NewError(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// KindOf extracts the failure kind, defaulting unknown errors to
// KindUpstreamError so they stay retryable.
func KindOf(err error) Kind {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return KindUpstreamError
}

// Retryable reports whether the orchestrator may retry after this error.
// Credential failures won't resolve themselves on retry.
func Retryable(err error) bool {
	return KindOf(err) != KindCredentialInvalid
}
