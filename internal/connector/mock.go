package connector

import (
	"context"

	"trade-ledger-go/internal/models"

	"go.uber.org/zap"
)

// MockClient is the explicitly configured offline mode: connections are
// always valid and history is always empty. It exists so the rest of the
// pipeline can run without any broker boundary.
type MockClient struct {
	logger *zap.Logger
}

// NewMockClient creates the offline mock strategy.
func NewMockClient(logger *zap.Logger) *MockClient {
	logger.Warn("Connector running in mock mode; no broker will be contacted")
	return &MockClient{logger: logger}
}

func (m *MockClient) TestConnection(ctx context.Context, _ models.BrokerType, _ Credentials) (bool, error) {
	return true, nil
}

func (m *MockClient) FetchTrades(ctx context.Context, req FetchRequest) ([]NormalizedTrade, error) {
	m.logger.Debug("Mock fetch returning empty history", zap.String("broker_account_id", req.BrokerAccountID))
	return []NormalizedTrade{}, nil
}
