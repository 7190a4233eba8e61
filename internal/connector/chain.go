package connector

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"

	"trade-ledger-go/internal/config"
	"trade-ledger-go/internal/models"

	"go.uber.org/zap"
)

// Mode names the broker-access strategy fixed at startup.
type Mode string

const (
	ModeBridge   Mode = "bridge"
	ModeCloud    Mode = "cloud"
	ModeMock     Mode = "mock"
	ModeExternal Mode = "external"
)

// ParseMode validates a configured mode string.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeBridge, ModeCloud, ModeMock, ModeExternal:
		return Mode(s), nil
	default:
		return "", fmt.Errorf("unknown connector mode %q", s)
	}
}

// strategy is the contract every concrete broker-access implementation
// satisfies. The chain picks exactly one per call.
type strategy interface {
	TestConnection(ctx context.Context, brokerType models.BrokerType, creds Credentials) (bool, error)
	FetchTrades(ctx context.Context, req FetchRequest) ([]NormalizedTrade, error)
}

// Chain resolves the configured mode and the account's broker type to a
// single strategy. The bridge and cloud strategies only handle MT5 accounts;
// other broker types under those modes go to the external service.
type Chain struct {
	mode     Mode
	bridge   *BridgeClient
	cloud    *CloudClient
	external *ExternalClient
	mock     *MockClient
	logger   *zap.Logger
}

// ensure Chain implements the interface
var _ Connector = (*Chain)(nil)

// NewChain builds the connector from static configuration. Only the clients
// the mode can reach are constructed.
func NewChain(cfg *config.Connector, logger *zap.Logger) (*Chain, error) {
	mode, err := ParseMode(cfg.Mode)
	if err != nil {
		return nil, err
	}

	c := &Chain{mode: mode, logger: logger}

	switch mode {
	case ModeBridge:
		c.bridge = NewBridgeClient(cfg, logger)
		c.external = NewExternalClient(cfg, logger)
	case ModeCloud:
		c.cloud = NewCloudClient(cfg, logger)
		c.external = NewExternalClient(cfg, logger)
	case ModeMock:
		c.mock = NewMockClient(logger)
	case ModeExternal:
		c.external = NewExternalClient(cfg, logger)
	}

	logger.Info("Broker connector initialized", zap.String("mode", string(mode)))
	return c, nil
}

// resolve picks the one strategy that will execute for this broker type.
func (c *Chain) resolve(brokerType models.BrokerType) strategy {
	if c.mode == ModeBridge && brokerType == models.BrokerMT5 {
		return c.bridge
	}
	if c.mode == ModeCloud && brokerType == models.BrokerMT5 {
		return c.cloud
	}
	if c.mode == ModeMock {
		return c.mock
	}
	return c.external
}

// TestConnection verifies credentials against the resolved strategy.
func (c *Chain) TestConnection(ctx context.Context, brokerType models.BrokerType, creds Credentials) (bool, error) {
	return c.resolve(brokerType).TestConnection(ctx, brokerType, creds)
}

// FetchTrades pulls history through the resolved strategy. It never mixes
// strategies within one call.
func (c *Chain) FetchTrades(ctx context.Context, req FetchRequest) ([]NormalizedTrade, error) {
	return c.resolve(req.BrokerType).FetchTrades(ctx, req)
}

// classifyTransport maps an I/O failure to the connector error taxonomy.
// Connection-refused gets the caller-supplied remediation hint so operators
// know which process to start.
func classifyTransport(err error, remediation string) *Error {
	if errors.Is(err, context.DeadlineExceeded) {
		return NewError(KindTimeout, "request deadline exceeded", err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return NewError(KindTimeout, "network timeout", err)
	}
	if errors.Is(err, syscall.ECONNREFUSED) {
		return NewError(KindServerUnreachable, remediation, err)
	}
	return NewError(KindServerUnreachable, "network unreachable", err)
}
