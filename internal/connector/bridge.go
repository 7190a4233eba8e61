package connector

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"trade-ledger-go/internal/config"
	"trade-ledger-go/internal/models"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

const bridgeRemediation = "bridge process is not running; start it or disable bridge mode"

// BridgeClient talks to the local companion bridge process over HTTP. It is
// the preferred strategy for MT5 accounts because history comes straight
// from a locally attached terminal.
type BridgeClient struct {
	client      *resty.Client
	logger      *zap.Logger
	testTimeout time.Duration
}

// NewBridgeClient creates a client for the local bridge service.
func NewBridgeClient(cfg *config.Connector, logger *zap.Logger) *BridgeClient {
	client := resty.New().
		SetBaseURL(cfg.BridgeURL).
		SetTimeout(time.Duration(cfg.FetchTimeoutSeconds) * time.Second).
		SetHeader("Content-Type", "application/json")

	return &BridgeClient{
		client:      client,
		logger:      logger,
		testTimeout: time.Duration(cfg.TestTimeoutSeconds) * time.Second,
	}
}

type bridgeConnectRequest struct {
	Login    string `json:"login"`
	Password string `json:"password"`
	Server   string `json:"server"`
}

type bridgeConnectResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
	Data    struct {
		Login    string  `json:"login"`
		Balance  float64 `json:"balance"`
		Currency string  `json:"currency"`
	} `json:"data"`
}

// TestConnection authenticates against the bridge's /connect endpoint. The
// broker type is always MT5 by the time the chain routes here.
func (b *BridgeClient) TestConnection(ctx context.Context, _ models.BrokerType, creds Credentials) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, b.testTimeout)
	defer cancel()

	var result bridgeConnectResponse
	resp, err := b.client.R().
		SetContext(ctx).
		SetBody(bridgeConnectRequest{Login: creds.Login, Password: creds.Password, Server: creds.Server}).
		SetResult(&result).
		Post("/connect")
	if err != nil {
		return false, classifyTransport(err, bridgeRemediation)
	}
	if resp.IsError() {
		return false, NewError(KindUpstreamError, fmt.Sprintf("bridge returned status %s", resp.Status()), nil)
	}
	if !result.Success {
		return false, NewError(KindCredentialInvalid, result.Error, nil)
	}

	b.logger.Info("Bridge connection test successful",
		zap.String("login", result.Data.Login),
		zap.Float64("balance", result.Data.Balance),
		zap.String("currency", result.Data.Currency))
	return true, nil
}

type bridgeTradesRequest struct {
	Credentials bridgeConnectRequest `json:"credentials"`
	FromDate    string               `json:"fromDate"`
	ToDate      string               `json:"toDate"`
}

type bridgeTrade struct {
	ExternalTradeID string          `json:"externalTradeId"`
	Symbol          string          `json:"symbol"`
	TradeType       string          `json:"tradeType"`
	OpenTime        time.Time       `json:"openTime"`
	CloseTime       time.Time       `json:"closeTime"`
	Quantity        float64         `json:"quantity"`
	OpenPrice       float64         `json:"openPrice"`
	ClosePrice      float64         `json:"closePrice"`
	Profit          float64         `json:"profit"`
	Commission      float64         `json:"commission"`
	Swap            float64         `json:"swap"`
	RawData         json.RawMessage `json:"rawData"`
}

type bridgeTradesResponse struct {
	Success bool          `json:"success"`
	Error   string        `json:"error,omitempty"`
	Trades  []bridgeTrade `json:"trades"`
}

// FetchTrades pulls raw history from the bridge and maps it into the
// normalized schema, tagging provenance in the raw payload.
func (b *BridgeClient) FetchTrades(ctx context.Context, req FetchRequest) ([]NormalizedTrade, error) {
	body := bridgeTradesRequest{
		Credentials: bridgeConnectRequest{
			Login:    req.Credentials.Login,
			Password: req.Credentials.Password,
			Server:   req.Credentials.Server,
		},
		FromDate: formatDateOr(req.FromDate, "2020-01-01T00:00:00Z"),
		ToDate:   formatDateOr(req.ToDate, time.Now().UTC().Format(time.RFC3339)),
	}

	var result bridgeTradesResponse
	resp, err := b.client.R().
		SetContext(ctx).
		SetBody(body).
		SetResult(&result).
		Post("/trades")
	if err != nil {
		return nil, classifyTransport(err, bridgeRemediation)
	}
	if resp.IsError() {
		return nil, NewError(KindUpstreamError, fmt.Sprintf("bridge returned status %s", resp.Status()), nil)
	}
	if !result.Success {
		return nil, NewError(KindUpstreamError, result.Error, nil)
	}

	fetchedAt := time.Now().UTC()
	trades := make([]NormalizedTrade, 0, len(result.Trades))
	for _, t := range result.Trades {
		trades = append(trades, NormalizedTrade{
			ExternalTradeID: t.ExternalTradeID,
			Symbol:          t.Symbol,
			Side:            sideFromString(t.TradeType),
			OpenTime:        t.OpenTime,
			CloseTime:       t.CloseTime,
			Quantity:        t.Quantity,
			OpenPrice:       t.OpenPrice,
			ClosePrice:      t.ClosePrice,
			Profit:          t.Profit,
			Commission:      t.Commission,
			Swap:            t.Swap,
			RawData:         tagProvenance(t.RawData, "mt5-bridge", fetchedAt),
		})
	}

	b.logger.Info("Fetched trades from bridge", zap.Int("count", len(trades)))
	return trades, nil
}

// Healthy probes the bridge's /health endpoint. Used for readiness, not for
// strategy selection.
func (b *BridgeClient) Healthy(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	var result struct {
		Status string `json:"status"`
	}
	resp, err := b.client.R().SetContext(ctx).SetResult(&result).Get("/health")
	return err == nil && !resp.IsError() && result.Status == "ok"
}
