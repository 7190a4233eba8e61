package connector

import (
	"context"
	"fmt"
	"time"

	"trade-ledger-go/internal/config"
	"trade-ledger-go/internal/models"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const externalRemediation = "external broker service unreachable; check connector.external_url"

// ExternalClient delegates to the shared external broker service. It is the
// fallback strategy for broker types no local strategy handles.
type ExternalClient struct {
	client      *resty.Client
	logger      *zap.Logger
	limiter     *rate.Limiter
	testTimeout time.Duration
}

// NewExternalClient creates a client for the external broker service.
func NewExternalClient(cfg *config.Connector, logger *zap.Logger) *ExternalClient {
	client := resty.New().
		SetBaseURL(cfg.ExternalURL).
		SetTimeout(time.Duration(cfg.FetchTimeoutSeconds) * time.Second).
		SetHeader("Content-Type", "application/json").
		SetHeader("X-API-Key", cfg.ExternalAPIKey)

	return &ExternalClient{
		client:      client,
		logger:      logger,
		limiter:     rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateLimitBurst),
		testTimeout: time.Duration(cfg.TestTimeoutSeconds) * time.Second,
	}
}

type externalTestRequest struct {
	BrokerType  models.BrokerType `json:"brokerType"`
	Credentials Credentials       `json:"credentials"`
}

type externalTestResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// TestConnection asks the external service to validate the credentials.
func (e *ExternalClient) TestConnection(ctx context.Context, brokerType models.BrokerType, creds Credentials) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, e.testTimeout)
	defer cancel()

	if err := e.limiter.Wait(ctx); err != nil {
		return false, classifyTransport(err, externalRemediation)
	}

	var result externalTestResponse
	resp, err := e.client.R().
		SetContext(ctx).
		SetBody(externalTestRequest{BrokerType: brokerType, Credentials: creds}).
		SetResult(&result).
		Post("/test-connection")
	if err != nil {
		return false, classifyTransport(err, externalRemediation)
	}
	if resp.IsError() {
		return false, NewError(KindUpstreamError, fmt.Sprintf("external service returned status %s", resp.Status()), nil)
	}
	if !result.Success {
		return false, NewError(KindCredentialInvalid, result.Error, nil)
	}
	return true, nil
}

type externalFetchRequest struct {
	BrokerAccountID string            `json:"brokerAccountId"`
	BrokerType      models.BrokerType `json:"brokerType"`
	Credentials     Credentials       `json:"credentials"`
	FromDate        string            `json:"fromDate,omitempty"`
	ToDate          string            `json:"toDate,omitempty"`
}

type externalFetchResponse struct {
	Success bool              `json:"success"`
	Error   string            `json:"error,omitempty"`
	Trades  []NormalizedTrade `json:"trades"`
}

// FetchTrades delegates the full history pull to the external service. Any
// non-success response or I/O error propagates as a classified error.
func (e *ExternalClient) FetchTrades(ctx context.Context, req FetchRequest) ([]NormalizedTrade, error) {
	if err := e.limiter.Wait(ctx); err != nil {
		return nil, classifyTransport(err, externalRemediation)
	}

	body := externalFetchRequest{
		BrokerAccountID: req.BrokerAccountID,
		BrokerType:      req.BrokerType,
		Credentials:     req.Credentials,
		FromDate:        formatDateOr(req.FromDate, ""),
		ToDate:          formatDateOr(req.ToDate, ""),
	}

	var result externalFetchResponse
	resp, err := e.client.R().
		SetContext(ctx).
		SetBody(body).
		SetResult(&result).
		Post("/api/broker/fetch-trades")
	if err != nil {
		return nil, classifyTransport(err, externalRemediation)
	}
	if resp.IsError() {
		return nil, NewError(KindUpstreamError, fmt.Sprintf("external service returned status %s", resp.Status()), nil)
	}
	if !result.Success {
		return nil, NewError(KindUpstreamError, result.Error, nil)
	}

	fetchedAt := time.Now().UTC()
	for i := range result.Trades {
		result.Trades[i].RawData = tagProvenance(result.Trades[i].RawData, "external-service", fetchedAt)
	}

	e.logger.Info("Fetched trades from external service", zap.Int("count", len(result.Trades)))
	return result.Trades, nil
}
