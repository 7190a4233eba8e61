package connector

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"trade-ledger-go/internal/config"
	"trade-ledger-go/internal/models"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

const (
	cloudRemediation = "managed cloud API unreachable; check connector.cloud_url"

	// Provisioning a remote terminal session can take up to a minute.
	cloudPollInterval = 2 * time.Second
	cloudPollLimit    = 45
	// Grace period after synchronization for the deal history to land.
	cloudHistoryGrace = 5 * time.Second
)

// CloudClient provisions a transient remote trading-terminal session, reads
// its deal history and always tears the session down again, because the
// remote sessions are paid resources.
type CloudClient struct {
	client       *resty.Client
	logger       *zap.Logger
	historyGrace time.Duration
}

// NewCloudClient creates a client for the managed cloud provisioning API.
func NewCloudClient(cfg *config.Connector, logger *zap.Logger) *CloudClient {
	client := resty.New().
		SetBaseURL(cfg.CloudURL).
		SetTimeout(time.Duration(cfg.FetchTimeoutSeconds) * time.Second).
		SetHeader("Content-Type", "application/json").
		SetHeader("Auth-Token", cfg.CloudToken)

	return &CloudClient{client: client, logger: logger, historyGrace: cloudHistoryGrace}
}

type cloudAccount struct {
	ID               string `json:"id"`
	State            string `json:"state"`
	ConnectionStatus string `json:"connectionStatus"`
}

// cloudDeal is a single deal event in the remote terminal's history. A
// closed position is reconstructed from its DEAL_ENTRY_IN and
// DEAL_ENTRY_OUT deals.
type cloudDeal struct {
	ID         string    `json:"id"`
	PositionID string    `json:"positionId"`
	Symbol     string    `json:"symbol"`
	Type       string    `json:"type"`      // DEAL_TYPE_BUY, DEAL_TYPE_SELL, DEAL_TYPE_BALANCE, ...
	EntryType  string    `json:"entryType"` // DEAL_ENTRY_IN, DEAL_ENTRY_OUT
	Time       time.Time `json:"time"`
	Volume     float64   `json:"volume"`
	Price      float64   `json:"price"`
	Profit     float64   `json:"profit"`
	Commission float64   `json:"commission"`
	Swap       float64   `json:"swap"`
}

// TestConnection provisions a short-lived session to prove the credentials
// work, then removes it.
func (c *CloudClient) TestConnection(ctx context.Context, _ models.BrokerType, creds Credentials) (bool, error) {
	session, err := c.acquireSession(ctx, creds, fmt.Sprintf("test-%d", time.Now().UnixMilli()))
	if session != nil {
		defer c.releaseSession(ctx, session.ID)
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// FetchTrades provisions a session, waits for it to synchronize, reads the
// deal history and pairs deals into closed trades. The session is torn down
// on every exit path, including cancellation.
func (c *CloudClient) FetchTrades(ctx context.Context, req FetchRequest) ([]NormalizedTrade, error) {
	name := fmt.Sprintf("mt5-%s-%d", req.Credentials.Login, time.Now().UnixMilli())
	session, err := c.acquireSession(ctx, req.Credentials, name)
	if session != nil {
		defer c.releaseSession(ctx, session.ID)
	}
	if err != nil {
		return nil, err
	}

	// The remote terminal streams history shortly after synchronizing.
	select {
	case <-time.After(c.historyGrace):
	case <-ctx.Done():
		return nil, classifyTransport(ctx.Err(), cloudRemediation)
	}

	deals, err := c.fetchDeals(ctx, session.ID, req.FromDate, req.ToDate)
	if err != nil {
		return nil, err
	}

	trades := c.pairDeals(deals, req.Credentials.Server)
	c.logger.Info("Fetched trades from managed cloud",
		zap.Int("deals", len(deals)),
		zap.Int("closed_positions", len(trades)))
	return trades, nil
}

// acquireSession creates and deploys a remote terminal session and waits for
// it to synchronize. On failure the partially created session is still
// returned so the caller can release it.
func (c *CloudClient) acquireSession(ctx context.Context, creds Credentials, name string) (*cloudAccount, error) {
	var session cloudAccount
	resp, err := c.client.R().
		SetContext(ctx).
		SetBody(map[string]any{
			"name":     name,
			"login":    creds.Login,
			"password": creds.Password,
			"server":   creds.Server,
			"platform": "mt5",
		}).
		SetResult(&session).
		Post("/users/current/accounts")
	if err != nil {
		return nil, classifyTransport(err, cloudRemediation)
	}
	if resp.StatusCode() == 401 || resp.StatusCode() == 403 {
		return nil, NewError(KindCredentialInvalid, "cloud API rejected the credentials", nil)
	}
	if resp.IsError() {
		return nil, NewError(KindUpstreamError, fmt.Sprintf("session create returned status %s", resp.Status()), nil)
	}

	if session.State != "DEPLOYED" {
		resp, err = c.client.R().
			SetContext(ctx).
			Post(fmt.Sprintf("/users/current/accounts/%s/deploy", session.ID))
		if err != nil {
			return &session, classifyTransport(err, cloudRemediation)
		}
		if resp.IsError() {
			return &session, NewError(KindUpstreamError, fmt.Sprintf("deploy returned status %s", resp.Status()), nil)
		}
	}

	if err := c.waitSynchronized(ctx, session.ID); err != nil {
		return &session, err
	}
	return &session, nil
}

// waitSynchronized polls the session until it is deployed and connected,
// bounded by cloudPollLimit attempts.
func (c *CloudClient) waitSynchronized(ctx context.Context, sessionID string) error {
	for i := 0; i < cloudPollLimit; i++ {
		var state cloudAccount
		resp, err := c.client.R().
			SetContext(ctx).
			SetResult(&state).
			Get(fmt.Sprintf("/users/current/accounts/%s", sessionID))
		if err != nil {
			return classifyTransport(err, cloudRemediation)
		}
		if resp.IsError() {
			return NewError(KindUpstreamError, fmt.Sprintf("session poll returned status %s", resp.Status()), nil)
		}

		if state.State == "DEPLOY_FAILED" {
			return NewError(KindCredentialInvalid, "remote terminal rejected the credentials", nil)
		}
		if state.State == "DEPLOYED" && state.ConnectionStatus == "CONNECTED" {
			return nil
		}

		select {
		case <-time.After(cloudPollInterval):
		case <-ctx.Done():
			return classifyTransport(ctx.Err(), cloudRemediation)
		}
	}
	return NewError(KindTimeout, "remote terminal did not synchronize in time", nil)
}

// releaseSession undeploys and removes the remote session. It runs with its
// own context so teardown happens even when the job was cancelled.
func (c *CloudClient) releaseSession(ctx context.Context, sessionID string) {
	cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()

	if _, err := c.client.R().
		SetContext(cleanupCtx).
		Post(fmt.Sprintf("/users/current/accounts/%s/undeploy", sessionID)); err != nil {
		c.logger.Warn("Failed to undeploy cloud session", zap.String("session_id", sessionID), zap.Error(err))
	}
	if _, err := c.client.R().
		SetContext(cleanupCtx).
		Delete(fmt.Sprintf("/users/current/accounts/%s", sessionID)); err != nil {
		c.logger.Warn("Failed to remove cloud session", zap.String("session_id", sessionID), zap.Error(err))
		return
	}
	c.logger.Debug("Cloud session released", zap.String("session_id", sessionID))
}

func (c *CloudClient) fetchDeals(ctx context.Context, sessionID string, from, to *time.Time) ([]cloudDeal, error) {
	req := c.client.R().SetContext(ctx)
	if from != nil {
		req.SetQueryParam("from", from.UTC().Format(time.RFC3339))
	}
	if to != nil {
		req.SetQueryParam("to", to.UTC().Format(time.RFC3339))
	}

	var result struct {
		Deals []cloudDeal `json:"deals"`
	}
	resp, err := req.SetResult(&result).
		Get(fmt.Sprintf("/users/current/accounts/%s/history-deals", sessionID))
	if err != nil {
		return nil, classifyTransport(err, cloudRemediation)
	}
	if resp.IsError() {
		return nil, NewError(KindUpstreamError, fmt.Sprintf("history read returned status %s", resp.Status()), nil)
	}
	return result.Deals, nil
}

// pairDeals reconstructs closed positions from individual deals. A position
// is closed only when deals of both entry and exit kinds exist for it;
// anything else is skipped. Profit, commission and swap are summed across
// all deals of the position.
func (c *CloudClient) pairDeals(deals []cloudDeal, server string) []NormalizedTrade {
	byPosition := make(map[string][]cloudDeal)
	for _, d := range deals {
		if d.PositionID == "" || d.Type == "DEAL_TYPE_BALANCE" || d.Type == "DEAL_TYPE_CREDIT" {
			continue
		}
		byPosition[d.PositionID] = append(byPosition[d.PositionID], d)
	}

	positionIDs := make([]string, 0, len(byPosition))
	for id := range byPosition {
		positionIDs = append(positionIDs, id)
	}
	sort.Strings(positionIDs)

	fetchedAt := time.Now().UTC()
	var trades []NormalizedTrade
	skippedOpen := 0

	for _, positionID := range positionIDs {
		positionDeals := byPosition[positionID]
		sort.Slice(positionDeals, func(i, j int) bool {
			return positionDeals[i].Time.Before(positionDeals[j].Time)
		})

		hasEntry, hasExit := false, false
		var profit, commission, swap float64
		for _, d := range positionDeals {
			if d.EntryType == "DEAL_ENTRY_IN" {
				hasEntry = true
			}
			if d.EntryType == "DEAL_ENTRY_OUT" {
				hasExit = true
			}
			profit += d.Profit
			commission += d.Commission
			swap += d.Swap
		}
		if !hasEntry || !hasExit {
			skippedOpen++
			continue
		}

		openDeal := positionDeals[0]
		closeDeal := positionDeals[len(positionDeals)-1]

		side := sideFromString("BUY")
		if openDeal.Type == "DEAL_TYPE_SELL" {
			side = sideFromString("SELL")
		}

		raw, _ := json.Marshal(map[string]any{
			"positionId": positionID,
			"dealCount":  len(positionDeals),
			"broker":     server,
		})

		trades = append(trades, NormalizedTrade{
			ExternalTradeID: positionID,
			Symbol:          openDeal.Symbol,
			Side:            side,
			OpenTime:        openDeal.Time,
			CloseTime:       closeDeal.Time,
			Quantity:        openDeal.Volume,
			OpenPrice:       openDeal.Price,
			ClosePrice:      closeDeal.Price,
			Profit:          profit,
			Commission:      commission,
			Swap:            swap,
			RawData:         tagProvenance(raw, "managed-cloud", fetchedAt),
		})
	}

	if skippedOpen > 0 {
		c.logger.Debug("Skipped positions without both entry and exit deals", zap.Int("count", skippedOpen))
	}
	return trades
}
