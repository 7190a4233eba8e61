package connector

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"trade-ledger-go/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newBridgeForServer(srv *httptest.Server) *BridgeClient {
	cfg := testConnectorConfig(srv.URL, "", "")
	return NewBridgeClient(cfg, zap.NewNop())
}

func TestBridge_TestConnection(t *testing.T) {
	t.Run("Success", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/connect", r.URL.Path)

			var body bridgeConnectRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, "100123", body.Login)
			assert.Equal(t, "Broker-Demo", body.Server)

			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"success":true,"data":{"login":"100123","balance":5000,"currency":"USD"}}`))
		}))
		defer srv.Close()

		ok, err := newBridgeForServer(srv).TestConnection(context.Background(), models.BrokerMT5,
			Credentials{Login: "100123", Password: "pw", Server: "Broker-Demo"})
		assert.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("InvalidCredentials", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"success":false,"error":"authorization failed"}`))
		}))
		defer srv.Close()

		ok, err := newBridgeForServer(srv).TestConnection(context.Background(), models.BrokerMT5, Credentials{})
		assert.False(t, ok)
		assert.Equal(t, KindCredentialInvalid, KindOf(err))
		assert.Contains(t, err.Error(), "authorization failed")
	})

	t.Run("ServerError", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		}))
		defer srv.Close()

		_, err := newBridgeForServer(srv).TestConnection(context.Background(), models.BrokerMT5, Credentials{})
		assert.Equal(t, KindUpstreamError, KindOf(err))
	})
}

func TestBridge_FetchTrades(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/trades", r.URL.Path)

		var body bridgeTradesRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "100123", body.Credentials.Login)
		assert.NotEmpty(t, body.FromDate)
		assert.NotEmpty(t, body.ToDate)

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"success": true,
			"trades": [{
				"externalTradeId": "7001",
				"symbol": "EURUSD",
				"tradeType": "SELL",
				"openTime": "2024-03-01T09:00:00Z",
				"closeTime": "2024-03-01T15:30:00Z",
				"quantity": 0.5,
				"openPrice": 1.0850,
				"closePrice": 1.0820,
				"profit": 150.0,
				"commission": -3.5,
				"rawData": {"ticket": 7001}
			}]
		}`))
	}))
	defer srv.Close()

	trades, err := newBridgeForServer(srv).FetchTrades(context.Background(), FetchRequest{
		BrokerAccountID: "acc-1",
		BrokerType:      models.BrokerMT5,
		Credentials:     Credentials{Login: "100123", Password: "pw", Server: "Broker-Demo"},
	})
	require.NoError(t, err)
	require.Len(t, trades, 1)

	trade := trades[0]
	assert.Equal(t, "7001", trade.ExternalTradeID)
	assert.Equal(t, models.SideSell, trade.Side)
	assert.Equal(t, 150.0, trade.Profit)
	assert.Equal(t, 0.0, trade.Swap) // absent swap defaults to zero

	// Provenance is tagged into the raw payload.
	var raw map[string]any
	require.NoError(t, json.Unmarshal(trade.RawData, &raw))
	assert.Equal(t, "mt5-bridge", raw["source"])
	assert.Equal(t, float64(7001), raw["ticket"])
	assert.NotEmpty(t, raw["fetchedAt"])
}

func TestBridge_FetchTradesUpstreamFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"success":false,"error":"terminal not connected"}`))
	}))
	defer srv.Close()

	_, err := newBridgeForServer(srv).FetchTrades(context.Background(), FetchRequest{BrokerType: models.BrokerMT5})
	assert.Equal(t, KindUpstreamError, KindOf(err))
	assert.Contains(t, err.Error(), "terminal not connected")
}
