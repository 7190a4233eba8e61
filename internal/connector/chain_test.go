package connector

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"trade-ledger-go/internal/config"
	"trade-ledger-go/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testConnectorConfig(bridgeURL, cloudURL, externalURL string) *config.Connector {
	return &config.Connector{
		BridgeURL:           bridgeURL,
		CloudURL:            cloudURL,
		CloudToken:          "test-token",
		ExternalURL:         externalURL,
		ExternalAPIKey:      "test-key",
		RateLimit:           1000,
		RateLimitBurst:      100,
		TestTimeoutSeconds:  2,
		FetchTimeoutSeconds: 5,
	}
}

func TestParseMode(t *testing.T) {
	for _, valid := range []string{"bridge", "cloud", "mock", "external"} {
		mode, err := ParseMode(valid)
		assert.NoError(t, err)
		assert.Equal(t, Mode(valid), mode)
	}

	_, err := ParseMode("metaapi")
	assert.Error(t, err)
}

func TestChain_BridgeModeUsesOnlyBridgeForMT5(t *testing.T) {
	bridgeHits := 0
	bridgeSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		bridgeHits++
		assert.Equal(t, "/trades", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"success":true,"trades":[]}`))
	}))
	defer bridgeSrv.Close()

	// Any request here means the chain mixed strategies.
	otherSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Errorf("unexpected request to non-bridge strategy: %s", r.URL.Path)
	}))
	defer otherSrv.Close()

	cfg := testConnectorConfig(bridgeSrv.URL, otherSrv.URL, otherSrv.URL)
	cfg.Mode = "bridge"
	chain, err := NewChain(cfg, zap.NewNop())
	require.NoError(t, err)

	_, err = chain.FetchTrades(context.Background(), FetchRequest{
		BrokerAccountID: "acc-1",
		BrokerType:      models.BrokerMT5,
		Credentials:     Credentials{Login: "100", Password: "pw", Server: "Demo"},
	})
	assert.NoError(t, err)
	assert.Equal(t, 1, bridgeHits)
}

func TestChain_BridgeModeFallsToExternalForNonMT5(t *testing.T) {
	bridgeSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Errorf("bridge must not be used for IBKR accounts")
	}))
	defer bridgeSrv.Close()

	externalHits := 0
	externalSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		externalHits++
		assert.Equal(t, "/api/broker/fetch-trades", r.URL.Path)
		assert.Equal(t, "test-key", r.Header.Get("X-API-Key"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"success":true,"trades":[]}`))
	}))
	defer externalSrv.Close()

	cfg := testConnectorConfig(bridgeSrv.URL, "", externalSrv.URL)
	cfg.Mode = "bridge"
	chain, err := NewChain(cfg, zap.NewNop())
	require.NoError(t, err)

	_, err = chain.FetchTrades(context.Background(), FetchRequest{
		BrokerAccountID: "acc-2",
		BrokerType:      models.BrokerIBKR,
		Credentials:     Credentials{AccountID: "U123", APIKey: "k"},
	})
	assert.NoError(t, err)
	assert.Equal(t, 1, externalHits)
}

func TestChain_MockModeNeverTouchesNetwork(t *testing.T) {
	cfg := testConnectorConfig("http://127.0.0.1:1", "http://127.0.0.1:1", "http://127.0.0.1:1")
	cfg.Mode = "mock"
	chain, err := NewChain(cfg, zap.NewNop())
	require.NoError(t, err)

	ok, err := chain.TestConnection(context.Background(), models.BrokerMT5, Credentials{})
	assert.NoError(t, err)
	assert.True(t, ok)

	trades, err := chain.FetchTrades(context.Background(), FetchRequest{BrokerType: models.BrokerMT4})
	assert.NoError(t, err)
	assert.Empty(t, trades)
}

func TestClassifyTransport(t *testing.T) {
	t.Run("DeadlineExceeded", func(t *testing.T) {
		err := classifyTransport(context.DeadlineExceeded, "remediation")
		assert.Equal(t, KindTimeout, err.Kind)
	})

	t.Run("ConnectionRefused", func(t *testing.T) {
		// Dial a port nothing listens on to produce a real refusal.
		srv := httptest.NewServer(http.NotFoundHandler())
		url := srv.URL
		srv.Close()

		cfg := testConnectorConfig(url, "", "")
		cfg.Mode = "bridge"
		chain, err := NewChain(cfg, zap.NewNop())
		require.NoError(t, err)

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_, ferr := chain.FetchTrades(ctx, FetchRequest{BrokerType: models.BrokerMT5})
		require.Error(t, ferr)
		assert.Equal(t, KindServerUnreachable, KindOf(ferr))
		assert.Contains(t, ferr.Error(), "bridge process is not running")
	})
}

func TestRetryable(t *testing.T) {
	assert.False(t, Retryable(NewError(KindCredentialInvalid, "bad password", nil)))
	assert.True(t, Retryable(NewError(KindServerUnreachable, "down", nil)))
	assert.True(t, Retryable(NewError(KindTimeout, "slow", nil)))
	assert.True(t, Retryable(NewError(KindUpstreamError, "oops", nil)))
	assert.True(t, Retryable(assert.AnError)) // unknown errors stay retryable
}

func TestCredentials_EncodeDecode(t *testing.T) {
	creds := Credentials{Login: "12345", Password: "pw", Server: "Broker-Demo"}
	text, err := creds.Encode()
	require.NoError(t, err)

	got, err := DecodeCredentials(text)
	require.NoError(t, err)
	assert.Equal(t, creds, got)

	_, err = DecodeCredentials("{not json")
	assert.Error(t, err)
}
