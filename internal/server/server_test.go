package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"trade-ledger-go/internal/auth"
	"trade-ledger-go/internal/broker"
	"trade-ledger-go/internal/config"
	"trade-ledger-go/internal/connector"
	"trade-ledger-go/internal/database"
	"trade-ledger-go/internal/models"
	"trade-ledger-go/internal/syncer"
	"trade-ledger-go/internal/trades"
	"trade-ledger-go/internal/vault"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

const (
	testJWTSecret   = "test-jwt-secret"
	testVaultSecret = "unit-test-secret-0123456789abcdefghij"
)

type MockConnector struct {
	mock.Mock
}

func (m *MockConnector) TestConnection(ctx context.Context, brokerType models.BrokerType, creds connector.Credentials) (bool, error) {
	args := m.Called(ctx, brokerType, creds)
	return args.Bool(0), args.Error(1)
}

func (m *MockConnector) FetchTrades(ctx context.Context, req connector.FetchRequest) ([]connector.NormalizedTrade, error) {
	args := m.Called(ctx, req)
	result, _ := args.Get(0).([]connector.NormalizedTrade)
	return result, args.Error(1)
}

type testEnv struct {
	db        *gorm.DB
	connector *MockConnector
	server    *httptest.Server
}

func setupTest(t *testing.T) *testEnv {
	dsn := "file:" + uuid.NewString() + "?mode=memory&cache=shared"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, database.AutoMigrate(db))

	v, err := vault.New(testVaultSecret)
	require.NoError(t, err)

	conn := &MockConnector{}
	logger := zap.NewNop()

	syncCfg := &config.Sync{Workers: 1, MaxAttempts: 1, BackoffBaseSeconds: 0, KeepCompleted: 10, KeepFailed: 10}
	orchestrator := syncer.NewOrchestrator(db, v, conn, syncCfg, logger)

	srv := NewServer(
		logger,
		auth.NewVerifier(testJWTSecret),
		broker.NewService(db, v, conn, true, logger),
		trades.NewService(db, logger),
		orchestrator,
	)

	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return &testEnv{db: db, connector: conn, server: ts}
}

func mintToken(t *testing.T, subject string) string {
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testJWTSecret))
	require.NoError(t, err)
	return token
}

func (e *testEnv) request(t *testing.T, method, path, token string, body any) *http.Response {
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, e.server.URL+path, &buf)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, out any) {
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
}

func createAccountBody() map[string]any {
	return map[string]any{
		"brokerType":    "MT5",
		"accountNumber": "12345",
		"displayName":   "Demo",
		"credentials": map[string]string{
			"login":    "12345",
			"password": "hunter2",
			"server":   "Broker-Demo",
		},
	}
}

func TestHealthzIsOpen(t *testing.T) {
	env := setupTest(t)

	resp, err := http.Get(env.server.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestAPIRequiresToken(t *testing.T) {
	env := setupTest(t)

	resp := env.request(t, http.MethodGet, "/api/v1/accounts", "", nil)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestAccountLifecycle(t *testing.T) {
	env := setupTest(t)
	env.connector.On("TestConnection", mock.Anything, mock.Anything, mock.Anything).Return(true, nil)
	token := mintToken(t, "user-1")

	// Create.
	resp := env.request(t, http.MethodPost, "/api/v1/accounts", token, createAccountBody())
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var created models.BrokerAccount
	decodeBody(t, resp, &created)
	assert.NotEmpty(t, created.ID)

	// The response must never leak credential material.
	raw, err := json.Marshal(created)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "hunter2")
	assert.NotContains(t, string(raw), "encryptedCredentials")

	// List.
	resp = env.request(t, http.MethodGet, "/api/v1/accounts", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var accounts []models.BrokerAccount
	decodeBody(t, resp, &accounts)
	require.Len(t, accounts, 1)

	// Rename.
	resp = env.request(t, http.MethodPatch, "/api/v1/accounts/"+created.ID, token,
		map[string]any{"displayName": "Renamed"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var updated models.BrokerAccount
	decodeBody(t, resp, &updated)
	assert.Equal(t, "Renamed", updated.DisplayName)

	// Another user sees nothing.
	resp = env.request(t, http.MethodGet, "/api/v1/accounts/"+created.ID, mintToken(t, "user-2"), nil)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	// Delete.
	resp = env.request(t, http.MethodDelete, "/api/v1/accounts/"+created.ID, token, nil)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func TestCreateAccount_ValidationError(t *testing.T) {
	env := setupTest(t)
	token := mintToken(t, "user-1")

	body := createAccountBody()
	body["brokerType"] = "ETRADE"
	resp := env.request(t, http.MethodPost, "/api/v1/accounts", token, body)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestTriggerSyncAndJobStatus(t *testing.T) {
	env := setupTest(t)
	env.connector.On("TestConnection", mock.Anything, mock.Anything, mock.Anything).Return(true, nil)
	token := mintToken(t, "user-1")

	resp := env.request(t, http.MethodPost, "/api/v1/accounts", token, createAccountBody())
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var account models.BrokerAccount
	decodeBody(t, resp, &account)

	// Queue a manual sync; workers are not running so the job stays QUEUED.
	resp = env.request(t, http.MethodPost, "/api/v1/accounts/"+account.ID+"/sync", token, nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	var job struct {
		JobID string `json:"jobId"`
		State string `json:"state"`
	}
	decodeBody(t, resp, &job)
	require.NotEmpty(t, job.JobID)
	assert.Equal(t, "QUEUED", job.State)

	resp = env.request(t, http.MethodGet, "/api/v1/sync/jobs/"+job.JobID, token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	// Another user cannot see the job.
	resp = env.request(t, http.MethodGet, "/api/v1/sync/jobs/"+job.JobID, mintToken(t, "user-2"), nil)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestTestConnection_CorruptCredentialsStayOpaque(t *testing.T) {
	env := setupTest(t)
	env.connector.On("TestConnection", mock.Anything, mock.Anything, mock.Anything).Return(true, nil)
	token := mintToken(t, "user-1")

	resp := env.request(t, http.MethodPost, "/api/v1/accounts", token, createAccountBody())
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var account models.BrokerAccount
	decodeBody(t, resp, &account)

	// Tamper with the stored blob; the decrypt failure is an operator
	// condition and its detail must not reach the response.
	require.NoError(t, env.db.Model(&models.BrokerAccount{}).
		Where("id = ?", account.ID).
		Update("encrypted_credentials", "bm90IGEgdmFsaWQgYmxvYg==").Error)

	resp = env.request(t, http.MethodPost, "/api/v1/accounts/"+account.ID+"/test", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body struct {
		Success bool   `json:"success"`
		Error   string `json:"error"`
	}
	decodeBody(t, resp, &body)
	assert.False(t, body.Success)
	assert.Equal(t, "stored credentials could not be read", body.Error)
	assert.NotContains(t, body.Error, "vault")
	assert.NotContains(t, body.Error, "ciphertext")
}

func TestTriggerSync_UnknownAccount(t *testing.T) {
	env := setupTest(t)
	token := mintToken(t, "user-1")

	resp := env.request(t, http.MethodPost, "/api/v1/accounts/nope/sync", token, nil)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestSyncHistoryEndpoint(t *testing.T) {
	env := setupTest(t)
	env.connector.On("TestConnection", mock.Anything, mock.Anything, mock.Anything).Return(true, nil)
	token := mintToken(t, "user-1")

	resp := env.request(t, http.MethodPost, "/api/v1/accounts", token, createAccountBody())
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var account models.BrokerAccount
	decodeBody(t, resp, &account)

	require.NoError(t, env.db.Create(&models.SyncRun{
		BrokerAccountID: account.ID,
		Status:          models.SyncCompleted,
		StartedAt:       time.Now().UTC(),
	}).Error)

	resp = env.request(t, http.MethodGet, "/api/v1/accounts/"+account.ID+"/sync/history", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var runs []models.SyncRun
	decodeBody(t, resp, &runs)
	assert.Len(t, runs, 1)
}

func TestTradeEndpoints(t *testing.T) {
	env := setupTest(t)
	token := mintToken(t, "user-1")

	trade := models.Trade{
		UserID:          "user-1",
		BrokerAccountID: "acc-1",
		ExternalTradeID: "T1",
		Symbol:          "EURUSD",
		Side:            models.SideBuy,
		CloseTime:       time.Now().UTC(),
		Profit:          42,
		Tags:            []string{},
	}
	require.NoError(t, env.db.Create(&trade).Error)

	resp := env.request(t, http.MethodGet, "/api/v1/trades?symbol=EURUSD", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var page trades.ListResult
	decodeBody(t, resp, &page)
	require.Len(t, page.Trades, 1)
	assert.Equal(t, int64(1), page.Total)

	resp = env.request(t, http.MethodPatch, "/api/v1/trades/"+trade.ID, token,
		map[string]any{"notes": "good exit", "tags": []string{"scalp"}})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var annotated models.Trade
	decodeBody(t, resp, &annotated)
	assert.Equal(t, "good exit", annotated.Notes)
	assert.Equal(t, []string{"scalp"}, annotated.Tags)

	resp = env.request(t, http.MethodDelete, "/api/v1/trades/"+trade.ID, token, nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = env.request(t, http.MethodGet, "/api/v1/trades/"+trade.ID, token, nil)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestListTrades_BadDateFilter(t *testing.T) {
	env := setupTest(t)
	token := mintToken(t, "user-1")

	resp := env.request(t, http.MethodGet, "/api/v1/trades?from=yesterday", token, nil)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
