package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"trade-ledger-go/internal/auth"
	"trade-ledger-go/internal/broker"
	"trade-ledger-go/internal/connector"
	"trade-ledger-go/internal/models"
	"trade-ledger-go/internal/syncer"
	"trade-ledger-go/internal/trades"
	"trade-ledger-go/internal/vault"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

func (s *Server) userID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id, ok := auth.UserID(r.Context())
	if !ok || id == "" {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return "", false
	}
	return id, true
}

// accountError maps service failures to HTTP statuses.
func (s *Server) accountError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, broker.ErrNotFound):
		writeError(w, http.StatusNotFound, "broker account not found")
	case errors.Is(err, broker.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, broker.ErrConnectionTest):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	default:
		s.log.Error("Account operation failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

type createAccountRequest struct {
	BrokerType    string                `json:"brokerType"`
	AccountNumber string                `json:"accountNumber"`
	DisplayName   string                `json:"displayName"`
	Credentials   connector.Credentials `json:"credentials"`
}

// CreateAccountHandler links a new brokerage account.
func (s *Server) CreateAccountHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.userID(w, r)
	if !ok {
		return
	}

	var req createAccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	account, err := s.accounts.Create(r.Context(), userID, broker.CreateInput{
		BrokerType:    models.BrokerType(req.BrokerType),
		AccountNumber: req.AccountNumber,
		DisplayName:   req.DisplayName,
		Credentials:   req.Credentials,
	})
	if err != nil {
		s.accountError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, account)
}

// ListAccountsHandler returns the user's linked accounts.
func (s *Server) ListAccountsHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.userID(w, r)
	if !ok {
		return
	}

	accounts, err := s.accounts.List(userID)
	if err != nil {
		s.accountError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, accounts)
}

// GetAccountHandler returns one account.
func (s *Server) GetAccountHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.userID(w, r)
	if !ok {
		return
	}

	account, err := s.accounts.Get(userID, mux.Vars(r)["id"])
	if err != nil {
		s.accountError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, account)
}

type updateAccountRequest struct {
	DisplayName *string `json:"displayName"`
	IsActive    *bool   `json:"isActive"`
}

// UpdateAccountHandler changes an account's display name or active flag.
func (s *Server) UpdateAccountHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.userID(w, r)
	if !ok {
		return
	}

	var req updateAccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	account, err := s.accounts.Update(userID, mux.Vars(r)["id"], broker.UpdateInput{
		DisplayName: req.DisplayName,
		IsActive:    req.IsActive,
	})
	if err != nil {
		s.accountError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, account)
}

// DeleteAccountHandler removes an account with its trades and history.
func (s *Server) DeleteAccountHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.userID(w, r)
	if !ok {
		return
	}

	if err := s.accounts.Delete(userID, mux.Vars(r)["id"]); err != nil {
		s.accountError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type rotateCredentialsRequest struct {
	Credentials connector.Credentials `json:"credentials"`
}

// RotateCredentialsHandler replaces an account's stored credentials.
func (s *Server) RotateCredentialsHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.userID(w, r)
	if !ok {
		return
	}

	var req rotateCredentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	err := s.accounts.RotateCredentials(r.Context(), userID, mux.Vars(r)["id"], req.Credentials)
	if err != nil {
		s.accountError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "rotated"})
}

// TestConnectionHandler re-verifies the stored credentials on demand.
func (s *Server) TestConnectionHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.userID(w, r)
	if !ok {
		return
	}

	success, err := s.accounts.TestConnection(r.Context(), userID, mux.Vars(r)["id"])
	if errors.Is(err, broker.ErrNotFound) {
		s.accountError(w, err)
		return
	}
	body := map[string]any{"success": success && err == nil}
	if err != nil {
		if errors.Is(err, vault.ErrInvalidCiphertext) || errors.Is(err, vault.ErrAuthenticationFailed) {
			// Credential corruption needs an operator, not the account holder.
			s.log.Error("Credential blob failed to decrypt; possible corruption or key rotation gone wrong",
				zap.String("broker_account_id", mux.Vars(r)["id"]),
				zap.Error(err))
			body["error"] = "stored credentials could not be read"
		} else {
			body["error"] = err.Error()
		}
	}
	writeJSON(w, http.StatusOK, body)
}

type triggerSyncRequest struct {
	FromDate *time.Time `json:"fromDate"`
	ToDate   *time.Time `json:"toDate"`
}

type jobResponse struct {
	JobID           string `json:"jobId"`
	BrokerAccountID string `json:"brokerAccountId"`
	State           string `json:"state"`
	Progress        int    `json:"progress"`
	Attempts        int    `json:"attempts"`
	LastError       string `json:"lastError,omitempty"`
}

func toJobResponse(job syncer.Job) jobResponse {
	return jobResponse{
		JobID:           job.ID,
		BrokerAccountID: job.BrokerAccountID,
		State:           string(job.State),
		Progress:        job.Progress,
		Attempts:        job.Attempts,
		LastError:       job.LastError,
	}
}

// TriggerSyncHandler queues a manual sync for an account.
func (s *Server) TriggerSyncHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.userID(w, r)
	if !ok {
		return
	}

	// Reject unknown accounts up front; execution re-checks ownership.
	if _, err := s.accounts.Get(userID, mux.Vars(r)["id"]); err != nil {
		s.accountError(w, err)
		return
	}

	var req triggerSyncRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}

	job := s.syncs.Enqueue(mux.Vars(r)["id"], userID, req.FromDate, req.ToDate, syncer.PriorityManual)
	writeJSON(w, http.StatusAccepted, toJobResponse(job))
}

// SyncJobHandler reports the state of a queued or retained sync job.
func (s *Server) SyncJobHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.userID(w, r)
	if !ok {
		return
	}

	job, found := s.syncs.Job(mux.Vars(r)["id"])
	if !found || job.UserID != userID {
		writeError(w, http.StatusNotFound, "sync job not found")
		return
	}
	writeJSON(w, http.StatusOK, toJobResponse(job))
}

// SyncHistoryHandler returns the most recent sync runs for an account.
func (s *Server) SyncHistoryHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.userID(w, r)
	if !ok {
		return
	}

	account, err := s.accounts.Get(userID, mux.Vars(r)["id"])
	if err != nil {
		s.accountError(w, err)
		return
	}

	runs, err := s.syncs.RecentRuns(account.ID)
	if err != nil {
		s.log.Error("Sync history query failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, runs)
}

func (s *Server) tradeError(w http.ResponseWriter, err error) {
	if errors.Is(err, trades.ErrNotFound) {
		writeError(w, http.StatusNotFound, "trade not found")
		return
	}
	s.log.Error("Trade operation failed", zap.Error(err))
	writeError(w, http.StatusInternalServerError, "internal error")
}

// ListTradesHandler returns a filtered page of the user's trades.
func (s *Server) ListTradesHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.userID(w, r)
	if !ok {
		return
	}

	q := r.URL.Query()
	filter := trades.ListFilter{
		BrokerAccountID: q.Get("accountId"),
		Symbol:          q.Get("symbol"),
	}
	if v := q.Get("from"); v != "" {
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid from date")
			return
		}
		filter.From = &ts
	}
	if v := q.Get("to"); v != "" {
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid to date")
			return
		}
		filter.To = &ts
	}
	if v := q.Get("page"); v != "" {
		filter.Page, _ = strconv.Atoi(v)
	}
	if v := q.Get("pageSize"); v != "" {
		filter.PageSize, _ = strconv.Atoi(v)
	}

	result, err := s.trades.List(userID, filter)
	if err != nil {
		s.tradeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// GetTradeHandler returns one trade.
func (s *Server) GetTradeHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.userID(w, r)
	if !ok {
		return
	}

	trade, err := s.trades.Get(userID, mux.Vars(r)["id"])
	if err != nil {
		s.tradeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, trade)
}

type annotateTradeRequest struct {
	Notes *string   `json:"notes"`
	Tags  *[]string `json:"tags"`
}

// AnnotateTradeHandler updates a trade's notes and tags.
func (s *Server) AnnotateTradeHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.userID(w, r)
	if !ok {
		return
	}

	var req annotateTradeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	trade, err := s.trades.Annotate(userID, mux.Vars(r)["id"], trades.AnnotateInput{
		Notes: req.Notes,
		Tags:  req.Tags,
	})
	if err != nil {
		s.tradeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, trade)
}

// DeleteTradeHandler removes a trade on explicit user request.
func (s *Server) DeleteTradeHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.userID(w, r)
	if !ok {
		return
	}

	if err := s.trades.Delete(userID, mux.Vars(r)["id"]); err != nil {
		s.tradeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
