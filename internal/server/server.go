// Package server exposes the HTTP API: broker account management, manual
// sync triggers, sync history and the trade ledger. It is a thin shell over
// the services; validation here is limited to required fields and shapes.
package server

import (
	"encoding/json"
	"net/http"

	"trade-ledger-go/internal/auth"
	"trade-ledger-go/internal/broker"
	"trade-ledger-go/internal/syncer"
	"trade-ledger-go/internal/trades"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// Server holds the API's dependencies.
type Server struct {
	log      *zap.Logger
	verifier *auth.Verifier
	accounts *broker.Service
	trades   *trades.Service
	syncs    *syncer.Orchestrator
}

// NewServer creates the API server.
func NewServer(log *zap.Logger, verifier *auth.Verifier, accounts *broker.Service, tradeSvc *trades.Service, syncs *syncer.Orchestrator) *Server {
	return &Server{
		log:      log,
		verifier: verifier,
		accounts: accounts,
		trades:   tradeSvc,
		syncs:    syncs,
	}
}

// Router builds the route table. Everything under /api/v1 requires a valid
// bearer token; /healthz stays open for probes.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.HealthHandler).Methods(http.MethodGet)

	api := r.PathPrefix("/api/v1").Subrouter()
	api.Use(s.verifier.Middleware)

	api.HandleFunc("/accounts", s.CreateAccountHandler).Methods(http.MethodPost)
	api.HandleFunc("/accounts", s.ListAccountsHandler).Methods(http.MethodGet)
	api.HandleFunc("/accounts/{id}", s.GetAccountHandler).Methods(http.MethodGet)
	api.HandleFunc("/accounts/{id}", s.UpdateAccountHandler).Methods(http.MethodPatch)
	api.HandleFunc("/accounts/{id}", s.DeleteAccountHandler).Methods(http.MethodDelete)
	api.HandleFunc("/accounts/{id}/credentials", s.RotateCredentialsHandler).Methods(http.MethodPut)
	api.HandleFunc("/accounts/{id}/test", s.TestConnectionHandler).Methods(http.MethodPost)
	api.HandleFunc("/accounts/{id}/sync", s.TriggerSyncHandler).Methods(http.MethodPost)
	api.HandleFunc("/accounts/{id}/sync/history", s.SyncHistoryHandler).Methods(http.MethodGet)
	api.HandleFunc("/sync/jobs/{id}", s.SyncJobHandler).Methods(http.MethodGet)

	api.HandleFunc("/trades", s.ListTradesHandler).Methods(http.MethodGet)
	api.HandleFunc("/trades/{id}", s.GetTradeHandler).Methods(http.MethodGet)
	api.HandleFunc("/trades/{id}", s.AnnotateTradeHandler).Methods(http.MethodPatch)
	api.HandleFunc("/trades/{id}", s.DeleteTradeHandler).Methods(http.MethodDelete)

	return r
}

// HealthHandler reports liveness.
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
