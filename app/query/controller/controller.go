package controller

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/impactmarket/ledgerx/pkg/db/models/ledger"
	"github.com/impactmarket/ledgerx/pkg/reporting"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Reader is the reporting surface served over HTTP.
type Reader interface {
	GetCommunityDailyStates(ctx context.Context, community string, from, to time.Time) (reporting.DailyStatesPage, error)
	GetSustainabilityIndex(ctx context.Context, community string) (ledger.SustainabilityMetric, error)
	GetBeneficiaryState(ctx context.Context, community, address string) (*ledger.BeneficiaryState, error)
}

// LedgerAdmin exposes the checkpoint and the administrative purge.
type LedgerAdmin interface {
	CurrentCheckpoint(ctx context.Context) (uint64, error)
	Purge(ctx context.Context, fromBlock, toBlock uint64) (int64, error)
}

type Pinger interface {
	Ping(ctx context.Context) error
}

type Controller struct {
	Reader     Reader
	Ledger     LedgerAdmin
	DB         Pinger
	Logger     *zap.Logger
	AdminToken string
	JWTSecret  []byte
}

// NewRouter returns a new router with all the routes defined in this file.
func (c *Controller) NewRouter() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/health", c.HandleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	r.HandleFunc("/checkpoint", c.HandleCheckpoint).Methods(http.MethodGet)
	r.HandleFunc("/communities/{id}/daily", c.HandleDailyStates).Methods(http.MethodGet)
	r.HandleFunc("/communities/{id}/ssi", c.HandleSSI).Methods(http.MethodGet)
	r.HandleFunc("/communities/{id}/beneficiaries/{address}", c.HandleBeneficiary).Methods(http.MethodGet)

	r.Handle("/admin/ledger", c.RequireAdmin(http.HandlerFunc(c.HandlePurge))).Methods(http.MethodDelete)

	return r
}

// WithCORS is a middleware that adds CORS headers to the response.
func WithCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Allow-Methods", http.MethodGet+", "+http.MethodDelete+", "+http.MethodOptions)

		// Fast-path the preflight
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}
