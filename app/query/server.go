package query

import (
	"net/http"
	"time"

	"github.com/impactmarket/ledgerx/app/query/controller"
	"github.com/impactmarket/ledgerx/app/query/types"
	"go.uber.org/zap"
)

// NewServer builds the router and attaches the http.Server to app.
func NewServer(app *types.App) {
	addr := app.Config.Query.Addr
	adminToken, jwtSecret := app.Config.Query.AdminToken, app.Config.Query.JWTSecret
	ctler := &controller.Controller{
		Reader:     app.Reporting,
		Ledger:     app.Ledger,
		DB:         app.Store,
		Logger:     app.Logger,
		AdminToken: adminToken,
		JWTSecret:  []byte(jwtSecret),
	}
	if adminToken == "" && jwtSecret == "" {
		app.Logger.Warn("No admin credentials configured - DELETE /admin/ledger is disabled")
	}

	// use <ip>:<port> to bind to a specific interface or :<port> to bind to all interfaces
	app.Server = &http.Server{
		Addr:              addr,
		Handler:           controller.WithCORS(ctler.NewRouter()),
		ReadHeaderTimeout: 10 * time.Second,
	}
	app.Logger.Info("Starting server", zap.String("addr", addr))
}
