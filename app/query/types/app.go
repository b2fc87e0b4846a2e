package types

import (
	"context"
	"net/http"
	"time"

	"github.com/impactmarket/ledgerx/pkg/config"
	"github.com/impactmarket/ledgerx/pkg/db"
	"github.com/impactmarket/ledgerx/pkg/ledger"
	"github.com/impactmarket/ledgerx/pkg/redis"
	"github.com/impactmarket/ledgerx/pkg/reporting"
	"go.uber.org/zap"
)

type App struct {
	Config    config.Config
	Store     db.Store
	Ledger    *ledger.Ledger
	Reporting *reporting.Service
	// RedisClient is nil when the shared metric cache is disabled.
	RedisClient *redis.Client
	Logger      *zap.Logger
	Server      *http.Server
}

// Start serves until ctx is cancelled, then shuts the server down and closes
// the connections.
func (a *App) Start(ctx context.Context) {
	go func() {
		if err := a.Server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			a.Logger.Error("HTTP server stopped", zap.Error(err))
		}
	}()
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = a.Server.Shutdown(shutdownCtx)

	if a.RedisClient != nil {
		_ = a.RedisClient.Close()
	}
	if err := a.Store.Close(); err != nil {
		a.Logger.Error("Failed to close database connection", zap.Error(err))
	}
	a.Logger.Info("さようなら!")
}
