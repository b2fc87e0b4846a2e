package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/impactmarket/ledgerx/app/query"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)

	defer cancel()

	app := query.Initialize(ctx)

	query.NewServer(app)

	app.Start(ctx)
}
