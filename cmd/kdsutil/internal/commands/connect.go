package commands

import (
	"context"
	"log/slog"

	"github.com/appetiteclub/kds/internal/config"
	"github.com/appetiteclub/kds/internal/mongo"
)

// connect starts the shared client and the repositories on top of it.
func connect(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*mongo.Client, *mongo.TicketRepo, *mongo.BumpRepo, error) {
	client := mongo.NewClient(cfg, logger)
	if err := client.Start(ctx); err != nil {
		return nil, nil, nil, err
	}

	tickets := mongo.NewTicketRepo(client)
	bumps := mongo.NewBumpRepo(client)
	for _, start := range []func(context.Context) error{tickets.Start, bumps.Start} {
		if err := start(ctx); err != nil {
			_ = client.Stop(ctx)
			return nil, nil, nil, err
		}
	}
	return client, tickets, bumps, nil
}
