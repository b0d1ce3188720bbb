package commands

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/appetiteclub/kds/internal/config"
	"github.com/appetiteclub/kds/internal/mongo"
)

// ResetDB drops the KDS database - USE WITH CAUTION
func ResetDB(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	logger.Warn("dropping the KDS database, this cannot be undone")

	client := mongo.NewClient(cfg, logger)
	if err := client.Start(ctx); err != nil {
		return err
	}
	defer client.Stop(ctx)

	db := client.Database()
	if err := db.Drop(ctx); err != nil {
		return fmt.Errorf("drop database %s: %w", db.Name(), err)
	}

	logger.Info("database dropped", "database", db.Name())
	return nil
}
