package commands

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/appetiteclub/kds/cmd/kdsutil/internal/seeding"
	"github.com/appetiteclub/kds/internal/config"
	"github.com/appetiteclub/kds/internal/kds"
	"go.mongodb.org/mongo-driver/bson"
)

const demoSeedID = "demo_kds_tickets_v1"

// SeedDemo creates demo tickets for the configured kitchen. It runs once;
// clear-demo resets the tracker.
func SeedDemo(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	logger.Info("starting demo seeding")

	client, tickets, bumps, err := connect(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer client.Stop(ctx)

	seeds := client.Database().Collection("_seeds")
	count, err := seeds.CountDocuments(ctx, bson.M{"_id": demoSeedID})
	if err != nil {
		return fmt.Errorf("check seed status: %w", err)
	}
	if count > 0 {
		logger.Info("kds demo seeds already applied, skipping")
		return nil
	}

	courses, _ := cfg.GetStrings("kds.courses")
	kitchenID, _ := cfg.GetString("kds.kitchen_id")
	if kitchenID == "" {
		kitchenID = "default"
	}

	store := kds.NewStore(courses, tickets, bumps, logger)
	if err := store.Warm(ctx); err != nil {
		return err
	}

	created, err := seeding.Apply(ctx, store, kitchenID, seeding.DemoTickets(store.Courses(), time.Now()))
	if err != nil {
		return fmt.Errorf("seed tickets: %w", err)
	}

	_, err = seeds.InsertOne(ctx, bson.M{
		"_id":         demoSeedID,
		"description": "Create demo tickets with courses in every state",
		"applied_at":  time.Now(),
	})
	if err != nil {
		logger.Warn("failed to mark seed as applied", "error", err)
	}

	logger.Info("kds demo seeds applied", "kitchen_id", kitchenID, "tickets", created)
	return nil
}
