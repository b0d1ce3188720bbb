package commands

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"

	"github.com/appetiteclub/kds/cmd/kdsutil/internal/seeding"
	"github.com/appetiteclub/kds/internal/config"
	"github.com/appetiteclub/kds/internal/kds"
	"github.com/appetiteclub/kds/internal/mongo"
	"go.mongodb.org/mongo-driver/bson"
)

// ClearDemo removes demo tickets, their course bumps and the seed tracker.
func ClearDemo(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	logger.Info("starting demo data cleanup")

	client, _, _, err := connect(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer client.Stop(ctx)

	db := client.Database()
	demoFilter := bson.M{"sambapos_uid": bson.M{"$regex": "^" + regexp.QuoteMeta(seeding.UIDPrefix)}}

	cursor, err := db.Collection(mongo.TicketsCollection).Find(ctx, demoFilter)
	if err != nil {
		return fmt.Errorf("find demo tickets: %w", err)
	}
	var demo []kds.Ticket
	if err := cursor.All(ctx, &demo); err != nil {
		return fmt.Errorf("decode demo tickets: %w", err)
	}

	ids := make([]kds.TicketID, 0, len(demo))
	for i := range demo {
		ids = append(ids, demo[i].ID)
	}

	if len(ids) > 0 {
		bumpsResult, err := db.Collection(mongo.BumpsCollection).DeleteMany(ctx, bson.M{"ticket_id": bson.M{"$in": ids}})
		if err != nil {
			return fmt.Errorf("delete demo bumps: %w", err)
		}
		logger.Info("deleted demo course bumps", "count", bumpsResult.DeletedCount)
	}

	ticketsResult, err := db.Collection(mongo.TicketsCollection).DeleteMany(ctx, demoFilter)
	if err != nil {
		return fmt.Errorf("delete demo tickets: %w", err)
	}
	logger.Info("deleted demo tickets", "count", ticketsResult.DeletedCount)

	trackerResult, err := db.Collection("_seeds").DeleteOne(ctx, bson.M{"_id": demoSeedID})
	if err != nil {
		return fmt.Errorf("delete seed tracker: %w", err)
	}
	logger.Info("cleared seed tracker", "deleted", trackerResult.DeletedCount)
	return nil
}
