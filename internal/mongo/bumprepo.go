package mongo

import (
	"context"
	"fmt"

	"github.com/appetiteclub/kds/internal/kds"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const BumpsCollection = "kds_course_bumps"

// BumpRepo is the append-only course bump audit log.
type BumpRepo struct {
	client     *Client
	collection *mongo.Collection
}

func NewBumpRepo(client *Client) *BumpRepo {
	return &BumpRepo{client: client}
}

func (r *BumpRepo) Start(ctx context.Context) error {
	coll, err := r.client.Collection(BumpsCollection)
	if err != nil {
		return err
	}
	r.collection = coll

	indexModel := mongo.IndexModel{
		Keys:    bson.D{{Key: "ticket_id", Value: 1}, {Key: "occurred_at", Value: 1}},
		Options: options.Index().SetName("ticket_occurred_at"),
	}
	if _, err := r.collection.Indexes().CreateOne(ctx, indexModel); err != nil {
		return fmt.Errorf("cannot create ticket_id index: %w", err)
	}
	return nil
}

func (r *BumpRepo) Stop(ctx context.Context) error {
	return nil
}

func (r *BumpRepo) Append(ctx context.Context, b *kds.CourseBump) error {
	if _, err := r.collection.InsertOne(ctx, b); err != nil {
		return fmt.Errorf("cannot insert course bump: %w", err)
	}
	return nil
}

func (r *BumpRepo) ListByTicket(ctx context.Context, id kds.TicketID) ([]kds.CourseBump, error) {
	opts := options.Find().SetSort(bson.D{{Key: "occurred_at", Value: 1}, {Key: "_id", Value: 1}})

	cursor, err := r.collection.Find(ctx, bson.M{"ticket_id": id}, opts)
	if err != nil {
		return nil, fmt.Errorf("cannot find course bumps: %w", err)
	}
	defer cursor.Close(ctx)

	var bumps []kds.CourseBump
	if err := cursor.All(ctx, &bumps); err != nil {
		return nil, fmt.Errorf("cannot decode course bumps: %w", err)
	}
	return bumps, nil
}
