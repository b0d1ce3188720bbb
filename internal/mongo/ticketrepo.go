package mongo

import (
	"context"
	"errors"
	"fmt"

	"github.com/appetiteclub/kds/internal/kds"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const TicketsCollection = "kds_tickets"

// ErrActiveTicketExists is returned when a second active record is created
// for the same kitchen and POS ticket.
var ErrActiveTicketExists = errors.New("active ticket already exists")

var (
	_ kds.TicketRepository = (*TicketRepo)(nil)
	_ kds.BumpRepository   = (*BumpRepo)(nil)
)

type TicketRepo struct {
	client     *Client
	collection *mongo.Collection
}

func NewTicketRepo(client *Client) *TicketRepo {
	return &TicketRepo{client: client}
}

// Start opens the collection and ensures its indexes. The client must be
// started first.
func (r *TicketRepo) Start(ctx context.Context) error {
	coll, err := r.client.Collection(TicketsCollection)
	if err != nil {
		return err
	}
	r.collection = coll

	indexes := []mongo.IndexModel{
		{
			// One active record per POS ticket; closed records may repeat.
			Keys: bson.D{{Key: "kitchen_id", Value: 1}, {Key: "sambapos_ticket_id", Value: 1}},
			Options: options.Index().
				SetName("active_pos_ticket").
				SetUnique(true).
				SetPartialFilterExpression(bson.M{"active": true}),
		},
		{
			Keys:    bson.D{{Key: "active", Value: 1}, {Key: "kitchen_id", Value: 1}},
			Options: options.Index().SetName("active_kitchen"),
		},
		{
			Keys:    bson.D{{Key: "created_at", Value: -1}},
			Options: options.Index().SetName("created_at"),
		},
	}
	if _, err := r.collection.Indexes().CreateMany(ctx, indexes); err != nil {
		return fmt.Errorf("cannot create ticket indexes: %w", err)
	}
	return nil
}

func (r *TicketRepo) Stop(ctx context.Context) error {
	return nil
}

func (r *TicketRepo) Create(ctx context.Context, t *kds.Ticket) error {
	if _, err := r.collection.InsertOne(ctx, t); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return fmt.Errorf("cannot insert ticket %d: %w", t.SambaPOSTicketID, ErrActiveTicketExists)
		}
		return fmt.Errorf("cannot insert ticket: %w", err)
	}
	return nil
}

// Update replaces the stored document so cleared optional fields are
// removed too.
func (r *TicketRepo) Update(ctx context.Context, t *kds.Ticket) error {
	result, err := r.collection.ReplaceOne(ctx, bson.M{"_id": t.ID}, t)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return fmt.Errorf("cannot update ticket %d: %w", t.SambaPOSTicketID, ErrActiveTicketExists)
		}
		return fmt.Errorf("cannot update ticket: %w", err)
	}
	if result.MatchedCount == 0 {
		return kds.ErrTicketNotFound
	}
	return nil
}

func (r *TicketRepo) FindByID(ctx context.Context, id kds.TicketID) (*kds.Ticket, error) {
	var ticket kds.Ticket
	err := r.collection.FindOne(ctx, bson.M{"_id": id}).Decode(&ticket)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, kds.ErrTicketNotFound
		}
		return nil, fmt.Errorf("cannot find ticket: %w", err)
	}
	return &ticket, nil
}

func (r *TicketRepo) List(ctx context.Context, filter kds.TicketFilter) ([]kds.Ticket, error) {
	cursor, err := r.collection.Find(ctx, ticketQuery(filter), ticketFindOptions(filter))
	if err != nil {
		return nil, fmt.Errorf("cannot find tickets: %w", err)
	}
	defer cursor.Close(ctx)

	var tickets []kds.Ticket
	if err := cursor.All(ctx, &tickets); err != nil {
		return nil, fmt.Errorf("cannot decode tickets: %w", err)
	}
	return tickets, nil
}

func ticketQuery(filter kds.TicketFilter) bson.M {
	query := bson.M{}

	if filter.KitchenID != "" {
		query["kitchen_id"] = filter.KitchenID
	}

	if filter.SambaPOSTicketID != nil {
		query["sambapos_ticket_id"] = *filter.SambaPOSTicketID
	}

	if filter.ActiveOnly {
		query["active"] = true
	}

	return query
}

func ticketFindOptions(filter kds.TicketFilter) *options.FindOptions {
	opts := options.Find().
		SetSort(bson.D{{Key: "created_at", Value: 1}})

	if filter.Limit > 0 {
		opts.SetLimit(int64(filter.Limit))
	}

	if filter.Offset > 0 {
		opts.SetSkip(int64(filter.Offset))
	}

	return opts
}
