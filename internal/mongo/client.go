package mongo

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/appetiteclub/kds/internal/config"
	"github.com/appetiteclub/kds/internal/logging"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const (
	defaultURL    = "mongodb://localhost:27017"
	defaultDBName = "appetite_kds"
)

// Client owns the connection shared by the KDS repositories.
type Client struct {
	config *config.Config
	logger *slog.Logger

	client *mongo.Client
	db     *mongo.Database
}

func NewClient(cfg *config.Config, logger *slog.Logger) *Client {
	return &Client{
		config: cfg,
		logger: logging.OrDiscard(logger),
	}
}

func (c *Client) Start(ctx context.Context) error {
	mongoURL, _ := c.config.GetString("db.mongo.url")
	if mongoURL == "" {
		mongoURL = defaultURL
	}

	dbName, _ := c.config.GetString("db.mongo.name")
	if dbName == "" {
		dbName = defaultDBName
	}

	clientOptions := options.Client().ApplyURI(mongoURL).
		SetConnectTimeout(10 * time.Second).
		SetServerSelectionTimeout(10 * time.Second)

	client, err := mongo.Connect(ctx, clientOptions)
	if err != nil {
		return fmt.Errorf("cannot connect to MongoDB: %w", err)
	}

	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return fmt.Errorf("cannot ping MongoDB: %w", err)
	}

	c.client = client
	c.db = client.Database(dbName)

	c.logger.Info("connected to MongoDB", "database", dbName)
	return nil
}

func (c *Client) Stop(ctx context.Context) error {
	if c.client == nil {
		return nil
	}
	if err := c.client.Disconnect(ctx); err != nil {
		return fmt.Errorf("cannot disconnect from MongoDB: %w", err)
	}
	c.client = nil
	c.logger.Info("disconnected from MongoDB")
	return nil
}

// Database returns the configured database, or nil before Start.
func (c *Client) Database() *mongo.Database {
	return c.db
}

// Collection returns a handle on name. Start must have succeeded.
func (c *Client) Collection(name string) (*mongo.Collection, error) {
	if c.db == nil {
		return nil, fmt.Errorf("cannot open collection %s: MongoDB not connected", name)
	}
	return c.db.Collection(name), nil
}
