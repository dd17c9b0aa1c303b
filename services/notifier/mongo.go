package notifier

import (
	"context"
	"fmt"
	"time"

	"github.com/lfelipediniz/B3Notifier/models"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const (
	MongoDBName          = "b3notifier"
	MongoAlertCollection = "alert_events"
)

// MongoRecorder mirrors the alert history into a MongoDB collection
type MongoRecorder struct {
	client     *mongo.Client
	collection *mongo.Collection
}

// NewMongoRecorder connects to uri and verifies the connection
func NewMongoRecorder(ctx context.Context, uri string) (*MongoRecorder, error) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	clientOptions := options.Client().
		ApplyURI(uri).
		SetServerAPIOptions(options.ServerAPI(options.ServerAPIVersion1)).
		SetMaxPoolSize(10).
		SetMinPoolSize(1).
		SetMaxConnIdleTime(30 * time.Second).
		SetConnectTimeout(30 * time.Second).
		SetRetryWrites(true)

	client, err := mongo.Connect(ctx, clientOptions)
	if err != nil {
		return nil, fmt.Errorf("connect to mongodb: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("ping mongodb: %w", err)
	}

	collection := client.Database(MongoDBName).Collection(MongoAlertCollection)
	_, err = collection.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "owner_id", Value: 1}, {Key: "timestamp", Value: -1}},
	})
	if err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("create alert index: %w", err)
	}

	return &MongoRecorder{client: client, collection: collection}, nil
}

func (m *MongoRecorder) Record(ctx context.Context, ev models.AlertEvent) error {
	if _, err := m.collection.InsertOne(ctx, ev); err != nil {
		return fmt.Errorf("mirror %s alert for %s: %w", ev.Kind, ev.Symbol, err)
	}
	return nil
}

// Close disconnects the client
func (m *MongoRecorder) Close(ctx context.Context) error {
	return m.client.Disconnect(ctx)
}
