package archive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"agentflow/internal/domain"
)

const mongoCollection = "results"

type Mongo struct {
	client *mongo.Client
	coll   *mongo.Collection
}

type mongoDoc struct {
	ID      string    `bson:"_id"`
	Type    string    `bson:"type"`
	Handler string    `bson:"handler"`
	Status  string    `bson:"status"`
	EndedAt time.Time `bson:"ended_at"`
	Record  []byte    `bson:"record"`
}

func OpenMongo(ctx context.Context, uri, database string) (*Mongo, error) {
	serverAPI := options.ServerAPI(options.ServerAPIVersion1)
	client, err := mongo.Connect(options.Client().ApplyURI(uri).SetServerAPIOptions(serverAPI))
	if err != nil {
		return nil, fmt.Errorf("archive: mongo connect: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("archive: mongo ping: %w", err)
	}
	return &Mongo{client: client, coll: client.Database(database).Collection(mongoCollection)}, nil
}

func (m *Mongo) Put(ctx context.Context, rec domain.Record) error {
	blob, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("archive: encode %s: %w", rec.Item.ID, err)
	}
	doc := mongoDoc{
		ID:      rec.Item.ID,
		Type:    rec.Item.Type,
		Handler: string(rec.Result.Handler),
		Status:  string(rec.Result.Status),
		EndedAt: rec.Result.EndedAt,
		Record:  blob,
	}
	_, err = m.coll.ReplaceOne(ctx, bson.D{{Key: "_id", Value: doc.ID}}, doc, options.Replace().SetUpsert(true))
	return err
}

func (m *Mongo) Get(ctx context.Context, id string) (domain.Record, error) {
	var doc mongoDoc
	err := m.coll.FindOne(ctx, bson.D{{Key: "_id", Value: id}}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return domain.Record{}, ErrNotFound
	}
	if err != nil {
		return domain.Record{}, err
	}
	var rec domain.Record
	if err := json.Unmarshal(doc.Record, &rec); err != nil {
		return domain.Record{}, fmt.Errorf("archive: decode %s: %w", id, err)
	}
	return rec, nil
}

func (m *Mongo) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return m.client.Disconnect(ctx)
}
