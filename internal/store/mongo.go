package store

import (
	"context"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/sells-group/transcript-engine/internal/model"
)

// MongoStore implements Store on MongoDB. Each item is one document, so
// every Tier-3 transition is a single conditional UpdateOne.
type MongoStore struct {
	client      *mongo.Client
	collections *mongo.Collection
	items       *mongo.Collection
}

type collectionDoc struct {
	ID                     string     `bson:"_id"`
	Title                  string     `bson:"title"`
	ItemCount              int        `bson:"item_count"`
	Tier2Count             int        `bson:"tier2_count"`
	LowCaptionAvailability bool       `bson:"low_caption"`
	TotalSpendUSD          float64    `bson:"total_spend_usd"`
	LastIngestedAt         *time.Time `bson:"last_ingested_at,omitempty"`
	UpdatedAt              time.Time  `bson:"updated_at"`
}

func (d collectionDoc) model() model.Collection {
	return model.Collection{
		ID:                     d.ID,
		Title:                  d.Title,
		ItemCount:              d.ItemCount,
		Tier2Count:             d.Tier2Count,
		LowCaptionAvailability: d.LowCaptionAvailability,
		TotalSpendUSD:          d.TotalSpendUSD,
		LastIngestedAt:         d.LastIngestedAt,
		UpdatedAt:              d.UpdatedAt,
	}
}

type tier3Doc struct {
	State     string                 `bson:"state"`
	Attempts  int                    `bson:"attempts"`
	StartedAt *time.Time             `bson:"started_at,omitempty"`
	UpdatedAt *time.Time             `bson:"updated_at,omitempty"`
	LastError string                 `bson:"last_error"`
	Result    *model.Tier3Transcript `bson:"result,omitempty"`
}

type itemDoc struct {
	ID           string              `bson:"_id"`
	CollectionID string              `bson:"collection_id"`
	Tier1        model.Metadata      `bson:"tier1"`
	Tier2        *model.Tier2Caption `bson:"tier2,omitempty"`
	Tier2Status  string              `bson:"tier2_status"`
	Tier2Reason  string              `bson:"tier2_reason"`
	Tier3        tier3Doc            `bson:"tier3"`
	CreatedAt    time.Time           `bson:"created_at"`
	UpdatedAt    time.Time           `bson:"updated_at"`
}

func (d itemDoc) model() model.Item {
	return model.Item{
		ID:           d.ID,
		CollectionID: d.CollectionID,
		Tier1:        d.Tier1,
		Tier2:        d.Tier2,
		Tier2Status:  model.Tier2Status(d.Tier2Status),
		Tier2Reason:  d.Tier2Reason,
		Tier3: model.Tier3Record{
			State:     model.Tier3State(d.Tier3.State),
			Attempts:  d.Tier3.Attempts,
			StartedAt: d.Tier3.StartedAt,
			UpdatedAt: d.Tier3.UpdatedAt,
			LastError: d.Tier3.LastError,
			Result:    d.Tier3.Result,
		},
		CreatedAt: d.CreatedAt,
		UpdatedAt: d.UpdatedAt,
	}
}

// NewMongo connects to MongoDB and opens the engine's collections in database.
func NewMongo(ctx context.Context, uri, database string) (*MongoStore, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, eris.Wrap(err, "mongo: connect")
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, eris.Wrap(err, "mongo: ping")
	}
	db := client.Database(database)
	return &MongoStore{
		client:      client,
		collections: db.Collection("collections"),
		items:       db.Collection("items"),
	}, nil
}

func (s *MongoStore) Migrate(ctx context.Context) error {
	_, err := s.items.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "collection_id", Value: 1}, {Key: "tier3.state", Value: 1}}},
		{Keys: bson.D{{Key: "tier3.state", Value: 1}, {Key: "tier3.started_at", Value: 1}}},
	})
	return eris.Wrap(err, "mongo: create indexes")
}

func (s *MongoStore) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}

func (s *MongoStore) UpsertCollection(ctx context.Context, c model.Collection) error {
	_, err := s.collections.UpdateOne(ctx,
		bson.M{"_id": c.ID},
		bson.M{
			"$set": bson.M{
				"title":            c.Title,
				"item_count":       c.ItemCount,
				"tier2_count":      c.Tier2Count,
				"low_caption":      c.LowCaptionAvailability,
				"last_ingested_at": c.LastIngestedAt,
				"updated_at":       time.Now().UTC(),
			},
			"$setOnInsert": bson.M{"total_spend_usd": 0.0},
		},
		options.Update().SetUpsert(true),
	)
	return eris.Wrapf(err, "mongo: upsert collection %s", c.ID)
}

func (s *MongoStore) GetCollection(ctx context.Context, id string) (*model.Collection, error) {
	var doc collectionDoc
	err := s.collections.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, notFound("collection", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "mongo: get collection %s", id)
	}
	c := doc.model()
	return &c, nil
}

func (s *MongoStore) UpsertItemMetadata(ctx context.Context, collectionID, itemID string, meta model.Metadata) error {
	now := time.Now().UTC()
	if _, err := s.collections.UpdateOne(ctx,
		bson.M{"_id": collectionID},
		bson.M{"$setOnInsert": bson.M{"total_spend_usd": 0.0, "updated_at": now}},
		options.Update().SetUpsert(true),
	); err != nil {
		return eris.Wrapf(err, "mongo: ensure collection %s", collectionID)
	}

	_, err := s.items.UpdateOne(ctx,
		bson.M{"_id": itemID},
		bson.M{
			"$set": bson.M{"collection_id": collectionID, "tier1": meta, "updated_at": now},
			"$setOnInsert": bson.M{
				"tier2_status": string(model.Tier2StatusNone),
				"tier2_reason": "",
				"tier3":        tier3Doc{State: string(model.Tier3NotStarted)},
				"created_at":   now,
			},
		},
		options.Update().SetUpsert(true),
	)
	return eris.Wrapf(err, "mongo: upsert item %s", itemID)
}

func (s *MongoStore) GetItem(ctx context.Context, id string) (*model.Item, error) {
	var doc itemDoc
	err := s.items.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, notFound("item", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "mongo: get item %s", id)
	}
	it := doc.model()
	return &it, nil
}

func (s *MongoStore) ListItems(ctx context.Context, collectionID string) ([]model.Item, error) {
	return s.find(ctx, bson.M{"collection_id": collectionID})
}

func (s *MongoStore) ListTier3Candidates(ctx context.Context, collectionID string) ([]model.Item, error) {
	return s.find(ctx, bson.M{
		"collection_id": collectionID,
		"tier3.state":   bson.M{"$in": claimableStates},
	})
}

func (s *MongoStore) find(ctx context.Context, filter bson.M) ([]model.Item, error) {
	cursor, err := s.items.Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return nil, eris.Wrap(err, "mongo: find items")
	}
	defer cursor.Close(ctx) //nolint:errcheck

	var items []model.Item
	for cursor.Next(ctx) {
		var doc itemDoc
		if err := cursor.Decode(&doc); err != nil {
			return nil, eris.Wrap(err, "mongo: decode item")
		}
		items = append(items, doc.model())
	}
	return items, eris.Wrap(cursor.Err(), "mongo: cursor")
}

func (s *MongoStore) SetTier2(ctx context.Context, itemID string, caption model.Tier2Caption) error {
	return s.updateExisting(ctx, itemID, bson.M{"$set": bson.M{
		"tier2":        caption,
		"tier2_status": string(model.Tier2StatusAvailable),
		"tier2_reason": "",
		"updated_at":   time.Now().UTC(),
	}})
}

func (s *MongoStore) MarkTier2Status(ctx context.Context, itemID string, status model.Tier2Status, reason string) error {
	return s.updateExisting(ctx, itemID, bson.M{"$set": bson.M{
		"tier2_status": string(status),
		"tier2_reason": reason,
		"updated_at":   time.Now().UTC(),
	}})
}

func (s *MongoStore) updateExisting(ctx context.Context, itemID string, update bson.M) error {
	res, err := s.items.UpdateOne(ctx, bson.M{"_id": itemID}, update)
	if err != nil {
		return eris.Wrapf(err, "mongo: update item %s", itemID)
	}
	if res.MatchedCount == 0 {
		return notFound("item", itemID)
	}
	return nil
}

func (s *MongoStore) ClaimTier3(ctx context.Context, itemID string, now time.Time) (*model.Item, error) {
	now = now.UTC()
	var doc itemDoc
	err := s.items.FindOneAndUpdate(ctx,
		bson.M{"_id": itemID, "tier3.state": bson.M{"$in": claimableStates}},
		bson.M{
			"$set": bson.M{
				"tier3.state":      string(model.Tier3Processing),
				"tier3.started_at": now,
				"tier3.updated_at": now,
				"tier3.last_error": "",
				"updated_at":       now,
			},
			"$inc": bson.M{"tier3.attempts": 1},
		},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, s.explainMiss(ctx, itemID, model.Tier3Processing)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "mongo: claim tier3 %s", itemID)
	}
	it := doc.model()
	return &it, nil
}

func (s *MongoStore) CompleteTier3(ctx context.Context, itemID string, result model.Tier3Transcript) error {
	now := time.Now().UTC()
	var doc itemDoc
	err := s.items.FindOneAndUpdate(ctx,
		bson.M{"_id": itemID, "tier3.state": string(model.Tier3Processing)},
		bson.M{"$set": bson.M{
			"tier3.state":      string(model.Tier3Ready),
			"tier3.result":     result,
			"tier3.updated_at": now,
			"updated_at":       now,
		}},
	).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return s.explainMiss(ctx, itemID, model.Tier3Ready)
	}
	if err != nil {
		return eris.Wrapf(err, "mongo: complete tier3 %s", itemID)
	}

	// The item is ready; spend follows in a second single-document update.
	_, err = s.collections.UpdateOne(ctx,
		bson.M{"_id": doc.CollectionID},
		bson.M{
			"$inc": bson.M{"total_spend_usd": result.CostUSD},
			"$set": bson.M{"updated_at": now},
		},
	)
	return eris.Wrapf(err, "mongo: add spend for %s", itemID)
}

func (s *MongoStore) FailTier3(ctx context.Context, itemID string, reason string) error {
	now := time.Now().UTC()
	res, err := s.items.UpdateOne(ctx,
		bson.M{"_id": itemID, "tier3.state": string(model.Tier3Processing)},
		bson.M{"$set": bson.M{
			"tier3.state":      string(model.Tier3Failed),
			"tier3.last_error": reason,
			"tier3.updated_at": now,
			"updated_at":       now,
		}},
	)
	if err != nil {
		return eris.Wrapf(err, "mongo: fail tier3 %s", itemID)
	}
	if res.MatchedCount == 0 {
		return s.explainMiss(ctx, itemID, model.Tier3Failed)
	}
	return nil
}

func (s *MongoStore) ReclaimStaleTier3(ctx context.Context, cutoff time.Time) ([]string, error) {
	filter := bson.M{
		"tier3.state":      string(model.Tier3Processing),
		"tier3.started_at": bson.M{"$lt": cutoff.UTC()},
	}
	cursor, err := s.items.Find(ctx, filter, options.Find().SetProjection(bson.M{"_id": 1}))
	if err != nil {
		return nil, eris.Wrap(err, "mongo: find stale items")
	}
	defer cursor.Close(ctx) //nolint:errcheck

	now := time.Now().UTC()
	var ids []string
	for cursor.Next(ctx) {
		var row struct {
			ID string `bson:"_id"`
		}
		if err := cursor.Decode(&row); err != nil {
			return nil, eris.Wrap(err, "mongo: decode stale id")
		}
		// Re-check the filter per item so a worker that finished meanwhile wins.
		res, err := s.items.UpdateOne(ctx,
			bson.M{"_id": row.ID, "tier3.state": string(model.Tier3Processing), "tier3.started_at": bson.M{"$lt": cutoff.UTC()}},
			bson.M{"$set": bson.M{
				"tier3.state":      string(model.Tier3Failed),
				"tier3.last_error": staleReason,
				"tier3.updated_at": now,
				"updated_at":       now,
			}},
		)
		if err != nil {
			return ids, eris.Wrapf(err, "mongo: reclaim %s", row.ID)
		}
		if res.ModifiedCount > 0 {
			ids = append(ids, row.ID)
		}
	}
	return ids, eris.Wrap(cursor.Err(), "mongo: cursor")
}

func (s *MongoStore) explainMiss(ctx context.Context, itemID string, to model.Tier3State) error {
	var row struct {
		Tier3 struct {
			State string `bson:"state"`
		} `bson:"tier3"`
	}
	err := s.items.FindOne(ctx, bson.M{"_id": itemID}, options.FindOne().SetProjection(bson.M{"tier3.state": 1})).Decode(&row)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return notFound("item", itemID)
	}
	if err != nil {
		return eris.Wrap(err, "mongo: read tier3 state")
	}
	return lostClaim(itemID, model.Tier3State(row.Tier3.State), to)
}
