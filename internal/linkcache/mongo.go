package linkcache

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/discoduckasaurus/duckflix-lite-sub000/internal/domain"
)

const collectionName = "cached_links"

type MongoStore struct {
	collection *mongo.Collection
}

type linkDoc struct {
	ID             string  `bson:"_id"`
	ContentID      string  `bson:"contentId"`
	Type           string  `bson:"type"`
	Season         int     `bson:"season"`
	Episode        int     `bson:"episode"`
	Resolution     int     `bson:"resolution"`
	CredentialHash string  `bson:"credentialHash"`
	StreamURL      string  `bson:"streamUrl"`
	FileName       string  `bson:"fileName,omitempty"`
	BitrateMbps    float64 `bson:"estimatedBitrateMbps,omitempty"`
	FileSizeBytes  int64   `bson:"fileSizeBytes,omitempty"`
	CreatedAt      int64   `bson:"createdAt"`
	ExpiresAt      int64   `bson:"expiresAt"`
	LastAccessedAt int64   `bson:"lastAccessedAt"`
}

func NewMongoStore(client *mongo.Client, dbName string) *MongoStore {
	return &MongoStore{collection: client.Database(dbName).Collection(collectionName)}
}

func (s *MongoStore) EnsureIndexes(ctx context.Context) error {
	if s == nil || s.collection == nil {
		return nil
	}
	models := []mongo.IndexModel{
		{
			Keys: bson.D{
				{Key: "contentId", Value: 1},
				{Key: "type", Value: 1},
				{Key: "season", Value: 1},
				{Key: "episode", Value: 1},
				{Key: "resolution", Value: 1},
				{Key: "credentialHash", Value: 1},
			},
			Options: options.Index().SetUnique(true).SetName("link_key_unique"),
		},
		{Keys: bson.D{{Key: "expiresAt", Value: 1}}},
	}
	_, err := s.collection.Indexes().CreateMany(ctx, models)
	return err
}

func (s *MongoStore) Upsert(ctx context.Context, link domain.CachedLink) (domain.CachedLink, error) {
	doc := toDoc(link)
	update := bson.M{
		"$set": bson.M{
			"contentId":            doc.ContentID,
			"type":                 doc.Type,
			"season":               doc.Season,
			"episode":              doc.Episode,
			"resolution":           doc.Resolution,
			"credentialHash":       doc.CredentialHash,
			"streamUrl":            doc.StreamURL,
			"fileName":             doc.FileName,
			"estimatedBitrateMbps": doc.BitrateMbps,
			"fileSizeBytes":        doc.FileSizeBytes,
			"expiresAt":            doc.ExpiresAt,
			"lastAccessedAt":       doc.LastAccessedAt,
		},
		"$setOnInsert": bson.M{"createdAt": doc.CreatedAt},
	}
	opts := options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After)
	var stored linkDoc
	err := s.collection.FindOneAndUpdate(ctx, bson.M{"_id": doc.ID}, update, opts).Decode(&stored)
	if err != nil {
		return domain.CachedLink{}, err
	}
	return fromDoc(stored), nil
}

func (s *MongoStore) FindValid(ctx context.Context, key domain.LinkKey, now time.Time) ([]domain.CachedLink, error) {
	filter := identityFilter(key)
	filter["expiresAt"] = bson.M{"$gt": now.UTC().Unix()}
	cursor, err := s.collection.Find(ctx, filter)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var docs []linkDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, err
	}
	out := make([]domain.CachedLink, 0, len(docs))
	for _, doc := range docs {
		out = append(out, fromDoc(doc))
	}
	return out, nil
}

func (s *MongoStore) Touch(ctx context.Context, id string, at time.Time) error {
	_, err := s.collection.UpdateOne(ctx,
		bson.M{"_id": id},
		bson.M{"$set": bson.M{"lastAccessedAt": at.UTC().Unix()}},
	)
	return err
}

func (s *MongoStore) Delete(ctx context.Context, id string) error {
	_, err := s.collection.DeleteOne(ctx, bson.M{"_id": id})
	return err
}

func (s *MongoStore) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	res, err := s.collection.DeleteMany(ctx, bson.M{"expiresAt": bson.M{"$lte": now.UTC().Unix()}})
	if err != nil {
		return 0, err
	}
	return int(res.DeletedCount), nil
}

func identityFilter(key domain.LinkKey) bson.M {
	return bson.M{
		"contentId":      key.ContentID,
		"type":           string(key.Type),
		"season":         key.Season,
		"episode":        key.Episode,
		"credentialHash": key.CredentialHash,
	}
}

func toDoc(link domain.CachedLink) linkDoc {
	return linkDoc{
		ID:             link.ID,
		ContentID:      link.Key.ContentID,
		Type:           string(link.Key.Type),
		Season:         link.Key.Season,
		Episode:        link.Key.Episode,
		Resolution:     link.Key.Resolution,
		CredentialHash: link.Key.CredentialHash,
		StreamURL:      link.StreamURL,
		FileName:       link.FileName,
		BitrateMbps:    link.EstimatedBitrateMbps,
		FileSizeBytes:  link.FileSizeBytes,
		CreatedAt:      link.CreatedAt.UTC().Unix(),
		ExpiresAt:      link.ExpiresAt.UTC().Unix(),
		LastAccessedAt: link.LastAccessedAt.UTC().Unix(),
	}
}

func fromDoc(doc linkDoc) domain.CachedLink {
	return domain.CachedLink{
		ID: doc.ID,
		Key: domain.LinkKey{
			ContentID:      doc.ContentID,
			Type:           domain.MediaType(doc.Type),
			Season:         doc.Season,
			Episode:        doc.Episode,
			Resolution:     doc.Resolution,
			CredentialHash: doc.CredentialHash,
		},
		StreamURL:            doc.StreamURL,
		FileName:             doc.FileName,
		EstimatedBitrateMbps: doc.BitrateMbps,
		FileSizeBytes:        doc.FileSizeBytes,
		CreatedAt:            time.Unix(doc.CreatedAt, 0).UTC(),
		ExpiresAt:            time.Unix(doc.ExpiresAt, 0).UTC(),
		LastAccessedAt:       time.Unix(doc.LastAccessedAt, 0).UTC(),
	}
}
