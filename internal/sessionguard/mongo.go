package sessionguard

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/discoduckasaurus/duckflix-lite-sub000/internal/domain"
)

const collectionName = "active_sessions"

type MongoStore struct {
	collection *mongo.Collection
}

type sessionDoc struct {
	CredentialHash  string `bson:"credentialHash"`
	IPAddress       string `bson:"ipAddress"`
	UserID          string `bson:"userId"`
	Username        string `bson:"username"`
	StreamStartedAt int64  `bson:"streamStartedAt"`
	LastHeartbeatAt int64  `bson:"lastHeartbeatAt"`
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
			Keys:    bson.D{{Key: "credentialHash", Value: 1}, {Key: "ipAddress", Value: 1}},
			Options: options.Index().SetUnique(true).SetName("session_key_unique"),
		},
		{Keys: bson.D{{Key: "lastHeartbeatAt", Value: 1}}},
	}
	_, err := s.collection.Indexes().CreateMany(ctx, models)
	return err
}

func (s *MongoStore) FindLiveElsewhere(ctx context.Context, credentialHash, ip string, since time.Time) (domain.ActiveSession, bool, error) {
	filter := bson.M{
		"credentialHash":  credentialHash,
		"ipAddress":       bson.M{"$ne": ip},
		"lastHeartbeatAt": bson.M{"$gte": since.UTC().UnixMilli()},
	}
	opts := options.FindOne().SetSort(bson.D{{Key: "lastHeartbeatAt", Value: -1}})
	var doc sessionDoc
	if err := s.collection.FindOne(ctx, filter, opts).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return domain.ActiveSession{}, false, nil
		}
		return domain.ActiveSession{}, false, err
	}
	return fromDoc(doc), true, nil
}

func (s *MongoStore) Upsert(ctx context.Context, session domain.ActiveSession) (domain.ActiveSession, error) {
	doc := toDoc(session)
	filter := bson.M{"credentialHash": doc.CredentialHash, "ipAddress": doc.IPAddress}
	update := bson.M{
		"$set": bson.M{
			"userId":          doc.UserID,
			"username":        doc.Username,
			"lastHeartbeatAt": doc.LastHeartbeatAt,
		},
		"$setOnInsert": bson.M{"streamStartedAt": doc.StreamStartedAt},
	}
	opts := options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After)
	var stored sessionDoc
	if err := s.collection.FindOneAndUpdate(ctx, filter, update, opts).Decode(&stored); err != nil {
		return domain.ActiveSession{}, err
	}
	return fromDoc(stored), nil
}

func (s *MongoStore) Heartbeat(ctx context.Context, credentialHash, ip string, at time.Time) (bool, error) {
	res, err := s.collection.UpdateOne(ctx,
		bson.M{"credentialHash": credentialHash, "ipAddress": ip},
		bson.M{"$set": bson.M{"lastHeartbeatAt": at.UTC().UnixMilli()}},
	)
	if err != nil {
		return false, err
	}
	return res.MatchedCount > 0, nil
}

func (s *MongoStore) Delete(ctx context.Context, credentialHash, ip string) error {
	_, err := s.collection.DeleteOne(ctx, bson.M{"credentialHash": credentialHash, "ipAddress": ip})
	return err
}

func (s *MongoStore) DeleteStale(ctx context.Context, before time.Time) (int, error) {
	res, err := s.collection.DeleteMany(ctx, bson.M{"lastHeartbeatAt": bson.M{"$lt": before.UTC().UnixMilli()}})
	if err != nil {
		return 0, err
	}
	return int(res.DeletedCount), nil
}

// Heartbeats are stored in milliseconds; the 5s liveness window needs
// sub-second precision.
func toDoc(session domain.ActiveSession) sessionDoc {
	return sessionDoc{
		CredentialHash:  session.CredentialHash,
		IPAddress:       session.IPAddress,
		UserID:          session.UserID,
		Username:        session.Username,
		StreamStartedAt: session.StreamStartedAt.UTC().UnixMilli(),
		LastHeartbeatAt: session.LastHeartbeatAt.UTC().UnixMilli(),
	}
}

func fromDoc(doc sessionDoc) domain.ActiveSession {
	return domain.ActiveSession{
		CredentialHash:  doc.CredentialHash,
		IPAddress:       doc.IPAddress,
		UserID:          doc.UserID,
		Username:        doc.Username,
		StreamStartedAt: time.UnixMilli(doc.StreamStartedAt).UTC(),
		LastHeartbeatAt: time.UnixMilli(doc.LastHeartbeatAt).UTC(),
	}
}
