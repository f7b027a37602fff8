package syncstore

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/newsbridge/livesync/internal/liveblog"
)

const (
	mongoDefaultDatabase     = "livesync"
	mongoWatermarkCollection = "watermarks"
	mongoRecordCollection    = "sync_records"
	mongoOperationTimeout    = 5 * time.Second
)

type MongoStore struct {
	dsn      string
	database string

	initOnce sync.Once
	initErr  error
	client   *mongo.Client
}

func NewMongoStore(dsn string) (*MongoStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	database := mongoDefaultDatabase
	if parsed, err := url.Parse(dsn); err == nil {
		if path := strings.Trim(parsed.Path, "/"); path != "" {
			database = path
		}
	}
	return &MongoStore{dsn: dsn, database: database}, nil
}

type mongoWatermark struct {
	SourceID   string    `bson:"source_id"`
	LastSynced time.Time `bson:"last_synced"`
}

func (s *MongoStore) LastSynced(ctx context.Context, sourceID string) (*time.Time, error) {
	if err := s.ensureReady(ctx); err != nil {
		return nil, err
	}
	opCtx, cancel := context.WithTimeout(ctx, mongoOperationTimeout)
	defer cancel()
	var doc mongoWatermark
	err := s.collection(mongoWatermarkCollection).
		FindOne(opCtx, bson.M{"source_id": sourceID}).
		Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	t := doc.LastSynced.UTC()
	return &t, nil
}

func (s *MongoStore) SetLastSynced(ctx context.Context, sourceID string, t time.Time) error {
	if sourceID == "" {
		return ErrInvalidInput
	}
	if err := s.ensureReady(ctx); err != nil {
		return err
	}
	opCtx, cancel := context.WithTimeout(ctx, mongoOperationTimeout)
	defer cancel()
	_, err := s.collection(mongoWatermarkCollection).ReplaceOne(
		opCtx,
		bson.M{"source_id": sourceID},
		mongoWatermark{SourceID: sourceID, LastSynced: t.UTC()},
		options.Replace().SetUpsert(true),
	)
	return err
}

func (s *MongoStore) Lookup(ctx context.Context, postID string) (*liveblog.SyncRecord, error) {
	if err := s.ensureReady(ctx); err != nil {
		return nil, err
	}
	opCtx, cancel := context.WithTimeout(ctx, mongoOperationTimeout)
	defer cancel()
	var record liveblog.SyncRecord
	err := s.collection(mongoRecordCollection).
		FindOne(opCtx, bson.M{"post_id": postID}).
		Decode(&record)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	record.SyncedAt = record.SyncedAt.UTC()
	return &record, nil
}

func (s *MongoStore) Save(ctx context.Context, record liveblog.SyncRecord) error {
	if record.PostID == "" {
		return ErrInvalidInput
	}
	if err := s.ensureReady(ctx); err != nil {
		return err
	}
	opCtx, cancel := context.WithTimeout(ctx, mongoOperationTimeout)
	defer cancel()
	_, err := s.collection(mongoRecordCollection).ReplaceOne(
		opCtx,
		bson.M{"post_id": record.PostID},
		record,
		options.Replace().SetUpsert(true),
	)
	return err
}

func (s *MongoStore) Delete(ctx context.Context, postID string) error {
	if err := s.ensureReady(ctx); err != nil {
		return err
	}
	opCtx, cancel := context.WithTimeout(ctx, mongoOperationTimeout)
	defer cancel()
	_, err := s.collection(mongoRecordCollection).DeleteOne(opCtx, bson.M{"post_id": postID})
	return err
}

func (s *MongoStore) Close() error {
	if s.client == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), mongoOperationTimeout)
	defer cancel()
	return s.client.Disconnect(ctx)
}

func (s *MongoStore) collection(name string) *mongo.Collection {
	return s.client.Database(s.database).Collection(name)
}

func (s *MongoStore) ensureReady(ctx context.Context) error {
	s.initOnce.Do(func() {
		connectCtx, cancel := context.WithTimeout(ctx, mongoOperationTimeout)
		defer cancel()
		client, err := mongo.Connect(connectCtx, options.Client().ApplyURI(s.dsn))
		if err != nil {
			s.initErr = err
			return
		}
		s.client = client
	})
	return s.initErr
}
