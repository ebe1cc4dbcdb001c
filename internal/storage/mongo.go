package storage

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"amt/internal/domain"
)

const (
	defaultMongoDatabase = "amt"
	runLogCollection     = "run_logs"
	mongoTimeout         = 10 * time.Second
)

// MongoRunLogStore keeps run history in a MongoDB collection.
type MongoRunLogStore struct {
	client *mongo.Client
	coll   *mongo.Collection
}

// OpenMongo connects to uri. The database is taken from the URI path,
// "amt" when the path is empty.
func OpenMongo(uri string) (*MongoRunLogStore, error) {
	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, errors.Wrap(err, "connect mongo")
	}
	ctx, cancel := context.WithTimeout(context.Background(), mongoTimeout)
	defer cancel()
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, errors.Wrap(err, "ping mongo")
	}

	coll := client.Database(mongoDatabase(uri)).Collection(runLogCollection)
	_, err = coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "job", Value: 1}, {Key: "started_at", Value: -1}},
	})
	if err != nil {
		_ = client.Disconnect(ctx)
		return nil, errors.Wrap(err, "create run log index")
	}
	return &MongoRunLogStore{client: client, coll: coll}, nil
}

// mongoDatabase extracts the database name from user:pass@host/DB?params.
func mongoDatabase(uri string) string {
	rest := uri
	for _, prefix := range []string{"mongodb+srv://", "mongodb://"} {
		if strings.HasPrefix(rest, prefix) {
			rest = rest[len(prefix):]
			break
		}
	}
	if at := strings.LastIndex(rest, "@"); at != -1 {
		rest = rest[at+1:]
	}
	slash := strings.Index(rest, "/")
	if slash == -1 {
		return defaultMongoDatabase
	}
	name := rest[slash+1:]
	if q := strings.Index(name, "?"); q != -1 {
		name = name[:q]
	}
	if name == "" {
		return defaultMongoDatabase
	}
	return name
}

func (s *MongoRunLogStore) CreateRunLog(log *domain.RunLog) error {
	if log.ID == "" {
		log.ID = uuid.New().String()
	}
	ctx, cancel := context.WithTimeout(context.Background(), mongoTimeout)
	defer cancel()
	_, err := s.coll.InsertOne(ctx, log)
	return errors.Wrap(err, "insert run log")
}

func (s *MongoRunLogStore) ListRunLogs(job string, limit int) ([]domain.RunLog, error) {
	if limit <= 0 {
		limit = 50
	}
	filter := bson.M{}
	if job != "" {
		filter["job"] = job
	}
	ctx, cancel := context.WithTimeout(context.Background(), mongoTimeout)
	defer cancel()

	opts := options.Find().
		SetSort(bson.D{{Key: "started_at", Value: -1}}).
		SetLimit(int64(limit))
	cursor, err := s.coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, errors.Wrap(err, "find run logs")
	}
	var logs []domain.RunLog
	if err := cursor.All(ctx, &logs); err != nil {
		return nil, errors.Wrap(err, "decode run logs")
	}
	for i := range logs {
		logs[i].StartedAt, logs[i].FinishedAt = logs[i].StartedAt.UTC(), logs[i].FinishedAt.UTC()
	}
	return logs, nil
}

func (s *MongoRunLogStore) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), mongoTimeout)
	defer cancel()
	return s.client.Disconnect(ctx)
}

var _ domain.RunLogStore = (*MongoRunLogStore)(nil)
