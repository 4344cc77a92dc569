package docstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// mongoDocument is the shape of a record inside the MongoDB documents collection.
type mongoDocument struct {
	Key        string    `bson:"_id"`
	Collection string    `bson:"collection"`
	ID         string    `bson:"docId"`
	Data       bson.Raw  `bson:"data"`
	Version    int64     `bson:"version"`
	UpdateTime time.Time `bson:"updateTime"`
}

func (m *mongoDocument) record() *record {
	return &record{
		Collection: m.Collection,
		ID:         m.ID,
		Data:       []byte(m.Data),
		Version:    m.Version,
		UpdateTime: m.UpdateTime.UTC(),
	}
}

// mongoEngine keeps every logical collection in one MongoDB collection keyed by
// "<collection>/<id>". Commits run inside a multi-document transaction, which needs a
// replica set.
type mongoEngine struct {
	client *mongo.Client
	coll   *mongo.Collection
}

// OpenMongo connects to MongoDB and returns a DB storing documents in database.
func OpenMongo(ctx context.Context, uri, database string, opts ...Option) (*DB, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("mongo connect: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("mongo ping: %w", mongoErr(err))
	}
	coll := client.Database(database).Collection("documents")
	_, err = coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "collection", Value: 1}, {Key: "updateTime", Value: -1}},
	})
	if err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("mongo index: %w", mongoErr(err))
	}
	return newDB(&mongoEngine{client: client, coll: coll}, opts...), nil
}

func mongoKey(collection, id string) string {
	return collection + "/" + id
}

func findOne(ctx context.Context, coll *mongo.Collection, collection, id string) (*record, error) {
	var doc mongoDocument
	err := coll.FindOne(ctx, bson.M{"_id": mongoKey(collection, id)}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, mongoErr(err)
	}
	return doc.record(), nil
}

func (e *mongoEngine) get(ctx context.Context, collection, id string) (*record, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	return findOne(ctx, e.coll, collection, id)
}

func (e *mongoEngine) list(ctx context.Context, collection string) ([]*record, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	cur, err := e.coll.Find(ctx, bson.M{"collection": collection})
	if err != nil {
		return nil, mongoErr(err)
	}
	defer cur.Close(ctx)
	var out []*record
	for cur.Next(ctx) {
		var doc mongoDocument
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		out = append(out, doc.record())
	}
	if err := cur.Err(); err != nil {
		return nil, mongoErr(err)
	}
	return out, nil
}

func (e *mongoEngine) commit(ctx context.Context, prepare func(read readFunc) ([]*mutation, error)) error {
	ctx, cancel := context.WithTimeout(ctx, 2*opTimeout)
	defer cancel()
	sess, err := e.client.StartSession()
	if err != nil {
		return mongoErr(err)
	}
	defer sess.EndSession(ctx)

	_, err = sess.WithTransaction(ctx, func(sc mongo.SessionContext) (interface{}, error) {
		muts, err := prepare(func(collection, id string) (*record, error) {
			return findOne(sc, e.coll, collection, id)
		})
		if err != nil {
			return nil, err
		}
		for _, m := range muts {
			key := mongoKey(m.Collection, m.ID)
			if m.deleted {
				if _, err := e.coll.DeleteOne(sc, bson.M{"_id": key}); err != nil {
					return nil, err
				}
				continue
			}
			doc := mongoDocument{
				Key:        key,
				Collection: m.Collection,
				ID:         m.ID,
				Data:       bson.Raw(m.Data),
				Version:    m.Version,
				UpdateTime: m.UpdateTime,
			}
			opts := options.Replace().SetUpsert(true)
			if _, err := e.coll.ReplaceOne(sc, bson.M{"_id": key}, doc, opts); err != nil {
				return nil, err
			}
		}
		return nil, nil
	})
	return mongoErr(err)
}

// changeEvent is the projection of a change stream event that watch needs.
type changeEvent struct {
	DocumentKey struct {
		Key string `bson:"_id"`
	} `bson:"documentKey"`
}

// watch follows a change stream on the documents collection. Every key starts with the
// logical collection name, so deletes are attributed without the full document.
func (e *mongoEngine) watch(ctx context.Context, _ time.Duration, changed func(string)) error {
	pipeline := mongo.Pipeline{
		bson.D{{Key: "$project", Value: bson.D{{Key: "documentKey", Value: 1}}}},
	}
	cs, err := e.coll.Watch(ctx, pipeline)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return mongoErr(err)
	}
	defer cs.Close(context.Background())
	changed("")
	for cs.Next(ctx) {
		var ev changeEvent
		if err := cs.Decode(&ev); err != nil {
			return fmt.Errorf("decode change event: %w", err)
		}
		collection, _, _ := strings.Cut(ev.DocumentKey.Key, "/")
		changed(collection)
	}
	if ctx.Err() != nil {
		return nil
	}
	if err := cs.Err(); err != nil {
		return mongoErr(err)
	}
	return errors.New("docstore: change stream closed")
}

func (e *mongoEngine) close() error {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	return e.client.Disconnect(ctx)
}

// mongoErr marks network failures and timeouts as ErrUnavailable.
func mongoErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrAborted) || errors.Is(err, ErrNotFound) {
		return err
	}
	if mongo.IsNetworkError(err) || mongo.IsTimeout(err) {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return err
}
