package realtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/cenkalti/backoff/v4"
	"github.com/ericvolp12/feedsync/pkg/feed"
	"github.com/ericvolp12/feedsync/pkg/fetch"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoSubscriber turns a collection's change stream into feed events. A
// broken stream is resumed from its last token with exponential backoff.
type MongoSubscriber struct {
	logger     *slog.Logger
	collection *mongo.Collection

	Backoff Backoff
}

func NewMongoSubscriber(logger *slog.Logger, collection *mongo.Collection) *MongoSubscriber {
	return &MongoSubscriber{
		logger:     logger.With("module", "realtime", "transport", "mongo", "collection", collection.Name()),
		collection: collection,
	}
}

// ChangePipeline matches the changes a feed with filter cares about. Only
// inserts are narrowed: a delete carries only the document key, and an update
// may move a held document out of the filter.
func ChangePipeline(filter feed.Filter) mongo.Pipeline {
	insert := bson.M{"operationType": "insert"}
	if filter.Category != "" {
		insert["fullDocument.category"] = filter.Category
	}
	if filter.Status != "" {
		insert["fullDocument.status"] = filter.Status
	}

	return mongo.Pipeline{
		{{Key: "$match", Value: bson.M{"$or": bson.A{
			bson.M{"operationType": bson.M{"$in": bson.A{"delete", "update", "replace"}}},
			insert,
		}}}},
	}
}

type changeEvent struct {
	OperationType string `bson:"operationType"`
	FullDocument  bson.M `bson:"fullDocument"`
	DocumentKey   bson.M `bson:"documentKey"`
	Namespace     struct {
		Coll string `bson:"coll"`
	} `bson:"ns"`
}

var errNoFullDocument = errors.New("change has no full document")

// Envelope converts a change stream document to the channel's envelope shape.
func (c changeEvent) Envelope() (Envelope, error) {
	env := Envelope{Table: c.Namespace.Coll}
	switch c.OperationType {
	case "insert":
		env.Type = "INSERT"
	case "update", "replace":
		env.Type = "UPDATE"
	case "delete":
		env.Type = "DELETE"
		env.OldRecord = fetch.DocumentFromBSON(c.DocumentKey)
		return env, nil
	default:
		return Envelope{}, fmt.Errorf("unsupported change %q", c.OperationType)
	}

	// The document was deleted before the update lookup ran; the delete
	// change follows.
	if c.FullDocument == nil {
		return Envelope{}, errNoFullDocument
	}
	env.Record = fetch.DocumentFromBSON(c.FullDocument)
	return env, nil
}

func (s *MongoSubscriber) watch(ctx context.Context, filter feed.Filter, resume bson.Raw) (*mongo.ChangeStream, error) {
	opts := options.ChangeStream().SetFullDocument(options.UpdateLookup)
	if resume != nil {
		opts.SetResumeAfter(resume)
	}
	return s.collection.Watch(ctx, ChangePipeline(filter), opts)
}

func (s *MongoSubscriber) Subscribe(ctx context.Context, filter feed.Filter, onEvent func(feed.Event)) (feed.Handle, error) {
	ctx, span := tracer.Start(ctx, "MongoSubscribe")
	defer span.End()

	logger := s.logger.With("filter", filter.String())
	scope := NewScope(s.collection.Name(), filter)

	cs, err := s.watch(ctx, filter, nil)
	if err != nil {
		subscriptionErrors.WithLabelValues("mongo").Inc()
		return nil, fmt.Errorf("failed to open change stream: %w: %w", feed.ErrSubscription, err)
	}

	logger.Info("watching change stream")

	subCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})

	go func() {
		defer close(done)
		activeSubscriptions.WithLabelValues("mongo").Inc()
		defer activeSubscriptions.WithLabelValues("mongo").Dec()

		for {
			for cs.Next(subCtx) {
				var change changeEvent
				if err := cs.Decode(&change); err != nil {
					messagesTotal.WithLabelValues("mongo", "malformed").Inc()
					logger.Warn("failed to decode change", "err", err)
					continue
				}
				env, err := change.Envelope()
				if err != nil {
					messagesTotal.WithLabelValues("mongo", "malformed").Inc()
					logger.Debug("skipping change", "op", change.OperationType, "err", err)
					continue
				}
				dispatch(logger, "mongo", scope, env, onEvent)
			}

			resume := cs.ResumeToken()
			streamErr := cs.Err()
			cs.Close(context.Background())

			if subCtx.Err() != nil {
				return
			}

			subscriptionErrors.WithLabelValues("mongo").Inc()
			logger.Error("change stream dropped", "err", fmt.Errorf("%w: %w", feed.ErrSubscription, streamErr))

			err := reconnect(subCtx, logger, "mongo", s.Backoff, func() error {
				next, err := s.watch(subCtx, filter, resume)
				if err != nil {
					if subCtx.Err() != nil {
						return backoff.Permanent(err)
					}
					return err
				}
				cs = next
				return nil
			})
			if err != nil {
				return
			}

			reconnectsTotal.WithLabelValues("mongo").Inc()
			logger.Info("resumed change stream")
		}
	}()

	return feed.NewHandle(func() error {
		cancel()
		<-done
		logger.Info("realtime subscription disposed")
		return nil
	}), nil
}
