package fetch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ericvolp12/feedsync/pkg/feed"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// MongoFetcher pages a collection whose documents use _id as the record id
// and carry created_at, category, status and location fields.
type MongoFetcher struct {
	logger     *slog.Logger
	collection *mongo.Collection
}

func NewMongoFetcher(logger *slog.Logger, collection *mongo.Collection) *MongoFetcher {
	return &MongoFetcher{
		logger:     logger.With("module", "fetch", "collection", collection.Name()),
		collection: collection,
	}
}

// KeysetQuery is the find filter for one page: the feed's filter plus, past
// the first page, everything strictly after the cursor in (created_at, _id)
// descending order.
func KeysetQuery(filter feed.Filter, after *feed.Cursor) bson.M {
	q := bson.M{}
	if filter.Category != "" {
		q["category"] = filter.Category
	}
	if filter.Status != "" {
		q["status"] = filter.Status
	}
	if after != nil {
		at := primitive.NewDateTimeFromTime(after.CreatedAt)
		q["$or"] = bson.A{
			bson.M{"created_at": bson.M{"$lt": at}},
			bson.M{"created_at": at, "_id": bson.M{"$lt": after.ID}},
		}
	}
	return q
}

func keysetSort() bson.D {
	return bson.D{{Key: "created_at", Value: -1}, {Key: "_id", Value: -1}}
}

func (m *MongoFetcher) FetchPage(ctx context.Context, filter feed.Filter, after *feed.Cursor) (feed.Page, error) {
	ctx, span := tracer.Start(ctx, "MongoFetchPage")
	defer span.End()

	name := m.collection.Name()
	span.SetAttributes(
		attribute.String("collection", name),
		attribute.String("filter", filter.String()),
	)

	start := time.Now()
	page, err := m.fetchPage(ctx, filter, after)
	requestDuration.WithLabelValues("mongo", name).Observe(time.Since(start).Seconds())

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		requestsTotal.WithLabelValues("mongo", name, string(feed.Classify(err))).Inc()
		return feed.Page{}, err
	}

	requestsTotal.WithLabelValues("mongo", name, "ok").Inc()
	rowsReturned.WithLabelValues("mongo", name).Observe(float64(len(page.Records)))

	return page, nil
}

func (m *MongoFetcher) fetchPage(ctx context.Context, filter feed.Filter, after *feed.Cursor) (feed.Page, error) {
	opts := options.Find().SetSort(keysetSort()).SetLimit(int64(filter.PageSize))

	cursor, err := m.collection.Find(ctx, KeysetQuery(filter, after), opts)
	if err != nil {
		return feed.Page{}, mongoError("find", err)
	}
	defer cursor.Close(ctx)

	var docs []bson.M
	if err := cursor.All(ctx, &docs); err != nil {
		return feed.Page{}, mongoError("read cursor", err)
	}

	page := feed.Page{Records: make([]feed.Record, 0, len(docs))}
	for _, doc := range docs {
		rec, err := feed.DecodeRecord(DocumentFromBSON(doc))
		if err != nil {
			return feed.Page{}, fmt.Errorf("%w: %w", feed.ErrBackend, err)
		}
		page.Records = append(page.Records, rec)
	}

	if len(page.Records) == filter.PageSize && len(page.Records) > 0 {
		page.Next = feed.CursorOf(page.Records[len(page.Records)-1])
	}

	m.logger.Debug("fetched page", "filter", filter.String(), "rows", len(page.Records))

	return page, nil
}

func mongoError(op string, err error) error {
	if mongo.IsNetworkError(err) || mongo.IsTimeout(err) ||
		errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("mongo %s: %w: %w", op, feed.ErrNetwork, err)
	}
	return fmt.Errorf("mongo %s: %w: %w", op, feed.ErrBackend, err)
}

// DocumentFromBSON converts a decoded BSON document into the plain shape
// feed.DecodeRecord reads: _id becomes id and driver types become Go ones.
func DocumentFromBSON(doc bson.M) map[string]any {
	out := make(map[string]any, len(doc))
	for k, v := range doc {
		if k == "_id" {
			k = "id"
		}
		out[k] = bsonValue(v)
	}
	return out
}

func bsonValue(v any) any {
	switch t := v.(type) {
	case bson.M:
		return DocumentFromBSON(t)
	case bson.D:
		return DocumentFromBSON(t.Map())
	case bson.A:
		out := make([]any, len(t))
		for i := range t {
			out[i] = bsonValue(t[i])
		}
		return out
	case primitive.DateTime:
		return t.Time().UTC()
	case primitive.ObjectID:
		return t.Hex()
	case primitive.Decimal128:
		return t.String()
	case int32:
		return int64(t)
	default:
		return v
	}
}
