package datastore

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/stanstork/stratum-transfer/internal/apperr"
	"github.com/stanstork/stratum-transfer/internal/engine"
)

var _ engine.DocumentSource = (*MongoSource)(nil)

// MongoSource pages through a collection in _id order.
type MongoSource struct {
	coll   *mongo.Collection
	filter bson.D
}

// NewMongoSource reads coll, restricted by an optional extended-JSON filter.
func NewMongoSource(coll *mongo.Collection, filter json.RawMessage) (*MongoSource, error) {
	f, err := ParseFilter(filter)
	if err != nil {
		return nil, err
	}
	return &MongoSource{coll: coll, filter: f}, nil
}

// ParseFilter decodes a relaxed extended-JSON query document.
func ParseFilter(raw json.RawMessage) (bson.D, error) {
	f := bson.D{}
	if len(raw) == 0 || string(raw) == "null" {
		return f, nil
	}
	if err := bson.UnmarshalExtJSON(raw, false, &f); err != nil {
		return nil, apperr.Validation("invalid document filter: %v", err)
	}
	return f, nil
}

func (s *MongoSource) Page(ctx context.Context, skip int64, limit int) ([]engine.Document, error) {
	findOpts := options.Find().
		SetSort(bson.D{{Key: "_id", Value: 1}}).
		SetSkip(skip).
		SetLimit(int64(limit))

	cursor, err := s.coll.Find(ctx, s.filter, findOpts)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to query collection %s", s.coll.Name())
	}
	var raw []bson.M
	if err := cursor.All(ctx, &raw); err != nil {
		return nil, errors.Wrapf(err, "failed to decode documents from %s", s.coll.Name())
	}

	docs := make([]engine.Document, len(raw))
	for i, m := range raw {
		docs[i] = normalizeDocument(m)
	}
	return docs, nil
}

func normalizeDocument(m bson.M) engine.Document {
	doc := make(engine.Document, len(m))
	for k, v := range m {
		doc[k] = normalizeValue(v)
	}
	return doc
}

// normalizeValue maps BSON values onto plain Go values so documents can be
// flattened and serialized as ordinary JSON.
func normalizeValue(v any) any {
	switch val := v.(type) {
	case bson.M:
		return normalizeDocument(val)
	case map[string]any:
		return normalizeDocument(val)
	case bson.D:
		doc := make(engine.Document, len(val))
		for _, e := range val {
			doc[e.Key] = normalizeValue(e.Value)
		}
		return doc
	case bson.A:
		out := make([]any, len(val))
		for i, e := range val {
			out[i] = normalizeValue(e)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, e := range val {
			out[i] = normalizeValue(e)
		}
		return out
	case bson.ObjectID:
		return val.Hex()
	case bson.DateTime:
		return val.Time().UTC()
	case bson.Decimal128:
		return val.String()
	case bson.Timestamp:
		return int64(val.T)
	case bson.Null, bson.Undefined:
		return nil
	default:
		return v
	}
}
