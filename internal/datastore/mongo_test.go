package datastore

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/stanstork/stratum-transfer/internal/apperr"
	"github.com/stanstork/stratum-transfer/internal/engine"
)

func TestNormalizeDocument(t *testing.T) {
	oid := bson.NewObjectID()
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	doc := normalizeDocument(bson.M{
		"_id":     oid,
		"placed":  bson.NewDateTimeFromTime(at),
		"missing": bson.Null{},
		"customer": bson.D{
			{Key: "name", Value: "Ann"},
			{Key: "tags", Value: bson.A{"vip", bson.D{{Key: "since", Value: int32(2020)}}}},
		},
	})

	assert.Equal(t, oid.Hex(), doc["_id"])
	assert.True(t, at.Equal(doc["placed"].(time.Time)))
	assert.Nil(t, doc["missing"])
	customer, ok := doc["customer"].(engine.Document)
	require.True(t, ok)
	assert.Equal(t, "Ann", customer["name"])
	assert.Equal(t, []any{"vip", engine.Document{"since": int32(2020)}}, customer["tags"])
}

func TestParseFilter(t *testing.T) {
	f, err := ParseFilter(nil)
	require.NoError(t, err)
	assert.Empty(t, f)

	f, err = ParseFilter(json.RawMessage(`{"status":"open","total":{"$gt":10}}`))
	require.NoError(t, err)
	require.Len(t, f, 2)
	assert.Equal(t, "status", f[0].Key)
	assert.Equal(t, "open", f[0].Value)

	_, err = ParseFilter(json.RawMessage(`{"status":`))
	assert.True(t, apperr.Is(err, apperr.KindValidation))
}
