package datastore

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stanstork/stratum-transfer/internal/apperr"
	"github.com/stanstork/stratum-transfer/internal/models"
	"github.com/stanstork/stratum-transfer/internal/repository"
)

func newTestResolver() *Resolver {
	conns := repository.NewStaticConnectionRepository([]models.Connection{
		{Name: "orders-pg", DataFormat: "pg", Host: "127.0.0.1", Port: 1, Username: "svc", Password: "s3cret-pw", DBName: "orders"},
		{Name: "docs", DataFormat: "mongo", Host: "127.0.0.1", Port: 1, DBName: "shop"},
	})
	return NewResolver(conns, 2*time.Second, zerolog.Nop())
}

func TestResolver_UnknownConnection(t *testing.T) {
	_, err := newTestResolver().Open(context.Background(), Request{Source: "orders-pg", Target: "missing", SourceQuery: "SELECT 1"})
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindConnectivity))
	assert.Contains(t, err.Error(), `target connection "missing" is not configured`)
}

func TestResolver_DocumentTargetRejected(t *testing.T) {
	_, err := newTestResolver().Open(context.Background(), Request{Source: "orders-pg", Target: "docs", SourceQuery: "SELECT 1"})
	assert.True(t, apperr.Is(err, apperr.KindValidation))
}

func TestResolver_CollectionNeedsDocumentSource(t *testing.T) {
	_, err := newTestResolver().Open(context.Background(), Request{Source: "orders-pg", Target: "orders-pg", Collection: "orders"})
	assert.True(t, apperr.Is(err, apperr.KindValidation))
}

func TestResolver_UnreachableTargetIsRedacted(t *testing.T) {
	_, err := newTestResolver().Open(context.Background(), Request{Source: "orders-pg", Target: "orders-pg", SourceQuery: "SELECT 1"})
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindConnectivity))
	assert.Contains(t, err.Error(), `pg "orders-pg"`)
	assert.NotContains(t, err.Error(), "s3cret-pw")
	assert.NotContains(t, err.Error(), "postgres://")
}

func TestResolver_TestConnection(t *testing.T) {
	r := newTestResolver()

	err := r.Test(context.Background(), "missing")
	assert.True(t, apperr.Is(err, apperr.KindNotFound))

	err = r.Test(context.Background(), "orders-pg")
	assert.True(t, apperr.Is(err, apperr.KindConnectivity))
	assert.NotContains(t, err.Error(), "s3cret-pw")
}
