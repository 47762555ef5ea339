package models

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stanstork/stratum-transfer/internal/apperr"
)

func TestCanTransition(t *testing.T) {
	legal := [][2]JobStatus{
		{JobStatusPending, JobStatusRunning},
		{JobStatusPending, JobStatusCancelled},
		{JobStatusRunning, JobStatusCompleted},
		{JobStatusRunning, JobStatusFailed},
		{JobStatusRunning, JobStatusCancelled},
	}
	for _, e := range legal {
		assert.True(t, CanTransition(e[0], e[1]), "%s -> %s", e[0], e[1])
	}

	illegal := [][2]JobStatus{
		{JobStatusPending, JobStatusCompleted},
		{JobStatusPending, JobStatusFailed},
		{JobStatusRunning, JobStatusPending},
		{JobStatusCompleted, JobStatusRunning},
		{JobStatusFailed, JobStatusPending},
		{JobStatusCancelled, JobStatusRunning},
	}
	for _, e := range illegal {
		assert.False(t, CanTransition(e[0], e[1]), "%s -> %s", e[0], e[1])
	}
}

func TestApplyTransition(t *testing.T) {
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	j := Job{ID: "j1", Status: JobStatusPending}

	j.ApplyTransition(JobStatusRunning, JobUpdate{At: at})
	require.NotNil(t, j.StartedAt)
	assert.Equal(t, at, *j.StartedAt)
	assert.Nil(t, j.CompletedAt)

	j.ApplyTransition(JobStatusFailed, JobUpdate{
		At:       at.Add(time.Minute),
		Error:    &JobError{Kind: "data", Message: "boom", Batch: 2, Offset: 2},
		Progress: &JobResult{RowsAffected: 2, BatchCount: 1},
	})
	assert.Equal(t, JobStatusFailed, j.Status)
	assert.Nil(t, j.Result)
	require.NotNil(t, j.Error)
	assert.Equal(t, 2, j.Error.Batch)
	require.NotNil(t, j.CompletedAt)
	assert.Equal(t, at.Add(time.Minute), *j.CompletedAt)
}

func TestApplyTransition_CompletedAlwaysHasResult(t *testing.T) {
	j := Job{Status: JobStatusRunning}
	j.ApplyTransition(JobStatusCompleted, JobUpdate{})
	require.NotNil(t, j.Result)
	assert.Nil(t, j.Error)
	assert.NotNil(t, j.CompletedAt)
}

func TestClone_IsDeep(t *testing.T) {
	now := time.Now()
	j := Job{
		Parameters: json.RawMessage(`{"a":1}`),
		StartedAt:  &now,
		Result:     &JobResult{TablesTouched: []string{"t"}},
	}
	cp := j.Clone()
	cp.Parameters[0] = '['
	cp.Result.TablesTouched[0] = "x"
	*cp.StartedAt = now.Add(time.Hour)

	assert.Equal(t, `{"a":1}`, string(j.Parameters))
	assert.Equal(t, "t", j.Result.TablesTouched[0])
	assert.Equal(t, now, *j.StartedAt)
}

func TestDecodeParameters(t *testing.T) {
	t.Run("transfer defaults and validates", func(t *testing.T) {
		p, err := DecodeParameters(JobKindDataTransfer, json.RawMessage(
			`{"source":"src","target":"dst","source_query":"SELECT * FROM a","target_table":"dbo.b"}`))
		require.NoError(t, err)
		p.ApplyDefaults(500)
		require.NoError(t, p.Validate())
		assert.Equal(t, 500, p.(*TransferParams).BatchSize)
	})

	t.Run("negative batch size", func(t *testing.T) {
		p, err := DecodeParameters(JobKindDataTransfer, json.RawMessage(
			`{"source":"src","target":"dst","source_query":"q","target_table":"b","batch_size":-1}`))
		require.NoError(t, err)
		p.ApplyDefaults(500)
		err = p.Validate()
		assert.True(t, apperr.Is(err, apperr.KindValidation))
	})

	t.Run("unknown kind", func(t *testing.T) {
		_, err := DecodeParameters("nope", json.RawMessage(`{}`))
		assert.True(t, apperr.Is(err, apperr.KindValidation))
	})

	t.Run("sync defaults to full scope", func(t *testing.T) {
		p, err := DecodeParameters(JobKindDataSync, json.RawMessage(
			`{"source":"src","target":"dst","source_query":"q","target_table":"b"}`))
		require.NoError(t, err)
		p.ApplyDefaults(10)
		require.NoError(t, p.Validate())
		assert.Equal(t, SyncScopeFull, p.(*SyncParams).Scope.Mode)
	})

	t.Run("key range needs column", func(t *testing.T) {
		p, err := DecodeParameters(JobKindDataSync, json.RawMessage(
			`{"source":"src","target":"dst","source_query":"q","target_table":"b","scope":{"mode":"key_range","from":1}}`))
		require.NoError(t, err)
		p.ApplyDefaults(10)
		assert.True(t, apperr.Is(p.Validate(), apperr.KindValidation))
	})

	t.Run("document needs mapping outside json mode", func(t *testing.T) {
		p, err := DecodeParameters(JobKindMongoToMssql, json.RawMessage(
			`{"source":"m","target":"s","collection":"orders","target_table":"Orders"}`))
		require.NoError(t, err)
		p.ApplyDefaults(10)
		assert.True(t, apperr.Is(p.Validate(), apperr.KindValidation))

		p, err = DecodeParameters(JobKindMongoToMssql, json.RawMessage(
			`{"source":"m","target":"s","collection":"orders","target_table":"Orders","json_mode":true}`))
		require.NoError(t, err)
		p.ApplyDefaults(10)
		require.NoError(t, p.Validate())
		dp := p.(*DocumentParams)
		assert.Equal(t, MappingErrorSkip, dp.OnMappingError)
		assert.Equal(t, "Orders_JSON", dp.JSONTable())
	})

	t.Run("document mapping defaults", func(t *testing.T) {
		p, err := DecodeParameters(JobKindMongoToMssql, json.RawMessage(
			`{"source":"m","target":"s","collection":"c","target_table":"T","field_mapping":[{"field":"address.city"}]}`))
		require.NoError(t, err)
		p.ApplyDefaults(10)
		require.NoError(t, p.Validate())
		f := p.(*DocumentParams).FieldMapping[0]
		assert.Equal(t, "address_city", f.Column)
		assert.Equal(t, FieldTypeString, f.Type)
	})
}
