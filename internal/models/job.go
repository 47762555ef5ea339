package models

import (
	"encoding/json"
	"time"
)

// JobKind selects the transfer algorithm a job runs.
type JobKind string

const (
	JobKindDataTransfer JobKind = "data_transfer"
	JobKindDataSync     JobKind = "data_sync"
	JobKindMongoToMssql JobKind = "mongo_to_mssql"
)

// Valid reports whether k is a known kind.
func (k JobKind) Valid() bool {
	return k == JobKindDataTransfer || k == JobKindDataSync || k == JobKindMongoToMssql
}

// JobStatus is the lifecycle state of a job.
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// Terminal reports whether no further transition can leave s.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed || s == JobStatusCancelled
}

var transitions = map[JobStatus][]JobStatus{
	JobStatusPending: {JobStatusRunning, JobStatusCancelled},
	JobStatusRunning: {JobStatusCompleted, JobStatusFailed, JobStatusCancelled},
}

// CanTransition reports whether from -> to is a legal edge of the job state machine.
func CanTransition(from, to JobStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// JobResult summarizes the work a transfer committed.
type JobResult struct {
	RowsAffected  int64    `json:"rows_affected"`
	RowsDeleted   int64    `json:"rows_deleted,omitempty"`
	SkippedCount  int64    `json:"skipped_count,omitempty"`
	BatchCount    int      `json:"batch_count"`
	TablesTouched []string `json:"tables_touched"`
}

// JobError is the persisted summary of a failed job. It never carries
// connection strings or credentials.
type JobError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
	Batch   int    `json:"batch,omitempty"`
	Offset  int64  `json:"offset,omitempty"`
}

// Job is one requested transfer or sync and its lifecycle state.
type Job struct {
	ID          string          `json:"id" db:"id"`
	Kind        JobKind         `json:"kind" db:"kind"`
	Parameters  json.RawMessage `json:"parameters" db:"parameters"`
	Status      JobStatus       `json:"status" db:"status"`
	CreatedAt   time.Time       `json:"created_at" db:"created_at"`
	StartedAt   *time.Time      `json:"started_at,omitempty" db:"started_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty" db:"completed_at"`
	Result      *JobResult      `json:"result,omitempty" db:"result"`
	Progress    *JobResult      `json:"progress,omitempty" db:"progress"`
	Error       *JobError       `json:"error,omitempty" db:"error"`
}

// JobUpdate holds the fields written together with a status transition.
type JobUpdate struct {
	At       time.Time
	Result   *JobResult
	Progress *JobResult
	Error    *JobError
}

// ApplyTransition moves j to status `to`, stamping timestamps and keeping
// result/error consistent with the new status. The caller has already
// checked CanTransition.
func (j *Job) ApplyTransition(to JobStatus, upd JobUpdate) {
	at := upd.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	j.Status = to
	switch to {
	case JobStatusRunning:
		if j.StartedAt == nil {
			j.StartedAt = &at
		}
	case JobStatusCompleted:
		j.Result = upd.Result
		if j.Result == nil {
			j.Result = &JobResult{}
		}
		j.Progress = nil
		j.Error = nil
	case JobStatusFailed:
		j.Error = upd.Error
		if j.Error == nil {
			j.Error = &JobError{Kind: "internal", Message: "job failed"}
		}
		j.Result = nil
		j.Progress = upd.Progress
	case JobStatusCancelled:
		j.Result = nil
		j.Error = nil
		j.Progress = upd.Progress
	}
	if to.Terminal() && j.CompletedAt == nil {
		j.CompletedAt = &at
	}
}

// Clone returns a deep copy of j.
func (j Job) Clone() Job {
	cp := j
	if j.Parameters != nil {
		cp.Parameters = append(json.RawMessage(nil), j.Parameters...)
	}
	if j.StartedAt != nil {
		t := *j.StartedAt
		cp.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		cp.CompletedAt = &t
	}
	cp.Result = j.Result.clone()
	cp.Progress = j.Progress.clone()
	if j.Error != nil {
		e := *j.Error
		cp.Error = &e
	}
	return cp
}

func (r *JobResult) clone() *JobResult {
	if r == nil {
		return nil
	}
	cp := *r
	cp.TablesTouched = append([]string(nil), r.TablesTouched...)
	return &cp
}
