package handlers

import (
	"net/http"
)

// QueueStats reports the job queue fill level.
type QueueStats interface {
	Len() int
	Cap() int
}

// HealthCheck returns a simple JSON status with the queue fill level.
func HealthCheck(q QueueStats) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"status":         "ok",
			"queue_depth":    q.Len(),
			"queue_capacity": q.Cap(),
		})
	}
}
