package routes

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/stanstork/stratum-transfer/internal/handlers"
	"github.com/stanstork/stratum-transfer/internal/models"
)

// NewRouter sets up the API routes.
func NewRouter(
	jobs *handlers.JobHandler,
	conns *handlers.ConnectionHandler,
	queue handlers.QueueStats,
	metrics http.Handler,
) *mux.Router {
	router := mux.NewRouter()

	router.HandleFunc("/health", handlers.HealthCheck(queue)).Methods(http.MethodGet)
	if metrics == nil {
		metrics = promhttp.Handler()
	}
	router.Handle("/metrics", metrics).Methods(http.MethodGet)

	api := router.PathPrefix("/api").Subrouter()

	// Job submission and tracking
	api.HandleFunc("/jobs/transfer", jobs.Submit(models.JobKindDataTransfer)).Methods(http.MethodPost)
	api.HandleFunc("/jobs/sync", jobs.Submit(models.JobKindDataSync)).Methods(http.MethodPost)
	api.HandleFunc("/jobs/mongo-to-mssql", jobs.Submit(models.JobKindMongoToMssql)).Methods(http.MethodPost)
	api.HandleFunc("/jobs", jobs.ListJobs).Methods(http.MethodGet)
	api.HandleFunc("/jobs/{jobID}", jobs.GetJob).Methods(http.MethodGet)
	api.HandleFunc("/jobs/{jobID}/cancel", jobs.CancelJob).Methods(http.MethodPost)
	api.HandleFunc("/jobs/{jobID}/stop", jobs.StopJob).Methods(http.MethodPost)

	// Connection registry
	api.HandleFunc("/connections", conns.ListConnections).Methods(http.MethodGet)
	api.HandleFunc("/connections", conns.CreateConnection).Methods(http.MethodPost)
	api.HandleFunc("/connections/{name}", conns.GetConnection).Methods(http.MethodGet)
	api.HandleFunc("/connections/{name}", conns.DeleteConnection).Methods(http.MethodDelete)
	api.HandleFunc("/connections/{name}/test", conns.TestConnection).Methods(http.MethodPost)

	return router
}
