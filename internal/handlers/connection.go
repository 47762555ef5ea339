package handlers

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/stanstork/stratum-transfer/internal/apperr"
	"github.com/stanstork/stratum-transfer/internal/models"
	"github.com/stanstork/stratum-transfer/internal/repository"
)

// ConnectionTester opens and pings a registered connection.
type ConnectionTester interface {
	Test(ctx context.Context, name string) error
}

type ConnectionHandler struct {
	repo   repository.ConnectionRepository
	tester ConnectionTester
	logger zerolog.Logger
}

func NewConnectionHandler(repo repository.ConnectionRepository, tester ConnectionTester, logger zerolog.Logger) *ConnectionHandler {
	return &ConnectionHandler{
		repo:   repo,
		tester: tester,
		logger: logger.With().Str("component", "connection_handler").Logger(),
	}
}

// withoutSecret returns a copy safe to serialize.
func withoutSecret(c *models.Connection) *models.Connection {
	cp := *c
	cp.Password = ""
	return &cp
}

func (h *ConnectionHandler) ListConnections(w http.ResponseWriter, r *http.Request) {
	conns, err := h.repo.List(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]*models.Connection, 0, len(conns))
	for _, c := range conns {
		out = append(out, withoutSecret(c))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *ConnectionHandler) GetConnection(w http.ResponseWriter, r *http.Request) {
	conn, err := h.repo.Get(r.Context(), mux.Vars(r)["name"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, withoutSecret(conn))
}

func (h *ConnectionHandler) CreateConnection(w http.ResponseWriter, r *http.Request) {
	var conn models.Connection
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&conn); err != nil {
		writeError(w, apperr.Validation("Invalid request payload"))
		return
	}
	created, err := h.repo.Create(r.Context(), &conn)
	if err != nil {
		writeError(w, err)
		return
	}
	h.logger.Info().Str("connection", created.Redacted()).Msg("connection registered")
	writeJSON(w, http.StatusCreated, withoutSecret(created))
}

func (h *ConnectionHandler) DeleteConnection(w http.ResponseWriter, r *http.Request) {
	if err := h.repo.Delete(r.Context(), mux.Vars(r)["name"]); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *ConnectionHandler) TestConnection(w http.ResponseWriter, r *http.Request) {
	if err := h.tester.Test(r.Context(), mux.Vars(r)["name"]); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
