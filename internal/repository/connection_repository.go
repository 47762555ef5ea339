package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"sort"
	"strings"

	"github.com/pkg/errors"

	"github.com/stanstork/stratum-transfer/internal/apperr"
	"github.com/stanstork/stratum-transfer/internal/models"
	"github.com/stanstork/stratum-transfer/internal/utils"
)

// ConnectionRepository resolves the named source/target references used in
// job parameters.
type ConnectionRepository interface {
	List(ctx context.Context) ([]*models.Connection, error)
	Get(ctx context.Context, name string) (*models.Connection, error)
	Create(ctx context.Context, conn *models.Connection) (*models.Connection, error)
	Delete(ctx context.Context, name string) error
}

type connectionRepository struct {
	db *sql.DB
}

func NewConnectionRepository(db *sql.DB) ConnectionRepository {
	return &connectionRepository{db: db}
}

const connectionColumns = `id, name, data_format, host, port, username, password, db_name, options, created_at, updated_at`

func (r *connectionRepository) List(ctx context.Context) ([]*models.Connection, error) {
	rows, err := r.db.QueryContext(ctx, "SELECT "+connectionColumns+" FROM connections ORDER BY name")
	if err != nil {
		return nil, errors.Wrap(err, "failed to list connections")
	}
	defer rows.Close()

	var connections []*models.Connection
	for rows.Next() {
		conn, err := scanConnection(rows)
		if err != nil {
			return nil, err
		}
		connections = append(connections, conn)
	}
	return connections, rows.Err()
}

func (r *connectionRepository) Get(ctx context.Context, name string) (*models.Connection, error) {
	row := r.db.QueryRowContext(ctx, "SELECT "+connectionColumns+" FROM connections WHERE name = $1", name)
	conn, err := scanConnection(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperr.NotFound("connection %q not found", name)
		}
		return nil, err
	}
	return conn, nil
}

func (r *connectionRepository) Create(ctx context.Context, conn *models.Connection) (*models.Connection, error) {
	if strings.TrimSpace(conn.Name) == "" {
		return nil, apperr.Validation("connection name is required")
	}
	if conn.Format() == "" {
		return nil, apperr.Validation("unknown data format %q", conn.DataFormat)
	}
	encrypted, err := utils.EncryptPassword(conn.Password)
	if err != nil {
		return nil, errors.Wrap(err, "failed to encrypt password")
	}
	options, err := json.Marshal(conn.Options)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal options")
	}
	err = r.db.QueryRowContext(ctx,
		`INSERT INTO connections (name, data_format, host, port, username, password, db_name, options)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 RETURNING id, created_at, updated_at`,
		conn.Name, conn.Format(), conn.Host, conn.Port, conn.Username, encrypted, conn.DBName, string(options),
	).Scan(&conn.ID, &conn.CreatedAt, &conn.UpdatedAt)
	if err != nil {
		return nil, errors.Wrap(err, "failed to insert connection")
	}
	return conn, nil
}

func (r *connectionRepository) Delete(ctx context.Context, name string) error {
	res, err := r.db.ExecContext(ctx, "DELETE FROM connections WHERE name = $1", name)
	if err != nil {
		return errors.Wrap(err, "failed to delete connection")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return apperr.NotFound("connection %q not found", name)
	}
	return nil
}

func scanConnection(row rowScanner) (*models.Connection, error) {
	conn := &models.Connection{}
	var (
		password []byte
		options  []byte
	)
	if err := row.Scan(
		&conn.ID, &conn.Name, &conn.DataFormat, &conn.Host, &conn.Port, &conn.Username,
		&password, &conn.DBName, &options, &conn.CreatedAt, &conn.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if len(password) > 0 {
		plain, err := utils.DecryptPassword(password)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to decrypt password for connection %q", conn.Name)
		}
		conn.Password = plain
	}
	if len(options) > 0 {
		if err := json.Unmarshal(options, &conn.Options); err != nil {
			return nil, errors.Wrapf(err, "invalid options for connection %q", conn.Name)
		}
	}
	return conn, nil
}

// staticConnectionRepository serves connections declared in configuration.
type staticConnectionRepository struct {
	byName map[string]models.Connection
}

// NewStaticConnectionRepository indexes conns by name. Later duplicates win.
func NewStaticConnectionRepository(conns []models.Connection) ConnectionRepository {
	byName := make(map[string]models.Connection, len(conns))
	for _, c := range conns {
		byName[c.Name] = c
	}
	return &staticConnectionRepository{byName: byName}
}

func (r *staticConnectionRepository) List(_ context.Context) ([]*models.Connection, error) {
	names := make([]string, 0, len(r.byName))
	for name := range r.byName {
		names = append(names, name)
	}
	sort.Strings(names)

	connections := make([]*models.Connection, 0, len(names))
	for _, name := range names {
		c := r.byName[name]
		connections = append(connections, &c)
	}
	return connections, nil
}

func (r *staticConnectionRepository) Get(_ context.Context, name string) (*models.Connection, error) {
	c, ok := r.byName[name]
	if !ok {
		return nil, apperr.NotFound("connection %q not found", name)
	}
	return &c, nil
}

func (r *staticConnectionRepository) Create(context.Context, *models.Connection) (*models.Connection, error) {
	return nil, apperr.Validation("connections are configured statically")
}

func (r *staticConnectionRepository) Delete(context.Context, string) error {
	return apperr.Validation("connections are configured statically")
}
