package models

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Data formats understood by the resolver.
const (
	FormatPostgres = "pg"
	FormatMSSQL    = "mssql"
	FormatMySQL    = "mysql"
	FormatMongo    = "mongo"
)

var formatAliases = map[string]string{
	"pg":         FormatPostgres,
	"postgres":   FormatPostgres,
	"postgresql": FormatPostgres,
	"mssql":      FormatMSSQL,
	"sqlserver":  FormatMSSQL,
	"mysql":      FormatMySQL,
	"mongo":      FormatMongo,
	"mongodb":    FormatMongo,
}

type Connection struct {
	ID         string            `json:"id" db:"id" mapstructure:"id"`
	Name       string            `json:"name" db:"name" mapstructure:"name"`
	DataFormat string            `json:"data_format" db:"data_format" mapstructure:"data_format"` // pg, mssql, mysql, mongo
	Host       string            `json:"host" db:"host" mapstructure:"host"`
	Port       int               `json:"port" db:"port" mapstructure:"port"`
	Username   string            `json:"username" db:"username" mapstructure:"username"`
	Password   string            `json:"password,omitempty" db:"-" mapstructure:"password"` // plaintext, not stored directly
	DBName     string            `json:"db_name" db:"db_name" mapstructure:"db_name"`
	Options    map[string]string `json:"options,omitempty" db:"options" mapstructure:"options"`
	CreatedAt  time.Time         `json:"created_at" db:"created_at"`
	UpdatedAt  time.Time         `json:"updated_at" db:"updated_at"`
}

// Format returns the canonical data format, or "" when unknown.
func (c *Connection) Format() string {
	return formatAliases[strings.ToLower(strings.TrimSpace(c.DataFormat))]
}

// Relational reports whether the connection points at a SQL database.
func (c *Connection) Relational() bool {
	switch c.Format() {
	case FormatPostgres, FormatMSSQL, FormatMySQL:
		return true
	}
	return false
}

// DriverName returns the database/sql driver name for relational formats.
func (c *Connection) DriverName() string {
	switch c.Format() {
	case FormatPostgres:
		return "postgres"
	case FormatMSSQL:
		return "sqlserver"
	case FormatMySQL:
		return "mysql"
	}
	return ""
}

func (c *Connection) hostPort() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

func (c *Connection) query() url.Values {
	q := url.Values{}
	for k, v := range c.Options {
		q.Set(k, v)
	}
	return q
}

func (c *Connection) GenerateConnString() (string, error) {
	switch c.Format() {
	case FormatPostgres:
		u := &url.URL{
			Scheme:   "postgres",
			User:     url.UserPassword(c.Username, c.Password),
			Host:     c.hostPort(),
			Path:     "/" + c.DBName,
			RawQuery: c.query().Encode(),
		}
		return u.String(), nil
	case FormatMSSQL:
		q := c.query()
		q.Set("database", c.DBName)
		u := &url.URL{
			Scheme:   "sqlserver",
			User:     url.UserPassword(c.Username, c.Password),
			Host:     c.hostPort(),
			RawQuery: q.Encode(),
		}
		return u.String(), nil
	case FormatMySQL:
		dsn := fmt.Sprintf("%s:%s@tcp(%s)/%s", c.Username, c.Password, c.hostPort(), c.DBName)
		if q := c.query(); len(q) > 0 {
			dsn += "?" + q.Encode()
		}
		return dsn, nil
	case FormatMongo:
		u := &url.URL{
			Scheme:   "mongodb",
			Host:     c.hostPort(),
			Path:     "/",
			RawQuery: c.query().Encode(),
		}
		if c.Username != "" {
			u.User = url.UserPassword(c.Username, c.Password)
		}
		return u.String(), nil
	default:
		return "", fmt.Errorf("unknown format: %s", c.DataFormat)
	}
}

// Redacted describes the connection without credentials, for logs and job
// error summaries.
func (c *Connection) Redacted() string {
	return fmt.Sprintf("%s %q (%s://%s/%s)", c.Format(), c.Name, c.Format(), c.hostPort(), c.DBName)
}
