// Package db provides PostgreSQL persistence for camwatch. It runs the schema
// migrations on connect and stores scan results and geolocation outcomes as
// they are published on the bus.
package db

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/anstrom/camwatch/internal/errors"
	"github.com/anstrom/camwatch/internal/logging"
)

// DB wraps sqlx.DB.
type DB struct {
	*sqlx.DB
}

// Config holds the PostgreSQL connection and pool settings.
type Config struct {
	Host            string        `yaml:"host" json:"host"`
	Port            int           `yaml:"port" json:"port"`
	Database        string        `yaml:"database" json:"database"`
	Username        string        `yaml:"username" json:"username"`
	Password        string        `yaml:"password" json:"-"`
	SSLMode         string        `yaml:"ssl_mode" json:"ssl_mode"`
	MaxOpenConns    int           `yaml:"max_open_conns" json:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns" json:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" json:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time" json:"conn_max_idle_time"`
}

// DefaultConfig leaves database, username and password empty; they have to
// be configured.
func DefaultConfig() Config {
	return Config{
		Host:            "localhost",
		Port:            5432,
		SSLMode:         "disable",
		MaxOpenConns:    10,
		MaxIdleConns:    2,
		ConnMaxLifetime: 5 * time.Minute,
		ConnMaxIdleTime: 5 * time.Minute,
	}
}

// DSN builds the lib/pq key=value connection string.
func (c *Config) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d dbname=%s user=%s password=%s sslmode=%s",
		c.Host, c.Port, c.Database, c.Username, c.Password, c.SSLMode,
	)
}

func (c *Config) tune(db *sqlx.DB) {
	db.SetMaxOpenConns(c.MaxOpenConns)
	db.SetMaxIdleConns(c.MaxIdleConns)
	db.SetConnMaxLifetime(c.ConnMaxLifetime)
	db.SetConnMaxIdleTime(c.ConnMaxIdleTime)
}

// Connect opens and pings PostgreSQL. Errors never carry the DSN.
func Connect(ctx context.Context, config *Config) (*DB, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", config.DSN())
	if err != nil {
		return nil, errors.ErrDatabaseConnection(err)
	}
	config.tune(db)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, errors.WrapDatabaseError(errors.CodeDatabaseConnection, "ping", err)
	}

	logging.Default().WithComponent("db").Info("Connected to database",
		"host", config.Host,
		"port", config.Port,
		"database", config.Database)
	return &DB{DB: db}, nil
}

// New wraps an existing connection, e.g. one opened by sqlmock.
func New(conn *sql.DB) *DB {
	return &DB{DB: sqlx.NewDb(conn, "postgres")}
}

// pqCodes maps SQLSTATE codes to the error code and message the caller sees.
var pqCodes = map[pq.ErrorCode]struct {
	code errors.ErrorCode
	msg  string
}{
	"23505": {errors.CodeConflict, "Resource already exists"},
	"23502": {errors.CodeValidation, "Required field is missing"},
	"57014": {errors.CodeCanceled, "Database operation was canceled"},
	"57P01": {errors.CodeDatabaseConnection, "Database connection error"},
	"08000": {errors.CodeDatabaseConnection, "Database connection error"},
	"08003": {errors.CodeDatabaseConnection, "Database connection error"},
	"08006": {errors.CodeDatabaseConnection, "Database connection error"},
}

// sanitizeDBError hides SQL text and server messages behind a coded
// DatabaseError. The driver error stays reachable as the Cause.
func sanitizeDBError(operation string, err error) error {
	if err == nil {
		return nil
	}

	if stderrors.Is(err, sql.ErrNoRows) {
		dbErr := errors.NewDatabaseError(errors.CodeNotFound, "Resource not found")
		dbErr.Operation = operation
		return dbErr
	}

	code, msg := errors.CodeDatabaseQuery, "Database operation failed: "+operation
	var pqErr *pq.Error
	if stderrors.As(err, &pqErr) {
		if known, ok := pqCodes[pqErr.Code]; ok {
			code, msg = known.code, known.msg
		}
	}

	dbErr := errors.NewDatabaseError(code, msg)
	dbErr.Operation = operation
	dbErr.Cause = err
	return dbErr
}
