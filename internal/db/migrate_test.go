package db

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMigratorUp(t *testing.T) {
	t.Run("applies pending migrations", func(t *testing.T) {
		conn, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer conn.Close()

		mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS schema_migrations")).
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery(regexp.QuoteMeta("SELECT id, name, applied_at, checksum FROM schema_migrations")).
			WillReturnRows(sqlmock.NewRows([]string{"id", "name", "applied_at", "checksum"}))
		mock.ExpectBegin()
		mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS scan_results")).
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectExec(regexp.QuoteMeta("INSERT INTO schema_migrations")).
			WithArgs("001_initial", sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectCommit()

		require.NoError(t, NewMigrator(New(conn).DB).Up(context.Background()))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("skips applied migrations", func(t *testing.T) {
		conn, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer conn.Close()

		mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS schema_migrations")).
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery(regexp.QuoteMeta("FROM schema_migrations")).
			WillReturnRows(sqlmock.NewRows([]string{"id", "name", "applied_at", "checksum"}).
				AddRow(1, "001_initial", time.Now(), "abc"))

		require.NoError(t, NewMigrator(New(conn).DB).Up(context.Background()))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("failed migration rolls back", func(t *testing.T) {
		conn, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer conn.Close()

		mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS schema_migrations")).
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery(regexp.QuoteMeta("FROM schema_migrations")).
			WillReturnRows(sqlmock.NewRows([]string{"id", "name", "applied_at", "checksum"}))
		mock.ExpectBegin()
		mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS scan_results")).
			WillReturnError(assert.AnError)
		mock.ExpectRollback()

		err = NewMigrator(New(conn).DB).Up(context.Background())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "001_initial")
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestMigratorStatus(t *testing.T) {
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer conn.Close()

	applied := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS schema_migrations")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("FROM schema_migrations")).
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "applied_at", "checksum"}).
			AddRow(1, "001_initial", applied, "abc"))

	statuses, err := NewMigrator(New(conn).DB).Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []MigrationStatus{{Name: "001_initial", Applied: true, AppliedAt: applied, Modified: true}}, statuses)
}

func TestConfigDSN(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Database = "camwatch"
	cfg.Username = "cw"
	cfg.Password = "secret"
	assert.Equal(t, "host=localhost port=5432 dbname=camwatch user=cw password=secret sslmode=disable", cfg.DSN())
}
