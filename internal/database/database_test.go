package database

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/agenthive/config"
)

func TestOpenSQLite(t *testing.T) {
	cfg := config.DatabaseConfig{
		Driver: "sqlite-go",
		Name:   filepath.Join(t.TempDir(), "archive.db"),
	}

	db, err := Open(cfg, zap.NewNop())
	require.NoError(t, err)
	require.NotNil(t, db)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })

	assert.NoError(t, sqlDB.Ping())
	assert.NoError(t, db.Exec("CREATE TABLE ok (id integer)").Error)
}

func TestOpenSQLiteDefaultsToMemory(t *testing.T) {
	db, err := Open(config.DatabaseConfig{Driver: "sqlite-go"}, zap.NewNop())
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })

	assert.NoError(t, db.Exec("CREATE TABLE ok (id integer)").Error)
}

func TestOpenUnsupportedDriver(t *testing.T) {
	_, err := Open(config.DatabaseConfig{Driver: "oracle"}, zap.NewNop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported driver")
}

func TestPostgresDSN(t *testing.T) {
	dsn := postgresDSN(config.DatabaseConfig{
		Host:     "db.internal",
		Port:     5433,
		User:     "hive",
		Password: "secret",
		Name:     "archive",
		SSLMode:  "require",
	})
	assert.Equal(t,
		"host=db.internal port=5433 user=hive password=secret dbname=archive sslmode=require",
		dsn)
}

func TestPostgresDSNDefaultsSSLMode(t *testing.T) {
	dsn := postgresDSN(config.DatabaseConfig{Host: "localhost", Port: 5432, User: "u", Name: "d"})
	assert.Contains(t, dsn, "sslmode=disable")
}

func TestMySQLDSN(t *testing.T) {
	dsn := mysqlDSN(config.DatabaseConfig{
		Host:     "db.internal",
		Port:     3306,
		User:     "hive",
		Password: "secret",
		Name:     "archive",
	})
	assert.Equal(t,
		"hive:secret@tcp(db.internal:3306)/archive?charset=utf8mb4&parseTime=True&loc=UTC",
		dsn)
}
