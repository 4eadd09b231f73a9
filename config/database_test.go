package config

import (
	"testing"
	"time"

	mysqldriver "github.com/go-sql-driver/mysql"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDatabaseDSN(t *testing.T) {
	t.Setenv("DB_USER", "garment")
	t.Setenv("DB_PASSWORD", "secret")
	t.Setenv("DB_HOST", "10.0.0.5")
	t.Setenv("DB_PORT", "3306")
	t.Setenv("DB_NAME", "garment")
	t.Setenv("DB_LOCK_WAIT_SECONDS", "")

	assert.Equal(t, "garment:secret@tcp(10.0.0.5:3306)/garment?parseTime=true&innodb_lock_wait_timeout=10", DatabaseDSN())

	t.Setenv("DB_LOCK_WAIT_SECONDS", "3")
	cfg, err := mysqldriver.ParseDSN(DatabaseDSN())
	require.NoError(t, err)
	assert.Equal(t, "3", cfg.Params["innodb_lock_wait_timeout"])
	assert.Equal(t, time.UTC, cfg.Loc)
	assert.False(t, cfg.MultiStatements)

	t.Setenv("DB_LOCK_WAIT_SECONDS", "0")
	cfg, err = mysqldriver.ParseDSN(DatabaseDSN())
	require.NoError(t, err)
	assert.Equal(t, "10", cfg.Params["innodb_lock_wait_timeout"])
}

func TestDatabaseDSNCloudSQLSocket(t *testing.T) {
	t.Setenv("DB_USER", "garment")
	t.Setenv("DB_PASSWORD", "secret")
	t.Setenv("DB_HOST", "/cloudsql/proj:asia-southeast1:garment")
	t.Setenv("DB_PORT", "")
	t.Setenv("DB_NAME", "garment")

	cfg, err := mysqldriver.ParseDSN(DatabaseDSN())
	require.NoError(t, err)
	assert.Equal(t, "unix", cfg.Net)
	assert.Equal(t, "/cloudsql/proj:asia-southeast1:garment", cfg.Addr)
	assert.Equal(t, "garment", cfg.DBName)
}

func TestRetryDelay(t *testing.T) {
	assert.Equal(t, 2*time.Second, retryDelay(1))
	assert.Equal(t, 16*time.Second, retryDelay(4))
	assert.Equal(t, 30*time.Second, retryDelay(5))
	assert.Equal(t, 30*time.Second, retryDelay(12))
}

func TestIntFromEnv(t *testing.T) {
	t.Setenv("DB_MAX_OPEN_CONNS", " 12 ")
	assert.Equal(t, 12, intFromEnv("DB_MAX_OPEN_CONNS", 50))
	t.Setenv("DB_MAX_OPEN_CONNS", "lots")
	assert.Equal(t, 50, intFromEnv("DB_MAX_OPEN_CONNS", 50))
}
