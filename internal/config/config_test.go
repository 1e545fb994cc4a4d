package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_DefaultsAndEnv(t *testing.T) {
	t.Setenv("DB_PASSWORD", "from-env")
	t.Setenv("WORKER_TOKEN", "wt")
	path := writeConfig(t, `
database:
  host: db
  user: intake
  password: from-file
  name: intake
minio:
  endpoint: minio:9000
  bucketName: reports
worker:
  url: http://worker:8000
repository:
  timeout: 2s
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "mysql", cfg.Database.Driver)
	assert.Equal(t, 3306, cfg.Database.Port)
	assert.Equal(t, "from-env", cfg.Database.Password)
	assert.Equal(t, "wt", cfg.Worker.Token)
	assert.Equal(t, 2*time.Second, cfg.Repository.Timeout)
	assert.Equal(t, 30*time.Second, cfg.Worker.Timeout)
	assert.True(t, cfg.OutboxEnabled())
	assert.Equal(t, "intake:from-env@tcp(db:3306)/intake?parseTime=true&charset=utf8mb4&loc=UTC", cfg.MySQLDSN())
}

func TestLoad_SQLiteAndS3(t *testing.T) {
	path := writeConfig(t, `
database:
  driver: sqlite
blob:
  driver: s3
s3:
  bucket: reports
worker:
  url: https://worker.internal
outbox:
  enabled: false
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "data/intake.db", cfg.Database.Path)
	assert.False(t, cfg.OutboxEnabled())
}

func TestValidate_ReportsAllProblems(t *testing.T) {
	var cfg Config
	cfg.Database.Driver = "oracle"
	cfg.Blob.Driver = "gcs"
	cfg.Worker.URL = "ftp://x"
	cfg.ApplyDefaults()

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database.driver")
	assert.Contains(t, err.Error(), "blob.driver")
	assert.Contains(t, err.Error(), "worker.url")
}

func TestPostgresDSN(t *testing.T) {
	var cfg Config
	cfg.Database.Driver = "postgres"
	cfg.Database.Host = "pg"
	cfg.Database.User = "intake"
	cfg.Database.Password = "p@ss"
	cfg.Database.Name = "intake"
	cfg.ApplyDefaults()
	assert.Equal(t, "postgres://intake:p%40ss@pg:5432/intake?sslmode=disable", cfg.PostgresDSN())
}
