package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pooltrace-server/internal/domain"
)

func TestNewManager_Defaults(t *testing.T) {
	chdir(t, t.TempDir())

	m, err := NewManager()
	require.NoError(t, err)
	require.NoError(t, m.Validate())

	cfg := m.GetConfig()
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, "pool_traceability.db", cfg.Database.Path)
	assert.Equal(t, "memory", cfg.Cache.Driver)
	assert.Equal(t, 5*time.Minute, cfg.Cache.TTL)
	assert.Equal(t, "PT_UNKNOWN", cfg.Ingest.PatientSentinel)
	assert.Equal(t, "SITE_UNKNOWN", cfg.Ingest.SiteSentinel)
	assert.Equal(t, "optimistic", cfg.Ingest.DefaultStrategy)
	assert.True(t, m.IsDevelopment())
	assert.False(t, m.IsProduction())
}

func TestNewManager_EnvironmentOverrides(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("POOLTRACE_SERVER_PORT", "9090")
	t.Setenv("POOLTRACE_DATABASE_DRIVER", "postgres")
	t.Setenv("POOLTRACE_CACHE_TTL", "30s")
	t.Setenv("POOLTRACE_ENVIRONMENT", "production")

	m, err := NewManager()
	require.NoError(t, err)

	assert.Equal(t, 9090, m.GetServerConfig().Port)
	assert.Equal(t, "postgres", m.GetDatabaseConfig().Driver)
	assert.Equal(t, 30*time.Second, m.GetConfig().Cache.TTL)
	assert.True(t, m.IsProduction())
}

func TestNewManager_ConfigFile(t *testing.T) {
	dir := t.TempDir()
	chdir(t, dir)
	path := filepath.Join(dir, "pooltrace.yaml")
	content := `
server:
  port: 7070
database:
  driver: postgres
  host: db.internal
  database: labs
  username: pooltrace
  password: "s3cr et"
cache:
  driver: redis
  redis_url: redis://cache:6379/1
export:
  s3_bucket: lab-exports
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	m, err := NewManager(WithConfigFile(path))
	require.NoError(t, err)
	require.NoError(t, m.Validate())

	assert.Equal(t, 7070, m.GetServerConfig().Port)
	assert.Equal(t, "lab-exports", m.GetConfig().Export.S3Bucket)
	assert.Equal(t, "s3cr et", m.GetDatabaseConfig().Password)
	assert.Equal(t, "labs", m.GetDatabaseConfig().Database)
}

func TestNewManager_DotEnv(t *testing.T) {
	dir := t.TempDir()
	chdir(t, dir)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("POOLTRACE_LOGGING_LEVEL=debug\n"), 0o600))
	t.Cleanup(func() { os.Unsetenv("POOLTRACE_LOGGING_LEVEL") })

	m, err := NewManager()
	require.NoError(t, err)
	assert.Equal(t, "debug", m.GetConfig().Logging.Level)
}

func TestManager_Validate(t *testing.T) {
	valid := func() *domain.Config {
		return &domain.Config{
			Server:   domain.ServerConfig{Port: 8080, RateLimit: 10, RateBurst: 20},
			Database: domain.DatabaseConfig{Driver: "sqlite", Path: "test.db"},
			Cache:    domain.CacheConfig{Driver: "memory"},
			Logging:  domain.LoggingConfig{Level: "info"},
		}
	}

	tests := []struct {
		name   string
		mutate func(c *domain.Config)
		field  string
	}{
		{"valid", func(c *domain.Config) {}, ""},
		{"bad port", func(c *domain.Config) { c.Server.Port = 70000 }, "server.port"},
		{"zero rate", func(c *domain.Config) { c.Server.RateLimit = 0 }, "server.rate_limit"},
		{"unknown driver", func(c *domain.Config) { c.Database.Driver = "mysql" }, "database.driver"},
		{"sqlite without path", func(c *domain.Config) { c.Database.Path = "" }, "database.path"},
		{"postgres without host", func(c *domain.Config) { c.Database.Driver = "postgres" }, "database.host"},
		{"unknown cache", func(c *domain.Config) { c.Cache.Driver = "memcached" }, "cache.driver"},
		{"redis without url", func(c *domain.Config) { c.Cache.Driver = "redis" }, "cache.redis_url"},
		{"bad log level", func(c *domain.Config) { c.Logging.Level = "verbose" }, "logging.level"},
		{"s3 endpoint without bucket", func(c *domain.Config) { c.Export.S3Endpoint = "http://minio:9000" }, "export.s3_bucket"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			m := &Manager{config: cfg}

			err := m.Validate()
			if tt.field == "" {
				assert.NoError(t, err)
				return
			}
			var vErr *domain.ValidationError
			require.ErrorAs(t, err, &vErr)
			assert.Equal(t, tt.field, vErr.Field)
		})
	}
}
