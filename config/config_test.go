package config

import (
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() Configuration {
	return Configuration{
		DataSource: DataSourceConfig{Dns: "postgres://localhost:5432/cms"},
		Redis:      RedisConfig{Dns: "localhost:6379"},
		Sync:       SyncConfig{TrackedTypes: []string{"web_pages", "web_files"}},
	}
}

func TestValidateAndAddDefaults(t *testing.T) {
	cnf := validConfig()
	cnf.DataSource.Dns = ""
	err := cnf.validateAndAddDefaults()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "data source DNS is required")

	cnf = validConfig()
	cnf.Redis.Dns = "  "
	err = cnf.validateAndAddDefaults()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "redis DNS is required")

	cnf = validConfig()
	cnf.Sync.TrackedTypes = nil
	err = cnf.validateAndAddDefaults()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "at least one tracked type is required")

	cnf = validConfig()
	cnf.Bus.Kind = "kafka"
	err = cnf.validateAndAddDefaults()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bus kind must be postgres or redis")

	cnf = validConfig()
	require.NoError(t, cnf.validateAndAddDefaults())
	assert.Equal(t, DEFAULT_PORT, cnf.Server.Port)
	assert.Equal(t, "Content Sync", cnf.ProjectName)
	assert.Equal(t, "public", cnf.DataSource.Schema)
	assert.Equal(t, BusPostgres, cnf.Bus.Kind)
	assert.Equal(t, defaultChannel, cnf.Bus.Channel)
	assert.Equal(t, defaultConsumeInterval, cnf.Sync.ConsumeInterval)
	assert.Equal(t, defaultReconcileInterval, cnf.Sync.ReconcileInterval)
	assert.Equal(t, defaultRetryAttempts, cnf.Sync.RetryAttempts)
	assert.Equal(t, defaultRetrySpacing, cnf.Sync.RetrySpacing)
	assert.Equal(t, cnf.Sync.TrackedTypes, cnf.Sync.SearchTypes)
	require.NotNil(t, cnf.RateLimit.CleanupIntervalSec)
	assert.Equal(t, 10800, *cnf.RateLimit.CleanupIntervalSec)
}

func TestRateLimitDefaults(t *testing.T) {
	cnf := validConfig()
	rps := 10.0
	cnf.RateLimit.RequestsPerSecond = &rps
	require.NoError(t, cnf.validateAndAddDefaults())
	require.NotNil(t, cnf.RateLimit.Burst)
	assert.Equal(t, 20, *cnf.RateLimit.Burst)

	cnf = validConfig()
	burst := 8
	cnf.RateLimit.Burst = &burst
	require.NoError(t, cnf.validateAndAddDefaults())
	require.NotNil(t, cnf.RateLimit.RequestsPerSecond)
	assert.Equal(t, 4.0, *cnf.RateLimit.RequestsPerSecond)
}

func TestLoadConfigFromFile(t *testing.T) {
	tmpFile, err := os.CreateTemp("", "contentsync.json")
	require.NoError(t, err)
	defer os.Remove(tmpFile.Name())

	sample := validConfig()
	sample.ProjectName = "Temp Project"
	sample.Sync.ConsumeInterval = 2 * time.Second
	require.NoError(t, json.NewEncoder(tmpFile).Encode(sample))
	tmpFile.Close()

	t.Setenv("CONTENTSYNC_PROJECT_NAME", "Env Project")
	t.Setenv("CONTENTSYNC_SCOPE_ID", "site-1")

	require.NoError(t, loadConfigFromFile(tmpFile.Name()))

	loaded, err := Fetch()
	require.NoError(t, err)
	assert.Equal(t, "Env Project", loaded.ProjectName)
	assert.Equal(t, "site-1", loaded.Sync.ScopeID)
	assert.Equal(t, "postgres://localhost:5432/cms", loaded.DataSource.Dns)
	assert.Equal(t, 2*time.Second, loaded.Sync.ConsumeInterval)
}

func TestInitConfig(t *testing.T) {
	tmpFile, err := os.CreateTemp("", "contentsync.json")
	require.NoError(t, err)
	defer os.Remove(tmpFile.Name())

	sample := validConfig()
	sample.ProjectName = "InitConfig Test"
	require.NoError(t, json.NewEncoder(tmpFile).Encode(sample))
	tmpFile.Close()

	require.NoError(t, InitConfig(tmpFile.Name()))

	loaded, err := Fetch()
	require.NoError(t, err)
	assert.Equal(t, "InitConfig Test", loaded.ProjectName)
	assert.Equal(t, []string{"web_pages", "web_files"}, loaded.Sync.TrackedTypes)
}

func TestSetOtelExporterEnvs(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	t.Setenv("OTEL_EXPORTER_OTLP_HEADERS", "")
	MockConfig(&Configuration{
		Telemetry: TelemetryConfig{
			OtlpEndpoint: "localhost:4318",
			OtlpHeaders:  "api-key=12345",
		},
	})

	require.NoError(t, SetOtelExporterEnvs())
	assert.Equal(t, "localhost:4318", os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"))
	assert.Equal(t, "api-key=12345", os.Getenv("OTEL_EXPORTER_OTLP_HEADERS"))
}
