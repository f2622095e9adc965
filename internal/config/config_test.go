package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iago/dataflow-batch/internal/domain"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()
	assert.Equal(t, 1000, cfg.Batch.SkipLimit)
	assert.True(t, cfg.Batch.PersistErrors)
	assert.Equal(t, "exception", cfg.Batch.ValidationMode)
	assert.Equal(t, 3, cfg.Batch.RetryLimit)
	assert.Equal(t, 200*time.Millisecond, cfg.Batch.RetryInitial)
	assert.Equal(t, time.Second, cfg.Batch.RetryMax)
	assert.Equal(t, 10, cfg.Scheduler.RunningThreshold)
	assert.Equal(t, 50, cfg.Scheduler.QueryLimit)
	assert.False(t, cfg.Scheduler.Enabled)
	assert.Equal(t, DefaultJobName, cfg.DefaultJobName)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("BATCH_SKIP_LIMIT", "5")
	t.Setenv("BATCH_VALIDATION_MODE", "filter")
	t.Setenv("SCHEDULER_INTERVAL", "90s")
	t.Setenv("CORS_ALLOWED_ORIGINS", "https://a.example, https://b.example ,")
	t.Setenv("WORKER_MAX_CONCURRENT_RUNS", "not-a-number")

	cfg := Load()
	assert.Equal(t, 5, cfg.Batch.SkipLimit)
	assert.Equal(t, "filter", cfg.Batch.ValidationMode)
	assert.Equal(t, 90*time.Second, cfg.Scheduler.Interval)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.CORSAllowedOrigins)
	assert.Equal(t, 4, cfg.WorkerMaxConcurrentRuns)
}

func TestReadDotEnv(t *testing.T) {
	values, err := ReadDotEnv(strings.NewReader(`
# comment
export PORT=9090
DATABASE_URL="postgres://u:p@localhost/db"
TOKEN='a b'
MODE=filter # inline
BROKEN
`))
	require.NoError(t, err)
	assert.Equal(t, map[string]string{
		"PORT":         "9090",
		"DATABASE_URL": "postgres://u:p@localhost/db",
		"TOKEN":        "a b",
		"MODE":         "filter",
	}, values)
}

func TestLoadDotEnvKeepsProcessEnvironment(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(path, []byte("DATAFLOW_TEST_A=file\nDATAFLOW_TEST_B=file\n"), 0o600))

	t.Setenv("DATAFLOW_TEST_A", "process")
	t.Setenv("DATAFLOW_TEST_B", "")
	require.NoError(t, os.Unsetenv("DATAFLOW_TEST_B"))

	require.NoError(t, LoadDotEnv(path, filepath.Join(dir, "missing.env")))
	assert.Equal(t, "process", os.Getenv("DATAFLOW_TEST_A"))
	assert.Equal(t, "file", os.Getenv("DATAFLOW_TEST_B"))
}

func TestParseJobCatalog(t *testing.T) {
	configs, err := ParseJobCatalog(strings.NewReader(`
jobs:
  - id: 11111111-1111-1111-1111-111111111111
    name: csv_import_v1
    chunk_size: 250
    writer: DATABASE
    allow_restart: true
  - id: 22222222-2222-2222-2222-222222222222
    name: legacy_import
    active: false
`))
	require.NoError(t, err)
	require.Len(t, configs, 2)

	assert.Equal(t, 250, configs[0].ChunkSize)
	assert.Equal(t, domain.ReaderCSV, configs[0].Reader)
	assert.Equal(t, domain.WriterDatabase, configs[0].Writer)
	assert.True(t, configs[0].Active)

	assert.Equal(t, domain.DefaultJobChunkSize, configs[1].ChunkSize)
	assert.Equal(t, domain.WriterNoOp, configs[1].Writer)
	assert.False(t, configs[1].Active)
}

func TestParseJobCatalogRejectsBadInput(t *testing.T) {
	cases := map[string]string{
		"empty":          ``,
		"no jobs":        "jobs: []\n",
		"unknown field":  "jobs:\n  - id: a\n    name: b\n    color: red\n",
		"duplicate name": "jobs:\n  - id: a\n    name: b\n  - id: c\n    name: b\n",
		"bad writer":     "jobs:\n  - id: a\n    name: b\n    writer: KAFKA\n",
	}
	for name, input := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseJobCatalog(strings.NewReader(input))
			assert.Error(t, err)
		})
	}
}

func TestDefaultJobCatalog(t *testing.T) {
	configs, err := LoadJobCatalog("")
	require.NoError(t, err)
	require.Len(t, configs, 1)
	assert.Equal(t, DefaultJobName, configs[0].Name)
	assert.True(t, configs[0].Active)
}
