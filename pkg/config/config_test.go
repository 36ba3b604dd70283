package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsValidate(t *testing.T) {
	cfg := NewPipelineConfig("daily-revenue")
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 1000, cfg.Fetch.ChunkSize)
	assert.Equal(t, int64(500*1024*1024), cfg.Fetch.MemoryLimitBytes)
	assert.Equal(t, 3, cfg.Fetch.MaxRetries)
	assert.Equal(t, 5*time.Second, cfg.Transform.TransformerTimeout)
	assert.Equal(t, 10000, cfg.Transform.MaxGroups)
	assert.Equal(t, 1, cfg.Partition.Count)
	assert.Equal(t, 300*time.Second, cfg.Cache.TTL)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*PipelineConfig)
	}{
		{"empty name", func(c *PipelineConfig) { c.Name = "" }},
		{"zero chunk size", func(c *PipelineConfig) { c.Fetch.ChunkSize = 0 }},
		{"negative retries", func(c *PipelineConfig) { c.Fetch.MaxRetries = -1 }},
		{"zero transformer timeout", func(c *PipelineConfig) { c.Transform.TransformerTimeout = 0 }},
		{"zero max groups", func(c *PipelineConfig) { c.Transform.MaxGroups = 0 }},
		{"min demand above max", func(c *PipelineConfig) { c.Flow.MinDemand = c.Flow.MaxDemand + 1 }},
		{"zero partitions", func(c *PipelineConfig) { c.Partition.Count = 0 }},
		{"unknown aggregation", func(c *PipelineConfig) { c.Transform.Aggregations = []string{"median"} }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := NewPipelineConfig("test")
			tc.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestMemoryThresholdFallsBackToFetchLimit(t *testing.T) {
	cfg := NewPipelineConfig("test")
	assert.Equal(t, cfg.Fetch.MemoryLimitBytes, cfg.MemoryThreshold())

	cfg.Health.MemoryThresholdBytes = 123
	assert.Equal(t, int64(123), cfg.MemoryThreshold())
}

func TestLoadSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pipeline.yaml")

	cfg := NewPipelineConfig("roundtrip")
	cfg.Transform.GroupBy = []string{"region"}
	cfg.Partition.Count = 4
	require.NoError(t, Save(path, cfg))

	loaded := NewPipelineConfig("placeholder")
	require.NoError(t, Load(path, loaded))

	assert.Equal(t, "roundtrip", loaded.Name)
	assert.Equal(t, []string{"region"}, loaded.Transform.GroupBy)
	assert.Equal(t, 4, loaded.Partition.Count)
	assert.NoError(t, loaded.Validate())
}

func TestLoadSubstitutesEnvVars(t *testing.T) {
	t.Setenv("REPORTSTREAM_TEST_NAME", "from-env")

	path := filepath.Join(t.TempDir(), "pipeline.yaml")
	content := "name: ${REPORTSTREAM_TEST_NAME}\nversion: \"1.0.0\"\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	var cfg PipelineConfig
	require.NoError(t, Load(path, &cfg))
	assert.Equal(t, "from-env", cfg.Name)
}

func TestLoadMissingFile(t *testing.T) {
	var cfg PipelineConfig
	assert.Error(t, Load(filepath.Join(t.TempDir(), "absent.yaml"), &cfg))
}
