package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 300, cfg.Queue.LeaseSecs)
	assert.Equal(t, 5, cfg.Queue.MaxAttempts)
	assert.Equal(t, 4, cfg.Scheduler.MaxConcurrent)
	assert.Equal(t, 1, cfg.Scheduler.MaxPerFamily)
	assert.Equal(t, 1536, cfg.Embedding.Dimensions)
	assert.Equal(t, 180, cfg.Search.RecencyHalfLifeD)
}

func TestLoad_RankWeightsSumToOne(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	sum := cfg.Search.Weights.Similarity + cfg.Search.Weights.Recency + cfg.Search.Weights.KindBoost
	assert.InDelta(t, 1.0, sum, 1e-9)
}

func TestInitLogger_BadLevel(t *testing.T) {
	err := InitLogger(LogConfig{Level: "nope", Format: "json"})
	assert.Error(t, err)
}

func TestInitLogger_Console(t *testing.T) {
	err := InitLogger(LogConfig{Level: "debug", Format: "console"})
	assert.NoError(t, err)
}
