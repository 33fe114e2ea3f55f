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
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "logging:\n  format: text\n"))
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "sqlite", cfg.FeatureStore.Driver)
	assert.Equal(t, "data/person_features.db", cfg.FeatureStore.Path)
	assert.Equal(t, 72*time.Hour, cfg.FeatureStore.IdleThreshold)
	assert.Equal(t, 0.15, cfg.ReID.MatchThreshold)
	assert.Equal(t, 0.8, cfg.ReID.ConfidenceFloor)
	assert.Equal(t, 1.3, cfg.ReID.ROIScale)
	assert.Equal(t, 10*time.Second, cfg.Tracking.MaxAge)
	assert.Equal(t, 5*time.Second, cfg.Tracking.ZoneMaxAge)
	assert.Equal(t, 10, cfg.EventLog.FlushSize)
	assert.Equal(t, 30*time.Minute, cfg.EventLog.Cooldown)
	assert.Equal(t, 1280, cfg.Vision.EmbeddingDim)
	assert.Equal(t, "text", cfg.Logging.Format)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoadFileValuesAndEnv(t *testing.T) {
	path := writeConfig(t, `
feature_store:
  path: /tmp/features.db
  pool_size: 2
reid:
  match_threshold: 0.2
  expanded_roi: true
tracking:
  max_age: 15s
sources:
  - id: cam1
    url: rtsp://camera/stream
    zone_file: zones/cam1.json
`)
	t.Setenv("FLOW_NATS_URL", "nats://bus:4222")
	t.Setenv("FLOW_SERVER_PORT", "9090")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/tmp/features.db", cfg.FeatureStore.Path)
	assert.Equal(t, 2, cfg.FeatureStore.PoolSize)
	assert.Equal(t, 0.2, cfg.ReID.MatchThreshold)
	assert.True(t, cfg.ReID.ExpandedROI)
	assert.Equal(t, 15*time.Second, cfg.Tracking.MaxAge)
	require.Len(t, cfg.Sources, 1)
	assert.Equal(t, "zones/cam1.json", cfg.Sources[0].ZoneFile)
	assert.Equal(t, "nats://bus:4222", cfg.NATS.URL)
	assert.Equal(t, 9090, cfg.Server.Port)
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"unknown driver", "feature_store:\n  driver: redis\n"},
		{"postgres without host", "feature_store:\n  driver: postgres\n"},
		{"negative threshold", "reid:\n  match_threshold: -1\n"},
		{"confidence floor too high", "reid:\n  confidence_floor: 1.5\n"},
		{"source without url", "sources:\n  - id: cam1\n"},
		{"duplicate sources", "sources:\n  - id: a\n    url: x\n  - id: a\n    url: y\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			assert.ErrorIs(t, err, ErrInvalid)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestDSN(t *testing.T) {
	d := DatabaseConfig{Host: "db", Port: 5432, Name: "flow", User: "u", Password: "p"}
	assert.Equal(t, "postgres://u:p@db:5432/flow?sslmode=disable", d.DSN())
}
