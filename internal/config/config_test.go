package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, []int{256, 256, 128}, cfg.Agent.Hidden)
	assert.Equal(t, 0.7, cfg.Reward.LoadBonusThreshold)
	assert.Equal(t, 30*time.Second, cfg.Optimizer.ExactTimeout)
}

func TestLoadYAMLAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "vrp.yaml")
	body := []byte(`
server:
  port: "9090"
reward:
  completion_bonus: 25
optimizer:
  exact_timeout: 5s
training:
  episodes: 50
`)
	require.NoError(t, os.WriteFile(path, body, 0o600))
	t.Setenv("MODEL_DIR", "/tmp/models")
	t.Setenv("ROAD_GEOMETRY", "true")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "9090", cfg.Server.Port)
	assert.Equal(t, 25.0, cfg.Reward.CompletionBonus)
	assert.Equal(t, 0.1, cfg.Reward.DistanceWeight, "unset keys keep defaults")
	assert.Equal(t, 5*time.Second, cfg.Optimizer.ExactTimeout)
	assert.Equal(t, 50, cfg.Training.Episodes)
	assert.Equal(t, "/tmp/models", cfg.Storage.ModelDir)
	assert.True(t, cfg.Optimizer.RoadGeometry)
}

func TestValidateRejectsBadAgent(t *testing.T) {
	cfg := Default()
	cfg.Agent.Hidden = nil
	cfg.Agent.BatchSize = 0
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "agent.hidden")
	assert.Contains(t, err.Error(), "batch_size")
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestValidateAuthMode(t *testing.T) {
	cfg := Default()
	cfg.Auth.Mode = "token"
	require.Error(t, cfg.Validate())
	cfg.Auth.Token = "s3cret"
	require.NoError(t, cfg.Validate())

	cfg.Auth.Mode = "oauth"
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "auth.mode")
}

func TestNotifyFromEnv(t *testing.T) {
	t.Setenv("WEBHOOK_URL", "https://hooks.example.com/train")
	t.Setenv("WEBHOOK_MAX_ATTEMPTS", "3")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "https://hooks.example.com/train", cfg.Notify.WebhookURL)
	assert.Equal(t, 3, cfg.Notify.MaxAttempts)
}
