package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppStartStop(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	body := "storage:\n  driver: sqlite\n  path: " + filepath.Join(dir, "timelith.db") + "\n" +
		"scanner:\n  enabled: true\n  interval: 1h\n"
	require.NoError(t, os.WriteFile(cfgPath, []byte(body), 0o600))

	a, err := NewApp(cfgPath)
	require.NoError(t, err)
	assert.Nil(t, a.adapter)
	assert.Nil(t, a.forwarder)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, a.Start(ctx))
	assert.True(t, a.scanner.Enabled())

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	require.NoError(t, a.Stop(stopCtx, StopAppStop))

	select {
	case <-a.Done():
	default:
		t.Fatal("supervisor context still running after Stop")
	}
}

func TestNewAppRejectsInvalidConfig(t *testing.T) {
	cfgPath := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(cfgPath, []byte(`{"api":{"enabled":true}}`), 0o600))

	_, err := NewApp(cfgPath)
	assert.ErrorContains(t, err, "api.key")
}

func TestNewAppRejectsLeaseShorterThanDelivery(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	body := "storage:\n  path: " + filepath.Join(dir, "timelith.db") + "\n" +
		"scanner:\n  lease_ttl: 1m\n" +
		"delivery:\n  timeout: 2m\n"
	require.NoError(t, os.WriteFile(cfgPath, []byte(body), 0o600))

	_, err := NewApp(cfgPath)
	assert.ErrorContains(t, err, "scanner.lease_ttl")
	_, statErr := os.Stat(filepath.Join(dir, "timelith.db"))
	assert.True(t, os.IsNotExist(statErr), "storage is not opened for a rejected config")
}
