package main

import (
	"testing"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/grocery/internal/app"
)

func TestLoadConfig(t *testing.T) {
	prev := log.GetLevel()
	t.Cleanup(func() { log.SetLevel(prev) })

	env := map[string]string{
		"GROCERY_HTTP_ADDR": "127.0.0.1:3001",
		"GROCERY_LOG_LEVEL": "debug",
	}
	cfg, err := loadConfig(func(k string) string { return env[k] })
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:3001", cfg.HTTPAddr)
	assert.Equal(t, app.StorageDriverMemory, cfg.StorageDriver)
	assert.Equal(t, log.DebugLevel, log.GetLevel())
}

func TestLoadConfig_Invalid(t *testing.T) {
	env := map[string]string{"GROCERY_STORAGE_DRIVER": "postgres"}
	_, err := loadConfig(func(k string) string { return env[k] })
	assert.Error(t, err)
}
