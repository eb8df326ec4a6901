package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setAll(t *testing.T) {
	t.Setenv("MQTT_URL", "192.168.1.10")
	t.Setenv("MQTT_PORT", "1883")
	t.Setenv("SERVER_URL", "wss://cloud.example.com/ws/router/")
	t.Setenv("ROUTER_MAC", "aa:bb:cc:dd:ee:ff")
	t.Setenv("LOGGER_LEVEL", "debug")
}

func TestLoadConfig(t *testing.T) {
	setAll(t)

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "192.168.1.10", cfg.MQTTUrl)
	assert.Equal(t, 1883, cfg.MQTTPort)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "wss://cloud.example.com/ws/router/aa:bb:cc:dd:ee:ff/", cfg.UplinkURI())
}

func TestLoadConfigMissingRequired(t *testing.T) {
	for _, key := range []string{"MQTT_URL", "MQTT_PORT", "SERVER_URL", "ROUTER_MAC"} {
		t.Run(key, func(t *testing.T) {
			setAll(t)
			t.Setenv(key, "")

			_, err := LoadConfig()
			require.Error(t, err)
			assert.Contains(t, err.Error(), key)
		})
	}
}

func TestLoadConfigNonIntegerPort(t *testing.T) {
	setAll(t)
	t.Setenv("MQTT_PORT", "not-a-port")

	_, err := LoadConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "MQTT_PORT")
}
