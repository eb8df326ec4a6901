package core

import (
	"fmt"
	"os"
	"strconv"
)

// Config holds the environment-driven settings of the hub. MQTT_URL,
// MQTT_PORT, SERVER_URL and ROUTER_MAC are required; LOGGER_LEVEL is
// optional and defaults to info.
type Config struct {
	MQTTUrl   string
	MQTTPort  int
	ServerURL string
	RouterMAC string
	LogLevel  string
}

func LoadConfig() (*Config, error) {
	cfg := &Config{
		LogLevel: os.Getenv("LOGGER_LEVEL"),
	}

	if cfg.MQTTUrl = os.Getenv("MQTT_URL"); cfg.MQTTUrl == "" {
		return nil, fmt.Errorf("MQTT_URL is required")
	}

	port := os.Getenv("MQTT_PORT")
	if port == "" {
		return nil, fmt.Errorf("MQTT_PORT is required")
	}
	p, err := strconv.Atoi(port)
	if err != nil {
		return nil, fmt.Errorf("MQTT_PORT must be an integer: %q", port)
	}
	cfg.MQTTPort = p

	if cfg.ServerURL = os.Getenv("SERVER_URL"); cfg.ServerURL == "" {
		return nil, fmt.Errorf("SERVER_URL is required")
	}

	if cfg.RouterMAC = os.Getenv("ROUTER_MAC"); cfg.RouterMAC == "" {
		return nil, fmt.Errorf("ROUTER_MAC is required")
	}

	return cfg, nil
}

// UplinkURI is the cloud WebSocket endpoint for this router. The server
// expects a trailing slash after the router MAC.
func (c *Config) UplinkURI() string {
	return c.ServerURL + c.RouterMAC + "/"
}
