package cmd

import (
	"github.com/spf13/cobra"

	"edge-hub/cmd/serve"
)

var rootCmd = &cobra.Command{
	Use:   "edge-hub",
	Short: "IoT edge router between local devices and the cloud",
	Long: `edge-hub multiplexes local device transports (MQTT, raw TCP,
RTSP cameras) into a single persistent WebSocket to the cloud backend
and serves WebRTC viewing sessions for IP cameras.

Configuration comes from the environment (or a .env file):
  MQTT_URL, MQTT_PORT, SERVER_URL, ROUTER_MAC, LOGGER_LEVEL

Example:
  edge-hub serve`,
}

func Execute(version string) error {
	rootCmd.Version = version
	return rootCmd.Execute()
}

func init() {
	rootCmd.AddCommand(serve.NewServeCmd())
}
