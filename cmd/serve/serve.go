package serve

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"edge-hub/pkg/broker"
	"edge-hub/pkg/camera"
	"edge-hub/pkg/core"
	"edge-hub/pkg/devices"
	"edge-hub/pkg/ota"
	"edge-hub/pkg/router"
)

// NewServeCmd creates the serve command.
func NewServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the edge hub",
		Long:  "Start the uplink, the MQTT device broker, the TCP device server and the camera subsystem.",
		RunE:  runServe,
	}

	cmd.Flags().String("tcp-addr", "0.0.0.0:8080", "Device TCP listen address")
	cmd.Flags().Int("ota-port", ota.DefaultPort, "LAN firmware HTTP port")
	cmd.Flags().String("firmware-dir", "firmware", "Local firmware cache directory")

	return cmd
}

func runServe(cmd *cobra.Command, args []string) error {
	// A .env file is optional; real deployments set the environment.
	_ = godotenv.Load()

	cfg, err := core.LoadConfig()
	if err != nil {
		return fmt.Errorf("configuration: %w", err)
	}
	core.InitLogger(cfg.LogLevel)

	tcpAddr, _ := cmd.Flags().GetString("tcp-addr")
	otaPort, _ := cmd.Flags().GetInt("ota-port")
	firmwareDir, _ := cmd.Flags().GetString("firmware-dir")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Leaves first, then the mediator, then the back-references.
	b, err := broker.New(cfg.MQTTUrl, cfg.MQTTPort)
	if err != nil {
		return err
	}

	updater, err := ota.NewUpdater(firmwareDir, b)
	if err != nil {
		return fmt.Errorf("firmware cache: %w", err)
	}
	if err := updater.Serve(otaPort); err != nil {
		return fmt.Errorf("ota endpoint: %w", err)
	}
	defer updater.Stop()

	registry := devices.NewRegistry()
	cameras := camera.NewManager()

	r := router.New(cfg.UplinkURI(), cameras, updater, registry)
	r.BindBroker(b)
	b.BindUplink(r)
	cameras.BindUplink(r)

	tcpServer := devices.NewServer(tcpAddr, registry)
	tcpServer.BindUplink(r)

	if err := b.Start(ctx); err != nil {
		return fmt.Errorf("mqtt broker: %w", err)
	}
	defer b.Stop()

	if err := tcpServer.Start(); err != nil {
		return fmt.Errorf("device tcp server: %w", err)
	}
	defer tcpServer.Stop()

	go r.Start(ctx)

	core.Logger.Info().Str("uplink", cfg.UplinkURI()).Msg("edge-hub running. Press Ctrl+C to stop.")

	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, syscall.SIGINT, syscall.SIGTERM)
	<-signalChan

	core.Logger.Info().Msg("Shutting down")
	cancel()
	return nil
}
