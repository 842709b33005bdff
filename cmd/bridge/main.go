package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/davidus-sk/rtsp-streamer/pkg/bridgeapp"
	"github.com/davidus-sk/rtsp-streamer/pkg/config"
	"github.com/davidus-sk/rtsp-streamer/pkg/deviceid"
	"github.com/davidus-sk/rtsp-streamer/pkg/logger"
)

// exitDeviceIDFailure is reserved by §6 for the one failure mode that can
// never be retried with the same arguments: the device id cannot be
// derived from --rtsp-url.
const exitDeviceIDFailure = 104

func main() {
	fs := flag.NewFlagSet("bridge", flag.ContinueOnError)
	logFlags := logger.RegisterFlags(fs)

	defaultConfigPath := "config.yaml"
	if exe, err := os.Executable(); err == nil {
		defaultConfigPath = filepath.Join(filepath.Dir(exe), "config", "config.yaml")
	}

	rtspURL := fs.String("rtsp-url", "", "RTSP source URL (required)")
	configPath := fs.String("config", defaultConfigPath, "Path to YAML configuration file")
	statusInterval := fs.Int("status", 20, "Seconds between status heartbeats")
	noStatus := fs.Bool("no-status", false, "Disable status heartbeats")
	forceH264 := fs.Bool("force-h264", false, "Constrain the outbound track's codec preferences to H.264")
	useRelay := fs.Bool("use-relay", true, "Fan video out through the shared relay broadcaster instead of a per-viewer wrapper track")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s --rtsp-url <url> [options]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "RTSP-to-WebRTC signaling bridge\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		fs.PrintDefaults()
	}

	if err := fs.Parse(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error parsing flags: %v\n", err)
		os.Exit(1)
	}

	if *rtspURL == "" {
		fmt.Fprintln(os.Stderr, "error: --rtsp-url is required")
		fs.Usage()
		os.Exit(1)
	}

	logConfig, err := logFlags.ToConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error configuring logger: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(logConfig)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error creating logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Close()
	logger.SetDefault(log)

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	log.Info("configuration loaded", "path", *configPath)

	deviceID, err := deviceid.Derive(*rtspURL)
	if err != nil {
		log.Error("failed to derive device id", "error", err)
		os.Exit(exitDeviceIDFailure)
	}

	params := bridgeapp.Params{
		RTSPURL:        *rtspURL,
		ForceH264:      *forceH264,
		UseRelay:       *useRelay,
		StatusEnabled:  !*noStatus,
		StatusInterval: *statusInterval,
	}

	app, err := bridgeapp.New(deviceID, cfg, params, log)
	if err != nil {
		log.Error("failed to build bridge", "error", err)
		os.Exit(1)
	}
	log.Info("bridge assembled", "device_id", app.DeviceID(), "rtsp_url", *rtspURL)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		log.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	if err := app.Run(ctx); err != nil {
		log.Error("bridge exited with error", "error", err)
		os.Exit(1)
	}

	log.Info("graceful shutdown complete")
}
