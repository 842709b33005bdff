// Package bridgeapp wires the five components described in §2 — Shared
// Source, Signaling Transport, Peer Session, Session Registry/Cleanup
// Coordinator, and Status Heartbeat — into one running process.
package bridgeapp

import (
	"context"
	"fmt"
	"sync"

	"github.com/davidus-sk/rtsp-streamer/pkg/config"
	"github.com/davidus-sk/rtsp-streamer/pkg/logger"
	"github.com/davidus-sk/rtsp-streamer/pkg/signaling"
	"github.com/davidus-sk/rtsp-streamer/pkg/source"
	"github.com/davidus-sk/rtsp-streamer/pkg/status"
	"github.com/davidus-sk/rtsp-streamer/pkg/webrtcsession"
)

// Params collects everything Run needs beyond the parsed config file.
type Params struct {
	RTSPURL        string
	ForceH264      bool
	UseRelay       bool
	StatusEnabled  bool
	StatusInterval int
}

// App is the assembled bridge process.
type App struct {
	deviceID  string
	cfg       *config.Config
	log       *logger.Logger
	src       *source.Source
	transport *signaling.Transport
	registry  *webrtcsession.Registry
	heartbeat *status.Heartbeat

	mu       sync.Mutex
	shutdown bool
}

// New builds every component but does not start any of them. deviceID is
// derived by the caller, since a derivation failure is reported through a
// distinct exit code (§6) before the rest of the bridge is ever assembled.
func New(deviceID string, cfg *config.Config, params Params, log *logger.Logger) (*App, error) {
	id := deviceID
	appLog := log.With("device_id", id)

	src := source.New(params.RTSPURL, cfg.Camera, appLog)
	transport := signaling.New(cfg.MQTT, id, appLog)

	registry, err := webrtcsession.NewRegistry(id, cfg, src, transport, webrtcsession.Options{
		ForceH264: params.ForceH264,
		UseRelay:  params.UseRelay,
	}, appLog)
	if err != nil {
		return nil, fmt.Errorf("build session registry: %w", err)
	}

	interval := params.StatusInterval
	if !params.StatusEnabled {
		interval = 0
	}
	heartbeat := status.New(id, interval, transport, src.Ready, appLog)

	return &App{
		deviceID:  id,
		cfg:       cfg,
		log:       appLog,
		src:       src,
		transport: transport,
		registry:  registry,
		heartbeat: heartbeat,
	}, nil
}

// DeviceID returns the derived device id, used for startup logging.
func (a *App) DeviceID() string { return a.deviceID }

// Run connects to the signaling broker and blocks running the status
// heartbeat until ctx is cancelled, then tears every live session down.
func (a *App) Run(ctx context.Context) error {
	if err := a.transport.Connect(); err != nil {
		return fmt.Errorf("connect signaling transport: %w", err)
	}
	a.log.Info("bridge started", "device_id", a.deviceID)

	a.heartbeat.Run(ctx)

	a.Shutdown()
	return nil
}

// Shutdown tears down every live session, stops the shared source, and
// disconnects from the signaling broker. Safe to call more than once.
func (a *App) Shutdown() {
	a.mu.Lock()
	if a.shutdown {
		a.mu.Unlock()
		return
	}
	a.shutdown = true
	a.mu.Unlock()

	a.log.Info("bridge shutting down")
	a.registry.Shutdown()
	a.src.Shutdown()
	if err := a.transport.Close(); err != nil {
		a.log.Warn("close signaling transport failed", "error", err)
	}
}
