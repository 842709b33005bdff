// Package status implements the Status Heartbeat component of §4.5: a
// periodic "alive" message published over the signaling transport so a
// fleet manager can tell a bridge process apart from a dead one.
package status

import (
	"context"
	"time"

	"github.com/davidus-sk/rtsp-streamer/pkg/logger"
	"github.com/davidus-sk/rtsp-streamer/pkg/signaling"
)

const initialDelay = 1500 * time.Millisecond

// ReadyFunc reports whether the Shared Source currently has a live frame,
// surfaced in the heartbeat payload's camera_ready field.
type ReadyFunc func() bool

// Heartbeat runs the periodic status publish loop. A zero interval
// disables the loop entirely, per §4.5's edge case.
type Heartbeat struct {
	deviceID  string
	interval  time.Duration
	transport *signaling.Transport
	ready     ReadyFunc
	log       *logger.Logger
}

// New builds a Heartbeat. interval is in seconds, matching the
// status_interval config/flag unit; <= 0 disables the loop.
func New(deviceID string, intervalSeconds int, transport *signaling.Transport, ready ReadyFunc, log *logger.Logger) *Heartbeat {
	return &Heartbeat{
		deviceID:  deviceID,
		interval:  time.Duration(intervalSeconds) * time.Second,
		transport: transport,
		ready:     ready,
		log:       log.With("component", "status"),
	}
}

// Run blocks publishing heartbeats until ctx is cancelled, then publishes a
// final shutdown status before returning. A disabled heartbeat (interval
// <= 0) still sends the shutdown message on cancellation.
func (h *Heartbeat) Run(ctx context.Context) {
	if h.interval > 0 {
		select {
		case <-ctx.Done():
			h.publishShutdown()
			return
		case <-time.After(initialDelay):
			h.publish("alive")
		}

		ticker := time.NewTicker(h.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				h.publishShutdown()
				return
			case <-ticker.C:
				h.publish("alive")
			}
		}
	}

	<-ctx.Done()
	h.publishShutdown()
}

func (h *Heartbeat) publish(status string) {
	ready := h.ready()
	payload := signaling.StatusPayload{
		DeviceID:    h.deviceID,
		DeviceType:  "camera",
		Ts:          time.Now().Unix(),
		Status:      status,
		CameraReady: &ready,
	}
	if err := h.transport.PublishStatus(payload); err != nil {
		h.log.Warn("publish status failed", "status", status, "error", err)
		return
	}
	h.log.DebugSession("status published", "status", status, "camera_ready", ready)
}

func (h *Heartbeat) publishShutdown() {
	payload := signaling.StatusPayload{
		DeviceID:   h.deviceID,
		DeviceType: "camera",
		Ts:         time.Now().Unix(),
		Status:     "shutdown",
	}
	if err := h.transport.PublishStatus(payload); err != nil {
		h.log.Warn("publish shutdown status failed", "error", err)
	}
}
