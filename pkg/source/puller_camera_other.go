//go:build !linux

package source

import (
	"context"
	"fmt"

	"github.com/davidus-sk/rtsp-streamer/pkg/config"
	"github.com/davidus-sk/rtsp-streamer/pkg/logger"
)

// cameraPuller is unsupported outside Linux: pion/mediadevices' camera
// driver used by this bridge is V4L2-only, matching the /dev/video…
// addressing scheme the puller-configuration table expects.
type cameraPuller struct{}

func newCameraPuller(path string, cfg config.CameraConfig, log *logger.Logger) (*cameraPuller, error) {
	return nil, fmt.Errorf("local camera capture (%s) is only supported on linux", path)
}

func (p *cameraPuller) Start(ctx context.Context, onPacket PacketHandler) error {
	return fmt.Errorf("local camera capture not supported on this platform")
}

func (p *cameraPuller) Close() error { return nil }
