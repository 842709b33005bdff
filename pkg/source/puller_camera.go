//go:build linux

package source

import (
	"context"
	"fmt"
	"math/rand"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/x264"
	_ "github.com/pion/mediadevices/pkg/driver/camera" // registers V4L2 camera driver
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"

	"github.com/davidus-sk/rtsp-streamer/pkg/config"
	"github.com/davidus-sk/rtsp-streamer/pkg/logger"
)

const cameraMTU = 1200

// cameraPuller is the `/dev/video…` branch of §4.2: a local V4L2 camera
// opened with frame format YUY2 or I420 (yuv420p) and the configured
// framerate, grounded
// in petervdpas-goop2's mediadevices capture path. The captured track is
// re-encoded to H.264 via x264 so it can feed the same RTP-packet
// Broadcaster/NonBufferedTrack plumbing as the RTSP puller.
type cameraPuller struct {
	path string
	cfg  config.CameraConfig
	log  *logger.Logger

	stream mediadevices.MediaStream
	reader mediadevices.RTPReadCloser
}

func newCameraPuller(path string, cfg config.CameraConfig, log *logger.Logger) (*cameraPuller, error) {
	return &cameraPuller{path: path, cfg: cfg, log: log.With("component", "source", "puller", "camera")}, nil
}

func (p *cameraPuller) Start(ctx context.Context, onPacket PacketHandler) error {
	params, err := x264.NewParams()
	if err != nil {
		return fmt.Errorf("create x264 params: %w", err)
	}
	params.BitRate = 1_000_000
	params.KeyFrameInterval = 30

	codecSelector := mediadevices.NewCodecSelector(mediadevices.WithVideoEncoders(&params))

	width, height, fps := p.cfg.VideoWidth, p.cfg.VideoHeight, p.cfg.FPS
	if width == 0 {
		width = 1024
	}
	if height == 0 {
		height = 768
	}
	if fps == 0 {
		fps = 15
	}

	constraints := mediadevices.MediaStreamConstraints{
		Codec: codecSelector,
		Video: func(c *mediadevices.MediaTrackConstraints) {
			c.FrameFormat = prop.FrameFormatOneOf{frame.FormatYUY2, frame.FormatI420}
			c.Width = prop.Int(width)
			c.Height = prop.Int(height)
			c.FrameRate = prop.Float(float32(fps))
			c.DeviceID = prop.String(p.path)
		},
	}

	stream, err := mediadevices.GetUserMedia(constraints)
	if err != nil {
		return fmt.Errorf("open camera %s: %w", p.path, err)
	}
	p.stream = stream

	tracks := stream.GetTracks()
	if len(tracks) == 0 {
		return fmt.Errorf("camera %s produced no tracks", p.path)
	}
	videoTrack, ok := tracks[0].(*mediadevices.VideoTrack)
	if !ok {
		return fmt.Errorf("camera %s did not produce a video track", p.path)
	}

	ssrc := rand.Uint32()
	reader, err := videoTrack.NewRTPReader(webrtc.MimeTypeH264, ssrc, cameraMTU)
	if err != nil {
		return fmt.Errorf("create rtp reader: %w", err)
	}
	p.reader = reader

	go func() {
		for {
			pkts, _, err := reader.Read()
			if err != nil {
				if ctx.Err() == nil {
					p.log.Warn("camera rtp reader ended", "error", err)
				}
				return
			}
			for _, pkt := range pkts {
				onPacket(pkt)
			}
		}
	}()

	p.log.Info("camera capture started", "path", p.path, "width", width, "height", height, "fps", fps)
	return nil
}

func (p *cameraPuller) Close() error {
	if p.reader != nil {
		p.reader.Close()
	}
	if p.stream != nil {
		for _, t := range p.stream.GetTracks() {
			t.Close()
		}
	}
	return nil
}
