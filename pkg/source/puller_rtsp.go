package source

import (
	"context"
	"fmt"

	"github.com/bluenviron/gortsplib/v4"
	"github.com/bluenviron/gortsplib/v4/pkg/base"
	"github.com/bluenviron/gortsplib/v4/pkg/description"
	"github.com/bluenviron/gortsplib/v4/pkg/format"
	"github.com/pion/rtp"

	"github.com/davidus-sk/rtsp-streamer/pkg/logger"
)

// rtspPuller is the `rtsp://…` branch of §4.2: opened with the TCP
// transport. The H.264 RTP packets are forwarded as received; nothing is
// decoded here.
type rtspPuller struct {
	url string
	log *logger.Logger

	client *gortsplib.Client
}

func newRTSPPuller(url string, log *logger.Logger) *rtspPuller {
	return &rtspPuller{url: url, log: log.With("component", "rtsp")}
}

func (p *rtspPuller) Start(ctx context.Context, onPacket PacketHandler) error {
	transport := gortsplib.TransportTCP
	p.client = &gortsplib.Client{Transport: &transport}

	parsed, err := base.ParseURL(p.url)
	if err != nil {
		return fmt.Errorf("parse rtsp url: %w", err)
	}

	if err := p.client.Start(parsed.Scheme, parsed.Host); err != nil {
		return fmt.Errorf("connect rtsp server: %w", err)
	}

	desc, _, err := p.client.Describe(parsed)
	if err != nil {
		p.client.Close()
		return fmt.Errorf("describe: %w", err)
	}
	p.log.DebugRTSP("describe complete", "media_count", len(desc.Medias))

	var videoMedia *description.Media
	var videoFormat *format.H264
	for _, media := range desc.Medias {
		for _, f := range media.Formats {
			if h264, ok := f.(*format.H264); ok {
				videoMedia = media
				videoFormat = h264
				break
			}
		}
		if videoFormat != nil {
			break
		}
	}
	if videoFormat == nil {
		p.client.Close()
		return fmt.Errorf("no H.264 video media in stream")
	}

	if _, err := p.client.Setup(desc.BaseURL, videoMedia, 0, 0); err != nil {
		p.client.Close()
		return fmt.Errorf("setup video track: %w", err)
	}

	p.client.OnPacketRTP(videoMedia, videoFormat, func(pkt *rtp.Packet) {
		onPacket(pkt)
	})

	if _, err := p.client.Play(nil); err != nil {
		p.client.Close()
		return fmt.Errorf("play: %w", err)
	}

	go func() {
		err := p.client.Wait()
		if err != nil && ctx.Err() == nil {
			p.log.Warn("rtsp connection ended", "error", err)
		}
	}()

	p.log.Info("rtsp playback started")
	return nil
}

func (p *rtspPuller) Close() error {
	if p.client != nil {
		p.client.Close()
	}
	return nil
}
