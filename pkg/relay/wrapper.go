package relay

import (
	"sync"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"

	"github.com/davidus-sk/rtsp-streamer/pkg/logger"
)

// NonBufferedTrack is the `use_relay=false` branch of §4.2: a one-slot
// overwrite-on-write mailbox. A background feed always holds at most the
// single latest packet; a slow or stalled consumer sees the newest packet
// next time it can write, never a backlog. Unlike Subscription it is fed
// directly rather than through the Broadcaster's per-viewer mailbox, but it
// shares the same never-block-the-writer discipline.
type NonBufferedTrack struct {
	viewerID string
	track    *webrtc.TrackLocalStaticRTP
	log      *logger.Logger

	mu     sync.Mutex
	latest *rtp.Packet
	notify chan struct{}
	done   chan struct{}
	once   sync.Once
}

// NewNonBufferedTrack creates a wrapper track for viewerID with the given
// codec capability.
func NewNonBufferedTrack(codec webrtc.RTPCodecCapability, viewerID string, log *logger.Logger) (*NonBufferedTrack, error) {
	track, err := webrtc.NewTrackLocalStaticRTP(codec, "video", "wrapper-"+viewerID)
	if err != nil {
		return nil, err
	}
	w := &NonBufferedTrack{
		viewerID: viewerID,
		track:    track,
		log:      log.With("component", "relay"),
		notify:   make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	go w.run()
	return w, nil
}

// Track returns the local track to attach to the viewer's peer connection.
func (w *NonBufferedTrack) Track() *webrtc.TrackLocalStaticRTP {
	return w.track
}

// Feed overwrites the single latest-packet slot. Never blocks.
func (w *NonBufferedTrack) Feed(pkt *rtp.Packet) {
	w.mu.Lock()
	w.latest = pkt
	w.mu.Unlock()

	select {
	case w.notify <- struct{}{}:
	default:
	}
}

func (w *NonBufferedTrack) run() {
	for {
		select {
		case <-w.done:
			return
		case <-w.notify:
			w.mu.Lock()
			pkt := w.latest
			w.mu.Unlock()
			if pkt == nil {
				continue
			}
			if err := w.track.WriteRTP(pkt); err != nil {
				w.log.DebugSource("wrapper write failed", "viewer_id", w.viewerID, "error", err)
			}
		}
	}
}

// Stop ends the feed goroutine. Safe to call more than once.
func (w *NonBufferedTrack) Stop() {
	w.once.Do(func() {
		close(w.done)
	})
}
