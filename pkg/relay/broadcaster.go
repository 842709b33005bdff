// Package relay implements the frame-relay fan-out half of the Shared
// Source: one upstream RTP reader multiplexed to N peer-session
// subscriptions, each dropping packets under backpressure rather than
// buffering them.
package relay

import (
	"fmt"
	"sync"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"

	"github.com/davidus-sk/rtsp-streamer/pkg/logger"
)

// mailboxDepth bounds the per-subscriber packet queue. It exists only to
// absorb scheduling jitter between the puller goroutine and a subscriber's
// write goroutine; a full mailbox drops the newest packet rather than
// blocking the broadcaster.
const mailboxDepth = 32

// Broadcaster fans out RTP packets read from a single upstream source to
// any number of subscribers. It is the "relay" named throughout §4.2: each
// viewer's subscription is a distinct webrtc.TrackLocalStaticRTP fed from
// its own drop-on-backpressure mailbox, so one slow viewer never causes
// frames to pile up for the others or for the puller.
type Broadcaster struct {
	log *logger.Logger

	codec webrtc.RTPCodecCapability

	mu   sync.Mutex
	subs map[string]*Subscription
}

// NewBroadcaster creates a Broadcaster for a track of the given codec
// capability (e.g. video/H264).
func NewBroadcaster(codec webrtc.RTPCodecCapability, log *logger.Logger) *Broadcaster {
	return &Broadcaster{
		log:   log.With("component", "relay"),
		codec: codec,
		subs:  make(map[string]*Subscription),
	}
}

// Subscription is one viewer's relay track.
type Subscription struct {
	ViewerID string

	track       *webrtc.TrackLocalStaticRTP
	mailbox     chan *rtp.Packet
	done        chan struct{}
	log         *logger.Logger
	broadcaster *Broadcaster
}

// Track returns the local track to attach to the viewer's peer connection.
func (s *Subscription) Track() *webrtc.TrackLocalStaticRTP {
	return s.track
}

// Stop unsubscribes this subscription from its broadcaster.
func (s *Subscription) Stop() {
	s.broadcaster.Unsubscribe(s.ViewerID)
}

func (s *Subscription) deliver(pkt *rtp.Packet) {
	select {
	case s.mailbox <- pkt:
	default:
		// Mailbox full: drop. A slow viewer must never block the relay or
		// accumulate frames; it will simply see a glitch.
		s.log.DebugSource("relay mailbox full, dropping packet", "viewer_id", s.ViewerID)
	}
}

func (s *Subscription) run() {
	for {
		select {
		case pkt, ok := <-s.mailbox:
			if !ok {
				return
			}
			if err := s.track.WriteRTP(pkt); err != nil {
				s.log.DebugSource("relay write failed", "viewer_id", s.ViewerID, "error", err)
			}
		case <-s.done:
			return
		}
	}
}

// Subscribe creates a new relay subscription for viewerID. The returned
// Subscription owns a freshly created TrackLocalStaticRTP, since pion
// tracks may only be attached to a single peer connection.
func (b *Broadcaster) Subscribe(viewerID string) (*Subscription, error) {
	track, err := webrtc.NewTrackLocalStaticRTP(b.codec, "video", "relay-"+viewerID)
	if err != nil {
		return nil, fmt.Errorf("create relay track: %w", err)
	}

	sub := &Subscription{
		ViewerID:    viewerID,
		track:       track,
		mailbox:     make(chan *rtp.Packet, mailboxDepth),
		done:        make(chan struct{}),
		log:         b.log,
		broadcaster: b,
	}

	b.mu.Lock()
	b.subs[viewerID] = sub
	b.mu.Unlock()

	go sub.run()

	b.log.DebugSource("relay subscribed", "viewer_id", viewerID)
	return sub, nil
}

// Unsubscribe removes and stops a viewer's subscription. A no-op if the
// viewer has no subscription (e.g. double-unsubscribe during a cleanup race).
func (b *Broadcaster) Unsubscribe(viewerID string) {
	b.mu.Lock()
	sub, ok := b.subs[viewerID]
	if ok {
		delete(b.subs, viewerID)
	}
	b.mu.Unlock()

	if !ok {
		return
	}
	close(sub.done)
	b.log.DebugSource("relay unsubscribed", "viewer_id", viewerID)
}

// Publish delivers one upstream RTP packet to every current subscriber.
func (b *Broadcaster) Publish(pkt *rtp.Packet) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, sub := range b.subs {
		sub.deliver(pkt)
	}
}

// Count returns the current subscriber count.
func (b *Broadcaster) Count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Close stops every subscription's feed goroutine.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	subs := b.subs
	b.subs = make(map[string]*Subscription)
	b.mu.Unlock()

	for _, sub := range subs {
		close(sub.done)
	}
}
