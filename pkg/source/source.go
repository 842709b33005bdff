package source

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"runtime/debug"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"

	"github.com/davidus-sk/rtsp-streamer/pkg/config"
	"github.com/davidus-sk/rtsp-streamer/pkg/logger"
	"github.com/davidus-sk/rtsp-streamer/pkg/relay"
)

// videoCodec is the capability every relay/wrapper track is created with.
// The bridge never transcodes, so this must match what the upstream puller
// actually produces — H.264 for both the RTSP and local-camera branches.
var videoCodec = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeH264}

// ViewerTrack is what Shared Source hands back to a Peer Session: a local
// track ready to attach to a peer connection, plus the means to release it.
type ViewerTrack interface {
	Track() *webrtc.TrackLocalStaticRTP
	Stop()
}

// Source is the Shared Source component of §4.2: one reference-counted
// pull of the upstream URL, fanned out through a relay.Broadcaster, with a
// watchdog that restarts the pull on stall.
//
// Two context scopes are kept distinct: lifecycleCtx spans the whole time
// active_clients>0 (the watchdog goroutine runs for exactly this long,
// surviving any number of puller restarts it triggers); pullerCancel
// belongs to the current puller instance alone and is replaced each time
// the puller is recreated.
type Source struct {
	url string
	cfg config.CameraConfig
	log *logger.Logger

	// mu is the single Shared Source mutex named in §5: it guards every
	// field below and every public entry point acquires it.
	mu            sync.Mutex
	activeClients int
	puller        Puller
	broadcaster   *relay.Broadcaster
	wrappers      map[string]*relay.NonBufferedTrack
	ready         bool
	lastFrameTime time.Time

	pullerCancel context.CancelFunc

	lifecycleCancel context.CancelFunc
	watchdogDone    chan struct{}
}

// New creates a Shared Source for one upstream URL. The puller is not
// started until the first client is added.
func New(url string, cfg config.CameraConfig, log *logger.Logger) *Source {
	return &Source{
		url:      url,
		cfg:      cfg,
		log:      log.With("component", "source", "url", url),
		wrappers: make(map[string]*relay.NonBufferedTrack),
	}
}

// AddClient increments the active-client count; if the count transitions
// 0→1 it starts the puller and watchdog. If puller creation fails, the
// error propagates and the count is left unchanged, per §4.2's edge cases.
func (s *Source) AddClient(viewerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.activeClients == 0 {
		lifecycleCtx, lifecycleCancel := context.WithCancel(context.Background())
		if err := s.startPullerLocked(); err != nil {
			lifecycleCancel()
			return fmt.Errorf("start shared source: %w", err)
		}
		s.lifecycleCancel = lifecycleCancel
		s.watchdogDone = make(chan struct{})
		go s.watchdog(lifecycleCtx, s.watchdogDone)
	}
	s.activeClients++
	s.log.DebugSource("client added", "viewer_id", viewerID, "active_clients", s.activeClients)
	return nil
}

// RemoveClient decrements the active-client count, saturating at zero. A
// call against an already-zero count is a no-op, not an error. If the
// count transitions to zero, the puller and watchdog are stopped.
func (s *Source) RemoveClient(viewerID string) {
	s.mu.Lock()
	if s.activeClients == 0 {
		s.mu.Unlock()
		return
	}
	s.activeClients--
	s.log.DebugSource("client removed", "viewer_id", viewerID, "active_clients", s.activeClients)
	transitioned := s.activeClients == 0
	lifecycleCancel := s.lifecycleCancel
	done := s.watchdogDone
	s.mu.Unlock()

	if !transitioned {
		return
	}
	// Stop the watchdog goroutine outside the lock: it may itself be
	// blocked trying to acquire mu inside checkStall, so waiting on it
	// while holding mu would deadlock.
	if lifecycleCancel != nil {
		lifecycleCancel()
	}
	if done != nil {
		<-done
	}

	s.mu.Lock()
	s.stopPullerLocked()
	s.mu.Unlock()
}

// GetTrack returns a track for a peer connection. If useRelay is true the
// track is a subscription to the shared Broadcaster; otherwise it is a
// one-slot non-buffered wrapper fed directly from the puller. Both
// branches return needsStop=true — per the Known ambiguity in §9, the
// wrapper's lifetime is tied strictly to the Peer Session that requested
// it, so it must always be stopped on teardown just like a relay
// subscription.
func (s *Source) GetTrack(viewerID string, useRelay bool) (track ViewerTrack, needsStop bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.broadcaster == nil {
		return nil, false, fmt.Errorf("shared source has no active puller")
	}

	if useRelay {
		sub, err := s.broadcaster.Subscribe(viewerID)
		if err != nil {
			return nil, false, fmt.Errorf("subscribe to relay: %w", err)
		}
		return sub, true, nil
	}

	wrapper, err := relay.NewNonBufferedTrack(videoCodec, viewerID, s.log)
	if err != nil {
		return nil, false, fmt.Errorf("create wrapper track: %w", err)
	}
	s.wrappers[viewerID] = wrapper
	return &wrapperHandle{viewerID: viewerID, wrapper: wrapper, source: s}, true, nil
}

// wrapperHandle adapts a relay.NonBufferedTrack to ViewerTrack, removing it
// from the Source's dispatch table on Stop so onPacket stops feeding it.
type wrapperHandle struct {
	viewerID string
	wrapper  *relay.NonBufferedTrack
	source   *Source
}

func (h *wrapperHandle) Track() *webrtc.TrackLocalStaticRTP { return h.wrapper.Track() }

func (h *wrapperHandle) Stop() {
	h.source.mu.Lock()
	delete(h.source.wrappers, h.viewerID)
	h.source.mu.Unlock()
	h.wrapper.Stop()
}

// Ready reports whether the puller currently has a live frame. Used by the
// status heartbeat's camera_ready field.
func (s *Source) Ready() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ready
}

// Shutdown forcibly zeroes the active-client count and destroys the puller.
func (s *Source) Shutdown() {
	s.mu.Lock()
	had := s.activeClients > 0
	s.activeClients = 0
	lifecycleCancel := s.lifecycleCancel
	done := s.watchdogDone
	s.mu.Unlock()

	if !had {
		return
	}
	if lifecycleCancel != nil {
		lifecycleCancel()
	}
	if done != nil {
		<-done
	}

	s.mu.Lock()
	s.stopPullerLocked()
	s.mu.Unlock()
}

// startPullerLocked creates and starts the puller and broadcaster. Called
// with mu held, from either the initial 0→1 transition or a watchdog
// restart; never waits on the watchdog goroutine itself.
func (s *Source) startPullerLocked() error {
	puller, err := NewPuller(s.url, s.cfg, s.log)
	if err != nil {
		return err
	}

	pullerCtx, pullerCancel := context.WithCancel(context.Background())
	broadcaster := relay.NewBroadcaster(videoCodec, s.log)

	if err := puller.Start(pullerCtx, s.onPacket); err != nil {
		pullerCancel()
		return err
	}

	s.puller = puller
	s.pullerCancel = pullerCancel
	s.broadcaster = broadcaster
	s.ready = false
	return nil
}

// stopPullerLocked destroys the puller and broadcaster. Called with mu
// held; clears ready on every destruction per §4.2.
func (s *Source) stopPullerLocked() {
	if s.puller == nil {
		return
	}
	if s.pullerCancel != nil {
		s.pullerCancel()
	}
	// Short drain so in-flight frame reads started before the lock was
	// taken may complete before the underlying media resource is released.
	time.Sleep(100 * time.Millisecond)
	if err := s.puller.Close(); err != nil {
		s.log.Warn("puller close error", "error", err)
	}
	s.puller = nil

	if s.broadcaster != nil {
		s.broadcaster.Close()
		s.broadcaster = nil
	}
	s.ready = false

	debug.FreeOSMemory()
}

// onPacket is the puller's callback: it records liveness, then fans the
// packet out to the relay broadcaster and every active non-buffered
// wrapper. It deliberately does not hold mu while publishing/feeding,
// since those calls have their own locking and run at packet rate.
func (s *Source) onPacket(pkt *rtp.Packet) {
	s.mu.Lock()
	s.ready = true
	s.lastFrameTime = time.Now()
	bc := s.broadcaster
	wrappers := make([]*relay.NonBufferedTrack, 0, len(s.wrappers))
	for _, w := range s.wrappers {
		wrappers = append(wrappers, w)
	}
	s.mu.Unlock()

	if bc != nil {
		bc.Publish(pkt)
	}
	for _, w := range wrappers {
		w.Feed(pkt)
	}
}

func (s *Source) watchdog(ctx context.Context, done chan struct{}) {
	defer close(done)

	interval := time.Duration(s.cfg.ReconnectInterval) * time.Second
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.logResidentMemory()
			debug.FreeOSMemory()
			s.checkStall(interval)
		}
	}
}

// checkStall implements the watchdog health check of §4.2: (a) active
// clients > 0, (b) ready flag set, (c) last frame within 3×interval. On
// failure it destroys and recreates the puller under the source lock,
// without touching the watchdog goroutine that is calling it.
func (s *Source) checkStall(interval time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.activeClients == 0 || s.puller == nil {
		return
	}
	if !s.ready {
		return
	}
	if time.Since(s.lastFrameTime) <= 3*interval {
		return
	}

	s.log.Warn("stream stalled, restarting puller", "since_last_frame", time.Since(s.lastFrameTime))

	s.stopPullerLocked()
	if err := s.startPullerLocked(); err != nil {
		s.log.Error("failed to restart puller after stall", "error", err)
	}
}

func (s *Source) logResidentMemory() {
	if runtime.GOOS != "linux" {
		return
	}
	data, err := os.ReadFile("/proc/self/status")
	if err != nil {
		return
	}
	for _, line := range strings.Split(string(data), "\n") {
		if strings.HasPrefix(line, "VmRSS:") {
			fields := strings.Fields(line)
			if len(fields) >= 2 {
				if kb, err := strconv.Atoi(fields[1]); err == nil {
					s.log.DebugSource("resident memory", "vmrss_kb", kb)
				}
			}
			return
		}
	}
}
