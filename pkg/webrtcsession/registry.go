package webrtcsession

import (
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/davidus-sk/rtsp-streamer/pkg/config"
	"github.com/davidus-sk/rtsp-streamer/pkg/logger"
	"github.com/davidus-sk/rtsp-streamer/pkg/signaling"
	"github.com/davidus-sk/rtsp-streamer/pkg/source"
)

// peerCloseTimeout bounds how long teardown waits on pc.Close() before
// giving up and proceeding with the rest of the cleanup procedure.
const peerCloseTimeout = 2 * time.Second

// Options configures the Registry beyond what comes from config.Config.
type Options struct {
	ForceH264 bool
	UseRelay  bool
}

// Registry is the Session Registry & Cleanup Coordinator of §4.4: it owns
// every live Peer Session for one device, replacing a superseded session
// and running its ordered teardown when a connection goes terminal.
//
// cleanupMu is distinct from the Shared Source mutex and guards only the
// inFlight set: a teardown for a viewer-id that already has one in flight
// (e.g. a fresh offer racing a connection-state callback) returns at once.
// cleanupMu is not held while a teardown runs, so teardowns of different
// viewer-ids are not serialized and may run concurrently.
type Registry struct {
	deviceID  string
	src       *source.Source
	transport *signaling.Transport
	api       *apiBundle
	ice       []webrtc.ICEServer
	opts      Options
	log       *logger.Logger

	mu       sync.Mutex
	sessions map[string]*Session

	cleanupMu sync.Mutex
	inFlight  map[string]struct{}
}

// NewRegistry builds a Registry wired to src and transport. It registers
// itself as the transport's offer/ICE handlers.
func NewRegistry(deviceID string, cfg *config.Config, src *source.Source, transport *signaling.Transport, opts Options, log *logger.Logger) (*Registry, error) {
	api, err := newAPI()
	if err != nil {
		return nil, fmt.Errorf("build webrtc api: %w", err)
	}

	r := &Registry{
		deviceID:  deviceID,
		src:       src,
		transport: transport,
		api:       api,
		ice:       iceServersFromConfig(cfg.MQTT.ICEServers),
		opts:      opts,
		log:       log.With("component", "registry"),
		sessions:  make(map[string]*Session),
		inFlight:  make(map[string]struct{}),
	}

	// Dispatched onto their own goroutines: both handlers are invoked from
	// the MQTT client's callback goroutine, and HandleOffer in particular
	// blocks on the supersede sleep and full SDP negotiation, so running it
	// inline would stall delivery of every other signaling message.
	transport.OnOffer = func(viewerID string, payload signaling.OfferPayload) {
		go r.HandleOffer(viewerID, payload)
	}
	transport.OnICE = func(viewerID string, payload signaling.ICEPayload) {
		go r.HandleRemoteICE(viewerID, payload)
	}

	return r, nil
}

// HandleOffer implements the 7-step offer-handling procedure of §4.3:
//  1. if a session already exists for this viewer-id, tear it down first
//     and wait briefly for the Shared Source to release the old client;
//  2. add the viewer as a Shared Source client and acquire its track;
//  3. create a new Peer Session (peer connection + callbacks);
//  4. attach the track to the peer connection (done inside newSession);
//  5. apply the remote offer, flush queued ICE, and produce a local answer;
//  6. publish the answer;
//  7. ICE candidates gathered locally are published as they arrive via the
//     OnICECandidate callback wired in newSession, ending with the
//     end-of-candidates sentinel.
func (r *Registry) HandleOffer(viewerID string, payload signaling.OfferPayload) {
	r.mu.Lock()
	existing := r.sessions[viewerID]
	r.mu.Unlock()

	if existing != nil {
		r.teardown(viewerID, existing)
		time.Sleep(200 * time.Millisecond)
	}

	if err := r.src.AddClient(viewerID); err != nil {
		r.log.Error("add client to shared source failed", "viewer_id", viewerID, "error", err)
		return
	}

	track, needsStop, err := r.src.GetTrack(viewerID, r.opts.UseRelay)
	if err != nil {
		r.log.Error("get track from shared source failed", "viewer_id", viewerID, "error", err)
		r.src.RemoveClient(viewerID)
		return
	}

	sess, err := newSession(r.api, r.ice, viewerID, track, r.transport, r.opts.ForceH264, r.log, r.onSessionTerminal)
	if err != nil {
		r.log.Error("create peer session failed", "viewer_id", viewerID, "error", err)
		if needsStop {
			track.Stop()
		}
		r.src.RemoveClient(viewerID)
		return
	}

	r.mu.Lock()
	r.sessions[viewerID] = sess
	r.mu.Unlock()

	answer, err := sess.ApplyOffer(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: payload.SDP})
	if err != nil {
		r.log.Error("apply offer failed", "viewer_id", viewerID, "error", err)
		r.teardown(viewerID, sess)
		return
	}

	if err := r.transport.PublishAnswer(viewerID, answer.SDP); err != nil {
		r.log.Error("publish answer failed", "viewer_id", viewerID, "error", err)
	}
}

// HandleRemoteICE forwards a remote ICE candidate to the matching session.
// Per §4.3, a candidate for a viewer-id with no session is simply ignored.
// The candidate may arrive in raw SDP attribute-line form (prefixed "a="),
// which pion does not accept, so that prefix is stripped before use.
func (r *Registry) HandleRemoteICE(viewerID string, payload signaling.ICEPayload) {
	r.mu.Lock()
	sess := r.sessions[viewerID]
	r.mu.Unlock()

	if sess == nil {
		return
	}
	if payload.IsEndOfCandidates() {
		return
	}

	candidate := strings.TrimPrefix(*payload.Candidate, "a=")
	init := webrtc.ICECandidateInit{Candidate: candidate, SDPMid: payload.SDPMid, SDPMLineIndex: payload.SDPMLineIndex}
	if err := sess.AddRemoteICE(init); err != nil {
		r.log.Warn("add remote ice candidate failed", "viewer_id", viewerID, "error", err)
	}
}

func (r *Registry) onSessionTerminal(viewerID string) {
	r.mu.Lock()
	sess := r.sessions[viewerID]
	r.mu.Unlock()
	if sess == nil {
		return
	}
	r.teardown(viewerID, sess)
}

// teardown runs the ordered cleanup procedure of §4.4:
//  1. mark cleanup in-flight for this viewer-id, so a second concurrent
//     trigger (offer race, duplicate state callback) is a no-op;
//  2. remove the session from the registry so no new ICE/offer routes to it;
//  3. stop the viewer track FIRST, before the peer connection closes, so the
//     relay un-subscribes cleanly instead of racing a half-closed PC;
//  4. stop every RTP transceiver;
//  5. close the peer connection, bounded by a timeout so a stuck pion
//     internal doesn't hang the teardown;
//  6. release the Shared Source client reference;
//  7. yield briefly and force a GC sweep, so the track's media buffers are
//     actually released before the next viewer churns through;
//  8. clear the in-flight marker.
func (r *Registry) teardown(viewerID string, sess *Session) {
	r.cleanupMu.Lock()
	if _, ok := r.inFlight[viewerID]; ok {
		r.cleanupMu.Unlock()
		return
	}
	r.inFlight[viewerID] = struct{}{}
	r.cleanupMu.Unlock()

	defer func() {
		r.cleanupMu.Lock()
		delete(r.inFlight, viewerID)
		r.cleanupMu.Unlock()
	}()

	r.mu.Lock()
	if r.sessions[viewerID] == sess {
		delete(r.sessions, viewerID)
	}
	r.mu.Unlock()

	if sess.track != nil {
		sess.track.Stop()
	}

	for _, tr := range sess.pc.GetTransceivers() {
		if err := tr.Stop(); err != nil {
			r.log.DebugWebRTC("transceiver stop error", "viewer_id", viewerID, "error", err)
		}
	}

	closed := make(chan error, 1)
	go func() { closed <- sess.Close() }()
	select {
	case err := <-closed:
		if err != nil {
			r.log.DebugWebRTC("peer connection close error", "viewer_id", viewerID, "error", err)
		}
	case <-time.After(peerCloseTimeout):
		r.log.Warn("peer connection close timed out", "viewer_id", viewerID)
	}

	r.src.RemoveClient(viewerID)

	time.Sleep(100 * time.Millisecond)
	debug.FreeOSMemory()

	r.log.DebugSession("session torn down", "viewer_id", viewerID)
}

// Shutdown tears down every live session. Used during process shutdown.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	sessions := make(map[string]*Session, len(r.sessions))
	for id, s := range r.sessions {
		sessions[id] = s
	}
	r.mu.Unlock()

	var wg sync.WaitGroup
	for id, sess := range sessions {
		wg.Add(1)
		go func(viewerID string, s *Session) {
			defer wg.Done()
			r.teardown(viewerID, s)
		}(id, sess)
	}
	wg.Wait()
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}
