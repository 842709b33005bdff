// Package webrtcsession implements the Peer Session state machine (§4.3)
// and the Session Registry & Cleanup Coordinator (§4.4): one package per
// viewer connection, wired to the Shared Source for media and to the
// signaling transport for SDP/ICE exchange.
package webrtcsession

import (
	"fmt"
	"sync"

	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"

	"github.com/davidus-sk/rtsp-streamer/pkg/logger"
	"github.com/davidus-sk/rtsp-streamer/pkg/signaling"
	"github.com/davidus-sk/rtsp-streamer/pkg/source"
)

// State is a Peer Session's place in the New→Answering→Negotiated→Live→
// Terminal lifecycle of §4.3.
type State int

const (
	StateNew State = iota
	StateAnswering
	StateNegotiated
	StateLive
	StateTerminal
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateAnswering:
		return "answering"
	case StateNegotiated:
		return "negotiated"
	case StateLive:
		return "live"
	case StateTerminal:
		return "terminal"
	default:
		return "unknown"
	}
}

// Session is one viewer's WebRTC peer connection plus the track it was
// handed by the Shared Source.
//
// mu guards state, remoteDescSet and pendingICE only; it is a per-session lock, distinct
// from the Registry's cleanup mutex named in §5 — a stalled peer connection
// must never be able to block the registry's teardown of other sessions.
type Session struct {
	ViewerID string

	pc        *webrtc.PeerConnection
	transport *signaling.Transport
	track     source.ViewerTrack
	log       *logger.Logger

	mu            sync.Mutex
	state         State
	remoteDescSet bool
	pendingICE    []webrtc.ICECandidateInit

	// onTerminal is invoked exactly once, off the pion callback goroutine,
	// when the peer connection state becomes failed or closed, so the
	// registry can run its cleanup procedure.
	onTerminal func(viewerID string)
	terminated sync.Once
}

// newSession creates the peer connection, attaches the viewer's track, and
// wires the ICE-candidate and connection-state callbacks. It does not
// apply the remote offer; call ApplyOffer for that.
func newSession(bundle *apiBundle, iceServers []webrtc.ICEServer, viewerID string, track source.ViewerTrack, transport *signaling.Transport, forceH264 bool, log *logger.Logger, onTerminal func(string)) (*Session, error) {
	pc, err := bundle.api.NewPeerConnection(webrtc.Configuration{ICEServers: iceServers})
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}

	sessLog := log.With("viewer_id", viewerID)

	sess := &Session{
		ViewerID:   viewerID,
		pc:         pc,
		transport:  transport,
		track:      track,
		log:        sessLog,
		state:      StateNew,
		onTerminal: onTerminal,
	}

	sender, err := pc.AddTrack(track.Track())
	if err != nil {
		_ = pc.Close()
		return nil, fmt.Errorf("add track: %w", err)
	}
	go sess.readRTCP(sender)

	if forceH264 {
		for _, tr := range pc.GetTransceivers() {
			if tr.Sender() == sender {
				if err := forceCodec(bundle.mediaEngine, tr, webrtc.MimeTypeH264); err != nil {
					sessLog.Warn("force h264 codec failed", "error", err)
				}
				break
			}
		}
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			if err := sess.transport.PublishEndOfCandidates(viewerID); err != nil {
				sessLog.Warn("publish end-of-candidates failed", "error", err)
			}
			return
		}
		init := c.ToJSON()
		if err := sess.transport.PublishICECandidate(viewerID, init.Candidate, init.SDPMid, init.SDPMLineIndex); err != nil {
			sessLog.Warn("publish ice candidate failed", "error", err)
		}
	})

	pc.OnTrack(func(remote *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		sessLog.DebugWebRTC("remote track received", "kind", remote.Kind().String())
	})

	pc.OnICEConnectionStateChange(func(st webrtc.ICEConnectionState) {
		sessLog.DebugWebRTC("ice connection state changed", "state", st.String())
	})

	pc.OnICEGatheringStateChange(func(st webrtc.ICEGatheringState) {
		sessLog.DebugWebRTC("ice gathering state changed", "state", st.String())
	})

	pc.OnConnectionStateChange(func(cs webrtc.PeerConnectionState) {
		sessLog.DebugWebRTC("connection state changed", "state", cs.String())
		switch cs {
		case webrtc.PeerConnectionStateConnected:
			sess.setState(StateLive)
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
			sess.setState(StateTerminal)
			sess.terminated.Do(func() {
				if sess.onTerminal != nil {
					go sess.onTerminal(viewerID)
				}
			})
		}
	})

	return sess, nil
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// State returns the session's current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ApplyOffer implements the negotiation half of the offer-handling
// procedure in §4.3: set the remote description, flush any ICE candidates
// that arrived before it, then create and set the local answer.
func (s *Session) ApplyOffer(offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	s.setState(StateAnswering)

	if err := s.pc.SetRemoteDescription(offer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("set remote description: %w", err)
	}

	s.mu.Lock()
	s.remoteDescSet = true
	pending := s.pendingICE
	s.pendingICE = nil
	s.mu.Unlock()

	for _, c := range pending {
		if err := s.pc.AddICECandidate(c); err != nil {
			s.log.Warn("add queued ice candidate failed", "error", err)
		}
	}

	answer, err := s.pc.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("create answer: %w", err)
	}
	if err := s.pc.SetLocalDescription(answer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("set local description: %w", err)
	}

	s.setState(StateNegotiated)
	return answer, nil
}

// AddRemoteICE implements the remote-ICE-handling rule of §4.3: if the
// remote description has not been applied yet, the candidate is queued and
// flushed by ApplyOffer; otherwise it is added immediately. The
// end-of-candidates sentinel never reaches this method: HandleRemoteICE
// drops it.
//
// Once the connection has reached connected, closed, or failed, any pending
// queue is dropped and further candidates are discarded rather than applied
// — matching the original's guard against feeding ICE into a peer that is
// already settled or gone.
func (s *Session) AddRemoteICE(candidate webrtc.ICECandidateInit) error {
	switch s.pc.ConnectionState() {
	case webrtc.PeerConnectionStateConnected, webrtc.PeerConnectionStateClosed, webrtc.PeerConnectionStateFailed:
		s.mu.Lock()
		s.pendingICE = nil
		s.mu.Unlock()
		return nil
	}

	s.mu.Lock()
	if !s.remoteDescSet {
		s.pendingICE = append(s.pendingICE, candidate)
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	return s.pc.AddICECandidate(candidate)
}

// Close tears down the underlying peer connection. Safe to call more than
// once.
func (s *Session) Close() error {
	return s.pc.Close()
}

// readRTCP drains RTCP packets for the video sender. Per §C.2 this keeps
// interceptor-driven feedback (PLI/FIR/NACK, receiver reports) flowing and
// logs PLI/FIR requests and loss/jitter observations at debug level. Keyframe
// requests are only logged; they are not forwarded to the upstream puller.
func (s *Session) readRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		n, _, err := sender.Read(buf)
		if err != nil {
			return
		}
		packets, err := rtcp.Unmarshal(buf[:n])
		if err != nil {
			continue
		}
		for _, pkt := range packets {
			switch p := pkt.(type) {
			case *rtcp.PictureLossIndication:
				s.log.DebugWebRTC("received PLI", "viewer_id", s.ViewerID)
			case *rtcp.FullIntraRequest:
				s.log.DebugWebRTC("received FIR", "viewer_id", s.ViewerID)
			case *rtcp.ReceiverReport:
				for _, r := range p.Reports {
					s.log.DebugWebRTC("receiver report", "viewer_id", s.ViewerID, "fraction_lost", r.FractionLost, "total_lost", r.TotalLost, "jitter", r.Jitter)
				}
			}
		}
	}
}
