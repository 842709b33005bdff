package webrtcsession

import (
	"fmt"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"

	"github.com/davidus-sk/rtsp-streamer/pkg/config"
)

// apiBundle carries the pion WebRTC API alongside the MediaEngine it was
// built from. pion's *webrtc.API exposes no public accessor back to its
// MediaEngine, so anything that needs to inspect registered codecs (e.g.
// forceCodec) must keep its own reference to the value passed to
// webrtc.WithMediaEngine, the way every codec-preference example in the
// pack does.
type apiBundle struct {
	api         *webrtc.API
	mediaEngine *webrtc.MediaEngine
}

// newAPI builds the pion WebRTC API shared by every Peer Session: a
// MediaEngine registering H.264 (the only codec this bridge ever forwards,
// since it never transcodes) plus the default interceptors so PLI/FIR/NACK
// and receiver reports flow, following petervdpas-goop2's initMediaPC.
func newAPI() (*apiBundle, error) {
	mediaEngine := &webrtc.MediaEngine{}
	h264 := webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType:    webrtc.MimeTypeH264,
			ClockRate:   90000,
			SDPFmtpLine: "level-asymmetry-allowed=1;packetization-mode=1;profile-level-id=42e01f",
		},
		PayloadType: 102,
	}
	if err := mediaEngine.RegisterCodec(h264, webrtc.RTPCodecTypeVideo); err != nil {
		return nil, fmt.Errorf("register h264 codec: %w", err)
	}

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
	)
	return &apiBundle{api: api, mediaEngine: mediaEngine}, nil
}

// iceServersFromConfig builds the RTCIceServer list from configuration,
// falling back to the default public STUN server when none are configured.
func iceServersFromConfig(servers []config.IceServer) []webrtc.ICEServer {
	if len(servers) == 0 {
		return []webrtc.ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}}
	}
	out := make([]webrtc.ICEServer, 0, len(servers))
	for _, s := range servers {
		ice := webrtc.ICEServer{URLs: s.URLs, Username: s.Username, Credential: s.Credential}
		switch s.CredentialType {
		case "password", "":
			ice.CredentialType = webrtc.ICECredentialTypePassword
		case "oauth":
			ice.CredentialType = webrtc.ICECredentialTypeOauth
		}
		out = append(out, ice)
	}
	return out
}

// forceCodec constrains a transceiver's codec preferences to the forced
// mime type, matching the original's force_codec() helper.
func forceCodec(mediaEngine *webrtc.MediaEngine, transceiver *webrtc.RTPTransceiver, mimeType string) error {
	var preferred []webrtc.RTPCodecParameters
	for _, c := range mediaEngine.GetCodecsByKind(webrtc.RTPCodecTypeVideo) {
		if c.MimeType == mimeType {
			preferred = append(preferred, c)
		}
	}
	if len(preferred) == 0 {
		return fmt.Errorf("no registered codec for mime type %s", mimeType)
	}
	return transceiver.SetCodecPreferences(preferred)
}
