package webrtcsession

import (
	"testing"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/require"

	"github.com/davidus-sk/rtsp-streamer/pkg/config"
	"github.com/davidus-sk/rtsp-streamer/pkg/logger"
	"github.com/davidus-sk/rtsp-streamer/pkg/relay"
	"github.com/davidus-sk/rtsp-streamer/pkg/signaling"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New(logger.NewConfig())
	require.NoError(t, err)
	return log
}

func newTestSession(t *testing.T) *Session {
	t.Helper()

	api, err := newAPI()
	require.NoError(t, err)

	broadcaster := relay.NewBroadcaster(videoCapability, testLogger(t))
	t.Cleanup(broadcaster.Close)

	sub, err := broadcaster.Subscribe("viewerA")
	require.NoError(t, err)

	transport := signaling.New(config.MQTTConfig{Host: "127.0.0.1", Port: 1883, Username: "u"}, "device1", testLogger(t))

	sess, err := newSession(api, iceServersFromConfig(nil), "viewerA", sub, transport, false, testLogger(t), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sess.Close() })
	return sess
}

var videoCapability = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeH264}

func TestStateString(t *testing.T) {
	require.Equal(t, "new", StateNew.String())
	require.Equal(t, "live", StateLive.String())
	require.Equal(t, "terminal", StateTerminal.String())
}

func TestSessionStartsInNewState(t *testing.T) {
	sess := newTestSession(t)
	require.Equal(t, StateNew, sess.State())
}

func TestAddRemoteICEQueuesBeforeRemoteDescriptionSet(t *testing.T) {
	sess := newTestSession(t)

	err := sess.AddRemoteICE(webrtc.ICECandidateInit{Candidate: "candidate:1 1 udp 1 127.0.0.1 1234 typ host"})
	require.NoError(t, err)

	sess.mu.Lock()
	queued := len(sess.pendingICE)
	sess.mu.Unlock()
	require.Equal(t, 1, queued)
}
