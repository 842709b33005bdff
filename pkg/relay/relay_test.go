package relay_test

import (
	"testing"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/require"

	"github.com/davidus-sk/rtsp-streamer/pkg/logger"
	"github.com/davidus-sk/rtsp-streamer/pkg/relay"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New(logger.NewConfig())
	require.NoError(t, err)
	return log
}

var h264Codec = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeH264}

func TestBroadcasterSubscribeUnsubscribe(t *testing.T) {
	b := relay.NewBroadcaster(h264Codec, testLogger(t))
	require.Equal(t, 0, b.Count())

	sub, err := b.Subscribe("viewerA")
	require.NoError(t, err)
	require.NotNil(t, sub.Track())
	require.Equal(t, 1, b.Count())

	b.Unsubscribe("viewerA")
	require.Equal(t, 0, b.Count())

	// Unsubscribing again is a no-op, not an error.
	b.Unsubscribe("viewerA")
	require.Equal(t, 0, b.Count())
}

func TestBroadcasterPublishDoesNotBlockOnFullMailbox(t *testing.T) {
	b := relay.NewBroadcaster(h264Codec, testLogger(t))
	_, err := b.Subscribe("viewerA")
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			b.Publish(&rtp.Packet{Header: rtp.Header{SequenceNumber: uint16(i)}})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked — backpressure leaked to the writer")
	}
}

func TestBroadcasterMultipleSubscribersIndependentTracks(t *testing.T) {
	b := relay.NewBroadcaster(h264Codec, testLogger(t))
	subA, err := b.Subscribe("viewerA")
	require.NoError(t, err)
	subB, err := b.Subscribe("viewerB")
	require.NoError(t, err)

	require.NotSame(t, subA.Track(), subB.Track())
	require.Equal(t, 2, b.Count())
}

func TestNonBufferedTrackFeedDoesNotBlockAndStopIsRepeatable(t *testing.T) {
	w, err := relay.NewNonBufferedTrack(h264Codec, "viewerA", testLogger(t))
	require.NoError(t, err)
	defer w.Stop()

	for i := 0; i < 50; i++ {
		w.Feed(&rtp.Packet{Header: rtp.Header{SequenceNumber: uint16(i)}})
	}
	// Stop must be safe to call more than once.
	w.Stop()
}
