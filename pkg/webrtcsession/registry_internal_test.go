package webrtcsession

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/davidus-sk/rtsp-streamer/pkg/config"
	"github.com/davidus-sk/rtsp-streamer/pkg/signaling"
	"github.com/davidus-sk/rtsp-streamer/pkg/source"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	api, err := newAPI()
	require.NoError(t, err)

	return &Registry{
		deviceID:  "device1",
		src:       source.New("rtsp://example.invalid/stream", config.CameraConfig{ReconnectInterval: 30}, testLogger(t)),
		transport: signaling.New(config.MQTTConfig{Host: "127.0.0.1", Port: 1883, Username: "u"}, "device1", testLogger(t)),
		api:       api,
		ice:       iceServersFromConfig(nil),
		log:       testLogger(t),
		sessions:  make(map[string]*Session),
		inFlight:  make(map[string]struct{}),
	}
}

func TestHandleRemoteICEIgnoresUnknownViewer(t *testing.T) {
	r := newTestRegistry(t)
	// Must not panic even though no session exists for this viewer-id.
	r.HandleRemoteICE("ghost", signaling.ICEPayload{})
}

func TestTeardownIsIdempotentUnderConcurrency(t *testing.T) {
	r := newTestRegistry(t)
	sess := newTestSession(t)

	r.mu.Lock()
	r.sessions["viewerA"] = sess
	r.mu.Unlock()

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.teardown("viewerA", sess)
		}()
	}
	wg.Wait()

	require.Equal(t, 0, r.Count())
	r.cleanupMu.Lock()
	_, inFlight := r.inFlight["viewerA"]
	r.cleanupMu.Unlock()
	require.False(t, inFlight)
}

func TestTeardownRemovesSupersededSession(t *testing.T) {
	r := newTestRegistry(t)
	sess := newTestSession(t)

	r.mu.Lock()
	r.sessions["viewerA"] = sess
	r.mu.Unlock()

	// teardown directly rather than through the full HandleOffer path
	// (which would dial the RTSP source); this exercises the same
	// supersede-then-remove behavior HandleOffer's first step relies on.
	r.teardown("viewerA", sess)

	r.mu.Lock()
	_, exists := r.sessions["viewerA"]
	r.mu.Unlock()
	require.False(t, exists)
}
