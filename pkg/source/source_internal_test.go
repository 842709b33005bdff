package source

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pion/rtp"
	"github.com/stretchr/testify/require"

	"github.com/davidus-sk/rtsp-streamer/pkg/config"
	"github.com/davidus-sk/rtsp-streamer/pkg/logger"
)

// fakePuller lets these tests exercise Source's add/remove-client
// invariants without a real RTSP connection or camera device.
type fakePuller struct {
	mu      sync.Mutex
	started bool
	closed  bool
	cancel  context.CancelFunc
}

func (f *fakePuller) Start(ctx context.Context, onPacket PacketHandler) error {
	f.mu.Lock()
	f.started = true
	f.mu.Unlock()

	go func() {
		t := time.NewTicker(time.Millisecond)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				onPacket(&rtp.Packet{Header: rtp.Header{SequenceNumber: 1}})
			}
		}
	}()
	return nil
}

func (f *fakePuller) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func withFakePuller(t *testing.T) *fakePuller {
	t.Helper()
	fp := &fakePuller{}
	orig := newPuller
	newPuller = func(url string, cfg config.CameraConfig, log *logger.Logger) (Puller, error) {
		return fp, nil
	}
	t.Cleanup(func() { newPuller = orig })
	return fp
}

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New(logger.NewConfig())
	require.NoError(t, err)
	return log
}

func TestRemoveClientAtZeroIsNoOp(t *testing.T) {
	src := New("rtsp://example.invalid/stream", config.CameraConfig{ReconnectInterval: 30}, testLogger(t))
	src.RemoveClient("viewerA") // must not panic or go negative
}

func TestAddClientStartsPullerOnZeroToOneTransition(t *testing.T) {
	fp := withFakePuller(t)
	src := New("rtsp://example.invalid/stream", config.CameraConfig{ReconnectInterval: 30}, testLogger(t))

	require.NoError(t, src.AddClient("viewerA"))
	fp.mu.Lock()
	started := fp.started
	fp.mu.Unlock()
	require.True(t, started)

	require.Equal(t, 1, src.activeClients)
}

func TestActiveClientsMatchesAddsMinusRemoves(t *testing.T) {
	withFakePuller(t)
	src := New("rtsp://example.invalid/stream", config.CameraConfig{ReconnectInterval: 30}, testLogger(t))

	require.NoError(t, src.AddClient("a"))
	require.NoError(t, src.AddClient("b"))
	require.NoError(t, src.AddClient("c"))
	require.Equal(t, 3, src.activeClients)

	src.RemoveClient("a")
	require.Equal(t, 2, src.activeClients)

	src.RemoveClient("b")
	src.RemoveClient("c")
	require.Equal(t, 0, src.activeClients)

	// Puller and broadcaster must be destroyed once clients reach zero.
	require.Nil(t, src.puller)
	require.Nil(t, src.broadcaster)
}

func TestGetTrackRelayAndWrapperBothNeedStop(t *testing.T) {
	withFakePuller(t)
	src := New("rtsp://example.invalid/stream", config.CameraConfig{ReconnectInterval: 30}, testLogger(t))
	require.NoError(t, src.AddClient("viewerA"))

	relayTrack, needsStop, err := src.GetTrack("viewerA", true)
	require.NoError(t, err)
	require.True(t, needsStop)
	require.NotNil(t, relayTrack.Track())
	relayTrack.Stop()

	wrapperTrack, needsStop, err := src.GetTrack("viewerA", false)
	require.NoError(t, err)
	require.True(t, needsStop)
	require.NotNil(t, wrapperTrack.Track())
	wrapperTrack.Stop()

	src.RemoveClient("viewerA")
}

func TestConcurrentAddRemoveStaysConsistent(t *testing.T) {
	withFakePuller(t)
	src := New("rtsp://example.invalid/stream", config.CameraConfig{ReconnectInterval: 30}, testLogger(t))

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			_ = src.AddClient("viewer")
		}(i)
	}
	wg.Wait()
	require.Equal(t, 10, src.activeClients)

	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			src.RemoveClient("viewer")
		}()
	}
	wg.Wait()
	require.Equal(t, 0, src.activeClients)
}
