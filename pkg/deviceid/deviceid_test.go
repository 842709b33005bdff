package deviceid_test

import (
	"crypto/md5"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/davidus-sk/rtsp-streamer/pkg/deviceid"
)

func TestDeriveIsPureAndStable(t *testing.T) {
	url := "rtsp://203.0.113.1/stream"

	id1, err := deviceid.Derive(url)
	require.NoError(t, err)
	id2, err := deviceid.Derive(url)
	require.NoError(t, err)

	require.Equal(t, id1, id2)
	require.Len(t, id1, deviceid.Length)
}

func TestDeriveMatchesMD5Prefix(t *testing.T) {
	url := "rtsp://203.0.113.1/stream"
	sum := md5.Sum([]byte(url))
	want := hex.EncodeToString(sum[:])[:8]

	id, err := deviceid.Derive(url)
	require.NoError(t, err)
	require.Equal(t, want, id[:8])
}

func TestDeriveDifferentURLsDiffer(t *testing.T) {
	a, err := deviceid.Derive("rtsp://camera-a.local/stream")
	require.NoError(t, err)
	b, err := deviceid.Derive("rtsp://camera-b.local/stream")
	require.NoError(t, err)

	require.NotEqual(t, a, b)
}

func TestDeriveRejectsEmpty(t *testing.T) {
	_, err := deviceid.Derive("")
	require.Error(t, err)
}
