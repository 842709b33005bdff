// Package deviceid derives the bridge's stable identity from its RTSP URL.
package deviceid

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
)

// Length is the number of hex characters kept from the digest.
const Length = 16

// Derive returns the first Length hex characters of MD5(rtspURL). It is a
// pure function: the same URL always yields the same id, which doubles as
// both the MQTT client id and the topic address prefix for the bridge.
func Derive(rtspURL string) (string, error) {
	if rtspURL == "" {
		return "", fmt.Errorf("rtsp url is empty")
	}
	sum := md5.Sum([]byte(rtspURL))
	return hex.EncodeToString(sum[:])[:Length], nil
}
