package signaling

import (
	"fmt"
	"regexp"
)

// viewerIDPattern matches the <id> grammar of §4.1: any run of
// alphanumerics, underscore or hyphen.
const viewerIDPattern = `[0-9A-Za-z_-]+`

var (
	sdpOfferTopic = regexp.MustCompile(`^([0-9A-Za-z_-]+)/sdp/(` + viewerIDPattern + `)/offer$`)
	iceOfferTopic = regexp.MustCompile(`^([0-9A-Za-z_-]+)/ice/(` + viewerIDPattern + `)/offer$`)
)

// sdpOfferSubscription is the subscribe-side topic filter for this device.
func sdpOfferSubscription(deviceID string) string {
	return fmt.Sprintf("%s/sdp/+/offer", deviceID)
}

// iceOfferSubscription is the subscribe-side topic filter for this device.
func iceOfferSubscription(deviceID string) string {
	return fmt.Sprintf("%s/ice/+/offer", deviceID)
}

// answerTopic is where this device publishes its SDP answer for viewerID.
func answerTopic(deviceID, viewerID string) string {
	return fmt.Sprintf("%s/sdp/%s", deviceID, viewerID)
}

// iceTopic is where this device publishes local ICE candidates for viewerID.
func iceTopic(deviceID, viewerID string) string {
	return fmt.Sprintf("%s/ice/%s", deviceID, viewerID)
}

// statusTopic is where this device publishes heartbeats.
func statusTopic(deviceID string) string {
	return fmt.Sprintf("device/%s/status", deviceID)
}

// parseViewerID extracts the viewer-id and device-id from a received
// offer topic, matching either the SDP-offer or ICE-offer grammar.
func parseViewerID(re *regexp.Regexp, topic string) (deviceID, viewerID string, ok bool) {
	m := re.FindStringSubmatch(topic)
	if m == nil {
		return "", "", false
	}
	return m[1], m[2], true
}
