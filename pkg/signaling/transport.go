// Package signaling implements the Signaling Transport component: an MQTT
// client that carries SDP offer/answer and ICE-candidate exchanges between
// the bridge and remote viewers.
package signaling

import (
	"crypto/tls"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/davidus-sk/rtsp-streamer/pkg/config"
	"github.com/davidus-sk/rtsp-streamer/pkg/logger"
)

// OfferPayload is the JSON body of an SDP offer or answer message.
type OfferPayload struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// ICEPayload is the JSON body of an ICE candidate message. Candidate is a
// pointer so a `null` value round-trips distinctly from an empty string —
// that is the end-of-candidates sentinel.
type ICEPayload struct {
	Candidate     *string `json:"candidate"`
	SDPMid        *string `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`
}

// IsEndOfCandidates reports whether this payload is the sentinel.
func (p ICEPayload) IsEndOfCandidates() bool {
	return p.Candidate == nil
}

// StatusPayload is the JSON body of a heartbeat message.
type StatusPayload struct {
	DeviceID     string `json:"device_id"`
	DeviceType   string `json:"device_type"`
	Ts           int64  `json:"ts"`
	Status       string `json:"status"`
	CameraReady  *bool  `json:"camera_ready,omitempty"`
}

// Transport is the Signaling Transport component of §4.1.
type Transport struct {
	deviceID string
	log      *logger.Logger

	mu        sync.RWMutex
	client    mqtt.Client
	connected bool

	// OnOffer and OnICE are invoked from the MQTT client's own callback
	// goroutine. Per §4.1/§5 they must hand work off without blocking the
	// transport — callers are expected to dispatch onto their own
	// scheduler (e.g. via a buffered channel or by spawning a goroutine)
	// rather than perform long work inline.
	OnOffer func(viewerID string, payload OfferPayload)
	OnICE   func(viewerID string, payload ICEPayload)
}

// New builds a Transport bound to deviceID, configured from cfg.
func New(cfg config.MQTTConfig, deviceID string, log *logger.Logger) *Transport {
	t := &Transport{
		deviceID: deviceID,
		log:      log.With("component", "signaling", "device_id", deviceID),
	}

	opts := mqtt.NewClientOptions()
	scheme := "tcp"
	if cfg.Transport == "websockets" {
		scheme = "wss"
	}
	broker := fmt.Sprintf("%s://%s:%d", scheme, cfg.Host, cfg.Port)
	if cfg.Transport == "websockets" {
		broker = fmt.Sprintf("%s://%s:%d%s", scheme, cfg.Host, cfg.Port, cfg.WSPath)
		opts.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	}
	opts.AddBroker(broker)
	opts.SetClientID(deviceID)
	opts.SetUsername(cfg.Username)
	opts.SetPassword(cfg.Password)
	opts.SetKeepAlive(time.Duration(cfg.Keepalive) * time.Second)
	if cfg.Protocol != 0 {
		opts.SetProtocolVersion(uint(cfg.Protocol))
	}
	opts.SetAutoReconnect(true)
	opts.SetCleanSession(true)
	opts.SetOnConnectHandler(t.onConnect)
	opts.SetConnectionLostHandler(t.onDisconnect)

	t.client = mqtt.NewClient(opts)
	return t
}

// Connect opens the broker connection and blocks until it either succeeds
// or the client's internal connect timeout elapses.
func (t *Transport) Connect() error {
	token := t.client.Connect()
	token.Wait()
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	return nil
}

// Close disconnects from the broker.
func (t *Transport) Close() error {
	if t.client.IsConnected() {
		t.client.Disconnect(250)
	}
	return nil
}

// IsConnected reports the current broker connection state.
func (t *Transport) IsConnected() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.connected
}

// onConnect re-subscribes to the offer topics every time the connection is
// (re)established, per §7: "subscriptions resume automatically on
// reconnect (they are re-sent in the on-connect callback)".
func (t *Transport) onConnect(client mqtt.Client) {
	t.mu.Lock()
	t.connected = true
	t.mu.Unlock()

	t.log.Info("mqtt connected", "broker", "connected")

	if tok := client.Subscribe(sdpOfferSubscription(t.deviceID), 0, t.handleSDPOffer); tok.Wait() && tok.Error() != nil {
		t.log.Error("subscribe sdp offer failed", "error", tok.Error())
	}
	if tok := client.Subscribe(iceOfferSubscription(t.deviceID), 0, t.handleICEOffer); tok.Wait() && tok.Error() != nil {
		t.log.Error("subscribe ice offer failed", "error", tok.Error())
	}
}

func (t *Transport) onDisconnect(client mqtt.Client, err error) {
	t.mu.Lock()
	t.connected = false
	t.mu.Unlock()
	t.log.Warn("mqtt connection lost", "error", err)
}

func (t *Transport) handleSDPOffer(client mqtt.Client, msg mqtt.Message) {
	_, viewerID, ok := parseViewerID(sdpOfferTopic, msg.Topic())
	if !ok {
		return
	}
	var payload OfferPayload
	if err := json.Unmarshal(msg.Payload(), &payload); err != nil {
		t.log.DebugMQTT("malformed offer payload", "viewer_id", viewerID, "error", err)
		return
	}
	t.log.DebugMQTT("offer received", "viewer_id", viewerID)
	if t.OnOffer != nil {
		t.OnOffer(viewerID, payload)
	}
}

func (t *Transport) handleICEOffer(client mqtt.Client, msg mqtt.Message) {
	_, viewerID, ok := parseViewerID(iceOfferTopic, msg.Topic())
	if !ok {
		return
	}
	var payload ICEPayload
	if err := json.Unmarshal(msg.Payload(), &payload); err != nil {
		t.log.DebugMQTT("malformed ice payload", "viewer_id", viewerID, "error", err)
		return
	}
	t.log.DebugMQTT("ice candidate received", "viewer_id", viewerID, "end_of_candidates", payload.IsEndOfCandidates())
	if t.OnICE != nil {
		t.OnICE(viewerID, payload)
	}
}

// publish marshals payload to JSON and fires it at qos 0. It is a no-op
// (with a warning) when the transport is not currently connected, per §4.1.
func (t *Transport) publish(topic string, payload any) error {
	if !t.IsConnected() {
		t.log.Warn("publish dropped: not connected", "topic", topic)
		return nil
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	token := t.client.Publish(topic, 0, false, body)
	token.Wait()
	return token.Error()
}

// PublishAnswer sends the local SDP answer for viewerID.
func (t *Transport) PublishAnswer(viewerID, sdp string) error {
	return t.publish(answerTopic(t.deviceID, viewerID), OfferPayload{Type: "answer", SDP: sdp})
}

// PublishICECandidate sends one locally-gathered ICE candidate.
func (t *Transport) PublishICECandidate(viewerID, candidate string, sdpMid *string, sdpMLineIndex *uint16) error {
	c := candidate
	return t.publish(iceTopic(t.deviceID, viewerID), ICEPayload{
		Candidate:     &c,
		SDPMid:        sdpMid,
		SDPMLineIndex: sdpMLineIndex,
	})
}

// PublishEndOfCandidates sends the `{"candidate": null}` sentinel, exactly
// once per session, at ICE-gathering-complete.
func (t *Transport) PublishEndOfCandidates(viewerID string) error {
	return t.publish(iceTopic(t.deviceID, viewerID), ICEPayload{Candidate: nil})
}

// PublishStatus sends a heartbeat/shutdown status message.
func (t *Transport) PublishStatus(payload StatusPayload) error {
	return t.publish(statusTopic(t.deviceID), payload)
}
