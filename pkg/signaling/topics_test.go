package signaling

import "testing"

func TestSDPOfferTopicParsing(t *testing.T) {
	device, viewer, ok := parseViewerID(sdpOfferTopic, "dev123/sdp/viewerA/offer")
	if !ok {
		t.Fatalf("expected match")
	}
	if device != "dev123" || viewer != "viewerA" {
		t.Fatalf("got device=%q viewer=%q", device, viewer)
	}
}

func TestICEOfferTopicParsing(t *testing.T) {
	device, viewer, ok := parseViewerID(iceOfferTopic, "dev123/ice/viewer-B_2/offer")
	if !ok {
		t.Fatalf("expected match")
	}
	if device != "dev123" || viewer != "viewer-B_2" {
		t.Fatalf("got device=%q viewer=%q", device, viewer)
	}
}

func TestOfferTopicRejectsWrongSuffix(t *testing.T) {
	_, _, ok := parseViewerID(sdpOfferTopic, "dev123/sdp/viewerA/answer")
	if ok {
		t.Fatalf("expected no match for non-offer suffix")
	}
}

func TestTopicBuilders(t *testing.T) {
	if got := answerTopic("dev123", "viewerA"); got != "dev123/sdp/viewerA" {
		t.Fatalf("answerTopic = %q", got)
	}
	if got := iceTopic("dev123", "viewerA"); got != "dev123/ice/viewerA" {
		t.Fatalf("iceTopic = %q", got)
	}
	if got := statusTopic("dev123"); got != "device/dev123/status" {
		t.Fatalf("statusTopic = %q", got)
	}
	if got := sdpOfferSubscription("dev123"); got != "dev123/sdp/+/offer" {
		t.Fatalf("sdpOfferSubscription = %q", got)
	}
	if got := iceOfferSubscription("dev123"); got != "dev123/ice/+/offer" {
		t.Fatalf("iceOfferSubscription = %q", got)
	}
}
