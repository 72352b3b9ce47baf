package signaling

import (
	"testing"

	"cam2tv/internal/domain"
)

func TestWireMessageRoundTrip(t *testing.T) {
	cases := []domain.SignalingMessage{
		{Kind: domain.SdpOffer, SDP: "v=0\r\n..."},
		{Kind: domain.SdpOffer, SDP: "v=0\r\n...", FrontCamera: true},
		{Kind: domain.SdpAnswer, SDP: "v=0\r\nanswer..."},
		{Kind: domain.IceCandidate, SDPMid: "0", SDPMLineIndex: 1, Candidate: "candidate:1 1 UDP 2 1.2.3.4 5 typ host"},
		{Kind: domain.TimestampPing, TimestampMs: 1234567890},
		{Kind: domain.VideoUrl, VideoID: "abc123", StartSeconds: 42.5},
		{Kind: domain.VideoControl, Command: domain.VideoPlay},
		{Kind: domain.VideoControl, Command: domain.VideoSeek, Value: 12.5, HasValue: true},
	}

	for _, want := range cases {
		t.Run(kindLabel(want.Kind), func(t *testing.T) {
			data, err := encodeWireMessage(want)
			if err != nil {
				t.Fatalf("encodeWireMessage: %v", err)
			}
			got, err := decodeWireMessage(data)
			if err != nil {
				t.Fatalf("decodeWireMessage: %v", err)
			}
			if got != want {
				t.Fatalf("round trip mismatch: got %+v, want %+v", got, want)
			}
		})
	}
}

// kindLabel names a subtest after its SignalingKind; domain.SignalingKind
// has no String() of its own.
func kindLabel(k domain.SignalingKind) string {
	switch k {
	case domain.SdpOffer:
		return "sdp_offer"
	case domain.SdpAnswer:
		return "sdp_answer"
	case domain.IceCandidate:
		return "ice_candidate"
	case domain.TimestampPing:
		return "timestamp_ping"
	case domain.VideoUrl:
		return "video_url"
	case domain.VideoControl:
		return "video_control"
	default:
		return "unknown"
	}
}

func TestDecodeWireMessageRejectsMalformed(t *testing.T) {
	cases := []string{
		`not json`,
		`{"type":"SDP"}`,                          // missing sdp/sdpType
		`{"type":"VIDEO_URL"}`,                     // missing videoId
		`{"type":"VIDEO_CONTROL","command":"nope"}`, // unknown command
		`{"type":"BOGUS"}`,
	}
	for _, raw := range cases {
		if _, err := decodeWireMessage([]byte(raw)); err == nil {
			t.Errorf("decodeWireMessage(%q) should have failed", raw)
		}
	}
}

func TestEncodeWireMessageRejectsUnknownKind(t *testing.T) {
	_, err := encodeWireMessage(domain.SignalingMessage{Kind: domain.SignalingKind(99)})
	if err == nil {
		t.Error("expected an error for an unknown signaling kind")
	}
}
