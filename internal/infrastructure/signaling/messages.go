// Package signaling implements the signaling & fallback server (C6): an
// HTTP server multiplexing the sink HTML, the WebSocket signaling +
// binary-JPEG channel, an SSE JPEG fallback, and the HTTP SDP/ICE
// endpoints.
package signaling

import (
	"encoding/json"
	"fmt"

	"cam2tv/internal/domain"
)

// wireMessage is the JSON envelope for text frames on /stream, shaped
// after the {type, ...} discriminated-union convention seen across the
// pack (peterouob-pionWebRTC's Signal, Harshitk-cp-streamhive's
// SignalingMessage, performancehub-go2rtc's per-type structs).
type wireMessage struct {
	Type string `json:"type"`

	SDPType     string `json:"sdpType,omitempty"`
	SDP         string `json:"sdp,omitempty"`
	FrontCamera bool   `json:"frontCamera,omitempty"`

	SDPMid        string `json:"sdpMid,omitempty"`
	SDPMLineIndex *int   `json:"sdpMLineIndex,omitempty"`
	Candidate     string `json:"candidate,omitempty"`

	Timestamp int64 `json:"timestamp,omitempty"`

	VideoID     string   `json:"videoId,omitempty"`
	CurrentTime *float64 `json:"currentTime,omitempty"`

	Command string   `json:"command,omitempty"`
	Value   *float64 `json:"value,omitempty"`
}

const (
	typeSDP           = "SDP"
	typeICE           = "ICE"
	typeTimestamp     = "TIMESTAMP"
	typeVideoURL      = "VIDEO_URL"
	typeVideoControl  = "VIDEO_CONTROL"
)

// encodeWireMessage renders a domain.SignalingMessage as the JSON bytes
// sent over /stream.
func encodeWireMessage(msg domain.SignalingMessage) ([]byte, error) {
	switch msg.Kind {
	case domain.SdpOffer:
		return json.Marshal(wireMessage{Type: typeSDP, SDPType: "offer", SDP: msg.SDP, FrontCamera: msg.FrontCamera})
	case domain.SdpAnswer:
		return json.Marshal(wireMessage{Type: typeSDP, SDPType: "answer", SDP: msg.SDP})
	case domain.IceCandidate:
		idx := msg.SDPMLineIndex
		return json.Marshal(wireMessage{Type: typeICE, SDPMid: msg.SDPMid, SDPMLineIndex: &idx, Candidate: msg.Candidate})
	case domain.TimestampPing:
		return json.Marshal(wireMessage{Type: typeTimestamp, Timestamp: msg.TimestampMs})
	case domain.VideoUrl:
		t := msg.StartSeconds
		return json.Marshal(wireMessage{Type: typeVideoURL, VideoID: msg.VideoID, CurrentTime: &t})
	case domain.VideoControl:
		w := wireMessage{Type: typeVideoControl, Command: msg.Command.String()}
		if msg.HasValue {
			v := msg.Value
			w.Value = &v
		}
		return json.Marshal(w)
	default:
		return nil, fmt.Errorf("%w: unknown signaling kind %d", domain.ErrSignalingMalformed, msg.Kind)
	}
}

// decodeWireMessage parses an inbound text frame into a domain.SignalingMessage.
func decodeWireMessage(data []byte) (domain.SignalingMessage, error) {
	var w wireMessage
	if err := json.Unmarshal(data, &w); err != nil {
		return domain.SignalingMessage{}, fmt.Errorf("%w: %v", domain.ErrSignalingMalformed, err)
	}

	switch w.Type {
	case typeSDP:
		if w.SDP == "" || (w.SDPType != "offer" && w.SDPType != "answer") {
			return domain.SignalingMessage{}, fmt.Errorf("%w: SDP message missing sdp/sdpType", domain.ErrSignalingMalformed)
		}
		kind := domain.SdpOffer
		if w.SDPType == "answer" {
			kind = domain.SdpAnswer
		}
		return domain.SignalingMessage{Kind: kind, SDP: w.SDP, FrontCamera: w.FrontCamera}, nil

	case typeICE:
		idx := 0
		if w.SDPMLineIndex != nil {
			idx = *w.SDPMLineIndex
		}
		return domain.SignalingMessage{
			Kind:          domain.IceCandidate,
			SDPMid:        w.SDPMid,
			SDPMLineIndex: idx,
			Candidate:     w.Candidate,
		}, nil

	case typeTimestamp:
		return domain.SignalingMessage{Kind: domain.TimestampPing, TimestampMs: w.Timestamp}, nil

	case typeVideoURL:
		if w.VideoID == "" {
			return domain.SignalingMessage{}, fmt.Errorf("%w: VIDEO_URL missing videoId", domain.ErrSignalingMalformed)
		}
		sec := 0.0
		if w.CurrentTime != nil {
			sec = *w.CurrentTime
		}
		return domain.SignalingMessage{Kind: domain.VideoUrl, VideoID: w.VideoID, StartSeconds: sec}, nil

	case typeVideoControl:
		cmd, ok := parseVideoCommand(w.Command)
		if !ok {
			return domain.SignalingMessage{}, fmt.Errorf("%w: VIDEO_CONTROL unknown command %q", domain.ErrSignalingMalformed, w.Command)
		}
		msg := domain.SignalingMessage{Kind: domain.VideoControl, Command: cmd}
		if w.Value != nil {
			msg.Value = *w.Value
			msg.HasValue = true
		}
		return msg, nil

	default:
		return domain.SignalingMessage{}, fmt.Errorf("%w: unknown type %q", domain.ErrSignalingMalformed, w.Type)
	}
}

func parseVideoCommand(s string) (domain.VideoCommand, bool) {
	switch s {
	case "play":
		return domain.VideoPlay, true
	case "pause":
		return domain.VideoPause, true
	case "stop":
		return domain.VideoStop, true
	case "seek":
		return domain.VideoSeek, true
	default:
		return 0, false
	}
}
