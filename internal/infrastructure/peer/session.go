// Package peer implements the peer session (C5): it holds at most one
// active WebRTC peer connection to the sink, negotiates a one-way video
// session, filters the codec list on the outgoing SDP, and pumps injected
// I420 frames through an independent encoder into the outgoing track.
package peer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/interceptor"
	"github.com/pion/mediadevices/pkg/codec/x264"
	mdframe "github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"

	"cam2tv/internal/application"
	"cam2tv/internal/domain"
	"cam2tv/internal/infrastructure/i420"
)

// DefaultStunURL is the public STUN endpoint used absent an override. No
// TURN relay is configured, the system is LAN-only; a relayed path would
// add unacceptable latency and has been observed to replace working host
// candidates.
const DefaultStunURL = "stun:stun.l.google.com:19302"

// sampleDuration is the nominal frame duration fed to WriteSample, derived
// from the frame router's 10fps floor.
const sampleDuration = 100 * time.Millisecond

// Session is the peer session (C5).
type Session struct {
	log       application.Logger
	observer  application.PeerObserver
	converter *i420.Converter
	id        string

	mu    sync.Mutex
	state domain.PeerState

	pc    *webrtc.PeerConnection
	track *webrtc.TrackLocalStaticSample

	feed         *frameFeed
	encodeCancel context.CancelFunc
	encodeDone   chan struct{}
}

// NewFactory returns an application.PeerSessionFactory that builds fresh
// Sessions bound to the controller's PeerObserver. stunURL overrides
// DefaultStunURL when non-empty.
func NewFactory(log application.Logger, stunURL string) application.PeerSessionFactory {
	if stunURL == "" {
		stunURL = DefaultStunURL
	}
	return func(observer application.PeerObserver) (application.PeerSession, error) {
		return newSession(log, observer, stunURL)
	}
}

func newSession(log application.Logger, observer application.PeerObserver, stunURL string) (*Session, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := webrtc.RegisterDefaultCodecs(mediaEngine); err != nil {
		return nil, fmt.Errorf("%w: registering codecs: %v", domain.ErrPeerNegotiationFailure, err)
	}

	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, registry); err != nil {
		return nil, fmt.Errorf("%w: registering interceptors: %v", domain.ErrPeerNegotiationFailure, err)
	}

	api := webrtc.NewAPI(webrtc.WithMediaEngine(mediaEngine), webrtc.WithInterceptorRegistry(registry))

	pc, err := api.NewPeerConnection(webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{{URLs: []string{stunURL}}},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: creating peer connection: %v", domain.ErrPeerNegotiationFailure, err)
	}

	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeH264},
		"video", "cam2tv-"+uuid.NewString(),
	)
	if err != nil {
		_ = pc.Close()
		return nil, fmt.Errorf("%w: creating local track: %v", domain.ErrPeerNegotiationFailure, err)
	}
	if _, err := pc.AddTrack(track); err != nil {
		_ = pc.Close()
		return nil, fmt.Errorf("%w: adding track: %v", domain.ErrPeerNegotiationFailure, err)
	}

	s := &Session{
		log:       log,
		observer:  observer,
		converter: i420.New(),
		id:        uuid.NewString(),
		state:     domain.PeerIdle,
		pc:        pc,
		track:     track,
		feed:      newFrameFeed(),
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return // gathering complete; GatherOnce stops here
		}
		init := c.ToJSON()
		mid := ""
		mlineIdx := 0
		if init.SDPMid != nil {
			mid = *init.SDPMid
		}
		if init.SDPMLineIndex != nil {
			mlineIdx = int(*init.SDPMLineIndex)
		}
		s.observer.OnLocalICECandidate(mid, mlineIdx, init.Candidate)
	})

	pc.OnConnectionStateChange(func(cs webrtc.PeerConnectionState) {
		switch cs {
		case webrtc.PeerConnectionStateConnected:
			s.setState(domain.PeerConnected)
			s.observer.OnConnected()
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateDisconnected:
			s.setState(domain.PeerFailed)
			s.observer.OnFailed(fmt.Errorf("%w: connection state %s", domain.ErrPeerNegotiationFailure, cs))
		}
	})

	s.startEncodeLoop()
	return s, nil
}

func (s *Session) setState(st domain.PeerState) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

func (s *Session) State() domain.PeerState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// startEncodeLoop builds the H.264 encoder over our injected-frame source
// and pumps its output into the outgoing track. The encoder and the peer
// connection's congestion controller operate independently of the rest of
// the pipeline once this loop is running.
func (s *Session) startEncodeLoop() {
	ctx, cancel := context.WithCancel(context.Background())
	s.encodeCancel = cancel
	s.encodeDone = make(chan struct{})

	go func() {
		defer close(s.encodeDone)

		params, err := x264.NewParams()
		if err != nil {
			s.log.Error("peer: x264 encoder init failed: %v", err)
			return
		}
		params.BitRate = 1_000_000
		params.Preset = x264.PresetUltrafast
		params.KeyFrameInterval = 60

		property := prop.Media{
			Video: prop.Video{
				Width:       i420.TargetWidth,
				Height:      i420.TargetHeight,
				FrameFormat: mdframe.FormatI420,
				FrameRate:   10,
			},
		}

		encoded, err := params.BuildVideoEncoder(s.feed.reader(), property)
		if err != nil {
			s.log.Error("peer: building video encoder failed: %v", err)
			return
		}
		defer encoded.Close()

		buf := make([]byte, 1<<20)
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}
			n, err := encoded.Read(buf)
			if err != nil {
				s.log.Warn("peer: encoder read error: %v", err)
				return
			}
			if n == 0 {
				continue
			}
			data := make([]byte, n)
			copy(data, buf[:n])
			if err := s.track.WriteSample(media.Sample{Data: data, Duration: sampleDuration}); err != nil {
				s.log.Warn("peer: write sample failed: %v", err)
			}
		}
	}()
}

// CreateOffer implements application.PeerSession: Idle -> Offering ->
// AwaitingAnswer, setting the unfiltered local description and emitting
// the filtered SDP over the signaling channel.
func (s *Session) CreateOffer(ctx context.Context) error {
	s.setState(domain.PeerOffering)

	offer, err := s.pc.CreateOffer(nil)
	if err != nil {
		s.setState(domain.PeerFailed)
		return fmt.Errorf("%w: create offer: %v", domain.ErrPeerNegotiationFailure, err)
	}
	if err := s.pc.SetLocalDescription(offer); err != nil {
		s.setState(domain.PeerFailed)
		return fmt.Errorf("%w: set local description: %v", domain.ErrPeerNegotiationFailure, err)
	}
	s.setState(domain.PeerAwaitingAnswer)

	s.observer.OnLocalOffer(FilterSDP(offer.SDP))
	return nil
}

// SetRemoteAnswer implements application.PeerSession.
func (s *Session) SetRemoteAnswer(ctx context.Context, sdp string) error {
	answer := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sdp}
	if err := s.pc.SetRemoteDescription(answer); err != nil {
		return fmt.Errorf("%w: set remote description: %v", domain.ErrPeerNegotiationFailure, err)
	}
	return nil
}

// AddRemoteICECandidate implements application.PeerSession.
func (s *Session) AddRemoteICECandidate(ctx context.Context, sdpMid string, sdpMLineIndex int, candidate string) error {
	idx := uint16(sdpMLineIndex)
	return s.pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:     candidate,
		SDPMid:        &sdpMid,
		SDPMLineIndex: &idx,
	})
}

// InjectFrame implements application.PeerSession: converts the RawFrame
// via C4 and pushes the result into the encoder's frame feed.
func (s *Session) InjectFrame(ctx context.Context, frame *domain.RawFrame) {
	i420Frame, err := s.converter.Convert(frame)
	if err != nil {
		s.log.Warn("peer: i420 conversion failed, dropping frame: %v", err)
		return
	}
	s.feed.push(i420Frame)
}

// Close implements application.PeerSession.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.state == domain.PeerClosed {
		s.mu.Unlock()
		return nil
	}
	s.state = domain.PeerClosed
	s.mu.Unlock()

	if s.encodeCancel != nil {
		s.encodeCancel()
	}
	s.feed.close()
	err := s.pc.Close()
	if s.encodeDone != nil {
		<-s.encodeDone
	}
	return err
}
