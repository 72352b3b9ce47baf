// Package application holds the pipeline controller (C7) and the narrow
// interfaces it depends on. The callback surface is split into three
// capability sets, FrameConsumer, SignalingTransport, PeerObserver,
// instead of one interface overloaded with every transport's events;
// the controller implements PeerObserver, registers FrameConsumers on the
// router, and drives a SignalingTransport.
package application

import (
	"context"

	"cam2tv/internal/domain"
)

// Logger is the narrow logging surface every infrastructure component
// depends on: Info/Error/Debug plus Warn for recoverable degradations.
type Logger interface {
	Info(msg string, args ...interface{})
	Warn(msg string, args ...interface{})
	Error(msg string, args ...interface{})
	Debug(msg string, args ...interface{})
}

// FrameConsumer receives a RawFrame during a single synchronous dispatch
// call from the frame router (C2). Implementations must copy anything they
// need before returning; the frame is released as soon as every consumer's
// Consume call has returned.
type FrameConsumer interface {
	Consume(ctx context.Context, frame *domain.RawFrame)
}

// CameraBackend is the application-facing contract for the frame source
// (C1): open/close/switch/mode operations plus the callback registration
// for dispatched frames and lifecycle notifications. Open, SwitchLens,
// SetMode and Close are serialized internally by the camera executor.
type CameraBackend interface {
	Open(ctx context.Context, mode domain.CameraMode, lens domain.Lens) error
	SwitchLens(ctx context.Context) error
	SetMode(ctx context.Context, mode domain.CameraMode) error
	Close(ctx context.Context) error

	CurrentLens() domain.Lens
	CurrentMode() domain.CameraMode

	// SetFrameConsumer installs the single downstream consumer (the frame
	// router) that receives frames while in Streaming mode. Passing nil
	// detaches it.
	SetFrameConsumer(c FrameConsumer)

	// OnReady registers a callback invoked once per binding, after the
	// camera reports the first frame of that binding: once after Open, and
	// once more after each SwitchLens or SetMode rebind, so it is not
	// limited to one call per Open. C7 waits on this
	// signal before starting C6: starting the signaling server before the
	// camera is ready would let a sink connect and see a blank or
	// timing-out stream.
	OnReady(func())
}

// FrameRouter is the application-facing contract for C2: register/deregister
// consumers and push a captured frame through the dispatch+drop policy.
type FrameRouter interface {
	AddConsumer(name string, c FrameConsumer)
	RemoveConsumer(name string)
	Dispatch(ctx context.Context, frame *domain.RawFrame)
}

// PeerObserver receives the local events a peer session (C5) emits back to
// the controller: local SDP/ICE to forward over signaling, and terminal
// state changes.
type PeerObserver interface {
	OnLocalOffer(sdpFiltered string)
	OnLocalICECandidate(sdpMid string, sdpMLineIndex int, candidate string)
	OnConnected()
	OnFailed(err error)
}

// PeerSession is the application-facing contract for C5.
type PeerSession interface {
	CreateOffer(ctx context.Context) error
	SetRemoteAnswer(ctx context.Context, sdp string) error
	AddRemoteICECandidate(ctx context.Context, sdpMid string, sdpMLineIndex int, candidate string) error
	InjectFrame(ctx context.Context, frame *domain.RawFrame)
	State() domain.PeerState
	Close(ctx context.Context) error
}

// JPEGEncoder is the application-facing contract for C3.
type JPEGEncoder interface {
	Encode(frame *domain.RawFrame) (*domain.EncodedJpeg, error)
}

// WakeLock is the contract for the embedding application's wake-lock /
// foreground-service collaborator; the platform-specific implementation
// lives outside this package, the core only calls Acquire/Release at the
// right points in the state machine.
type WakeLock interface {
	Acquire()
	Release()
}

// noopWakeLock is the default WakeLock when the embedder does not supply
// one, the core never assumes a platform wake-lock API exists.
type noopWakeLock struct{}

func (noopWakeLock) Acquire() {}
func (noopWakeLock) Release() {}

// SignalingTransport is the application-facing contract for C6: sending
// messages/frames out to the current sink and observers, and surfacing
// inbound signaling messages from the sink to the controller.
type SignalingTransport interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error

	SendSignaling(msg domain.SignalingMessage) error
	BroadcastJpeg(jpg *domain.EncodedJpeg) error

	// SetMode records which transport is currently carrying video, so
	// /api/status can report it instead of the zero value forever.
	SetMode(mode domain.StreamMode)

	// OnSinkOpened fires once per new WebSocket sink handshake, after any
	// previous sink has been displaced.
	OnSinkOpened(func())
	// OnSignaling fires for every inbound text message on the sink's
	// channel.
	OnSignaling(func(domain.SignalingMessage))

	SinkConnected() bool
}
