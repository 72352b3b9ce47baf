package application

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"cam2tv/internal/domain"
)

// DefaultNegotiationTimeout bounds how long the pipeline waits for the
// sink to answer an offer before giving up on WebRTC and falling back to
// the JPEG transport. There is no answer without an active sink holding
// the page open, so a sink that never responds (closed tab, no ICE
// connectivity) would otherwise leave the pipeline stuck negotiating
// forever.
const DefaultNegotiationTimeout = 5 * time.Second

// PeerSessionFactory builds a fresh peer session (C5) bound to the
// controller's observer callbacks. A new session is created per
// sink_websocket_opened event; at most one is ever live.
type PeerSessionFactory func(observer PeerObserver) (PeerSession, error)

// Controller is the pipeline coordinator (C7): it owns the combined
// lifecycle of the frame source, frame router, peer session, and
// signaling server, and drives the PipelineState machine.
//
// External observers never read Controller fields directly, to avoid
// ambient mutable state; they subscribe via Subscribe and receive
// immutable domain.StatusEvent snapshots instead.
type Controller struct {
	log Logger

	camera    CameraBackend
	router    FrameRouter
	jpeg      JPEGEncoder
	transport SignalingTransport
	newPeer   PeerSessionFactory
	wakeLock  WakeLock

	discovery Discoverer // optional, may be nil

	negotiationTimeout time.Duration

	mu               sync.Mutex
	state            domain.PipelineState
	mode             domain.StreamMode
	peer             PeerSession
	negotiationTimer *time.Timer

	currentVideoID string
	currentStartAt float64

	subMu sync.Mutex
	subs  []chan domain.StatusEvent
}

// Discoverer is the optional UDP-broadcast collaborator; nil if the
// embedder does not want discovery announcements.
type Discoverer interface {
	Start(ctx context.Context) error
	Stop()
}

// NewController wires the coordinator with its collaborators. wakeLock may
// be nil, in which case a no-op implementation is used. negotiationTimeout
// bounds PeerNegotiating; zero selects DefaultNegotiationTimeout.
func NewController(log Logger, camera CameraBackend, router FrameRouter, jpeg JPEGEncoder, transport SignalingTransport, newPeer PeerSessionFactory, wakeLock WakeLock, discovery Discoverer, negotiationTimeout time.Duration) *Controller {
	if wakeLock == nil {
		wakeLock = noopWakeLock{}
	}
	if negotiationTimeout <= 0 {
		negotiationTimeout = DefaultNegotiationTimeout
	}
	c := &Controller{
		log:                log,
		camera:             camera,
		router:             router,
		jpeg:               jpeg,
		transport:          transport,
		newPeer:            newPeer,
		wakeLock:           wakeLock,
		discovery:          discovery,
		state:              domain.Stopped,
		negotiationTimeout: negotiationTimeout,
	}
	c.transport.OnSinkOpened(c.onSinkWebsocketOpened)
	c.transport.OnSignaling(c.onSinkSignaling)
	c.camera.OnReady(c.onCameraReady)
	return c
}

// Subscribe returns a channel of status snapshots. The channel is buffered
// 1 and only ever holds the latest snapshot, slow subscribers see the
// newest state, not a backlog, mirroring the frame router's keep-latest
// policy.
func (c *Controller) Subscribe() <-chan domain.StatusEvent {
	ch := make(chan domain.StatusEvent, 1)
	c.subMu.Lock()
	c.subs = append(c.subs, ch)
	c.subMu.Unlock()
	return ch
}

func (c *Controller) publish(err error) {
	c.mu.Lock()
	ev := domain.StatusEvent{
		State:         c.state,
		Mode:          c.mode,
		SinkConnected: c.transport.SinkConnected(),
		Err:           err,
	}
	c.mu.Unlock()

	c.subMu.Lock()
	defer c.subMu.Unlock()
	for _, ch := range c.subs {
		select {
		case ch <- ev:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- ev:
			default:
			}
		}
	}
}

func (c *Controller) setState(s domain.PipelineState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
	c.log.Info("pipeline: -> %s", s)
	c.publish(nil)
}

// Start implements the embedder's start(): Stopped -> Starting ->
// WaitingForCamera -> (camera ready) -> ServerUp.
func (c *Controller) Start(ctx context.Context, lens domain.Lens) error {
	c.mu.Lock()
	if c.state != domain.Stopped {
		c.mu.Unlock()
		return fmt.Errorf("start: pipeline not stopped (state=%s)", c.state)
	}
	c.mu.Unlock()

	c.wakeLock.Acquire()
	c.setState(domain.Starting)

	if err := c.camera.Open(ctx, domain.Streaming, lens); err != nil {
		c.wakeLock.Release()
		c.setState(domain.Stopped)
		return fmt.Errorf("start: opening camera: %w", err)
	}
	c.setState(domain.WaitingForCamera)

	if c.discovery != nil {
		if err := c.discovery.Start(ctx); err != nil {
			c.log.Warn("discovery: failed to start: %v", err)
		}
	}

	return nil
}

// onCameraReady is the single per-open notification from C1 that gates C6
// startup: starting the server any earlier would let a sink connect
// before there's a frame to send it.
func (c *Controller) onCameraReady() {
	c.mu.Lock()
	if c.state != domain.WaitingForCamera {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	ctx := context.Background()
	if err := c.transport.Start(ctx); err != nil {
		c.log.Error("signaling server failed to start: %v", err)
		c.setState(domain.Stopped)
		c.publish(fmt.Errorf("%w: %v", domain.ErrPortBusy, err))
		return
	}
	c.setState(domain.ServerUp)
}

// onSinkWebsocketOpened: ServerUp -> PeerNegotiating (offer created) or, if
// peer setup fails outright, straight to StreamingFallback.
func (c *Controller) onSinkWebsocketOpened() {
	c.mu.Lock()
	if c.state != domain.ServerUp && c.state != domain.StreamingWebRTC && c.state != domain.StreamingFallback && c.state != domain.PeerNegotiating {
		c.mu.Unlock()
		return
	}
	// A reconnecting sink displaces whatever peer session existed.
	if c.peer != nil {
		_ = c.peer.Close(context.Background())
		c.peer = nil
	}
	c.stopNegotiationTimerLocked()
	c.router.RemoveConsumer("peer-i420")
	c.router.RemoveConsumer("fallback-jpeg")
	c.mu.Unlock()

	session, err := c.newPeer(c)
	if err != nil {
		c.log.Warn("peer session init failed, falling back: %v", err)
		c.enterFallback()
		return
	}

	c.mu.Lock()
	c.peer = session
	c.mu.Unlock()
	c.setState(domain.PeerNegotiating)

	if err := session.CreateOffer(context.Background()); err != nil {
		c.log.Warn("offer creation failed, falling back: %v", err)
		c.enterFallback()
		return
	}

	c.startNegotiationTimer()
}

// startNegotiationTimer arms the answer-timeout: if the sink never sends
// back an SDP answer (closed tab, no connectivity), OnFailed fires once
// negotiationTimeout elapses instead of leaving the pipeline stuck in
// PeerNegotiating. pion's connection-state callback never fires Failed on
// its own in this case, since no remote description ever arrives to
// start ICE checks.
func (c *Controller) startNegotiationTimer() {
	c.mu.Lock()
	c.negotiationTimer = time.AfterFunc(c.negotiationTimeout, func() {
		c.OnFailed(fmt.Errorf("%w: no answer within %s", domain.ErrPeerNegotiationFailure, c.negotiationTimeout))
	})
	c.mu.Unlock()
}

// stopNegotiationTimerLocked cancels any armed answer-timeout. Callers
// must hold c.mu.
func (c *Controller) stopNegotiationTimerLocked() {
	if c.negotiationTimer != nil {
		c.negotiationTimer.Stop()
		c.negotiationTimer = nil
	}
}

func (c *Controller) onSinkSignaling(msg domain.SignalingMessage) {
	c.mu.Lock()
	peer := c.peer
	c.mu.Unlock()

	switch msg.Kind {
	case domain.SdpAnswer:
		if peer == nil {
			return
		}
		if err := peer.SetRemoteAnswer(context.Background(), msg.SDP); err != nil {
			c.log.Warn("set remote answer failed: %v", err)
			c.OnFailed(err)
		}
	case domain.IceCandidate:
		if peer == nil {
			return
		}
		if err := peer.AddRemoteICECandidate(context.Background(), msg.SDPMid, msg.SDPMLineIndex, msg.Candidate); err != nil {
			c.log.Warn("add remote ice candidate failed: %v", err)
		}
	case domain.VideoUrl, domain.VideoControl, domain.TimestampPing:
		// These are sink -> sink-UI concerns relayed by the embedder;
		// the core pipeline has nothing further to do with them beyond
		// recording the current video selection for SetSinkVideo parity.
		if msg.Kind == domain.VideoUrl {
			c.mu.Lock()
			c.currentVideoID = msg.VideoID
			c.currentStartAt = msg.StartSeconds
			c.mu.Unlock()
		}
	}
}

// OnLocalOffer implements PeerObserver: forward the filtered SDP offer to
// the sink, tagged with the front_camera flag the sink's GPU mirror
// transform needs at session start. The flag is derived from the
// camera's current lens rather than exposed as a separate
// set_front_camera operation, since the lens selector is the single
// source of truth C7 already has and two independently settable flags
// is exactly the inconsistency the pipeline wants to avoid.
func (c *Controller) OnLocalOffer(sdpFiltered string) {
	front := c.camera.CurrentLens() == domain.Front
	_ = c.transport.SendSignaling(domain.SignalingMessage{Kind: domain.SdpOffer, SDP: sdpFiltered, FrontCamera: front})
}

// OnLocalICECandidate implements PeerObserver.
func (c *Controller) OnLocalICECandidate(sdpMid string, sdpMLineIndex int, candidate string) {
	_ = c.transport.SendSignaling(domain.SignalingMessage{
		Kind:          domain.IceCandidate,
		SDPMid:        sdpMid,
		SDPMLineIndex: sdpMLineIndex,
		Candidate:     candidate,
	})
}

// OnConnected implements PeerObserver: PeerNegotiating -> StreamingWebRTC.
func (c *Controller) OnConnected() {
	c.mu.Lock()
	if c.state != domain.PeerNegotiating {
		c.mu.Unlock()
		return
	}
	c.mode = domain.ModeWebRTC
	peer := c.peer
	c.stopNegotiationTimerLocked()
	c.mu.Unlock()

	c.transport.SetMode(domain.ModeWebRTC)
	c.router.AddConsumer("peer-i420", frameConsumerFunc(func(_ context.Context, f *domain.RawFrame) {
		peer.InjectFrame(context.Background(), f)
	}))
	c.setState(domain.StreamingWebRTC)
}

// OnFailed implements PeerObserver: PeerNegotiating or StreamingWebRTC ->
// StreamingFallback; ignored in any other state.
func (c *Controller) OnFailed(err error) {
	c.mu.Lock()
	st := c.state
	c.mu.Unlock()
	if st != domain.PeerNegotiating && st != domain.StreamingWebRTC {
		return
	}
	c.log.Warn("peer negotiation failed: %v", err)
	c.enterFallback()
}

func (c *Controller) enterFallback() {
	c.mu.Lock()
	if c.peer != nil {
		_ = c.peer.Close(context.Background())
		c.peer = nil
	}
	c.stopNegotiationTimerLocked()
	c.mode = domain.ModeFallback
	c.mu.Unlock()

	c.transport.SetMode(domain.ModeFallback)
	c.router.RemoveConsumer("peer-i420")
	c.router.AddConsumer("fallback-jpeg", frameConsumerFunc(func(_ context.Context, f *domain.RawFrame) {
		jpg, err := c.jpeg.Encode(f)
		if err != nil {
			c.log.Warn("jpeg encode failed, dropping frame: %v", err)
			return
		}
		if err := c.transport.BroadcastJpeg(jpg); err != nil {
			c.log.Warn("jpeg broadcast failed: %v", err)
		}
	}))
	c.setState(domain.StreamingFallback)
}

// SwitchLens forwards a lens-switch request to C1 without renegotiating
// any live peer connection: the WebRTC track stays alive on the same
// I420 source, consumers just see a brief gap in frames.
func (c *Controller) SwitchLens(ctx context.Context) error {
	return c.camera.SwitchLens(ctx)
}

// SetSinkVideo implements the embedder's set_sink_video(): tells the sink
// (via the signaling channel) which YouTube video to load and where to
// start.
func (c *Controller) SetSinkVideo(videoID string, startSeconds float64) error {
	c.mu.Lock()
	c.currentVideoID = videoID
	c.currentStartAt = startSeconds
	c.mu.Unlock()
	return c.transport.SendSignaling(domain.SignalingMessage{
		Kind:         domain.VideoUrl,
		VideoID:      videoID,
		StartSeconds: startSeconds,
	})
}

// ClearSinkVideo implements the embedder's clear_sink_video().
func (c *Controller) ClearSinkVideo() error {
	c.mu.Lock()
	c.currentVideoID = ""
	c.mu.Unlock()
	return c.transport.SendSignaling(domain.SignalingMessage{
		Kind:    domain.VideoControl,
		Command: domain.VideoStop,
	})
}

// Stop implements the embedder's stop(): any non-Stopped -> Stopping ->
// Stopped, cancelling in-flight C5 work, closing C6 with the goodbye
// reason, and returning C1 to PreviewOnly.
func (c *Controller) Stop(ctx context.Context) error {
	c.mu.Lock()
	if c.state == domain.Stopped {
		c.mu.Unlock()
		return nil
	}
	peer := c.peer
	c.peer = nil
	c.stopNegotiationTimerLocked()
	c.mu.Unlock()

	c.setState(domain.Stopping)

	if c.discovery != nil {
		c.discovery.Stop()
	}

	c.router.RemoveConsumer("peer-i420")
	c.router.RemoveConsumer("fallback-jpeg")

	// Peer teardown and signaling server shutdown don't depend on each
	// other, so they run concurrently instead of in sequence.
	var g errgroup.Group
	g.Go(func() error {
		if peer == nil {
			return nil
		}
		return peer.Close(ctx)
	})
	g.Go(func() error {
		return c.transport.Stop(ctx)
	})
	if err := g.Wait(); err != nil {
		c.log.Warn("pipeline: shutdown fan-in reported an error: %v", err)
	}

	if err := c.camera.SetMode(ctx, domain.PreviewOnly); err != nil {
		c.log.Warn("camera: failed to drop back to preview-only, closing instead: %v", err)
		_ = c.camera.Close(ctx)
	}

	c.wakeLock.Release()

	c.mu.Lock()
	c.mode = domain.ModeNone
	c.mu.Unlock()
	c.transport.SetMode(domain.ModeNone)
	c.setState(domain.Stopped)
	return nil
}

// frameConsumerFunc adapts a plain function to FrameConsumer, the way the
// router wants named consumers registered.
type frameConsumerFunc func(ctx context.Context, f *domain.RawFrame)

func (f frameConsumerFunc) Consume(ctx context.Context, frame *domain.RawFrame) { f(ctx, frame) }
