package application

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"cam2tv/internal/domain"
)

type nullLogger struct{}

func (nullLogger) Info(string, ...interface{})  {}
func (nullLogger) Warn(string, ...interface{})  {}
func (nullLogger) Error(string, ...interface{}) {}
func (nullLogger) Debug(string, ...interface{}) {}

type fakeCamera struct {
	mu       sync.Mutex
	onReady  func()
	consumer FrameConsumer
	lens     domain.Lens
	mode     domain.CameraMode

	openErr     error
	switchErr   error
	setModeErr  error
	setModeCall []domain.CameraMode
}

func (c *fakeCamera) Open(_ context.Context, mode domain.CameraMode, lens domain.Lens) error {
	if c.openErr != nil {
		return c.openErr
	}
	c.mu.Lock()
	c.mode, c.lens = mode, lens
	c.mu.Unlock()
	return nil
}
func (c *fakeCamera) SwitchLens(context.Context) error { return c.switchErr }
func (c *fakeCamera) SetMode(_ context.Context, mode domain.CameraMode) error {
	c.mu.Lock()
	c.setModeCall = append(c.setModeCall, mode)
	c.mu.Unlock()
	return c.setModeErr
}
func (c *fakeCamera) Close(context.Context) error { return nil }
func (c *fakeCamera) CurrentLens() domain.Lens {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lens
}
func (c *fakeCamera) CurrentMode() domain.CameraMode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mode
}
func (c *fakeCamera) SetFrameConsumer(fc FrameConsumer) { c.consumer = fc }
func (c *fakeCamera) OnReady(fn func())                 { c.onReady = fn }

func (c *fakeCamera) fireReady() { c.onReady() }

type fakeRouter struct {
	mu        sync.Mutex
	consumers map[string]FrameConsumer
}

func newFakeRouter() *fakeRouter { return &fakeRouter{consumers: map[string]FrameConsumer{}} }

func (r *fakeRouter) AddConsumer(name string, c FrameConsumer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.consumers[name] = c
}
func (r *fakeRouter) RemoveConsumer(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.consumers, name)
}
func (r *fakeRouter) Dispatch(ctx context.Context, f *domain.RawFrame) {
	r.mu.Lock()
	active := make([]FrameConsumer, 0, len(r.consumers))
	for _, c := range r.consumers {
		active = append(active, c)
	}
	r.mu.Unlock()
	for _, c := range active {
		c.Consume(ctx, f)
	}
}
func (r *fakeRouter) has(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.consumers[name]
	return ok
}

type fakeTransport struct {
	mu            sync.Mutex
	onOpened      func()
	onSignaling   func(domain.SignalingMessage)
	startErr      error
	sinkConnected bool

	sentMessages []domain.SignalingMessage
	broadcasts   []*domain.EncodedJpeg
	stopCalled   bool
	modeCalls    []domain.StreamMode
}

func (t *fakeTransport) Start(context.Context) error { return t.startErr }
func (t *fakeTransport) Stop(context.Context) error {
	t.mu.Lock()
	t.stopCalled = true
	t.mu.Unlock()
	return nil
}
func (t *fakeTransport) SendSignaling(msg domain.SignalingMessage) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sentMessages = append(t.sentMessages, msg)
	return nil
}
func (t *fakeTransport) BroadcastJpeg(jpg *domain.EncodedJpeg) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.broadcasts = append(t.broadcasts, jpg)
	return nil
}
func (t *fakeTransport) OnSinkOpened(fn func())                      { t.onOpened = fn }
func (t *fakeTransport) OnSignaling(fn func(domain.SignalingMessage)) { t.onSignaling = fn }
func (t *fakeTransport) SinkConnected() bool                         { return t.sinkConnected }
func (t *fakeTransport) SetMode(mode domain.StreamMode) {
	t.mu.Lock()
	t.modeCalls = append(t.modeCalls, mode)
	t.mu.Unlock()
}

type fakePeerSession struct {
	mu             sync.Mutex
	createOfferErr error
	state          domain.PeerState
	closed         bool
	injected       []*domain.RawFrame
}

func (p *fakePeerSession) CreateOffer(context.Context) error { return p.createOfferErr }
func (p *fakePeerSession) SetRemoteAnswer(context.Context, string) error { return nil }
func (p *fakePeerSession) AddRemoteICECandidate(context.Context, string, int, string) error {
	return nil
}
func (p *fakePeerSession) InjectFrame(_ context.Context, f *domain.RawFrame) {
	p.mu.Lock()
	p.injected = append(p.injected, f)
	p.mu.Unlock()
}
func (p *fakePeerSession) State() domain.PeerState { return p.state }
func (p *fakePeerSession) Close(context.Context) error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return nil
}

type fakeJPEG struct {
	encodeErr error
}

func (j *fakeJPEG) Encode(f *domain.RawFrame) (*domain.EncodedJpeg, error) {
	if j.encodeErr != nil {
		return nil, j.encodeErr
	}
	return &domain.EncodedJpeg{Width: f.Width, Height: f.Height}, nil
}

func newTestController(t *testing.T, camera *fakeCamera, router *fakeRouter, transport *fakeTransport, peer *fakePeerSession, peerErr error) *Controller {
	t.Helper()
	return newTestControllerWithTimeout(t, camera, router, transport, peer, peerErr, 0)
}

func newTestControllerWithTimeout(t *testing.T, camera *fakeCamera, router *fakeRouter, transport *fakeTransport, peer *fakePeerSession, peerErr error, negotiationTimeout time.Duration) *Controller {
	t.Helper()
	factory := func(observer PeerObserver) (PeerSession, error) {
		if peerErr != nil {
			return nil, peerErr
		}
		return peer, nil
	}
	return NewController(nullLogger{}, camera, router, &fakeJPEG{}, transport, factory, nil, nil, negotiationTimeout)
}

func drainOne(t *testing.T, ch <-chan domain.StatusEvent) domain.StatusEvent {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for a status event")
		return domain.StatusEvent{}
	}
}

func TestControllerStartReachesServerUpAfterCameraReady(t *testing.T) {
	camera := &fakeCamera{}
	router := newFakeRouter()
	transport := &fakeTransport{}
	c := newTestController(t, camera, router, transport, &fakePeerSession{}, nil)

	sub := c.Subscribe()
	if err := c.Start(context.Background(), domain.Back); err != nil {
		t.Fatalf("Start: %v", err)
	}
	drainOne(t, sub) // Starting/WaitingForCamera, coalesced by the keep-latest buffer

	camera.fireReady()
	ev := drainOne(t, sub)
	if ev.State != domain.ServerUp {
		t.Fatalf("state = %s, want ServerUp", ev.State)
	}
}

func TestControllerStartFailsWhenCameraOpenFails(t *testing.T) {
	camera := &fakeCamera{openErr: domain.ErrCameraUnavailable}
	c := newTestController(t, camera, newFakeRouter(), &fakeTransport{}, &fakePeerSession{}, nil)

	err := c.Start(context.Background(), domain.Back)
	if !errors.Is(err, domain.ErrCameraUnavailable) {
		t.Fatalf("Start err = %v, want wrapping ErrCameraUnavailable", err)
	}
}

func TestControllerPortBusyReturnsToStopped(t *testing.T) {
	camera := &fakeCamera{}
	transport := &fakeTransport{startErr: errors.New("bind: address already in use")}
	c := newTestController(t, camera, newFakeRouter(), transport, &fakePeerSession{}, nil)

	sub := c.Subscribe()
	_ = c.Start(context.Background(), domain.Back)
	drainOne(t, sub) // Starting/WaitingForCamera, coalesced by the keep-latest buffer
	camera.fireReady()

	ev := drainOne(t, sub)
	if ev.State != domain.Stopped {
		t.Fatalf("state after port-busy = %s, want Stopped", ev.State)
	}
	if !errors.Is(ev.Err, domain.ErrPortBusy) {
		t.Fatalf("expected ErrPortBusy, got %v", ev.Err)
	}
}

func TestControllerSinkOpenedNegotiatesPeer(t *testing.T) {
	camera := &fakeCamera{}
	router := newFakeRouter()
	transport := &fakeTransport{}
	peer := &fakePeerSession{}
	c := newTestController(t, camera, router, transport, peer, nil)

	sub := c.Subscribe()
	_ = c.Start(context.Background(), domain.Back)
	drainOne(t, sub)
	camera.fireReady()
	drainOne(t, sub) // ServerUp

	transport.onOpened()
	ev := drainOne(t, sub)
	if ev.State != domain.PeerNegotiating {
		t.Fatalf("state = %s, want PeerNegotiating", ev.State)
	}
}

func TestControllerPeerConnectedSwitchesToWebRTCStreaming(t *testing.T) {
	camera := &fakeCamera{}
	router := newFakeRouter()
	transport := &fakeTransport{}
	peer := &fakePeerSession{}
	c := newTestController(t, camera, router, transport, peer, nil)

	sub := c.Subscribe()
	_ = c.Start(context.Background(), domain.Back)
	drainOne(t, sub)
	camera.fireReady()
	drainOne(t, sub)
	transport.onOpened()
	drainOne(t, sub)

	c.OnConnected()
	ev := drainOne(t, sub)
	if ev.State != domain.StreamingWebRTC || ev.Mode != domain.ModeWebRTC {
		t.Fatalf("state/mode = %s/%s, want StreamingWebRTC/webrtc", ev.State, ev.Mode)
	}
	if !router.has("peer-i420") {
		t.Fatal("expected a peer-i420 consumer to be registered on the router")
	}

	transport.mu.Lock()
	modeCalls := transport.modeCalls
	transport.mu.Unlock()
	if len(modeCalls) != 1 || modeCalls[0] != domain.ModeWebRTC {
		t.Fatalf("expected transport.SetMode(ModeWebRTC) once, got %v", modeCalls)
	}
}

func TestControllerPeerFailureFallsBackToJPEG(t *testing.T) {
	camera := &fakeCamera{}
	router := newFakeRouter()
	transport := &fakeTransport{}
	peer := &fakePeerSession{}
	c := newTestController(t, camera, router, transport, peer, nil)

	sub := c.Subscribe()
	_ = c.Start(context.Background(), domain.Back)
	drainOne(t, sub)
	camera.fireReady()
	drainOne(t, sub)
	transport.onOpened()
	drainOne(t, sub)

	c.OnFailed(domain.ErrPeerNegotiationFailure)
	ev := drainOne(t, sub)
	if ev.State != domain.StreamingFallback || ev.Mode != domain.ModeFallback {
		t.Fatalf("state/mode = %s/%s, want StreamingFallback/fallback", ev.State, ev.Mode)
	}
	if !router.has("fallback-jpeg") {
		t.Fatal("expected a fallback-jpeg consumer to be registered on the router")
	}
	if !peer.closed {
		t.Fatal("the failed peer session should have been closed")
	}

	transport.mu.Lock()
	modeCalls := transport.modeCalls
	transport.mu.Unlock()
	if len(modeCalls) != 1 || modeCalls[0] != domain.ModeFallback {
		t.Fatalf("expected transport.SetMode(ModeFallback) once, got %v", modeCalls)
	}

	// Drive a frame through the registered fallback consumer and check it
	// reaches the transport as a JPEG broadcast.
	router.Dispatch(context.Background(), &domain.RawFrame{Width: 4, Height: 4})
	transport.mu.Lock()
	n := len(transport.broadcasts)
	transport.mu.Unlock()
	if n != 1 {
		t.Fatalf("expected 1 broadcast jpeg, got %d", n)
	}
}

func TestControllerOfferCarriesFrontCameraFlag(t *testing.T) {
	camera := &fakeCamera{}
	router := newFakeRouter()
	transport := &fakeTransport{}
	peer := &fakePeerSession{}
	c := newTestController(t, camera, router, transport, peer, nil)

	sub := c.Subscribe()
	if err := c.Start(context.Background(), domain.Front); err != nil {
		t.Fatalf("Start: %v", err)
	}
	drainOne(t, sub)
	camera.fireReady()
	drainOne(t, sub)

	transport.onOpened()
	drainOne(t, sub)

	c.OnLocalOffer("v=0\r\n...")

	transport.mu.Lock()
	defer transport.mu.Unlock()
	var offer domain.SignalingMessage
	found := false
	for _, msg := range transport.sentMessages {
		if msg.Kind == domain.SdpOffer {
			offer = msg
			found = true
		}
	}
	if !found {
		t.Fatal("expected an SdpOffer to have been sent")
	}
	if !offer.FrontCamera {
		t.Fatal("expected FrontCamera=true when streaming the front lens")
	}
}

func TestControllerOfferCreationFailureFallsBack(t *testing.T) {
	camera := &fakeCamera{}
	router := newFakeRouter()
	transport := &fakeTransport{}
	peer := &fakePeerSession{createOfferErr: errors.New("offer failed")}
	c := newTestController(t, camera, router, transport, peer, nil)

	sub := c.Subscribe()
	_ = c.Start(context.Background(), domain.Back)
	drainOne(t, sub)
	camera.fireReady()
	drainOne(t, sub)

	transport.onOpened()
	ev := drainOne(t, sub)
	if ev.State != domain.StreamingFallback {
		t.Fatalf("state = %s, want StreamingFallback after offer creation failure", ev.State)
	}
}

func TestControllerAnswerTimeoutFallsBack(t *testing.T) {
	camera := &fakeCamera{}
	router := newFakeRouter()
	transport := &fakeTransport{}
	peer := &fakePeerSession{}
	c := newTestControllerWithTimeout(t, camera, router, transport, peer, nil, 10*time.Millisecond)

	sub := c.Subscribe()
	_ = c.Start(context.Background(), domain.Back)
	drainOne(t, sub)
	camera.fireReady()
	drainOne(t, sub)

	transport.onOpened()
	ev := drainOne(t, sub) // PeerNegotiating
	if ev.State != domain.PeerNegotiating {
		t.Fatalf("state = %s, want PeerNegotiating", ev.State)
	}

	// No SdpAnswer ever arrives; the bounded timer should fire and drop
	// the pipeline to the fallback transport on its own.
	ev = drainOne(t, sub)
	if ev.State != domain.StreamingFallback || ev.Mode != domain.ModeFallback {
		t.Fatalf("state/mode = %s/%s, want StreamingFallback/fallback after answer timeout", ev.State, ev.Mode)
	}
	if !peer.closed {
		t.Fatal("the timed-out peer session should have been closed")
	}
}

func TestControllerStopReturnsCameraToPreviewOnly(t *testing.T) {
	camera := &fakeCamera{}
	transport := &fakeTransport{}
	c := newTestController(t, camera, newFakeRouter(), transport, &fakePeerSession{}, nil)

	_ = c.Start(context.Background(), domain.Back)
	camera.fireReady()

	if err := c.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	camera.mu.Lock()
	calls := camera.setModeCall
	camera.mu.Unlock()
	if len(calls) != 1 || calls[0] != domain.PreviewOnly {
		t.Fatalf("expected SetMode(PreviewOnly) once, got %v", calls)
	}
	if !transport.stopCalled {
		t.Fatal("expected transport.Stop to have been called")
	}

	transport.mu.Lock()
	modeCalls := transport.modeCalls
	transport.mu.Unlock()
	if len(modeCalls) == 0 || modeCalls[len(modeCalls)-1] != domain.ModeNone {
		t.Fatalf("expected the last SetMode call to be ModeNone, got %v", modeCalls)
	}
}

func TestControllerSetAndClearSinkVideo(t *testing.T) {
	transport := &fakeTransport{}
	c := newTestController(t, &fakeCamera{}, newFakeRouter(), transport, &fakePeerSession{}, nil)

	if err := c.SetSinkVideo("abc123", 10); err != nil {
		t.Fatalf("SetSinkVideo: %v", err)
	}
	if err := c.ClearSinkVideo(); err != nil {
		t.Fatalf("ClearSinkVideo: %v", err)
	}

	transport.mu.Lock()
	defer transport.mu.Unlock()
	if len(transport.sentMessages) != 2 {
		t.Fatalf("expected 2 signaling messages, got %d", len(transport.sentMessages))
	}
	if transport.sentMessages[0].Kind != domain.VideoUrl || transport.sentMessages[0].VideoID != "abc123" {
		t.Fatalf("unexpected first message: %+v", transport.sentMessages[0])
	}
	if transport.sentMessages[1].Kind != domain.VideoControl || transport.sentMessages[1].Command != domain.VideoStop {
		t.Fatalf("unexpected second message: %+v", transport.sentMessages[1])
	}
}

func TestControllerSubscribeKeepsOnlyLatestSnapshot(t *testing.T) {
	c := newTestController(t, &fakeCamera{}, newFakeRouter(), &fakeTransport{}, &fakePeerSession{}, nil)
	sub := c.Subscribe()

	// Publish several snapshots without draining; only the latest should
	// remain buffered, mirroring the frame router's keep-latest policy.
	c.setState(domain.Starting)
	c.setState(domain.ServerUp)
	c.setState(domain.Stopping)

	ev := drainOne(t, sub)
	if ev.State != domain.Stopping {
		t.Fatalf("expected the latest snapshot (Stopping), got %s", ev.State)
	}
	select {
	case extra := <-sub:
		t.Fatalf("expected no further buffered snapshot, got %+v", extra)
	default:
	}
}
