// Package camera implements the frame source (C1): exclusive ownership of
// the camera device, binding/rebinding via github.com/pion/mediadevices,
// and a capture loop that turns each decoded image.Image into a
// domain.RawFrame handed to the frame router while in Streaming mode.
//
// All binding operations (open, switch lens, change mode, close) are
// serialized by bindMu, a single-threaded "camera executor": only one of
// them ever runs at a time, which is how the single-binding invariant
// ("at most one camera binding exists at any instant") is enforced.
package camera

import (
	"context"
	"fmt"
	"image"
	"sync"
	"time"

	"github.com/pion/mediadevices"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"

	"cam2tv/internal/application"
	"cam2tv/internal/domain"
)

// AnalysisResolution is the fixed (320, 240) analysis binding used while
// Streaming.
var AnalysisResolution = struct{ Width, Height int }{320, 240}

const (
	closeWaitTimeout = 500 * time.Millisecond
	openRetries      = 3
)

var openBackoff = []time.Duration{time.Second, 2 * time.Second, 3 * time.Second}

// Source is the frame source (C1).
type Source struct {
	log application.Logger

	bindMu sync.Mutex // the camera executor's exclusion primitive

	lens domain.Lens
	mode domain.CameraMode

	stream      mediadevices.MediaStream
	videoTrack  *mediadevices.VideoTrack
	stopCapture context.CancelFunc
	captureDone chan struct{}

	consumerMu sync.Mutex
	consumer   application.FrameConsumer

	onReady    func()
	readyMu    sync.Mutex
	readyFired bool
}

// New creates an unopened frame source.
func New(log application.Logger) *Source {
	return &Source{log: log}
}

// SetFrameConsumer installs the downstream consumer (the frame router)
// that receives frames captured while in Streaming mode.
func (s *Source) SetFrameConsumer(c application.FrameConsumer) {
	s.consumerMu.Lock()
	s.consumer = c
	s.consumerMu.Unlock()
}

// OnReady registers the callback fired once per binding, when the first
// frame of that binding is captured: after Open, and again after each
// SwitchLens or SetMode rebind. It is not limited to one call per Open.
func (s *Source) OnReady(fn func()) {
	s.onReady = fn
}

func (s *Source) CurrentLens() domain.Lens    { return s.lens }
func (s *Source) CurrentMode() domain.CameraMode { return s.mode }

// Open acquires the camera for the given mode and lens, retrying transient
// failures up to openRetries times with the increasing openBackoff delays.
// Any existing binding is released first.
func (s *Source) Open(ctx context.Context, mode domain.CameraMode, lens domain.Lens) error {
	s.bindMu.Lock()
	defer s.bindMu.Unlock()

	s.closeStreamLocked()
	s.stopCaptureLocked()

	var lastErr error
	for attempt := 0; attempt <= openRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(openBackoff[attempt-1]):
			}
		}
		if err := s.bindLocked(mode, lens); err != nil {
			lastErr = err
			s.log.Warn("camera: open attempt %d/%d failed: %v", attempt+1, openRetries+1, err)
			continue
		}
		s.lens = lens
		s.mode = mode
		s.resetReady()
		s.startCaptureLocked()
		return nil
	}
	return fmt.Errorf("%w: %v", domain.ErrCameraInitFailed, lastErr)
}

// bindLocked performs the actual mediadevices.GetUserMedia call for one
// attempt. Caller holds bindMu.
func (s *Source) bindLocked(mode domain.CameraMode, lens domain.Lens) error {
	width, height := AnalysisResolution.Width, AnalysisResolution.Height
	constraints := mediadevices.MediaStreamConstraints{
		Video: func(c *mediadevices.MediaTrackConstraints) {
			c.FrameFormat = prop.FrameFormatOneOf{frame.FormatI420, frame.FormatYUY2, frame.FormatNV21}
			c.Width = prop.Int(width)
			c.Height = prop.Int(height)
			if label := lensDeviceLabel(lens); label != "" {
				c.DeviceID = prop.String(label)
			}
		},
	}

	stream, err := mediadevices.GetUserMedia(constraints)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrCameraUnavailable, err)
	}

	tracks := stream.GetVideoTracks()
	if len(tracks) == 0 {
		return fmt.Errorf("%w: no video track produced", domain.ErrCameraUnavailable)
	}
	track, ok := tracks[0].(*mediadevices.VideoTrack)
	if !ok {
		return fmt.Errorf("%w: unexpected track type", domain.ErrCameraUnavailable)
	}

	s.stream = stream
	s.videoTrack = track
	return nil
}

// lensDeviceLabel maps a logical lens to a mediadevices device ID hint.
// On platforms without a strict front/back distinction (most desktop V4L2
// setups), an empty label means "let the driver pick the first device".
func lensDeviceLabel(lens domain.Lens) string {
	return ""
}

// startCaptureLocked launches the capture loop goroutine for the current
// binding. Caller holds bindMu.
func (s *Source) startCaptureLocked() {
	ctx, cancel := context.WithCancel(context.Background())
	s.stopCapture = cancel
	s.captureDone = make(chan struct{})
	go s.captureLoop(ctx, s.videoTrack, s.captureDone)
}

func (s *Source) captureLoop(ctx context.Context, track *mediadevices.VideoTrack, done chan struct{}) {
	defer close(done)

	reader := track.NewReader(false)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		img, release, err := reader.Read()
		if err != nil {
			s.log.Warn("camera: frame read error: %v", err)
			return
		}

		s.fireReadyOnce()

		raw, convErr := toRawFrame(img)
		if convErr != nil {
			s.log.Warn("camera: unsupported frame format: %v", convErr)
			if release != nil {
				release()
			}
			continue
		}
		raw.Release = release

		s.consumerMu.Lock()
		consumer := s.consumer
		s.consumerMu.Unlock()

		if s.mode == domain.Streaming && consumer != nil {
			consumer.Consume(ctx, raw)
		} else if raw.Release != nil {
			raw.Release()
		}
	}
}

// fireReadyOnce must not take bindMu: stopCaptureLocked blocks on the
// capture loop exiting while holding bindMu, so if this ever waited on
// bindMu too the two would deadlock.
func (s *Source) fireReadyOnce() {
	s.readyMu.Lock()
	already := s.readyFired
	s.readyFired = true
	s.readyMu.Unlock()
	if !already && s.onReady != nil {
		s.onReady()
	}
}

func (s *Source) resetReady() {
	s.readyMu.Lock()
	s.readyFired = false
	s.readyMu.Unlock()
}

// toRawFrame converts a decoded camera image into a domain.RawFrame,
// preserving the real row/pixel strides of the underlying buffer so
// downstream consumers (C3, C4) can apply the correct copy strategy.
func toRawFrame(img image.Image) (*domain.RawFrame, error) {
	yuv, ok := img.(*image.YCbCr)
	if !ok {
		return nil, fmt.Errorf("camera: expected *image.YCbCr, got %T", img)
	}
	b := yuv.Rect
	w, h := b.Dx(), b.Dy()

	return &domain.RawFrame{
		Width:       w,
		Height:      h,
		Rotation:    0,
		TimestampNs: time.Now().UnixNano(),
		Y: domain.Plane{Data: yuv.Y, RowStride: yuv.YStride, PixelStride: 1},
		U: domain.Plane{Data: yuv.Cb, RowStride: yuv.CStride, PixelStride: 1},
		V: domain.Plane{Data: yuv.Cr, RowStride: yuv.CStride, PixelStride: 1},
	}, nil
}

// SwitchLens atomically unbinds, waits for the device to settle (bounded
// by closeWaitTimeout; proceeds regardless on timeout), and rebinds the
// opposite lens under the current mode.
func (s *Source) SwitchLens(ctx context.Context) error {
	s.bindMu.Lock()
	defer s.bindMu.Unlock()

	target := s.lens.Opposite()
	if !s.lensAvailableLocked(target) {
		return domain.ErrCameraLensMissing
	}

	s.closeStreamLocked()
	s.stopCaptureLocked()
	s.waitForCloseSettle()

	if err := s.bindLocked(s.mode, target); err != nil {
		return fmt.Errorf("switch_lens: rebind failed: %w", err)
	}
	s.lens = target
	s.resetReady()
	s.startCaptureLocked()
	return nil
}

// lensAvailableLocked reports whether more than one capture device is
// present. Real per-lens enumeration belongs to the embedder's device
// inventory (out of core scope); the core only needs to know whether a
// switch is possible at all.
func (s *Source) lensAvailableLocked(_ domain.Lens) bool {
	devices := mediadevices.EnumerateDevices()
	count := 0
	for _, d := range devices {
		if d.Kind == mediadevices.VideoInput {
			count++
		}
	}
	return count > 1
}

// SetMode transitions between PreviewOnly and Streaming, preserving the
// current lens. A no-op (no rebind) when mode already matches.
func (s *Source) SetMode(ctx context.Context, mode domain.CameraMode) error {
	s.bindMu.Lock()
	defer s.bindMu.Unlock()

	if s.mode == mode {
		return nil
	}

	s.closeStreamLocked()
	s.stopCaptureLocked()
	s.waitForCloseSettle()

	if err := s.bindLocked(mode, s.lens); err != nil {
		return fmt.Errorf("set_mode: rebind failed: %w", err)
	}
	s.mode = mode
	s.resetReady()
	s.startCaptureLocked()
	return nil
}

// Close releases all camera resources.
func (s *Source) Close(ctx context.Context) error {
	s.bindMu.Lock()
	defer s.bindMu.Unlock()

	s.closeStreamLocked()
	s.stopCaptureLocked()
	return nil
}

// stopCaptureLocked signals the capture loop to stop and waits for it to
// exit. It must run after closeStreamLocked: a stalled reader.Read only
// returns once the underlying track is closed, so waiting on captureDone
// before the track is closed would hang forever on a stalled camera.
func (s *Source) stopCaptureLocked() {
	if s.stopCapture != nil {
		s.stopCapture()
		<-s.captureDone
		s.stopCapture = nil
	}
}

func (s *Source) closeStreamLocked() {
	if s.stream != nil {
		for _, t := range s.stream.GetTracks() {
			_ = t.Close()
		}
		s.stream = nil
		s.videoTrack = nil
	}
}

// waitForCloseSettle gives the underlying hardware a bounded window to
// report a terminal closed state before the caller proceeds regardless.
func (s *Source) waitForCloseSettle() {
	time.Sleep(closeWaitTimeout)
}
