package domain

import "errors"

// Sentinel error kinds from the error-handling design: each is wrapped
// with context at the point of failure and compared with errors.Is by
// callers that need to branch on kind (mainly the pipeline controller).
var (
	// ErrCameraUnavailable: lens busy or hardware error on open.
	ErrCameraUnavailable = errors.New("camera unavailable")
	// ErrCameraLensMissing: the requested lens does not exist on this device.
	ErrCameraLensMissing = errors.New("camera lens not available")
	// ErrCameraInitFailed: open failed after exhausting retries.
	ErrCameraInitFailed = errors.New("camera initialization failed")
	// ErrPortBusy: the signaling server's configured port is already bound.
	ErrPortBusy = errors.New("port busy")
	// ErrSinkTransportError: a transport-level failure on one sink's connection.
	ErrSinkTransportError = errors.New("sink transport error")
	// ErrPeerNegotiationFailure: SDP/ICE negotiation or connection failed.
	ErrPeerNegotiationFailure = errors.New("peer negotiation failure")
	// ErrFrameProcessingError: a JPEG or I420 conversion failed for one frame.
	ErrFrameProcessingError = errors.New("frame processing error")
	// ErrSignalingMalformed: a signaling message was missing required fields.
	ErrSignalingMalformed = errors.New("signaling message malformed")
)
