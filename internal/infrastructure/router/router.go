// Package router implements the frame router (C2): it accepts RawFrames
// from the camera in Streaming mode and fans each one out, synchronously,
// to whichever consumers are currently registered, enforcing a minimum
// inter-frame interval independent of the capture rate.
//
// The backpressure policy is "keep only latest": frames arriving inside
// the interval are dropped, never queued, mirroring the non-blocking
// drop-oldest channel send in marinp1-petwebrtc-lite's CameraManager and
// the keep-latest semantics of e7canasta-orion-care-sensor's framebus.
package router

import (
	"context"
	"sync"
	"time"

	"cam2tv/internal/application"
	"cam2tv/internal/domain"
)

// DefaultInterval is the 100ms / 10fps dispatch floor absent an override.
const DefaultInterval = 100 * time.Millisecond

// Router is the frame router (C2).
type Router struct {
	log      application.Logger
	interval time.Duration
	now      func() time.Time

	mu            sync.Mutex
	consumers     map[string]application.FrameConsumer
	lastDispatch  time.Time
	hasDispatched bool
}

// New creates a Router with the given minimum inter-frame interval. A
// zero interval means DefaultInterval.
func New(log application.Logger, interval time.Duration) *Router {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Router{
		log:       log,
		interval:  interval,
		now:       time.Now,
		consumers: make(map[string]application.FrameConsumer),
	}
}

// AddConsumer registers a named consumer. Re-adding a name replaces the
// previous consumer under that name.
func (r *Router) AddConsumer(name string, c application.FrameConsumer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.consumers[name] = c
}

// RemoveConsumer deregisters a named consumer; a no-op if absent.
func (r *Router) RemoveConsumer(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.consumers, name)
}

// Consume implements application.FrameConsumer so the camera source can
// hand frames straight to the router without a separate adapter type.
func (r *Router) Consume(ctx context.Context, frame *domain.RawFrame) {
	r.Dispatch(ctx, frame)
}

// Dispatch applies the frame-rate floor and, if the frame survives it,
// hands it synchronously to every registered consumer before releasing
// it. Frame order is preserved: Dispatch is expected to be called from a
// single goroutine (the camera's analysis callback), never concurrently
// for the same Router.
func (r *Router) Dispatch(ctx context.Context, frame *domain.RawFrame) {
	release := func() {
		if frame.Release != nil {
			frame.Release()
		}
	}

	r.mu.Lock()
	now := r.now()
	if len(r.consumers) == 0 {
		r.mu.Unlock()
		release()
		return
	}
	if r.hasDispatched && now.Sub(r.lastDispatch) < r.interval {
		r.mu.Unlock()
		release()
		return
	}
	r.lastDispatch = now
	r.hasDispatched = true

	active := make([]application.FrameConsumer, 0, len(r.consumers))
	for _, c := range r.consumers {
		active = append(active, c)
	}
	r.mu.Unlock()

	for _, c := range active {
		c.Consume(ctx, frame)
	}
	release()
}
