// Package i420 implements the I420 converter (C4): it copies a RawFrame's
// three planes (whatever their row/pixel strides are) into a packed I420
// buffer whose row strides equal the plane widths, then crops-and-scales
// to the streaming resolution whenever the source dimensions differ from
// it, to bound the downstream WebRTC encoder's workload.
package i420

import (
	"fmt"
	"time"

	"cam2tv/internal/domain"
)

// TargetWidth/TargetHeight are the streaming resolution frames are scaled
// to before hitting the encoder.
const (
	TargetWidth  = 320
	TargetHeight = 240
)

// Converter is the I420 converter (C4).
type Converter struct{}

// New creates a Converter.
func New() *Converter { return &Converter{} }

// Convert produces an I420Frame from a RawFrame, cropping-and-scaling to
// (TargetWidth, TargetHeight) if the source differs. The source frame's
// buffers are not retained past this call.
func (c *Converter) Convert(frame *domain.RawFrame) (*domain.I420Frame, error) {
	if err := frame.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrFrameProcessingError, err)
	}

	packed := toPackedI420(frame)

	if frame.Width != TargetWidth || frame.Height != TargetHeight {
		packed = scaleI420(packed, frame.Width, frame.Height, TargetWidth, TargetHeight)
	}

	return &domain.I420Frame{
		Width:       packed.w,
		Height:      packed.h,
		Rotation:    0,
		TimestampNs: time.Now().UnixNano(),
		Y:           packed.y,
		U:           packed.u,
		V:           packed.v,
	}, nil
}

type packedI420 struct {
	w, h int
	y, u, v []byte
}

// toPackedI420 copies Y/U/V into buffers with row stride == plane width,
// using the same three-case strategy as the JPEG encoder: bulk copy for
// unpadded planar, per-row copy for padded planar, per-pixel copy for
// semi-planar/interleaved chroma.
func toPackedI420(frame *domain.RawFrame) packedI420 {
	w, h := frame.Width, frame.Height
	cw, ch := frame.ChromaWidth(), frame.ChromaHeight()

	y := make([]byte, w*h)
	copyPlane(y, frame.Y, w, h, 1)

	u := make([]byte, cw*ch)
	copyPlane(u, frame.U, cw, ch, 1)

	v := make([]byte, cw*ch)
	copyPlane(v, frame.V, cw, ch, 1)

	return packedI420{w: w, h: h, y: y, u: u, v: v}
}

// copyPlane copies one plane into a tightly packed dst of the given
// width/height at the requested destination pixel stride (1 for I420's
// planar output), choosing bulk/per-row/per-pixel based on the source's
// own strides.
func copyPlane(dst []byte, src domain.Plane, width, height, dstPixelStride int) {
	if src.PixelStride == 1 && src.RowStride == width && dstPixelStride == 1 {
		copy(dst, src.Data[:width*height])
		return
	}
	if src.PixelStride == 1 {
		for row := 0; row < height; row++ {
			srcOff := row * src.RowStride
			dstOff := row * width * dstPixelStride
			for col := 0; col < width; col++ {
				dst[dstOff+col*dstPixelStride] = src.Data[srcOff+col]
			}
		}
		return
	}
	for row := 0; row < height; row++ {
		for col := 0; col < width; col++ {
			si := row*src.RowStride + col*src.PixelStride
			di := row*width*dstPixelStride + col*dstPixelStride
			dst[di] = src.Data[si]
		}
	}
}

// scaleI420 performs a nearest-neighbor crop-and-scale of a packed I420
// buffer to the target dimensions. Nearest-neighbor is deliberate: this
// path exists to bound encoder CPU cost, not to maximize visual fidelity,
// and the downstream video codec will re-derive detail from motion
// estimation across frames regardless.
func scaleI420(src packedI420, srcW, srcH, dstW, dstH int) packedI420 {
	y := make([]byte, dstW*dstH)
	scalePlane(y, src.y, srcW, srcH, dstW, dstH)

	scw, sch := srcW/2, srcH/2
	dcw, dch := dstW/2, dstH/2
	u := make([]byte, dcw*dch)
	v := make([]byte, dcw*dch)
	scalePlane(u, src.u, scw, sch, dcw, dch)
	scalePlane(v, src.v, scw, sch, dcw, dch)

	return packedI420{w: dstW, h: dstH, y: y, u: u, v: v}
}

func scalePlane(dst, src []byte, srcW, srcH, dstW, dstH int) {
	for dy := 0; dy < dstH; dy++ {
		sy := dy * srcH / dstH
		for dx := 0; dx < dstW; dx++ {
			sx := dx * srcW / dstW
			dst[dy*dstW+dx] = src[sy*srcW+sx]
		}
	}
}
