// Package jpegenc implements the JPEG encoder (C3): it interleaves a
// RawFrame's U/V planes into an NV21-compatible buffer, respecting
// whatever row/pixel strides the source actually has, compresses it to
// JPEG, and scales down to fit within (320, 240) when the source is
// larger.
package jpegenc

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"

	"golang.org/x/image/draw"

	"cam2tv/internal/application"
	"cam2tv/internal/domain"
)

const (
	maxWidth  = 320
	maxHeight = 240

	// DefaultQuality is the JPEG quality used absent an override, chosen
	// to keep fallback frames in the 8-12KB range at 320x240.
	DefaultQuality = 45
)

// Encoder is the JPEG encoder (C3).
type Encoder struct {
	log     application.Logger
	quality int
}

// New creates an Encoder at the given quality (DefaultQuality if <= 0).
func New(log application.Logger, quality int) *Encoder {
	if quality <= 0 {
		quality = DefaultQuality
	}
	return &Encoder{log: log, quality: quality}
}

// Encode implements application.JPEGEncoder.
func (e *Encoder) Encode(frame *domain.RawFrame) (*domain.EncodedJpeg, error) {
	if err := frame.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrFrameProcessingError, err)
	}

	nv21 := interleaveNV21(frame)

	fitsAlready := frame.Width <= maxWidth && frame.Height <= maxHeight
	if fitsAlready {
		// Fast path: single encode at source dimensions, no intermediate
		// decode/scale round-trip.
		buf, err := encodeNV21ToJPEG(nv21, frame.Width, frame.Height, e.quality)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrFrameProcessingError, err)
		}
		return &domain.EncodedJpeg{Bytes: buf, Width: frame.Width, Height: frame.Height, Quality: e.quality}, nil
	}

	// Slow path: encode at source size, decode back, scale to fit, re-encode.
	intermediate, err := encodeNV21ToJPEG(nv21, frame.Width, frame.Height, e.quality)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrFrameProcessingError, err)
	}
	src, err := jpeg.Decode(bytes.NewReader(intermediate))
	if err != nil {
		return nil, fmt.Errorf("%w: decoding intermediate jpeg: %v", domain.ErrFrameProcessingError, err)
	}

	scale := minFloat(float64(maxWidth)/float64(frame.Width), float64(maxHeight)/float64(frame.Height))
	dstW := int(float64(frame.Width) * scale)
	dstH := int(float64(frame.Height) * scale)
	if dstW < 1 {
		dstW = 1
	}
	if dstH < 1 {
		dstH = 1
	}

	dst := image.NewRGBA(image.Rect(0, 0, dstW, dstH))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Over, nil)

	var out bytes.Buffer
	if err := jpeg.Encode(&out, dst, &jpeg.Options{Quality: e.quality}); err != nil {
		return nil, fmt.Errorf("%w: re-encoding scaled jpeg: %v", domain.ErrFrameProcessingError, err)
	}
	return &domain.EncodedJpeg{Bytes: out.Bytes(), Width: dstW, Height: dstH, Quality: e.quality}, nil
}

func minFloat(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

// interleaveNV21 produces an NV21 buffer (Y plane followed by interleaved
// V/U bytes) from a RawFrame, handling the three plane layouts camera
// drivers actually hand back: planar with no padding (bulk copy), planar
// with row padding (per-row copy), and semi-planar/interleaved chroma
// (per-pixel copy).
func interleaveNV21(frame *domain.RawFrame) []byte {
	w, h := frame.Width, frame.Height
	cw, ch := frame.ChromaWidth(), frame.ChromaHeight()

	out := make([]byte, w*h+2*cw*ch)
	copyYPlane(out[:w*h], frame.Y, w, h)

	chromaOut := out[w*h:]
	copyChromaInterleaved(chromaOut, frame.U, frame.V, cw, ch)
	return out
}

// copyYPlane copies the luma plane, choosing bulk copy when there is no
// row padding and a per-row copy otherwise.
func copyYPlane(dst []byte, y domain.Plane, w, h int) {
	if y.RowStride == w {
		// No padding: one bulk copy.
		copy(dst, y.Data[:w*h])
		return
	}
	for row := 0; row < h; row++ {
		srcOff := row * y.RowStride
		dstOff := row * w
		copy(dst[dstOff:dstOff+w], y.Data[srcOff:srcOff+w])
	}
}

// copyChromaInterleaved writes NV21's V,U,V,U... ordering from either a
// planar (pixel_stride=1) or semi-planar/interleaved (pixel_stride=2)
// source, copying per-pixel whenever the source is not tightly packed
// planar with row_stride == width.
func copyChromaInterleaved(dst []byte, u, v domain.Plane, cw, ch int) {
	if u.PixelStride == 1 && v.PixelStride == 1 && u.RowStride == cw && v.RowStride == cw {
		// Planar, no padding: bulk-interleave is still per-pixel because
		// NV21 interleaves two independent planar sources, but each row
		// is contiguous so the inner loop is a tight byte-for-byte scan.
		for row := 0; row < ch; row++ {
			rowOff := row * cw
			for col := 0; col < cw; col++ {
				di := (rowOff + col) * 2
				dst[di] = v.Data[rowOff+col]
				dst[di+1] = u.Data[rowOff+col]
			}
		}
		return
	}

	// Row-padded planar or semi-planar/interleaved: per-pixel copy using
	// each plane's own strides.
	for row := 0; row < ch; row++ {
		for col := 0; col < cw; col++ {
			ui := row*u.RowStride + col*u.PixelStride
			vi := row*v.RowStride + col*v.PixelStride
			di := (row*cw + col) * 2
			dst[di] = v.Data[vi]
			dst[di+1] = u.Data[ui]
		}
	}
}

// encodeNV21ToJPEG compresses an NV21 buffer to JPEG. A direct image.YCbCr
// view into the NV21 bytes isn't possible: NV21 interleaves V before U
// while image.YCbCr wants planar Cb/Cr, so the buffer is de-interleaved
// into a YCbCr image before handing it to the standard encoder.
func encodeNV21ToJPEG(nv21 []byte, w, h int, quality int) ([]byte, error) {
	img := nv21ToYCbCr(nv21, w, h)
	var out bytes.Buffer
	if err := jpeg.Encode(&out, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}

func nv21ToYCbCr(nv21 []byte, w, h int) *image.YCbCr {
	cw, ch := w/2, h/2
	img := &image.YCbCr{
		Y:              nv21[:w*h],
		Cb:             make([]byte, cw*ch),
		Cr:             make([]byte, cw*ch),
		YStride:        w,
		CStride:        cw,
		SubsampleRatio: image.YCbCrSubsampleRatio420,
		Rect:           image.Rect(0, 0, w, h),
	}
	chroma := nv21[w*h:]
	for i := 0; i < cw*ch; i++ {
		img.Cr[i] = chroma[i*2]
		img.Cb[i] = chroma[i*2+1]
	}
	return img
}
