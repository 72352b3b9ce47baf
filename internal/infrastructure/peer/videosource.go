package peer

import (
	"image"
	"io"

	"github.com/pion/mediadevices/pkg/io/video"

	"cam2tv/internal/domain"
)

// frameFeed adapts InjectFrame's push model into the pull-based
// video.Reader the mediadevices codec encoders expect, keeping only the
// latest frame, mirroring the frame router's keep-latest backpressure
// policy so a slow encoder never backs up the injection path.
type frameFeed struct {
	frames chan *domain.I420Frame
	closed chan struct{}
}

func newFrameFeed() *frameFeed {
	return &frameFeed{
		frames: make(chan *domain.I420Frame, 1),
		closed: make(chan struct{}),
	}
}

func (f *frameFeed) push(frame *domain.I420Frame) {
	select {
	case f.frames <- frame:
		return
	default:
	}
	// Buffer full: drop the stale frame, keep only latest.
	select {
	case <-f.frames:
	default:
	}
	select {
	case f.frames <- frame:
	default:
	}
}

// close unblocks a pending reader that has no frame waiting, so the
// encode loop's Read call returns instead of hanging past Session.Close.
func (f *frameFeed) close() {
	close(f.closed)
}

// reader returns the video.Reader the encoder pulls from.
func (f *frameFeed) reader() video.Reader {
	return video.ReaderFunc(func() (image.Image, func(), error) {
		select {
		case frame := <-f.frames:
			return i420ToImage(frame), nil, nil
		case <-f.closed:
			return nil, nil, io.EOF
		}
	})
}

func i420ToImage(f *domain.I420Frame) image.Image {
	return &image.YCbCr{
		Y:              f.Y,
		Cb:             f.U,
		Cr:             f.V,
		YStride:        f.Width,
		CStride:        f.Width / 2,
		SubsampleRatio: image.YCbCrSubsampleRatio420,
		Rect:           image.Rect(0, 0, f.Width, f.Height),
	}
}
