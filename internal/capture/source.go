package capture

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/lissahyacinth/audia/internal/audio"
)

var (
	// ErrNoData means the source has nothing to hand out right now. It is
	// not a failure; the loop stops draining until the next wake-up.
	ErrNoData = errors.New("capture: no data available")

	// ErrDeviceInvalidated means the device went away. It ends the session.
	ErrDeviceInvalidated = errors.New("capture: device invalidated")

	// ErrEndOfStream is returned by finite sources once fully drained
	ErrEndOfStream = errors.New("capture: end of stream")

	// ErrNotActivated is returned when a source is used before Activate
	ErrNotActivated = errors.New("capture: source not activated")
)

// DeviceError records a fatal source failure and the operation that hit it
type DeviceError struct {
	Op  string
	Err error
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("capture device %s: %v", e.Op, e.Err)
}

func (e *DeviceError) Unwrap() error {
	return e.Err
}

// Packet is one burst of frames handed out by a source. Data is only valid
// until the matching Release.
type Packet struct {
	Data   []byte
	Frames int
}

// Source is a capture endpoint that hands out bursts of interleaved frames
// through an acquire/release protocol.
type Source interface {
	// Activate opens the endpoint and negotiates its native format
	Activate(ctx context.Context) error
	// Name is a human-readable device description
	Name() string
	NativeFormat() audio.StreamFormat
	// BufferFrames is the size of the hardware buffer in frames
	BufferFrames() int
	Start() error
	Stop() error
	// PendingFrames reports the frames in the next packet, or 0 if none
	PendingFrames() (int, error)
	// Acquire returns the next packet or ErrNoData
	Acquire() (Packet, error)
	// Release returns a packet's storage to the source
	Release(frames int) error
	Close() error
}

// BufferDuration returns the hardware buffer period of an activated source
func BufferDuration(s Source) time.Duration {
	return s.NativeFormat().FrameDuration(s.BufferFrames())
}
