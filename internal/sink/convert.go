package sink

import (
	"fmt"

	"github.com/lissahyacinth/audia/internal/audio"
	"github.com/lissahyacinth/audia/internal/sample"
)

// Converter feeds a sink that wants a different representation. It keeps a
// mirror ring buffer in the target representation and converts only the new
// frames of each snapshot, so the wrapped sink sees the same rolling window
// the capture buffer holds.
type Converter[From, To sample.Sample] struct {
	next     Sink[To]
	channels int
	mirror   *audio.RingBuffer[To]
	conv     func(From) To
	scratch  []To
}

// NewConverter wraps next. capacity should match the capture buffer so the
// windows line up.
func NewConverter[From, To sample.Sample](next Sink[To], channels, capacity int) (*Converter[From, To], error) {
	if channels <= 0 {
		return nil, fmt.Errorf("channels must be positive (got %d)", channels)
	}
	mirror, err := audio.NewRingBuffer[To](capacity)
	if err != nil {
		return nil, err
	}
	return &Converter[From, To]{
		next:     next,
		channels: channels,
		mirror:   mirror,
		conv:     sample.Converter[To, From](),
	}, nil
}

func (c *Converter[From, To]) Write(view []From, frames int) error {
	n := min(frames*c.channels, len(view))
	fresh := view[len(view)-n:]

	if cap(c.scratch) < n {
		c.scratch = make([]To, n)
	}
	out := c.scratch[:n]
	for i, v := range fresh {
		out[i] = c.conv(v)
	}
	c.mirror.Extend(out)

	return c.next.Write(c.mirror.View(), frames)
}

func (c *Converter[From, To]) Close() error {
	return c.next.Close()
}
