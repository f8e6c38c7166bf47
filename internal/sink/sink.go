package sink

import (
	"errors"

	"github.com/lissahyacinth/audia/internal/sample"
)

// ErrClosed is returned by Write or Close on a sink that was already closed
var ErrClosed = errors.New("sink: already closed")

// Sink consumes snapshots of a capture buffer.
//
// view holds every retained sample, oldest first, and is only valid for the
// duration of the call. frames is the number of frames that arrived with the
// packet that triggered the write, so the newest frames*channels samples of
// view are new since the previous Write.
type Sink[T sample.Sample] interface {
	Write(view []T, frames int) error
	Close() error
}
