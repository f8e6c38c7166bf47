// Package audio handles sample buffering and stream format description.
// It implements the bounded drop-oldest ring buffer that a capture session
// accumulates into, native mix format mapping, and WAV encoding for
// forwarding audio windows to a prediction service.
package audio
