// Package sink provides the consumers a capture session hands buffered audio
// to: a WAV file writer, a forwarding sink that calls a prediction service,
// a fan-out, a converting adapter, and an archiving wrapper that uploads
// finished recordings to object storage.
package sink
