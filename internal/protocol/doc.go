// Package protocol implements the TLV packets a remote capture agent sends:
// a format announcement followed by sequenced PCM audio, the last of which
// carries the end-of-stream flag.
package protocol
