package protocol

import (
	"encoding/binary"
	"fmt"

	"github.com/lissahyacinth/audia/internal/sample"
)

// Protocol constants
const (
	// Packet types
	PacketTypeFormat = 0x01
	PacketTypeAudio  = 0x02

	// Header flags
	FlagEndOfStream = 0x01 // Last packet of the stream (audio only)
	knownFlags      = FlagEndOfStream

	// Packet structure sizes
	HeaderSize             = 8  // 1 + 2 + 4 + 1 bytes
	FormatPayloadSize      = 74 // 1 + 1 + 4 + 4 + 64 bytes
	AudioPayloadHeaderSize = 4  // Sequence number (4 bytes)

	DeviceNameSize = 64

	// MaxPacketSize is the largest packet the 16-bit length field allows
	MaxPacketSize = 0xFFFF
)

// Header represents the 8-byte TLV packet header
// Layout: [PacketType:1][PacketLen:2][StreamID:4][Flags:1]
type Header struct {
	PacketType uint8  // 0x01=Format, 0x02=Audio
	PacketLen  uint16 // Total packet size (header + payload)
	StreamID   uint32 // Capture stream identifier
	Flags      uint8
}

// EndOfStream reports whether the end-of-stream flag is set
func (h *Header) EndOfStream() bool {
	return h.Flags&FlagEndOfStream != 0
}

// FormatPayload announces the stream format before any audio
// Layout: [SampleFormat:1][Channels:1][SampleRate:4][BufferFrames:4][DeviceName:64]
type FormatPayload struct {
	SampleFormat sample.Format
	Channels     uint8
	SampleRate   uint32
	BufferFrames uint32               // Capture buffer size on the agent
	DeviceName   [DeviceNameSize]byte // Null-terminated string (64 bytes)
}

// AudioPayload represents the audio packet payload
// Layout: [Sequence:4][PCM:N], PCM little-endian interleaved
type AudioPayload struct {
	Sequence uint32
	PCM      []byte
}

// ParsedPacket represents a fully parsed TLV packet
type ParsedPacket struct {
	Header *Header
	Format *FormatPayload // Only set for format packets
	Audio  *AudioPayload  // Only set for audio packets
}

// ParseHeader parses the 8-byte TLV packet header
func ParseHeader(data []byte) (*Header, error) {
	if len(data) < HeaderSize {
		return nil, fmt.Errorf("header too short: expected %d bytes, got %d", HeaderSize, len(data))
	}

	return &Header{
		PacketType: data[0],
		PacketLen:  binary.BigEndian.Uint16(data[1:3]),
		StreamID:   binary.BigEndian.Uint32(data[3:7]),
		Flags:      data[7],
	}, nil
}

// ParseFormatPayload parses the 74-byte format payload
func ParseFormatPayload(data []byte) (*FormatPayload, error) {
	if len(data) < FormatPayloadSize {
		return nil, fmt.Errorf("format payload too short: expected %d bytes, got %d",
			FormatPayloadSize, len(data))
	}

	payload := &FormatPayload{
		SampleFormat: sample.Format(data[0]),
		Channels:     data[1],
		SampleRate:   binary.BigEndian.Uint32(data[2:6]),
		BufferFrames: binary.BigEndian.Uint32(data[6:10]),
	}
	copy(payload.DeviceName[:], data[10:10+DeviceNameSize])

	if !payload.SampleFormat.Valid() {
		return nil, fmt.Errorf("unknown sample format: 0x%02x", data[0])
	}
	if payload.Channels == 0 {
		return nil, fmt.Errorf("channel count cannot be zero")
	}
	if payload.SampleRate == 0 {
		return nil, fmt.Errorf("sample rate cannot be zero")
	}
	return payload, nil
}

// ParseAudioPayload parses the audio packet payload (4-byte sequence + PCM)
func ParseAudioPayload(data []byte) (*AudioPayload, error) {
	if len(data) < AudioPayloadHeaderSize {
		return nil, fmt.Errorf("audio payload too short: expected at least %d bytes, got %d",
			AudioPayloadHeaderSize, len(data))
	}

	payload := &AudioPayload{
		Sequence: binary.BigEndian.Uint32(data[0:4]),
	}
	if len(data) > AudioPayloadHeaderSize {
		payload.PCM = make([]byte, len(data)-AudioPayloadHeaderSize)
		copy(payload.PCM, data[AudioPayloadHeaderSize:])
	}
	return payload, nil
}

// ParsePacket parses a complete TLV packet (header + payload)
func ParsePacket(data []byte) (*ParsedPacket, error) {
	header, err := ParseHeader(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse header: %w", err)
	}

	if int(header.PacketLen) != len(data) {
		return nil, fmt.Errorf("packet length mismatch: header says %d bytes, got %d bytes",
			header.PacketLen, len(data))
	}

	if err := ValidateHeader(header); err != nil {
		return nil, fmt.Errorf("invalid header: %w", err)
	}

	packet := &ParsedPacket{Header: header}
	payloadData := data[HeaderSize:]

	switch header.PacketType {
	case PacketTypeFormat:
		payload, err := ParseFormatPayload(payloadData)
		if err != nil {
			return nil, fmt.Errorf("failed to parse format payload: %w", err)
		}
		packet.Format = payload

	case PacketTypeAudio:
		payload, err := ParseAudioPayload(payloadData)
		if err != nil {
			return nil, fmt.Errorf("failed to parse audio payload: %w", err)
		}
		packet.Audio = payload
	}

	return packet, nil
}

// ValidateHeader validates the packet header fields
func ValidateHeader(header *Header) error {
	if !IsValidPacketType(header.PacketType) {
		return fmt.Errorf("invalid packet type: 0x%02x", header.PacketType)
	}

	if header.Flags&^knownFlags != 0 {
		return fmt.Errorf("unknown flags: 0x%02x", header.Flags)
	}
	if header.PacketType == PacketTypeFormat && header.EndOfStream() {
		return fmt.Errorf("end-of-stream flag on format packet")
	}

	if header.PacketLen < HeaderSize {
		return fmt.Errorf("packet length too small: %d (minimum %d)", header.PacketLen, HeaderSize)
	}

	payloadSize := int(header.PacketLen) - HeaderSize
	switch header.PacketType {
	case PacketTypeFormat:
		if payloadSize != FormatPayloadSize {
			return fmt.Errorf("format packet payload size mismatch: expected %d, got %d",
				FormatPayloadSize, payloadSize)
		}
	case PacketTypeAudio:
		if payloadSize < AudioPayloadHeaderSize {
			return fmt.Errorf("audio packet payload too small: expected at least %d, got %d",
				AudioPayloadHeaderSize, payloadSize)
		}
	}

	return nil
}

// IsValidPacketType checks if the packet type is valid
func IsValidPacketType(ptype uint8) bool {
	return ptype == PacketTypeFormat || ptype == PacketTypeAudio
}

// NewFormatPayload fills a format payload, truncating long device names
func NewFormatPayload(f sample.Format, channels, sampleRate, bufferFrames int, deviceName string) FormatPayload {
	p := FormatPayload{
		SampleFormat: f,
		Channels:     uint8(channels),
		SampleRate:   uint32(sampleRate),
		BufferFrames: uint32(bufferFrames),
	}
	// Keep the last byte as terminator
	copy(p.DeviceName[:DeviceNameSize-1], deviceName)
	return p
}

// BuildFormatPacket encodes a format announcement
func BuildFormatPacket(streamID uint32, p FormatPayload) []byte {
	buf := make([]byte, HeaderSize+FormatPayloadSize)
	putHeader(buf, PacketTypeFormat, streamID, 0)

	payload := buf[HeaderSize:]
	payload[0] = byte(p.SampleFormat)
	payload[1] = p.Channels
	binary.BigEndian.PutUint32(payload[2:6], p.SampleRate)
	binary.BigEndian.PutUint32(payload[6:10], p.BufferFrames)
	copy(payload[10:], p.DeviceName[:])
	return buf
}

// BuildAudioPacket encodes one burst of PCM. It fails when the packet would
// not fit the 16-bit length field.
func BuildAudioPacket(streamID, seq uint32, pcm []byte, endOfStream bool) ([]byte, error) {
	size := HeaderSize + AudioPayloadHeaderSize + len(pcm)
	if size > MaxPacketSize {
		return nil, fmt.Errorf("audio packet too large: %d bytes (maximum %d)", size, MaxPacketSize)
	}

	var flags uint8
	if endOfStream {
		flags |= FlagEndOfStream
	}

	buf := make([]byte, size)
	putHeader(buf, PacketTypeAudio, streamID, flags)
	binary.BigEndian.PutUint32(buf[HeaderSize:], seq)
	copy(buf[HeaderSize+AudioPayloadHeaderSize:], pcm)
	return buf, nil
}

func putHeader(buf []byte, ptype uint8, streamID uint32, flags uint8) {
	buf[0] = ptype
	binary.BigEndian.PutUint16(buf[1:3], uint16(len(buf)))
	binary.BigEndian.PutUint32(buf[3:7], streamID)
	buf[7] = flags
}

// ExtractString extracts a null-terminated string from a fixed-size byte array
func ExtractString(buf []byte) string {
	for i, b := range buf {
		if b == 0 {
			return string(buf[:i])
		}
	}
	return string(buf)
}

// GetDeviceName extracts the device name as a string
func (f *FormatPayload) GetDeviceName() string {
	return ExtractString(f.DeviceName[:])
}

// String returns a human-readable representation of the header
func (h *Header) String() string {
	var packetType string
	switch h.PacketType {
	case PacketTypeFormat:
		packetType = "Format"
	case PacketTypeAudio:
		packetType = "Audio"
	default:
		packetType = fmt.Sprintf("Unknown(0x%02x)", h.PacketType)
	}

	return fmt.Sprintf("Header{Type:%s, Len:%d, StreamID:%d, EOS:%t}",
		packetType, h.PacketLen, h.StreamID, h.EndOfStream())
}

// String returns a human-readable representation of the format payload
func (f *FormatPayload) String() string {
	return fmt.Sprintf("FormatPayload{Format:%s, Channels:%d, SampleRate:%d, BufferFrames:%d, Device:%q}",
		f.SampleFormat, f.Channels, f.SampleRate, f.BufferFrames, f.GetDeviceName())
}

// String returns a human-readable representation of the audio payload
func (a *AudioPayload) String() string {
	return fmt.Sprintf("AudioPayload{Sequence:%d, PCMLen:%d}", a.Sequence, len(a.PCM))
}
