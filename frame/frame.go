// Package frame implements the bluedrop transfer wire format: a fixed
// 12-byte little-endian header followed by a type-specific payload.
// One GATT write carries exactly one frame.
//
// Header layout:
//
//	magic          2 B  'B','D'
//	version        1 B  currently 1
//	type           1 B  METADATA=0, DATA=1, END=2
//	sequenceNumber 4 B  0 for METADATA, 1..N for DATA, N+1 for END
//	payloadLength  4 B  length of the payload that follows
//
// Payloads: METADATA = fileNameLength(2B) + fileName + totalBytes(8B) +
// checksum(4B); DATA = raw chunk bytes; END = checksum(4B). The checksum
// is CRC-32 (IEEE) over the whole file content.
package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
)

const (
	HeaderSize = 12
	MagicByte0 = 'B'
	MagicByte1 = 'D'
	Version    = 1

	// DefaultChunkSize is used when the link does not report an MTU.
	DefaultChunkSize = 512

	// MaxFileNameLen bounds the METADATA file name in bytes of UTF-8.
	MaxFileNameLen = 255

	// metadataOverhead is the fixed portion of a METADATA payload:
	// name length field + totalBytes + checksum.
	metadataOverhead = 2 + 8 + 4

	endPayloadSize = 4
)

// Type identifies what a frame carries.
type Type byte

const (
	TypeMetadata Type = 0
	TypeData     Type = 1
	TypeEnd      Type = 2
)

func (t Type) String() string {
	switch t {
	case TypeMetadata:
		return "METADATA"
	case TypeData:
		return "DATA"
	case TypeEnd:
		return "END"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", byte(t))
	}
}

var (
	ErrMalformedFrame     = errors.New("malformed frame")
	ErrUnsupportedVersion = errors.New("unsupported frame version")
)

// Frame is one decoded unit of the transfer protocol. Frames are
// ephemeral: constructed, sent or handled, then discarded.
type Frame struct {
	Type           Type
	SequenceNumber uint32
	Payload        []byte
}

// Metadata is the decoded payload of a METADATA frame.
type Metadata struct {
	FileName   string
	TotalBytes uint64
	Checksum   uint32
}

// Codec encodes and decodes frames for one link. MaxPayload bounds the
// payload length accepted by Decode so a corrupted or hostile length
// field can never force a large allocation.
type Codec struct {
	MaxPayload int
}

// NewCodec returns a Codec sized for the link's negotiated chunk size.
// The bound is raised to fit the largest legal METADATA payload so a
// small-MTU link can still accept the opening frame.
func NewCodec(chunkSize int) Codec {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	max := chunkSize
	if min := metadataOverhead + MaxFileNameLen; max < min {
		max = min
	}
	return Codec{MaxPayload: max}
}

func putHeader(buf []byte, t Type, seq uint32, payloadLen int) {
	buf[0] = MagicByte0
	buf[1] = MagicByte1
	buf[2] = Version
	buf[3] = byte(t)
	binary.LittleEndian.PutUint32(buf[4:8], seq)
	binary.LittleEndian.PutUint32(buf[8:12], uint32(payloadLen))
}

// EncodeMetadata builds the opening frame of a transfer (sequence 0).
func (c Codec) EncodeMetadata(fileName string, totalBytes uint64, checksum uint32) ([]byte, error) {
	if fileName == "" {
		return nil, fmt.Errorf("frame: empty file name")
	}
	if len(fileName) > MaxFileNameLen {
		return nil, fmt.Errorf("frame: file name too long: %d bytes (max %d)", len(fileName), MaxFileNameLen)
	}

	payloadLen := metadataOverhead + len(fileName)
	buf := make([]byte, HeaderSize+payloadLen)
	putHeader(buf, TypeMetadata, 0, payloadLen)

	p := buf[HeaderSize:]
	binary.LittleEndian.PutUint16(p[0:2], uint16(len(fileName)))
	copy(p[2:], fileName)
	binary.LittleEndian.PutUint64(p[2+len(fileName):], totalBytes)
	binary.LittleEndian.PutUint32(p[2+len(fileName)+8:], checksum)

	return buf, nil
}

// EncodeData builds one chunk frame. Sequence numbers for DATA start at
// 1; 0 is reserved for METADATA.
func (c Codec) EncodeData(seq uint32, chunk []byte) ([]byte, error) {
	if seq == 0 {
		return nil, fmt.Errorf("frame: data sequence number must be >= 1")
	}
	if len(chunk) > c.MaxPayload {
		return nil, fmt.Errorf("frame: chunk of %d bytes exceeds max payload %d", len(chunk), c.MaxPayload)
	}

	buf := make([]byte, HeaderSize+len(chunk))
	putHeader(buf, TypeData, seq, len(chunk))
	copy(buf[HeaderSize:], chunk)
	return buf, nil
}

// EncodeEnd builds the terminal frame carrying the job checksum for
// end-to-end verification.
func (c Codec) EncodeEnd(seq uint32, checksum uint32) []byte {
	buf := make([]byte, HeaderSize+endPayloadSize)
	putHeader(buf, TypeEnd, seq, endPayloadSize)
	binary.LittleEndian.PutUint32(buf[HeaderSize:], checksum)
	return buf
}

// Decode parses one frame from buf. The declared payload length must
// match the bytes actually present (one write = one frame) and stay
// within MaxPayload; anything else is a malformed frame.
func (c Codec) Decode(buf []byte) (Frame, error) {
	if len(buf) < HeaderSize {
		return Frame{}, fmt.Errorf("frame: buffer too short for header: %d bytes: %w", len(buf), ErrMalformedFrame)
	}
	if buf[0] != MagicByte0 || buf[1] != MagicByte1 {
		return Frame{}, fmt.Errorf("frame: bad magic %02X %02X: %w", buf[0], buf[1], ErrMalformedFrame)
	}
	if buf[2] != Version {
		return Frame{}, fmt.Errorf("frame: version %d: %w", buf[2], ErrUnsupportedVersion)
	}

	t := Type(buf[3])
	if t != TypeMetadata && t != TypeData && t != TypeEnd {
		return Frame{}, fmt.Errorf("frame: unknown type %d: %w", buf[3], ErrMalformedFrame)
	}

	seq := binary.LittleEndian.Uint32(buf[4:8])
	payloadLen := binary.LittleEndian.Uint32(buf[8:12])

	// Bound before trusting the declared length.
	max := c.MaxPayload
	if max <= 0 {
		max = DefaultChunkSize
	}
	if payloadLen > uint32(max) {
		return Frame{}, fmt.Errorf("frame: declared payload %d exceeds max %d: %w", payloadLen, max, ErrMalformedFrame)
	}
	if int(payloadLen) != len(buf)-HeaderSize {
		return Frame{}, fmt.Errorf("frame: declared payload %d, have %d bytes: %w", payloadLen, len(buf)-HeaderSize, ErrMalformedFrame)
	}

	f := Frame{Type: t, SequenceNumber: seq}
	if payloadLen > 0 {
		f.Payload = make([]byte, payloadLen)
		copy(f.Payload, buf[HeaderSize:])
	}

	switch t {
	case TypeMetadata:
		if seq != 0 {
			return Frame{}, fmt.Errorf("frame: metadata with sequence %d: %w", seq, ErrMalformedFrame)
		}
		if _, err := f.Metadata(); err != nil {
			return Frame{}, err
		}
	case TypeData:
		if seq == 0 {
			return Frame{}, fmt.Errorf("frame: data with sequence 0: %w", ErrMalformedFrame)
		}
	case TypeEnd:
		if payloadLen != endPayloadSize {
			return Frame{}, fmt.Errorf("frame: end payload %d bytes, want %d: %w", payloadLen, endPayloadSize, ErrMalformedFrame)
		}
	}

	return f, nil
}

// Metadata decodes the payload of a METADATA frame.
func (f Frame) Metadata() (Metadata, error) {
	if f.Type != TypeMetadata {
		return Metadata{}, fmt.Errorf("frame: %s frame has no metadata: %w", f.Type, ErrMalformedFrame)
	}
	if len(f.Payload) < metadataOverhead {
		return Metadata{}, fmt.Errorf("frame: metadata payload too short: %d bytes: %w", len(f.Payload), ErrMalformedFrame)
	}

	nameLen := int(binary.LittleEndian.Uint16(f.Payload[0:2]))
	if nameLen == 0 || nameLen > MaxFileNameLen {
		return Metadata{}, fmt.Errorf("frame: metadata name length %d: %w", nameLen, ErrMalformedFrame)
	}
	if len(f.Payload) != metadataOverhead+nameLen {
		return Metadata{}, fmt.Errorf("frame: metadata payload %d bytes, want %d: %w", len(f.Payload), metadataOverhead+nameLen, ErrMalformedFrame)
	}

	return Metadata{
		FileName:   string(f.Payload[2 : 2+nameLen]),
		TotalBytes: binary.LittleEndian.Uint64(f.Payload[2+nameLen : 2+nameLen+8]),
		Checksum:   binary.LittleEndian.Uint32(f.Payload[2+nameLen+8:]),
	}, nil
}

// EndChecksum decodes the checksum carried by an END frame.
func (f Frame) EndChecksum() (uint32, error) {
	if f.Type != TypeEnd {
		return 0, fmt.Errorf("frame: %s frame has no end checksum: %w", f.Type, ErrMalformedFrame)
	}
	if len(f.Payload) != endPayloadSize {
		return 0, fmt.Errorf("frame: end payload %d bytes, want %d: %w", len(f.Payload), endPayloadSize, ErrMalformedFrame)
	}
	return binary.LittleEndian.Uint32(f.Payload), nil
}

// Checksum streams r through a CRC-32 (IEEE) accumulator using a fixed
// buffer, returning the checksum and the byte count. Memory use stays
// O(buffer), never O(file).
func Checksum(r io.Reader) (uint32, uint64, error) {
	h := crc32.NewIEEE()
	buf := make([]byte, 32*1024)
	n, err := io.CopyBuffer(h, r, buf)
	if err != nil {
		return 0, 0, fmt.Errorf("frame: checksum read: %w", err)
	}
	return h.Sum32(), uint64(n), nil
}

// ChecksumBytes computes the CRC-32 (IEEE) of an in-memory payload.
func ChecksumBytes(data []byte) uint32 {
	return crc32.ChecksumIEEE(data)
}

// ChunkCount returns ceil(totalBytes / chunkSize), the number of DATA
// frames a file of the given size produces.
func ChunkCount(totalBytes uint64, chunkSize int) uint32 {
	if chunkSize <= 0 || totalBytes == 0 {
		return 0
	}
	c := uint64(chunkSize)
	return uint32((totalBytes + c - 1) / c)
}
