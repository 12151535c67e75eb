package storage

import (
	"encoding/binary"
	"hash/crc32"

	"github.com/cockroachdb/errors"
	"google.golang.org/protobuf/encoding/protowire"
)

// Record frame format:
//   - CRC32 checksum (4 bytes, IEEE, covers the length field and the payload)
//   - Payload length (4 bytes)
//   - Payload (protowire fields, canonical order)
//
// Command payload fields:
//   - 1: kind (varint, 1 = set, 2 = remove)
//   - 2: key (bytes)
//   - 3: value (bytes, set only, may be empty)
//
// A frame is only accepted when every byte of it is present and the checksum
// matches, so a truncated tail never decodes as a shorter valid record.
const (
	frameHeaderSize = 8
	maxPayloadSize  = 64 << 20 // 64MB
)

type commandKind uint64

const (
	kindSet    commandKind = 1
	kindRemove commandKind = 2
)

const (
	fieldKind  protowire.Number = 1
	fieldKey   protowire.Number = 2
	fieldValue protowire.Number = 3
)

var errMalformedPayload = errors.New("malformed payload")

// encodeCommand serializes a command into its payload bytes.
func encodeCommand(cmd Command) []byte {
	switch c := cmd.(type) {
	case SetCommand:
		buf := make([]byte, 0, 8+len(c.Key)+len(c.Value))
		buf = protowire.AppendTag(buf, fieldKind, protowire.VarintType)
		buf = protowire.AppendVarint(buf, uint64(kindSet))
		buf = protowire.AppendTag(buf, fieldKey, protowire.BytesType)
		buf = protowire.AppendString(buf, c.Key)
		buf = protowire.AppendTag(buf, fieldValue, protowire.BytesType)
		buf = protowire.AppendString(buf, c.Value)
		return buf
	case RemoveCommand:
		buf := make([]byte, 0, 6+len(c.Key))
		buf = protowire.AppendTag(buf, fieldKind, protowire.VarintType)
		buf = protowire.AppendVarint(buf, uint64(kindRemove))
		buf = protowire.AppendTag(buf, fieldKey, protowire.BytesType)
		buf = protowire.AppendString(buf, c.Key)
		return buf
	default:
		panic("storage: unknown command type")
	}
}

// decodeCommand parses a payload produced by encodeCommand. Anything that would
// not re-encode to the same bytes is rejected.
func decodeCommand(b []byte) (Command, error) {
	kind, b, err := consumeVarintField(b, fieldKind)
	if err != nil {
		return nil, err
	}
	key, b, err := consumeBytesField(b, fieldKey)
	if err != nil {
		return nil, err
	}

	switch commandKind(kind) {
	case kindSet:
		value, rest, err := consumeBytesField(b, fieldValue)
		if err != nil {
			return nil, err
		}
		if len(rest) != 0 {
			return nil, errors.Wrap(errMalformedPayload, "trailing bytes after set")
		}
		return SetCommand{Key: string(key), Value: string(value)}, nil
	case kindRemove:
		if len(b) != 0 {
			return nil, errors.Wrap(errMalformedPayload, "trailing bytes after remove")
		}
		return RemoveCommand{Key: string(key)}, nil
	default:
		return nil, errors.Wrapf(errMalformedPayload, "unknown command kind %d", kind)
	}
}

func consumeTag(b []byte, want protowire.Number, wantType protowire.Type) ([]byte, error) {
	num, typ, n := protowire.ConsumeTag(b)
	if n < 0 {
		return nil, errors.Wrapf(protowire.ParseError(n), "field %d tag", want)
	}
	if num != want || typ != wantType || n != protowire.SizeTag(num) {
		return nil, errors.Wrapf(errMalformedPayload, "expected field %d, got %d", want, num)
	}
	return b[n:], nil
}

func consumeVarintField(b []byte, num protowire.Number) (uint64, []byte, error) {
	b, err := consumeTag(b, num, protowire.VarintType)
	if err != nil {
		return 0, nil, err
	}
	v, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return 0, nil, errors.Wrapf(protowire.ParseError(n), "field %d value", num)
	}
	if n != protowire.SizeVarint(v) {
		return 0, nil, errors.Wrapf(errMalformedPayload, "field %d: non-minimal varint", num)
	}
	return v, b[n:], nil
}

func consumeBytesField(b []byte, num protowire.Number) ([]byte, []byte, error) {
	b, err := consumeTag(b, num, protowire.BytesType)
	if err != nil {
		return nil, nil, err
	}
	v, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return nil, nil, errors.Wrapf(protowire.ParseError(n), "field %d value", num)
	}
	if n != protowire.SizeBytes(len(v)) {
		return nil, nil, errors.Wrapf(errMalformedPayload, "field %d: non-minimal length", num)
	}
	return v, b[n:], nil
}

// encodeFrame wraps a payload in a checksummed, length-prefixed frame.
func encodeFrame(payload []byte) ([]byte, error) {
	if len(payload) > maxPayloadSize {
		return nil, errors.Wrapf(ErrRecordTooLarge, "%d bytes exceeds %d", len(payload), maxPayloadSize)
	}

	frame := make([]byte, frameHeaderSize+len(payload))
	binary.LittleEndian.PutUint32(frame[4:8], uint32(len(payload)))
	copy(frame[frameHeaderSize:], payload)
	binary.LittleEndian.PutUint32(frame[0:4], frameChecksum(frame[4:8], payload))
	return frame, nil
}

// encodeCommandFrame is encodeFrame(encodeCommand(cmd)).
func encodeCommandFrame(cmd Command) ([]byte, error) {
	return encodeFrame(encodeCommand(cmd))
}

func frameChecksum(lengthField, payload []byte) uint32 {
	h := crc32.NewIEEE()
	h.Write(lengthField)
	h.Write(payload)
	return h.Sum32()
}

// parseFrameHeader splits a frame header into checksum and payload length.
func parseFrameHeader(header []byte) (uint32, uint32) {
	return binary.LittleEndian.Uint32(header[0:4]), binary.LittleEndian.Uint32(header[4:8])
}

// checkFrame verifies the checksum of a complete frame given its header and payload.
func checkFrame(header, payload []byte) bool {
	checksum, _ := parseFrameHeader(header)
	return frameChecksum(header[4:8], payload) == checksum
}
