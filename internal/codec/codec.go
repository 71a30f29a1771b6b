// Package codec implements the framed on-disk record format.
package codec

import (
	"encoding/binary"
	"hash/crc32"
	"io"
	"math"

	json "github.com/goccy/go-json"

	"github.com/coachpo/simplebus/core/schema"
	"github.com/coachpo/simplebus/errs"
)

// Wire format, little-endian integers:
//
//	MAGIC       u32
//	VERSION     u16
//	FLAGS       u16
//	RECORD_LEN  u32   bytes that follow, up to and including CRC
//	EVENT_ID    [16]
//	TS_NANOS    i64
//	TOPIC_LEN   u16   TOPIC [TOPIC_LEN]
//	PAYLOAD_LEN u32   PAYLOAD [PAYLOAD_LEN]
//	HEADERS_LEN u32   HEADERS [HEADERS_LEN]   json object, zero-length permitted
//	CRC32       u32   IEEE, over EVENT_ID through end of HEADERS
//
// MAGIC and VERSION are part of the wire contract and cannot change without a
// version bump.
const (
	Magic   uint32 = 0x53425553
	Version uint16 = 1

	// HeaderSize is the fixed prefix before the record body.
	HeaderSize = 4 + 2 + 2 + 4
	// fixedBodySize is the body size of a record with empty topic, payload,
	// and headers: event id, timestamp, three length fields, and the CRC.
	fixedBodySize = 16 + 8 + 2 + 4 + 4 + 4
)

// Limits bounds the variable-length fields during encode and decode.
type Limits struct {
	MaxPayloadBytes   int
	MaxTopicNameBytes int
}

// maxHeadersBytes caps the serialized headers mapping. Headers share the
// payload cap rather than carrying a limit of their own.
func (l Limits) maxHeadersBytes() int {
	return l.MaxPayloadBytes
}

// maxRecordLen is the largest RECORD_LEN decode will accept under l.
func (l Limits) maxRecordLen() int {
	return fixedBodySize + l.MaxTopicNameBytes + l.MaxPayloadBytes + l.maxHeadersBytes()
}

// EncodedSize returns the full frame size for the given field lengths.
func EncodedSize(topicLen, payloadLen, headersLen int) int {
	return HeaderSize + fixedBodySize + topicLen + payloadLen + headersLen
}

// Encode frames the event. It fails with LimitExceeded when any length field
// would overflow its wire type or the configured caps.
func Encode(evt *schema.Event, limits Limits) ([]byte, error) {
	if len(evt.Topic) > limits.MaxTopicNameBytes || len(evt.Topic) > math.MaxUint16 {
		return nil, errs.New("codec/encode", errs.CodeLimitExceeded,
			errs.WithField("topic"), errs.WithTopic(evt.Topic))
	}
	if len(evt.Payload) > limits.MaxPayloadBytes {
		return nil, errs.New("codec/encode", errs.CodeLimitExceeded,
			errs.WithField("payload"), errs.WithTopic(evt.Topic))
	}

	var headers []byte
	if len(evt.Headers) > 0 {
		encoded, err := json.Marshal(evt.Headers)
		if err != nil {
			return nil, errs.New("codec/encode", errs.CodeLimitExceeded,
				errs.WithField("headers"), errs.WithTopic(evt.Topic), errs.WithCause(err))
		}
		headers = encoded
	}
	if len(headers) > limits.maxHeadersBytes() {
		return nil, errs.New("codec/encode", errs.CodeLimitExceeded,
			errs.WithField("headers"), errs.WithTopic(evt.Topic))
	}

	recordLen := fixedBodySize + len(evt.Topic) + len(evt.Payload) + len(headers)
	buf := make([]byte, HeaderSize+recordLen)

	binary.LittleEndian.PutUint32(buf[0:], Magic)
	binary.LittleEndian.PutUint16(buf[4:], Version)
	binary.LittleEndian.PutUint16(buf[6:], 0) // flags, reserved
	binary.LittleEndian.PutUint32(buf[8:], uint32(recordLen))

	body := buf[HeaderSize:]
	copy(body[0:16], evt.ID[:])
	binary.LittleEndian.PutUint64(body[16:], uint64(evt.TSUnixNanos))
	binary.LittleEndian.PutUint16(body[24:], uint16(len(evt.Topic)))
	off := 26
	off += copy(body[off:], evt.Topic)
	binary.LittleEndian.PutUint32(body[off:], uint32(len(evt.Payload)))
	off += 4
	off += copy(body[off:], evt.Payload)
	binary.LittleEndian.PutUint32(body[off:], uint32(len(headers)))
	off += 4
	off += copy(body[off:], headers)

	crc := crc32.ChecksumIEEE(body[:off])
	binary.LittleEndian.PutUint32(body[off:], crc)

	return buf, nil
}

// DecodeFrom reads and validates exactly one record from r. The offset names
// the record's position within its segment for error reporting. It returns
// the decoded event and the number of bytes consumed.
//
// io.EOF is returned untouched when the reader is exhausted before the first
// header byte; a partial header or body surfaces TruncatedTail; any other
// mismatch surfaces CorruptRecord.
func DecodeFrom(r io.Reader, offset int64, limits Limits) (*schema.Event, int64, error) {
	var header [HeaderSize]byte
	n, err := io.ReadFull(r, header[:])
	if err == io.EOF {
		return nil, 0, io.EOF
	}
	if err != nil {
		return nil, int64(n), errs.New("codec/decode", errs.CodeTruncatedTail,
			errs.WithOffset(offset), errs.WithMessage("incomplete record header"), errs.WithCause(err))
	}

	if magic := binary.LittleEndian.Uint32(header[0:]); magic != Magic {
		return nil, int64(n), errs.New("codec/decode", errs.CodeCorruptRecord,
			errs.WithOffset(offset), errs.WithMessage("bad magic"))
	}
	if version := binary.LittleEndian.Uint16(header[4:]); version != Version {
		return nil, int64(n), errs.New("codec/decode", errs.CodeCorruptRecord,
			errs.WithOffset(offset), errs.WithMessage("unrecognized record version"))
	}
	recordLen := int(binary.LittleEndian.Uint32(header[8:]))
	if recordLen < fixedBodySize || recordLen > limits.maxRecordLen() {
		return nil, int64(n), errs.New("codec/decode", errs.CodeCorruptRecord,
			errs.WithOffset(offset), errs.WithMessage("implausible record length"))
	}

	body := make([]byte, recordLen)
	m, err := io.ReadFull(r, body)
	consumed := int64(n + m)
	if err != nil {
		return nil, consumed, errs.New("codec/decode", errs.CodeTruncatedTail,
			errs.WithOffset(offset), errs.WithMessage("incomplete record body"), errs.WithCause(err))
	}

	crcWant := binary.LittleEndian.Uint32(body[recordLen-4:])
	if crcGot := crc32.ChecksumIEEE(body[:recordLen-4]); crcGot != crcWant {
		return nil, consumed, errs.New("codec/decode", errs.CodeCorruptRecord,
			errs.WithOffset(offset), errs.WithMessage("crc mismatch"))
	}

	evt := new(schema.Event)
	copy(evt.ID[:], body[0:16])
	evt.TSUnixNanos = int64(binary.LittleEndian.Uint64(body[16:]))

	topicLen := int(binary.LittleEndian.Uint16(body[24:]))
	cursor := 26
	if cursor+topicLen+4 > recordLen {
		return nil, consumed, errs.New("codec/decode", errs.CodeCorruptRecord,
			errs.WithOffset(offset), errs.WithMessage("topic length out of bounds"))
	}
	evt.Topic = string(body[cursor : cursor+topicLen])
	cursor += topicLen

	payloadLen := int(binary.LittleEndian.Uint32(body[cursor:]))
	cursor += 4
	if cursor+payloadLen+4 > recordLen {
		return nil, consumed, errs.New("codec/decode", errs.CodeCorruptRecord,
			errs.WithOffset(offset), errs.WithMessage("payload length out of bounds"))
	}
	evt.Payload = append([]byte(nil), body[cursor:cursor+payloadLen]...)
	cursor += payloadLen

	headersLen := int(binary.LittleEndian.Uint32(body[cursor:]))
	cursor += 4
	if cursor+headersLen+4 != recordLen {
		return nil, consumed, errs.New("codec/decode", errs.CodeCorruptRecord,
			errs.WithOffset(offset), errs.WithMessage("length fields inconsistent with record length"))
	}
	if headersLen > 0 {
		headers := make(map[string]string)
		if err := json.Unmarshal(body[cursor:cursor+headersLen], &headers); err != nil {
			return nil, consumed, errs.New("codec/decode", errs.CodeCorruptRecord,
				errs.WithOffset(offset), errs.WithMessage("malformed headers"), errs.WithCause(err))
		}
		evt.Headers = headers
	}

	return evt, consumed, nil
}
