package feed

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/zlib"
)

// Message-stream operations.
const (
	opHeartbeat      uint32 = 2
	opHeartbeatReply uint32 = 3
	opMessage        uint32 = 5
	opAuth           uint32 = 7
	opAuthReply      uint32 = 8
)

const (
	packetHeaderLen = 16
	maxPayloadBytes = 8 << 20
)

type packet struct {
	Version   uint16
	Operation uint32
	Sequence  uint32
	Payload   []byte
}

func encodePacket(operation uint32, version uint16, sequence uint32, payload []byte) []byte {
	size := packetHeaderLen + len(payload)
	buf := make([]byte, size)
	binary.BigEndian.PutUint32(buf[0:4], uint32(size))
	binary.BigEndian.PutUint16(buf[4:6], packetHeaderLen)
	binary.BigEndian.PutUint16(buf[6:8], version)
	binary.BigEndian.PutUint32(buf[8:12], operation)
	binary.BigEndian.PutUint32(buf[12:16], sequence)
	copy(buf[packetHeaderLen:], payload)
	return buf
}

// decodePackets splits a frame into packets. Version 2 (zlib) and 3 (brotli) bodies
// hold further packets and are expanded in place.
func decodePackets(frame []byte) ([]packet, error) {
	offset := 0
	result := make([]packet, 0, 8)
	for offset+packetHeaderLen <= len(frame) {
		packetLen := int(binary.BigEndian.Uint32(frame[offset : offset+4]))
		if packetLen < packetHeaderLen || offset+packetLen > len(frame) {
			return result, errors.New("invalid packet length")
		}
		headerLen := int(binary.BigEndian.Uint16(frame[offset+4 : offset+6]))
		if headerLen < packetHeaderLen || headerLen > packetLen {
			return result, errors.New("invalid packet header length")
		}
		version := binary.BigEndian.Uint16(frame[offset+6 : offset+8])
		payload := frame[offset+headerLen : offset+packetLen]

		var inflate func([]byte) ([]byte, error)
		switch version {
		case 2:
			inflate = inflateZlib
		case 3:
			inflate = inflateBrotli
		}
		if inflate != nil {
			decoded, err := inflate(payload)
			if err != nil {
				return result, err
			}
			nested, err := decodePackets(decoded)
			if err != nil {
				return result, err
			}
			result = append(result, nested...)
		} else {
			result = append(result, packet{
				Version:   version,
				Operation: binary.BigEndian.Uint32(frame[offset+8 : offset+12]),
				Sequence:  binary.BigEndian.Uint32(frame[offset+12 : offset+16]),
				Payload:   append([]byte(nil), payload...),
			})
		}
		offset += packetLen
	}
	return result, nil
}

func inflateZlib(payload []byte) ([]byte, error) {
	reader, err := zlib.NewReader(bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	defer reader.Close()
	return io.ReadAll(io.LimitReader(reader, maxPayloadBytes))
}

func inflateBrotli(payload []byte) ([]byte, error) {
	return io.ReadAll(io.LimitReader(brotli.NewReader(bytes.NewReader(payload)), maxPayloadBytes))
}
