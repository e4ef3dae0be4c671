// Package transport implements DatagramTransport: the encrypted, sequenced
// UDP datagram socket that carries audio between device and gateway.
// Grounded on the teacher's manual big-endian framing style (audio.go's
// int16<->byte conversions) generalized to the fixed 16-byte header spec.md
// §4.5/§6 defines.
package transport

import "encoding/binary"

// HeaderSize is the fixed wire header length; it doubles as the AES-CTR IV
// for the payload that follows it.
const HeaderSize = 16

// PacketType is the only datagram type the wire format currently defines.
const PacketType = 1

// Header is the 16-byte datagram prefix, network byte order throughout.
type Header struct {
	Type         uint8
	Flags        uint8
	PayloadLen   uint16
	ConnectionID uint32
	Timestamp    uint32
	Sequence     uint32
}

// Encode serializes h into a fresh 16-byte slice.
func (h Header) Encode() []byte {
	b := make([]byte, HeaderSize)
	b[0] = h.Type
	b[1] = h.Flags
	binary.BigEndian.PutUint16(b[2:4], h.PayloadLen)
	binary.BigEndian.PutUint32(b[4:8], h.ConnectionID)
	binary.BigEndian.PutUint32(b[8:12], h.Timestamp)
	binary.BigEndian.PutUint32(b[12:16], h.Sequence)
	return b
}

// DecodeHeader parses the first HeaderSize bytes of b. Callers must already
// have checked len(b) >= HeaderSize.
func DecodeHeader(b []byte) Header {
	return Header{
		Type:         b[0],
		Flags:        b[1],
		PayloadLen:   binary.BigEndian.Uint16(b[2:4]),
		ConnectionID: binary.BigEndian.Uint32(b[4:8]),
		Timestamp:    binary.BigEndian.Uint32(b[8:12]),
		Sequence:     binary.BigEndian.Uint32(b[12:16]),
	}
}
