// Package r30x drives R30x/ZFM-family optical fingerprint sensors over a
// serial line.
package r30x

import (
	"encoding/binary"
	"fmt"
	"io"

	"fingerauth/internal/device"
)

const (
	startCode      = 0xEF01
	DefaultAddress = 0xFFFFFFFF
	headerLen      = 9
)

// Packet identifiers.
const (
	CommandPacket = 0x01
	DataPacket    = 0x02
	AckPacket     = 0x07
	EndDataPacket = 0x08
)

// Instruction codes.
const (
	cmdGenImg         = 0x01
	cmdUpImage        = 0x0A
	cmdDeleteChar     = 0x0C
	cmdEmpty          = 0x0D
	cmdVerifyPassword = 0x13
)

// Confirmation codes.
const (
	codeOK            = 0x00
	codePacketRecvErr = 0x01
	codeNoFinger      = 0x02
	codeImageFail     = 0x03
	codeImageMess     = 0x06
	codeFeatureFail   = 0x07
	codeUploadFail    = 0x0F
	codeDeleteFail    = 0x10
	codeClearFail     = 0x11
	codePassFail      = 0x13
	codeInvalidImage  = 0x15
)

var (
	ErrBadHeader = fmt.Errorf("%w: bad start code", device.ErrProtocol)
	ErrChecksum  = fmt.Errorf("%w: checksum mismatch", device.ErrProtocol)
	ErrShort     = fmt.Errorf("%w: short packet", device.ErrProtocol)
)

// Packet is one framed message.
type Packet struct {
	Address uint32
	Type    byte
	Payload []byte
}

func checksum(typ byte, length int, payload []byte) uint16 {
	sum := uint16(typ) + uint16(length>>8) + uint16(length&0xFF)
	for _, b := range payload {
		sum += uint16(b)
	}
	return sum
}

// WritePacket frames p and writes it in a single call.
func WritePacket(w io.Writer, p Packet) error {
	length := len(p.Payload) + 2
	buf := make([]byte, headerLen+length)
	binary.BigEndian.PutUint16(buf[0:2], startCode)
	binary.BigEndian.PutUint32(buf[2:6], p.Address)
	buf[6] = p.Type
	binary.BigEndian.PutUint16(buf[7:9], uint16(length))
	copy(buf[headerLen:], p.Payload)
	binary.BigEndian.PutUint16(buf[headerLen+len(p.Payload):], checksum(p.Type, length, p.Payload))
	_, err := w.Write(buf)
	return err
}

// ReadPacket reads and validates one framed message.
func ReadPacket(r io.Reader) (Packet, error) {
	hdr := make([]byte, headerLen)
	if _, err := io.ReadFull(r, hdr); err != nil {
		return Packet{}, err
	}
	if binary.BigEndian.Uint16(hdr[0:2]) != startCode {
		return Packet{}, ErrBadHeader
	}
	p := Packet{Address: binary.BigEndian.Uint32(hdr[2:6]), Type: hdr[6]}
	length := int(binary.BigEndian.Uint16(hdr[7:9]))
	if length < 2 {
		return Packet{}, ErrShort
	}
	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return Packet{}, err
	}
	p.Payload = body[:length-2]
	if binary.BigEndian.Uint16(body[length-2:]) != checksum(p.Type, length, p.Payload) {
		return Packet{}, ErrChecksum
	}
	return p, nil
}
