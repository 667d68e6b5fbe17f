package dbnet

import (
	"encoding/binary"
	"fmt"
)

// Inner frames come in two shapes. A data frame is
//
//	0x68, L, L, 0x68, dest, src, fcb, function, payload..., fcs, 0x16
//
// where L counts the bytes from dest through the end of the payload and fcs
// is the DB-Net checksum over exactly those bytes. A short acknowledgment is
//
//	0x10, dest, src, fcb, fcs
//
// and carries only the status nibble in fcb.
const (
	frameData = 0x68
	frameAck  = 0x10
	frameEnd  = 0x16

	fcbRead  = 0x4D
	fcbWrite = 0x45

	fnReadReg    = 0x01
	fnWriteReg   = 0x02
	fnReadMemory = 0x03
)

// Write acknowledgments use 0x08 as an alternate success status.
const (
	statusOK            = 0x00
	statusWriteAccepted = 0x08
)

// appendDataFrame assembles a data frame around body, which holds the bytes
// from fcb onwards (dest and src are prepended from the session addresses).
func appendDataFrame(b []byte, station, client uint8, body []byte) []byte {
	n := len(body) + 2
	b = append(b, frameData, uint8(n), uint8(n), frameData)
	b = append(b, station&0x1F, client&0x1F)
	b = append(b, body...)
	b = append(b, checksum(b[len(b)-n:]))
	return append(b, frameEnd)
}

// readFrame builds a read-register request for (t, wid).
func readFrame(station, client uint8, wid uint16, t VarType) []byte {
	body := []byte{fcbRead, fnReadReg, uint8(t)}
	body = binary.LittleEndian.AppendUint16(body, wid)
	return appendDataFrame(make([]byte, 0, 13), station, client, body)
}

// writeFrame builds a write-register request for (t, wid, v).
func writeFrame(station, client uint8, wid uint16, v Value) []byte {
	body := []byte{fcbWrite, fnWriteReg, uint8(v.typ)}
	body = binary.LittleEndian.AppendUint16(body, wid)
	body = appendValue(body, v)
	return appendDataFrame(make([]byte, 0, 17), station, client, body)
}

// readMemoryFrame builds a request for count bytes of controller memory at
// addr. Catalog enumeration reads the descriptor region with these.
func readMemoryFrame(station, client uint8, addr uint32, count uint16) []byte {
	body := []byte{fcbRead, fnReadMemory}
	body = binary.LittleEndian.AppendUint32(body, addr)
	body = binary.LittleEndian.AppendUint16(body, count)
	return appendDataFrame(make([]byte, 0, 16), station, client, body)
}

// parseResponse splits a decrypted inner frame into its addresses, status
// nibble, and value bytes. Ack frames have no value bytes.
func parseResponse(b []byte) (dest, src, status uint8, value []byte, err error) {
	if len(b) < 6 {
		return 0, 0, 0, nil, fmt.Errorf("%w: inner frame too short (%d bytes)", ErrMalformedFrame, len(b))
	}
	switch b[0] {
	case frameAck:
		return b[1], b[2], b[3] & 0x0F, nil, nil
	case frameData:
		n := int(b[1])
		end := 8 + n - 4
		if end < 8 || end > len(b) {
			return 0, 0, 0, nil, fmt.Errorf("%w: data frame length %d overruns frame (%d bytes)", ErrMalformedFrame, n, len(b))
		}
		return b[4], b[5], b[6] & 0x0F, b[8:end], nil
	default:
		return 0, 0, 0, nil, fmt.Errorf("%w: unknown frame type 0x%02x", ErrMalformedFrame, b[0])
	}
}
