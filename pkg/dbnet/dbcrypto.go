package dbnet

import "encoding/binary"

// DB-Net/IP datagrams are a 15-byte header followed by the inner frame:
//
//	 0: u32 transaction id
//	 4: u16 type (0x1111 = key sync, else 0)
//	 6: u32 session key
//	10: u32 header checksum (not stream-ciphered)
//	14: u8  inner frame length - 6
//
// The inner frame is XORed with a keystream derived from the header's key and
// transaction id; the header checksum is derived from the shared password and
// written after encryption.

const (
	headerSize  = 15
	typeKeySync = 0x1111
)

// randomize is the keyed PRNG the controller firmware uses for both the
// keystream masks and the header checksum. A zero password is treated as one
// to avoid a degenerate key. All arithmetic wraps at 32 bits.
func randomize(seed, password uint32) uint32 {
	if password == 0 {
		password = 1
	}
	mult := seed * password
	key := password
	for i := 0; i < 4; i++ {
		key = key<<1 + 13
		mult = (mult + key) * seed
	}
	return password + mult + key
}

// cryptInner XORs the inner frame of msg (a full datagram starting with the
// 15-byte header) with the keystream in place. The mask is rekeyed at inner
// byte 8. The transformation is its own inverse, so it both encrypts requests
// and decrypts responses.
func cryptInner(msg []byte) {
	if len(msg) < headerSize {
		return
	}
	n := int(msg[14]) + 6
	if max := len(msg) - headerSize; n > max {
		n = max
	}

	key := binary.LittleEndian.Uint32(msg[6:])
	tx := binary.LittleEndian.Uint32(msg[0:])

	var mask [4]byte
	binary.LittleEndian.PutUint32(mask[:], randomize(key, ^tx))
	for i := 0; i < n; i++ {
		if i == 8 {
			binary.LittleEndian.PutUint32(mask[:], randomize(key, tx))
		}
		msg[headerSize+i] ^= mask[i%4]
	}
}

// headerChecksum computes the value of header bytes 10..14 for a datagram
// with the given transaction id, session key, and inner-frame FCS.
func headerChecksum(password, tx, key uint32, fcs uint8) uint32 {
	return randomize(password, tx+key+uint32(fcs)+256)
}
