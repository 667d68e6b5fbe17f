package dbnet

import (
	"bytes"
	"encoding/binary"
	"testing"
)

func TestRandomize(t *testing.T) {
	// hand-computed: mult=1, then key 15,43,99,211 and mult 16,59,158,369
	if v := randomize(1, 1); v != 581 {
		t.Errorf("incorrect randomize(1, 1) = %d, expected 581", v)
	}

	// a zero password must behave as one
	if randomize(0x12345678, 0) != randomize(0x12345678, 1) {
		t.Error("randomize with password 0 should equal password 1")
	}

	// pure function
	if randomize(0xCAFEBABE, 0x1337) != randomize(0xCAFEBABE, 0x1337) {
		t.Error("randomize is not deterministic")
	}
}

func TestCryptInnerInvolution(t *testing.T) {
	inner := readFrame(4, 31, 4000, Int16)

	msg := make([]byte, headerSize+len(inner))
	binary.LittleEndian.PutUint32(msg[0:], 42)
	binary.LittleEndian.PutUint32(msg[6:], 0xDEADBEEF)
	msg[14] = uint8(len(inner) - 6)
	copy(msg[headerSize:], inner)

	cryptInner(msg)
	if bytes.Equal(msg[headerSize:], inner) {
		t.Error("encryption did not change the inner frame")
	}
	if msg[14] != uint8(len(inner)-6) {
		t.Error("encryption must not touch the header")
	}

	cryptInner(msg)
	if !bytes.Equal(msg[headerSize:], inner) {
		t.Error("incorrect decryption result")
	}
}

func TestCryptInnerMaskSwitch(t *testing.T) {
	// the mask is rekeyed at inner byte 8 from the transaction id, and the
	// first mask is derived from its complement
	const key = 0x1234

	a := make([]byte, headerSize+12)
	binary.LittleEndian.PutUint32(a[0:], 7)
	binary.LittleEndian.PutUint32(a[6:], key)
	a[14] = 12 - 6

	b := make([]byte, headerSize+12)
	binary.LittleEndian.PutUint32(b[0:], ^uint32(7))
	binary.LittleEndian.PutUint32(b[6:], key)
	b[14] = 12 - 6

	cryptInner(a)
	cryptInner(b)

	// tx of b is the complement of a's, so b's first mask equals a's second
	maskA2 := make([]byte, 4)
	binary.LittleEndian.PutUint32(maskA2, randomize(key, 7))
	for i := 0; i < 4; i++ {
		if a[headerSize+8+i] != maskA2[i] {
			t.Fatalf("mask not rekeyed at inner byte 8")
		}
		if b[headerSize+i] != maskA2[i] {
			t.Fatalf("first mask not derived from complemented transaction id")
		}
	}
}

func TestCryptInnerShortBuffer(t *testing.T) {
	// a declared inner length beyond the buffer must not panic
	msg := make([]byte, headerSize+4)
	msg[14] = 0xFF
	cryptInner(msg)
	cryptInner(msg[:headerSize])
	cryptInner(msg[:3])
}

func FuzzCryptInner(f *testing.F) {
	f.Add(uint32(1), uint32(0), []byte{0x10, 0x04, 0x1F, 0x00, 0x21, 0x16})
	f.Add(uint32(2), uint32(0xDEADBEEF), readFrame(4, 31, 4000, Int16))
	f.Add(uint32(1337), uint32(42), writeFrame(4, 31, 4100, Float32Value(21.5)))

	f.Fuzz(func(t *testing.T, tx, key uint32, inner []byte) {
		msg := make([]byte, headerSize+len(inner))
		binary.LittleEndian.PutUint32(msg[0:], tx)
		binary.LittleEndian.PutUint32(msg[6:], key)
		if len(inner) >= 6 {
			msg[14] = uint8(len(inner) - 6)
		}
		copy(msg[headerSize:], inner)

		cryptInner(msg)
		cryptInner(msg)

		if !bytes.Equal(msg[headerSize:], inner) {
			t.Error("incorrect decryption result")
		}
	})
}

func TestHeaderChecksum(t *testing.T) {
	// the header checksum is keyed by the password, unlike the keystream
	a := headerChecksum(0, 1, 0, 0x21)
	b := headerChecksum(0xA5A5A5A5, 1, 0, 0x21)
	if a == b {
		t.Error("header checksum should depend on the password")
	}
	// the password is the PRNG seed here, which has no zero-to-one substitution
	if a == headerChecksum(1, 1, 0, 0x21) {
		t.Error("zero password should not behave as one")
	}
	if a != randomize(0, 1+0+0x21+256) {
		t.Error("incorrect header checksum input")
	}
}
