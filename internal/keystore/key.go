package keystore

import (
	"crypto/rand"
	"encoding/hex"
)

// rawKeyBytes is the length of a freshly minted agent key: 32 random bytes,
// rendered as the 64-hex-char string agents expect to receive.
const rawKeyBytes = 32

// newRawKey mints a fresh shared secret as a lowercase hex string, stored
// as raw bytes so the wire format and the key file carry the same text a
// human would see in either place.
func newRawKey() []byte {
	buf := make([]byte, rawKeyBytes)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand.Read only fails if the OS entropy source is broken,
		// which is not something a retry can fix.
		panic("keystore: crypto/rand unavailable: " + err.Error())
	}
	dst := make([]byte, hex.EncodedLen(len(buf)))
	hex.Encode(dst, buf)
	return dst
}
