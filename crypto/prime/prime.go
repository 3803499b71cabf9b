// Package prime implements the PRIME authenticated symmetric object
// format: a self-describing, XOR-masked AES-256-GCM envelope used both
// for messages at rest and for the user's encrypted private key blob.
//
// Wire format (spec §4.2):
//
//	[BE16 type][BE32 total-size][16B IV-xor-shard][16B TAG-xor-shard][ciphertext || tag]
//
// The composite key is 64 bytes: a 16-byte IV shard, a 16-byte TAG
// shard, and a 32-byte AES-256 cipher key. The stored IV shard is XORed
// with a random 16 bytes to produce the wire IV; the wire tag is the
// real GCM tag XORed with the TAG shard. Plaintext is prefixed with
// [BE24 length][u8 pad-count] and padded to the AES block size.
package prime

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"
	"errors"
)

const (
	// KeyLength is the size of the composite key: IV shard + TAG shard + cipher key.
	KeyLength = ivShardLen + tagShardLen + cipherKeyLen

	ivShardLen  = 16
	tagShardLen = 16
	cipherKeyLen = 32

	nonceLen = ivShardLen // GCM is configured for a 16-byte nonce to match the IV shard size
	tagLen   = 16

	headerLen = 2 + 4 + ivShardLen + tagShardLen

	// TypeMessage and TypeUserKey distinguish the two PRIME object uses
	// named in spec §3/§4.2: encrypted message bodies and the user's
	// encrypted private key blob.
	TypeMessage = uint16(1)
	TypeUserKey = uint16(2)
)

var (
	ErrShortKey     = errors.New("prime: composite key must be 64 bytes")
	ErrShortObject  = errors.New("prime: object shorter than header")
	ErrBadSize      = errors.New("prime: total-size field does not match object length")
	ErrAuthFailed   = errors.New("prime: authentication failed")
	ErrBadPlaintext = errors.New("prime: corrupt plaintext framing")
)

// Key is the 64-byte composite key used to encrypt and decrypt a PRIME object.
type Key [KeyLength]byte

func (k Key) ivShard() []byte  { return k[:ivShardLen] }
func (k Key) tagShard() []byte { return k[ivShardLen : ivShardLen+tagShardLen] }
func (k Key) cipherKey() []byte { return k[ivShardLen+tagShardLen:] }

// NewKey reads a random composite key, suitable for encrypting one message.
func NewKey() (Key, error) {
	var k Key
	if _, err := rand.Read(k[:]); err != nil {
		return Key{}, err
	}
	return k, nil
}

// KeyFromBytes validates and wraps a 64-byte slice as a composite key.
func KeyFromBytes(b []byte) (Key, error) {
	var k Key
	if len(b) != KeyLength {
		return k, ErrShortKey
	}
	copy(k[:], b)
	return k, nil
}

// Encrypt encrypts plaintext into a self-describing PRIME object.
//
// dst, if non-nil, is used as the destination buffer (grown as needed);
// otherwise a new buffer is allocated.
func Encrypt(dst []byte, typ uint16, key Key, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key.cipherKey())
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCMWithNonceSize(block, nonceLen)
	if err != nil {
		return nil, err
	}

	framed := frame(plaintext)

	ivRandom := make([]byte, ivShardLen)
	if _, err := rand.Read(ivRandom); err != nil {
		return nil, err
	}
	nonce := xorBytes(ivRandom, key.ivShard())

	total := headerLen + len(framed) + tagLen
	var aad [headerLen - tagShardLen]byte
	binary.BigEndian.PutUint16(aad[0:2], typ)
	binary.BigEndian.PutUint32(aad[2:6], uint32(total))
	copy(aad[6:], ivRandom)

	sealed := aead.Seal(nil, nonce, framed, aad[:])
	ct := sealed[:len(sealed)-tagLen]
	tag := sealed[len(sealed)-tagLen:]
	wireTag := xorBytes(tag, key.tagShard())

	out := dst[:0]
	if cap(out) < total {
		out = make([]byte, 0, total)
	}
	out = append(out, aad[:]...)
	out = append(out, wireTag...)
	out = append(out, ct...)
	out = append(out, tag...)
	return out, nil
}

// Decrypt authenticates and decrypts a PRIME object, returning the
// original plaintext and its declared type.
func Decrypt(dst []byte, key Key, object []byte) (plaintext []byte, typ uint16, err error) {
	if len(object) < headerLen+tagLen {
		return nil, 0, ErrShortObject
	}
	typ = binary.BigEndian.Uint16(object[0:2])
	total := binary.BigEndian.Uint32(object[2:6])
	if int(total) != len(object) {
		return nil, 0, ErrBadSize
	}

	ivRandom := object[6 : 6+ivShardLen]
	wireTag := object[6+ivShardLen : headerLen]
	body := object[headerLen:]
	aad := object[:headerLen-tagShardLen]

	nonce := xorBytes(ivRandom, key.ivShard())
	tag := xorBytes(wireTag, key.tagShard())

	ct := body[:len(body)-tagLen]
	sealed := append(append([]byte(nil), ct...), tag...)

	block, err := aes.NewCipher(key.cipherKey())
	if err != nil {
		return nil, 0, err
	}
	aead, err := cipher.NewGCMWithNonceSize(block, nonceLen)
	if err != nil {
		return nil, 0, err
	}

	framed, err := aead.Open(dst[:0], nonce, sealed, aad)
	if err != nil {
		return nil, 0, ErrAuthFailed
	}

	plaintext, err = unframe(framed)
	if err != nil {
		return nil, 0, err
	}
	return plaintext, typ, nil
}

// frame prefixes plaintext with its length and pads it to the AES block
// size with a trailing pad-count byte, per spec §4.2.
func frame(plaintext []byte) []byte {
	const blockSize = aes.BlockSize
	prefixLen := 3 + 1 // BE24 length + pad-count byte
	total := prefixLen + len(plaintext)
	pad := (blockSize - total%blockSize) % blockSize

	out := make([]byte, 0, total+pad)
	var lenBytes [4]byte
	binary.BigEndian.PutUint32(lenBytes[:], uint32(len(plaintext)))
	out = append(out, lenBytes[1:]...) // BE24
	out = append(out, byte(pad))
	out = append(out, plaintext...)
	for i := 0; i < pad; i++ {
		out = append(out, byte(pad))
	}
	return out
}

func unframe(framed []byte) ([]byte, error) {
	if len(framed) < 4 {
		return nil, ErrBadPlaintext
	}
	var lenBytes [4]byte
	copy(lenBytes[1:], framed[0:3])
	n := binary.BigEndian.Uint32(lenBytes[:])
	pad := int(framed[3])
	rest := framed[4:]
	if int(n)+pad != len(rest) {
		return nil, ErrBadPlaintext
	}
	if int(n) > len(rest) {
		return nil, ErrBadPlaintext
	}
	return rest[:n], nil
}

func xorBytes(a, b []byte) []byte {
	out := make([]byte, len(a))
	for i := range a {
		out[i] = a[i] ^ b[i]
	}
	return out
}
