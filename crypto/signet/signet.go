// Package signet implements the narrow piece of Magma's DIME signet
// scheme that this server still needs: binding a user's Ed25519 public
// key to their username with a signature the user's client (or a DMTP
// peer) can verify offline, and sealing per-message symmetric keys to
// that public key for the asymmetric encrypted-at-rest envelope
// described in spec §3/§4.2.
//
// Grounded on original_source/src/providers/dime/signet/general.c,
// narrowed to the single assertion shape Magma needs server-side: no
// certificate chains, no revocation, just (username, public key,
// issued-at) signed by the matching private key.
package signet

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"time"

	"golang.org/x/crypto/nacl/box"
)

var (
	ErrBadSignature = errors.New("signet: assertion signature is invalid")
	ErrSealedTooShort = errors.New("signet: sealed envelope too short")
	ErrOpenFailed     = errors.New("signet: could not open sealed envelope")
)

// KeyPair is a user's Ed25519 signing keypair, used to assert identity.
type KeyPair struct {
	Public  ed25519.PublicKey
	Private ed25519.PrivateKey
}

// GenerateKeyPair creates a fresh Ed25519 signing keypair for a new user.
func GenerateKeyPair() (*KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	return &KeyPair{Public: pub, Private: priv}, nil
}

// Assertion binds a username to a public key at a point in time.
type Assertion struct {
	Username  string
	PublicKey ed25519.PublicKey
	IssuedAt  time.Time
	Signature []byte
}

// Sign produces a signed assertion that the given keypair belongs to username.
func Sign(kp *KeyPair, username string, issuedAt time.Time) *Assertion {
	msg := assertionMessage(username, kp.Public, issuedAt)
	sig := ed25519.Sign(kp.Private, msg)
	return &Assertion{
		Username:  username,
		PublicKey: kp.Public,
		IssuedAt:  issuedAt,
		Signature: sig,
	}
}

// Verify checks that an assertion's signature was produced by the
// private key matching its embedded public key.
func Verify(a *Assertion) bool {
	if len(a.PublicKey) != ed25519.PublicKeySize {
		return false
	}
	msg := assertionMessage(a.Username, a.PublicKey, a.IssuedAt)
	return ed25519.Verify(a.PublicKey, msg, a.Signature)
}

func assertionMessage(username string, pub ed25519.PublicKey, issuedAt time.Time) []byte {
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(issuedAt.Unix()))
	msg := make([]byte, 0, len(username)+len(pub)+8)
	msg = append(msg, username...)
	msg = append(msg, pub...)
	msg = append(msg, ts[:]...)
	return msg
}

// SealKey produces the asymmetric envelope wrapping a per-message
// symmetric key (a prime.Key) to the recipient's encryption public key,
// used when status&ENCRYPTED is set on a stored message (spec §3).
//
// Magma's asymmetric encryption is ECIES-shaped: an ephemeral
// Curve25519 keypair, a shared secret via box.Seal (XSalsa20-Poly1305),
// and the ephemeral public key carried alongside the ciphertext so the
// recipient can open it with only their static private key.
func SealKey(recipientPub *[32]byte, plainKey []byte) ([]byte, error) {
	return box.SealAnonymous(nil, plainKey, recipientPub, rand.Reader)
}

// OpenKey reverses SealKey using the recipient's static keypair.
func OpenKey(recipientPub, recipientPriv *[32]byte, sealed []byte) ([]byte, error) {
	out, ok := box.OpenAnonymous(nil, sealed, recipientPub, recipientPriv)
	if !ok {
		return nil, ErrOpenFailed
	}
	return out, nil
}

// GenerateBoxKeyPair creates the Curve25519 keypair used for the
// asymmetric message-key envelope (separate from the Ed25519 signing
// keypair: one proves identity, the other encrypts).
func GenerateBoxKeyPair() (pub, priv *[32]byte, err error) {
	return box.GenerateKey(rand.Reader)
}
