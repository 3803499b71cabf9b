// Package stacie derives the master, password, and verification keys
// used to protect a user's account and the private key that decrypts
// their stored mail.
//
// The derivation is deterministic in (password, username, salt, bonus):
// the server never stores the plaintext password, only the salt and
// the verification token produced here. See spec §4.1.
package stacie

import (
	"crypto/hmac"
	"crypto/sha512"
	"encoding/binary"
	"errors"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

const (
	// SaltLength is the required length, in bytes, of the per-user salt.
	SaltLength = 128

	// KeyLength is the output size of every derived key (SHA-512).
	KeyLength = 64

	// RoundsMin and RoundsMax bound the derived round count, per spec.
	RoundsMin = 8
	RoundsMax = 1 << 24
)

var (
	ErrInvalidUTF8   = errors.New("stacie: password is not valid UTF-8")
	ErrEmptyPassword = errors.New("stacie: password is empty")
	ErrBadSaltLength = errors.New("stacie: salt must be exactly 128 bytes")
	ErrBadBaseLength = errors.New("stacie: base must be exactly 64 bytes")
	ErrEmptyUsername = errors.New("stacie: username is empty")
)

// Rounds computes the number of derivation rounds for a password of the
// given length (in Unicode codepoints) plus a fixed bonus.
//
// rounds = clamp(RoundsMin, 2^(24 - clamp(1,23,len)) + bonus, RoundsMax)
func Rounds(password []byte, bonus uint32) (uint32, error) {
	if !utf8.Valid(password) {
		return 0, ErrInvalidUTF8
	}
	length := utf8.RuneCount(password)
	if length == 0 {
		return 0, ErrEmptyPassword
	}

	clamped := length
	if clamped < 1 {
		clamped = 1
	}
	if clamped > 23 {
		clamped = 23
	}
	exponent := uint(24 - clamped)
	dynamic := uint64(1) << exponent

	total := dynamic + uint64(bonus)
	if total < RoundsMin {
		total = RoundsMin
	}
	if total > RoundsMax {
		total = RoundsMax
	}
	return uint32(total), nil
}

// Normalize applies NFC normalization to a password, as STACIE requires
// before any derivation step.
func Normalize(password []byte) ([]byte, error) {
	if !utf8.Valid(password) {
		return nil, ErrInvalidUTF8
	}
	return norm.NFC.Bytes(password), nil
}

// Seed concentrates the entropy of the (normalized, NFC) password into a
// 64-byte value by repeatedly absorbing it into an HMAC keyed with the
// user's salt.
func Seed(rounds uint32, password, salt []byte) ([]byte, error) {
	if len(salt) != SaltLength {
		return nil, ErrBadSaltLength
	}
	if len(password) == 0 {
		return nil, ErrEmptyPassword
	}
	if rounds < RoundsMin || rounds > RoundsMax {
		return nil, errors.New("stacie: rounds out of range")
	}

	mac := hmac.New(sha512.New, salt)
	for i := uint32(0); i < rounds; i++ {
		mac.Write(password)
	}
	return mac.Sum(nil), nil
}

// DeriveKey iterates SHA-512 `rounds` times over
// (prevKey || base || username || salt || password || BE24(counter)),
// starting with prevKey omitted on the first round. `base` must be
// exactly 64 bytes: the seed for the master key, or the master key
// itself for the password key.
func DeriveKey(base []byte, rounds uint32, username, password, salt []byte) ([]byte, error) {
	if len(base) != KeyLength {
		return nil, ErrBadBaseLength
	}
	if len(username) == 0 {
		return nil, ErrEmptyUsername
	}
	if len(password) == 0 {
		return nil, ErrEmptyPassword
	}
	if len(salt) != SaltLength {
		return nil, ErrBadSaltLength
	}
	if rounds < RoundsMin || rounds > RoundsMax {
		return nil, errors.New("stacie: rounds out of range")
	}

	var counter [4]byte
	key := make([]byte, 0, KeyLength)
	for round := uint32(0); round < rounds; round++ {
		binary.BigEndian.PutUint32(counter[:], round)

		h := sha512.New()
		if round != 0 {
			h.Write(key)
		}
		h.Write(base)
		h.Write(username)
		h.Write(salt)
		h.Write(password)
		h.Write(counter[1:4]) // BE24: drop the top byte of the BE32 counter
		key = h.Sum(key[:0])
	}

	out := make([]byte, KeyLength)
	copy(out, key)
	return out, nil
}

// Keys holds the three values produced by a full STACIE derivation.
type Keys struct {
	MasterKey    []byte // never leaves the client; decrypts the private key
	PasswordKey  []byte // sent to the server in place of the password
	Verification []byte // stored by the server, used to authenticate PasswordKey
}

// Derive runs the full STACIE pipeline: Normalize -> Rounds -> Seed ->
// master key -> password key -> verification token.
func Derive(password []byte, username, salt []byte, bonus uint32) (*Keys, error) {
	norm, err := Normalize(password)
	if err != nil {
		return nil, err
	}
	rounds, err := Rounds(norm, bonus)
	if err != nil {
		return nil, err
	}
	seed, err := Seed(rounds, norm, salt)
	if err != nil {
		return nil, err
	}
	master, err := DeriveKey(seed, rounds, username, norm, salt)
	if err != nil {
		return nil, err
	}
	passKey, err := DeriveKey(master, rounds, username, norm, salt)
	if err != nil {
		return nil, err
	}
	verification := verificationToken(passKey, salt)

	return &Keys{
		MasterKey:    master,
		PasswordKey:  passKey,
		Verification: verification,
	}, nil
}

// verificationToken derives the value the server stores to authenticate
// a client-submitted password key. It is computed only from values the
// server legitimately holds at login time (the password key it receives
// over the wire, and the salt it issued) so the server never needs the
// master key to check a login.
func verificationToken(passwordKey, salt []byte) []byte {
	mac := hmac.New(sha512.New, salt)
	mac.Write(passwordKey)
	mac.Write([]byte("stacie-verification-token"))
	return mac.Sum(nil)
}

// VerifyPasswordKey checks a client-submitted password key against the
// server-stored verification token, in constant time.
func VerifyPasswordKey(passwordKey, salt, storedVerification []byte) bool {
	got := verificationToken(passwordKey, salt)
	return hmac.Equal(got, storedVerification)
}
