// Package scramble recognizes Magma's legacy pre-STACIE password hash
// so an existing account can be authenticated once more and then
// transparently upgraded to STACIE on next login.
//
// Grounded on original_source/src/providers/deprecated/scramble.c: that
// file is Magma's deprecated symmetric encryption path, kept around
// only to read objects written before STACIE existed. New passwords are
// never written in this format; Verify is the only way in.
package scramble

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
)

// Hash computes the legacy salted hash for a password, used only to
// recognize credentials created before the STACIE migration.
func Hash(password, salt []byte) []byte {
	mac := hmac.New(sha256.New, salt)
	mac.Write(password)
	return mac.Sum(nil)
}

// Verify reports whether password matches a stored legacy hash.
func Verify(password, salt, stored []byte) bool {
	got := Hash(password, salt)
	return subtle.ConstantTimeCompare(got, stored) == 1
}

// NeedsUpgrade always reports true: any successful legacy verification
// should be followed by a STACIE derivation and a rewrite of the stored
// credential, so this hash is never read twice.
func NeedsUpgrade() bool { return true }
