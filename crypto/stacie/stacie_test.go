package stacie

import (
	"bytes"
	"testing"
)

func salt128() []byte {
	s := make([]byte, SaltLength)
	for i := range s {
		s[i] = byte(i)
	}
	return s
}

func TestRounds(t *testing.T) {
	tests := []struct {
		password string
		bonus    uint32
		want     uint32
	}{
		{"a", 0, 1 << 23},
		{"01234567890123456789012", 0, 2}, // 23 chars -> exponent floor of 1
		{"x", 1 << 24, RoundsMax},
		{"ab", 0, 1 << 22},
	}
	for _, tt := range tests {
		got, err := Rounds([]byte(tt.password), tt.bonus)
		if err != nil {
			t.Fatalf("Rounds(%q): %v", tt.password, err)
		}
		if got != tt.want {
			t.Errorf("Rounds(%q, %d) = %d, want %d", tt.password, tt.bonus, got, tt.want)
		}
		if got < RoundsMin || got > RoundsMax {
			t.Errorf("Rounds(%q) = %d out of bounds", tt.password, got)
		}
	}
}

func TestRoundsInvalidUTF8(t *testing.T) {
	if _, err := Rounds([]byte{0xff, 0xfe}, 0); err != ErrInvalidUTF8 {
		t.Fatalf("want ErrInvalidUTF8, got %v", err)
	}
}

func TestDeriveDeterministic(t *testing.T) {
	salt := salt128()
	k1, err := Derive([]byte("correct horse battery staple"), []byte("user@example.com"), salt, 0)
	if err != nil {
		t.Fatal(err)
	}
	k2, err := Derive([]byte("correct horse battery staple"), []byte("user@example.com"), salt, 0)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(k1.MasterKey, k2.MasterKey) {
		t.Error("master key not deterministic")
	}
	if !bytes.Equal(k1.PasswordKey, k2.PasswordKey) {
		t.Error("password key not deterministic")
	}
	if len(k1.MasterKey) != KeyLength || len(k1.PasswordKey) != KeyLength {
		t.Error("key length must be 64 bytes")
	}
	if bytes.Equal(k1.MasterKey, k1.PasswordKey) {
		t.Error("master key and password key must differ")
	}
}

func TestDeriveDifferentUsername(t *testing.T) {
	salt := salt128()
	k1, err := Derive([]byte("hunter2hunter2"), []byte("alice@example.com"), salt, 0)
	if err != nil {
		t.Fatal(err)
	}
	k2, err := Derive([]byte("hunter2hunter2"), []byte("bob@example.com"), salt, 0)
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Equal(k1.MasterKey, k2.MasterKey) {
		t.Error("different usernames must produce different master keys")
	}
}

func TestVerifyPasswordKey(t *testing.T) {
	salt := salt128()
	keys, err := Derive([]byte("swordfish12345"), []byte("carol@example.com"), salt, 0)
	if err != nil {
		t.Fatal(err)
	}
	if !VerifyPasswordKey(keys.PasswordKey, salt, keys.Verification) {
		t.Error("verification should succeed for the correct password key")
	}
	bad := append([]byte(nil), keys.PasswordKey...)
	bad[0] ^= 0xff
	if VerifyPasswordKey(bad, salt, keys.Verification) {
		t.Error("verification should fail for a corrupted password key")
	}
}

func TestBadSaltLength(t *testing.T) {
	if _, err := Derive([]byte("password123456"), []byte("u"), make([]byte, 16), 0); err != ErrBadSaltLength {
		t.Fatalf("want ErrBadSaltLength, got %v", err)
	}
}

func TestEmptyPassword(t *testing.T) {
	if _, err := Derive(nil, []byte("u"), salt128(), 0); err != ErrEmptyPassword {
		t.Fatalf("want ErrEmptyPassword, got %v", err)
	}
}
