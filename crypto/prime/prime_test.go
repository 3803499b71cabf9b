package prime

import (
	"bytes"
	"testing"
)

func TestRoundTrip(t *testing.T) {
	key, err := NewKey()
	if err != nil {
		t.Fatal(err)
	}
	plaintext := []byte("the quick brown fox jumps over the lazy dog")

	obj, err := Encrypt(nil, TypeMessage, key, plaintext)
	if err != nil {
		t.Fatal(err)
	}

	got, typ, err := Decrypt(nil, key, obj)
	if err != nil {
		t.Fatal(err)
	}
	if typ != TypeMessage {
		t.Errorf("type = %d, want %d", typ, TypeMessage)
	}
	if !bytes.Equal(got, plaintext) {
		t.Errorf("roundtrip mismatch: got %q want %q", got, plaintext)
	}
}

func TestRoundTripEmpty(t *testing.T) {
	key, err := NewKey()
	if err != nil {
		t.Fatal(err)
	}
	obj, err := Encrypt(nil, TypeUserKey, key, nil)
	if err != nil {
		t.Fatal(err)
	}
	got, _, err := Decrypt(nil, key, obj)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Errorf("got %q, want empty", got)
	}
}

func TestWrongKeyFails(t *testing.T) {
	key, _ := NewKey()
	other, _ := NewKey()
	obj, err := Encrypt(nil, TypeMessage, key, []byte("secret"))
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := Decrypt(nil, other, obj); err != ErrAuthFailed {
		t.Fatalf("want ErrAuthFailed, got %v", err)
	}
}

func TestBitFlipFails(t *testing.T) {
	key, _ := NewKey()
	obj, err := Encrypt(nil, TypeMessage, key, []byte("tamper with me"))
	if err != nil {
		t.Fatal(err)
	}

	for _, i := range []int{0, headerLen, len(obj) - 1} {
		corrupt := append([]byte(nil), obj...)
		corrupt[i] ^= 0x01
		if _, _, err := Decrypt(nil, key, corrupt); err == nil {
			t.Errorf("corrupting byte %d: expected failure, got success", i)
		}
	}
}

func TestBadObjectSize(t *testing.T) {
	key, _ := NewKey()
	if _, _, err := Decrypt(nil, key, []byte("short")); err != ErrShortObject {
		t.Fatalf("want ErrShortObject, got %v", err)
	}
}

func TestKeyFromBytes(t *testing.T) {
	if _, err := KeyFromBytes(make([]byte, 10)); err != ErrShortKey {
		t.Fatalf("want ErrShortKey, got %v", err)
	}
	b := make([]byte, KeyLength)
	k, err := KeyFromBytes(b)
	if err != nil {
		t.Fatal(err)
	}
	if len(k.cipherKey()) != cipherKeyLen {
		t.Errorf("cipherKey length = %d, want %d", len(k.cipherKey()), cipherKeyLen)
	}
}
