package rbl

import "testing"

func TestReverseOctets(t *testing.T) {
	ip := []byte{192, 0, 2, 1}
	got := reverseOctets(ip)
	want := "1.2.0.192"
	if got != want {
		t.Fatalf("reverseOctets(%v) = %q, want %q", ip, got, want)
	}
}

func TestCheckRejectsInvalidIP(t *testing.T) {
	c := New("zen.spamhaus.org")
	if _, err := c.Check(nil, "not-an-ip"); err == nil {
		t.Fatal("expected an error for a malformed IP")
	}
}

func TestCheckIgnoresIPv6(t *testing.T) {
	c := New("zen.spamhaus.org")
	listed, err := c.Check(nil, "2001:db8::1")
	if err != nil {
		t.Fatal(err)
	}
	if listed {
		t.Fatal("IPv6 addresses are never reported as listed by this checker")
	}
}
