package spf

import (
	"net"
	"testing"
)

func TestSplitMechanism(t *testing.T) {
	cases := []struct {
		field     string
		qualifier Qualifier
		mechanism string
		arg       string
	}{
		{"-all", Fail, "all", ""},
		{"ip4:192.0.2.0/24", Pass, "ip4", "192.0.2.0/24"},
		{"~include:_spf.example.com", SoftFail, "include", "_spf.example.com"},
		{"a", Pass, "a", ""},
	}
	for _, c := range cases {
		q, m, a := splitMechanism(c.field)
		if q != c.qualifier || m != c.mechanism || a != c.arg {
			t.Errorf("splitMechanism(%q) = (%q,%q,%q), want (%q,%q,%q)",
				c.field, q, m, a, c.qualifier, c.mechanism, c.arg)
		}
	}
}

func TestMatchCIDR(t *testing.T) {
	ip := net.ParseIP("192.0.2.55")
	if !matchCIDR("192.0.2.0/24", ip) {
		t.Fatal("expected 192.0.2.55 to match 192.0.2.0/24")
	}
	if matchCIDR("198.51.100.0/24", ip) {
		t.Fatal("expected 192.0.2.55 not to match 198.51.100.0/24")
	}
	if !matchCIDR("192.0.2.55", ip) {
		t.Fatal("bare IP should match itself as a /32")
	}
}

func TestDomainOf(t *testing.T) {
	if got := domainOf("user@example.com"); got != "example.com" {
		t.Fatalf("domainOf = %q, want example.com", got)
	}
	if got := domainOf("no-at-sign"); got != "" {
		t.Fatalf("domainOf(no-at-sign) = %q, want empty", got)
	}
}
