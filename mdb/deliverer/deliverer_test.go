package deliverer

import (
	"math/rand"
	"testing"
)

func TestRelayPoolsPickPremiumVsStandard(t *testing.T) {
	pools := RelayPools{
		Standard: []string{"mx-std.example.com:25"},
		Premium:  []string{"mx-prem.example.com:25"},
	}
	rnd := rand.New(rand.NewSource(1))

	if got := pools.pick("premium", rnd); got != "mx-prem.example.com:25" {
		t.Fatalf("pick(premium) = %q", got)
	}
	if got := pools.pick("standard", rnd); got != "mx-std.example.com:25" {
		t.Fatalf("pick(standard) = %q", got)
	}
	if got := pools.pick("", rnd); got != "mx-std.example.com:25" {
		t.Fatalf("pick(\"\") = %q, want standard pool as default", got)
	}
}

func TestRelayPoolsEmptyReturnsNoRelay(t *testing.T) {
	var pools RelayPools
	rnd := rand.New(rand.NewSource(1))
	if got := pools.pick("premium", rnd); got != "" {
		t.Fatalf("pick on empty pool = %q, want \"\"", got)
	}
}
