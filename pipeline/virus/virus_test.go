package virus

import "testing"

func TestParseReply(t *testing.T) {
	cases := []struct {
		reply    string
		infected bool
	}{
		{"stream: OK\n", false},
		{"stream: Eicar-Test-Signature FOUND\n", true},
		{"stream: Win.Test.EICAR_HDB-1 FOUND\n", true},
	}
	for _, c := range cases {
		if got := parseReply(c.reply); got != c.infected {
			t.Errorf("parseReply(%q) = %v, want %v", c.reply, got, c.infected)
		}
	}
}
