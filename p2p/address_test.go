package p2p

import (
	"net"
	"testing"
)

func TestParseAddress(t *testing.T) {
	addr, err := ParseAddress("192.168.1.10:8333")
	if err != nil {
		t.Fatalf("ParseAddress returned error: %v", err)
	}
	if addr.Port != 8333 {
		t.Fatalf("expected port 8333, got %d", addr.Port)
	}
	if addr.IP.String() != "192.168.1.10" {
		t.Fatalf("expected 192.168.1.10, got %s", addr.IP)
	}
}

func TestParseAddressRejectsHostname(t *testing.T) {
	if _, err := ParseAddress("example.com:8333"); err == nil {
		t.Fatal("expected error for non-literal host")
	}
}

func TestAddressEqualIgnoresMetadata(t *testing.T) {
	a := Address{IP: mustIP("10.0.0.1"), Port: 1}
	b := Address{IP: mustIP("10.0.0.1"), Port: 1, Services: 7}
	if !a.Equal(b) {
		t.Fatal("expected addresses to be equal ignoring services")
	}
	c := Address{IP: mustIP("10.0.0.2"), Port: 1}
	if a.Equal(c) {
		t.Fatal("expected different IPs to be unequal")
	}
}

func TestBlacklistExactAndCIDR(t *testing.T) {
	rules, err := parseBlacklist([]string{"10.0.0.5", "192.168.0.0/16"})
	if err != nil {
		t.Fatalf("parseBlacklist returned error: %v", err)
	}
	cases := []struct {
		ip   string
		want bool
	}{
		{"10.0.0.5", true},
		{"10.0.0.6", false},
		{"192.168.5.5", true},
		{"172.16.0.1", false},
	}
	for _, c := range cases {
		addr := Address{IP: mustIP(c.ip)}
		if got := blacklisted(rules, addr); got != c.want {
			t.Errorf("blacklisted(%s) = %v, want %v", c.ip, got, c.want)
		}
	}
}

func TestParseBlacklistRejectsGarbage(t *testing.T) {
	if _, err := parseBlacklist([]string{"not-an-ip"}); err == nil {
		t.Fatal("expected error for invalid blacklist entry")
	}
}

func mustIP(s string) net.IP {
	return net.ParseIP(s)
}
