package p2p

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"
)

// Address is a peer network endpoint exchanged between nodes and held by the
// Hosts Store. Equality between two addresses is defined by IP+port alone;
// Services and LastSeen are metadata that travel with an entry but never
// participate in identity or deduplication.
type Address struct {
	IP       net.IP
	Port     uint16
	Services uint64
	LastSeen time.Time
}

// AddressList is the bulk-exchange form used by the address protocol and by
// Hosts Store's load/save/store(list) operations.
type AddressList []Address

// Key returns the IP+port identity used for deduplication and map lookups.
func (a Address) Key() string {
	return net.JoinHostPort(a.IP.String(), strconv.Itoa(int(a.Port)))
}

// String renders the address in host:port form.
func (a Address) String() string {
	return a.Key()
}

// Equal reports whether two addresses share the same IP+port identity.
func (a Address) Equal(other Address) bool {
	return a.IP.Equal(other.IP) && a.Port == other.Port
}

// ParseAddress parses a "host:port" string into an Address. The host must
// resolve to a literal IP; DNS names are not addresses (they are seeds,
// resolved separately by Session Seed).
func ParseAddress(hostport string) (Address, error) {
	host, portStr, err := net.SplitHostPort(strings.TrimSpace(hostport))
	if err != nil {
		return Address{}, fmt.Errorf("p2p: invalid address %q: %w", hostport, err)
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return Address{}, fmt.Errorf("p2p: invalid address %q: host is not a literal IP", hostport)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return Address{}, fmt.Errorf("p2p: invalid address %q: %w", hostport, err)
	}
	return Address{IP: ip, Port: uint16(port)}, nil
}

// blacklistRule matches addresses by IP (exact or CIDR) for Settings.Blacklists.
type blacklistRule struct {
	net *net.IPNet
	ip  net.IP
}

func parseBlacklist(rules []string) ([]blacklistRule, error) {
	out := make([]blacklistRule, 0, len(rules))
	for _, raw := range rules {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		if strings.Contains(raw, "/") {
			_, ipnet, err := net.ParseCIDR(raw)
			if err != nil {
				return nil, fmt.Errorf("p2p: invalid blacklist CIDR %q: %w", raw, err)
			}
			out = append(out, blacklistRule{net: ipnet})
			continue
		}
		ip := net.ParseIP(raw)
		if ip == nil {
			return nil, fmt.Errorf("p2p: invalid blacklist entry %q", raw)
		}
		out = append(out, blacklistRule{ip: ip})
	}
	return out, nil
}

func (r blacklistRule) matches(ip net.IP) bool {
	if r.net != nil {
		return r.net.Contains(ip)
	}
	return r.ip.Equal(ip)
}

func blacklisted(rules []blacklistRule, addr Address) bool {
	for _, r := range rules {
		if r.matches(addr.IP) {
			return true
		}
	}
	return false
}
