// Package prefix decides whether a WAN IP belongs to a configured target set.
//
// Operators write target rules in three textual forms:
//
//	10.130              partial dotted prefix, plain string match
//	10.120.0.0/16       CIDR network, host bits allowed
//	10.120.0.0/255.255.0.0  same network with a dotted netmask (or hostmask)
//	10.130-10.159       inclusive range, bounds padded with 0 / 255
//
// Rules are parsed once into a Set at configuration load time. Malformed
// rules are kept aside in Set.Invalid and never match.
package prefix

import (
	"encoding/binary"
	"fmt"
	"math/bits"
	"net/netip"
	"strconv"
	"strings"
)

// Kind tags the form of a parsed rule.
type Kind int

const (
	KindPrefix Kind = iota
	KindCIDR
	KindRange
)

func (k Kind) String() string {
	switch k {
	case KindPrefix:
		return "prefix"
	case KindCIDR:
		return "cidr"
	case KindRange:
		return "range"
	default:
		return "unknown"
	}
}

// Rule is one parsed target rule.
type Rule struct {
	Kind Kind
	Raw  string

	prefix string       // KindPrefix
	net    netip.Prefix // KindCIDR
	lo, hi uint32       // KindRange, inclusive
}

// String returns the rule as the operator wrote it.
func (r Rule) String() string {
	return r.Raw
}

// match reports whether addr satisfies the rule.
func (r Rule) match(addr netip.Addr) bool {
	switch r.Kind {
	case KindRange:
		v := toUint32(addr)
		return r.lo <= v && v <= r.hi
	case KindCIDR:
		return r.net.Contains(addr)
	default:
		return strings.HasPrefix(addr.String(), r.prefix)
	}
}

// InvalidRule records a rule that could not be parsed.
type InvalidRule struct {
	Raw    string
	Reason string
}

// Set is an ordered list of rules.
type Set struct {
	Rules   []Rule
	Invalid []InvalidRule
}

// Parse cleans and parses the configured entries. A single entry may hold
// several quoted rules ("'10.1-10.19' '10.130-10.159'"); they are split on
// whitespace after quotes are removed.
func Parse(entries []string) Set {
	var s Set
	for _, entry := range entries {
		for _, tok := range clean(entry) {
			r, err := parseRule(tok)
			if err != nil {
				s.Invalid = append(s.Invalid, InvalidRule{Raw: tok, Reason: err.Error()})
				continue
			}
			s.Rules = append(s.Rules, r)
		}
	}
	return s
}

// Empty reports whether the set has no usable rules.
func (s Set) Empty() bool {
	return len(s.Rules) == 0
}

// Match reports whether ip matches any rule.
func (s Set) Match(ip string) bool {
	_, ok := s.MatchRule(ip)
	return ok
}

// MatchRule returns the first rule that matches ip.
func (s Set) MatchRule(ip string) (Rule, bool) {
	addr, err := netip.ParseAddr(strings.TrimSpace(ip))
	if err != nil || !addr.Is4() {
		return Rule{}, false
	}
	for _, r := range s.Rules {
		if r.match(addr) {
			return r, true
		}
	}
	return Rule{}, false
}

// Raw returns the rules in their textual form.
func (s Set) Raw() []string {
	out := make([]string, len(s.Rules))
	for i, r := range s.Rules {
		out[i] = r.Raw
	}
	return out
}

// String is the description written to the status file.
func (s Set) String() string {
	if s.Empty() {
		return "None"
	}
	return strings.Join(s.Raw(), ", ")
}

// Matches parses entries and tests ip against them. Callers on a hot path
// should Parse once and keep the Set.
func Matches(ip string, entries []string) bool {
	return Parse(entries).Match(ip)
}

func clean(entry string) []string {
	entry = strings.NewReplacer("'", " ", `"`, " ").Replace(entry)
	return strings.Fields(entry)
}

func parseRule(tok string) (Rule, error) {
	switch {
	case strings.Contains(tok, "-"):
		return parseRange(tok)
	case strings.Contains(tok, "/"):
		return parseCIDR(tok)
	default:
		return Rule{Kind: KindPrefix, Raw: tok, prefix: tok}, nil
	}
}

func parseCIDR(tok string) (Rule, error) {
	addr, length, _ := strings.Cut(tok, "/")
	if strings.Contains(length, ".") {
		n, err := maskLength(length)
		if err != nil {
			return Rule{}, err
		}
		length = strconv.Itoa(n)
	}
	p, err := netip.ParsePrefix(addr + "/" + length)
	if err != nil {
		return Rule{}, fmt.Errorf("invalid cidr: %w", err)
	}
	if !p.Addr().Is4() {
		return Rule{}, fmt.Errorf("cidr %s is not IPv4", tok)
	}
	return Rule{Kind: KindCIDR, Raw: tok, net: p.Masked()}, nil
}

// maskLength converts a dotted netmask (255.255.0.0) or hostmask
// (0.0.255.255) to a prefix length. The netmask reading wins when both fit.
func maskLength(mask string) (int, error) {
	m, err := netip.ParseAddr(mask)
	if err != nil || !m.Is4() {
		return 0, fmt.Errorf("invalid netmask %q", mask)
	}
	v := toUint32(m)
	if n := bits.LeadingZeros32(^v); v<<n == 0 {
		return n, nil
	}
	if n := bits.LeadingZeros32(v); ^v<<n == 0 {
		return n, nil
	}
	return 0, fmt.Errorf("non-contiguous netmask %q", mask)
}

func parseRange(tok string) (Rule, error) {
	bounds := strings.Split(tok, "-")
	if len(bounds) != 2 {
		return Rule{}, fmt.Errorf("range needs exactly two bounds")
	}
	lo, err := padBound(bounds[0], "0")
	if err != nil {
		return Rule{}, fmt.Errorf("range start: %w", err)
	}
	hi, err := padBound(bounds[1], "255")
	if err != nil {
		return Rule{}, fmt.Errorf("range end: %w", err)
	}
	return Rule{Kind: KindRange, Raw: tok, lo: toUint32(lo), hi: toUint32(hi)}, nil
}

// padBound turns a partial bound like "10.130" into a full address,
// filling the missing trailing octets with fill.
func padBound(bound, fill string) (netip.Addr, error) {
	var octets []string
	for _, part := range strings.Split(strings.TrimSpace(bound), ".") {
		if part == "" {
			continue
		}
		for _, c := range part {
			if c < '0' || c > '9' {
				return netip.Addr{}, fmt.Errorf("non-numeric octet %q", part)
			}
		}
		octets = append(octets, part)
	}
	if len(octets) == 0 || len(octets) > 4 {
		return netip.Addr{}, fmt.Errorf("bad octet count in %q", bound)
	}
	for len(octets) < 4 {
		octets = append(octets, fill)
	}
	addr, err := netip.ParseAddr(strings.Join(octets, "."))
	if err != nil {
		return netip.Addr{}, err
	}
	return addr, nil
}

func toUint32(addr netip.Addr) uint32 {
	b := addr.As4()
	return binary.BigEndian.Uint32(b[:])
}
