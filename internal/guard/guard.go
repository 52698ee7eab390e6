// Package guard validates user-supplied SSH target hosts before anything
// dials them. It refuses private, loopback, link-local and cloud-metadata
// destinations, normalizes obfuscated numeric forms (hex, octal, single
// integer), and resolves hostnames through more than one method so a
// DNS-rebinding name cannot answer differently to the dialer than it did to
// the check.
//
// The address returned by Resolve is the address the SSH client must dial.
// Dialing the original hostname would let the target re-resolve after the
// check.
package guard

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"regexp"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
)

// Reason identifies why a target was refused. The set is closed; callers
// switch on it to build client-facing error messages.
type Reason string

const (
	ReasonPrivateLiteral    Reason = "PRIVATE_LITERAL"
	ReasonBlockedName       Reason = "BLOCKED_NAME"
	ReasonEmbeddedPrivate   Reason = "EMBEDDED_PRIVATE"
	ReasonResolutionFailed  Reason = "RESOLUTION_FAILED"
	ReasonResolvedToPrivate Reason = "RESOLVED_TO_PRIVATE"
)

// RejectionError is returned for every policy refusal. Any other error from
// Resolve is a system error, not a policy decision.
type RejectionError struct {
	Host   string
	Reason Reason
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("guard: host %q rejected: %s", e.Host, e.Reason)
}

func reject(host string, reason Reason) error {
	return &RejectionError{Host: host, Reason: reason}
}

// LookupHostFunc mirrors net.Resolver.LookupHost (the OS resolver path).
type LookupHostFunc func(ctx context.Context, host string) ([]string, error)

// LookupIPFunc mirrors net.Resolver.LookupIP for a single record type
// ("ip4" for A, "ip6" for AAAA).
type LookupIPFunc func(ctx context.Context, network, host string) ([]net.IP, error)

// Options configures a Guard. Zero values select the OS resolver and the
// log-and-continue rebinding policy.
type Options struct {
	// StrictRebind rejects hostnames whose OS-resolver answers share no
	// address with the direct A/AAAA answers. When false the disagreement
	// is logged and the OS answer wins.
	StrictRebind bool

	// LookupHost overrides the OS resolver lookup. Tests inject stubs here.
	LookupHost LookupHostFunc

	// LookupIP overrides the direct A/AAAA lookups.
	LookupIP LookupIPFunc
}

// Guard is safe for concurrent use.
type Guard struct {
	strictRebind bool
	lookupHost   LookupHostFunc
	lookupIP     LookupIPFunc
}

func New(opts Options) *Guard {
	g := &Guard{
		strictRebind: opts.StrictRebind,
		lookupHost:   opts.LookupHost,
		lookupIP:     opts.LookupIP,
	}
	if g.lookupHost == nil {
		g.lookupHost = net.DefaultResolver.LookupHost
	}
	if g.lookupIP == nil {
		g.lookupIP = net.DefaultResolver.LookupIP
	}
	return g
}

// blockedSuffixes are name shapes that never leave the local network.
var blockedSuffixes = []string{".local", ".internal", ".private"}

// blockedExact covers localhost plus the well-known cloud metadata endpoints.
var blockedExact = map[string]struct{}{
	"localhost":           {},
	"169.254.169.254":     {},
	"metadata.goog":       {},
	"metadata":            {},
	"instance-data":       {},
	"100.100.100.200":     {}, // Alibaba Cloud metadata
	"fd00:ec2::254":       {}, // AWS IPv6 metadata
	"metadata.azure.com":  {},
	"metadata.packet.net": {},
}

// dottedQuadRe finds IPv4-looking substrings inside longer hostnames, e.g.
// "10.0.0.5.attacker.example".
var dottedQuadRe = regexp.MustCompile(`(\d{1,3}\.){3}\d{1,3}`)

// Resolve validates host and returns the single address the caller must
// dial. host may be a hostname or an IP literal in any of the usual numeric
// disguises; it must not carry a port.
func (g *Guard) Resolve(ctx context.Context, host string) (netip.Addr, error) {
	h := strings.ToLower(strings.TrimSpace(host))
	h = strings.TrimSuffix(h, ".")
	h = strings.Trim(h, "[]") // bare IPv6 literals arrive bracketed from some clients
	if h == "" {
		return netip.Addr{}, reject(host, ReasonResolutionFailed)
	}

	if isBlockedName(h) {
		return netip.Addr{}, reject(host, ReasonBlockedName)
	}

	// Numeric forms never hit DNS: canonicalize, range-check, and return the
	// literal itself as the dial address.
	if addr, ok, err := parseNumeric(h); err != nil {
		// Looked numeric but would not parse. Fail closed.
		return netip.Addr{}, reject(host, ReasonPrivateLiteral)
	} else if ok {
		if isDisallowed(addr) {
			return netip.Addr{}, reject(host, ReasonPrivateLiteral)
		}
		return addr.Unmap(), nil
	}

	if hasEmbeddedPrivateQuad(h) {
		return netip.Addr{}, reject(host, ReasonEmbeddedPrivate)
	}

	return g.resolveName(ctx, host, h)
}

// resolveName runs the multi-method resolution of a non-literal hostname.
func (g *Guard) resolveName(ctx context.Context, orig, h string) (netip.Addr, error) {
	osAddrs := g.lookupOS(ctx, h)
	directAddrs := g.lookupDirect(ctx, h)

	if len(osAddrs) == 0 && len(directAddrs) == 0 {
		return netip.Addr{}, reject(orig, ReasonResolutionFailed)
	}

	if len(osAddrs) > 0 && len(directAddrs) > 0 && !sharesAddr(osAddrs, directAddrs) {
		if g.strictRebind {
			return netip.Addr{}, reject(orig, ReasonResolvedToPrivate)
		}
		log.Warn().
			Str("host", h).
			Strs("os_resolver", addrStrings(osAddrs)).
			Strs("direct_records", addrStrings(directAddrs)).
			Msg("guard: resolver disagreement, possible DNS rebinding")
	}

	// Every address from every method must pass. One private answer poisons
	// the whole name.
	for _, a := range append(append([]netip.Addr{}, osAddrs...), directAddrs...) {
		if isDisallowed(a) {
			return netip.Addr{}, reject(orig, ReasonResolvedToPrivate)
		}
	}

	if len(osAddrs) > 0 {
		return osAddrs[0].Unmap(), nil
	}
	return directAddrs[0].Unmap(), nil
}

func (g *Guard) lookupOS(ctx context.Context, h string) []netip.Addr {
	hosts, err := g.lookupHost(ctx, h)
	if err != nil {
		return nil
	}
	var out []netip.Addr
	for _, s := range hosts {
		if a, err := netip.ParseAddr(s); err == nil {
			out = append(out, a)
		}
	}
	return out
}

func (g *Guard) lookupDirect(ctx context.Context, h string) []netip.Addr {
	var out []netip.Addr
	for _, network := range []string{"ip4", "ip6"} {
		ips, err := g.lookupIP(ctx, network, h)
		if err != nil {
			continue
		}
		for _, ip := range ips {
			if a, ok := netip.AddrFromSlice(ip); ok {
				out = append(out, a)
			}
		}
	}
	return out
}

func isBlockedName(h string) bool {
	if _, ok := blockedExact[h]; ok {
		return true
	}
	for _, suffix := range blockedSuffixes {
		if strings.HasSuffix(h, suffix) {
			return true
		}
	}
	// IPv6 unique-local literals written as hostnames (fd.., fc..). Non-IPv6
	// hostnames that merely start with fc/fd fall through to DNS.
	if (strings.HasPrefix(h, "fd") || strings.HasPrefix(h, "fc")) && strings.Contains(h, ":") {
		return true
	}
	return false
}

// disallowedNets are the canonical ranges from which no SSH target may be
// served, beyond what netip's own classification catches.
var disallowedNets = []netip.Prefix{
	netip.MustParsePrefix("0.0.0.0/8"),
	netip.MustParsePrefix("100.64.0.0/10"), // carrier-grade NAT
	netip.MustParsePrefix("192.0.0.0/24"),
	netip.MustParsePrefix("198.18.0.0/15"),
	netip.MustParsePrefix("255.255.255.255/32"),
	netip.MustParsePrefix("::/128"),
	netip.MustParsePrefix("64:ff9b::/96"), // NAT64 can smuggle v4 ranges
}

// isDisallowed reports whether addr falls in any private, loopback,
// link-local, multicast, unspecified or otherwise non-routable range.
// IPv4-mapped IPv6 addresses are unwrapped first so ::ffff:10.0.0.1 is
// treated as 10.0.0.1.
func isDisallowed(addr netip.Addr) bool {
	a := addr.Unmap()
	if a.IsLoopback() || a.IsPrivate() || a.IsLinkLocalUnicast() ||
		a.IsLinkLocalMulticast() || a.IsMulticast() || a.IsUnspecified() ||
		a.IsInterfaceLocalMulticast() {
		return true
	}
	for _, p := range disallowedNets {
		if p.Contains(a) {
			return true
		}
	}
	return false
}

// hasEmbeddedPrivateQuad scans a hostname for dotted-quad substrings that
// land in a disallowed range, e.g. "127.0.0.1.nip.io".
func hasEmbeddedPrivateQuad(h string) bool {
	for _, m := range dottedQuadRe.FindAllString(h, -1) {
		if a, err := netip.ParseAddr(m); err == nil && isDisallowed(a) {
			return true
		}
	}
	return false
}

// parseNumeric canonicalizes IP literals including the inet_aton disguises:
// plain dotted quad, IPv6, a single decimal or 0x-prefixed integer, and
// dotted forms whose octets carry hex prefixes or leading zeros (octal).
// ok is false when the input does not look like a numeric address at all;
// err is non-nil when it looks numeric but fails to parse (callers must
// fail closed on that).
func parseNumeric(h string) (addr netip.Addr, ok bool, err error) {
	// Standard literals first: dotted quad without leading-zero octets, and
	// any IPv6 form.
	if a, perr := netip.ParseAddr(h); perr == nil {
		// netip accepts "1.2.3.4" but Go's parser already refuses leading
		// zeros, so anything that parsed here is canonical.
		return a, true, nil
	}

	if !looksNumeric(h) {
		return netip.Addr{}, false, nil
	}

	parts := strings.Split(h, ".")
	if len(parts) > 4 {
		return netip.Addr{}, true, fmt.Errorf("guard: %q: too many octets", h)
	}
	vals := make([]uint64, len(parts))
	for i, p := range parts {
		v, perr := parseOctet(p)
		if perr != nil {
			return netip.Addr{}, true, perr
		}
		vals[i] = v
	}

	// inet_aton semantics: the final part fills all remaining bytes.
	var n uint64
	switch len(vals) {
	case 1:
		n = vals[0]
	case 2:
		if vals[0] > 0xff || vals[1] > 0xffffff {
			return netip.Addr{}, true, fmt.Errorf("guard: %q: octet out of range", h)
		}
		n = vals[0]<<24 | vals[1]
	case 3:
		if vals[0] > 0xff || vals[1] > 0xff || vals[2] > 0xffff {
			return netip.Addr{}, true, fmt.Errorf("guard: %q: octet out of range", h)
		}
		n = vals[0]<<24 | vals[1]<<16 | vals[2]
	case 4:
		for _, v := range vals {
			if v > 0xff {
				return netip.Addr{}, true, fmt.Errorf("guard: %q: octet out of range", h)
			}
		}
		n = vals[0]<<24 | vals[1]<<16 | vals[2]<<8 | vals[3]
	}
	if n > 0xffffffff {
		return netip.Addr{}, true, fmt.Errorf("guard: %q: out of IPv4 range", h)
	}

	return netip.AddrFrom4([4]byte{byte(n >> 24), byte(n >> 16), byte(n >> 8), byte(n)}), true, nil
}

// parseOctet parses one inet_aton field: decimal, 0x hex, or 0-prefixed octal.
func parseOctet(p string) (uint64, error) {
	if p == "" {
		return 0, fmt.Errorf("guard: empty octet")
	}
	switch {
	case strings.HasPrefix(p, "0x") || strings.HasPrefix(p, "0X"):
		return strconv.ParseUint(p[2:], 16, 64)
	case len(p) > 1 && p[0] == '0':
		return strconv.ParseUint(p[1:], 8, 64)
	default:
		return strconv.ParseUint(p, 10, 64)
	}
}

// looksNumeric reports whether h is made of digits, dots and hex markers
// only, i.e. something a resolver should never see.
func looksNumeric(h string) bool {
	seenDigit := false
	for i := 0; i < len(h); i++ {
		c := h[i]
		switch {
		case c >= '0' && c <= '9':
			seenDigit = true
		case c == '.':
		case c == 'x' || c == 'X':
			// only valid as part of a 0x prefix
			if i == 0 || h[i-1] != '0' {
				return false
			}
		case (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F'):
			// hex digits only make sense when a 0x prefix is present
			if !strings.Contains(h, "0x") && !strings.Contains(h, "0X") {
				return false
			}
		default:
			return false
		}
	}
	return seenDigit
}

func sharesAddr(a, b []netip.Addr) bool {
	set := make(map[netip.Addr]struct{}, len(a))
	for _, x := range a {
		set[x.Unmap()] = struct{}{}
	}
	for _, y := range b {
		if _, ok := set[y.Unmap()]; ok {
			return true
		}
	}
	return false
}

func addrStrings(addrs []netip.Addr) []string {
	out := make([]string, len(addrs))
	for i, a := range addrs {
		out[i] = a.String()
	}
	return out
}
