// Package validate implements the URL pre-flight check used before a job is queued
// and again for every redirect hop: scheme allow-listing plus SSRF protection by
// resolving the host and rejecting reserved network addresses.
package validate

import (
	"context"
	"net"
	"net/netip"
	"net/url"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/Sriram-PR/link-archiver/pkg/models"
)

// reservedPrefixes lists every range a fetch must never reach.
// Parsed once at package initialization.
var reservedPrefixes = mustParsePrefixes(
	// IPv4
	"0.0.0.0/8",       // "this" network
	"10.0.0.0/8",      // private
	"100.64.0.0/10",   // carrier-grade NAT
	"127.0.0.0/8",     // loopback
	"169.254.0.0/16",  // link-local (cloud metadata lives here)
	"172.16.0.0/12",   // private
	"192.0.0.0/24",    // IETF protocol assignments
	"192.0.2.0/24",    // TEST-NET-1
	"192.168.0.0/16",  // private
	"198.18.0.0/15",   // benchmarking
	"198.51.100.0/24", // TEST-NET-2
	"203.0.113.0/24",  // TEST-NET-3
	"224.0.0.0/4",     // multicast
	"240.0.0.0/4",     // reserved + broadcast
	// IPv6
	"::/128",        // unspecified
	"::1/128",       // loopback
	"64:ff9b::/96",  // NAT64
	"100::/64",      // discard-only
	"2001:db8::/32", // documentation
	"2002::/16",     // 6to4, can wrap any IPv4 address
	"fc00::/7",      // unique local
	"fe80::/10",     // link-local
	"fec0::/10",     // site-local (deprecated)
	"ff00::/8",      // multicast
)

func mustParsePrefixes(cidrs ...string) []netip.Prefix {
	prefixes := make([]netip.Prefix, 0, len(cidrs))
	for _, c := range cidrs {
		prefixes = append(prefixes, netip.MustParsePrefix(c))
	}
	return prefixes
}

// IsReservedIP reports whether addr falls in any private, loopback, link-local or
// otherwise reserved range. IPv4-mapped IPv6 addresses are checked as IPv4 and zone
// identifiers are ignored.
func IsReservedIP(addr netip.Addr) bool {
	if !addr.IsValid() {
		return true
	}
	// Prefix.Contains never matches a zoned address
	addr = addr.Unmap().WithZone("")
	for _, p := range reservedPrefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// Resolver is the DNS lookup the validator depends on; *net.Resolver satisfies it
type Resolver interface {
	LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error)
}

// Validator checks URLs for scheme and SSRF safety. It holds no mutable state and
// never issues HTTP requests, so it is safe to call once per redirect hop from any goroutine.
type Validator struct {
	resolver Resolver
	log      *logrus.Entry
}

// NewValidator creates a Validator. A nil resolver uses net.DefaultResolver
func NewValidator(resolver Resolver, log *logrus.Entry) *Validator {
	if resolver == nil {
		resolver = net.DefaultResolver
	}
	return &Validator{resolver: resolver, log: log}
}

// Validate parses rawURL, enforces http/https and rejects hosts resolving to reserved
// addresses. On success it returns the URL string unchanged apart from parsing.
// Every failure is a *models.FetchError tagged invalid_url or blocked.
func (v *Validator) Validate(ctx context.Context, rawURL string) (string, error) {
	parsed, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return "", models.NewFetchError(models.ErrorCodeInvalidURL, rawURL, "malformed URL: %v", err)
	}

	scheme := strings.ToLower(parsed.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", models.NewFetchError(models.ErrorCodeInvalidURL, rawURL, "unsupported scheme %q", parsed.Scheme).
			WithDetail("scheme", parsed.Scheme)
	}

	host := parsed.Hostname()
	if host == "" {
		return "", models.NewFetchError(models.ErrorCodeInvalidURL, rawURL, "URL has no host")
	}

	// IP literals need no DNS round-trip
	if addr, parseErr := netip.ParseAddr(host); parseErr == nil {
		if IsReservedIP(addr) {
			v.logBlocked(rawURL, host, addr)
			return "", models.NewFetchError(models.ErrorCodeBlocked, rawURL, "address %s is in a reserved range", addr).
				WithDetail("resolved_ip", addr.String())
		}
		return parsed.String(), nil
	}

	addrs, err := v.resolver.LookupIPAddr(ctx, host)
	if err != nil {
		return "", models.NewFetchError(models.ErrorCodeInvalidURL, rawURL, "DNS resolution failed for %s: %v", host, err).
			WithDetail("host", host)
	}
	if len(addrs) == 0 {
		return "", models.NewFetchError(models.ErrorCodeInvalidURL, rawURL, "host %s resolved to no addresses", host).
			WithDetail("host", host)
	}

	for _, ipAddr := range addrs {
		addr, ok := netip.AddrFromSlice(ipAddr.IP)
		if !ok || IsReservedIP(addr) {
			v.logBlocked(rawURL, host, addr)
			return "", models.NewFetchError(models.ErrorCodeBlocked, rawURL, "host %s resolves to reserved address %s", host, ipAddr.IP).
				WithDetail("host", host).
				WithDetail("resolved_ip", ipAddr.IP.String())
		}
	}

	return parsed.String(), nil
}

func (v *Validator) logBlocked(rawURL, host string, addr netip.Addr) {
	if v.log == nil {
		return
	}
	v.log.WithFields(logrus.Fields{"url": rawURL, "host": host, "ip": addr.String()}).Warn("URL blocked: reserved address")
}
