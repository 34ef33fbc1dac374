package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/miekg/dns"
	"golang.org/x/sync/errgroup"
)

// LookupFunc resolves name to IPv4 addresses. server is the DNS server to
// query ("" means the system resolver).
type LookupFunc func(ctx context.Context, name, server string) ([]netip.Addr, error)

// ResolvedEntry is the resolution state of one allowlist entry
type ResolvedEntry struct {
	Name           string       `json:"name"`
	IPs            []netip.Addr `json:"ips"`
	LastResolvedAt time.Time    `json:"last_resolved_at"`
	// LastKnownGood is set when the latest lookup failed and IPs were
	// carried over from an earlier successful one.
	LastKnownGood bool `json:"last_known_good"`
}

const (
	defaultLookupTimeout     = 5 * time.Second
	defaultLookupConcurrency = 8
)

// Resolver turns allowlist entries (domains or literal IPs) into IP sets
type Resolver struct {
	lookup      LookupFunc
	server      string
	timeout     time.Duration
	concurrency int
	now         func() time.Time
}

// ResolverOption customizes a Resolver
type ResolverOption func(*Resolver)

// WithLookupFunc replaces the DNS lookup (used by tests)
func WithLookupFunc(fn LookupFunc) ResolverOption {
	return func(r *Resolver) { r.lookup = fn }
}

// WithLookupTimeout bounds every single lookup
func WithLookupTimeout(d time.Duration) ResolverOption {
	return func(r *Resolver) { r.timeout = d }
}

// WithClock overrides the time source for LastResolvedAt
func WithClock(now func() time.Time) ResolverOption {
	return func(r *Resolver) { r.now = now }
}

// NewResolver creates a resolver that queries server directly, or the system
// resolver when server is empty
func NewResolver(server string, opts ...ResolverOption) *Resolver {
	r := &Resolver{
		lookup:      defaultLookup,
		server:      server,
		timeout:     defaultLookupTimeout,
		concurrency: defaultLookupConcurrency,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// normalizeName lowercases and strips the trailing dot of a domain entry
func normalizeName(name string) string {
	return strings.TrimSuffix(strings.ToLower(strings.TrimSpace(name)), ".")
}

// Resolve returns the IPv4 set for a single entry. A literal IPv4 address is
// returned as-is without any network call.
func (r *Resolver) Resolve(ctx context.Context, name string) ([]netip.Addr, error) {
	name = normalizeName(name)
	if name == "" {
		return nil, errors.New("empty name")
	}

	if ip, err := netip.ParseAddr(name); err == nil {
		ip = ip.Unmap()
		if !ip.Is4() {
			return nil, fmt.Errorf("IPv6 address %s is not supported (IPv4 only)", name)
		}
		return []netip.Addr{ip}, nil
	}

	lookupCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	ips, err := r.lookup(lookupCtx, name, r.server)
	if err != nil {
		return nil, err
	}

	var out []netip.Addr
	for _, ip := range ips {
		ip = ip.Unmap()
		if ip.Is4() {
			out = append(out, ip)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no IPv4 addresses for %s", name)
	}
	slices.SortFunc(out, netip.Addr.Compare)
	return slices.Compact(out), nil
}

// ResolveAll resolves every entry concurrently. For entries that fail, the
// matching entry from previous is carried over with LastKnownGood set, so a
// transient DNS failure never drops an entry that used to resolve. The
// returned error joins one *ResolutionError per failed entry.
func (r *Resolver) ResolveAll(ctx context.Context, names []string, previous map[string]ResolvedEntry) (map[string]ResolvedEntry, error) {
	var (
		mu      sync.Mutex
		results = make(map[string]ResolvedEntry, len(names))
		errs    []error
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)

	seen := make(map[string]struct{}, len(names))
	for _, raw := range names {
		name := normalizeName(raw)
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}

		g.Go(func() error {
			ips, err := r.Resolve(gctx, name)

			mu.Lock()
			defer mu.Unlock()

			if err != nil {
				errs = append(errs, &ResolutionError{Name: name, Err: err})
				if prev, ok := previous[name]; ok && len(prev.IPs) > 0 {
					prev.LastKnownGood = true
					results[name] = prev
				}
				return nil
			}

			results[name] = ResolvedEntry{
				Name:           name,
				IPs:            ips,
				LastResolvedAt: r.now(),
			}
			return nil
		})
	}

	// Workers never return errors; failures are collected in errs
	_ = g.Wait()

	return results, errors.Join(errs...)
}

// defaultLookup queries server with miekg/dns, or the system resolver when
// server is empty
func defaultLookup(ctx context.Context, name, server string) ([]netip.Addr, error) {
	if server == "" {
		return net.DefaultResolver.LookupNetIP(ctx, "ip4", name)
	}
	return exchangeA(ctx, name, serverAddress(server))
}

// serverAddress appends the default DNS port unless one is present
func serverAddress(server string) string {
	if _, err := netip.ParseAddrPort(server); err == nil {
		return server
	}
	return net.JoinHostPort(server, "53")
}

// exchangeA sends an A query to addr, retrying over TCP on truncation
func exchangeA(ctx context.Context, name, addr string) ([]netip.Addr, error) {
	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(name), dns.TypeA)
	msg.RecursionDesired = true

	client := &dns.Client{Net: "udp"}
	resp, _, err := client.ExchangeContext(ctx, msg, addr)
	if err == nil && resp.Truncated {
		client.Net = "tcp"
		resp, _, err = client.ExchangeContext(ctx, msg, addr)
	}
	if err != nil {
		return nil, fmt.Errorf("dns query to %s failed: %w", addr, err)
	}
	if resp.Rcode != dns.RcodeSuccess {
		return nil, fmt.Errorf("dns query for %s returned %s", name, dns.RcodeToString[resp.Rcode])
	}

	var ips []netip.Addr
	for _, rr := range resp.Answer {
		a, ok := rr.(*dns.A)
		if !ok {
			continue
		}
		if ip, ok := netip.AddrFromSlice(a.A); ok {
			ips = append(ips, ip.Unmap())
		}
	}
	return ips, nil
}
