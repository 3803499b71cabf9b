// Package spf implements pipeline.SPFChecker: it fetches the sender
// domain's SPF TXT record and evaluates the connecting IP against its
// mechanisms (RFC 7208, the directives magma's mail flow actually
// needs to honor: ip4, ip6, a, mx, include, all).
//
// New, following the same client-resolver approach as pipeline/rbl,
// since (as noted there) third_party/dns in this tree is a DNS
// server, not a client.
package spf

import (
	"context"
	"net"
	"strconv"
	"strings"
)

const maxIncludeDepth = 10

// Qualifier is the result an SPF mechanism match carries: +pass,
// -fail, ~softfail, ?neutral.
type Qualifier byte

const (
	Pass     Qualifier = '+'
	Fail     Qualifier = '-'
	SoftFail Qualifier = '~'
	Neutral  Qualifier = '?'
)

// Checker evaluates SPF records via DNS TXT lookups.
type Checker struct {
	Resolver *net.Resolver
}

// New returns a Checker using net.DefaultResolver.
func New() *Checker {
	return &Checker{Resolver: net.DefaultResolver}
}

// Check implements pipeline.SPFChecker. A domain with no SPF record
// at all is treated as a pass (RFC 7208 "none" result, not our
// business to reject), matching spec §4.5's framing of SPF as one
// input among several rather than an automatic hard-fail gate.
func (c *Checker) Check(ctx context.Context, remoteIP, mailFrom, heloName string) (bool, error) {
	domain := domainOf(mailFrom)
	if domain == "" {
		domain = heloName
	}
	if domain == "" {
		return true, nil
	}
	ip := net.ParseIP(remoteIP)
	if ip == nil {
		return true, nil
	}
	q, err := c.evaluate(ctx, domain, ip, 0)
	if err != nil {
		// A resolution failure ("temperror"/"permerror" in RFC 7208
		// terms) should not itself bounce mail; let later checks
		// (greylist, spam) carry the weight instead.
		return true, nil
	}
	return q != Fail, nil
}

func (c *Checker) evaluate(ctx context.Context, domain string, ip net.IP, depth int) (Qualifier, error) {
	if depth > maxIncludeDepth {
		return Neutral, nil
	}
	record, err := c.lookupSPF(ctx, domain)
	if err != nil {
		return Neutral, err
	}
	if record == "" {
		return Neutral, nil
	}

	fields := strings.Fields(record)
	for _, field := range fields[1:] { // fields[0] == "v=spf1"
		qualifier, mechanism, arg := splitMechanism(field)
		var matched bool
		switch {
		case mechanism == "all":
			matched = true
		case strings.HasPrefix(mechanism, "ip4"), strings.HasPrefix(mechanism, "ip6"):
			matched = matchCIDR(arg, ip)
		case mechanism == "a":
			matched = c.matchHostAddrs(ctx, orDomain(arg, domain), ip)
		case mechanism == "mx":
			matched = c.matchMX(ctx, orDomain(arg, domain), ip)
		case mechanism == "include":
			q, err := c.evaluate(ctx, arg, ip, depth+1)
			if err == nil && q == Pass {
				matched = true
			}
		default:
			continue
		}
		if matched {
			return qualifier, nil
		}
	}
	return Neutral, nil
}

func (c *Checker) lookupSPF(ctx context.Context, domain string) (string, error) {
	txts, err := c.Resolver.LookupTXT(ctx, domain)
	if err != nil {
		return "", err
	}
	for _, txt := range txts {
		if strings.HasPrefix(strings.ToLower(txt), "v=spf1") {
			return txt, nil
		}
	}
	return "", nil
}

func (c *Checker) matchHostAddrs(ctx context.Context, domain string, ip net.IP) bool {
	addrs, err := c.Resolver.LookupIPAddr(ctx, domain)
	if err != nil {
		return false
	}
	for _, a := range addrs {
		if a.IP.Equal(ip) {
			return true
		}
	}
	return false
}

func (c *Checker) matchMX(ctx context.Context, domain string, ip net.IP) bool {
	mxs, err := c.Resolver.LookupMX(ctx, domain)
	if err != nil {
		return false
	}
	for _, mx := range mxs {
		if c.matchHostAddrs(ctx, mx.Host, ip) {
			return true
		}
	}
	return false
}

func domainOf(addr string) string {
	i := strings.LastIndexByte(addr, '@')
	if i < 0 {
		return ""
	}
	return addr[i+1:]
}

func orDomain(arg, domain string) string {
	if arg == "" {
		return domain
	}
	return arg
}

func splitMechanism(field string) (qualifier Qualifier, mechanism, arg string) {
	qualifier = Pass
	switch field[0] {
	case '+', '-', '~', '?':
		qualifier = Qualifier(field[0])
		field = field[1:]
	}
	name, value, _ := strings.Cut(field, ":")
	name, cidr, hasCIDR := strings.Cut(name, "/")
	if hasCIDR && value == "" {
		value = cidr
	} else if hasCIDR {
		value = value + "/" + cidr
	}
	return qualifier, strings.ToLower(name), value
}

func matchCIDR(arg string, ip net.IP) bool {
	if arg == "" {
		return false
	}
	if !strings.Contains(arg, "/") {
		bits := 32
		if ip.To4() == nil {
			bits = 128
		}
		arg = arg + "/" + strconv.Itoa(bits)
	}
	_, network, err := net.ParseCIDR(arg)
	if err != nil {
		return false
	}
	return network.Contains(ip)
}
