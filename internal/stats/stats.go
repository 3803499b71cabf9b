// Package stats is a process-wide counter registry: a fixed set of
// named uint64 counters, each guarded by its own mutex, that the
// protocol servers and providers bump as they run.
//
// Grounded on original_source/src/engine/status/statistics.c's static
// stats table (a name array plus one lock and one uint64 per entry);
// here the fixed-size C array becomes a map built once at init time,
// since Go has no equivalent to magma's preprocessor-sized struct
// literal.
package stats

import "sync"

// Names of every counter this process tracks, mirroring the original
// engine's core/protocol/provider/object categories.
const (
	CoreThreadingWorkers = "core.threading.workers"

	SMTPConnectionsTotal  = "smtp.connections.total"
	SMTPConnectionsSecure = "smtp.connections.secure"

	DMTPConnectionsTotal  = "dmtp.connections.total"
	DMTPConnectionsSecure = "dmtp.connections.secure"

	HTTPConnectionsTotal  = "http.connections.total"
	HTTPConnectionsSecure = "http.connections.secure"

	IMAPConnectionsTotal  = "imap.connections.total"
	IMAPConnectionsSecure = "imap.connections.secure"

	POPConnectionsTotal  = "pop.connections.total"
	POPConnectionsSecure = "pop.connections.secure"

	ProviderVirusAvailable     = "provider.virus.available"
	ProviderVirusScanTotal     = "provider.virus.scan.total"
	ProviderVirusScanClean     = "provider.virus.scan.clean"
	ProviderVirusScanInfected  = "provider.virus.scan.infected"

	ProviderSPFChecked = "provider.spf.checked"
	ProviderSPFPass    = "provider.spf.pass"
	ProviderSPFFail    = "provider.spf.fail"
	ProviderSPFNeutral = "provider.spf.neutral"
	ProviderSPFError   = "provider.spf.error"

	ProviderDKIMSigned  = "provider.dkim.signed"
	ProviderDKIMChecked = "provider.dkim.checked"
	ProviderDKIMPass    = "provider.dkim.pass"
	ProviderDKIMFail    = "provider.dkim.fail"
	ProviderDKIMError   = "provider.dkim.error"

	ObjectsUsersTotal    = "objects.users.total"
	ObjectsSessionsTotal = "objects.sessions.total"

	GreylistDeferred = "greylist.deferred"
	GreylistAllowed  = "greylist.allowed"

	AuthFailures = "auth.failures"
	AuthSuccess  = "auth.success"

	MessagesReceived  = "messages.received"
	MessagesDelivered = "messages.delivered"
	MessagesBounced   = "messages.bounced"
	MessagesDropped   = "messages.dropped"

	ErrorsTotal = "errors.total"
)

var names = []string{
	CoreThreadingWorkers,
	SMTPConnectionsTotal, SMTPConnectionsSecure,
	DMTPConnectionsTotal, DMTPConnectionsSecure,
	HTTPConnectionsTotal, HTTPConnectionsSecure,
	IMAPConnectionsTotal, IMAPConnectionsSecure,
	POPConnectionsTotal, POPConnectionsSecure,
	ProviderVirusAvailable, ProviderVirusScanTotal, ProviderVirusScanClean, ProviderVirusScanInfected,
	ProviderSPFChecked, ProviderSPFPass, ProviderSPFFail, ProviderSPFNeutral, ProviderSPFError,
	ProviderDKIMSigned, ProviderDKIMChecked, ProviderDKIMPass, ProviderDKIMFail, ProviderDKIMError,
	ObjectsUsersTotal, ObjectsSessionsTotal,
	GreylistDeferred, GreylistAllowed,
	AuthFailures, AuthSuccess,
	MessagesReceived, MessagesDelivered, MessagesBounced, MessagesDropped,
	ErrorsTotal,
}

// counter is a single named value with its own lock, matching the
// original's one-mutex-per-slot layout rather than one global lock
// for the whole table.
type counter struct {
	mu    sync.Mutex
	value uint64
}

// Registry is a process-wide set of named counters.
type Registry struct {
	counters map[string]*counter
}

// global is the registry every package-level helper in this file
// operates on, analogous to the original's single static stats table.
var global = New()

// New builds a Registry with every known counter initialized to zero.
// Tests that want isolation from other packages' counters can build
// their own Registry instead of using the package-level helpers.
func New() *Registry {
	r := &Registry{counters: make(map[string]*counter, len(names))}
	for _, name := range names {
		r.counters[name] = &counter{}
	}
	return r
}

// Incr adds delta to the named counter, registering it on first use if
// it isn't one of the well-known names above. It returns the new value.
func (r *Registry) Incr(name string, delta uint64) uint64 {
	c, ok := r.counters[name]
	if !ok {
		c = &counter{}
		r.counters[name] = c
	}
	c.mu.Lock()
	c.value += delta
	c.mu.Unlock()
	return c.value
}

// Set overwrites the named counter's value.
func (r *Registry) Set(name string, value uint64) {
	c, ok := r.counters[name]
	if !ok {
		c = &counter{}
		r.counters[name] = c
	}
	c.mu.Lock()
	c.value = value
	c.mu.Unlock()
}

// Get returns the named counter's current value, or 0 if it has never
// been touched.
func (r *Registry) Get(name string) uint64 {
	c, ok := r.counters[name]
	if !ok {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.value
}

// Snapshot returns a point-in-time copy of every counter, for a
// status page or debug endpoint to render.
func (r *Registry) Snapshot() map[string]uint64 {
	out := make(map[string]uint64, len(r.counters))
	for name, c := range r.counters {
		c.mu.Lock()
		out[name] = c.value
		c.mu.Unlock()
	}
	return out
}

// SumErrors totals every counter whose name starts with "errors." or
// ends with ".errors", matching stats_sum_errors' convention for
// rolling up error counts without hand-maintaining a master total.
func (r *Registry) SumErrors() uint64 {
	var total uint64
	for name, c := range r.counters {
		if name == ErrorsTotal {
			continue
		}
		if hasPrefix(name, "errors.") || hasSuffix(name, ".errors") {
			c.mu.Lock()
			total += c.value
			c.mu.Unlock()
		}
	}
	return total
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}

func hasSuffix(s, suffix string) bool {
	return len(s) >= len(suffix) && s[len(s)-len(suffix):] == suffix
}

// Incr, Set, Get, and Snapshot operate on the package-level global
// registry, for callers that don't need an isolated Registry of their
// own (the common case: one process, one set of counters).
func Incr(name string, delta uint64) uint64 { return global.Incr(name, delta) }
func Set(name string, value uint64)         { global.Set(name, value) }
func Get(name string) uint64                { return global.Get(name) }
func Snapshot() map[string]uint64           { return global.Snapshot() }
func SumErrors() uint64                     { return global.SumErrors() }
