/*
Package stats records traffic statistics for the interception servers.

Two sinks exist side by side: append-only per-day CSV files whose column
order is a contract with downstream consumers, and in-memory counters
flushed periodically to SQLite for aggregate queries across restarts.
The Collector uses atomic operations for lock-free increments on the hot
relay path.
*/
package stats

import (
	"sync"
	"sync/atomic"
)

// engineStats holds per-engine counters (all atomic for lock-free access).
type engineStats struct {
	Messages atomic.Int64
	BytesIn  atomic.Int64
	BytesOut atomic.Int64
	Errors   atomic.Int64
}

// Collector accumulates in-memory traffic statistics.
type Collector struct {
	// Per-engine relay stats.
	engines sync.Map // string -> *engineStats

	// Per-domain connection counts.
	domainConns sync.Map // string -> *atomic.Int64

	// Per-protocol message counts ("HTTP", "Websocket", "").
	protocols sync.Map // string -> *atomic.Int64

	// Per-domain DNS query counts.
	dnsQueries sync.Map // string -> *atomic.Int64

	// Acceptor counters.
	ConnectionsAccepted atomic.Int64
	AcceptErrors        atomic.Int64
	TLSConnections      atomic.Int64
	PlainConnections    atomic.Int64
	ActiveWorkers       atomic.Int64

	// DNS server counters.
	DNSRedirected atomic.Int64
	DNSForwarded  atomic.Int64
	DNSCacheHits  atomic.Int64
	DNSErrors     atomic.Int64
	DNSOffline    atomic.Int64
}

// NewCollector creates a new in-memory stats collector.
func NewCollector() *Collector {
	return &Collector{}
}

// RecordConnection records one accepted connection routed to an engine.
func (c *Collector) RecordConnection(domain, engine string, tls bool) {
	c.ConnectionsAccepted.Add(1)
	if tls {
		c.TLSConnections.Add(1)
	} else {
		c.PlainConnections.Add(1)
	}

	dv, _ := c.domainConns.LoadOrStore(domain, &atomic.Int64{})
	dv.(*atomic.Int64).Add(1) //nolint:errcheck // type is guaranteed by LoadOrStore

	ev, _ := c.engines.LoadOrStore(engine, &engineStats{})
	_ = ev
}

// RecordMessage records one relayed message for an engine.
func (c *Collector) RecordMessage(engine, protocol string, bytesIn, bytesOut int64, isErr bool) {
	ev, _ := c.engines.LoadOrStore(engine, &engineStats{})
	es, _ := ev.(*engineStats) //nolint:errcheck // type is guaranteed by LoadOrStore
	es.Messages.Add(1)
	es.BytesIn.Add(bytesIn)
	es.BytesOut.Add(bytesOut)
	if isErr {
		es.Errors.Add(1)
	}

	pv, _ := c.protocols.LoadOrStore(protocol, &atomic.Int64{})
	pv.(*atomic.Int64).Add(1) //nolint:errcheck // type is guaranteed by LoadOrStore
}

// RecordDNSQuery records one DNS query by name.
func (c *Collector) RecordDNSQuery(qname string) {
	qv, _ := c.dnsQueries.LoadOrStore(qname, &atomic.Int64{})
	qv.(*atomic.Int64).Add(1) //nolint:errcheck // type is guaranteed by LoadOrStore
}

// EngineSnapshot captures a point-in-time view of per-engine counters.
type EngineSnapshot struct {
	Name     string
	Messages int64
	BytesIn  int64
	BytesOut int64
	Errors   int64
}

// NameCount holds a name and its counter value.
type NameCount struct {
	Name  string
	Count int64
}

// SnapshotEngines returns current per-engine stats.
func (c *Collector) SnapshotEngines() []EngineSnapshot {
	var out []EngineSnapshot
	c.engines.Range(func(key, value any) bool {
		name, _ := key.(string)       //nolint:errcheck // type is guaranteed
		es, _ := value.(*engineStats) //nolint:errcheck // type is guaranteed
		out = append(out, EngineSnapshot{
			Name:     name,
			Messages: es.Messages.Load(),
			BytesIn:  es.BytesIn.Load(),
			BytesOut: es.BytesOut.Load(),
			Errors:   es.Errors.Load(),
		})
		return true
	})
	return out
}

// SnapshotDomainConnections returns current per-domain connection counts.
func (c *Collector) SnapshotDomainConnections() []NameCount {
	return snapshotCounters(&c.domainConns)
}

// SnapshotProtocols returns current per-protocol message counts.
func (c *Collector) SnapshotProtocols() []NameCount {
	return snapshotCounters(&c.protocols)
}

// SnapshotDNSQueries returns current per-name DNS query counts.
func (c *Collector) SnapshotDNSQueries() []NameCount {
	return snapshotCounters(&c.dnsQueries)
}

// TotalMessages returns the sum of all engine message counts.
func (c *Collector) TotalMessages() int64 {
	var total int64
	c.engines.Range(func(_, value any) bool {
		es, _ := value.(*engineStats) //nolint:errcheck // type is guaranteed
		total += es.Messages.Load()
		return true
	})
	return total
}

func snapshotCounters(m *sync.Map) []NameCount {
	var out []NameCount
	m.Range(func(key, value any) bool {
		name, _ := key.(string)             //nolint:errcheck // type is guaranteed
		counter, _ := value.(*atomic.Int64) //nolint:errcheck // type is guaranteed
		out = append(out, NameCount{Name: name, Count: counter.Load()})
		return true
	})
	return out
}
