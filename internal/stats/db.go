package stats

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

// DB manages the aggregate SQLite database and periodic flushing.
type DB struct {
	mu        sync.Mutex
	conn      *sqlite.Conn
	collector *Collector
	logger    *slog.Logger
	interval  time.Duration
	cancel    context.CancelFunc
	done      chan struct{}

	// Cumulative snapshots from the previous flush, for delta computation.
	lastEngines     map[string]EngineSnapshot
	lastDomainConns map[string]int64
	lastProtocols   map[string]int64
	lastDNSQueries  map[string]int64
}

// Open opens or creates an aggregate database at the given path.
func Open(dbPath string, collector *Collector, logger *slog.Logger, flushInterval time.Duration) (*DB, error) {
	conn, err := sqlite.OpenConn(dbPath, sqlite.OpenReadWrite|sqlite.OpenCreate)
	if err != nil {
		return nil, fmt.Errorf("open stats db: %w", err)
	}

	db := &DB{
		conn:            conn,
		collector:       collector,
		logger:          logger,
		interval:        flushInterval,
		done:            make(chan struct{}),
		lastEngines:     make(map[string]EngineSnapshot),
		lastDomainConns: make(map[string]int64),
		lastProtocols:   make(map[string]int64),
		lastDNSQueries:  make(map[string]int64),
	}

	if err := db.ensureSchema(); err != nil {
		_ = conn.Close()
		return nil, err
	}

	return db, nil
}

// Start begins the background flush loop.
func (db *DB) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	db.cancel = cancel

	go db.flushLoop(ctx)
}

// Close stops the flush loop, performs a final flush, and closes the database.
func (db *DB) Close() error {
	if db.cancel != nil {
		db.cancel()
		<-db.done
	}

	if err := db.Flush(); err != nil {
		db.logger.Error("final stats flush failed", "error", err)
	}

	return db.conn.Close()
}

// flushLoop runs periodic flushes until the context is cancelled.
func (db *DB) flushLoop(ctx context.Context) {
	defer close(db.done)

	ticker := time.NewTicker(db.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := db.Flush(); err != nil {
				db.logger.Error("stats flush failed", "error", err)
			}
		}
	}
}

// Flush computes deltas since the last flush and writes them to SQLite.
func (db *DB) Flush() (err error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	hour := time.Now().UTC().Truncate(time.Hour).Format("2006-01-02T15")

	defer sqlitex.Save(db.conn)(&err)

	// Per-engine hourly traffic (delta since last flush).
	currentEngines := make(map[string]EngineSnapshot)
	for _, es := range db.collector.SnapshotEngines() {
		currentEngines[es.Name] = es
		prev := db.lastEngines[es.Name]
		dMsgs := es.Messages - prev.Messages
		dIn := es.BytesIn - prev.BytesIn
		dOut := es.BytesOut - prev.BytesOut
		dErrs := es.Errors - prev.Errors
		if dMsgs == 0 && dIn == 0 && dOut == 0 && dErrs == 0 {
			continue
		}
		err = sqlitex.Execute(db.conn, `
			INSERT INTO engine_hourly (hour, engine, messages, bytes_in, bytes_out, errors)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT (hour, engine) DO UPDATE SET
				messages  = messages  + excluded.messages,
				bytes_in  = bytes_in  + excluded.bytes_in,
				bytes_out = bytes_out + excluded.bytes_out,
				errors    = errors    + excluded.errors
		`, &sqlitex.ExecOptions{
			Args: []any{hour, es.Name, dMsgs, dIn, dOut, dErrs},
		})
		if err != nil {
			return fmt.Errorf("upsert engine_hourly: %w", err)
		}
	}
	db.lastEngines = currentEngines

	if db.lastDomainConns, err = db.flushCounters(
		db.collector.SnapshotDomainConnections(), db.lastDomainConns, "domain_connections", "domain"); err != nil {
		return err
	}
	if db.lastProtocols, err = db.flushCounters(
		db.collector.SnapshotProtocols(), db.lastProtocols, "protocol_messages", "protocol"); err != nil {
		return err
	}
	if db.lastDNSQueries, err = db.flushCounters(
		db.collector.SnapshotDNSQueries(), db.lastDNSQueries, "dns_queries", "qname"); err != nil {
		return err
	}

	return nil
}

// flushCounters writes deltas for one name->count table and returns the new
// cumulative snapshot.
func (db *DB) flushCounters(snapshot []NameCount, last map[string]int64, table, keyCol string) (map[string]int64, error) {
	current := make(map[string]int64, len(snapshot))
	for _, nc := range snapshot {
		current[nc.Name] = nc.Count
		delta := nc.Count - last[nc.Name]
		if delta == 0 {
			continue
		}
		err := sqlitex.Execute(db.conn, fmt.Sprintf(`
			INSERT INTO %s (%s, count)
			VALUES (?, ?)
			ON CONFLICT (%s) DO UPDATE SET
				count = count + excluded.count
		`, table, keyCol, keyCol), &sqlitex.ExecOptions{
			Args: []any{nc.Name, delta},
		})
		if err != nil {
			return last, fmt.Errorf("upsert %s: %w", table, err)
		}
	}
	return current, nil
}

// TopDomains returns the top n domains by connection count.
func (db *DB) TopDomains(n int) []NameCount {
	return db.topCounters("domain_connections", "domain", n)
}

// TopDNSQueries returns the top n queried names.
func (db *DB) TopDNSQueries(n int) []NameCount {
	return db.topCounters("dns_queries", "qname", n)
}

// ProtocolTotals returns cumulative per-protocol message counts.
func (db *DB) ProtocolTotals() []NameCount {
	return db.topCounters("protocol_messages", "protocol", 0)
}

func (db *DB) topCounters(table, keyCol string, n int) []NameCount {
	db.mu.Lock()
	defer db.mu.Unlock()
	var out []NameCount
	query := fmt.Sprintf(`SELECT %s, count FROM %s ORDER BY count DESC`, keyCol, table)
	opts := &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			out = append(out, NameCount{
				Name:  stmt.ColumnText(0),
				Count: stmt.ColumnInt64(1),
			})
			return nil
		},
	}
	if n > 0 {
		query += " LIMIT ?"
		opts.Args = []any{n}
	}
	_ = sqlitex.Execute(db.conn, query, opts)
	return out
}

// EngineTotals returns cumulative per-engine traffic, busiest first.
func (db *DB) EngineTotals() []EngineSnapshot {
	db.mu.Lock()
	defer db.mu.Unlock()
	var out []EngineSnapshot
	_ = sqlitex.Execute(db.conn, `
		SELECT engine,
			SUM(messages), SUM(bytes_in), SUM(bytes_out), SUM(errors)
		FROM engine_hourly
		GROUP BY engine
	`, &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			out = append(out, EngineSnapshot{
				Name:     stmt.ColumnText(0),
				Messages: stmt.ColumnInt64(1),
				BytesIn:  stmt.ColumnInt64(2),
				BytesOut: stmt.ColumnInt64(3),
				Errors:   stmt.ColumnInt64(4),
			})
			return nil
		},
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Messages > out[j].Messages })
	return out
}

// ensureSchema creates the aggregate tables.
func (db *DB) ensureSchema() error {
	return sqlitex.ExecuteScript(db.conn, `
		CREATE TABLE IF NOT EXISTS engine_hourly (
			hour      TEXT NOT NULL,
			engine    TEXT NOT NULL,
			messages  INTEGER NOT NULL DEFAULT 0,
			bytes_in  INTEGER NOT NULL DEFAULT 0,
			bytes_out INTEGER NOT NULL DEFAULT 0,
			errors    INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (hour, engine)
		) WITHOUT ROWID;

		CREATE TABLE IF NOT EXISTS domain_connections (
			domain TEXT NOT NULL PRIMARY KEY,
			count  INTEGER NOT NULL DEFAULT 0
		) WITHOUT ROWID;

		CREATE TABLE IF NOT EXISTS protocol_messages (
			protocol TEXT NOT NULL PRIMARY KEY,
			count    INTEGER NOT NULL DEFAULT 0
		) WITHOUT ROWID;

		CREATE TABLE IF NOT EXISTS dns_queries (
			qname TEXT NOT NULL PRIMARY KEY,
			count INTEGER NOT NULL DEFAULT 0
		) WITHOUT ROWID;

		CREATE INDEX IF NOT EXISTS idx_engine_hourly_hour ON engine_hourly(hour);
	`, nil)
}
