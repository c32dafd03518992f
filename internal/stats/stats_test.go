package stats_test

import (
	"encoding/csv"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ushineko/snare/internal/stats"
)

func TestCollector_RecordMessage(t *testing.T) {
	c := stats.NewCollector()

	c.RecordMessage("shop", "HTTP", 100, 5000, false)
	c.RecordMessage("shop", "HTTP", 200, 3000, false)
	c.RecordMessage("__generic", "Websocket", 50, 0, true)

	assert.Equal(t, int64(3), c.TotalMessages())

	snaps := c.SnapshotEngines()
	assert.Len(t, snaps, 2)
	for _, s := range snaps {
		if s.Name != "shop" {
			continue
		}
		assert.Equal(t, int64(2), s.Messages)
		assert.Equal(t, int64(300), s.BytesIn)
		assert.Equal(t, int64(8000), s.BytesOut)
		assert.Equal(t, int64(0), s.Errors)
	}
}

func TestCollector_RecordConnection(t *testing.T) {
	c := stats.NewCollector()

	c.RecordConnection("a.example.com", "shop", true)
	c.RecordConnection("a.example.com", "shop", true)
	c.RecordConnection("b.example.com", "__generic", false)

	assert.Equal(t, int64(3), c.ConnectionsAccepted.Load())
	assert.Equal(t, int64(2), c.TLSConnections.Load())
	assert.Equal(t, int64(1), c.PlainConnections.Load())

	snaps := c.SnapshotDomainConnections()
	assert.Len(t, snaps, 2)
	for _, s := range snaps {
		if s.Name == "a.example.com" {
			assert.Equal(t, int64(2), s.Count)
		}
	}
}

func TestCollector_Protocols(t *testing.T) {
	c := stats.NewCollector()
	c.RecordMessage("shop", "HTTP", 0, 0, false)
	c.RecordMessage("shop", "HTTP", 0, 0, false)
	c.RecordMessage("shop", "Websocket", 0, 0, false)

	snaps := c.SnapshotProtocols()
	assert.Len(t, snaps, 2)
	for _, s := range snaps {
		if s.Name == "HTTP" {
			assert.Equal(t, int64(2), s.Count)
		}
	}
}

func TestCollector_DNSQueries(t *testing.T) {
	c := stats.NewCollector()
	c.RecordDNSQuery("example.com")
	c.RecordDNSQuery("example.com")
	c.RecordDNSQuery("other.com")

	snaps := c.SnapshotDNSQueries()
	assert.Len(t, snaps, 2)
	for _, s := range snaps {
		if s.Name == "example.com" {
			assert.Equal(t, int64(2), s.Count)
		}
	}
}

func readCSV(t *testing.T, path string) [][]string {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	return rows
}

func TestTCPWriter_SchemaAndRows(t *testing.T) {
	dir := t.TempDir()
	w, err := stats.NewTCPWriter(dir)
	require.NoError(t, err)
	defer w.Close()

	now := time.Date(2026, 8, 26, 12, 0, 0, 0, time.Local)
	require.NoError(t, w.Write(&stats.TCPRow{
		Timestamp:   now,
		ThreadID:    "t-1",
		Engine:      "shop",
		SourceIP:    "10.0.0.1",
		TLS:         true,
		Protocol:    "HTTP",
		Protocol2:   "Request",
		DestPort:    443,
		Host:        "shop.example.com",
		Path:        "/cart",
		Command:     "GET",
		StatusCode:  "200",
		RequestSize: 123,
		Action:      stats.ActionClientReceive,
	}))

	path := filepath.Join(dir, "tcp_statistics_2026-08-26.csv")
	rows := readCSV(t, path)
	require.Len(t, rows, 2)

	// Column order is a downstream contract.
	assert.Equal(t, []string{
		"request_time_sent", "thread_id", "engine", "source_host", "source_ip",
		"tls", "protocol", "protocol2", "protocol3", "dest_port", "host", "path",
		"command", "status_code", "request_size_bytes", "response_size_bytes",
		"file_path", "process_cmd", "action", "error",
	}, rows[0])

	assert.Equal(t, "t-1", rows[1][1])
	assert.Equal(t, "shop", rows[1][2])
	assert.Equal(t, "true", rows[1][5])
	assert.Equal(t, "443", rows[1][9])
	assert.Equal(t, "/cart", rows[1][11])
	assert.Equal(t, "client_receive", rows[1][18])
}

func TestTCPWriter_AppendsWithoutDuplicateHeader(t *testing.T) {
	dir := t.TempDir()
	w, err := stats.NewTCPWriter(dir)
	require.NoError(t, err)

	require.NoError(t, w.Write(&stats.TCPRow{ThreadID: "t-1", Action: stats.ActionClientReceive}))
	require.NoError(t, w.Close())

	// Reopen: same day, existing file, no second header.
	w2, err := stats.NewTCPWriter(dir)
	require.NoError(t, err)
	require.NoError(t, w2.Write(&stats.TCPRow{ThreadID: "t-2", Action: stats.ActionServiceReceive}))
	require.NoError(t, w2.Close())

	day := time.Now().Format("2006-01-02")
	rows := readCSV(t, filepath.Join(dir, "tcp_statistics_"+day+".csv"))
	require.Len(t, rows, 3)
	assert.Equal(t, "request_time_sent", rows[0][0])
	assert.Equal(t, "t-1", rows[1][1])
	assert.Equal(t, "t-2", rows[2][1])
}

func TestTCPWriter_AcceptError(t *testing.T) {
	dir := t.TempDir()
	w, err := stats.NewTCPWriter(dir)
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, w.WriteAcceptError("10.0.0.9", 8443, "tls_handshake_failed"))

	day := time.Now().Format("2006-01-02")
	rows := readCSV(t, filepath.Join(dir, "tcp_statistics_"+day+".csv"))
	require.Len(t, rows, 2)
	assert.Equal(t, "10.0.0.9", rows[1][4])
	assert.Equal(t, "8443", rows[1][9])
	assert.Equal(t, "client_accept", rows[1][18])
	assert.Equal(t, "tls_handshake_failed", rows[1][19])
}

func TestDNSWriter_SchemaAndRows(t *testing.T) {
	dir := t.TempDir()
	w, err := stats.NewDNSWriter(dir)
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, w.Write(&stats.DNSRow{
		Direction: "response",
		Client:    "10.0.0.1:5353",
		QName:     "example.com.",
		QType:     "A",
		QClass:    "IN",
		Answer:    "10.10.10.10",
	}))

	day := time.Now().Format("2006-01-02")
	rows := readCSV(t, filepath.Join(dir, "dns_statistics_"+day+".csv"))
	require.Len(t, rows, 2)
	assert.Equal(t, []string{"timestamp", "direction", "client", "qname", "qtype", "qclass", "answer", "error"}, rows[0])
	assert.Equal(t, "example.com.", rows[1][3])
	assert.Equal(t, "10.10.10.10", rows[1][6])
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestDB_FlushAndQuery(t *testing.T) {
	dir := t.TempDir()
	c := stats.NewCollector()
	db, err := stats.Open(filepath.Join(dir, "agg.db"), c, testLogger(), time.Minute)
	require.NoError(t, err)

	c.RecordConnection("shop.example.com", "shop", true)
	c.RecordMessage("shop", "HTTP", 100, 200, false)
	c.RecordMessage("shop", "HTTP", 50, 75, false)
	c.RecordDNSQuery("shop.example.com")

	require.NoError(t, db.Flush())

	engines := db.EngineTotals()
	require.Len(t, engines, 1)
	assert.Equal(t, "shop", engines[0].Name)
	assert.Equal(t, int64(2), engines[0].Messages)
	assert.Equal(t, int64(150), engines[0].BytesIn)
	assert.Equal(t, int64(275), engines[0].BytesOut)

	domains := db.TopDomains(10)
	require.Len(t, domains, 1)
	assert.Equal(t, "shop.example.com", domains[0].Name)

	queries := db.TopDNSQueries(10)
	require.Len(t, queries, 1)
	assert.Equal(t, int64(1), queries[0].Count)

	require.NoError(t, db.Close())
}

func TestDB_FlushIsDeltaBased(t *testing.T) {
	dir := t.TempDir()
	c := stats.NewCollector()
	db, err := stats.Open(filepath.Join(dir, "agg.db"), c, testLogger(), time.Minute)
	require.NoError(t, err)
	defer db.Close()

	c.RecordMessage("shop", "HTTP", 10, 10, false)
	require.NoError(t, db.Flush())

	// Second flush with no new traffic must not double-count.
	require.NoError(t, db.Flush())

	engines := db.EngineTotals()
	require.Len(t, engines, 1)
	assert.Equal(t, int64(1), engines[0].Messages)

	c.RecordMessage("shop", "HTTP", 5, 5, false)
	require.NoError(t, db.Flush())

	engines = db.EngineTotals()
	assert.Equal(t, int64(2), engines[0].Messages)
	assert.Equal(t, int64(15), engines[0].BytesIn)
}

func TestDB_PersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "agg.db")

	c := stats.NewCollector()
	db, err := stats.Open(path, c, testLogger(), time.Minute)
	require.NoError(t, err)
	c.RecordMessage("shop", "HTTP", 1, 1, false)
	require.NoError(t, db.Flush())
	require.NoError(t, db.Close())

	c2 := stats.NewCollector()
	db2, err := stats.Open(path, c2, testLogger(), time.Minute)
	require.NoError(t, err)
	defer db2.Close()

	engines := db2.EngineTotals()
	require.Len(t, engines, 1)
	assert.Equal(t, int64(1), engines[0].Messages)
}
