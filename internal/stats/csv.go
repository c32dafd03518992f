package stats

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"
)

// Action tags identifying which pipeline stage produced a row.
const (
	ActionClientAccept     = "client_accept"
	ActionClientReceive    = "client_receive"
	ActionClientRequester  = "client_requester"
	ActionServiceReceive   = "service_receive"
	ActionServiceResponder = "service_responder"
	ActionWorkerError      = "worker_error"
)

// tcpColumns is the relay statistics schema. Downstream consumers parse
// these files; the column order must never change.
var tcpColumns = []string{
	"request_time_sent", "thread_id", "engine", "source_host", "source_ip",
	"tls", "protocol", "protocol2", "protocol3", "dest_port", "host", "path",
	"command", "status_code", "request_size_bytes", "response_size_bytes",
	"file_path", "process_cmd", "action", "error",
}

// dnsColumns is the DNS query statistics schema.
var dnsColumns = []string{
	"timestamp", "direction", "client", "qname", "qtype", "qclass", "answer", "error",
}

// TCPRow is one relay statistics record.
type TCPRow struct {
	Timestamp    time.Time
	ThreadID     string
	Engine       string
	SourceHost   string
	SourceIP     string
	TLS          bool
	Protocol     string
	Protocol2    string
	Protocol3    string
	DestPort     int
	Host         string
	Path         string
	Command      string
	StatusCode   string
	RequestSize  int
	ResponseSize int
	FilePath     string
	ProcessCmd   string
	Action       string
	Error        string
}

func (r *TCPRow) fields() []string {
	return []string{
		r.Timestamp.Format("2006-01-02 15:04:05.000"),
		r.ThreadID,
		r.Engine,
		r.SourceHost,
		r.SourceIP,
		strconv.FormatBool(r.TLS),
		r.Protocol,
		r.Protocol2,
		r.Protocol3,
		strconv.Itoa(r.DestPort),
		r.Host,
		r.Path,
		r.Command,
		r.StatusCode,
		strconv.Itoa(r.RequestSize),
		strconv.Itoa(r.ResponseSize),
		r.FilePath,
		r.ProcessCmd,
		r.Action,
		r.Error,
	}
}

// DNSRow is one DNS query statistics record.
type DNSRow struct {
	Timestamp time.Time
	Direction string // "query" or "response"
	Client    string
	QName     string
	QType     string
	QClass    string
	Answer    string
	Error     string
}

func (r *DNSRow) fields() []string {
	return []string{
		r.Timestamp.Format("2006-01-02 15:04:05.000"),
		r.Direction,
		r.Client,
		r.QName,
		r.QType,
		r.QClass,
		r.Answer,
		r.Error,
	}
}

// csvSink appends rows to a per-day CSV file, writing the header when a
// file is first created and rolling over at local midnight.
type csvSink struct {
	mu     sync.Mutex
	dir    string
	prefix string
	header []string

	day  string
	file *os.File
	w    *csv.Writer
}

func newCSVSink(dir, prefix string, header []string) (*csvSink, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create statistics dir: %w", err)
	}
	return &csvSink{dir: dir, prefix: prefix, header: header}, nil
}

// write appends one record, rotating to today's file first if needed.
func (s *csvSink) write(now time.Time, fields []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	day := now.Format("2006-01-02")
	if s.file == nil || day != s.day {
		if err := s.rotate(day); err != nil {
			return err
		}
	}

	if err := s.w.Write(fields); err != nil {
		return fmt.Errorf("write statistics row: %w", err)
	}
	s.w.Flush()
	return s.w.Error()
}

// rotate opens the file for day, writing the header if the file is new.
func (s *csvSink) rotate(day string) error {
	if s.file != nil {
		s.w.Flush()
		_ = s.file.Close()
	}

	path := filepath.Join(s.dir, fmt.Sprintf("%s_%s.csv", s.prefix, day))
	info, statErr := os.Stat(path)
	fresh := statErr != nil || info.Size() == 0

	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644) //nolint:gosec // operator-readable statistics
	if err != nil {
		return fmt.Errorf("open statistics file %s: %w", path, err)
	}

	s.file = file
	s.w = csv.NewWriter(file)
	s.day = day

	if fresh {
		if err := s.w.Write(s.header); err != nil {
			return fmt.Errorf("write statistics header: %w", err)
		}
		s.w.Flush()
	}
	return s.w.Error()
}

func (s *csvSink) close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	s.w.Flush()
	return s.file.Close()
}

// TCPWriter appends relay statistics rows to per-day CSV files.
type TCPWriter struct {
	sink *csvSink
}

// NewTCPWriter creates the relay statistics sink under dir.
func NewTCPWriter(dir string) (*TCPWriter, error) {
	sink, err := newCSVSink(dir, "tcp_statistics", tcpColumns)
	if err != nil {
		return nil, err
	}
	return &TCPWriter{sink: sink}, nil
}

// Write appends one row. The row's Timestamp defaults to now when zero.
func (w *TCPWriter) Write(row *TCPRow) error {
	if row.Timestamp.IsZero() {
		row.Timestamp = time.Now()
	}
	return w.sink.write(row.Timestamp, row.fields())
}

// WriteAcceptError records a failure at accept/handshake time, before a
// worker (and its thread id) exists.
func (w *TCPWriter) WriteAcceptError(sourceIP string, destPort int, errText string) error {
	return w.Write(&TCPRow{
		SourceIP: sourceIP,
		DestPort: destPort,
		Action:   ActionClientAccept,
		Error:    errText,
	})
}

// Close flushes and closes the underlying file.
func (w *TCPWriter) Close() error { return w.sink.close() }

// DNSWriter appends DNS statistics rows to per-day CSV files.
type DNSWriter struct {
	sink *csvSink
}

// NewDNSWriter creates the DNS statistics sink under dir.
func NewDNSWriter(dir string) (*DNSWriter, error) {
	sink, err := newCSVSink(dir, "dns_statistics", dnsColumns)
	if err != nil {
		return nil, err
	}
	return &DNSWriter{sink: sink}, nil
}

// Write appends one row. The row's Timestamp defaults to now when zero.
func (w *DNSWriter) Write(row *DNSRow) error {
	if row.Timestamp.IsZero() {
		row.Timestamp = time.Now()
	}
	return w.sink.write(row.Timestamp, row.fields())
}

// Close flushes and closes the underlying file.
func (w *DNSWriter) Close() error { return w.sink.close() }
