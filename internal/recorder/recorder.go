/*
Package recorder persists full exchange payloads for later replay and audit.

Each exchange is appended as one JSON object to a per-engine, per-day file;
files for days other than today are compressed into one zip per day by the
archiver.
*/
package recorder

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Record is one exchange snapshot. Request and response bytes are
// hex-encoded so the JSON stays valid for arbitrary payloads.
type Record struct {
	Timestamp   string   `json:"timestamp"`
	ThreadID    string   `json:"thread_id"`
	Engine      string   `json:"engine"`
	SourceIP    string   `json:"source_ip"`
	ServerName  string   `json:"server_name"`
	TLS         bool     `json:"tls"`
	Protocol    string   `json:"protocol"`
	Protocol2   string   `json:"protocol2"`
	Protocol3   string   `json:"protocol3"`
	DestPort    int      `json:"dest_port"`
	Command     string   `json:"command"`
	Path        string   `json:"path"`
	StatusCode  string   `json:"status_code"`
	RequestHex  string   `json:"request_hex"`
	ResponseHex string   `json:"response_hex"`
	ProcessCmd  string   `json:"process_cmd"`
	Action      string   `json:"action"`
	Errors      []string `json:"errors,omitempty"`
}

// SetRequest hex-encodes raw request bytes onto the record.
func (r *Record) SetRequest(raw []byte) { r.RequestHex = hex.EncodeToString(raw) }

// SetResponse hex-encodes raw response bytes onto the record.
func (r *Record) SetResponse(raw []byte) { r.ResponseHex = hex.EncodeToString(raw) }

// Recorder appends records for one engine. Safe for concurrent use by all
// of the engine's connections.
type Recorder struct {
	mu        sync.Mutex
	dir       string // <base>/<engine>
	engine    string
	isEnabled bool
}

// New creates a recorder writing under dir/engine. A disabled recorder
// swallows writes so callers need no enabled checks.
func New(dir, engine string, enabled bool) (*Recorder, error) {
	r := &Recorder{
		dir:       filepath.Join(dir, engine),
		engine:    engine,
		isEnabled: enabled,
	}
	if !enabled {
		return r, nil
	}
	if err := os.MkdirAll(r.dir, 0o750); err != nil {
		return nil, fmt.Errorf("create recording dir for %s: %w", engine, err)
	}
	return r, nil
}

// Record appends one JSON object to today's file and returns the path it
// was written to (empty when recording is disabled).
func (r *Recorder) Record(rec *Record) (string, error) {
	if !r.isEnabled {
		return "", nil
	}
	if rec.Timestamp == "" {
		rec.Timestamp = time.Now().Format("2006-01-02 15:04:05.000")
	}
	rec.Engine = r.engine

	data, err := json.Marshal(rec)
	if err != nil {
		return "", fmt.Errorf("marshal recording: %w", err)
	}
	data = append(data, '\n')

	path := filepath.Join(r.dir, fmt.Sprintf("%s_%s.json", r.engine, time.Now().Format("2006-01-02")))

	r.mu.Lock()
	defer r.mu.Unlock()

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644) //nolint:gosec // operator-readable recordings
	if err != nil {
		return "", fmt.Errorf("open recording file %s: %w", path, err)
	}
	defer f.Close()

	if _, err := f.Write(data); err != nil {
		return "", fmt.Errorf("append recording to %s: %w", path, err)
	}
	return path, nil
}
