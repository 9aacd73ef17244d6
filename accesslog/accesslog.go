// Package accesslog appends audit records for data accesses. One Log is
// bound to each request, accessors accumulate as the request context loads,
// and every backend operation emits a record to the configured sink.
package accesslog

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

// Accessor identifies one authenticated principal behind a request.
type Accessor struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// Record is one audit entry.
type Record struct {
	Accessors []Accessor `json:"accessors"`
	Method    string     `json:"http_method"`
	URL       string     `json:"url"`
	Reason    string     `json:"reason,omitempty"`
	Timestamp string     `json:"timestamp"`
	Txn       int64      `json:"transaction_id,omitempty"`
	Resources []string   `json:"resources,omitempty"`
	Fields    []string   `json:"fields,omitempty"`
}

// Sink receives finished records. Implementations must be safe for
// concurrent use across requests.
type Sink interface {
	Write(Record) error
	Close() error
}

// Log is the per-request access log. Not shared across requests.
type Log struct {
	sink      Sink
	method    string
	url       string
	accessors []Accessor
	now       func() time.Time
}

// New binds a request to a sink.
func New(sink Sink, method, url string) *Log {
	return &Log{sink: sink, method: method, url: url, now: time.Now}
}

// AddAccessor records an authenticated principal, one per bearer token.
func (l *Log) AddAccessor(typ, id string) {
	l.accessors = append(l.accessors, Accessor{Type: typ, ID: id})
}

// Log emits one record for a backend operation.
func (l *Log) Log(txn int64, reason string, resources, fields []string) error {
	return l.sink.Write(Record{
		Accessors: l.accessors,
		Method:    l.method,
		URL:       l.url,
		Reason:    reason,
		Timestamp: l.now().UTC().Format(time.RFC3339),
		Txn:       txn,
		Resources: resources,
		Fields:    fields,
	})
}

// FileSink writes JSON lines through a buffered writer.
type FileSink struct {
	mu  sync.Mutex
	f   *os.File
	w   *bufio.Writer
	enc *json.Encoder
}

// NewFileSink opens (or creates) an append-only audit file. bufSize caps
// the write buffer, zero uses the bufio default.
func NewFileSink(path string, bufSize int) (*FileSink, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return nil, fmt.Errorf("accesslog: opening %s: %w", path, err)
	}
	var w *bufio.Writer
	if bufSize > 0 {
		w = bufio.NewWriterSize(f, bufSize)
	} else {
		w = bufio.NewWriter(f)
	}
	return &FileSink{f: f, w: w, enc: json.NewEncoder(w)}, nil
}

func (s *FileSink) Write(r Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enc.Encode(r)
}

func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.w.Flush(); err != nil {
		return err
	}
	return s.f.Close()
}

// StdoutSink writes JSON lines to standard output.
type StdoutSink struct {
	mu  sync.Mutex
	enc *json.Encoder
}

func NewStdoutSink() *StdoutSink {
	return &StdoutSink{enc: json.NewEncoder(os.Stdout)}
}

func (s *StdoutSink) Write(r Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enc.Encode(r)
}

func (s *StdoutSink) Close() error { return nil }

// NopSink discards records, used when auditing is disabled.
type NopSink struct{}

func (NopSink) Write(Record) error { return nil }
func (NopSink) Close() error       { return nil }

// Open picks a sink from configuration: empty disables auditing, "stdout"
// writes to standard output, anything else is a file path.
func Open(target string, bufSize int) (Sink, error) {
	switch target {
	case "":
		return NopSink{}, nil
	case "stdout":
		return NewStdoutSink(), nil
	default:
		return NewFileSink(target, bufSize)
	}
}
