package accesslog

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memSink struct {
	records []Record
}

func (s *memSink) Write(r Record) error { s.records = append(s.records, r); return nil }
func (s *memSink) Close() error         { return nil }

func TestLog_RecordShape(t *testing.T) {
	sink := &memSink{}
	l := New(sink, "GET", "/datasets/gov/example/Country")
	l.now = func() time.Time {
		return time.Date(2024, 3, 1, 10, 30, 0, 0, time.FixedZone("EET", 2*3600))
	}
	l.AddAccessor("client", "push-bot")

	require.NoError(t, l.Log(42, "getall",
		[]string{"datasets/gov/example/Country"}, []string{"code", "title"}))

	require.Len(t, sink.records, 1)
	r := sink.records[0]
	assert.Equal(t, []Accessor{{Type: "client", ID: "push-bot"}}, r.Accessors)
	assert.Equal(t, "GET", r.Method)
	assert.Equal(t, "/datasets/gov/example/Country", r.URL)
	assert.Equal(t, "getall", r.Reason)
	// Timestamps are UTC ISO-8601.
	assert.Equal(t, "2024-03-01T08:30:00Z", r.Timestamp)
	assert.Equal(t, int64(42), r.Txn)
	assert.Equal(t, []string{"code", "title"}, r.Fields)
}

func TestFileSink(t *testing.T) {
	path := filepath.Join(t.TempDir(), "access.log")
	sink, err := NewFileSink(path, 4096)
	require.NoError(t, err)

	l := New(sink, "POST", "/Country")
	require.NoError(t, l.Log(1, "insert", nil, nil))
	require.NoError(t, l.Log(2, "insert", nil, nil))
	require.NoError(t, sink.Close())

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var lines []Record
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var r Record
		require.NoError(t, json.Unmarshal(sc.Bytes(), &r))
		lines = append(lines, r)
	}
	require.Len(t, lines, 2)
	assert.Equal(t, int64(1), lines[0].Txn)
	assert.Equal(t, int64(2), lines[1].Txn)
}

func TestOpen(t *testing.T) {
	s, err := Open("", 0)
	require.NoError(t, err)
	assert.IsType(t, NopSink{}, s)

	s, err = Open("stdout", 0)
	require.NoError(t, err)
	assert.IsType(t, &StdoutSink{}, s)

	s, err = Open(filepath.Join(t.TempDir(), "a.log"), 0)
	require.NoError(t, err)
	assert.IsType(t, &FileSink{}, s)
	require.NoError(t, s.Close())
}
