package output

import (
	"bufio"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/sebdah/goldie/v2"
)

type ndjsonTestRecord struct {
	RecordType    string          `json:"record_type"`
	SchemaVersion string          `json:"schema_version"`
	Facility      uint16          `json:"facility"`
	Unit          uint16          `json:"unit"`
	Payload       json.RawMessage `json:"payload"`
}

func TestWriterGolden(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trace.ndjson")
	w, err := NewWriter(WriterOptions{FileName: path})
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	if err := w.Write(Record{Timestamp: 1 << 32, Payload: []byte(`{"id": 0, "name": "core"}`)}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := w.Write(Record{Facility: 3, Event: 1, Unit: 2, Timestamp: 7}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	g := goldie.New(t)
	g.Assert(t, "writer_records", data)
}

func TestWriteConcurrent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "concurrent.ndjson")
	w, err := NewWriter(WriterOptions{FileName: path})
	if err != nil {
		t.Fatalf("init: %v", err)
	}

	var wg sync.WaitGroup
	for i := range 5 {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = w.Write(Record{Unit: uint16(i), Payload: []byte(`{"n":1}`)})
		}(i)
	}
	wg.Wait()
	if got := w.Records(); got != 5 {
		t.Fatalf("expected 5 records counted, got %d", got)
	}
	w.Close()

	records := readNDJSONRecords(t, path)
	if len(records) != 5 {
		t.Fatalf("expected 5 records, got %d", len(records))
	}
	units := map[uint16]bool{}
	for _, r := range records {
		if r.SchemaVersion != SchemaVersion {
			t.Fatalf("unexpected schema version: %s", r.SchemaVersion)
		}
		units[r.Unit] = true
	}
	if len(units) != 5 {
		t.Fatalf("expected one record per unit, got %v", units)
	}
}

func TestWriterRotation(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rot.ndjson")
	w, err := NewWriter(WriterOptions{FileName: path, MaxFileSize: 1})
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := w.Write(Record{Event: uint16(i)}); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
	}
	w.Close()

	for _, name := range []string{"rot.ndjson", "rot.1.ndjson", "rot.2.ndjson"} {
		records := readNDJSONRecords(t, filepath.Join(dir, name))
		if len(records) != 1 {
			t.Fatalf("expected one record in %s, got %d", name, len(records))
		}
	}
}

func TestWriterClosed(t *testing.T) {
	w, err := NewWriter(WriterOptions{FileName: filepath.Join(t.TempDir(), "c.ndjson")})
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if err := w.Write(Record{}); !errors.Is(err, os.ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if _, err := NewWriter(WriterOptions{FileName: "  "}); err == nil {
		t.Fatal("expected error for blank file name")
	}
}

type memSink struct {
	mu      sync.Mutex
	records []Record
	err     error
	closed  bool
}

func (m *memSink) Write(rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, rec)
	return m.err
}

func (m *memSink) Close() error {
	m.closed = true
	return nil
}

func TestFanout(t *testing.T) {
	a := &memSink{}
	b := &memSink{err: errors.New("disk full")}
	f := Fanout{a, b}

	err := f.Write(Record{Event: 4})
	if err == nil || !strings.Contains(err.Error(), "disk full") {
		t.Fatalf("expected joined error, got %v", err)
	}
	if len(a.records) != 1 || len(b.records) != 1 {
		t.Fatalf("expected both sinks to receive the record, got %d and %d", len(a.records), len(b.records))
	}
	if err := f.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if !a.closed || !b.closed {
		t.Fatal("expected every sink closed")
	}
}

func readNDJSONRecords(t *testing.T, path string) []ndjsonTestRecord {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open %s: %v", path, err)
	}
	defer f.Close()

	var records []ndjsonTestRecord
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var rec ndjsonTestRecord
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			t.Fatalf("decode %q: %v", line, err)
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		t.Fatalf("scan: %v", err)
	}
	return records
}
