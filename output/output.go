package output

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"tracectl/logger"
)

// SchemaVersion is stamped on every ndjson line.
const SchemaVersion = "1"

// Record is one trace event handed to the storage collaborator.
type Record struct {
	Facility  uint16
	Event     uint16
	Unit      uint16
	Timestamp uint64
	Payload   []byte
}

// Sink receives committed records. Implementations must be safe for
// concurrent use.
type Sink interface {
	Write(rec Record) error
	Close() error
}

type line struct {
	RecordType    string          `json:"record_type"`
	SchemaVersion string          `json:"schema_version"`
	Facility      uint16          `json:"facility"`
	Event         uint16          `json:"event"`
	Unit          uint16          `json:"unit"`
	Timestamp     uint64          `json:"timestamp"`
	Payload       json.RawMessage `json:"payload,omitempty"`
}

// Writer appends records to an ndjson file, rotating to name.N.ext once
// the file reaches MaxFileSize.
type Writer struct {
	mu          sync.Mutex
	file        *os.File
	buf         *bufio.Writer
	base        string
	ext         string
	index       int
	maxFileSize int64
	written     int64
	records     uint64
	closed      bool
}

type WriterOptions struct {
	FileName    string
	MaxFileSize int64
}

func NewWriter(opts WriterOptions) (*Writer, error) {
	if strings.TrimSpace(opts.FileName) == "" {
		return nil, errors.New("output file name required")
	}
	ext := filepath.Ext(opts.FileName)
	w := &Writer{
		base:        strings.TrimSuffix(opts.FileName, ext),
		ext:         ext,
		maxFileSize: opts.MaxFileSize,
	}
	if err := w.openFile(); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *Writer) fileName() string {
	if w.index > 0 {
		return fmt.Sprintf("%s.%d%s", w.base, w.index, w.ext)
	}
	return w.base + w.ext
}

func (w *Writer) openFile() error {
	f, err := os.OpenFile(w.fileName(), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	w.file = f
	w.buf = bufio.NewWriterSize(f, 256*1024)
	w.written = 0
	return nil
}

func (w *Writer) Write(rec Record) error {
	data, err := jsonMarshal(line{
		RecordType:    "event",
		SchemaVersion: SchemaVersion,
		Facility:      rec.Facility,
		Event:         rec.Event,
		Unit:          rec.Unit,
		Timestamp:     rec.Timestamp,
		Payload:       rec.Payload,
	})
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return os.ErrClosed
	}
	if _, err := w.buf.Write(data); err != nil {
		return err
	}
	if err := w.buf.WriteByte('\n'); err != nil {
		return err
	}
	if err := w.buf.Flush(); err != nil {
		return err
	}
	w.written += int64(len(data)) + 1
	w.records++

	if w.maxFileSize > 0 && w.written >= w.maxFileSize {
		if err := w.rotate(); err != nil {
			logger.Warnf("Output rotation failed: %v", err)
			return err
		}
	}
	return nil
}

// Records returns how many records were written across all files.
func (w *Writer) Records() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.records
}

func (w *Writer) rotate() error {
	if err := w.closeFile(); err != nil {
		return err
	}
	w.index++
	return w.openFile()
}

func (w *Writer) closeFile() error {
	if err := w.buf.Flush(); err != nil {
		_ = w.file.Close()
		return err
	}
	_ = w.file.Sync()
	return w.file.Close()
}

func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	return w.closeFile()
}

// Fanout writes each record to every sink, collecting errors.
type Fanout []Sink

func (f Fanout) Write(rec Record) error {
	var errs []error
	for _, s := range f {
		if err := s.Write(rec); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (f Fanout) Close() error {
	var errs []error
	for _, s := range f {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// EncodePayload encodes an event payload with the build's JSON codec.
// Byte slices are taken as already encoded.
func EncodePayload(v any) ([]byte, error) {
	switch p := v.(type) {
	case nil:
		return nil, nil
	case []byte:
		return p, nil
	case json.RawMessage:
		return p, nil
	}
	return jsonMarshal(v)
}
