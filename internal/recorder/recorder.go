// Package recorder writes terminal sessions as asciicast v2 recordings.
package recorder

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/rafket/vscode-hub/internal/clock"
)

const (
	// Extension is the file extension of a plain recording.
	Extension = ".cast"
	// CompressedExtension is appended to zstd-compressed recordings.
	CompressedExtension = ".zst"
)

// Event codes.
const (
	CodeOutput = "o"
	CodeInput  = "i"
	CodeResize = "r"
)

// Header is the first line of an asciicast v2 recording.
type Header struct {
	Version   int               `json:"version"`
	Width     int               `json:"width"`
	Height    int               `json:"height"`
	Timestamp int64             `json:"timestamp"`
	Command   string            `json:"command,omitempty"`
	Env       map[string]string `json:"env,omitempty"`
}

// Event is a single recording line.
// Format: [time, code, data]
type Event struct {
	Time float64
	Code string
	Data string
}

// MarshalJSON implements custom JSON marshaling for Event.
func (e Event) MarshalJSON() ([]byte, error) {
	return json.Marshal([]interface{}{e.Time, e.Code, e.Data})
}

// UnmarshalJSON implements custom JSON unmarshaling for Event.
func (e *Event) UnmarshalJSON(data []byte) error {
	var arr []json.RawMessage
	if err := json.Unmarshal(data, &arr); err != nil {
		return err
	}
	if len(arr) != 3 {
		return fmt.Errorf("invalid event format: expected 3 elements, got %d", len(arr))
	}
	if err := json.Unmarshal(arr[0], &e.Time); err != nil {
		return fmt.Errorf("invalid time offset: %w", err)
	}
	if err := json.Unmarshal(arr[1], &e.Code); err != nil {
		return fmt.Errorf("invalid event code: %w", err)
	}
	if err := json.Unmarshal(arr[2], &e.Data); err != nil {
		return fmt.Errorf("invalid event data: %w", err)
	}
	return nil
}

// Options describes the recorded terminal.
type Options struct {
	Cols     int
	Rows     int
	Command  []string
	Env      map[string]string
	Compress bool
	Clock    clock.Clock
}

// Recorder appends events to a recording. It is safe for concurrent use.
type Recorder struct {
	mu        sync.Mutex
	writer    io.Writer
	zw        *zstd.Encoder // set when compressing
	file      *os.File      // only set if we own the file
	path      string
	clock     clock.Clock
	startTime time.Time
	closed    bool
}

// Create starts a recording named name in dir and writes its header.
func Create(dir, name string, opts Options) (*Recorder, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create recording directory: %w", err)
	}
	path := filepath.Join(dir, name+Extension)
	if opts.Compress {
		path += CompressedExtension
	}
	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create recording: %w", err)
	}

	r := newRecorder(file, opts)
	r.file = file
	r.path = path
	if opts.Compress {
		zw, err := zstd.NewWriter(file, zstd.WithEncoderLevel(zstd.SpeedFastest))
		if err != nil {
			file.Close()
			return nil, fmt.Errorf("failed to start compression: %w", err)
		}
		r.zw = zw
		r.writer = zw
	}

	if err := r.writeHeader(opts); err != nil {
		r.Close()
		return nil, err
	}
	return r, nil
}

// NewWithWriter records to w without owning it.
func NewWithWriter(w io.Writer, opts Options) (*Recorder, error) {
	r := newRecorder(w, opts)
	if err := r.writeHeader(opts); err != nil {
		return nil, err
	}
	return r, nil
}

func newRecorder(w io.Writer, opts Options) *Recorder {
	c := opts.Clock
	if c == nil {
		c = clock.Real()
	}
	return &Recorder{writer: w, clock: c, startTime: c.Now()}
}

func (r *Recorder) writeHeader(opts Options) error {
	header := Header{
		Version:   2,
		Width:     opts.Cols,
		Height:    opts.Rows,
		Timestamp: r.startTime.Unix(),
		Command:   strings.Join(opts.Command, " "),
		Env:       opts.Env,
	}
	data, err := json.Marshal(header)
	if err != nil {
		return fmt.Errorf("failed to marshal header: %w", err)
	}
	if _, err := r.writer.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}
	return nil
}

// Path returns the file path, or "" for writer-backed recorders.
func (r *Recorder) Path() string { return r.path }

// StartTime returns when the recording began.
func (r *Recorder) StartTime() time.Time { return r.startTime }

// WriteOutput records process output.
func (r *Recorder) WriteOutput(data []byte) error {
	return r.writeEvent(CodeOutput, string(data))
}

// WriteInput records keystrokes sent to the process.
func (r *Recorder) WriteInput(data []byte) error {
	return r.writeEvent(CodeInput, string(data))
}

// WriteResize records a terminal size change.
func (r *Recorder) WriteResize(cols, rows int) error {
	return r.writeEvent(CodeResize, strconv.Itoa(cols)+"x"+strconv.Itoa(rows))
}

func (r *Recorder) writeEvent(code, data string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return os.ErrClosed
	}

	event := Event{
		Time: r.clock.Now().Sub(r.startTime).Seconds(),
		Code: code,
		Data: data,
	}
	line, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if _, err := r.writer.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("failed to write event: %w", err)
	}
	return nil
}

// Close flushes and closes the recording. It is idempotent.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true

	var errs []error
	if r.zw != nil {
		errs = append(errs, r.zw.Close())
	}
	if r.file != nil {
		errs = append(errs, r.file.Close())
	}
	return errors.Join(errs...)
}

// Open returns the plain asciicast content of a recording file, decompressing
// it if needed.
func Open(path string) (io.ReadCloser, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	if !strings.HasSuffix(path, CompressedExtension) {
		return file, nil
	}
	zr, err := zstd.NewReader(file)
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to open compressed recording: %w", err)
	}
	return &decompressed{Decoder: zr, file: file}, nil
}

type decompressed struct {
	*zstd.Decoder
	file *os.File
}

func (d *decompressed) Close() error {
	d.Decoder.Close()
	return d.file.Close()
}

// Parse reads a recording's header and events.
func Parse(r io.Reader) (Header, []Event, error) {
	var header Header
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)

	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return header, nil, err
		}
		return header, nil, errors.New("empty recording")
	}
	if err := json.Unmarshal(scanner.Bytes(), &header); err != nil {
		return header, nil, fmt.Errorf("invalid header: %w", err)
	}

	var events []Event
	for scanner.Scan() {
		var e Event
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			return header, events, fmt.Errorf("invalid event %d: %w", len(events)+1, err)
		}
		events = append(events, e)
	}
	return header, events, scanner.Err()
}
