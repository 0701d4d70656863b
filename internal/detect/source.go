package detect

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"sync/atomic"

	"github.com/banshee-data/posefusion/internal/monitoring"
)

// maxLineBytes bounds one JSON frame.
const maxLineBytes = 1 << 20

// Handler receives every successfully decoded frame, in arrival order.
type Handler func(Frame)

// Source delivers detection frames until its input ends or ctx is cancelled.
type Source interface {
	Run(ctx context.Context, fn Handler) error
}

// Stats counts decoded and rejected frames for a source.
type Stats struct {
	frames    atomic.Int64
	malformed atomic.Int64
	bytes     atomic.Int64
}

// Frames returns the number of decoded frames.
func (s *Stats) Frames() int64 { return s.frames.Load() }

// Malformed returns the number of rejected frames.
func (s *Stats) Malformed() int64 { return s.malformed.Load() }

// Bytes returns the number of payload bytes seen.
func (s *Stats) Bytes() int64 { return s.bytes.Load() }

// decodeLines parses every non-empty line of payload and hands valid frames
// to fn. Malformed lines are counted and logged.
func decodeLines(name string, payload []byte, stats *Stats, fn Handler) {
	for len(payload) > 0 {
		var line []byte
		if i := bytes.IndexByte(payload, '\n'); i >= 0 {
			line, payload = payload[:i], payload[i+1:]
		} else {
			line, payload = payload, nil
		}
		decodeLine(name, line, stats, fn)
	}
}

func decodeLine(name string, line []byte, stats *Stats, fn Handler) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return
	}
	stats.bytes.Add(int64(len(line)))
	frame, err := ParseFrame(line)
	if err != nil {
		// Log the first failure and then every hundredth.
		if n := stats.malformed.Add(1); n%100 == 1 {
			monitoring.Logf("[%s] dropping frame: %v (%d dropped)", name, err, n)
		}
		return
	}
	stats.frames.Add(1)
	fn(frame)
}

// scanLines reads newline-delimited frames from r until EOF or cancellation.
func scanLines(ctx context.Context, name string, r io.Reader, stats *Stats, fn Handler) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), maxLineBytes)
	for sc.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		decodeLine(name, sc.Bytes(), stats, fn)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return sc.Err()
}

// ReaderSource reads JSON-lines frames from any reader, such as a recorded
// capture file or a pipe from the detector process.
type ReaderSource struct {
	Name   string
	Reader io.Reader
	Stats  Stats
}

// NewReaderSource wraps r.
func NewReaderSource(name string, r io.Reader) *ReaderSource {
	return &ReaderSource{Name: name, Reader: r}
}

// Run reads until EOF, which is not an error.
func (s *ReaderSource) Run(ctx context.Context, fn Handler) error {
	name := s.Name
	if name == "" {
		name = "reader"
	}
	return scanLines(ctx, name, s.Reader, &s.Stats, fn)
}

// FileSource reads a recorded JSON-lines capture from disk.
type FileSource struct {
	Path  string
	Stats Stats
}

// Run reads the whole file.
func (s *FileSource) Run(ctx context.Context, fn Handler) error {
	f, err := os.Open(s.Path)
	if err != nil {
		return fmt.Errorf("failed to open capture %s: %w", s.Path, err)
	}
	defer f.Close()
	return scanLines(ctx, "File", f, &s.Stats, fn)
}
