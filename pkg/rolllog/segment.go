// Package rolllog writes observed rolls to time-boxed CSV segments and
// rotates them into a delivery sink.
package rolllog

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"golang.org/x/text/encoding/unicode"

	"github.com/modoterra/dicewatch/pkg/core"
)

const (
	filePrefix     = "dice_results_"
	fileExt        = ".csv"
	fileTimeLayout = "2006-01-02_15-04-05"
	rowTimeLayout  = "15:04:05"
	delimiter      = ';'
)

// Header is the first row of every segment.
var Header = []string{"Time", "Die1", "Die2", "Sum", "Classification"}

// Segment is one CSV file covering a rotation window. It is append-only
// while open and immutable once closed.
type Segment struct {
	Path     string
	OpenedAt time.Time
	ClosedAt time.Time

	file *os.File
	// writeAt writes to file. Rows go to the offset after the last good
	// row, so a failed write is undone by truncating back to size.
	writeAt   func(b []byte, off int64) (int, error)
	size      int64
	rows      int
	last      time.Time
	closed    bool
	handedOff bool
}

// SegmentInfo is a read-only snapshot of a segment.
type SegmentInfo struct {
	Path     string    `json:"path"`
	OpenedAt time.Time `json:"opened_at"`
	ClosedAt time.Time `json:"closed_at,omitzero"`
	Rows     int       `json:"rows"`
	Closed   bool      `json:"closed"`
}

// FileName returns the segment name for a given open time.
func FileName(openedAt time.Time) string {
	return filePrefix + openedAt.Local().Format(fileTimeLayout) + fileExt
}

// Create opens a new segment in dir and writes the BOM-prefixed header.
// Existing files are never reused: on a name clash a numeric suffix is
// appended.
func Create(dir string, openedAt time.Time) (*Segment, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}

	base := openedAt.Local().Format(fileTimeLayout)
	var (
		f    *os.File
		path string
		err  error
	)
	for n := 0; n < 1000; n++ {
		name := filePrefix + base + fileExt
		if n > 0 {
			name = filePrefix + base + "_" + strconv.Itoa(n) + fileExt
		}
		path = filepath.Join(dir, name)
		f, err = os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if err == nil {
			break
		}
		if !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("create segment: %w", err)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("create segment: %w", err)
	}

	s := &Segment{
		Path:     path,
		OpenedAt: openedAt,
		file:     f,
		writeAt:  f.WriteAt,
	}
	if err := s.writeHeader(); err != nil {
		f.Close()
		os.Remove(path)
		return nil, err
	}
	return s, nil
}

// encodeRecord renders one CSV line.
func encodeRecord(rec []string) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	w.Comma = delimiter
	if err := w.Write(rec); err != nil {
		return nil, err
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (s *Segment) writeHeader() error {
	line, err := encodeRecord(Header)
	if err != nil {
		return fmt.Errorf("encode header: %w", err)
	}
	line, err = unicode.UTF8BOM.NewEncoder().Bytes(line)
	if err != nil {
		return fmt.Errorf("encode header: %w", err)
	}
	if err := s.commit(line); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	return nil
}

// commit writes line after the last good row and syncs it. On failure the
// file is truncated back, so nothing partial stays on disk and the next
// call starts from a clean offset.
func (s *Segment) commit(line []byte) error {
	n, err := s.writeAt(line, s.size)
	if err == nil && n < len(line) {
		err = io.ErrShortWrite
	}
	if err == nil {
		err = s.file.Sync()
	}
	if err != nil {
		if terr := s.file.Truncate(s.size); terr != nil {
			return errors.Join(fmt.Errorf("write %s: %w", s.Path, err), fmt.Errorf("truncate %s: %w", s.Path, terr))
		}
		return fmt.Errorf("write %s: %w", s.Path, err)
	}
	s.size += int64(len(line))
	return nil
}

// Append writes one row and syncs it to disk before returning.
func (s *Segment) Append(evt core.RollEvent) error {
	if s.closed {
		return fmt.Errorf("append to closed segment %s", s.Path)
	}
	if evt.Time.Before(s.last) {
		return fmt.Errorf("append out of order: %s before %s", evt.Time.Format(time.RFC3339), s.last.Format(time.RFC3339))
	}
	rec := []string{
		evt.Time.Local().Format(rowTimeLayout),
		strconv.Itoa(int(evt.Pair.First)),
		strconv.Itoa(int(evt.Pair.Second)),
		strconv.Itoa(evt.Sum),
		string(evt.Class),
	}
	line, err := encodeRecord(rec)
	if err != nil {
		return fmt.Errorf("encode row: %w", err)
	}
	if err := s.commit(line); err != nil {
		return fmt.Errorf("append row: %w", err)
	}
	s.rows++
	s.last = evt.Time
	return nil
}

// Close syncs and closes the file. Closing twice is a no-op.
func (s *Segment) Close(at time.Time) error {
	if s.closed {
		return nil
	}
	s.closed = true
	s.ClosedAt = at
	syncErr := s.file.Sync()
	closeErr := s.file.Close()
	if syncErr != nil {
		return fmt.Errorf("sync %s: %w", s.Path, syncErr)
	}
	if closeErr != nil {
		return fmt.Errorf("close %s: %w", s.Path, closeErr)
	}
	return nil
}

// Rows returns the number of data rows written.
func (s *Segment) Rows() int { return s.rows }

// Closed reports whether the segment is finalized.
func (s *Segment) Closed() bool { return s.closed }

// Info snapshots the segment.
func (s *Segment) Info() SegmentInfo {
	return SegmentInfo{
		Path:     s.Path,
		OpenedAt: s.OpenedAt,
		ClosedAt: s.ClosedAt,
		Rows:     s.rows,
		Closed:   s.closed,
	}
}
