package rolllog

import (
	"bufio"
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strings"
	"time"
)

// Follow streams rows appended to the segment at path. With fromStart it
// first replays existing rows; otherwise it starts at the end of the file.
// The channel closes when ctx is done. A partially written line is held
// until its newline arrives.
func Follow(ctx context.Context, path string, fromStart bool, poll time.Duration) (<-chan Row, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open segment: %w", err)
	}
	if !fromStart {
		if _, err := f.Seek(0, io.SeekEnd); err != nil {
			f.Close()
			return nil, fmt.Errorf("seek %s: %w", path, err)
		}
	}
	if poll <= 0 {
		poll = 250 * time.Millisecond
	}

	ch := make(chan Row, 64)
	go func() {
		defer f.Close()
		defer close(ch)

		reader := bufio.NewReader(f)
		var pending string
		for {
			chunk, err := reader.ReadString('\n')
			pending += chunk
			if err != nil {
				select {
				case <-ctx.Done():
					return
				case <-time.After(poll):
				}
				continue
			}

			line := pending
			pending = ""
			row, ok := decodeLine(line)
			if !ok {
				continue
			}
			select {
			case ch <- row:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

// decodeLine parses one data line; the header and malformed lines are
// skipped.
func decodeLine(line string) (Row, bool) {
	line = strings.TrimPrefix(line, "\ufeff")
	cr := csv.NewReader(strings.NewReader(line))
	cr.Comma = delimiter
	cr.FieldsPerRecord = len(Header)
	rec, err := cr.Read()
	if err != nil || rec[0] == Header[0] {
		return Row{}, false
	}
	row, err := parseRow(rec)
	if err != nil {
		return Row{}, false
	}
	return row, true
}
