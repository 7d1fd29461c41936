package rolllog

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"

	"github.com/modoterra/dicewatch/pkg/core"
)

// Row is one decoded data row. Segments store only local wall-clock time
// of day; the date lives in the file name.
type Row struct {
	Clock string
	Pair  core.Pair
	Sum   int
	Class core.Classification
}

// ReadSegment decodes a segment file, stripping the byte-order mark.
func ReadSegment(path string) ([]Row, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open segment: %w", err)
	}
	defer f.Close()
	return decodeRows(transform.NewReader(f, unicode.UTF8BOM.NewDecoder()))
}

func decodeRows(r io.Reader) ([]Row, error) {
	cr := csv.NewReader(r)
	cr.Comma = delimiter
	cr.FieldsPerRecord = len(Header)

	head, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	if strings.Join(head, ";") != strings.Join(Header, ";") {
		return nil, fmt.Errorf("unexpected header %q", strings.Join(head, ";"))
	}

	var rows []Row
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			return rows, nil
		}
		if err != nil {
			return nil, fmt.Errorf("read row: %w", err)
		}
		row, err := parseRow(rec)
		if err != nil {
			line, _ := cr.FieldPos(0)
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		rows = append(rows, row)
	}
}

func parseRow(rec []string) (Row, error) {
	if _, err := time.Parse(rowTimeLayout, rec[0]); err != nil {
		return Row{}, fmt.Errorf("bad time %q", rec[0])
	}
	d1, err1 := strconv.Atoi(rec[1])
	d2, err2 := strconv.Atoi(rec[2])
	sum, err3 := strconv.Atoi(rec[3])
	if err1 != nil || err2 != nil || err3 != nil {
		return Row{}, fmt.Errorf("bad numeric field in %v", rec)
	}
	pair, err := core.NewPair(core.Face(d1), core.Face(d2))
	if err != nil {
		return Row{}, err
	}
	return Row{Clock: rec[0], Pair: pair, Sum: sum, Class: core.Classification(rec[4])}, nil
}

// FileInfo describes a segment file on disk.
type FileInfo struct {
	Name     string    `json:"name"`
	Path     string    `json:"path"`
	OpenedAt time.Time `json:"opened_at"`
	Size     int64     `json:"size"`
}

// List returns the segment files in dir, oldest first.
func List(dir string) ([]FileInfo, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", dir, err)
	}
	var out []FileInfo
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		opened, ok := ParseFileName(e.Name())
		if !ok {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		out = append(out, FileInfo{
			Name:     e.Name(),
			Path:     filepath.Join(dir, e.Name()),
			OpenedAt: opened,
			Size:     info.Size(),
		})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].OpenedAt.Equal(out[j].OpenedAt) {
			return out[i].Name < out[j].Name
		}
		return out[i].OpenedAt.Before(out[j].OpenedAt)
	})
	return out, nil
}

// ParseFileName extracts the open time from a segment file name, in local
// time. Collision suffixes (_1, _2...) are accepted.
func ParseFileName(name string) (time.Time, bool) {
	if !strings.HasPrefix(name, filePrefix) || !strings.HasSuffix(name, fileExt) {
		return time.Time{}, false
	}
	stamp := strings.TrimSuffix(strings.TrimPrefix(name, filePrefix), fileExt)
	if len(stamp) > len(fileTimeLayout) {
		suffix := stamp[len(fileTimeLayout):]
		if !strings.HasPrefix(suffix, "_") {
			return time.Time{}, false
		}
		if _, err := strconv.Atoi(suffix[1:]); err != nil {
			return time.Time{}, false
		}
		stamp = stamp[:len(fileTimeLayout)]
	}
	t, err := time.ParseInLocation(fileTimeLayout, stamp, time.Local)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}
