package core

import (
	"fmt"
	"path"
	"sort"
	"strings"
)

// FingerprintTable maps rendered asset filenames to die faces.
// Several asset variants may map to the same face. The table is
// immutable once built.
type FingerprintTable struct {
	faces map[string]Face
	names []string
}

// NewFingerprintTable validates entries and builds a table.
// Keys are bare filenames; they are matched case-insensitively.
func NewFingerprintTable(entries map[string]int) (*FingerprintTable, error) {
	if len(entries) == 0 {
		return nil, fmt.Errorf("fingerprint table is empty")
	}
	t := &FingerprintTable{faces: make(map[string]Face, len(entries))}
	for asset, v := range entries {
		key := normalizeAsset(asset)
		if key == "" {
			return nil, fmt.Errorf("fingerprint %q: empty asset name", asset)
		}
		face := Face(v)
		if !face.Valid() {
			return nil, fmt.Errorf("fingerprint %q: face %d out of range 1-6", asset, v)
		}
		if prev, dup := t.faces[key]; dup && prev != face {
			return nil, fmt.Errorf("fingerprint %q: conflicting faces %d and %d", asset, prev, face)
		}
		t.faces[key] = face
	}
	t.names = make([]string, 0, len(t.faces))
	for k := range t.faces {
		t.names = append(t.names, k)
	}
	sort.Strings(t.names)
	return t, nil
}

// Lookup resolves an asset filename to its face.
func (t *FingerprintTable) Lookup(asset string) (Face, bool) {
	f, ok := t.faces[normalizeAsset(asset)]
	return f, ok
}

// Has reports whether asset is a known fingerprint.
func (t *FingerprintTable) Has(asset string) bool {
	_, ok := t.Lookup(asset)
	return ok
}

// Assets returns the sorted candidate filenames.
func (t *FingerprintTable) Assets() []string {
	out := make([]string, len(t.names))
	copy(out, t.names)
	return out
}

// Len returns the number of entries.
func (t *FingerprintTable) Len() int { return len(t.faces) }

// AssetName reduces an image reference (URL, CSS url(...) value, or path)
// to its bare lowercase filename. Query strings and fragments are dropped.
func AssetName(ref string) string {
	s := strings.TrimSpace(ref)
	s = strings.TrimPrefix(s, "url(")
	s = strings.TrimSuffix(s, ")")
	s = strings.Trim(s, `"' `)
	if i := strings.IndexAny(s, "?#"); i >= 0 {
		s = s[:i]
	}
	if s == "" || strings.HasPrefix(s, "data:") {
		return ""
	}
	return normalizeAsset(path.Base(s))
}

func normalizeAsset(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "." || name == "/" {
		return ""
	}
	return name
}
