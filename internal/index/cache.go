package index

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tripwire/monitor/internal/monerr"
)

// CacheFormatVersion is the document format version written to sidecar
// cache files.
const CacheFormatVersion = "1.0"

// maxCacheEntries bounds how many PacketIndexEntry rows a sidecar cache
// carries before decimation kicks in (spec.md §4.6 "Index cache"; Open
// Question #2 in SPEC_FULL.md resolves decimation as every
// ceil(n/maxCacheEntries)-th entry, always keeping the first and last).
const maxCacheEntries = 10000

type cacheDoc struct {
	FormatVersion string    `yaml:"format_version"`
	SourceFile    string    `yaml:"source_file"`
	SourceSize    int64     `yaml:"source_size"`
	Checksum      string    `yaml:"checksum"`
	BuiltAt       time.Time `yaml:"built_at"`
	Decimated     bool      `yaml:"decimated"`
	Entries       []Entry   `yaml:"entries"`
}

// CachePath returns the conventional sidecar cache path for a source file.
func CachePath(sourcePath string) string { return sourcePath + ".idx.cache" }

// SaveCache writes idx's entries (decimated to at most maxCacheEntries+1,
// per spec.md §9(b)) to a sidecar file alongside sourcePath.
func SaveCache(sourcePath, cachePath string, idx *Index) error {
	checksum, err := ChecksumFile(sourcePath)
	if err != nil {
		return err
	}
	info, err := os.Stat(sourcePath)
	if err != nil {
		return monerr.New(monerr.KindIndex, "cache: stat source %q: %v", sourcePath, err)
	}

	entries, decimated := decimate(idx.Entries, maxCacheEntries)
	doc := cacheDoc{
		FormatVersion: CacheFormatVersion,
		SourceFile:    sourcePath,
		SourceSize:    info.Size(),
		Checksum:      checksum,
		BuiltAt:       time.Now(),
		Decimated:     decimated,
		Entries:       entries,
	}

	out, err := yaml.Marshal(doc)
	if err != nil {
		return monerr.New(monerr.KindIndex, "cache: marshal: %v", err)
	}
	if err := os.WriteFile(cachePath, out, 0o644); err != nil {
		return monerr.New(monerr.KindIndex, "cache: write %q: %v", cachePath, err)
	}
	return nil
}

// LoadCache reads a sidecar cache and validates it against the current
// state of sourcePath: the cache is only trusted when the source's mtime is
// no newer than the cache file's mtime and the checksums match (spec.md
// §4.6 "Index cache"). A decimated cache is still reported valid (ok true); callers
// needing exact entries should treat a decimated result as coarser but
// still sorted and internally consistent.
func LoadCache(sourcePath, cachePath string) (*Index, bool, error) {
	cacheInfo, err := os.Stat(cachePath)
	if err != nil {
		return nil, false, nil
	}
	sourceInfo, err := os.Stat(sourcePath)
	if err != nil {
		return nil, false, monerr.New(monerr.KindIndex, "cache: stat source %q: %v", sourcePath, err)
	}
	if sourceInfo.ModTime().After(cacheInfo.ModTime()) {
		return nil, false, nil
	}

	raw, err := os.ReadFile(cachePath)
	if err != nil {
		return nil, false, monerr.New(monerr.KindIndex, "cache: read %q: %v", cachePath, err)
	}
	var doc cacheDoc
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, false, monerr.New(monerr.KindIndex, "cache: unmarshal %q: %v", cachePath, err)
	}
	if majorOf(doc.FormatVersion) != majorOf(CacheFormatVersion) {
		return nil, false, monerr.New(monerr.KindIndex, "cache: unsupported format version %q", doc.FormatVersion)
	}
	if doc.SourceSize != sourceInfo.Size() {
		return nil, false, nil
	}
	checksum, err := ChecksumFile(sourcePath)
	if err != nil {
		return nil, false, err
	}
	if checksum != doc.Checksum {
		return nil, false, nil
	}

	return &Index{
		Entries: doc.Entries,
		Stats: Stats{
			Total: len(doc.Entries), Valid: len(doc.Entries),
			FileSize: doc.SourceSize, SourceFile: sourcePath,
		},
	}, true, nil
}

func majorOf(v string) string {
	for i, c := range v {
		if c == '.' {
			return v[:i]
		}
	}
	return v
}

// decimate reduces entries to at most max+1 representatives: every
// ceil(n/max)-th one starting with the first (at most max), plus the last
// when the stride does not land on it.
func decimate(entries []Entry, max int) ([]Entry, bool) {
	if len(entries) <= max {
		return entries, false
	}
	stride := (len(entries) + max - 1) / max
	out := make([]Entry, 0, max+1)
	for i := 0; i < len(entries); i += stride {
		out = append(out, entries[i])
	}
	if last := entries[len(entries)-1]; out[len(out)-1] != last {
		out = append(out, last)
	}
	return out, true
}
