package cache

import (
	"os"
	"path/filepath"

	"github.com/rotisserie/eris"
)

// Fixed persistence keys: one blob for the entry map, one for statistics.
const (
	EntriesKey = "analysis_cache"
	StatsKey   = "analysis_cache_stats"
)

// Persister stores named JSON blobs durably so cache state survives a
// restart. Injected rather than global: the cache never decides where its
// state lives.
type Persister interface {
	// Load returns the blob for key, or (nil, nil) if it has never been saved.
	Load(key string) ([]byte, error)
	Save(key string, data []byte) error
}

// DirPersister persists each key as a JSON file inside a directory.
type DirPersister struct {
	dir string
}

// NewDirPersister creates the directory if needed and returns a persister.
func NewDirPersister(dir string) (*DirPersister, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, eris.Wrapf(err, "cache: create dir %s", dir)
	}
	return &DirPersister{dir: dir}, nil
}

func (p *DirPersister) path(key string) string {
	return filepath.Join(p.dir, key+".json")
}

// Load reads the blob for key, returning (nil, nil) when absent.
func (p *DirPersister) Load(key string) ([]byte, error) {
	data, err := os.ReadFile(p.path(key))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "cache: read %s", key)
	}
	return data, nil
}

// Save writes the blob atomically via rename.
func (p *DirPersister) Save(key string, data []byte) error {
	tmp := p.path(key) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return eris.Wrapf(err, "cache: write %s", key)
	}
	if err := os.Rename(tmp, p.path(key)); err != nil {
		return eris.Wrapf(err, "cache: rename %s", key)
	}
	return nil
}

// NopPersister discards all writes. Used when durability is not wanted,
// e.g. one-shot CLI invocations.
type NopPersister struct{}

func (NopPersister) Load(string) ([]byte, error) { return nil, nil }
func (NopPersister) Save(string, []byte) error   { return nil }
