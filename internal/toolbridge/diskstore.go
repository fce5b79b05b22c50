package toolbridge

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// DiskStore is the on-disk SkillStore: tool-skill bodies live at
// "$dir/cc-tool-<Name>.md" with a sidecar "cc-tool-meta.json" tracking
// {hash, lastSeen, charCount, version} per tool (spec §6 "Persisted state
// layout"). Writes are write-then-rename; readers tolerate missing files
// (spec §5, §9).
type DiskStore struct {
	dir string

	mu   sync.Mutex
	meta map[string]skillMeta
}

type skillMeta struct {
	Hash      string    `json:"hash"`
	LastSeen  time.Time `json:"lastSeen"`
	CharCount int       `json:"charCount"`
	Version   int       `json:"version"`
}

const metaFileName = "cc-tool-meta.json"

// NewDiskStore constructs a DiskStore rooted at dir, creating it if
// necessary, and loads any existing sidecar metadata.
func NewDiskStore(dir string) (*DiskStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("toolbridge: create skills dir: %w", err)
	}
	s := &DiskStore{dir: dir, meta: make(map[string]skillMeta)}

	raw, err := os.ReadFile(filepath.Join(dir, metaFileName))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return s, nil
		}
		return nil, fmt.Errorf("toolbridge: read skill metadata: %w", err)
	}
	if err := json.Unmarshal(raw, &s.meta); err != nil {
		return nil, fmt.Errorf("toolbridge: parse skill metadata: %w", err)
	}
	return s, nil
}

func (s *DiskStore) skillPath(name string) string {
	return filepath.Join(s.dir, fmt.Sprintf("cc-tool-%s.md", name))
}

// Put persists body for name, recording hash in the sidecar metadata.
func (s *DiskStore) Put(name, hash, body string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := writeAtomic(s.skillPath(name), []byte(body)); err != nil {
		return err
	}

	existing := s.meta[name]
	s.meta[name] = skillMeta{
		Hash:      hash,
		LastSeen:  time.Now(),
		CharCount: len(body),
		Version:   existing.Version + 1,
	}
	return s.flushMeta()
}

// Get reads the skill body for name, tolerating a missing file.
func (s *DiskStore) Get(name string) (string, bool) {
	raw, err := os.ReadFile(s.skillPath(name))
	if err != nil {
		return "", false
	}
	return string(raw), true
}

// ByHash resolves a tool name from its description hash, if known.
func (s *DiskStore) ByHash(hash string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for name, m := range s.meta {
		if m.Hash == hash {
			return name, true
		}
	}
	return "", false
}

func (s *DiskStore) flushMeta() error {
	raw, err := json.Marshal(s.meta)
	if err != nil {
		return fmt.Errorf("toolbridge: marshal skill metadata: %w", err)
	}
	return writeAtomic(filepath.Join(s.dir, metaFileName), raw)
}

// writeAtomic writes data to a temp file in the same directory as path
// and renames it into place, so readers never observe a partial write
// (spec §5, §9 "write-then-rename").
func writeAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("toolbridge: write temp file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("toolbridge: rename into place: %w", err)
	}
	return nil
}
