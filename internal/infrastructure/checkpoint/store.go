// Package checkpoint provides file-backed persistence for training
// checkpoints.
package checkpoint

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/StOnEGiggity/ViLCo/internal/domain/continual"
)

// Extension is the file suffix of stored checkpoints.
const Extension = ".json.zst"

// Store reads and writes named checkpoints in one directory.
type Store struct {
	mu  sync.Mutex
	dir string
	enc *zstd.Encoder
	dec *zstd.Decoder
}

// NewStore opens a checkpoint directory, creating it if needed.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create checkpoint directory: %w", err)
	}
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("checkpoint encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("checkpoint decoder: %w", err)
	}
	return &Store{dir: dir, enc: enc, dec: dec}, nil
}

// Dir returns the checkpoint directory.
func (s *Store) Dir() string {
	return s.dir
}

// Path returns the file path of a named checkpoint.
func (s *Store) Path(name string) string {
	return filepath.Join(s.dir, name+Extension)
}

// Save writes a checkpoint. The file is written to a temporary name and
// renamed into place so readers never observe a partial checkpoint.
func (s *Store) Save(name string, cpt *continual.Checkpoint) error {
	if cpt.SavedAt.IsZero() {
		cpt.SavedAt = time.Now().UTC()
	}
	raw, err := json.Marshal(cpt)
	if err != nil {
		return fmt.Errorf("encode checkpoint %s: %w", name, err)
	}

	s.mu.Lock()
	data := s.enc.EncodeAll(raw, nil)
	s.mu.Unlock()

	tmp, err := os.CreateTemp(s.dir, "."+name+".*.tmp")
	if err != nil {
		return fmt.Errorf("write checkpoint %s: %w", name, err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write checkpoint %s: %w", name, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync checkpoint %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close checkpoint %s: %w", name, err)
	}
	if err := os.Rename(tmp.Name(), s.Path(name)); err != nil {
		return fmt.Errorf("publish checkpoint %s: %w", name, err)
	}
	if err := syncDir(s.dir); err != nil {
		return fmt.Errorf("sync checkpoint dir for %s: %w", name, err)
	}
	return nil
}

// syncDir flushes a directory entry so a completed rename survives a crash.
func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}

// Load reads a checkpoint. A missing file is ErrCheckpointNotFound; a file
// that cannot be decoded is ErrCheckpointCorrupt.
func (s *Store) Load(name string) (*continual.Checkpoint, error) {
	data, err := os.ReadFile(s.Path(name))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", continual.ErrCheckpointNotFound, name)
		}
		return nil, fmt.Errorf("read checkpoint %s: %w", name, err)
	}

	s.mu.Lock()
	raw, err := s.dec.DecodeAll(data, nil)
	s.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", continual.ErrCheckpointCorrupt, name, err)
	}

	var cpt continual.Checkpoint
	if err := json.Unmarshal(raw, &cpt); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", continual.ErrCheckpointCorrupt, name, err)
	}
	return &cpt, nil
}

// Exists reports whether a named checkpoint exists.
func (s *Store) Exists(name string) bool {
	_, err := os.Stat(s.Path(name))
	return err == nil
}

// Remove deletes a named checkpoint. Removing a missing checkpoint is not
// an error.
func (s *Store) Remove(name string) error {
	err := os.Remove(s.Path(name))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove checkpoint %s: %w", name, err)
	}
	return nil
}

// List returns the names of all stored checkpoints in lexical order.
func (s *Store) List() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") || !strings.HasSuffix(e.Name(), Extension) {
			continue
		}
		names = append(names, strings.TrimSuffix(e.Name(), Extension))
	}
	sort.Strings(names)
	return names, nil
}

// Close releases the codec resources.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dec.Close()
	return s.enc.Close()
}
