package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/afero"

	"clinic-vault/engine/internal/backuperr"
)

// Format is the artifact layout of a backup.
type Format string

const (
	FormatRaw     Format = "raw"
	FormatArchive Format = "archive"
)

const DefaultCap = 50

// BackupRecord is one catalog entry. Records are never edited after Add except
// by replacing the whole entry under the same name.
type BackupRecord struct {
	Name           string    `json:"name"`
	Path           string    `json:"path"`
	Size           int64     `json:"size"`
	CreatedAt      time.Time `json:"created_at"`
	Format         Format    `json:"format"`
	IncludesAssets bool      `json:"includes_assets"`
	Version        string    `json:"version"`
	Platform       string    `json:"platform"`
	Checksum       string    `json:"checksum,omitempty"`
}

// Registry is the on-disk catalog of backups, most recent first.
type Registry struct {
	fs   afero.Fs
	path string
	cap  int
	mu   sync.Mutex
	log  zerolog.Logger
}

func New(fs afero.Fs, path string, capacity int, log zerolog.Logger) *Registry {
	if capacity <= 0 {
		capacity = DefaultCap
	}
	return &Registry{fs: fs, path: path, cap: capacity, log: log}
}

func (r *Registry) Path() string { return r.path }

// Add inserts rec at the front, or replaces the record with the same name in
// place. Entries beyond the cap are dropped from the catalog only.
func (r *Registry) Add(rec BackupRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	records, err := r.read()
	if err != nil {
		return err
	}
	replaced := false
	for i := range records {
		if records[i].Name == rec.Name {
			records[i] = rec
			replaced = true
			break
		}
	}
	if !replaced {
		records = append([]BackupRecord{rec}, records...)
	}
	if len(records) > r.cap {
		for _, dropped := range records[r.cap:] {
			r.log.Debug().Str("name", dropped.Name).Msg("registry cap reached, dropping entry")
		}
		records = records[:r.cap]
	}
	return r.write(records)
}

// List returns records whose file still exists, dropping duplicates by name,
// and persists the cleaned catalog when anything was removed.
func (r *Registry) List() ([]BackupRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	records, err := r.read()
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool, len(records))
	valid := make([]BackupRecord, 0, len(records))
	for _, rec := range records {
		if seen[rec.Name] {
			continue
		}
		ok, err := afero.Exists(r.fs, rec.Path)
		if err != nil {
			return nil, err
		}
		if !ok {
			r.log.Info().Str("name", rec.Name).Str("path", rec.Path).Msg("pruning registry entry with missing file")
			continue
		}
		seen[rec.Name] = true
		valid = append(valid, rec)
	}
	if len(valid) != len(records) {
		if err := r.write(valid); err != nil {
			return nil, err
		}
	}
	return valid, nil
}

// Get returns the record called name.
func (r *Registry) Get(name string) (BackupRecord, error) {
	return r.find(func(rec BackupRecord) bool { return rec.Name == name })
}

// FindByPath returns the record whose artifact is at path.
func (r *Registry) FindByPath(path string) (BackupRecord, error) {
	want := filepath.Clean(path)
	return r.find(func(rec BackupRecord) bool { return filepath.Clean(rec.Path) == want })
}

func (r *Registry) find(match func(BackupRecord) bool) (BackupRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	records, err := r.read()
	if err != nil {
		return BackupRecord{}, err
	}
	for _, rec := range records {
		if match(rec) {
			return rec, nil
		}
	}
	return BackupRecord{}, backuperr.ErrNotFound
}

// Remove drops the record called name. It does not touch the artifact.
func (r *Registry) Remove(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	records, err := r.read()
	if err != nil {
		return err
	}
	for i := range records {
		if records[i].Name == name {
			records = append(records[:i], records[i+1:]...)
			return r.write(records)
		}
	}
	return fmt.Errorf("%w: %s", backuperr.ErrNotFound, name)
}

func (r *Registry) read() ([]BackupRecord, error) {
	data, err := afero.ReadFile(r.fs, r.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read registry: %w", err)
	}
	if len(data) == 0 {
		return nil, nil
	}
	var records []BackupRecord
	if err := json.Unmarshal(data, &records); err != nil {
		// A catalog we cannot parse is rebuilt from scratch rather than
		// blocking backups; the artifacts themselves are untouched.
		r.log.Error().Err(err).Str("path", r.path).Msg("registry unreadable, starting empty")
		return nil, nil
	}
	return records, nil
}

// write replaces the catalog atomically: temp file in the same directory,
// fsync, rename.
func (r *Registry) write(records []BackupRecord) error {
	if records == nil {
		records = []BackupRecord{}
	}
	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return err
	}
	dir := filepath.Dir(r.path)
	if err := r.fs.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create registry dir: %w", err)
	}
	tmp, err := afero.TempFile(r.fs, dir, ".backup_registry-*.json")
	if err != nil {
		return fmt.Errorf("create registry temp file: %w", err)
	}
	_, err = tmp.Write(data)
	if err == nil {
		err = tmp.Sync()
	}
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = r.fs.Rename(tmp.Name(), r.path)
	}
	if err != nil {
		_ = r.fs.Remove(tmp.Name())
		return fmt.Errorf("write registry: %w", err)
	}
	return nil
}
