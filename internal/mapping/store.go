// Package mapping holds the bridge's private table linking device tag ids
// to inventory spool ids, with the last propagated remaining weight as the
// delta baseline. The table lives in memory and persists to a single YAML
// document written atomically (temp file, fsync, rename), so readers only
// ever observe a complete file.
package mapping

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

const schemaVersion = 1

// saveDelay coalesces bursts of mutations into one disk write.
const saveDelay = 500 * time.Millisecond

// ErrCorrupt indicates the mapping file exists but does not parse. The
// caller treats it as absent and rebuilds from the inventory.
var ErrCorrupt = errors.New("mapping: corrupt state file")

// Entry links one device tag to one inventory spool.
//
// LastRemaining is the device-reported remaining weight at the moment of
// the last successful propagation: the baseline for the next delta. The
// metadata fields cache what the device last reported so divergence
// detection needs no inventory reads.
type Entry struct {
	TagID         string    `yaml:"tag_id"`
	SpoolID       int       `yaml:"inventory_spool_id"`
	LastRemaining float64   `yaml:"last_remaining_g"`
	LastSyncedAt  time.Time `yaml:"last_synced_at"`
	Material      string    `yaml:"material,omitempty"`
	Brand         string    `yaml:"brand,omitempty"`
	ColorName     string    `yaml:"color_name,omitempty"`
	ColorHex      string    `yaml:"color_hex,omitempty"`
}

// document is the on-disk shape.
type document struct {
	Version      int              `yaml:"version"`
	LastSyncTime time.Time        `yaml:"last_sync_time,omitempty"`
	Mappings     map[string]Entry `yaml:"mappings"`
}

// Store is the in-memory mapping with debounced, atomic persistence.
// Safe for concurrent use.
type Store struct {
	path string
	log  zerolog.Logger

	mu        sync.Mutex
	entries   map[string]Entry
	bySpoolID map[int]string
	dirty     bool
	saveTimer *time.Timer
}

// NewStore creates a store persisting to path. Call Load before use.
func NewStore(path string, logger zerolog.Logger) *Store {
	return &Store{
		path:      path,
		log:       logger.With().Str("component", "mapping").Logger(),
		entries:   make(map[string]Entry),
		bySpoolID: make(map[int]string),
	}
}

// Load reads the state file. A missing file starts fresh; an unparseable
// one returns ErrCorrupt (wrapped) with the store left empty.
func (s *Store) Load() error {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		s.log.Info().Str("path", s.path).Msg("no mapping file, starting fresh")
		return nil
	}
	if err != nil {
		return fmt.Errorf("mapping: reading %s: %w", s.path, err)
	}

	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if doc.Version != schemaVersion {
		return fmt.Errorf("%w: unsupported version %d", ErrCorrupt, doc.Version)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = make(map[string]Entry, len(doc.Mappings))
	s.bySpoolID = make(map[int]string, len(doc.Mappings))
	for tagID, entry := range doc.Mappings {
		entry.TagID = tagID
		s.entries[tagID] = entry
		s.bySpoolID[entry.SpoolID] = tagID
	}
	s.log.Info().Int("mappings", len(s.entries)).Str("path", s.path).Msg("loaded mapping file")
	return nil
}

// Save writes the current state to disk unconditionally.
func (s *Store) Save() error {
	s.mu.Lock()
	doc := document{
		Version:      schemaVersion,
		LastSyncTime: time.Now().UTC(),
		Mappings:     make(map[string]Entry, len(s.entries)),
	}
	for tagID, entry := range s.entries {
		doc.Mappings[tagID] = entry
	}
	if s.saveTimer != nil {
		s.saveTimer.Stop()
		s.saveTimer = nil
	}
	s.dirty = false
	s.mu.Unlock()

	if err := s.writeAtomic(doc); err != nil {
		// Keep running on in-memory state; the next mutation retries.
		s.mu.Lock()
		s.dirty = true
		s.mu.Unlock()
		return err
	}
	return nil
}

// writeAtomic serializes doc to a sibling temp file, syncs it, and renames
// it over the target.
func (s *Store) writeAtomic(doc document) error {
	data, err := yaml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("mapping: serializing: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("mapping: creating %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".mapping-*.tmp")
	if err != nil {
		return fmt.Errorf("mapping: creating temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("mapping: writing temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("mapping: syncing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("mapping: closing temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("mapping: renaming into place: %w", err)
	}
	return nil
}

// Flush writes to disk if there are unsaved mutations.
func (s *Store) Flush() error {
	s.mu.Lock()
	dirty := s.dirty
	s.mu.Unlock()
	if !dirty {
		return nil
	}
	if err := s.Save(); err != nil {
		s.log.Error().Err(err).Msg("mapping save failed, keeping in-memory state")
		return err
	}
	return nil
}

// markDirtyLocked schedules a debounced save. Caller holds s.mu.
func (s *Store) markDirtyLocked() {
	s.dirty = true
	if s.saveTimer != nil {
		return
	}
	s.saveTimer = time.AfterFunc(saveDelay, func() {
		s.mu.Lock()
		s.saveTimer = nil
		s.mu.Unlock()
		s.Flush()
	})
}

// Upsert inserts or replaces the entry for its tag id.
func (s *Store) Upsert(entry Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.entries[entry.TagID]; ok && old.SpoolID != entry.SpoolID {
		delete(s.bySpoolID, old.SpoolID)
	}
	s.entries[entry.TagID] = entry
	s.bySpoolID[entry.SpoolID] = entry.TagID
	s.markDirtyLocked()
}

// Remove deletes the entry for the tag id, reporting whether it existed.
func (s *Store) Remove(tagID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[tagID]
	if !ok {
		return false
	}
	delete(s.entries, tagID)
	delete(s.bySpoolID, entry.SpoolID)
	s.markDirtyLocked()
	return true
}

// RemoveBySpoolID deletes the entry referencing the inventory spool id,
// returning the removed entry.
func (s *Store) RemoveBySpoolID(spoolID int) (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tagID, ok := s.bySpoolID[spoolID]
	if !ok {
		return Entry{}, false
	}
	entry := s.entries[tagID]
	delete(s.entries, tagID)
	delete(s.bySpoolID, spoolID)
	s.markDirtyLocked()
	return entry, true
}

// Get returns the entry for a tag id.
func (s *Store) Get(tagID string) (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[tagID]
	return entry, ok
}

// GetBySpoolID returns the entry referencing an inventory spool id.
func (s *Store) GetBySpoolID(spoolID int) (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tagID, ok := s.bySpoolID[spoolID]
	if !ok {
		return Entry{}, false
	}
	return s.entries[tagID], true
}

// Snapshot returns a copy of all entries keyed by tag id.
func (s *Store) Snapshot() map[string]Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	snapshot := make(map[string]Entry, len(s.entries))
	for tagID, entry := range s.entries {
		snapshot[tagID] = entry
	}
	return snapshot
}

// Len returns the number of entries.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Close stops the debounce timer and flushes pending mutations.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.saveTimer != nil {
		s.saveTimer.Stop()
		s.saveTimer = nil
	}
	s.mu.Unlock()
	return s.Flush()
}
