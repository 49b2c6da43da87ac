// Package state persists what has already been imported so repeated runs
// over the same source skip records that reached the sink before.
//
// Each (source, measurement) pair is tracked in one of two modes, fixed at
// construction: a high watermark for append-only sources, or a set of seen
// record identifiers for sources whose records carry no reliable ordering
// (sleep stages can be amended after the fact). State only ever grows: the
// watermark never moves backwards and identifiers are never removed.
package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/mrlokans/influx-importer/internal/entities"
)

// ErrStateCorrupt is returned when a state file exists but cannot be parsed.
var ErrStateCorrupt = errors.New("import state file is corrupt")

// ErrModeMismatch is returned when a tracker is requested in a different
// mode than the one recorded for the same key.
var ErrModeMismatch = errors.New("import state mode mismatch")

const fileVersion = 1

type Mode string

const (
	ModeWatermark Mode = "watermark"
	ModeSeenSet   Mode = "seen_set"
)

func (m Mode) valid() bool {
	return m == ModeWatermark || m == ModeSeenSet
}

type entry struct {
	Source          string     `json:"source"`
	Measurement     string     `json:"measurement"`
	Mode            Mode       `json:"mode"`
	HighWatermark   *time.Time `json:"high_watermark,omitempty"`
	SeenIDs         []string   `json:"seen_ids,omitempty"`
	RecordsImported int        `json:"records_imported"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

type document struct {
	Version int               `json:"version"`
	Entries map[string]*entry `json:"entries"`
}

// Store holds the import state of every tracked (source, measurement) pair.
type Store struct {
	entries  map[string]*entry
	trackers map[string]*Tracker
}

// New returns an empty in-memory store.
func New() *Store {
	return &Store{
		entries:  make(map[string]*entry),
		trackers: make(map[string]*Tracker),
	}
}

// Load reads the state file at path. A missing file yields an empty store.
func Load(path string) (*Store, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return New(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read state file %s: %w", path, err)
	}

	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrStateCorrupt, path, err)
	}

	s := New()
	for k, e := range doc.Entries {
		if e == nil || !e.Mode.valid() {
			return nil, fmt.Errorf("%w: %s: entry %q has invalid mode", ErrStateCorrupt, path, k)
		}
		s.entries[k] = e
	}
	return s, nil
}

func entryKey(source, measurement string) string {
	return source + "|" + measurement
}

// Tracker returns the dedup tracker for a source and measurement. The mode
// must match the mode already recorded for that pair, if any.
func (s *Store) Tracker(source, measurement string, mode Mode) (*Tracker, error) {
	if !mode.valid() {
		return nil, fmt.Errorf("unknown state mode %q", mode)
	}
	key := entryKey(source, measurement)
	if t, ok := s.trackers[key]; ok {
		if t.entry.Mode != mode {
			return nil, fmt.Errorf("%w: %s is tracked as %s, requested %s", ErrModeMismatch, key, t.entry.Mode, mode)
		}
		return t, nil
	}

	e, ok := s.entries[key]
	if !ok {
		e = &entry{Source: source, Measurement: measurement, Mode: mode}
		s.entries[key] = e
	} else if e.Mode != mode {
		return nil, fmt.Errorf("%w: %s is tracked as %s, requested %s", ErrModeMismatch, key, e.Mode, mode)
	}

	t := newTracker(e)
	s.trackers[key] = t
	return t, nil
}

// Watermark returns the high watermark recorded for a pair, if any.
func (s *Store) Watermark(source, measurement string) (time.Time, bool) {
	e, ok := s.entries[entryKey(source, measurement)]
	if !ok || e.HighWatermark == nil {
		return time.Time{}, false
	}
	return *e.HighWatermark, true
}

// SeenCount returns the number of identifiers recorded for a pair.
func (s *Store) SeenCount(source, measurement string) int {
	if t, ok := s.trackers[entryKey(source, measurement)]; ok {
		return len(t.seen)
	}
	if e, ok := s.entries[entryKey(source, measurement)]; ok {
		return len(e.SeenIDs)
	}
	return 0
}

// Persist writes the store to path atomically: the document goes to a
// temporary file in the same directory which is then renamed over path.
func (s *Store) Persist(path string) error {
	doc := document{Version: fileVersion, Entries: make(map[string]*entry, len(s.entries))}
	for k, e := range s.entries {
		if t, ok := s.trackers[k]; ok {
			t.sync()
		}
		doc.Entries[k] = e
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode state: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temporary state file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write temporary state file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync temporary state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temporary state file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("failed to replace state file: %w", err)
	}
	return nil
}

// Tracker answers dedup questions for one (source, measurement) pair and
// records newly imported keys.
//
// In watermark mode duplicates are judged against the watermark the run
// started with. The stored watermark follows the newest recorded timestamp
// but stays strictly below the earliest failed one.
type Tracker struct {
	entry    *entry
	seen     map[string]struct{}
	ignore   bool
	baseline *time.Time
	newest   *time.Time
	ceiling  *time.Time
}

func newTracker(e *entry) *Tracker {
	t := &Tracker{entry: e}
	switch e.Mode {
	case ModeSeenSet:
		t.seen = make(map[string]struct{}, len(e.SeenIDs))
		for _, id := range e.SeenIDs {
			t.seen[id] = struct{}{}
		}
	case ModeWatermark:
		if e.HighWatermark != nil {
			wm := *e.HighWatermark
			t.baseline = &wm
		}
	}
	return t
}

func (t *Tracker) Mode() Mode {
	return t.entry.Mode
}

// IgnoreExisting makes IsDuplicate report false for every key. Recording
// still works, so a forced run keeps the state monotonic.
func (t *Tracker) IgnoreExisting() {
	t.ignore = true
}

// IsDuplicate reports whether the record was imported by an earlier run.
func (t *Tracker) IsDuplicate(key entities.RecordKey) bool {
	if t.ignore {
		return false
	}
	switch t.entry.Mode {
	case ModeWatermark:
		return t.baseline != nil && !key.Timestamp.After(*t.baseline)
	default:
		_, ok := t.seen[key.ID]
		return ok
	}
}

// Record marks a key as imported.
func (t *Tracker) Record(key entities.RecordKey) {
	t.entry.RecordsImported++
	t.entry.UpdatedAt = time.Now().UTC()

	switch t.entry.Mode {
	case ModeWatermark:
		ts := key.Timestamp.UTC()
		if t.newest == nil || ts.After(*t.newest) {
			t.newest = &ts
		}
		t.advance()
	default:
		t.seen[key.ID] = struct{}{}
	}
}

// Fail marks a key whose write failed permanently. In watermark mode the
// watermark is held below the earliest failed timestamp for the rest of the
// run so the failed record is retried next time.
func (t *Tracker) Fail(key entities.RecordKey) {
	if t.entry.Mode != ModeWatermark {
		return
	}
	ts := key.Timestamp.UTC()
	if t.ceiling == nil || ts.Before(*t.ceiling) {
		t.ceiling = &ts
	}
	t.advance()
}

// advance recomputes the stored watermark. It never drops below baseline.
func (t *Tracker) advance() {
	wm := t.newest
	if wm != nil && t.ceiling != nil && !wm.Before(*t.ceiling) {
		capped := t.ceiling.Add(-time.Nanosecond)
		wm = &capped
	}
	if wm == nil || (t.baseline != nil && wm.Before(*t.baseline)) {
		wm = t.baseline
	}
	if wm == nil {
		t.entry.HighWatermark = nil
		return
	}
	v := *wm
	t.entry.HighWatermark = &v
}

func (t *Tracker) sync() {
	switch t.entry.Mode {
	case ModeSeenSet:
		ids := make([]string, 0, len(t.seen))
		for id := range t.seen {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		t.entry.SeenIDs = ids
	case ModeWatermark:
		t.advance()
	}
}
