package state

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mrlokans/influx-importer/internal/entities"
)

func at(hour int) time.Time {
	return time.Date(2024, 1, 1, hour, 0, 0, 0, time.UTC)
}

func TestLoad_MissingFileReturnsEmptyStore(t *testing.T) {
	s, err := Load(filepath.Join(t.TempDir(), "missing.json"))
	require.NoError(t, err)

	_, ok := s.Watermark("a.csv", "home_data")
	assert.False(t, ok)
}

func TestLoad_CorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0644))

	_, err := Load(path)
	assert.ErrorIs(t, err, ErrStateCorrupt)
}

func TestLoad_InvalidModeIsCorrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"version":1,"entries":{"a|b":{"mode":"bogus"}}}`), 0644))

	_, err := Load(path)
	assert.ErrorIs(t, err, ErrStateCorrupt)
}

func TestLoad_IgnoresUnknownFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	doc := `{
		"version": 7,
		"future_field": {"x": 1},
		"entries": {
			"a.csv|home_data": {
				"source": "a.csv",
				"measurement": "home_data",
				"mode": "watermark",
				"high_watermark": "2024-01-01T05:00:00Z",
				"checksum": "abc"
			}
		}
	}`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0644))

	s, err := Load(path)
	require.NoError(t, err)

	wm, ok := s.Watermark("a.csv", "home_data")
	require.True(t, ok)
	assert.Equal(t, at(5), wm)
}

func TestTracker_Watermark(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	s := New()
	tr, err := s.Tracker("a.csv", "home_data", ModeWatermark)
	require.NoError(t, err)

	assert.False(t, tr.IsDuplicate(entities.RecordKey{Timestamp: at(1)}))

	tr.Record(entities.RecordKey{Timestamp: at(3)})
	tr.Record(entities.RecordKey{Timestamp: at(2)})

	wm, ok := s.Watermark("a.csv", "home_data")
	require.True(t, ok)
	assert.Equal(t, at(3), wm, "watermark never moves backwards")
	require.NoError(t, s.Persist(path))

	s, err = Load(path)
	require.NoError(t, err)
	tr, err = s.Tracker("a.csv", "home_data", ModeWatermark)
	require.NoError(t, err)
	assert.True(t, tr.IsDuplicate(entities.RecordKey{Timestamp: at(1)}))
	assert.True(t, tr.IsDuplicate(entities.RecordKey{Timestamp: at(3)}))
	assert.False(t, tr.IsDuplicate(entities.RecordKey{Timestamp: at(4)}))
}

func TestTracker_WatermarkJudgesAgainstRunStart(t *testing.T) {
	s := New()
	tr, err := s.Tracker("a.csv", "home_data", ModeWatermark)
	require.NoError(t, err)

	// Rows arrive newest first and share timestamps across batches.
	tr.Record(entities.RecordKey{Timestamp: at(6)})
	tr.Record(entities.RecordKey{Timestamp: at(5)})

	assert.False(t, tr.IsDuplicate(entities.RecordKey{Timestamp: at(5)}))
	assert.False(t, tr.IsDuplicate(entities.RecordKey{Timestamp: at(1)}))

	wm, _ := s.Watermark("a.csv", "home_data")
	assert.Equal(t, at(6), wm)
}

func TestTracker_SeenSet(t *testing.T) {
	s := New()
	tr, err := s.Tracker("export.db", "sleep", ModeSeenSet)
	require.NoError(t, err)

	key := entities.RecordKey{ID: "sleep:1:0:3600000", Timestamp: at(0)}
	assert.False(t, tr.IsDuplicate(key))

	tr.Record(key)
	assert.True(t, tr.IsDuplicate(key))
	assert.False(t, tr.IsDuplicate(entities.RecordKey{ID: "sleep:1:3600000:5400000", Timestamp: at(0)}))
	assert.Equal(t, 1, s.SeenCount("export.db", "sleep"))
}

func TestTracker_ModeIsFixed(t *testing.T) {
	s := New()
	_, err := s.Tracker("export.db", "sleep", ModeSeenSet)
	require.NoError(t, err)

	_, err = s.Tracker("export.db", "sleep", ModeWatermark)
	assert.ErrorIs(t, err, ErrModeMismatch)
}

func TestTracker_FailHoldsWatermark(t *testing.T) {
	s := New()
	tr, err := s.Tracker("a.csv", "home_data", ModeWatermark)
	require.NoError(t, err)

	tr.Record(entities.RecordKey{Timestamp: at(1)})
	tr.Fail(entities.RecordKey{Timestamp: at(2)})
	tr.Record(entities.RecordKey{Timestamp: at(3)})

	wm, _ := s.Watermark("a.csv", "home_data")
	assert.Equal(t, at(2).Add(-time.Nanosecond), wm)
	assert.False(t, tr.IsDuplicate(entities.RecordKey{Timestamp: at(2)}))
}

func TestTracker_FailAfterNewerRecord(t *testing.T) {
	s := New()
	tr, err := s.Tracker("a.csv", "home_data", ModeWatermark)
	require.NoError(t, err)

	tr.Record(entities.RecordKey{Timestamp: at(6)})
	tr.Record(entities.RecordKey{Timestamp: at(5)})
	tr.Fail(entities.RecordKey{Timestamp: at(4)})
	tr.Fail(entities.RecordKey{Timestamp: at(3)})
	tr.Record(entities.RecordKey{Timestamp: at(2)})

	wm, _ := s.Watermark("a.csv", "home_data")
	assert.Equal(t, at(3).Add(-time.Nanosecond), wm)
}

func TestTracker_WatermarkNeverBelowBaseline(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	s := New()
	tr, err := s.Tracker("a.csv", "home_data", ModeWatermark)
	require.NoError(t, err)
	tr.Record(entities.RecordKey{Timestamp: at(5)})
	require.NoError(t, s.Persist(path))

	s, err = Load(path)
	require.NoError(t, err)
	tr, err = s.Tracker("a.csv", "home_data", ModeWatermark)
	require.NoError(t, err)
	tr.Fail(entities.RecordKey{Timestamp: at(2)})
	tr.Record(entities.RecordKey{Timestamp: at(7)})
	require.NoError(t, s.Persist(path))

	s, err = Load(path)
	require.NoError(t, err)
	wm, _ := s.Watermark("a.csv", "home_data")
	assert.Equal(t, at(5), wm)
}

func TestTracker_IgnoreExisting(t *testing.T) {
	s := New()
	tr, err := s.Tracker("a.csv", "home_data", ModeWatermark)
	require.NoError(t, err)
	tr.Record(entities.RecordKey{Timestamp: at(5)})

	tr.IgnoreExisting()
	assert.False(t, tr.IsDuplicate(entities.RecordKey{Timestamp: at(1)}))

	tr.Record(entities.RecordKey{Timestamp: at(2)})
	wm, _ := s.Watermark("a.csv", "home_data")
	assert.Equal(t, at(5), wm)
}

func TestPersist_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "state.json")

	s := New()
	wm, err := s.Tracker("a.csv", "home_data", ModeWatermark)
	require.NoError(t, err)
	wm.Record(entities.RecordKey{Timestamp: at(4)})

	seen, err := s.Tracker("export.db", "sleep", ModeSeenSet)
	require.NoError(t, err)
	seen.Record(entities.RecordKey{ID: "b"})
	seen.Record(entities.RecordKey{ID: "a"})

	require.NoError(t, s.Persist(path))

	loaded, err := Load(path)
	require.NoError(t, err)

	got, ok := loaded.Watermark("a.csv", "home_data")
	require.True(t, ok)
	assert.Equal(t, at(4), got)

	tr, err := loaded.Tracker("export.db", "sleep", ModeSeenSet)
	require.NoError(t, err)
	assert.True(t, tr.IsDuplicate(entities.RecordKey{ID: "a"}))
	assert.True(t, tr.IsDuplicate(entities.RecordKey{ID: "b"}))

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temporary files are cleaned up")
}

func TestPersist_KeepsPreviousFileOnFailure(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")

	s := New()
	tr, err := s.Tracker("a.csv", "home_data", ModeWatermark)
	require.NoError(t, err)
	tr.Record(entities.RecordKey{Timestamp: at(1)})
	require.NoError(t, s.Persist(path))

	// A directory at the target path makes the rename fail.
	blocked := filepath.Join(dir, "blocked")
	require.NoError(t, os.MkdirAll(filepath.Join(blocked, "child"), 0755))
	assert.Error(t, s.Persist(blocked))

	loaded, err := Load(path)
	require.NoError(t, err)
	got, ok := loaded.Watermark("a.csv", "home_data")
	require.True(t, ok)
	assert.Equal(t, at(1), got)
}
