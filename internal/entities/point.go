package entities

import (
	"errors"
	"fmt"
	"sort"
	"time"
)

var (
	ErrEmptyMeasurement = errors.New("point has no measurement")
	ErrMissingTimestamp = errors.New("point has no timestamp")
	ErrNoFields         = errors.New("point has no fields")
)

// Point is one normalized timestamped measurement, the unit every source
// produces and every sink consumes.
type Point struct {
	Measurement string
	Timestamp   time.Time
	Tags        map[string]string
	// Fields holds float64, int64, bool or string values.
	Fields map[string]any
}

// NewPoint creates a point with empty tag and field sets.
func NewPoint(measurement string, ts time.Time) Point {
	return Point{
		Measurement: measurement,
		Timestamp:   ts,
		Tags:        make(map[string]string),
		Fields:      make(map[string]any),
	}
}

// Validate checks the invariants a point must satisfy before it is buffered.
func (p Point) Validate() error {
	if p.Measurement == "" {
		return ErrEmptyMeasurement
	}
	if p.Timestamp.IsZero() {
		return ErrMissingTimestamp
	}
	if len(p.Fields) == 0 {
		return ErrNoFields
	}
	for k, v := range p.Fields {
		if k == "" {
			return fmt.Errorf("point %s has a field with an empty key", p.Measurement)
		}
		switch v.(type) {
		case float64, int64, bool, string:
		default:
			return fmt.Errorf("field %q has unsupported type %T", k, v)
		}
	}
	for k := range p.Tags {
		if k == "" {
			return fmt.Errorf("point %s has a tag with an empty key", p.Measurement)
		}
	}
	return nil
}

// FieldKeys returns the field names in sorted order.
func (p Point) FieldKeys() []string {
	keys := make([]string, 0, len(p.Fields))
	for k := range p.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// RecordKey identifies an imported record for deduplication.
type RecordKey struct {
	ID        string
	Timestamp time.Time
}

func (k RecordKey) String() string {
	if k.ID != "" {
		return k.ID
	}
	return k.Timestamp.UTC().Format(time.RFC3339Nano)
}
