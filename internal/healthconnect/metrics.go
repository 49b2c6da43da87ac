package healthconnect

import (
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/mrlokans/influx-importer/internal/entities"
	"github.com/mrlokans/influx-importer/internal/importers"
	"github.com/mrlokans/influx-importer/internal/state"
)

// Measurement names written for each metric.
const (
	HeartRate          = "heart_rate"
	Steps              = "steps"
	Sleep              = "sleep"
	Weight             = "weight"
	BodyFat            = "body_fat"
	BasalMetabolicRate = "basal_metabolic_rate"
	TotalCalories      = "total_calories"
)

// Health Connect tables read by the metrics.
const (
	tableApps            = "application_info_table"
	tableDevices         = "device_info_table"
	tableHeartRate       = "heart_rate_record_table"
	tableHeartRateSeries = "heart_rate_record_series_table"
	tableSteps           = "steps_record_table"
	tableSleepSessions   = "sleep_session_record_table"
	tableSleepStages     = "sleep_stages_table"
	tableWeight          = "weight_record_table"
	tableBodyFat         = "body_fat_record_table"
	tableBasalMetabolic  = "basal_metabolic_rate_record_table"
	tableTotalCalories   = "total_calories_burned_record_table"
)

// Metric is one kind of Health Connect record and the way it maps to points.
type Metric struct {
	// Name is the measurement the points are written to.
	Name string
	// Alias is the record type name used by Health Connect itself.
	Alias  string
	Tables []string
	Mode   state.Mode

	query func(s *schema) string
	scan  func(rows *sql.Rows) (importers.Record, error)
}

// metrics lists every supported metric in the order they are read.
var metrics = []Metric{
	{
		Name:   HeartRate,
		Alias:  "HeartRate",
		Tables: []string{tableHeartRate, tableHeartRateSeries},
		Mode:   state.ModeWatermark,
		query:  heartRateQuery,
		scan:   scanHeartRate,
	},
	{
		Name:   Steps,
		Alias:  "Steps",
		Tables: []string{tableSteps},
		Mode:   state.ModeWatermark,
		query:  stepsQuery,
		scan:   scanSteps,
	},
	{
		Name:   Sleep,
		Alias:  "Sleep",
		Tables: []string{tableSleepSessions, tableSleepStages},
		Mode:   state.ModeSeenSet,
		query:  sleepQuery,
		scan:   scanSleep,
	},
	{
		Name:   Weight,
		Alias:  "Weight",
		Tables: []string{tableWeight},
		Mode:   state.ModeWatermark,
		query:  weightQuery,
		scan:   scanWeight,
	},
	{
		Name:   BodyFat,
		Alias:  "BodyFat",
		Tables: []string{tableBodyFat},
		Mode:   state.ModeWatermark,
		query:  instantQuery(tableBodyFat, "percentage"),
		scan:   scanInstant(BodyFat, "percentage"),
	},
	{
		Name:   BasalMetabolicRate,
		Alias:  "BasalMetabolicRate",
		Tables: []string{tableBasalMetabolic},
		Mode:   state.ModeWatermark,
		query:  instantQuery(tableBasalMetabolic, "basal_metabolic_rate"),
		scan:   scanInstant(BasalMetabolicRate, "kcal_per_day"),
	},
	{
		Name:   TotalCalories,
		Alias:  "TotalCalories",
		Tables: []string{tableTotalCalories},
		Mode:   state.ModeWatermark,
		query:  totalCaloriesQuery,
		scan:   scanTotalCalories,
	},
}

// MetricNames returns the names of all supported metrics in read order.
func MetricNames() []string {
	names := make([]string, len(metrics))
	for i, m := range metrics {
		names[i] = m.Name
	}
	return names
}

// LookupMetric finds a metric by measurement name or Health Connect alias,
// ignoring case.
func LookupMetric(name string) (Metric, bool) {
	name = strings.TrimSpace(name)
	for _, m := range metrics {
		if strings.EqualFold(name, m.Name) || strings.EqualFold(name, m.Alias) {
			return m, true
		}
	}
	return Metric{}, false
}

// ParseMetrics resolves metric names, which may also be comma separated
// lists, into metrics in read order. No names selects every metric.
func ParseMetrics(names []string) ([]Metric, error) {
	selected := make(map[string]bool)
	for _, entry := range names {
		for _, name := range strings.Split(entry, ",") {
			if strings.TrimSpace(name) == "" {
				continue
			}
			m, ok := LookupMetric(name)
			if !ok {
				return nil, fmt.Errorf("unknown metric %q, supported: %s", strings.TrimSpace(name), strings.Join(MetricNames(), ", "))
			}
			selected[m.Name] = true
		}
	}

	if len(selected) == 0 {
		return append([]Metric(nil), metrics...), nil
	}
	out := make([]Metric, 0, len(selected))
	for _, m := range metrics {
		if selected[m.Name] {
			out = append(out, m)
		}
	}
	return out, nil
}

// Sleep stage codes stored by Health Connect.
const (
	stageAwake      = 1
	stageOutOfBed   = 3
	stageLight      = 4
	stageDeep       = 5
	stageREM        = 6
	stageAwakeInBed = 7
)

// StageName maps a Health Connect sleep stage code to the stage tag value.
func StageName(code int64) (string, bool) {
	switch code {
	case stageAwake, stageOutOfBed, stageAwakeInBed:
		return "AWAKE", true
	case stageLight:
		return "LIGHT", true
	case stageDeep:
		return "DEEP", true
	case stageREM:
		return "REM", true
	}
	return "", false
}

// Weight unit factors to kilograms.
var weightUnits = map[string]float64{
	"g":  0.001,
	"kg": 1,
	"lb": 0.45359237,
	"oz": 0.028349523125,
	"st": 6.35029318,
}

// Kilograms converts a weight in the given unit code to kilograms.
func Kilograms(value float64, unit string) (float64, bool) {
	unit = strings.ToLower(strings.TrimSpace(unit))
	if unit == "" {
		unit = "g"
	}
	factor, ok := weightUnits[unit]
	if !ok {
		return 0, false
	}
	return value * factor, true
}

// WeightUnits lists the accepted weight unit codes.
func WeightUnits() []string {
	units := make([]string, 0, len(weightUnits))
	for u := range weightUnits {
		units = append(units, u)
	}
	sort.Strings(units)
	return units
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func newPoint(measurement string, ts time.Time, app string) entities.Point {
	p := entities.NewPoint(measurement, ts)
	if app != "" {
		p.Tags["app"] = app
	}
	return p
}

func watermarkRecord(index int64, p entities.Point, id string) importers.Record {
	return importers.Record{
		Index: int(index),
		Mode:  state.ModeWatermark,
		Key:   entities.RecordKey{ID: id, Timestamp: p.Timestamp},
		Point: p,
	}
}

func heartRateQuery(s *schema) string {
	parent := "heart_rate_record_id"
	if !s.hasColumn(tableHeartRateSeries, parent) {
		parent = "parent_key"
	}
	app, appJoin := s.appColumn(tableHeartRate, "r")

	device, deviceJoin := "''", ""
	if s.hasColumn(tableHeartRate, "device_info_id") &&
		s.hasColumn(tableDevices, "manufacturer") && s.hasColumn(tableDevices, "model") {
		device = "TRIM(COALESCE(di.manufacturer, '') || ' ' || COALESCE(di.model, ''))"
		deviceJoin = "LEFT JOIN " + tableDevices + " di ON r.device_info_id = di.row_id"
	}

	return fmt.Sprintf(`
		SELECT s.rowid, s.epoch_millis, s.beats_per_minute, %s, %s
		FROM %s s
		JOIN %s r ON s.%s = r.row_id
		%s
		%s
		ORDER BY s.epoch_millis, s.rowid`,
		app, device, tableHeartRateSeries, tableHeartRate, parent, appJoin, deviceJoin)
}

func scanHeartRate(rows *sql.Rows) (importers.Record, error) {
	var (
		id          int64
		millis, bpm sql.NullInt64
		app, device string
	)
	if err := rows.Scan(&id, &millis, &bpm, &app, &device); err != nil {
		return importers.Record{}, err
	}
	if !millis.Valid || !bpm.Valid {
		return importers.Record{}, importers.Malformed(int(id), HeartRate, "sample has no time or value")
	}

	p := newPoint(HeartRate, fromMillis(millis.Int64), app)
	if device != "" {
		p.Tags["source_device"] = device
	}
	p.Fields["bpm"] = bpm.Int64
	return watermarkRecord(id, p, fmt.Sprintf("%s:%d", HeartRate, millis.Int64)), nil
}

func stepsQuery(s *schema) string {
	app, appJoin := s.appColumn(tableSteps, "st")
	return fmt.Sprintf(`
		SELECT st.row_id, st.start_time, st.end_time, st.count, %s
		FROM %s st
		%s
		ORDER BY st.start_time, st.row_id`,
		app, tableSteps, appJoin)
}

func scanSteps(rows *sql.Rows) (importers.Record, error) {
	var (
		id                int64
		start, end, count sql.NullInt64
		app               string
	)
	if err := rows.Scan(&id, &start, &end, &count, &app); err != nil {
		return importers.Record{}, err
	}
	if !start.Valid || !count.Valid {
		return importers.Record{}, importers.Malformed(int(id), Steps, "interval has no start time or count")
	}
	if count.Int64 < 0 {
		return importers.Record{}, importers.Malformed(int(id), Steps, "negative step count %d", count.Int64)
	}

	p := newPoint(Steps, fromMillis(start.Int64), app)
	p.Fields["count"] = count.Int64
	if end.Valid && end.Int64 > start.Int64 {
		p.Fields["duration_seconds"] = (end.Int64 - start.Int64) / 1000
	}
	return watermarkRecord(id, p, fmt.Sprintf("%s:%d", Steps, start.Int64)), nil
}

func sleepQuery(s *schema) string {
	app, appJoin := s.appColumn(tableSleepSessions, "ss")
	return fmt.Sprintf(`
		SELECT st.rowid, st.parent_key, st.stage_start_time, st.stage_end_time, st.stage_type, %s
		FROM %s st
		JOIN %s ss ON st.parent_key = ss.row_id
		%s
		ORDER BY st.stage_start_time, st.rowid`,
		app, tableSleepStages, tableSleepSessions, appJoin)
}

func scanSleep(rows *sql.Rows) (importers.Record, error) {
	var (
		id, session       int64
		start, end, stage sql.NullInt64
		app               string
	)
	if err := rows.Scan(&id, &session, &start, &end, &stage, &app); err != nil {
		return importers.Record{}, err
	}
	if !start.Valid || !end.Valid || !stage.Valid {
		return importers.Record{}, importers.Malformed(int(id), Sleep, "stage has no boundaries or type")
	}
	if end.Int64 <= start.Int64 {
		return importers.Record{}, importers.Malformed(int(id), Sleep, "stage ends before it starts")
	}
	name, ok := StageName(stage.Int64)
	if !ok {
		return importers.Record{}, importers.Malformed(int(id), Sleep, "unknown sleep stage %d", stage.Int64)
	}

	ts := fromMillis(start.Int64)
	p := newPoint(Sleep, ts, app)
	p.Tags["stage"] = name
	p.Fields["duration_seconds"] = (end.Int64 - start.Int64) / 1000

	return importers.Record{
		Index: int(id),
		Mode:  state.ModeSeenSet,
		Key: entities.RecordKey{
			ID:        fmt.Sprintf("%s:%d:%d:%d", Sleep, session, start.Int64, end.Int64),
			Timestamp: ts,
		},
		Point: p,
	}, nil
}

func weightQuery(s *schema) string {
	unit := "''"
	if s.hasColumn(tableWeight, "unit") {
		unit = "COALESCE(w.unit, '')"
	}
	app, appJoin := s.appColumn(tableWeight, "w")
	return fmt.Sprintf(`
		SELECT w.row_id, w.time, w.weight, %s, %s
		FROM %s w
		%s
		ORDER BY w.time, w.row_id`,
		unit, app, tableWeight, appJoin)
}

func scanWeight(rows *sql.Rows) (importers.Record, error) {
	var (
		id        int64
		millis    sql.NullInt64
		value     sql.NullFloat64
		unit, app string
	)
	if err := rows.Scan(&id, &millis, &value, &unit, &app); err != nil {
		return importers.Record{}, err
	}
	if !millis.Valid || !value.Valid {
		return importers.Record{}, importers.Malformed(int(id), Weight, "measurement has no time or value")
	}
	kg, ok := Kilograms(value.Float64, unit)
	if !ok {
		return importers.Record{}, importers.Malformed(int(id), Weight, "unknown weight unit %q", unit)
	}

	p := newPoint(Weight, fromMillis(millis.Int64), app)
	p.Fields["kilograms"] = kg
	return watermarkRecord(id, p, fmt.Sprintf("%s:%d", Weight, millis.Int64)), nil
}

// instantQuery selects records holding a single value at a point in time.
func instantQuery(table, column string) func(s *schema) string {
	return func(s *schema) string {
		app, appJoin := s.appColumn(table, "t")
		return fmt.Sprintf(`
			SELECT t.row_id, t.time, t.%s, %s
			FROM %s t
			%s
			ORDER BY t.time, t.row_id`,
			column, app, table, appJoin)
	}
}

func scanInstant(measurement, field string) func(rows *sql.Rows) (importers.Record, error) {
	return func(rows *sql.Rows) (importers.Record, error) {
		var (
			id     int64
			millis sql.NullInt64
			value  sql.NullFloat64
			app    string
		)
		if err := rows.Scan(&id, &millis, &value, &app); err != nil {
			return importers.Record{}, err
		}
		if !millis.Valid || !value.Valid {
			return importers.Record{}, importers.Malformed(int(id), measurement, "record has no time or value")
		}

		p := newPoint(measurement, fromMillis(millis.Int64), app)
		p.Fields[field] = value.Float64
		return watermarkRecord(id, p, fmt.Sprintf("%s:%d", measurement, millis.Int64)), nil
	}
}

func totalCaloriesQuery(s *schema) string {
	app, appJoin := s.appColumn(tableTotalCalories, "tc")
	return fmt.Sprintf(`
		SELECT tc.row_id, tc.start_time, tc.end_time, tc.energy, %s
		FROM %s tc
		%s
		ORDER BY tc.start_time, tc.row_id`,
		app, tableTotalCalories, appJoin)
}

func scanTotalCalories(rows *sql.Rows) (importers.Record, error) {
	var (
		id         int64
		start, end sql.NullInt64
		energy     sql.NullFloat64
		app        string
	)
	if err := rows.Scan(&id, &start, &end, &energy, &app); err != nil {
		return importers.Record{}, err
	}
	if !start.Valid || !energy.Valid {
		return importers.Record{}, importers.Malformed(int(id), TotalCalories, "interval has no start time or energy")
	}

	p := newPoint(TotalCalories, fromMillis(start.Int64), app)
	// Energy is stored in calories.
	p.Fields["kcal"] = energy.Float64 / 1000
	if end.Valid && end.Int64 > start.Int64 {
		p.Fields["duration_seconds"] = (end.Int64 - start.Int64) / 1000
	}
	return watermarkRecord(id, p, fmt.Sprintf("%s:%d", TotalCalories, start.Int64)), nil
}
