// Package influx writes points to an InfluxDB 2.x bucket.
package influx

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	influxhttp "github.com/influxdata/influxdb-client-go/v2/api/http"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/mrlokans/influx-importer/internal/entities"
	"github.com/mrlokans/influx-importer/internal/writer"
)

const defaultTimeout = 30 * time.Second

// Sink writes batches to one bucket through the blocking write API. Retries
// are left to the batch writer.
type Sink struct {
	client influxdb2.Client
	writes api.WriteAPIBlocking
	bucket string
	org    string
}

// NewSink creates a sink for the configured server and bucket. Timestamps are
// written with second precision.
func NewSink(cfg entities.SinkConfig) *Sink {
	opts := influxdb2.DefaultOptions().
		SetPrecision(time.Second).
		SetHTTPRequestTimeout(uint(defaultTimeout / time.Second))
	client := influxdb2.NewClientWithOptions(cfg.URL, cfg.Token, opts)

	return &Sink{
		client: client,
		writes: client.WriteAPIBlocking(cfg.Org, cfg.Bucket),
		bucket: cfg.Bucket,
		org:    cfg.Org,
	}
}

// WriteBatch writes all points in one request.
func (s *Sink) WriteBatch(ctx context.Context, points []entities.Point) error {
	if len(points) == 0 {
		return nil
	}

	batch := make([]*write.Point, len(points))
	for i, p := range points {
		batch[i] = influxdb2.NewPoint(p.Measurement, p.Tags, p.Fields, p.Timestamp)
	}

	if err := s.writes.WritePoint(ctx, batch...); err != nil {
		return classify(err)
	}
	return nil
}

// Ping checks that the server is reachable.
func (s *Sink) Ping(ctx context.Context) error {
	ok, err := s.client.Ping(ctx)
	if err != nil {
		return classify(err)
	}
	if !ok {
		return &writer.SinkError{Message: "server did not answer ping"}
	}
	return nil
}

// ExistingTimestamps returns the unix seconds of every value of field stored
// for measurement since the given time.
func (s *Sink) ExistingTimestamps(ctx context.Context, measurement, field string, since time.Time) (map[int64]struct{}, error) {
	query := fmt.Sprintf(`from(bucket: %s)
  |> range(start: %s)
  |> filter(fn: (r) => r._measurement == %s and r._field == %s)
  |> keep(columns: ["_time"])`,
		strconv.Quote(s.bucket), since.UTC().Format(time.RFC3339), strconv.Quote(measurement), strconv.Quote(field))

	result, err := s.client.QueryAPI(s.org).Query(ctx, query)
	if err != nil {
		return nil, classify(err)
	}
	defer result.Close()

	existing := make(map[int64]struct{})
	for result.Next() {
		existing[result.Record().Time().Unix()] = struct{}{}
	}
	if err := result.Err(); err != nil {
		return nil, fmt.Errorf("failed to read query result: %w", err)
	}
	return existing, nil
}

// Close releases the client's resources.
func (s *Sink) Close() {
	s.client.Close()
}

// classify maps client errors to sink errors. Rejected credentials and a
// missing bucket or organization are fatal; everything else is worth a retry.
func classify(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var herr *influxhttp.Error
	if !errors.As(err, &herr) {
		return &writer.SinkError{Message: err.Error()}
	}

	msg := herr.Message
	if msg == "" && herr.Err != nil {
		msg = herr.Err.Error()
	}
	if msg == "" {
		msg = http.StatusText(herr.StatusCode)
	}

	switch herr.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound:
		return &writer.SinkError{StatusCode: herr.StatusCode, Message: msg, Fatal: true}
	default:
		return &writer.SinkError{StatusCode: herr.StatusCode, Message: msg}
	}
}

// Compile-time interface check
var _ writer.Sink = (*Sink)(nil)
