package influx

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mrlokans/influx-importer/internal/entities"
	"github.com/mrlokans/influx-importer/internal/writer"
)

type fakeInflux struct {
	status int
	bodies []string
	params []writeParams
	auth   string
}

type writeParams struct {
	org, bucket, precision string
}

func (f *fakeInflux) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v2/write", func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		f.auth = r.Header.Get("Authorization")
		f.params = append(f.params, writeParams{
			org:       r.URL.Query().Get("org"),
			bucket:    r.URL.Query().Get("bucket"),
			precision: r.URL.Query().Get("precision"),
		})
		if f.status != 0 && f.status != http.StatusNoContent {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(f.status)
			_, _ = w.Write([]byte(`{"code":"error","message":"write rejected"}`))
			return
		}
		f.bodies = append(f.bodies, string(body))
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("/ping", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("/api/v2/query", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/csv; charset=utf-8")
		_, _ = w.Write([]byte(strings.Join([]string{
			"#datatype,string,long,dateTime:RFC3339",
			"#group,false,false,false",
			"#default,_result,,",
			",result,table,_time",
			",,0,2024-01-01T00:00:00Z",
			",,0,2024-01-01T00:01:00Z",
			"",
			"",
		}, "\r\n")))
	})
	return mux
}

func newTestSink(t *testing.T, f *fakeInflux) *Sink {
	t.Helper()
	server := httptest.NewServer(f.handler(t))
	t.Cleanup(server.Close)

	sink := NewSink(entities.SinkConfig{URL: server.URL, Org: "home", Bucket: "health", Token: "secret"})
	t.Cleanup(sink.Close)
	return sink
}

func samplePoints() []entities.Point {
	p1 := entities.NewPoint("heart_rate", time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	p1.Tags["app"] = "Fitbit"
	p1.Fields["bpm"] = int64(61)

	p2 := entities.NewPoint("weight", time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC))
	p2.Fields["kilograms"] = 72.5
	return []entities.Point{p1, p2}
}

func TestSink_WriteBatch(t *testing.T) {
	f := &fakeInflux{}
	sink := newTestSink(t, f)

	err := sink.WriteBatch(context.Background(), samplePoints())

	require.NoError(t, err)
	require.Len(t, f.bodies, 1)
	assert.Contains(t, f.bodies[0], "heart_rate,app=Fitbit bpm=61i 1704067200")
	assert.Contains(t, f.bodies[0], "weight kilograms=72.5 1704096000")
	assert.Equal(t, writeParams{org: "home", bucket: "health", precision: "s"}, f.params[0])
	assert.Equal(t, "Token secret", f.auth)
}

func TestSink_WriteBatchEmpty(t *testing.T) {
	f := &fakeInflux{}
	sink := newTestSink(t, f)

	require.NoError(t, sink.WriteBatch(context.Background(), nil))
	assert.Empty(t, f.params)
}

func TestSink_WriteBatchErrors(t *testing.T) {
	tests := []struct {
		status int
		fatal  bool
	}{
		{http.StatusUnauthorized, true},
		{http.StatusForbidden, true},
		{http.StatusNotFound, true},
		{http.StatusBadRequest, false},
		{http.StatusServiceUnavailable, false},
		{http.StatusInternalServerError, false},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			sink := newTestSink(t, &fakeInflux{status: tt.status})

			err := sink.WriteBatch(context.Background(), samplePoints())

			require.Error(t, err)
			var sinkErr *writer.SinkError
			require.True(t, errors.As(err, &sinkErr))
			assert.Equal(t, tt.status, sinkErr.StatusCode)
			assert.Equal(t, tt.fatal, writer.IsFatal(err))
			assert.Equal(t, !tt.fatal, errors.Is(err, writer.ErrSinkTransient))
		})
	}
}

func TestSink_UnreachableServerIsTransient(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	addr := server.URL
	server.Close()

	sink := NewSink(entities.SinkConfig{URL: addr, Org: "home", Bucket: "health"})
	defer sink.Close()

	err := sink.WriteBatch(context.Background(), samplePoints())

	require.Error(t, err)
	assert.False(t, writer.IsFatal(err))
	assert.ErrorIs(t, err, writer.ErrSinkTransient)
}

func TestSink_Ping(t *testing.T) {
	sink := newTestSink(t, &fakeInflux{})
	assert.NoError(t, sink.Ping(context.Background()))
}

func TestSink_ExistingTimestamps(t *testing.T) {
	sink := newTestSink(t, &fakeInflux{})

	existing, err := sink.ExistingTimestamps(context.Background(), "heart_rate", "bpm", time.Date(2023, 12, 25, 0, 0, 0, 0, time.UTC))

	require.NoError(t, err)
	assert.Equal(t, map[int64]struct{}{
		1704067200: {},
		1704067260: {},
	}, existing)
}

func TestClassify(t *testing.T) {
	assert.ErrorIs(t, classify(context.Canceled), context.Canceled)

	err := classify(errors.New("connection reset"))
	assert.ErrorIs(t, err, writer.ErrSinkTransient)
	assert.Contains(t, err.Error(), "connection reset")
}
