package importers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/mrlokans/influx-importer/internal/entities"
	"github.com/mrlokans/influx-importer/internal/logger"
	"github.com/mrlokans/influx-importer/internal/state"
	"github.com/mrlokans/influx-importer/internal/writer"
)

// Phase is a step of a pipeline run.
type Phase string

const (
	PhaseInit       Phase = "init"
	PhaseReading    Phase = "reading"
	PhaseFiltering  Phase = "filtering"
	PhaseBuffering  Phase = "buffering"
	PhaseFlushing   Phase = "flushing"
	PhasePersisting Phase = "persisting"
	PhaseDone       Phase = "done"
	PhaseAborted    Phase = "aborted"
)

// dryRunPreviewLimit is how many points of each dry-run batch are printed.
const dryRunPreviewLimit = 5

// HistoryRecorder stores the report of every finished run.
type HistoryRecorder interface {
	Record(report *entities.ImportReport) error
}

// TimestampQuerier is implemented by sinks that can list the timestamps
// already stored for a measurement. It backs gap filling.
type TimestampQuerier interface {
	ExistingTimestamps(ctx context.Context, measurement, field string, since time.Time) (map[int64]struct{}, error)
}

// Pipeline runs one import: read records from a source, drop the ones earlier
// runs already imported, write the rest in batches and record progress.
//
// A run is single-threaded. Import state is updated only after the batch
// holding a record was confirmed by the sink, and persisted after every such
// batch, so an interrupted run never marks unwritten records as imported.
type Pipeline struct {
	sources Registry
	sink    writer.Sink
	history HistoryRecorder

	dryRunOut io.Writer
	now       func() time.Time
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithHistory records every finished run.
func WithHistory(h HistoryRecorder) Option {
	return func(p *Pipeline) { p.history = h }
}

// WithDryRunOutput sets where dry-run previews are printed.
func WithDryRunOutput(w io.Writer) Option {
	return func(p *Pipeline) { p.dryRunOut = w }
}

// NewPipeline creates a pipeline writing to sink. The sink may be nil when
// only dry runs are performed.
func NewPipeline(sources Registry, sink writer.Sink, opts ...Option) *Pipeline {
	p := &Pipeline{
		sources:   sources,
		sink:      sink,
		dryRunOut: os.Stdout,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// run holds the mutable state of one Pipeline.Run call.
type run struct {
	req     entities.ImportRequest
	report  *entities.ImportReport
	store   *state.Store
	persist bool
	gap     *gapFilter

	phase       Phase
	source      string
	measurement string
	index       int

	checkpointErr error
}

// Run executes the import described by req. The report is always returned;
// the error is non-nil only when the run aborted.
func (p *Pipeline) Run(ctx context.Context, req entities.ImportRequest) (*entities.ImportReport, error) {
	r := &run{
		req:    req,
		report: entities.NewImportReport(uuid.NewString(), req),
		phase:  PhaseInit,
		source: req.Source,
	}
	r.report.StartedAt = p.now()

	err := p.execute(ctx, r)

	r.report.Elapsed = p.now().Sub(r.report.StartedAt)
	if err != nil {
		r.phase = PhaseAborted
		r.report.Status = entities.RunStatusAborted
		r.report.Fatal = err.Error()
		log.Printf("Import %s aborted: %v", r.report.RunID, err)
	} else {
		r.phase = PhaseDone
		r.report.Status = entities.RunStatusDone
		log.Printf("Import %s done: read=%d written=%d duplicates=%d failed=%d malformed=%d",
			r.report.RunID, r.report.Read, r.report.Written, r.report.Duplicates, r.report.Failed, r.report.MalformedRows)
	}

	if p.history != nil {
		if herr := p.history.Record(r.report); herr != nil {
			log.Printf("Warning: failed to record import history: %v", herr)
		}
	}
	return r.report, err
}

func (p *Pipeline) execute(ctx context.Context, r *run) error {
	if err := r.req.Validate(); err != nil {
		return r.fatal(fmt.Errorf("invalid request: %w", err))
	}

	source, err := p.sources.Build(r.req)
	if err != nil {
		return r.fatal(err)
	}
	r.source = source.Name()

	sink := p.sink
	if r.req.DryRun {
		noop := writer.NewNoopSink(dryRunPreviewLimit)
		noop.Out = p.dryRunOut
		sink = noop
	}
	if sink == nil {
		return r.fatal(errors.New("no sink configured"))
	}

	if r.req.GapFillDays > 0 {
		querier, ok := p.sink.(TimestampQuerier)
		if !ok {
			return r.fatal(errors.New("sink cannot query existing timestamps for gap filling"))
		}
		r.gap = newGapFilter(querier, p.now().AddDate(0, 0, -r.req.GapFillDays))
		r.store = state.New()
	} else if err := p.loadState(r); err != nil {
		return r.fatal(err)
	}

	it, err := source.Open(ctx)
	if err != nil {
		return r.fatal(err)
	}
	defer it.Close()

	log.Printf("Import %s started: %s (%s)", r.report.RunID, r.source, r.req.Kind)
	if r.req.DryRun {
		log.Printf("Dry-run mode: nothing will be written and no state will be saved")
	}

	bw := writer.NewBatchWriter(sink, writer.Config{
		BatchSize:       r.req.BatchSize,
		MaxAttempts:     r.req.MaxAttempts,
		RetryDelay:      r.req.RetryDelay,
		WritesPerSecond: r.req.WritesPerSecond,
	}, r.onFlush)

	for {
		r.phase = PhaseReading
		rec, err := it.Next(ctx)
		if err == io.EOF {
			break
		}
		var recErr *RecordError
		if errors.As(err, &recErr) {
			r.report.Read++
			r.malformed(recErr.Index, recErr.Measurement, recErr.Err)
			continue
		}
		if err != nil {
			return r.fatal(err)
		}

		r.report.Read++
		r.index = rec.Index
		r.measurement = rec.Point.Measurement

		if err := rec.Point.Validate(); err != nil {
			r.malformed(rec.Index, rec.Point.Measurement, err)
			continue
		}

		r.phase = PhaseFiltering
		tracker, duplicate, err := r.filter(ctx, rec)
		if err != nil {
			return r.fatal(err)
		}
		if duplicate {
			r.report.Duplicates++
			logger.Trace("duplicate %s at %s", rec.Key.ID, rec.Key.Timestamp.Format(time.RFC3339))
			continue
		}

		r.phase = PhaseBuffering
		entry := writer.Entry{
			Point: rec.Point,
			Key:   rec.Key,
			Ref:   entryRef{tracker: tracker, index: rec.Index},
		}
		if err := bw.Add(ctx, entry); err != nil {
			return r.fatal(err)
		}
		if r.checkpointErr != nil {
			return r.fatal(r.checkpointErr)
		}
	}

	r.phase = PhaseFlushing
	if err := bw.Flush(ctx); err != nil {
		return r.fatal(err)
	}
	if r.checkpointErr != nil {
		return r.fatal(r.checkpointErr)
	}

	r.phase = PhasePersisting
	if r.persist {
		if err := r.store.Persist(r.req.StateFile); err != nil {
			return r.fatal(fmt.Errorf("failed to save import state: %w", err))
		}
	}
	return nil
}

func (p *Pipeline) loadState(r *run) error {
	r.persist = !r.req.DryRun

	if r.req.StateFile == "" {
		r.store = state.New()
		return nil
	}
	store, err := state.Load(r.req.StateFile)
	if err != nil {
		return err
	}
	r.store = store
	return nil
}

// entryRef links a buffered entry back to its record.
type entryRef struct {
	tracker *state.Tracker
	index   int
}

// filter decides whether rec was imported before. The returned tracker is
// nil during gap filling, where nothing is recorded.
func (r *run) filter(ctx context.Context, rec Record) (*state.Tracker, bool, error) {
	if r.gap != nil {
		dup, err := r.gap.isDuplicate(ctx, rec.Point)
		return nil, dup, err
	}

	tracker, err := r.store.Tracker(r.source, rec.Point.Measurement, rec.Mode)
	if err != nil {
		return nil, false, err
	}
	if r.req.ForceAll {
		tracker.IgnoreExisting()
	}
	return tracker, tracker.IsDuplicate(rec.Key), nil
}

func (r *run) onFlush(res writer.FlushResult) {
	r.report.Batches++

	if res.Err != nil {
		r.report.FailedBatches++
		r.report.Failed += len(res.Entries)
		first := res.Entries[0]
		r.report.AddIssue(first.Ref.(entryRef).index, first.Point.Measurement,
			fmt.Sprintf("%d points not written: %v", len(res.Entries), res.Err))
		for _, e := range res.Entries {
			if ref := e.Ref.(entryRef); ref.tracker != nil {
				ref.tracker.Fail(e.Key)
			}
		}
		log.Printf("Batch %d failed, %d points will be retried on the next run", res.Seq, len(res.Entries))
		return
	}

	r.report.Written += len(res.Entries)
	for _, e := range res.Entries {
		r.report.WrittenByMeasurement[e.Point.Measurement]++
		if ref := e.Ref.(entryRef); ref.tracker != nil {
			ref.tracker.Record(e.Key)
		}
	}
	logger.Debug("batch %d written: %d points in %d attempt(s)", res.Seq, len(res.Entries), res.Attempts)

	if r.persist {
		if err := r.store.Persist(r.req.StateFile); err != nil {
			r.checkpointErr = fmt.Errorf("failed to checkpoint import state: %w", err)
		}
	}
}

func (r *run) malformed(index int, measurement string, err error) {
	r.report.MalformedRows++
	r.report.AddIssue(index, measurement, err.Error())
	logger.Debug("skipping record %d: %v", index, err)
}

// fatal attaches the position of the run to err.
func (r *run) fatal(err error) error {
	where := r.source
	if r.measurement != "" {
		where += ", measurement " + r.measurement
	}
	if r.index > 0 {
		where += fmt.Sprintf(", record %d", r.index)
	}
	return fmt.Errorf("import of %s failed while %s: %w", where, r.phase, err)
}

// gapFilter skips points outside the window and points whose timestamp is
// already stored in the sink. Existing timestamps are fetched once per
// measurement.
type gapFilter struct {
	querier  TimestampQuerier
	since    time.Time
	existing map[string]map[int64]struct{}
}

func newGapFilter(q TimestampQuerier, since time.Time) *gapFilter {
	return &gapFilter{
		querier:  q,
		since:    since,
		existing: make(map[string]map[int64]struct{}),
	}
}

func (g *gapFilter) isDuplicate(ctx context.Context, p entities.Point) (bool, error) {
	if p.Timestamp.Before(g.since) {
		return true, nil
	}

	stored, ok := g.existing[p.Measurement]
	if !ok {
		keys := p.FieldKeys()
		var err error
		stored, err = g.querier.ExistingTimestamps(ctx, p.Measurement, keys[0], g.since)
		if err != nil {
			return false, fmt.Errorf("failed to query existing %s timestamps: %w", p.Measurement, err)
		}
		g.existing[p.Measurement] = stored
		log.Printf("Gap fill: %d %s points already stored since %s",
			len(stored), p.Measurement, g.since.Format(time.RFC3339))
	}

	_, found := stored[p.Timestamp.Unix()]
	return found, nil
}
