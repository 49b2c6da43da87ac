// Package importers reads time-series records from local exports and writes
// them to a sink without importing anything twice.
//
// # Architecture
//
// An import run follows a simple flow:
//
//	Source → RecordIterator → Record → Pipeline (dedup) → BatchWriter → Sink
//	                                       ↓
//	                                  state.Store
//
// Each source implements the Source interface and yields normalized points
// lazily, one Record at a time. The Pipeline asks the import state whether a
// record was seen before, buffers the new ones into batches and records their
// keys once the sink confirmed the batch.
//
// # Adding a New Source
//
//  1. Create a new file or package, e.g. garmin.go
//
//  2. Implement Source and RecordIterator:
//
//     type GarminSource struct {
//     path string
//     }
//
//     func (s *GarminSource) Name() string { return s.path }
//
//     func (s *GarminSource) Open(ctx context.Context) (RecordIterator, error) {
//     // open the export, return an iterator yielding Records
//     }
//
//     // Compile-time check
//     var _ Source = (*GarminSource)(nil)
//
//  3. Pick the dedup mode per record: state.ModeWatermark for sources that
//     only ever append, state.ModeSeenSet when old records can reappear.
//
//  4. Register a SourceFactory for a new entities.SourceKind in the
//     Registry the CLI builds.
//
// # Existing Sources
//
//   - CSVSource: CSV files with a single or stacked header
//   - healthconnect.Source: Health Connect SQLite exports
//
// # Example Usage
//
//	registry := importers.Registry{
//		entities.SourceKindCSV: importers.NewCSVSourceFromRequest,
//	}
//	pipeline := importers.NewPipeline(registry, sink, importers.WithHistory(store))
//	report, err := pipeline.Run(ctx, req)
package importers
