package writer

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/mrlokans/influx-importer/internal/entities"
)

// Sink is the time-series store a batch is delivered to.
type Sink interface {
	WriteBatch(ctx context.Context, points []entities.Point) error
}

// NoopSink accepts every batch without writing it anywhere. Dry runs use it
// and print a preview of what would have been sent.
type NoopSink struct {
	Out          io.Writer
	PreviewLimit int

	batches int
	points  int
}

// NewNoopSink creates a dry-run sink printing up to previewLimit points per batch.
func NewNoopSink(previewLimit int) *NoopSink {
	return &NoopSink{Out: os.Stdout, PreviewLimit: previewLimit}
}

func (s *NoopSink) WriteBatch(_ context.Context, points []entities.Point) error {
	s.batches++
	s.points += len(points)

	if s.Out == nil {
		return nil
	}
	fmt.Fprintf(s.Out, "Dry-run mode: would write batch %d with %d points\n", s.batches, len(points))
	for i, p := range points {
		if s.PreviewLimit >= 0 && i >= s.PreviewLimit {
			fmt.Fprintf(s.Out, "  ... and %d more points (not shown)\n", len(points)-i)
			break
		}
		fmt.Fprintf(s.Out, "  [%d/%d] %s\n", i+1, len(points), FormatPoint(p))
	}
	return nil
}

// Batches returns how many batches were accepted.
func (s *NoopSink) Batches() int {
	return s.batches
}

// Points returns how many points were accepted.
func (s *NoopSink) Points() int {
	return s.points
}

// FormatPoint renders a point in a line-protocol-like form for previews and logs.
func FormatPoint(p entities.Point) string {
	var b strings.Builder
	b.WriteString(p.Measurement)

	tagKeys := make([]string, 0, len(p.Tags))
	for k := range p.Tags {
		tagKeys = append(tagKeys, k)
	}
	sort.Strings(tagKeys)
	for _, k := range tagKeys {
		fmt.Fprintf(&b, ",%s=%s", k, p.Tags[k])
	}

	for i, k := range p.FieldKeys() {
		if i == 0 {
			b.WriteByte(' ')
		} else {
			b.WriteByte(',')
		}
		switch v := p.Fields[k].(type) {
		case string:
			fmt.Fprintf(&b, "%s=%q", k, v)
		case int64:
			fmt.Fprintf(&b, "%s=%di", k, v)
		default:
			fmt.Fprintf(&b, "%s=%v", k, v)
		}
	}

	fmt.Fprintf(&b, " %d", p.Timestamp.Unix())
	return b.String()
}
