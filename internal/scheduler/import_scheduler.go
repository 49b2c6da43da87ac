package scheduler

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/mrlokans/influx-importer/internal/entities"
)

const defaultRunTimeout = 30 * time.Minute

var scheduleParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Runner executes one import. *importers.Pipeline implements it.
type Runner interface {
	Run(ctx context.Context, req entities.ImportRequest) (*entities.ImportReport, error)
}

// Job is one import repeated on every tick.
type Job struct {
	Name    string
	Request entities.ImportRequest
}

// Result is the outcome of one job in a tick.
type Result struct {
	Job    string
	Report *entities.ImportReport
	Err    error
}

// ImportScheduler runs a fixed list of imports on a cron schedule. Jobs of a
// tick run one after another and a tick is skipped while the previous one
// is still importing.
type ImportScheduler struct {
	runner   Runner
	jobs     []Job
	schedule string
	timeout  time.Duration

	cron        *cron.Cron
	entryID     cron.EntryID
	mu          sync.RWMutex
	isRunning   bool
	isImporting bool
	baseCtx     context.Context
	cancelFunc  context.CancelFunc
	lastRun     []Result
}

// NewImportScheduler creates a scheduler; timeout bounds every tick and
// defaults to 30 minutes.
func NewImportScheduler(runner Runner, schedule string, jobs []Job, timeout time.Duration) *ImportScheduler {
	if timeout <= 0 {
		timeout = defaultRunTimeout
	}
	return &ImportScheduler{
		runner:   runner,
		jobs:     jobs,
		schedule: schedule,
		timeout:  timeout,
		cron: cron.New(
			cron.WithParser(scheduleParser),
			cron.WithChain(cron.SkipIfStillRunning(cron.PrintfLogger(log.Default()))),
		),
	}
}

// Start registers the import job and starts the cron loop. It stops when
// ctx is cancelled.
func (s *ImportScheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.isRunning {
		return nil
	}
	if len(s.jobs) == 0 {
		return fmt.Errorf("no imports to schedule")
	}
	if err := ValidateSchedule(s.schedule); err != nil {
		return fmt.Errorf("invalid cron schedule '%s': %w", s.schedule, err)
	}

	entryID, err := s.cron.AddFunc(s.schedule, func() {
		s.runAll()
	})
	if err != nil {
		return fmt.Errorf("failed to schedule import job: %w", err)
	}
	s.entryID = entryID

	var cancelCtx context.Context
	cancelCtx, s.cancelFunc = context.WithCancel(ctx)
	s.baseCtx = cancelCtx

	s.cron.Start()
	s.isRunning = true

	nextRun, _ := NextRunTime(s.schedule)
	log.Printf("Import scheduler: started with schedule '%s' (%s), %d import(s). Next run: %v",
		s.schedule, DescribeSchedule(s.schedule), len(s.jobs), nextRun)

	go func() {
		<-cancelCtx.Done()
		s.Stop()
	}()

	return nil
}

// Stop cancels a running tick, waits for it to return and stops the
// scheduler.
func (s *ImportScheduler) Stop() {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = false
	cancel := s.cancelFunc
	s.cancelFunc = nil
	s.cron.Remove(s.entryID)
	s.mu.Unlock()

	// the tick takes the lock when it finishes
	if cancel != nil {
		cancel()
	}
	<-s.cron.Stop().Done()

	log.Printf("Import scheduler: stopped")
}

// RunNow runs every job immediately and returns their results.
func (s *ImportScheduler) RunNow(ctx context.Context) []Result {
	return s.runJobs(ctx)
}

// IsRunning returns whether the scheduler is active
func (s *ImportScheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isRunning
}

// IsImporting returns whether a tick is in progress
func (s *ImportScheduler) IsImporting() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isImporting
}

// LastRun returns the results of the latest finished tick.
func (s *ImportScheduler) LastRun() []Result {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastRun
}

// NextRun returns when the next tick will occur
func (s *ImportScheduler) NextRun() *time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.isRunning {
		return nil
	}
	for _, entry := range s.cron.Entries() {
		if entry.ID == s.entryID {
			t := entry.Next
			return &t
		}
	}
	return nil
}

func (s *ImportScheduler) runAll() {
	s.mu.RLock()
	ctx := s.baseCtx
	s.mu.RUnlock()
	if ctx == nil {
		ctx = context.Background()
	}
	s.runJobs(ctx)
}

func (s *ImportScheduler) runJobs(ctx context.Context) []Result {
	s.mu.Lock()
	if s.isImporting {
		s.mu.Unlock()
		log.Printf("Import scheduler: skipped (previous run still importing)")
		return nil
	}
	s.isImporting = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.isImporting = false
		s.mu.Unlock()
	}()

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	startTime := time.Now()
	results := make([]Result, 0, len(s.jobs))
	for _, job := range s.jobs {
		if ctx.Err() != nil {
			results = append(results, Result{Job: job.Name, Err: ctx.Err()})
			continue
		}

		report, err := s.runner.Run(ctx, job.Request)
		results = append(results, Result{Job: job.Name, Report: report, Err: err})

		switch {
		case err != nil:
			log.Printf("Import scheduler: %s failed: %v", job.Name, err)
		case report.HasErrors():
			log.Printf("Import scheduler: %s finished with errors: written=%d failed=%d malformed=%d",
				job.Name, report.Written, report.Failed, report.MalformedRows)
		default:
			log.Printf("Import scheduler: %s done: written=%d duplicates=%d",
				job.Name, report.Written, report.Duplicates)
		}
	}

	log.Printf("Import scheduler: tick finished in %v", time.Since(startTime).Round(time.Millisecond))

	s.mu.Lock()
	s.lastRun = results
	s.mu.Unlock()
	return results
}

// ValidateSchedule checks a five-field cron expression.
func ValidateSchedule(schedule string) error {
	_, err := scheduleParser.Parse(schedule)
	return err
}

// DescribeSchedule returns a human-readable description of a cron schedule
func DescribeSchedule(schedule string) string {
	switch schedule {
	case "0 * * * *":
		return "Every hour at :00"
	case "*/15 * * * *":
		return "Every 15 minutes"
	case "*/30 * * * *":
		return "Every 30 minutes"
	case "0 */6 * * *":
		return "Every 6 hours"
	case "0 0 * * *":
		return "Daily at midnight"
	case "0 0 * * 0":
		return "Weekly on Sunday at midnight"
	default:
		return "Custom schedule: " + schedule
	}
}

// NextRunTime calculates when a schedule fires next
func NextRunTime(schedule string) (*time.Time, error) {
	sched, err := scheduleParser.Parse(schedule)
	if err != nil {
		return nil, err
	}
	next := sched.Next(time.Now())
	return &next, nil
}
