package service

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/robfig/cron/v3"

	"amt/internal/domain"
	"amt/internal/etl"
	"amt/internal/extract"
)

// ─────────────────────────────────────────────────────────────
// Pipeline Service
// ─────────────────────────────────────────────────────────────

// Event names emitted when a run finishes.
const (
	EventRunCompleted = "pipeline:run-completed"
)

// ErrAlreadyRunning refuses a run whose (job, school year) is in flight.
var ErrAlreadyRunning = errors.New("already running")

// Job names recorded in the run history.
const (
	JobExtract   = "extract"
	JobTransform = "transform"
	JobPipeline  = "pipeline"
)

// Extractor stages the endpoint feeds of a scope.
type Extractor interface {
	Run(ctx context.Context, scope domain.SchoolYearScope) (extract.Result, error)
}

// Transformer writes views for one school year.
type Transformer interface {
	RunAll(ctx context.Context, year string, views []*etl.View) ([]*etl.ViewResult, []domain.Failure)
}

// Options configures a PipelineService.
type Options struct {
	Scope domain.SchoolYearScope

	// Schedule is a cron expression for the pipeline; empty disables it.
	Schedule string
	// SensorInterval polls Sensor and runs the pipeline when it reports true.
	SensorInterval time.Duration
	Sensor         func(ctx context.Context) bool
	// WatchDir, when set, runs the transform after staged files change.
	WatchDir string
	Debounce time.Duration

	Logger *slog.Logger
}

// Run is the outcome of one orchestrated job.
type Run struct {
	domain.RunLog
	Extract *extract.Result   `json:"extract,omitempty"`
	Views   []*etl.ViewResult `json:"views,omitempty"`
}

// PipelineService runs extract, transform and pipeline jobs, records their
// history and owns the triggers that start them.
type PipelineService struct {
	extractor   Extractor
	transformer Transformer
	store       domain.RunLogStore
	emitter     EventEmitter
	opts        Options
	logger      *slog.Logger
	runningJobs runningJobsGuard

	// trigger lifecycle
	mu           sync.Mutex
	watchCancel  context.CancelFunc
	watcher      *fsnotify.Watcher
	cronSched    *cron.Cron
	sensorCancel context.CancelFunc
}

// NewPipelineService creates a PipelineService. store and emitter may be nil.
func NewPipelineService(ex Extractor, tr Transformer, store domain.RunLogStore, emitter EventEmitter, opts Options) *PipelineService {
	if len(opts.Scope.Years) == 0 {
		opts.Scope = domain.SingleYearScope()
	}
	if opts.Sensor == nil {
		opts.Sensor = func(context.Context) bool { return true }
	}
	if opts.Debounce <= 0 {
		opts.Debounce = 2 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &PipelineService{
		extractor:   ex,
		transformer: tr,
		store:       store,
		emitter:     emitter,
		opts:        opts,
		logger:      logger,
	}
}

// ── Run ────────────────────────────────────────────────────

// RunExtract stages every endpoint for year, or for the whole scope when year
// is empty.
func (s *PipelineService) RunExtract(ctx context.Context, year string) (*Run, error) {
	release, err := s.acquire(year, JobExtract)
	if err != nil {
		return nil, err
	}
	defer release()

	run := s.newRun(JobExtract, year)
	err = s.extract(ctx, run, year)
	s.finish(ctx, run, err)
	return run, err
}

// RunTransform writes the named views, or every registered view, for year or
// for the whole scope when year is empty.
func (s *PipelineService) RunTransform(ctx context.Context, year string, viewNames ...string) (*Run, error) {
	views, err := selectViews(viewNames)
	if err != nil {
		return nil, err
	}
	release, err := s.acquire(year, JobTransform)
	if err != nil {
		return nil, err
	}
	defer release()

	run := s.newRun(JobTransform, year)
	s.transform(ctx, run, year, views)
	s.finish(ctx, run, nil)
	return run, nil
}

// RunPipeline extracts and then transforms. The transform is skipped only when
// the extraction aborted.
func (s *PipelineService) RunPipeline(ctx context.Context, year string) (*Run, error) {
	release, err := s.acquire(year, JobPipeline, JobExtract, JobTransform)
	if err != nil {
		return nil, err
	}
	defer release()

	run := s.newRun(JobPipeline, year)
	if err = s.extract(ctx, run, year); err == nil {
		s.transform(ctx, run, year, etl.Views())
	}
	s.finish(ctx, run, err)
	return run, err
}

// ListRunLogs returns the last limit runs of job, or of every job when job is
// empty.
func (s *PipelineService) ListRunLogs(job string, limit int) ([]domain.RunLog, error) {
	if s.store == nil {
		return nil, nil
	}
	return s.store.ListRunLogs(job, limit)
}

func selectViews(names []string) ([]*etl.View, error) {
	if len(names) == 0 {
		return etl.Views(), nil
	}
	views := make([]*etl.View, 0, len(names))
	for _, n := range names {
		v, err := etl.GetView(n)
		if err != nil {
			return nil, domain.NewError(domain.KindConfig, n, err)
		}
		views = append(views, v)
	}
	return views, nil
}

// acquire locks (job, y) for every job given and every school year y the run
// covers, all or nothing. An empty year covers the whole scope, so a run of one
// year and a run of the whole scope exclude each other.
func (s *PipelineService) acquire(year string, jobs ...string) (func(), error) {
	years := s.opts.Scope.Only(year).Years
	var held []jobKey
	release := func() {
		for _, k := range held {
			s.runningJobs.Unlock(k.job, k.year)
		}
	}
	for _, job := range jobs {
		for _, y := range years {
			if !s.runningJobs.TryLock(job, y) {
				release()
				return nil, errors.Wrap(ErrAlreadyRunning, jobKey{job, y}.String())
			}
			held = append(held, jobKey{job, y})
		}
	}
	return release, nil
}

// Running lists the jobs in flight as "job/year".
func (s *PipelineService) Running() []string {
	return s.runningJobs.Running()
}

func (s *PipelineService) newRun(job, year string) *Run {
	return &Run{RunLog: domain.RunLog{
		ID:         uuid.New().String(),
		Job:        job,
		SchoolYear: year,
		StartedAt:  time.Now(),
	}}
}

func (s *PipelineService) extract(ctx context.Context, run *Run, year string) error {
	res, err := s.extractor.Run(ctx, s.opts.Scope.Only(year))
	run.Extract = &res
	run.Succeeded += res.Staged()
	run.Failed += res.Failed()
	run.Failures = append(run.Failures, res.Failures...)
	return err
}

func (s *PipelineService) transform(ctx context.Context, run *Run, year string, views []*etl.View) {
	for _, y := range s.opts.Scope.Only(year).Years {
		results, failures := s.transformer.RunAll(ctx, y, views)
		run.Views = append(run.Views, results...)
		for _, r := range results {
			if r != nil && r.Status == domain.RunSuccess {
				run.Succeeded++
			}
		}
		run.Failed += len(failures)
		run.Failures = append(run.Failures, failures...)
	}
}

// finish settles the run status, persists it and notifies listeners.
func (s *PipelineService) finish(ctx context.Context, run *Run, err error) {
	run.FinishedAt = time.Now()
	switch {
	case err != nil:
		run.Status = domain.RunError
	case run.Failed > 0 && run.Succeeded == 0:
		run.Status = domain.RunError
	case run.Failed > 0:
		run.Status = domain.RunPartial
	case run.Job == JobExtract && run.Extract != nil && run.Extract.NoWork():
		run.Status = domain.RunNoWork
	default:
		run.Status = domain.RunSuccess
	}
	if err != nil && len(run.Failures) == 0 {
		run.Failures = append(run.Failures, domain.FailureOf(run.SchoolYear, err))
	}

	log := s.logger.With("runID", run.ID, "job", run.Job, "schoolYear", run.SchoolYear)
	if s.store != nil {
		if serr := s.store.CreateRunLog(&run.RunLog); serr != nil {
			log.Error("run log not recorded", "error", serr)
		}
	}
	log.Info("run finished",
		"status", run.Status,
		"succeeded", run.Succeeded,
		"failed", run.Failed,
		"duration", run.FinishedAt.Sub(run.StartedAt).String())

	if s.emitter != nil {
		s.emitter.Emit(ctx, EventRunCompleted, run)
	}
}

// ── Triggers (cron + sensor + staging watch) ──────────────

// Start tears down the current triggers and builds them from the options.
// Triggered runs use ctx and stop when it is cancelled.
func (s *PipelineService) Start(ctx context.Context) error {
	s.Stop()
	s.mu.Lock()
	defer s.mu.Unlock()

	// ── Cron ──
	if s.opts.Schedule != "" {
		c := cron.New()
		if _, err := c.AddFunc(s.opts.Schedule, func() { s.trigger(ctx, "cron") }); err != nil {
			return domain.Errorf(domain.KindConfig, "SCHEDULE", "invalid expression %q: %v", s.opts.Schedule, err)
		}
		c.Start()
		s.cronSched = c
		s.logger.Info("pipeline scheduled", "schedule", s.opts.Schedule)
	}

	// ── Sensor ──
	if s.opts.SensorInterval > 0 {
		sensorCtx, cancel := context.WithCancel(ctx)
		s.sensorCancel = cancel
		go func() {
			ticker := time.NewTicker(s.opts.SensorInterval)
			defer ticker.Stop()
			for {
				select {
				case <-sensorCtx.Done():
					return
				case <-ticker.C:
					if s.opts.Sensor(sensorCtx) {
						s.trigger(sensorCtx, "sensor")
					}
				}
			}
		}()
		s.logger.Info("pipeline sensor polling", "interval", s.opts.SensorInterval.String())
	}

	// ── Staging watch ──
	if s.opts.WatchDir != "" {
		if err := s.startWatch(ctx); err != nil {
			s.stopLocked()
			return err
		}
	}
	return nil
}

func (s *PipelineService) trigger(ctx context.Context, source string) {
	s.logger.Info("pipeline triggered", "trigger", source)
	if _, err := s.RunPipeline(ctx, ""); err != nil {
		s.logger.Error("triggered pipeline failed", "trigger", source, "error", err)
	}
}

// startWatch runs the transform of a school year a short while after files
// land in its staging tree. Callers hold s.mu.
func (s *PipelineService) startWatch(ctx context.Context) error {
	root, err := filepath.Abs(s.opts.WatchDir)
	if err != nil {
		return domain.NewError(domain.KindConfig, "WATCH_STAGING", err)
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return domain.NewError(domain.KindConfig, "WATCH_STAGING", err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return domain.NewError(domain.KindConfig, "WATCH_STAGING", err)
	}
	s.watcher = watcher

	// fsnotify is not recursive; watch every directory of the tree.
	addTree := func(dir string) {
		_ = filepath.WalkDir(dir, func(p string, d os.DirEntry, err error) error {
			if err != nil || !d.IsDir() {
				return nil
			}
			if werr := watcher.Add(p); werr != nil {
				s.logger.Warn("staging watch: cannot watch directory", "dir", p, "error", werr)
			}
			return nil
		})
	}
	addTree(root)

	watchCtx, cancel := context.WithCancel(ctx)
	s.watchCancel = cancel

	go func() {
		timers := make(map[string]*time.Timer)
		defer func() {
			for _, t := range timers {
				t.Stop()
			}
		}()
		for {
			select {
			case <-watchCtx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
					continue
				}
				if fi, err := os.Stat(event.Name); err == nil && fi.IsDir() {
					addTree(event.Name)
					continue
				}
				if !isSnapshot(event.Name) {
					continue
				}
				year := s.yearOf(root, event.Name)
				if t, exists := timers[year]; exists {
					t.Stop()
				}
				timers[year] = time.AfterFunc(s.opts.Debounce, func() {
					s.logger.Info("staging changed, transforming", "schoolYear", year)
					if _, err := s.RunTransform(watchCtx, year); err != nil {
						s.logger.Error("staging watch: transform failed", "schoolYear", year, "error", err)
					}
				})
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				s.logger.Error("staging watch error", "error", err)
			}
		}
	}()

	s.logger.Info("watching staging", "dir", root)
	return nil
}

// isSnapshot ignores the temp files of in-flight atomic writes.
func isSnapshot(path string) bool {
	base := filepath.Base(path)
	return strings.HasSuffix(base, ".json") && !strings.HasPrefix(base, ".")
}

// yearOf maps a staged file to its school year: the first path element below
// root in year-specific mode, "" otherwise.
func (s *PipelineService) yearOf(root, path string) string {
	if s.opts.Scope.Mode != domain.ScopeYearSpecific {
		return ""
	}
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return ""
	}
	first := strings.SplitN(filepath.ToSlash(rel), "/", 2)[0]
	for _, y := range s.opts.Scope.Years {
		if y == first {
			return y
		}
	}
	return ""
}

// WaitRunning blocks until all running jobs finish or ctx is cancelled.
// Used for graceful shutdown.
func (s *PipelineService) WaitRunning(ctx context.Context) {
	s.runningJobs.WaitAll(ctx)
}

// Stop tears down all triggers. Runs in progress are not interrupted.
func (s *PipelineService) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked()
}

func (s *PipelineService) stopLocked() {
	if s.watchCancel != nil {
		s.watchCancel()
		s.watchCancel = nil
	}
	if s.watcher != nil {
		s.watcher.Close()
		s.watcher = nil
	}
	if s.sensorCancel != nil {
		s.sensorCancel()
		s.sensorCancel = nil
	}
	if s.cronSched != nil {
		s.cronSched.Stop()
		s.cronSched = nil
	}
}
