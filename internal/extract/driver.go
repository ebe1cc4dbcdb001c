// Package extract runs the incremental extraction of every catalog endpoint
// for the school years in scope.
package extract

import (
	"context"
	"encoding/json"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"amt/internal/config"
	"amt/internal/domain"
	"amt/internal/ledger"
	"amt/internal/staging"
)

// API is the part of the Ed-Fi client the driver needs.
type API interface {
	AcquireToken(ctx context.Context) (string, error)
	EndpointURL(year, path string) string
	FetchAll(ctx context.Context, endpointURL, token string, window *domain.ChangeVersionWindow) ([]json.RawMessage, error)
	AvailableChangeVersions(ctx context.Context, token, year string) (domain.ChangeVersionWindow, error)
}

// Options configures a Driver.
type Options struct {
	Endpoints            []domain.Endpoint
	Workers              int
	Policy               config.LedgerPolicy
	DisableChangeVersion bool
	Logger               *slog.Logger
}

// Driver fans endpoint extraction out over a bounded worker pool.
type Driver struct {
	api    API
	store  *staging.Store
	ledger *ledger.Ledger
	opts   Options
	logger *slog.Logger
}

// NewDriver creates a Driver. Workers defaults to the CPU count.
func NewDriver(api API, store *staging.Store, l *ledger.Ledger, opts Options) *Driver {
	if opts.Workers <= 0 {
		opts.Workers = runtime.NumCPU()
	}
	if opts.Policy == "" {
		opts.Policy = config.AdvanceAlways
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Driver{api: api, store: store, ledger: l, opts: opts, logger: logger}
}

// YearResult reports what happened for one school year.
type YearResult struct {
	SchoolYear     string                     `json:"schoolYear"`
	Window         domain.ChangeVersionWindow `json:"window"`
	NoWork         bool                       `json:"noWork"`
	Rollback       bool                       `json:"rollback,omitempty"`
	Staged         []string                   `json:"staged,omitempty"`
	Failed         []string                   `json:"failed,omitempty"`
	LedgerAdvanced bool                       `json:"ledgerAdvanced"`
}

// Result aggregates a run.
type Result struct {
	Years    []YearResult     `json:"years"`
	Failures []domain.Failure `json:"failures,omitempty"`
}

// Staged counts staged endpoints across years.
func (r Result) Staged() int {
	n := 0
	for _, y := range r.Years {
		n += len(y.Staged)
	}
	return n
}

// Failed counts failed endpoints across years.
func (r Result) Failed() int {
	n := 0
	for _, y := range r.Years {
		n += len(y.Failed)
	}
	return n
}

// NoWork reports whether every year was already up to date.
func (r Result) NoWork() bool {
	for _, y := range r.Years {
		if !y.NoWork {
			return false
		}
	}
	return len(r.Failures) == 0
}

// Run extracts every year in scope. Endpoint failures are collected in the
// result; only an AuthError aborts the run and is returned.
func (d *Driver) Run(ctx context.Context, scope domain.SchoolYearScope) (Result, error) {
	var res Result
	for _, year := range scope.Years {
		yr, failures, err := d.runYear(ctx, year)
		res.Failures = append(res.Failures, failures...)
		if err != nil {
			return res, err
		}
		res.Years = append(res.Years, yr)
	}
	return res, nil
}

func (d *Driver) runYear(ctx context.Context, year string) (YearResult, []domain.Failure, error) {
	yr := YearResult{SchoolYear: year}
	log := d.logger.With("schoolYear", year)
	start := time.Now()

	token, err := d.api.AcquireToken(ctx)
	if err != nil {
		log.Error("token acquisition failed, aborting run", "error", err)
		return yr, []domain.Failure{failureOf(year, err)}, err
	}

	var (
		window *domain.ChangeVersionWindow
		suffix uint64
	)
	if d.opts.DisableChangeVersion {
		api, err := d.api.AvailableChangeVersions(ctx, token, year)
		if err != nil {
			log.Error("change versions unavailable, skipping year", "error", err)
			return yr, []domain.Failure{failureOf(year, err)}, nil
		}
		yr.Window = api
		suffix = api.Newest
	} else {
		dec, err := d.ledger.Check(ctx, d.api, token, year)
		if err != nil {
			log.Error("change versions unavailable, skipping year", "error", err)
			return yr, []domain.Failure{failureOf(year, err)}, nil
		}
		yr.Window, yr.NoWork, yr.Rollback = dec.Window, dec.NoWork, dec.Rollback
		if dec.NoWork {
			log.Info("no work", "ledgerNewest", dec.Stored.Newest, "apiNewest", dec.API.Newest)
			return yr, nil, nil
		}
		w := dec.Window
		window = &w
		suffix = w.Newest
		if d.opts.Policy == config.AdvanceAlways {
			yr.LedgerAdvanced = d.commit(year, w)
		}
	}

	log.Info("extracting", "endpoints", len(d.opts.Endpoints), "window", yr.Window.String(), "workers", d.opts.Workers)
	outcomes := d.runPool(ctx, token, year, window, suffix)

	var failures []domain.Failure
	for _, o := range outcomes {
		if o.err != nil {
			yr.Failed = append(yr.Failed, o.endpoint.LogicalName)
			failures = append(failures, failureOf(subject(year, o.endpoint), o.err))
			continue
		}
		yr.Staged = append(yr.Staged, o.endpoint.LogicalName)
	}

	if !d.opts.DisableChangeVersion {
		switch {
		case d.opts.Policy == config.AdvanceOnSuccess && len(yr.Failed) == 0:
			yr.LedgerAdvanced = d.commit(year, *window)
		case d.opts.Policy == config.AdvanceOnSuccess:
			log.Warn("ledger held back, some endpoints failed", "failed", yr.Failed)
		case len(yr.Failed) > 0:
			log.Warn("ledger advanced over failed endpoints", "failed", yr.Failed, "newest", window.Newest)
		}
	}

	log.Info("extraction finished",
		"staged", len(yr.Staged),
		"failed", len(yr.Failed),
		"duration", time.Since(start).String())
	return yr, failures, nil
}

func (d *Driver) commit(year string, w domain.ChangeVersionWindow) bool {
	if err := d.ledger.Commit(year, w); err != nil {
		d.logger.Error("ledger commit failed", "schoolYear", year, "error", err)
		return false
	}
	return true
}

// ── Worker pool ────────────────────────────────────────────

type task struct {
	index    int
	endpoint domain.Endpoint
}

type outcome struct {
	endpoint domain.Endpoint
	err      error
}

// runPool extracts every endpoint with at most Workers concurrent dialogs.
// Outcomes come back in catalog order.
func (d *Driver) runPool(ctx context.Context, token, year string, window *domain.ChangeVersionWindow, suffix uint64) []outcome {
	eps := d.opts.Endpoints
	outcomes := make([]outcome, len(eps))
	tasks := make(chan task)

	workers := d.opts.Workers
	if workers > len(eps) {
		workers = len(eps)
	}

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			for t := range tasks {
				err := d.extractEndpoint(ctx, token, year, t.endpoint, window, suffix)
				if err != nil {
					d.logger.Error("endpoint failed",
						"workerID", workerID,
						"schoolYear", year,
						"endpoint", t.endpoint.LogicalName,
						"error", err)
				}
				outcomes[t.index] = outcome{endpoint: t.endpoint, err: err}
			}
		}(i)
	}
	for i, ep := range eps {
		tasks <- task{index: i, endpoint: ep}
	}
	close(tasks)
	wg.Wait()
	return outcomes
}

// extractEndpoint fetches the primary and deletes feeds, then stages both.
// A failed write leaves the previous snapshot in place.
func (d *Driver) extractEndpoint(ctx context.Context, token, year string, ep domain.Endpoint, window *domain.ChangeVersionWindow, suffix uint64) error {
	if err := ctx.Err(); err != nil {
		return domain.NewError(domain.KindFetch, ep.LogicalName, err)
	}

	primary, err := d.api.FetchAll(ctx, d.api.EndpointURL(year, ep.PathSegment), token, window)
	if err != nil {
		return err
	}
	deletes, err := d.api.FetchAll(ctx, d.api.EndpointURL(year, ep.DeletesPath()), token, window)
	if err != nil {
		return err
	}

	if _, err := d.store.WriteEndpoint(year, ep, suffix, primary, deletes); err != nil {
		return err
	}
	d.logger.Debug("endpoint staged",
		"schoolYear", year,
		"endpoint", ep.LogicalName,
		"records", len(primary),
		"deletes", len(deletes))
	return nil
}

func subject(year string, ep domain.Endpoint) string {
	if year == "" {
		return ep.LogicalName
	}
	return year + "/" + ep.LogicalName
}

// failureOf keeps the error's kind but reports it against subject.
func failureOf(subject string, err error) domain.Failure {
	f := domain.FailureOf(subject, err)
	f.Subject = subject
	return f
}
