package etl

import (
	"context"
	"log/slog"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"amt/internal/catalog"
	"amt/internal/domain"
	"amt/internal/frame"
	"amt/internal/staging"
)

// ── ViewRun ────────────────────────────────────────────────
// Orchestrates: staged inputs → step pipeline → conform → destination.Save.

// ViewResult is the outcome of running one view for one school year.
type ViewResult struct {
	View          string        `json:"view"`
	SchoolYear    string        `json:"schoolYear"`
	Status        string        `json:"status"` // "success" | "error"
	Rows          int           `json:"rows"`
	Path          string        `json:"path,omitempty"`
	MissingInputs []string      `json:"missingInputs,omitempty"`
	Duration      time.Duration `json:"duration"`
	Error         string        `json:"error,omitempty"`
}

// ── Engine ─────────────────────────────────────────────────

// Engine runs views against the staging store.
type Engine struct {
	Store       *staging.Store
	Catalog     *catalog.Catalog
	Descriptors frame.DescriptorResolver
	Dest        Destination
	Parallelism int
	Logger      *slog.Logger
	Now         func() time.Time
}

func (e *Engine) logger() *slog.Logger {
	if e.Logger == nil {
		return slog.Default()
	}
	return e.Logger
}

func (e *Engine) now() time.Time {
	if e.Now == nil {
		return time.Now()
	}
	return e.Now()
}

// RunView executes v for year. When an input has never been staged the view
// writes a zero-row file with its schema. Step failures are TransformErrors,
// schema mismatches SchemaErrors; neither writes output.
func (e *Engine) RunView(ctx context.Context, v *View, year string) (*ViewResult, error) {
	start := time.Now()
	result := &ViewResult{View: v.Name, SchoolYear: year}
	fail := func(err error) (*ViewResult, error) {
		result.Status = "error"
		result.Error = err.Error()
		result.Duration = time.Since(start)
		return result, err
	}
	if err := ctx.Err(); err != nil {
		return fail(domain.NewError(domain.KindTransform, v.Name, err))
	}

	// 1. Load the latest primary snapshot of every input.
	raw := make(map[string][]byte, len(v.Inputs))
	for _, name := range v.Inputs {
		ep, ok := e.Catalog.Lookup(name)
		if !ok {
			return fail(domain.Errorf(domain.KindConfig, v.Name, "input %q is not in the endpoint catalog", name))
		}
		data, _, err := e.Store.ReadLatest(year, ep)
		if staging.IsNotStaged(err) {
			result.MissingInputs = append(result.MissingInputs, name)
			continue
		}
		if err != nil {
			return fail(domain.NewError(domain.KindTransform, v.Name, err))
		}
		raw[name] = data
	}

	// 2. Run the steps, or stand in an empty table when inputs are missing.
	var out *frame.Table
	if len(result.MissingInputs) > 0 {
		e.logger().Warn("view inputs not staged, writing empty output",
			"view", v.Name, "schoolYear", year, "missing", result.MissingInputs)
		out = frame.New(v.Schema.FieldNames()...)
	} else {
		var err error
		if out, err = e.execute(v, raw); err != nil {
			return fail(domain.NewError(domain.KindTransform, v.Name, err))
		}
	}

	// 3. Conform to the declared schema.
	conformed, err := frame.Conform(out, v.Schema.FieldNames())
	if err != nil {
		return fail(domain.NewError(domain.KindSchema, v.Name, err))
	}
	typed, err := coerceTable(conformed, &v.Schema)
	if err != nil {
		return fail(domain.NewError(domain.KindSchema, v.Name, err))
	}

	// 4. Save.
	path, err := e.Dest.Save(ctx, typed, &v.Schema, v.Name, year)
	if err != nil {
		return fail(domain.NewError(domain.KindStageWrite, v.Name, err))
	}

	result.Status = "success"
	result.Rows = typed.Len()
	result.Path = path
	result.Duration = time.Since(start)
	return result, nil
}

func (e *Engine) execute(v *View, raw map[string][]byte) (*frame.Table, error) {
	env := &env{
		raw:    raw,
		tables: map[string]*frame.Table{},
		desc:   e.Descriptors,
		today:  frame.DateKey(e.now()),
	}
	for i, s := range v.steps {
		if err := s.apply(env); err != nil {
			return nil, errors.Wrapf(err, "step %d (%s)", i+1, s.Op)
		}
	}
	name := v.Output
	if name == "" {
		name = env.last
	}
	out, ok := env.tables[name]
	if !ok {
		return nil, errors.Errorf("output table %q was never produced", name)
	}
	return out, nil
}

// RunAll runs views for year with bounded parallelism. A failing view does
// not stop the others; its failure is returned alongside the results.
func (e *Engine) RunAll(ctx context.Context, year string, views []*View) ([]*ViewResult, []domain.Failure) {
	results := make([]*ViewResult, len(views))
	errs := make([]error, len(views))

	var g errgroup.Group
	if e.Parallelism > 0 {
		g.SetLimit(e.Parallelism)
	}
	for i, v := range views {
		g.Go(func() error {
			results[i], errs[i] = e.RunView(ctx, v, year)
			if errs[i] != nil {
				e.logger().Error("view failed", "view", v.Name, "schoolYear", year, "error", errs[i])
				return nil
			}
			e.logger().Info("view written",
				"view", v.Name,
				"schoolYear", year,
				"rows", results[i].Rows,
				"duration", results[i].Duration.String())
			return nil
		})
	}
	_ = g.Wait()

	var failures []domain.Failure
	for i, err := range errs {
		if err != nil {
			failures = append(failures, domain.FailureOf(views[i].Name, err))
		}
	}
	return results, failures
}
