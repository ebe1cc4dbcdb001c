package etl

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"

	"amt/internal/frame"
)

// ── Step compiler ──────────────────────────────────────────
// Steps are compiled once when a view is loaded; a bad argument fails the
// view definition, not the run.

// TodayToken in a filter value is replaced by the run date as YYYYMMDD.
const TodayToken = "$today"

// env is the per-run environment a view's steps read and write.
type env struct {
	raw    map[string][]byte
	tables map[string]*frame.Table
	last   string
	desc   frame.DescriptorResolver
	today  string
}

type opFunc func(e *env, in *frame.Table) (*frame.Table, error)

type compiledStep struct {
	Step
	fromRaw bool
	run     opFunc
}

// apply runs one step against the environment.
func (s compiledStep) apply(e *env) error {
	in := s.In
	if in == "" {
		in = e.last
	}
	out := s.As
	if out == "" {
		out = in
	}

	var (
		t   *frame.Table
		err error
	)
	if s.fromRaw {
		data, ok := e.raw[in]
		if !ok {
			return errors.Errorf("%s: %q is not an input of this view", s.Op, in)
		}
		t, err = normalizeRaw(data, s.Args)
	} else {
		src, ok := e.tables[in]
		if !ok && s.Op != "concat" {
			return errors.Errorf("%s: no table named %q", s.Op, in)
		}
		t, err = s.run(e, src)
	}
	if err != nil {
		return err
	}
	if out == "" {
		out = "_"
	}
	e.tables[out] = t
	e.last = out
	return nil
}

// compileStep converts a declarative Step into an operator.
func compileStep(s Step) (compiledStep, error) {
	cs := compiledStep{Step: s}
	a := s.Args

	switch s.Op {
	case "normalize":
		if s.In == "" {
			return cs, errors.New("normalize needs an input endpoint")
		}
		if _, err := normalizeOptions(a); err != nil {
			return cs, err
		}
		cs.fromRaw = true

	case "merge":
		right := argString(a, "right")
		if right == "" {
			return cs, errors.New("merge needs a right table")
		}
		opts, err := mergeOptions(a)
		if err != nil {
			return cs, err
		}
		cs.run = func(e *env, in *frame.Table) (*frame.Table, error) {
			r, ok := e.tables[right]
			if !ok {
				return nil, errors.Errorf("merge: no table named %q", right)
			}
			return frame.Merge(in, r, opts)
		}

	case "subset":
		cols, err := requireStrings(a, "columns")
		if err != nil {
			return cs, err
		}
		cs.run = func(_ *env, in *frame.Table) (*frame.Table, error) { return frame.Subset(in, cols) }

	case "rename":
		mapping, err := argStringMap(a, "columns")
		if err != nil {
			return cs, err
		}
		cs.run = func(_ *env, in *frame.Table) (*frame.Table, error) { return frame.Rename(in, mapping) }

	case "drop":
		cols, err := requireStrings(a, "columns")
		if err != nil {
			return cs, err
		}
		cs.run = func(_ *env, in *frame.Table) (*frame.Table, error) { return frame.Drop(in, cols...), nil }

	case "addColumn":
		cols, err := columnArgs(a)
		if err != nil {
			return cs, err
		}
		def, ok := a["default"]
		if !ok {
			def = ""
		}
		cs.run = func(_ *env, in *frame.Table) (*frame.Table, error) {
			for _, c := range cols {
				in = frame.AddColumnIfNotExists(in, c, def)
			}
			return in, nil
		}

	case "concat":
		names, err := requireStrings(a, "tables")
		if err != nil {
			return cs, err
		}
		cs.run = func(e *env, _ *frame.Table) (*frame.Table, error) {
			tables := make([]*frame.Table, 0, len(names))
			for _, n := range names {
				t, ok := e.tables[n]
				if !ok {
					return nil, errors.Errorf("concat: no table named %q", n)
				}
				tables = append(tables, t)
			}
			return frame.Concat(tables...), nil
		}

	case "crossTab":
		index, err := requireStrings(a, "index")
		if err != nil {
			return cs, err
		}
		col := argString(a, "column")
		if col == "" {
			return cs, errors.New("crossTab needs a column")
		}
		var asBool bool
		switch v := argString(a, "values"); v {
		case "", "bool":
			asBool = true
		case "count":
		default:
			return cs, errors.Errorf("crossTab values must be bool or count, got %q", v)
		}
		cs.run = func(_ *env, in *frame.Table) (*frame.Table, error) {
			return frame.CrossTab(in, index, col, asBool)
		}

	case "descriptorCode":
		return perColumn(cs, a, frame.DescriptorCodeFromURI)

	case "descriptorConstant":
		cols, err := columnArgs(a)
		if err != nil {
			return cs, err
		}
		cs.run = func(e *env, in *frame.Table) (*frame.Table, error) {
			var err error
			for _, c := range cols {
				if in, err = frame.DescriptorConstant(in, c, e.desc); err != nil {
					return nil, err
				}
			}
			return in, nil
		}

	case "descriptorPrefix":
		col, prefix := argString(a, "column"), argString(a, "prefix")
		if col == "" || prefix == "" {
			return cs, errors.New("descriptorPrefix needs column and prefix")
		}
		cs.run = func(e *env, in *frame.Table) (*frame.Table, error) {
			return frame.KeepDescriptorPrefix(in, col, prefix, e.desc)
		}

	case "referenceId":
		col, dest := argString(a, "column"), argString(a, "dest")
		if col == "" || dest == "" {
			return cs, errors.New("referenceId needs column and dest")
		}
		cs.run = func(_ *env, in *frame.Table) (*frame.Table, error) { return frame.ReferenceIDFromHref(in, col, dest) }

	case "dateKey":
		return perColumn(cs, a, frame.ToDateTimeKey)

	case "compositeKey", "joinColumns":
		dest := argString(a, "dest")
		cols, err := requireStrings(a, "columns")
		if err != nil {
			return cs, err
		}
		if dest == "" {
			return cs, errors.Errorf("%s needs dest", s.Op)
		}
		if s.Op == "compositeKey" {
			cs.run = func(_ *env, in *frame.Table) (*frame.Table, error) { return frame.CompositeKey(in, dest, cols) }
			break
		}
		sep := argString(a, "sep")
		cs.run = func(_ *env, in *frame.Table) (*frame.Table, error) { return frame.JoinColumns(in, dest, cols, sep) }

	case "filter":
		preds, err := predicates(a)
		if err != nil {
			return cs, err
		}
		cs.run = func(e *env, in *frame.Table) (*frame.Table, error) {
			resolved := make([]frame.Predicate, len(preds))
			for i, p := range preds {
				if p.Value == TodayToken {
					p.Value = e.today
				}
				resolved[i] = p
			}
			return frame.Filter(in, resolved...)
		}

	case "distinct":
		cols, err := argStrings(a, "columns")
		if err != nil {
			return cs, err
		}
		cs.run = func(_ *env, in *frame.Table) (*frame.Table, error) { return frame.Distinct(in, cols...) }

	case "boolToInt":
		cols, err := columnArgs(a)
		if err != nil {
			return cs, err
		}
		cs.run = func(_ *env, in *frame.Table) (*frame.Table, error) { return frame.BoolToInt(in, cols...) }

	case "stringify":
		cols, err := columnArgs(a)
		if err != nil {
			return cs, err
		}
		cs.run = func(_ *env, in *frame.Table) (*frame.Table, error) { return frame.Stringify(in, cols...) }

	case "fill":
		cols, err := columnArgs(a)
		if err != nil {
			return cs, err
		}
		value := a["value"]
		fill := frame.Fill
		if argBool(a, "blank") {
			fill = frame.FillBlank
		}
		cs.run = func(_ *env, in *frame.Table) (*frame.Table, error) {
			var err error
			for _, c := range cols {
				if in, err = fill(in, c, value); err != nil {
					return nil, err
				}
			}
			return in, nil
		}

	case "copy":
		from, to := argString(a, "from"), argString(a, "to")
		if from == "" || to == "" {
			return cs, errors.New("copy needs from and to")
		}
		cs.run = func(_ *env, in *frame.Table) (*frame.Table, error) { return frame.Copy(in, from, to) }

	case "sort":
		cols, err := requireStrings(a, "columns")
		if err != nil {
			return cs, err
		}
		desc := argBool(a, "desc")
		cs.run = func(_ *env, in *frame.Table) (*frame.Table, error) { return frame.Sort(in, cols, desc) }

	default:
		return cs, errors.Errorf("unknown op %q", s.Op)
	}
	return cs, nil
}

func perColumn(cs compiledStep, a map[string]any, fn func(*frame.Table, string) (*frame.Table, error)) (compiledStep, error) {
	cols, err := columnArgs(a)
	if err != nil {
		return cs, err
	}
	cs.run = func(_ *env, in *frame.Table) (*frame.Table, error) {
		var err error
		for _, c := range cols {
			if in, err = fn(in, c); err != nil {
				return nil, err
			}
		}
		return in, nil
	}
	return cs, nil
}

// ── Operator arguments ─────────────────────────────────────

func normalizeRaw(data []byte, a map[string]any) (*frame.Table, error) {
	opts, err := normalizeOptions(a)
	if err != nil {
		return nil, err
	}
	return frame.Normalize(data, opts)
}

func normalizeOptions(a map[string]any) (frame.NormalizeOptions, error) {
	opts := frame.NormalizeOptions{
		MetaPrefix:   argString(a, "metaPrefix"),
		RecordPrefix: argString(a, "recordPrefix"),
	}
	rp, err := argStrings(a, "recordPath")
	if err != nil {
		return opts, err
	}
	if len(rp) == 1 {
		rp = strings.Split(rp[0], ".")
	}
	opts.RecordPath = rp

	meta, err := argStrings(a, "meta")
	if err != nil {
		return opts, err
	}
	for _, m := range meta {
		opts.Meta = append(opts.Meta, strings.Split(m, "."))
	}
	return opts, nil
}

func mergeOptions(a map[string]any) (frame.MergeOptions, error) {
	opts := frame.MergeOptions{How: frame.JoinKind(argString(a, "how"))}
	on, err := argStrings(a, "on")
	if err != nil {
		return opts, err
	}
	if opts.LeftOn, err = argStrings(a, "leftOn"); err != nil {
		return opts, err
	}
	if opts.RightOn, err = argStrings(a, "rightOn"); err != nil {
		return opts, err
	}
	if len(on) > 0 {
		opts.LeftOn, opts.RightOn = on, on
	}
	if len(opts.LeftOn) == 0 || len(opts.LeftOn) != len(opts.RightOn) {
		return opts, errors.New("merge needs on, or leftOn and rightOn of equal length")
	}

	raw, ok := a["suffixes"]
	if !ok {
		opts.SuffixLeft = frame.Suffix(frame.DefaultSuffixes[0])
		opts.SuffixRight = frame.Suffix(frame.DefaultSuffixes[1])
		return opts, nil
	}
	list, ok := raw.([]any)
	if !ok || len(list) != 2 {
		return opts, errors.New("merge suffixes must be a two-element list")
	}
	if list[0] != nil {
		opts.SuffixLeft = frame.Suffix(fmt.Sprint(list[0]))
	}
	if list[1] != nil {
		opts.SuffixRight = frame.Suffix(fmt.Sprint(list[1]))
	}
	return opts, nil
}

func predicates(a map[string]any) ([]frame.Predicate, error) {
	raw, ok := a["where"].([]any)
	if !ok || len(raw) == 0 {
		return nil, errors.New("filter needs a non-empty where list")
	}

	preds := make([]frame.Predicate, 0, len(raw))
	for _, r := range raw {
		m, ok := r.(map[string]any)
		if !ok {
			return nil, errors.New("filter condition must be a mapping")
		}
		values, err := argStrings(m, "values")
		if err != nil {
			return nil, err
		}
		p := frame.Predicate{
			Column: argString(m, "column"),
			Op:     frame.FilterOp(argString(m, "op")),
			Value:  argString(m, "value"),
			Values: values,
			Other:  argString(m, "other"),
		}
		if p.Column == "" || p.Op == "" {
			return nil, errors.New("filter condition needs column and op")
		}
		preds = append(preds, p)
	}
	return preds, nil
}

// columnArgs accepts either "column: x" or "columns: [x, y]".
func columnArgs(a map[string]any) ([]string, error) {
	if c := argString(a, "column"); c != "" {
		return []string{c}, nil
	}
	return requireStrings(a, "columns")
}

func argString(a map[string]any, key string) string {
	v, ok := a[key]
	if !ok || v == nil {
		return ""
	}
	return fmt.Sprint(v)
}

func argBool(a map[string]any, key string) bool {
	b, _ := a[key].(bool)
	return b
}

func argStrings(a map[string]any, key string) ([]string, error) {
	switch v := a[key].(type) {
	case nil:
		return nil, nil
	case string:
		return []string{v}, nil
	case []any:
		out := make([]string, len(v))
		for i, x := range v {
			if x == nil {
				return nil, errors.Errorf("%s[%d] is null", key, i)
			}
			out[i] = fmt.Sprint(x)
		}
		return out, nil
	default:
		return nil, errors.Errorf("%s must be a string or a list", key)
	}
}

func requireStrings(a map[string]any, key string) ([]string, error) {
	out, err := argStrings(a, key)
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, errors.Errorf("%s is required", key)
	}
	return out, nil
}

func argStringMap(a map[string]any, key string) (map[string]string, error) {
	m, ok := a[key].(map[string]any)
	if !ok || len(m) == 0 {
		return nil, errors.Errorf("%s must be a non-empty mapping", key)
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = fmt.Sprint(v)
	}
	return out, nil
}
