package extract

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"amt/internal/config"
	"amt/internal/domain"
	"amt/internal/edfi"
	"amt/internal/ledger"
	"amt/internal/staging"
)

// ── Fake Ed-Fi API ─────────────────────────────────────────

type fakeEdFi struct {
	mu        sync.Mutex
	oldest    uint64
	newest    uint64
	records   int
	failPath  string // path answering 500
	failAt    int    // offset at which failPath fails
	authFails bool
	queries   map[string][]string
}

func newFakeEdFi(oldest, newest uint64) *fakeEdFi {
	return &fakeEdFi{oldest: oldest, newest: newest, records: 5, failAt: -1, queries: map[string][]string{}}
}

func (f *fakeEdFi) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.URL.Path == "/oauth/token":
		if f.authFails {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		fmt.Fprint(w, `{"access_token":"tok"}`)
	case r.URL.Path == "/changeQueries/v1/availableChangeVersions":
		f.mu.Lock()
		defer f.mu.Unlock()
		fmt.Fprintf(w, `{"OldestChangeVersion":%d,"NewestChangeVersion":%d}`, f.oldest, f.newest)
	case strings.HasPrefix(r.URL.Path, "/data/v3/"):
		path := strings.TrimPrefix(r.URL.Path, "/data/v3/")
		offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

		f.mu.Lock()
		f.queries[path] = append(f.queries[path], r.URL.RawQuery)
		fail := path == f.failPath && offset == f.failAt
		f.mu.Unlock()

		if fail {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		page := []map[string]any{}
		for i := offset; i < offset+limit && i < f.records; i++ {
			page = append(page, map[string]any{"id": fmt.Sprintf("%s-%d", path, i)})
		}
		_ = json.NewEncoder(w).Encode(page)
	default:
		http.NotFound(w, r)
	}
}

func (f *fakeEdFi) setNewest(oldest, newest uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.oldest, f.newest = oldest, newest
	f.queries = map[string][]string{}
}

func (f *fakeEdFi) queriesFor(path string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.queries[path]...)
}

// ── Fixture ────────────────────────────────────────────────

type fixture struct {
	api     *fakeEdFi
	store   *staging.Store
	ledger  *ledger.Ledger
	eps     []domain.Endpoint
	ledgerP string
}

func endpoints(n int) []domain.Endpoint {
	eps := make([]domain.Endpoint, n)
	for i := range eps {
		name := fmt.Sprintf("ep%d", i+1)
		eps[i] = domain.Endpoint{LogicalName: name, PathSegment: "ed-fi/" + name, StagingDir: name}
	}
	return eps
}

func newFixture(t *testing.T, api *fakeEdFi) (*fixture, func(opts Options) *Driver) {
	t.Helper()
	srv := httptest.NewServer(api)
	t.Cleanup(srv.Close)

	dir := t.TempDir()
	fx := &fixture{
		api:    api,
		store:  staging.New(filepath.Join(dir, "silver")),
		ledger: ledger.New(filepath.Join(dir, "cv"), "", nil),
		eps:    endpoints(10),
	}
	fx.ledgerP = fx.ledger.Path("")

	client := edfi.New(edfi.Options{
		BaseURL:                 srv.URL,
		Prefix:                  "data/v3",
		TokenURL:                srv.URL + "/oauth/token",
		User:                    "u",
		Password:                "p",
		Limit:                   2,
		AvailableChangeVersions: "changeQueries/v1/availableChangeVersions",
		CertVerification:        true,
	})
	build := func(opts Options) *Driver {
		if opts.Endpoints == nil {
			opts.Endpoints = fx.eps
		}
		if opts.Workers == 0 {
			opts.Workers = 3
		}
		return NewDriver(client, fx.store, fx.ledger, opts)
	}
	return fx, build
}

func (fx *fixture) ledgerContent(t *testing.T) string {
	t.Helper()
	b, err := os.ReadFile(fx.ledgerP)
	require.NoError(t, err)
	return string(b)
}

func (fx *fixture) stagedFiles(t *testing.T, ep domain.Endpoint) []string {
	t.Helper()
	entries, err := os.ReadDir(fx.store.Dir("", ep))
	if os.IsNotExist(err) {
		return nil
	}
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

// ── Scenarios ──────────────────────────────────────────────

func TestColdStart(t *testing.T) {
	fx, build := newFixture(t, newFakeEdFi(100, 500))

	res, err := build(Options{}).Run(context.Background(), domain.SingleYearScope())
	require.NoError(t, err)
	require.Len(t, res.Years, 1)
	assert.Equal(t, 10, res.Staged())
	assert.Empty(t, res.Failures)
	assert.True(t, res.Years[0].LedgerAdvanced)

	for _, ep := range fx.eps {
		assert.ElementsMatch(t, []string{ep.StagingDir + "_500.json", ep.StagingDir + "_deletes_500.json"}, fx.stagedFiles(t, ep))
		for _, q := range fx.api.queriesFor(ep.PathSegment) {
			assert.Contains(t, q, "minChangeVersion=100&maxChangeVersion=500")
		}
		assert.NotEmpty(t, fx.api.queriesFor(ep.DeletesPath()))
	}
	assert.Equal(t, "100\n500", fx.ledgerContent(t))

	data, _, err := fx.store.ReadLatest("", fx.eps[0])
	require.NoError(t, err)
	var recs []map[string]any
	require.NoError(t, json.Unmarshal(data, &recs))
	assert.Len(t, recs, 5)
	assert.Equal(t, "ed-fi/ep1-0", recs[0]["id"])
	assert.Equal(t, "ed-fi/ep1-4", recs[4]["id"])
}

func TestNoOpRun(t *testing.T) {
	api := newFakeEdFi(100, 500)
	fx, build := newFixture(t, api)
	_, err := build(Options{}).Run(context.Background(), domain.SingleYearScope())
	require.NoError(t, err)

	api.setNewest(100, 500)
	before, err := os.Stat(fx.ledgerP)
	require.NoError(t, err)

	res, err := build(Options{}).Run(context.Background(), domain.SingleYearScope())
	require.NoError(t, err)
	assert.True(t, res.NoWork())
	assert.Zero(t, res.Staged())
	for _, ep := range fx.eps {
		assert.Empty(t, api.queriesFor(ep.PathSegment))
		assert.Len(t, fx.stagedFiles(t, ep), 2)
	}
	after, err := os.Stat(fx.ledgerP)
	require.NoError(t, err)
	assert.Equal(t, before.ModTime(), after.ModTime())
	assert.Equal(t, "100\n500", fx.ledgerContent(t))
}

func TestIncrementalRun(t *testing.T) {
	api := newFakeEdFi(100, 500)
	fx, build := newFixture(t, api)
	_, err := build(Options{}).Run(context.Background(), domain.SingleYearScope())
	require.NoError(t, err)

	api.setNewest(100, 750)
	res, err := build(Options{}).Run(context.Background(), domain.SingleYearScope())
	require.NoError(t, err)
	assert.Equal(t, domain.ChangeVersionWindow{Oldest: 500, Newest: 750}, res.Years[0].Window)

	ep := fx.eps[0]
	assert.Contains(t, api.queriesFor(ep.PathSegment)[0], "minChangeVersion=500&maxChangeVersion=750")
	assert.Contains(t, fx.stagedFiles(t, ep), "ep1_750.json")
	assert.Contains(t, fx.stagedFiles(t, ep), "ep1_deletes_750.json")
	latest, err := fx.store.Latest("", ep)
	require.NoError(t, err)
	assert.Equal(t, "ep1_750.json", filepath.Base(latest))
	assert.Equal(t, "500\n750", fx.ledgerContent(t))
}

func TestPartialFailure(t *testing.T) {
	api := newFakeEdFi(100, 500)
	api.failPath = "ed-fi/ep4"
	api.failAt = 4 // third page with limit 2
	fx, build := newFixture(t, api)

	res, err := build(Options{}).Run(context.Background(), domain.SingleYearScope())
	require.NoError(t, err)

	assert.Equal(t, 9, res.Staged())
	assert.Equal(t, []string{"ep4"}, res.Years[0].Failed)
	require.Len(t, res.Failures, 1)
	assert.Equal(t, domain.KindFetch, res.Failures[0].Kind)
	assert.Equal(t, "ep4", res.Failures[0].Subject)

	for i, ep := range fx.eps {
		if i == 3 {
			assert.Empty(t, fx.stagedFiles(t, ep))
			continue
		}
		assert.Len(t, fx.stagedFiles(t, ep), 2, ep.LogicalName)
	}
	assert.Equal(t, "100\n500", fx.ledgerContent(t))
}

func TestOnSuccessPolicyHoldsLedger(t *testing.T) {
	api := newFakeEdFi(100, 500)
	api.failPath = "ed-fi/ep2/deletes"
	api.failAt = 0
	fx, build := newFixture(t, api)

	res, err := build(Options{Policy: config.AdvanceOnSuccess}).Run(context.Background(), domain.SingleYearScope())
	require.NoError(t, err)
	assert.False(t, res.Years[0].LedgerAdvanced)
	assert.NoFileExists(t, fx.ledgerP)
	assert.Empty(t, fx.stagedFiles(t, fx.eps[1]))

	api.failPath = ""
	res, err = build(Options{Policy: config.AdvanceOnSuccess}).Run(context.Background(), domain.SingleYearScope())
	require.NoError(t, err)
	assert.True(t, res.Years[0].LedgerAdvanced)
	assert.Equal(t, "100\n500", fx.ledgerContent(t))
}

func TestDisabledChangeVersion(t *testing.T) {
	api := newFakeEdFi(100, 500)
	fx, build := newFixture(t, api)

	res, err := build(Options{DisableChangeVersion: true}).Run(context.Background(), domain.SingleYearScope())
	require.NoError(t, err)
	assert.Equal(t, 10, res.Staged())
	assert.NoFileExists(t, fx.ledgerP)
	for _, q := range api.queriesFor(fx.eps[0].PathSegment) {
		assert.NotContains(t, q, "ChangeVersion")
	}
	assert.Contains(t, fx.stagedFiles(t, fx.eps[0]), "ep1_500.json")
}

func TestFailedRestageKeepsPriorSnapshot(t *testing.T) {
	api := newFakeEdFi(100, 500)
	fx, build := newFixture(t, api)
	drv := build(Options{DisableChangeVersion: true})

	_, err := drv.Run(context.Background(), domain.SingleYearScope())
	require.NoError(t, err)
	ep := fx.eps[0]
	assert.ElementsMatch(t, []string{"ep1_500.json", "ep1_deletes_500.json"}, fx.stagedFiles(t, ep))
	before, _, err := fx.store.ReadLatest("", ep)
	require.NoError(t, err)

	// The API newest is unchanged, so the second run stages under the same
	// suffix. Its deletes file cannot be written.
	deletesPath := fx.store.Path("", ep, domain.FeedDeletes, 500)
	require.NoError(t, os.Remove(deletesPath))
	require.NoError(t, os.MkdirAll(filepath.Join(deletesPath, "blocker"), 0o755))
	api.mu.Lock()
	api.records = 3
	api.mu.Unlock()

	res, err := drv.Run(context.Background(), domain.SingleYearScope())
	require.NoError(t, err)
	assert.Equal(t, []string{"ep1"}, res.Years[0].Failed)
	require.Len(t, res.Failures, 1)
	assert.Equal(t, domain.KindStageWrite, res.Failures[0].Kind)

	after, _, err := fx.store.ReadLatest("", ep)
	require.NoError(t, err, "prior primary snapshot must survive")
	assert.JSONEq(t, string(before), string(after))
}

func TestAuthErrorAbortsRun(t *testing.T) {
	api := newFakeEdFi(100, 500)
	api.authFails = true
	fx, build := newFixture(t, api)

	res, err := build(Options{}).Run(context.Background(), domain.SingleYearScope())
	require.Error(t, err)
	assert.Equal(t, domain.KindAuth, domain.KindOf(err))
	require.Len(t, res.Failures, 1)
	assert.Equal(t, domain.KindAuth, res.Failures[0].Kind)
	assert.NoFileExists(t, fx.ledgerP)
	assert.Empty(t, fx.stagedFiles(t, fx.eps[0]))
}

func TestRollbackIsNoWork(t *testing.T) {
	api := newFakeEdFi(100, 500)
	fx, build := newFixture(t, api)
	_, err := build(Options{}).Run(context.Background(), domain.SingleYearScope())
	require.NoError(t, err)

	api.setNewest(100, 400)
	res, err := build(Options{}).Run(context.Background(), domain.SingleYearScope())
	require.NoError(t, err)
	assert.True(t, res.Years[0].Rollback)
	assert.True(t, res.NoWork())
	assert.Equal(t, "100\n500", fx.ledgerContent(t))
}
