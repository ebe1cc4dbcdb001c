package service

import (
	"context"
	"sort"
	"sync"
)

// ExportedRunningGuard is an exported alias so _test packages can test the guard.
type ExportedRunningGuard = runningJobsGuard

// ─────────────────────────────────────────────────────────────
// runningJobsGuard: one run per (job, school year)
// ─────────────────────────────────────────────────────────────

type jobKey struct {
	job  string
	year string
}

func (k jobKey) String() string {
	if k.year == "" {
		return k.job + "/all"
	}
	return k.job + "/" + k.year
}

// runningJobsGuard refuses a second run of a job for a school year while the
// first is in flight. Different years of the same job may overlap.
type runningJobsGuard struct {
	mu      sync.Mutex
	running map[jobKey]struct{}
	wg      sync.WaitGroup
}

// TryLock marks (job, year) as running. It reports false when it already is.
func (g *runningJobsGuard) TryLock(job, year string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.running == nil {
		g.running = make(map[jobKey]struct{})
	}
	k := jobKey{job, year}
	if _, ok := g.running[k]; ok {
		return false
	}
	g.running[k] = struct{}{}
	g.wg.Add(1)
	return true
}

// Unlock releases (job, year). Must follow a successful TryLock.
func (g *runningJobsGuard) Unlock(job, year string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.running, jobKey{job, year})
	g.wg.Done()
}

// Running lists the runs in flight as "job/year", sorted.
func (g *runningJobsGuard) Running() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]string, 0, len(g.running))
	for k := range g.running {
		out = append(out, k.String())
	}
	sort.Strings(out)
	return out
}

// WaitAll blocks until every run in flight completes or ctx is cancelled.
func (g *runningJobsGuard) WaitAll(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
}
