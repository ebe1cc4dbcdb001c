// Package ledger keeps the per-school-year change-version high-water mark.
// Each year has a two-line text file: previous newest, then current newest.
package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"amt/internal/domain"
	"amt/internal/staging"
)

// VersionSource reports the change versions currently available upstream.
type VersionSource interface {
	AvailableChangeVersions(ctx context.Context, token, year string) (domain.ChangeVersionWindow, error)
}

// Decision is the outcome of comparing the ledger with the API.
type Decision struct {
	Stored   domain.ChangeVersionWindow // ledger content before the check
	API      domain.ChangeVersionWindow // what the API reported
	Window   domain.ChangeVersionWindow // range to extract; also the next ledger content
	NoWork   bool
	Rollback bool // API newest went backwards; treated as no work
}

// Ledger stores one file per school year below dir.
type Ledger struct {
	dir      string
	filename string
	logger   *slog.Logger
}

// New returns a Ledger. filename defaults to changeVersion.txt.
func New(dir, filename string, logger *slog.Logger) *Ledger {
	if filename == "" {
		filename = "changeVersion.txt"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{dir: dir, filename: filename, logger: logger}
}

// Path returns the ledger file of year.
func (l *Ledger) Path(year string) string {
	return filepath.Join(l.dir, year, l.filename)
}

// Read returns the stored window. A missing file is (0,0). Unreadable or
// malformed files are LedgerErrors; callers treat them as never fetched.
func (l *Ledger) Read(year string) (domain.ChangeVersionWindow, error) {
	data, err := os.ReadFile(l.Path(year))
	if os.IsNotExist(err) {
		return domain.ChangeVersionWindow{}, nil
	}
	if err != nil {
		return domain.ChangeVersionWindow{}, domain.NewError(domain.KindLedger, year, errors.Wrap(err, "read ledger"))
	}
	w, err := parse(string(data))
	if err != nil {
		return domain.ChangeVersionWindow{}, domain.NewError(domain.KindLedger, year, err)
	}
	return w, nil
}

func parse(s string) (domain.ChangeVersionWindow, error) {
	lines := strings.Fields(s)
	if len(lines) != 2 {
		return domain.ChangeVersionWindow{}, errors.Errorf("ledger must hold two lines, got %d", len(lines))
	}
	prev, err := strconv.ParseUint(lines[0], 10, 64)
	if err != nil {
		return domain.ChangeVersionWindow{}, errors.Wrap(err, "previous version")
	}
	curr, err := strconv.ParseUint(lines[1], 10, 64)
	if err != nil {
		return domain.ChangeVersionWindow{}, errors.Wrap(err, "current version")
	}
	return domain.ChangeVersionWindow{Oldest: prev, Newest: curr}, nil
}

// Decide compares the stored window with the API range.
func Decide(stored, api domain.ChangeVersionWindow) Decision {
	d := Decision{Stored: stored, API: api}
	switch {
	case stored.Newest == 0:
		d.Window = api
	case stored.Newest == api.Newest:
		d.NoWork = true
	case api.Newest < stored.Newest:
		d.NoWork = true
		d.Rollback = true
	default:
		d.Window = domain.ChangeVersionWindow{Oldest: stored.Newest, Newest: api.Newest}
	}
	return d
}

// Check reads the ledger, asks src for the available range and decides.
// Nothing is written.
func (l *Ledger) Check(ctx context.Context, src VersionSource, token, year string) (Decision, error) {
	stored, err := l.Read(year)
	if err != nil {
		l.logger.Warn("ledger unreadable, treating as never fetched", "schoolYear", year, "error", err)
		stored = domain.ChangeVersionWindow{}
	}

	api, err := src.AvailableChangeVersions(ctx, token, year)
	if err != nil {
		return Decision{}, err
	}

	d := Decide(stored, api)
	if d.Rollback {
		l.logger.Warn("api change version is behind the ledger, skipping year",
			"schoolYear", year, "ledgerNewest", stored.Newest, "apiNewest", api.Newest)
	}
	return d, nil
}

// Commit writes w as the new ledger content of year.
func (l *Ledger) Commit(year string, w domain.ChangeVersionWindow) error {
	if err := w.Validate(); err != nil {
		return domain.NewError(domain.KindLedger, year, err)
	}
	body := fmt.Sprintf("%d\n%d", w.Oldest, w.Newest)
	if err := staging.WriteFileAtomic(l.Path(year), []byte(body)); err != nil {
		return domain.NewError(domain.KindLedger, year, err)
	}
	return nil
}

// CheckAndAdvance decides and, when there is work, commits the new window
// immediately. Commit failures are logged, not returned.
func (l *Ledger) CheckAndAdvance(ctx context.Context, src VersionSource, token, year string) (Decision, error) {
	d, err := l.Check(ctx, src, token, year)
	if err != nil || d.NoWork {
		return d, err
	}
	if err := l.Commit(year, d.Window); err != nil {
		l.logger.Error("ledger commit failed", "schoolYear", year, "error", err)
	}
	return d, nil
}
