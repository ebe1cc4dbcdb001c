// Package staging lays out extracted JSON snapshots on the silver filesystem:
//
//	<root>/[<year>/]<dir>/<dir>_<newest>.json
//	<root>/[<year>/]<dir>/<dir>_deletes_<newest>.json
package staging

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"amt/internal/domain"
)

// ErrNotStaged is returned when an endpoint directory holds no primary snapshot.
var ErrNotStaged = errors.New("no staged snapshot")

// Store reads and writes snapshots below a root directory.
type Store struct {
	root string
}

// New returns a Store rooted at root.
func New(root string) *Store {
	return &Store{root: root}
}

// Root returns the staging root.
func (s *Store) Root() string { return s.root }

// Dir returns the directory of an endpoint for a school year ("" in single-year mode).
func (s *Store) Dir(year string, ep domain.Endpoint) string {
	return filepath.Join(s.root, year, ep.StagingDir)
}

// FileName returns the snapshot name for a feed at change version newest.
func FileName(ep domain.Endpoint, kind domain.FeedKind, newest uint64) string {
	if kind == domain.FeedDeletes {
		return ep.StagingDir + "_deletes_" + strconv.FormatUint(newest, 10) + ".json"
	}
	return ep.StagingDir + "_" + strconv.FormatUint(newest, 10) + ".json"
}

// Path returns the full path of a snapshot.
func (s *Store) Path(year string, ep domain.Endpoint, kind domain.FeedKind, newest uint64) string {
	return filepath.Join(s.Dir(year, ep), FileName(ep, kind, newest))
}

// WriteEndpoint stores the primary and deletes feeds of ep at change version
// newest as indented JSON arrays and returns the primary path. Both feeds are
// written to temp files in the target directory before either is renamed, and
// the deletes file is renamed first, so on failure the previous primary
// snapshot of the same name is still the one on disk.
func (s *Store) WriteEndpoint(year string, ep domain.Endpoint, newest uint64, primary, deletes []json.RawMessage) (string, error) {
	fail := func(err error) (string, error) {
		return "", domain.NewError(domain.KindStageWrite, ep.LogicalName, err)
	}
	primaryData, err := encode(ep, primary)
	if err != nil {
		return "", err
	}
	deletesData, err := encode(ep, deletes)
	if err != nil {
		return "", err
	}

	primaryPath := s.Path(year, ep, domain.FeedPrimary, newest)
	deletesPath := s.Path(year, ep, domain.FeedDeletes, newest)
	primaryTmp, err := writeTemp(primaryPath, primaryData)
	if err != nil {
		return fail(err)
	}
	deletesTmp, err := writeTemp(deletesPath, deletesData)
	if err != nil {
		_ = os.Remove(primaryTmp)
		return fail(err)
	}

	_, statErr := os.Stat(deletesPath)
	deletesExisted := statErr == nil
	if err := os.Rename(deletesTmp, deletesPath); err != nil {
		_ = os.Remove(deletesTmp)
		_ = os.Remove(primaryTmp)
		return fail(errors.Wrapf(err, "rename into %s", deletesPath))
	}
	if err := os.Rename(primaryTmp, primaryPath); err != nil {
		_ = os.Remove(primaryTmp)
		if !deletesExisted {
			_ = s.Remove(deletesPath)
		}
		return fail(errors.Wrapf(err, "rename into %s", primaryPath))
	}
	return primaryPath, nil
}

func encode(ep domain.Endpoint, records []json.RawMessage) ([]byte, error) {
	if records == nil {
		records = []json.RawMessage{}
	}
	data, err := json.MarshalIndent(records, "", "    ")
	if err != nil {
		return nil, domain.NewError(domain.KindStageWrite, ep.LogicalName, errors.Wrap(err, "encode snapshot"))
	}
	return data, nil
}

// Remove deletes a snapshot. Missing files are not an error.
func (s *Store) Remove(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "remove %s", path)
	}
	return nil
}

// Latest returns the path of the primary snapshot with the greatest change
// version. Files belonging to another endpoint make the directory ambiguous.
func (s *Store) Latest(year string, ep domain.Endpoint) (string, error) {
	dir := s.Dir(year, ep)
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return "", errors.Wrapf(ErrNotStaged, "%s", dir)
	}
	if err != nil {
		return "", errors.Wrapf(err, "read %s", dir)
	}

	prefix := ep.StagingDir + "_"
	var (
		best  string
		bestV uint64
		found bool
	)
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		if !strings.HasPrefix(name, prefix) {
			return "", errors.Errorf("ambiguous staging directory %s: foreign snapshot %s", dir, name)
		}
		suffix := strings.TrimSuffix(strings.TrimPrefix(name, prefix), ".json")
		if strings.HasPrefix(suffix, "deletes_") {
			continue
		}
		v, err := strconv.ParseUint(suffix, 10, 64)
		if err != nil {
			return "", errors.Errorf("ambiguous staging directory %s: unexpected snapshot %s", dir, name)
		}
		if !found || v > bestV {
			best, bestV, found = name, v, true
		}
	}
	if !found {
		return "", errors.Wrapf(ErrNotStaged, "%s", dir)
	}
	return filepath.Join(dir, best), nil
}

// ReadLatest returns the bytes of the latest primary snapshot.
func (s *Store) ReadLatest(year string, ep domain.Endpoint) ([]byte, string, error) {
	path, err := s.Latest(year, ep)
	if err != nil {
		return nil, "", err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, path, errors.Wrapf(err, "read %s", path)
	}
	return data, path, nil
}

// IsNotStaged reports whether err means no snapshot exists.
func IsNotStaged(err error) bool {
	return errors.Is(err, ErrNotStaged)
}

// WriteFileAtomic writes data to path through a temp file and rename,
// creating parent directories as needed.
func WriteFileAtomic(path string, data []byte) error {
	tmpName, err := writeTemp(path, data)
	if err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return errors.Wrapf(err, "rename into %s", path)
	}
	return nil
}

// writeTemp writes data to a synced temp file next to path and returns its name.
func writeTemp(path string, data []byte) (string, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", errors.Wrapf(err, "create %s", dir)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return "", errors.Wrap(err, "create temp file")
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		cleanup()
		return "", errors.Wrapf(err, "write %s", tmpName)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		cleanup()
		return "", errors.Wrapf(err, "sync %s", tmpName)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return "", errors.Wrapf(err, "close %s", tmpName)
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		cleanup()
		return "", errors.Wrapf(err, "chmod %s", tmpName)
	}
	return tmpName, nil
}
