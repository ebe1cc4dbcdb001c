package domain

import "fmt"

// ChangeVersionWindow bounds an incremental extraction.
// (0,0) means the school year was never fetched.
type ChangeVersionWindow struct {
	Oldest uint64 `json:"OldestChangeVersion"`
	Newest uint64 `json:"NewestChangeVersion"`
}

// NeverFetched reports whether w is the (0,0) sentinel.
func (w ChangeVersionWindow) NeverFetched() bool {
	return w.Oldest == 0 && w.Newest == 0
}

// Validate checks oldest ≤ newest.
func (w ChangeVersionWindow) Validate() error {
	if w.Oldest > w.Newest {
		return fmt.Errorf("change version window inverted: oldest %d > newest %d", w.Oldest, w.Newest)
	}
	return nil
}

func (w ChangeVersionWindow) String() string {
	return fmt.Sprintf("(%d,%d)", w.Oldest, w.Newest)
}
