package reconcile

import (
	"fmt"
	"time"

	"github.com/easzlab/ezwatch/pkg/rules"
)

// Kind classifies a detected difference.
type Kind string

const (
	KindNew      Kind = "new"
	KindModified Kind = "modified"
	KindDeleted  Kind = "deleted"
)

// ChangeRecord is one difference detected by a pass. Current is nil for
// Deleted records; Previous is set for Modified and Deleted records.
type ChangeRecord struct {
	Kind      Kind              `json:"kind"`
	Current   *rules.Descriptor `json:"current,omitempty"`
	Previous  *rules.Descriptor `json:"previous,omitempty"`
	Publisher string            `json:"publisher,omitempty"`
	// PreviouslySeen marks New records whose identifier was known before this
	// pass, from the cache or from the warm-start snapshot.
	PreviouslySeen bool `json:"previously_seen,omitempty"`
}

// ID returns the identifier of the rule the record refers to.
func (c ChangeRecord) ID() string {
	if c.Current != nil {
		return c.Current.ID
	}
	if c.Previous != nil {
		return c.Previous.ID
	}
	return ""
}

func (c ChangeRecord) String() string {
	switch c.Kind {
	case KindModified:
		return fmt.Sprintf("modified: %s (was: %s)", c.Current, c.Previous)
	case KindDeleted:
		return fmt.Sprintf("deleted: %s", c.Previous)
	default:
		return fmt.Sprintf("%s: %s", c.Kind, c.Current)
	}
}

// Result is the outcome of one reconciliation pass.
type Result struct {
	PassID    string         `json:"pass_id"`
	Changes   []ChangeRecord `json:"changes"`
	Processed int            `json:"processed"`
	Total     int            `json:"total"`
	Skipped   int            `json:"skipped"`
	// Canceled reports a pass aborted by its context. A canceled pass has no
	// changes and left the cache untouched.
	Canceled bool          `json:"canceled"`
	Duration time.Duration `json:"duration"`
}

// Count returns the number of changes of kind.
func (r *Result) Count(kind Kind) int {
	n := 0
	for _, c := range r.Changes {
		if c.Kind == kind {
			n++
		}
	}
	return n
}
