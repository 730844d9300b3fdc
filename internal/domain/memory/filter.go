package memory

import (
	"fmt"
	"time"
)

// MatchAll is the filter sentinel meaning "do not filter on this field".
// Only the retrieval and admin delete paths may supply it; ingest never does.
const MatchAll = "__all__"

// MaxFetchLimit caps every fetch before it reaches an adapter.
const MaxFetchLimit = 500

// Filter is the shared filter shape the document, vector and inverted
// adapters accept: equality on user/group, a closed interval on timestamp.
type Filter struct {
	UserID    string
	GroupID   string
	StartTime *time.Time
	EndTime   *time.Time
}

// FiltersUser reports whether the user_id equality filter is active.
func (f Filter) FiltersUser() bool {
	return f.UserID != "" && f.UserID != MatchAll
}

// FiltersGroup reports whether the group_id equality filter is active.
func (f Filter) FiltersGroup() bool {
	return f.GroupID != "" && f.GroupID != MatchAll
}

// Validate enforces the sentinel rules: at most one of user_id/group_id may
// be MatchAll, and when requireOne is set at least one of them must be a real
// value.
func (f Filter) Validate(requireOne bool) error {
	if f.UserID == MatchAll && f.GroupID == MatchAll {
		return fmt.Errorf("at most one of user_id and group_id may be %q", MatchAll)
	}
	if requireOne && !f.FiltersUser() && !f.FiltersGroup() {
		return fmt.Errorf("at least one of user_id and group_id must be a real value")
	}
	if f.StartTime != nil && f.EndTime != nil && f.EndTime.Before(*f.StartTime) {
		return fmt.Errorf("end_time precedes start_time")
	}
	return nil
}

// ClampLimit applies the hard fetch cap.
func ClampLimit(limit int) int {
	if limit <= 0 || limit > MaxFetchLimit {
		return MaxFetchLimit
	}
	return limit
}
