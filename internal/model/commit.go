package model

import "time"

// Identity is a person attached to a commit.
type Identity struct {
	Name  string
	Email string
}

// Commit is the provider-neutral view of a commit listing entry or detail.
type Commit struct {
	ID         string
	Author     Identity
	Committer  Identity
	AuthorTime time.Time
	ParentIDs  []string
	MergeFlag  bool
	URL        string
}

// IsMerge reports whether c has more than one parent or is explicitly flagged.
func (c Commit) IsMerge() bool {
	return c.MergeFlag || len(c.ParentIDs) > 1
}

// Window is an inclusive calendar date range. Either bound may be zero, meaning
// unbounded on that side.
type Window struct {
	Start time.Time
	End   time.Time
}

// Contains reports whether t falls within the window. The end date is inclusive:
// any instant before the following midnight (UTC) is accepted.
func (w Window) Contains(t time.Time) bool {
	if !w.Start.IsZero() && t.Before(w.Start) {
		return false
	}
	if !w.End.IsZero() && !t.Before(w.End.AddDate(0, 0, 1)) {
		return false
	}
	return true
}

// Before reports whether t is strictly older than the window start.
func (w Window) Before(t time.Time) bool {
	return !w.Start.IsZero() && t.Before(w.Start)
}

// IsZero reports whether neither bound is set.
func (w Window) IsZero() bool {
	return w.Start.IsZero() && w.End.IsZero()
}
