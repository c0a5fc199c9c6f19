// Package reconcile turns line-level file diffs into added, removed and
// modified line counts.
package reconcile

import "errors"

// ErrMalformed marks a diff payload that could not be decoded.
var ErrMalformed = errors.New("malformed diff")

// SegmentType classifies a run of lines inside a hunk.
type SegmentType string

const (
	Added   SegmentType = "ADDED"
	Removed SegmentType = "REMOVED"
	Context SegmentType = "CONTEXT"
)

// Line is one diff line. Source and Destination are 1-based line numbers in
// the old and new file; a side the line does not exist on is zero.
type Line struct {
	Source      int
	Destination int
	Text        string
	Truncated   bool
}

type Segment struct {
	Type      SegmentType
	Lines     []Line
	Truncated bool
}

type Hunk struct {
	SourceLine      int
	SourceSpan      int
	DestinationLine int
	DestinationSpan int
	Segments        []Segment
	Truncated       bool
}

// FileDiff is the diff of a single file between a commit and its parent.
type FileDiff struct {
	Source      string
	Destination string
	Binary      bool
	Truncated   bool
	Hunks       []Hunk
}

// Path returns the file's current name, falling back to the old name for
// deletions.
func (d FileDiff) Path() string {
	if d.Destination != "" {
		return d.Destination
	}
	return d.Source
}

// Incomplete reports whether any level of the diff was flagged binary or
// truncated by the server.
func (d FileDiff) Incomplete() bool {
	if d.Binary || d.Truncated {
		return true
	}
	for _, h := range d.Hunks {
		if h.Truncated {
			return true
		}
		for _, s := range h.Segments {
			if s.Truncated {
				return true
			}
			for _, l := range s.Lines {
				if l.Truncated {
					return true
				}
			}
		}
	}
	return false
}

// Counts are the reconciled line totals for one file. All fields are
// non-negative.
type Counts struct {
	Added    int
	Removed  int
	Modified int
}

func (c Counts) Add(o Counts) Counts {
	return Counts{
		Added:    c.Added + o.Added,
		Removed:  c.Removed + o.Removed,
		Modified: c.Modified + o.Modified,
	}
}

func (c Counts) IsZero() bool {
	return c == Counts{}
}

// FileStat is a per-file count that arrives already reconciled, as from
// `git show --numstat`.
type FileStat struct {
	Path   string
	Counts Counts
	Binary bool
}

// CommitDiff is everything a diff source returns for one commit. Sources
// fill Files (line-level hunks) or Stats (precomputed counts).
type CommitDiff struct {
	URL   string
	Files []FileDiff
	Stats []FileStat
}

// Empty reports whether the diff carries no files at all.
func (c CommitDiff) Empty() bool {
	return len(c.Files) == 0 && len(c.Stats) == 0
}
