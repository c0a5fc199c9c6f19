package model

import (
	"strconv"
	"strings"
	"time"
)

// Row status values for CommitRecord.Status.
const (
	StatusOK         = "ok"
	StatusMerge      = "merge"
	StatusBinary     = "binary"
	StatusTruncated  = "truncated"
	StatusEmptyDiff  = "empty-diff"
	StatusDiffFailed = "diff-failed"
)

// CommitRecord is one normalized output row. Depending on the run granularity it
// describes a single changed file or a whole commit.
type CommitRecord struct {
	ProjectKey     string
	RepoSlug       string
	AuthorName     string
	AuthorEmail    string
	CommitterName  string
	CommitterEmail string
	CommitID       string
	CommitMonth    string
	Branch         string
	IsMerge        bool
	FileName       string
	LinesAdded     int
	LinesRemoved   int
	LinesModified  int
	DiffURL        string
	Status         string
}

// CommitRecordHeader is the CSV header shared by every chunk artifact.
var CommitRecordHeader = []string{
	"project_key", "repo_slug", "author_name", "author_email",
	"committer_name", "committer_email", "commit_id", "commit_month",
	"branch", "is_merge", "file_name", "lines_added", "lines_removed",
	"lines_modified", "diff_url", "status",
}

// Row returns the record as CSV fields in CommitRecordHeader order.
func (r CommitRecord) Row() []string {
	return []string{
		r.ProjectKey,
		r.RepoSlug,
		r.AuthorName,
		r.AuthorEmail,
		r.CommitterName,
		r.CommitterEmail,
		r.CommitID,
		r.CommitMonth,
		r.Branch,
		strconv.FormatBool(r.IsMerge),
		r.FileName,
		strconv.Itoa(r.LinesAdded),
		strconv.Itoa(r.LinesRemoved),
		strconv.Itoa(r.LinesModified),
		r.DiffURL,
		r.Status,
	}
}

// Category classifies a FailureRecord by the stage that produced it.
type Category string

const (
	CategoryAPI        Category = "api-failure"
	CategoryDiffParse  Category = "diff-parse-failure"
	CategoryProcessing Category = "processing-failure"
)

// Severity ranks a FailureRecord for triage.
type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// FailureRecord describes something that went wrong below the work unit level.
// Failures are collected and never stop the pipeline.
type FailureRecord struct {
	Target    string
	SubjectID string
	Reason    string
	Category  Category
	Severity  Severity
	Time      time.Time
}

var FailureRecordHeader = []string{"target", "subject_id", "reason", "category", "severity", "time"}

func (f FailureRecord) Row() []string {
	ts := ""
	if !f.Time.IsZero() {
		ts = f.Time.UTC().Format(time.RFC3339)
	}
	return []string{f.Target, f.SubjectID, f.Reason, string(f.Category), string(f.Severity), ts}
}

// NormalizeEmail lower-cases and trims an email address for comparison and output.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// CommitMonth formats t as YYYY-MM in UTC. A zero time yields an empty string.
func CommitMonth(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format("2006-01")
}
