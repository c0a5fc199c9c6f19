package model

import "fmt"

// Mode selects how the overall job is partitioned into work units.
type Mode string

const (
	ModeSPK    Mode = "spk"
	ModeCommit Mode = "commit"
)

// CommitRef identifies one commit to ingest in commit mode, with the project and
// repository context needed to address it.
type CommitRef struct {
	CommitID    string
	ProjectKey  string
	RepoSlug    string
	AuthorEmail string
}

// WorkUnit is the checkpointed granularity of progress: one project key, or one
// batch of commit ids. Units are not modified after planning.
type WorkUnit struct {
	Mode    Mode
	Key     string
	Commits []CommitRef
}

// NewProjectUnit returns the SPK-mode unit for projectKey.
func NewProjectUnit(projectKey string) WorkUnit {
	return WorkUnit{Mode: ModeSPK, Key: projectKey}
}

// NewCommitBatch returns a commit-mode unit. The slice is copied.
func NewCommitBatch(index int, commits []CommitRef) WorkUnit {
	cp := make([]CommitRef, len(commits))
	copy(cp, commits)
	return WorkUnit{Mode: ModeCommit, Key: fmt.Sprintf("batch-%04d", index), Commits: cp}
}

// CheckpointIDs returns the identifiers recorded once the unit is durably written.
func (u WorkUnit) CheckpointIDs() []string {
	if u.Mode == ModeCommit {
		ids := make([]string, 0, len(u.Commits))
		for _, c := range u.Commits {
			ids = append(ids, c.CommitID)
		}
		return ids
	}
	return []string{u.Key}
}

// Repository addresses one repository of a project.
type Repository struct {
	ProjectKey string
	Slug       string
}

func (r Repository) String() string {
	return r.ProjectKey + "/" + r.Slug
}
