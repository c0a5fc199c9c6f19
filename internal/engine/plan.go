package engine

import (
	"fmt"
	"strings"

	"commitharvest/internal/model"
)

// Checkpoint is the durable set of completed unit identifiers.
type Checkpoint interface {
	Contains(id string) bool
	Record(ids ...string) error
}

// Plan is the list of units a run will process, after checkpoint filtering.
type Plan struct {
	Mode  model.Mode
	Units []model.WorkUnit

	// Skipped counts project keys or commit ids already checkpointed.
	Skipped int
}

// Total returns the number of planned units.
func (p *Plan) Total() int {
	if p == nil {
		return 0
	}
	return len(p.Units)
}

// PlanProjects builds one unit per distinct project key not yet checkpointed.
func PlanProjects(keys []string, ckpt Checkpoint) (*Plan, error) {
	if ckpt == nil {
		return nil, fmt.Errorf("checkpoint is nil")
	}
	plan := &Plan{Mode: model.ModeSPK}
	seen := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		k = strings.TrimSpace(k)
		if k == "" {
			continue
		}
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		if ckpt.Contains(k) {
			plan.Skipped++
			continue
		}
		plan.Units = append(plan.Units, model.NewProjectUnit(k))
	}
	return plan, nil
}

// PlanCommits drops checkpointed and duplicate commit ids, then splits the
// remainder into batches of chunkSize.
func PlanCommits(refs []model.CommitRef, ckpt Checkpoint, chunkSize int) (*Plan, error) {
	if ckpt == nil {
		return nil, fmt.Errorf("checkpoint is nil")
	}
	if chunkSize <= 0 {
		return nil, fmt.Errorf("chunk size must be >= 1, got %d", chunkSize)
	}

	plan := &Plan{Mode: model.ModeCommit}
	pending := make([]model.CommitRef, 0, len(refs))
	seen := make(map[string]struct{}, len(refs))
	for _, r := range refs {
		r.CommitID = strings.TrimSpace(r.CommitID)
		if r.CommitID == "" {
			continue
		}
		if _, dup := seen[r.CommitID]; dup {
			continue
		}
		seen[r.CommitID] = struct{}{}
		if ckpt.Contains(r.CommitID) {
			plan.Skipped++
			continue
		}
		pending = append(pending, r)
	}

	for i := 0; i < len(pending); i += chunkSize {
		end := min(i+chunkSize, len(pending))
		plan.Units = append(plan.Units, model.NewCommitBatch(len(plan.Units), pending[i:end]))
	}
	return plan, nil
}
