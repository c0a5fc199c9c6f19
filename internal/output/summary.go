package output

import (
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/jedib0t/go-pretty/v6/table"

	"commitharvest/internal/model"
)

// RunSummary is the end-of-run account of an ingest.
type RunSummary struct {
	RunID   string
	Mode    model.Mode
	Started time.Time
	Elapsed time.Duration

	// Skipped units were already checkpointed by a previous run.
	Planned   int
	Skipped   int
	Completed int
	Failed    int

	// Interrupted units were canceled mid-run and not checkpointed.
	Interrupted int

	Rows         int
	Chunks       []string
	FailuresPath string

	Failures map[model.Category]int
}

// TotalFailures sums failures over all categories.
func (s RunSummary) TotalFailures() int {
	n := 0
	for _, c := range s.Failures {
		n += c
	}
	return n
}

// ExitCode is 2 when any chunk could not be written, 0 otherwise.
func (s RunSummary) ExitCode() int {
	if s.Failed > 0 {
		return 2
	}
	return 0
}

// RenderSummary writes a human-readable table of s to w.
func RenderSummary(w io.Writer, s RunSummary, useColor bool) error {
	paint := func(attr color.Attribute, v string) string {
		if !useColor {
			return v
		}
		c := color.New(attr)
		c.EnableColor()
		return c.Sprint(v)
	}

	status := paint(color.FgGreen, "completed")
	switch {
	case s.Failed > 0:
		status = paint(color.FgRed, "chunk writes failed")
	case s.Interrupted > 0:
		status = paint(color.FgYellow, "interrupted")
	case s.TotalFailures() > 0:
		status = paint(color.FgYellow, "completed with failures")
	}

	tbl := table.NewWriter()
	tbl.SetOutputMirror(w)
	tbl.SetStyle(table.StyleLight)
	tbl.Style().Options.SeparateRows = false
	tbl.SetTitle("commitharvest run " + s.RunID)

	tbl.AppendRow(table.Row{"mode", string(s.Mode)})
	tbl.AppendRow(table.Row{"status", status})
	tbl.AppendRow(table.Row{"elapsed", s.Elapsed.Truncate(time.Millisecond).String()})
	tbl.AppendSeparator()
	tbl.AppendRow(table.Row{"units planned", humanize.Comma(int64(s.Planned))})
	tbl.AppendRow(table.Row{"units skipped (checkpoint)", humanize.Comma(int64(s.Skipped))})
	tbl.AppendRow(table.Row{"units completed", humanize.Comma(int64(s.Completed))})
	tbl.AppendRow(table.Row{"units failed", failedCell(s.Failed, paint)})
	if s.Interrupted > 0 {
		tbl.AppendRow(table.Row{"units interrupted", humanize.Comma(int64(s.Interrupted))})
	}
	tbl.AppendSeparator()
	tbl.AppendRow(table.Row{"rows written", humanize.Comma(int64(s.Rows))})
	tbl.AppendRow(table.Row{"chunks written", humanize.Comma(int64(len(s.Chunks)))})

	if total := s.TotalFailures(); total > 0 {
		tbl.AppendSeparator()
		cats := make([]string, 0, len(s.Failures))
		for c := range s.Failures {
			cats = append(cats, string(c))
		}
		sort.Strings(cats)
		for _, c := range cats {
			tbl.AppendRow(table.Row{"failures: " + c, humanize.Comma(int64(s.Failures[model.Category(c)]))})
		}
		if s.FailuresPath != "" {
			tbl.AppendRow(table.Row{"failures file", s.FailuresPath})
		}
	}

	tbl.Render()
	_, err := fmt.Fprintln(w)
	return err
}

func failedCell(n int, paint func(color.Attribute, string) string) string {
	v := humanize.Comma(int64(n))
	if n > 0 {
		return paint(color.FgRed, v)
	}
	return v
}
