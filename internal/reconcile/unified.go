package reconcile

import (
	"bufio"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var hunkHeader = regexp.MustCompile(`^@@ -(\d+)(?:,(\d+))? \+(\d+)(?:,(\d+))? @@`)

// ParseUnified converts the hunks of a single-file unified patch into the
// hunk model used by Reconcile. File headers (diff --git, ---, +++) are
// skipped; a "Binary files ... differ" line marks the diff binary.
func ParseUnified(path, patch string) (FileDiff, error) {
	d := FileDiff{Source: path, Destination: path}

	var (
		hunk     *Hunk
		src, dst int
	)
	flush := func() {
		if hunk != nil {
			d.Hunks = append(d.Hunks, *hunk)
			hunk = nil
		}
	}
	push := func(t SegmentType, l Line) {
		n := len(hunk.Segments)
		if n == 0 || hunk.Segments[n-1].Type != t {
			hunk.Segments = append(hunk.Segments, Segment{Type: t})
			n++
		}
		hunk.Segments[n-1].Lines = append(hunk.Segments[n-1].Lines, l)
	}

	sc := bufio.NewScanner(strings.NewReader(patch))
	sc.Buffer(make([]byte, 0, 64*1024), 16<<20)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		text := sc.Text()

		if strings.HasPrefix(text, "@@") {
			m := hunkHeader.FindStringSubmatch(text)
			if m == nil {
				return FileDiff{}, fmt.Errorf("%w: line %d: bad hunk header %q", ErrMalformed, lineNo, text)
			}
			flush()
			hunk = &Hunk{
				SourceLine:      atoi(m[1], 0),
				SourceSpan:      atoi(m[2], 1),
				DestinationLine: atoi(m[3], 0),
				DestinationSpan: atoi(m[4], 1),
			}
			src, dst = hunk.SourceLine, hunk.DestinationLine
			continue
		}

		if hunk == nil {
			if strings.HasPrefix(text, "Binary files ") || strings.HasPrefix(text, "GIT binary patch") {
				d.Binary = true
			}
			continue
		}

		switch {
		case strings.HasPrefix(text, "\\"):
			// "\ No newline at end of file"
		case strings.HasPrefix(text, "-"):
			push(Removed, Line{Source: src, Text: text[1:]})
			src++
		case strings.HasPrefix(text, "+"):
			push(Added, Line{Destination: dst, Text: text[1:]})
			dst++
		default:
			body := text
			if body != "" {
				body = body[1:]
			}
			push(Context, Line{Source: src, Destination: dst, Text: body})
			src++
			dst++
		}
	}
	if err := sc.Err(); err != nil {
		return FileDiff{}, fmt.Errorf("%w: scan patch: %v", ErrMalformed, err)
	}
	flush()
	return d, nil
}

func atoi(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}
