package localgit

import (
	"bufio"
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"commitharvest/internal/reconcile"
)

// ParseNumstat parses `git show --numstat --format=` output: one
// "added<TAB>removed<TAB>path" line per file, with "-" counts for binary
// files. Numstat reports replaced lines as one removal plus one addition, so
// the modified count is always zero.
func ParseNumstat(out []byte) ([]reconcile.FileStat, error) {
	var stats []reconcile.FileStat
	sc := bufio.NewScanner(bytes.NewReader(out))
	sc.Buffer(make([]byte, 0, 64*1024), 4<<20)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimRight(sc.Text(), "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}

		parts := strings.SplitN(line, "\t", 3)
		if len(parts) != 3 || parts[2] == "" {
			return nil, fmt.Errorf("%w: numstat line %d: %q", reconcile.ErrMalformed, lineNo, line)
		}

		if parts[0] == "-" && parts[1] == "-" {
			stats = append(stats, reconcile.FileStat{Path: parts[2], Binary: true})
			continue
		}
		added, err := strconv.Atoi(parts[0])
		if err != nil || added < 0 {
			return nil, fmt.Errorf("%w: numstat line %d: bad added count %q", reconcile.ErrMalformed, lineNo, parts[0])
		}
		removed, err := strconv.Atoi(parts[1])
		if err != nil || removed < 0 {
			return nil, fmt.Errorf("%w: numstat line %d: bad removed count %q", reconcile.ErrMalformed, lineNo, parts[1])
		}
		stats = append(stats, reconcile.FileStat{
			Path:   parts[2],
			Counts: reconcile.Counts{Added: added, Removed: removed},
		})
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("%w: scan numstat: %v", reconcile.ErrMalformed, err)
	}
	return stats, nil
}
