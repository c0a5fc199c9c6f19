package reconcile

// Reconcile counts the lines of d.
//
// Removed lines are keyed by their source line number and added lines by
// their destination line number. A removed and an added line sharing a key
// are one edit: with differing text they count as a single modified line,
// with identical text they cancel out. Everything else stays a pure addition
// or removal. Binary and truncated diffs count as zero.
func Reconcile(d FileDiff) Counts {
	if d.Incomplete() {
		return Counts{}
	}

	removed := make(map[int]string)
	added := make(map[int]string)
	for _, h := range d.Hunks {
		for _, s := range h.Segments {
			switch s.Type {
			case Removed:
				for _, l := range s.Lines {
					removed[l.Source] = l.Text
				}
			case Added:
				for _, l := range s.Lines {
					added[l.Destination] = l.Text
				}
			}
		}
	}

	c := Counts{Added: len(added), Removed: len(removed)}
	for key, before := range removed {
		after, ok := added[key]
		if !ok {
			continue
		}
		c.Added--
		c.Removed--
		if after != before {
			c.Modified++
		}
	}
	return c
}

// ReconcileAll sums Reconcile over every file.
func ReconcileAll(diffs []FileDiff) Counts {
	var total Counts
	for _, d := range diffs {
		total = total.Add(Reconcile(d))
	}
	return total
}
