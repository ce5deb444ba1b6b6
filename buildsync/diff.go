package buildsync

import (
	"github.com/ericselin/vworker/manifest"
	"github.com/pmezard/go-difflib/difflib"
)

// Diff renders the ledger change of a build as a unified diff, one
// "path hash" line per file.
func Diff(prev, next manifest.Ledger) (string, error) {
	return difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        ledgerLines(prev),
		B:        ledgerLines(next),
		FromFile: "previous",
		ToFile:   "next",
		Context:  1,
	})
}

func ledgerLines(l manifest.Ledger) []string {
	lines := make([]string, 0, len(l))
	for _, path := range l.Paths() {
		lines = append(lines, path+" "+l[path]+"\n")
	}
	return lines
}
