package workspace

import (
	"github.com/sergi/go-diff/diffmatchpatch"
)

// MergeResult is the outcome of a three-way merge.
type MergeResult struct {
	Content   string
	Conflicts int
}

// Clean reports whether every hunk applied.
func (r MergeResult) Clean() bool {
	return r.Conflicts == 0
}

// Merge3 folds our edits (base -> ours) into their version of the file.
// Each hunk that cannot be placed counts as one conflict; conflicted
// hunks are dropped from the result rather than applied blindly.
func Merge3(base, ours, theirs string) MergeResult {
	dmp := diffmatchpatch.New()
	patches := dmp.PatchMake(base, ours)
	merged, applied := dmp.PatchApply(patches, theirs)

	conflicts := 0
	for _, ok := range applied {
		if !ok {
			conflicts++
		}
	}
	return MergeResult{Content: merged, Conflicts: conflicts}
}

// MergePreferOurs merges and falls back to our version outright when
// any hunk conflicts. Used for automated background merges where local
// edits win but compatible remote changes are still folded in.
func MergePreferOurs(base, ours, theirs string) string {
	result := Merge3(base, ours, theirs)
	if result.Clean() {
		return result.Content
	}
	return ours
}

// WriteMerged writes content to path, expecting the file to still hold
// expectedBase. If another agent changed the file in the meantime, the
// two edits are merged three-way (ours preferred on conflict) before
// writing. Reports whether the write was merged rather than direct.
func (w *Workspace) WriteMerged(path, expectedBase, content string) (bool, error) {
	current := w.ReadOrEmpty(path)
	if current == expectedBase || current == "" {
		_, err := w.WriteDedup(path, content)
		return false, err
	}
	merged := MergePreferOurs(expectedBase, content, current)
	_, err := w.WriteDedup(path, merged)
	return true, err
}
