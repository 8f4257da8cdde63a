package vcs

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/sergi/go-diff/diffmatchpatch"
)

const diffContext = 3

func renderDiff(commit *object.Commit, wt *git.Worktree, status git.Status) (string, error) {
	paths := make([]string, 0, len(status))
	for path, st := range status {
		if st.Worktree == git.Untracked {
			continue
		}
		if st.Worktree == git.Unmodified && st.Staging == git.Unmodified {
			continue
		}
		paths = append(paths, path)
	}
	sort.Strings(paths)

	var b strings.Builder
	for _, path := range paths {
		before, beforeBinary, err := headContents(commit, path)
		if err != nil {
			return "", err
		}
		after, err := worktreeContents(wt, path)
		if err != nil {
			return "", err
		}

		fmt.Fprintf(&b, "diff a/%s b/%s\n", path, path)
		if beforeBinary || strings.ContainsRune(after, 0) {
			b.WriteString("Binary files differ\n")
			continue
		}
		fmt.Fprintf(&b, "--- a/%s\n+++ b/%s\n", path, path)
		writeLineDiff(&b, before, after)
	}
	return b.String(), nil
}

func headContents(commit *object.Commit, path string) (string, bool, error) {
	f, err := commit.File(path)
	if err == object.ErrFileNotFound {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to read %s at HEAD: %w", path, err)
	}
	if bin, _ := f.IsBinary(); bin {
		return "", true, nil
	}
	contents, err := f.Contents()
	if err != nil {
		return "", false, fmt.Errorf("failed to read %s at HEAD: %w", path, err)
	}
	return contents, false, nil
}

func worktreeContents(wt *git.Worktree, path string) (string, error) {
	f, err := wt.Filesystem.Open(path)
	if err != nil {
		// deleted in the worktree
		return "", nil
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %w", path, err)
	}
	return string(data), nil
}

type diffLine struct {
	op   diffmatchpatch.Operation
	text string
}

// writeLineDiff writes a line-level diff, keeping diffContext unchanged
// lines around each change.
func writeLineDiff(b *strings.Builder, before, after string) {
	dmp := diffmatchpatch.New()
	a, c, lines := dmp.DiffLinesToChars(before, after)
	diffs := dmp.DiffCharsToLines(dmp.DiffMain(a, c, false), lines)

	all := []diffLine{}
	for _, d := range diffs {
		for _, line := range splitKeep(d.Text) {
			all = append(all, diffLine{op: d.Type, text: line})
		}
	}

	keep := make([]bool, len(all))
	for i, l := range all {
		if l.op == diffmatchpatch.DiffEqual {
			continue
		}
		for j := i - diffContext; j <= i+diffContext; j++ {
			if j >= 0 && j < len(all) {
				keep[j] = true
			}
		}
	}

	skipping := false
	for i, l := range all {
		if !keep[i] {
			if !skipping {
				b.WriteString("@@\n")
				skipping = true
			}
			continue
		}
		skipping = false
		switch l.op {
		case diffmatchpatch.DiffInsert:
			b.WriteString("+")
		case diffmatchpatch.DiffDelete:
			b.WriteString("-")
		default:
			b.WriteString(" ")
		}
		b.WriteString(l.text)
		b.WriteString("\n")
	}
}

func splitKeep(text string) []string {
	text = strings.TrimSuffix(text, "\n")
	if text == "" {
		return []string{""}
	}
	return strings.Split(text, "\n")
}
