package gate

import (
	"fmt"
	"strconv"
	"strings"
)

// diffContext is the number of unchanged lines shown around each change.
const diffContext = 3

// maxDiffCells caps the LCS table size. Beyond it the diff degrades to
// a whole-file replacement view instead of allocating a huge table.
const maxDiffCells = 4 << 20

// Diff returns a unified diff from old to new content, labeled a/path
// and b/path. Empty string when the contents are equal.
func Diff(oldText, newText, path string) string {
	if oldText == newText {
		return ""
	}

	oldLines := splitLines(oldText)
	newLines := splitLines(newText)

	var edits []edit
	if len(oldLines)*len(newLines) > maxDiffCells {
		for _, l := range oldLines {
			edits = append(edits, edit{'-', l})
		}
		for _, l := range newLines {
			edits = append(edits, edit{'+', l})
		}
	} else {
		edits = diffEdits(oldLines, newLines)
	}

	var hunks strings.Builder
	writeHunks(&hunks, edits)
	if hunks.Len() == 0 {
		// Differs only in the trailing newline; nothing worth showing.
		return ""
	}

	var b strings.Builder
	fmt.Fprintf(&b, "--- a/%s\n+++ b/%s\n", path, path)
	b.WriteString(hunks.String())
	return b.String()
}

type edit struct {
	kind byte // ' ' unchanged, '-' removed, '+' added
	text string
}

// splitLines splits content into lines without terminators. A trailing
// newline does not produce a phantom empty line.
func splitLines(s string) []string {
	if s == "" {
		return nil
	}
	lines := strings.Split(s, "\n")
	if lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}

// diffEdits computes an edit script via a longest-common-subsequence
// table over whole lines.
func diffEdits(a, b []string) []edit {
	n, m := len(a), len(b)
	// lcs[i][j] = LCS length of a[i:] and b[j:]
	lcs := make([][]int, n+1)
	for i := range lcs {
		lcs[i] = make([]int, m+1)
	}
	for i := n - 1; i >= 0; i-- {
		for j := m - 1; j >= 0; j-- {
			if a[i] == b[j] {
				lcs[i][j] = lcs[i+1][j+1] + 1
			} else if lcs[i+1][j] >= lcs[i][j+1] {
				lcs[i][j] = lcs[i+1][j]
			} else {
				lcs[i][j] = lcs[i][j+1]
			}
		}
	}

	edits := make([]edit, 0, n+m)
	i, j := 0, 0
	for i < n && j < m {
		switch {
		case a[i] == b[j]:
			edits = append(edits, edit{' ', a[i]})
			i++
			j++
		case lcs[i+1][j] >= lcs[i][j+1]:
			edits = append(edits, edit{'-', a[i]})
			i++
		default:
			edits = append(edits, edit{'+', b[j]})
			j++
		}
	}
	for ; i < n; i++ {
		edits = append(edits, edit{'-', a[i]})
	}
	for ; j < m; j++ {
		edits = append(edits, edit{'+', b[j]})
	}
	return edits
}

// writeHunks groups the edit script into unified hunks with
// diffContext lines of surrounding context. Changes separated by more
// than 2*diffContext unchanged lines start a new hunk.
func writeHunks(b *strings.Builder, edits []edit) {
	n := len(edits)
	oldLine, newLine := 1, 1
	i := 0
	for i < n {
		if edits[i].kind == ' ' {
			oldLine++
			newLine++
			i++
			continue
		}

		start := i - diffContext
		if start < 0 {
			start = 0
		}
		hunkOld := oldLine - (i - start)
		hunkNew := newLine - (i - start)

		// Extend the hunk across change runs separated by short
		// stretches of context.
		j := i
		lastChange := i
		for j < n {
			if edits[j].kind != ' ' {
				lastChange = j
				j++
				continue
			}
			run := 0
			k := j
			for k < n && edits[k].kind == ' ' {
				run++
				k++
			}
			if k == n || run > 2*diffContext {
				break
			}
			j = k
		}
		end := lastChange + diffContext + 1
		if end > n {
			end = n
		}

		oldCount, newCount := 0, 0
		for k := start; k < end; k++ {
			switch edits[k].kind {
			case ' ':
				oldCount++
				newCount++
			case '-':
				oldCount++
			case '+':
				newCount++
			}
		}

		fmt.Fprintf(b, "@@ -%s +%s @@\n", formatRange(hunkOld, oldCount), formatRange(hunkNew, newCount))
		for k := start; k < end; k++ {
			b.WriteByte(edits[k].kind)
			b.WriteString(edits[k].text)
			b.WriteByte('\n')
		}

		for k := i; k < end; k++ {
			switch edits[k].kind {
			case ' ':
				oldLine++
				newLine++
			case '-':
				oldLine++
			case '+':
				newLine++
			}
		}
		i = end
	}
}

// formatRange renders one side of a hunk header: "start,count" with the
// customary shorthand "start" for single-line ranges and a decremented
// start for empty ones.
func formatRange(start, count int) string {
	if count == 1 {
		return strconv.Itoa(start)
	}
	if count == 0 {
		start--
	}
	return fmt.Sprintf("%d,%d", start, count)
}
