package gate

import (
	"strconv"
	"strings"
	"testing"
)

func TestDiffEqualContent(t *testing.T) {
	if got := Diff("same\n", "same\n", "f.txt"); got != "" {
		t.Errorf("Diff of equal content = %q, want empty", got)
	}
}

func TestDiffTrailingNewlineOnly(t *testing.T) {
	if got := Diff("line", "line\n", "f.txt"); got != "" {
		t.Errorf("Diff of trailing-newline change = %q, want empty", got)
	}
}

func TestDiffNewFile(t *testing.T) {
	want := "--- a/new.txt\n" +
		"+++ b/new.txt\n" +
		"@@ -0,0 +1,2 @@\n" +
		"+hello\n" +
		"+world\n"
	if got := Diff("", "hello\nworld\n", "new.txt"); got != want {
		t.Errorf("Diff =\n%s\nwant:\n%s", got, want)
	}
}

func TestDiffSingleLineChange(t *testing.T) {
	before := "a\nb\nc\nd\ne\n"
	after := "a\nb\nX\nd\ne\n"
	want := "--- a/f.txt\n" +
		"+++ b/f.txt\n" +
		"@@ -1,5 +1,5 @@\n" +
		" a\n" +
		" b\n" +
		"-c\n" +
		"+X\n" +
		" d\n" +
		" e\n"
	if got := Diff(before, after, "f.txt"); got != want {
		t.Errorf("Diff =\n%s\nwant:\n%s", got, want)
	}
}

func TestDiffDeletion(t *testing.T) {
	want := "--- a/f.txt\n" +
		"+++ b/f.txt\n" +
		"@@ -1,3 +1,2 @@\n" +
		" a\n" +
		"-b\n" +
		" c\n"
	if got := Diff("a\nb\nc\n", "a\nc\n", "f.txt"); got != want {
		t.Errorf("Diff =\n%s\nwant:\n%s", got, want)
	}
}

func TestDiffTwoHunks(t *testing.T) {
	var oldLines, newLines []string
	for i := 1; i <= 20; i++ {
		l := line(i)
		oldLines = append(oldLines, l)
		if i == 2 || i == 18 {
			newLines = append(newLines, "changed"+l)
		} else {
			newLines = append(newLines, l)
		}
	}
	got := Diff(strings.Join(oldLines, "\n")+"\n", strings.Join(newLines, "\n")+"\n", "f.txt")

	if n := strings.Count(got, "@@ -"); n != 2 {
		t.Fatalf("hunk count = %d, want 2:\n%s", n, got)
	}
	if !strings.Contains(got, "@@ -1,5 +1,5 @@") {
		t.Errorf("first hunk header missing:\n%s", got)
	}
	if !strings.Contains(got, "@@ -15,6 +15,6 @@") {
		t.Errorf("second hunk header missing:\n%s", got)
	}
	if !strings.Contains(got, "-l2\n+changedl2\n") {
		t.Errorf("first change missing:\n%s", got)
	}
	if !strings.Contains(got, "-l18\n+changedl18\n") {
		t.Errorf("second change missing:\n%s", got)
	}
}

func TestDiffWholeFileReplaced(t *testing.T) {
	got := Diff("old content\n", "completely new\n", "f.txt")
	want := "--- a/f.txt\n" +
		"+++ b/f.txt\n" +
		"@@ -1 +1 @@\n" +
		"-old content\n" +
		"+completely new\n"
	if got != want {
		t.Errorf("Diff =\n%s\nwant:\n%s", got, want)
	}
}

func line(i int) string {
	return "l" + strconv.Itoa(i)
}
