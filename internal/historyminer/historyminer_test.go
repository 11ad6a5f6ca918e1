package historyminer

import (
	"testing"
)

func TestResolveRenamedPath_FullRename(t *testing.T) {
	got := resolveRenamedPath("old/path.go => new/path.go")
	if got != "new/path.go" {
		t.Errorf("resolveRenamedPath() = %q, want %q", got, "new/path.go")
	}
}

func TestResolveRenamedPath_PartialRename(t *testing.T) {
	got := resolveRenamedPath("src/{old => new}/file.go")
	if got != "src/new/file.go" {
		t.Errorf("resolveRenamedPath() = %q, want %q", got, "src/new/file.go")
	}
}

func TestResolveRenamedPath_NoRename(t *testing.T) {
	got := resolveRenamedPath("src/main.go")
	if got != "src/main.go" {
		t.Errorf("resolveRenamedPath() = %q, want %q", got, "src/main.go")
	}
}

func TestParseLogOutput_SkipsZeroChangeFiles(t *testing.T) {
	out := commitMarker + "abc123" + fieldSep + "dev@example.com" + fieldSep + "2026-08-01T10:00:00Z" + fieldSep + "fix bug\n" +
		"10\t3\tmain.go\n" +
		"0\t0\tempty.go\n" +
		"-\t-\tbinary.png\n"

	commits := parseLogOutput([]byte(out))
	if len(commits) != 1 {
		t.Fatalf("len(commits) = %d, want 1", len(commits))
	}
	c := commits[0]
	if c.hash != "abc123" || c.authorEmail != "dev@example.com" || c.subject != "fix bug" {
		t.Errorf("commit header = %+v", c)
	}
	if len(c.files) != 1 || c.files[0].FilePath != "main.go" || c.files[0].Added != 10 || c.files[0].Deleted != 3 {
		t.Fatalf("files = %+v, want single main.go 10/3 record", c.files)
	}
}

func TestParseLogOutput_MultipleCommits(t *testing.T) {
	out := commitMarker + "c1" + fieldSep + "a@example.com" + fieldSep + "2026-08-01T10:00:00Z" + fieldSep + "first\n" +
		"5\t1\ta.go\n" +
		commitMarker + "c2" + fieldSep + "b@example.com" + fieldSep + "2026-08-02T10:00:00Z" + fieldSep + "second\n" +
		"2\t0\tb.go\n"

	commits := parseLogOutput([]byte(out))
	if len(commits) != 2 {
		t.Fatalf("len(commits) = %d, want 2", len(commits))
	}
	if commits[0].hash != "c1" || commits[1].hash != "c2" {
		t.Fatalf("commits = %+v", commits)
	}
}
