package blame

import "testing"

func TestParsePorcelain_SingleLine(t *testing.T) {
	out := "abcdef0123456789abcdef0123456789abcdef01 1 1 1\n" +
		"author Jane Doe\n" +
		"author-mail <jane@example.com>\n" +
		"author-time 1700000000\n" +
		"author-tz +0000\n" +
		"summary initial commit\n" +
		"filename main.go\n" +
		"\tpackage main\n"

	lines := parsePorcelain([]byte(out))
	if len(lines) != 1 {
		t.Fatalf("len(lines) = %d, want 1", len(lines))
	}
	l := lines[0]
	if l.LineNo != 1 {
		t.Errorf("LineNo = %d, want 1", l.LineNo)
	}
	if l.CommitHash != "abcdef0123456789abcdef0123456789abcdef01" {
		t.Errorf("CommitHash = %q", l.CommitHash)
	}
	if l.AuthorEmail != "jane@example.com" {
		t.Errorf("AuthorEmail = %q, want jane@example.com", l.AuthorEmail)
	}
	if l.Content != "package main" {
		t.Errorf("Content = %q", l.Content)
	}
}

func TestParsePorcelain_MultipleLinesSameCommit(t *testing.T) {
	out := "abcdef0123456789abcdef0123456789abcdef01 1 1 2\n" +
		"author Jane Doe\n" +
		"author-mail <jane@example.com>\n" +
		"author-time 1700000000\n" +
		"summary initial commit\n" +
		"filename main.go\n" +
		"\tpackage main\n" +
		"abcdef0123456789abcdef0123456789abcdef01 2 2\n" +
		"\tfunc main() {}\n"

	lines := parsePorcelain([]byte(out))
	if len(lines) != 2 {
		t.Fatalf("len(lines) = %d, want 2", len(lines))
	}
	if lines[1].LineNo != 2 || lines[1].Content != "func main() {}" {
		t.Errorf("lines[1] = %+v", lines[1])
	}
	if lines[1].AuthorEmail != "jane@example.com" {
		t.Errorf("lines[1].AuthorEmail = %q, want carried-over jane@example.com", lines[1].AuthorEmail)
	}
}
