// Package blame implements the Blame Provider: on-demand per-line
// attribution over a repository's cached clone.
package blame

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	ckberrors "reposcope/internal/errors"
	"reposcope/internal/gitcache"
)

// Line is one attributed source line.
type Line struct {
	LineNo      int
	CommitHash  string
	AuthorEmail string
	CommittedAt string // author time in Unix epoch seconds, as reported by git
	Content     string
}

// Provider computes blame over repositories already present in the cache.
type Provider struct {
	cache *gitcache.Cache
}

// NewProvider wires the Blame Provider to the shared Repository Cache.
func NewProvider(cache *gitcache.Cache) *Provider {
	return &Provider{cache: cache}
}

// Blame returns per-line attribution for filePath at the current head
// revision. A missing file returns an empty sequence; a repository never
// mined via git_mine returns a typed "repository not cached" error.
func (p *Provider) Blame(ctx context.Context, repoURL, filePath string) ([]Line, error) {
	if !p.cache.Exists(repoURL) {
		return nil, ckberrors.NewCkbError(ckberrors.NotFound,
			fmt.Sprintf("repository %s has not been cached; run git_mine first", repoURL), nil, nil, nil)
	}

	handle, err := p.cache.Open(ctx, repoURL, gitcache.OpenOptions{FullHistory: true})
	if err != nil {
		return nil, fmt.Errorf("failed to open cached repository: %w", err)
	}

	ref, err := handle.HeadRef(ctx)
	if err != nil {
		ref = "HEAD"
	}

	cmd := exec.CommandContext(ctx, "git", "blame", "--line-porcelain", ref, "--", filePath)
	cmd.Dir = handle.Dir()
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if strings.Contains(stderr.String(), "no such path") || strings.Contains(stderr.String(), "does not exist") {
			return []Line{}, nil
		}
		return nil, fmt.Errorf("git blame failed: %w: %s", err, strings.TrimSpace(stderr.String()))
	}

	return parsePorcelain(stdout.Bytes()), nil
}

// parsePorcelain walks `git blame --line-porcelain` output, which emits a
// commit header block (hash, author, author-time, etc.) followed by a
// "\t<content>" line for every attributed source line.
func parsePorcelain(out []byte) []Line {
	var lines []Line

	var commitHash, authorEmail, authorTime string
	lineNo := 0

	scanner := bufio.NewScanner(bytes.NewReader(out))
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Text()

		switch {
		case strings.HasPrefix(line, "\t"):
			lines = append(lines, Line{
				LineNo:      lineNo,
				CommitHash:  commitHash,
				AuthorEmail: authorEmail,
				CommittedAt: authorTime,
				Content:     strings.TrimPrefix(line, "\t"),
			})
		case strings.HasPrefix(line, "author-mail "):
			authorEmail = strings.Trim(strings.TrimPrefix(line, "author-mail "), "<>")
		case strings.HasPrefix(line, "author-time "):
			if epoch, err := strconv.ParseInt(strings.TrimPrefix(line, "author-time "), 10, 64); err == nil {
				authorTime = strconv.FormatInt(epoch, 10)
			}
		default:
			fields := strings.Fields(line)
			if len(fields) >= 3 && len(fields[0]) == 40 {
				// Header line: "<hash> <origLine> <finalLine> [<numLines>]"
				commitHash = fields[0]
				if n, err := strconv.Atoi(fields[2]); err == nil {
					lineNo = n
				}
			}
		}
	}

	return lines
}
