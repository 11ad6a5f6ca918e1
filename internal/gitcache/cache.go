// Package gitcache implements the Repository Cache: a content-addressed,
// bare local mirror of remote Git repositories shared by every engine that
// needs commit or tree data (import extraction, history mining, blame).
package gitcache

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	ckberrors "reposcope/internal/errors"
	"reposcope/internal/logging"

	"golang.org/x/crypto/ssh"
)

// DefaultCommandTimeout bounds any single git invocation.
const DefaultCommandTimeout = 2 * time.Minute

// Cache manages bare clones under a base directory, one per distinct
// repoUrl, keyed by the first 16 hex characters of SHA-256(repoUrl).
type Cache struct {
	baseDir string
	logger  *logging.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New creates a Repository Cache rooted at baseDir, creating it if absent.
func New(baseDir string, logger *logging.Logger) (*Cache, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create cache base dir: %w", err)
	}
	return &Cache{
		baseDir: baseDir,
		logger:  logger,
		locks:   make(map[string]*sync.Mutex),
	}, nil
}

// Handle is an opaque reference to a bare local clone of one repository.
// All reads go through tree-walks of a named ref; there is no working copy.
type Handle struct {
	dir     string
	repoUrl string
	logger  *logging.Logger
}

// CacheKey returns the directory name a repoUrl hashes to.
func CacheKey(repoUrl string) string {
	sum := sha256.Sum256([]byte(repoUrl))
	return hex.EncodeToString(sum[:])[:16]
}

func (c *Cache) lockFor(key string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.locks[key]
	if !ok {
		l = &sync.Mutex{}
		c.locks[key] = l
	}
	return l
}

// Credential carries either an HTTPS access token or an SSH private key,
// passed once per operation; nothing derived from it is ever persisted to
// disk beyond the lifetime of the single git invocation it authenticates.
type Credential struct {
	Username string
	Token    string

	// SSHPrivateKeyPEM authenticates git@/ssh:// clone URLs. It is parsed
	// up front to fail fast on a malformed key, then spooled to a
	// restrictive-permission temp file for the duration of one git
	// invocation and removed immediately after.
	SSHPrivateKeyPEM []byte
}

// sshCommandEnv validates cred's private key and spools it to a temp file,
// returning a GIT_SSH_COMMAND override pointing at it plus a cleanup func.
// Returns a nil env and a no-op cleanup when cred carries no SSH key.
func sshCommandEnv(cred *Credential) ([]string, func(), error) {
	noop := func() {}
	if cred == nil || len(cred.SSHPrivateKeyPEM) == 0 {
		return nil, noop, nil
	}

	if _, err := ssh.ParsePrivateKey(cred.SSHPrivateKeyPEM); err != nil {
		return nil, noop, ckberrors.NewCkbError(ckberrors.InvalidInput,
			"malformed SSH private key", err, nil, nil)
	}

	keyFile, err := os.CreateTemp("", "reposcope-sshkey-*")
	if err != nil {
		return nil, noop, fmt.Errorf("failed to spool SSH key: %w", err)
	}
	cleanup := func() { os.Remove(keyFile.Name()) }

	if _, err := keyFile.Write(cred.SSHPrivateKeyPEM); err != nil {
		keyFile.Close()
		cleanup()
		return nil, noop, fmt.Errorf("failed to write SSH key: %w", err)
	}
	keyFile.Close()
	if err := os.Chmod(keyFile.Name(), 0o600); err != nil {
		cleanup()
		return nil, noop, fmt.Errorf("failed to set SSH key permissions: %w", err)
	}

	sshCmd := fmt.Sprintf("ssh -i %s -o IdentitiesOnly=yes -o StrictHostKeyChecking=accept-new", keyFile.Name())
	return []string{"GIT_SSH_COMMAND=" + sshCmd}, cleanup, nil
}

// OpenOptions controls how a fresh clone is seeded.
type OpenOptions struct {
	Credential *Credential
	// FullHistory requests a complete clone (git_mine) rather than the
	// depth-1 shallow clone used for graph_build.
	FullHistory bool
}

// Open returns a Handle over the bare local clone for repoUrl. If a cache
// entry already exists it is reused and a best-effort fetch is attempted;
// otherwise a fresh clone is performed. Two concurrent Open calls for the
// same repoUrl serialize on a per-entry lock.
func (c *Cache) Open(ctx context.Context, repoUrl string, opts OpenOptions) (*Handle, error) {
	key := CacheKey(repoUrl)
	lock := c.lockFor(key)
	lock.Lock()
	defer lock.Unlock()

	dir := filepath.Join(c.baseDir, key)
	h := &Handle{dir: dir, repoUrl: repoUrl, logger: c.logger}

	entryExists, err := dirNonEmpty(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to stat cache entry: %w", err)
	}

	if entryExists {
		if err := h.fetch(ctx, opts.Credential); err != nil {
			c.logger.Warn("Fetch failed, continuing with existing cache", map[string]interface{}{
				"repoUrl": repoUrl,
				"error":   err.Error(),
			})
		}
		if opts.FullHistory {
			if err := h.upgradeToFullHistory(ctx, opts.Credential); err != nil {
				c.logger.Warn("Failed to upgrade shallow cache to full history", map[string]interface{}{
					"repoUrl": repoUrl,
					"error":   err.Error(),
				})
			}
		}
		return h, nil
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create cache entry dir: %w", err)
	}

	sshEnv, cleanup, err := sshCommandEnv(opts.Credential)
	if err != nil {
		_ = os.RemoveAll(dir)
		return nil, err
	}
	defer cleanup()

	args := []string{"clone", "--bare"}
	if !opts.FullHistory {
		args = append(args, "--depth", "1")
	}
	args = append(args, authenticatedURL(repoUrl, opts.Credential), dir)

	if _, err := runGit(ctx, "", DefaultCommandTimeout, sshEnv, args...); err != nil {
		_ = os.RemoveAll(dir)
		return nil, ckberrors.NewCkbError(ckberrors.RepoUnavailable,
			fmt.Sprintf("failed to clone %s", redactURL(repoUrl)), err, nil, nil)
	}

	c.logger.Info("Cloned repository into cache", map[string]interface{}{
		"repoUrl":     repoUrl,
		"fullHistory": opts.FullHistory,
	})

	return h, nil
}

// Exists reports whether a cache entry for repoUrl has already been
// populated by a prior Open call.
func (c *Cache) Exists(repoUrl string) bool {
	dir := filepath.Join(c.baseDir, CacheKey(repoUrl))
	ok, _ := dirNonEmpty(dir)
	return ok
}

// RepoURL returns the handle's remote URL.
func (h *Handle) RepoURL() string { return h.repoUrl }

// Dir returns the bare clone's on-disk directory.
func (h *Handle) Dir() string { return h.dir }

func (h *Handle) fetch(ctx context.Context, cred *Credential) error {
	sshEnv, cleanup, err := sshCommandEnv(cred)
	if err != nil {
		return err
	}
	defer cleanup()
	_, err = runGit(ctx, h.dir, DefaultCommandTimeout, sshEnv, "fetch", "--prune", "origin")
	return err
}

// upgradeToFullHistory converts a shallow (depth-1) cache entry into one
// carrying complete history, required before git_mine can walk commits
// older than the most recent.
func (h *Handle) upgradeToFullHistory(ctx context.Context, cred *Credential) error {
	shallowFile := filepath.Join(h.dir, "shallow")
	if _, err := os.Stat(shallowFile); os.IsNotExist(err) {
		return nil // already full history
	}
	sshEnv, cleanup, err := sshCommandEnv(cred)
	if err != nil {
		return err
	}
	defer cleanup()
	_, err = runGit(ctx, h.dir, DefaultCommandTimeout, sshEnv, "fetch", "--unshallow", "origin")
	return err
}

// HeadRef resolves the symbolic HEAD to its target ref name, e.g. "main".
func (h *Handle) HeadRef(ctx context.Context) (string, error) {
	out, err := runGit(ctx, h.dir, DefaultCommandTimeout, nil, "symbolic-ref", "--short", "HEAD")
	if err != nil {
		// Detached HEAD (common right after a shallow clone of a tag).
		return "HEAD", nil
	}
	return out, nil
}

// ListFiles enumerates all file paths tracked at ref via a tree-walk,
// forward-slash normalized and relative to the repo root.
func (h *Handle) ListFiles(ctx context.Context, ref string) ([]string, error) {
	out, err := runGit(ctx, h.dir, DefaultCommandTimeout, nil, "ls-tree", "-r", "--name-only", ref)
	if err != nil {
		return nil, fmt.Errorf("failed to list tree at %s: %w", ref, err)
	}
	if out == "" {
		return []string{}, nil
	}
	lines := strings.Split(out, "\n")
	files := make([]string, 0, len(lines))
	for _, l := range lines {
		if l = strings.TrimSpace(l); l != "" {
			files = append(files, filepath.ToSlash(l))
		}
	}
	return files, nil
}

// ReadFile returns the content of path at ref without materializing a
// working tree.
func (h *Handle) ReadFile(ctx context.Context, ref, path string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, "git", "show", fmt.Sprintf("%s:%s", ref, path))
	cmd.Dir = h.dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("failed to read %s at %s: %w: %s", path, ref, err, stderr.String())
	}
	return stdout.Bytes(), nil
}

// FileSize returns the blob size of path at ref in bytes, via cat-file -s,
// without reading its content — used to skip oversized files cheaply.
func (h *Handle) FileSize(ctx context.Context, ref, path string) (int64, error) {
	out, err := runGit(ctx, h.dir, DefaultCommandTimeout, nil, "cat-file", "-s", ref+":"+path)
	if err != nil {
		return 0, err
	}
	var size int64
	if _, err := fmt.Sscanf(out, "%d", &size); err != nil {
		return 0, fmt.Errorf("failed to parse blob size: %w", err)
	}
	return size, nil
}

func dirNonEmpty(dir string) (bool, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return len(entries) > 0, nil
}

// authenticatedURL injects a credential into an https remote URL for a
// single operation. Nothing derived from cred is ever written to disk.
func authenticatedURL(repoUrl string, cred *Credential) string {
	if cred == nil || cred.Token == "" || !strings.HasPrefix(repoUrl, "https://") {
		return repoUrl
	}
	rest := strings.TrimPrefix(repoUrl, "https://")
	user := cred.Username
	if user == "" {
		user = "oauth2"
	}
	return fmt.Sprintf("https://%s:%s@%s", user, cred.Token, rest)
}

func redactURL(repoUrl string) string {
	if i := strings.Index(repoUrl, "@"); i != -1 && strings.HasPrefix(repoUrl, "https://") {
		return "https://***@" + repoUrl[i+1:]
	}
	return repoUrl
}

func runGit(ctx context.Context, dir string, timeout time.Duration, extraEnv []string, args ...string) (string, error) {
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(cctx, "git", args...)
	if dir != "" {
		cmd.Dir = dir
	}
	if len(extraEnv) > 0 {
		cmd.Env = append(os.Environ(), extraEnv...)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if cctx.Err() == context.DeadlineExceeded {
			return "", fmt.Errorf("git %s timed out after %v", args[0], timeout)
		}
		return "", fmt.Errorf("git %s failed: %w: %s", args[0], err, strings.TrimSpace(stderr.String()))
	}
	return strings.TrimSpace(stdout.String()), nil
}
