// Package depgraph implements the Import Dependency Extractor: a
// regex-based, compiler-free scan that builds a file-to-file edge set from
// textual import statements.
package depgraph

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"path"
	"regexp"
	"sort"
	"strings"
	"unicode/utf8"

	"reposcope/internal/gitcache"
	"reposcope/internal/logging"
	"reposcope/internal/models"
	"reposcope/internal/storage"

	"github.com/pelletier/go-toml/v2"
)

// defaultExtensions is the default file-extension allowlist per the
// import scan contract; callers may override via Config.Extensions.
var defaultExtensions = []string{
	".ts", ".tsx", ".js", ".jsx", ".mjs", ".cjs",
	".py", ".java", ".kt", ".go", ".rs", ".cs",
	".cpp", ".cc", ".c", ".h", ".hpp",
}

var defaultSkipDirs = []string{
	"node_modules", ".git", "dist", "build", ".cache",
	".next", "target", "__pycache__", ".gradle", "vendor",
}

// Config parameterizes a single extraction run.
type Config struct {
	Extensions       []string
	SkipDirs         []string
	MaxFileSizeBytes int64
}

// DefaultConfig mirrors the contract's built-in defaults.
func DefaultConfig() Config {
	return Config{
		Extensions:       defaultExtensions,
		SkipDirs:         defaultSkipDirs,
		MaxFileSizeBytes: 500_000,
	}
}

// Extractor builds and persists the file-dependency edge set for a repo.
type Extractor struct {
	cache  *gitcache.Cache
	repo   *storage.FileDependencyRepository
	logger *logging.Logger
	cfg    Config
}

// NewExtractor wires the extractor to the shared cache and persistence
// layers.
func NewExtractor(cache *gitcache.Cache, repo *storage.FileDependencyRepository, logger *logging.Logger, cfg Config) *Extractor {
	if len(cfg.Extensions) == 0 {
		cfg.Extensions = defaultExtensions
	}
	if len(cfg.SkipDirs) == 0 {
		cfg.SkipDirs = defaultSkipDirs
	}
	if cfg.MaxFileSizeBytes <= 0 {
		cfg.MaxFileSizeBytes = 500_000
	}
	return &Extractor{cache: cache, repo: repo, logger: logger, cfg: cfg}
}

type rawImport struct {
	fromFile string
	spec     string
}

// Extract scans repoURL's default-branch tree and atomically replaces the
// stored edge set for (userID, repoURL).
func (e *Extractor) Extract(ctx context.Context, userID int64, repoURL string) error {
	handle, err := e.cache.Open(ctx, repoURL, gitcache.OpenOptions{FullHistory: false})
	if err != nil {
		return fmt.Errorf("failed to open cached repository: %w", err)
	}

	ref, err := handle.HeadRef(ctx)
	if err != nil {
		ref = "HEAD"
	}

	allFiles, err := handle.ListFiles(ctx, ref)
	if err != nil {
		return fmt.Errorf("failed to list repository tree: %w", err)
	}

	candidates := e.filterCandidates(allFiles)
	pathSet := make(map[string]bool, len(allFiles))
	for _, f := range allFiles {
		pathSet[f] = true
	}
	// allFiles preserves tree-walk enumeration order, needed so the
	// absolute-specifier fallback's ambiguity rule is deterministic.

	cargoManifests := make(map[string][]byte)
	for _, f := range allFiles {
		if path.Base(f) == "Cargo.toml" {
			content, err := handle.ReadFile(ctx, ref, f)
			if err != nil {
				e.logger.Warn("Skipping Cargo.toml: read failed", map[string]interface{}{"file": f, "error": err.Error()})
				continue
			}
			cargoManifests[f] = content
		}
	}
	crates := buildCrateIndex(cargoManifests)

	var rawImports []rawImport
	for _, f := range candidates {
		size, err := handle.FileSize(ctx, ref, f)
		if err != nil {
			e.logger.Warn("Skipping file: could not stat blob", map[string]interface{}{"file": f, "error": err.Error()})
			continue
		}
		if size > e.cfg.MaxFileSizeBytes {
			e.logger.Debug("Skipping file: too large", map[string]interface{}{"file": f, "size": size})
			continue
		}

		content, err := handle.ReadFile(ctx, ref, f)
		if err != nil {
			e.logger.Warn("Skipping file: read failed", map[string]interface{}{"file": f, "error": err.Error()})
			continue
		}
		if !utf8.Valid(content) {
			e.logger.Debug("Skipping file: not valid UTF-8", map[string]interface{}{"file": f})
			continue
		}

		specs, err := extractSpecifiers(f, content)
		if err != nil {
			e.logger.Warn("Skipping file: parse failed", map[string]interface{}{"file": f, "error": err.Error()})
			continue
		}
		for _, s := range specs {
			rawImports = append(rawImports, rawImport{fromFile: f, spec: s})
		}
	}

	edges := resolveAndDedupe(rawImports, pathSet, allFiles, e.cfg.Extensions, crates)

	if err := e.repo.ReplaceAll(userID, repoURL, edges); err != nil {
		return fmt.Errorf("failed to persist dependency edges: %w", err)
	}

	e.logger.Info("Import extraction complete", map[string]interface{}{
		"repoUrl":      repoURL,
		"filesScanned": len(candidates),
		"edgesFound":   len(edges),
	})

	return nil
}

func (e *Extractor) filterCandidates(files []string) []string {
	extSet := make(map[string]bool, len(e.cfg.Extensions))
	for _, ext := range e.cfg.Extensions {
		extSet[ext] = true
	}
	skipSet := make(map[string]bool, len(e.cfg.SkipDirs))
	for _, d := range e.cfg.SkipDirs {
		skipSet[d] = true
	}

	var out []string
	for _, f := range files {
		if inSkippedDir(f, skipSet) {
			continue
		}
		if !extSet[path.Ext(f)] {
			continue
		}
		out = append(out, f)
	}
	return out
}

func inSkippedDir(filePath string, skipSet map[string]bool) bool {
	for _, segment := range strings.Split(filePath, "/") {
		if skipSet[segment] {
			return true
		}
	}
	return false
}

// Language-specific extraction patterns, grounded directly in the
// contract's per-language rules.
var (
	jsTsImportRe = regexp.MustCompile(`import\s+.*?from\s+["']([^"']+)["']`)
	jsTsRequireRe = regexp.MustCompile(`require\(\s*["']([^"']+)["']\s*\)`)

	pyFromImportRe = regexp.MustCompile(`^\s*from\s+([A-Za-z0-9_.]+)\s+import\b`)
	pyImportRe     = regexp.MustCompile(`^\s*import\s+([A-Za-z0-9_.]+)`)

	javaKotlinImportRe = regexp.MustCompile(`^\s*import\s+(?:static\s+)?([A-Za-z0-9_.]+)\s*;`)

	goSingleImportRe = regexp.MustCompile(`^\s*import\s+"([^"]+)"`)
	goBlockLineRe    = regexp.MustCompile(`^\s*(?:[A-Za-z0-9_]+\s+)?"([^"]+)"\s*$`)

	rustUseRe = regexp.MustCompile(`^\s*(?:pub(?:\([^)]*\))?\s+)?use\s+([A-Za-z0-9_:]+)`)
)

func languageOf(filePath string) string {
	switch path.Ext(filePath) {
	case ".ts", ".tsx", ".js", ".jsx", ".mjs", ".cjs":
		return "js"
	case ".py":
		return "python"
	case ".java", ".kt":
		return "java"
	case ".go":
		return "go"
	case ".rs":
		return "rust"
	default:
		return ""
	}
}

// extractSpecifiers returns the raw import specifiers found in content,
// using the language inferred from filePath's extension.
func extractSpecifiers(filePath string, content []byte) ([]string, error) {
	lang := languageOf(filePath)
	if lang == "" {
		return nil, nil
	}

	var specs []string
	scanner := bufio.NewScanner(bytes.NewReader(content))
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	inGoImportBlock := false

	for scanner.Scan() {
		line := scanner.Text()

		switch lang {
		case "js":
			for _, m := range jsTsImportRe.FindAllStringSubmatch(line, -1) {
				if strings.HasPrefix(m[1], ".") {
					specs = append(specs, m[1])
				}
			}
			for _, m := range jsTsRequireRe.FindAllStringSubmatch(line, -1) {
				if strings.HasPrefix(m[1], ".") {
					specs = append(specs, m[1])
				}
			}
		case "python":
			if m := pyFromImportRe.FindStringSubmatch(line); m != nil {
				specs = append(specs, strings.ReplaceAll(m[1], ".", "/"))
			} else if m := pyImportRe.FindStringSubmatch(line); m != nil {
				specs = append(specs, strings.ReplaceAll(m[1], ".", "/"))
			}
		case "java":
			if m := javaKotlinImportRe.FindStringSubmatch(line); m != nil {
				specs = append(specs, strings.ReplaceAll(m[1], ".", "/"))
			}
		case "go":
			trimmed := strings.TrimSpace(line)
			if strings.HasPrefix(trimmed, "import (") {
				inGoImportBlock = true
				continue
			}
			if inGoImportBlock {
				if trimmed == ")" {
					inGoImportBlock = false
					continue
				}
				if m := goBlockLineRe.FindStringSubmatch(line); m != nil {
					specs = append(specs, m[1])
				}
				continue
			}
			if m := goSingleImportRe.FindStringSubmatch(line); m != nil {
				specs = append(specs, m[1])
			}
		case "rust":
			if m := rustUseRe.FindStringSubmatch(line); m != nil {
				specs = append(specs, strings.TrimSuffix(m[1], "::"))
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return specs, nil
}

// resolveAndDedupe resolves each raw specifier against the in-repo path
// set, keeps only the first occurrence of each (source, target) pair, and
// drops self-loops.
func resolveAndDedupe(raws []rawImport, pathSet map[string]bool, allFiles []string, extensions []string, crates crateIndex) []models.FileDependency {
	seen := make(map[string]bool)
	var edges []models.FileDependency

	for _, r := range raws {
		target, ok := resolveSpecifier(r.fromFile, r.spec, pathSet, allFiles, extensions, crates)
		if !ok || target == r.fromFile {
			continue
		}
		key := r.fromFile + "\x00" + target
		if seen[key] {
			continue
		}
		seen[key] = true
		edges = append(edges, models.FileDependency{
			SourceFile: r.fromFile,
			TargetFile: target,
			Kind:       "import",
		})
	}
	return edges
}

func resolveSpecifier(fromFile, spec string, pathSet map[string]bool, allFiles []string, extensions []string, crates crateIndex) (string, bool) {
	if languageOf(fromFile) == "rust" {
		return resolveRustUse(fromFile, spec, pathSet, crates)
	}
	if strings.HasPrefix(spec, ".") {
		return resolveRelative(fromFile, spec, pathSet, extensions)
	}
	lang := languageOf(fromFile)
	if lang == "java" || lang == "go" {
		return resolveAbsoluteFallback(spec, allFiles)
	}
	return "", false
}

func resolveRelative(fromFile, spec string, pathSet map[string]bool, extensions []string) (string, bool) {
	sourceDir := path.Dir(fromFile)
	candidate := path.Join(sourceDir, spec)
	candidate = path.Clean(candidate)

	if pathSet[candidate] {
		return candidate, true
	}
	for _, ext := range extensions {
		withExt := candidate + ext
		if pathSet[withExt] {
			return withExt, true
		}
	}
	for _, idx := range []string{"/index.ts", "/index.tsx", "/index.js", "/index.jsx"} {
		withIndex := candidate + idx
		if pathSet[withIndex] {
			return withIndex, true
		}
	}
	return "", false
}

// resolveAbsoluteFallback matches a non-relative specifier's final segment
// against file basenames, best-effort for Java/Kotlin/Go. Ambiguity
// resolves to the first match in enumeration order.
func resolveAbsoluteFallback(spec string, allFiles []string) (string, bool) {
	segments := strings.Split(spec, "/")
	lastSegment := segments[len(segments)-1]
	if lastSegment == "" {
		return "", false
	}

	for _, candidate := range allFiles {
		base := path.Base(candidate)
		baseNoExt := strings.TrimSuffix(base, path.Ext(base))
		if baseNoExt == lastSegment {
			return candidate, true
		}
	}
	return "", false
}

// cargoManifest captures just enough of Cargo.toml to name a package and
// locate its source root; workspace member lists don't need parsing since
// each member carries its own manifest, discovered independently.
type cargoManifest struct {
	Package *struct {
		Name string `toml:"name"`
	} `toml:"package"`
}

// crateIndex maps a crate's underscore-normalized name to its `src` root,
// plus every known manifest directory for `crate::`-relative resolution
// from a file buried somewhere under that crate.
type crateIndex struct {
	srcRootByName map[string]string
	manifestDirs  []string // sorted longest path first
}

func buildCrateIndex(manifests map[string][]byte) crateIndex {
	idx := crateIndex{srcRootByName: make(map[string]string)}
	for manifestPath, content := range manifests {
		var m cargoManifest
		if err := toml.Unmarshal(content, &m); err != nil || m.Package == nil || m.Package.Name == "" {
			continue
		}
		dir := path.Dir(manifestPath)
		name := strings.ReplaceAll(m.Package.Name, "-", "_")
		idx.srcRootByName[name] = path.Join(dir, "src")
		idx.manifestDirs = append(idx.manifestDirs, dir)
	}
	sort.Slice(idx.manifestDirs, func(i, j int) bool {
		return len(idx.manifestDirs[i]) > len(idx.manifestDirs[j])
	})
	return idx
}

// ownCrateSrcRoot finds the nearest enclosing manifest directory's src
// root for a file, used to resolve `crate::`-prefixed specifiers.
func (c crateIndex) ownCrateSrcRoot(filePath string) string {
	for _, dir := range c.manifestDirs {
		if dir == "." || strings.HasPrefix(filePath, dir+"/") {
			return path.Join(dir, "src")
		}
	}
	return ""
}

// resolveRustUse resolves a `use` path against Cargo's module-to-file
// convention: `crate::`/`self::`/`super::` are resolved relative to the
// importing file's own crate or module, anything else is looked up as an
// external crate name in the workspace's manifests.
func resolveRustUse(fromFile, spec string, pathSet map[string]bool, crates crateIndex) (string, bool) {
	var segments []string
	for _, s := range strings.Split(spec, "::") {
		if s != "" {
			segments = append(segments, s)
		}
	}
	if len(segments) == 0 {
		return "", false
	}

	var baseDir string
	rest := segments[1:]
	switch segments[0] {
	case "crate":
		baseDir = crates.ownCrateSrcRoot(fromFile)
	case "self":
		baseDir = path.Dir(fromFile)
	case "super":
		baseDir = path.Dir(path.Dir(fromFile))
	case "std", "core", "alloc":
		return "", false
	default:
		root, ok := crates.srcRootByName[segments[0]]
		if !ok {
			return "", false
		}
		baseDir = root
	}
	if baseDir == "" {
		return "", false
	}
	return resolveRustModulePath(baseDir, rest, pathSet)
}

// resolveRustModulePath walks lowercase module segments as directories or
// `<mod>.rs` files, stopping at the first segment that looks like an
// imported item rather than a module (an uppercase leading letter).
func resolveRustModulePath(baseDir string, segments []string, pathSet map[string]bool) (string, bool) {
	dir := baseDir
	for _, seg := range segments {
		if seg == "" || (seg[0] >= 'A' && seg[0] <= 'Z') {
			break
		}
		if candidate := path.Join(dir, seg+".rs"); pathSet[candidate] {
			return candidate, true
		}
		if candidate := path.Join(dir, seg, "mod.rs"); pathSet[candidate] {
			return candidate, true
		}
		dir = path.Join(dir, seg)
	}
	for _, leaf := range []string{"lib.rs", "main.rs", "mod.rs"} {
		if candidate := path.Join(baseDir, leaf); pathSet[candidate] {
			return candidate, true
		}
	}
	return "", false
}
