// Package query implements the Query Facade: five read operations over the
// three analysis engines' tables, each scoped by (userId, repoUrl).
package query

import (
	"fmt"
	"path"
	"regexp"
	"sort"
	"time"

	"reposcope/internal/models"
	"reposcope/internal/storage"
)

// DefaultGraphDepth bounds an unscoped BFS traversal of the dependency graph.
const DefaultGraphDepth = 20

// DefaultHotspotWindowWeeks and DefaultHotspotThreshold mirror the Query
// Facade's documented defaults.
const (
	DefaultHotspotWindowWeeks = 12
	DefaultHotspotThreshold   = 25.0
)

// Facade answers read queries over the persisted analysis results.
type Facade struct {
	docRepo    *storage.IndexDocumentRepository
	symbolRepo *storage.SymbolInfoRepository
	depRepo    *storage.FileDependencyRepository
	churnRepo  *storage.FileChurnStatRepository
}

// NewFacade wires the facade to its backing repositories.
func NewFacade(docRepo *storage.IndexDocumentRepository, symbolRepo *storage.SymbolInfoRepository, depRepo *storage.FileDependencyRepository, churnRepo *storage.FileChurnStatRepository) *Facade {
	return &Facade{docRepo: docRepo, symbolRepo: symbolRepo, depRepo: depRepo, churnRepo: churnRepo}
}

// HoverResult is the single occurrence (if any) covering a hover position,
// joined to its symbol's metadata.
type HoverResult struct {
	Occurrence models.Occurrence
	Symbol     *models.SymbolInfo
}

// HoverAt selects the innermost occurrence covering (line, character) in
// filePath, joined to SymbolInfo. Returns nil when nothing covers it.
func (f *Facade) HoverAt(userID int64, repoURL, filePath string, line, character int) (*HoverResult, error) {
	docs, err := f.docRepo.ListByRepo(userID, repoURL)
	if err != nil {
		return nil, fmt.Errorf("failed to list documents: %w", err)
	}

	var documentID int64
	found := false
	for _, d := range docs {
		if d.RelativePath == filePath {
			documentID = d.ID
			found = true
			break
		}
	}
	if !found {
		return nil, nil
	}

	occs, err := f.docRepo.OccurrencesCoveringPosition(documentID, line, character)
	if err != nil {
		return nil, fmt.Errorf("failed to query occurrences: %w", err)
	}
	if len(occs) == 0 {
		return nil, nil
	}

	// Order by range size ascending (innermost first); take the first.
	sort.SliceStable(occs, func(i, j int) bool {
		return rangeSize(occs[i]) < rangeSize(occs[j])
	})
	best := occs[0]

	sym, err := f.symbolRepo.GetBySymbol(userID, repoURL, best.Symbol)
	if err != nil {
		return nil, fmt.Errorf("failed to join symbol info: %w", err)
	}

	return &HoverResult{Occurrence: best, Symbol: sym}, nil
}

func rangeSize(o models.Occurrence) int {
	lines := o.EndLine - o.StartLine
	chars := o.EndChar - o.StartChar
	return lines*100000 + chars
}

// ReferencesBySymbol returns every occurrence of symbol across the repo's
// documents, ordered by (filePath, startLine).
func (f *Facade) ReferencesBySymbol(userID int64, repoURL, symbol string) ([]storage.OccurrenceWithPath, error) {
	occs, err := f.docRepo.OccurrencesBySymbol(userID, repoURL, symbol)
	if err != nil {
		return nil, fmt.Errorf("failed to query references: %w", err)
	}
	return occs, nil
}

// GraphNode is one file in the dependency graph result.
type GraphNode struct {
	ID       string
	Label    string
	Path     string
	Language string
}

// GraphEdge is one dependency edge in the result, flagged when it closes a
// cycle reachable from the BFS root.
type GraphEdge struct {
	ID      string
	From    string
	To      string
	Kind    string
	IsCycle bool
}

// GraphResult is the language-neutral shape returned by GraphOfRepo.
type GraphResult struct {
	Nodes []GraphNode
	Edges []GraphEdge
}

// GraphOfRepo returns the full edge set when rootFile is empty, or a BFS
// from rootFile over outgoing edges up to depth, marking edges that close a
// cycle.
func (f *Facade) GraphOfRepo(userID int64, repoURL, rootFile string, depth int) (*GraphResult, error) {
	if depth <= 0 {
		depth = DefaultGraphDepth
	}

	var edges []models.FileDependency
	var err error
	if rootFile == "" {
		edges, err = f.depRepo.ListByRepo(userID, repoURL)
	} else {
		edges, err = bfsEdges(f.depRepo, userID, repoURL, rootFile, depth)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to build dependency graph: %w", err)
	}

	return buildGraphResult(edges), nil
}

func bfsEdges(depRepo *storage.FileDependencyRepository, userID int64, repoURL, rootFile string, depth int) ([]models.FileDependency, error) {
	var result []models.FileDependency
	visitedNode := map[string]bool{rootFile: true}
	visitedEdge := map[string]bool{}

	frontier := []string{rootFile}
	for d := 0; d < depth && len(frontier) > 0; d++ {
		var next []string
		for _, file := range frontier {
			outgoing, err := depRepo.OutgoingFrom(userID, repoURL, file)
			if err != nil {
				return nil, err
			}
			for _, e := range outgoing {
				key := e.SourceFile + "\x00" + e.TargetFile
				if visitedEdge[key] {
					continue
				}
				visitedEdge[key] = true
				result = append(result, e)
				if !visitedNode[e.TargetFile] {
					visitedNode[e.TargetFile] = true
					next = append(next, e.TargetFile)
				}
			}
		}
		frontier = next
	}
	return result, nil
}

func buildGraphResult(edges []models.FileDependency) *GraphResult {
	nodeSet := make(map[string]bool)
	// Detect cycles via back-edges discovered during a DFS over the
	// collected edge set, started from every source node in sorted path
	// order.
	adjacency := make(map[string][]string)
	for _, e := range edges {
		nodeSet[e.SourceFile] = true
		nodeSet[e.TargetFile] = true
		adjacency[e.SourceFile] = append(adjacency[e.SourceFile], e.TargetFile)
	}

	cycleEdges := detectCycleEdges(adjacency)

	nodes := make([]GraphNode, 0, len(nodeSet))
	nodePaths := make([]string, 0, len(nodeSet))
	for p := range nodeSet {
		nodePaths = append(nodePaths, p)
	}
	sort.Strings(nodePaths)
	for _, p := range nodePaths {
		nodes = append(nodes, GraphNode{
			ID:       slugify(p),
			Label:    path.Base(p),
			Path:     p,
			Language: languageFromExtension(p),
		})
	}

	resultEdges := make([]GraphEdge, 0, len(edges))
	for _, e := range edges {
		key := e.SourceFile + "\x00" + e.TargetFile
		resultEdges = append(resultEdges, GraphEdge{
			ID:      slugify(e.SourceFile) + "_" + slugify(e.TargetFile),
			From:    slugify(e.SourceFile),
			To:      slugify(e.TargetFile),
			Kind:    e.Kind,
			IsCycle: cycleEdges[key],
		})
	}

	return &GraphResult{Nodes: nodes, Edges: resultEdges}
}

// detectCycleEdges runs a DFS per connected node and marks any edge whose
// target is already on the current path as closing a cycle.
func detectCycleEdges(adjacency map[string][]string) map[string]bool {
	cycles := make(map[string]bool)
	onStack := make(map[string]bool)
	visited := make(map[string]bool)

	var visit func(node string)
	visit = func(node string) {
		if visited[node] {
			return
		}
		visited[node] = true
		onStack[node] = true
		for _, next := range adjacency[node] {
			key := node + "\x00" + next
			if onStack[next] {
				cycles[key] = true
				continue
			}
			visit(next)
		}
		onStack[node] = false
	}

	var roots []string
	for n := range adjacency {
		roots = append(roots, n)
	}
	sort.Strings(roots)
	for _, r := range roots {
		visit(r)
	}
	return cycles
}

var nonAlphanumericRe = regexp.MustCompile(`[^A-Za-z0-9]`)

func slugify(filePath string) string {
	return nonAlphanumericRe.ReplaceAllString(filePath, "_")
}

func languageFromExtension(filePath string) string {
	switch path.Ext(filePath) {
	case ".go":
		return "go"
	case ".ts", ".tsx":
		return "typescript"
	case ".js", ".jsx", ".mjs", ".cjs":
		return "javascript"
	case ".py":
		return "python"
	case ".java":
		return "java"
	case ".kt":
		return "kotlin"
	case ".rs":
		return "rust"
	case ".cs":
		return "csharp"
	case ".cpp", ".cc", ".c", ".h", ".hpp":
		return "cpp"
	default:
		return "unknown"
	}
}

// HotspotGroup is one file's aggregated churn above the threshold, with its
// full weekly trend.
type HotspotGroup struct {
	FilePath          string
	AverageChurn      float64
	TotalCommits      int
	TotalLinesAdded   int
	TotalLinesDeleted int
	Weeks             []models.FileChurnStat
}

// Hotspots returns files whose churn rate exceeded threshold within the
// last window weeks, sorted by average churn descending, capped at 20.
func (f *Facade) Hotspots(userID int64, repoURL string, windowWeeks int, threshold float64) ([]HotspotGroup, error) {
	if windowWeeks <= 0 {
		windowWeeks = DefaultHotspotWindowWeeks
	}
	if threshold <= 0 {
		threshold = DefaultHotspotThreshold
	}

	since := time.Now().UTC().AddDate(0, 0, -7*windowWeeks)
	rows, err := f.churnRepo.Hotspots(userID, repoURL, since, threshold)
	if err != nil {
		return nil, fmt.Errorf("failed to query hotspots: %w", err)
	}

	grouped := make(map[string][]models.FileChurnStat)
	for _, r := range rows {
		grouped[r.FilePath] = append(grouped[r.FilePath], r)
	}

	groups := make([]HotspotGroup, 0, len(grouped))
	for filePath, weeks := range grouped {
		sort.Slice(weeks, func(i, j int) bool { return weeks[i].WeekStart.Before(weeks[j].WeekStart) })
		var totalCommits, totalLinesAdded, totalLinesDeleted int
		for _, w := range weeks {
			totalCommits += w.CommitCount
			totalLinesAdded += w.LinesAdded
			totalLinesDeleted += w.LinesDeleted
		}
		groups = append(groups, HotspotGroup{
			FilePath:          filePath,
			AverageChurn:      averageChurn(weeks),
			TotalCommits:      totalCommits,
			TotalLinesAdded:   totalLinesAdded,
			TotalLinesDeleted: totalLinesDeleted,
			Weeks:             weeks,
		})
	}

	sort.Slice(groups, func(i, j int) bool { return groups[i].AverageChurn > groups[j].AverageChurn })
	if len(groups) > 20 {
		groups = groups[:20]
	}
	return groups, nil
}

func averageChurn(weeks []models.FileChurnStat) float64 {
	if len(weeks) == 0 {
		return 0
	}
	total := 0.0
	for _, w := range weeks {
		total += w.ChurnRate
	}
	return total / float64(len(weeks))
}

// FileTrend returns filePath's weekly churn rows within the last window
// weeks, ordered by weekStart.
func (f *Facade) FileTrend(userID int64, repoURL, filePath string, windowWeeks int) ([]models.FileChurnStat, error) {
	if windowWeeks <= 0 {
		windowWeeks = DefaultHotspotWindowWeeks
	}
	since := time.Now().UTC().AddDate(0, 0, -7*windowWeeks)

	rows, err := f.churnRepo.FileTrend(userID, repoURL, filePath, since)
	if err != nil {
		return nil, fmt.Errorf("failed to query file trend: %w", err)
	}
	return rows, nil
}
