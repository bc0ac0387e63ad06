package retrieval

import (
	"io/fs"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"localflow/internal/embedding"
	"localflow/internal/logging"
	"localflow/internal/types"
)

// ignoredDirs mirrors the indexer's traversal denylist.
var ignoredDirs = map[string]bool{
	".git": true, ".hg": true, ".svn": true, "node_modules": true,
	".venv": true, "venv": true, "__pycache__": true, ".idea": true,
	".vscode": true, "dist": true, "build": true, "target": true,
	"coverage": true,
}

var mediaExt = map[string]bool{
	".jpg": true, ".jpeg": true, ".png": true, ".gif": true, ".bmp": true,
	".webp": true, ".tif": true, ".tiff": true, ".heic": true, ".mp4": true,
	".mov": true, ".avi": true, ".mkv": true, ".webm": true,
}

var docExt = map[string]bool{
	".pdf": true, ".doc": true, ".docx": true, ".txt": true, ".md": true,
}

var nonAlnum = regexp.MustCompile(`[^a-z0-9]+`)

var driveHintPattern = regexp.MustCompile(`\b([a-zA-Z]):\b`)

// maxFilesScan bounds a FindFiles traversal.
const maxFilesScan = 450000

// FindFiles scans the authorized roots for files whose path matches the
// query tokens, without touching embeddings. Useful for "where is my ..."
// lookups where the filename is the signal, not the content.
func (e *Engine) FindFiles(query string, topK int) ([]types.SearchHit, error) {
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return nil, nil
	}

	scope := e.perms.Scope()
	if scope.IsEmpty() {
		return nil, ErrPermissionRequired
	}

	roots := scope.Roots
	if hints := driveHints(query); len(hints) > 0 {
		var filtered []string
		for _, r := range roots {
			for _, d := range hints {
				if strings.HasPrefix(strings.ToLower(r), strings.ToLower(d)) {
					filtered = append(filtered, r)
					break
				}
			}
		}
		if len(filtered) == 0 {
			return nil, nil
		}
		roots = filtered
	}

	queryTokens := contentTokens(q)
	if len(queryTokens) == 0 {
		return nil, nil
	}
	qCompact := compact(q)
	wantsImages := containsAny(q, "photo", "photos", "picture", "pictures", "image", "images")
	wantsDocs := containsAny(q, "document", "documents", "pdf", "doc", "docx", "txt")

	var strict, relaxed []types.SearchHit
	scanned := 0
	for _, root := range roots {
		if scanned >= maxFilesScan {
			break
		}
		filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return nil
			}
			if d.IsDir() {
				if ignoredDirs[strings.ToLower(d.Name())] && path != root {
					return filepath.SkipDir
				}
				return nil
			}
			if scanned >= maxFilesScan {
				return filepath.SkipAll
			}
			scanned++

			hit, coverage, ok := scoreFilePath(path, q, qCompact, queryTokens, wantsImages, wantsDocs)
			if !ok {
				return nil
			}
			if coverage >= 0.34 {
				strict = append(strict, hit)
			} else {
				relaxed = append(relaxed, hit)
			}
			return nil
		})
	}

	limit := clampTopK(topK, 20)
	results := strict
	if len(results) == 0 {
		results = relaxed
	}
	sortHits(results)
	if len(results) > limit {
		results = results[:limit]
	}
	logging.Retrieval("FindFiles %q scanned %d files, %d results", query, scanned, len(results))
	return results, nil
}

// scoreFilePath scores one candidate path against the query tokens.
func scoreFilePath(path, q, qCompact string, queryTokens map[string]bool, wantsImages, wantsDocs bool) (types.SearchHit, float64, bool) {
	p := strings.ToLower(path)
	name := strings.ToLower(filepath.Base(path))
	ext := strings.ToLower(filepath.Ext(path))

	pathTokens := make(map[string]bool)
	for _, tok := range embedding.Tokenize(p) {
		pathTokens[tok] = true
	}

	overlap := 0
	for tok := range queryTokens {
		if pathTokens[tok] {
			overlap++
		}
	}
	compactPath := compact(p)
	compactOverlap := 0
	for tok := range queryTokens {
		if ct := compact(tok); ct != "" && strings.Contains(compactPath, ct) {
			compactOverlap++
		}
	}
	overlapTotal := overlap + compactOverlap
	if overlapTotal == 0 && (qCompact == "" || !strings.Contains(compactPath, qCompact)) {
		return types.SearchHit{}, 0, false
	}
	coverage := float64(overlapTotal) / float64(len(queryTokens))

	score := float64(overlapTotal)
	if wantsImages && mediaExt[ext] {
		score += 2.0
	}
	if wantsDocs && docExt[ext] {
		score += 1.5
	}
	if strings.Contains(q, name) || anyTokenIn(queryTokens, name) {
		score += 1.0
	}
	if qCompact != "" && strings.Contains(compactPath, qCompact) {
		score += 1.2
	}
	score += coverage
	if len(path) < 140 {
		score += 0.2
	}

	return types.SearchHit{
		SourcePath: path,
		Snippet:    "Matched path: " + path,
		Score:      score,
	}, coverage, true
}

// sortHits applies the same deterministic ordering as Search.
func sortHits(hits []types.SearchHit) {
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return len(hits[i].SourcePath) < len(hits[j].SourcePath)
	})
}

func anyTokenIn(tokens map[string]bool, s string) bool {
	for tok := range tokens {
		if strings.Contains(s, tok) {
			return true
		}
	}
	return false
}

func containsAny(s string, words ...string) bool {
	for _, w := range words {
		if strings.Contains(s, w) {
			return true
		}
	}
	return false
}

func compact(s string) string {
	return nonAlnum.ReplaceAllString(strings.ToLower(s), "")
}

// driveHints extracts drive-letter hints like "C:" from a query. Only
// meaningful on windows roots; on other platforms no root matches and the
// hint simply filters everything, matching a literal reading of the query.
func driveHints(query string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, m := range driveHintPattern.FindAllStringSubmatch(query, -1) {
		drive := strings.ToUpper(m[1]) + `:\`
		if !seen[drive] {
			seen[drive] = true
			out = append(out, drive)
		}
	}
	return out
}
