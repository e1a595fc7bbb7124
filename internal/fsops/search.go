package fsops

import (
	"bufio"
	"bytes"
	"os"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	ignore "github.com/sabhiram/go-gitignore"
	"github.com/termlink/termlink/internal/protocol"
)

// maxContentMatchesPerFile caps how many line hits one file contributes.
const maxContentMatchesPerFile = 20

// SearchResult is the payload of a file search.
type SearchResult struct {
	Matches   []protocol.SearchMatch
	Truncated bool
}

// SearchFiles walks a directory tree for entries whose name matches a glob
// pattern, optionally filtering to files whose content contains a literal
// string. A pattern without glob metacharacters matches as a substring.
// Rules from a .gitignore at the search root are respected, .git directories
// are always skipped, and denied paths never appear in results.
func (e *Engine) SearchFiles(path, namePattern, contentPattern string, maxDepth, maxResults int) (*SearchResult, error) {
	canonical, err := e.validator.ValidateExisting(path)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(canonical)
	if err != nil {
		return nil, protocol.WrapFSError(path, err)
	}
	if !info.IsDir() {
		return nil, protocol.NewFSError(protocol.CodeNotADirectory, path, "not a directory")
	}

	pattern := strings.ToLower(namePattern)
	if pattern != "" && !strings.ContainsAny(pattern, "*?[{") {
		pattern = "*" + pattern + "*"
	}

	policyCap := e.validator.Policy().MaxSearchResults
	if maxResults <= 0 || (policyCap > 0 && maxResults > policyCap) {
		maxResults = policyCap
	}

	var gitIgnore *ignore.GitIgnore
	if gi, err := ignore.CompileIgnoreFile(filepath.Join(canonical, ".gitignore")); err == nil {
		gitIgnore = gi
	}

	result := &SearchResult{}
	walkErr := filepath.WalkDir(canonical, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return nil // unreadable subtree, keep walking
		}
		if p == canonical {
			return nil
		}

		rel, relErr := filepath.Rel(canonical, p)
		if relErr != nil {
			return nil
		}

		if d.IsDir() {
			if d.Name() == ".git" {
				return filepath.SkipDir
			}
			if maxDepth > 0 && strings.Count(rel, string(filepath.Separator))+1 >= maxDepth {
				return filepath.SkipDir
			}
			if gitIgnore != nil && gitIgnore.MatchesPath(rel+"/") {
				return filepath.SkipDir
			}
			if e.validator.IsDenied(p) {
				return filepath.SkipDir
			}
			return nil
		}

		if gitIgnore != nil && gitIgnore.MatchesPath(rel) {
			return nil
		}
		if e.validator.IsDenied(p) {
			return nil
		}

		if pattern != "" {
			if ok, _ := doublestar.Match(pattern, strings.ToLower(d.Name())); !ok {
				return nil
			}
		}

		entry, statErr := e.statEntry(p)
		if statErr != nil {
			return nil
		}

		match := protocol.SearchMatch{Entry: entry}
		if contentPattern != "" {
			if entry.IsSymlink || entry.Size > e.validator.Policy().MaxReadSize {
				return nil
			}
			hits := grepFile(p, contentPattern)
			if len(hits) == 0 {
				return nil
			}
			match.ContentMatches = hits
		}

		result.Matches = append(result.Matches, match)
		if maxResults > 0 && len(result.Matches) >= maxResults {
			result.Truncated = true
			return filepath.SkipAll
		}
		return nil
	})
	if walkErr != nil {
		return nil, protocol.WrapFSError(path, walkErr)
	}
	return result, nil
}

// grepFile scans a file line by line for a literal pattern, returning up to
// maxContentMatchesPerFile hits. Binary files (NUL in the first block) are
// skipped.
func grepFile(path, pattern string) []protocol.ContentMatch {
	f, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer f.Close()

	probe := make([]byte, 8192)
	n, _ := f.Read(probe)
	if bytes.IndexByte(probe[:n], 0) >= 0 {
		return nil
	}
	if _, err := f.Seek(0, 0); err != nil {
		return nil
	}

	var matches []protocol.ContentMatch
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Text()
		col := strings.Index(line, pattern)
		if col < 0 {
			continue
		}
		matches = append(matches, protocol.ContentMatch{
			LineNumber: lineNo,
			Line:       line,
			Column:     col + 1,
		})
		if len(matches) >= maxContentMatchesPerFile {
			break
		}
	}
	return matches
}
